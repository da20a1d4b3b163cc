// Package metrics exposes run progress as Prometheus collectors
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/forja/forja/pkg/registry"
	"github.com/forja/forja/pkg/types"
)

// Metrics holds the collectors of one run on a private registry, so several
// runs in one process (tests) never collide on registration.
//
// Metrics:
//   - forja_events_total{kind} - events appended to the event log
//   - forja_features{status} - features per status, read at scrape time
//   - forja_wave_current - index of the wave in flight
//   - forja_process_terminations_total{reason} - teammate process groups terminated
//
// All methods are safe on a nil *Metrics.
type Metrics struct {
	registry     *prometheus.Registry
	events       *prometheus.CounterVec
	wave         prometheus.Gauge
	terminations *prometheus.CounterVec

	mu     sync.RWMutex
	counts func() registry.Counts
}

// New creates and registers the collectors
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,
		events: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forja_events_total",
				Help: "Total number of events appended to the event log",
			},
			[]string{"kind"},
		),
		wave: factory.NewGauge(prometheus.GaugeOpts{
			Name: "forja_wave_current",
			Help: "Index of the wave currently executing",
		}),
		terminations: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forja_process_terminations_total",
				Help: "Total number of teammate process groups terminated",
			},
			[]string{"reason"}, // "stall", "absolute", "complete", "cancelled"
		),
	}
	m.wave.Set(-1)

	for _, status := range []types.FeatureStatus{
		types.FeatureStatusPending,
		types.FeatureStatusInProgress,
		types.FeatureStatusPassed,
		types.FeatureStatusBlocked,
	} {
		status := status
		factory.NewGaugeFunc(prometheus.GaugeOpts{
			Name:        "forja_features",
			Help:        "Number of features per status",
			ConstLabels: prometheus.Labels{"status": string(status)},
		}, func() float64 {
			return m.featureCount(status)
		})
	}
	return m
}

// Registry returns the underlying Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the collectors in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// TrackFeatures sets the source of the per-status feature gauges. counts is
// called at scrape time, never from inside an event log append.
func (m *Metrics) TrackFeatures(counts func() registry.Counts) {
	if m == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counts = counts
}

// ObserveEvent counts one appended event. It has the eventlog.Observer shape.
func (m *Metrics) ObserveEvent(ev types.Event) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(string(ev.Kind)).Inc()
}

// SetWave records the wave in flight
func (m *Metrics) SetWave(index int) {
	if m == nil {
		return
	}
	m.wave.Set(float64(index))
}

// ProcessTerminated counts a terminated teammate process group
func (m *Metrics) ProcessTerminated(reason string) {
	if m == nil {
		return
	}
	m.terminations.WithLabelValues(reason).Inc()
}

func (m *Metrics) featureCount(status types.FeatureStatus) float64 {
	m.mu.RLock()
	counts := m.counts
	m.mu.RUnlock()
	if counts == nil {
		return 0
	}

	c := counts()
	switch status {
	case types.FeatureStatusPending:
		return float64(c.Pending)
	case types.FeatureStatusInProgress:
		return float64(c.InProgress)
	case types.FeatureStatusPassed:
		return float64(c.Passed)
	case types.FeatureStatusBlocked:
		return float64(c.Blocked)
	}
	return 0
}
