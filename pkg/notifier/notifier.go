// Package notifier sends desktop notifications about a run
package notifier

import (
	"fmt"
	"time"

	"github.com/gen2brain/beeep"

	"github.com/forja/forja/pkg/logger"
)

// SendFunc delivers one notification
type SendFunc func(title, message string) error

// RunNotifier reports run outcomes on the desktop
type RunNotifier struct {
	enabled bool
	logger  logger.Logger
	send    SendFunc
}

// Config represents notification configuration
type Config struct {
	Enabled bool
	// Send overrides the desktop backend, mainly for tests.
	Send SendFunc
}

// New creates a run notifier
func New(config Config, log logger.Logger) *RunNotifier {
	send := config.Send
	if send == nil {
		send = func(title, message string) error { return beeep.Notify(title, message, "") }
	}
	if log == nil {
		log = logger.Discard()
	}
	return &RunNotifier{enabled: config.Enabled, logger: log, send: send}
}

// NotifyRunComplete reports the final tally
func (n *RunNotifier) NotifyRunComplete(passed, total, blocked int, duration time.Duration) {
	title := "✅ forja run complete"
	if blocked > 0 {
		title = "⚠️ forja run finished with blocked features"
	}
	message := fmt.Sprintf("%d/%d features completed (%d blocked) in %s", passed, total, blocked, formatDuration(duration))
	n.notify(title, message)
}

// NotifyBlocked reports one feature leaving the scheduling pool
func (n *RunNotifier) NotifyBlocked(teammate, featureID, reason string) {
	n.notify("⛔ Feature blocked", fmt.Sprintf("%s/%s: %s", teammate, featureID, reason))
}

// NotifyFatal reports a run that aborted
func (n *RunNotifier) NotifyFatal(err error) {
	n.notify("❌ forja run aborted", err.Error())
}

func (n *RunNotifier) notify(title, message string) {
	if n == nil || !n.enabled {
		return
	}
	if err := n.send(title, message); err != nil {
		n.logger.Debug("Failed to send notification", logger.WithError(err))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.1fs", d.Seconds())
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	return fmt.Sprintf("%dh%dm", int(d.Hours()), int(d.Minutes())%60)
}
