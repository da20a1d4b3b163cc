// Package process provides signal handling and process-group control
package process

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/forja/forja/pkg/logger"
)

// Manager turns operator signals into an orderly shutdown
type Manager struct {
	logger           logger.Logger
	shutdownHandlers []func()
	stop             chan struct{}
	wg               sync.WaitGroup
	mu               sync.Mutex
	running          bool
	received         os.Signal
}

// NewManager creates a new process manager
func NewManager(log logger.Logger) *Manager {
	return &Manager{
		logger: log,
	}
}

// RegisterShutdownHandler adds a handler run on SIGINT, SIGTERM or SIGHUP.
// Handlers run in reverse registration order.
func (m *Manager) RegisterShutdownHandler(handler func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdownHandlers = append(m.shutdownHandlers, handler)
}

// Start listens for signals until ctx is done or Stop is called
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stop = make(chan struct{})
	stop := m.stop
	m.mu.Unlock()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer signal.Stop(sigChan)

		select {
		case <-ctx.Done():
		case <-stop:
		case sig := <-sigChan:
			m.logger.Warn("Received signal, shutting down", logger.WithField("signal", sig))
			m.mu.Lock()
			m.received = sig
			m.mu.Unlock()
			m.handleShutdown()
		}
	}()
}

// Stop stops listening for signals
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stop)
	m.mu.Unlock()

	m.wg.Wait()
}

// IsRunning checks if the manager is listening
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Received returns the signal that triggered shutdown, if any
func (m *Manager) Received() os.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received
}

func (m *Manager) handleShutdown() {
	m.mu.Lock()
	handlers := make([]func(), len(m.shutdownHandlers))
	copy(handlers, m.shutdownHandlers)
	m.mu.Unlock()

	for i := len(handlers) - 1; i >= 0; i-- {
		handlers[i]()
	}
}
