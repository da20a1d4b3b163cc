// Package mocks provides test doubles for forja's collaborator interfaces.
//
// The hand-written doubles here script teammate processes; the *_mock.go files
// are generated with mockgen.
package mocks

import (
	"context"
	"sync"
	"time"

	"github.com/forja/forja/pkg/supervisor"
)

// MockProcess is a controllable supervisor.Process
type MockProcess struct {
	pid        int
	done       chan struct{}
	stop       chan struct{}
	exitOnce   sync.Once
	stopOnce   sync.Once
	mu         sync.Mutex
	exitErr    error
	terminated int
}

// NewMockProcess creates a running mock process
func NewMockProcess(pid int) *MockProcess {
	return &MockProcess{
		pid:  pid,
		done: make(chan struct{}),
		stop: make(chan struct{}),
	}
}

// Exit finishes the process with err as its exit error
func (m *MockProcess) Exit(err error) {
	m.exitOnce.Do(func() {
		m.mu.Lock()
		m.exitErr = err
		m.mu.Unlock()
		close(m.done)
	})
}

// Stopped is closed when the supervisor asks the process to terminate
func (m *MockProcess) Stopped() <-chan struct{} {
	return m.stop
}

// PID returns the fake pid
func (m *MockProcess) PID() int { return m.pid }

// Done is closed after Exit
func (m *MockProcess) Done() <-chan struct{} { return m.done }

// ExitErr returns the error passed to Exit
func (m *MockProcess) ExitErr() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.exitErr
}

// Terminate signals Stopped and waits up to grace for Exit, then forces it
func (m *MockProcess) Terminate(grace time.Duration) error {
	select {
	case <-m.done:
		return supervisor.ErrNotRunning
	default:
	}

	m.mu.Lock()
	m.terminated++
	m.mu.Unlock()
	m.stopOnce.Do(func() { close(m.stop) })

	select {
	case <-m.done:
	case <-time.After(grace):
		m.Exit(nil)
	}
	return nil
}

// TerminateCount returns how many times Terminate reached a live process
func (m *MockProcess) TerminateCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.terminated
}

// TeammateFunc stands in for one launch of a teammate process. The process
// exits cleanly when the function returns unless it already called Exit.
type TeammateFunc func(scope supervisor.Scope, p *MockProcess)

// MockSpawner launches scripted teammates
type MockSpawner struct {
	mu       sync.Mutex
	handlers map[string]TeammateFunc
	spawnErr error
	launches []supervisor.Scope
	procs    []*MockProcess
}

// NewMockSpawner creates a spawner whose unscripted teammates exit at once
func NewMockSpawner() *MockSpawner {
	return &MockSpawner{handlers: make(map[string]TeammateFunc)}
}

// Handle scripts every launch of teammate
func (m *MockSpawner) Handle(teammate string, fn TeammateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers[teammate] = fn
}

// SetSpawnError makes every Spawn fail with err
func (m *MockSpawner) SetSpawnError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.spawnErr = err
}

// Spawn implements supervisor.Spawner
func (m *MockSpawner) Spawn(ctx context.Context, scope supervisor.Scope) (supervisor.Process, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.spawnErr != nil {
		return nil, m.spawnErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p := NewMockProcess(10000 + len(m.procs))
	m.launches = append(m.launches, scope)
	m.procs = append(m.procs, p)
	fn := m.handlers[scope.Teammate.Name]

	go func() {
		if fn != nil {
			fn(scope, p)
		}
		p.Exit(nil)
	}()
	return p, nil
}

// Launches returns the scopes of every launch in order
func (m *MockSpawner) Launches() []supervisor.Scope {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]supervisor.Scope(nil), m.launches...)
}

// LaunchCount returns how many times teammate was launched
func (m *MockSpawner) LaunchCount(teammate string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, s := range m.launches {
		if s.Teammate.Name == teammate {
			n++
		}
	}
	return n
}

// Processes returns every process launched so far
func (m *MockSpawner) Processes() []*MockProcess {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*MockProcess(nil), m.procs...)
}
