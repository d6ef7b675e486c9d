package shutdown

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// Manager coordinates teardown of the supervisor's children: spawned worker
// processes, the dashboard's terminal state and the exporter server.
// Functions run in reverse registration order (LIFO).
type Manager struct {
	shutdownFuncs []func(context.Context) error
	mu            sync.Mutex
	timeout       time.Duration
	doneChan      chan struct{}
	once          sync.Once
	onError       func(name string, err error)
	names         []string
}

// New creates a new shutdown manager. onError is invoked for every shutdown
// function that fails; pass nil to ignore failures.
func New(timeout time.Duration, onError func(name string, err error)) *Manager {
	return &Manager{
		timeout:  timeout,
		doneChan: make(chan struct{}),
		onError:  onError,
	}
}

// Register adds a named shutdown function.
func (m *Manager) Register(name string, fn func(context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, name)
	m.shutdownFuncs = append(m.shutdownFuncs, fn)
}

// Done returns a channel that is closed when shutdown is initiated.
func (m *Manager) Done() <-chan struct{} {
	return m.doneChan
}

// Trigger initiates shutdown without a signal (e.g. all children exited).
func (m *Manager) Trigger() {
	m.once.Do(func() {
		close(m.doneChan)
	})
}

// Notify returns a channel delivering SIGINT/SIGTERM.
func Notify() <-chan os.Signal {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	return sigChan
}

// Shutdown executes all registered shutdown functions in LIFO order.
func (m *Manager) Shutdown() {
	m.Trigger()

	m.mu.Lock()
	defer m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for i := len(m.shutdownFuncs) - 1; i >= 0; i-- {
		if err := m.shutdownFuncs[i](ctx); err != nil && m.onError != nil {
			m.onError(m.names[i], err)
		}
	}
}
