// Package listener binds the configured accepting sockets and hands accepted
// traffic to the session layer. HTTP listeners serve through net/http (with
// optional HTTP/3 on the same address); TCP listeners run a raw accept loop
// and delegate each connection to a ConnHandler. Listeners are static for the
// life of the process; dynamic config swaps never rebind sockets.
package listener

import (
	"context"
	"fmt"
	"net"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/agentwire/gateway/internal/logging"
)

// Listener is one accepting socket.
type Listener interface {
	// ID returns the configured listener id.
	ID() string

	// Protocol returns the socket protocol (http or tcp).
	Protocol() string

	// Start binds the socket and begins accepting in the background. It
	// returns once the socket is bound; bind failures are returned here,
	// later accept/serve failures are logged.
	Start(ctx context.Context) error

	// Stop stops accepting and drains in-flight work until ctx expires.
	Stop(ctx context.Context) error

	// Addr returns the bound address once started, the configured address
	// before that.
	Addr() string
}

// ConnHandler consumes one accepted TCP connection. The handler owns the
// connection and closes it; ctx is cancelled when the listener shuts down
// past its drain window.
type ConnHandler interface {
	HandleConn(ctx context.Context, conn net.Conn)
}

// ConnHandlerFunc adapts a function to ConnHandler.
type ConnHandlerFunc func(ctx context.Context, conn net.Conn)

// HandleConn calls f.
func (f ConnHandlerFunc) HandleConn(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// Manager owns the process's listener set.
type Manager struct {
	mu        sync.RWMutex
	listeners map[string]Listener
	order     []string
}

// NewManager creates an empty manager.
func NewManager() *Manager {
	return &Manager{listeners: make(map[string]Listener)}
}

// Add registers a listener. Duplicate ids fail.
func (m *Manager) Add(l Listener) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.listeners[l.ID()]; exists {
		return fmt.Errorf("listener with id %s already exists", l.ID())
	}
	m.listeners[l.ID()] = l
	m.order = append(m.order, l.ID())
	return nil
}

// Get returns a listener by id.
func (m *Manager) Get(id string) (Listener, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.listeners[id]
	return l, ok
}

// Remove drops a listener from the manager without stopping it.
func (m *Manager) Remove(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.listeners[id]; !exists {
		return fmt.Errorf("listener with id %s not found", id)
	}
	delete(m.listeners, id)
	for i, got := range m.order {
		if got == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			break
		}
	}
	return nil
}

// StartAll starts listeners in registration order. Binding is synchronous,
// so the first failure aborts the startup and stops whatever already bound.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	started := make([]Listener, 0, len(m.order))
	var failed error
	for _, id := range m.order {
		l := m.listeners[id]
		logging.Info("starting listener",
			zap.String("listener", l.ID()),
			zap.String("protocol", l.Protocol()),
			zap.String("address", l.Addr()))
		if err := l.Start(ctx); err != nil {
			failed = fmt.Errorf("listener %s: %w", l.ID(), err)
			break
		}
		started = append(started, l)
	}
	m.mu.RUnlock()

	if failed == nil {
		return nil
	}
	for _, l := range started {
		if err := l.Stop(ctx); err != nil {
			logging.Warn("stopping listener after failed startup",
				zap.String("listener", l.ID()), zap.Error(err))
		}
	}
	return failed
}

// StopAll stops every listener concurrently and waits for all of them. The
// ctx deadline bounds each listener's drain.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var (
		wg    sync.WaitGroup
		errMu sync.Mutex
		errs  error
	)
	for _, l := range m.listeners {
		wg.Add(1)
		go func(l Listener) {
			defer wg.Done()
			logging.Info("stopping listener",
				zap.String("listener", l.ID()),
				zap.String("protocol", l.Protocol()))
			if err := l.Stop(ctx); err != nil {
				errMu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("listener %s: %w", l.ID(), err))
				errMu.Unlock()
			}
		}(l)
	}
	wg.Wait()
	return errs
}

// Count returns the number of registered listeners.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.listeners)
}

// List returns registered listener ids in registration order.
func (m *Manager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	return ids
}
