// Package registry tracks which device sessions exist and reconciles them
// against the devices the bridge reports.
package registry

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/smazurov/mirrornode/internal/bridge"
	"github.com/smazurov/mirrornode/internal/control"
	"github.com/smazurov/mirrornode/internal/metrics"
	"github.com/smazurov/mirrornode/internal/portpool"
	"github.com/smazurov/mirrornode/internal/session"
)

// Session is the part of a device session the registry and its callers drive.
type Session interface {
	ID() string
	Port() int
	Start(ctx context.Context) error
	Stop(cause error) error
	Info() session.Info
	Touch(action control.Action, x, y float64) error
	InjectKey(ctx context.Context, keycode int) error
}

// Factory builds a session for dev on port. The session must release port
// back to the pool while stopping and call onStopped once fully stopped.
type Factory func(dev bridge.Device, port int, onStopped func(cause error)) Session

// Registry holds at most one session per device. A session stays
// registered until it has fully stopped, so a device that reappears while
// its old session is still tearing down waits for the next scan. All map
// and port pool mutations happen under mu.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*entry
	ports    *portpool.Pool
	factory  Factory
	logger   *slog.Logger
}

type entry struct {
	session  Session
	stopping bool
}

// New returns an empty registry.
func New(ports *portpool.Pool, factory Factory, logger *slog.Logger) *Registry {
	return &Registry{
		sessions: make(map[string]*entry),
		ports:    ports,
		factory:  factory,
		logger:   logger,
	}
}

// Get returns the session for id, including one that is still stopping.
func (r *Registry) Get(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok {
		return nil, false
	}
	return e.session, true
}

// List returns all sessions ordered by device id.
func (r *Registry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		out = append(out, e.session)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Ensure registers a new session for dev unless one exists, stopping or
// not. The returned bool is true when the session was created by this call
// and still needs to be started. Port exhaustion leaves nothing registered.
func (r *Registry) Ensure(dev bridge.Device) (Session, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.sessions[dev.Serial]; ok {
		return e.session, false, nil
	}

	port, err := r.ports.Allocate()
	if err != nil {
		return nil, false, err
	}

	var s Session
	s = r.factory(dev, port, func(cause error) {
		r.forget(dev.Serial, s)
		r.updateGauges()
		r.logger.Debug("Session removed", "device_id", dev.Serial, "cause", cause)
	})
	r.sessions[dev.Serial] = &entry{session: s}
	r.logger.Info("Session registered", "device_id", dev.Serial, "port", port)

	metrics.SetSessionsActive(len(r.sessions))
	metrics.SetPortsLeased(r.ports.Leased())
	return s, true, nil
}

// forget removes id only if it still maps to s, so a stale callback never
// evicts a newer session for the same device.
func (r *Registry) forget(id string, s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.sessions[id]; ok && e.session == s {
		delete(r.sessions, id)
	}
}

// Remove marks id as stopping and returns its session for the caller to
// stop. It reports false when id is unknown or already stopping. The entry
// is dropped once the session reports it has stopped.
func (r *Registry) Remove(id string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[id]
	if !ok || e.stopping {
		return nil, false
	}
	e.stopping = true
	return e.session, true
}

// Retain marks every session whose id is not in present as stopping and
// returns the ones newly marked for the caller to stop.
func (r *Registry) Retain(present map[string]bool) []Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	var stale []Session
	for id, e := range r.sessions {
		if !present[id] && !e.stopping {
			e.stopping = true
			stale = append(stale, e.session)
		}
	}
	return stale
}

// StopAll stops every registered session, waiting for all of them.
func (r *Registry) StopAll(cause error) {
	r.mu.Lock()
	all := make([]Session, 0, len(r.sessions))
	for _, e := range r.sessions {
		e.stopping = true
		all = append(all, e.session)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, s := range all {
		wg.Add(1)
		go func(s Session) {
			defer wg.Done()
			_ = s.Stop(cause)
		}(s)
	}
	wg.Wait()
}

func (r *Registry) updateGauges() {
	metrics.SetSessionsActive(r.Len())
	metrics.SetPortsLeased(r.ports.Leased())
}
