// Package tunnelmgr tracks the client's outstanding forwarded tunnels
// (spec.md's supplemental client-side tunnel bookkeeping): each tunnel is
// a raw relay opened through component H's forward handler, keyed first
// by the remote peer's certificate and then by a per-tunnel UUID so a
// client can hold several simultaneous tunnels to the same peer.
package tunnelmgr

import (
	"sync"

	"github.com/google/uuid"

	"github.com/svalin-project/svalin/pki"
)

// Tunnel is one forwarded connection the client is driving.
type Tunnel struct {
	ID     uuid.UUID
	Target pki.SpkiHash

	mu        sync.Mutex
	active    bool
	runResult error
}

// Active reports whether the tunnel's splice loop is still running.
func (t *Tunnel) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// RunResult returns the error the tunnel's splice loop ended with, if it
// has ended.
func (t *Tunnel) RunResult() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runResult
}

func (t *Tunnel) finish(err error) {
	t.mu.Lock()
	t.active = false
	t.runResult = err
	t.mu.Unlock()
}

// Manager keys outstanding tunnels by target peer, then by tunnel ID, so
// a client can enumerate every tunnel to a given peer without a linear
// scan.
type Manager struct {
	mu      sync.Mutex
	tunnels map[pki.SpkiHash]map[uuid.UUID]*Tunnel
}

// New builds an empty Manager.
func New() *Manager {
	return &Manager{tunnels: make(map[pki.SpkiHash]map[uuid.UUID]*Tunnel)}
}

// Start registers a new, active tunnel to target and returns it. The
// caller runs the tunnel's splice loop (see package forward) and calls
// Finish when it ends.
func (m *Manager) Start(target pki.SpkiHash) *Tunnel {
	t := &Tunnel{ID: uuid.New(), Target: target, active: true}

	m.mu.Lock()
	byTarget, ok := m.tunnels[target]
	if !ok {
		byTarget = make(map[uuid.UUID]*Tunnel)
		m.tunnels[target] = byTarget
	}
	byTarget[t.ID] = t
	m.mu.Unlock()

	return t
}

// Finish marks t inactive with the given splice-loop result and drops it
// from the manager.
func (m *Manager) Finish(t *Tunnel, err error) {
	t.finish(err)

	m.mu.Lock()
	if byTarget, ok := m.tunnels[t.Target]; ok {
		delete(byTarget, t.ID)
		if len(byTarget) == 0 {
			delete(m.tunnels, t.Target)
		}
	}
	m.mu.Unlock()
}

// ForTarget returns every tunnel currently open to target.
func (m *Manager) ForTarget(target pki.SpkiHash) []*Tunnel {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTarget, ok := m.tunnels[target]
	if !ok {
		return nil
	}
	out := make([]*Tunnel, 0, len(byTarget))
	for _, t := range byTarget {
		out = append(out, t)
	}
	return out
}

// Get returns the tunnel with the given ID to target, if any.
func (m *Manager) Get(target pki.SpkiHash, id uuid.UUID) (*Tunnel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byTarget, ok := m.tunnels[target]
	if !ok {
		return nil, false
	}
	t, ok := byTarget[id]
	return t, ok
}
