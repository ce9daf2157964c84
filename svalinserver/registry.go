// Package svalinserver implements the broker's runtime (spec.md §4.I): a
// QUIC endpoint, the registry of currently connected peers every
// forwarding lookup and agent-list snapshot reads from, and a broadcast
// of connection status changes that component K's subscription machinery
// consumes.
package svalinserver

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gravitational/trace"

	"github.com/svalin-project/svalin/forward"
	"github.com/svalin-project/svalin/pki"
	"github.com/svalin-project/svalin/quicconn"
)

// ClientConnectionStatus describes a change in the connection registry,
// broadcast to every agent-list subscriber (component K).
type ClientConnectionStatus struct {
	Peer      pki.SpkiHash
	Connected bool
}

// ConnectionRegistry tracks the most recent live connection for every
// peer (spec.md §4.I): registering a new connection for a peer that
// already has one replaces it; removing a connection is a no-op unless
// the caller still holds the exact connection currently registered,
// which rules out a late close from a superseded connection evicting a
// newer one.
type ConnectionRegistry struct {
	mu    sync.Mutex
	conns map[pki.SpkiHash]*quicconn.Conn
	log   logrus.FieldLogger

	subscribersMu sync.Mutex
	subscribers   map[int]chan ClientConnectionStatus
	nextSub       int
}

// NewConnectionRegistry builds an empty registry.
func NewConnectionRegistry() *ConnectionRegistry {
	return &ConnectionRegistry{
		conns:       make(map[pki.SpkiHash]*quicconn.Conn),
		subscribers: make(map[int]chan ClientConnectionStatus),
		log:         logrus.WithField(trace.Component, "svalinserver"),
	}
}

// Register records conn as the current connection for its peer, closing
// whatever connection it replaces.
func (r *ConnectionRegistry) Register(conn *quicconn.Conn) {
	hash := conn.Peer().SpkiHash()

	r.mu.Lock()
	old, existed := r.conns[hash]
	r.conns[hash] = conn
	r.mu.Unlock()

	if existed {
		r.log.WithField("peer", hash.String()).Info("replacing existing connection")
		old.Close()
	}
	r.broadcast(ClientConnectionStatus{Peer: hash, Connected: true})
}

// Remove drops conn from the registry, but only if it is still the
// connection currently registered for its peer (spec.md §4.I's
// monotonicity rule: a stale close can never evict a newer connection).
func (r *ConnectionRegistry) Remove(conn *quicconn.Conn) {
	hash := conn.Peer().SpkiHash()

	r.mu.Lock()
	current, ok := r.conns[hash]
	isCurrent := ok && current == conn
	if isCurrent {
		delete(r.conns, hash)
	}
	r.mu.Unlock()

	if isCurrent {
		r.broadcast(ClientConnectionStatus{Peer: hash, Connected: false})
	}
}

// FindConnection implements forward.ConnectionFinder.
func (r *ConnectionRegistry) FindConnection(target pki.SpkiHash) (forward.SessionOpener, bool) {
	conn, ok := r.FindConnectionFor(target)
	if !ok {
		return nil, false
	}
	return conn, true
}

// FindConnectionFor returns the live connection registered for target, if
// any.
func (r *ConnectionRegistry) FindConnectionFor(target pki.SpkiHash) (*quicconn.Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	conn, ok := r.conns[target]
	return conn, ok
}

// Snapshot returns the SPKI hashes of every currently connected peer, the
// basis for an agent-list initial snapshot (component K).
func (r *ConnectionRegistry) Snapshot() []pki.SpkiHash {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]pki.SpkiHash, 0, len(r.conns))
	for hash := range r.conns {
		out = append(out, hash)
	}
	return out
}

// Subscribe returns a channel of connection status changes and an
// unsubscribe function. The channel is buffered; a subscriber that falls
// behind drops updates rather than blocking the registry (spec.md §5).
func (r *ConnectionRegistry) Subscribe() (<-chan ClientConnectionStatus, func()) {
	ch := make(chan ClientConnectionStatus, 16)

	r.subscribersMu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subscribers[id] = ch
	r.subscribersMu.Unlock()

	return ch, func() {
		r.subscribersMu.Lock()
		delete(r.subscribers, id)
		r.subscribersMu.Unlock()
	}
}

func (r *ConnectionRegistry) broadcast(status ClientConnectionStatus) {
	r.subscribersMu.Lock()
	defer r.subscribersMu.Unlock()
	for _, ch := range r.subscribers {
		select {
		case ch <- status:
		default:
			r.log.Warn("dropping connection status update for a slow subscriber")
		}
	}
}
