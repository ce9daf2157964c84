package forward

import (
	"context"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/svalin-project/svalin/pki"
	"github.com/svalin-project/svalin/rpcsession"
)

// ForwardKey is the command a peer sends the broker to request a
// forwarded connection to another peer identified by SPKI hash.
const ForwardKey = "forward"

// ForwardRequest names the peer the caller wants to be connected to.
type ForwardRequest struct {
	Target pki.SpkiHash `cbor:"target"`
}

// ForwardResult is written by ForwardHandler as its first (and, on
// failure, only) object, before the session stops being framed and
// becomes a raw relay.
type ForwardResult struct {
	OK      bool   `cbor:"ok"`
	Message string `cbor:"message,omitempty"`
}

// SessionOpener opens a fresh session on an existing connection. A
// *quicconn.Conn satisfies this without forward needing to import
// quicconn directly.
type SessionOpener interface {
	OpenSession(ctx context.Context) (*rpcsession.Session, error)
}

// ConnectionFinder resolves the most recently registered connection for
// a peer, the lookup spec.md §4.I's connection registry provides.
type ConnectionFinder interface {
	FindConnection(target pki.SpkiHash) (SessionOpener, bool)
}

// ForwardHandler relays the calling session to another connected peer:
// it dials the target, runs the deauthenticate handshake against it, and
// splices the two raw streams together (spec.md §4.H).
type ForwardHandler struct {
	Finder ConnectionFinder
	Log    logrus.FieldLogger
}

// Key implements rpcsession.Handler.
func (h *ForwardHandler) Key() string { return ForwardKey }

// NewRequest implements rpcsession.Handler.
func (h *ForwardHandler) NewRequest() any { return &ForwardRequest{} }

// Permission implements rpcsession.Handler.
func (h *ForwardHandler) Permission(any) rpcsession.Permission {
	return rpcsession.PermissionAuthenticatedOnly
}

// Handle implements rpcsession.Handler.
func (h *ForwardHandler) Handle(ctx context.Context, s *rpcsession.Session, req any) error {
	fr := req.(*ForwardRequest)

	if fr.Target.Equal(s.Peer().SpkiHash()) {
		return h.fail(s, "refusing to forward a connection to itself")
	}

	opener, ok := h.Finder.FindConnection(fr.Target)
	if !ok {
		return h.fail(s, "target is not currently connected")
	}

	targetSession, err := opener.OpenSession(ctx)
	if err != nil {
		return h.fail(s, "could not reach target")
	}

	resp, err := rpcsession.RequestCommand(targetSession, DeauthenticateKey)
	if err != nil {
		targetSession.Close()
		return h.fail(s, "target rejected the forwarding handshake")
	}
	if !resp.Accepted() {
		targetSession.Close()
		return h.fail(s, "target declined the forwarding handshake")
	}

	if err := s.WriteObject(ForwardResult{OK: true}); err != nil {
		targetSession.Close()
		return trace.Wrap(err, "confirming forward to caller")
	}

	return Splice(ctx, s.Raw(), targetSession.Raw(), h.Log)
}

func (h *ForwardHandler) fail(s *rpcsession.Session, reason string) error {
	if err := s.WriteObject(ForwardResult{OK: false, Message: reason}); err != nil {
		return trace.Wrap(err, "writing forward failure")
	}
	return trace.Wrap(s.ShutdownWrite())
}
