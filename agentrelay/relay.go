// Package agentrelay is the agent-side endpoint of a forwarded tunnel
// (spec.md §4.H): once a session has been deauthenticated and re-entered
// the agent's anonymous command tree, "relay" is the one command that
// tree exposes — it dials a preconfigured local address (the service the
// tunnel exists to reach, e.g. a local SSH or RDP port) and splices it to
// the caller. What runs behind that local address is out of scope
// (spec.md's non-goals: exact shell/PTY integration, terminal emulation).
package agentrelay

import (
	"context"
	"net"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/svalin-project/svalin/forward"
	"github.com/svalin-project/svalin/rpcsession"
)

// Key is the command a forwarded, deauthenticated session requests to
// reach the agent's configured local target.
const Key = "relay"

// Request carries no fields: an agent relays to a single, statically
// configured target address.
type Request struct{}

// Handler dials Target and splices it to the caller.
type Handler struct {
	Target string
	Log    logrus.FieldLogger
}

// Key implements rpcsession.Handler.
func (h *Handler) Key() string { return Key }

// NewRequest implements rpcsession.Handler.
func (h *Handler) NewRequest() any { return &Request{} }

// Permission implements rpcsession.Handler. The session reaching this
// tree has already been deauthenticated by forward.DeauthenticateHandler;
// anyone who reached the broker's forward command for this agent may use
// it.
func (h *Handler) Permission(any) rpcsession.Permission {
	return rpcsession.PermissionAnonymousOnly
}

// Handle implements rpcsession.Handler.
func (h *Handler) Handle(ctx context.Context, s *rpcsession.Session, _ any) error {
	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", h.Target)
	if err != nil {
		return trace.Wrap(err, "dialing relay target %q", h.Target)
	}
	defer conn.Close()
	return trace.Wrap(forward.Splice(ctx, s.Raw(), conn, h.Log))
}
