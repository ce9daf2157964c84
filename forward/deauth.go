// Package forward implements connection forwarding and the end-to-end
// encrypted tunnel of spec.md §4.H: the broker relays opaque bytes between
// two already-connected peers without ever seeing the inner TLS plaintext
// they negotiate across the relay.
package forward

import (
	"context"

	"github.com/svalin-project/svalin/rpcsession"
)

// DeauthenticateKey is the command both an agent and the broker register
// to let a caller downgrade an already-authenticated session to anonymous
// and re-enter the command tree on the same raw stream, the first half of
// establishing a forwarded, end-to-end encrypted tunnel.
const DeauthenticateKey = "deauthenticate"

// DeauthenticateRequest carries no fields; the session itself names the
// caller.
type DeauthenticateRequest struct{}

// DeauthenticateHandler steals the session's transport, rebinds its Peer
// to anonymous, and re-enters Collection's command tree on the same
// stream (spec.md §4.H: "the deauth handler re-enters the public command
// tree"). It never returns until that re-entered dispatch completes.
type DeauthenticateHandler struct {
	Collection *rpcsession.HandlerCollection
}

// Key implements rpcsession.Handler.
func (h *DeauthenticateHandler) Key() string { return DeauthenticateKey }

// NewRequest implements rpcsession.Handler.
func (h *DeauthenticateHandler) NewRequest() any { return &DeauthenticateRequest{} }

// Permission implements rpcsession.Handler. Only an already-authenticated
// peer has anything meaningful to deauthenticate.
func (h *DeauthenticateHandler) Permission(any) rpcsession.Permission {
	return rpcsession.PermissionAuthenticatedOnly
}

// Handle is never called: DeauthenticateHandler always takes the session
// via HandleTake instead.
func (h *DeauthenticateHandler) Handle(context.Context, *rpcsession.Session, any) error {
	panic("forward: DeauthenticateHandler.Handle called instead of HandleTake")
}

// HandleTake implements rpcsession.TakeHandler.
func (h *DeauthenticateHandler) HandleTake(ctx context.Context, s *rpcsession.Session, _ any) error {
	anon := s.WithPeer(rpcsession.AnonymousPeer())
	return h.Collection.HandleSession(ctx, anon)
}
