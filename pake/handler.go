package pake

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/svalin-project/svalin/rpcsession"
)

// LoginKey is the session command an anonymous peer sends to start the
// PAKE exchange.
const LoginKey = "login"

// LoginRequest carries no fields; ClientInit (sent over the session
// itself, once accepted) carries the username.
type LoginRequest struct{}

// PSKSink receives the derived PSK for a successfully authenticated
// username, so the caller can register it for a subsequent PSK-mode
// tlsconn/quicconn connection.
type PSKSink interface {
	StorePSK(username string, psk []byte)
}

// LoginHandler runs Login for every accepted session (spec.md §4.E).
type LoginHandler struct {
	Config ServerConfig
	Sink   PSKSink
}

// Key implements rpcsession.Handler.
func (h *LoginHandler) Key() string { return LoginKey }

// NewRequest implements rpcsession.Handler.
func (h *LoginHandler) NewRequest() any { return &LoginRequest{} }

// Permission implements rpcsession.Handler. Login is the one command an
// anonymous peer may always invoke.
func (h *LoginHandler) Permission(any) rpcsession.Permission {
	return rpcsession.PermissionAnonymousOnly
}

// Handle implements rpcsession.Handler.
func (h *LoginHandler) Handle(ctx context.Context, s *rpcsession.Session, _ any) error {
	psk, username, err := Login(ctx, s, h.Config)
	if err != nil {
		return trace.Wrap(err, "PAKE login")
	}
	h.Sink.StorePSK(username, psk)
	return nil
}
