// Package sessionlink bridges component E's PAKE login to component G's
// QUIC transport: a successful login yields a PSK, and sessionlink turns
// that PSK into a dedicated, ephemeral PSK-mode connection the client
// dials to run its actual work (component H forwarding, component K
// agent listing) for the rest of that login.
//
// quicconn's PSK mode derives a fixed identity for an entire listener's
// lifetime (see tlsconn/quicconn's package docs on the deterministic
// keypair workaround), so a listener cannot be shared across logins with
// different PSKs. sessionlink instead opens one short-lived listener per
// login, bound to an OS-assigned port, and reports its address back to
// the client over the same stream the login ran on. This is a
// deliberate scope decision, not implied by spec.md's wire format — see
// DESIGN.md.
package sessionlink

import (
	"context"
	"time"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/svalin-project/svalin/pake"
	"github.com/svalin-project/svalin/quicconn"
	"github.com/svalin-project/svalin/rpcsession"
)

// acceptTimeout bounds how long the ephemeral listener waits for the
// client to dial in before it gives up and closes.
const acceptTimeout = 30 * time.Second

// Address is the one extra frame the broker sends after pake.Result: the
// host:port of the ephemeral listener the client should now dial with
// its derived PSK.
type Address struct {
	Addr string `cbor:"addr"`
}

// Issue runs the server side of a login to completion over s, then stands
// up a one-shot PSK listener on publicHost and reports its address. The
// listener serves exactly one connection through collection, using
// rpcsession.AllowAllPermissionHandler since dialing in at all already
// proves knowledge of the login's derived secret.
func Issue(ctx context.Context, s *rpcsession.Session, cfg pake.ServerConfig, publicHost string, collection *rpcsession.HandlerCollection, log logrus.FieldLogger) error {
	psk, username, err := pake.Login(ctx, s, cfg)
	if err != nil {
		return trace.Wrap(err, "PAKE login")
	}

	listener, err := quicconn.Listen(ctx, publicHost+":0", quicconn.Config{PSK: psk})
	if err != nil {
		return trace.Wrap(err, "starting ephemeral session listener")
	}
	if err := s.WriteObject(Address{Addr: listener.Addr().String()}); err != nil {
		listener.Close()
		return trace.Wrap(err, "sending ephemeral session address")
	}

	go serveOnce(ctx, listener, username, collection, log)
	return nil
}

func serveOnce(ctx context.Context, listener *quicconn.Listener, username string, collection *rpcsession.HandlerCollection, log logrus.FieldLogger) {
	defer listener.Close()

	acceptCtx, cancel := context.WithTimeout(ctx, acceptTimeout)
	defer cancel()

	conn, err := listener.Accept(acceptCtx)
	if err != nil {
		log.WithError(err).WithField("user", username).Debug("ephemeral session never claimed")
		return
	}
	defer conn.Close()

	log = log.WithField("user", username)
	log.Info("user session connected")
	defer log.Info("user session ended")

	for {
		session, err := conn.AcceptSession(ctx)
		if err != nil {
			return
		}
		go func() {
			if err := collection.HandleSession(ctx, session); err != nil {
				log.WithError(err).Debug("user session command ended with error")
			}
		}()
	}
}

// Handler is the broker's "login" command handler, replacing
// pake.LoginHandler with one that also issues the ephemeral session
// connection described in the package doc.
type Handler struct {
	Config     pake.ServerConfig
	PublicHost string
	Collection *rpcsession.HandlerCollection
	Log        logrus.FieldLogger
}

// Key implements rpcsession.Handler.
func (h *Handler) Key() string { return pake.LoginKey }

// NewRequest implements rpcsession.Handler.
func (h *Handler) NewRequest() any { return &pake.LoginRequest{} }

// Permission implements rpcsession.Handler.
func (h *Handler) Permission(any) rpcsession.Permission {
	return rpcsession.PermissionAnonymousOnly
}

// Handle implements rpcsession.Handler.
func (h *Handler) Handle(ctx context.Context, s *rpcsession.Session, _ any) error {
	return trace.Wrap(Issue(ctx, s, h.Config, h.PublicHost, h.Collection, h.Log))
}

// Connect runs the client side of a login over s (already opened against
// the broker's anonymous login command), then dials the ephemeral
// session connection it reports.
func Connect(ctx context.Context, s *rpcsession.Session, username string, password []byte, totp pake.TOTPProvider) (*quicconn.Conn, error) {
	psk, err := pake.ClientLogin(ctx, s, username, password, totp)
	if err != nil {
		return nil, trace.Wrap(err, "PAKE login")
	}

	var addr Address
	if err := s.ReadObject(&addr); err != nil {
		return nil, trace.Wrap(err, "reading ephemeral session address")
	}

	conn, err := quicconn.DialAddr(ctx, addr.Addr, quicconn.Config{PSK: psk})
	if err != nil {
		return nil, trace.Wrap(err, "dialing ephemeral session connection")
	}
	return conn, nil
}
