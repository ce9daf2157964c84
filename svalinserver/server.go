package svalinserver

import (
	"context"
	"sync"

	"github.com/gravitational/trace"
	"github.com/sirupsen/logrus"

	"github.com/svalin-project/svalin/forward"
	"github.com/svalin-project/svalin/quicconn"
	"github.com/svalin-project/svalin/rpcsession"
)

// Config configures a Server.
type Config struct {
	// ListenAddr is the UDP address the QUIC endpoint binds.
	ListenAddr string
	// Transport authenticates incoming connections.
	Transport quicconn.Config
	// Collection dispatches every accepted session. The caller is
	// responsible for registering the broker's own handlers (including a
	// forward.ForwardHandler and forward.DeauthenticateHandler wired
	// against this server's Registry) before calling Run.
	Collection *rpcsession.HandlerCollection
	// Log receives connection lifecycle events.
	Log logrus.FieldLogger
	// Registry, if set, is shared with this Server instead of building a
	// fresh one. Used when several Server instances (e.g. the broker's
	// anonymous and mutual-TLS listeners) must track connections in the
	// same registry.
	Registry *ConnectionRegistry
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if c.ListenAddr == "" {
		return trace.BadParameter("svalinserver: ListenAddr is required")
	}
	if c.Collection == nil {
		return trace.BadParameter("svalinserver: Collection is required")
	}
	if c.Log == nil {
		c.Log = logrus.WithField("component", "svalinserver")
	}
	return nil
}

// Server is the broker's QUIC endpoint: it accepts connections, tracks
// them in a ConnectionRegistry, and dispatches every stream through a
// HandlerCollection (spec.md §4.I).
type Server struct {
	cfg      Config
	Registry *ConnectionRegistry

	listener *quicconn.Listener
	wg       sync.WaitGroup
}

// New builds a Server bound to cfg. Call Run to start accepting.
func New(cfg Config) (*Server, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewConnectionRegistry()
	}
	return &Server{cfg: cfg, Registry: registry}, nil
}

// Run listens on Config.ListenAddr and serves connections until ctx is
// cancelled or Close is called. Run blocks; callers should run it in its
// own goroutine.
func (s *Server) Run(ctx context.Context) error {
	listener, err := quicconn.Listen(ctx, s.cfg.ListenAddr, s.cfg.Transport)
	if err != nil {
		return trace.Wrap(err, "starting QUIC listener")
	}
	s.listener = listener

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				s.wg.Wait()
				return nil
			}
			s.cfg.Log.WithError(err).Warn("failed to accept connection")
			continue
		}
		s.wg.Add(1)
		go s.serveConnection(ctx, conn)
	}
}

func (s *Server) serveConnection(ctx context.Context, conn *quicconn.Conn) {
	defer s.wg.Done()
	defer s.Registry.Remove(conn)
	defer conn.Close()

	s.Registry.Register(conn)
	log := s.cfg.Log.WithField("peer", conn.Peer().SpkiHash().String())
	log.Info("peer connected")
	defer log.Info("peer disconnected")

	for {
		session, err := conn.AcceptSession(ctx)
		if err != nil {
			if ctx.Err() == nil {
				log.WithError(err).Debug("connection closed")
			}
			return
		}
		go func() {
			if err := s.cfg.Collection.HandleSession(ctx, session); err != nil {
				log.WithError(err).Debug("session ended with error")
			}
		}()
	}
}

// Close stops the listener. In-flight connections are not forcibly
// closed; cancel the Run context for that.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return trace.Wrap(s.listener.Close())
}

// ConnectionFinder adapts the server's registry for forward.ForwardHandler.
func (s *Server) ConnectionFinder() forward.ConnectionFinder {
	return s.Registry
}
