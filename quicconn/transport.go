// Package quicconn implements the QUIC connection layer of spec.md §4.G:
// every two parties that might exchange sessions share one QUIC
// connection, multiplexing streams instead of opening a socket per
// session. It is symmetric: the same Config drives both DialAddr and
// Listen, and every accepted or opened stream is handed back already
// wrapped as an rpcsession.Session bound to the connection's peer.
package quicconn

import (
	"context"
	"crypto/tls"
	"net"
	"time"

	"github.com/gravitational/trace"
	"github.com/quic-go/quic-go"

	"github.com/svalin-project/svalin/pki"
	"github.com/svalin-project/svalin/rpcsession"
)

const (
	// idleTimeout matches spec.md §4.G: the connection is considered dead
	// after this much silence.
	idleTimeout = 10 * time.Second
	// keepAlivePeriod keeps NAT bindings alive well inside idleTimeout.
	keepAlivePeriod = 5 * time.Second
)

// Config configures both ends of a QUIC connection. Exactly one of
// Credential or PSK authenticates this side, mirroring package tlsconn.
type Config struct {
	// Credential authenticates this side in mutual-auth mode.
	Credential *pki.Credential
	// Verifier resolves the peer's certificate in mutual-auth mode.
	Verifier pki.Verifier
	// PSK selects PSK mode instead of a pki.Credential.
	PSK []byte
	// NextProtos sets the ALPN protocol list negotiated during the QUIC
	// handshake.
	NextProtos []string
}

// CheckAndSetDefaults validates the configuration.
func (c *Config) CheckAndSetDefaults() error {
	if len(c.NextProtos) == 0 {
		c.NextProtos = []string{"svalin"}
	}
	switch {
	case len(c.PSK) > 0 && c.Credential != nil:
		return trace.BadParameter("quicconn: Config must set exactly one of Credential or PSK, not both")
	case len(c.PSK) > 0:
		return nil
	case c.Credential != nil:
		if c.Verifier == nil {
			return trace.BadParameter("quicconn: Verifier is required in credential mode")
		}
		return nil
	default:
		return trace.BadParameter("quicconn: Config must set exactly one of Credential or PSK")
	}
}

func (c *Config) tlsConfig(ctx context.Context) (*tls.Config, error) {
	kp, cert, verify, err := buildIdentity(ctx, c)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &tls.Config{
		MinVersion:            tls.VersionTLS13,
		ClientAuth:            tls.RequireAnyClientCert,
		InsecureSkipVerify:    true,
		NextProtos:            c.NextProtos,
		Certificates:          []tls.Certificate{certificateFor(kp, cert)},
		VerifyPeerCertificate: verify,
	}, nil
}

func (c *Config) quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:  idleTimeout,
		KeepAlivePeriod: keepAlivePeriod,
	}
}

// DialAddr establishes a QUIC connection to addr and returns it wrapped as
// a Conn.
func DialAddr(ctx context.Context, addr string, cfg Config) (*Conn, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	tlsCfg, err := cfg.tlsConfig(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	qconn, err := quic.DialAddr(ctx, addr, tlsCfg, cfg.quicConfig())
	if err != nil {
		return nil, trace.Wrap(err, "dialing QUIC connection to %s", addr)
	}
	return newConn(qconn, cfg)
}

// Listener accepts incoming QUIC connections, each wrapped as a Conn.
type Listener struct {
	ql  *quic.Listener
	cfg Config
}

// Listen opens a QUIC listener on addr.
func Listen(ctx context.Context, addr string, cfg Config) (*Listener, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	tlsCfg, err := cfg.tlsConfig(ctx)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	ql, err := quic.ListenAddr(addr, tlsCfg, cfg.quicConfig())
	if err != nil {
		return nil, trace.Wrap(err, "listening for QUIC connections on %s", addr)
	}
	return &Listener{ql: ql, cfg: cfg}, nil
}

// Accept blocks until a new connection arrives, wraps it as a Conn, and
// returns it. The inner TLS handshake has already completed.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	qconn, err := l.ql.Accept(ctx)
	if err != nil {
		return nil, trace.Wrap(err, "accepting QUIC connection")
	}
	return newConn(qconn, l.cfg)
}

// Addr returns the listener's local address.
func (l *Listener) Addr() net.Addr { return l.ql.Addr() }

// Close stops accepting new connections.
func (l *Listener) Close() error { return trace.Wrap(l.ql.Close()) }
