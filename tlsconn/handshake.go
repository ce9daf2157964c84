package tlsconn

import (
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"crypto/x509"
	"net"
	"time"

	"github.com/gravitational/trace"

	"github.com/svalin-project/svalin/pki"
	"github.com/svalin-project/svalin/rpcsession"
)

// Client runs the TLS 1.3 client handshake over raw and returns the
// established Conn. raw is consumed: on success its framing belongs to
// the returned Conn; on failure raw is closed.
func Client(ctx context.Context, raw net.Conn, cfg Config) (*Conn, error) {
	return handshake(ctx, raw, cfg, false)
}

// Server runs the TLS 1.3 server handshake over raw and returns the
// established Conn.
func Server(ctx context.Context, raw net.Conn, cfg Config) (*Conn, error) {
	return handshake(ctx, raw, cfg, true)
}

func handshake(ctx context.Context, raw net.Conn, cfg Config, isServer bool) (*Conn, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		raw.Close()
		return nil, trace.Wrap(err)
	}

	tlsCfg := baseTLSConfig()
	var peer rpcsession.Peer

	if len(cfg.PSK) > 0 {
		kp, err := derivePSKKeyPair(cfg.PSK)
		if err != nil {
			raw.Close()
			return nil, trace.Wrap(err)
		}
		cert, err := pki.GenerateRoot(kp, time.Now())
		if err != nil {
			raw.Close()
			return nil, trace.Wrap(err, "self-signing PSK certificate")
		}
		tlsCfg.Certificates = []tls.Certificate{certificateFor(kp, cert)}
		tlsCfg.VerifyPeerCertificate = pskVerifier(kp.PublicKey())
		peer = rpcsession.AnonymousPeer()
	} else {
		tlsCfg.Certificates = []tls.Certificate{certificateFor(cfg.Credential.KeyPair(), cfg.Credential.Certificate())}
		tlsCfg.VerifyPeerCertificate = credentialVerifier(ctx, cfg.Verifier)
	}

	var tlsConn *tls.Conn
	if isServer {
		tlsConn = tls.Server(raw, tlsCfg)
	} else {
		tlsConn = tls.Client(raw, tlsCfg)
	}

	if err := tlsConn.HandshakeContext(ctx); err != nil {
		tlsConn.Close()
		return nil, trace.Wrap(err, "TLS handshake")
	}

	if len(cfg.PSK) == 0 {
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) == 0 {
			tlsConn.Close()
			return nil, trace.AccessDenied("peer presented no certificate")
		}
		cert, err := pki.ParseCertificate(state.PeerCertificates[0].Raw)
		if err != nil {
			tlsConn.Close()
			return nil, trace.Wrap(err, "parsing peer certificate")
		}
		peer = rpcsession.CertificatePeer(cert)
	}

	return &Conn{Conn: tlsConn, peer: peer}, nil
}

// pskVerifier accepts the peer's certificate only if its public key
// matches the keypair both sides derived from the shared secret.
func pskVerifier(expected ed25519.PublicKey) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		cert, err := parsePeerLeaf(rawCerts)
		if err != nil {
			return trace.Wrap(err)
		}
		if !cert.PublicKey().Equal(expected) {
			return trace.AccessDenied("PSK peer certificate does not match derived keypair")
		}
		return nil
	}
}

// credentialVerifier resolves the peer's certificate through the caller's
// pki.Verifier, which performs the application-level chain verification
// spec.md describes separately from TLS's own (disabled) chain checking.
func credentialVerifier(ctx context.Context, verifier pki.Verifier) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		cert, err := parsePeerLeaf(rawCerts)
		if err != nil {
			return trace.Wrap(err)
		}
		resolved, err := verifier.Resolve(ctx, cert.SpkiHash())
		if err != nil {
			return trace.Wrap(err, "verifying peer certificate")
		}
		if !resolved.Equal(cert) {
			return trace.AccessDenied("resolved certificate does not match peer-presented certificate")
		}
		return nil
	}
}
