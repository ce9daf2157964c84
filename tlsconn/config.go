// Package tlsconn implements the symmetric TLS transport of spec.md §4.D:
// a mutual-authentication mode backed by a pki.Credential and verified
// through a pki.Verifier, and a pre-shared-key mode for the inner,
// end-to-end-encrypted tunnel established during forwarding (component H).
//
// crypto/tls has no public API for the external-PSK mechanism TLS 1.3
// defines (RFC 8446 §4.2.11), so PSK mode is built on top of the same
// certificate machinery as credential mode: both sides deterministically
// derive an identical Ed25519 keypair from the shared secret and use a
// freshly self-signed certificate over it, with peer verification reduced
// to "does the presented public key match the one we derived" rather than
// a pki.Verifier chain walk. This is recorded as a deliberate deviation in
// DESIGN.md.
package tlsconn

import (
	"crypto/sha512"
	"crypto/tls"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/hkdf"

	"github.com/svalin-project/svalin/pki"
	"github.com/svalin-project/svalin/rpcsession"
)

// pskHKDFInfo labels the derivation so the PSK keypair can never collide
// with key material derived for another purpose from the same secret.
var pskHKDFInfo = []byte("svalin-tls-psk-v1")

// Config selects and configures one of the two transport modes. Exactly
// one of Credential or PSK must be set.
type Config struct {
	// Credential authenticates this side in mutual-auth mode.
	Credential *pki.Credential
	// Verifier resolves and verifies the peer's certificate in
	// mutual-auth mode. Required when Credential is set.
	Verifier pki.Verifier

	// PSK selects PSK mode: both sides derive their TLS identity from
	// this shared secret instead of from a pki.Credential.
	PSK []byte
}

// CheckAndSetDefaults validates the configuration and derives the PSK
// keypair, if applicable.
func (c *Config) CheckAndSetDefaults() error {
	switch {
	case len(c.PSK) > 0 && c.Credential != nil:
		return trace.BadParameter("tlsconn: Config must set exactly one of Credential or PSK, not both")
	case len(c.PSK) > 0:
		return nil
	case c.Credential != nil:
		if c.Verifier == nil {
			return trace.BadParameter("tlsconn: Verifier is required in credential mode")
		}
		return nil
	default:
		return trace.BadParameter("tlsconn: Config must set exactly one of Credential or PSK")
	}
}

func derivePSKKeyPair(psk []byte) (*pki.KeyPair, error) {
	seed := make([]byte, 32)
	kdf := hkdf.New(sha512.New, psk, nil, pskHKDFInfo)
	if _, err := kdf.Read(seed); err != nil {
		return nil, trace.Wrap(err, "deriving PSK keypair seed")
	}
	return pki.KeyPairFromSeed(seed)
}

// Conn is an established tlsconn transport: a *tls.Conn plus the Peer
// identity it authenticated, ready to be wrapped as an rpcsession.Session.
type Conn struct {
	*tls.Conn
	peer rpcsession.Peer
}

// Peer returns the identity the handshake authenticated. In PSK mode this
// is always rpcsession.AnonymousPeer, since PSK mode authenticates
// knowledge of a secret, not a pki identity.
func (c *Conn) Peer() rpcsession.Peer { return c.peer }

// DeriveKey exports additional keying material bound to this connection's
// handshake transcript (spec.md §4.D), for uses such as keying a splice
// point's confirmation exchange.
func (c *Conn) DeriveKey(label string, context []byte, length int) ([]byte, error) {
	out, err := c.ConnectionState().ExportKeyingMaterial(label, context, length)
	return out, trace.Wrap(err, "exporting keying material")
}

// Session wraps the connection as an rpcsession.Session bound to its
// authenticated peer.
func (c *Conn) Session() *rpcsession.Session {
	return rpcsession.New(c, c.peer)
}

func baseTLSConfig() *tls.Config {
	return &tls.Config{
		MinVersion:         tls.VersionTLS13,
		ClientAuth:         tls.RequireAnyClientCert,
		InsecureSkipVerify: true,
	}
}

func certificateFor(kp *pki.KeyPair, cert *pki.Certificate) tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{cert.DER()},
		PrivateKey:  kp,
	}
}

// parsePeerLeaf extracts the single leaf certificate TLS handed back via
// VerifyPeerCertificate and wraps it as a pki.Certificate. TLS's own
// chain-building is disabled (InsecureSkipVerify); pki verification runs
// independently inside the callback built in handshake.go.
func parsePeerLeaf(rawCerts [][]byte) (*pki.Certificate, error) {
	if len(rawCerts) == 0 {
		return nil, trace.BadParameter("peer presented no certificate")
	}
	cert, err := pki.ParseCertificate(rawCerts[0])
	if err != nil {
		return nil, trace.Wrap(err, "parsing peer certificate")
	}
	return cert, nil
}
