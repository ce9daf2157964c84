// Package rpcsession implements the session and command-dispatch layer of
// spec.md §4.F: a bidirectional stream bound to a Peer, the
// request/accept/decline handshake keyed by a command string, and the
// symmetric handler/dispatcher traits that drive it once open.
package rpcsession

import "github.com/svalin-project/svalin/pki"

// Peer is the discriminated identity of the other side of a session:
// Anonymous, or bound to a Certificate (spec.md §3, §6).
type Peer struct {
	cert *pki.Certificate
}

// AnonymousPeer is the zero-value, unauthenticated Peer.
func AnonymousPeer() Peer { return Peer{} }

// CertificatePeer builds a Peer bound to cert.
func CertificatePeer(cert *pki.Certificate) Peer {
	return Peer{cert: cert}
}

// IsAnonymous reports whether this Peer carries no certificate.
func (p Peer) IsAnonymous() bool { return p.cert == nil }

// Certificate returns the bound certificate and true, or nil and false
// for an anonymous peer.
func (p Peer) Certificate() (*pki.Certificate, bool) {
	if p.cert == nil {
		return nil, false
	}
	return p.cert, true
}

// SpkiHash returns the peer's SPKI hash, or the zero hash if anonymous.
func (p Peer) SpkiHash() pki.SpkiHash {
	if p.cert == nil {
		return pki.SpkiHash{}
	}
	return p.cert.SpkiHash()
}
