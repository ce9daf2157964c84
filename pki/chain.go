package pki

import (
	"crypto/x509"
	"time"

	"github.com/gravitational/trace"
)

// CertificateChain is a leaf-first ordered sequence of certificates,
// built incrementally by following each certificate's issuer SPKI hash
// upward (spec.md §3).
type CertificateChain struct {
	certs []*Certificate
}

// Leaf returns the chain's leaf (first) certificate.
func (c *CertificateChain) Leaf() *Certificate { return c.certs[0] }

// Certificates returns the chain in leaf-first order.
func (c *CertificateChain) Certificates() []*Certificate { return c.certs }

// CertificateChainBuilder constructs a CertificateChain one parent at a
// time, starting from a leaf. Pushing a Root-typed certificate finalizes
// the chain.
type CertificateChainBuilder struct {
	certs    []*Certificate
	seen     map[SpkiHash]struct{}
	finished bool
}

// NewCertificateChainBuilder starts a chain at the given leaf.
func NewCertificateChainBuilder(leaf *Certificate) *CertificateChainBuilder {
	b := &CertificateChainBuilder{
		certs: []*Certificate{leaf},
		seen:  map[SpkiHash]struct{}{leaf.SpkiHash(): {}},
	}
	if leaf.Type() == CertificateTypeRoot && leaf.IsSelfSigned() {
		b.finished = true
	}
	return b
}

// RequestedIssuer returns the SPKI hash the caller should fetch next, or
// the zero hash if the chain is already finished.
func (b *CertificateChainBuilder) RequestedIssuer() SpkiHash {
	if b.finished {
		return SpkiHash{}
	}
	return b.certs[len(b.certs)-1].IssuerSpkiHash()
}

// Finished reports whether the chain has reached a self-signed root.
func (b *CertificateChainBuilder) Finished() bool { return b.finished }

// Push adds a parent certificate to the chain. Each push verifies:
//
//   - the last certificate's issuer SPKI equals the pushed certificate's
//     SPKI (otherwise the wrong parent was supplied),
//   - the pushed certificate's signature is valid over the last
//     certificate,
//   - the pushed certificate's SPKI has not been seen before in this
//     chain (loop detection).
//
// Pushing a Root-typed, self-signed certificate finalizes the chain.
func (b *CertificateChainBuilder) Push(parent *Certificate) error {
	if b.finished {
		return trace.BadParameter("certificate chain is already finished")
	}
	last := b.certs[len(b.certs)-1]
	if !last.IssuerSpkiHash().Equal(parent.SpkiHash()) {
		return trace.Wrap(ErrUnknownIssuer, "pushed certificate %v is not the issuer of %v", parent.SpkiHash(), last.SpkiHash())
	}
	if _, ok := b.seen[parent.SpkiHash()]; ok {
		return trace.Wrap(ErrSignatureLoop, "SPKI %v already present in chain", parent.SpkiHash())
	}
	// The signature over the last certificate's TBS bytes was already
	// validated when x509.ParseCertificate accepted it; what remains is
	// checking that `parent`'s public key is the one that actually signed
	// it, which we do by re-verifying the DER against parent's key.
	if err := verifyChainLink(last, parent); err != nil {
		return trace.Wrap(err)
	}
	b.certs = append(b.certs, parent)
	b.seen[parent.SpkiHash()] = struct{}{}
	if parent.Type() == CertificateTypeRoot && parent.IsSelfSigned() {
		b.finished = true
	}
	return nil
}

// Build finalizes the builder into a CertificateChain. It fails if the
// chain has not reached a self-signed root.
func (b *CertificateChainBuilder) Build() (*CertificateChain, error) {
	if !b.finished {
		return nil, trace.BadParameter("certificate chain does not terminate at a root")
	}
	return &CertificateChain{certs: b.certs}, nil
}

// Verify checks the chain against a trust root R and a time t (spec.md
// §3): the last certificate must equal R, each certificate's issuer SPKI
// must equal its successor's SPKI, each signature must verify under its
// successor, each certificate must be valid at t, and no SPKI may appear
// twice.
func (c *CertificateChain) Verify(root *Certificate, t Clock) error {
	if len(c.certs) == 0 {
		return trace.BadParameter("empty certificate chain")
	}
	last := c.certs[len(c.certs)-1]
	if !last.Equal(root) {
		return trace.BadParameter("chain does not terminate at the trust root")
	}
	seen := make(map[SpkiHash]struct{}, len(c.certs))
	now := t.Now()
	for i, cert := range c.certs {
		if !cert.ValidAt(now) {
			return trace.Wrap(ErrTimerange, "certificate %v not valid at %v", cert.SpkiHash(), now)
		}
		if _, ok := seen[cert.SpkiHash()]; ok {
			return trace.Wrap(ErrSignatureLoop, "SPKI %v appears twice in chain", cert.SpkiHash())
		}
		seen[cert.SpkiHash()] = struct{}{}
		if i+1 < len(c.certs) {
			parent := c.certs[i+1]
			if !cert.IssuerSpkiHash().Equal(parent.SpkiHash()) {
				return trace.BadParameter("certificate %v issuer does not match successor %v", cert.SpkiHash(), parent.SpkiHash())
			}
			if err := verifyChainLink(cert, parent); err != nil {
				return trace.Wrap(err)
			}
		}
	}
	return nil
}

// verifyChainLink checks that child was signed by parent's public key.
func verifyChainLink(child, parent *Certificate) error {
	childX509, err := x509.ParseCertificate(child.DER())
	if err != nil {
		return trace.Wrap(err)
	}
	parentX509, err := x509.ParseCertificate(parent.DER())
	if err != nil {
		return trace.Wrap(err)
	}
	if err := childX509.CheckSignatureFrom(parentX509); err != nil {
		return trace.Wrap(ErrSignature, "certificate %v signature does not verify under %v: %v", child.SpkiHash(), parent.SpkiHash(), err)
	}
	return nil
}

// Clock is the minimal time source CertificateChain.Verify needs; callers
// pass clockwork.Clock, which already satisfies it.
type Clock interface {
	Now() time.Time
}
