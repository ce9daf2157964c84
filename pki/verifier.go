package pki

import (
	"context"

	"github.com/gravitational/trace"
)

// ChainFetcher asks a remote peer for the certificates needed to resolve
// an SPKI hash into a verified chain, one issuer hop at a time. Concrete
// implementations live outside pki (the "load_certificate_chain" and
// "get_user_certs" commands in rpcsession/agentlist wire this to the
// network); pki only needs the abstraction so Verifier stays free of
// transport concerns.
type ChainFetcher interface {
	// FetchCertificate returns the certificate whose SPKI hash is hash.
	FetchCertificate(ctx context.Context, hash SpkiHash) (*Certificate, error)
}

// Verifier is the only construct allowed to turn an SPKI hash into a
// Certificate (spec.md §4.A). It feeds both SignedObject.Verify and the
// TLS verifier adapters in package tlsconn.
type Verifier interface {
	// Resolve returns the Certificate identified by hash, having checked
	// it against whatever trust policy the Verifier implements.
	Resolve(ctx context.Context, hash SpkiHash) (*Certificate, error)
}

// ExactVerifier accepts exactly one certificate: the one it was
// constructed with. It is used for the inner, end-to-end TLS handshake of
// component H, where the originator already knows precisely which
// certificate it expects the far end to present.
type ExactVerifier struct {
	cert *Certificate
}

// NewExactVerifier builds an ExactVerifier for cert.
func NewExactVerifier(cert *Certificate) *ExactVerifier {
	return &ExactVerifier{cert: cert}
}

// Resolve implements Verifier.
func (v *ExactVerifier) Resolve(_ context.Context, hash SpkiHash) (*Certificate, error) {
	if !v.cert.SpkiHash().Equal(hash) {
		return nil, trace.Wrap(ErrUnknownCertificate, "exact verifier only accepts %v, got request for %v", v.cert.SpkiHash(), hash)
	}
	return v.cert, nil
}

// RemoteChainVerifier resolves an SPKI hash by fetching a certificate
// chain (one hop at a time, via Fetcher) and verifying it against a fixed
// trust root and a clock.
type RemoteChainVerifier struct {
	root    *Certificate
	fetcher ChainFetcher
	clock   Clock
}

// NewRemoteChainVerifier builds a RemoteChainVerifier rooted at root.
func NewRemoteChainVerifier(root *Certificate, fetcher ChainFetcher, clock Clock) *RemoteChainVerifier {
	return &RemoteChainVerifier{root: root, fetcher: fetcher, clock: clock}
}

// Resolve implements Verifier by walking the chain from hash up to the
// trust root, fetching one certificate per hop, then verifying the
// resulting chain.
func (v *RemoteChainVerifier) Resolve(ctx context.Context, hash SpkiHash) (*Certificate, error) {
	leaf, err := v.fetcher.FetchCertificate(ctx, hash)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if leaf.SpkiHash().Equal(v.root.SpkiHash()) {
		if !leaf.Equal(v.root) {
			return nil, trace.Wrap(ErrFingerprintCollision, "fetched certificate claims root SPKI but differs from trust root")
		}
		return leaf, nil
	}
	builder := NewCertificateChainBuilder(leaf)
	for !builder.Finished() {
		next, err := v.fetcher.FetchCertificate(ctx, builder.RequestedIssuer())
		if err != nil {
			return nil, trace.Wrap(err)
		}
		if err := builder.Push(next); err != nil {
			return nil, trace.Wrap(err)
		}
	}
	chain, err := builder.Build()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if err := chain.Verify(v.root, v.clock); err != nil {
		return nil, trace.Wrap(err)
	}
	return leaf, nil
}

// Whitelist is a Verifier-adjacent helper that accepts any certificate
// whose SPKI hash is in a static set, delegating actual certificate
// lookup to an inner Verifier. It backs the Whitelist PermissionHandler
// in rpcsession, kept here because both need the same "is this SPKI
// allowed" primitive.
type Whitelist struct {
	allowed map[SpkiHash]struct{}
}

// NewWhitelist builds a Whitelist over the given SPKI hashes.
func NewWhitelist(hashes ...SpkiHash) *Whitelist {
	w := &Whitelist{allowed: make(map[SpkiHash]struct{}, len(hashes))}
	for _, h := range hashes {
		w.allowed[h] = struct{}{}
	}
	return w
}

// Allows reports whether hash is in the whitelist.
func (w *Whitelist) Allows(hash SpkiHash) bool {
	_, ok := w.allowed[hash]
	return ok
}
