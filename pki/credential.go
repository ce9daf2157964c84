package pki

import (
	"crypto"
	"crypto/rand"

	"github.com/gravitational/trace"
)

// Credential is an owned pair of (KeyPair, Certificate) with the invariant
// that the keypair's public key matches the certificate's SPKI hash. A
// Credential is the only object allowed to sign on behalf of its
// certificate (spec.md §3).
type Credential struct {
	keyPair *KeyPair
	cert    *Certificate
}

// NewCredential binds a keypair to a certificate, checking that the
// keypair's public key matches the certificate's SPKI hash.
func NewCredential(kp *KeyPair, cert *Certificate) (*Credential, error) {
	if !kp.SpkiHash().Equal(cert.SpkiHash()) {
		return nil, trace.Wrap(ErrCertificateMismatch)
	}
	return &Credential{keyPair: kp, cert: cert}, nil
}

// KeyPair returns the credential's signing keypair.
func (c *Credential) KeyPair() *KeyPair { return c.keyPair }

// Certificate returns the credential's certificate.
func (c *Credential) Certificate() *Certificate { return c.cert }

// SpkiHash is a shorthand for Certificate().SpkiHash().
func (c *Credential) SpkiHash() SpkiHash { return c.cert.SpkiHash() }

// Sign signs arbitrary data with the credential's private key.
func (c *Credential) Sign(data []byte) ([]byte, error) {
	sig, err := c.keyPair.Sign(rand.Reader, data, crypto.Hash(0))
	if err != nil {
		return nil, trace.Wrap(err, "signing with credential %v", c.SpkiHash())
	}
	return sig, nil
}
