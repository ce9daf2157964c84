// Package secure implements the signed and encrypted object wrappers of
// spec.md §4.B: SignedObject[T]/VerifiedObject[T] for authenticated
// values, EncryptedObject[T] for password- or key-protected values, and
// HybridEncryptedObject[T] for per-recipient confidential broadcast.
package secure

import (
	"context"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"

	"github.com/svalin-project/svalin/pki"
)

// SignedObject carries a serialized payload, the signer's SPKI hash, and a
// signature over the serialized bytes plus that hash (so tampering with
// either field breaks verification, spec.md §4.B).
type SignedObject[T any] struct {
	Payload   []byte       `cbor:"payload"`
	Signer    pki.SpkiHash `cbor:"signer"`
	Signature []byte       `cbor:"signature"`
}

func signedTBS(payload []byte, signer pki.SpkiHash) []byte {
	tbs := make([]byte, 0, len(payload)+pki.SpkiHashSize)
	tbs = append(tbs, payload...)
	tbs = append(tbs, signer[:]...)
	return tbs
}

// NewSignedObject serializes value and signs it with credential, recording
// the signer's SPKI hash.
func NewSignedObject[T any](value T, credential *pki.Credential) (*SignedObject[T], error) {
	payload, err := cbor.Marshal(value)
	if err != nil {
		return nil, trace.Wrap(err, "serializing value for signing")
	}
	signer := credential.SpkiHash()
	sig, err := credential.Sign(signedTBS(payload, signer))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &SignedObject[T]{Payload: payload, Signer: signer, Signature: sig}, nil
}

// VerifiedObject bundles a verified payload with the certificate that
// signed it. It is deliberately not serializable: a VerifiedObject is a
// proof obtained by running Verify, not a value to pass across the wire.
type VerifiedObject[T any] struct {
	value    T
	signedBy *pki.Certificate
}

// SignedBy returns the certificate that produced the signature.
func (v *VerifiedObject[T]) SignedBy() *pki.Certificate { return v.signedBy }

// Unpack returns the verified payload value.
func (v *VerifiedObject[T]) Unpack() T { return v.value }

// Verify resolves the signer's SPKI hash to a certificate via verifier,
// checks the signature over the serialized payload and signer hash, and
// deserializes the payload. Any single-bit flip in the serialized blob or
// in the stored SPKI hash causes this to fail (spec.md §8 property 2).
func (s *SignedObject[T]) Verify(ctx context.Context, verifier pki.Verifier, now time.Time) (*VerifiedObject[T], error) {
	cert, err := verifier.Resolve(ctx, s.Signer)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if !cert.ValidAt(now) {
		return nil, trace.Wrap(pki.ErrTimerange, "signer certificate %v not valid at %v", s.Signer, now)
	}
	if err := cert.VerifySignature(signedTBS(s.Payload, s.Signer), s.Signature); err != nil {
		return nil, trace.Wrap(err)
	}
	var value T
	if err := cbor.Unmarshal(s.Payload, &value); err != nil {
		return nil, trace.Wrap(err, "deserializing signed payload")
	}
	return &VerifiedObject[T]{value: value, signedBy: cert}, nil
}
