package pki

import (
	"crypto/sha256"
	"crypto/subtle"
	"crypto/x509"
	"encoding/hex"

	"github.com/gravitational/trace"
)

// SpkiHashSize is the digest size of a SpkiHash (SHA-256).
const SpkiHashSize = sha256.Size

// SpkiHash is the stable identity of a principal: the digest of a
// certificate's Subject Public Key Info. Every certificate this system
// issues carries the hex encoding of its own SpkiHash as its Common Name.
type SpkiHash [SpkiHashSize]byte

// SpkiHashFromPublicKey computes the SPKI hash of a DER-encoded
// SubjectPublicKeyInfo, as produced by x509.MarshalPKIXPublicKey.
func SpkiHashFromPublicKey(pub interface{}) (SpkiHash, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return SpkiHash{}, trace.Wrap(err, "marshaling public key for SPKI hash")
	}
	return sha256.Sum256(der), nil
}

// String renders the hash as lowercase hex, the same encoding used for a
// certificate's Common Name.
func (h SpkiHash) String() string {
	return hex.EncodeToString(h[:])
}

// Equal reports whether two hashes identify the same principal, using a
// constant-time comparison since SPKI hashes gate authorization decisions.
func (h SpkiHash) Equal(other SpkiHash) bool {
	return subtle.ConstantTimeCompare(h[:], other[:]) == 1
}

// IsZero reports whether h is the zero value (no identity).
func (h SpkiHash) IsZero() bool {
	var zero SpkiHash
	return h.Equal(zero)
}

// ParseSpkiHash decodes a hex-encoded SPKI hash, such as a certificate's
// Common Name.
func ParseSpkiHash(s string) (SpkiHash, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return SpkiHash{}, trace.Wrap(err, "decoding SPKI hash %q", s)
	}
	if len(raw) != SpkiHashSize {
		return SpkiHash{}, trace.BadParameter("SPKI hash %q has wrong length %d, want %d", s, len(raw), SpkiHashSize)
	}
	var h SpkiHash
	copy(h[:], raw)
	return h, nil
}

// MarshalText implements encoding.TextMarshaler so a SpkiHash round-trips
// through JSON config files (spec.md §6) as plain hex.
func (h SpkiHash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *SpkiHash) UnmarshalText(text []byte) error {
	parsed, err := ParseSpkiHash(string(text))
	if err != nil {
		return trace.Wrap(err)
	}
	*h = parsed
	return nil
}
