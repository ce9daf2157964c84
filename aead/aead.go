// Package aead implements the AEAD primitive underneath EncryptedData and
// EncryptedObject[T] (spec.md §4.B): password-derived or directly-supplied
// 32-byte keys, a monotonic counter nonce, and a choice of ChaCha20-Poly1305
// or AES-256-GCM. It has no dependency on pki or secure so both can build on
// it without an import cycle (pki encrypts its own KeyPair export under a
// password; secure wraps this primitive generically for EncryptedObject[T]
// and HybridEncryptedObject[T]).
package aead

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"sync/atomic"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Algorithm identifies which AEAD cipher protects an EncryptedData blob.
type Algorithm uint8

const (
	// AlgorithmChaCha20Poly1305 is the default AEAD.
	AlgorithmChaCha20Poly1305 Algorithm = iota
	// AlgorithmAES256GCM is the alternate AEAD named in spec.md §4.A.
	AlgorithmAES256GCM
)

// KeySize is the size in bytes of every key this package accepts or
// derives.
const KeySize = 32

// Argon2Params is the stored parameter block for password-derived keys,
// present exactly when EncryptedData was encrypted from a password
// (spec.md §3).
type Argon2Params struct {
	Salt    []byte `cbor:"salt"`
	Time    uint32 `cbor:"time"`
	Memory  uint32 `cbor:"memory"`
	Threads uint8  `cbor:"threads"`
}

// DefaultArgon2Params matches the interactive login parameters used
// throughout spec.md §4.E's PAKE phase, chosen as a sensible default for
// interactive (not server-side, constant-time) key derivation.
func DefaultArgon2Params() (Argon2Params, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return Argon2Params{}, trace.Wrap(err, "generating Argon2 salt")
	}
	return Argon2Params{Salt: salt, Time: 3, Memory: 64 * 1024, Threads: 4}, nil
}

// DeriveKey runs Argon2id over password with the stored parameters.
func (p Argon2Params) DeriveKey(password []byte) []byte {
	return argon2.IDKey(password, p.Salt, p.Time, p.Memory, uint32(p.Threads), KeySize)
}

// EncryptedData is a ciphertext plus an algorithm tag and an optional
// Argon2 parameter block, present exactly when the key was derived from a
// password (spec.md §3).
type EncryptedData struct {
	Algorithm Algorithm     `cbor:"alg"`
	Argon2    *Argon2Params `cbor:"argon2,omitempty"`
	Nonce     []byte        `cbor:"nonce"`
	Ciphertext []byte       `cbor:"ciphertext"`
}

// nonceCounter produces the monotonic 64-bit counter nonce policy from
// spec.md §4.B: a fresh AEAD instance starts its counter at 1 and never
// resets, because keys here are single-use per object.
type nonceCounter struct {
	v uint64
}

func (c *nonceCounter) next(nonceSize int) []byte {
	n := atomic.AddUint64(&c.v, 1)
	nonce := make([]byte, nonceSize)
	// Placed in the high 8 bytes of the AEAD nonce per spec.md §4.B.
	binary.BigEndian.PutUint64(nonce[len(nonce)-8:], n)
	return nonce
}

func newAEAD(alg Algorithm, key []byte) (cipher.AEAD, error) {
	switch alg {
	case AlgorithmChaCha20Poly1305:
		a, err := chacha20poly1305.New(key)
		return a, trace.Wrap(err)
	case AlgorithmAES256GCM:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, trace.Wrap(err)
		}
		a, err := cipher.NewGCM(block)
		return a, trace.Wrap(err)
	default:
		return nil, trace.BadParameter("unknown AEAD algorithm %d", alg)
	}
}

// EncryptWithKey encrypts plaintext directly under a supplied 32-byte key
// (spec.md §4.B mode b). Each call starts a fresh nonce counter since each
// key is meant to be single-use per object; callers that need many
// messages under one key should use EncryptStream instead.
func EncryptWithKey(alg Algorithm, key, plaintext, aad []byte) (*EncryptedData, error) {
	if len(key) != KeySize {
		return nil, trace.BadParameter("key must be %d bytes, got %d", KeySize, len(key))
	}
	a, err := newAEAD(alg, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	counter := &nonceCounter{}
	nonce := counter.next(a.NonceSize())
	ct := a.Seal(nil, nonce, plaintext, aad)
	return &EncryptedData{Algorithm: alg, Nonce: nonce, Ciphertext: ct}, nil
}

// EncryptWithPassword derives a key from password via Argon2id and
// encrypts plaintext under it (spec.md §4.B mode a).
func EncryptWithPassword(alg Algorithm, password, plaintext, aad []byte) (*EncryptedData, error) {
	params, err := DefaultArgon2Params()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	key := params.DeriveKey(password)
	data, err := EncryptWithKey(alg, key, plaintext, aad)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	data.Argon2 = &params
	return data, nil
}

// Decrypt decrypts d using key. If d.Argon2 is set, key is ignored and the
// password-derived key is used instead; callers should use DecryptWithPassword
// in that case. Decrypt is for the direct-key modes (b, c).
func (d *EncryptedData) Decrypt(key, aad []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, trace.BadParameter("key must be %d bytes, got %d", KeySize, len(key))
	}
	a, err := newAEAD(d.Algorithm, key)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	pt, err := a.Open(nil, d.Nonce, d.Ciphertext, aad)
	if err != nil {
		return nil, trace.AccessDenied("AEAD authentication failed")
	}
	return pt, nil
}

// DecryptWithPassword decrypts d, which must carry an Argon2 parameter
// block, deriving the key from password.
func (d *EncryptedData) DecryptWithPassword(password, aad []byte) ([]byte, error) {
	if d.Argon2 == nil {
		return nil, trace.BadParameter("EncryptedData was not password-derived")
	}
	key := d.Argon2.DeriveKey(password)
	return d.Decrypt(key, aad)
}
