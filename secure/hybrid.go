package secure

import (
	"crypto/rand"
	"crypto/sha512"
	"io"

	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/svalin-project/svalin/aead"
	"github.com/svalin-project/svalin/pki"
)

// hkdfSalt is the fixed 64-byte salt required by spec.md §4.B for the
// hybrid-encryption key wrap. It is a public constant, not a secret: HKDF
// salts need only be fixed and distinct per protocol, not hidden.
var hkdfSalt = sha512.Sum512([]byte("svalin-hybrid-encryption-v1-salt"))

// Recipient is one target of a HybridEncryptedObject: an identity
// (looked up by SPKI hash) plus the X25519 public key that identity's
// certificate carries. Svalin certificates sign with Ed25519 and encrypt
// with X25519; RecipientKeyForCertificate converts between the two.
type Recipient struct {
	Hash      pki.SpkiHash
	PublicKey [32]byte
}

// wrappedKey is the per-recipient envelope: the symmetric content key
// encrypted under an ECDH secret shared between a fresh ephemeral keypair
// and the recipient's static X25519 public key.
type wrappedKey struct {
	Recipient    pki.SpkiHash `cbor:"recipient"`
	EphemeralPub [32]byte     `cbor:"ephemeral_pub"`
	Wrapped      *aead.EncryptedData `cbor:"wrapped"`
}

// HybridEncryptedObject encrypts a value once under a fresh symmetric key,
// then wraps that key per recipient via X25519 ephemeral-static ECDH and
// HKDF-SHA512 (spec.md §4.B).
type HybridEncryptedObject[T any] struct {
	Content    *aead.EncryptedData `cbor:"content"`
	Recipients []wrappedKey        `cbor:"recipients"`
}

// EncryptHybrid serializes value, encrypts it once under a fresh content
// key, and wraps that key for every recipient.
func EncryptHybrid[T any](value T, recipients []Recipient) (*HybridEncryptedObject[T], error) {
	if len(recipients) == 0 {
		return nil, trace.BadParameter("hybrid encryption requires at least one recipient")
	}
	plaintext, err := cbor.Marshal(value)
	if err != nil {
		return nil, trace.Wrap(err, "serializing value for hybrid encryption")
	}
	contentKey := make([]byte, aead.KeySize)
	if _, err := rand.Read(contentKey); err != nil {
		return nil, trace.Wrap(err, "generating content key")
	}
	content, err := aead.EncryptWithKey(aead.AlgorithmChaCha20Poly1305, contentKey, plaintext, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	wrapped := make([]wrappedKey, 0, len(recipients))
	for _, r := range recipients {
		w, err := wrapForRecipient(contentKey, r)
		if err != nil {
			return nil, trace.Wrap(err, "wrapping content key for recipient %v", r.Hash)
		}
		wrapped = append(wrapped, *w)
	}
	return &HybridEncryptedObject[T]{Content: content, Recipients: wrapped}, nil
}

func wrapForRecipient(contentKey []byte, r Recipient) (*wrappedKey, error) {
	var ephPriv [32]byte
	if _, err := rand.Read(ephPriv[:]); err != nil {
		return nil, trace.Wrap(err, "generating ephemeral key")
	}
	ephPub, err := curve25519.X25519(ephPriv[:], curve25519.Basepoint)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	shared, err := curve25519.X25519(ephPriv[:], r.PublicKey[:])
	if err != nil {
		return nil, trace.Wrap(err, "computing ECDH shared secret")
	}
	var ephPubArr [32]byte
	copy(ephPubArr[:], ephPub)
	wrapKey, err := deriveWrapKey(shared, ephPubArr, r.PublicKey)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	wrapped, err := aead.EncryptWithKey(aead.AlgorithmChaCha20Poly1305, wrapKey, contentKey, nil)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &wrappedKey{Recipient: r.Hash, EphemeralPub: ephPubArr, Wrapped: wrapped}, nil
}

// deriveWrapKey runs HKDF-SHA512 over the ECDH shared secret with the
// fixed salt and a context of (ephemeral_pub || recipient_pub), per
// spec.md §4.B.
func deriveWrapKey(shared []byte, ephPub, recipientPub [32]byte) ([]byte, error) {
	info := make([]byte, 0, 64)
	info = append(info, ephPub[:]...)
	info = append(info, recipientPub[:]...)
	kdf := hkdf.New(sha512.New, shared, hkdfSalt[:], info)
	key := make([]byte, aead.KeySize)
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, trace.Wrap(err, "deriving wrap key")
	}
	return key, nil
}

// DecryptHybrid recovers the value for the recipient identified by hash,
// using that recipient's X25519 private key.
func DecryptHybrid[T any](obj *HybridEncryptedObject[T], hash pki.SpkiHash, privateKey [32]byte) (T, error) {
	var zero T
	var entry *wrappedKey
	for i := range obj.Recipients {
		if obj.Recipients[i].Recipient.Equal(hash) {
			entry = &obj.Recipients[i]
			break
		}
	}
	if entry == nil {
		return zero, trace.NotFound("no recipient entry for %v", hash)
	}
	recipientPub, err := curve25519.X25519(privateKey[:], curve25519.Basepoint)
	if err != nil {
		return zero, trace.Wrap(err)
	}
	var recipientPubArr [32]byte
	copy(recipientPubArr[:], recipientPub)
	shared, err := curve25519.X25519(privateKey[:], entry.EphemeralPub[:])
	if err != nil {
		return zero, trace.Wrap(err, "computing ECDH shared secret")
	}
	wrapKey, err := deriveWrapKey(shared, entry.EphemeralPub, recipientPubArr)
	if err != nil {
		return zero, trace.Wrap(err)
	}
	contentKey, err := entry.Wrapped.Decrypt(wrapKey, nil)
	if err != nil {
		return zero, trace.Wrap(err, "unwrapping content key")
	}
	plaintext, err := obj.Content.Decrypt(contentKey, nil)
	if err != nil {
		return zero, trace.Wrap(err, "decrypting content")
	}
	var value T
	if err := cbor.Unmarshal(plaintext, &value); err != nil {
		return zero, trace.Wrap(err, "deserializing decrypted value")
	}
	return value, nil
}
