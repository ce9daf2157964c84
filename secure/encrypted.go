package secure

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"

	"github.com/svalin-project/svalin/aead"
)

// encryptedObjectAAD scopes EncryptedObject ciphertexts away from other
// uses of the same key, mirroring pki's encryptedKeyPairAAD.
const encryptedObjectAAD = "svalin-object-v1"

// EncryptedObject[T] is a typed EncryptedData: it round-trips a
// serializable value T through cbor before encryption, carrying the type
// as a Go type parameter for round-trip safety rather than a runtime tag
// (spec.md §3).
type EncryptedObject[T any] struct {
	Data *aead.EncryptedData `cbor:"data"`
}

// EncryptWithPassword serializes value and encrypts it under a
// password-derived key.
func EncryptWithPassword[T any](value T, password []byte) (*EncryptedObject[T], error) {
	plaintext, err := cbor.Marshal(value)
	if err != nil {
		return nil, trace.Wrap(err, "serializing value for encryption")
	}
	data, err := aead.EncryptWithPassword(aead.AlgorithmChaCha20Poly1305, password, plaintext, []byte(encryptedObjectAAD))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &EncryptedObject[T]{Data: data}, nil
}

// EncryptWithKey serializes value and encrypts it directly under a
// supplied 32-byte key.
func EncryptWithKey[T any](value T, key []byte) (*EncryptedObject[T], error) {
	plaintext, err := cbor.Marshal(value)
	if err != nil {
		return nil, trace.Wrap(err, "serializing value for encryption")
	}
	data, err := aead.EncryptWithKey(aead.AlgorithmChaCha20Poly1305, key, plaintext, []byte(encryptedObjectAAD))
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &EncryptedObject[T]{Data: data}, nil
}

// DecryptWithPassword reverses EncryptWithPassword.
func (e *EncryptedObject[T]) DecryptWithPassword(password []byte) (T, error) {
	var zero T
	plaintext, err := e.Data.DecryptWithPassword(password, []byte(encryptedObjectAAD))
	if err != nil {
		return zero, trace.Wrap(err)
	}
	var value T
	if err := cbor.Unmarshal(plaintext, &value); err != nil {
		return zero, trace.Wrap(err, "deserializing decrypted value")
	}
	return value, nil
}

// DecryptWithKey reverses EncryptWithKey.
func (e *EncryptedObject[T]) DecryptWithKey(key []byte) (T, error) {
	var zero T
	plaintext, err := e.Data.Decrypt(key, []byte(encryptedObjectAAD))
	if err != nil {
		return zero, trace.Wrap(err)
	}
	var value T
	if err := cbor.Unmarshal(plaintext, &value); err != nil {
		return zero, trace.Wrap(err, "deserializing decrypted value")
	}
	return value, nil
}
