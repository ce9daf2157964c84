package pki

import (
	"github.com/gravitational/trace"

	"github.com/svalin-project/svalin/aead"
)

// encryptedKeyPairAAD binds an encrypted keypair blob to its purpose, so a
// ciphertext produced for one context cannot be replayed as another.
const encryptedKeyPairAAD = "svalin-keypair-v1"

// EncryptedKeyPair is the on-disk form of a KeyPair protected by a
// password (spec.md §4.A: "Can be exported as an EncryptedObject<KeyPair>
// under a password").
type EncryptedKeyPair struct {
	Data *aead.EncryptedData `cbor:"data"`
}

// Encrypt wraps the keypair's PKCS#8 private key under password using
// Argon2id-derived ChaCha20-Poly1305, per spec.md §4.B mode (a).
func (k *KeyPair) Encrypt(password []byte) (*EncryptedKeyPair, error) {
	data, err := aead.EncryptWithPassword(aead.AlgorithmChaCha20Poly1305, password, k.PrivateKeyDER(), []byte(encryptedKeyPairAAD))
	if err != nil {
		return nil, trace.Wrap(err, "encrypting keypair")
	}
	return &EncryptedKeyPair{Data: data}, nil
}

// Decrypt recovers the KeyPair, failing with an AEAD error if password is
// wrong.
func (e *EncryptedKeyPair) Decrypt(password []byte) (*KeyPair, error) {
	der, err := e.Data.DecryptWithPassword(password, []byte(encryptedKeyPairAAD))
	if err != nil {
		return nil, trace.Wrap(err, "decrypting keypair")
	}
	kp, err := KeyPairFromPKCS8(der)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return kp, nil
}

// EncryptedKeyPair serializes with the default struct-tag-driven cbor
// encoding (see frame.WriteObject / ReadObject in package frame), the
// same compact binary format used throughout the framed transport.
