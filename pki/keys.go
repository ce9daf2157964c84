package pki

import (
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"io"

	"github.com/gravitational/trace"
)

// KeyPair is an Ed25519 signing keypair. The private component is kept as
// PKCS#8 DER so it can be stored and round-tripped without re-deriving the
// public half; the public key and its SPKI hash are cached at construction
// time since both are computed frequently (every signature check, every
// chain link).
type KeyPair struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
	spki    SpkiHash

	// der is the PKCS#8 encoding of private, cached for PrivateKeyDER.
	der []byte
}

// GenerateKeyPair creates a fresh Ed25519 KeyPair.
func GenerateKeyPair() (*KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, trace.Wrap(err, "generating ed25519 keypair")
	}
	return newKeyPair(priv, pub)
}

func newKeyPair(priv ed25519.PrivateKey, pub ed25519.PublicKey) (*KeyPair, error) {
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, trace.Wrap(err, "marshaling private key")
	}
	spki, err := SpkiHashFromPublicKey(pub)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &KeyPair{private: priv, public: pub, spki: spki, der: der}, nil
}

// KeyPairFromSeed deterministically derives a KeyPair from a 32-byte
// Ed25519 seed. Used by PSK-mode TLS (package tlsconn) where both sides
// must arrive at the same keypair without exchanging it.
func KeyPairFromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, trace.BadParameter("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, trace.BadParameter("could not derive ed25519 public key")
	}
	return newKeyPair(priv, pub)
}

// KeyPairFromPKCS8 reconstructs a KeyPair from a PKCS#8 DER-encoded Ed25519
// private key, the on-disk representation used by credential storage.
func KeyPairFromPKCS8(der []byte) (*KeyPair, error) {
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, trace.Wrap(err, "parsing PKCS8 private key")
	}
	priv, ok := parsed.(ed25519.PrivateKey)
	if !ok {
		return nil, trace.BadParameter("private key is %T, not ed25519", parsed)
	}
	pub, ok := priv.Public().(ed25519.PublicKey)
	if !ok {
		return nil, trace.BadParameter("could not derive ed25519 public key")
	}
	return newKeyPair(priv, pub)
}

// PublicKey returns the Ed25519 public key.
func (k *KeyPair) PublicKey() ed25519.PublicKey {
	return k.public
}

// SpkiHash returns the cached SPKI hash of the public key.
func (k *KeyPair) SpkiHash() SpkiHash {
	return k.spki
}

// PrivateKeyDER returns the PKCS#8 DER encoding of the private key, ready
// for password encryption (see EncryptKeyPair) or disk storage.
func (k *KeyPair) PrivateKeyDER() []byte {
	return k.der
}

// Sign signs data with the keypair's private key, satisfying crypto.Signer
// so a KeyPair can be handed directly to x509.CreateCertificate and TLS
// configuration.
func (k *KeyPair) Sign(rand io.Reader, data []byte, opts crypto.SignerOpts) ([]byte, error) {
	return k.private.Sign(rand, data, opts)
}

// Public implements crypto.Signer.
func (k *KeyPair) Public() crypto.PublicKey {
	return k.public
}
