package quicconn

import (
	"context"
	"crypto/ed25519"
	"crypto/sha512"
	"crypto/tls"
	"crypto/x509"
	"time"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/hkdf"

	"github.com/svalin-project/svalin/pki"
)

// pskHKDFInfo mirrors package tlsconn's derivation label; the two packages
// use independent TLS stacks (crypto/tls directly here vs. through
// quic-go) but the same deterministic-keypair trick for PSK mode.
var pskHKDFInfo = []byte("svalin-quic-psk-v1")

func derivePSKKeyPair(psk []byte) (*pki.KeyPair, error) {
	seed := make([]byte, 32)
	kdf := hkdf.New(sha512.New, psk, nil, pskHKDFInfo)
	if _, err := kdf.Read(seed); err != nil {
		return nil, trace.Wrap(err, "deriving PSK keypair seed")
	}
	return pki.KeyPairFromSeed(seed)
}

func certificateFor(kp *pki.KeyPair, cert *pki.Certificate) tls.Certificate {
	return tls.Certificate{
		Certificate: [][]byte{cert.DER()},
		PrivateKey:  kp,
	}
}

// buildIdentity returns this side's keypair, self-certificate (or
// credential certificate), and the peer-verification callback for either
// mode.
func buildIdentity(ctx context.Context, c *Config) (*pki.KeyPair, *pki.Certificate, func([][]byte, [][]*x509.Certificate) error, error) {
	if len(c.PSK) > 0 {
		kp, err := derivePSKKeyPair(c.PSK)
		if err != nil {
			return nil, nil, nil, trace.Wrap(err)
		}
		cert, err := pki.GenerateRoot(kp, time.Now())
		if err != nil {
			return nil, nil, nil, trace.Wrap(err, "self-signing PSK certificate")
		}
		return kp, cert, pskVerifier(kp.PublicKey()), nil
	}
	return c.Credential.KeyPair(), c.Credential.Certificate(), credentialVerifier(ctx, c.Verifier), nil
}

func pskVerifier(expected ed25519.PublicKey) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		cert, err := parsePeerLeaf(rawCerts)
		if err != nil {
			return trace.Wrap(err)
		}
		if !cert.PublicKey().Equal(expected) {
			return trace.AccessDenied("PSK peer certificate does not match derived keypair")
		}
		return nil
	}
}

func credentialVerifier(ctx context.Context, verifier pki.Verifier) func([][]byte, [][]*x509.Certificate) error {
	return func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
		cert, err := parsePeerLeaf(rawCerts)
		if err != nil {
			return trace.Wrap(err)
		}
		resolved, err := verifier.Resolve(ctx, cert.SpkiHash())
		if err != nil {
			return trace.Wrap(err, "verifying peer certificate")
		}
		if !resolved.Equal(cert) {
			return trace.AccessDenied("resolved certificate does not match peer-presented certificate")
		}
		return nil
	}
}

func parsePeerLeaf(rawCerts [][]byte) (*pki.Certificate, error) {
	if len(rawCerts) == 0 {
		return nil, trace.BadParameter("peer presented no certificate")
	}
	cert, err := pki.ParseCertificate(rawCerts[0])
	if err != nil {
		return nil, trace.Wrap(err, "parsing peer certificate")
	}
	return cert, nil
}
