// Package credstore persists pki.KeyPair/Certificate/Credential values
// as raw DER files on disk, the minimal on-disk credential layout every
// role (broker, agent, client) needs per spec.md §6.
package credstore

import (
	"os"

	"github.com/gravitational/trace"

	"github.com/svalin-project/svalin/pki"
)

// SaveKeyPair writes kp's PKCS8-encoded private key to path.
func SaveKeyPair(path string, kp *pki.KeyPair) error {
	if err := os.WriteFile(path, kp.PrivateKeyDER(), 0o600); err != nil {
		return trace.Wrap(err, "writing key pair %q", path)
	}
	return nil
}

// LoadKeyPair reads and parses a PKCS8-encoded private key from path.
func LoadKeyPair(path string) (*pki.KeyPair, error) {
	der, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err, "reading key pair %q", path)
	}
	kp, err := pki.KeyPairFromPKCS8(der)
	if err != nil {
		return nil, trace.Wrap(err, "parsing key pair %q", path)
	}
	return kp, nil
}

// SaveCertificate writes cert's DER encoding to path.
func SaveCertificate(path string, cert *pki.Certificate) error {
	if err := os.WriteFile(path, cert.DER(), 0o644); err != nil {
		return trace.Wrap(err, "writing certificate %q", path)
	}
	return nil
}

// LoadCertificate reads and parses a DER certificate from path.
func LoadCertificate(path string) (*pki.Certificate, error) {
	der, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.Wrap(err, "reading certificate %q", path)
	}
	cert, err := pki.ParseCertificate(der)
	if err != nil {
		return nil, trace.Wrap(err, "parsing certificate %q", path)
	}
	return cert, nil
}

// SaveCredential persists cred's key pair and certificate to the given
// paths.
func SaveCredential(keyPath, certPath string, cred *pki.Credential) error {
	if err := SaveKeyPair(keyPath, cred.KeyPair()); err != nil {
		return trace.Wrap(err)
	}
	return trace.Wrap(SaveCertificate(certPath, cred.Certificate()))
}

// LoadCredential reads a key pair and certificate from the given paths
// and pairs them into a Credential.
func LoadCredential(keyPath, certPath string) (*pki.Credential, error) {
	kp, err := LoadKeyPair(keyPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cert, err := LoadCertificate(certPath)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	cred, err := pki.NewCredential(kp, cert)
	if err != nil {
		return nil, trace.Wrap(err, "pairing key pair with certificate")
	}
	return cred, nil
}
