package pki

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"github.com/gravitational/trace"
)

// CertificateType discriminates the role a certificate was issued for. The
// discriminant drives both certificate-generation parameters (§4.A) and the
// default permission policy (component J).
type CertificateType int

const (
	// CertificateTypeUnknown is the zero value; no certificate of this
	// type is ever issued, it only appears on parse failure paths.
	CertificateTypeUnknown CertificateType = iota
	// CertificateTypeRoot is the system-wide trust anchor.
	CertificateTypeRoot
	// CertificateTypeUser identifies a human operator.
	CertificateTypeUser
	// CertificateTypeUserDevice identifies one logged-in session of a user
	// on one device.
	CertificateTypeUserDevice
	// CertificateTypeAgent identifies a deployed agent host.
	CertificateTypeAgent
	// CertificateTypeServer identifies the broker itself.
	CertificateTypeServer
	// CertificateTypeTemporary identifies a short-lived credential issued
	// during a handshake (e.g. the init-server setup flow).
	CertificateTypeTemporary
)

func (t CertificateType) String() string {
	switch t {
	case CertificateTypeRoot:
		return "root"
	case CertificateTypeUser:
		return "user"
	case CertificateTypeUserDevice:
		return "user-device"
	case CertificateTypeAgent:
		return "agent"
	case CertificateTypeServer:
		return "server"
	case CertificateTypeTemporary:
		return "temporary"
	default:
		return "unknown"
	}
}

const (
	rootValidity = 10 * 365 * 24 * time.Hour
	leafValidity = 365 * 24 * time.Hour
)

// Certificate is a parsed X.509 DER blob with the fields that get
// consulted on every hot path cached alongside it, per spec.md §3.
type Certificate struct {
	raw          []byte
	publicKey    ed25519.PublicKey
	spkiHash     SpkiHash
	issuerHash   SpkiHash
	notBefore    time.Time
	notAfter     time.Time
	certType     CertificateType
}

// ParseCertificate parses a DER blob into a Certificate, failing closed on
// any structural problem (spec.md §3: "parsing must fail closed").
func ParseCertificate(der []byte) (*Certificate, error) {
	x509Cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, trace.Wrap(err, "parsing certificate")
	}
	pub, ok := x509Cert.PublicKey.(ed25519.PublicKey)
	if !ok {
		return nil, trace.BadParameter("certificate public key is %T, not ed25519", x509Cert.PublicKey)
	}
	spki, err := SpkiHashFromPublicKey(pub)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if x509Cert.Subject.CommonName != spki.String() {
		return nil, trace.BadParameter("certificate CommonName %q does not match SPKI hash %q", x509Cert.Subject.CommonName, spki.String())
	}
	issuerHash, err := ParseSpkiHash(x509Cert.Issuer.CommonName)
	if err != nil {
		return nil, trace.Wrap(err, "parsing issuer SPKI hash from certificate")
	}
	certType, err := certTypeFromExtension(x509Cert)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return &Certificate{
		raw:        append([]byte(nil), der...),
		publicKey:  pub,
		spkiHash:   spki,
		issuerHash: issuerHash,
		notBefore:  x509Cert.NotBefore,
		notAfter:   x509Cert.NotAfter,
		certType:   certType,
	}, nil
}

// oidCertificateType carries the CertificateType discriminant as a custom
// extension, since X.509 has no native "kind of principal" field.
var oidCertificateType = []int{1, 3, 6, 1, 4, 1, 64512, 1}

func certTypeFromExtension(cert *x509.Certificate) (CertificateType, error) {
	for _, ext := range cert.Extensions {
		if !ext.Id.Equal(oidCertificateType) {
			continue
		}
		if len(ext.Value) != 1 {
			return CertificateTypeUnknown, trace.BadParameter("malformed certificate-type extension")
		}
		return CertificateType(ext.Value[0]), nil
	}
	return CertificateTypeUnknown, trace.BadParameter("certificate is missing the certificate-type extension")
}

// DER returns the raw certificate bytes. Equality between certificates is
// defined by DER bytes (spec.md §3).
func (c *Certificate) DER() []byte { return c.raw }

// Equal compares two certificates by DER bytes.
func (c *Certificate) Equal(other *Certificate) bool {
	if c == nil || other == nil {
		return c == other
	}
	return bytes.Equal(c.raw, other.raw)
}

// PublicKey returns the certificate's Ed25519 public key.
func (c *Certificate) PublicKey() ed25519.PublicKey { return c.publicKey }

// SpkiHash returns the certificate's own identity.
func (c *Certificate) SpkiHash() SpkiHash { return c.spkiHash }

// IssuerSpkiHash returns the SPKI hash of the certificate that signed this
// one. A self-signed certificate has IssuerSpkiHash() == SpkiHash().
func (c *Certificate) IssuerSpkiHash() SpkiHash { return c.issuerHash }

// IsSelfSigned reports whether the certificate's issuer equals its own
// identity.
func (c *Certificate) IsSelfSigned() bool { return c.issuerHash.Equal(c.spkiHash) }

// Type returns the certificate-type discriminant.
func (c *Certificate) Type() CertificateType { return c.certType }

// NotBefore and NotAfter expose the validity window.
func (c *Certificate) NotBefore() time.Time { return c.notBefore }
func (c *Certificate) NotAfter() time.Time  { return c.notAfter }

// ValidAt reports whether the certificate is valid at time t:
// not_before <= t <= not_after, per spec.md §3.
func (c *Certificate) ValidAt(t time.Time) bool {
	return !t.Before(c.notBefore) && !t.After(c.notAfter)
}

// VerifySignature checks that sig is a valid Ed25519 signature over data
// under this certificate's public key.
func (c *Certificate) VerifySignature(data, sig []byte) error {
	if !ed25519.Verify(c.publicKey, data, sig) {
		return trace.Wrap(ErrSignature)
	}
	return nil
}

func certTemplate(pub ed25519.PublicKey, certType CertificateType, isCA bool, validity time.Duration, now time.Time) (*x509.Certificate, error) {
	spki, err := SpkiHashFromPublicKey(pub)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, trace.Wrap(err, "generating certificate serial")
	}
	keyUsage := x509.KeyUsageDigitalSignature
	if isCA {
		keyUsage |= x509.KeyUsageCertSign
	}
	return &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: spki.String()},
		NotBefore:    now.Add(-1 * time.Minute),
		NotAfter:     now.Add(validity),
		KeyUsage:     keyUsage,
		IsCA:         isCA,
		BasicConstraintsValid: true,
		ExtraExtensions: []pkix.Extension{{
			Id:    oidCertificateType,
			Value: []byte{byte(certType)},
		}},
	}, nil
}

// GenerateRoot creates the system trust anchor: a self-signed, CA=true
// certificate valid for ten years (spec.md §4.A, rule 1).
func GenerateRoot(root *KeyPair, now time.Time) (*Certificate, error) {
	tmpl, err := certTemplate(root.PublicKey(), CertificateTypeRoot, true, rootValidity, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tmpl.MaxPathLen = 2
	tmpl.MaxPathLenZero = false
	return signCertificate(tmpl, root.PublicKey(), root)
}

// CreateUserCertificateFor issues a one-year, CA=true certificate for the
// given user public key, signed by the root credential (spec.md §4.A, rule
// 2). The path-length constraint allows exactly one further CA link
// (user -> user-device).
func CreateUserCertificateFor(pub ed25519.PublicKey, issuer *Credential, now time.Time) (*Certificate, error) {
	tmpl, err := certTemplate(pub, CertificateTypeUser, true, leafValidity, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	tmpl.MaxPathLen = 0
	tmpl.MaxPathLenZero = true
	return signAsIssuer(tmpl, pub, issuer)
}

// CreateUserDeviceCertificateFor issues a one-year, CA=false certificate
// for a user's logged-in session on one device, signed by that user's
// credential (spec.md §4.A, rule 3).
func CreateUserDeviceCertificateFor(pub ed25519.PublicKey, issuer *Credential, now time.Time) (*Certificate, error) {
	tmpl, err := certTemplate(pub, CertificateTypeUserDevice, false, leafValidity, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return signAsIssuer(tmpl, pub, issuer)
}

// CreateAgentCertificateFor issues a one-year, CA=false certificate for an
// agent host, always signed by the root (spec.md §4.A, rule 4).
func CreateAgentCertificateFor(pub ed25519.PublicKey, root *Credential, now time.Time) (*Certificate, error) {
	tmpl, err := certTemplate(pub, CertificateTypeAgent, false, leafValidity, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return signAsIssuer(tmpl, pub, root)
}

// CreateServerCertificateFor issues a one-year, CA=false certificate
// identifying the broker itself, signed by the root.
func CreateServerCertificateFor(pub ed25519.PublicKey, root *Credential, now time.Time) (*Certificate, error) {
	tmpl, err := certTemplate(pub, CertificateTypeServer, false, leafValidity, now)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return signAsIssuer(tmpl, pub, root)
}

func signAsIssuer(tmpl *x509.Certificate, pub ed25519.PublicKey, issuer *Credential) (*Certificate, error) {
	issuerX509, err := x509.ParseCertificate(issuer.Certificate().DER())
	if err != nil {
		return nil, trace.Wrap(err, "re-parsing issuer certificate")
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, issuerX509, pub, issuer.KeyPair())
	if err != nil {
		return nil, trace.Wrap(err, "signing certificate")
	}
	return ParseCertificate(der)
}

func signCertificate(tmpl *x509.Certificate, pub ed25519.PublicKey, signer *KeyPair) (*Certificate, error) {
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, pub, signer)
	if err != nil {
		return nil, trace.Wrap(err, "signing certificate")
	}
	return ParseCertificate(der)
}
