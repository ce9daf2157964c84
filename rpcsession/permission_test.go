package rpcsession

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/svalin-project/svalin/pki"
)

func mustCert(t *testing.T, certType pki.CertificateType, issuer *pki.Credential) (*pki.Certificate, *pki.Credential) {
	t.Helper()
	kp, err := pki.GenerateKeyPair()
	require.NoError(t, err)

	now := time.Now()
	var cert *pki.Certificate
	switch certType {
	case pki.CertificateTypeAgent:
		cert, err = pki.CreateAgentCertificateFor(kp.PublicKey(), issuer, now)
	case pki.CertificateTypeUser:
		cert, err = pki.CreateUserCertificateFor(kp.PublicKey(), issuer, now)
	case pki.CertificateTypeUserDevice:
		cert, err = pki.CreateUserDeviceCertificateFor(kp.PublicKey(), issuer, now)
	default:
		t.Fatalf("unsupported cert type in test helper: %v", certType)
	}
	require.NoError(t, err)
	cred, err := pki.NewCredential(kp, cert)
	require.NoError(t, err)
	return cert, cred
}

func TestDefaultPermissionHandlerAnonymousPeer(t *testing.T) {
	h := &DefaultPermissionHandler{}
	anon := AnonymousPeer()

	require.NoError(t, h.May(anon, PermissionPrecursor{Permission: PermissionAnonymousOnly}))
	require.NoError(t, h.May(anon, PermissionPrecursor{Permission: PermissionViewPublicInformation}))
	require.Error(t, h.May(anon, PermissionPrecursor{Permission: PermissionAuthenticatedOnly}))
	require.Error(t, h.May(anon, PermissionPrecursor{Permission: PermissionUserOrSession}))
}

func TestDefaultPermissionHandlerUserOrSession(t *testing.T) {
	rootKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	rootCert, err := pki.GenerateRoot(rootKP, time.Now())
	require.NoError(t, err)
	rootCred, err := pki.NewCredential(rootKP, rootCert)
	require.NoError(t, err)

	h := &DefaultPermissionHandler{RootSpki: rootCert.SpkiHash()}

	userCert, userCred := mustCert(t, pki.CertificateTypeUser, rootCred)
	require.NoError(t, h.May(CertificatePeer(userCert), PermissionPrecursor{Permission: PermissionUserOrSession}))

	deviceCert, _ := mustCert(t, pki.CertificateTypeUserDevice, userCred)
	require.NoError(t, h.May(CertificatePeer(deviceCert), PermissionPrecursor{Permission: PermissionUserOrSession}))

	agentCert, _ := mustCert(t, pki.CertificateTypeAgent, rootCred)
	require.Error(t, h.May(CertificatePeer(agentCert), PermissionPrecursor{Permission: PermissionUserOrSession}))
}

func TestDefaultPermissionHandlerRootOnlyIsDirectIssuerOnly(t *testing.T) {
	rootKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	rootCert, err := pki.GenerateRoot(rootKP, time.Now())
	require.NoError(t, err)
	rootCred, err := pki.NewCredential(rootKP, rootCert)
	require.NoError(t, err)

	h := &DefaultPermissionHandler{RootSpki: rootCert.SpkiHash()}

	agentCert, _ := mustCert(t, pki.CertificateTypeAgent, rootCred)
	require.NoError(t, h.May(CertificatePeer(agentCert), PermissionPrecursor{Permission: PermissionRootOnlyPlaceholder}))

	userCert, userCred := mustCert(t, pki.CertificateTypeUser, rootCred)
	require.NoError(t, h.May(CertificatePeer(userCert), PermissionPrecursor{Permission: PermissionRootOnlyPlaceholder}))

	// A user-device certificate is issued by the user, not the root
	// directly, so the direct-issuer check excludes it.
	deviceCert, _ := mustCert(t, pki.CertificateTypeUserDevice, userCred)
	require.Error(t, h.May(CertificatePeer(deviceCert), PermissionPrecursor{Permission: PermissionRootOnlyPlaceholder}))
}

func TestAllowAllPermissionHandlerAdmitsAnything(t *testing.T) {
	h := AllowAllPermissionHandler{}
	require.NoError(t, h.May(AnonymousPeer(), PermissionPrecursor{Permission: PermissionRootOnlyPlaceholder}))
}

func TestWhitelistPermissionHandler(t *testing.T) {
	rootKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	rootCert, err := pki.GenerateRoot(rootKP, time.Now())
	require.NoError(t, err)
	rootCred, err := pki.NewCredential(rootKP, rootCert)
	require.NoError(t, err)

	allowedCert, _ := mustCert(t, pki.CertificateTypeAgent, rootCred)
	otherCert, _ := mustCert(t, pki.CertificateTypeAgent, rootCred)

	h := NewWhitelistPermissionHandler(pki.NewWhitelist(allowedCert.SpkiHash()))
	require.NoError(t, h.May(CertificatePeer(allowedCert), PermissionPrecursor{Permission: PermissionAuthenticatedOnly}))
	require.Error(t, h.May(CertificatePeer(otherCert), PermissionPrecursor{Permission: PermissionAuthenticatedOnly}))
	require.Error(t, h.May(AnonymousPeer(), PermissionPrecursor{Permission: PermissionAuthenticatedOnly}))
}
