package pki

import (
	"testing"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

func TestCertificateHierarchyAndChainVerify(t *testing.T) {
	now := time.Now()
	clock := clockwork.NewFakeClockAt(now)

	rootKP, err := GenerateKeyPair()
	require.NoError(t, err)
	rootCert, err := GenerateRoot(rootKP, now)
	require.NoError(t, err)
	require.True(t, rootCert.IsSelfSigned())
	require.Equal(t, CertificateTypeRoot, rootCert.Type())

	rootCred, err := NewCredential(rootKP, rootCert)
	require.NoError(t, err)

	userKP, err := GenerateKeyPair()
	require.NoError(t, err)
	userCert, err := CreateUserCertificateFor(userKP.PublicKey(), rootCred, now)
	require.NoError(t, err)
	require.Equal(t, rootCert.SpkiHash(), userCert.IssuerSpkiHash())

	userCred, err := NewCredential(userKP, userCert)
	require.NoError(t, err)

	deviceKP, err := GenerateKeyPair()
	require.NoError(t, err)
	deviceCert, err := CreateUserDeviceCertificateFor(deviceKP.PublicKey(), userCred, now)
	require.NoError(t, err)
	require.Equal(t, userCert.SpkiHash(), deviceCert.IssuerSpkiHash())

	builder := NewCertificateChainBuilder(deviceCert)
	require.False(t, builder.Finished())
	require.NoError(t, builder.Push(userCert))
	require.False(t, builder.Finished())
	require.NoError(t, builder.Push(rootCert))
	require.True(t, builder.Finished())

	chain, err := builder.Build()
	require.NoError(t, err)
	require.NoError(t, chain.Verify(rootCert, clock))
}

func TestChainBuilderRejectsWrongParent(t *testing.T) {
	now := time.Now()

	rootKP, err := GenerateKeyPair()
	require.NoError(t, err)
	rootCert, err := GenerateRoot(rootKP, now)
	require.NoError(t, err)
	rootCred, err := NewCredential(rootKP, rootCert)
	require.NoError(t, err)

	agentKP, err := GenerateKeyPair()
	require.NoError(t, err)
	agentCert, err := CreateAgentCertificateFor(agentKP.PublicKey(), rootCred, now)
	require.NoError(t, err)

	otherKP, err := GenerateKeyPair()
	require.NoError(t, err)
	otherCert, err := GenerateRoot(otherKP, now)
	require.NoError(t, err)

	builder := NewCertificateChainBuilder(agentCert)
	err = builder.Push(otherCert)
	require.Error(t, err)
	require.True(t, trace.IsNotFound(err), "pushing an unrelated parent must report unknown issuer, got: %v", err)
}

func TestChainVerifyRejectsExpiredCertificate(t *testing.T) {
	past := time.Now().Add(-365 * 24 * time.Hour)

	rootKP, err := GenerateKeyPair()
	require.NoError(t, err)
	rootCert, err := GenerateRoot(rootKP, past)
	require.NoError(t, err)
	rootCred, err := NewCredential(rootKP, rootCert)
	require.NoError(t, err)

	agentKP, err := GenerateKeyPair()
	require.NoError(t, err)
	agentCert, err := CreateAgentCertificateFor(agentKP.PublicKey(), rootCred, past)
	require.NoError(t, err)

	builder := NewCertificateChainBuilder(agentCert)
	require.NoError(t, builder.Push(rootCert))
	chain, err := builder.Build()
	require.NoError(t, err)

	err = chain.Verify(rootCert, clockwork.NewFakeClockAt(time.Now()))
	require.Error(t, err)
}

func TestNewCredentialRejectsMismatchedKeyPair(t *testing.T) {
	now := time.Now()
	rootKP, err := GenerateKeyPair()
	require.NoError(t, err)
	rootCert, err := GenerateRoot(rootKP, now)
	require.NoError(t, err)

	otherKP, err := GenerateKeyPair()
	require.NoError(t, err)

	_, err = NewCredential(otherKP, rootCert)
	require.Error(t, err)
}
