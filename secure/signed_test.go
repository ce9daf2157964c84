package secure

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/svalin-project/svalin/pki"
)

type joinGrant struct {
	Token string `cbor:"token"`
	Scope string `cbor:"scope"`
}

func TestSignedObjectRoundTrip(t *testing.T) {
	now := time.Now()
	rootKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	rootCert, err := pki.GenerateRoot(rootKP, now)
	require.NoError(t, err)
	rootCred, err := pki.NewCredential(rootKP, rootCert)
	require.NoError(t, err)

	signed, err := NewSignedObject(joinGrant{Token: "abc123", Scope: "agent"}, rootCred)
	require.NoError(t, err)

	verifier := pki.NewExactVerifier(rootCert)
	verified, err := signed.Verify(context.Background(), verifier, now)
	require.NoError(t, err)
	require.Equal(t, joinGrant{Token: "abc123", Scope: "agent"}, verified.Unpack())
	require.True(t, verified.SignedBy().Equal(rootCert))
}

func TestSignedObjectRejectsTamperedPayload(t *testing.T) {
	now := time.Now()
	rootKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	rootCert, err := pki.GenerateRoot(rootKP, now)
	require.NoError(t, err)
	rootCred, err := pki.NewCredential(rootKP, rootCert)
	require.NoError(t, err)

	signed, err := NewSignedObject(joinGrant{Token: "abc123", Scope: "agent"}, rootCred)
	require.NoError(t, err)
	signed.Payload[0] ^= 0xFF

	verifier := pki.NewExactVerifier(rootCert)
	_, err = signed.Verify(context.Background(), verifier, now)
	require.Error(t, err)
}

func TestSignedObjectRejectsTamperedSignerHash(t *testing.T) {
	now := time.Now()
	rootKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	rootCert, err := pki.GenerateRoot(rootKP, now)
	require.NoError(t, err)
	rootCred, err := pki.NewCredential(rootKP, rootCert)
	require.NoError(t, err)

	otherKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	otherCert, err := pki.GenerateRoot(otherKP, now)
	require.NoError(t, err)

	signed, err := NewSignedObject(joinGrant{Token: "abc123"}, rootCred)
	require.NoError(t, err)
	signed.Signer = otherCert.SpkiHash()

	verifier := pki.NewExactVerifier(otherCert)
	_, err = signed.Verify(context.Background(), verifier, now)
	require.Error(t, err)
}

func TestSignedObjectRejectsExpiredSigner(t *testing.T) {
	past := time.Now().Add(-400 * 24 * time.Hour)
	rootKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	rootCert, err := pki.GenerateRoot(rootKP, past)
	require.NoError(t, err)
	rootCred, err := pki.NewCredential(rootKP, rootCert)
	require.NoError(t, err)

	agentKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	agentCert, err := pki.CreateAgentCertificateFor(agentKP.PublicKey(), rootCred, past)
	require.NoError(t, err)
	agentCred, err := pki.NewCredential(agentKP, agentCert)
	require.NoError(t, err)

	signed, err := NewSignedObject(joinGrant{Token: "abc123"}, agentCred)
	require.NoError(t, err)

	verifier := pki.NewExactVerifier(agentCert)
	_, err = signed.Verify(context.Background(), verifier, time.Now())
	require.Error(t, err)
}
