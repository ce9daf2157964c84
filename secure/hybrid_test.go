package secure

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/curve25519"

	"github.com/svalin-project/svalin/pki"
)

func genX25519(t *testing.T) (priv, pub [32]byte) {
	t.Helper()
	_, err := rand.Read(priv[:])
	require.NoError(t, err)
	pubSlice, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	require.NoError(t, err)
	copy(pub[:], pubSlice)
	return priv, pub
}

func TestHybridEncryptRoundTripMultipleRecipients(t *testing.T) {
	aliceHash := pki.SpkiHash{0x01}
	bobHash := pki.SpkiHash{0x02}
	alicePriv, alicePub := genX25519(t)
	bobPriv, bobPub := genX25519(t)

	obj, err := EncryptHybrid(devicePayload{Label: "shared secret"}, []Recipient{
		{Hash: aliceHash, PublicKey: alicePub},
		{Hash: bobHash, PublicKey: bobPub},
	})
	require.NoError(t, err)
	require.Len(t, obj.Recipients, 2)

	got, err := DecryptHybrid(obj, aliceHash, alicePriv)
	require.NoError(t, err)
	require.Equal(t, devicePayload{Label: "shared secret"}, got)

	got, err = DecryptHybrid(obj, bobHash, bobPriv)
	require.NoError(t, err)
	require.Equal(t, devicePayload{Label: "shared secret"}, got)
}

func TestHybridDecryptRejectsUnknownRecipient(t *testing.T) {
	aliceHash := pki.SpkiHash{0x01}
	_, alicePub := genX25519(t)

	obj, err := EncryptHybrid(devicePayload{Label: "x"}, []Recipient{
		{Hash: aliceHash, PublicKey: alicePub},
	})
	require.NoError(t, err)

	otherHash := pki.SpkiHash{0x09}
	otherPriv, _ := genX25519(t)
	_, err = DecryptHybrid(obj, otherHash, otherPriv)
	require.Error(t, err)
}

func TestEncryptHybridRequiresRecipients(t *testing.T) {
	_, err := EncryptHybrid(devicePayload{Label: "x"}, nil)
	require.Error(t, err)
}
