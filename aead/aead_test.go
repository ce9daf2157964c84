package aead

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptWithKeyRoundTrip(t *testing.T) {
	for _, alg := range []Algorithm{AlgorithmChaCha20Poly1305, AlgorithmAES256GCM} {
		key := make([]byte, KeySize)
		for i := range key {
			key[i] = byte(i)
		}
		plaintext := []byte("agent certificate request payload")
		aad := []byte("join-token-context")

		data, err := EncryptWithKey(alg, key, plaintext, aad)
		require.NoError(t, err)
		require.NotEqual(t, plaintext, data.Ciphertext)

		got, err := data.Decrypt(key, aad)
		require.NoError(t, err)
		require.Equal(t, plaintext, got)
	}
}

func TestDecryptRejectsWrongAAD(t *testing.T) {
	key := make([]byte, KeySize)
	data, err := EncryptWithKey(AlgorithmChaCha20Poly1305, key, []byte("secret"), []byte("aad-a"))
	require.NoError(t, err)

	_, err = data.Decrypt(key, []byte("aad-b"))
	require.Error(t, err)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	key := make([]byte, KeySize)
	other := make([]byte, KeySize)
	other[0] = 1

	data, err := EncryptWithKey(AlgorithmChaCha20Poly1305, key, []byte("secret"), nil)
	require.NoError(t, err)

	_, err = data.Decrypt(other, nil)
	require.Error(t, err)
}

func TestEncryptWithPasswordRoundTrip(t *testing.T) {
	password := []byte("correct horse battery staple")
	data, err := EncryptWithPassword(AlgorithmChaCha20Poly1305, password, []byte("device key material"), nil)
	require.NoError(t, err)
	require.NotNil(t, data.Argon2)

	got, err := data.DecryptWithPassword(password, nil)
	require.NoError(t, err)
	require.Equal(t, []byte("device key material"), got)

	_, err = data.DecryptWithPassword([]byte("wrong password"), nil)
	require.Error(t, err)
}

func TestDecryptWithPasswordRequiresArgon2Params(t *testing.T) {
	key := make([]byte, KeySize)
	data, err := EncryptWithKey(AlgorithmChaCha20Poly1305, key, []byte("x"), nil)
	require.NoError(t, err)

	_, err = data.DecryptWithPassword([]byte("irrelevant"), nil)
	require.Error(t, err)
}

func TestNonceCounterIsMonotonic(t *testing.T) {
	c := &nonceCounter{}
	first := c.next(12)
	second := c.next(12)
	require.NotEqual(t, first, second)
}
