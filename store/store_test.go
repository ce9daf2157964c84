package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/svalin-project/svalin/aead"
	"github.com/svalin-project/svalin/pki"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "svalin.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestRecordAgentJoinIsIdempotentAndListable(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	hash := pki.SpkiHash{0x01, 0x02}

	require.NoError(t, s.RecordAgentJoin(ctx, hash, "my-agent", time.Now()))
	require.NoError(t, s.RecordAgentJoin(ctx, hash, "my-agent", time.Now()))

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.Equal(t, hash, agents[0].Hash)
	require.Equal(t, "my-agent", agents[0].Name)
}

func TestJoinTokenConsumeOnce(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.CreateJoinToken(ctx, "tok-1", now.Add(time.Hour)))

	ok, err := s.ConsumeJoinToken(ctx, "tok-1", now)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.ConsumeJoinToken(ctx, "tok-1", now)
	require.NoError(t, err)
	require.False(t, ok, "a token must not be consumable twice")
}

func TestJoinTokenExpiry(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, s.CreateJoinToken(ctx, "tok-2", now.Add(-time.Minute)))

	ok, err := s.ConsumeJoinToken(ctx, "tok-2", now)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestJoinTokenUnknown(t *testing.T) {
	s := openTestStore(t)
	ok, err := s.ConsumeJoinToken(context.Background(), "never-issued", time.Now())
	require.NoError(t, err)
	require.False(t, ok)
}

func TestUpsertUserAndPakeDatabaseAdapter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	params, err := aead.DefaultArgon2Params()
	require.NoError(t, err)
	key := params.DeriveKey([]byte("hunter2"))

	require.NoError(t, s.UpsertUser(ctx, "alice", params, key))

	db := PakeDatabase{Store: s, Ctx: ctx}
	entry, ok := db.Lookup("alice")
	require.True(t, ok)
	require.Equal(t, key, entry.VerifierKey)

	_, ok = db.Lookup("nobody")
	require.False(t, ok)

	// Upsert replaces rather than duplicating.
	params2, err := aead.DefaultArgon2Params()
	require.NoError(t, err)
	key2 := params2.DeriveKey([]byte("newpassword"))
	require.NoError(t, s.UpsertUser(ctx, "alice", params2, key2))

	entry, ok = db.Lookup("alice")
	require.True(t, ok)
	require.Equal(t, key2, entry.VerifierKey)
}

func TestTOTPVerifierAdapter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	params, err := aead.DefaultArgon2Params()
	require.NoError(t, err)
	require.NoError(t, s.UpsertUser(ctx, "alice", params, params.DeriveKey([]byte("pw"))))

	verifier := PakeTOTPVerifier{Store: s, Ctx: ctx}
	_, ok := verifier.Secret("alice")
	require.False(t, ok, "no TOTP secret enrolled yet")

	require.NoError(t, s.SetTOTPSecret(ctx, "alice", "JBSWY3DPEHPK3PXP"))

	secret, ok := verifier.Secret("alice")
	require.True(t, ok)
	require.Equal(t, "JBSWY3DPEHPK3PXP", secret)
}
