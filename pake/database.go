package pake

import (
	"crypto/hmac"
	"crypto/sha256"

	"github.com/gravitational/trace"

	"github.com/svalin-project/svalin/aead"
)

// Entry is one user's stored augmentation data: the Argon2 parameters
// sent back to the client so it can re-derive the same password key, and
// that same key kept server-side as the login verifier. This is the
// "weak" augmentation variant: the server holds a password-equivalent
// value rather than an asymmetric verifier, a scope simplification noted
// in DESIGN.md.
type Entry struct {
	Argon2      aead.Argon2Params
	VerifierKey []byte
}

// Database resolves login augmentation data by username.
type Database interface {
	Lookup(username string) (Entry, bool)
}

// PseudoLookup returns real augmentation data for a known username and a
// deterministic, indistinguishable fake for an unknown one, so that
// observing the server's response never reveals whether a username is
// registered (spec.md §4.E).
func PseudoLookup(db Database, serverSecret []byte, username string) Entry {
	if entry, ok := db.Lookup(username); ok {
		return entry
	}
	return fakeEntry(serverSecret, username)
}

func fakeEntry(serverSecret []byte, username string) Entry {
	h := hmac.New(sha256.New, serverSecret)
	h.Write([]byte(username))
	digest := h.Sum(nil)
	params := aead.Argon2Params{Salt: digest[:16], Time: 3, Memory: 64 * 1024, Threads: 4}
	return Entry{Argon2: params, VerifierKey: digest}
}

// MapDatabase is a trivial in-memory Database, useful for tests and for
// small deployments backed by the sqlite-based store package at a higher
// layer.
type MapDatabase struct {
	entries map[string]Entry
}

// NewMapDatabase builds an empty MapDatabase.
func NewMapDatabase() *MapDatabase {
	return &MapDatabase{entries: make(map[string]Entry)}
}

// Register adds or replaces a user's augmentation entry, derived fresh
// from their password. The password is not retained.
func (m *MapDatabase) Register(username string, password []byte) error {
	params, err := aead.DefaultArgon2Params()
	if err != nil {
		return trace.Wrap(err)
	}
	m.entries[username] = Entry{Argon2: params, VerifierKey: params.DeriveKey(password)}
	return nil
}

// Lookup implements Database.
func (m *MapDatabase) Lookup(username string) (Entry, bool) {
	e, ok := m.entries[username]
	return e, ok
}
