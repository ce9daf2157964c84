// Package store implements the broker's persistent state (spec.md's
// supplemental storage requirement, left open by the distilled spec):
// which agents have ever joined, and the TOTP/PAKE augmentation data for
// user accounts, backed by SQLite through mattn/go-sqlite3 the way the
// teacher's dependency set anticipates for small, single-binary
// deployments.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gravitational/trace"

	"github.com/svalin-project/svalin/aead"
	"github.com/svalin-project/svalin/pki"
)

const schema = `
CREATE TABLE IF NOT EXISTS agents (
	spki_hash   TEXT PRIMARY KEY,
	name        TEXT NOT NULL DEFAULT '',
	joined_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS users (
	username      TEXT PRIMARY KEY,
	argon2_salt   BLOB NOT NULL,
	argon2_time   INTEGER NOT NULL,
	argon2_memory INTEGER NOT NULL,
	argon2_threads INTEGER NOT NULL,
	verifier_key  BLOB NOT NULL,
	totp_secret   TEXT
);

CREATE TABLE IF NOT EXISTS join_tokens (
	token       TEXT PRIMARY KEY,
	expires_at  INTEGER NOT NULL,
	used        INTEGER NOT NULL DEFAULT 0
);
`

// Store is the broker's SQLite-backed persistence layer.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, trace.Wrap(err, "opening store database %q", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, trace.Wrap(err, "applying store schema")
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return trace.Wrap(s.db.Close())
}

// AgentRecord is one joined agent as persisted by the broker: its
// identity, its self-reported name at join time (spec.md §3's
// PublicAgentData.name), and when it joined.
type AgentRecord struct {
	Hash     pki.SpkiHash
	Name     string
	JoinedAt time.Time
}

// RecordAgentJoin persists that an agent with the given identity and
// self-reported name has joined, idempotently.
func (s *Store) RecordAgentJoin(ctx context.Context, hash pki.SpkiHash, name string, joinedAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO agents (spki_hash, name, joined_at) VALUES (?, ?, ?)
		 ON CONFLICT(spki_hash) DO NOTHING`,
		hash.String(), name, joinedAt.Unix())
	return trace.Wrap(err, "recording agent join")
}

// ListAgents implements agentlist.Store.
func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT spki_hash, name, joined_at FROM agents`)
	if err != nil {
		return nil, trace.Wrap(err, "listing agents")
	}
	defer rows.Close()

	var out []AgentRecord
	for rows.Next() {
		var raw, name string
		var joinedAt int64
		if err := rows.Scan(&raw, &name, &joinedAt); err != nil {
			return nil, trace.Wrap(err, "scanning agent row")
		}
		hash, err := pki.ParseSpkiHash(raw)
		if err != nil {
			return nil, trace.Wrap(err, "parsing stored agent hash")
		}
		out = append(out, AgentRecord{Hash: hash, Name: name, JoinedAt: time.Unix(joinedAt, 0)})
	}
	return out, trace.Wrap(rows.Err())
}

// UpsertUser stores or replaces a user's PAKE augmentation data.
func (s *Store) UpsertUser(ctx context.Context, username string, params aead.Argon2Params, verifierKey []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (username, argon2_salt, argon2_time, argon2_memory, argon2_threads, verifier_key)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET
		   argon2_salt=excluded.argon2_salt,
		   argon2_time=excluded.argon2_time,
		   argon2_memory=excluded.argon2_memory,
		   argon2_threads=excluded.argon2_threads,
		   verifier_key=excluded.verifier_key`,
		username, params.Salt, params.Time, params.Memory, params.Threads, verifierKey)
	return trace.Wrap(err, "storing user")
}

// SetTOTPSecret enrolls or clears a user's second factor.
func (s *Store) SetTOTPSecret(ctx context.Context, username string, secret string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET totp_secret = ? WHERE username = ?`, secret, username)
	return trace.Wrap(err, "setting TOTP secret")
}

// CreateJoinToken records a freshly issued agent join token, usable once
// before expiresAt.
func (s *Store) CreateJoinToken(ctx context.Context, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO join_tokens (token, expires_at, used) VALUES (?, ?, 0)`,
		token, expiresAt.Unix())
	return trace.Wrap(err, "creating join token")
}

// ConsumeJoinToken atomically marks token used, returning false if it
// does not exist, has already been used, or is expired.
func (s *Store) ConsumeJoinToken(ctx context.Context, token string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE join_tokens SET used = 1 WHERE token = ? AND used = 0 AND expires_at >= ?`,
		token, now.Unix())
	if err != nil {
		return false, trace.Wrap(err, "consuming join token")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, trace.Wrap(err, "checking join token consumption")
	}
	return n == 1, nil
}

// userEntry mirrors pake.Entry, decoupling store from pake's package
// boundary (store is the lower layer; pake must not import it).
type userEntry struct {
	argon2      aead.Argon2Params
	verifierKey []byte
	totpSecret  string
	hasTOTP     bool
}

func (s *Store) lookupUser(ctx context.Context, username string) (userEntry, bool, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT argon2_salt, argon2_time, argon2_memory, argon2_threads, verifier_key, totp_secret
		 FROM users WHERE username = ?`, username)

	var e userEntry
	var totpSecret sql.NullString
	err := row.Scan(&e.argon2.Salt, &e.argon2.Time, &e.argon2.Memory, &e.argon2.Threads, &e.verifierKey, &totpSecret)
	if err == sql.ErrNoRows {
		return userEntry{}, false, nil
	}
	if err != nil {
		return userEntry{}, false, trace.Wrap(err, "looking up user")
	}
	if totpSecret.Valid {
		e.totpSecret = totpSecret.String
		e.hasTOTP = true
	}
	return e, true, nil
}
