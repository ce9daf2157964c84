package store

import (
	"context"

	"github.com/svalin-project/svalin/pake"
)

// PakeDatabase adapts Store to pake.Database, bound to a fixed context
// since pake.Database's Lookup predates context plumbing in that
// package's call sites (it runs from inside the synchronous PAKE
// exchange, which already has its own ctx at a higher level).
type PakeDatabase struct {
	Store *Store
	Ctx   context.Context
}

// Lookup implements pake.Database.
func (d PakeDatabase) Lookup(username string) (pake.Entry, bool) {
	entry, ok, err := d.Store.lookupUser(d.Ctx, username)
	if err != nil || !ok {
		return pake.Entry{}, false
	}
	return pake.Entry{Argon2: entry.argon2, VerifierKey: entry.verifierKey}, true
}

// PakeTOTPVerifier adapts Store to pake.TOTPVerifier.
type PakeTOTPVerifier struct {
	Store *Store
	Ctx   context.Context
}

// Secret implements pake.TOTPVerifier.
func (v PakeTOTPVerifier) Secret(username string) (string, bool) {
	entry, ok, err := v.Store.lookupUser(v.Ctx, username)
	if err != nil || !ok || !entry.hasTOTP {
		return "", false
	}
	return entry.totpSecret, true
}
