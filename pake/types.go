// Package pake implements the AuCPace-style password-authenticated key
// exchange of spec.md §4.E: an anonymous peer proves knowledge of a
// password without ever sending it, and both sides come away with a
// shared secret folded into the pre-shared key package tlsconn uses to
// authenticate the PSK transport mode. A TOTP second factor, grounded on
// the teacher's pquerna/otp dependency, is layered on top as the
// supplemental feature spec.md's distillation dropped.
package pake

import "github.com/svalin-project/svalin/aead"

// ClientInit is the first message: the username, sent in the clear. No
// password material crosses the wire at any point in this exchange.
type ClientInit struct {
	Username string `cbor:"username"`
}

// ServerAugmentation answers ClientInit with the KDF parameters the
// server holds for this username (or, for an unknown username, a
// deterministic fake set derived from a server secret, so observing
// traffic cannot distinguish a registered username from an unregistered
// one — spec.md's pseudo-database requirement), plus the session id that
// binds this particular exchange's CPace generator and transcript.
type ServerAugmentation struct {
	Salt   []byte            `cbor:"salt"`
	Argon2 aead.Argon2Params `cbor:"argon2"`
	SSID   [32]byte          `cbor:"ssid"`
}

// CPaceMessage carries one side's ephemeral public value over the
// password-derived generator point.
type CPaceMessage struct {
	Public [32]byte `cbor:"public"`
}

// Authenticator confirms both sides derived the same shared secret
// before either commits to it. A mismatch must produce a generic
// failure, never distinguishing "wrong password" from "wrong MAC"
// (spec.md's Err(()) style).
type Authenticator struct {
	MAC []byte `cbor:"mac"`
}

// TOTPRequired tells the client whether a second factor follows, sent
// right after the PAKE exchange's mutual authenticators have both
// checked out, so the client always knows which message comes next
// regardless of whether this particular account has a second factor
// enrolled.
type TOTPRequired struct {
	Required bool `cbor:"required"`
}

// TOTPChallenge requests the six-digit code from an authenticator app,
// sent only when TOTPRequired.Required was true.
type TOTPChallenge struct{}

// TOTPResponse carries the current code.
type TOTPResponse struct {
	Code string `cbor:"code"`
}

// Result is the final outcome written by the server: accept (and
// implicitly, the PSK is now live) or a generic decline.
type Result struct {
	OK bool `cbor:"ok"`
}
