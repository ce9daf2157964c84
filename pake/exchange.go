package pake

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"

	"github.com/gravitational/trace"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"github.com/svalin-project/svalin/aead"
)

// ssidLabel and the HKDF info strings below namespace every derivation so
// the PAKE's key material can never collide with a derivation made for a
// different purpose from the same inputs.
var (
	generatorInfo    = []byte("svalin-pake-generator-v1")
	sessionKeyInfo   = []byte("svalin-pake-session-key-v1")
	clientMACInfo    = []byte("svalin-pake-client-mac-v1")
	serverMACInfo    = []byte("svalin-pake-server-mac-v1")
)

// deriveGenerator computes the password- and session-bound CPace
// generator point: a fresh base point on Curve25519 no observer can
// predict without knowing the password, derived by using a password- and
// ssid-bound scalar to move off the standard base point.
func deriveGenerator(passwordKey []byte, ssid []byte) ([32]byte, error) {
	h := sha512.New()
	h.Write(passwordKey)
	h.Write(ssid)
	h.Write(generatorInfo)
	scalar := h.Sum(nil)[:32]

	var generator, basePoint [32]byte
	basePoint[0] = 9
	out, err := curve25519.X25519(scalar, basePoint[:])
	if err != nil {
		return generator, trace.Wrap(err, "deriving PAKE generator point")
	}
	copy(generator[:], out)
	return generator, nil
}

// ephemeral generates a fresh scalar and its public value over generator.
func ephemeral(generator [32]byte) (scalar []byte, public [32]byte, err error) {
	scalar = make([]byte, 32)
	if _, err = rand.Read(scalar); err != nil {
		return nil, public, trace.Wrap(err, "generating ephemeral PAKE scalar")
	}
	out, err := curve25519.X25519(scalar, generator[:])
	if err != nil {
		return nil, public, trace.Wrap(err, "computing ephemeral public value")
	}
	copy(public[:], out)
	return scalar, public, nil
}

// sharedSecret computes the CPace shared point and folds it, together
// with the full transcript, into a 64-byte secret: the first half is
// handed out as the session key (the PSK for package tlsconn), the
// second half is used only to key the mutual authenticators.
func sharedSecret(scalar []byte, peerPublic [32]byte, ssid []byte, clientPub, serverPub [32]byte) ([]byte, error) {
	shared, err := curve25519.X25519(scalar, peerPublic[:])
	if err != nil {
		return nil, trace.Wrap(err, "computing PAKE shared secret")
	}
	info := make([]byte, 0, len(sessionKeyInfo)+64)
	info = append(info, sessionKeyInfo...)
	info = append(info, clientPub[:]...)
	info = append(info, serverPub[:]...)
	kdf := hkdf.New(sha512.New, shared, ssid, info)
	out := make([]byte, 64)
	if _, err := kdf.Read(out); err != nil {
		return nil, trace.Wrap(err, "expanding PAKE shared secret")
	}
	return out, nil
}

func mac(key []byte, info []byte, transcript ...[]byte) []byte {
	m := hmac.New(sha512.New, key)
	m.Write(info)
	for _, part := range transcript {
		m.Write(part)
	}
	return m.Sum(nil)
}

// checkMAC compares a received authenticator in constant time, reporting
// a generic failure on mismatch (spec.md's Err(()) style: never reveal
// whether the password or the protocol state was wrong).
func checkMAC(got, want []byte) error {
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return trace.AccessDenied("PAKE authentication failed")
	}
	return nil
}

// PSK folds the 64-byte shared secret down to the 32-byte pre-shared key
// package tlsconn expects.
func PSK(secret []byte) []byte {
	return secret[:aead.KeySize]
}
