package pake

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/svalin-project/svalin/rpcsession"
)

// TOTPProvider supplies the current six-digit code when the server
// requests a second factor.
type TOTPProvider func() (string, error)

// ClientLogin runs the client side of the exchange over s. Like Login,
// this performs Argon2id and should be driven from a dedicated worker
// goroutine rather than inline (spec.md §5).
func ClientLogin(ctx context.Context, s *rpcsession.Session, username string, password []byte, totpProvider TOTPProvider) ([]byte, error) {
	if err := s.WriteObject(ClientInit{Username: username}); err != nil {
		return nil, trace.Wrap(err, "writing PAKE client init")
	}

	var augmentation ServerAugmentation
	if err := s.ReadObject(&augmentation); err != nil {
		return nil, trace.Wrap(err, "reading PAKE server augmentation")
	}

	params := augmentation.Argon2
	params.Salt = augmentation.Salt
	passwordKey := params.DeriveKey(password)

	// The server picks the session id and sends it explicitly alongside
	// the augmentation message, so both sides derive the same generator
	// from the same ssid before either computes its ephemeral pair.
	ssid := augmentation.SSID[:]

	generator, err := deriveGenerator(passwordKey, ssid)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	scalar, clientPub, err := ephemeral(generator)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	if err := s.WriteObject(CPaceMessage{Public: clientPub}); err != nil {
		return nil, trace.Wrap(err, "writing PAKE client public value")
	}
	var serverMsg CPaceMessage
	if err := s.ReadObject(&serverMsg); err != nil {
		return nil, trace.Wrap(err, "reading PAKE server public value")
	}

	secret, err := sharedSecret(scalar, serverMsg.Public, ssid, clientPub, serverMsg.Public)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	clientAuth := Authenticator{MAC: mac(secret[32:], clientMACInfo, clientPub[:], serverMsg.Public[:])}
	if err := s.WriteObject(clientAuth); err != nil {
		return nil, trace.Wrap(err, "writing PAKE client authenticator")
	}

	var serverAuth Authenticator
	if err := s.ReadObject(&serverAuth); err != nil {
		return nil, trace.Wrap(err, "reading PAKE server authenticator")
	}
	wantServer := mac(secret[32:], serverMACInfo, serverMsg.Public[:], clientPub[:])
	if err := checkMAC(serverAuth.MAC, wantServer); err != nil {
		return nil, trace.Wrap(err)
	}

	var totpRequired TOTPRequired
	if err := s.ReadObject(&totpRequired); err != nil {
		return nil, trace.Wrap(err, "reading TOTP requirement")
	}
	if totpRequired.Required {
		if err := handleOptionalTOTP(s, totpProvider); err != nil {
			return nil, trace.Wrap(err)
		}
	}

	var result Result
	if err := s.ReadObject(&result); err != nil {
		return nil, trace.Wrap(err, "reading PAKE result")
	}
	if !result.OK {
		return nil, trace.AccessDenied("login rejected")
	}

	return PSK(secret), nil
}

func handleOptionalTOTP(s *rpcsession.Session, provider TOTPProvider) error {
	if provider == nil {
		return trace.BadParameter("server requires a TOTP code but no TOTPProvider was configured")
	}
	var challenge TOTPChallenge
	if err := s.ReadObject(&challenge); err != nil {
		return trace.Wrap(err, "reading TOTP challenge")
	}
	code, err := provider()
	if err != nil {
		return trace.Wrap(err, "obtaining TOTP code")
	}
	return trace.Wrap(s.WriteObject(TOTPResponse{Code: code}))
}
