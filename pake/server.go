package pake

import (
	"context"
	"crypto/rand"

	"github.com/gravitational/trace"
	"github.com/pquerna/otp/totp"

	"github.com/svalin-project/svalin/rpcsession"
)

// TOTPVerifier checks a six-digit code for a username, the second factor
// layered on top of the PAKE exchange.
type TOTPVerifier interface {
	// Secret returns the TOTP secret for username, or false if the user
	// has not enrolled a second factor.
	Secret(username string) (string, bool)
}

// ServerConfig configures the server side of a login.
type ServerConfig struct {
	DB           Database
	ServerSecret []byte
	TOTP         TOTPVerifier
}

// Login runs the server side of the AuCPace-style exchange to completion
// over s, heavy cryptographic steps included; callers are expected to run
// Login on a dedicated worker goroutine pool rather than inline on a
// latency-sensitive path (spec.md §5).
func Login(ctx context.Context, s *rpcsession.Session, cfg ServerConfig) (psk []byte, username string, err error) {
	var init ClientInit
	if err := s.ReadObject(&init); err != nil {
		return nil, "", trace.Wrap(err, "reading PAKE client init")
	}
	username = init.Username

	entry := PseudoLookup(cfg.DB, cfg.ServerSecret, username)
	var ssid [32]byte
	if _, err := rand.Read(ssid[:]); err != nil {
		return nil, "", trace.Wrap(err, "generating PAKE session id")
	}

	augmentation := ServerAugmentation{Salt: entry.Argon2.Salt, Argon2: entry.Argon2, SSID: ssid}
	if err := s.WriteObject(augmentation); err != nil {
		return nil, "", trace.Wrap(err, "writing PAKE server augmentation")
	}

	generator, err := deriveGenerator(entry.VerifierKey, ssid[:])
	if err != nil {
		return nil, "", trace.Wrap(err)
	}
	scalar, serverPub, err := ephemeral(generator)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}

	var clientMsg CPaceMessage
	if err := s.ReadObject(&clientMsg); err != nil {
		return nil, "", trace.Wrap(err, "reading PAKE client public value")
	}
	if err := s.WriteObject(CPaceMessage{Public: serverPub}); err != nil {
		return nil, "", trace.Wrap(err, "writing PAKE server public value")
	}

	secret, err := sharedSecret(scalar, clientMsg.Public, ssid[:], clientMsg.Public, serverPub)
	if err != nil {
		return nil, "", trace.Wrap(err)
	}

	var clientAuth Authenticator
	if err := s.ReadObject(&clientAuth); err != nil {
		return nil, "", trace.Wrap(err, "reading PAKE client authenticator")
	}
	wantClient := mac(secret[32:], clientMACInfo, clientMsg.Public[:], serverPub[:])
	if err := checkMAC(clientAuth.MAC, wantClient); err != nil {
		return nil, "", trace.Wrap(err)
	}

	serverAuth := Authenticator{MAC: mac(secret[32:], serverMACInfo, serverPub[:], clientMsg.Public[:])}
	if err := s.WriteObject(serverAuth); err != nil {
		return nil, "", trace.Wrap(err, "writing PAKE server authenticator")
	}

	var secretKey string
	var needTOTP bool
	if cfg.TOTP != nil {
		secretKey, needTOTP = cfg.TOTP.Secret(username)
	}
	if err := s.WriteObject(TOTPRequired{Required: needTOTP}); err != nil {
		return nil, "", trace.Wrap(err, "writing TOTP requirement")
	}
	if needTOTP {
		if err := verifyTOTP(s, secretKey); err != nil {
			s.WriteObject(Result{OK: false})
			return nil, "", trace.Wrap(err)
		}
	}

	if err := s.WriteObject(Result{OK: true}); err != nil {
		return nil, "", trace.Wrap(err, "writing PAKE result")
	}

	return PSK(secret), username, nil
}

func verifyTOTP(s *rpcsession.Session, secretKey string) error {
	if err := s.WriteObject(TOTPChallenge{}); err != nil {
		return trace.Wrap(err, "writing TOTP challenge")
	}
	var resp TOTPResponse
	if err := s.ReadObject(&resp); err != nil {
		return trace.Wrap(err, "reading TOTP response")
	}
	if !totp.Validate(resp.Code, secretKey) {
		return trace.AccessDenied("invalid TOTP code")
	}
	return nil
}
