package pake

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/require"

	"github.com/svalin-project/svalin/rpcsession"
)

func pipeSessions() (client, server *rpcsession.Session) {
	c, s := net.Pipe()
	return rpcsession.New(c, rpcsession.AnonymousPeer()), rpcsession.New(s, rpcsession.AnonymousPeer())
}

func TestLoginRoundTripNoTOTP(t *testing.T) {
	db := NewMapDatabase()
	require.NoError(t, db.Register("alice", []byte("correct horse battery staple")))

	client, server := pipeSessions()

	type serverResult struct {
		psk      []byte
		username string
		err      error
	}
	serverDone := make(chan serverResult, 1)
	go func() {
		psk, username, err := Login(context.Background(), server, ServerConfig{DB: db, ServerSecret: []byte("server-secret")})
		serverDone <- serverResult{psk, username, err}
	}()

	clientPSK, err := ClientLogin(context.Background(), client, "alice", []byte("correct horse battery staple"), nil)
	require.NoError(t, err)

	select {
	case res := <-serverDone:
		require.NoError(t, res.err)
		require.Equal(t, "alice", res.username)
		require.Equal(t, res.psk, clientPSK)
	case <-time.After(2 * time.Second):
		t.Fatal("server side of login did not complete")
	}
}

func TestLoginRejectsWrongPassword(t *testing.T) {
	db := NewMapDatabase()
	require.NoError(t, db.Register("alice", []byte("correct horse battery staple")))

	client, server := pipeSessions()

	serverErr := make(chan error, 1)
	go func() {
		_, _, err := Login(context.Background(), server, ServerConfig{DB: db, ServerSecret: []byte("server-secret")})
		serverErr <- err
	}()

	_, err := ClientLogin(context.Background(), client, "alice", []byte("wrong password"), nil)
	require.Error(t, err)
	<-serverErr
}

func TestLoginRejectsUnknownUsernameIndistinguishably(t *testing.T) {
	db := NewMapDatabase()
	require.NoError(t, db.Register("alice", []byte("correct horse battery staple")))

	client, server := pipeSessions()

	serverErr := make(chan error, 1)
	go func() {
		_, _, err := Login(context.Background(), server, ServerConfig{DB: db, ServerSecret: []byte("server-secret")})
		serverErr <- err
	}()

	_, err := ClientLogin(context.Background(), client, "nobody", []byte("irrelevant"), nil)
	require.Error(t, err)
	<-serverErr
}

type staticTOTP struct{ secret string }

func (s staticTOTP) Secret(username string) (string, bool) { return s.secret, true }

func TestLoginRequiresTOTPWhenEnrolled(t *testing.T) {
	db := NewMapDatabase()
	require.NoError(t, db.Register("alice", []byte("correct horse battery staple")))
	secret := "JBSWY3DPEHPK3PXP"

	client, server := pipeSessions()

	type serverResult struct {
		psk []byte
		err error
	}
	serverDone := make(chan serverResult, 1)
	go func() {
		psk, _, err := Login(context.Background(), server, ServerConfig{
			DB:           db,
			ServerSecret: []byte("server-secret"),
			TOTP:         staticTOTP{secret: secret},
		})
		serverDone <- serverResult{psk, err}
	}()

	provider := func() (string, error) { return totp.GenerateCode(secret, time.Now()) }
	clientPSK, err := ClientLogin(context.Background(), client, "alice", []byte("correct horse battery staple"), provider)
	require.NoError(t, err)

	res := <-serverDone
	require.NoError(t, res.err)
	require.Equal(t, res.psk, clientPSK)
}

func TestLoginRejectsMissingTOTPProvider(t *testing.T) {
	db := NewMapDatabase()
	require.NoError(t, db.Register("alice", []byte("correct horse battery staple")))
	secret := "JBSWY3DPEHPK3PXP"

	client, server := pipeSessions()

	go Login(context.Background(), server, ServerConfig{
		DB:           db,
		ServerSecret: []byte("server-secret"),
		TOTP:         staticTOTP{secret: secret},
	})

	_, err := ClientLogin(context.Background(), client, "alice", []byte("correct horse battery staple"), nil)
	require.Error(t, err)
}
