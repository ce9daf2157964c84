package tlsconn

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/svalin-project/svalin/pki"
)

func TestPSKHandshakeRoundTrip(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()
	psk := []byte("shared-secret-for-this-splice")

	type result struct {
		conn *Conn
		err  error
	}
	serverDone := make(chan result, 1)
	go func() {
		conn, err := Server(context.Background(), serverRaw, Config{PSK: psk})
		serverDone <- result{conn, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clientConn, err := Client(ctx, clientRaw, Config{PSK: psk})
	require.NoError(t, err)
	defer clientConn.Close()

	res := <-serverDone
	require.NoError(t, res.err)
	defer res.conn.Close()

	require.True(t, clientConn.Peer().IsAnonymous())
	require.True(t, res.conn.Peer().IsAnonymous())

	go clientConn.Write([]byte("ping"))
	buf := make([]byte, 4)
	_, err = res.conn.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "ping", string(buf))
}

func TestPSKHandshakeRejectsMismatchedSecret(t *testing.T) {
	clientRaw, serverRaw := net.Pipe()

	serverErr := make(chan error, 1)
	go func() {
		_, err := Server(context.Background(), serverRaw, Config{PSK: []byte("server-secret")})
		serverErr <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := Client(ctx, clientRaw, Config{PSK: []byte("different-secret")})
	require.Error(t, err)
	require.Error(t, <-serverErr)
}

func TestCredentialHandshakeRoundTrip(t *testing.T) {
	now := time.Now()
	rootKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	rootCert, err := pki.GenerateRoot(rootKP, now)
	require.NoError(t, err)
	rootCred, err := pki.NewCredential(rootKP, rootCert)
	require.NoError(t, err)

	serverKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	serverCert, err := pki.CreateServerCertificateFor(serverKP.PublicKey(), rootCred, now)
	require.NoError(t, err)
	serverCred, err := pki.NewCredential(serverKP, serverCert)
	require.NoError(t, err)

	agentKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	agentCert, err := pki.CreateAgentCertificateFor(agentKP.PublicKey(), rootCred, now)
	require.NoError(t, err)
	agentCred, err := pki.NewCredential(agentKP, agentCert)
	require.NoError(t, err)

	clientRaw, serverRaw := net.Pipe()

	type result struct {
		conn *Conn
		err  error
	}
	serverDone := make(chan result, 1)
	go func() {
		conn, err := Server(context.Background(), serverRaw, Config{
			Credential: serverCred,
			Verifier:   pki.NewExactVerifier(agentCert),
		})
		serverDone <- result{conn, err}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clientConn, err := Client(ctx, clientRaw, Config{
		Credential: agentCred,
		Verifier:   pki.NewExactVerifier(serverCert),
	})
	require.NoError(t, err)
	defer clientConn.Close()

	res := <-serverDone
	require.NoError(t, res.err)
	defer res.conn.Close()

	clientPeerCert, ok := clientConn.Peer().Certificate()
	require.True(t, ok)
	require.True(t, clientPeerCert.Equal(serverCert))

	serverPeerCert, ok := res.conn.Peer().Certificate()
	require.True(t, ok)
	require.True(t, serverPeerCert.Equal(agentCert))
}

func TestCredentialHandshakeRejectsUnexpectedPeer(t *testing.T) {
	now := time.Now()
	rootKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	rootCert, err := pki.GenerateRoot(rootKP, now)
	require.NoError(t, err)
	rootCred, err := pki.NewCredential(rootKP, rootCert)
	require.NoError(t, err)

	serverKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	serverCert, err := pki.CreateServerCertificateFor(serverKP.PublicKey(), rootCred, now)
	require.NoError(t, err)
	serverCred, err := pki.NewCredential(serverKP, serverCert)
	require.NoError(t, err)

	agentKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	agentCert, err := pki.CreateAgentCertificateFor(agentKP.PublicKey(), rootCred, now)
	require.NoError(t, err)
	agentCred, err := pki.NewCredential(agentKP, agentCert)
	require.NoError(t, err)

	otherKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	otherCert, err := pki.CreateAgentCertificateFor(otherKP.PublicKey(), rootCred, now)
	require.NoError(t, err)

	clientRaw, serverRaw := net.Pipe()

	serverErr := make(chan error, 1)
	go func() {
		// Server expects otherCert, but the client presents agentCred.
		_, err := Server(context.Background(), serverRaw, Config{
			Credential: serverCred,
			Verifier:   pki.NewExactVerifier(otherCert),
		})
		serverErr <- err
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = Client(ctx, clientRaw, Config{
		Credential: agentCred,
		Verifier:   pki.NewExactVerifier(serverCert),
	})
	require.Error(t, err)
	require.Error(t, <-serverErr)
}
