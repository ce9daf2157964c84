package join

import (
	"context"
	"net"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/svalin-project/svalin/internal/trust"
	"github.com/svalin-project/svalin/pki"
	"github.com/svalin-project/svalin/rpcsession"
)

type fakeTokens struct {
	mu     sync.Mutex
	tokens map[string]time.Time
	used   map[string]bool
}

func newFakeTokens() *fakeTokens {
	return &fakeTokens{tokens: map[string]time.Time{}, used: map[string]bool{}}
}

func (f *fakeTokens) issue(token string, expiresAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token] = expiresAt
}

func (f *fakeTokens) ConsumeJoinToken(_ context.Context, token string, now time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	expiresAt, ok := f.tokens[token]
	if !ok || f.used[token] || now.After(expiresAt) {
		return false, nil
	}
	f.used[token] = true
	return true, nil
}

type joinedAgent struct {
	hash pki.SpkiHash
	name string
}

type fakeAgents struct {
	mu     sync.Mutex
	joined []joinedAgent
}

func (f *fakeAgents) RecordAgentJoin(_ context.Context, hash pki.SpkiHash, name string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joined = append(f.joined, joinedAgent{hash: hash, name: name})
	return nil
}

func setup(t *testing.T) (*Handler, *fakeTokens, *fakeAgents, *pki.Certificate) {
	t.Helper()
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

	trustStore, err := trust.Open(filepath.Join(t.TempDir(), "trust.json"), rootCert)
	require.NoError(t, err)

	tokens := newFakeTokens()
	agents := &fakeAgents{}
	h := &Handler{
		Tokens:     tokens,
		Agents:     agents,
		Trust:      trustStore,
		Root:       rootCred,
		ServerCert: serverCert,
		Clock:      clockwork.NewFakeClockAt(now),
	}
	return h, tokens, agents, rootCert
}

func pipeSessions() (client, server *rpcsession.Session) {
	c, s := net.Pipe()
	return rpcsession.New(c, rpcsession.AnonymousPeer()), rpcsession.New(s, rpcsession.AnonymousPeer())
}

func TestJoinRoundTrip(t *testing.T) {
	h, tokens, agents, rootCert := setup(t)
	tokens.issue("tok-1", time.Now().Add(time.Hour))

	client, server := pipeSessions()
	collection := rpcsession.NewHandlerCollection(rpcsession.AllowAllPermissionHandler{})
	collection.Register(h)

	go collection.HandleSession(context.Background(), server)

	agentKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)

	cred, root, serverCert, err := Request(client, "tok-1", agentKP, "test-agent")
	require.NoError(t, err)
	require.True(t, root.Equal(rootCert))
	require.Equal(t, pki.CertificateTypeServer, serverCert.Type())
	require.Equal(t, pki.CertificateTypeAgent, cred.Certificate().Type())
	require.Equal(t, rootCert.SpkiHash(), cred.Certificate().IssuerSpkiHash())

	require.Len(t, agents.joined, 1)
	require.Equal(t, cred.Certificate().SpkiHash(), agents.joined[0].hash)
	require.Equal(t, "test-agent", agents.joined[0].name)
}

func TestJoinRejectsReusedToken(t *testing.T) {
	h, tokens, _, _ := setup(t)
	tokens.issue("tok-2", time.Now().Add(time.Hour))

	agentKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)

	collection := rpcsession.NewHandlerCollection(rpcsession.AllowAllPermissionHandler{})
	collection.Register(h)

	client1, server1 := pipeSessions()
	go collection.HandleSession(context.Background(), server1)
	_, _, _, err = Request(client1, "tok-2", agentKP, "test-agent")
	require.NoError(t, err)

	client2, server2 := pipeSessions()
	go collection.HandleSession(context.Background(), server2)
	_, _, _, err = Request(client2, "tok-2", agentKP, "test-agent")
	require.Error(t, err)
}

func TestJoinRejectsExpiredToken(t *testing.T) {
	h, tokens, _, _ := setup(t)
	tokens.issue("tok-3", time.Now().Add(-time.Minute))

	agentKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)

	collection := rpcsession.NewHandlerCollection(rpcsession.AllowAllPermissionHandler{})
	collection.Register(h)

	client, server := pipeSessions()
	go collection.HandleSession(context.Background(), server)
	_, _, _, err = Request(client, "tok-3", agentKP, "test-agent")
	require.Error(t, err)
}
