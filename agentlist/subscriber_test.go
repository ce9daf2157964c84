package agentlist

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/svalin-project/svalin/pki"
	"github.com/svalin-project/svalin/rpcsession"
	"github.com/svalin-project/svalin/secure"
)

// pipeDialer hands out one end of a net.Pipe per OpenSession call and
// lets the test drive the other end as the broker side.
type pipeDialer struct {
	sessions chan *rpcsession.Session
}

func newPipeDialer() (*pipeDialer, <-chan *rpcsession.Session) {
	serverSessions := make(chan *rpcsession.Session, 4)
	return &pipeDialer{sessions: serverSessions}, serverSessions
}

func (d *pipeDialer) OpenSession(_ context.Context) (*rpcsession.Session, error) {
	client, server := net.Pipe()
	d.sessions <- rpcsession.New(server, rpcsession.AnonymousPeer())
	return rpcsession.New(client, rpcsession.AnonymousPeer()), nil
}

func acceptAgentListRequest(t *testing.T, server *rpcsession.Session) {
	t.Helper()
	var reqHeader rpcsession.RequestHeader
	require.NoError(t, server.ReadObject(&reqHeader))
	require.Equal(t, Key, reqHeader.CommandKey)
	require.NoError(t, server.WriteObject(rpcsession.AcceptResponse()))
}

func waitChanged(t *testing.T, sub *Subscriber, what string) {
	t.Helper()
	select {
	case <-sub.Changed():
	case <-time.After(2 * time.Second):
		t.Fatalf("no %s observed", what)
	}
}

// testRoot builds a root credential and a single agent certificate
// signed under it, for constructing realistic AgentListItemTransport
// values in tests.
func testRoot(t *testing.T) (root *pki.Credential, agentCert *pki.Certificate) {
	t.Helper()
	now := time.Now()
	rootKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	rootCert, err := pki.GenerateRoot(rootKP, now)
	require.NoError(t, err)
	rootCred, err := pki.NewCredential(rootKP, rootCert)
	require.NoError(t, err)

	agentKP, err := pki.GenerateKeyPair()
	require.NoError(t, err)
	cert, err := pki.CreateAgentCertificateFor(agentKP.PublicKey(), rootCred, now)
	require.NoError(t, err)

	return rootCred, cert
}

func signedItem(t *testing.T, root *pki.Credential, name string, cert *pki.Certificate, online bool) AgentListItemTransport {
	t.Helper()
	signed, err := secure.NewSignedObject(PublicAgentData{Name: name, Certificate: cert.DER()}, root)
	require.NoError(t, err)
	return AgentListItemTransport{PublicData: signed, Online: online}
}

func TestSubscriberAppliesSnapshotThenUpdates(t *testing.T) {
	root, agentCert := testRoot(t)

	dialer, serverSessions := newPipeDialer()
	sub := NewSubscriber(dialer, root.Certificate())

	go func() {
		server := <-serverSessions
		acceptAgentListRequest(t, server)

		item := signedItem(t, root, "agent-a", agentCert, false)
		require.NoError(t, server.WriteObject(Snapshot{Agents: []AgentListItemTransport{item}}))
		require.NoError(t, server.WriteObject(Update{Item: signedItem(t, root, "agent-a", agentCert, true)}))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub.Run(ctx)
	defer sub.Stop()

	waitChanged(t, sub, "snapshot")
	waitChanged(t, sub, "update")

	devices := sub.Devices()
	require.Len(t, devices, 1)
	require.Equal(t, "agent-a", devices[0].Name)
	require.Equal(t, agentCert.SpkiHash(), devices[0].Hash)
	require.True(t, devices[0].Online)
}

func TestSubscriberDiscardsTamperedItem(t *testing.T) {
	root, agentCert := testRoot(t)
	otherRoot, _ := testRoot(t)

	dialer, serverSessions := newPipeDialer()
	sub := NewSubscriber(dialer, root.Certificate())

	go func() {
		server := <-serverSessions
		acceptAgentListRequest(t, server)

		// Signed by a different root entirely: the client's verifier
		// must reject it outright rather than trust whatever arrives.
		forged := signedItem(t, otherRoot, "attacker-controlled", agentCert, true)
		require.NoError(t, server.WriteObject(Snapshot{Agents: []AgentListItemTransport{forged}}))
		require.NoError(t, server.WriteObject(Update{Item: signedItem(t, root, "agent-a", agentCert, true)}))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub.Run(ctx)
	defer sub.Stop()

	// The forged snapshot item is discarded, leaving the view empty;
	// the legitimately signed update that follows is the first thing
	// that actually produces a visible device.
	waitChanged(t, sub, "update")

	devices := sub.Devices()
	require.Len(t, devices, 1)
	require.Equal(t, "agent-a", devices[0].Name)
}

func TestSubscriberSeedIsReplacedBySnapshot(t *testing.T) {
	_, agentCert := testRoot(t)
	root, _ := testRoot(t)

	dialer, serverSessions := newPipeDialer()
	sub := NewSubscriber(dialer, root.Certificate())

	cachedHash := agentCert.SpkiHash()
	sub.Seed([]Device{{Hash: cachedHash, Name: "cached-agent", Online: true}})

	devices := sub.Devices()
	require.Len(t, devices, 1)
	require.False(t, devices[0].Online, "seeded entries start offline until confirmed live")

	go func() {
		server := <-serverSessions
		acceptAgentListRequest(t, server)
		require.NoError(t, server.WriteObject(Snapshot{Agents: nil}))
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub.Run(ctx)
	defer sub.Stop()

	waitChanged(t, sub, "snapshot")

	require.Empty(t, sub.Devices(), "a real snapshot replaces the seeded view even if empty")
}

func TestSubscriberSeedNoopOnceSnapshotApplied(t *testing.T) {
	root, agentCert := testRoot(t)
	sub := NewSubscriber(nil, root.Certificate())

	item := signedItem(t, root, "agent-a", agentCert, false)
	sub.applySnapshot(context.Background(), Snapshot{Agents: []AgentListItemTransport{item}})

	sub.Seed([]Device{{Hash: pki.SpkiHash{0x02}}})
	devices := sub.Devices()
	require.Len(t, devices, 1)
	require.Equal(t, agentCert.SpkiHash(), devices[0].Hash)
}
