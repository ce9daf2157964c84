package forward

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/svalin-project/svalin/pki"
	"github.com/svalin-project/svalin/rpcsession"
)

// agentEchoHandler is what the forwarded stream's inner, end-to-end layer
// talks to once the splice is up: a stand-in for whatever protocol the
// real caller and target negotiate over the relayed bytes.
type agentEchoHandler struct{}

func (h *agentEchoHandler) Key() string    { return "echo" }
func (h *agentEchoHandler) NewRequest() any { return &echoMsg{} }
func (h *agentEchoHandler) Permission(any) rpcsession.Permission {
	return rpcsession.PermissionAnonymousOnly
}
func (h *agentEchoHandler) Handle(_ context.Context, s *rpcsession.Session, req any) error {
	m := req.(*echoMsg)
	return s.WriteObject(echoMsg{Text: "echo: " + m.Text})
}

type echoMsg struct {
	Text string `cbor:"text"`
}

// fakeOpener is a SessionOpener backed by one end of a net.Pipe; the
// other end is handed to a goroutine that runs the agent-side handler
// collection (deauthenticate wrapping the inner echo collection).
type fakeOpener struct {
	agentCollection *rpcsession.HandlerCollection
}

func (f *fakeOpener) OpenSession(_ context.Context) (*rpcsession.Session, error) {
	client, server := net.Pipe()
	go f.agentCollection.HandleSession(context.Background(), rpcsession.New(server, rpcsession.AnonymousPeer()))
	return rpcsession.New(client, rpcsession.AnonymousPeer()), nil
}

type fakeFinder struct {
	target pki.SpkiHash
	opener *fakeOpener
}

func (f *fakeFinder) FindConnection(target pki.SpkiHash) (SessionOpener, bool) {
	if !target.Equal(f.target) {
		return nil, false
	}
	return f.opener, true
}

func TestForwardHandlerSplicesToTarget(t *testing.T) {
	innerCollection := rpcsession.NewHandlerCollection(rpcsession.AllowAllPermissionHandler{})
	innerCollection.Register(&agentEchoHandler{})

	agentCollection := rpcsession.NewHandlerCollection(rpcsession.AllowAllPermissionHandler{})
	agentCollection.Register(&DeauthenticateHandler{Collection: innerCollection})

	target := pki.SpkiHash{0x42}
	finder := &fakeFinder{target: target, opener: &fakeOpener{agentCollection: agentCollection}}

	fwd := &ForwardHandler{Finder: finder}
	callerCollection := rpcsession.NewHandlerCollection(rpcsession.AllowAllPermissionHandler{})
	callerCollection.Register(fwd)

	clientSide, serverSide := net.Pipe()
	callerSession := rpcsession.New(clientSide, rpcsession.AnonymousPeer())
	go callerCollection.HandleSession(context.Background(), rpcsession.New(serverSide, rpcsession.AnonymousPeer()))

	resp, err := rpcsession.RequestCommand(callerSession, ForwardKey)
	require.NoError(t, err)
	require.True(t, resp.Accepted())

	require.NoError(t, callerSession.WriteObject(ForwardRequest{Target: target}))

	var result ForwardResult
	require.NoError(t, callerSession.ReadObject(&result))
	require.True(t, result.OK)

	// Past this point the session is an unframed raw relay; speak the
	// inner protocol directly over callerSession.Raw().
	innerSession := rpcsession.New(callerSession.Raw(), rpcsession.AnonymousPeer())
	innerResp, err := rpcsession.RequestCommand(innerSession, "echo")
	require.NoError(t, err)
	require.True(t, innerResp.Accepted())

	require.NoError(t, innerSession.WriteObject(echoMsg{Text: "hi"}))
	var got echoMsg
	require.NoError(t, innerSession.ReadObject(&got))
	require.Equal(t, "echo: hi", got.Text)
}

func TestForwardHandlerRejectsUnknownTarget(t *testing.T) {
	finder := &fakeFinder{target: pki.SpkiHash{0x01}}
	fwd := &ForwardHandler{Finder: finder}
	callerCollection := rpcsession.NewHandlerCollection(rpcsession.AllowAllPermissionHandler{})
	callerCollection.Register(fwd)

	clientSide, serverSide := net.Pipe()
	callerSession := rpcsession.New(clientSide, rpcsession.AnonymousPeer())
	go callerCollection.HandleSession(context.Background(), rpcsession.New(serverSide, rpcsession.AnonymousPeer()))

	resp, err := rpcsession.RequestCommand(callerSession, ForwardKey)
	require.NoError(t, err)
	require.True(t, resp.Accepted())

	require.NoError(t, callerSession.WriteObject(ForwardRequest{Target: pki.SpkiHash{0x99}}))

	var result ForwardResult
	require.NoError(t, callerSession.ReadObject(&result))
	require.False(t, result.OK)
	require.Contains(t, result.Message, "not currently connected")
}

func TestSpliceRelaysBidirectionally(t *testing.T) {
	aClient, aServer := net.Pipe()
	bClient, bServer := net.Pipe()

	done := make(chan error, 1)
	go func() {
		done <- Splice(context.Background(), aServer, bServer, nil)
	}()

	go func() {
		buf := make([]byte, 5)
		aClient.Read(buf)
		aClient.Write(buf)
	}()

	_, err := bClient.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	bClient.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := bClient.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))

	aClient.Close()
	bClient.Close()
	<-done
}
