package rpcsession

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type echoRequest struct {
	Message string `cbor:"message"`
}

type echoHandler struct {
	permission Permission
}

func (h *echoHandler) Key() string        { return "echo" }
func (h *echoHandler) NewRequest() any     { return &echoRequest{} }
func (h *echoHandler) Permission(any) Permission { return h.permission }
func (h *echoHandler) Handle(_ context.Context, s *Session, req any) error {
	r := req.(*echoRequest)
	return s.WriteObject(echoRequest{Message: "echo: " + r.Message})
}

func pipeSessions() (*Session, *Session) {
	client, server := net.Pipe()
	return New(client, AnonymousPeer()), New(server, AnonymousPeer())
}

func TestHandleSessionAcceptsAndDispatches(t *testing.T) {
	client, server := pipeSessions()
	defer client.Close()

	collection := NewHandlerCollection(AllowAllPermissionHandler{})
	collection.Register(&echoHandler{permission: PermissionAuthenticatedOnly})

	done := make(chan error, 1)
	go func() { done <- collection.HandleSession(context.Background(), server) }()

	resp, err := RequestCommand(client, "echo")
	require.NoError(t, err)
	require.True(t, resp.Accepted())

	require.NoError(t, client.WriteObject(echoRequest{Message: "hi"}))

	var got echoRequest
	require.NoError(t, client.ReadObject(&got))
	require.Equal(t, "echo: hi", got.Message)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return")
	}
}

func TestHandleSessionDeclinesUnknownCommand(t *testing.T) {
	client, server := pipeSessions()
	defer client.Close()

	collection := NewHandlerCollection(AllowAllPermissionHandler{})

	go collection.HandleSession(context.Background(), server)

	resp, err := RequestCommand(client, "nonexistent")
	require.NoError(t, err)
	require.False(t, resp.Accepted())
	require.Equal(t, DeclineCommandNotFound, resp.Code)
}

func TestHandleSessionDeclinesOnPermissionDenied(t *testing.T) {
	client, server := pipeSessions()
	defer client.Close()

	collection := NewHandlerCollection(&DefaultPermissionHandler{})
	collection.Register(&echoHandler{permission: PermissionUserOrSession})

	go collection.HandleSession(context.Background(), server)

	resp, err := RequestCommand(client, "echo")
	require.NoError(t, err)
	require.False(t, resp.Accepted())
	require.Equal(t, DeclinePermissionDenied, resp.Code)
}

func TestRegisterPanicsOnDuplicateKey(t *testing.T) {
	collection := NewHandlerCollection(AllowAllPermissionHandler{})
	collection.Register(&echoHandler{permission: PermissionAuthenticatedOnly})
	require.Panics(t, func() {
		collection.Register(&echoHandler{permission: PermissionAuthenticatedOnly})
	})
}
