package rpcsession

import "context"

// Handler is the server side of a session command (spec.md §4.F). It is
// identified by a static Key, decodes one Request value from the session
// before anything else happens, derives the Permission that request
// requires, and then drives the session once the permission check passes.
//
// Request types are decoded through NewRequest so the collection can hold
// handlers for unrelated request types in one map; each concrete handler
// is free to use generics internally if it wants a typed body.
type Handler interface {
	Key() string

	// NewRequest returns a fresh pointer to this handler's request type,
	// ready to be passed to Session.ReadObject.
	NewRequest() any

	// Permission derives the permission required for a decoded request.
	// Most handlers ignore the request and return a constant.
	Permission(req any) Permission

	// Handle drives the session after it has been accepted. req is the
	// value NewRequest produced, now populated. ctx is cancelled when the
	// owning connection shuts down.
	Handle(ctx context.Context, s *Session, req any) error
}

// TakeHandler is implemented by handlers that need to steal the session's
// transport out from under the framework, such as the forwarding
// deauthenticate handler (component H), which downgrades the Peer and
// re-enters the command tree on the same stream. After HandleTake returns,
// HandlerCollection considers the session fully consumed and does nothing
// further with it.
type TakeHandler interface {
	Handler
	HandleTake(ctx context.Context, s *Session, req any) error
}

// Dispatcher is the client side of a session command: it names the same
// Key as its server-side Handler, supplies the Request to send, and
// interprets whatever comes back. SessionBox lets a dispatcher take
// ownership of the session (mirroring the server's TakeHandler) when the
// command hands the stream off to something else, such as an inner TLS
// handshake.
type Dispatcher interface {
	Key() string
	Request() any
	Dispatch(ctx context.Context, box *SessionBox) (any, error)
}

// SessionBox holds a *Session that a Dispatcher may take ownership of,
// mirroring an Option<Session> parameter.
type SessionBox struct {
	Session *Session
}

// NewSessionBox wraps s.
func NewSessionBox(s *Session) *SessionBox {
	return &SessionBox{Session: s}
}

// Take removes and returns the boxed session, leaving the box empty.
func (b *SessionBox) Take() *Session {
	s := b.Session
	b.Session = nil
	return s
}

// Empty reports whether the session has already been taken.
func (b *SessionBox) Empty() bool {
	return b.Session == nil
}
