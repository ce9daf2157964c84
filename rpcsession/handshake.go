package rpcsession

import "github.com/gravitational/trace"

// RequestHeader is sent by the side opening a session to name the
// command it wants to run (spec.md §6).
type RequestHeader struct {
	CommandKey string `cbor:"command_key"`
}

// DeclineCode enumerates the reasons a session request can be declined.
// 404 (CommandNotFound) is reserved by the framework itself for unknown
// command keys (spec.md §4.F); other codes are assigned by the permission
// layer or by handlers that decline deliberately.
type DeclineCode uint32

const (
	// DeclineCommandNotFound is returned when no handler is registered
	// for the requested command key.
	DeclineCommandNotFound DeclineCode = 404
	// DeclinePermissionDenied is returned when the peer failed the
	// handler's permission check.
	DeclinePermissionDenied DeclineCode = 403
	// DeclineInternalError is returned when the handler collection itself
	// failed before reaching the handler (e.g. malformed request body).
	DeclineInternalError DeclineCode = 500
)

// ResponseKind discriminates the two shapes a ResponseHeader can take.
type ResponseKind uint8

const (
	// ResponseAccept indicates the handler will now drive the session.
	ResponseAccept ResponseKind = iota
	// ResponseDecline indicates no handler will run; the session ends
	// here from the initiator's perspective.
	ResponseDecline
)

// ResponseHeader is the reply to a RequestHeader: accept, or decline with
// a code and a human-readable reason (spec.md §6).
type ResponseHeader struct {
	Kind    ResponseKind `cbor:"kind"`
	Code    DeclineCode  `cbor:"code,omitempty"`
	Message string       `cbor:"message,omitempty"`
}

// Accepted reports whether the response was an Accept.
func (r ResponseHeader) Accepted() bool { return r.Kind == ResponseAccept }

// AcceptResponse builds an accepting ResponseHeader.
func AcceptResponse() ResponseHeader {
	return ResponseHeader{Kind: ResponseAccept}
}

// DeclineResponse builds a declining ResponseHeader.
func DeclineResponse(code DeclineCode, message string) ResponseHeader {
	return ResponseHeader{Kind: ResponseDecline, Code: code, Message: message}
}

// DeclineError adapts a declined ResponseHeader into a trace error so
// dispatch call sites can treat it uniformly with transport failures.
func DeclineError(resp ResponseHeader) error {
	return trace.Errorf("session declined (code %d): %s", resp.Code, resp.Message)
}

// RequestCommand sends a RequestHeader for key over s and reads back the
// ResponseHeader. It is the client half of the handshake; HandlerCollection
// implements the server half in collection.go.
func RequestCommand(s *Session, key string) (ResponseHeader, error) {
	if err := s.WriteObject(RequestHeader{CommandKey: key}); err != nil {
		return ResponseHeader{}, trace.Wrap(err, "sending session request for %q", key)
	}
	var resp ResponseHeader
	if err := s.ReadObject(&resp); err != nil {
		return ResponseHeader{}, trace.Wrap(err, "reading session response for %q", key)
	}
	return resp, nil
}
