package rpcsession

import (
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/gravitational/trace"
)

// HandlerCollection is the registry every accepted connection dispatches
// into (spec.md §4.F, §4.J). Command keys are matched case-insensitively;
// registering the same key twice is a programming error and panics at
// startup rather than silently shadowing a handler.
type HandlerCollection struct {
	mu       sync.RWMutex
	handlers map[string]Handler
	perm     PermissionHandler
	log      logrus.FieldLogger
}

// NewHandlerCollection builds an empty collection enforcing perm.
func NewHandlerCollection(perm PermissionHandler) *HandlerCollection {
	return &HandlerCollection{
		handlers: make(map[string]Handler),
		perm:     perm,
		log:      logrus.WithField(trace.Component, "rpcsession"),
	}
}

// Register adds h under its Key, lowercased. It panics if the key is
// already registered: that can only happen from a wiring mistake, never
// from untrusted input.
func (hc *HandlerCollection) Register(h Handler) {
	key := strings.ToLower(h.Key())
	hc.mu.Lock()
	defer hc.mu.Unlock()
	if _, exists := hc.handlers[key]; exists {
		panic("rpcsession: duplicate handler key " + h.Key())
	}
	hc.handlers[key] = h
}

func (hc *HandlerCollection) lookup(key string) (Handler, bool) {
	hc.mu.RLock()
	defer hc.mu.RUnlock()
	h, ok := hc.handlers[strings.ToLower(key)]
	return h, ok
}

// HandleSession drives one accepted session end to end: reads the
// RequestHeader, resolves a handler, decodes its Request, checks
// permission, and either declines or invokes the handler (spec.md §4.J).
// It is safe to call recursively on a re-peered session, which is exactly
// how the forwarding deauthenticate handler re-enters the command tree
// (component H).
func (hc *HandlerCollection) HandleSession(ctx context.Context, s *Session) error {
	var reqHeader RequestHeader
	if err := s.ReadObject(&reqHeader); err != nil {
		return trace.Wrap(err, "reading session request header")
	}

	handler, ok := hc.lookup(reqHeader.CommandKey)
	if !ok {
		return hc.decline(s, DeclineCommandNotFound, "no handler for command %q", reqHeader.CommandKey)
	}

	req := handler.NewRequest()
	if err := s.ReadObject(req); err != nil {
		return hc.decline(s, DeclineInternalError, "malformed request body: %v", err)
	}

	precursor := PermissionPrecursor{HandlerKey: handler.Key(), Permission: handler.Permission(req)}
	if err := hc.perm.May(s.Peer(), precursor); err != nil {
		return hc.decline(s, DeclinePermissionDenied, "%v", err)
	}

	if err := s.WriteObject(AcceptResponse()); err != nil {
		return trace.Wrap(err, "writing accept response for %q", handler.Key())
	}

	if taker, ok := handler.(TakeHandler); ok {
		return trace.Wrap(taker.HandleTake(ctx, s, req))
	}

	if err := handler.Handle(ctx, s, req); err != nil {
		hc.log.WithError(err).WithField("command", handler.Key()).Warn("handler returned error")
		return trace.Wrap(err)
	}
	return nil
}

func (hc *HandlerCollection) decline(s *Session, code DeclineCode, format string, args ...any) error {
	resp := DeclineResponse(code, trace.Errorf(format, args...).Error())
	if err := s.WriteObject(resp); err != nil {
		return trace.Wrap(err, "writing decline response")
	}
	return trace.Wrap(s.ShutdownWrite())
}
