// Package anon names the public, non-secret PSK used for the broker's
// anonymous command listener (join + login). quicconn's PSK mode exists
// to derive a stable identity without a pki.Credential; it does not need
// to be secret here, since the listener's real access control is
// enforced at the application layer (join tokens, AuCPace), not by the
// channel's shared secret.
package anon

// Secret is the fixed PSK every Svalin broker and client uses to reach
// the anonymous command tree.
var Secret = []byte("svalin-anonymous-bootstrap-v1-do-not-rely-on-secrecy")
