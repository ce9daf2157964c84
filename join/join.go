// Package join implements the broker side of agent enrollment (spec.md's
// supplemental provisioning requirement left open by the distilled
// spec): an operator mints a one-time token out of band, the agent
// presents it alongside its freshly generated public key over the
// broker's PSK-mode join listener (a separate quicconn.Listener using a
// single long-lived provisioning secret, since quicconn's PSK mode binds
// one shared secret to the whole listener rather than per connection —
// see DESIGN.md), and the broker signs the key into an Agent certificate
// directly under the trust root.
package join

import (
	"context"
	"crypto/ed25519"
	"time"

	"github.com/gravitational/trace"

	"github.com/svalin-project/svalin/internal/trust"
	"github.com/svalin-project/svalin/pki"
	"github.com/svalin-project/svalin/rpcsession"
)

// Key is the command key agents request against an anonymous PSK
// connection seeded with their join token.
const Key = "join"

// Request carries the agent's one-time join token, the public key to be
// certified, and the self-reported name the broker stores as this
// agent's PublicAgentData.name (spec.md §3) for the agent list.
type Request struct {
	Token     string `cbor:"token"`
	PublicKey []byte `cbor:"public_key"`
	Name      string `cbor:"name"`
}

// Result carries the freshly issued agent certificate, the root
// certificate it chains to, and the broker's own server certificate so
// the agent can populate its trust cache for the main listener without a
// separate chain-fetch round trip.
type Result struct {
	AgentCert  []byte `cbor:"agent_cert"`
	RootCert   []byte `cbor:"root_cert"`
	ServerCert []byte `cbor:"server_cert"`
}

// Tokens consumes single-use join tokens. Implemented by *store.Store.
type Tokens interface {
	ConsumeJoinToken(ctx context.Context, token string, now time.Time) (bool, error)
}

// Agents records that an agent has joined. Implemented by *store.Store.
type Agents interface {
	RecordAgentJoin(ctx context.Context, hash pki.SpkiHash, name string, joinedAt time.Time) error
}

// Clock is the minimal time source Handler needs.
type Clock interface {
	Now() time.Time
}

// Handler issues agent certificates against a single-use token,
// accepted over the broker's PSK-mode join listener. Permission is
// AnonymousOnly: the request's Token field is the actual authorization
// check, performed inside Handle.
type Handler struct {
	Tokens     Tokens
	Agents     Agents
	Trust      *trust.Store
	Root       *pki.Credential
	ServerCert *pki.Certificate
	Clock      Clock
}

// Key implements rpcsession.Handler.
func (h *Handler) Key() string { return Key }

// NewRequest implements rpcsession.Handler.
func (h *Handler) NewRequest() any { return &Request{} }

// Permission implements rpcsession.Handler.
func (h *Handler) Permission(any) rpcsession.Permission {
	return rpcsession.PermissionAnonymousOnly
}

// Handle implements rpcsession.Handler.
func (h *Handler) Handle(ctx context.Context, s *rpcsession.Session, req any) error {
	r := req.(*Request)
	if len(r.PublicKey) != ed25519.PublicKeySize {
		return trace.BadParameter("join: public key must be %d bytes, got %d", ed25519.PublicKeySize, len(r.PublicKey))
	}

	now := h.Clock.Now()
	ok, err := h.Tokens.ConsumeJoinToken(ctx, r.Token, now)
	if err != nil {
		return trace.Wrap(err, "consuming join token")
	}
	if !ok {
		return trace.AccessDenied("join token is unknown, already used, or expired")
	}

	cert, err := pki.CreateAgentCertificateFor(ed25519.PublicKey(r.PublicKey), h.Root, now)
	if err != nil {
		return trace.Wrap(err, "issuing agent certificate")
	}
	if err := h.Trust.Learn(cert); err != nil {
		return trace.Wrap(err, "caching issued agent certificate")
	}
	if err := h.Agents.RecordAgentJoin(ctx, cert.SpkiHash(), r.Name, now); err != nil {
		return trace.Wrap(err, "recording agent join")
	}

	return trace.Wrap(s.WriteObject(Result{
		AgentCert:  cert.DER(),
		RootCert:   h.Root.Certificate().DER(),
		ServerCert: h.ServerCert.DER(),
	}))
}

// Request sends the join request over s and returns the issued
// credential, the root certificate, and the broker's server certificate.
func Request(s *rpcsession.Session, token string, kp *pki.KeyPair, name string) (cred *pki.Credential, root, server *pki.Certificate, err error) {
	resp, err := rpcsession.RequestCommand(s, Key)
	if err != nil {
		return nil, nil, nil, trace.Wrap(err)
	}
	if !resp.Accepted() {
		return nil, nil, nil, trace.Wrap(rpcsession.DeclineError(resp))
	}
	if err := s.WriteObject(Request{Token: token, PublicKey: kp.PublicKey(), Name: name}); err != nil {
		return nil, nil, nil, trace.Wrap(err, "sending join request")
	}
	var result Result
	if err := s.ReadObject(&result); err != nil {
		return nil, nil, nil, trace.Wrap(err, "reading join result")
	}
	agentCert, err := pki.ParseCertificate(result.AgentCert)
	if err != nil {
		return nil, nil, nil, trace.Wrap(err, "parsing issued agent certificate")
	}
	rootCert, err := pki.ParseCertificate(result.RootCert)
	if err != nil {
		return nil, nil, nil, trace.Wrap(err, "parsing root certificate")
	}
	serverCert, err := pki.ParseCertificate(result.ServerCert)
	if err != nil {
		return nil, nil, nil, trace.Wrap(err, "parsing broker server certificate")
	}
	credential, err := pki.NewCredential(kp, agentCert)
	if err != nil {
		return nil, nil, nil, trace.Wrap(err, "building agent credential")
	}
	return credential, rootCert, serverCert, nil
}
