// Package agentlist implements the agent-list subscription of spec.md
// §4.K: a client asks the broker for the set of known agents and their
// live connection status, receives an initial snapshot, and then keeps a
// background subscriber running that folds incremental updates into a
// local view — the "smart subscriber" pattern. Every entry on the wire
// is a SignedObject[PublicAgentData] (package secure) signed by the
// trust root, so a client can discard a tampered entry outright instead
// of trusting whatever the broker's session happens to send.
package agentlist

import (
	"context"

	"github.com/gravitational/trace"

	"github.com/svalin-project/svalin/pki"
	"github.com/svalin-project/svalin/rpcsession"
	"github.com/svalin-project/svalin/secure"
	"github.com/svalin-project/svalin/store"
	"github.com/svalin-project/svalin/svalinserver"
)

// Key is the session command clients send to subscribe to the agent list.
const Key = "agent_list"

// Request carries no fields; the session's Peer determines what the
// caller is entitled to see.
type Request struct{}

// PublicAgentData is the signed content of one agent list entry
// (spec.md §3's AgentListItem.public_data): the agent's self-reported
// name at join time and its certificate, so a client can recognize the
// agent without a separate chain fetch.
type PublicAgentData struct {
	Name        string `cbor:"name"`
	Certificate []byte `cbor:"certificate"`
}

// AgentListItemTransport is one entry as it crosses the wire, in both
// Snapshot and Update (spec.md §4.K line 174): a signed PublicAgentData
// plus the connection status, which is not itself signed since it
// changes far too often to re-sign on every flap.
type AgentListItemTransport struct {
	PublicData *secure.SignedObject[PublicAgentData] `cbor:"public_data"`
	Online     bool                                  `cbor:"online"`
}

// Device is one entry of the agent list as seen by a client, after
// signature verification.
type Device struct {
	Hash   pki.SpkiHash `cbor:"hash"`
	Name   string       `cbor:"name"`
	Online bool         `cbor:"online"`
}

// Snapshot is the first object AgentListHandler writes: every known
// agent and whether it is currently connected.
type Snapshot struct {
	Agents []AgentListItemTransport `cbor:"agents"`
}

// Update is written for every subsequent connection-status change.
type Update struct {
	Item AgentListItemTransport `cbor:"item"`
}

// Store resolves the set of agents that have ever joined, independent of
// whether they are currently connected (spec.md's supplemental
// join-token provisioning feature populates this).
type Store interface {
	ListAgents(ctx context.Context) ([]store.AgentRecord, error)
}

// CertResolver resolves an agent's certificate by SPKI hash, so Handler
// can embed it in PublicAgentData without importing the trust package
// directly. *trust.Store satisfies this.
type CertResolver interface {
	FetchCertificate(ctx context.Context, hash pki.SpkiHash) (*pki.Certificate, error)
}

// Handler streams the agent list to a subscribed client (spec.md §4.K).
type Handler struct {
	Registry *svalinserver.ConnectionRegistry
	Store    Store
	Certs    CertResolver
	// Root signs every AgentListItemTransport served. Agents are
	// provisioned directly under the root (package join), so the root
	// is the de facto authority vouching for an agent's public data.
	Root *pki.Credential
}

// Key implements rpcsession.Handler.
func (h *Handler) Key() string { return Key }

// NewRequest implements rpcsession.Handler.
func (h *Handler) NewRequest() any { return &Request{} }

// Permission implements rpcsession.Handler. The agent inventory is
// considered sensitive: only User or UserDevice certificates may view it.
func (h *Handler) Permission(any) rpcsession.Permission {
	return rpcsession.PermissionUserOrSession
}

// Handle implements rpcsession.Handler.
func (h *Handler) Handle(ctx context.Context, s *rpcsession.Session, _ any) error {
	known, err := h.Store.ListAgents(ctx)
	if err != nil {
		return trace.Wrap(err, "listing known agents")
	}
	names := make(map[pki.SpkiHash]string, len(known))
	for _, rec := range known {
		names[rec.Hash] = rec.Name
	}

	connected := make(map[pki.SpkiHash]bool, len(known))
	for _, hash := range h.Registry.Snapshot() {
		connected[hash] = true
	}

	items := make([]AgentListItemTransport, 0, len(known))
	for _, rec := range known {
		item, err := h.buildItem(ctx, rec.Hash, rec.Name, connected[rec.Hash])
		if err != nil {
			return trace.Wrap(err, "building agent list snapshot item")
		}
		items = append(items, item)
	}
	if err := s.WriteObject(Snapshot{Agents: items}); err != nil {
		return trace.Wrap(err, "writing agent list snapshot")
	}

	updates, unsubscribe := h.Registry.Subscribe()
	defer unsubscribe()

	for {
		select {
		case status := <-updates:
			name, ok := names[status.Peer]
			if !ok {
				// Agent joined after the snapshot was served; refresh the
				// name cache once from the store rather than per update.
				refreshed, err := h.Store.ListAgents(ctx)
				if err != nil {
					return trace.Wrap(err, "refreshing known agents")
				}
				names = make(map[pki.SpkiHash]string, len(refreshed))
				for _, rec := range refreshed {
					names[rec.Hash] = rec.Name
				}
				name = names[status.Peer]
			}
			item, err := h.buildItem(ctx, status.Peer, name, status.Connected)
			if err != nil {
				return trace.Wrap(err, "building agent list update")
			}
			if err := s.WriteObject(Update{Item: item}); err != nil {
				return trace.Wrap(err, "writing agent list update")
			}
		case <-ctx.Done():
			return trace.Wrap(s.ShutdownWrite())
		}
	}
}

func (h *Handler) buildItem(ctx context.Context, hash pki.SpkiHash, name string, online bool) (AgentListItemTransport, error) {
	cert, err := h.Certs.FetchCertificate(ctx, hash)
	if err != nil {
		return AgentListItemTransport{}, trace.Wrap(err, "resolving agent certificate for %v", hash)
	}
	signed, err := secure.NewSignedObject(PublicAgentData{Name: name, Certificate: cert.DER()}, h.Root)
	if err != nil {
		return AgentListItemTransport{}, trace.Wrap(err, "signing agent list item")
	}
	return AgentListItemTransport{PublicData: signed, Online: online}, nil
}
