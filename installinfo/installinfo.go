// Package installinfo implements the agent self-report command named in
// spec.md's Device data model (§3): a client that has reached an agent
// through the forwarding relay (component H) can ask it for its running
// version and platform, the plumbing original_source/svalin's
// agent/update/mod.rs and request_installation_info.rs leave the actual
// update mechanics to a later phase in favor of.
package installinfo

import (
	"context"
	"runtime"
	"time"

	"github.com/gravitational/trace"

	"github.com/svalin-project/svalin/forward"
	"github.com/svalin-project/svalin/pki"
	"github.com/svalin-project/svalin/rpcsession"
)

// Key is the command an agent registers on its post-deauthenticate
// command tree to report install info.
const Key = "install_info"

// Request carries no fields.
type Request struct{}

// Response describes the running agent build. Version is set by the
// binary at link time (see cmd/svalin-agent); Platform/Arch come from
// the runtime the agent is actually executing on, which may differ from
// the platform it was built for only in cross-compiled deployments.
type Response struct {
	Version  string `cbor:"version"`
	Platform string `cbor:"platform"`
	Arch     string `cbor:"arch"`
}

// Handler answers install_info with a fixed Version string baked in at
// startup.
type Handler struct {
	Version string
}

// Key implements rpcsession.Handler.
func (h *Handler) Key() string { return Key }

// NewRequest implements rpcsession.Handler.
func (h *Handler) NewRequest() any { return &Request{} }

// Permission implements rpcsession.Handler. Reached only after the
// deauthenticate handshake, so the caller is whoever the broker forwarded
// — no further restriction is meaningful here.
func (h *Handler) Permission(any) rpcsession.Permission {
	return rpcsession.PermissionAuthenticatedOnly
}

// Handle implements rpcsession.Handler.
func (h *Handler) Handle(_ context.Context, s *rpcsession.Session, _ any) error {
	resp := Response{
		Version:  h.Version,
		Platform: runtime.GOOS,
		Arch:     runtime.GOARCH,
	}
	return trace.Wrap(s.WriteObject(resp), "writing install_info response")
}

// Caller opens a fresh session on an existing connection. A
// *quicconn.Conn satisfies this without installinfo needing to import
// quicconn directly.
type Caller interface {
	OpenSession(ctx context.Context) (*rpcsession.Session, error)
}

// Query asks the broker to forward the caller to target and returns the
// install_info it reports. It reuses the same forward+deauthenticate
// handshake component H's ad-hoc tunnels use, then re-frames the spliced
// raw stream as a Session to issue one more command over it.
func Query(ctx context.Context, conn Caller, target pki.SpkiHash) (Response, error) {
	queryCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	session, err := conn.OpenSession(queryCtx)
	if err != nil {
		return Response{}, trace.Wrap(err, "opening forward session")
	}

	resp, err := rpcsession.RequestCommand(session, forward.ForwardKey)
	if err != nil {
		return Response{}, trace.Wrap(err)
	}
	if !resp.Accepted() {
		return Response{}, trace.Wrap(rpcsession.DeclineError(resp))
	}
	if err := session.WriteObject(forward.ForwardRequest{Target: target}); err != nil {
		return Response{}, trace.Wrap(err, "sending forward request")
	}

	var result forward.ForwardResult
	if err := session.ReadObject(&result); err != nil {
		return Response{}, trace.Wrap(err, "reading forward result")
	}
	if !result.OK {
		return Response{}, trace.BadParameter("broker declined forward: %s", result.Message)
	}

	agentSession := rpcsession.New(session.Raw(), rpcsession.AnonymousPeer())
	agentResp, err := rpcsession.RequestCommand(agentSession, Key)
	if err != nil {
		return Response{}, trace.Wrap(err)
	}
	if !agentResp.Accepted() {
		return Response{}, trace.Wrap(rpcsession.DeclineError(agentResp))
	}

	var out Response
	if err := agentSession.ReadObject(&out); err != nil {
		return Response{}, trace.Wrap(err, "reading install_info response")
	}
	return out, nil
}
