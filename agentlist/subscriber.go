package agentlist

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/gravitational/trace"

	"github.com/svalin-project/svalin/pki"
	"github.com/svalin-project/svalin/rpcsession"
)

// restartBackoff is how long the subscriber waits before redialing after
// the stream drops.
const restartBackoff = 2 * time.Second

// Dialer opens a fresh session for the agent-list command. A client
// wires this against whatever connection it holds to the broker.
type Dialer interface {
	OpenSession(ctx context.Context) (*rpcsession.Session, error)
}

// Subscriber is the client-side smart subscriber of spec.md §4.K: one
// background task keeps a session open against the broker, verifies and
// folds every Snapshot/Update it receives into a local view, and
// restarts the stream if it ever goes offline, all behind a single
// watch-channel-style Devices() accessor. Every item is verified against
// root before it is allowed to touch the view; a tampered item is
// discarded, never applied (spec.md's scenario for a forged agent list
// entry).
type Subscriber struct {
	dialer Dialer
	root   *pki.Certificate
	clock  clockwork.Clock
	log    logrus.FieldLogger

	mu      sync.RWMutex
	devices map[pki.SpkiHash]Device

	notify chan struct{}

	cancel context.CancelFunc
	done   chan struct{}
}

// NewSubscriber builds a Subscriber over dialer, verifying every agent
// list item against root. Call Run to start the background task.
func NewSubscriber(dialer Dialer, root *pki.Certificate) *Subscriber {
	return &Subscriber{
		dialer:  dialer,
		root:    root,
		clock:   clockwork.NewRealClock(),
		log:     logrus.WithField(trace.Component, "agentlist"),
		devices: make(map[pki.SpkiHash]Device),
		notify:  make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Run starts the background subscription loop. It returns immediately;
// call Stop to end it.
func (s *Subscriber) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go s.loop(ctx)
}

// Stop ends the background loop and waits for it to exit.
func (s *Subscriber) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	<-s.done
}

// Seed pre-populates the view from a previously cached snapshot (the
// on-disk device cache cmd/svalinctl keeps between runs), so Devices()
// has something to show before the first real snapshot arrives. Any
// entry present is marked offline until a live Update says otherwise, and
// Seed has no effect once the subscriber has applied a real snapshot.
func (s *Subscriber) Seed(devices []Device) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.devices) > 0 {
		return
	}
	for _, d := range devices {
		d.Online = false
		s.devices[d.Hash] = d
	}
}

// Devices returns a snapshot of the current view. Safe for concurrent use.
func (s *Subscriber) Devices() []Device {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Device, 0, len(s.devices))
	for _, d := range s.devices {
		out = append(out, d)
	}
	return out
}

// Changed returns a channel that receives a value every time Devices()
// would return something new. It is never closed and drops updates a
// slow reader misses rather than blocking the subscriber.
func (s *Subscriber) Changed() <-chan struct{} {
	return s.notify
}

func (s *Subscriber) loop(ctx context.Context) {
	defer close(s.done)
	for {
		if ctx.Err() != nil {
			return
		}
		if err := s.runOnce(ctx); err != nil {
			s.log.WithError(err).Debug("agent list stream ended, restarting")
		}
		select {
		case <-ctx.Done():
			return
		case <-s.clock.After(restartBackoff):
		}
	}
}

func (s *Subscriber) runOnce(ctx context.Context) error {
	session, err := s.dialer.OpenSession(ctx)
	if err != nil {
		return trace.Wrap(err, "opening agent list session")
	}
	defer session.Close()

	resp, err := rpcsession.RequestCommand(session, Key)
	if err != nil {
		return trace.Wrap(err)
	}
	if !resp.Accepted() {
		return rpcsession.DeclineError(resp)
	}

	var snapshot Snapshot
	if err := session.ReadObject(&snapshot); err != nil {
		return trace.Wrap(err, "reading agent list snapshot")
	}
	s.applySnapshot(ctx, snapshot)

	for {
		var update Update
		if err := session.ReadObject(&update); err != nil {
			return trace.Wrap(err, "reading agent list update")
		}
		s.applyUpdate(ctx, update)
	}
}

// verify checks item's signature against root and unpacks it into a
// Device, discarding (and logging) anything that doesn't check out:
// unknown signer, expired certificate, tampered payload, or a
// certificate field that doesn't even parse.
func (s *Subscriber) verify(ctx context.Context, item AgentListItemTransport) (Device, bool) {
	if item.PublicData == nil {
		s.log.Warn("discarding agent list item with no signed public data")
		return Device{}, false
	}
	verifier := pki.NewExactVerifier(s.root)
	verified, err := item.PublicData.Verify(ctx, verifier, s.clock.Now())
	if err != nil {
		s.log.WithError(err).Warn("discarding agent list item: signature verification failed")
		return Device{}, false
	}
	data := verified.Unpack()
	cert, err := pki.ParseCertificate(data.Certificate)
	if err != nil {
		s.log.WithError(err).Warn("discarding agent list item: unparsable certificate")
		return Device{}, false
	}
	return Device{Hash: cert.SpkiHash(), Name: data.Name, Online: item.Online}, true
}

func (s *Subscriber) applySnapshot(ctx context.Context, snapshot Snapshot) {
	devices := make(map[pki.SpkiHash]Device, len(snapshot.Agents))
	for _, item := range snapshot.Agents {
		d, ok := s.verify(ctx, item)
		if !ok {
			continue
		}
		devices[d.Hash] = d
	}
	s.mu.Lock()
	s.devices = devices
	s.mu.Unlock()
	s.signal()
}

func (s *Subscriber) applyUpdate(ctx context.Context, update Update) {
	d, ok := s.verify(ctx, update.Item)
	if !ok {
		return
	}
	s.mu.Lock()
	s.devices[d.Hash] = d
	s.mu.Unlock()
	s.signal()
}

func (s *Subscriber) signal() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
