package rpcsession

import (
	"io"

	"github.com/gravitational/trace"

	"github.com/svalin-project/svalin/frame"
)

// RawStream is the minimal duplex byte stream a Session is built on: a
// QUIC stream (package quicconn), a net.Conn, or a *tls.Conn layered over
// either. Sessions never assume more than this (spec.md §3).
type RawStream interface {
	io.Reader
	io.Writer
	io.Closer
}

// halfCloser is implemented by streams that can shut down their write
// half independently of the read half (net.TCPConn, *tls.Conn, and the
// quicconn.Stream wrapper all do). Streams that don't implement it fall
// back to a full Close on shutdown.
type halfCloser interface {
	CloseWrite() error
}

// Session is a duplex framed channel bound to a Peer (spec.md §3):
// everything read or written goes through the length-prefix frame codec,
// and the underlying transport may only be swapped out at explicit
// splice points (component H), never mid-frame.
type Session struct {
	stream RawStream
	peer   Peer

	chunkReader *frame.ChunkReader
	chunkWriter *frame.ChunkWriter
	objReader   *frame.ObjectReader
	objWriter   *frame.ObjectWriter
}

// New wraps stream as a Session bound to peer.
func New(stream RawStream, peer Peer) *Session {
	cr := frame.NewChunkReader(stream)
	cw := frame.NewChunkWriter(stream)
	return &Session{
		stream:      stream,
		peer:        peer,
		chunkReader: cr,
		chunkWriter: cw,
		objReader:   frame.NewObjectReader(cr),
		objWriter:   frame.NewObjectWriter(cw),
	}
}

// Peer returns the identity bound to this session.
func (s *Session) Peer() Peer { return s.peer }

// WithPeer returns a copy of the session rebound to a new Peer. Used by
// the deauthenticate handler (component H) to downgrade a session to
// Peer::Anonymous without disturbing its framing state.
func (s *Session) WithPeer(peer Peer) *Session {
	cp := *s
	cp.peer = peer
	return &cp
}

// ReadChunk reads one raw length-prefixed chunk.
func (s *Session) ReadChunk() ([]byte, error) { return s.chunkReader.ReadChunk() }

// WriteChunk writes one raw length-prefixed chunk.
func (s *Session) WriteChunk(body []byte) error { return s.chunkWriter.WriteChunk(body) }

// ReadObject deserializes the next chunk into out.
func (s *Session) ReadObject(out any) error { return s.objReader.ReadObject(out) }

// WriteObject serializes value as the next chunk.
func (s *Session) WriteObject(value any) error { return s.objWriter.WriteObject(value) }

// Raw returns the underlying duplex stream, for splicing (component H) or
// layering an inner TLS transport (component D) on top. Callers that take
// this must not also continue to use the Session's framed methods: no
// buffered frame is left behind, but ownership of the byte stream passes
// to the caller.
func (s *Session) Raw() RawStream { return s.stream }

// ShutdownWrite cleanly shuts down the write half of the session, the
// first step of the terminal state in spec.md §3's session lifecycle.
// Further reads may still drain already-in-flight data, then see EOF.
func (s *Session) ShutdownWrite() error {
	if hc, ok := s.stream.(halfCloser); ok {
		return trace.Wrap(hc.CloseWrite())
	}
	return trace.Wrap(s.stream.Close())
}

// Close fully closes the session's underlying stream.
func (s *Session) Close() error {
	return trace.Wrap(s.stream.Close())
}
