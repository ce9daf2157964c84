package quicconn

import "github.com/quic-go/quic-go"

// Stream adapts a quic.Stream to rpcsession.RawStream. quic.Stream.Close
// already shuts down only the send side, which is exactly the
// rpcsession.halfCloser contract, so Stream exposes it as CloseWrite and
// reserves Close for tearing down both directions.
type Stream struct {
	quic.Stream
}

// CloseWrite shuts down the send side; the peer observes EOF on read but
// this side may keep reading until it also closes or the connection ends.
func (s *Stream) CloseWrite() error {
	return s.Stream.Close()
}

// Close tears down both directions of the stream.
func (s *Stream) Close() error {
	s.Stream.CancelRead(0)
	return s.Stream.Close()
}
