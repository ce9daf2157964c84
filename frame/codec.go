// Package frame implements the length-prefixed chunk codec of spec.md §4.C
// and §6: a duplex byte stream is promoted to a message stream by reading
// or writing one length-prefixed body at a time. On top of the codec,
// ReadObject/WriteObject serialize strongly typed values with cbor, a
// compact, length-delimited binary format.
package frame

import (
	"encoding/binary"
	"io"

	"github.com/gravitational/trace"
)

// MaxBodyLength is the largest body length the codec will read or write,
// per spec.md §4.C.
const MaxBodyLength = 1 << 31

// shortLengthLimit is the largest length that fits in the single-byte
// short form (top bit must stay clear).
const shortLengthLimit = 1<<7 - 1

// ChunkReader reads length-prefixed chunks from a duplex byte stream. It
// is the read half of a Session's framing and may be split from its
// writer and recombined, per spec.md §3. It reads exactly the bytes each
// chunk needs and nothing more, so the underlying stream can always be
// handed to a splice point with no buffered frame left behind.
type ChunkReader struct {
	r io.Reader
}

// NewChunkReader wraps r for chunked reads.
func NewChunkReader(r io.Reader) *ChunkReader {
	return &ChunkReader{r: r}
}

// ReadChunk reads one length-prefixed body. Layout (spec.md §6): read a
// single byte L0; if its top bit is clear, body length = L0; otherwise
// read three more bytes, clear the top bit of L0, and interpret the four
// bytes big-endian as the body length.
func (c *ChunkReader) ReadChunk() ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(c.r, head[:1]); err != nil {
		return nil, trace.Wrap(err, "reading chunk length prefix")
	}
	var length uint32
	if head[0]&0x80 == 0 {
		length = uint32(head[0])
	} else {
		if _, err := io.ReadFull(c.r, head[1:4]); err != nil {
			return nil, trace.Wrap(err, "reading extended chunk length prefix")
		}
		head[0] &^= 0x80
		length = binary.BigEndian.Uint32(head[:])
	}
	if length > MaxBodyLength {
		return nil, trace.BadParameter("chunk body length %d exceeds maximum %d", length, MaxBodyLength)
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(c.r, body); err != nil {
		return nil, trace.Wrap(err, "reading chunk body")
	}
	return body, nil
}

// ChunkWriter writes length-prefixed chunks to a duplex byte stream.
type ChunkWriter struct {
	w io.Writer
}

// NewChunkWriter wraps w for chunked writes.
func NewChunkWriter(w io.Writer) *ChunkWriter {
	return &ChunkWriter{w: w}
}

// WriteChunk writes body as one length-prefixed chunk, using the short
// one-byte length form when it fits and the extended four-byte form
// otherwise.
func (c *ChunkWriter) WriteChunk(body []byte) error {
	if len(body) > MaxBodyLength {
		return trace.BadParameter("chunk body length %d exceeds maximum %d", len(body), MaxBodyLength)
	}
	if len(body) <= shortLengthLimit {
		if _, err := c.w.Write([]byte{byte(len(body))}); err != nil {
			return trace.Wrap(err, "writing chunk length prefix")
		}
	} else {
		var head [4]byte
		binary.BigEndian.PutUint32(head[:], uint32(len(body)))
		head[0] |= 0x80
		if _, err := c.w.Write(head[:]); err != nil {
			return trace.Wrap(err, "writing extended chunk length prefix")
		}
	}
	if _, err := c.w.Write(body); err != nil {
		return trace.Wrap(err, "writing chunk body")
	}
	return nil
}
