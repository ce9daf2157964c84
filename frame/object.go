package frame

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/gravitational/trace"
)

// ObjectReader deserializes strongly typed values from a ChunkReader
// using cbor, the compact binary format named in spec.md §4.C.
type ObjectReader struct {
	chunks *ChunkReader
}

// NewObjectReader builds an ObjectReader over r.
func NewObjectReader(r *ChunkReader) *ObjectReader {
	return &ObjectReader{chunks: r}
}

// ReadObject reads one chunk and deserializes it into out, which must be
// a pointer.
func (o *ObjectReader) ReadObject(out any) error {
	body, err := o.chunks.ReadChunk()
	if err != nil {
		return trace.Wrap(err)
	}
	if err := cbor.Unmarshal(body, out); err != nil {
		return trace.Wrap(err, "deserializing object")
	}
	return nil
}

// ObjectWriter serializes strongly typed values with cbor and writes them
// as chunks.
type ObjectWriter struct {
	chunks *ChunkWriter
}

// NewObjectWriter builds an ObjectWriter over w.
func NewObjectWriter(w *ChunkWriter) *ObjectWriter {
	return &ObjectWriter{chunks: w}
}

// WriteObject serializes value and writes it as one chunk.
func (o *ObjectWriter) WriteObject(value any) error {
	body, err := cbor.Marshal(value)
	if err != nil {
		return trace.Wrap(err, "serializing object")
	}
	if err := o.chunks.WriteChunk(body); err != nil {
		return trace.Wrap(err)
	}
	return nil
}
