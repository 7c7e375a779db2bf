package chunked

import (
	"bytes"
	"errors"
	"testing"
)

func TestChunkRoundTrip(t *testing.T) {
	c := Chunk{
		Version:         ChunkVersion,
		TotalChunks:     3,
		ChunkIndex:      1,
		TotalSize:       9000,
		ContentHash:     [32]byte{1, 2, 3},
		CompressionFlag: CompressionZSTD,
		Payload:         []byte("chunk payload bytes"),
		Signature:       []byte("sig-bytes"),
	}
	buf := EncodeChunk(c)
	got, err := DecodeChunk(buf)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if got.Version != c.Version || got.TotalChunks != c.TotalChunks || got.ChunkIndex != c.ChunkIndex || got.TotalSize != c.TotalSize {
		t.Fatalf("fixed fields mismatch: %+v", got)
	}
	if got.ContentHash != c.ContentHash {
		t.Fatalf("content hash mismatch")
	}
	if !bytes.Equal(got.Payload, c.Payload) {
		t.Fatalf("payload mismatch")
	}
	if !bytes.Equal(got.Signature, c.Signature) {
		t.Fatalf("signature mismatch")
	}
}

func TestChunkReEncodeStable(t *testing.T) {
	c := Chunk{Version: 1, TotalChunks: 1, ChunkIndex: 0, TotalSize: 5, Payload: []byte("abcde"), Signature: []byte("s")}
	buf1 := EncodeChunk(c)
	dec, err := DecodeChunk(buf1)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	buf2 := EncodeChunk(dec)
	if !bytes.Equal(buf1, buf2) {
		t.Fatalf("re-encoding a decoded chunk did not reproduce the same bytes")
	}
}

func TestChunkTooShort(t *testing.T) {
	_, err := DecodeChunk([]byte{1, 2, 3})
	if !errors.Is(err, ErrChunkCorrupt) {
		t.Fatalf("expected ErrChunkCorrupt, got %v", err)
	}
}

func TestChunkPayloadLenExceedsBuffer(t *testing.T) {
	c := Chunk{Version: 1, TotalChunks: 1, ChunkIndex: 0, TotalSize: 3, Payload: []byte("abc")}
	buf := EncodeChunk(c)
	buf = buf[:len(buf)-5] // cut into the payload, past its declared length
	_, err := DecodeChunk(buf)
	if !errors.Is(err, ErrChunkCorrupt) {
		t.Fatalf("expected ErrChunkCorrupt, got %v", err)
	}
}

func TestChunkTrailingBytes(t *testing.T) {
	c := Chunk{Version: 1, TotalChunks: 1, ChunkIndex: 0, TotalSize: 1, Payload: []byte("a")}
	buf := EncodeChunk(c)
	buf = append(buf, 0xFF)
	_, err := DecodeChunk(buf)
	if !errors.Is(err, ErrChunkCorrupt) {
		t.Fatalf("expected ErrChunkCorrupt, got %v", err)
	}
}

func TestChunkMissingSigLen(t *testing.T) {
	c := Chunk{Version: 1, TotalChunks: 1, ChunkIndex: 0, TotalSize: 1, Payload: []byte("a")}
	buf := EncodeChunk(c)
	buf = buf[:len(buf)-4] // drop the sig_len field entirely
	_, err := DecodeChunk(buf)
	if !errors.Is(err, ErrChunkCorrupt) {
		t.Fatalf("expected ErrChunkCorrupt, got %v", err)
	}
}

func TestManifestRoundTrip(t *testing.T) {
	m := Manifest{
		Version:         ChunkVersion,
		TotalChunks:     4,
		TotalSize:       123456,
		ContentHash:     [32]byte{9, 9, 9},
		CompressionFlag: CompressionZSTD,
		Signature:       []byte("manifest-sig"),
	}
	buf := EncodeManifest(m)
	got, err := DecodeManifest(buf)
	if err != nil {
		t.Fatalf("DecodeManifest: %v", err)
	}
	if got.TotalChunks != m.TotalChunks || got.TotalSize != m.TotalSize || got.ContentHash != m.ContentHash {
		t.Fatalf("manifest fields mismatch: %+v", got)
	}
	if !bytes.Equal(got.Signature, m.Signature) {
		t.Fatalf("signature mismatch")
	}
}

func TestManifestRejectsPayload(t *testing.T) {
	// A manifest-shaped buffer that smuggles a payload should be
	// rejected even though it decodes fine as a Chunk.
	c := Chunk{Version: 1, TotalChunks: 2, ChunkIndex: 0, TotalSize: 10, Payload: []byte("not-empty")}
	buf := EncodeChunk(c)
	_, err := DecodeManifest(buf)
	if !errors.Is(err, ErrChunkCorrupt) {
		t.Fatalf("expected ErrChunkCorrupt, got %v", err)
	}
}

func TestSingleChunkDoublesAsManifest(t *testing.T) {
	c := Chunk{Version: 1, TotalChunks: 1, ChunkIndex: 0, TotalSize: 3, Payload: []byte("abc"), Signature: []byte("s")}
	buf := EncodeChunk(c)
	dec, err := DecodeChunk(buf)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	if dec.TotalChunks != 1 {
		t.Fatalf("expected a single-chunk manifest-doubling value")
	}
}
