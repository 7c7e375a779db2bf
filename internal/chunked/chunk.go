// Package chunked implements the chunked transport layer: splitting
// an arbitrary-size logical blob under a human base key into a
// manifest plus N signed, compressed chunk values that each fit
// within the DHT's per-value size limit, and the reverse assembly on
// read.
package chunked

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ChunkVersion is the current wire version of a chunk value / manifest.
const ChunkVersion = 1

// CompressionNone and CompressionZSTD are the only compression_flag values.
const (
	CompressionNone = 0
	CompressionZSTD = 1
)

// fixedHeaderSize is the byte width of
// {u8 version, u32 total_chunks, u32 chunk_index, u64 total_size, 32-byte content_hash, u8 compression_flag}.
const fixedHeaderSize = 1 + 4 + 4 + 8 + 32 + 1

var (
	ErrChunkCorrupt = errors.New("chunked: corrupt chunk framing")
)

// Manifest describes a chunked blob without carrying chunk payloads;
// it is what gets stored at kdf(base) when a blob needs more than one
// chunk. When a blob fits in a single chunk, that chunk doubles as the
// manifest (TotalChunks==1) and is stored at kdf(base) directly.
type Manifest struct {
	Version         uint8
	TotalChunks     uint32
	TotalSize       uint64
	ContentHash     [32]byte
	CompressionFlag uint8
	Signature       []byte
}

// Chunk is one framed sub-value of a chunked publication.
type Chunk struct {
	Version         uint8
	TotalChunks     uint32
	ChunkIndex      uint32
	TotalSize       uint64
	ContentHash     [32]byte
	CompressionFlag uint8
	// SignerPub carries the writer's signing public key when a value
	// is published under a shared multi-writer key (see
	// PublishAsMine); readers fetching with GetAll have no other way
	// to learn which writer a given value belongs to, since the DHT
	// primitive does not surface per-value owner metadata. Empty for
	// single-writer (owner) values.
	SignerPub []byte
	Payload   []byte
	// Signature is produced by the writer's DHT signing identity over
	// every field above, in wire order.
	Signature []byte
}

func (c Chunk) signedFields() []byte {
	return encodeFixed(c.Version, c.TotalChunks, c.ChunkIndex, c.TotalSize, c.ContentHash, c.CompressionFlag, c.SignerPub, c.Payload)
}

func (m Manifest) signedFields() []byte {
	return encodeFixed(m.Version, m.TotalChunks, 0, m.TotalSize, m.ContentHash, m.CompressionFlag, nil, nil)
}

func encodeFixed(version uint8, totalChunks, chunkIndex uint32, totalSize uint64, contentHash [32]byte, compressionFlag uint8, signerPub, payload []byte) []byte {
	buf := make([]byte, fixedHeaderSize+4+len(signerPub)+4+len(payload))
	off := 0
	buf[off] = version
	off++
	binary.BigEndian.PutUint32(buf[off:], totalChunks)
	off += 4
	binary.BigEndian.PutUint32(buf[off:], chunkIndex)
	off += 4
	binary.BigEndian.PutUint64(buf[off:], totalSize)
	off += 8
	copy(buf[off:off+32], contentHash[:])
	off += 32
	buf[off] = compressionFlag
	off++
	binary.BigEndian.PutUint32(buf[off:], uint32(len(signerPub)))
	off += 4
	copy(buf[off:], signerPub)
	off += len(signerPub)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(payload)))
	off += 4
	copy(buf[off:], payload)
	return buf
}

// EncodeChunk serializes a Chunk to its wire form.
func EncodeChunk(c Chunk) []byte {
	body := c.signedFields()
	buf := make([]byte, 0, len(body)+4+len(c.Signature))
	buf = append(buf, body...)
	var sigLen [4]byte
	binary.BigEndian.PutUint32(sigLen[:], uint32(len(c.Signature)))
	buf = append(buf, sigLen[:]...)
	buf = append(buf, c.Signature...)
	return buf
}

// DecodeChunk parses the wire form produced by EncodeChunk.
func DecodeChunk(data []byte) (Chunk, error) {
	if len(data) < fixedHeaderSize+4 {
		return Chunk{}, fmt.Errorf("%w: buffer shorter than fixed header", ErrChunkCorrupt)
	}
	var c Chunk
	off := 0
	c.Version = data[off]
	off++
	c.TotalChunks = binary.BigEndian.Uint32(data[off:])
	off += 4
	c.ChunkIndex = binary.BigEndian.Uint32(data[off:])
	off += 4
	c.TotalSize = binary.BigEndian.Uint64(data[off:])
	off += 8
	copy(c.ContentHash[:], data[off:off+32])
	off += 32
	c.CompressionFlag = data[off]
	off++

	if off+4 > len(data) {
		return Chunk{}, fmt.Errorf("%w: missing signer_pub_len", ErrChunkCorrupt)
	}
	signerPubLen := binary.BigEndian.Uint32(data[off:])
	off += 4
	if uint64(off)+uint64(signerPubLen) > uint64(len(data)) {
		return Chunk{}, fmt.Errorf("%w: signer_pub_len exceeds buffer", ErrChunkCorrupt)
	}
	if signerPubLen > 0 {
		c.SignerPub = append([]byte(nil), data[off:off+int(signerPubLen)]...)
	}
	off += int(signerPubLen)

	if off+4 > len(data) {
		return Chunk{}, fmt.Errorf("%w: missing payload_len", ErrChunkCorrupt)
	}
	payloadLen := binary.BigEndian.Uint32(data[off:])
	off += 4
	if uint64(off)+uint64(payloadLen) > uint64(len(data)) {
		return Chunk{}, fmt.Errorf("%w: payload_len exceeds buffer", ErrChunkCorrupt)
	}
	c.Payload = append([]byte(nil), data[off:off+int(payloadLen)]...)
	off += int(payloadLen)

	if off+4 > len(data) {
		return Chunk{}, fmt.Errorf("%w: missing sig_len", ErrChunkCorrupt)
	}
	sigLen := binary.BigEndian.Uint32(data[off:])
	off += 4
	if uint64(off)+uint64(sigLen) > uint64(len(data)) {
		return Chunk{}, fmt.Errorf("%w: sig_len exceeds buffer", ErrChunkCorrupt)
	}
	c.Signature = append([]byte(nil), data[off:off+int(sigLen)]...)
	off += int(sigLen)

	if off != len(data) {
		return Chunk{}, fmt.Errorf("%w: trailing bytes", ErrChunkCorrupt)
	}
	return c, nil
}

// EncodeManifest serializes a Manifest to its wire form (same framing
// as a chunk with chunk_index fixed at 0 and no payload).
func EncodeManifest(m Manifest) []byte {
	body := m.signedFields()
	buf := make([]byte, 0, len(body)+4+len(m.Signature))
	buf = append(buf, body...)
	var sigLen [4]byte
	binary.BigEndian.PutUint32(sigLen[:], uint32(len(m.Signature)))
	buf = append(buf, sigLen[:]...)
	buf = append(buf, m.Signature...)
	return buf
}

// DecodeManifest parses the wire form produced by EncodeManifest.
func DecodeManifest(data []byte) (Manifest, error) {
	c, err := DecodeChunk(data)
	if err != nil {
		return Manifest{}, err
	}
	if len(c.Payload) != 0 {
		return Manifest{}, fmt.Errorf("%w: manifest must carry no payload", ErrChunkCorrupt)
	}
	return Manifest{
		Version:         c.Version,
		TotalChunks:     c.TotalChunks,
		TotalSize:       c.TotalSize,
		ContentHash:     c.ContentHash,
		CompressionFlag: c.CompressionFlag,
		Signature:       c.Signature,
	}, nil
}
