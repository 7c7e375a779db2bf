package chunked

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"golang.org/x/crypto/sha3"

	"github.com/kindlyrobotics/dnaclient/internal/dht"
	"github.com/kindlyrobotics/dnaclient/internal/kdf"
	"github.com/kindlyrobotics/dnaclient/internal/selfenc"
)

// ChunkMax bounds a single chunk's compressed payload, comfortably
// below the DHT's assumed per-value ceiling (dht.ValueSizeCeiling).
const ChunkMax = 32 * 1024

// MaxBlobSize is the sanity ceiling beyond which Publish refuses a
// blob outright rather than silently fragmenting it into thousands of
// chunks.
const MaxBlobSize = 256 * 1024 * 1024

// FanOut is the default number of chunk fetches issued in parallel,
// used when a caller does not supply its own bound.
const FanOut = 8

// ChunkRetries is the number of fetch attempts per chunk; when every
// attempt fails the fetch aborts with ErrChunkTimeout.
const ChunkRetries = 3

// PublishRetries is the number of attempts per DHT put before a
// publish gives up and surfaces ErrUnpublished.
const PublishRetries = 3

// ZSTDLevel is the compression level used for chunk payloads, chosen
// for a balance of ratio and speed.
const ZSTDLevel = zstd.SpeedDefault

// Error kinds surfaced by the transport.
var (
	ErrChunkNotFound     = errors.New("chunked: CHUNK_NOT_FOUND")
	ErrChunkTimeout      = errors.New("chunked: CHUNK_TIMEOUT")
	ErrChunkCorruptData  = errors.New("chunked: CHUNK_CORRUPT")
	ErrChunkTooLarge     = errors.New("chunked: CHUNK_TOO_LARGE")
	ErrChunkCompressFail = errors.New("chunked: CHUNK_COMPRESS_FAIL")
	ErrChunkSignFail     = errors.New("chunked: CHUNK_SIGN_FAIL")
	// ErrUnpublished marks a value whose DHT puts kept failing after
	// PublishRetries attempts; the application layer may enqueue it for
	// a later retry.
	ErrUnpublished = errors.New("chunked: UNPUBLISHED")
)

// Signer is the subset of internal/identity.Identity this package
// needs: a signing keypair for framing chunk values, and a value_id
// for multi-writer publication.
type Signer interface {
	SignPrivateKey() []byte
	SignPublicKey() []byte
	ValueID() uint64
}

// Owned pairs a multi-writer value with the signing public key of the
// writer that produced it.
type Owned struct {
	SignerPub []byte
	Bytes     []byte
}

func manifestKey(base string) kdf.Key { return kdf.DeriveKey(base) }

func chunkKey(base string, index uint32) kdf.Key {
	return kdf.Sub(base, fmt.Sprintf(":chunk:%d", index))
}

// Publish chunks, compresses and signs plaintext and writes it under
// base as a single-writer (owner) value.
func Publish(ctx context.Context, store dht.Store, signer Signer, base string, plaintext []byte, ttl time.Duration) error {
	return publish(ctx, store, signer, base, plaintext, ttl, false)
}

// PublishAsMine publishes plaintext under base tagged by the writer's
// value_id, overwriting the writer's own previous value at base while
// leaving other writers' values untouched.
func PublishAsMine(ctx context.Context, store dht.Store, signer Signer, base string, plaintext []byte, ttl time.Duration) error {
	return publish(ctx, store, signer, base, plaintext, ttl, true)
}

func publish(ctx context.Context, store dht.Store, signer Signer, base string, plaintext []byte, ttl time.Duration, asMine bool) error {
	if len(plaintext) > MaxBlobSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrChunkTooLarge, len(plaintext), MaxBlobSize)
	}

	contentHash := sha3.Sum256(plaintext)

	compressed, err := compress(plaintext)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChunkCompressFail, err)
	}

	chunks := partition(compressed, ChunkMax)
	if len(chunks) == 0 {
		chunks = [][]byte{{}}
	}
	totalChunks := uint32(len(chunks))
	totalSize := uint64(len(plaintext))

	put := func(key kdf.Key, value []byte, valueID uint64) error {
		var lastErr error
		for attempt := 0; attempt < PublishRetries; attempt++ {
			if ctx.Err() != nil {
				return fmt.Errorf("%w: %v", ErrUnpublished, ctx.Err())
			}
			if asMine {
				lastErr = store.PutSigned(ctx, dht.Key(key), value, valueID, ttl, base)
			} else {
				lastErr = store.Put(ctx, dht.Key(key), value, ttl)
			}
			if lastErr == nil {
				return nil
			}
			backoff(attempt)
		}
		return fmt.Errorf("%w: %v", ErrUnpublished, lastErr)
	}

	valueID := signer.ValueID()
	var signerPub []byte
	if asMine {
		signerPub = signer.SignPublicKey()
	}

	if totalChunks == 1 {
		c := Chunk{
			Version:         ChunkVersion,
			TotalChunks:     1,
			ChunkIndex:      0,
			TotalSize:       totalSize,
			ContentHash:     contentHash,
			CompressionFlag: CompressionZSTD,
			SignerPub:       signerPub,
			Payload:         chunks[0],
		}
		sig, err := selfenc.SignDetached(signer.SignPrivateKey(), c.signedFields())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrChunkSignFail, err)
		}
		c.Signature = sig
		if err := put(manifestKey(base), EncodeChunk(c), valueID); err != nil {
			return err
		}
		return nil
	}

	m := Manifest{
		Version:         ChunkVersion,
		TotalChunks:     totalChunks,
		TotalSize:       totalSize,
		ContentHash:     contentHash,
		CompressionFlag: CompressionZSTD,
	}
	// The manifest itself carries no SignerPub field (Manifest.signedFields
	// omits it). FetchAll and FetchMine recognize only single-chunk
	// values, so a multi-writer blob that needs more than one chunk is
	// not returned by them.
	msig, err := selfenc.SignDetached(signer.SignPrivateKey(), m.signedFields())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrChunkSignFail, err)
	}
	m.Signature = msig
	if err := put(manifestKey(base), EncodeManifest(m), valueID); err != nil {
		return err
	}

	for i, payload := range chunks {
		c := Chunk{
			Version:         ChunkVersion,
			TotalChunks:     totalChunks,
			ChunkIndex:      uint32(i),
			TotalSize:       totalSize,
			ContentHash:     contentHash,
			CompressionFlag: CompressionZSTD,
			SignerPub:       signerPub,
			Payload:         payload,
		}
		sig, err := selfenc.SignDetached(signer.SignPrivateKey(), c.signedFields())
		if err != nil {
			return fmt.Errorf("%w: %v", ErrChunkSignFail, err)
		}
		c.Signature = sig
		if err := put(chunkKey(base, uint32(i)), EncodeChunk(c), valueID); err != nil {
			return fmt.Errorf("chunked: publishing chunk %d: %w", i, err)
		}
	}
	return nil
}

// Fetch reassembles the blob published at base, proceeding
// query-manifest -> fetch-chunks -> verify. fanOut bounds the number
// of parallel chunk fetches; values <= 0 fall back to FanOut.
func Fetch(ctx context.Context, store dht.Store, base string, deadline time.Duration, fanOut int) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	raw, ok, err := store.Get(ctx, dht.Key(manifestKey(base)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChunkTimeout, err)
	}
	if !ok {
		return nil, ErrChunkNotFound
	}

	// A single chunk doubles as the manifest; try that decode first.
	if c, err := DecodeChunk(raw); err == nil && c.TotalChunks == 1 {
		return verifyAndDecompress(c.ContentHash, c.CompressionFlag, [][]byte{c.Payload}, c.TotalSize)
	}

	m, err := DecodeManifest(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChunkCorruptData, err)
	}

	parts, err := fetchChunksParallel(ctx, store, base, m.TotalChunks, fanOut)
	if err != nil {
		return nil, err
	}

	return verifyAndDecompress(m.ContentHash, m.CompressionFlag, parts, m.TotalSize)
}

func fetchChunksParallel(ctx context.Context, store dht.Store, base string, totalChunks uint32, fanOut int) ([][]byte, error) {
	parts := make([][]byte, totalChunks)
	errs := make([]error, totalChunks)

	if fanOut <= 0 {
		fanOut = FanOut
	}
	sem := make(chan struct{}, fanOut)
	var wg sync.WaitGroup

	for i := uint32(0); i < totalChunks; i++ {
		i := i
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			parts[i], errs[i] = fetchChunkWithRetry(ctx, store, base, i)
		}()
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			return nil, fmt.Errorf("chunked: chunk %d: %w", i, err)
		}
	}
	return parts, nil
}

func fetchChunkWithRetry(ctx context.Context, store dht.Store, base string, index uint32) ([]byte, error) {
	var lastErr error
	for attempt := 0; attempt < ChunkRetries; attempt++ {
		if ctx.Err() != nil {
			return nil, ErrChunkTimeout
		}
		raw, ok, err := store.Get(ctx, dht.Key(chunkKey(base, index)))
		if err != nil {
			lastErr = err
			backoff(attempt)
			continue
		}
		if !ok {
			lastErr = ErrChunkNotFound
			backoff(attempt)
			continue
		}
		c, err := DecodeChunk(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrChunkCorruptData, err)
		}
		return c.Payload, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrChunkTimeout, lastErr)
}

func backoff(attempt int) {
	time.Sleep(time.Duration(1<<attempt) * 10 * time.Millisecond)
}

func verifyAndDecompress(contentHash [32]byte, compressionFlag uint8, parts [][]byte, totalSize uint64) ([]byte, error) {
	compressed := bytes.Join(parts, nil)

	var plaintext []byte
	var err error
	switch compressionFlag {
	case CompressionZSTD:
		plaintext, err = decompress(compressed)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrChunkCorruptData, err)
		}
	case CompressionNone:
		plaintext = compressed
	default:
		return nil, fmt.Errorf("%w: unknown compression flag %d", ErrChunkCorruptData, compressionFlag)
	}

	if uint64(len(plaintext)) != totalSize {
		return nil, fmt.Errorf("%w: reassembled size %d != declared %d", ErrChunkCorruptData, len(plaintext), totalSize)
	}
	if sha3.Sum256(plaintext) != contentHash {
		return nil, fmt.Errorf("%w: content hash mismatch", ErrChunkCorruptData)
	}
	return plaintext, nil
}

// FetchMine returns only the caller's own latest value at base, found
// by matching the embedded SignerPub against signer's own public key
// (GetAll surfaces no per-value ownership, so this package cannot
// simply look the entry up by valueID).
func FetchMine(ctx context.Context, store dht.Store, signer Signer, base string) ([]byte, bool, error) {
	all, err := FetchAll(ctx, store, base)
	if err != nil {
		return nil, false, err
	}
	own := signer.SignPublicKey()
	for _, o := range all {
		if bytes.Equal(o.SignerPub, own) {
			return o.Bytes, true, nil
		}
	}
	return nil, false, nil
}

// FetchAll returns the set of (signer_pub, bytes) pairs currently
// stored at base. Multi-writer values are expected to be small, so
// each value is the chunk-framed payload directly rather than a
// manifest/chunk pair; a value whose size ever grows past a single
// chunk, or whose signature does not verify against its own claimed
// SignerPub, is corrupt or hostile input from a misbehaving writer
// and is skipped, never fatal to the aggregate.
func FetchAll(ctx context.Context, store dht.Store, base string) ([]Owned, error) {
	raws, err := store.GetAll(ctx, dht.Key(manifestKey(base)))
	if err != nil {
		return nil, err
	}

	out := make([]Owned, 0, len(raws))
	for _, raw := range raws {
		c, err := DecodeChunk(raw)
		if err != nil || c.TotalChunks != 1 || len(c.SignerPub) == 0 {
			continue // corrupt, unexpectedly multi-chunk, or not a multi-writer value: skip
		}
		if err := selfenc.VerifyDetached(c.SignerPub, c.signedFields(), c.Signature); err != nil {
			continue
		}
		plaintext, err := verifyAndDecompress(c.ContentHash, c.CompressionFlag, [][]byte{c.Payload}, c.TotalSize)
		if err != nil {
			continue
		}
		out = append(out, Owned{SignerPub: c.SignerPub, Bytes: plaintext})
	}
	return out, nil
}

func compress(plaintext []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(ZSTDLevel))
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(plaintext); err != nil {
		w.Close()
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(compressed []byte) ([]byte, error) {
	r, err := zstd.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func partition(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var out [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}
