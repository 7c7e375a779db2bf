package chunked

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kindlyrobotics/dnaclient/internal/dht"
	"github.com/kindlyrobotics/dnaclient/internal/dht/memdht"
	"github.com/kindlyrobotics/dnaclient/internal/identity"
)

func mustIdentity(t *testing.T, name string) identity.Identity {
	t.Helper()
	id, err := identity.Generate(name, 1000)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return id
}

func TestPublishFetchSingleChunk(t *testing.T) {
	id := mustIdentity(t, "alice")
	store := memdht.New(id.ValueID())
	ctx := context.Background()

	plaintext := []byte("a short message that fits in one chunk")
	if err := Publish(ctx, store, id, "base-key", plaintext, time.Minute); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	got, err := Fetch(ctx, store, "base-key", 5*time.Second, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: got %q want %q", got, plaintext)
	}
}

func TestPublishFetchMultiChunk(t *testing.T) {
	id := mustIdentity(t, "bob")
	store := memdht.New(id.ValueID())
	ctx := context.Background()

	// Build a blob whose compressed form still spans multiple
	// ChunkMax-sized chunks: seeded-random bytes do not compress.
	plaintext := make([]byte, 200000)
	rand.New(rand.NewSource(1)).Read(plaintext)

	if err := Publish(ctx, store, id, "multi-base", plaintext, time.Minute); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	raw, ok, err := store.Get(ctx, dht.Key(manifestKey("multi-base")))
	if err != nil || !ok {
		t.Fatalf("Get manifest: ok=%v err=%v", ok, err)
	}
	m, err := DecodeManifest(raw)
	if err != nil {
		t.Fatalf("DecodeManifest: %v", err)
	}
	if m.TotalChunks < 2 {
		t.Fatalf("expected a multi-chunk publication, got %d chunks", m.TotalChunks)
	}

	got, err := Fetch(ctx, store, "multi-base", 10*time.Second, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch: lengths got=%d want=%d", len(got), len(plaintext))
	}
}

// countingStore wraps a dht.Store and counts Put calls, for asserting
// how many DHT values a publish produced.
type countingStore struct {
	dht.Store
	puts atomic.Int64
}

func (c *countingStore) Put(ctx context.Context, key dht.Key, value []byte, ttl time.Duration) error {
	c.puts.Add(1)
	return c.Store.Put(ctx, key, value, ttl)
}

func TestCompressionReducesChunkCount(t *testing.T) {
	id := mustIdentity(t, "frank")
	store := &countingStore{Store: memdht.New(id.ValueID())}
	ctx := context.Background()

	// 4 MiB of zeros compresses to a handful of bytes, so the number
	// of DHT puts must come in far under the uncompressed chunk count.
	plaintext := make([]byte, 4*1024*1024)
	if err := Publish(ctx, store, id, "zeros", plaintext, time.Minute); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	uncompressedChunks := int64((len(plaintext) + ChunkMax - 1) / ChunkMax)
	if store.puts.Load() >= uncompressedChunks {
		t.Fatalf("expected < %d puts for a compressible blob, got %d", uncompressedChunks, store.puts.Load())
	}

	got, err := Fetch(ctx, store, "zeros", 10*time.Second, 0)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("round trip mismatch after compression")
	}
}

func TestFetchUnknownBaseNotFound(t *testing.T) {
	id := mustIdentity(t, "carol")
	store := memdht.New(id.ValueID())
	ctx := context.Background()

	_, err := Fetch(ctx, store, "never-published", time.Second, 0)
	if err == nil {
		t.Fatalf("expected an error for an unpublished base key")
	}
}

func TestFetchDetectsTamperedChunk(t *testing.T) {
	id := mustIdentity(t, "dave")
	store := memdht.New(id.ValueID())
	ctx := context.Background()

	plaintext := []byte("integrity matters")
	if err := Publish(ctx, store, id, "tamper-base", plaintext, time.Minute); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	key := dht.Key(manifestKey("tamper-base"))
	raw, ok, err := store.Get(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Get manifest: ok=%v err=%v", ok, err)
	}
	c, err := DecodeChunk(raw)
	if err != nil {
		t.Fatalf("DecodeChunk: %v", err)
	}
	c.Payload[0] ^= 0xFF
	if err := store.Put(ctx, key, EncodeChunk(c), time.Minute); err != nil {
		t.Fatalf("Put tampered chunk: %v", err)
	}

	_, err = Fetch(ctx, store, "tamper-base", 5*time.Second, 0)
	if err == nil {
		t.Fatalf("expected tampered payload to fail verification")
	}
}

func TestPublishAsMineFetchAllAggregatesWriters(t *testing.T) {
	ctx := context.Background()
	alice := mustIdentity(t, "alice")
	bob := mustIdentity(t, "bob")
	store := memdht.New(alice.ValueID())

	if err := PublishAsMine(ctx, store, alice, "shared-base", []byte("from alice"), time.Minute); err != nil {
		t.Fatalf("PublishAsMine alice: %v", err)
	}
	if err := PublishAsMine(ctx, store, bob, "shared-base", []byte("from bob"), time.Minute); err != nil {
		t.Fatalf("PublishAsMine bob: %v", err)
	}

	all, err := FetchAll(ctx, store, "shared-base")
	if err != nil {
		t.Fatalf("FetchAll: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 writer values, got %d", len(all))
	}
}

// failingStore rejects every Put so publish retry exhaustion can be
// observed.
type failingStore struct {
	dht.Store
	err error
}

func (f *failingStore) Put(ctx context.Context, key dht.Key, value []byte, ttl time.Duration) error {
	return f.err
}

func TestPublishExhaustedRetriesSurfacesUnpublished(t *testing.T) {
	id := mustIdentity(t, "grace")
	store := &failingStore{Store: memdht.New(id.ValueID()), err: dht.ErrTransient}
	ctx := context.Background()

	err := Publish(ctx, store, id, "doomed", []byte("payload"), time.Minute)
	if !errors.Is(err, ErrUnpublished) {
		t.Fatalf("expected ErrUnpublished after exhausted retries, got %v", err)
	}
}

func TestPublishTooLargeRejected(t *testing.T) {
	id := mustIdentity(t, "erin")
	store := memdht.New(id.ValueID())
	ctx := context.Background()

	oversized := make([]byte, MaxBlobSize+1)
	err := Publish(ctx, store, id, "oversized", oversized, time.Minute)
	if err == nil {
		t.Fatalf("expected ErrChunkTooLarge for an oversized blob")
	}
}
