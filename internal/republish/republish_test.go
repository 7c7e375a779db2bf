package republish

import (
	"context"
	"testing"
	"time"

	"github.com/kindlyrobotics/dnaclient/internal/chunked"
	"github.com/kindlyrobotics/dnaclient/internal/corectx"
	"github.com/kindlyrobotics/dnaclient/internal/dht/memdht"
	"github.com/kindlyrobotics/dnaclient/internal/identity"
)

func mustIdentity(t *testing.T) identity.Identity {
	t.Helper()
	id, err := identity.Generate("writer", time.Now().Unix())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	return id
}

func TestTouchSingleWriterExtendsWithoutChangingContent(t *testing.T) {
	id := mustIdentity(t)
	store := memdht.New(id.ValueID())
	cc := corectx.New(id, store)

	if err := chunked.Publish(context.Background(), store, id, "k", []byte("payload"), time.Millisecond); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	if err := Touch(context.Background(), cc, Entry{BaseKey: "k", TTL: time.Hour}); err != nil {
		t.Fatalf("Touch: %v", err)
	}

	// Original TTL (1ms) would have expired by now; Touch should have
	// refreshed it to an hour, so the value is still readable.
	time.Sleep(5 * time.Millisecond)
	got, err := chunked.Fetch(context.Background(), store, "k", time.Second, 0)
	if err != nil {
		t.Fatalf("Fetch after touch: %v", err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q, want %q", got, "payload")
	}
}

func TestTouchMultiWriterIsNoopWhenNothingPublished(t *testing.T) {
	id := mustIdentity(t)
	store := memdht.New(id.ValueID())
	cc := corectx.New(id, store)

	if err := Touch(context.Background(), cc, Entry{BaseKey: "k", TTL: time.Hour, AsMine: true}); err != nil {
		t.Fatalf("Touch on empty key should be a no-op, got: %v", err)
	}
}

func TestSchedulerRunAndStop(t *testing.T) {
	id := mustIdentity(t)
	store := memdht.New(id.ValueID())
	cc := corectx.New(id, store)
	cc.RepublishInterval = 10 * time.Millisecond

	if err := chunked.Publish(context.Background(), store, id, "k", []byte("payload"), time.Hour); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	s := New(cc)
	s.Register(Entry{BaseKey: "k", TTL: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go s.Run(ctx)
	time.Sleep(30 * time.Millisecond)
	s.Stop()
}
