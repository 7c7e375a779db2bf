package bootstrap

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestCache(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "bootstrap.db")
	c, err := Open(path, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestUpsertThenBestOrdersByFailuresThenRecency(t *testing.T) {
	c := openTestCache(t)
	now := time.Now()

	if err := c.Upsert(Peer{IP: "10.0.0.1", Port: 9000, LastConnected: now}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := c.Upsert(Peer{IP: "10.0.0.2", Port: 9000, LastConnected: now.Add(-time.Hour)}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if err := c.RecordFailure("10.0.0.3", 9000); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	peers, err := c.Best(10)
	if err != nil {
		t.Fatalf("Best: %v", err)
	}
	if len(peers) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(peers))
	}
	if peers[len(peers)-1].IP != "10.0.0.3" {
		t.Fatalf("expected the failing peer last, got order %+v", peers)
	}
	if peers[0].IP != "10.0.0.1" {
		t.Fatalf("expected the most recently connected peer first, got %+v", peers[0])
	}
}

func TestRecordFailureAccumulates(t *testing.T) {
	c := openTestCache(t)

	for i := 0; i < 3; i++ {
		if err := c.RecordFailure("10.0.0.9", 9000); err != nil {
			t.Fatalf("RecordFailure: %v", err)
		}
	}

	peers, err := c.Best(10)
	if err != nil {
		t.Fatalf("Best: %v", err)
	}
	if len(peers) != 1 || peers[0].ConnectionFailures != 3 {
		t.Fatalf("expected accumulated failures, got %+v", peers)
	}
}
