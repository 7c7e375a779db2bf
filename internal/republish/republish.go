// Package republish implements the republish scheduler and the
// engagement-TTL touch operation: single-writer and multi-writer
// values alike live only until their TTL, so a writer that wants a
// value to persist must periodically re-publish it, and a reaction to
// an addressable object should touch its parent to extend its life.
package republish

import (
	"context"
	"sync"
	"time"

	"github.com/kindlyrobotics/dnaclient/internal/chunked"
	"github.com/kindlyrobotics/dnaclient/internal/corectx"
)

// Entry is one value this process is responsible for keeping alive.
type Entry struct {
	BaseKey string
	TTL     time.Duration
	// AsMine marks a multi-writer entry (chunked.PublishAsMine); false
	// means a single-writer chunked value (chunked.Publish).
	AsMine bool
}

// Touch re-publishes the value at baseKey with a fresh ttl, without
// decoding or re-validating its contents: the wire bytes already
// carry their own signature and envelope timestamp, so a Touch only
// needs to extend how long the DHT holds them.
//
// For a multi-writer entry, Touch only ever re-publishes this
// identity's own prior entry (chunked.FetchMine), never another
// writer's value.
func Touch(ctx context.Context, cc *corectx.Context, e Entry) error {
	if e.AsMine {
		wire, ok, err := chunked.FetchMine(ctx, cc.Store, cc.Identity, e.BaseKey)
		if err != nil {
			return err
		}
		if !ok {
			return nil // nothing of ours published here yet; nothing to extend
		}
		return chunked.PublishAsMine(ctx, cc.Store, cc.Identity, e.BaseKey, wire, e.TTL)
	}

	wire, err := chunked.Fetch(ctx, cc.Store, e.BaseKey, cc.ChunkDeadline, cc.ChunkFanOut)
	if err != nil {
		return err
	}
	return chunked.Publish(ctx, cc.Store, cc.Identity, e.BaseKey, wire, e.TTL)
}

// Scheduler periodically touches every registered Entry, at
// cc.RepublishInterval (callers typically pick min(TTL)/2). Errors
// are logged and do not stop the loop; a single bad republish should
// not take down every other entry's keep-alive.
type Scheduler struct {
	cc *corectx.Context

	mu      sync.Mutex
	entries map[string]Entry

	stop chan struct{}
	done chan struct{}
}

// New builds a Scheduler bound to cc. Call Run to start it.
func New(cc *corectx.Context) *Scheduler {
	return &Scheduler{cc: cc, entries: make(map[string]Entry)}
}

// Register adds or replaces the republish entry for e.BaseKey.
func (s *Scheduler) Register(e Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.BaseKey] = e
}

// Unregister stops republishing baseKey.
func (s *Scheduler) Unregister(baseKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, baseKey)
}

// Run starts the background republish loop. It blocks until ctx is
// canceled or Stop is called; call it in its own goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	s.mu.Lock()
	if s.stop != nil {
		s.mu.Unlock()
		return // already running
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	stop := s.stop
	done := s.done
	s.mu.Unlock()
	defer func() {
		close(done)
		s.mu.Lock()
		s.stop, s.done = nil, nil
		s.mu.Unlock()
	}()

	interval := s.cc.RepublishInterval
	if interval <= 0 {
		interval = 12 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.touchAll(ctx)
		case <-stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) touchAll(ctx context.Context) {
	s.mu.Lock()
	snapshot := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		snapshot = append(snapshot, e)
	}
	s.mu.Unlock()

	for _, e := range snapshot {
		if err := Touch(ctx, s.cc, e); err != nil {
			s.cc.Log.Printf("republish of %s failed: %v", e.BaseKey, err)
		}
	}
}

// Stop halts the background loop started by Run and waits for it to
// exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
