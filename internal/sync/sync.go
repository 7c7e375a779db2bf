// Package sync implements the listen/sync driver:
// subscribe/unsubscribe on a raw key, day-bucket fetch-all with dedup
// against a local index, range catch-up, day-boundary listener
// rotation and the smart-sync heuristic.
package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kindlyrobotics/dnaclient/internal/chunked"
	"github.com/kindlyrobotics/dnaclient/internal/corectx"
	"github.com/kindlyrobotics/dnaclient/internal/dht"
	"github.com/kindlyrobotics/dnaclient/internal/kdf"
	"github.com/kindlyrobotics/dnaclient/internal/syncstate"
)

// DayRule names the day-bucketed key family a Driver is watching,
// e.g. group day-outbox or feed day-index. Base(day) must be stable
// and collision-free across distinct logical streams.
type DayRule struct {
	// SyncKey identifies this rule's row in the local sync-state
	// store, independent of any individual day (e.g.
	// "group:<uuid>:out").
	SyncKey string
	// Retention is the number of trailing days the producer side is
	// expected to keep republishing (the kind's fixed retention,
	// realized by TTL).
	Retention int
	// Base renders the base key string for a given UTC unix day.
	Base func(day int64) string
}

// unixDay converts t to a UTC unix-day number (seconds since epoch / 86400).
func unixDay(t time.Time) int64 { return t.UTC().Unix() / 86400 }

// Driver is the listen/sync context threaded through an application's
// long-lived sync loop. One Driver typically serves one day-bucketed
// stream (one group's outbox, one feed's day index); callers hold
// several Drivers for several streams.
type Driver struct {
	cc    *corectx.Context
	state *syncstate.Store
	cache TokenCache

	mu        sync.Mutex
	listeners map[dht.ListenToken]string // token -> raw base key, for diagnostics
}

// New builds a Driver over an already-open sync-state store, with no
// TokenCache (the purely in-process diagnostics map still works).
func New(cc *corectx.Context, state *syncstate.Store) *Driver {
	return &Driver{cc: cc, state: state, listeners: make(map[dht.ListenToken]string)}
}

// NewWithTokenCache builds a Driver that also best-effort mirrors
// active listen tokens into cache (typically a RedisTokenCache).
func NewWithTokenCache(cc *corectx.Context, state *syncstate.Store, cache TokenCache) *Driver {
	d := New(cc, state)
	d.cache = cache
	return d
}

// Subscribe registers callback on the raw (non-day-bucketed) key
// baseKey and returns a token usable with Unsubscribe.
func (d *Driver) Subscribe(ctx context.Context, baseKey string, callback dht.Callback) (dht.ListenToken, error) {
	token, err := d.cc.Store.Listen(ctx, dht.Key(kdf.DeriveKey(baseKey)), callback)
	if err != nil {
		return 0, fmt.Errorf("sync: subscribing to %s: %w", baseKey, err)
	}

	d.mu.Lock()
	d.listeners[token] = baseKey
	d.mu.Unlock()

	if d.cache != nil {
		if err := d.cache.Set(ctx, baseKey, token); err != nil {
			d.cc.Log.Printf("token cache set failed for %s: %v", baseKey, err)
		}
	}
	return token, nil
}

// Unsubscribe tears down a subscription created by Subscribe.
func (d *Driver) Unsubscribe(ctx context.Context, token dht.ListenToken) error {
	d.mu.Lock()
	baseKey := d.listeners[token]
	d.mu.Unlock()

	if d.cache != nil && baseKey != "" {
		if err := d.cache.Delete(ctx, baseKey); err != nil {
			d.cc.Log.Printf("token cache delete failed for %s: %v", baseKey, err)
		}
	}

	if err := d.cc.Store.CancelListen(ctx, token); err != nil {
		return fmt.Errorf("sync: unsubscribing: %w", err)
	}
	d.mu.Lock()
	delete(d.listeners, token)
	d.mu.Unlock()
	return nil
}

// DayListener tracks the single active subscription for a
// day-bucketed rule, rotating it across UTC day boundaries.
type DayListener struct {
	driver *Driver
	rule   DayRule

	mu       sync.Mutex
	day      int64
	token    dht.ListenToken
	hasToken bool
	callback dht.Callback
}

// NewDayListener subscribes to the bucket for today and returns a
// listener that Rotate keeps current.
func NewDayListener(ctx context.Context, d *Driver, rule DayRule, callback dht.Callback) (*DayListener, error) {
	dl := &DayListener{driver: d, rule: rule, callback: callback}
	today := unixDay(time.Now())
	if err := dl.subscribeDay(ctx, today); err != nil {
		return nil, err
	}
	return dl, nil
}

func (dl *DayListener) subscribeDay(ctx context.Context, day int64) error {
	token, err := dl.driver.Subscribe(ctx, dl.rule.Base(day), dl.callback)
	if err != nil {
		return err
	}
	dl.mu.Lock()
	dl.day, dl.token, dl.hasToken = day, token, true
	dl.mu.Unlock()
	return nil
}

// Rotate checks the current UTC day against the listener's subscribed
// day and, on a mismatch of more than the one-day clock-skew grace
// window, unsubscribes the stale day and subscribes to the current
// one. Call it periodically (e.g. once a minute) from a driving loop.
func (dl *DayListener) Rotate(ctx context.Context) error {
	today := unixDay(time.Now())

	dl.mu.Lock()
	listenDay := dl.day
	oldToken := dl.token
	hasToken := dl.hasToken
	dl.mu.Unlock()

	if today-listenDay <= 1 && listenDay-today <= 1 {
		return nil
	}

	if hasToken {
		if err := dl.driver.Unsubscribe(ctx, oldToken); err != nil {
			return err
		}
	}
	return dl.subscribeDay(ctx, today)
}

// Close tears down the listener's active subscription.
func (dl *DayListener) Close(ctx context.Context) error {
	dl.mu.Lock()
	token, hasToken := dl.token, dl.hasToken
	dl.hasToken = false
	dl.mu.Unlock()

	if !hasToken {
		return nil
	}
	return dl.driver.Unsubscribe(ctx, token)
}

// keyedItem is the minimal shape sync_day needs to dedupe entries: a
// stable per-item key. Concrete state kinds (internal/statekind)
// already implement DedupKey via mwindex.Keyed; sync_day works against
// any []byte-to-string projection the caller supplies so it stays
// independent of any one kind's JSON schema.
type keyedItem interface {
	DedupKey() string
}

// SyncDay fetches every writer's current entry at rule.Base(day),
// marks each against the local dedup index and returns the count of
// items not previously observed for rule.SyncKey. Entries that fail to
// decode are skipped, never fatal.
func SyncDay[T keyedItem](ctx context.Context, d *Driver, rule DayRule, day int64, decode func([]byte) (T, error)) (newCount int, err error) {
	baseKey := rule.Base(day)
	owned, err := chunked.FetchAll(ctx, d.cc.Store, baseKey)
	if err != nil {
		if errors.Is(err, dht.ErrNotFound) {
			return 0, nil
		}
		return 0, fmt.Errorf("sync: fetching day bucket %s: %w", baseKey, err)
	}

	for _, o := range owned {
		item, decErr := decode(o.Bytes)
		if decErr != nil {
			continue
		}
		isNew, markErr := d.state.MarkSeen(rule.SyncKey, item.DedupKey())
		if markErr != nil {
			return newCount, markErr
		}
		if isNew {
			newCount++
		}
	}
	return newCount, nil
}

// SyncRange iterates SyncDay across [firstDay, lastDay] inclusive and
// persists the furthest day reached as last_synced_day.
func SyncRange[T keyedItem](ctx context.Context, d *Driver, rule DayRule, firstDay, lastDay int64, decode func([]byte) (T, error)) (totalNew int, err error) {
	for day := firstDay; day <= lastDay; day++ {
		n, err := SyncDay(ctx, d, rule, day, decode)
		if err != nil {
			return totalNew, err
		}
		totalNew += n
	}

	now := time.Now()
	return totalNew, d.state.SaveProgress(rule.SyncKey, syncstate.Progress{
		LastSyncedDay: lastDay,
		LastSyncTS:    now.Unix(),
	})
}

// SmartSyncRange computes the day range a caller should sync next: a
// recently-synced stream only needs [today-1, today+1]; a stale one
// needs the full retention window.
func SmartSyncRange(rule DayRule, progress syncstate.Progress, now time.Time) (firstDay, lastDay int64) {
	today := unixDay(now)
	lastDay = today + 1

	staleness := now.Unix() - progress.LastSyncTS
	if progress.LastSyncTS != 0 && staleness < int64(3*24*time.Hour/time.Second) {
		return today - 1, lastDay
	}
	return today - int64(rule.Retention-1), lastDay
}
