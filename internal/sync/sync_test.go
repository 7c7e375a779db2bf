package sync

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/kindlyrobotics/dnaclient/internal/chunked"
	"github.com/kindlyrobotics/dnaclient/internal/corectx"
	"github.com/kindlyrobotics/dnaclient/internal/dht/memdht"
	"github.com/kindlyrobotics/dnaclient/internal/identity"
	"github.com/kindlyrobotics/dnaclient/internal/syncstate"
)

type testItem struct {
	ID string `json:"id"`
}

func (i testItem) DedupKey() string { return i.ID }

func decodeTestItem(raw []byte) (testItem, error) {
	var i testItem
	err := json.Unmarshal(raw, &i)
	return i, err
}

func newTestDriver(t *testing.T) (*Driver, identity.Identity) {
	t.Helper()
	id, err := identity.Generate("writer", time.Now().Unix())
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	store := memdht.New(id.ValueID())
	cc := corectx.New(id, store)
	state, err := syncstate.Open(t.TempDir()+"/sync.db", nil)
	if err != nil {
		t.Fatalf("syncstate.Open: %v", err)
	}
	t.Cleanup(func() { state.Close() })
	return New(cc, state), id
}

func TestSyncDayCountsOnlyNewItems(t *testing.T) {
	d, id := newTestDriver(t)
	rule := DayRule{SyncKey: "group:test:out", Retention: 7, Base: func(day int64) string {
		return "dna:group:test:out:" + time.Unix(day*86400, 0).UTC().Format("20060102")
	}}
	day := unixDay(time.Now())
	baseKey := rule.Base(day)

	body, _ := json.Marshal(testItem{ID: "m1"})
	if err := chunked.PublishAsMine(context.Background(), d.cc.Store, id, baseKey, body, time.Hour); err != nil {
		t.Fatalf("PublishAsMine: %v", err)
	}

	n, err := SyncDay(context.Background(), d, rule, day, decodeTestItem)
	if err != nil {
		t.Fatalf("SyncDay: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 new item, got %d", n)
	}

	n, err = SyncDay(context.Background(), d, rule, day, decodeTestItem)
	if err != nil {
		t.Fatalf("SyncDay: %v", err)
	}
	if n != 0 {
		t.Fatalf("expected 0 new items on replay, got %d", n)
	}
}

func TestSyncRangePersistsProgress(t *testing.T) {
	d, _ := newTestDriver(t)
	rule := DayRule{SyncKey: "group:test:out", Retention: 7, Base: func(day int64) string {
		return "dna:group:test:out:" + time.Unix(day*86400, 0).UTC().Format("20060102")
	}}
	today := unixDay(time.Now())

	if _, err := SyncRange(context.Background(), d, rule, today-1, today+1, decodeTestItem); err != nil {
		t.Fatalf("SyncRange: %v", err)
	}

	p, ok, err := d.state.LoadProgress(rule.SyncKey)
	if err != nil {
		t.Fatalf("LoadProgress: %v", err)
	}
	if !ok || p.LastSyncedDay != today+1 {
		t.Fatalf("expected persisted last_synced_day %d, got %+v (ok=%v)", today+1, p, ok)
	}
}

func TestSmartSyncRangeRecentVsStale(t *testing.T) {
	rule := DayRule{SyncKey: "k", Retention: 10}
	now := time.Now()

	recent := syncstate.Progress{LastSyncTS: now.Add(-time.Hour).Unix()}
	first, last := SmartSyncRange(rule, recent, now)
	if first != unixDay(now)-1 || last != unixDay(now)+1 {
		t.Fatalf("expected narrow recent-sync window, got [%d,%d]", first, last)
	}

	stale := syncstate.Progress{LastSyncTS: now.Add(-10 * 24 * time.Hour).Unix()}
	first, last = SmartSyncRange(rule, stale, now)
	if first != unixDay(now)-int64(rule.Retention-1) || last != unixDay(now)+1 {
		t.Fatalf("expected full retention window, got [%d,%d]", first, last)
	}
}

func TestDayListenerRotateIsNoopWithinGrace(t *testing.T) {
	d, _ := newTestDriver(t)
	rule := DayRule{SyncKey: "group:test:out", Retention: 7, Base: func(day int64) string {
		return "dna:group:test:out:" + time.Unix(day*86400, 0).UTC().Format("20060102")
	}}

	dl, err := NewDayListener(context.Background(), d, rule, func([]byte) {})
	if err != nil {
		t.Fatalf("NewDayListener: %v", err)
	}
	if err := dl.Rotate(context.Background()); err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if err := dl.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
}
