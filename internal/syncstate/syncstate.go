// Package syncstate is the local persistence layer for internal/sync:
// per-kind, per-group `last_synced_day` / `last_sync_ts` bookkeeping,
// plus the dedup index SyncDay needs to report only newly-observed
// inner items. It is a thin struct wrapping a *sql.DB over a local
// SQLite file, opened once and migrated with CREATE TABLE IF NOT
// EXISTS.
package syncstate

import (
	"database/sql"
	"fmt"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kindlyrobotics/dnaclient/internal/corectx"
)

// Store is the local sync-state database. All methods are safe for
// concurrent use; the underlying *sql.DB pools its own connections but
// callers still serialize through a single mutex covering both
// tables, and no lock is held across a DHT call.
type Store struct {
	mu  sync.Mutex
	db  *sql.DB
	log corectx.Logger
}

// Open creates or attaches to a SQLite database file at path and
// ensures its schema exists.
func Open(path string, log corectx.Logger) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("syncstate: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if log == nil {
		log = corectx.NewTaggedLogger("SyncState")
	}
	s := &Store{db: db, log: log}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sync_progress (
			sync_key        TEXT PRIMARY KEY,
			last_synced_day INTEGER NOT NULL,
			last_sync_ts    INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS seen_items (
			sync_key TEXT NOT NULL,
			item_key TEXT NOT NULL,
			PRIMARY KEY (sync_key, item_key)
		);
	`)
	if err != nil {
		return fmt.Errorf("syncstate: migrating schema: %w", err)
	}
	s.log.Printf("schema ready")
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// Progress is the persisted sync position for one sync key (a
// combination of kind and group/channel identifier).
type Progress struct {
	LastSyncedDay int64
	LastSyncTS    int64
}

// LoadProgress returns the persisted progress for syncKey, or the zero
// value with ok=false if nothing has been recorded yet.
func (s *Store) LoadProgress(syncKey string) (Progress, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var p Progress
	row := s.db.QueryRow(`SELECT last_synced_day, last_sync_ts FROM sync_progress WHERE sync_key = ?`, syncKey)
	switch err := row.Scan(&p.LastSyncedDay, &p.LastSyncTS); err {
	case nil:
		return p, true, nil
	case sql.ErrNoRows:
		return Progress{}, false, nil
	default:
		return Progress{}, false, fmt.Errorf("syncstate: loading progress for %s: %w", syncKey, err)
	}
}

// SaveProgress upserts the sync position for syncKey.
func (s *Store) SaveProgress(syncKey string, p Progress) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO sync_progress (sync_key, last_synced_day, last_sync_ts)
		VALUES (?, ?, ?)
		ON CONFLICT(sync_key) DO UPDATE SET last_synced_day = excluded.last_synced_day, last_sync_ts = excluded.last_sync_ts
	`, syncKey, p.LastSyncedDay, p.LastSyncTS)
	if err != nil {
		return fmt.Errorf("syncstate: saving progress for %s: %w", syncKey, err)
	}
	return nil
}

// MarkSeen records itemKey as observed under syncKey and reports
// whether it was newly seen (true) or already known (false). Used by
// internal/sync's sync_day to count only newly-observed inner items.
func (s *Store) MarkSeen(syncKey, itemKey string) (isNew bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(`INSERT OR IGNORE INTO seen_items (sync_key, item_key) VALUES (?, ?)`, syncKey, itemKey)
	if err != nil {
		return false, fmt.Errorf("syncstate: marking %s/%s seen: %w", syncKey, itemKey, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("syncstate: checking rows affected: %w", err)
	}
	return n > 0, nil
}
