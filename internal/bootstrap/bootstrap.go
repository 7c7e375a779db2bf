// Package bootstrap implements the bootstrap-node cache: a small
// local database of known peers, queried and updated as the core
// discovers and dials overlay nodes. The overlay itself owns peer
// routing; this cache only remembers who was reachable.
package bootstrap

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kindlyrobotics/dnaclient/internal/corectx"
)

// Peer is one row of the bootstrap-node cache: ip, port,
// last_connected, connection_attempts, connection_failures.
type Peer struct {
	IP                 string
	Port               int
	LastConnected      time.Time
	ConnectionAttempts int
	ConnectionFailures int
}

// Cache is the local bootstrap-node store. Safe for concurrent use.
type Cache struct {
	mu  sync.Mutex
	db  *sql.DB
	log corectx.Logger
}

// Open creates or attaches to a SQLite database file at path.
func Open(path string, log corectx.Logger) (*Cache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: opening %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if log == nil {
		log = corectx.NewTaggedLogger("Bootstrap")
	}
	c := &Cache{db: db, log: log}
	if err := c.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *Cache) migrate() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS bootstrap_peers (
			ip                  TEXT NOT NULL,
			port                INTEGER NOT NULL,
			last_connected      INTEGER NOT NULL DEFAULT 0,
			connection_attempts INTEGER NOT NULL DEFAULT 0,
			connection_failures INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (ip, port)
		);
	`)
	if err != nil {
		return fmt.Errorf("bootstrap: migrating schema: %w", err)
	}
	c.log.Printf("schema ready")
	return nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

// Upsert records a successful connection to a peer, resetting its
// failure counter and bumping the attempt counter.
func (c *Cache) Upsert(peer Peer) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(`
		INSERT INTO bootstrap_peers (ip, port, last_connected, connection_attempts, connection_failures)
		VALUES (?, ?, ?, 1, 0)
		ON CONFLICT(ip, port) DO UPDATE SET
			last_connected = excluded.last_connected,
			connection_attempts = bootstrap_peers.connection_attempts + 1,
			connection_failures = 0
	`, peer.IP, peer.Port, peer.LastConnected.Unix())
	if err != nil {
		return fmt.Errorf("bootstrap: upserting %s:%d: %w", peer.IP, peer.Port, err)
	}
	return nil
}

// RecordFailure increments a peer's failure counter, inserting a row
// for peers not previously seen.
func (c *Cache) RecordFailure(ip string, port int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, err := c.db.Exec(`
		INSERT INTO bootstrap_peers (ip, port, last_connected, connection_attempts, connection_failures)
		VALUES (?, ?, 0, 1, 1)
		ON CONFLICT(ip, port) DO UPDATE SET
			connection_attempts = bootstrap_peers.connection_attempts + 1,
			connection_failures = bootstrap_peers.connection_failures + 1
	`, ip, port)
	if err != nil {
		return fmt.Errorf("bootstrap: recording failure for %s:%d: %w", ip, port, err)
	}
	return nil
}

// Best returns up to limit peers ordered by fewest recent failures and
// most recent successful connection, suitable for a fresh overlay join.
func (c *Cache) Best(limit int) ([]Peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rows, err := c.db.Query(`
		SELECT ip, port, last_connected, connection_attempts, connection_failures
		FROM bootstrap_peers
		ORDER BY connection_failures ASC, last_connected DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: querying best peers: %w", err)
	}
	defer rows.Close()

	var peers []Peer
	for rows.Next() {
		var p Peer
		var lastConnected int64
		if err := rows.Scan(&p.IP, &p.Port, &lastConnected, &p.ConnectionAttempts, &p.ConnectionFailures); err != nil {
			return nil, fmt.Errorf("bootstrap: scanning peer row: %w", err)
		}
		p.LastConnected = time.Unix(lastConnected, 0).UTC()
		peers = append(peers, p)
	}
	return peers, rows.Err()
}
