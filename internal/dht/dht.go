// Package dht declares the narrow interface this module consumes from
// the externally owned Kademlia-style overlay (routing, UDP transport,
// bucket refresh and node discovery all live there, not here). Every
// other package in this module depends only on this interface, never
// on a concrete DHT implementation, so swapping overlays never
// touches the core.
package dht

import (
	"context"
	"errors"
	"time"
)

// KeySize is the width of a DHT wire-level key.
const KeySize = 64

// Key is a derived DHT wire-level key (see internal/kdf).
type Key [KeySize]byte

// ValueSizeCeiling is the assumed per-value size ceiling the overlay
// enforces; internal/chunked exists because real blobs routinely
// exceed it.
const ValueSizeCeiling = 64 * 1024

// Error kinds surfaced by a Store implementation.
var (
	ErrNotFound  = errors.New("dht: not found")
	ErrTimeout   = errors.New("dht: timeout")
	ErrTransient = errors.New("dht: transient failure")
)

// ListenToken identifies an active subscription so it can later be
// cancelled.
type ListenToken uint64

// Callback receives a raw value observed at a listened key.
type Callback func(value []byte)

// Store is the DHT primitive this module consumes.
// Implementations MUST be safe for concurrent use by multiple
// goroutines, since the overlay may invoke callbacks on arbitrary
// goroutines.
type Store interface {
	// Put writes value under key with the given TTL. Multiple Puts to
	// the same key by the same writer should supersede each other by
	// timestamp in bounded time; the DHT is otherwise append-only.
	Put(ctx context.Context, key Key, value []byte, ttl time.Duration) error

	// PutSigned writes value under key tagged by valueID, so that
	// distinct writers publishing to the same key do not clobber each
	// other. kindTag is an opaque hint the overlay may use for
	// diagnostics; it carries no protocol meaning.
	PutSigned(ctx context.Context, key Key, value []byte, valueID uint64, ttl time.Duration, kindTag string) error

	// Get returns the newest single value at key by the overlay's own
	// tie-breaking policy, or ok=false if nothing is stored.
	Get(ctx context.Context, key Key) (value []byte, ok bool, err error)

	// GetAll returns every extant value at key, one per writer.
	GetAll(ctx context.Context, key Key) ([][]byte, error)

	// Listen registers callback to be invoked whenever a new value
	// appears at key, returning a token usable with CancelListen.
	Listen(ctx context.Context, key Key, callback Callback) (ListenToken, error)

	// CancelListen tears down a subscription created by Listen.
	CancelListen(ctx context.Context, token ListenToken) error

	// OwnerValueID returns the stable non-zero value_id of the local
	// writer, as derived by internal/mwindex.
	OwnerValueID() uint64
}
