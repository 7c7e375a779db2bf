// Package memdht is a goroutine-safe in-memory implementation of the
// dht.Store interface, used only by this module's own test suite and
// conformance harness. Production callers bring their own DHT
// overlay; this package is never exported as one.
package memdht

import (
	"context"
	"sync"
	"time"

	"github.com/kindlyrobotics/dnaclient/internal/dht"
)

type storedValue struct {
	value     []byte
	valueID   uint64
	expiresAt time.Time
}

type listener struct {
	key Key
	cb  dht.Callback
}

// Key is a local alias so memdht's API reads naturally; it is
// identical to dht.Key.
type Key = dht.Key

// Store is an in-memory dht.Store. The zero value is not usable; use
// New.
type Store struct {
	ownerValueID uint64

	mu     sync.RWMutex
	values map[Key][]storedValue

	listenMu  sync.Mutex
	listeners map[dht.ListenToken]listener
	nextToken dht.ListenToken
}

// New creates an in-memory store whose local writer identifies itself
// with ownerValueID (see internal/mwindex.ValueIDForOwner).
func New(ownerValueID uint64) *Store {
	return &Store{
		ownerValueID: ownerValueID,
		values:       make(map[Key][]storedValue),
		listeners:    make(map[dht.ListenToken]listener),
	}
}

func (s *Store) Put(ctx context.Context, key Key, value []byte, ttl time.Duration) error {
	return s.putWithValueID(key, value, s.ownerValueID, ttl)
}

func (s *Store) PutSigned(ctx context.Context, key Key, value []byte, valueID uint64, ttl time.Duration, kindTag string) error {
	return s.putWithValueID(key, value, valueID, ttl)
}

func (s *Store) putWithValueID(key Key, value []byte, valueID uint64, ttl time.Duration) error {
	cp := append([]byte(nil), value...)
	entry := storedValue{value: cp, valueID: valueID, expiresAt: time.Now().Add(ttl)}

	s.mu.Lock()
	list := s.values[key]
	replaced := false
	for i, v := range list {
		if v.valueID == valueID {
			list[i] = entry
			replaced = true
			break
		}
	}
	if !replaced {
		list = append(list, entry)
	}
	s.values[key] = list
	s.mu.Unlock()

	s.notify(key, cp)
	return nil
}

func (s *Store) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	s.mu.RLock()
	list := s.liveLocked(key)
	s.mu.RUnlock()
	if len(list) == 0 {
		return nil, false, nil
	}
	// newest-wins by insertion order is good enough for the in-memory
	// reference store; callers that need envelope-timestamp
	// tie-breaking apply it themselves.
	last := list[len(list)-1]
	return append([]byte(nil), last.value...), true, nil
}

func (s *Store) GetAll(ctx context.Context, key Key) ([][]byte, error) {
	s.mu.RLock()
	list := s.liveLocked(key)
	s.mu.RUnlock()

	out := make([][]byte, 0, len(list))
	for _, v := range list {
		out = append(out, append([]byte(nil), v.value...))
	}
	return out, nil
}

// liveLocked must be called with s.mu held (read or write).
func (s *Store) liveLocked(key Key) []storedValue {
	now := time.Now()
	all := s.values[key]
	live := make([]storedValue, 0, len(all))
	for _, v := range all {
		if v.expiresAt.After(now) {
			live = append(live, v)
		}
	}
	return live
}

func (s *Store) Listen(ctx context.Context, key Key, callback dht.Callback) (dht.ListenToken, error) {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	s.nextToken++
	token := s.nextToken
	s.listeners[token] = listener{key: key, cb: callback}
	return token, nil
}

func (s *Store) CancelListen(ctx context.Context, token dht.ListenToken) error {
	s.listenMu.Lock()
	defer s.listenMu.Unlock()
	delete(s.listeners, token)
	return nil
}

func (s *Store) OwnerValueID() uint64 {
	return s.ownerValueID
}

func (s *Store) notify(key Key, value []byte) {
	s.listenMu.Lock()
	var matches []dht.Callback
	for _, l := range s.listeners {
		if l.key == key {
			matches = append(matches, l.cb)
		}
	}
	s.listenMu.Unlock()

	for _, cb := range matches {
		cb(value)
	}
}
