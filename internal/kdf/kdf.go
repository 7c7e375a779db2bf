// Package kdf derives DHT wire-level keys from human-readable base key
// strings. Every application state kind in this module names its data
// with a structured string (e.g. "<fp>:dht_identity",
// "dna:feed:post:<post_id>:comments") and lets DeriveKey turn it into
// the 64-byte key the DHT actually indexes on.
package kdf

import (
	"encoding/hex"

	"golang.org/x/crypto/sha3"
)

// KeySize is the width of a derived DHT key, in bytes.
const KeySize = 64

// Key is a derived 64-byte DHT wire-level key.
type Key [KeySize]byte

// DeriveKey hashes the UTF-8 bytes of base with SHA3-512. It is a pure
// function: deterministic and collision-resistant for any input the
// caller can construct.
func DeriveKey(base string) Key {
	return Key(sha3.Sum512([]byte(base)))
}

// Hex renders the key as a lowercase hex string, useful for logging
// and for store implementations that key on strings.
func (k Key) Hex() string {
	return hex.EncodeToString(k[:])
}

// String implements fmt.Stringer.
func (k Key) String() string {
	return k.Hex()
}

// Sub derives a child key by appending a literal suffix to a base
// string before hashing, e.g. Sub("dna:feed:post:1", ":comments").
// Used by components that need a family of related keys hashed
// independently (chunk sub-keys, per-day sub-keys) without re-deriving
// the base string by hand at every call site.
func Sub(base, suffix string) Key {
	return DeriveKey(base + suffix)
}
