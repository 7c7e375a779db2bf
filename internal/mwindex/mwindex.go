// Package mwindex implements the multi-writer key idiom: many authors
// each publish one value under a shared key, tagged by a value_id
// unique to their identity, and readers merge/dedupe across writers.
// Used for contributor indices, day-bucket message outboxes,
// comments, votes and feed day-buckets.
package mwindex

import (
	"encoding/binary"
	"sort"

	"golang.org/x/crypto/sha3"
)

// ValueIDForOwner derives a stable, non-zero value_id for an identity
// from its signing public key: deterministic across sessions, with no
// extra storage required.
func ValueIDForOwner(signPub []byte) uint64 {
	sum := sha3.Sum256(signPub)
	id := binary.BigEndian.Uint64(sum[:8])
	if id == 0 {
		// Collapsing to zero is astronomically unlikely for a
		// SHA3-256 digest, but value_id==0 is reserved to mean
		// "unset" by convention, so nudge it off zero deterministically.
		id = 1
	}
	return id
}

// Keyed is anything with an application-level dedup key (e.g. a
// post_id or message_id) and an inner timestamp used to break ties
// between entries sharing that key.
type Keyed[T any] interface {
	DedupKey() string
	InnerTimestamp() int64
}

// Merge implements the reader-side merge rule: iterate all writers'
// decoded values, dedupe by inner id, keep the entry with the highest
// inner timestamp on ties, and sort the survivors ascending by inner
// timestamp (entries with equal timestamps ordered by dedup key), so a
// merged day bucket reads in send order. Callers that
// want newest-first reverse the slice. Merge is idempotent: feeding it
// the same input twice (e.g. because a caller re-ran fetch-all) yields
// the same output.
func Merge[T Keyed[T]](items []T) []T {
	best := make(map[string]T, len(items))
	for _, item := range items {
		key := item.DedupKey()
		cur, ok := best[key]
		if !ok || item.InnerTimestamp() > cur.InnerTimestamp() {
			best[key] = item
		}
	}

	out := make([]T, 0, len(best))
	for _, v := range best {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].InnerTimestamp() != out[j].InnerTimestamp() {
			return out[i].InnerTimestamp() < out[j].InnerTimestamp()
		}
		return out[i].DedupKey() < out[j].DedupKey()
	})
	return out
}
