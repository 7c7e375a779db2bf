// Package statekind implements the per-kind adapters over the rest of
// this module: every application state kind shares the outer pipeline
// `JSON payload -> sign -> self-encrypt -> envelope -> chunked
// publish` (and its dual on read); what differs per kind is the
// magic, JSON schema, TTL, key-name rule, and whether the storage
// pattern is single-writer-chunked or multi-writer fan-in.
package statekind

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kindlyrobotics/dnaclient/internal/chunked"
	"github.com/kindlyrobotics/dnaclient/internal/corectx"
	"github.com/kindlyrobotics/dnaclient/internal/envelope"
	"github.com/kindlyrobotics/dnaclient/internal/mwindex"
	"github.com/kindlyrobotics/dnaclient/internal/selfenc"
)

// Integrity errors on a single-writer value are returned to the
// caller rather than silently skipped; multi-writer reads skip the
// offending entry instead (see MultiWriter.FetchAll).
var (
	ErrCorrupt         = errors.New("statekind: CORRUPT")
	ErrVersionRejected = errors.New("statekind: version outside accepted range")
)

// Kind bundles what varies between application state kinds: the
// envelope magic, accepted version range and TTL. A Kind value is
// immutable and safe to share across goroutines.
type Kind struct {
	Magic      envelope.Kind
	MinVersion uint8
	MaxVersion uint8
	TTL        time.Duration
}

// SingleWriter is the pipeline for kinds stored as one chunked value
// per owner (contact list, address book, group list, GEKs, message
// backup, feed registry/channel-meta/post, wall poster bucket). T is
// the application-level JSON schema for the kind.
type SingleWriter[T any] struct {
	Kind Kind
}

// Publish serializes payload, signs and self-encrypts it for
// recipientKEMPub, frames it in an envelope and hands the result to
// the chunked transport under baseKey.
func (s SingleWriter[T]) Publish(ctx context.Context, cc *corectx.Context, baseKey string, recipientKEMPub []byte, payload T, now time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("statekind: marshaling payload: %w", err)
	}

	timestampS := now.Unix()
	sealed, err := selfenc.Encrypt(recipientKEMPub, cc.Identity.SignPriv, body, timestampS)
	if err != nil {
		return fmt.Errorf("statekind: self-encrypting: %w", err)
	}

	env := envelope.Envelope{
		Kind:      s.Kind.Magic,
		Version:   s.Kind.MaxVersion,
		Timestamp: timestampS,
		Expiry:    timestampS + int64(s.Kind.TTL/time.Second),
		Payload:   sealed.Ciphertext,
		Signature: sealed.Signature,
	}
	wire, err := envelope.Encode(env)
	if err != nil {
		return fmt.Errorf("statekind: encoding envelope: %w", err)
	}

	return chunked.Publish(ctx, cc.Store, cc.Identity, baseKey, wire, s.Kind.TTL)
}

// Fetch reassembles, decrypts and verifies the value at baseKey,
// checking the sender signing public key against expectedSignPub
// (pass cc.Identity.SignPub for personal state; the writer's known
// public key for shared state read by a different identity).
func (s SingleWriter[T]) Fetch(ctx context.Context, cc *corectx.Context, baseKey string, recipientKEMPriv, expectedSignPub []byte, now time.Time, personal bool) (T, error) {
	var out T

	wire, err := chunked.Fetch(ctx, cc.Store, baseKey, cc.ChunkDeadline, cc.ChunkFanOut)
	if err != nil {
		return out, err
	}

	env, err := envelope.Decode(wire, s.Kind.Magic, s.Kind.MinVersion, s.Kind.MaxVersion, now.Unix())
	if errors.Is(err, envelope.ErrBadVersion) {
		// Reject outside the accepted range, never partial salvage of
		// older schema versions.
		return out, fmt.Errorf("%w: %v", ErrVersionRejected, err)
	}
	if err != nil {
		return out, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}

	plaintext, err := selfenc.Decrypt(recipientKEMPriv, env.Payload)
	if err != nil {
		return out, err
	}

	if err := selfenc.VerifySignature(expectedSignPub, plaintext, env.Timestamp, env.Signature); err != nil {
		return out, err
	}
	if personal {
		if err := selfenc.VerifySelf(cc.Identity.SignPub, expectedSignPub); err != nil {
			return out, err
		}
	}

	if err := json.Unmarshal(plaintext, &out); err != nil {
		return out, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return out, nil
}

// MultiWriter is the pipeline for kinds where many writers each
// publish one small JSON entry under the same key (group day-outbox,
// feed day-index, feed comments, feed votes, wall contributor index).
// T must satisfy internal/mwindex.Keyed so FetchAll can dedupe and
// sort the merged result. Entries are expected to stay under 4 KiB
// and are stored as a single chunked-manifest value (TotalChunks==1)
// rather than a manifest/chunk pair.
type MultiWriter[T mwindex.Keyed[T]] struct {
	TTL time.Duration
}

// Publish writes entry under baseKey tagged by the caller's value_id,
// superseding any previous value this writer published there.
func (m MultiWriter[T]) Publish(ctx context.Context, cc *corectx.Context, baseKey string, entry T) error {
	body, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("statekind: marshaling entry: %w", err)
	}
	return chunked.PublishAsMine(ctx, cc.Store, cc.Identity, baseKey, body, m.TTL)
}

// FetchAll retrieves every writer's current entry at baseKey, dedupes
// by the entry's DedupKey and sorts ascending by InnerTimestamp (send
// order). Malformed entries from individual writers are skipped, never
// fatal to the aggregate.
func (m MultiWriter[T]) FetchAll(ctx context.Context, cc *corectx.Context, baseKey string) ([]T, error) {
	owned, err := chunked.FetchAll(ctx, cc.Store, baseKey)
	if err != nil {
		return nil, err
	}

	items := make([]T, 0, len(owned))
	for _, o := range owned {
		var entry T
		if err := json.Unmarshal(o.Bytes, &entry); err != nil {
			continue
		}
		items = append(items, entry)
	}
	return mwindex.Merge(items), nil
}
