// Package envelope implements the framed container shared by every
// application state kind: magic, version, timestamps, an encrypted
// payload and a post-quantum signature. The codec is content-agnostic:
// it never looks inside the payload and never verifies the signature;
// callers (internal/selfenc, internal/statekind) own that.
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Kind is the 4-byte ASCII magic tag identifying an application state
// kind, e.g. "MSGB", "GEKS", "ADDR", "CLST".
type Kind [4]byte

func NewKind(s string) Kind {
	var k Kind
	copy(k[:], s)
	return k
}

func (k Kind) String() string { return string(k[:]) }

// MinSize is the smallest possible encoded envelope: header fields
// plus zero-length payload and signature.
const MinSize = 4 + 1 + 8 + 8 + 4 + 4 // magic+version+timestamp+expiry+payload_len+sig_len

var (
	// ErrTooShort is returned when the buffer is shorter than MinSize.
	ErrTooShort = errors.New("envelope: buffer shorter than minimum header size")
	// ErrBadMagic is returned when the magic tag does not match the expected kind.
	ErrBadMagic = errors.New("envelope: magic mismatch")
	// ErrBadVersion is returned when version is outside [minVersion, maxVersion].
	ErrBadVersion = errors.New("envelope: version outside accepted range")
	// ErrBadLength is returned when declared lengths exceed the buffer or leave trailing bytes.
	ErrBadLength = errors.New("envelope: declared length inconsistent with buffer")
	// ErrExpired is returned when expiry_s has passed at decode time.
	ErrExpired = errors.New("envelope: expired")
	// ErrInvalidTimestamps is returned when expiry_s <= timestamp_s at encode time.
	ErrInvalidTimestamps = errors.New("envelope: expiry_s must be greater than timestamp_s")
)

// Envelope is the decoded form of the wire container.
type Envelope struct {
	Kind      Kind
	Version   uint8
	Timestamp int64 // seconds since epoch
	Expiry    int64 // seconds since epoch, must be > Timestamp
	Payload   []byte
	Signature []byte
}

// Encode packs an Envelope into its wire form. The caller is
// responsible for having already signed and encrypted Payload; this
// function only frames it.
func Encode(e Envelope) ([]byte, error) {
	if e.Expiry <= e.Timestamp {
		return nil, ErrInvalidTimestamps
	}
	if len(e.Payload) > int(^uint32(0)) || len(e.Signature) > int(^uint32(0)) {
		return nil, fmt.Errorf("%w: field exceeds uint32 range", ErrBadLength)
	}

	buf := make([]byte, MinSize+len(e.Payload)+len(e.Signature))
	off := 0
	copy(buf[off:off+4], e.Kind[:])
	off += 4
	buf[off] = e.Version
	off++
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(e.Timestamp))
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], uint64(e.Expiry))
	off += 8
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(e.Payload)))
	off += 4
	copy(buf[off:off+len(e.Payload)], e.Payload)
	off += len(e.Payload)
	binary.BigEndian.PutUint32(buf[off:off+4], uint32(len(e.Signature)))
	off += 4
	copy(buf[off:off+len(e.Signature)], e.Signature)

	return buf, nil
}

// Decode unpacks and validates the wire form of an envelope. now is
// the caller's notion of current wall-clock time (seconds since
// epoch) used to check expiry; callers pass time.Now().Unix().
//
// Decode fails with a specific error when: the buffer is shorter than
// MinSize; the magic tag does not match expectedKind; version is
// outside [minVersion, maxVersion]; declared lengths exceed the
// buffer or leave trailing bytes; expiry_s <= timestamp_s; or
// expiry_s <= now.
//
// No signature verification happens here.
func Decode(data []byte, expectedKind Kind, minVersion, maxVersion uint8, now int64) (Envelope, error) {
	var e Envelope

	if len(data) < MinSize {
		return e, ErrTooShort
	}

	off := 0
	var gotKind Kind
	copy(gotKind[:], data[off:off+4])
	off += 4
	if gotKind != expectedKind {
		return e, fmt.Errorf("%w: got %q want %q", ErrBadMagic, gotKind, expectedKind)
	}

	version := data[off]
	off++
	if version < minVersion || version > maxVersion {
		return e, fmt.Errorf("%w: got %d want [%d,%d]", ErrBadVersion, version, minVersion, maxVersion)
	}

	timestamp := int64(binary.BigEndian.Uint64(data[off : off+8]))
	off += 8
	expiry := int64(binary.BigEndian.Uint64(data[off : off+8]))
	off += 8

	payloadLen := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	if uint64(off)+uint64(payloadLen) > uint64(len(data)) {
		return e, fmt.Errorf("%w: payload_len %d exceeds buffer", ErrBadLength, payloadLen)
	}
	payload := data[off : off+int(payloadLen)]
	off += int(payloadLen)

	if off+4 > len(data) {
		return e, fmt.Errorf("%w: buffer too short for sig_len", ErrBadLength)
	}
	sigLen := binary.BigEndian.Uint32(data[off : off+4])
	off += 4
	if uint64(off)+uint64(sigLen) > uint64(len(data)) {
		return e, fmt.Errorf("%w: sig_len %d exceeds buffer", ErrBadLength, sigLen)
	}
	signature := data[off : off+int(sigLen)]
	off += int(sigLen)

	if off != len(data) {
		return e, fmt.Errorf("%w: %d trailing bytes", ErrBadLength, len(data)-off)
	}

	if expiry <= timestamp {
		return e, ErrInvalidTimestamps
	}
	if expiry <= now {
		return e, ErrExpired
	}

	e = Envelope{
		Kind:      gotKind,
		Version:   version,
		Timestamp: timestamp,
		Expiry:    expiry,
		Payload:   payload,
		Signature: signature,
	}
	return e, nil
}
