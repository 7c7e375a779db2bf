// Package identity implements DHT identity generation, (de)serialization
// and the certificate that attests a node's public keys. An Identity
// carries both halves needed by the rest of this module: a
// Dilithium5/ML-DSA-87 class signing keypair (used to sign DHT puts
// and to derive the owner's value_id) and a Kyber-1024 class KEM
// keypair (used as the recipient key for self-encrypted personal
// state).
package identity

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	"github.com/cloudflare/circl/sign/dilithium/mode5"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/sha3"

	"github.com/kindlyrobotics/dnaclient/internal/mwindex"
	"github.com/kindlyrobotics/dnaclient/internal/selfenc"
)

// FingerprintSize is the length, in hex characters, of an identity
// fingerprint (SHA3-512 of the signing public key).
const FingerprintSize = 128

var (
	ErrInvalidFingerprintLength = errors.New("identity: fingerprint must be 128 hex characters")
	ErrCorruptExport            = errors.New("identity: corrupt export blob")
	ErrSeedSize                 = errors.New("identity: seed must be 32 bytes")
)

// Certificate attests an identity's public keys and carries a short
// node name. It is self-signed: the signature is produced by the same
// identity's signing private key over (NodeName || SignPub || KEMPub || IssuedAt).
type Certificate struct {
	NodeName  string
	SignPub   []byte
	KEMPub    []byte
	IssuedAt  int64
	Signature []byte
}

func (c Certificate) signedMessage() []byte {
	msg := make([]byte, 0, len(c.NodeName)+len(c.SignPub)+len(c.KEMPub)+8)
	msg = append(msg, []byte(c.NodeName)...)
	msg = append(msg, c.SignPub...)
	msg = append(msg, c.KEMPub...)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(c.IssuedAt))
	msg = append(msg, ts[:]...)
	return msg
}

// Verify checks the certificate's self-signature.
func (c Certificate) Verify() error {
	return selfenc.VerifyDetached(c.SignPub, c.signedMessage(), c.Signature)
}

// Identity is a long-lived asymmetric triple: a signing keypair, a
// KEM keypair, and the certificate attesting both.
type Identity struct {
	SignPub, SignPriv []byte
	KEMPub, KEMPriv   []byte
	Certificate       Certificate
}

// Fingerprint returns the 128-hex-character identifier derived from
// the identity's signing public key.
func (id Identity) Fingerprint() string {
	sum := sha3.Sum512(id.SignPub)
	return hex.EncodeToString(sum[:])
}

// SignPrivateKey, SignPublicKey and ValueID let an Identity satisfy
// internal/chunked.Signer directly, so callers publish under their own
// identity without hand-assembling a separate adapter.
func (id Identity) SignPrivateKey() []byte { return id.SignPriv }
func (id Identity) SignPublicKey() []byte  { return id.SignPub }
func (id Identity) ValueID() uint64        { return mwindex.ValueIDForOwner(id.SignPub) }

// Generate creates a new, randomly generated identity with the given
// short node name.
func Generate(nodeName string, issuedAt int64) (Identity, error) {
	return generate(rand.Reader, nodeName, issuedAt)
}

// GenerateFromSeed deterministically derives an identity from a
// 32-byte seed, enabling BIP39-style recovery: the same seed always
// reproduces the same keys.
func GenerateFromSeed(seed []byte, nodeName string, issuedAt int64) (Identity, error) {
	if len(seed) != 32 {
		return Identity{}, ErrSeedSize
	}
	return generate(newSeededReader(seed), nodeName, issuedAt)
}

func generate(randSource io.Reader, nodeName string, issuedAt int64) (Identity, error) {
	signPub, signPriv, err := mode5.GenerateKey(randSource)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: generating signing keypair: %w", err)
	}
	kemPub, kemPriv, err := kyber1024.GenerateKeyPair(randSource)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: generating KEM keypair: %w", err)
	}

	kemPubBytes := make([]byte, selfenc.KEMPublicKeySize)
	kemPrivBytes := make([]byte, selfenc.KEMPrivateKeySize)
	kemPub.Pack(kemPubBytes)
	kemPriv.Pack(kemPrivBytes)

	id := Identity{
		SignPub:  signPub.Bytes(),
		SignPriv: signPriv.Bytes(),
		KEMPub:   kemPubBytes,
		KEMPriv:  kemPrivBytes,
	}

	cert := Certificate{
		NodeName: nodeName,
		SignPub:  id.SignPub,
		KEMPub:   id.KEMPub,
		IssuedAt: issuedAt,
	}
	sig, err := selfenc.SignDetached(id.SignPriv, cert.signedMessage())
	if err != nil {
		return Identity{}, fmt.Errorf("identity: self-signing certificate: %w", err)
	}
	cert.Signature = sig
	id.Certificate = cert

	return id, nil
}

// seededReader is a deterministic io.Reader expanding a 32-byte seed
// via HKDF-SHA3-512, so that GenerateFromSeed is reproducible without
// the underlying PQC libraries needing to support seeded generation
// directly.
type seededReader struct {
	r io.Reader
}

func newSeededReader(seed []byte) io.Reader {
	kdf := hkdf.New(sha3.New512, seed, nil, []byte("dna-identity-seed-v1"))
	return &seededReader{r: kdf}
}

func (s *seededReader) Read(p []byte) (int, error) {
	return io.ReadFull(s.r, p)
}

// Export serializes priv, pub and certificate fields in the binary
// form {len32(priv)||priv, len32(pub)||pub, len32(cert)||cert}, all
// lengths big-endian. priv = SignPriv||KEMPriv; pub = SignPub||KEMPub.
func Export(id Identity) ([]byte, error) {
	priv := append(append([]byte{}, id.SignPriv...), id.KEMPriv...)
	pub := append(append([]byte{}, id.SignPub...), id.KEMPub...)
	cert, err := encodeCertificate(id.Certificate)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 0, 12+len(priv)+len(pub)+len(cert))
	buf = appendLenPrefixed(buf, priv)
	buf = appendLenPrefixed(buf, pub)
	buf = appendLenPrefixed(buf, cert)
	return buf, nil
}

// Import deserializes an Export blob, recovering the matching public
// key for the private key material (circl's Dilithium/Kyber private
// keys already carry the derivable public component, but the export
// format stores both explicitly so Import never needs to recompute
// it).
func Import(data []byte) (Identity, error) {
	priv, rest, err := readLenPrefixed(data)
	if err != nil {
		return Identity{}, err
	}
	pub, rest, err := readLenPrefixed(rest)
	if err != nil {
		return Identity{}, err
	}
	certBytes, rest, err := readLenPrefixed(rest)
	if err != nil {
		return Identity{}, err
	}
	if len(rest) != 0 {
		return Identity{}, fmt.Errorf("%w: trailing bytes", ErrCorruptExport)
	}

	if len(priv) != mode5.PrivateKeySize+selfenc.KEMPrivateKeySize {
		return Identity{}, fmt.Errorf("%w: priv size %d", ErrCorruptExport, len(priv))
	}
	if len(pub) != mode5.PublicKeySize+selfenc.KEMPublicKeySize {
		return Identity{}, fmt.Errorf("%w: pub size %d", ErrCorruptExport, len(pub))
	}

	cert, err := decodeCertificate(certBytes)
	if err != nil {
		return Identity{}, err
	}

	id := Identity{
		SignPriv:    append([]byte{}, priv[:mode5.PrivateKeySize]...),
		KEMPriv:     append([]byte{}, priv[mode5.PrivateKeySize:]...),
		SignPub:     append([]byte{}, pub[:mode5.PublicKeySize]...),
		KEMPub:      append([]byte{}, pub[mode5.PublicKeySize:]...),
		Certificate: cert,
	}
	return id, nil
}

// Free zeroes an identity's private key material in place. Go cannot
// guarantee the backing memory was never copied by the GC beforehand,
// but zeroing bounds the window a stale copy remains live.
func Free(id *Identity) {
	zero(id.SignPriv)
	zero(id.KEMPriv)
	id.SignPriv = nil
	id.KEMPriv = nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func appendLenPrefixed(buf, field []byte) []byte {
	var lenBytes [4]byte
	binary.BigEndian.PutUint32(lenBytes[:], uint32(len(field)))
	buf = append(buf, lenBytes[:]...)
	buf = append(buf, field...)
	return buf
}

func readLenPrefixed(data []byte) (field, rest []byte, err error) {
	if len(data) < 4 {
		return nil, nil, fmt.Errorf("%w: missing length prefix", ErrCorruptExport)
	}
	n := binary.BigEndian.Uint32(data[:4])
	data = data[4:]
	if uint64(n) > uint64(len(data)) {
		return nil, nil, fmt.Errorf("%w: declared length %d exceeds buffer", ErrCorruptExport, n)
	}
	return data[:n], data[n:], nil
}

func encodeCertificate(c Certificate) ([]byte, error) {
	buf := appendLenPrefixed(nil, []byte(c.NodeName))
	buf = appendLenPrefixed(buf, c.SignPub)
	buf = appendLenPrefixed(buf, c.KEMPub)
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(c.IssuedAt))
	buf = append(buf, ts[:]...)
	buf = appendLenPrefixed(buf, c.Signature)
	return buf, nil
}

func decodeCertificate(data []byte) (Certificate, error) {
	name, rest, err := readLenPrefixed(data)
	if err != nil {
		return Certificate{}, err
	}
	signPub, rest, err := readLenPrefixed(rest)
	if err != nil {
		return Certificate{}, err
	}
	kemPub, rest, err := readLenPrefixed(rest)
	if err != nil {
		return Certificate{}, err
	}
	if len(rest) < 8 {
		return Certificate{}, fmt.Errorf("%w: missing issued_at", ErrCorruptExport)
	}
	issuedAt := int64(binary.BigEndian.Uint64(rest[:8]))
	rest = rest[8:]
	sig, rest, err := readLenPrefixed(rest)
	if err != nil {
		return Certificate{}, err
	}
	if len(rest) != 0 {
		return Certificate{}, fmt.Errorf("%w: trailing certificate bytes", ErrCorruptExport)
	}
	return Certificate{
		NodeName:  string(name),
		SignPub:   signPub,
		KEMPub:    kemPub,
		IssuedAt:  issuedAt,
		Signature: sig,
	}, nil
}

// ValidateFingerprint checks that a string is a well-formed
// 128-hex-character fingerprint.
func ValidateFingerprint(fp string) error {
	if len(fp) != FingerprintSize {
		return ErrInvalidFingerprintLength
	}
	if _, err := hex.DecodeString(fp); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidFingerprintLength, err)
	}
	return nil
}
