package selfenc

import (
	"bytes"
	"crypto/rand"
	"errors"
	"testing"

	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	"github.com/cloudflare/circl/sign/dilithium/mode5"
)

type identity struct {
	kemPub, kemPriv   []byte
	signPub, signPriv []byte
}

func generateIdentity(t *testing.T) identity {
	t.Helper()
	pub, priv, err := kyber1024.GenerateKeyPair(rand.Reader)
	if err != nil {
		t.Fatalf("kyber keygen: %v", err)
	}
	pubBytes := make([]byte, KEMPublicKeySize)
	privBytes := make([]byte, KEMPrivateKeySize)
	pub.Pack(pubBytes)
	priv.Pack(privBytes)

	spub, spriv, err := mode5.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("dilithium keygen: %v", err)
	}

	return identity{
		kemPub:   pubBytes,
		kemPriv:  privBytes,
		signPub:  spub.Bytes(),
		signPriv: spriv.Bytes(),
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	id := generateIdentity(t)
	plaintext := []byte("the quick brown fox jumps over the lazy dog")
	ts := int64(1_730_000_000)

	sealed, err := Encrypt(id.kemPub, id.signPriv, plaintext, ts)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	got, err := Decrypt(id.kemPriv, sealed.Ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("plaintext mismatch")
	}

	if err := VerifySignature(id.signPub, got, ts, sealed.Signature); err != nil {
		t.Fatalf("VerifySignature: %v", err)
	}
	if err := VerifySelf(id.signPub, id.signPub); err != nil {
		t.Fatalf("VerifySelf should succeed for matching identity: %v", err)
	}
}

func TestSenderMismatch(t *testing.T) {
	a := generateIdentity(t)
	b := generateIdentity(t)
	if err := VerifySelf(a.signPub, b.signPub); !errors.Is(err, ErrSenderMismatch) {
		t.Fatalf("expected ErrSenderMismatch, got %v", err)
	}
}

func TestBitFlipFailsClosed(t *testing.T) {
	id := generateIdentity(t)
	plaintext := []byte("sensitive payload")
	ts := int64(42)

	sealed, err := Encrypt(id.kemPub, id.signPriv, plaintext, ts)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	flipped := append([]byte(nil), sealed.Ciphertext...)
	flipped[len(flipped)-1] ^= 0x01 // flip a bit inside the AEAD ciphertext

	_, err = Decrypt(id.kemPriv, flipped)
	if !errors.Is(err, ErrDecryptFail) {
		t.Fatalf("expected ErrDecryptFail on tampered ciphertext, got %v", err)
	}
}

func TestTamperedSignatureDetected(t *testing.T) {
	id := generateIdentity(t)
	plaintext := []byte("hello")
	ts := int64(7)

	sealed, err := Encrypt(id.kemPub, id.signPriv, plaintext, ts)
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	tamperedSig := append([]byte(nil), sealed.Signature...)
	tamperedSig[0] ^= 0xFF

	got, err := Decrypt(id.kemPriv, sealed.Ciphertext)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if err := VerifySignature(id.signPub, got, ts, tamperedSig); !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("expected ErrSignatureInvalid, got %v", err)
	}
}

func TestInvalidSizes(t *testing.T) {
	_, err := Encrypt([]byte("too short"), make([]byte, SignPrivateKeySize), []byte("x"), 1)
	if !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize for bad KEM pub, got %v", err)
	}

	_, err = Decrypt([]byte("too short"), make([]byte, 100))
	if !errors.Is(err, ErrInvalidSize) {
		t.Fatalf("expected ErrInvalidSize for bad KEM priv, got %v", err)
	}
}
