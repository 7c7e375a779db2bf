// Package selfenc implements the identity-bound self-encryption
// protocol: a Kyber-1024 class KEM for confidentiality combined with a
// Dilithium5 / ML-DSA-87 class post-quantum signature for
// authenticity. "Self-encryption" is the pattern where sender and
// recipient are the same identity, used for personal state sync
// (identity backup, contact list, address book); the same codec also
// serves shared state, where the recipient differs from the signer
// and callers verify against the expected writer's signing public key
// instead of checking self-equality.
package selfenc

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/kem/kyber/kyber1024"
	"github.com/cloudflare/circl/sign/dilithium/mode5"
)

const (
	// KEMCiphertextSize is the fixed Kyber-1024 ciphertext width.
	KEMCiphertextSize = kyber1024.CiphertextSize
	// KEMPublicKeySize is the fixed Kyber-1024 public key width.
	KEMPublicKeySize = kyber1024.PublicKeySize
	// KEMPrivateKeySize is the fixed Kyber-1024 private key width.
	KEMPrivateKeySize = kyber1024.PrivateKeySize
	// AEADKeySize is the derived AES-256-GCM key width.
	AEADKeySize = 32
	// AEADIVSize is the AES-GCM nonce width.
	AEADIVSize = 12
	// AEADTagSize is the AES-GCM authentication tag width.
	AEADTagSize = 16

	// SignPublicKeySize is the fixed Dilithium5 / ML-DSA-87 class public key width.
	SignPublicKeySize = mode5.PublicKeySize
	// SignPrivateKeySize is the fixed Dilithium5 / ML-DSA-87 class private key width.
	SignPrivateKeySize = mode5.PrivateKeySize
	// SignatureSize is the fixed Dilithium5 / ML-DSA-87 class signature width.
	SignatureSize = mode5.SignatureSize
)

// Error kinds surfaced by this codec.
var (
	ErrInvalidSize      = errors.New("selfenc: invalid input size")
	ErrKEMFail          = errors.New("selfenc: KEM operation failed")
	ErrDecryptFail      = errors.New("selfenc: DECRYPT_FAIL")
	ErrSignatureInvalid = errors.New("selfenc: SIGNATURE_INVALID")
	ErrSenderMismatch   = errors.New("selfenc: SENDER_MISMATCH")
)

// Sealed is the self-encrypted payload: KEM_ct || iv || tag || aead_ct,
// plus the detached signature produced over plaintext || timestamp_s.
type Sealed struct {
	Ciphertext []byte
	Signature  []byte
}

// Encrypt wraps plaintext for recipientKEMPub, signing it with
// senderSignPriv over (plaintext || big-endian timestampS). For
// personal state, recipientKEMPub and senderSignPriv belong to the
// same identity.
func Encrypt(recipientKEMPub, senderSignPriv, plaintext []byte, timestampS int64) (Sealed, error) {
	if len(recipientKEMPub) != KEMPublicKeySize {
		return Sealed{}, fmt.Errorf("%w: recipient KEM public key", ErrInvalidSize)
	}
	if len(senderSignPriv) != SignPrivateKeySize {
		return Sealed{}, fmt.Errorf("%w: sender signing private key", ErrInvalidSize)
	}

	var pub kyber1024.PublicKey
	pub.Unpack(recipientKEMPub)

	kemCt := make([]byte, KEMCiphertextSize)
	sharedSecret := make([]byte, kyber1024.SharedKeySize)
	pub.EncapsulateTo(kemCt, sharedSecret, nil)

	aeadKey := deriveAEADKey(sharedSecret)

	iv := make([]byte, AEADIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return Sealed{}, fmt.Errorf("%w: drawing AEAD iv: %v", ErrKEMFail, err)
	}

	aeadCt, tag, err := aeadSeal(aeadKey, iv, plaintext)
	if err != nil {
		return Sealed{}, fmt.Errorf("%w: %v", ErrKEMFail, err)
	}

	sig, err := sign(senderSignPriv, signedMessage(plaintext, timestampS))
	if err != nil {
		return Sealed{}, err
	}

	ciphertext := make([]byte, 0, KEMCiphertextSize+AEADIVSize+AEADTagSize+len(aeadCt))
	ciphertext = append(ciphertext, kemCt...)
	ciphertext = append(ciphertext, iv...)
	ciphertext = append(ciphertext, tag...)
	ciphertext = append(ciphertext, aeadCt...)

	return Sealed{Ciphertext: ciphertext, Signature: sig}, nil
}

// Decrypt unwraps a sealed payload using recipientKEMPriv, returning
// the plaintext. It does not verify the signature or sender identity
// here; callers must call VerifySignature and, for personal state,
// VerifySelf.
func Decrypt(recipientKEMPriv, ciphertext []byte) ([]byte, error) {
	if len(recipientKEMPriv) != KEMPrivateKeySize {
		return nil, fmt.Errorf("%w: recipient KEM private key", ErrInvalidSize)
	}
	minLen := KEMCiphertextSize + AEADIVSize + AEADTagSize
	if len(ciphertext) < minLen {
		return nil, fmt.Errorf("%w: sealed payload shorter than %d bytes", ErrInvalidSize, minLen)
	}

	kemCt := ciphertext[:KEMCiphertextSize]
	iv := ciphertext[KEMCiphertextSize : KEMCiphertextSize+AEADIVSize]
	tag := ciphertext[KEMCiphertextSize+AEADIVSize : KEMCiphertextSize+AEADIVSize+AEADTagSize]
	aeadCt := ciphertext[KEMCiphertextSize+AEADIVSize+AEADTagSize:]

	var priv kyber1024.PrivateKey
	priv.Unpack(recipientKEMPriv)

	sharedSecret := make([]byte, kyber1024.SharedKeySize)
	priv.DecapsulateTo(sharedSecret, kemCt)

	aeadKey := deriveAEADKey(sharedSecret)

	plaintext, err := aeadOpen(aeadKey, iv, aeadCt, tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryptFail, err)
	}
	return plaintext, nil
}

// VerifySignature checks the detached signature over
// (plaintext || timestampS) against senderSignPub.
func VerifySignature(senderSignPub, plaintext []byte, timestampS int64, signature []byte) error {
	if len(senderSignPub) != SignPublicKeySize {
		return fmt.Errorf("%w: sender signing public key", ErrInvalidSize)
	}
	if len(signature) != SignatureSize {
		return fmt.Errorf("%w: signature", ErrInvalidSize)
	}
	ok, err := verify(senderSignPub, signedMessage(plaintext, timestampS), signature)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSignatureInvalid
	}
	return nil
}

// VerifySelf checks that the sender signing public key embedded in a
// personal-state payload matches the caller's own public key exactly.
// A mismatch is treated as forgery.
func VerifySelf(expectedSignPub, actualSignPub []byte) error {
	if len(expectedSignPub) != len(actualSignPub) {
		return ErrSenderMismatch
	}
	for i := range expectedSignPub {
		if expectedSignPub[i] != actualSignPub[i] {
			return ErrSenderMismatch
		}
	}
	return nil
}

// SignDetached signs an arbitrary message with a Dilithium5 / ML-DSA-87
// class private key, with no implicit timestamp suffix. Used where the
// caller's own framing already covers freshness (e.g. identity
// certificates), as opposed to Encrypt/VerifySignature's
// plaintext||timestamp_s convention for envelope payloads.
func SignDetached(privKeyBytes, message []byte) ([]byte, error) {
	if len(privKeyBytes) != SignPrivateKeySize {
		return nil, fmt.Errorf("%w: signing private key", ErrInvalidSize)
	}
	return sign(privKeyBytes, message)
}

// VerifyDetached verifies a signature produced by SignDetached.
func VerifyDetached(pubKeyBytes, message, signature []byte) error {
	if len(pubKeyBytes) != SignPublicKeySize {
		return fmt.Errorf("%w: signing public key", ErrInvalidSize)
	}
	if len(signature) != SignatureSize {
		return fmt.Errorf("%w: signature", ErrInvalidSize)
	}
	ok, err := verify(pubKeyBytes, message, signature)
	if err != nil {
		return err
	}
	if !ok {
		return ErrSignatureInvalid
	}
	return nil
}

func signedMessage(plaintext []byte, timestampS int64) []byte {
	msg := make([]byte, len(plaintext)+8)
	copy(msg, plaintext)
	putBigEndianInt64(msg[len(plaintext):], timestampS)
	return msg
}

func putBigEndianInt64(dst []byte, v int64) {
	dst[0] = byte(v >> 56)
	dst[1] = byte(v >> 48)
	dst[2] = byte(v >> 40)
	dst[3] = byte(v >> 32)
	dst[4] = byte(v >> 24)
	dst[5] = byte(v >> 16)
	dst[6] = byte(v >> 8)
	dst[7] = byte(v)
}

func deriveAEADKey(sharedSecret []byte) []byte {
	// The KEM shared secret is already a uniformly random 32-byte
	// value (kyber1024.SharedKeySize == AEADKeySize), so it serves
	// as the AEAD key directly.
	key := make([]byte, AEADKeySize)
	copy(key, sharedSecret)
	return key
}

func aeadSeal(key, iv, plaintext []byte) (ciphertext, tag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, AEADTagSize)
	if err != nil {
		return nil, nil, err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	ctLen := len(sealed) - AEADTagSize
	return sealed[:ctLen], sealed[ctLen:], nil
}

func aeadOpen(key, iv, ciphertext, tag []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCMWithTagSize(block, AEADTagSize)
	if err != nil {
		return nil, err
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, tag...)
	return gcm.Open(nil, iv, sealed, nil)
}

func sign(privKeyBytes, message []byte) ([]byte, error) {
	var priv mode5.PrivateKey
	var arr [mode5.PrivateKeySize]byte
	copy(arr[:], privKeyBytes)
	priv.Unpack(&arr)

	sig := make([]byte, SignatureSize)
	mode5.SignTo(&priv, message, sig)
	return sig, nil
}

func verify(pubKeyBytes, message, signature []byte) (bool, error) {
	var pub mode5.PublicKey
	var arr [mode5.PublicKeySize]byte
	copy(arr[:], pubKeyBytes)
	pub.Unpack(&arr)

	return mode5.Verify(&pub, message, signature), nil
}
