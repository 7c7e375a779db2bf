package identity

import (
	"bytes"
	"errors"
	"testing"
)

func TestGenerateAndCertificate(t *testing.T) {
	id, err := Generate("device-1", 1_730_000_000)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if err := id.Certificate.Verify(); err != nil {
		t.Fatalf("certificate did not self-verify: %v", err)
	}
	if len(id.Fingerprint()) != FingerprintSize {
		t.Fatalf("fingerprint wrong length: %d", len(id.Fingerprint()))
	}
}

func TestGenerateFromSeedDeterministic(t *testing.T) {
	seed := bytes.Repeat([]byte{0x42}, 32)
	a, err := GenerateFromSeed(seed, "device-a", 1000)
	if err != nil {
		t.Fatalf("GenerateFromSeed: %v", err)
	}
	b, err := GenerateFromSeed(seed, "device-a", 1000)
	if err != nil {
		t.Fatalf("GenerateFromSeed: %v", err)
	}
	if !bytes.Equal(a.SignPriv, b.SignPriv) || !bytes.Equal(a.KEMPriv, b.KEMPriv) {
		t.Fatalf("same seed produced different identities")
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("same seed produced different fingerprints")
	}
}

func TestGenerateFromSeedRejectsBadSize(t *testing.T) {
	_, err := GenerateFromSeed([]byte("short"), "x", 0)
	if !errors.Is(err, ErrSeedSize) {
		t.Fatalf("expected ErrSeedSize, got %v", err)
	}
}

func TestExportImportRoundTrip(t *testing.T) {
	seed := bytes.Repeat([]byte{0x07}, 32)
	id, err := GenerateFromSeed(seed, "recovered-device", 555)
	if err != nil {
		t.Fatalf("GenerateFromSeed: %v", err)
	}

	blob, err := Export(id)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}

	recovered, err := Import(blob)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	if recovered.Fingerprint() != id.Fingerprint() {
		t.Fatalf("imported fingerprint %s != original %s", recovered.Fingerprint(), id.Fingerprint())
	}
	if !bytes.Equal(recovered.SignPriv, id.SignPriv) || !bytes.Equal(recovered.KEMPriv, id.KEMPriv) {
		t.Fatalf("imported private key material mismatch")
	}
	if err := recovered.Certificate.Verify(); err != nil {
		t.Fatalf("imported certificate failed self-verify: %v", err)
	}
}

func TestRecoveryReproducesFingerprint(t *testing.T) {
	seed := bytes.Repeat([]byte{0xAA}, 32)
	id, err := GenerateFromSeed(seed, "recovery", 1)
	if err != nil {
		t.Fatalf("GenerateFromSeed: %v", err)
	}
	blob, err := Export(id)
	if err != nil {
		t.Fatalf("Export: %v", err)
	}
	recovered, err := Import(blob)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	if recovered.Fingerprint() != id.Fingerprint() {
		t.Fatalf("recovered fingerprint must equal original")
	}
}

func TestValidateFingerprint(t *testing.T) {
	good := make([]byte, FingerprintSize/2)
	for i := range good {
		good[i] = 0xaa
	}
	fp := ""
	for range good {
		fp += "aa"
	}
	if err := ValidateFingerprint(fp); err != nil {
		t.Fatalf("expected valid fingerprint, got %v", err)
	}
	if err := ValidateFingerprint("tooshort"); !errors.Is(err, ErrInvalidFingerprintLength) {
		t.Fatalf("expected ErrInvalidFingerprintLength, got %v", err)
	}
}

func TestFreeZeroesPrivateMaterial(t *testing.T) {
	id, err := Generate("ephemeral", 1)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	Free(&id)
	if id.SignPriv != nil || id.KEMPriv != nil {
		t.Fatalf("Free did not clear private key fields")
	}
}
