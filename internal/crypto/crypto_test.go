package crypto

import (
	"encoding/hex"
	"errors"
	"strings"
	"testing"
)

func testKey(t *testing.T) string {
	t.Helper()
	// Fixed 32-byte key for deterministic tests.
	return hex.EncodeToString([]byte("0123456789abcdef0123456789abcdef"))
}

func TestRoundtrip(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	original := "sk-proj-secret-123"
	sealed, err := c.Seal(original, "user-1")
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}

	if sealed == original {
		t.Fatal("sealed text should differ from plaintext")
	}

	opened, err := c.Open(sealed, "user-1")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if opened != original {
		t.Errorf("roundtrip failed: got %q, want %q", opened, original)
	}
}

func TestDifferentCiphertexts(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	enc1, _ := c.Seal("same input", "user-1")
	enc2, _ := c.Seal("same input", "user-1")
	if enc1 == enc2 {
		t.Error("two seals of the same plaintext should produce different ciphertexts (random nonce)")
	}
}

func TestOpenWrongOwner(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	sealed, _ := c.Seal("sk-secret", "user-1")
	_, err = c.Open(sealed, "user-2")
	if !errors.Is(err, ErrDecrypt) {
		t.Fatalf("expected ErrDecrypt for a blob bound to another owner, got %v", err)
	}
}

func TestEmptyKeyRejected(t *testing.T) {
	if _, err := NewCipher(""); err == nil {
		t.Error("NewCipher with empty key should fail")
	}
}

func TestInvalidKeyLength(t *testing.T) {
	// 16-byte key (too short for AES-256).
	short := hex.EncodeToString([]byte("0123456789abcdef"))
	_, err := NewCipher(short)
	if err == nil {
		t.Fatal("expected error for 16-byte key")
	}
	if !strings.Contains(err.Error(), "32 bytes") {
		t.Errorf("error should mention 32 bytes, got: %v", err)
	}

	_, err = NewCipher("not-hex")
	if err == nil {
		t.Error("expected error for invalid hex")
	}
}

func TestOpenInvalidData(t *testing.T) {
	c, err := NewCipher(testKey(t))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}

	for name, blob := range map[string]string{
		"not base64": "!!!not-base64!!!",
		"too short":  "YQ==",
	} {
		if _, err := c.Open(blob, "user-1"); !errors.Is(err, ErrDecrypt) {
			t.Errorf("%s: expected ErrDecrypt, got %v", name, err)
		}
	}

	sealed, _ := c.Seal("hello", "user-1")
	tampered := []byte(sealed)
	if tampered[len(tampered)/2] == 'A' {
		tampered[len(tampered)/2] = 'B'
	} else {
		tampered[len(tampered)/2] = 'A'
	}
	if _, err := c.Open(string(tampered), "user-1"); !errors.Is(err, ErrDecrypt) {
		t.Errorf("expected ErrDecrypt for tampered ciphertext, got %v", err)
	}
}

func TestDeriveKeyIsPurposeBound(t *testing.T) {
	a, err := DeriveKey("master", PurposeKeyHash)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	b, err := DeriveKey("master", PurposePromptHash)
	if err != nil {
		t.Fatalf("DeriveKey: %v", err)
	}
	if hex.EncodeToString(a) == hex.EncodeToString(b) {
		t.Error("keys for different purposes must differ")
	}
	if len(a) != 32 {
		t.Errorf("expected 32-byte key, got %d", len(a))
	}

	if _, err := DeriveKey("", PurposeKeyHash); err == nil {
		t.Error("expected error for empty master secret")
	}
}

func TestKeyedSumSeparatesParts(t *testing.T) {
	k, err := NewKeyed("master", PurposePromptHash)
	if err != nil {
		t.Fatalf("NewKeyed: %v", err)
	}

	if k.Sum("ab", "c") == k.Sum("a", "bc") {
		t.Error("part boundaries must change the digest")
	}
	if k.Sum("gpt-4o", "hi") != k.Sum("gpt-4o", "hi") {
		t.Error("digest must be deterministic")
	}

	other, _ := NewKeyed("other-master", PurposePromptHash)
	if k.Sum("x") == other.Sum("x") {
		t.Error("different master secrets must produce different digests")
	}
}
