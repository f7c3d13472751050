package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Purposes for keys derived from the master secret.
const (
	PurposeKeyHash    = "tollgate/allowance-key-hash/v1"
	PurposePromptHash = "tollgate/prompt-hash/v1"
)

// DeriveKey expands the master secret into a 32-byte key bound to purpose.
func DeriveKey(master, purpose string) ([]byte, error) {
	if master == "" {
		return nil, fmt.Errorf("master secret is empty")
	}
	r := hkdf.New(sha256.New, []byte(master), nil, []byte(purpose))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("deriving %s key: %w", purpose, err)
	}
	return key, nil
}

// Keyed computes hex HMAC-SHA256 digests under a fixed key.
type Keyed struct {
	key []byte
}

// NewKeyed derives a Keyed hasher for purpose from the master secret.
func NewKeyed(master, purpose string) (*Keyed, error) {
	key, err := DeriveKey(master, purpose)
	if err != nil {
		return nil, err
	}
	return &Keyed{key: key}, nil
}

// Sum returns the hex digest of the parts joined by a NUL separator.
func (k *Keyed) Sum(parts ...string) string {
	mac := hmac.New(sha256.New, k.key)
	for i, p := range parts {
		if i > 0 {
			mac.Write([]byte{0})
		}
		mac.Write([]byte(p))
	}
	return hex.EncodeToString(mac.Sum(nil))
}
