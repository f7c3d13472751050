package auth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"github.com/alecgard/tollgate/internal/crypto"
)

// KeyPrefix starts every allowance key.
const KeyPrefix = "tg_"

// APIKey holds the hashed allowance key and a short prefix for display.
// The plaintext is only ever shown at mint time.
type APIKey struct {
	Hash   string
	Prefix string // first 10 characters of the plaintext key
}

// Hasher produces the salted hash under which allowance keys are stored and
// cached. The salt is derived from the master secret.
type Hasher struct {
	keyed *crypto.Keyed
}

// NewHasher derives the key-hash salt from the master secret.
func NewHasher(masterSecret string) (*Hasher, error) {
	k, err := crypto.NewKeyed(masterSecret, crypto.PurposeKeyHash)
	if err != nil {
		return nil, fmt.Errorf("creating key hasher: %w", err)
	}
	return &Hasher{keyed: k}, nil
}

// Hash returns the hex-encoded HMAC-SHA256 of the plaintext key.
func (h *Hasher) Hash(plaintext string) string {
	return h.keyed.Sum(plaintext)
}

// GenerateKey mints an allowance key: "tg_" followed by 32 URL-safe random
// characters. It returns the APIKey (hash and prefix) and the plaintext.
func GenerateKey(h *Hasher) (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext := KeyPrefix + base64.RawURLEncoding.EncodeToString(b)

	key := APIKey{
		Hash:   h.Hash(plaintext),
		Prefix: plaintext[:10],
	}
	return key, plaintext, nil
}

// ExtractBearer returns the token from an "Authorization: Bearer <token>"
// header, or "" when the header is absent or malformed.
func ExtractBearer(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
