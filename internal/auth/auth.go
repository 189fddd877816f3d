package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/peagehq/peage/internal/pricing"
)

// ErrInvalidKey is returned when a presented API key matches no caller.
var ErrInvalidKey = errors.New("invalid api key")

// Caller is the authenticated identity behind an API-key request: a user
// acting through an app, plus the pricing terms the app has configured.
type Caller struct {
	AppID     string
	AppName   string
	UserID    string
	KeyPrefix string
	RateLimit int
	Markup    pricing.Markup
	Referral  *pricing.Referral
}

// APIKey holds the hashed key and a short prefix for identification.
type APIKey struct {
	Hash   string
	Prefix string // first 13 characters of the plaintext key
}

// CallerLookup is the interface for resolving API key hashes to callers.
type CallerLookup interface {
	GetByKeyHash(ctx context.Context, hash string) (*Caller, error)
}

// Service provides authentication operations backed by a key store.
type Service struct {
	store CallerLookup
}

// NewService creates a new authentication service.
func NewService(store CallerLookup) *Service {
	return &Service{store: store}
}

// Resolve hashes a plaintext API key and looks up its caller. Lookup
// failures collapse to ErrInvalidKey so the response never distinguishes
// unknown keys from revoked ones.
func (s *Service) Resolve(ctx context.Context, plaintext string) (*Caller, error) {
	if plaintext == "" {
		return nil, ErrInvalidKey
	}
	caller, err := s.store.GetByKeyHash(ctx, HashKey(plaintext))
	if err != nil || caller == nil {
		return nil, ErrInvalidKey
	}
	return caller, nil
}

// GenerateAPIKey creates a new API key with the "peage_" prefix followed by
// 32 URL-safe random characters. It returns the APIKey struct (containing
// the hash and prefix) and the full plaintext key.
func GenerateAPIKey() (APIKey, string, error) {
	b := make([]byte, 24) // 24 bytes -> 32 base64url chars
	if _, err := rand.Read(b); err != nil {
		return APIKey{}, "", fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext := "peage_" + base64.RawURLEncoding.EncodeToString(b)
	key := APIKey{
		Hash:   HashKey(plaintext),
		Prefix: plaintext[:13],
	}
	return key, plaintext, nil
}

// HashKey returns the hex-encoded SHA-256 hash of the given plaintext key.
func HashKey(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}

// EqualAdminKey compares a presented admin key against the configured one
// in constant time.
func EqualAdminKey(presented, configured string) bool {
	if configured == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(configured)) == 1
}
