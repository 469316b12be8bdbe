// Package token issues and verifies the signed resume tokens that let a
// client reattach to its server-side view after a reconnect.
package token

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Service signs and verifies view resume tokens. Verification consumes
// the token's nonce so a captured token cannot be replayed inside the
// replay window.
type Service struct {
	signingKey []byte
	algorithm  jwt.SigningMethod
	nonces     *NonceStore
	config     *Config
	mu         sync.RWMutex
}

// Config controls token lifetime and replay protection.
type Config struct {
	TTL         time.Duration
	ReplayWindow time.Duration
}

// DefaultConfig returns the defaults used when no config is given.
func DefaultConfig() *Config {
	return &Config{
		TTL:          24 * time.Hour,
		ReplayWindow: 5 * time.Minute,
	}
}

// ViewToken is the claim set carried by a resume token.
type ViewToken struct {
	ViewID    string `json:"view_id"`
	RuntimeID string `json:"rt_id"`
	Nonce     string `json:"nonce"`
	jwt.RegisteredClaims
}

// NonceStore tracks consumed nonces in memory.
type NonceStore struct {
	seen map[string]time.Time
	mu   sync.RWMutex
}

// NewNonceStore creates an empty nonce store.
func NewNonceStore() *NonceStore {
	return &NonceStore{seen: make(map[string]time.Time)}
}

// Consume records a nonce. It reports false if the nonce was already
// consumed within the window.
func (ns *NonceStore) Consume(nonce string, window time.Duration) bool {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	if at, ok := ns.seen[nonce]; ok && time.Since(at) < window {
		return false
	}
	ns.seen[nonce] = time.Now()
	return true
}

// Cleanup drops nonces older than maxAge and returns how many were
// removed.
func (ns *NonceStore) Cleanup(maxAge time.Duration) int {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	cutoff := time.Now().Add(-maxAge)
	n := 0
	for nonce, at := range ns.seen {
		if at.Before(cutoff) {
			delete(ns.seen, nonce)
			n++
		}
	}
	return n
}

// NewService creates a Service with a freshly generated 256-bit key.
func NewService(config *Config) (*Service, error) {
	if config == nil {
		config = DefaultConfig()
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("token: generate signing key: %w", err)
	}
	return &Service{
		signingKey: key,
		algorithm:  jwt.SigningMethodHS256,
		nonces:     NewNonceStore(),
		config:     config,
	}, nil
}

// Issue signs a resume token for the given view.
func (s *Service) Issue(runtimeID, viewID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	nonce, err := newNonce()
	if err != nil {
		return "", fmt.Errorf("token: generate nonce: %w", err)
	}
	now := time.Now()
	claims := &ViewToken{
		ViewID:    viewID,
		RuntimeID: runtimeID,
		Nonce:     nonce,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(s.config.TTL)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "livepatch",
			Subject:   viewID,
			Audience:  jwt.ClaimStrings{runtimeID},
		},
	}
	signed, err := jwt.NewWithClaims(s.algorithm, claims).SignedString(s.signingKey)
	if err != nil {
		return "", fmt.Errorf("token: sign: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a resume token, consuming its nonce.
func (s *Service) Verify(tokenString string) (*ViewToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	parsed, err := jwt.ParseWithClaims(tokenString, &ViewToken{}, func(t *jwt.Token) (interface{}, error) {
		if t.Method != s.algorithm {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return nil, fmt.Errorf("token: parse: %w", err)
	}
	claims, ok := parsed.Claims.(*ViewToken)
	if !ok || !parsed.Valid {
		return nil, fmt.Errorf("token: invalid claims")
	}
	if !s.nonces.Consume(claims.Nonce, s.config.ReplayWindow) {
		return nil, fmt.Errorf("token: replay detected")
	}
	return claims, nil
}

// RotateSigningKey replaces the signing key. Outstanding tokens stop
// verifying.
func (s *Service) RotateSigningKey() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return fmt.Errorf("token: generate signing key: %w", err)
	}
	s.signingKey = key
	return nil
}

// CleanupNonces drops expired nonces and returns how many were removed.
func (s *Service) CleanupNonces() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nonces.Cleanup(s.config.ReplayWindow * 2)
}

func newNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
