package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// APIKeyPrefix starts every generated API key.
const APIKeyPrefix = "sk_"

// ScopeAll grants every scope.
const ScopeAll = "*"

const apiKeyHexLen = 32

// Key store errors.
var (
	ErrKeyExists       = errors.New("api key already exists")
	ErrKeyRequired     = errors.New("api key is required")
	ErrClientIDMissing = errors.New("client id is required")
)

// KeyInfo is the record stored for an API key.
type KeyInfo struct {
	ClientID  string
	Scopes    []string
	CreatedAt time.Time
	LastUsed  time.Time
}

// HasScope reports whether the key grants scope.
func (k *KeyInfo) HasScope(scope string) bool {
	return slices.Contains(k.Scopes, ScopeAll) || slices.Contains(k.Scopes, scope)
}

func (k *KeyInfo) clone() KeyInfo {
	c := *k
	c.Scopes = slices.Clone(k.Scopes)
	return c
}

// KeyStore is a thread-safe API key table.
type KeyStore struct {
	mu    sync.RWMutex
	keys  map[string]*KeyInfo
	clock clock.Clock
}

// KeyStoreOption configures a KeyStore.
type KeyStoreOption func(*KeyStore)

// WithKeyStoreClock sets the time source for CreatedAt and LastUsed.
func WithKeyStoreClock(c clock.Clock) KeyStoreOption {
	return func(s *KeyStore) {
		s.clock = c
	}
}

// NewKeyStore creates an empty key store.
func NewKeyStore(opts ...KeyStoreOption) *KeyStore {
	s := &KeyStore{
		keys:  make(map[string]*KeyInfo),
		clock: clock.New(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Generate creates, stores and returns a new API key for clientID.
func (s *KeyStore) Generate(clientID string, scopes []string) (string, error) {
	if clientID == "" {
		return "", ErrClientIDMissing
	}

	for {
		key := newAPIKey(clientID, s.clock.Now())
		err := s.Add(key, clientID, scopes)
		if !errors.Is(err, ErrKeyExists) {
			return key, err
		}
	}
}

// newAPIKey derives "sk_" followed by 32 hex characters.
func newAPIKey(clientID string, now time.Time) string {
	sum := sha256.Sum256([]byte(clientID + now.Format(time.RFC3339Nano) + uuid.NewString()))
	return APIKeyPrefix + hex.EncodeToString(sum[:])[:apiKeyHexLen]
}

// Add stores a key provisioned elsewhere, such as configuration or Vault.
func (s *KeyStore) Add(key, clientID string, scopes []string) error {
	if key == "" {
		return ErrKeyRequired
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.keys[key]; exists {
		return ErrKeyExists
	}
	s.keys[key] = &KeyInfo{
		ClientID:  clientID,
		Scopes:    slices.Clone(scopes),
		CreatedAt: s.clock.Now(),
	}
	return nil
}

// Validate reports whether key exists and records its use.
func (s *KeyStore) Validate(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, ok := s.keys[key]
	if !ok {
		return false
	}
	info.LastUsed = s.clock.Now()
	return true
}

// Lookup returns a copy of the record for key.
func (s *KeyStore) Lookup(key string) (KeyInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.keys[key]
	if !ok {
		return KeyInfo{}, false
	}
	return info.clone(), true
}

// CheckScope reports whether key exists and grants scope, directly or
// through "*".
func (s *KeyStore) CheckScope(key, scope string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	info, ok := s.keys[key]
	return ok && info.HasScope(scope)
}

// Revoke deletes key and reports whether it existed.
func (s *KeyStore) Revoke(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, ok := s.keys[key]
	delete(s.keys, key)
	return ok
}

// Len returns the number of stored keys.
func (s *KeyStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.keys)
}
