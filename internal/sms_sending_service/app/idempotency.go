package app

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/aradsms/sms_dispatch/internal/platform/cache"
	"golang.org/x/crypto/sha3"
)

const idempotencyNamespace = "sms_idem"

// IdempotencyStore claims client supplied keys for a bounded window.
type IdempotencyStore interface {
	// Claim reports false when the key was already claimed inside the window.
	Claim(ctx context.Context, tenantID, key string) (bool, error)
	// Forget drops a claim so the client may retry with the same key.
	Forget(ctx context.Context, tenantID, key string) error
}

// fingerprint keeps redis keys short and free of client controlled characters.
func fingerprint(tenantID, key string) string {
	sum := sha3.Sum256([]byte(tenantID + "\x00" + key))
	return hex.EncodeToString(sum[:])
}

// RedisIdempotencyStore claims keys with SET NX and a TTL.
type RedisIdempotencyStore struct {
	cache  *cache.Cache
	window time.Duration
}

func NewRedisIdempotencyStore(c *cache.Cache, window time.Duration) *RedisIdempotencyStore {
	return &RedisIdempotencyStore{cache: c, window: window}
}

func (s *RedisIdempotencyStore) Claim(ctx context.Context, tenantID, key string) (bool, error) {
	return s.cache.SetNX(ctx, idempotencyNamespace, fingerprint(tenantID, key), time.Now().UTC().Unix(), s.window)
}

func (s *RedisIdempotencyStore) Forget(ctx context.Context, tenantID, key string) error {
	return s.cache.Delete(ctx, idempotencyNamespace, fingerprint(tenantID, key))
}

// MemoryIdempotencyStore is the single-process fallback used when no redis is configured.
type MemoryIdempotencyStore struct {
	mu     sync.Mutex
	window time.Duration
	now    func() time.Time
	claims map[string]time.Time // fingerprint -> expiry
}

func NewMemoryIdempotencyStore(window time.Duration) *MemoryIdempotencyStore {
	return &MemoryIdempotencyStore{window: window, now: time.Now, claims: make(map[string]time.Time)}
}

func (s *MemoryIdempotencyStore) Claim(_ context.Context, tenantID, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	fp := fingerprint(tenantID, key)
	if exp, ok := s.claims[fp]; ok && now.Before(exp) {
		return false, nil
	}
	s.claims[fp] = now.Add(s.window)
	// Opportunistic sweep keeps the map bounded by the live window.
	for k, exp := range s.claims {
		if !now.Before(exp) {
			delete(s.claims, k)
		}
	}
	return true, nil
}

func (s *MemoryIdempotencyStore) Forget(_ context.Context, tenantID, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claims, fingerprint(tenantID, key))
	return nil
}
