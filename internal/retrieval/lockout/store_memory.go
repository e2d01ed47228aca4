package lockout

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// DefaultMemoryEntries bounds how many client/batch pairs are tracked. The
// least recently touched pair is evicted first.
const DefaultMemoryEntries = 10_000

type counter struct {
	failures  int
	expiresAt time.Time
}

// MemoryStore is a single-node failure counter for development and tests.
type MemoryStore struct {
	mu    sync.Mutex
	cache *lru.Cache
	now   func() time.Time
}

func NewMemoryStore(size int) (*MemoryStore, error) {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &MemoryStore{cache: cache, now: time.Now}, nil
}

func (s *MemoryStore) Failures(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.liveLocked(key)
	if !ok {
		return 0, nil
	}
	return c.failures, nil
}

func (s *MemoryStore) RecordFailure(_ context.Context, key string, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.liveLocked(key)
	if !ok {
		c = &counter{expiresAt: s.now().Add(window)}
		s.cache.Add(key, c)
	}
	c.failures++
	return c.failures, nil
}

func (s *MemoryStore) Reset(_ context.Context, key string) error {
	s.cache.Remove(key)
	return nil
}

func (s *MemoryStore) liveLocked(key string) (*counter, bool) {
	v, ok := s.cache.Get(key)
	if !ok {
		return nil, false
	}
	c := v.(*counter)
	if !s.now().Before(c.expiresAt) {
		s.cache.Remove(key)
		return nil, false
	}
	return c, true
}
