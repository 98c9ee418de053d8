package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store in process memory. Suitable for tests and
// single-instance development setups.
type MemoryStore struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory rate limit store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{windows: make(map[string]*window)}
}

func (s *MemoryStore) IncrementAndGet(ctx context.Context, key string, windowDur time.Duration) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	w, ok := s.windows[key]
	if !ok || now.After(w.expiresAt) {
		w = &window{count: 1, expiresAt: now.Add(windowDur)}
		s.windows[key] = w
		return w.count, windowDur, nil
	}

	w.count++
	return w.count, time.Until(w.expiresAt), nil
}

func (s *MemoryStore) Reset(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.windows, key)
	return nil
}
