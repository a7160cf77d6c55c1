package statestore

import (
	"sync"
	"time"

	"ai-privacy-router/internal/clock"
)

// memoryEntry pairs a stored value with its absolute expiry time.
// expiresAt.IsZero() means no expiry.
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore is a thread-safe, in-process StateStore. Used in tests and as
// the fallback when no persistent backend is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	store map[string]memoryEntry
	clk   clock.Clock
}

// NewMemoryStore returns an empty MemoryStore using clk to evaluate TTLs.
func NewMemoryStore(clk clock.Clock) *MemoryStore {
	return &MemoryStore{store: make(map[string]memoryEntry), clk: clk}
}

func (s *MemoryStore) Put(key string, value []byte, ttl time.Duration) error {
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = s.clk.Now().Add(ttl)
	}
	cp := make([]byte, len(value))
	copy(cp, value)

	s.mu.Lock()
	s.store[key] = memoryEntry{value: cp, expiresAt: expiresAt}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.store[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && !e.expiresAt.After(s.clk.Now()) {
		s.mu.Lock()
		delete(s.store, key)
		s.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	delete(s.store, key)
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Close() error { return nil }
