package store

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore holds cache entries and leases in process memory.
// It implements Cache and Coordinator. Only suitable for a single worker:
// other processes cannot see its snapshots.
type MemoryStore struct {
	mu     sync.RWMutex
	values map[string]memoryEntry
	leases map[string]memoryEntry
	now    func() time.Time
}

// NewMemoryStore initializes a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string]memoryEntry),
		leases: make(map[string]memoryEntry),
		now:    time.Now,
	}
}

// SetClock overrides the time source. Used by tests to exercise expiry.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// --- Cache ---

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.values[key]
	if !ok || entry.expired(s.now()) {
		return nil, false, nil
	}
	// Return copy
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	entry := memoryEntry{value: stored}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.values[key] = entry
	return nil
}

// Len returns the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	n := 0
	for _, e := range s.values {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// --- Coordinator ---

func (s *MemoryStore) AcquireLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if cur, ok := s.leases[key]; ok && !cur.expired(now) {
		return false, nil
	}
	s.leases[key] = memoryEntry{value: []byte(value), expiresAt: now.Add(ttl)}
	return true, nil
}

func (s *MemoryStore) RenewLease(ctx context.Context, key string, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cur, ok := s.leases[key]
	if !ok || cur.expired(now) || string(cur.value) != value {
		return false, nil
	}
	cur.expiresAt = now.Add(ttl)
	s.leases[key] = cur
	return true, nil
}

func (s *MemoryStore) ReleaseLease(ctx context.Context, key string, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.leases[key]; ok && string(cur.value) == value {
		delete(s.leases, key)
	}
	return nil
}
