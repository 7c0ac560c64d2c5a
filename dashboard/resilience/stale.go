package resilience

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/itskum47/PuppetLens/dashboard/observability"
	"github.com/itskum47/PuppetLens/dashboard/rollup"
)

// StaleEntry is the last good rollup of one environment.
type StaleEntry struct {
	Response   rollup.Response
	StoredAt   time.Time
	LastAccess time.Time
}

// StaleCache keeps the last good rollup per environment so readers get an
// answer while PuppetDB is down. Entries are evicted least recently used.
type StaleCache struct {
	mu sync.Mutex

	backendAvailable bool
	degradedSince    time.Time

	entries    map[string]*StaleEntry
	maxEntries int
	now        func() time.Time
}

// NewStaleCache creates a cache holding at most maxEntries environments.
func NewStaleCache(maxEntries int) *StaleCache {
	if maxEntries < 1 {
		maxEntries = 1
	}
	return &StaleCache{
		backendAvailable: true,
		entries:          make(map[string]*StaleEntry),
		maxEntries:       maxEntries,
		now:              time.Now,
	}
}

// MarkBackendUnavailable enters degraded mode.
func (s *StaleCache) MarkBackendUnavailable() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.backendAvailable {
		log.Printf("[DEGRADED MODE] PuppetDB unavailable, serving last known rollups")
		s.backendAvailable = false
		s.degradedSince = s.now()
		observability.DegradedMode.Set(1)
	}
}

// MarkBackendAvailable leaves degraded mode.
func (s *StaleCache) MarkBackendAvailable() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.backendAvailable {
		log.Printf("[DEGRADED MODE] PuppetDB recovered after %v, normal mode restored",
			s.now().Sub(s.degradedSince).Round(time.Second))
		s.backendAvailable = true
		observability.DegradedMode.Set(0)
	}
}

// IsDegraded returns true while PuppetDB is considered down.
func (s *StaleCache) IsDegraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.backendAvailable
}

// Get returns the last good rollup of env.
func (s *StaleCache) Get(env string) (StaleEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[rollup.NormalizeEnvironment(env)]
	if !ok {
		return StaleEntry{}, false
	}
	entry.LastAccess = s.now()
	return *entry, true
}

// Put records resp as the last good rollup of env.
func (s *StaleCache) Put(env string, resp rollup.Response) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env = rollup.NormalizeEnvironment(env)
	if _, exists := s.entries[env]; !exists && len(s.entries) >= s.maxEntries {
		var oldestKey string
		var oldestTime time.Time
		first := true
		for k, entry := range s.entries {
			if first || entry.LastAccess.Before(oldestTime) {
				oldestKey = k
				oldestTime = entry.LastAccess
				first = false
			}
		}
		delete(s.entries, oldestKey)
		log.Printf("[DEGRADED MODE] LRU evicted: %s (last access: %v)", oldestKey, oldestTime)
	}

	now := s.now()
	s.entries[env] = &StaleEntry{Response: resp, StoredAt: now, LastAccess: now}
}

// Len returns the number of environments held.
func (s *StaleCache) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// WithFallback runs fresh and remembers its result. When fresh fails with
// a backend outage and a previous result exists, that result is returned
// with stale set. Any other failure is returned as is.
func (s *StaleCache) WithFallback(
	ctx context.Context,
	env string,
	fresh func(context.Context) (rollup.Response, error),
) (resp rollup.Response, stale bool, err error) {
	resp, err = fresh(ctx)
	if err == nil {
		s.MarkBackendAvailable()
		s.Put(env, resp)
		return resp, false, nil
	}
	if !errors.Is(err, rollup.ErrUnavailable) {
		return nil, false, err
	}

	s.MarkBackendUnavailable()
	entry, ok := s.Get(env)
	if !ok {
		return nil, false, err
	}

	log.Printf("[DEGRADED MODE] Serving rollup of %s from %v: %v",
		rollup.NormalizeEnvironment(env), entry.StoredAt.Format(time.RFC3339), err)
	observability.StaleResponses.WithLabelValues(rollup.NormalizeEnvironment(env)).Inc()
	return entry.Response, true, nil
}

// HealthCheck reports dependency state for /health.
func (s *StaleCache) HealthCheck() map[string]bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return map[string]bool{
		"puppetdb": s.backendAvailable,
		"degraded": !s.backendAvailable,
	}
}
