package scheduler

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter throttles work per key.
type RateLimiter interface {
	Allow(key string) bool
}

// defaultMaxKeys bounds the number of buckets a limiter tracks. Keys come
// from request parameters.
const defaultMaxKeys = 1024

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// TokenBucketLimiter keeps one token bucket per key, e.g. per environment
// for on-demand refreshes. Buckets that refilled are dropped once the key
// count reaches its bound, and the least recently used one goes if that is
// not enough.
type TokenBucketLimiter struct {
	buckets map[string]*bucket
	mu      sync.Mutex
	r       rate.Limit
	b       int
	maxKeys int
	now     func() time.Time
}

// NewTokenBucketLimiter creates a limiter allowing r events per second with
// burst b for every key. r <= 0 allows everything.
func NewTokenBucketLimiter(r float64, b int) *TokenBucketLimiter {
	if b < 1 {
		b = 1
	}
	limit := rate.Limit(r)
	if r <= 0 {
		limit = rate.Inf
	}
	return &TokenBucketLimiter{
		buckets: make(map[string]*bucket),
		r:       limit,
		b:       b,
		maxKeys: defaultMaxKeys,
		now:     time.Now,
	}
}

func (l *TokenBucketLimiter) get(key string, now time.Time) *rate.Limiter {
	bk, exists := l.buckets[key]
	if !exists {
		if len(l.buckets) >= l.maxKeys {
			l.evict(now)
		}
		bk = &bucket{limiter: rate.NewLimiter(l.r, l.b)}
		l.buckets[key] = bk
	}
	bk.seen = now
	return bk.limiter
}

// evict drops full buckets, which behave exactly like new ones, then the
// least recently used bucket if the map is still at its bound.
func (l *TokenBucketLimiter) evict(now time.Time) {
	var oldestKey string
	var oldest time.Time
	for k, bk := range l.buckets {
		if bk.limiter.TokensAt(now) >= float64(l.b) {
			delete(l.buckets, k)
			continue
		}
		if oldestKey == "" || bk.seen.Before(oldest) {
			oldestKey, oldest = k, bk.seen
		}
	}
	if len(l.buckets) >= l.maxKeys && oldestKey != "" {
		delete(l.buckets, oldestKey)
	}
}

// Allow checks if the key is allowed to proceed.
func (l *TokenBucketLimiter) Allow(key string) bool {
	if l.r == rate.Inf {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	return l.get(key, now).AllowN(now, 1)
}

// Reserve is Allow that also reports how long to wait when denied, for
// Retry-After headers.
func (l *TokenBucketLimiter) Reserve(key string) (bool, time.Duration) {
	if l.r == rate.Inf {
		return true, 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	r := l.get(key, now).ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay > 0 {
		r.CancelAt(now) // We are just checking, so cancel the reservation
		return false, delay
	}
	return true, 0
}
