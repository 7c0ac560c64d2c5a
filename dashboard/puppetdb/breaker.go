package puppetdb

import (
	"log"
	"sync"
	"time"

	"github.com/itskum47/PuppetLens/dashboard/observability"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitHalfOpen                     // One trial request allowed
	CircuitOpen                         // Failing fast
)

func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitHalfOpen:
		return "half_open"
	case CircuitOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker opens after threshold consecutive failed requests and fails fast
// until cooldown has elapsed, then lets a single trial request through.
type Breaker struct {
	mu    sync.Mutex
	state CircuitState

	threshold int
	cooldown  time.Duration
	now       func() time.Time

	failures  int
	openedAt  time.Time
	trial     bool
	trialFrom time.Time
}

// NewBreaker creates a closed breaker. A threshold <= 0 disables it.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		state:     CircuitClosed,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
	}
}

// Allow reports whether a request may be sent.
func (b *Breaker) Allow() bool {
	if b == nil || b.threshold <= 0 {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == CircuitOpen && b.now().Sub(b.openedAt) >= b.cooldown {
		b.setState(CircuitHalfOpen)
		b.trial = false
	}

	switch b.state {
	case CircuitClosed:
		return true
	case CircuitHalfOpen:
		// An admitted request that never reported back gives up its slot
		// after one cooldown
		if b.trial && b.now().Sub(b.trialFrom) < b.cooldown {
			return false
		}
		b.trial = true
		b.trialFrom = b.now()
		return true
	default:
		return false
	}
}

// RecordSuccess closes the circuit.
func (b *Breaker) RecordSuccess() {
	if b == nil || b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures = 0
	b.trial = false
	if b.state != CircuitClosed {
		log.Printf("[PUPPETDB] Circuit closed")
		b.setState(CircuitClosed)
	}
}

// RecordFailure counts a failed request. A failed trial re-opens at once.
func (b *Breaker) RecordFailure() {
	if b == nil || b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	if b.state == CircuitHalfOpen || (b.state == CircuitClosed && b.failures >= b.threshold) {
		log.Printf("[PUPPETDB] Circuit open after %d consecutive failures, cooling down %v", b.failures, b.cooldown)
		b.setState(CircuitOpen)
		b.openedAt = b.now()
		b.trial = false
	}
}

// Release ends an admitted request that produced no verdict, such as one
// whose caller went away. A half-open breaker admits the next request.
func (b *Breaker) Release() {
	if b == nil || b.threshold <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trial = false
}

// State returns the current circuit state.
func (b *Breaker) State() CircuitState {
	if b == nil {
		return CircuitClosed
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setState(s CircuitState) {
	b.state = s
	observability.BackendCircuitState.Set(float64(s))
}
