// Package coordination elects the single dashboard process that runs the
// scheduled rebuild when several share one cache backend.
package coordination

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/itskum47/PuppetLens/dashboard/observability"
	"github.com/itskum47/PuppetLens/dashboard/store"
)

// DefaultLeaderKey is the lease shared by all rebuild workers.
const DefaultLeaderKey = "puppetlens:lock:rebuild-leader"

// LeaseHolder is stored as the lease value so operators can see who holds it.
type LeaseHolder struct {
	NodeID     string    `json:"node_id"`
	Token      string    `json:"token"`
	AcquiredAt time.Time `json:"acquired_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type LeaderElector struct {
	coordinator store.Coordinator
	nodeID      string
	key         string
	ttl         time.Duration

	mu           sync.RWMutex
	isLeader     bool
	leaseValue   string // exact value written by acquire
	leaderCancel context.CancelFunc
	transitions  int64
	leaderSince  time.Time

	// Callbacks
	onElected func(context.Context)
	onLost    func()

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started sync.Once
	running bool
}

type LeaderState struct {
	IsLeader    bool      `json:"is_leader"`
	NodeID      string    `json:"node_id"`
	Transitions int64     `json:"transitions"`
	LeaderSince time.Time `json:"leader_since,omitempty"`
}

// NewLeaderElector creates an elector for key. An empty nodeID gets a
// random one.
func NewLeaderElector(c store.Coordinator, nodeID, key string, ttl time.Duration) *LeaderElector {
	if nodeID == "" {
		nodeID = uuid.NewString()
	}
	if key == "" {
		key = DefaultLeaderKey
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &LeaderElector{
		coordinator: c,
		nodeID:      nodeID,
		key:         key,
		ttl:         ttl,
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// SetCallbacks must be called before Start. onElected runs in its own
// goroutine with a context cancelled on step-down; onLost runs inline.
func (l *LeaderElector) SetCallbacks(onElected func(ctx context.Context), onLost func()) {
	l.onElected = onElected
	l.onLost = onLost
}

// State returns the elector state for /health.
func (l *LeaderElector) State() LeaderState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return LeaderState{
		IsLeader:    l.isLeader,
		NodeID:      l.nodeID,
		Transitions: l.transitions,
		LeaderSince: l.leaderSince,
	}
}

// Start runs the election loop in the background. An elector runs once;
// later calls do nothing.
func (l *LeaderElector) Start(ctx context.Context) {
	l.started.Do(func() {
		l.mu.Lock()
		l.running = true
		l.mu.Unlock()
		go l.loop(ctx)
	})
}

// Stop steps down, releases the lease and waits for the loop to exit.
func (l *LeaderElector) Stop() {
	l.mu.RLock()
	running := l.running
	l.mu.RUnlock()

	l.cancel()
	if running {
		<-l.done
	}
}

func (l *LeaderElector) IsLeader() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.isLeader
}

func (l *LeaderElector) loop(ctx context.Context) {
	defer close(l.done)

	minInterval := l.ttl / 3
	maxInterval := 10 * l.ttl
	interval := minInterval

	renewFailures := 0
	const maxRenewFailures = 3

	// First attempt is immediate
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			l.shutdown()
			return
		case <-l.ctx.Done():
			l.shutdown()
			return
		case <-timer.C:
			var err error
			if l.IsLeader() {
				var renewed bool
				renewed, err = l.renew(ctx)
				if err == nil {
					renewFailures = 0
					if !renewed {
						log.Printf("[LEADER] Lease %s lost to another node", l.key)
						l.stepDown()
						l.release()
					}
				} else {
					renewFailures++
					log.Printf("[LEADER] Renew failed (%d/%d): %v", renewFailures, maxRenewFailures, err)
					if renewFailures >= maxRenewFailures {
						log.Printf("[LEADER] Too many renew failures. Stepping down for safety.")
						l.stepDown()
						l.release()
						renewFailures = 0
					}
				}
			} else {
				var acquired bool
				acquired, err = l.acquire(ctx)
				if err == nil && acquired {
					l.becomeLeader()
					renewFailures = 0
				}
			}

			// A leader keeps renewing at ttl/3 so the lease cannot lapse while
			// it backs off.
			if err != nil && !l.IsLeader() {
				interval *= 2
				if interval > maxInterval {
					interval = maxInterval
				}
				log.Printf("[LEADER] Error encountered, backing off for %v", interval)
			} else {
				interval = minInterval
			}

			timer.Reset(interval)
		}
	}
}

func (l *LeaderElector) shutdown() {
	if l.IsLeader() {
		l.stepDown()
	}
	l.release()
}

func (l *LeaderElector) acquire(ctx context.Context) (bool, error) {
	now := time.Now()
	holder := LeaseHolder{
		NodeID:     l.nodeID,
		Token:      uuid.NewString(),
		AcquiredAt: now,
		ExpiresAt:  now.Add(l.ttl),
	}
	raw, err := json.Marshal(holder)
	if err != nil {
		return false, err
	}
	val := string(raw)

	acquired, err := l.coordinator.AcquireLease(ctx, l.key, val, l.ttl)
	if err != nil {
		log.Printf("[LEADER] Failed to acquire lease: %v", err)
		return false, err
	}

	if acquired {
		l.mu.Lock()
		l.leaseValue = val
		l.mu.Unlock()
	}
	return acquired, nil
}

func (l *LeaderElector) renew(ctx context.Context) (bool, error) {
	l.mu.RLock()
	val := l.leaseValue
	l.mu.RUnlock()

	if val == "" {
		return false, nil
	}
	return l.coordinator.RenewLease(ctx, l.key, val, l.ttl)
}

func (l *LeaderElector) release() {
	l.mu.Lock()
	val := l.leaseValue
	l.leaseValue = ""
	l.mu.Unlock()

	if val == "" {
		return
	}

	// The caller's context is usually already cancelled here
	releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := l.coordinator.ReleaseLease(releaseCtx, l.key, val); err != nil {
		log.Printf("[LEADER] Failed to release lease: %v", err)
	}
}

func (l *LeaderElector) becomeLeader() {
	l.mu.Lock()
	l.isLeader = true
	ctx, cancel := context.WithCancel(context.Background())
	l.leaderCancel = cancel
	l.transitions++
	l.leaderSince = time.Now()
	l.mu.Unlock()

	log.Printf("[LEADER] Acquired leadership. Node: %s", l.nodeID)
	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "acquired").Inc()
	observability.LeaderStatus.Set(1)

	if l.onElected != nil {
		go l.onElected(ctx)
	}
}

func (l *LeaderElector) stepDown() {
	l.mu.Lock()
	if !l.isLeader {
		l.mu.Unlock()
		return
	}
	l.isLeader = false
	l.transitions++
	l.leaderSince = time.Time{}
	if l.leaderCancel != nil {
		l.leaderCancel()
	}
	l.mu.Unlock()

	observability.LeaderStatus.Set(0)
	observability.LeadershipTransitions.WithLabelValues(l.nodeID, "lost").Inc()

	log.Printf("[LEADER] Lost leadership. Node: %s", l.nodeID)
	if l.onLost != nil {
		l.onLost()
	}
}
