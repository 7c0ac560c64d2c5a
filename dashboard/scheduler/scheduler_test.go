package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/itskum47/PuppetLens/dashboard/resilience"
	"github.com/itskum47/PuppetLens/dashboard/rollup"
)

type MockLister struct {
	envs []string
	err  error
}

func (m *MockLister) Environments(ctx context.Context) ([]string, error) {
	return m.envs, m.err
}

type MockRebuilder struct {
	mu       sync.Mutex
	rebuilt  []string
	failing  map[string]bool
	delay    time.Duration
	inFlight int32
	maxSeen  int32
}

func (m *MockRebuilder) Rebuild(ctx context.Context, env string) (rollup.Response, error) {
	n := atomic.AddInt32(&m.inFlight, 1)
	defer atomic.AddInt32(&m.inFlight, -1)
	for {
		prev := atomic.LoadInt32(&m.maxSeen)
		if n <= prev || atomic.CompareAndSwapInt32(&m.maxSeen, prev, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.rebuilt = append(m.rebuilt, env)
	if m.failing[env] {
		return nil, &rollup.RefreshError{Environment: env, Stage: rollup.StageFetchEvents, Err: errors.New("timeout")}
	}
	return rollup.Response{}, nil
}

func (m *MockRebuilder) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rebuilt)
}

type MockPublisher struct {
	mu     sync.Mutex
	topics []string
}

func (m *MockPublisher) Publish(ctx context.Context, topic string, payload interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.topics = append(m.topics, topic)
	return nil
}

func (m *MockPublisher) Close() error { return nil }

func TestSweepCoversAllEnvironmentsAndWildcard(t *testing.T) {
	rebuilder := &MockRebuilder{}
	pub := &MockPublisher{}
	job := NewRebuildJob(&MockLister{envs: []string{"production", "staging"}}, rebuilder, time.Minute, WithPublisher(pub))

	result, err := job.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	want := []string{"*", "production", "staging"}
	if len(result.Succeeded) != len(want) {
		t.Fatalf("Succeeded = %v, want %v", result.Succeeded, want)
	}
	for i := range want {
		if result.Succeeded[i] != want[i] {
			t.Errorf("Succeeded[%d] = %q, want %q", i, result.Succeeded[i], want[i])
		}
	}
	if len(pub.topics) != 1 || pub.topics[0] != "rollup.rebuilt" {
		t.Errorf("published topics = %v", pub.topics)
	}
}

func TestSweepIsolatesFailures(t *testing.T) {
	rebuilder := &MockRebuilder{failing: map[string]bool{"staging": true}}
	job := NewRebuildJob(&MockLister{envs: []string{"production", "staging", "dev"}}, rebuilder, time.Minute)

	result, err := job.RunOnce(context.Background())
	if rebuilder.count() != 4 {
		t.Fatalf("expected every environment attempted, got %d", rebuilder.count())
	}

	var sweepErr *resilience.SweepError
	if !errors.As(err, &sweepErr) {
		t.Fatalf("expected SweepError, got %v", err)
	}
	if sweepErr.Total != 4 || sweepErr.Succeeded != 3 || sweepErr.Failed != 1 {
		t.Errorf("unexpected counts: %+v", sweepErr)
	}
	if _, ok := sweepErr.Failures["staging"]; !ok {
		t.Errorf("staging missing from failures: %v", sweepErr.Failures)
	}
	if !errors.Is(err, rollup.ErrUnavailable) {
		t.Error("backend failure should be visible through the sweep error")
	}
	if result.Failed["staging"] == "" {
		t.Error("result should carry the failure message")
	}
}

func TestSweepListingFailure(t *testing.T) {
	rebuilder := &MockRebuilder{}
	listErr := errors.New("puppetdb unreachable")
	job := NewRebuildJob(&MockLister{err: listErr}, rebuilder, time.Minute)

	_, err := job.RunOnce(context.Background())
	if !errors.Is(err, listErr) {
		t.Fatalf("expected listing error, got %v", err)
	}
	if rebuilder.count() != 0 {
		t.Error("nothing should be rebuilt when listing fails")
	}
}

func TestSweepConcurrencyBound(t *testing.T) {
	rebuilder := &MockRebuilder{delay: 20 * time.Millisecond}
	job := NewRebuildJob(&MockLister{envs: []string{"a", "b", "c", "d", "e"}}, rebuilder, time.Minute, WithConcurrency(2))

	if _, err := job.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if peak := atomic.LoadInt32(&rebuilder.maxSeen); peak > 2 {
		t.Errorf("saw %d concurrent rebuilds, limit is 2", peak)
	}
	if rebuilder.count() != 6 {
		t.Errorf("rebuilt %d environments, want 6", rebuilder.count())
	}
}

func TestSweepDefaultIsSequential(t *testing.T) {
	rebuilder := &MockRebuilder{delay: 5 * time.Millisecond}
	job := NewRebuildJob(&MockLister{envs: []string{"a", "b", "c"}}, rebuilder, time.Minute)

	if _, err := job.RunOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if peak := atomic.LoadInt32(&rebuilder.maxSeen); peak != 1 {
		t.Errorf("default concurrency should be 1, saw %d", peak)
	}
}

func TestStartRunsImmediatelyAndStops(t *testing.T) {
	rebuilder := &MockRebuilder{}
	job := NewRebuildJob(&MockLister{envs: []string{"production"}}, rebuilder, time.Hour)

	job.Start(context.Background())
	job.Start(context.Background()) // second Start is a no-op

	deadline := time.Now().Add(2 * time.Second)
	for rebuilder.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if rebuilder.count() != 2 {
		t.Fatalf("expected one immediate sweep of 2 environments, got %d rebuilds", rebuilder.count())
	}

	job.Stop()
	if job.Running() {
		t.Error("job should not be running after Stop")
	}
	job.Stop() // idempotent
}

func TestTokenBucketLimiter(t *testing.T) {
	l := NewTokenBucketLimiter(1, 2)

	if !l.Allow("prod") || !l.Allow("prod") {
		t.Fatal("burst of 2 should be allowed")
	}
	if l.Allow("prod") {
		t.Error("third call within a second should be throttled")
	}
	if !l.Allow("qa") {
		t.Error("keys must not share buckets")
	}

	ok, wait := l.Reserve("prod")
	if ok || wait <= 0 {
		t.Errorf("Reserve = %v, %v; want denied with a delay", ok, wait)
	}
}

func TestTokenBucketLimiterDisabled(t *testing.T) {
	l := NewTokenBucketLimiter(0, 1)
	for i := 0; i < 100; i++ {
		if !l.Allow("prod") {
			t.Fatal("a zero rate should not throttle")
		}
	}
	if len(l.buckets) != 0 {
		t.Errorf("an unlimited limiter should not track keys, has %d", len(l.buckets))
	}
}

func TestTokenBucketLimiterDropsRefilledKeys(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewTokenBucketLimiter(1, 1)
	l.maxKeys = 2
	l.now = func() time.Time { return now }

	l.Allow("env-a")
	l.Allow("env-b")

	now = now.Add(2 * time.Second)
	if !l.Allow("env-c") {
		t.Fatal("a new key should be allowed")
	}
	if len(l.buckets) != 1 {
		t.Errorf("refilled buckets should have been dropped, %d left", len(l.buckets))
	}
	if !l.Allow("env-a") {
		t.Error("a dropped key starts with a full bucket")
	}
}

func TestTokenBucketLimiterBoundsKeys(t *testing.T) {
	now := time.Unix(1000, 0)
	l := NewTokenBucketLimiter(1, 1)
	l.maxKeys = 3
	l.now = func() time.Time { return now }

	l.Allow("prod")
	for i := 0; i < 50; i++ {
		now = now.Add(time.Millisecond)
		l.Allow(fmt.Sprintf("junk-%d", i))
		if len(l.buckets) > l.maxKeys {
			t.Fatalf("limiter grew to %d keys", len(l.buckets))
		}
	}

	now = now.Add(time.Millisecond)
	l.Allow("qa")
	now = now.Add(time.Millisecond)
	if l.Allow("qa") {
		t.Error("a recently used key must keep its bucket")
	}
	if ok, wait := l.Reserve("qa"); ok || wait <= 0 {
		t.Errorf("Reserve = %v, %v; want denied with a delay", ok, wait)
	}
}
