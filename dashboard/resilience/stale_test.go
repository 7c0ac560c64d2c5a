package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/itskum47/PuppetLens/dashboard/rollup"
)

func rollupOf(class string, nodes int) rollup.Response {
	return rollup.Response{class: {NbNodes: nodes}}
}

func unavailable(env string) error {
	return &rollup.RefreshError{Environment: env, Stage: rollup.StageListNodes, Err: errors.New("connection refused")}
}

func TestWithFallbackServesLastGood(t *testing.T) {
	cache := NewStaleCache(4)
	ctx := context.Background()

	resp, stale, err := cache.WithFallback(ctx, "prod", func(context.Context) (rollup.Response, error) {
		return rollupOf("Foo::Bar", 2), nil
	})
	if err != nil || stale {
		t.Fatalf("fresh call: stale=%v err=%v", stale, err)
	}
	if resp["Foo::Bar"].NbNodes != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}

	resp, stale, err = cache.WithFallback(ctx, "prod", func(context.Context) (rollup.Response, error) {
		return nil, unavailable("prod")
	})
	if err != nil {
		t.Fatalf("expected stale answer, got error %v", err)
	}
	if !stale {
		t.Error("response should be flagged stale")
	}
	if resp["Foo::Bar"].NbNodes != 2 {
		t.Errorf("stale response = %+v", resp)
	}
	if !cache.IsDegraded() {
		t.Error("cache should be degraded after a backend outage")
	}

	_, _, err = cache.WithFallback(ctx, "prod", func(context.Context) (rollup.Response, error) {
		return rollupOf("Foo::Bar", 3), nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if cache.IsDegraded() {
		t.Error("successful refresh should leave degraded mode")
	}
}

func TestWithFallbackWithoutHistory(t *testing.T) {
	cache := NewStaleCache(4)
	_, stale, err := cache.WithFallback(context.Background(), "qa", func(context.Context) (rollup.Response, error) {
		return nil, unavailable("qa")
	})
	if !errors.Is(err, rollup.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
	if stale {
		t.Error("nothing to serve, stale must be false")
	}
}

func TestWithFallbackPassesOtherErrors(t *testing.T) {
	cache := NewStaleCache(4)
	cache.Put("prod", rollupOf("A", 1))

	boom := errors.New("encode failure")
	_, _, err := cache.WithFallback(context.Background(), "prod", func(context.Context) (rollup.Response, error) {
		return nil, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected original error, got %v", err)
	}
	if cache.IsDegraded() {
		t.Error("non-backend failures must not enter degraded mode")
	}
}

func TestStaleCacheLRU(t *testing.T) {
	cache := NewStaleCache(2)
	clock := time.Unix(0, 0)
	cache.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	cache.Put("a", rollupOf("A", 1))
	cache.Put("b", rollupOf("B", 1))
	cache.Get("a") // b is now least recently used
	cache.Put("c", rollupOf("C", 1))

	if cache.Len() != 2 {
		t.Fatalf("Len = %d, want 2", cache.Len())
	}
	if _, ok := cache.Get("b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := cache.Get("a"); !ok {
		t.Error("a should survive")
	}
}

func TestAllEnvironmentsShareEntry(t *testing.T) {
	cache := NewStaleCache(2)
	cache.Put("", rollupOf("A", 1))
	if _, ok := cache.Get(rollup.AllEnvironments); !ok {
		t.Error("empty environment and wildcard must share an entry")
	}
}

func TestSweepErrorUnwrap(t *testing.T) {
	err := &SweepError{
		Total: 3, Succeeded: 1, Failed: 2,
		Failures: map[string]error{
			"prod": unavailable("prod"),
			"qa":   errors.New("disk full"),
		},
	}
	if !errors.Is(err, rollup.ErrUnavailable) {
		t.Error("SweepError should expose per-environment causes")
	}
	want := "rebuild sweep partial failure: 1 succeeded, 2 failed (total: 3) [prod, qa]"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
}
