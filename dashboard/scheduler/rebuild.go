// Package scheduler runs the periodic full rebuild of every environment's
// rollup snapshot, keeping the cache warm for interactive readers.
package scheduler

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/itskum47/PuppetLens/dashboard/observability"
	"github.com/itskum47/PuppetLens/dashboard/resilience"
	"github.com/itskum47/PuppetLens/dashboard/rollup"
	"github.com/itskum47/PuppetLens/dashboard/streaming"
)

// EnvironmentLister lists the environments to sweep.
type EnvironmentLister interface {
	Environments(ctx context.Context) ([]string, error)
}

// Rebuilder recomputes one environment from scratch.
type Rebuilder interface {
	Rebuild(ctx context.Context, env string) (rollup.Response, error)
}

// SweepResult summarises one sweep.
type SweepResult struct {
	StartedAt    time.Time         `json:"started_at"`
	Duration     time.Duration     `json:"duration"`
	Environments []string          `json:"environments"`
	Succeeded    []string          `json:"succeeded"`
	Failed       map[string]string `json:"failed,omitempty"`
}

// RebuildJob rebuilds every environment, plus the all-environments view, on
// a fixed interval. One environment failing never stops the others.
type RebuildJob struct {
	envs        EnvironmentLister
	rebuilder   Rebuilder
	interval    time.Duration
	concurrency int
	timeout     time.Duration
	publisher   streaming.Publisher

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

// JobOption configures a RebuildJob.
type JobOption func(*RebuildJob)

// WithConcurrency bounds how many environments rebuild at once.
func WithConcurrency(n int) JobOption {
	return func(j *RebuildJob) {
		if n > 0 {
			j.concurrency = n
		}
	}
}

// WithSweepTimeout bounds a whole sweep. Zero means the interval.
func WithSweepTimeout(d time.Duration) JobOption {
	return func(j *RebuildJob) {
		j.timeout = d
	}
}

// WithPublisher announces finished sweeps.
func WithPublisher(p streaming.Publisher) JobOption {
	return func(j *RebuildJob) {
		j.publisher = p
	}
}

// NewRebuildJob creates a stopped job.
func NewRebuildJob(envs EnvironmentLister, rebuilder Rebuilder, interval time.Duration, opts ...JobOption) *RebuildJob {
	j := &RebuildJob{
		envs:        envs,
		rebuilder:   rebuilder,
		interval:    interval,
		concurrency: 1,
	}
	for _, opt := range opts {
		opt(j)
	}
	if j.timeout <= 0 {
		j.timeout = interval
	}
	return j
}

// Start runs a sweep immediately and then every interval until Stop or ctx
// is done. Calling Start on a running job does nothing.
func (j *RebuildJob) Start(ctx context.Context) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	j.cancel = cancel
	j.done = make(chan struct{})
	j.running = true

	log.Printf("[REBUILD] Starting rebuild job (interval: %v, concurrency: %d)", j.interval, j.concurrency)
	go j.loop(ctx, j.done)
}

// Stop cancels the running sweep, if any, and waits for the loop to exit.
func (j *RebuildJob) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	cancel, done := j.cancel, j.done
	j.running = false
	j.mu.Unlock()

	cancel()
	<-done
	log.Printf("[REBUILD] Rebuild job stopped")
}

// Running reports whether the loop is active.
func (j *RebuildJob) Running() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.running
}

func (j *RebuildJob) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.tick(ctx)
		}
	}
}

func (j *RebuildJob) tick(ctx context.Context) {
	sweepCtx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()
	if _, err := j.RunOnce(sweepCtx); err != nil && ctx.Err() == nil {
		log.Printf("[REBUILD] Sweep finished with errors: %v", err)
	}
}

// RunOnce rebuilds all environments once. It returns a
// *resilience.SweepError when some environments failed, or the listing
// error when the environments could not be listed at all.
func (j *RebuildJob) RunOnce(ctx context.Context) (SweepResult, error) {
	result := SweepResult{StartedAt: time.Now()}

	names, err := j.envs.Environments(ctx)
	if err != nil {
		observability.RebuildSweeps.WithLabelValues("failed").Inc()
		log.Printf("[REBUILD] Could not list environments: %v", err)
		return result, err
	}
	result.Environments = append(append([]string(nil), names...), rollup.AllEnvironments)

	var (
		mu       sync.Mutex
		failures = make(map[string]error)
		g        errgroup.Group
	)
	g.SetLimit(j.concurrency)

	for _, env := range result.Environments {
		env := env
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				mu.Lock()
				failures[env] = err
				mu.Unlock()
				return nil
			}
			start := time.Now()
			_, err := j.rebuilder.Rebuild(ctx, env)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				failures[env] = err
				observability.RebuildEnvironmentFailures.WithLabelValues(env).Inc()
				log.Printf("[REBUILD] %s failed after %v: %v", env, time.Since(start).Round(time.Millisecond), err)
				return nil
			}
			result.Succeeded = append(result.Succeeded, env)
			return nil
		})
	}
	_ = g.Wait() // workers never return errors

	sort.Strings(result.Succeeded)
	result.Duration = time.Since(result.StartedAt)

	var sweepErr error
	switch {
	case len(failures) == 0:
		observability.RebuildSweeps.WithLabelValues("ok").Inc()
		observability.LastRebuildTimestamp.SetToCurrentTime()
	case len(result.Succeeded) > 0:
		observability.RebuildSweeps.WithLabelValues("partial").Inc()
	default:
		observability.RebuildSweeps.WithLabelValues("failed").Inc()
	}
	if len(failures) > 0 {
		result.Failed = make(map[string]string, len(failures))
		for env, err := range failures {
			result.Failed[env] = err.Error()
		}
		sweepErr = &resilience.SweepError{
			Total:     len(result.Environments),
			Succeeded: len(result.Succeeded),
			Failed:    len(failures),
			Failures:  failures,
		}
	}

	log.Printf("[REBUILD] Sweep done in %v: %d/%d environments rebuilt",
		result.Duration.Round(time.Millisecond), len(result.Succeeded), len(result.Environments))

	if j.publisher != nil {
		if err := j.publisher.Publish(ctx, streaming.TopicRebuildSweep, result); err != nil {
			observability.EventPublishFailures.WithLabelValues(streaming.TopicRebuildSweep, "publish_error").Inc()
		}
	}
	return result, sweepErr
}
