package rollup

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/itskum47/PuppetLens/dashboard/observability"
	"github.com/itskum47/PuppetLens/dashboard/store"
	"github.com/itskum47/PuppetLens/dashboard/streaming"
)

// Backend is the slice of the inventory service the rollup needs.
type Backend interface {
	// ActiveNodes lists non-deactivated nodes of env (AllEnvironments for all).
	ActiveNodes(ctx context.Context, env string) ([]Node, error)
	// ReportEvents returns the events of one report.
	ReportEvents(ctx context.Context, reportHash, env string) ([]Event, error)
}

const (
	modeIncremental = "incremental"
	modeRebuild     = "rebuild"
)

// UpdateEvent is published after every successful refresh.
type UpdateEvent struct {
	Environment string   `json:"environment"`
	Mode        string   `json:"mode"`
	Stats       Stats    `json:"stats"`
	Response    Response `json:"response"`
}

// Refresher runs refreshes against one backend and one cache.
// It holds no per-environment state; concurrent refreshes of the same
// environment are allowed and the last full write wins.
type Refresher struct {
	backend   Backend
	cache     store.Cache
	columns   []Status
	ttl       time.Duration
	publisher streaming.Publisher
}

// Option configures a Refresher.
type Option func(*Refresher)

// WithStatusColumns sets the enabled status buckets.
func WithStatusColumns(columns []Status) Option {
	return func(r *Refresher) {
		if len(columns) > 0 {
			r.columns = append([]Status(nil), columns...)
		}
	}
}

// WithTTL sets the expiry of written snapshots.
func WithTTL(ttl time.Duration) Option {
	return func(r *Refresher) {
		r.ttl = ttl
	}
}

// WithPublisher sets where UpdateEvents go.
func WithPublisher(p streaming.Publisher) Option {
	return func(r *Refresher) {
		r.publisher = p
	}
}

// NewRefresher creates a Refresher.
func NewRefresher(backend Backend, cache store.Cache, opts ...Option) *Refresher {
	r := &Refresher{
		backend: backend,
		cache:   cache,
		columns: append([]Status(nil), DefaultStatusColumns...),
		ttl:     time.Hour,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// StatusColumns returns the enabled buckets.
func (r *Refresher) StatusColumns() []Status {
	return append([]Status(nil), r.columns...)
}

// RefreshEnvironment brings env's snapshot up to date, fetching only reports
// the cached snapshot does not know, and returns the class rollup.
// A failure to write the new snapshot is logged; the response is still
// returned because it is correct, only not cached.
func (r *Refresher) RefreshEnvironment(ctx context.Context, env string) (Response, error) {
	_, resp, err := r.refresh(ctx, env, modeIncremental)
	if isPersistFailure(err) {
		return resp, nil
	}
	return resp, err
}

// Rebuild recomputes env's snapshot from every active node's latest report,
// ignoring the cache, and writes it. A failed write is an error here since
// warming the cache is the point of a rebuild.
func (r *Refresher) Rebuild(ctx context.Context, env string) (Response, error) {
	_, resp, err := r.refresh(ctx, env, modeRebuild)
	return resp, err
}

// ClassNodes refreshes env and lists the per-node status of one class.
func (r *Refresher) ClassNodes(ctx context.Context, env, class string) ([]NodeClassStatus, error) {
	snap, _, err := r.refresh(ctx, env, modeIncremental)
	if err != nil && !isPersistFailure(err) {
		return nil, err
	}
	return NodesForClass(snap, class, r.columns), nil
}

func isPersistFailure(err error) bool {
	var rerr *RefreshError
	return errors.As(err, &rerr) && rerr.Stage == StagePersist
}

func (r *Refresher) refresh(ctx context.Context, env string, mode string) (*Snapshot, Response, error) {
	env = NormalizeEnvironment(env)
	start := time.Now()
	defer func() {
		observability.RefreshDuration.WithLabelValues(mode).Observe(time.Since(start).Seconds())
	}()

	key := CacheKey(env)
	cached := NewSnapshot()
	if mode == modeIncremental {
		cached = r.load(ctx, key)
	}

	nodes, err := r.backend.ActiveNodes(ctx, env)
	if err != nil {
		observability.RefreshFailures.WithLabelValues(StageListNodes).Inc()
		return nil, nil, &RefreshError{Environment: env, Stage: StageListNodes, Err: err}
	}

	next, resp, stats, err := Merge(ctx, env, cached, nodes, r.backend.ReportEvents, r.columns)
	if err != nil {
		observability.RefreshFailures.WithLabelValues(StageFetchEvents).Inc()
		return nil, nil, &RefreshError{Environment: env, Stage: StageFetchEvents, Err: err}
	}
	observability.ReportsFetched.Add(float64(stats.Fetched))
	observability.ReportsReused.Add(float64(stats.Reused))

	// The write is the last step: readers see the old snapshot or this one.
	if err := r.persist(ctx, key, next); err != nil {
		log.Printf("[ROLLUP] Failed to persist snapshot %s: %v", key, err)
		observability.CacheWriteFailures.Inc()
		observability.RefreshFailures.WithLabelValues(StagePersist).Inc()
		return next, resp, &RefreshError{Environment: env, Stage: StagePersist, Err: err}
	}
	observability.SnapshotRecords.WithLabelValues(env).Set(float64(next.Len()))

	log.Printf("[ROLLUP] %s refresh of %s: nodes=%d reused=%d fetched=%d classes=%d (%v)",
		mode, env, stats.Nodes, stats.Reused, stats.Fetched, len(resp), time.Since(start).Round(time.Millisecond))

	r.publish(ctx, UpdateEvent{Environment: env, Mode: mode, Stats: stats, Response: resp})
	return next, resp, nil
}

// load reads the cached snapshot. A miss, a read error or an undecodable
// entry all yield an empty snapshot, which means recomputing every report.
func (r *Refresher) load(ctx context.Context, key string) *Snapshot {
	data, ok, err := r.cache.Get(ctx, key)
	if err != nil {
		log.Printf("[ROLLUP] Cache read %s failed, recomputing: %v", key, err)
		observability.CacheLookups.WithLabelValues("error").Inc()
		return NewSnapshot()
	}
	if !ok {
		observability.CacheLookups.WithLabelValues("miss").Inc()
		return NewSnapshot()
	}
	snap := NewSnapshot()
	if err := json.Unmarshal(data, snap); err != nil {
		log.Printf("[ROLLUP] Discarding corrupt snapshot %s: %v", key, err)
		observability.CacheLookups.WithLabelValues("corrupt").Inc()
		return NewSnapshot()
	}
	observability.CacheLookups.WithLabelValues("hit").Inc()
	return snap
}

func (r *Refresher) persist(ctx context.Context, key string, snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	return r.cache.Set(ctx, key, data, r.ttl)
}

func (r *Refresher) publish(ctx context.Context, ev UpdateEvent) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.Publish(ctx, streaming.TopicRollupUpdated, ev); err != nil {
		observability.EventPublishFailures.WithLabelValues(streaming.TopicRollupUpdated, "publish_error").Inc()
		log.Printf("[ROLLUP] Failed to publish update for %s: %v", ev.Environment, err)
	}
}
