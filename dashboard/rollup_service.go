package main

import (
	"context"
	"errors"
	"time"

	"github.com/itskum47/PuppetLens/dashboard/coordination"
	"github.com/itskum47/PuppetLens/dashboard/puppetdb"
	"github.com/itskum47/PuppetLens/dashboard/resilience"
	"github.com/itskum47/PuppetLens/dashboard/rollup"
	"github.com/itskum47/PuppetLens/dashboard/scheduler"
)

// Inventory is the part of the PuppetDB client the API reads directly.
type Inventory interface {
	Environments(ctx context.Context) ([]string, error)
	Nodes(ctx context.Context, q puppetdb.Query) ([]puppetdb.Node, error)
	Status(ctx context.Context) (puppetdb.ServiceStatus, error)
}

// RollupService sits between the API and the rollup engine. It serves the
// last good rollup while PuppetDB is unreachable.
type RollupService struct {
	refresher *rollup.Refresher
	stale     *resilience.StaleCache
	job       *scheduler.RebuildJob
	elector   *coordination.LeaderElector
	inventory Inventory
}

// NewRollupService creates a RollupService. job and elector may be nil.
func NewRollupService(refresher *rollup.Refresher, stale *resilience.StaleCache, inventory Inventory, job *scheduler.RebuildJob, elector *coordination.LeaderElector) *RollupService {
	return &RollupService{
		refresher: refresher,
		stale:     stale,
		job:       job,
		elector:   elector,
		inventory: inventory,
	}
}

// Classes returns the class rollup of env. stale is set when the answer is
// the last good one rather than a fresh refresh.
func (s *RollupService) Classes(ctx context.Context, env string) (rollup.Response, bool, error) {
	return s.stale.WithFallback(ctx, env, func(ctx context.Context) (rollup.Response, error) {
		return s.refresher.RefreshEnvironment(ctx, env)
	})
}

// ClassNodes lists per-node status for one class.
func (s *RollupService) ClassNodes(ctx context.Context, env, class string) ([]rollup.NodeClassStatus, error) {
	return s.refresher.ClassNodes(ctx, env, class)
}

// Rebuild recomputes one environment and records it as the last good answer.
func (s *RollupService) Rebuild(ctx context.Context, env string) (rollup.Response, error) {
	resp, err := s.refresher.Rebuild(ctx, env)
	if err != nil {
		return nil, err
	}
	s.stale.Put(env, resp)
	return resp, nil
}

// Sweep runs a full rebuild of every environment now.
func (s *RollupService) Sweep(ctx context.Context) (scheduler.SweepResult, error) {
	if s.job == nil {
		return scheduler.SweepResult{}, errors.New("no rebuild job configured")
	}
	return s.job.RunOnce(ctx)
}

// HealthReport is the /health payload.
type HealthReport struct {
	Status string `json:"status"` // ok, degraded

	PuppetDBState   string `json:"puppetdb_state"`
	PuppetDBVersion string `json:"puppetdb_version,omitempty"`
	PuppetDBError   string `json:"puppetdb_error,omitempty"`
	CircuitState    string `json:"circuit_state,omitempty"`
	Degraded        bool   `json:"degraded"`

	StatusColumns []rollup.Status `json:"status_columns"`

	IsLeader          bool   `json:"is_leader"`
	NodeID            string `json:"node_id,omitempty"`
	LeaderTransitions int64  `json:"leader_transitions"`
	RebuildRunning    bool   `json:"rebuild_running"`

	StreamClients int   `json:"stream_clients"`
	Timestamp     int64 `json:"timestamp"`
}

// Health checks PuppetDB and collects process state.
func (s *RollupService) Health(ctx context.Context) HealthReport {
	report := HealthReport{
		Status:        "ok",
		StatusColumns: s.refresher.StatusColumns(),
		Degraded:      s.stale.IsDegraded(),
		Timestamp:     time.Now().Unix(),
	}

	st, err := s.inventory.Status(ctx)
	switch {
	case err != nil:
		report.PuppetDBState = "unreachable"
		report.PuppetDBError = err.Error()
		report.Status = "degraded"
	default:
		report.PuppetDBState = st.State
		report.PuppetDBVersion = st.ServiceVersion
		if !st.Running() {
			report.Status = "degraded"
		}
	}
	if report.Degraded {
		report.Status = "degraded"
	}
	if c, ok := s.inventory.(interface{ BreakerState() puppetdb.CircuitState }); ok {
		report.CircuitState = c.BreakerState().String()
	}

	if s.elector != nil {
		state := s.elector.State()
		report.IsLeader = state.IsLeader
		report.NodeID = state.NodeID
		report.LeaderTransitions = state.Transitions
	}
	if s.job != nil {
		report.RebuildRunning = s.job.Running()
	}
	return report
}
