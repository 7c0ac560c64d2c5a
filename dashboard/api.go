package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"net/http"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/itskum47/PuppetLens/dashboard/observability"
	"github.com/itskum47/PuppetLens/dashboard/puppetdb"
	"github.com/itskum47/PuppetLens/dashboard/resilience"
	"github.com/itskum47/PuppetLens/dashboard/rollup"
	"github.com/itskum47/PuppetLens/dashboard/scheduler"
)

// StaleHeader marks responses served from the last good rollup.
const StaleHeader = "X-PuppetLens-Stale"

type API struct {
	inventory Inventory
	rollups   *RollupService
	hub       *RollupHub

	// Storm Protection
	refreshLimiter *scheduler.TokenBucketLimiter
	rebuildLimiter *scheduler.TokenBucketLimiter

	allowedOrigins []string
}

func NewAPI(inventory Inventory, rollups *RollupService, hub *RollupHub, refreshLimiter, rebuildLimiter *scheduler.TokenBucketLimiter, allowedOrigins []string) *API {
	return &API{
		inventory:      inventory,
		rollups:        rollups,
		hub:            hub,
		refreshLimiter: refreshLimiter,
		rebuildLimiter: rebuildLimiter,
		allowedOrigins: allowedOrigins,
	}
}

// Routes registers every endpoint on a new mux.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	mux.HandleFunc("GET /api/environments", a.handleEnvironments)
	mux.HandleFunc("GET /api/nodes", a.handleNodes)
	mux.HandleFunc("GET /api/classes", a.handleClasses)
	mux.HandleFunc("GET /api/classes/stream", a.handleClassesStream)
	mux.HandleFunc("GET /api/classes/{class}", a.handleClassNodes)
	mux.HandleFunc("POST /api/rollup/rebuild", a.handleRebuild)
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[API] Failed to encode response: %v", err)
	}
}

type errorBody struct {
	Error string `json:"error"`
}

// writeBackendError maps refresh and PuppetDB failures to a status code.
func writeBackendError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, rollup.ErrUnavailable) || errors.Is(err, puppetdb.ErrServiceUnavailable) {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

// writeRateLimitError writes a 429 with a jittered Retry-After.
func (a *API) writeRateLimitError(w http.ResponseWriter, endpoint string, wait time.Duration) {
	observability.APIRateLimited.WithLabelValues(endpoint).Inc()

	// Jitter: at least the limiter's wait, plus 0-1000ms
	retryAfter := wait + time.Duration(rand.Intn(1000))*time.Millisecond
	w.Header().Set("Retry-After", fmt.Sprintf("%d", int(math.Ceil(retryAfter.Seconds()))))
	writeJSON(w, http.StatusTooManyRequests, errorBody{Error: "Too Many Requests (Storm Protection Active)"})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := a.rollups.Health(r.Context())
	report.StreamClients = a.hub.ClientCount()
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := a.inventory.Environments(r.Context())
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, envs)
}

// NodeSummary is one row of /api/nodes.
type NodeSummary struct {
	Certname          string     `json:"certname"`
	Environment       string     `json:"environment"`
	Status            string     `json:"status"`
	Noop              bool       `json:"noop"`
	LatestReportHash  string     `json:"latest_report_hash,omitempty"`
	ReportTimestamp   *time.Time `json:"report_timestamp,omitempty"`
	CatalogTimestamp  *time.Time `json:"catalog_timestamp,omitempty"`
	FactsTimestamp    *time.Time `json:"facts_timestamp,omitempty"`
	ReportEnvironment string     `json:"report_environment,omitempty"`
}

func (a *API) handleNodes(w http.ResponseWriter, r *http.Request) {
	env := rollup.NormalizeEnvironment(r.URL.Query().Get("env"))
	status := r.URL.Query().Get("status")

	q := puppetdb.ActiveNodesQuery(env)
	if status != "" {
		q = puppetdb.And(q, puppetdb.Equals("latest_report_status", status))
	}
	nodes, err := a.inventory.Nodes(r.Context(), q)
	if err != nil {
		writeBackendError(w, err)
		return
	}

	out := make([]NodeSummary, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, NodeSummary{
			Certname:          n.Certname,
			Environment:       n.CatalogEnvironment,
			Status:            n.LatestReportStatus,
			Noop:              n.LatestReportNoop,
			LatestReportHash:  n.LatestReportHash,
			ReportTimestamp:   n.ReportTimestamp,
			CatalogTimestamp:  n.CatalogTimestamp,
			FactsTimestamp:    n.FactsTimestamp,
			ReportEnvironment: n.ReportEnvironment,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Certname < out[j].Certname })
	writeJSON(w, http.StatusOK, out)
}

func (a *API) handleClasses(w http.ResponseWriter, r *http.Request) {
	env := rollup.NormalizeEnvironment(r.URL.Query().Get("env"))
	if ok, wait := a.refreshLimiter.Reserve(env); !ok {
		a.writeRateLimitError(w, "classes", wait)
		return
	}

	resp, stale, err := a.rollups.Classes(r.Context(), env)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	if stale {
		w.Header().Set(StaleHeader, "true")
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleClassNodes(w http.ResponseWriter, r *http.Request) {
	class := r.PathValue("class")
	env := rollup.NormalizeEnvironment(r.URL.Query().Get("env"))
	if ok, wait := a.refreshLimiter.Reserve(env); !ok {
		a.writeRateLimitError(w, "class_nodes", wait)
		return
	}

	nodes, err := a.rollups.ClassNodes(r.Context(), env, class)
	if err != nil {
		writeBackendError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

// RebuildResult is the body of a single-environment rebuild.
type RebuildResult struct {
	Environment string          `json:"environment"`
	Classes     int             `json:"classes"`
	Response    rollup.Response `json:"response"`
}

// handleRebuild rebuilds one environment when env is given, otherwise runs
// a full sweep.
func (a *API) handleRebuild(w http.ResponseWriter, r *http.Request) {
	env, single := r.URL.Query()["env"]
	key := "sweep"
	if single {
		key = rollup.NormalizeEnvironment(env[0])
	}
	if ok, wait := a.rebuildLimiter.Reserve(key); !ok {
		a.writeRateLimitError(w, "rebuild", wait)
		return
	}

	if single {
		resp, err := a.rollups.Rebuild(r.Context(), key)
		if err != nil {
			writeBackendError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, RebuildResult{Environment: key, Classes: len(resp), Response: resp})
		return
	}

	result, err := a.rollups.Sweep(r.Context())
	var sweepErr *resilience.SweepError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, result)
	case errors.As(err, &sweepErr):
		writeJSON(w, http.StatusBadGateway, result)
	default:
		writeBackendError(w, err)
	}
}
