package rollup

import "context"

// AllEnvironments is the wildcard environment.
const AllEnvironments = "*"

const cacheKeyPrefix = "classes_resource_"

// NormalizeEnvironment maps the empty string to AllEnvironments.
func NormalizeEnvironment(env string) string {
	if env == "" {
		return AllEnvironments
	}
	return env
}

// CacheKey returns the cache key of an environment's snapshot.
// Format: classes_resource_{env}, with "all" for the wildcard.
func CacheKey(env string) string {
	if env == "" || env == AllEnvironments {
		return cacheKeyPrefix + "all"
	}
	return cacheKeyPrefix + env
}

// FetchFunc returns the events of one report.
type FetchFunc func(ctx context.Context, reportHash, env string) ([]Event, error)

// Stats counts the work done by one Merge.
type Stats struct {
	Nodes   int `json:"nodes"`   // active nodes considered
	Reused  int `json:"reused"`  // reports copied from the cached snapshot
	Fetched int `json:"fetched"` // reports fetched and ingested
}

// Merge builds the next snapshot of env from the cached one and the current
// active nodes. A report already in cached, or already placed during this
// pass, has its records copied as they are; any other report is fetched
// exactly once and ingested. Reports no active node points at are left out,
// which is how stale records are pruned. The first fetch error aborts the
// merge and nothing is returned.
func Merge(ctx context.Context, env string, cached *Snapshot, nodes []Node, fetch FetchFunc, columns []Status) (*Snapshot, Response, Stats, error) {
	var stats Stats
	next := NewSnapshot()
	fetched := make(map[string]bool)

	for _, node := range nodes {
		if !node.Active() {
			continue
		}
		stats.Nodes++
		hash := node.LatestReportHash

		if next.HasReport(hash) || fetched[hash] {
			continue
		}

		if cached.HasReport(hash) {
			for _, rec := range cached.ReportRecords(hash) {
				next.Put(rec)
			}
			stats.Reused++
			continue
		}

		if err := ctx.Err(); err != nil {
			return nil, nil, stats, err
		}
		events, err := fetch(ctx, hash, env)
		if err != nil {
			return nil, nil, stats, err
		}
		fetched[hash] = true
		stats.Fetched++

		report := Report{Hash: hash, NodeName: node.Name, NodeStatus: node.Status, Events: events}
		for _, rec := range IngestReport(report, node, columns) {
			next.Put(rec)
		}
	}

	return next, Summarize(next, columns), stats, nil
}
