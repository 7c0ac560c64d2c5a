package rollup

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/itskum47/PuppetLens/dashboard/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBackend serves nodes per environment and events per report hash.
type fakeBackend struct {
	mu        sync.Mutex
	nodes     map[string][]Node
	events    map[string][]Event
	nodesErr  error
	eventsErr error
	fetches   map[string]int
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		nodes:   make(map[string][]Node),
		events:  make(map[string][]Event),
		fetches: make(map[string]int),
	}
}

func (f *fakeBackend) ActiveNodes(ctx context.Context, env string) ([]Node, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.nodesErr != nil {
		return nil, f.nodesErr
	}
	return append([]Node(nil), f.nodes[env]...), nil
}

func (f *fakeBackend) ReportEvents(ctx context.Context, hash, env string) ([]Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.eventsErr != nil {
		return nil, f.eventsErr
	}
	f.fetches[hash]++
	return append([]Event(nil), f.events[hash]...), nil
}

func (f *fakeBackend) totalFetches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.fetches {
		n += c
	}
	return n
}

// failingCache fails every write.
type failingCache struct {
	*store.MemoryStore
}

func (c failingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return errors.New("cache down")
}

// prodFixture is two active nodes with one Foo::Bar event each.
func prodFixture() *fakeBackend {
	b := newFakeBackend()
	b.nodes["prod"] = []Node{
		{Name: "web01", LatestReportHash: "H1", Status: "unchanged"},
		{Name: "web02", LatestReportHash: "H2", Status: "failed"},
	}
	b.events["H1"] = []Event{{Status: "success", ContainingClass: "Foo::Bar"}}
	b.events["H2"] = []Event{{Status: "failure", ContainingClass: "Foo::Bar"}}
	return b
}

func TestRefreshEnvironmentEndToEnd(t *testing.T) {
	backend := prodFixture()
	cache := store.NewMemoryStore()
	r := NewRefresher(backend, cache)

	resp, err := r.RefreshEnvironment(context.Background(), "prod")
	require.NoError(t, err)

	want := Response{
		"Foo::Bar": {
			NbNodes:               2,
			NbEventsPerStatus:     map[Status]int{StatusFailure: 1, StatusSuccess: 1, StatusNoop: 0},
			NbNodesPerClassStatus: map[Status]int{StatusFailure: 1, StatusSuccess: 1, StatusNoop: 0},
		},
	}
	assert.Equal(t, want, resp)

	_, ok, _ := cache.Get(context.Background(), "classes_resource_prod")
	assert.True(t, ok, "snapshot should be written under the environment key")
}

func TestRefreshEnvironmentIsIdempotent(t *testing.T) {
	backend := prodFixture()
	cache := store.NewMemoryStore()
	r := NewRefresher(backend, cache)
	ctx := context.Background()

	first, err := r.RefreshEnvironment(ctx, "prod")
	require.NoError(t, err)
	firstBytes, _, _ := cache.Get(ctx, "classes_resource_prod")
	require.Equal(t, 2, backend.totalFetches())

	second, err := r.RefreshEnvironment(ctx, "prod")
	require.NoError(t, err)
	secondBytes, _, _ := cache.Get(ctx, "classes_resource_prod")

	assert.Equal(t, first, second)
	assert.JSONEq(t, string(firstBytes), string(secondBytes))
	assert.Equal(t, 2, backend.totalFetches(), "second pass must not fetch any report")
}

func TestRefreshEnvironmentFetchesOnlyNewReports(t *testing.T) {
	backend := prodFixture()
	cache := store.NewMemoryStore()
	r := NewRefresher(backend, cache)
	ctx := context.Background()

	_, err := r.RefreshEnvironment(ctx, "prod")
	require.NoError(t, err)

	// web01 runs again and produces H3
	backend.nodes["prod"][0].LatestReportHash = "H3"
	backend.events["H3"] = []Event{{Status: "noop", ContainingClass: "Foo::Bar"}}

	resp, err := r.RefreshEnvironment(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.fetches["H3"])
	assert.Equal(t, 1, backend.fetches["H2"], "H2 must come from the cache")

	assert.Equal(t, map[Status]int{StatusFailure: 1, StatusSuccess: 0, StatusNoop: 1},
		resp["Foo::Bar"].NbNodesPerClassStatus)

	// H1 is no longer reachable and must be pruned
	data, _, _ := cache.Get(ctx, "classes_resource_prod")
	snap := NewSnapshot()
	require.NoError(t, json.Unmarshal(data, snap))
	assert.False(t, snap.HasReport("H1"))
	assert.ElementsMatch(t, []string{"H2", "H3"}, snap.Reports())
}

func TestRefreshEnvironmentKeepsHashSharedWithAnotherNode(t *testing.T) {
	backend := newFakeBackend()
	backend.nodes["prod"] = []Node{
		{Name: "a", LatestReportHash: "H1", Status: "changed"},
		{Name: "b", LatestReportHash: "H1", Status: "changed"},
	}
	backend.events["H1"] = []Event{{Status: "success", ContainingClass: "Base"}}
	cache := store.NewMemoryStore()
	r := NewRefresher(backend, cache)
	ctx := context.Background()

	resp, err := r.RefreshEnvironment(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, 1, backend.fetches["H1"], "a hash is fetched at most once per pass")
	assert.Equal(t, 1, resp["Base"].NbNodes)
	assert.Equal(t, 1, resp["Base"].NbEventsPerStatus[StatusSuccess])

	// a moves on; H1 is still b's latest report and must survive
	backend.nodes["prod"][0].LatestReportHash = "H2"
	backend.events["H2"] = []Event{{Status: "failure", ContainingClass: "Base"}}
	_, err = r.RefreshEnvironment(ctx, "prod")
	require.NoError(t, err)

	data, _, _ := cache.Get(ctx, "classes_resource_prod")
	snap := NewSnapshot()
	require.NoError(t, json.Unmarshal(data, snap))
	assert.True(t, snap.HasReport("H1"))
	assert.Equal(t, 1, backend.fetches["H1"])
}

func TestRefreshEnvironmentSkipsInactiveNodes(t *testing.T) {
	backend := newFakeBackend()
	backend.nodes["prod"] = []Node{
		{Name: "never-reported"},
		{Name: "gone", LatestReportHash: "H9", Deactivated: true},
		{Name: "live", LatestReportHash: "H1"},
	}
	backend.events["H1"] = []Event{{Status: "success", ContainingClass: "Base"}}
	backend.events["H9"] = []Event{{Status: "failure", ContainingClass: "Base"}}

	r := NewRefresher(backend, store.NewMemoryStore())
	resp, err := r.RefreshEnvironment(context.Background(), "prod")
	require.NoError(t, err)
	assert.Equal(t, 0, backend.fetches["H9"])
	assert.Equal(t, 1, resp["Base"].NbNodes)
}

func TestRefreshEnvironmentDropRule(t *testing.T) {
	backend := newFakeBackend()
	backend.nodes["prod"] = []Node{{Name: "n1", LatestReportHash: "H1"}}
	backend.events["H1"] = []Event{
		{Status: "skipped", ContainingClass: "OnlySkipped"},
		{Status: "success", ContainingClass: "Visible"},
		{Status: "failure"},
	}

	r := NewRefresher(backend, store.NewMemoryStore())
	resp, err := r.RefreshEnvironment(context.Background(), "prod")
	require.NoError(t, err)
	assert.Equal(t, []string{"Visible"}, resp.Classes())
}

func TestRefreshEnvironmentBackendFailureLeavesCache(t *testing.T) {
	backend := prodFixture()
	cache := store.NewMemoryStore()
	r := NewRefresher(backend, cache)
	ctx := context.Background()

	_, err := r.RefreshEnvironment(ctx, "prod")
	require.NoError(t, err)
	before, _, _ := cache.Get(ctx, "classes_resource_prod")

	backend.nodes["prod"][1].LatestReportHash = "H4"
	backend.eventsErr = errors.New("connection refused")

	_, err = r.RefreshEnvironment(ctx, "prod")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))

	var rerr *RefreshError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, StageFetchEvents, rerr.Stage)
	assert.True(t, rerr.Recoverable())

	after, _, _ := cache.Get(ctx, "classes_resource_prod")
	assert.Equal(t, before, after, "failed refresh must not touch the cache")

	backend.eventsErr = nil
	backend.nodesErr = errors.New("503")
	_, err = r.RefreshEnvironment(ctx, "prod")
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, StageListNodes, rerr.Stage)
}

func TestRefreshEnvironmentCorruptCacheRecomputes(t *testing.T) {
	backend := prodFixture()
	cache := store.NewMemoryStore()
	ctx := context.Background()
	cache.Set(ctx, "classes_resource_prod", []byte(`{"records":[{"class":""}]}`), 0)

	r := NewRefresher(backend, cache)
	resp, err := r.RefreshEnvironment(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.totalFetches())
	assert.Equal(t, 2, resp["Foo::Bar"].NbNodes)
}

func TestRebuildIgnoresCache(t *testing.T) {
	backend := prodFixture()
	cache := store.NewMemoryStore()
	r := NewRefresher(backend, cache)
	ctx := context.Background()

	_, err := r.RefreshEnvironment(ctx, "prod")
	require.NoError(t, err)

	resp, err := r.Rebuild(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, 2, backend.fetches["H1"])
	assert.Equal(t, 2, backend.fetches["H2"])
	assert.Equal(t, 2, resp["Foo::Bar"].NbNodes)
}

func TestPersistFailure(t *testing.T) {
	backend := prodFixture()
	r := NewRefresher(backend, failingCache{store.NewMemoryStore()})
	ctx := context.Background()

	resp, err := r.RefreshEnvironment(ctx, "prod")
	require.NoError(t, err, "an unwritable cache does not fail an on-demand refresh")
	assert.Contains(t, resp, "Foo::Bar")

	_, err = r.Rebuild(ctx, "prod")
	var rerr *RefreshError
	require.True(t, errors.As(err, &rerr))
	assert.Equal(t, StagePersist, rerr.Stage)
	assert.False(t, errors.Is(err, ErrUnavailable))
}

func TestAllEnvironmentsSentinel(t *testing.T) {
	backend := newFakeBackend()
	backend.nodes[AllEnvironments] = []Node{{Name: "n1", LatestReportHash: "H1"}}
	backend.events["H1"] = []Event{{Status: "success", ContainingClass: "Base"}}
	cache := store.NewMemoryStore()
	r := NewRefresher(backend, cache)

	_, err := r.RefreshEnvironment(context.Background(), "")
	require.NoError(t, err)
	_, ok, _ := cache.Get(context.Background(), "classes_resource_all")
	assert.True(t, ok)
	assert.Equal(t, "classes_resource_all", CacheKey(AllEnvironments))
	assert.Equal(t, "classes_resource_qa", CacheKey("qa"))
}

func TestClassNodes(t *testing.T) {
	r := NewRefresher(prodFixture(), store.NewMemoryStore())
	nodes, err := r.ClassNodes(context.Background(), "prod", "Foo::Bar")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "web01", nodes[0].NodeName)
	assert.Equal(t, StatusSuccess, nodes[0].ClassStatus)
	assert.Equal(t, "failed", nodes[1].NodeStatus)
}

func TestSnapshotRejectsRecordsWithoutIdentity(t *testing.T) {
	snap := NewSnapshot()
	assert.Error(t, json.Unmarshal([]byte(`{"records":[{"class":"A"}]}`), snap))
	assert.Error(t, json.Unmarshal([]byte(`not json`), snap))

	data, err := json.Marshal(NewSnapshot())
	require.NoError(t, err)
	assert.JSONEq(t, `{"records":[]}`, string(data))
}
