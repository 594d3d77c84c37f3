package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalorchestrator.dev/blueprint"
	"evalorchestrator.dev/configsource"
	"evalorchestrator.dev/evalqueue"
	"evalorchestrator.dev/modelgroup"
	"evalorchestrator.dev/objectstore"
)

type recordingInvoker struct {
	invoked []string
}

func (r *recordingInvoker) Invoke(ctx context.Context, resolved blueprint.Resolved, commitSHA string) (string, error) {
	r.invoked = append(r.invoked, resolved.ID)
	return "artifact", nil
}

func newTestScheduler(t *testing.T, source configsource.Source, store objectstore.Store, invoker Invoker) (*Scheduler, *evalqueue.Queue) {
	t.Helper()
	resolver := modelgroup.New(modelgroup.Config{
		Source: staticCatalogue{modelgroup.Catalogue{"CORE": {"anthropic:claude-3/sonnet"}}},
	})
	q := evalqueue.New(evalqueue.Config{Concurrency: 3, DrainWait: time.Hour})
	t.Cleanup(q.Close)

	s := New(Config{
		Source:   source,
		Resolver: resolver,
		Queue:    q,
		Store:    store,
		Invoker:  invoker,
		Branch:   "main",
	})
	return s, q
}

type staticCatalogue struct{ c modelgroup.Catalogue }

func (s staticCatalogue) FetchCatalogue(ctx context.Context) (modelgroup.Catalogue, error) {
	return s.c, nil
}

func putRawArtifact(t *testing.T, store objectstore.Store, blueprintID string, lastRun time.Time) {
	t.Helper()
	key := objectstore.RawResultKey(blueprintID, "deadbeef", objectstore.EncodeTimestamp(lastRun))
	require.NoError(t, store.Put(context.Background(), key, []byte("{}"), "application/json"))
}

// A fresh blueprint is skipped, a stale one is scheduled. The latest
// artifact timestamp decides: an older artifact alongside a newer one
// changes nothing.
func TestScheduler_FreshnessDecision(t *testing.T) {
	source := configsource.NewMemSource()
	source.Files["blueprints/foo/bar.yaml"] = []byte("title: Foo Bar\ntags: [\"_periodic\"]\n")
	source.Commit = "abc123"

	t.Run("latest run 3 days old is fresh", func(t *testing.T) {
		store := objectstore.NewMemStore()
		s, _ := newTestScheduler(t, source, store, &recordingInvoker{})
		putRawArtifact(t, store, "foo__bar", time.Now().Add(-8*24*time.Hour))
		putRawArtifact(t, store, "foo__bar", time.Now().Add(-3*24*time.Hour))

		stats, err := s.Tick(context.Background(), Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.SkippedFresh)
		assert.Equal(t, 0, stats.Scheduled)
	})

	t.Run("latest run 8 days old is stale", func(t *testing.T) {
		store := objectstore.NewMemStore()
		s, _ := newTestScheduler(t, source, store, &recordingInvoker{})
		putRawArtifact(t, store, "foo__bar", time.Now().Add(-8*24*time.Hour))

		stats, err := s.Tick(context.Background(), Options{})
		require.NoError(t, err)
		assert.Equal(t, 0, stats.SkippedFresh)
		assert.Equal(t, 1, stats.Scheduled)
	})
}

// Boundary behaviour around the freshness window.
func TestScheduler_FreshnessBoundary(t *testing.T) {
	source := configsource.NewMemSource()
	source.Files["blueprints/x.yaml"] = []byte("tags: [\"_periodic\"]\n")

	t.Run("1 day old must not reschedule", func(t *testing.T) {
		store := objectstore.NewMemStore()
		s, _ := newTestScheduler(t, source, store, &recordingInvoker{})
		putRawArtifact(t, store, "x", time.Now().Add(-24*time.Hour))

		stats, err := s.Tick(context.Background(), Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.SkippedFresh)
	})

	t.Run("8 days old must always reschedule", func(t *testing.T) {
		store := objectstore.NewMemStore()
		s, _ := newTestScheduler(t, source, store, &recordingInvoker{})
		putRawArtifact(t, store, "x", time.Now().Add(-8*24*time.Hour))

		stats, err := s.Tick(context.Background(), Options{})
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Scheduled)
	})
}

// Reserved-prefix paths are never scheduled.
func TestScheduler_ReservedPrefixExcluded(t *testing.T) {
	source := configsource.NewMemSource()
	source.Files["blueprints/_pr_evals/x.yml"] = []byte("tags: [\"_periodic\"]\n")

	store := objectstore.NewMemStore()
	invoker := &recordingInvoker{}
	s, _ := newTestScheduler(t, source, store, invoker)

	stats, err := s.Tick(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Discovered)
	assert.Equal(t, 0, stats.Scheduled)
	assert.Empty(t, invoker.invoked)
}

func TestScheduler_NonPeriodicSkipped(t *testing.T) {
	source := configsource.NewMemSource()
	source.Files["blueprints/a.yaml"] = []byte("title: a\n")

	store := objectstore.NewMemStore()
	s, _ := newTestScheduler(t, source, store, &recordingInvoker{})

	stats, err := s.Tick(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Discovered)
	assert.Equal(t, 1, stats.SkippedOther)
	assert.Equal(t, 0, stats.Scheduled)
}

func TestScheduler_ForceSchedulesFreshBlueprint(t *testing.T) {
	source := configsource.NewMemSource()
	source.Files["blueprints/a.yaml"] = []byte("tags: [\"_periodic\"]\n")

	store := objectstore.NewMemStore()
	s, _ := newTestScheduler(t, source, store, &recordingInvoker{})
	putRawArtifact(t, store, "a", time.Now())

	stats, err := s.Tick(context.Background(), Options{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scheduled)
}

// ShardPrefix restricts discovery to matching blueprint ids, letting
// disjoint shards of the same configuration source run in separate
// processes.
func TestScheduler_ShardPrefixFiltersDiscovery(t *testing.T) {
	source := configsource.NewMemSource()
	source.Files["blueprints/alpha.yaml"] = []byte("tags: [\"_periodic\"]\n")
	source.Files["blueprints/beta.yaml"] = []byte("tags: [\"_periodic\"]\n")

	store := objectstore.NewMemStore()
	resolver := modelgroup.New(modelgroup.Config{
		Source: staticCatalogue{modelgroup.Catalogue{"CORE": {"anthropic:claude-3/sonnet"}}},
	})
	q := evalqueue.New(evalqueue.Config{Concurrency: 3, DrainWait: time.Hour})
	t.Cleanup(q.Close)
	invoker := &recordingInvoker{}

	s := New(Config{
		Source:      source,
		Resolver:    resolver,
		Queue:       q,
		Store:       store,
		Invoker:     invoker,
		Branch:      "main",
		ShardPrefix: "alpha",
	})

	stats, err := s.Tick(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Discovered)
	assert.Equal(t, 1, stats.Scheduled)
}

type fakeDiscoveryCache struct {
	commitSHA string
	lastRun   time.Time
	found     bool
	gets      int
	puts      int
}

func (f *fakeDiscoveryCache) Get(blueprintID string) (string, time.Time, bool, error) {
	f.gets++
	return f.commitSHA, f.lastRun, f.found, nil
}

func (f *fakeDiscoveryCache) Put(blueprintID, commitSHA string, lastRun time.Time) error {
	f.puts++
	f.commitSHA, f.lastRun, f.found = commitSHA, lastRun, true
	return nil
}

// A fresh cache entry recorded against the current commit is trusted
// without touching the object store.
func TestScheduler_DiscoveryCacheSkipsObjectStoreOnHit(t *testing.T) {
	source := configsource.NewMemSource()
	source.Files["blueprints/x.yaml"] = []byte("tags: [\"_periodic\"]\n")
	source.Commit = "sha-1"

	store := objectstore.NewMemStore()
	resolver := modelgroup.New(modelgroup.Config{
		Source: staticCatalogue{modelgroup.Catalogue{"CORE": {"anthropic:claude-3/sonnet"}}},
	})
	q := evalqueue.New(evalqueue.Config{Concurrency: 3, DrainWait: time.Hour})
	t.Cleanup(q.Close)

	cache := &fakeDiscoveryCache{commitSHA: "sha-1", lastRun: time.Now().Add(-time.Hour), found: true}

	s := New(Config{
		Source:         source,
		Resolver:       resolver,
		Queue:          q,
		Store:          store,
		Invoker:        &recordingInvoker{},
		Branch:         "main",
		DiscoveryCache: cache,
	})

	stats, err := s.Tick(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SkippedFresh)
	assert.Equal(t, 1, cache.gets)
	assert.Equal(t, 0, cache.puts, "a cache hit must not trigger a redundant write-through")
}

// A cache entry against a stale commit is ignored and backfilled from
// the object store.
func TestScheduler_DiscoveryCacheRefreshesOnCommitChange(t *testing.T) {
	source := configsource.NewMemSource()
	source.Files["blueprints/x.yaml"] = []byte("tags: [\"_periodic\"]\n")
	source.Commit = "sha-2"

	store := objectstore.NewMemStore()
	resolver := modelgroup.New(modelgroup.Config{
		Source: staticCatalogue{modelgroup.Catalogue{"CORE": {"anthropic:claude-3/sonnet"}}},
	})
	q := evalqueue.New(evalqueue.Config{Concurrency: 3, DrainWait: time.Hour})
	t.Cleanup(q.Close)
	putRawArtifact(t, store, "x", time.Now().Add(-time.Hour))

	cache := &fakeDiscoveryCache{commitSHA: "sha-1", lastRun: time.Now().Add(-30 * 24 * time.Hour), found: true}

	s := New(Config{
		Source:         source,
		Resolver:       resolver,
		Queue:          q,
		Store:          store,
		Invoker:        &recordingInvoker{},
		Branch:         "main",
		DiscoveryCache: cache,
	})

	stats, err := s.Tick(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.SkippedFresh)
	assert.Equal(t, 1, cache.puts, "a stale commit must refresh the cache from the object store")
	assert.Equal(t, "sha-2", cache.commitSHA)
}

func TestScheduler_TreeListingFailureAbortsTick(t *testing.T) {
	store := objectstore.NewMemStore()
	s, _ := newTestScheduler(t, failingSource{}, store, &recordingInvoker{})

	_, err := s.Tick(context.Background(), Options{})
	assert.Error(t, err)
}

type failingSource struct{}

func (failingSource) ListTree(ctx context.Context, ref string) ([]configsource.TreeEntry, error) {
	return nil, assertErr{"boom"}
}
func (failingSource) GetFile(ctx context.Context, ref, path string) ([]byte, error) { return nil, nil }
func (failingSource) LatestCommit(ctx context.Context, branch string) (string, error) {
	return "", nil
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

// A filename that doesn't follow the <runLabel>_<ts>_comparison.json
// shape still yields a timestamp when an ISO timestamp is embedded
// anywhere in the name.
func TestArtifactTimestamp_RegexFallback(t *testing.T) {
	ts, ok := artifactTimestamp("live/blueprints/x/legacy-run-2024-01-01T00-00-00Z.json")
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), ts.UTC())
}

// An artifact with no parseable timestamp is unusable for freshness
// and counts as if absent, so the blueprint is scheduled.
func TestScheduler_UnparseableArtifactCountsAsAbsent(t *testing.T) {
	source := configsource.NewMemSource()
	source.Files["blueprints/x.yaml"] = []byte("tags: [\"_periodic\"]\n")

	store := objectstore.NewMemStore()
	require.NoError(t, store.Put(context.Background(), "live/blueprints/x/garbage.json", []byte("{}"), "application/json"))
	s, _ := newTestScheduler(t, source, store, &recordingInvoker{})

	stats, err := s.Tick(context.Background(), Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scheduled)
}
