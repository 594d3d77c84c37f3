package summary

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evalorchestrator.dev/blueprint"
	"evalorchestrator.dev/objectstore"
)

func testRun(id string, ts time.Time, score float64) blueprint.Run {
	return blueprint.Run{
		BlueprintID: id,
		RunLabel:    "hash-" + ts.Format("150405"),
		Timestamp:   ts,
		Models:      []string{"anthropic:claude-3/sonnet"},
		HybridScore: score,
	}
}

func TestUpdater_PerConfigSummary_BasicFold(t *testing.T) {
	store := objectstore.NewMemStore()
	u := New(store, nil)
	defer u.Close()

	ctx := context.Background()
	run := testRun("foo__bar", time.Now().UTC(), 0.8)

	require.NoError(t, u.Update(ctx, Meta{Title: "Foo Bar", Tags: []string{"safety"}}, run))

	data, err := store.Get(ctx, objectstore.PerConfigSummaryKey("foo__bar"))
	require.NoError(t, err)

	var ps PerConfigSummary
	require.NoError(t, json.Unmarshal(data, &ps))
	assert.Equal(t, "foo__bar", ps.BlueprintID)
	assert.Equal(t, "Foo Bar", ps.Title)
	assert.Equal(t, 1, ps.RunCount)
	assert.InDelta(t, 0.8, ps.MeanScore, 1e-9)
	require.Len(t, ps.Runs, 1)
}

// Replaying the same (blueprintID, run) twice leaves all three
// summaries equal to applying it once.
func TestUpdater_Idempotent(t *testing.T) {
	store := objectstore.NewMemStore()
	u := New(store, nil)
	defer u.Close()

	ctx := context.Background()
	run := testRun("foo__bar", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), 0.75)
	meta := Meta{Title: "Foo Bar", Tags: []string{"safety"}}

	require.NoError(t, u.Update(ctx, meta, run))
	first, err := store.Get(ctx, objectstore.PerConfigSummaryKey("foo__bar"))
	require.NoError(t, err)
	firstFleet, err := store.Get(ctx, objectstore.FleetWideSummaryKey)
	require.NoError(t, err)
	firstLatest, err := store.Get(ctx, objectstore.LatestNSummaryKey)
	require.NoError(t, err)

	require.NoError(t, u.Update(ctx, meta, run))
	second, err := store.Get(ctx, objectstore.PerConfigSummaryKey("foo__bar"))
	require.NoError(t, err)
	secondFleet, err := store.Get(ctx, objectstore.FleetWideSummaryKey)
	require.NoError(t, err)
	secondLatest, err := store.Get(ctx, objectstore.LatestNSummaryKey)
	require.NoError(t, err)

	var ps1, ps2 PerConfigSummary
	require.NoError(t, json.Unmarshal(first, &ps1))
	require.NoError(t, json.Unmarshal(second, &ps2))
	assert.Equal(t, ps1.RunCount, ps2.RunCount)
	assert.Equal(t, ps1.Runs, ps2.Runs)
	assert.InDelta(t, ps1.MeanScore, ps2.MeanScore, 1e-9)

	var fw1, fw2 FleetWideSummary
	require.NoError(t, json.Unmarshal(firstFleet, &fw1))
	require.NoError(t, json.Unmarshal(secondFleet, &fw2))
	require.Len(t, fw2.Entries, 1)
	assert.Equal(t, fw1.Entries[0].TotalRuns, fw2.Entries[0].TotalRuns)

	var ln1, ln2 LatestNSummary
	require.NoError(t, json.Unmarshal(firstLatest, &ln1))
	require.NoError(t, json.Unmarshal(secondLatest, &ln2))
	assert.Equal(t, ln1.Entries, ln2.Entries)
	assert.Len(t, ln2.Entries, 1)
}

// Latest-N has no duplicate (blueprintID, runLabel, timestamp)
// triples, is capped at 50, and sorted strictly descending.
func TestUpdater_LatestN_DedupAndOrder(t *testing.T) {
	store := objectstore.NewMemStore()
	u := New(store, nil)
	defer u.Close()

	ctx := context.Background()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		run := testRun("blueprint", base.Add(time.Duration(i)*time.Hour), float64(i)/10)
		require.NoError(t, u.Update(ctx, Meta{Title: "t"}, run))
	}
	// replay the third run
	replay := testRun("blueprint", base.Add(2*time.Hour), 0.2)
	require.NoError(t, u.Update(ctx, Meta{Title: "t"}, replay))

	data, err := store.Get(ctx, objectstore.LatestNSummaryKey)
	require.NoError(t, err)
	var ln LatestNSummary
	require.NoError(t, json.Unmarshal(data, &ln))

	assert.Len(t, ln.Entries, 5, "replay must not create a duplicate entry")
	for i := 1; i < len(ln.Entries); i++ {
		assert.True(t, ln.Entries[i-1].Timestamp.After(ln.Entries[i].Timestamp))
	}
	assert.Equal(t, base.Add(4*time.Hour), ln.Entries[0].Timestamp, "newest run stays at the head; the replayed older run keeps its sorted place")
}

func TestUpdater_PerConfigSummary_RetainsCapAndCounts(t *testing.T) {
	store := objectstore.NewMemStore()
	u := &Updater{store: store, maxRetainedRuns: 2, requests: make(chan updateRequest), done: make(chan struct{})}
	go u.worker()
	defer u.Close()

	ctx := context.Background()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		run := testRun("blueprint", base.Add(time.Duration(i)*time.Hour), 0.5)
		require.NoError(t, u.Update(ctx, Meta{Title: "t"}, run))
	}

	data, err := store.Get(ctx, objectstore.PerConfigSummaryKey("blueprint"))
	require.NoError(t, err)
	var ps PerConfigSummary
	require.NoError(t, json.Unmarshal(data, &ps))

	assert.Equal(t, 5, ps.RunCount, "run count tracks all folded runs even once older ones are evicted")
	assert.Len(t, ps.Runs, 2, "retained run list is capped")
}
