package summary

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"evalorchestrator.dev/blueprint"
	"evalorchestrator.dev/common"
	"evalorchestrator.dev/objectstore"
)

// Meta is the blueprint metadata the updater needs alongside a Run to
// build or refresh a per-config summary; it does not re-derive this
// from the run itself since a run carries no title or tag list.
type Meta struct {
	Title string
	Tags  []string
}

// Updater is the incremental summary updater. All updates are
// serialised through a single in-order worker goroutine: two
// concurrent updates reading-modifying-writing the same objects
// would clobber each other at every interleaved store round trip.
type Updater struct {
	store           objectstore.Store
	maxRetainedRuns int
	log             *common.ContextLogger

	requests chan updateRequest
	done     chan struct{}
}

type updateRequest struct {
	ctx    context.Context
	meta   Meta
	run    blueprint.Run
	result chan error
}

// New constructs an Updater and starts its worker goroutine. Callers
// must eventually call Close.
func New(store objectstore.Store, log *common.ContextLogger) *Updater {
	u := &Updater{
		store:           store,
		maxRetainedRuns: DefaultMaxRetainedRuns,
		log:             log,
		requests:        make(chan updateRequest),
		done:            make(chan struct{}),
	}
	go u.worker()
	return u
}

func (u *Updater) Close() {
	close(u.done)
}

func (u *Updater) worker() {
	for {
		select {
		case <-u.done:
			return
		case req := <-u.requests:
			req.result <- u.apply(req.ctx, req.meta, req.run)
		}
	}
}

// Update folds run into the three summaries. It is the post-run hook
// the pipeline runner invokes on every completed evaluation.
//
// Each of the three steps logs and continues on error rather than
// aborting the remaining steps: an update that only partially lands is
// not fatal, since the next drain-time backfill self-corrects every
// aggregate from the per-config summaries.
func (u *Updater) Update(ctx context.Context, meta Meta, run blueprint.Run) error {
	req := updateRequest{ctx: ctx, meta: meta, run: run, result: make(chan error, 1)}
	select {
	case u.requests <- req:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Updater) apply(ctx context.Context, meta Meta, run blueprint.Run) error {
	var errs []error

	if err := u.updatePerConfig(ctx, meta, run); err != nil {
		errs = append(errs, fmt.Errorf("per-config summary: %w", err))
		if u.log != nil {
			u.log.Errorf("per-config summary update failed for %s: %v", run.BlueprintID, err)
		}
	}
	if err := u.updateFleetWide(ctx, meta, run); err != nil {
		errs = append(errs, fmt.Errorf("fleet-wide summary: %w", err))
		if u.log != nil {
			u.log.Errorf("fleet-wide summary update failed for %s: %v", run.BlueprintID, err)
		}
	}
	if err := u.updateLatestN(ctx, run); err != nil {
		errs = append(errs, fmt.Errorf("latest-N summary: %w", err))
		if u.log != nil {
			u.log.Errorf("latest-N summary update failed for %s: %v", run.BlueprintID, err)
		}
	}

	return errors.Join(errs...)
}

func (u *Updater) updatePerConfig(ctx context.Context, meta Meta, run blueprint.Run) error {
	key := objectstore.PerConfigSummaryKey(run.BlueprintID)

	var ps PerConfigSummary
	existing, err := u.store.Get(ctx, key)
	switch {
	case err == nil:
		if err := json.Unmarshal(existing, &ps); err != nil {
			return fmt.Errorf("unmarshalling existing summary: %w", err)
		}
	case errors.Is(err, objectstore.ErrNotFound):
		ps = PerConfigSummary{BlueprintID: run.BlueprintID}
	default:
		return fmt.Errorf("reading existing summary: %w", err)
	}

	ps.Title = meta.Title
	ps.Tags = meta.Tags

	// Dedup by (runLabel, timestamp): replaying the same run is a
	// no-op for the retained run list.
	runs := make([]blueprint.Run, 0, len(ps.Runs)+1)
	replaced := false
	for _, existing := range ps.Runs {
		if existing.RunLabel == run.RunLabel && existing.Timestamp.Equal(run.Timestamp) {
			replaced = true
			continue
		}
		runs = append(runs, existing)
	}
	runs = append([]blueprint.Run{run}, runs...)
	sort.Slice(runs, func(i, j int) bool { return runs[i].Timestamp.After(runs[j].Timestamp) })

	if !replaced {
		ps.RunCount++
		// Running (Welford) update over every run ever folded in, so
		// runs later evicted from the retained list still count.
		n := float64(ps.RunCount)
		m2 := ps.StdevScore * ps.StdevScore * (n - 1)
		delta := run.HybridScore - ps.MeanScore
		ps.MeanScore += delta / n
		m2 += delta * (run.HybridScore - ps.MeanScore)
		ps.StdevScore = math.Sqrt(m2 / n)
	}

	if len(runs) > u.retainedRuns() {
		runs = runs[:u.retainedRuns()]
	}
	ps.Runs = runs
	ps.LastUpdated = time.Now().UTC()

	data, err := json.Marshal(ps)
	if err != nil {
		return fmt.Errorf("marshalling summary: %w", err)
	}
	return u.store.Put(ctx, key, data, "application/json")
}

func (u *Updater) retainedRuns() int {
	if u.maxRetainedRuns <= 0 {
		return DefaultMaxRetainedRuns
	}
	return u.maxRetainedRuns
}

func (u *Updater) updateFleetWide(ctx context.Context, meta Meta, run blueprint.Run) error {
	var fw FleetWideSummary
	existing, err := u.store.Get(ctx, objectstore.FleetWideSummaryKey)
	switch {
	case err == nil:
		if err := json.Unmarshal(existing, &fw); err != nil {
			return fmt.Errorf("unmarshalling fleet-wide summary: %w", err)
		}
	case errors.Is(err, objectstore.ErrNotFound):
		fw = FleetWideSummary{}
	default:
		return fmt.Errorf("reading fleet-wide summary: %w", err)
	}

	lean := leanFromRun(run)
	found := false
	for i, e := range fw.Entries {
		if e.BlueprintID != run.BlueprintID {
			continue
		}
		found = true
		if e.LatestRun.Timestamp.After(run.Timestamp) {
			// An older run arrived after a newer one was already
			// recorded; the newer entry stays.
			break
		}
		fw.Entries[i].LatestRun = lean
		fw.Entries[i].Title = meta.Title
		fw.Entries[i].Tags = meta.Tags
		if e.LatestRun.RunLabel != run.RunLabel || !e.LatestRun.Timestamp.Equal(run.Timestamp) {
			fw.Entries[i].TotalRuns++
		}
		break
	}
	if !found {
		fw.Entries = append(fw.Entries, FleetEntry{
			BlueprintID: run.BlueprintID,
			Title:       meta.Title,
			Tags:        meta.Tags,
			LatestRun:   lean,
			TotalRuns:   1,
		})
	}

	fw.LastUpdated = time.Now().UTC()

	data, err := json.Marshal(fw)
	if err != nil {
		return fmt.Errorf("marshalling fleet-wide summary: %w", err)
	}
	return u.store.Put(ctx, objectstore.FleetWideSummaryKey, data, "application/json")
}

func (u *Updater) updateLatestN(ctx context.Context, run blueprint.Run) error {
	var ln LatestNSummary
	existing, err := u.store.Get(ctx, objectstore.LatestNSummaryKey)
	switch {
	case err == nil:
		if err := json.Unmarshal(existing, &ln); err != nil {
			return fmt.Errorf("unmarshalling latest-N summary: %w", err)
		}
	case errors.Is(err, objectstore.ErrNotFound):
		ln = LatestNSummary{}
	default:
		return fmt.Errorf("reading latest-N summary: %w", err)
	}

	entries := make([]LatestNEntry, 0, len(ln.Entries)+1)
	for _, e := range ln.Entries {
		if e.BlueprintID == run.BlueprintID && e.RunLabel == run.RunLabel && e.Timestamp.Equal(run.Timestamp) {
			continue // dedup: same (configId, runLabel, timestamp) triple
		}
		entries = append(entries, e)
	}
	entries = append([]LatestNEntry{{
		BlueprintID: run.BlueprintID,
		RunLabel:    run.RunLabel,
		Timestamp:   run.Timestamp,
		HybridScore: run.HybridScore,
	}}, entries...)

	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	if len(entries) > MaxLatestN {
		entries = entries[:MaxLatestN]
	}

	ln.Entries = entries
	ln.LastUpdated = time.Now().UTC()

	data, err := json.Marshal(ln)
	if err != nil {
		return fmt.Errorf("marshalling latest-N summary: %w", err)
	}
	return u.store.Put(ctx, objectstore.LatestNSummaryKey, data, "application/json")
}

func hybridScoreStats(runs []blueprint.Run) (mean, stdev float64) {
	if len(runs) == 0 {
		return 0, 0
	}
	var sum float64
	for _, r := range runs {
		sum += r.HybridScore
	}
	mean = sum / float64(len(runs))

	if len(runs) == 1 {
		return mean, 0
	}
	var sq float64
	for _, r := range runs {
		d := r.HybridScore - mean
		sq += d * d
	}
	stdev = math.Sqrt(sq / float64(len(runs)))
	return mean, stdev
}
