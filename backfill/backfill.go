package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"evalorchestrator.dev/blueprint"
	"evalorchestrator.dev/common"
	"evalorchestrator.dev/objectstore"
	"evalorchestrator.dev/summary"
)

// DefaultParallelism bounds how many per-config summaries are fetched
// at once.
const DefaultParallelism = 10

// recentRunWindow is how many of a blueprint's most recent retained
// runs count as "recent" for drift detection.
const recentRunWindow = 5

// Backfill rebuilds every drain-time aggregate from the per-config
// summaries: the homepage summary, per-model summaries, the
// fleet-wide and latest-N aggregates, and DTEF demographic summaries.
// It never reads raw result artifacts, which is what keeps it cheap
// enough to run synchronously on every queue drain.
type Backfill struct {
	store       objectstore.Store
	parallelism int
	log         *common.ContextLogger
}

type Config struct {
	Store       objectstore.Store
	Parallelism int
	Logger      *common.ContextLogger
}

func New(cfg Config) *Backfill {
	p := cfg.Parallelism
	if p <= 0 {
		p = DefaultParallelism
	}
	return &Backfill{store: cfg.Store, parallelism: p, log: cfg.Logger}
}

// Run executes one backfill pass.
func (b *Backfill) Run(ctx context.Context) error {
	ids, summaryBytes, err := b.listBlueprintIDs(ctx)
	if err != nil {
		return fmt.Errorf("listing blueprint ids: %w", err)
	}

	summaries, err := b.fetchSummaries(ctx, ids)
	if err != nil {
		return fmt.Errorf("fetching per-config summaries: %w", err)
	}

	b.logBytesRead(ctx, summaryBytes)

	if err := b.writeLatestN(ctx, summaries); err != nil {
		return fmt.Errorf("writing latest-N summary: %w", err)
	}
	if err := b.writeFleetWide(ctx, summaries); err != nil {
		return fmt.Errorf("writing fleet-wide summary: %w", err)
	}
	if err := b.writeHomepage(ctx, summaries); err != nil {
		return fmt.Errorf("writing homepage summary: %w", err)
	}
	if err := b.writeModelSummaries(ctx, summaries); err != nil {
		return fmt.Errorf("writing model summaries: %w", err)
	}
	if err := b.writeDTEFSummaries(ctx, summaries); err != nil {
		return fmt.Errorf("writing DTEF summaries: %w", err)
	}

	return nil
}

func (b *Backfill) listBlueprintIDs(ctx context.Context) ([]string, int64, error) {
	objs, err := objectstore.ListAllPrefix(ctx, b.store, objectstore.PerConfigSummaryPrefix)
	if err != nil {
		return nil, 0, err
	}
	ids := make([]string, 0, len(objs))
	var totalBytes int64
	for _, o := range objs {
		name := strings.TrimPrefix(o.Key, objectstore.PerConfigSummaryPrefix)
		name = strings.TrimSuffix(name, ".json")
		if name != "" {
			ids = append(ids, name)
			totalBytes += o.Size
		}
	}
	return ids, totalBytes, nil
}

// logBytesRead records how much data the summary-based rebuild read
// against what a naive scan of the raw result artifacts would have
// read. The gap between the two is why this backfill can run
// synchronously on every drain without OOMing.
func (b *Backfill) logBytesRead(ctx context.Context, summaryBytes int64) {
	if b.log == nil {
		return
	}
	rawObjs, err := objectstore.ListAllPrefix(ctx, b.store, "live/blueprints/")
	if err != nil {
		b.log.Infof("backfill read %s of per-config summaries", humanize.Bytes(uint64(summaryBytes)))
		return
	}
	var rawBytes int64
	for _, o := range rawObjs {
		rawBytes += o.Size
	}
	b.log.Infof("backfill read %s of per-config summaries; a raw-result scan would have read %s",
		humanize.Bytes(uint64(summaryBytes)), humanize.Bytes(uint64(rawBytes)))
}

func (b *Backfill) fetchSummaries(ctx context.Context, ids []string) ([]summary.PerConfigSummary, error) {
	results := make([]summary.PerConfigSummary, len(ids))
	errs := make([]error, len(ids))

	sem := make(chan struct{}, b.parallelism)
	var wg sync.WaitGroup
	for i, id := range ids {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, id string) {
			defer wg.Done()
			defer func() { <-sem }()

			data, err := b.store.Get(ctx, objectstore.PerConfigSummaryKey(id))
			if err != nil {
				errs[i] = fmt.Errorf("reading %s: %w", id, err)
				return
			}
			var ps summary.PerConfigSummary
			if err := json.Unmarshal(data, &ps); err != nil {
				errs[i] = fmt.Errorf("unmarshalling %s: %w", id, err)
				return
			}
			results[i] = ps
		}(i, id)
	}
	wg.Wait()

	out := make([]summary.PerConfigSummary, 0, len(ids))
	for i, err := range errs {
		if err != nil {
			if b.log != nil {
				b.log.Errorf("backfill: %v", err)
			}
			continue
		}
		out = append(out, results[i])
	}
	return out, nil
}

func (b *Backfill) writeLatestN(ctx context.Context, summaries []summary.PerConfigSummary) error {
	seen := make(map[[3]string]struct{})
	var entries []summary.LatestNEntry

	for _, ps := range summaries {
		for _, r := range ps.Runs {
			key := [3]string{ps.BlueprintID, r.RunLabel, r.Timestamp.UTC().Format(time.RFC3339Nano)}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			entries = append(entries, summary.LatestNEntry{
				BlueprintID: ps.BlueprintID,
				RunLabel:    r.RunLabel,
				Timestamp:   r.Timestamp,
				HybridScore: r.HybridScore,
			})
		}
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Timestamp.After(entries[j].Timestamp) })
	if len(entries) > summary.MaxLatestN {
		entries = entries[:summary.MaxLatestN]
	}

	ln := summary.LatestNSummary{Entries: entries, LastUpdated: time.Now().UTC()}
	data, err := json.Marshal(ln)
	if err != nil {
		return err
	}
	return b.store.Put(ctx, objectstore.LatestNSummaryKey, data, "application/json")
}

func (b *Backfill) writeFleetWide(ctx context.Context, summaries []summary.PerConfigSummary) error {
	entries := make([]summary.FleetEntry, 0, len(summaries))
	for _, ps := range summaries {
		if len(ps.Runs) == 0 {
			continue
		}
		entries = append(entries, summary.FleetEntry{
			BlueprintID: ps.BlueprintID,
			Title:       ps.Title,
			Tags:        ps.Tags,
			LatestRun:   leanFromRun(ps.Runs[0]),
			TotalRuns:   ps.RunCount,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].BlueprintID < entries[j].BlueprintID })

	fw := summary.FleetWideSummary{Entries: entries, LastUpdated: time.Now().UTC()}
	data, err := json.Marshal(fw)
	if err != nil {
		return err
	}
	return b.store.Put(ctx, objectstore.FleetWideSummaryKey, data, "application/json")
}

func leanFromRun(r blueprint.Run) summary.LeanRun {
	return summary.LeanRun{
		RunLabel:    r.RunLabel,
		Timestamp:   r.Timestamp,
		Models:      r.Models,
		HybridScore: r.HybridScore,
		CommitSHA:   r.CommitSHA,
	}
}

func (b *Backfill) writeHomepage(ctx context.Context, summaries []summary.PerConfigSummary) error {
	entries := make([]HomepageEntry, 0, len(summaries))
	var totalRuns int
	var scoreSum float64
	var scoreWeight float64

	for _, ps := range summaries {
		featured := false
		publicAPI := false
		for _, t := range ps.Tags {
			switch t {
			case blueprint.TagFeatured:
				featured = true
			case blueprint.TagPublicAPI:
				publicAPI = true
			}
		}
		if publicAPI {
			// _public_api blueprints are excluded from homepage
			// aggregates.
			continue
		}

		entry := HomepageEntry{
			BlueprintID: ps.BlueprintID,
			Title:       ps.Title,
			Tags:        ps.Tags,
			Featured:    featured,
		}
		if len(ps.Runs) > 0 {
			lean := leanFromRun(ps.Runs[0])
			entry.LatestRun = &lean
		}
		if featured {
			entry.FullRuns = ps.Runs
		}
		entries = append(entries, entry)

		totalRuns += ps.RunCount
		if ps.RunCount > 0 {
			scoreSum += ps.MeanScore * float64(ps.RunCount)
			scoreWeight += float64(ps.RunCount)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].BlueprintID < entries[j].BlueprintID })

	var meanScore float64
	if scoreWeight > 0 {
		meanScore = scoreSum / scoreWeight
	}

	homepage := HomepageSummary{
		Entries: entries,
		Headline: HeadlineStats{
			TotalBlueprints: len(entries),
			TotalRuns:       totalRuns,
			MeanHybridScore: meanScore,
		},
		DriftIndicators: driftIndicators(summaries),
		TopicChampions:  topicChampions(summaries),
		LastUpdated:     time.Now().UTC(),
	}

	data, err := json.Marshal(homepage)
	if err != nil {
		return err
	}
	return b.store.Put(ctx, objectstore.HomepageSummaryKey, data, "application/json")
}

// driftIndicators flags (blueprint, model) pairs whose mean score over
// the most recent runs has fallen more than one standard deviation
// below that blueprint's lifetime mean for the same model.
func driftIndicators(summaries []summary.PerConfigSummary) []ModelDriftIndicator {
	var out []ModelDriftIndicator

	for _, ps := range summaries {
		perModel := make(map[string][]float64) // newest first, one entry per run that scored this model
		for _, r := range ps.Runs {
			scores := make(map[string][]float64)
			for _, cs := range r.CoverageScores {
				scores[cs.Model] = append(scores[cs.Model], cs.Score)
			}
			for model, vals := range scores {
				mean := meanOf(vals)
				perModel[model] = append(perModel[model], mean)
			}
		}

		for model, series := range perModel {
			if len(series) < 2 {
				continue
			}
			lifetimeMean, lifetimeStdev := meanAndStdev(series)
			if lifetimeStdev == 0 {
				continue
			}
			window := series
			if len(window) > recentRunWindow {
				window = window[:recentRunWindow]
			}
			recentMean := meanOf(window)

			if recentMean < lifetimeMean-lifetimeStdev {
				out = append(out, ModelDriftIndicator{
					BlueprintID:  ps.BlueprintID,
					Model:        model,
					RecentMean:   recentMean,
					LifetimeMean: lifetimeMean,
				})
			}
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].BlueprintID != out[j].BlueprintID {
			return out[i].BlueprintID < out[j].BlueprintID
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// topicChampions finds, for every non-reserved tag, the blueprint with
// the highest mean score carrying that tag.
func topicChampions(summaries []summary.PerConfigSummary) []TopicChampion {
	best := make(map[string]TopicChampion)
	for _, ps := range summaries {
		for _, tag := range ps.Tags {
			if blueprint.IsReservedTag(tag) {
				continue
			}
			cur, ok := best[tag]
			if !ok || ps.MeanScore > cur.MeanScore {
				best[tag] = TopicChampion{Tag: tag, BlueprintID: ps.BlueprintID, MeanScore: ps.MeanScore}
			}
		}
	}

	out := make([]TopicChampion, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Tag < out[j].Tag })
	return out
}

func (b *Backfill) writeModelSummaries(ctx context.Context, summaries []summary.PerConfigSummary) error {
	type acc struct {
		sum, weight float64
		count       int
		best, worst *ModelBlueprintScore
	}
	byModel := make(map[string]*acc)

	for _, ps := range summaries {
		if len(ps.Runs) == 0 {
			continue
		}
		seenModel := make(map[string]bool)
		for _, m := range ps.Runs[0].Models {
			base := baseModelID(m)
			if seenModel[base] {
				continue
			}
			seenModel[base] = true

			a, ok := byModel[base]
			if !ok {
				a = &acc{}
				byModel[base] = a
			}
			a.sum += ps.MeanScore * float64(ps.RunCount)
			a.weight += float64(ps.RunCount)
			a.count += ps.RunCount

			if a.best == nil || ps.MeanScore > a.best.Score {
				a.best = &ModelBlueprintScore{BlueprintID: ps.BlueprintID, Score: ps.MeanScore}
			}
			if a.worst == nil || ps.MeanScore < a.worst.Score {
				a.worst = &ModelBlueprintScore{BlueprintID: ps.BlueprintID, Score: ps.MeanScore}
			}
		}
	}

	now := time.Now().UTC()
	for base, a := range byModel {
		mean := 0.0
		if a.weight > 0 {
			mean = a.sum / a.weight
		}
		ms := ModelSummary{
			BaseModelID: base,
			RunCount:    a.count,
			MeanScore:   mean,
			Best:        a.best,
			Worst:       a.worst,
			LastUpdated: now,
		}
		data, err := json.Marshal(ms)
		if err != nil {
			return err
		}
		if err := b.store.Put(ctx, objectstore.ModelSummaryKey(base), data, "application/json"); err != nil {
			return fmt.Errorf("writing model summary for %s: %w", base, err)
		}
	}
	return nil
}

func baseModelID(model string) string {
	if i := strings.Index(model, "/"); i >= 0 {
		return model[:i]
	}
	return model
}

// writeDTEFSummaries builds one demographic summary per survey (the
// blueprint id's top-level path segment) for every DTEF-tagged
// blueprint, plus a combined summary across all of them. Per-survey
// summaries are written before the combined one; a failure writing
// one survey's summary does not prevent the combined summary from
// being built, since both are derived independently from the same
// in-memory run collection.
func (b *Backfill) writeDTEFSummaries(ctx context.Context, summaries []summary.PerConfigSummary) error {
	type agg struct {
		count int
		sum   float64
	}
	bySurvey := make(map[string]*agg)
	var combined agg
	var any bool

	for _, ps := range summaries {
		isDTEF := false
		for _, t := range ps.Tags {
			if t == blueprint.TagDTEF {
				isDTEF = true
				break
			}
		}
		if !isDTEF || ps.RunCount == 0 {
			continue
		}
		any = true

		surveyID := ps.BlueprintID
		if i := strings.Index(ps.BlueprintID, "__"); i >= 0 {
			surveyID = ps.BlueprintID[:i]
		}

		a, ok := bySurvey[surveyID]
		if !ok {
			a = &agg{}
			bySurvey[surveyID] = a
		}
		a.count += len(ps.Runs)
		a.sum += ps.MeanScore * float64(len(ps.Runs))

		combined.count += len(ps.Runs)
		combined.sum += ps.MeanScore * float64(len(ps.Runs))
	}

	if !any {
		return nil
	}

	now := time.Now().UTC()
	var writeErrs []error
	for surveyID, a := range bySurvey {
		ds := DTEFSummary{SurveyID: surveyID, RunCount: a.count, LastUpdated: now}
		if a.count > 0 {
			ds.MeanScore = a.sum / float64(a.count)
		}
		data, err := json.Marshal(ds)
		if err != nil {
			writeErrs = append(writeErrs, err)
			continue
		}
		if err := b.store.Put(ctx, objectstore.DTEFSurveySummaryKey(surveyID), data, "application/json"); err != nil {
			writeErrs = append(writeErrs, err)
		}
	}

	combinedSummary := DTEFSummary{RunCount: combined.count, LastUpdated: now}
	if combined.count > 0 {
		combinedSummary.MeanScore = combined.sum / float64(combined.count)
	}
	data, err := json.Marshal(combinedSummary)
	if err != nil {
		return err
	}
	if err := b.store.Put(ctx, objectstore.DTEFSummaryKey, data, "application/json"); err != nil {
		return err
	}

	if len(writeErrs) > 0 {
		if b.log != nil {
			b.log.Errorf("backfill: %d per-survey DTEF summaries failed to write", len(writeErrs))
		}
	}
	return nil
}

func meanOf(v []float64) float64 {
	if len(v) == 0 {
		return 0
	}
	var sum float64
	for _, x := range v {
		sum += x
	}
	return sum / float64(len(v))
}

func meanAndStdev(v []float64) (mean, stdev float64) {
	mean = meanOf(v)
	if len(v) < 2 {
		return mean, 0
	}
	var sq float64
	for _, x := range v {
		d := x - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(v)))
}
