// Package invoke wires the scheduler's abstract Invoker contract to a
// concrete Pipeline Runner backend. It is the single call site that
// runs the pipeline, reads back the raw result artifact it wrote, and
// folds that result into the incremental summaries, the analytical
// run-history side channel, and the run-event notifier.
package invoke

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"evalorchestrator.dev/blueprint"
	"evalorchestrator.dev/common"
	"evalorchestrator.dev/notify"
	"evalorchestrator.dev/objectstore"
	"evalorchestrator.dev/pipeline"
	"evalorchestrator.dev/repository"
	"evalorchestrator.dev/summary"
)

// Invoker satisfies scheduler.Invoker: one call runs the pipeline
// backend, then folds its result into every downstream consumer. Each
// downstream step is best-effort past the pipeline run itself —
// matching the incremental updater's own "log and continue" discipline
// — since a partially-landed update self-corrects at the next
// drain-time backfill.
type Invoker struct {
	Runner      pipeline.Runner
	Store       objectstore.Store
	Updater     *summary.Updater
	Repository  *repository.Composite // optional
	Notifier    *notify.AMQPPublisher // optional
	EvalMethods []string
	Cache       bool
	Log         *common.ContextLogger
}

// rawResult is the shape of the artifact the (out-of-scope) Pipeline
// Runner writes to the object store: one completed run's effective
// models, per-model-per-prompt coverage scores, and timing breakdown.
// The artifact filename, not this body, is the canonical source of
// the run's timestamp.
type rawResult struct {
	Models             []string         `json:"models"`
	Prompts            int              `json:"prompts"`
	CoverageScores     []rawPromptScore `json:"coverageScores"`
	HybridScore        float64          `json:"hybridScore"`
	GenerationDuration float64          `json:"generationDurationSeconds"`
	EvaluationDuration float64          `json:"evaluationDurationSeconds"`
	SaveDuration       float64          `json:"saveDurationSeconds"`
	SlowestModel       string           `json:"slowestModel"`
	FastestModel       string           `json:"fastestModel"`
}

type rawPromptScore struct {
	Model   string  `json:"model"`
	Prompt  int     `json:"prompt"`
	Score   float64 `json:"score"`
	Explain string  `json:"explain"`
}

// Invoke runs resolved through the pipeline backend, then loads the
// artifact it wrote back out of the object store to build the
// blueprint.Run downstream consumers expect.
func (inv *Invoker) Invoke(ctx context.Context, resolved blueprint.Resolved, commitSHA string) (string, error) {
	artifact, err := inv.Runner.Run(ctx, resolved, pipeline.RunOptions{
		CommitSHA:         commitSHA,
		EvaluationMethods: inv.EvalMethods,
		Cache:             inv.Cache,
	})
	if err != nil {
		inv.notifyFailure(resolved, err)
		return "", fmt.Errorf("running pipeline for %s: %w", resolved.ID, err)
	}

	run, err := inv.loadRun(ctx, resolved, artifact, commitSHA)
	if err != nil {
		inv.logf("loading artifact %s for %s: %v", artifact, resolved.ID, err)
		return artifact, fmt.Errorf("loading artifact %s: %w", artifact, err)
	}

	if err := inv.Updater.Update(ctx, summary.Meta{Title: resolved.Title, Tags: resolved.Tags}, run); err != nil {
		inv.logf("updating summaries for %s: %v", resolved.ID, err)
	}

	if inv.Repository != nil {
		inv.Repository.Record(ctx, repository.RunRecord{
			BlueprintID:        run.BlueprintID,
			Title:              resolved.Title,
			RunLabel:           run.RunLabel,
			Timestamp:          run.Timestamp,
			Models:             run.Models,
			HybridScore:        run.HybridScore,
			GenerationDuration: run.GenerationDuration,
			EvaluationDuration: run.EvaluationDuration,
			SaveDuration:       run.SaveDuration,
			CommitSHA:          run.CommitSHA,
		})
	}

	if inv.Notifier != nil {
		inv.Notifier.Publish(notify.Event{
			Type:        notify.EventRunCompleted,
			BlueprintID: run.BlueprintID,
			RunLabel:    run.RunLabel,
			Timestamp:   run.Timestamp,
			HybridScore: run.HybridScore,
		})
	}

	return artifact, nil
}

func (inv *Invoker) notifyFailure(resolved blueprint.Resolved, runErr error) {
	if inv.Notifier == nil {
		return
	}
	inv.Notifier.Publish(notify.Event{
		Type:        notify.EventRunFailed,
		BlueprintID: resolved.ID,
		RunLabel:    resolved.RunLabel,
		Timestamp:   time.Now(),
		Error:       runErr.Error(),
	})
}

// loadRun fetches the artifact raw result the pipeline just wrote and
// builds the blueprint.Run the rest of the system consumes. The
// timestamp comes from the filename, never the body, per the
// artifact-filename-is-canonical invariant.
func (inv *Invoker) loadRun(ctx context.Context, resolved blueprint.Resolved, artifactFilename, commitSHA string) (blueprint.Run, error) {
	var run blueprint.Run

	ts, err := timestampFromFilename(artifactFilename, resolved.RunLabel)
	if err != nil {
		return run, err
	}

	key := objectstore.RawResultKey(resolved.ID, resolved.RunLabel, objectstore.EncodeTimestamp(ts))
	data, err := inv.Store.Get(ctx, key)
	if err != nil {
		return run, fmt.Errorf("fetching %s: %w", key, err)
	}

	var raw rawResult
	if err := json.Unmarshal(data, &raw); err != nil {
		return run, fmt.Errorf("unmarshalling %s: %w", key, err)
	}

	scores := make([]blueprint.PromptScore, len(raw.CoverageScores))
	for i, s := range raw.CoverageScores {
		scores[i] = blueprint.PromptScore{Model: s.Model, Prompt: s.Prompt, Score: s.Score, Explain: s.Explain}
	}

	run = blueprint.Run{
		BlueprintID:        resolved.ID,
		RunLabel:           resolved.RunLabel,
		Timestamp:          ts,
		Models:             raw.Models,
		Prompts:            raw.Prompts,
		CoverageScores:     scores,
		HybridScore:        raw.HybridScore,
		GenerationDuration: time.Duration(raw.GenerationDuration * float64(time.Second)),
		EvaluationDuration: time.Duration(raw.EvaluationDuration * float64(time.Second)),
		SaveDuration:       time.Duration(raw.SaveDuration * float64(time.Second)),
		SlowestModel:       raw.SlowestModel,
		FastestModel:       raw.FastestModel,
		CommitSHA:          commitSHA,
	}
	return run, nil
}

// timestampFromFilename extracts the safe timestamp segment from a
// "<runLabel>_<safeTimestamp>_comparison.json" artifact filename.
func timestampFromFilename(filename, runLabel string) (time.Time, error) {
	rest := strings.TrimPrefix(filename, runLabel+"_")
	if rest == filename {
		return time.Time{}, fmt.Errorf("artifact filename %q does not start with run label %q", filename, runLabel)
	}
	safe := strings.TrimSuffix(rest, "_comparison.json")
	if safe == rest {
		return time.Time{}, fmt.Errorf("artifact filename %q missing _comparison.json suffix", filename)
	}
	return objectstore.DecodeTimestamp(safe)
}

func (inv *Invoker) logf(format string, args ...interface{}) {
	if inv.Log != nil {
		inv.Log.Errorf(format, args...)
	}
}
