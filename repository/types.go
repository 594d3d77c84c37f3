// Package repository implements the additive run-history side channel:
// analytical mirrors of completed evaluation runs that dashboards can
// query directly, refreshed best-effort alongside the incremental
// summary update. None of these backends are the system of record;
// that remains the object store's three summaries.
package repository

import (
	"context"
	"time"
)

// RunRecord is one completed evaluation run, flattened for the
// analytical backends in this package.
type RunRecord struct {
	BlueprintID        string
	Title              string
	RunLabel           string
	Timestamp          time.Time
	Models             []string
	HybridScore        float64
	GenerationDuration time.Duration
	EvaluationDuration time.Duration
	SaveDuration       time.Duration
	CommitSHA          string
}

// DriftIndicator names one model whose recent performance on a
// blueprint has fallen meaningfully below its own historical baseline.
type DriftIndicator struct {
	BlueprintID   string
	Model         string
	RecentMean    float64
	LifetimeMean  float64
	LifetimeStdev float64
	SampleSize    int
}

// RunStore persists completed runs for ad hoc analytical queries (e.g.
// "average hybrid score per model over the last quarter") that the
// object store's summaries are not shaped to answer.
type RunStore interface {
	SaveRun(ctx context.Context, run RunRecord) error
	Close() error
}

// DriftGraph stores per-run (blueprint, model, score) edges and answers
// the drift queries computed over them.
type DriftGraph interface {
	RecordEvaluation(ctx context.Context, run RunRecord) error
	DriftIndicators(ctx context.Context, blueprintID string, lastN int) ([]DriftIndicator, error)
	Close() error
}

// DiscoveryCache is a local, single-file cache of each blueprint's
// last-seen source commit and most recently observed run timestamp.
// The scheduler consults it only to skip redundant object store
// listings; it is never the authority for freshness.
type DiscoveryCache interface {
	Put(blueprintID, commitSHA string, lastRun time.Time) error
	Get(blueprintID string) (commitSHA string, lastRun time.Time, found bool, err error)
	Close() error
}
