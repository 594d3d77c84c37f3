// Package summary implements the incremental summary updater: the
// component that folds one freshly completed run into the three
// summaries the rest of the system reads from (per-config, fleet-wide,
// and most-recent-N), without ever re-reading raw result artifacts.
package summary

import (
	"time"

	"evalorchestrator.dev/blueprint"
)

// LeanRun is a run record stripped of per-model per-prompt coverage
// detail: everything needed for a dashboard list entry, nothing that
// would require reading the raw artifact.
type LeanRun struct {
	RunLabel    string    `json:"runLabel"`
	Timestamp   time.Time `json:"timestamp"`
	Models      []string  `json:"models"`
	HybridScore float64   `json:"hybridScore"`
	CommitSHA   string    `json:"commitSha,omitempty"`
}

func leanFromRun(r blueprint.Run) LeanRun {
	return LeanRun{
		RunLabel:    r.RunLabel,
		Timestamp:   r.Timestamp,
		Models:      r.Models,
		HybridScore: r.HybridScore,
		CommitSHA:   r.CommitSHA,
	}
}

// PerConfigSummary is the full-detail, per-blueprint summary: recent
// runs newest-first with coverage detail intact, and running mean and
// standard deviation of the hybrid score across all runs ever folded
// into it (not just the retained window).
type PerConfigSummary struct {
	BlueprintID string          `json:"blueprintId"`
	Title       string          `json:"title"`
	Tags        []string        `json:"tags"`
	Runs        []blueprint.Run `json:"runs"` // newest first
	RunCount    int             `json:"runCount"`
	MeanScore   float64         `json:"meanScore"`
	StdevScore  float64         `json:"stdevScore"`
	LastUpdated time.Time       `json:"lastUpdated"`
}

// FleetEntry is one blueprint's row in the fleet-wide summary: its
// latest run, lean, plus a running count of total runs.
type FleetEntry struct {
	BlueprintID string   `json:"blueprintId"`
	Title       string   `json:"title"`
	Tags        []string `json:"tags"`
	LatestRun   LeanRun  `json:"latestRun"`
	TotalRuns   int      `json:"totalRuns"`
}

// FleetWideSummary has one entry per blueprint that has ever run.
type FleetWideSummary struct {
	Entries     []FleetEntry `json:"entries"`
	LastUpdated time.Time    `json:"lastUpdated"`
}

// LatestNEntry is one row of the most-recent-N fleet-wide feed.
type LatestNEntry struct {
	BlueprintID string    `json:"blueprintId"`
	RunLabel    string    `json:"runLabel"`
	Timestamp   time.Time `json:"timestamp"`
	HybridScore float64   `json:"hybridScore"`
}

// LatestNSummary is a bounded FIFO of the most recent runs across the
// whole fleet, sorted strictly descending by timestamp, with no
// duplicate (blueprintId, runLabel, timestamp) triples.
type LatestNSummary struct {
	Entries     []LatestNEntry `json:"entries"`
	LastUpdated time.Time      `json:"lastUpdated"`
}

// MaxLatestN is the bound on LatestNSummary.Entries.
const MaxLatestN = 50

// DefaultMaxRetainedRuns bounds how many full-detail runs a
// PerConfigSummary retains; older runs are dropped from Runs but still
// counted in RunCount and folded into MeanScore/StdevScore.
const DefaultMaxRetainedRuns = 50
