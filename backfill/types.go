// Package backfill implements the drain-time lightweight backfill:
// rebuilding the homepage, per-model, and DTEF demographic summaries
// by reading per-config summaries rather than raw result artifacts.
package backfill

import (
	"time"

	"evalorchestrator.dev/blueprint"
	"evalorchestrator.dev/summary"
)

// HeadlineStats are the fleet-wide numbers shown at the top of the
// homepage.
type HeadlineStats struct {
	TotalBlueprints int     `json:"totalBlueprints"`
	TotalRuns       int     `json:"totalRuns"`
	MeanHybridScore float64 `json:"meanHybridScore"`
}

// ModelDriftIndicator flags a blueprint whose recent performance with
// a given model has dropped well below that blueprint's lifetime mean.
type ModelDriftIndicator struct {
	BlueprintID  string  `json:"blueprintId"`
	Model        string  `json:"model"`
	RecentMean   float64 `json:"recentMean"`
	LifetimeMean float64 `json:"lifetimeMean"`
}

// TopicChampion is the highest-scoring blueprint for a given
// (non-reserved) tag.
type TopicChampion struct {
	Tag         string  `json:"tag"`
	BlueprintID string  `json:"blueprintId"`
	MeanScore   float64 `json:"meanScore"`
}

// HomepageEntry is one blueprint's row in the homepage summary.
// FullRuns is only populated for _featured blueprints; everyone else
// gets LatestRun only.
type HomepageEntry struct {
	BlueprintID string           `json:"blueprintId"`
	Title       string           `json:"title"`
	Tags        []string         `json:"tags"`
	Featured    bool             `json:"featured"`
	LatestRun   *summary.LeanRun `json:"latestRun,omitempty"`
	FullRuns    []blueprint.Run  `json:"fullRuns,omitempty"`
}

// HomepageSummary is the drain-time-only aggregate the dashboard home
// page reads.
type HomepageSummary struct {
	Entries         []HomepageEntry       `json:"entries"`
	Headline        HeadlineStats         `json:"headline"`
	DriftIndicators []ModelDriftIndicator `json:"driftIndicators"`
	TopicChampions  []TopicChampion       `json:"topicChampions"`
	LastUpdated     time.Time             `json:"lastUpdated"`
}

// ModelBlueprintScore names the blueprint behind a model's best or
// worst mean score.
type ModelBlueprintScore struct {
	BlueprintID string  `json:"blueprintId"`
	Score       float64 `json:"score"`
}

// ModelSummary aggregates every run of a base model across the whole
// fleet.
type ModelSummary struct {
	BaseModelID string               `json:"baseModelId"`
	RunCount    int                  `json:"runCount"`
	MeanScore   float64              `json:"meanScore"`
	Best        *ModelBlueprintScore `json:"best,omitempty"`
	Worst       *ModelBlueprintScore `json:"worst,omitempty"`
	LastUpdated time.Time            `json:"lastUpdated"`
}

// DTEFSummary is a demographic summary for DTEF-tagged blueprints,
// either for one survey or combined across all of them.
type DTEFSummary struct {
	SurveyID    string    `json:"surveyId,omitempty"`
	RunCount    int       `json:"runCount"`
	MeanScore   float64   `json:"meanScore"`
	LastUpdated time.Time `json:"lastUpdated"`
}
