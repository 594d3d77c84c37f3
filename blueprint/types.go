// Package blueprint parses and normalises evaluation blueprints: the
// parameterised specifications the scheduler discovers in the remote
// configuration source tree and hands to the evaluation queue.
package blueprint

import "time"

// ModelRef is a reference to a model in a blueprint's model list. It is
// either a concrete model id or a symbolic group alias (CORE, QUICK, ...)
// that the model-group resolver expands before a run. Source files may
// declare either a bare string or an object with extra options; Parse
// produces this tagged union regardless of which form was used.
type ModelRef struct {
	Symbolic bool
	Name     string         // alias name when Symbolic, concrete model id otherwise
	Options  map[string]any // passthrough per-model options, if the source declared an object
}

// Prompt is one evaluation prompt within a blueprint.
type Prompt struct {
	Text         string
	Messages     []Message
	PointFunc    string         // point-function reference, e.g. "distribution_metric"
	PointFuncArg map[string]any // arguments passed to the point function, e.g. {expected, metric, threshold}
}

// Message is one turn of a multi-turn prompt.
type Message struct {
	Role    string
	Content string
}

// Blueprint is an evaluation specification discovered from the
// configuration source tree.
type Blueprint struct {
	ID          string // pure function of the source path; see DerivePathID
	Title       string
	Description string
	Prompts     []Prompt
	Models      []ModelRef
	Tags        []string // normalised: lowercase, trimmed, deduplicated

	SourcePath string // relative path in the configuration source tree
}

// Resolved is a Blueprint whose symbolic model aliases have been expanded
// to concrete model ids by the model-group resolver. RunLabel is the
// content hash of this resolved form.
type Resolved struct {
	Blueprint
	ConcreteModels []string
	RunLabel       string
}

// HasTag reports whether the blueprint's normalised tag set contains t.
// t must already be normalised (callers generally check against the
// package's reserved-tag constants).
func (b *Blueprint) HasTag(t string) bool {
	for _, tag := range b.Tags {
		if tag == t {
			return true
		}
	}
	return false
}

// IsPeriodic reports whether this blueprint carries the reserved
// _periodic tag and is therefore eligible for scheduled runs.
func (b *Blueprint) IsPeriodic() bool {
	return b.HasTag(TagPeriodic)
}

// Reserved tags recognised by the system.
const (
	TagPeriodic     = "_periodic"
	TagFeatured     = "_featured"
	TagPublicAPI    = "_public_api"
	TagDTEF         = "dtef"
	TagPREvaluation = "_pr_evaluation"
)

// Run is one completed pipeline invocation for a blueprint.
type Run struct {
	BlueprintID string
	RunLabel    string
	Timestamp   time.Time // canonical: derived from the artifact filename

	Models  []string
	Prompts int

	CoverageScores []PromptScore
	HybridScore    float64

	GenerationDuration time.Duration
	EvaluationDuration time.Duration
	SaveDuration       time.Duration
	SlowestModel       string
	FastestModel       string

	CommitSHA string
}

// PromptScore is the per-model per-prompt coverage score for one run.
type PromptScore struct {
	Model   string
	Prompt  int
	Score   float64
	Explain string
}
