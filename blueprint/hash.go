package blueprint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
)

// hashInput is the deterministic, order-independent projection of a
// resolved blueprint that ComputeRunLabel hashes. Field order here is
// fixed by the struct tags, not by map iteration, so the same resolved
// blueprint always hashes to the same label regardless of slice order
// coming out of model resolution.
type hashInput struct {
	Title   string   `json:"title"`
	Models  []string `json:"models"`
	Prompts []Prompt `json:"prompts"`
}

// ComputeRunLabel derives the run label: a stable content digest of
// the resolved blueprint (title, concrete models, prompts). It is not,
// by itself, used for freshness decisions -- two runs of the same
// content at different times still get different timestamps, and
// freshness is timestamp-driven, not label-driven.
func ComputeRunLabel(r Resolved) string {
	models := append([]string(nil), r.ConcreteModels...)
	sort.Strings(models)

	in := hashInput{Title: r.Title, Models: models, Prompts: r.Prompts}
	data, err := json.Marshal(in)
	if err != nil {
		// Marshal of this struct can't fail in practice (no channels,
		// funcs, or cyclic types); fall back to a title-only digest
		// rather than propagating an error from a pure function.
		data = []byte(r.Title)
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:16]
}
