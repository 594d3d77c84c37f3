package pipeline

import (
	"encoding/json"
	"fmt"

	"evalorchestrator.dev/blueprint"
)

// blueprintJSON renders a resolved blueprint and its run options into
// the wire format every backend sends to its underlying executable,
// service, or container image.
func blueprintJSON(resolved blueprint.Resolved, opts RunOptions) ([]byte, error) {
	input := commandInput{
		BlueprintID: resolved.ID,
		Title:       resolved.Title,
		Models:      resolved.ConcreteModels,
		Prompts:     resolved.Prompts,
		RunLabel:    resolved.RunLabel,
		CommitSHA:   opts.CommitSHA,
		EvalMethods: opts.EvaluationMethods,
		Cache:       opts.Cache,
	}
	data, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("marshalling pipeline input: %w", err)
	}
	return data, nil
}
