package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"evalorchestrator.dev/blueprint"
)

// CommandRunner invokes a local executable once per run, passing the
// resolved blueprint and the run's provenance together as one JSON
// document on stdin; Args are passed unchanged on every run. The
// executable is expected to print the written artifact's filename as
// the last line of stdout.
//
// Arguments are passed via exec.CommandContext's argv, never
// interpolated into a shell string, so blueprint content (titles,
// prompts, tags) can never inject additional shell commands.
type CommandRunner struct {
	Binary string
	Args   []string
}

type commandInput struct {
	BlueprintID string             `json:"blueprintId"`
	Title       string             `json:"title"`
	Models      []string           `json:"models"`
	Prompts     []blueprint.Prompt `json:"prompts"`
	RunLabel    string             `json:"runLabel"`
	CommitSHA   string             `json:"commitSha"`
	EvalMethods []string           `json:"evaluationMethods"`
	Cache       bool               `json:"cache"`
}

func (r *CommandRunner) Run(ctx context.Context, resolved blueprint.Resolved, opts RunOptions) (string, error) {
	payload, err := blueprintJSON(resolved, opts)
	if err != nil {
		return "", err
	}

	cmd := exec.CommandContext(ctx, r.Binary, r.Args...)
	cmd.Stdin = bytes.NewReader(payload)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("pipeline command failed: %w (stderr: %s)", err, strings.TrimSpace(stderr.String()))
	}

	lines := strings.Split(strings.TrimSpace(stdout.String()), "\n")
	artifact := strings.TrimSpace(lines[len(lines)-1])
	if artifact == "" {
		return "", fmt.Errorf("pipeline command produced no artifact filename")
	}
	return artifact, nil
}
