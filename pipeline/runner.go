// Package pipeline defines the Pipeline Runner abstraction: the
// opaque, potentially minutes-long invocable that actually generates
// model responses and scores them against a resolved blueprint. The
// queue never knows which backend runs underneath; it only calls
// Runner.Run and waits.
package pipeline

import (
	"context"

	"evalorchestrator.dev/blueprint"
)

// RunOptions carries the provenance and execution controls a pipeline
// invocation needs beyond the resolved blueprint itself.
type RunOptions struct {
	CommitSHA         string
	EvaluationMethods []string
	Cache             bool
}

// Runner invokes one resolved blueprint's evaluation and returns the
// filename of the artifact it wrote to the object store on success.
// Every concrete backend satisfies this one interface.
type Runner interface {
	Run(ctx context.Context, resolved blueprint.Resolved, opts RunOptions) (artifactFilename string, err error)
}
