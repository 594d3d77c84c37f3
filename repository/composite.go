package repository

import (
	"context"

	"evalorchestrator.dev/common"
)

// Composite fans a completed run out to every configured side-channel
// backend. Every write is best-effort: a side-channel failure is logged
// and never blocks or fails the incremental summary update it rode in
// on.
type Composite struct {
	Runs  RunStore  // nil if Postgres is not configured
	Drift DriftGraph // nil if Neo4j is not configured
	Log   *common.ContextLogger
}

// Record writes run to every configured backend, continuing past any
// individual failure.
func (c *Composite) Record(ctx context.Context, run RunRecord) {
	if c.Runs != nil {
		if err := c.Runs.SaveRun(ctx, run); err != nil {
			c.logf("side-channel postgres write failed for %s/%s: %v", run.BlueprintID, run.RunLabel, err)
		}
	}
	if c.Drift != nil {
		if err := c.Drift.RecordEvaluation(ctx, run); err != nil {
			c.logf("side-channel neo4j write failed for %s/%s: %v", run.BlueprintID, run.RunLabel, err)
		}
	}
}

// DriftIndicators is a passthrough that degrades to an empty result
// rather than an error when Neo4j is not configured, since these
// indicators are a supplementary homepage feature, never
// load-bearing for scheduling or queueing.
func (c *Composite) DriftIndicators(ctx context.Context, blueprintID string, lastN int) []DriftIndicator {
	if c.Drift == nil {
		return nil
	}
	indicators, err := c.Drift.DriftIndicators(ctx, blueprintID, lastN)
	if err != nil {
		c.logf("drift indicator query failed for %s: %v", blueprintID, err)
		return nil
	}
	return indicators
}

// Close closes every configured backend, logging individual close
// errors without stopping on them.
func (c *Composite) Close() {
	if c.Runs != nil {
		if err := c.Runs.Close(); err != nil {
			c.logf("closing postgres side channel: %v", err)
		}
	}
	if c.Drift != nil {
		if err := c.Drift.Close(); err != nil {
			c.logf("closing neo4j side channel: %v", err)
		}
	}
}

func (c *Composite) logf(format string, args ...any) {
	if c.Log != nil {
		c.Log.Errorf(format, args...)
	}
}
