package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeRunStore struct {
	saved  []RunRecord
	saveErr error
	closed bool
}

func (f *fakeRunStore) SaveRun(ctx context.Context, run RunRecord) error {
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, run)
	return nil
}

func (f *fakeRunStore) Close() error {
	f.closed = true
	return nil
}

type fakeDriftGraph struct {
	recorded   []RunRecord
	recordErr  error
	indicators []DriftIndicator
	queryErr   error
	closed     bool
}

func (f *fakeDriftGraph) RecordEvaluation(ctx context.Context, run RunRecord) error {
	if f.recordErr != nil {
		return f.recordErr
	}
	f.recorded = append(f.recorded, run)
	return nil
}

func (f *fakeDriftGraph) DriftIndicators(ctx context.Context, blueprintID string, lastN int) ([]DriftIndicator, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	return f.indicators, nil
}

func (f *fakeDriftGraph) Close() error {
	f.closed = true
	return nil
}

func TestComposite_RecordFansOutToBothBackends(t *testing.T) {
	runs := &fakeRunStore{}
	drift := &fakeDriftGraph{}
	c := &Composite{Runs: runs, Drift: drift}

	run := RunRecord{BlueprintID: "bp", RunLabel: "r1"}
	c.Record(context.Background(), run)

	assert.Len(t, runs.saved, 1)
	assert.Len(t, drift.recorded, 1)
}

func TestComposite_RunsFailureDoesNotBlockDrift(t *testing.T) {
	runs := &fakeRunStore{saveErr: errors.New("postgres down")}
	drift := &fakeDriftGraph{}
	c := &Composite{Runs: runs, Drift: drift}

	c.Record(context.Background(), RunRecord{BlueprintID: "bp", RunLabel: "r1"})

	assert.Len(t, drift.recorded, 1)
}

func TestComposite_DriftFailureDoesNotBlockRuns(t *testing.T) {
	runs := &fakeRunStore{}
	drift := &fakeDriftGraph{recordErr: errors.New("neo4j down")}
	c := &Composite{Runs: runs, Drift: drift}

	c.Record(context.Background(), RunRecord{BlueprintID: "bp", RunLabel: "r1"})

	assert.Len(t, runs.saved, 1)
}

func TestComposite_NilBackendsAreNoOps(t *testing.T) {
	c := &Composite{}
	assert.NotPanics(t, func() {
		c.Record(context.Background(), RunRecord{BlueprintID: "bp"})
	})
	assert.Nil(t, c.DriftIndicators(context.Background(), "bp", 5))
	assert.NotPanics(t, c.Close)
}

func TestComposite_DriftIndicatorsDegradesToEmptyOnError(t *testing.T) {
	drift := &fakeDriftGraph{queryErr: errors.New("boom")}
	c := &Composite{Drift: drift}

	indicators := c.DriftIndicators(context.Background(), "bp", 5)
	assert.Nil(t, indicators)
}

func TestComposite_CloseClosesBothBackends(t *testing.T) {
	runs := &fakeRunStore{}
	drift := &fakeDriftGraph{}
	c := &Composite{Runs: runs, Drift: drift}

	c.Close()

	assert.True(t, runs.closed)
	assert.True(t, drift.closed)
}
