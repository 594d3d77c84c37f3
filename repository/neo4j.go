package repository

import (
	"context"
	"fmt"
	"math"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Neo4jDrift stores one (Blueprint)-[:EVALUATED_WITH{score,timestamp}]->
// (Model) edge per run and answers drift queries over the resulting
// graph: which models are currently underperforming their own history
// on a given blueprint.
type Neo4jDrift struct {
	driver neo4j.DriverWithContext
}

// NewNeo4jDrift opens a driver and verifies connectivity.
func NewNeo4jDrift(ctx context.Context, uri, username, password string) (*Neo4jDrift, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		return nil, fmt.Errorf("connecting to neo4j: %w", err)
	}
	return &Neo4jDrift{driver: driver}, nil
}

func (n *Neo4jDrift) RecordEvaluation(ctx context.Context, run RunRecord) error {
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer session.Close(ctx)

	for _, model := range run.Models {
		_, err := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			_, err := tx.Run(ctx, `
				MERGE (b:Blueprint {id: $blueprintId})
				MERGE (m:Model {name: $model})
				CREATE (b)-[:EVALUATED_WITH {score: $score, timestamp: $timestamp, runLabel: $runLabel}]->(m)
			`, map[string]any{
				"blueprintId": run.BlueprintID,
				"model":       model,
				"score":       run.HybridScore,
				"timestamp":   run.Timestamp.Unix(),
				"runLabel":    run.RunLabel,
			})
			return nil, err
		})
		if err != nil {
			return fmt.Errorf("recording evaluation edge for %s/%s: %w", run.BlueprintID, model, err)
		}
	}
	return nil
}

// DriftIndicators reports every model on blueprintID whose mean score
// over its last lastN runs is more than one standard deviation below
// its lifetime mean on that blueprint.
func (n *Neo4jDrift) DriftIndicators(ctx context.Context, blueprintID string, lastN int) ([]DriftIndicator, error) {
	session := n.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeRead})
	defer session.Close(ctx)

	result, err := session.ExecuteRead(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		records, err := tx.Run(ctx, `
			MATCH (b:Blueprint {id: $blueprintId})-[e:EVALUATED_WITH]->(m:Model)
			WITH m, e ORDER BY e.timestamp DESC
			WITH m, collect(e.score) AS scores
			RETURN m.name AS model, scores
		`, map[string]any{"blueprintId": blueprintID})
		if err != nil {
			return nil, err
		}

		var indicators []DriftIndicator
		for records.Next(ctx) {
			rec := records.Record()
			modelVal, _ := rec.Get("model")
			scoresVal, _ := rec.Get("scores")
			model, _ := modelVal.(string)
			rawScores, _ := scoresVal.([]any)

			scores := make([]float64, 0, len(rawScores))
			for _, v := range rawScores {
				if f, ok := v.(float64); ok {
					scores = append(scores, f)
				}
			}
			if len(scores) == 0 {
				continue
			}

			lifetimeMean, lifetimeStdev := meanStdev(scores)
			recent := scores
			if lastN > 0 && len(recent) > lastN {
				recent = recent[:lastN]
			}
			recentMean, _ := meanStdev(recent)

			if lifetimeStdev > 0 && recentMean < lifetimeMean-lifetimeStdev {
				indicators = append(indicators, DriftIndicator{
					BlueprintID:   blueprintID,
					Model:         model,
					RecentMean:    recentMean,
					LifetimeMean:  lifetimeMean,
					LifetimeStdev: lifetimeStdev,
					SampleSize:    len(scores),
				})
			}
		}
		return indicators, records.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("querying drift indicators for %s: %w", blueprintID, err)
	}
	return result.([]DriftIndicator), nil
}

func (n *Neo4jDrift) Close() error {
	return n.driver.Close(context.Background())
}

func meanStdev(values []float64) (mean, stdev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))

	var variance float64
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	if len(values) > 0 {
		variance /= float64(len(values))
	}
	return mean, math.Sqrt(variance)
}
