package repository

import (
	"context"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// runRow is the gorm model backing RunStore: one row per completed
// evaluation run.
type runRow struct {
	ID                   uint      `gorm:"primaryKey"`
	BlueprintID          string    `gorm:"index:idx_blueprint_time"`
	Title                string
	RunLabel             string    `gorm:"uniqueIndex:idx_blueprint_run"`
	Timestamp            time.Time `gorm:"index:idx_blueprint_time"`
	Models               string    // comma-joined; this mirror serves dashboards, not queries over individual models
	HybridScore          float64
	GenerationDurationMS int64
	EvaluationDurationMS int64
	SaveDurationMS       int64
	CommitSHA            string
}

func (runRow) TableName() string { return "action_runs" }

// Postgres persists one row per completed run for ad hoc SQL
// dashboards ("average hybrid score per model over the last quarter").
// It is an additive mirror: the object store's summaries remain the
// system of record, and a Postgres outage never blocks a run.
type Postgres struct {
	db *gorm.DB
}

// NewPostgres opens a connection and ensures the action_runs table exists.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}
	if err := db.AutoMigrate(&runRow{}); err != nil {
		return nil, fmt.Errorf("migrating action_runs table: %w", err)
	}
	return &Postgres{db: db}, nil
}

func (p *Postgres) SaveRun(ctx context.Context, run RunRecord) error {
	row := runRow{
		BlueprintID:          run.BlueprintID,
		Title:                run.Title,
		RunLabel:             run.RunLabel,
		Timestamp:            run.Timestamp,
		Models:               joinModels(run.Models),
		HybridScore:          run.HybridScore,
		GenerationDurationMS: run.GenerationDuration.Milliseconds(),
		EvaluationDurationMS: run.EvaluationDuration.Milliseconds(),
		SaveDurationMS:       run.SaveDuration.Milliseconds(),
		CommitSHA:            run.CommitSHA,
	}

	result := p.db.WithContext(ctx).
		Where(runRow{BlueprintID: run.BlueprintID, RunLabel: run.RunLabel}).
		Assign(row).
		FirstOrCreate(&runRow{})
	if result.Error != nil {
		return fmt.Errorf("saving run %s/%s to postgres: %w", run.BlueprintID, run.RunLabel, result.Error)
	}
	return nil
}

// MeanHybridScore answers the dashboard's "average hybrid score per
// blueprint over the last N days" query directly from SQL.
func (p *Postgres) MeanHybridScore(ctx context.Context, blueprintID string, since time.Time) (float64, error) {
	var mean float64
	err := p.db.WithContext(ctx).
		Model(&runRow{}).
		Where("blueprint_id = ? AND timestamp >= ?", blueprintID, since).
		Select("COALESCE(AVG(hybrid_score), 0)").
		Scan(&mean).Error
	if err != nil {
		return 0, fmt.Errorf("querying mean hybrid score for %s: %w", blueprintID, err)
	}
	return mean, nil
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func joinModels(models []string) string {
	out := ""
	for i, m := range models {
		if i > 0 {
			out += ","
		}
		out += m
	}
	return out
}
