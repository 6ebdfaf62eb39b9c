package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgtype"

	"interview-pipeline/internal/models"
)

// InitSteps creates one pending row per step, resetting rows left by a
// previous attempt.
func (s *Store) InitSteps(ctx context.Context, jobID string, steps []models.StepName) error {
	names := make([]string, 0, len(steps))
	for _, st := range steps {
		names = append(names, string(st))
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_steps (job_id, step, status)
		SELECT $1, name, $3 FROM unnest($2::text[]) AS name
		ON CONFLICT (job_id, step) DO UPDATE
		SET status = EXCLUDED.status, started_at = NULL, completed_at = NULL, result = NULL, error = NULL
	`, jobID, names, models.StepPending)
	if err != nil {
		return fmt.Errorf("init steps: %w", err)
	}
	return nil
}

// StartStep marks a step running.
func (s *Store) StartStep(ctx context.Context, jobID string, step models.StepName, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_steps SET status = $3, started_at = $4, completed_at = NULL, error = NULL
		WHERE job_id = $1 AND step = $2
	`, jobID, step, models.StepRunning, now)
	if err != nil {
		return fmt.Errorf("start step %s: %w", step, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("step %s/%s: %w", jobID, step, models.ErrNotFound)
	}
	return nil
}

// FinishStep writes a completed, failed or skipped outcome.
func (s *Store) FinishStep(ctx context.Context, jobID string, step models.StepName, status models.StepStatus, result []byte, errDetail *string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_steps SET status = $3, result = $4, error = $5, completed_at = $6
		WHERE job_id = $1 AND step = $2
	`, jobID, step, status, result, errDetail, now)
	if err != nil {
		return fmt.Errorf("finish step %s: %w", step, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("step %s/%s: %w", jobID, step, models.ErrNotFound)
	}
	return nil
}

// ListSteps returns a job's step rows in pipeline order.
func (s *Store) ListSteps(ctx context.Context, jobID string) ([]models.JobStep, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT step, status, started_at, completed_at, result, error
		FROM job_steps WHERE job_id = $1
	`, jobID)
	if err != nil {
		return nil, fmt.Errorf("query steps: %w", err)
	}
	defer rows.Close()

	byName := make(map[models.StepName]models.JobStep)
	for rows.Next() {
		var (
			step, status  string
			started, done pgtype.Timestamptz
			result        []byte
			errDetail     pgtype.Text
		)
		if err := rows.Scan(&step, &status, &started, &done, &result, &errDetail); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		byName[models.StepName(step)] = models.JobStep{
			JobID:       jobID,
			Step:        models.StepName(step),
			Status:      models.StepStatus(status),
			StartedAt:   timePtr(started),
			CompletedAt: timePtr(done),
			Result:      result,
			Error:       textPtr(errDetail),
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orderSteps(byName), nil
}

func orderSteps(byName map[models.StepName]models.JobStep) []models.JobStep {
	out := make([]models.JobStep, 0, len(byName))
	for _, name := range models.PipelineSteps {
		if st, ok := byName[name]; ok {
			out = append(out, st)
		}
	}
	return out
}
