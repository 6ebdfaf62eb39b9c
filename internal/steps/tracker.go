// Package steps records per-job pipeline step state for audit.
package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"interview-pipeline/internal/models"
)

type Store interface {
	InitSteps(ctx context.Context, jobID string, steps []models.StepName) error
	StartStep(ctx context.Context, jobID string, step models.StepName, now time.Time) error
	FinishStep(ctx context.Context, jobID string, step models.StepName, status models.StepStatus, result []byte, errDetail *string, now time.Time) error
}

// Tracker writes one step row per call. Rows of one job are only ever
// written by the goroutine running that job.
type Tracker struct {
	store Store
	log   *logrus.Entry
	now   func() time.Time
}

func NewTracker(st Store, log *logrus.Entry) *Tracker {
	return &Tracker{store: st, log: log, now: func() time.Time { return time.Now().UTC() }}
}

// InitializeSteps upserts all pipeline steps as pending. Safe to repeat on retry.
func (t *Tracker) InitializeSteps(ctx context.Context, jobID string) error {
	if err := t.store.InitSteps(ctx, jobID, models.PipelineSteps); err != nil {
		return fmt.Errorf("init steps: %w", err)
	}
	return nil
}

func (t *Tracker) StartStep(ctx context.Context, jobID string, step models.StepName) error {
	if err := t.store.StartStep(ctx, jobID, step, t.now()); err != nil {
		return fmt.Errorf("start step %s: %w", step, err)
	}
	return nil
}

// CompleteStep marks the step completed with optional result metadata.
func (t *Tracker) CompleteStep(ctx context.Context, jobID string, step models.StepName, result any) error {
	raw, err := encodeResult(result)
	if err != nil {
		return fmt.Errorf("encode %s result: %w", step, err)
	}
	if err := t.store.FinishStep(ctx, jobID, step, models.StepCompleted, raw, nil, t.now()); err != nil {
		return fmt.Errorf("complete step %s: %w", step, err)
	}
	return nil
}

func (t *Tracker) FailStep(ctx context.Context, jobID string, step models.StepName, cause error) error {
	detail := "unknown error"
	if cause != nil {
		detail = cause.Error()
	}
	if err := t.store.FinishStep(ctx, jobID, step, models.StepFailed, nil, &detail, t.now()); err != nil {
		return fmt.Errorf("fail step %s: %w", step, err)
	}
	return nil
}

// SkipStep records a deliberately bypassed step along with why.
func (t *Tracker) SkipStep(ctx context.Context, jobID string, step models.StepName, reason string) error {
	raw, _ := json.Marshal(map[string]string{"reason": reason})
	if err := t.store.FinishStep(ctx, jobID, step, models.StepSkipped, raw, nil, t.now()); err != nil {
		return fmt.Errorf("skip step %s: %w", step, err)
	}
	t.log.WithFields(logrus.Fields{"job_id": jobID, "step": step}).Info(reason)
	return nil
}

func encodeResult(result any) ([]byte, error) {
	switch v := result.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
