package steps

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"interview-pipeline/internal/logger"
	"interview-pipeline/internal/models"
	"interview-pipeline/internal/store/memstore"
)

func TestInitializeStepsIsIdempotent(t *testing.T) {
	st := memstore.New()
	tr := NewTracker(st, logger.Discard())
	ctx := context.Background()

	if err := tr.InitializeSteps(ctx, "job-1"); err != nil {
		t.Fatalf("first init: %v", err)
	}
	if err := tr.StartStep(ctx, "job-1", models.StepConvert); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := tr.InitializeSteps(ctx, "job-1"); err != nil {
		t.Fatalf("second init: %v", err)
	}

	rows, _ := st.ListSteps(ctx, "job-1")
	if len(rows) != len(models.PipelineSteps) {
		t.Fatalf("expected %d rows, got %d", len(models.PipelineSteps), len(rows))
	}
	for i, row := range rows {
		if row.Step != models.PipelineSteps[i] {
			t.Fatalf("row %d is %s, want %s", i, row.Step, models.PipelineSteps[i])
		}
		if row.Status != models.StepPending {
			t.Fatalf("step %s not reset: %s", row.Step, row.Status)
		}
	}
}

func TestStepTransitions(t *testing.T) {
	st := memstore.New()
	tr := NewTracker(st, logger.Discard())
	ctx := context.Background()
	_ = tr.InitializeSteps(ctx, "job-1")

	if err := tr.SkipStep(ctx, "job-1", models.StepConvert, "already mp3"); err != nil {
		t.Fatalf("skip: %v", err)
	}
	_ = tr.StartStep(ctx, "job-1", models.StepSplit)
	if err := tr.CompleteStep(ctx, "job-1", models.StepSplit, map[string]int{"chunks": 4}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	_ = tr.StartStep(ctx, "job-1", models.StepSTT)
	if err := tr.FailStep(ctx, "job-1", models.StepSTT, errors.New("engine unreachable")); err != nil {
		t.Fatalf("fail: %v", err)
	}

	rows, _ := st.ListSteps(ctx, "job-1")
	byName := map[models.StepName]models.JobStep{}
	for _, r := range rows {
		byName[r.Step] = r
	}

	if byName[models.StepConvert].Status != models.StepSkipped {
		t.Fatalf("convert status %s", byName[models.StepConvert].Status)
	}
	split := byName[models.StepSplit]
	var meta map[string]int
	if err := json.Unmarshal(split.Result, &meta); err != nil || meta["chunks"] != 4 {
		t.Fatalf("split metadata %s (%v)", split.Result, err)
	}
	stt := byName[models.StepSTT]
	if stt.Status != models.StepFailed || stt.Error == nil || *stt.Error != "engine unreachable" {
		t.Fatalf("stt row %+v", stt)
	}
	if byName[models.StepCleanup].Status != models.StepPending {
		t.Fatalf("cleanup should stay pending")
	}
}

func TestStoreErrorsPropagate(t *testing.T) {
	st := memstore.New()
	st.Fail = func(op string) error { return errors.New(op + " failed") }
	tr := NewTracker(st, logger.Discard())
	if err := tr.InitializeSteps(context.Background(), "job-1"); err == nil {
		t.Fatalf("expected error")
	}
}
