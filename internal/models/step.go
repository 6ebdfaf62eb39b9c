package models

import (
	"encoding/json"
	"time"
)

// StepName identifies one pipeline stage.
type StepName string

const (
	StepConvert  StepName = "convert"
	StepSplit    StepName = "split"
	StepSTT      StepName = "stt"
	StepWorkflow StepName = "dify_workflow"
	StepPersist  StepName = "persist"
	StepCleanup  StepName = "cleanup"
)

// PipelineSteps lists every tracked step in execution order.
var PipelineSteps = []StepName{
	StepConvert,
	StepSplit,
	StepSTT,
	StepWorkflow,
	StepPersist,
	StepCleanup,
}

// StepStatus is the state of a single JobStep row.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// JobStep is one (job, step) audit row.
type JobStep struct {
	JobID       string          `json:"job_id"`
	Step        StepName        `json:"step"`
	Status      StepStatus      `json:"status"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *string         `json:"error,omitempty"`
}
