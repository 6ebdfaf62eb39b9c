package models

import (
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a row does not exist.
var ErrNotFound = errors.New("not found")

// ErrLockLost is returned when a write fenced by an attempt number finds the
// job no longer processing under that attempt.
var ErrLockLost = errors.New("job lock lost")

// JobStatus enumerates lifecycle states persisted in processing_jobs.
type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// TimeoutReason records why a job left the processing state.
type TimeoutReason string

const (
	TimeoutNone      TimeoutReason = "none"
	TimeoutHeartbeat TimeoutReason = "heartbeat_timeout"
	TimeoutMaxRun    TimeoutReason = "max_duration"
	TimeoutManual    TimeoutReason = "manual"
)

// ProcessingJob is one attempt to turn an uploaded audio file into a Record.
type ProcessingJob struct {
	ID              string        `json:"id"`
	FileID          string        `json:"file_id"`
	UserID          string        `json:"user_id"`
	CompanyID       string        `json:"company_id"`
	StaffID         string        `json:"staff_id"`
	AudioFilePath   string        `json:"audio_file_path"`
	Status          JobStatus     `json:"status"`
	Progress        int           `json:"progress"`
	CurrentStep     string        `json:"current_step"`
	StatusMessage   string        `json:"status_message"`
	ErrorMessage    *string       `json:"error_message,omitempty"`
	Attempts        int           `json:"attempts"`
	MaxAttempts     int           `json:"max_attempts"`
	TimeoutReason   TimeoutReason `json:"timeout_reason"`
	TotalChunks     int           `json:"total_chunks"`
	CompletedChunks int           `json:"completed_chunks"`
	RecordID        *string       `json:"record_id,omitempty"`
	StartedAt       *time.Time    `json:"started_at,omitempty"`
	HeartbeatAt     *time.Time    `json:"heartbeat_at,omitempty"`
	TimeoutAt       *time.Time    `json:"timeout_at,omitempty"`
	CompletedAt     *time.Time    `json:"completed_at,omitempty"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// CanRetry reports whether another lock acquisition is allowed.
func (j ProcessingJob) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// IsTerminal reports whether the job reached completed or failed.
func (j ProcessingJob) IsTerminal() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// StatusUpdate is a user-facing progress write. It never changes the job's
// lifecycle status; only the lock manager does that.
type StatusUpdate struct {
	Status       JobStatus
	Step         StepName
	Progress     int
	Message      string
	ErrorMessage string
}

// StalledJob is returned by the sweeper for each job it force-failed.
type StalledJob struct {
	ID          string
	Reason      TimeoutReason
	Attempts    int
	MaxAttempts int
}
