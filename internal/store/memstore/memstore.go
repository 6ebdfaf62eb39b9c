// Package memstore is an in-memory implementation of the job/step/chunk/record
// store. It backs STORE_DRIVER=memory for single-process local runs and the
// package tests; every conditional write mirrors the SQL in package store.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"interview-pipeline/internal/models"
	"interview-pipeline/internal/store"
)

type stepKey struct {
	jobID string
	step  models.StepName
}

// Store keeps all rows in maps guarded by a single mutex.
type Store struct {
	mu      sync.Mutex
	jobs    map[string]*models.ProcessingJob
	steps   map[stepKey]*models.JobStep
	chunks  map[string]map[int]*models.ChunkRow
	records map[string]*models.Record
	byJob   map[string]string

	// Fail, when set, is consulted before every call; a non-nil return aborts it.
	Fail func(op string) error
}

func New() *Store {
	return &Store{
		jobs:    make(map[string]*models.ProcessingJob),
		steps:   make(map[stepKey]*models.JobStep),
		chunks:  make(map[string]map[int]*models.ChunkRow),
		records: make(map[string]*models.Record),
		byJob:   make(map[string]string),
	}
}

func (s *Store) fail(op string) error {
	if s.Fail == nil {
		return nil
	}
	return s.Fail(op)
}

func (s *Store) CreateJob(_ context.Context, p store.CreateJobParams) (models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("CreateJob"); err != nil {
		return models.ProcessingJob{}, err
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	now := time.Now().UTC()
	job := &models.ProcessingJob{
		ID:            uuid.New().String(),
		FileID:        p.FileID,
		UserID:        p.UserID,
		CompanyID:     p.CompanyID,
		StaffID:       p.StaffID,
		AudioFilePath: p.AudioFilePath,
		Status:        models.StatusPending,
		MaxAttempts:   p.MaxAttempts,
		TimeoutReason: models.TimeoutNone,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.jobs[job.ID] = job
	return *job, nil
}

func (s *Store) GetJob(_ context.Context, id string) (models.ProcessingJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("GetJob"); err != nil {
		return models.ProcessingJob{}, err
	}
	job, ok := s.jobs[id]
	if !ok {
		return models.ProcessingJob{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	return *job, nil
}

func (s *Store) AcquireJob(_ context.Context, id string, now, timeoutAt time.Time) (int, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("AcquireJob"); err != nil {
		return 0, false, err
	}
	job, ok := s.jobs[id]
	if !ok || (job.Status != models.StatusPending && job.Status != models.StatusFailed) {
		return 0, false, nil
	}
	job.Status = models.StatusProcessing
	job.StartedAt = ptr(now)
	job.HeartbeatAt = ptr(now)
	job.TimeoutAt = ptr(timeoutAt)
	job.Attempts++
	job.TimeoutReason = models.TimeoutNone
	job.ErrorMessage = nil
	job.CompletedAt = nil
	job.Progress = 0
	job.CurrentStep = ""
	job.UpdatedAt = now
	return job.Attempts, true, nil
}

func (s *Store) TouchHeartbeat(_ context.Context, id string, attempt int, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("TouchHeartbeat"); err != nil {
		return false, err
	}
	job, ok := s.jobs[id]
	if !ok || job.Status != models.StatusProcessing || job.Attempts != attempt {
		return false, nil
	}
	job.HeartbeatAt = ptr(now)
	job.UpdatedAt = now
	return true, nil
}

func (s *Store) FinishJob(_ context.Context, id string, attempt int, status models.JobStatus, reason models.TimeoutReason, errMsg *string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("FinishJob"); err != nil {
		return err
	}
	job, ok := s.jobs[id]
	if !ok || job.Status != models.StatusProcessing || job.Attempts != attempt {
		return fmt.Errorf("finish job %s attempt %d: %w", id, attempt, models.ErrLockLost)
	}
	job.Status = status
	job.TimeoutReason = reason
	job.ErrorMessage = errMsg
	job.CompletedAt = ptr(now)
	job.UpdatedAt = now
	return nil
}

func (s *Store) StopJob(_ context.Context, id, message string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("StopJob"); err != nil {
		return false, err
	}
	job, ok := s.jobs[id]
	if !ok || (job.Status != models.StatusPending && job.Status != models.StatusProcessing) {
		return false, nil
	}
	job.Status = models.StatusFailed
	job.TimeoutReason = models.TimeoutManual
	job.ErrorMessage = ptr(message)
	job.CompletedAt = ptr(now)
	job.UpdatedAt = now
	return true, nil
}

func (s *Store) FailStalled(_ context.Context, heartbeatBefore, now time.Time) ([]models.StalledJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("FailStalled"); err != nil {
		return nil, err
	}
	var out []models.StalledJob
	for _, job := range s.jobs {
		if job.Status != models.StatusProcessing {
			continue
		}
		expired := job.TimeoutAt != nil && job.TimeoutAt.Before(now)
		stale := job.HeartbeatAt != nil && job.HeartbeatAt.Before(heartbeatBefore)
		if !expired && !stale {
			continue
		}
		job.Status = models.StatusFailed
		if expired {
			job.TimeoutReason = models.TimeoutMaxRun
			job.ErrorMessage = ptr("job exceeded maximum duration")
		} else {
			job.TimeoutReason = models.TimeoutHeartbeat
			job.ErrorMessage = ptr("worker heartbeat timed out")
		}
		job.CompletedAt = ptr(now)
		job.UpdatedAt = now
		out = append(out, models.StalledJob{
			ID:          job.ID,
			Reason:      job.TimeoutReason,
			Attempts:    job.Attempts,
			MaxAttempts: job.MaxAttempts,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateJobStatus(_ context.Context, id string, u models.StatusUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpdateJobStatus"); err != nil {
		return err
	}
	job, ok := s.jobs[id]
	if !ok {
		return nil
	}
	job.Progress = u.Progress
	job.CurrentStep = string(u.Step)
	job.StatusMessage = u.Message
	if u.ErrorMessage != "" {
		job.ErrorMessage = ptr(u.ErrorMessage)
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) SetJobRecord(_ context.Context, jobID, recordID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("SetJobRecord"); err != nil {
		return err
	}
	job, ok := s.jobs[jobID]
	if !ok {
		return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	job.RecordID = ptr(recordID)
	return nil
}

func (s *Store) CountByStatus(_ context.Context, status models.JobStatus) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, job := range s.jobs {
		if job.Status == status {
			n++
		}
	}
	return n, nil
}

// SetJob overwrites a job row; tests use it to stage arbitrary states.
func (s *Store) SetJob(job models.ProcessingJob) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := job
	s.jobs[job.ID] = &j
}

func ptr[T any](v T) *T { return &v }

// Close is a no-op; it lets the in-memory store stand in for the Postgres one.
func (s *Store) Close() {}
