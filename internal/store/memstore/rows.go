package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"interview-pipeline/internal/models"
)

func (s *Store) InitSteps(_ context.Context, jobID string, steps []models.StepName) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("InitSteps"); err != nil {
		return err
	}
	for _, name := range steps {
		s.steps[stepKey{jobID, name}] = &models.JobStep{JobID: jobID, Step: name, Status: models.StepPending}
	}
	return nil
}

func (s *Store) StartStep(_ context.Context, jobID string, step models.StepName, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("StartStep"); err != nil {
		return err
	}
	row, ok := s.steps[stepKey{jobID, step}]
	if !ok {
		return fmt.Errorf("step %s/%s: %w", jobID, step, models.ErrNotFound)
	}
	row.Status = models.StepRunning
	row.StartedAt = ptr(now)
	row.CompletedAt = nil
	row.Error = nil
	return nil
}

func (s *Store) FinishStep(_ context.Context, jobID string, step models.StepName, status models.StepStatus, result []byte, errDetail *string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("FinishStep"); err != nil {
		return err
	}
	row, ok := s.steps[stepKey{jobID, step}]
	if !ok {
		return fmt.Errorf("step %s/%s: %w", jobID, step, models.ErrNotFound)
	}
	row.Status = status
	row.Result = append([]byte(nil), result...)
	row.Error = errDetail
	row.CompletedAt = ptr(now)
	return nil
}

func (s *Store) ListSteps(_ context.Context, jobID string) ([]models.JobStep, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.JobStep, 0, len(models.PipelineSteps))
	for _, name := range models.PipelineSteps {
		if row, ok := s.steps[stepKey{jobID, name}]; ok {
			out = append(out, *row)
		}
	}
	return out, nil
}

func (s *Store) RegisterChunks(_ context.Context, jobID string, count int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("RegisterChunks"); err != nil {
		return err
	}
	rows := make(map[int]*models.ChunkRow, count)
	now := time.Now().UTC()
	for i := 0; i < count; i++ {
		rows[i] = &models.ChunkRow{JobID: jobID, Index: i, Status: models.ChunkPending, UpdatedAt: now}
	}
	s.chunks[jobID] = rows
	if job, ok := s.jobs[jobID]; ok {
		job.TotalChunks = count
		job.CompletedChunks = 0
	}
	return nil
}

func (s *Store) UpdateChunkStatus(_ context.Context, jobID string, index int, r models.ChunkResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpdateChunkStatus"); err != nil {
		return err
	}
	row, ok := s.chunks[jobID][index]
	if !ok {
		return nil
	}
	row.Status = r.Status
	row.Text = nilIfEmpty(r.Text)
	row.Error = nilIfEmpty(r.Error)
	row.UpdatedAt = time.Now().UTC()
	if job, ok := s.jobs[jobID]; ok {
		done := 0
		for _, c := range s.chunks[jobID] {
			if c.Status != models.ChunkPending {
				done++
			}
		}
		job.CompletedChunks = done
	}
	return nil
}

func (s *Store) ListChunks(_ context.Context, jobID string) ([]models.ChunkRow, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ChunkRow, 0, len(s.chunks[jobID]))
	for _, row := range s.chunks[jobID] {
		out = append(out, *row)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

func (s *Store) UpsertRecord(_ context.Context, rec models.Record) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.fail("UpsertRecord"); err != nil {
		return "", err
	}
	now := time.Now().UTC()
	if id, ok := s.byJob[rec.JobID]; ok {
		existing := s.records[id]
		rec.ID = id
		rec.CreatedAt = existing.CreatedAt
		rec.UpdatedAt = now
		s.records[id] = &rec
		return id, nil
	}
	rec.ID = uuid.New().String()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	s.records[rec.ID] = &rec
	s.byJob[rec.JobID] = rec.ID
	return rec.ID, nil
}

func (s *Store) GetRecord(_ context.Context, id string) (models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return models.Record{}, fmt.Errorf("record %s: %w", id, models.ErrNotFound)
	}
	return *rec, nil
}

func (s *Store) ListRecordsByCompany(_ context.Context, companyID string, limit int) ([]models.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	var out []models.Record
	for _, rec := range s.records {
		if rec.CompanyID == companyID {
			out = append(out, *rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// RecordCount reports how many record rows exist.
func (s *Store) RecordCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func nilIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
