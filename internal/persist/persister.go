// Package persist writes the final record for a job.
package persist

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"interview-pipeline/internal/models"
)

type Store interface {
	UpsertRecord(ctx context.Context, rec models.Record) (string, error)
	SetJobRecord(ctx context.Context, jobID, recordID string) error
}

// Invalidator drops cached reads keyed by company.
type Invalidator interface {
	Invalidate(ctx context.Context, companyID string) error
}

type Persister struct {
	store Store
	cache Invalidator
	log   *logrus.Entry
}

// NewPersister builds a persister. cache may be nil.
func NewPersister(st Store, cache Invalidator, log *logrus.Entry) *Persister {
	return &Persister{store: st, cache: cache, log: log}
}

// Result reports a persistence attempt. Err is set only when Success is false.
type Result struct {
	RecordID string
	Success  bool
	Err      string
}

// SaveRecord upserts the record keyed by job id; repeating it never creates
// a second row.
func (p *Persister) SaveRecord(ctx context.Context, jobID string, rec models.Record) (string, error) {
	rec.JobID = jobID
	id, err := p.store.UpsertRecord(ctx, rec)
	if err != nil {
		return "", fmt.Errorf("save record: %w", err)
	}
	return id, nil
}

func (p *Persister) UpdateJobRecord(ctx context.Context, jobID, recordID string) error {
	if err := p.store.SetJobRecord(ctx, jobID, recordID); err != nil {
		return fmt.Errorf("link record to job: %w", err)
	}
	return nil
}

// InvalidateCache is best-effort; failures are logged.
func (p *Persister) InvalidateCache(ctx context.Context, jobID, companyID string) {
	if p.cache == nil || companyID == "" {
		return
	}
	if err := p.cache.Invalidate(ctx, companyID); err != nil {
		p.log.WithFields(logrus.Fields{"job_id": jobID, "company_id": companyID}).WithError(err).Warn("cache invalidation failed")
	}
}

// CompleteRecordPersistence saves, links and invalidates. It reports errors
// in the Result instead of returning them.
func (p *Persister) CompleteRecordPersistence(ctx context.Context, jobID string, rec models.Record) Result {
	id, err := p.SaveRecord(ctx, jobID, rec)
	if err != nil {
		return Result{Err: err.Error()}
	}
	if err := p.UpdateJobRecord(ctx, jobID, id); err != nil {
		return Result{RecordID: id, Err: err.Error()}
	}
	p.InvalidateCache(ctx, jobID, rec.CompanyID)

	p.log.WithFields(logrus.Fields{"job_id": jobID, "record_id": id}).Info("record persisted")
	return Result{RecordID: id, Success: true}
}
