package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"interview-pipeline/internal/models"
)

// Store wraps pgxpool for Postgres persistence.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	FileID        string
	UserID        string
	CompanyID     string
	StaffID       string
	AudioFilePath string
	MaxAttempts   int
}

const jobColumns = `id, file_id, user_id, company_id, staff_id, audio_file_path, status, progress, current_step,
	status_message, error_message, attempts, max_attempts, timeout_reason, total_chunks, completed_chunks,
	record_id, started_at, heartbeat_at, timeout_at, completed_at, created_at, updated_at`

// CreateJob inserts a pending job row.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.ProcessingJob, error) {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO processing_jobs (id, file_id, user_id, company_id, staff_id, audio_file_path, status, max_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, id, p.FileID, p.UserID, p.CompanyID, p.StaffID, p.AudioFilePath, models.StatusPending, p.MaxAttempts, now)
	if err != nil {
		return models.ProcessingJob{}, fmt.Errorf("insert job: %w", err)
	}

	return models.ProcessingJob{
		ID:            id,
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
	}, nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(ctx context.Context, id string) (models.ProcessingJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM processing_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ProcessingJob{}, fmt.Errorf("job %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return models.ProcessingJob{}, fmt.Errorf("scan job: %w", err)
	}
	return job, nil
}

// AcquireJob moves a pending or failed job to processing in one conditional
// UPDATE. Only one caller can win for a given row; losers see acquired=false.
func (s *Store) AcquireJob(ctx context.Context, id string, now, timeoutAt time.Time) (int, bool, error) {
	var attempts int
	err := s.pool.QueryRow(ctx, `
		UPDATE processing_jobs
		SET status = $2, started_at = $3, heartbeat_at = $3, timeout_at = $4,
		    attempts = attempts + 1, timeout_reason = $5, error_message = NULL,
		    completed_at = NULL, progress = 0, current_step = '', updated_at = $3
		WHERE id = $1 AND status IN ($6, $7)
		RETURNING attempts
	`, id, models.StatusProcessing, now, timeoutAt, models.TimeoutNone, models.StatusPending, models.StatusFailed).Scan(&attempts)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("acquire job: %w", err)
	}
	return attempts, true, nil
}

// TouchHeartbeat refreshes heartbeat_at while the job is still processing
// under the given attempt.
func (s *Store) TouchHeartbeat(ctx context.Context, id string, attempt int, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs SET heartbeat_at = $2, updated_at = $2
		WHERE id = $1 AND status = $3 AND attempts = $4
	`, id, now, models.StatusProcessing, attempt)
	if err != nil {
		return false, fmt.Errorf("touch heartbeat: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FinishJob writes the terminal status of a job. The write only lands while
// the row is still processing under attempt; otherwise ErrLockLost.
func (s *Store) FinishJob(ctx context.Context, id string, attempt int, status models.JobStatus, reason models.TimeoutReason, errMsg *string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs
		SET status = $2, timeout_reason = $3, error_message = $4, completed_at = $5, updated_at = $5
		WHERE id = $1 AND status = $6 AND attempts = $7
	`, id, status, reason, errMsg, now, models.StatusProcessing, attempt)
	if err != nil {
		return fmt.Errorf("finish job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("finish job %s attempt %d: %w", id, attempt, models.ErrLockLost)
	}
	return nil
}

// StopJob manually fails a pending or processing job.
func (s *Store) StopJob(ctx context.Context, id, message string, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs
		SET status = $2, timeout_reason = $3, error_message = $4, completed_at = $5, updated_at = $5
		WHERE id = $1 AND status IN ($6, $7)
	`, id, models.StatusFailed, models.TimeoutManual, message, now, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("stop job: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// FailStalled force-fails processing jobs whose heartbeat is older than
// heartbeatBefore or whose timeout_at has passed.
func (s *Store) FailStalled(ctx context.Context, heartbeatBefore, now time.Time) ([]models.StalledJob, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE processing_jobs
		SET status = $3,
		    timeout_reason = CASE WHEN timeout_at < $2 THEN $4 ELSE $5 END,
		    error_message = CASE WHEN timeout_at < $2 THEN 'job exceeded maximum duration'
		                         ELSE 'worker heartbeat timed out' END,
		    completed_at = $2, updated_at = $2
		WHERE status = $6 AND (heartbeat_at < $1 OR timeout_at < $2)
		RETURNING id, timeout_reason, attempts, max_attempts
	`, heartbeatBefore, now, models.StatusFailed, models.TimeoutMaxRun, models.TimeoutHeartbeat, models.StatusProcessing)
	if err != nil {
		return nil, fmt.Errorf("fail stalled jobs: %w", err)
	}
	defer rows.Close()

	var out []models.StalledJob
	for rows.Next() {
		var sj models.StalledJob
		var reason string
		if err := rows.Scan(&sj.ID, &reason, &sj.Attempts, &sj.MaxAttempts); err != nil {
			return nil, fmt.Errorf("scan stalled job: %w", err)
		}
		sj.Reason = models.TimeoutReason(reason)
		out = append(out, sj)
	}
	return out, rows.Err()
}

// UpdateJobStatus records user-facing progress. The lifecycle status column is
// left to the lock manager.
func (s *Store) UpdateJobStatus(ctx context.Context, id string, u models.StatusUpdate) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs
		SET progress = $2, current_step = $3, status_message = $4,
		    error_message = COALESCE($5, error_message), updated_at = NOW()
		WHERE id = $1
	`, id, u.Progress, string(u.Step), u.Message, emptyToNil(u.ErrorMessage))
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// SetJobRecord back-fills the record reference on a job.
func (s *Store) SetJobRecord(ctx context.Context, jobID, recordID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE processing_jobs SET record_id = $2, updated_at = NOW() WHERE id = $1
	`, jobID, recordID)
	if err != nil {
		return fmt.Errorf("set job record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: %w", jobID, models.ErrNotFound)
	}
	return nil
}

// CountByStatus returns the number of jobs in a status.
func (s *Store) CountByStatus(ctx context.Context, status models.JobStatus) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM processing_jobs WHERE status = $1
	`, status).Scan(&n); err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

func scanJob(row pgx.Row) (models.ProcessingJob, error) {
	var (
		job                                       models.ProcessingJob
		status, reason                            string
		errMsg, recordID                          pgtype.Text
		startedAt, heartbeatAt, timeoutAt, doneAt pgtype.Timestamptz
	)
	err := row.Scan(&job.ID, &job.FileID, &job.UserID, &job.CompanyID, &job.StaffID, &job.AudioFilePath,
		&status, &job.Progress, &job.CurrentStep, &job.StatusMessage, &errMsg, &job.Attempts, &job.MaxAttempts,
		&reason, &job.TotalChunks, &job.CompletedChunks, &recordID, &startedAt, &heartbeatAt, &timeoutAt, &doneAt,
		&job.CreatedAt, &job.UpdatedAt)
	if err != nil {
		return models.ProcessingJob{}, err
	}
	job.Status = models.JobStatus(status)
	job.TimeoutReason = models.TimeoutReason(reason)
	job.ErrorMessage = textPtr(errMsg)
	job.RecordID = textPtr(recordID)
	job.StartedAt = timePtr(startedAt)
	job.HeartbeatAt = timePtr(heartbeatAt)
	job.TimeoutAt = timePtr(timeoutAt)
	job.CompletedAt = timePtr(doneAt)
	return job, nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if t.Valid {
		v := t.Time
		return &v
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
