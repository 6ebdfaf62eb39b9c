// Package pipeline runs one interview audio job end to end:
// lock, convert, split, transcribe, extract, persist and clean up.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"interview-pipeline/internal/audio"
	"interview-pipeline/internal/extraction"
	"interview-pipeline/internal/heartbeat"
	"interview-pipeline/internal/models"
	"interview-pipeline/internal/persist"
	"interview-pipeline/internal/steps"
	"interview-pipeline/internal/stt"
	"interview-pipeline/internal/telemetry"
)

// Reporter receives user-visible job and chunk progress. Implementations
// must be idempotent for repeated identical calls.
type Reporter interface {
	UpdateJobStatus(ctx context.Context, jobID string, u models.StatusUpdate) error
	RegisterChunks(ctx context.Context, jobID string, count int) error
	UpdateChunkStatus(ctx context.Context, jobID string, index int, r models.ChunkResult) error
}

type Converter interface {
	ConvertToMp3(ctx context.Context, jobID, path string) (audio.ConvertResult, error)
}

type Splitter interface {
	SplitAudioWithSilenceDetection(ctx context.Context, jobID, path string) ([]models.Chunk, error)
	CleanupChunkFiles(jobID string, chunks []models.Chunk, processedPath string)
}

type Extractor interface {
	ExecuteMainWorkflow(ctx context.Context, jobID, text string) (json.RawMessage, error)
	ParseOutputs(jobID string, raw json.RawMessage) extraction.Outputs
}

// Deps wires the orchestrator's collaborators.
type Deps struct {
	Locks     *heartbeat.Manager
	Steps     *steps.Tracker
	Converter Converter
	Splitter  Splitter
	STT       *stt.Processor
	Extractor Extractor
	Persister *persist.Persister
	Log       *logrus.Entry
}

type Orchestrator struct {
	Deps
}

func New(d Deps) *Orchestrator {
	return &Orchestrator{Deps: d}
}

// Job identifies the audio to process and who it belongs to. AudioFilePath
// is the local file the pipeline reads; StoragePath, when set, is what the
// record stores instead.
type Job struct {
	ID            string
	AudioFilePath string
	StoragePath   string
	FileID        string
	UserID        string
	CompanyID     string
	StaffID       string
}

func (j Job) recordPath() string {
	if j.StoragePath != "" {
		return j.StoragePath
	}
	return j.AudioFilePath
}

// Outcome is the result of one ProcessAudioJob call. LockLost means the
// terminal write was rejected because the job was swept or re-acquired by a
// newer attempt; the row belongs to someone else now.
type Outcome struct {
	Success       bool
	RecordID      string
	QualityStatus models.QualityStatus
	FailedStep    models.StepName
	Attempts      int
	LockLost      bool
	Err           error
}

// Fixed progress checkpoints; STT refines its own band per chunk.
const (
	progressConvert  = 5
	progressSplit    = 10
	progressSTT      = stt.ProgressStart
	progressWorkflow = stt.ProgressEnd
	progressPersist  = 95
	progressCleanup  = 98
	progressDone     = 100
)

// finalizeTimeout bounds the terminal writes, which run on a context that
// survives cancellation of the job context.
const finalizeTimeout = 15 * time.Second

func finalizeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), finalizeTimeout)
}

// ProcessAudioJob runs the whole pipeline for one job. Any step error is
// converted into a terminal failed status here and nowhere else. A lock that
// cannot be acquired returns before any step runs.
func (o *Orchestrator) ProcessAudioJob(ctx context.Context, job Job, rep Reporter) (out Outcome) {
	log := o.Log.WithField("job_id", job.ID)

	lock := o.Locks.AcquireLock(ctx, job.ID)
	if !lock.Acquired {
		log.WithField("reason", lock.Reason).Info("job lock not acquired")
		return Outcome{Attempts: lock.Attempts, Err: &LockError{Reason: lock.Reason, Err: lock.Err}}
	}
	telemetry.JobsStarted.Inc()
	log = log.WithField("attempt", lock.Attempts)
	log.Info("job started")

	pulse := o.Locks.StartHeartbeat(ctx, job.ID, lock.Attempts)
	defer pulse.Stop()

	r := &run{o: o, job: job, rep: rep, log: log, attempt: lock.Attempts}
	defer func() {
		if p := recover(); p != nil {
			err := &StepError{Step: r.active, Err: fmt.Errorf("panic: %v", p)}
			out = r.fail(ctx, err)
			out.Attempts = lock.Attempts
		}
	}()

	res, err := r.execute(ctx)
	if err != nil {
		out = r.fail(ctx, err)
		out.Attempts = lock.Attempts
		return out
	}

	fctx, cancel := finalizeContext(ctx)
	defer cancel()
	if err := o.Locks.EndJob(fctx, job.ID, lock.Attempts, models.StatusCompleted, models.TimeoutNone, ""); err != nil {
		lost := errors.Is(err, models.ErrLockLost)
		if lost {
			log.WithError(err).Warn("lock lost before completion; record kept, row left to its owner")
		} else {
			log.WithError(err).Error("could not mark job completed")
		}
		return Outcome{RecordID: res.recordID, Attempts: lock.Attempts, LockLost: lost, Err: fmt.Errorf("finalize job: %w", err)}
	}
	r.report(fctx, models.StatusUpdate{
		Status:   models.StatusCompleted,
		Step:     models.StepCleanup,
		Progress: progressDone,
		Message:  completionMessage(res.quality),
	})

	telemetry.JobsCompleted.WithLabelValues(string(res.quality.Status)).Inc()
	log.WithFields(logrus.Fields{
		"record_id":    res.recordID,
		"quality":      res.quality.Status,
		"success_rate": res.quality.SuccessRate,
	}).Info("job completed")

	return Outcome{
		Success:       true,
		RecordID:      res.recordID,
		QualityStatus: res.quality.Status,
		Attempts:      lock.Attempts,
	}
}

func completionMessage(q stt.Quality) string {
	if q.Status == models.QualityComplete {
		return "Processing complete"
	}
	return fmt.Sprintf("Processing complete with partial transcription: %d of %d chunks transcribed (%.0f%%)",
		len(q.Successful), q.TotalChunks, q.SuccessRate*100)
}

// run holds the per-call state of one ProcessAudioJob invocation.
type run struct {
	o        *Orchestrator
	job      Job
	rep      Reporter
	log      *logrus.Entry
	attempt  int
	active   models.StepName
	progress int
}

// fail records the failure against the active step, writes the terminal
// status and reports it. Errors while doing so are logged only. The writes
// run on a detached context so a cancelled job still records its failure.
func (r *run) fail(ctx context.Context, err error) Outcome {
	ctx, cancel := finalizeContext(ctx)
	defer cancel()

	step := FailedStep(err)
	cause := err
	var se *StepError
	if errors.As(err, &se) {
		cause = se.Err
	}

	if step != "" {
		if ferr := r.o.Steps.FailStep(ctx, r.job.ID, step, cause); ferr != nil {
			r.log.WithError(ferr).Warn("could not record step failure")
		}
	}
	if eerr := r.o.Locks.EndJob(ctx, r.job.ID, r.attempt, models.StatusFailed, models.TimeoutNone, err.Error()); eerr != nil {
		if errors.Is(eerr, models.ErrLockLost) {
			r.log.WithField("step", step).WithError(err).Warn("job failed after its lock was lost; row left to its owner")
			return Outcome{FailedStep: step, LockLost: true, Err: err}
		}
		r.log.WithError(eerr).Error("could not mark job failed")
	}

	msg := "Processing failed"
	if step != "" {
		msg = fmt.Sprintf("Processing failed at step %s", step)
	}
	r.report(ctx, models.StatusUpdate{
		Status:       models.StatusFailed,
		Step:         step,
		Progress:     r.progress,
		Message:      msg,
		ErrorMessage: cause.Error(),
	})

	label := string(step)
	if label == "" {
		label = "init"
	}
	telemetry.JobsFailed.WithLabelValues(label).Inc()
	r.log.WithField("step", step).WithError(cause).Error("job failed")

	return Outcome{FailedStep: step, Err: err}
}

// report writes a status update whose failure must not mask the outcome.
func (r *run) report(ctx context.Context, u models.StatusUpdate) {
	if err := r.rep.UpdateJobStatus(ctx, r.job.ID, u); err != nil {
		r.log.WithError(err).Warn("status update failed")
	}
}

// enter publishes the step's checkpoint and marks the step running.
func (r *run) enter(ctx context.Context, step models.StepName, progress int, message string) error {
	r.active = step
	r.progress = progress
	if err := r.rep.UpdateJobStatus(ctx, r.job.ID, models.StatusUpdate{
		Status:   models.StatusProcessing,
		Step:     step,
		Progress: progress,
		Message:  message,
	}); err != nil {
		return &StepError{Step: step, Err: fmt.Errorf("update status: %w", err)}
	}
	if err := r.o.Steps.StartStep(ctx, r.job.ID, step); err != nil {
		return &StepError{Step: step, Err: err}
	}
	return nil
}

// leave completes the step, refreshes the heartbeat and records timing.
func (r *run) leave(ctx context.Context, step models.StepName, started time.Time, meta any) error {
	if err := r.o.Steps.CompleteStep(ctx, r.job.ID, step, meta); err != nil {
		return &StepError{Step: step, Err: err}
	}
	r.o.Locks.UpdateHeartbeat(ctx, r.job.ID, r.attempt)
	telemetry.StepDuration.WithLabelValues(string(step), string(models.StepCompleted)).Observe(time.Since(started).Seconds())
	return nil
}

// stage runs fn as step: checkpoint, start, work, complete. fn returns the
// next stage value and the step's result metadata.
func stage[T any](ctx context.Context, r *run, step models.StepName, progress int, message string, fn func(context.Context) (T, any, error)) (T, error) {
	var zero T
	if err := r.enter(ctx, step, progress, message); err != nil {
		return zero, err
	}
	started := time.Now()
	v, meta, err := fn(ctx)
	if err != nil {
		telemetry.StepDuration.WithLabelValues(string(step), string(models.StepFailed)).Observe(time.Since(started).Seconds())
		return zero, &StepError{Step: step, Err: err}
	}
	if err := r.leave(ctx, step, started, meta); err != nil {
		return zero, err
	}
	return v, nil
}
