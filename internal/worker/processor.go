package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"interview-pipeline/internal/blob"
	"interview-pipeline/internal/config"
	"interview-pipeline/internal/heartbeat"
	"interview-pipeline/internal/models"
	"interview-pipeline/internal/pipeline"
	"interview-pipeline/internal/queue"
	"interview-pipeline/internal/stt"
	"interview-pipeline/internal/telemetry"
)

// JobStore is what the worker reads jobs from and reports progress to.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.ProcessingJob, error)
	CountByStatus(ctx context.Context, status models.JobStatus) (int64, error)
	pipeline.Reporter
}

// bookkeepingTimeout bounds queue writes after a run. They use a context
// detached from the loop's so a shutdown still acks, schedules or
// dead-letters the delivery it was handling.
const bookkeepingTimeout = 10 * time.Second

func detached(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
}

// Processor drives the worker execution loop.
type Processor struct {
	cfg      config.Config
	queue    *queue.RedisQueue
	store    JobStore
	blobs    blob.Store
	orch     *pipeline.Orchestrator
	locks    *heartbeat.Manager
	sweeper  *heartbeat.Sweeper
	log      *logrus.Entry
	workerID string
}

type Deps struct {
	Queue    *queue.RedisQueue
	Store    JobStore
	Blobs    blob.Store
	Orch     *pipeline.Orchestrator
	Locks    *heartbeat.Manager
	Sweeper  *heartbeat.Sweeper
	Log      *logrus.Entry
	WorkerID string
}

func NewProcessor(cfg config.Config, d Deps) *Processor {
	return &Processor{
		cfg:      cfg,
		queue:    d.Queue,
		store:    d.Store,
		blobs:    d.Blobs,
		orch:     d.Orch,
		locks:    d.Locks,
		sweeper:  d.Sweeper,
		log:      d.Log.WithField("worker_id", d.WorkerID),
		workerID: d.WorkerID,
	}
}

// Run starts the main worker loop until context cancellation.
func (p *Processor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), 100)
		if reclaimed, _ := p.queue.RequeueExpired(ctx, time.Now(), 100); len(reclaimed) > 0 {
			p.log.WithField("jobs", reclaimed).Warn("reclaimed expired leases")
		}
		if depth, err := p.queue.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}

		handled, err := p.ProcessNext(ctx)
		if err != nil {
			p.log.WithError(err).Warn("dequeue failed")
		}
		if !handled {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.cfg.WorkerPollInterval):
			}
		}
	}
}

// RunSweeper fails stalled jobs every SweepInterval and re-dispatches the
// ones that still have attempts left.
func (p *Processor) RunSweeper(ctx context.Context) error {
	interval := p.cfg.SweepInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := p.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			p.log.WithError(err).Error("stall sweep failed")
		}
		p.RecordJobCounts(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (p *Processor) SweepOnce(ctx context.Context) error {
	swept, err := p.sweeper.Sweep(ctx)
	if err != nil {
		return err
	}
	for _, j := range swept {
		if j.Attempts < j.MaxAttempts {
			_ = p.queue.Enqueue(ctx, j.ID)
			telemetry.JobsRetried.Inc()
			continue
		}
		_ = p.queue.DLQPush(ctx, j.ID)
		telemetry.JobsDeadLetter.Inc()
	}
	return nil
}

// RecordJobCounts publishes how many rows sit in each non-terminal status.
func (p *Processor) RecordJobCounts(ctx context.Context) {
	for _, status := range []models.JobStatus{models.StatusPending, models.StatusProcessing} {
		n, err := p.store.CountByStatus(ctx, status)
		if err != nil {
			p.log.WithError(err).WithField("status", status).Warn("count jobs failed")
			continue
		}
		telemetry.JobsByStatus.WithLabelValues(string(status)).Set(float64(n))
	}
}

// holdLease keeps extending the delivery's lease until the returned func is
// called, so a run longer than the visibility timeout is not redelivered.
func (p *Processor) holdLease(ctx context.Context, jobID string) (release func()) {
	interval := p.queue.Visibility() / 3
	if interval <= 0 {
		return func() {}
	}
	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.queue.ExtendLease(ctx, jobID); err != nil {
					p.log.WithField("job_id", jobID).WithError(err).Warn("extend lease failed")
				}
			}
		}
	}()
	return func() {
		close(done)
		<-exited
	}
}

// ProcessNext handles at most one delivery. It reports false when the
// ready list was empty.
func (p *Processor) ProcessNext(ctx context.Context) (bool, error) {
	jobID, err := p.queue.DequeueWithLease(ctx)
	if err != nil || jobID == "" {
		return false, err
	}
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	p.handle(ctx, jobID)
	return true, nil
}

func (p *Processor) handle(ctx context.Context, jobID string) {
	log := p.log.WithField("job_id", jobID)

	job, err := p.store.GetJob(ctx, jobID)
	if errors.Is(err, models.ErrNotFound) {
		log.Warn("dropping delivery for unknown job")
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if err != nil {
		// Lease expiry will redeliver it.
		log.WithError(err).Error("load job")
		return
	}
	if job.Status == models.StatusCompleted || job.Status == models.StatusProcessing {
		log.WithField("status", job.Status).Info("skipping delivery")
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if job.Status == models.StatusFailed && job.TimeoutReason == models.TimeoutManual {
		log.Info("skipping cancelled job")
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if job.Status == models.StatusFailed && !job.CanRetry() {
		_ = p.queue.Ack(ctx, jobID)
		_ = p.queue.DLQPush(ctx, jobID)
		telemetry.JobsDeadLetter.Inc()
		log.WithField("attempts", job.Attempts).Warn("no attempts left, dead-lettered")
		return
	}

	release := p.holdLease(ctx, jobID)
	workDir := filepath.Join(p.cfg.WorkDir, job.ID)
	defer func() {
		if err := os.RemoveAll(workDir); err != nil {
			log.WithError(err).Warn("remove work dir")
		}
	}()

	local := filepath.Join(workDir, "source"+filepath.Ext(job.AudioFilePath))
	if err := blob.Fetch(ctx, p.blobs, job.AudioFilePath, local); err != nil {
		release()
		bctx, cancel := detached(ctx)
		defer cancel()
		log.WithError(err).Error("fetch audio")
		_ = p.queue.Ack(bctx, jobID)
		if errors.Is(err, models.ErrNotFound) {
			_ = p.queue.DLQPush(bctx, jobID)
			telemetry.JobsDeadLetter.Inc()
			return
		}
		_ = p.queue.Schedule(bctx, jobID, time.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, job.Attempts+1)))
		return
	}

	out := p.orch.ProcessAudioJob(ctx, pipeline.Job{
		ID:            job.ID,
		AudioFilePath: local,
		StoragePath:   job.AudioFilePath,
		FileID:        job.FileID,
		UserID:        job.UserID,
		CompanyID:     job.CompanyID,
		StaffID:       job.StaffID,
	}, p.store)
	release()

	bctx, cancel := detached(ctx)
	defer cancel()
	_ = p.queue.Ack(bctx, jobID)

	var lockErr *pipeline.LockError
	switch {
	case out.Success:
		return
	case out.LockLost:
		log.WithField("attempt", out.Attempts).Warn("lock lost during run; leaving job to its current owner")
		return
	case pipeline.IsLockContention(out.Err):
		return
	case errors.As(out.Err, &lockErr):
		// Store unreachable: no attempt was consumed.
		_ = p.queue.Schedule(bctx, jobID, time.Now().Add(backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, 1)))
		return
	}
	p.afterFailure(bctx, log, job, out)
}

// afterFailure schedules another attempt or dead-letters the job.
func (p *Processor) afterFailure(ctx context.Context, log *logrus.Entry, job models.ProcessingJob, out pipeline.Outcome) {
	attempts := out.Attempts
	if attempts == 0 {
		attempts = job.Attempts
	}
	retryable := !stt.IsInsufficientSuccessRate(out.Err)
	canRetry := false
	if retryable {
		ok, err := p.locks.CanRetryJob(ctx, job.ID)
		if err != nil {
			log.WithError(err).Warn("could not check retry budget")
		}
		canRetry = ok
	}

	if !canRetry {
		_ = p.queue.DLQPush(ctx, job.ID)
		telemetry.JobsDeadLetter.Inc()
		log.WithField("attempts", attempts).WithError(out.Err).Warn("job dead-lettered")
		return
	}

	wait := backoffWithJitter(p.cfg.BackoffInitial, p.cfg.BackoffMax, attempts)
	_ = p.queue.Schedule(ctx, job.ID, time.Now().Add(wait))
	telemetry.JobsRetried.Inc()
	log.WithFields(logrus.Fields{"attempts": attempts, "retry_in": wait.String()}).Info("retry scheduled")
}

func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if max > 0 && wait > max {
		wait = max
	}
	if wait < 2 {
		return wait
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
