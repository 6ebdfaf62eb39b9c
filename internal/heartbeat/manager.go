// Package heartbeat owns exclusive job acquisition and worker liveness.
//
// AcquireLock is the only mutual-exclusion point in the system: it is a single
// conditional UPDATE in the store, so it holds across processes and hosts.
// While a job runs, a Pulse refreshes heartbeat_at on a fixed interval; the
// Sweeper fails jobs whose heartbeat went quiet so they can be retried.
package heartbeat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"interview-pipeline/internal/models"
	"interview-pipeline/internal/telemetry"
)

// Store is the subset of job persistence the lock manager needs.
type Store interface {
	AcquireJob(ctx context.Context, id string, now, timeoutAt time.Time) (int, bool, error)
	GetJob(ctx context.Context, id string) (models.ProcessingJob, error)
	TouchHeartbeat(ctx context.Context, id string, attempt int, now time.Time) (bool, error)
	FinishJob(ctx context.Context, id string, attempt int, status models.JobStatus, reason models.TimeoutReason, errMsg *string, now time.Time) error
}

// LockReason explains a failed acquisition.
type LockReason string

const (
	ReasonNone              LockReason = ""
	ReasonAlreadyProcessing LockReason = "already_processing"
	ReasonInvalidStatus     LockReason = "invalid_status"
	ReasonJobNotFound       LockReason = "job_not_found"
	ReasonError             LockReason = "error"
)

// LockResult is returned by AcquireLock. Contention is a value, not an error.
// Attempts of an acquired lock fences every later write for the job.
type LockResult struct {
	Acquired bool
	Attempts int
	Reason   LockReason
	Err      error
}

// Options configures the manager.
type Options struct {
	Interval    time.Duration
	MaxDuration time.Duration
}

// Manager acquires job locks and tracks this process's running pulses.
type Manager struct {
	store       Store
	interval    time.Duration
	maxDuration time.Duration
	log         *logrus.Entry
	now         func() time.Time

	mu     sync.Mutex
	active map[string]*Pulse
}

// NewManager builds a lock manager. Zero options fall back to 30s / 60m.
func NewManager(st Store, opts Options, log *logrus.Entry) *Manager {
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = 60 * time.Minute
	}
	return &Manager{
		store:       st,
		interval:    opts.Interval,
		maxDuration: opts.MaxDuration,
		log:         log,
		now:         func() time.Time { return time.Now().UTC() },
		active:      make(map[string]*Pulse),
	}
}

// AcquireLock atomically moves a pending/failed job to processing. When the
// conditional update matches nothing, the current row is read only to
// classify the reason.
func (m *Manager) AcquireLock(ctx context.Context, jobID string) LockResult {
	now := m.now()
	attempts, ok, err := m.store.AcquireJob(ctx, jobID, now, now.Add(m.maxDuration))
	if err != nil {
		m.log.WithField("job_id", jobID).WithError(err).Error("lock acquisition failed")
		telemetry.LockResults.WithLabelValues(string(ReasonError)).Inc()
		return LockResult{Reason: ReasonError, Err: err}
	}
	if ok {
		telemetry.LockResults.WithLabelValues("acquired").Inc()
		return LockResult{Acquired: true, Attempts: attempts}
	}

	res := LockResult{Reason: ReasonAlreadyProcessing}
	job, err := m.store.GetJob(ctx, jobID)
	switch {
	case errors.Is(err, models.ErrNotFound):
		res.Reason = ReasonJobNotFound
	case err != nil:
		res.Reason = ReasonError
		res.Err = err
	case job.Status == models.StatusCompleted:
		res.Reason = ReasonInvalidStatus
		res.Attempts = job.Attempts
	default:
		// processing, or a pending/failed row that changed under us: another worker won.
		res.Attempts = job.Attempts
	}
	telemetry.LockResults.WithLabelValues(string(res.Reason)).Inc()
	return res
}

// UpdateHeartbeat refreshes heartbeat_at for the attempt holding the lock.
// Failures are logged and swallowed.
func (m *Manager) UpdateHeartbeat(ctx context.Context, jobID string, attempt int) {
	touched, err := m.store.TouchHeartbeat(ctx, jobID, attempt, m.now())
	if err != nil {
		telemetry.HeartbeatErrors.Inc()
		m.log.WithField("job_id", jobID).WithError(err).Warn("heartbeat update failed")
		return
	}
	if !touched {
		telemetry.HeartbeatErrors.Inc()
		m.log.WithFields(logrus.Fields{"job_id": jobID, "attempt": attempt}).Warn("heartbeat rejected: lock lost")
	}
}

// StartHeartbeat begins a recurring heartbeat for the attempt holding jobID
// and registers it as the job's active pulse. A pulse already running for
// the job is replaced.
func (m *Manager) StartHeartbeat(ctx context.Context, jobID string, attempt int) *Pulse {
	p := &Pulse{
		jobID:   jobID,
		attempt: attempt,
		owner:   m,
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}

	m.mu.Lock()
	prev := m.active[jobID]
	m.active[jobID] = p
	m.mu.Unlock()
	if prev != nil {
		prev.halt()
	}

	go p.run(ctx, m.interval)
	return p
}

// ActivePulses reports how many heartbeats this process is running.
func (m *Manager) ActivePulses() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// StopHeartbeat stops the job's active pulse, if any.
func (m *Manager) StopHeartbeat(jobID string) {
	m.mu.Lock()
	p := m.active[jobID]
	m.mu.Unlock()
	if p != nil {
		p.Stop()
	}
}

func (m *Manager) stopAttempt(jobID string, attempt int) {
	m.mu.Lock()
	p := m.active[jobID]
	m.mu.Unlock()
	if p != nil && p.attempt == attempt {
		p.Stop()
	}
}

// EndJob writes the terminal status for the attempt holding the lock. The
// job's pulse is stopped first so no heartbeat lands after the terminal
// write. A sweep or a newer attempt makes it return models.ErrLockLost and
// leaves the row alone.
func (m *Manager) EndJob(ctx context.Context, jobID string, attempt int, status models.JobStatus, reason models.TimeoutReason, errMsg string) error {
	m.stopAttempt(jobID, attempt)
	var msg *string
	if errMsg != "" {
		msg = &errMsg
	}
	err := m.store.FinishJob(ctx, jobID, attempt, status, reason, msg, m.now())
	if errors.Is(err, models.ErrLockLost) {
		telemetry.LockResults.WithLabelValues("lost").Inc()
		m.log.WithFields(logrus.Fields{"job_id": jobID, "attempt": attempt, "status": status}).Warn("terminal write rejected: lock lost")
	}
	return err
}

// CanRetryJob reports attempts < max_attempts.
func (m *Manager) CanRetryJob(ctx context.Context, jobID string) (bool, error) {
	job, err := m.store.GetJob(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.CanRetry(), nil
}

func (m *Manager) release(p *Pulse) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active[p.jobID] == p {
		delete(m.active, p.jobID)
	}
}
