package heartbeat

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"interview-pipeline/internal/models"
	"interview-pipeline/internal/telemetry"
)

// StallStore is what the sweeper needs from persistence.
type StallStore interface {
	FailStalled(ctx context.Context, heartbeatBefore, now time.Time) ([]models.StalledJob, error)
}

// Sweeper force-fails processing jobs whose worker stopped heartbeating or
// that ran past timeout_at, making them eligible for a new attempt.
type Sweeper struct {
	store   StallStore
	timeout time.Duration
	log     *logrus.Entry
	now     func() time.Time
}

func NewSweeper(st StallStore, heartbeatTimeout time.Duration, log *logrus.Entry) *Sweeper {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 5 * time.Minute
	}
	return &Sweeper{
		store:   st,
		timeout: heartbeatTimeout,
		log:     log,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Sweep runs one pass and returns the jobs it failed.
func (s *Sweeper) Sweep(ctx context.Context) ([]models.StalledJob, error) {
	now := s.now()
	swept, err := s.store.FailStalled(ctx, now.Add(-s.timeout), now)
	if err != nil {
		return nil, err
	}
	for _, j := range swept {
		telemetry.SweptJobs.WithLabelValues(string(j.Reason)).Inc()
		s.log.WithFields(logrus.Fields{
			"job_id":   j.ID,
			"reason":   j.Reason,
			"attempts": j.Attempts,
		}).Warn("stalled job force-failed")
	}
	return swept, nil
}
