package heartbeat

import (
	"context"
	"sync"
	"time"
)

// Pulse is one job's recurring heartbeat. Stop is idempotent and returns only
// after the pulse goroutine has exited, so no write happens after it.
type Pulse struct {
	jobID   string
	attempt int
	owner   *Manager
	once    sync.Once
	stop    chan struct{}
	stopped chan struct{}
}

// Stop halts the pulse and releases it from the manager.
func (p *Pulse) Stop() {
	if p == nil {
		return
	}
	p.halt()
	p.owner.release(p)
}

func (p *Pulse) halt() {
	p.once.Do(func() { close(p.stop) })
	<-p.stopped
}

func (p *Pulse) run(ctx context.Context, interval time.Duration) {
	defer close(p.stopped)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case <-p.stop:
				return
			default:
			}
			p.owner.UpdateHeartbeat(ctx, p.jobID, p.attempt)
		}
	}
}
