package dispatcher

import (
	"context"
	"fmt"
	"time"
)

// Run drives the retry/timeout supervisor until ctx is cancelled. Each sweep
// fails tasks whose max wait elapsed, re-dispatches attempts whose deadline
// passed and retries the pending queue. A sweep runs on every SweepInterval
// tick and whenever a worker detaches.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			d.sweep()
		case <-d.wakeCh:
			d.sweep()
		}
	}
}

// wake schedules an early sweep without blocking.
func (d *Dispatcher) wake() {
	select {
	case d.wakeCh <- struct{}{}:
	default:
	}
}

// sweep performs one supervisor pass.
func (d *Dispatcher) sweep() {
	now := d.nowFunc()

	for _, removed := range d.tracker.takeOverdue(now) {
		d.failExpired(removed)
	}

	for _, attempt := range d.tracker.takeExpired(now) {
		d.retry(attempt.job, attempt.workerID,
			fmt.Sprintf("deadline exceeded on worker %s", attempt.workerID), false)
	}

	d.drainPending()
}
