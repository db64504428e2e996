package outbox

import (
	"context"
	"time"
)

// Worker polls the intent table and delivers pending intents. Multiple
// workers may poll the same table concurrently; the claim step in
// ProcessPending keeps them from double-delivering.
type Worker struct {
	outbox   *Outbox
	interval time.Duration
	batch    int
}

// NewWorker creates a delivery worker. interval defaults to 5s and
// batch to 50 when zero.
func NewWorker(o *Outbox, interval time.Duration, batch int) *Worker {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if batch <= 0 {
		batch = 50
	}
	return &Worker{outbox: o, interval: interval, batch: batch}
}

// Run polls until ctx is cancelled. Poll errors are logged and the
// loop continues; a broken store round does not kill the worker.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		// Drain before the first tick so a fresh worker delivers
		// promptly after restart.
		if _, err := w.outbox.ProcessPending(ctx, w.batch); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.outbox.logger.Error("outbox poll failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
