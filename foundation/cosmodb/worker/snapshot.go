package worker

import (
	"time"

	"golang.org/x/time/rate"
)

// snapshotOperations handles pushing snapshots to the replica pool.
func (w *Worker) snapshotOperations() {
	w.evHandler("worker: snapshotOperations: G started")
	defer w.evHandler("worker: snapshotOperations: G completed")

	for {
		select {
		case <-w.snapshot:
			if !w.isShutdown() {
				w.runSnapshotOperation()
			}
		case <-w.shut:
			w.evHandler("worker: snapshotOperations: received shut signal")
			return
		}
	}
}

// runSnapshotOperation takes a snapshot of every shard and pushes it. Pushes
// are spaced by the push interval scaled by the self-heal backoff.
func (w *Worker) runSnapshotOperation() {
	w.evHandler("worker: runSnapshotOperation: started")
	defer w.evHandler("worker: runSnapshotOperation: completed")

	w.tuneLimiter()

	if err := w.limiter.Wait(w.ctx); err != nil {
		w.evHandler("worker: runSnapshotOperation: limiter: %s", err)
		return
	}

	// Failures taking the snapshot are recorded by the store.
	snap, err := w.db.Snapshot()
	if err != nil {
		w.evHandler("worker: runSnapshotOperation: WARNING: %s", err)
		return
	}

	// Failures are reported to the self-heal log by the replica manager.
	if err := w.db.PushSnapshot(w.ctx, snap); err != nil {
		w.evHandler("worker: runSnapshotOperation: WARNING: %s", err)
		return
	}

	w.evHandler("worker: runSnapshotOperation: digest[%s]: shards[%d]", snap.Digest, len(snap.Shards))
}

// tuneLimiter slows the push rate by the current backoff multiplier.
func (w *Worker) tuneLimiter() {
	m := w.db.BackoffMultiplier()
	if m < 1 {
		m = 1
	}

	limit := rate.Every(time.Duration(float64(w.pushInterval) * m))
	if w.limiter.Limit() != limit {
		w.evHandler("worker: tuneLimiter: backoff[%.3f]: interval[%s]", m, time.Duration(float64(w.pushInterval)*m))
		w.limiter.SetLimit(limit)
	}
}
