package worker

// rotateOperations handles the periodic check of the replica pool.
func (w *Worker) rotateOperations() {
	w.evHandler("worker: rotateOperations: G started")
	defer w.evHandler("worker: rotateOperations: G completed")

	for {
		select {
		case <-w.ticker.C:
			if !w.isShutdown() {
				w.runRotateOperation()
			}
		case <-w.shut:
			w.evHandler("worker: rotateOperations: received shut signal")
			return
		}
	}
}

// runRotateOperation replaces dead endpoints. An empty pool is refilled
// instead, since there is nothing to probe.
func (w *Worker) runRotateOperation() {
	w.evHandler("worker: runRotateOperation: started")
	defer w.evHandler("worker: runRotateOperation: completed")

	if w.db.Stats().ReplicaCount == 0 {
		w.db.RefillReplicas(w.ctx)
		return
	}

	if err := w.db.RotateReplicas(w.ctx); err != nil {
		w.evHandler("worker: runRotateOperation: WARNING: %s", err)
	}

	w.db.RefillReplicas(w.ctx)
}
