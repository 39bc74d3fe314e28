// Package worker implements snapshot pushes and replica rotation for the
// document store.
package worker

import (
	"context"
	"sync"
	"time"

	"github.com/cosmoweb3/cosmodb/foundation/cosmodb"
	"golang.org/x/time/rate"
)

// Defaults used when the store carries no interval.
const (
	defaultPushInterval   = time.Second
	defaultRotateInterval = time.Minute
)

// =============================================================================

// Worker manages the replication workflows for the store.
type Worker struct {
	db           *cosmodb.DB
	wg           sync.WaitGroup
	ticker       *time.Ticker
	shut         chan struct{}
	ctx          context.Context
	cancel       context.CancelFunc
	snapshot     chan bool
	limiter      *rate.Limiter
	pushInterval time.Duration
	evHandler    cosmodb.EventHandler
}

// Run creates a worker, registers the worker with the store, and
// starts up all the background processes.
func Run(db *cosmodb.DB, evHandler cosmodb.EventHandler) *Worker {
	ev := func(v string, args ...any) {
		if evHandler != nil {
			evHandler(v, args...)
		}
	}

	pushInterval := db.PushInterval()
	if pushInterval <= 0 {
		pushInterval = defaultPushInterval
	}

	rotateInterval := db.RotateInterval()
	if rotateInterval <= 0 {
		rotateInterval = defaultRotateInterval
	}

	ctx, cancel := context.WithCancel(context.Background())

	w := Worker{
		db:           db,
		ticker:       time.NewTicker(rotateInterval),
		shut:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
		snapshot:     make(chan bool, 1),
		limiter:      rate.NewLimiter(rate.Every(pushInterval), 1),
		pushInterval: pushInterval,
		evHandler:    ev,
	}

	// Register this worker with the store.
	db.Worker = &w

	// Establish the replica pool before starting any support G's.
	if err := db.InitializeReplicas(ctx); err != nil {
		w.evHandler("worker: Run: initialize replicas: ERROR: %s", err)
	}

	// Load the set of operations we need to run.
	operations := []func(){
		w.snapshotOperations,
		w.rotateOperations,
	}

	// Set waitgroup to match the number of G's we need for the set
	// of operations we have.
	g := len(operations)
	w.wg.Add(g)

	// We don't want to return until we know all the G's are up and running.
	hasStarted := make(chan bool)

	// Start all the operational G's.
	for _, op := range operations {
		go func(op func()) {
			defer w.wg.Done()
			hasStarted <- true
			op()
		}(op)
	}

	// Wait for the G's to report they are running.
	for i := 0; i < g; i++ {
		<-hasStarted
	}

	return &w
}

// =============================================================================
// These methods implement the cosmodb.Worker interface.

// Shutdown terminates the goroutines performing work.
func (w *Worker) Shutdown() {
	w.evHandler("worker: shutdown: started")
	defer w.evHandler("worker: shutdown: completed")

	w.evHandler("worker: shutdown: stop ticker")
	w.ticker.Stop()

	w.evHandler("worker: shutdown: cancel network calls")
	w.cancel()

	w.evHandler("worker: shutdown: terminate goroutines")
	close(w.shut)
	w.wg.Wait()
}

// SignalSnapshot requests a snapshot push. If there is already a signal
// pending in the channel, just return since a push will happen and it will
// include the latest writes.
func (w *Worker) SignalSnapshot() {
	select {
	case w.snapshot <- true:
		w.evHandler("worker: SignalSnapshot: push signaled")
	default:
	}
}

// =============================================================================

// isShutdown is used to test if a shutdown has been signaled.
func (w *Worker) isShutdown() bool {
	select {
	case <-w.shut:
		return true
	default:
		return false
	}
}
