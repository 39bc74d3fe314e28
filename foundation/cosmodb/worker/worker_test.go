package worker_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cosmoweb3/cosmodb/foundation/cosmodb"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/replica"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/worker"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

// endpoint accepts every probe and keeps the snapshots pushed to it.
type endpoint struct {
	mu    sync.Mutex
	snaps []replica.Snapshot
}

func (e *endpoint) Probe(ctx context.Context, host string) error {
	return nil
}

func (e *endpoint) Push(ctx context.Context, host string, snap replica.Snapshot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.snaps = append(e.snaps, snap)
	return nil
}

func (e *endpoint) latest() (replica.Snapshot, int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.snaps) == 0 {
		return replica.Snapshot{}, 0
	}
	return e.snaps[len(e.snaps)-1], len(e.snaps)
}

// unreachable fails every probe and push.
type unreachable struct{}

func (unreachable) Probe(ctx context.Context, host string) error {
	return errors.New("connection refused")
}

func (unreachable) Push(ctx context.Context, host string, snap replica.Snapshot) error {
	return errors.New("connection refused")
}

// =============================================================================

func Test_SnapshotPush(t *testing.T) {
	t.Log("Given the need to replicate inserts in the background.")
	{
		ep := endpoint{}

		db, err := cosmodb.New(cosmodb.Config{
			DataDir:        t.TempDir(),
			Secret:         "test-secret",
			Salt:           "test-salt-value",
			Client:         &ep,
			Discoverer:     replica.NewStaticDiscoverer([]string{"backup:9080"}),
			PoolSize:       1,
			RetryCount:     1,
			PushInterval:   10 * time.Millisecond,
			RotateInterval: time.Hour,
		})
		if err != nil {
			t.Fatalf("\t%s\tShould be able to open the store: %v", failed, err)
		}

		worker.Run(db, nil)
		defer db.Shutdown()

		if db.Stats().ReplicaCount != 1 {
			t.Fatalf("\t%s\tShould start with a live replica, got %d.", failed, db.Stats().ReplicaCount)
		}
		t.Logf("\t%s\tShould start with a live replica.", success)

		if _, err := db.Insert(context.Background(), "widgets", map[string]any{"country": "US", "name": "a"}); err != nil {
			t.Fatalf("\t%s\tShould be able to insert: %v", failed, err)
		}

		deadline := time.Now().Add(5 * time.Second)
		for {
			snap, n := ep.latest()
			if n > 0 && len(snap.Shards) == 1 {
				if err := snap.Verify(); err != nil {
					t.Fatalf("\t%s\tShould push an intact snapshot: %v", failed, err)
				}
				break
			}
			if time.Now().After(deadline) {
				t.Fatalf("\t%s\tShould push a snapshot after the insert.", failed)
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Logf("\t%s\tShould push an intact snapshot after the insert.", success)
	}
}

func Test_SignalCoalesces(t *testing.T) {
	db, err := cosmodb.New(cosmodb.Config{
		DataDir:        t.TempDir(),
		Secret:         "test-secret",
		Salt:           "test-salt-value",
		Client:         &endpoint{},
		Discoverer:     replica.NewStaticDiscoverer([]string{"backup:9080"}),
		PushInterval:   time.Hour,
		RotateInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to open the store: %v", failed, err)
	}

	w := worker.Run(db, nil)

	for i := 0; i < 100; i++ {
		w.SignalSnapshot()
	}

	done := make(chan struct{})
	go func() {
		db.Shutdown()
		close(done)
	}()

	select {
	case <-done:
		t.Logf("\t%s\tShould never block signaling and shut down while waiting on the limiter.", success)
	case <-time.After(5 * time.Second):
		t.Fatalf("\t%s\tShould shut down while waiting on the limiter.", failed)
	}
}

func Test_DegradedStaysQuiet(t *testing.T) {
	t.Log("Given a store running without any replica endpoint.")
	{
		ctx := context.Background()

		db, err := cosmodb.New(cosmodb.Config{
			DataDir:        t.TempDir(),
			Secret:         "test-secret",
			Salt:           "test-salt-value",
			Client:         unreachable{},
			Discoverer:     replica.NewStaticDiscoverer(nil),
			PoolSize:       1,
			RetryCount:     1,
			PushInterval:   10 * time.Millisecond,
			RotateInterval: time.Hour,
		})
		if err != nil {
			t.Fatalf("\t%s\tShould be able to open the store: %v", failed, err)
		}

		worker.Run(db, nil)
		defer db.Shutdown()

		if _, err := db.Insert(ctx, "widgets", map[string]any{"name": "a"}); err != nil {
			t.Fatalf("\t%s\tShould be able to insert: %v", failed, err)
		}

		// One error from startup and one from the first skipped push.
		deadline := time.Now().Add(5 * time.Second)
		for db.Stats().ErrorsRecorded < 2 {
			if time.Now().After(deadline) {
				t.Fatalf("\t%s\tShould record the skipped push, got %d errors.", failed, db.Stats().ErrorsRecorded)
			}
			time.Sleep(10 * time.Millisecond)
		}
		t.Logf("\t%s\tShould record the skipped push.", success)

		// Give a feedback loop many push intervals to show itself.
		time.Sleep(300 * time.Millisecond)

		if _, err := db.Insert(ctx, "widgets", map[string]any{"name": "b"}); err != nil {
			t.Fatalf("\t%s\tShould be able to insert: %v", failed, err)
		}
		time.Sleep(100 * time.Millisecond)

		if n := db.Stats().ErrorsRecorded; n != 2 {
			t.Fatalf("\t%s\tShould keep the error count bounded while idle, got %d.", failed, n)
		}
		t.Logf("\t%s\tShould keep the error count bounded while idle.", success)

		res, err := db.Find(ctx, cosmodb.ErrorsCollection, nil)
		if err != nil || len(res.Results) != 2 {
			t.Fatalf("\t%s\tShould persist only the two records, got %d: %v", failed, len(res.Results), err)
		}
		t.Logf("\t%s\tShould persist only the two records.", success)
	}
}
