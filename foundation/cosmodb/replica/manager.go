package replica

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrorHandler is called with every replication failure. It is never
// called while the manager holds its locks.
type ErrorHandler func(ctx context.Context, operation string, message string)

// Config represents the configuration required to construct a manager.
type Config struct {
	Client      Client
	Discoverer  Discoverer
	PoolSize    int
	RetryCount  int
	RetryDelay  time.Duration
	CallTimeout time.Duration
	EvHandler   EventHandler
	ErrHandler  ErrorHandler
}

// report is an error waiting to be handed to the error handler.
type report struct {
	operation string
	message   string
}

// Manager owns the pool of endpoints. The op mutex serializes Initialize,
// SnapshotPush and Rotate. The pool mutex protects the slice itself so
// readers like Count don't wait behind a slow network operation.
type Manager struct {
	client      Client
	discoverer  Discoverer
	poolSize    int
	retryCount  int
	retryDelay  time.Duration
	callTimeout time.Duration
	evHandler   EventHandler
	errHandler  ErrorHandler

	opMu      sync.Mutex
	idleNoted bool

	mu   sync.RWMutex
	pool []Endpoint
}

// NewManager constructs a manager with an empty pool.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Client == nil {
		return nil, errors.New("replica client is required")
	}
	if cfg.Discoverer == nil {
		return nil, errors.New("replica discoverer is required")
	}

	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.RetryCount <= 0 {
		cfg.RetryCount = 1
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	eh := func(ctx context.Context, operation string, message string) {
		if cfg.ErrHandler != nil {
			cfg.ErrHandler(ctx, operation, message)
		}
	}

	m := Manager{
		client:      cfg.Client,
		discoverer:  cfg.Discoverer,
		poolSize:    cfg.PoolSize,
		retryCount:  cfg.RetryCount,
		retryDelay:  cfg.RetryDelay,
		callTimeout: cfg.CallTimeout,
		evHandler:   ev,
		errHandler:  eh,
	}

	return &m, nil
}

// =============================================================================

// Initialize tries to fill the pool with live endpoints, making up to
// RetryCount attempts. If no endpoint can be established the pool is left
// empty, one error is reported and the store runs without replication.
func (m *Manager) Initialize(ctx context.Context) error {
	m.evHandler("replica: Initialize: started")
	defer m.evHandler("replica: Initialize: completed")

	var reports []report

	m.opMu.Lock()
	err := m.initialize(ctx, &reports)
	m.opMu.Unlock()

	m.report(ctx, reports)

	return err
}

// SnapshotPush sends the snapshot to the first endpoint that accepts it.
// An endpoint that fails is probed and replaced if dead, and the push moves
// on to the next endpoint. With an empty pool this reports one error and
// returns. Later pushes into the same empty pool only log until the pool
// has held an endpoint again.
func (m *Manager) SnapshotPush(ctx context.Context, snap Snapshot) error {
	m.evHandler("replica: SnapshotPush: started: shards[%d]: bytes[%d]", len(snap.Shards), snap.Size())
	defer m.evHandler("replica: SnapshotPush: completed")

	var reports []report

	m.opMu.Lock()
	err := m.push(ctx, snap, &reports)
	m.opMu.Unlock()

	m.report(ctx, reports)

	return err
}

// Rotate probes every endpoint in the pool and replaces the ones that fail.
// Afterwards every endpoint in the pool has passed a probe.
func (m *Manager) Rotate(ctx context.Context) error {
	m.evHandler("replica: Rotate: started")
	defer m.evHandler("replica: Rotate: completed")

	var reports []report

	m.opMu.Lock()
	err := m.rotate(ctx, &reports)
	m.opMu.Unlock()

	m.report(ctx, reports)

	return err
}

// Refill tries once to discover a live endpoint when the pool is below its
// size. Failures are only sent to the event handler since a degraded pool
// is already known.
func (m *Manager) Refill(ctx context.Context) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.Count() >= m.poolSize {
		return
	}

	ep, err := m.discoverLive(ctx)
	if err != nil {
		m.evHandler("replica: Refill: WARNING: %s", err)
		return
	}

	m.add(ep)
	m.evHandler("replica: Refill: added endpoint[%s]: host[%s]", ep.ID, ep.Host)
}

// Count returns the number of endpoints in the pool.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.pool)
}

// Copy returns a copy of the endpoints in the pool.
func (m *Manager) Copy() []Endpoint {
	m.mu.RLock()
	defer m.mu.RUnlock()

	cpy := make([]Endpoint, len(m.pool))
	copy(cpy, m.pool)
	return cpy
}

// Hosts returns the hosts of the endpoints in the pool.
func (m *Manager) Hosts() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	hosts := make([]string, len(m.pool))
	for i, ep := range m.pool {
		hosts[i] = ep.Host
	}
	return hosts
}

// =============================================================================

func (m *Manager) initialize(ctx context.Context, reports *[]report) error {
	var lastErr error

	for attempt := 1; attempt <= m.retryCount && m.Count() < m.poolSize; attempt++ {
		ep, err := m.discoverLive(ctx)
		if err != nil {
			lastErr = err
			m.evHandler("replica: Initialize: attempt[%d]: ERROR: %s", attempt, err)

			if attempt < m.retryCount {
				if err := sleep(ctx, m.retryDelay); err != nil {
					return err
				}
			}
			continue
		}

		m.add(ep)
		m.evHandler("replica: Initialize: attempt[%d]: endpoint[%s]: host[%s]: LIVE", attempt, ep.ID, ep.Host)
	}

	if m.Count() == 0 {
		msg := fmt.Sprintf("replica: no live endpoint after %d attempts, running without replication: %v", m.retryCount, lastErr)
		*reports = append(*reports, report{operation: OpInitialize, message: msg})
	}

	return nil
}

func (m *Manager) push(ctx context.Context, snap Snapshot, reports *[]report) error {
	candidates := m.Copy()
	if len(candidates) == 0 {
		if m.idleNoted {
			m.evHandler("replica: SnapshotPush: skipped: %s", ErrNoEndpoints)
			return ErrNoEndpoints
		}

		m.idleNoted = true
		msg := fmt.Sprintf("replica: snapshot push skipped: %s", ErrNoEndpoints)
		*reports = append(*reports, report{operation: OpPush, message: msg})
		return ErrNoEndpoints
	}
	m.idleNoted = false

	for i := 0; i < len(candidates); i++ {
		ep := candidates[i]

		err := m.call(ctx, func(ctx context.Context) error {
			return m.client.Push(ctx, ep.Host, snap)
		})
		if err == nil {
			m.markLive(ep.ID)
			m.evHandler("replica: SnapshotPush: endpoint[%s]: host[%s]: accepted", ep.ID, ep.Host)
			return nil
		}

		msg := fmt.Sprintf("replica %s: snapshot push failed: %v", ep.Host, err)
		*reports = append(*reports, report{operation: OpPush, message: msg})

		// A failed push doesn't mean the endpoint is gone, only replace it
		// when it also fails a probe.
		if err := m.probe(ctx, ep.Host); err == nil {
			m.markLive(ep.ID)
			continue
		}

		if replacement, ok := m.replace(ctx, ep, reports); ok {
			candidates = append(candidates, replacement)
		}
	}

	return fmt.Errorf("snapshot push: all endpoints failed: %w", ErrReplication)
}

func (m *Manager) rotate(ctx context.Context, reports *[]report) error {
	var failed int

	for _, ep := range m.Copy() {
		err := m.probe(ctx, ep.Host)
		if err == nil {
			m.markLive(ep.ID)
			continue
		}

		msg := fmt.Sprintf("replica %s: liveness probe failed: %v", ep.Host, err)
		*reports = append(*reports, report{operation: OpRotate, message: msg})

		if _, ok := m.replace(ctx, ep, reports); !ok {
			failed++
		}
	}

	if failed > 0 {
		return fmt.Errorf("rotate: %d endpoints not replaced: %w", failed, ErrReplication)
	}

	return nil
}

// replace removes the dead endpoint and makes up to RetryCount attempts to
// discover a live one in its place.
func (m *Manager) replace(ctx context.Context, dead Endpoint, reports *[]report) (Endpoint, bool) {
	m.remove(dead.ID)
	m.evHandler("replica: replace: endpoint[%s]: host[%s]: DEAD", dead.ID, dead.Host)

	var lastErr error
	for attempt := 1; attempt <= m.retryCount; attempt++ {
		ep, err := m.discoverLive(ctx, dead.Host)
		if err == nil {
			m.add(ep)
			m.evHandler("replica: replace: endpoint[%s]: host[%s]: replaced by endpoint[%s]: host[%s]", dead.ID, dead.Host, ep.ID, ep.Host)
			return ep, true
		}

		lastErr = err
		if attempt < m.retryCount {
			if err := sleep(ctx, m.retryDelay); err != nil {
				break
			}
		}
	}

	msg := fmt.Sprintf("replica %s: no replacement endpoint after %d attempts: %v", dead.Host, m.retryCount, lastErr)
	*reports = append(*reports, report{operation: OpReplace, message: msg})

	return Endpoint{}, false
}

// discoverLive asks the discoverer for a host not in the pool and not in
// exclude, and probes it.
func (m *Manager) discoverLive(ctx context.Context, exclude ...string) (Endpoint, error) {
	exclude = append(exclude, m.Hosts()...)

	var host string
	err := m.call(ctx, func(ctx context.Context) error {
		var err error
		host, err = m.discoverer.Discover(ctx, exclude)
		return err
	})
	if err != nil {
		return Endpoint{}, fmt.Errorf("discover: %w", err)
	}

	ep := Endpoint{
		ID:    uuid.NewString(),
		Host:  host,
		State: Discovered,
	}

	if err := m.probe(ctx, ep.Host); err != nil {
		return Endpoint{}, fmt.Errorf("probe %s: %w", host, err)
	}

	ep.State = Live
	ep.LastProbe = time.Now().UTC()

	return ep, nil
}

// probe checks the liveness of the host within the call timeout.
func (m *Manager) probe(ctx context.Context, host string) error {
	return m.call(ctx, func(ctx context.Context) error {
		return m.client.Probe(ctx, host)
	})
}

// call runs the network function with the call timeout applied. A timed
// out call is reported as a connection failure.
func (m *Manager) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, m.callTimeout)
	defer cancel()

	err := fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("connection timeout: %w", err)
	}

	return err
}

// report hands the collected errors to the error handler.
func (m *Manager) report(ctx context.Context, reports []report) {
	for _, r := range reports {
		m.evHandler("replica: %s: ERROR: %s", r.operation, r.message)
		m.errHandler(ctx, r.operation, r.message)
	}
}

// =============================================================================

func (m *Manager) add(ep Endpoint) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.pool = append(m.pool, ep)
}

func (m *Manager) remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, ep := range m.pool {
		if ep.ID == id {
			m.pool = append(m.pool[:i], m.pool[i+1:]...)
			return
		}
	}
}

func (m *Manager) markLive(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.pool {
		if m.pool[i].ID == id {
			m.pool[i].State = Live
			m.pool[i].LastProbe = time.Now().UTC()
			return
		}
	}
}

// sleep waits for the duration or until the context is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
