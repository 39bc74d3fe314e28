// Package cosmodb is the core API for the document store. It ties together
// the encrypted shard store, the replica pool and the self-heal log.
package cosmodb

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/crypt"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/heal"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/replica"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/shard"
)

// Partitioning and bookkeeping names.
const (
	PartitionField   = "country"
	DefaultPartition = "default"
	ErrorsCollection = "errors"
)

// Operation names used when recording errors.
const (
	OpInsert   = "insert"
	OpFind     = "find"
	OpSnapshot = "snapshot"
)

// healWindow is how long after the last self-heal reaction the store
// reports itself as healing.
const healWindow = time.Minute

// ErrValidation is the sentinel matched by every ValidationError.
var ErrValidation = errors.New("validation failed")

var collectionRE = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// ValidationError is returned when the input to an operation is rejected
// before any storage is touched.
type ValidationError struct {
	Field  string
	Reason string
}

// Error implements the error interface.
func (ve *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", ve.Field, ve.Reason)
}

// Is lets errors.Is match ErrValidation.
func (ve *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// =============================================================================

// EventHandler defines a function that is called when events
// occur in the processing of the store.
type EventHandler func(v string, args ...any)

// Worker interface represents the behavior required to be implemented by any
// package providing support for snapshot pushes and replica rotation.
type Worker interface {
	Shutdown()
	SignalSnapshot()
}

// Config represents the configuration required to start the store.
type Config struct {
	DataDir        string
	Secret         string
	Salt           string
	CacheSize      int
	ScanWorkers    int
	Client         replica.Client
	Discoverer     replica.Discoverer
	PoolSize       int
	RetryCount     int
	RetryDelay     time.Duration
	CallTimeout    time.Duration
	PushInterval   time.Duration
	RotateInterval time.Duration
	RotateCooldown time.Duration
	EvHandler      EventHandler
}

// Stats is the best known state of the store.
type Stats struct {
	ReadLatencyMS     float64    `json:"read_latency_ms"`
	WriteLatencyMS    float64    `json:"write_latency_ms"`
	Reads             uint64     `json:"reads"`
	Writes            uint64     `json:"writes"`
	ReplicaCount      int        `json:"replica_count"`
	Healing           bool       `json:"healing"`
	BackoffMultiplier float64    `json:"backoff_multiplier"`
	ErrorsRecorded    uint64     `json:"errors_recorded"`
	ErrorsFixed       uint64     `json:"errors_fixed"`
	LastHeal          *time.Time `json:"last_heal"`
	CurrentIssue      string     `json:"current_issue"`
}

// FindResult is what a find returns. Warnings counts the partitions that
// could not be read.
type FindResult struct {
	Results  []shard.Document `json:"results"`
	Warnings int              `json:"warnings"`
}

// DB manages the documents, their replication and the self-heal state.
type DB struct {
	evHandler      EventHandler
	pushInterval   time.Duration
	rotateInterval time.Duration

	store    *shard.Store
	replicas *replica.Manager
	heal     *heal.Log

	Worker Worker
}

// New constructs a store for use.
func New(cfg Config) (*DB, error) {

	// Build a safe event handler function for use.
	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	unit, err := crypt.New(cfg.Secret, cfg.Salt)
	if err != nil {
		return nil, err
	}

	db := DB{
		evHandler:      ev,
		pushInterval:   cfg.PushInterval,
		rotateInterval: cfg.RotateInterval,
	}

	db.heal = heal.New(heal.Config{
		RetryDelay:     cfg.RetryDelay,
		RotateCooldown: cfg.RotateCooldown,
		Persist:        db.persistError,
		EvHandler:      heal.EventHandler(ev),
	})

	store, err := shard.New(shard.Config{
		DataDir:     cfg.DataDir,
		Unit:        unit,
		CacheSize:   cfg.CacheSize,
		ScanWorkers: cfg.ScanWorkers,
		EvHandler:   shard.EventHandler(ev),
		OnPartitionError: func(collection string, partition string, err error) {
			msg := fmt.Sprintf("partition %q of %s skipped: %s", partition, collection, err)
			db.recordStorageError(context.Background(), OpFind, msg, err)
		},
	})
	if err != nil {
		return nil, err
	}
	db.store = store

	if cfg.Client == nil {
		cfg.Client = replica.NewHTTPClient()
	}
	if cfg.Discoverer == nil {
		cfg.Discoverer = replica.NewStaticDiscoverer(nil)
	}

	replicas, err := replica.NewManager(replica.Config{
		Client:      cfg.Client,
		Discoverer:  cfg.Discoverer,
		PoolSize:    cfg.PoolSize,
		RetryCount:  cfg.RetryCount,
		RetryDelay:  cfg.RetryDelay,
		CallTimeout: cfg.CallTimeout,
		EvHandler:   replica.EventHandler(ev),
		ErrHandler:  db.RecordError,
	})
	if err != nil {
		store.Close()
		return nil, err
	}
	db.replicas = replicas
	db.heal.SetRotator(replicas)

	// The Worker is not set here. The call to worker.Run will assign itself
	// and start everything up and running for the store.

	return &db, nil
}

// Shutdown cleanly brings the store down.
func (db *DB) Shutdown() error {
	db.evHandler("cosmodb: shutdown: started")
	defer db.evHandler("cosmodb: shutdown: completed")

	// Stop all snapshot and rotation activity.
	if db.Worker != nil {
		db.Worker.Shutdown()
	}

	return db.store.Close()
}

// =============================================================================

// Insert validates the data, stores it in the partition chosen from its
// country field and returns the id assigned. Replication happens in the
// background and its failures never reach the caller.
func (db *DB) Insert(ctx context.Context, collection string, data map[string]any) (string, error) {
	if err := ValidateCollection(collection); err != nil {
		return "", err
	}
	if data == nil {
		return "", &ValidationError{Field: "data", Reason: "document is required"}
	}
	if _, err := json.Marshal(data); err != nil {
		return "", &ValidationError{Field: "data", Reason: "document is not JSON encodable"}
	}

	partition := PartitionOf(data)
	if len(partition) > 120 {
		return "", &ValidationError{Field: PartitionField, Reason: "must be at most 120 bytes"}
	}

	id, err := db.store.Insert(ctx, collection, partition, shard.Document(data))
	if err != nil {
		db.recordStorageError(ctx, OpInsert, err.Error(), err)
		return "", err
	}

	db.signalSnapshot()

	return id, nil
}

// Find returns the documents in the collection matching every key/value in
// the query. Documents carry their _id and _partition.
func (db *DB) Find(ctx context.Context, collection string, query map[string]any) (FindResult, error) {
	if err := ValidateCollection(collection); err != nil {
		return FindResult{}, err
	}

	res, err := db.store.Find(ctx, collection, query)
	if err != nil {
		db.recordStorageError(ctx, OpFind, err.Error(), err)
		return FindResult{}, err
	}

	if res.Docs == nil {
		res.Docs = []shard.Document{}
	}

	return FindResult{Results: res.Docs, Warnings: res.Warnings}, nil
}

// Stats returns the best known values. It never fails.
func (db *DB) Stats() Stats {
	lat := db.store.Stats()
	hs := db.heal.Stats()

	return Stats{
		ReadLatencyMS:     lat.ReadLatencyMS,
		WriteLatencyMS:    lat.WriteLatencyMS,
		Reads:             lat.Reads,
		Writes:            lat.Writes,
		ReplicaCount:      db.replicas.Count(),
		Healing:           hs.LastHeal != nil && time.Since(*hs.LastHeal) < healWindow,
		BackoffMultiplier: hs.BackoffMultiplier,
		ErrorsRecorded:    hs.Recorded,
		ErrorsFixed:       hs.Heals,
		LastHeal:          hs.LastHeal,
		CurrentIssue:      hs.CurrentIssue,
	}
}

// RecordError records the failure and applies its self-heal reaction.
func (db *DB) RecordError(ctx context.Context, operation string, message string) {
	db.heal.Record(ctx, operation, message)
}

// Errors returns up to n of the most recent error records, newest first.
func (db *DB) Errors(n int) []heal.Record {
	return db.heal.Recent(n)
}

// =============================================================================

// Snapshot captures the encrypted shard files for replication.
func (db *DB) Snapshot() (replica.Snapshot, error) {
	files, err := db.store.Files()
	if err != nil {
		db.recordStorageError(context.Background(), OpSnapshot, fmt.Sprintf("taking snapshot: %s", err), err)
		return replica.Snapshot{}, err
	}

	return replica.NewSnapshot(files), nil
}

// PushSnapshot hands the snapshot to the replica pool.
func (db *DB) PushSnapshot(ctx context.Context, snap replica.Snapshot) error {
	return db.replicas.SnapshotPush(ctx, snap)
}

// InitializeReplicas fills the replica pool at startup.
func (db *DB) InitializeReplicas(ctx context.Context) error {
	return db.replicas.Initialize(ctx)
}

// RotateReplicas replaces the endpoints that no longer answer probes.
func (db *DB) RotateReplicas(ctx context.Context) error {
	return db.replicas.Rotate(ctx)
}

// RefillReplicas tries to grow a pool that is below its size.
func (db *DB) RefillReplicas(ctx context.Context) {
	db.replicas.Refill(ctx)
}

// Replicas returns a copy of the replica pool.
func (db *DB) Replicas() []replica.Endpoint {
	return db.replicas.Copy()
}

// BackoffMultiplier returns the current self-heal backoff multiplier.
func (db *DB) BackoffMultiplier() float64 {
	return db.heal.BackoffMultiplier()
}

// PushInterval returns the minimum time between snapshot pushes.
func (db *DB) PushInterval() time.Duration {
	return db.pushInterval
}

// RotateInterval returns the time between replica rotations.
func (db *DB) RotateInterval() time.Duration {
	return db.rotateInterval
}

// =============================================================================

// PartitionOf returns the partition the data belongs to.
func PartitionOf(data map[string]any) string {
	if country, ok := data[PartitionField].(string); ok && country != "" {
		return country
	}
	return DefaultPartition
}

// ValidateCollection checks the collection name.
func ValidateCollection(collection string) error {
	if !collectionRE.MatchString(collection) {
		return &ValidationError{Field: "collection", Reason: "must match " + collectionRE.String()}
	}
	return nil
}

// persistError stores the error record in the errors collection.
func (db *DB) persistError(ctx context.Context, rec heal.Record) error {
	doc := shard.Document{
		"record_id": rec.ID,
		"operation": rec.Operation,
		"message":   rec.Message,
		"class":     string(rec.Class),
		"reaction":  rec.Reaction,
		"timestamp": rec.Timestamp.Format(time.RFC3339Nano),
	}

	// Error records go out with the next snapshot of user data and never
	// signal a push themselves.
	if _, err := db.store.Insert(ctx, ErrorsCollection, DefaultPartition, doc); err != nil {
		db.recordStorageError(ctx, OpInsert, err.Error(), err)
		return err
	}

	return nil
}

// recordStorageError records a failure raised by the shard store. Its
// messages carry file paths and collection names, so the class comes from
// the underlying error alone.
func (db *DB) recordStorageError(ctx context.Context, operation string, message string, err error) {
	db.heal.RecordClass(ctx, operation, message, heal.Classify(storageCause(err)))
}

// storageCause returns the text of the store error that names what went
// wrong without any path or name in it.
func storageCause(err error) string {
	for _, cause := range []error{crypt.ErrCorrupt, shard.ErrStorageIO, shard.ErrInvalidName, context.Canceled, context.DeadlineExceeded} {
		if errors.Is(err, cause) {
			return cause.Error()
		}
	}

	return "storage failure"
}

func (db *DB) signalSnapshot() {
	if db.Worker != nil {
		db.Worker.SignalSnapshot()
	}
}
