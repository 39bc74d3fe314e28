// Package shard handles all the lower level support for reading and writing
// encrypted shards to disk. A shard holds every document for one partition
// of one collection and is stored in its own file.
package shard

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/crypt"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/panjf2000/ants/v2"
)

// Set of errors returned by the shard store.
var (
	ErrStorageIO   = errors.New("storage io failure")
	ErrInvalidName = errors.New("invalid collection or partition name")
)

// Reserved document fields added when documents are returned.
const (
	FieldID        = "_id"
	FieldPartition = "_partition"
)

// shardExt is the file extension used for every shard file.
const shardExt = ".shard"

// maxPartitionLen keeps the hex encoded file name under common file system
// name limits.
const maxPartitionLen = 120

var collectionRE = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,64}$`)

// EventHandler defines a function that is called when events
// occur in the processing of shards.
type EventHandler func(v string, args ...any)

// PartitionErrorHandler is called when a partition can't contribute to a
// find because it could not be read or decrypted.
type PartitionErrorHandler func(collection string, partition string, err error)

// Document represents a single stored document.
type Document map[string]any

// Contents is what is sealed into a shard file.
type Contents struct {
	NextID uint64              `json:"next_id"`
	Docs   map[string]Document `json:"docs"`
}

// =============================================================================

// State describes what was found on disk for a shard.
type State int

// Set of states a shard can be in.
const (
	Absent State = iota
	Corrupt
	Present
)

// String implements the Stringer interface.
func (s State) String() string {
	switch s {
	case Absent:
		return "absent"
	case Corrupt:
		return "corrupt"
	case Present:
		return "present"
	}
	return "unknown"
}

// Result is the outcome of loading a shard. Err is set when State is
// Corrupt or when the file could not be read.
type Result struct {
	State    State
	Contents Contents
	Err      error
}

// FindResult is the outcome of a find across all partitions of a collection.
// Warnings counts the partitions that were skipped because of errors.
type FindResult struct {
	Docs     []Document
	Warnings int
}

// =============================================================================

// Config represents the configuration required to open a store.
type Config struct {
	DataDir          string
	Unit             *crypt.Unit
	CacheSize        int
	ScanWorkers      int
	EvHandler        EventHandler
	OnPartitionError PartitionErrorHandler
}

// Store manages the shard files under a data directory. It is the only
// component that touches shard files.
type Store struct {
	dataDir   string
	unit      *crypt.Unit
	evHandler EventHandler
	onPartErr PartitionErrorHandler
	cache     *lru.Cache[string, Contents]
	pool      *ants.Pool
	latency   latency

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	gens  map[string]uint64
}

// New constructs a shard store for use.
func New(cfg Config) (*Store, error) {
	if cfg.Unit == nil {
		return nil, errors.New("encryption unit is required")
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating data dir: %v: %w", err, ErrStorageIO)
	}

	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 128
	}
	if cfg.ScanWorkers <= 0 {
		cfg.ScanWorkers = 4
	}

	cache, err := lru.New[string, Contents](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("creating cache: %w", err)
	}

	pool, err := ants.NewPool(cfg.ScanWorkers)
	if err != nil {
		return nil, fmt.Errorf("creating scan pool: %w", err)
	}

	ev := func(v string, args ...any) {
		if cfg.EvHandler != nil {
			cfg.EvHandler(v, args...)
		}
	}

	onPartErr := func(collection string, partition string, err error) {
		if cfg.OnPartitionError != nil {
			cfg.OnPartitionError(collection, partition, err)
		}
	}

	s := Store{
		dataDir:   cfg.DataDir,
		unit:      cfg.Unit,
		evHandler: ev,
		onPartErr: onPartErr,
		cache:     cache,
		pool:      pool,
		locks:     make(map[string]*sync.Mutex),
		gens:      make(map[string]uint64),
	}

	return &s, nil
}

// Close releases the scan workers.
func (s *Store) Close() error {
	s.pool.Release()
	return nil
}

// =============================================================================

// Insert adds the document to the shard for the collection and partition,
// returning the id assigned to it. The shard lock is held across the whole
// read-modify-write cycle so concurrent inserts can't reuse an id.
func (s *Store) Insert(ctx context.Context, collection string, partition string, doc Document) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	path, err := s.shardPath(collection, partition)
	if err != nil {
		return "", err
	}

	start := time.Now()
	defer func() {
		s.latency.write(time.Since(start))
	}()

	lock := s.shardLock(path)
	lock.Lock()
	defer lock.Unlock()

	res := s.load(path)
	switch res.State {
	case Corrupt:
		return "", fmt.Errorf("insert %s/%s: %w", collection, partition, res.Err)
	case Absent:
		if res.Err != nil {
			return "", fmt.Errorf("insert %s/%s: %w", collection, partition, res.Err)
		}
	}

	// The loaded contents may be shared with concurrent readers through
	// the cache, so build a new map instead of mutating it.
	docs := make(map[string]Document, len(res.Contents.Docs)+1)
	for id, d := range res.Contents.Docs {
		docs[id] = d
	}

	body := make(Document, len(doc))
	for k, v := range doc {
		if k == FieldID || k == FieldPartition {
			continue
		}
		body[k] = v
	}

	id := strconv.FormatUint(res.Contents.NextID, 10)
	docs[id] = body

	contents := Contents{
		NextID: res.Contents.NextID + 1,
		Docs:   docs,
	}

	if err := s.write(path, contents); err != nil {
		return "", fmt.Errorf("insert %s/%s: %w", collection, partition, err)
	}

	s.evHandler("shard: Insert: collection[%s]: partition[%s]: id[%s]", collection, partition, id)

	return id, nil
}

// Load reads the shard for the collection and partition.
func (s *Store) Load(collection string, partition string) Result {
	path, err := s.shardPath(collection, partition)
	if err != nil {
		return Result{State: Absent, Err: err}
	}

	return s.load(path)
}

// Find scans every partition of the collection and returns the documents
// whose fields equal every key/value in the query. A partition that can't
// be read is reported and skipped, it does not fail the find.
func (s *Store) Find(ctx context.Context, collection string, query map[string]any) (FindResult, error) {
	if err := ctx.Err(); err != nil {
		return FindResult{}, err
	}

	start := time.Now()
	defer func() {
		s.latency.read(time.Since(start))
	}()

	partitions, err := s.Partitions(collection)
	if err != nil {
		return FindResult{}, err
	}

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		result FindResult
	)

	scan := func(partition string) {
		defer wg.Done()

		res := s.Load(collection, partition)
		if res.State != Present {
			if res.Err != nil {
				s.onPartErr(collection, partition, res.Err)
				mu.Lock()
				result.Warnings++
				mu.Unlock()
			}
			return
		}

		var docs []Document
		for id, doc := range res.Contents.Docs {
			if !Match(doc, query) {
				continue
			}

			out := make(Document, len(doc)+2)
			for k, v := range doc {
				out[k] = v
			}
			out[FieldID] = id
			out[FieldPartition] = partition
			docs = append(docs, out)
		}

		mu.Lock()
		result.Docs = append(result.Docs, docs...)
		mu.Unlock()
	}

	for _, partition := range partitions {
		wg.Add(1)
		p := partition
		if err := s.pool.Submit(func() { scan(p) }); err != nil {
			scan(p)
		}
	}
	wg.Wait()

	s.evHandler("shard: Find: collection[%s]: partitions[%d]: docs[%d]: warnings[%d]", collection, len(partitions), len(result.Docs), result.Warnings)

	return result, nil
}

// Partitions returns the partitions that exist on disk for the collection.
func (s *Store) Partitions(collection string) ([]string, error) {
	if !collectionRE.MatchString(collection) {
		return nil, fmt.Errorf("collection %q: %w", collection, ErrInvalidName)
	}

	entries, err := os.ReadDir(filepath.Join(s.dataDir, collection))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %v: %w", collection, err, ErrStorageIO)
	}

	var partitions []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, shardExt) {
			continue
		}

		raw, err := hex.DecodeString(strings.TrimSuffix(name, shardExt))
		if err != nil {
			continue
		}
		partitions = append(partitions, string(raw))
	}

	return partitions, nil
}

// Collections returns the collections that exist on disk.
func (s *Store) Collections() ([]string, error) {
	entries, err := os.ReadDir(s.dataDir)
	if err != nil {
		return nil, fmt.Errorf("listing data dir: %v: %w", err, ErrStorageIO)
	}

	var collections []string
	for _, entry := range entries {
		if entry.IsDir() && collectionRE.MatchString(entry.Name()) {
			collections = append(collections, entry.Name())
		}
	}

	return collections, nil
}

// Files returns the raw ciphertext of every shard keyed by its path
// relative to the data directory. Files are replaced atomically, so each
// read sees a complete shard.
func (s *Store) Files() (map[string][]byte, error) {
	collections, err := s.Collections()
	if err != nil {
		return nil, err
	}

	files := make(map[string][]byte)
	for _, collection := range collections {
		partitions, err := s.Partitions(collection)
		if err != nil {
			return nil, err
		}

		for _, partition := range partitions {
			path, err := s.shardPath(collection, partition)
			if err != nil {
				return nil, err
			}

			data, err := os.ReadFile(path)
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					continue
				}
				return nil, fmt.Errorf("reading %s: %v: %w", path, err, ErrStorageIO)
			}

			rel, err := filepath.Rel(s.dataDir, path)
			if err != nil {
				return nil, err
			}
			files[filepath.ToSlash(rel)] = data
		}
	}

	return files, nil
}

// Stats returns the latest latency information.
func (s *Store) Stats() Stats {
	return s.latency.stats()
}

// ShardPath returns the file used for the collection and partition.
func (s *Store) ShardPath(collection string, partition string) (string, error) {
	return s.shardPath(collection, partition)
}

// =============================================================================

// load reads and decrypts the shard at the path, going through the cache.
func (s *Store) load(path string) Result {
	if contents, ok := s.cache.Get(path); ok {
		return Result{State: Present, Contents: contents}
	}

	gen := s.generation(path)

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{State: Absent, Contents: Contents{Docs: map[string]Document{}}}
		}
		return Result{State: Absent, Err: fmt.Errorf("reading %s: %v: %w", path, err, ErrStorageIO)}
	}

	var contents Contents
	if err := s.unit.Open(data, &contents); err != nil {
		return Result{State: Corrupt, Err: fmt.Errorf("shard %s: %w", path, err)}
	}
	if contents.Docs == nil {
		contents.Docs = map[string]Document{}
	}

	// Only cache what was read if no write happened in between.
	s.mu.Lock()
	if s.gens[path] == gen {
		s.cache.Add(path, contents)
	}
	s.mu.Unlock()

	return Result{State: Present, Contents: contents}
}

// write seals the contents and atomically replaces the shard file.
func (s *Store) write(path string, contents Contents) error {
	blob, err := s.unit.Seal(contents)
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating %s: %v: %w", dir, err, ErrStorageIO)
	}

	if err := writeAtomic(dir, path, blob); err != nil {
		return fmt.Errorf("writing %s: %v: %w", path, err, ErrStorageIO)
	}

	// The file on disk is the copy of record, drop the cached version.
	s.mu.Lock()
	s.gens[path]++
	s.cache.Remove(path)
	s.mu.Unlock()

	return nil
}

// writeAtomic writes the data to a temp file in the same directory and
// renames it over the target.
func writeAtomic(dir string, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}

	return nil
}

// shardLock returns the mutex that serializes writes to the shard.
func (s *Store) shardLock(path string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, exists := s.locks[path]
	if !exists {
		lock = &sync.Mutex{}
		s.locks[path] = lock
	}

	return lock
}

// generation returns the write generation of the shard.
func (s *Store) generation(path string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.gens[path]
}

// shardPath forms the path to the specified shard.
func (s *Store) shardPath(collection string, partition string) (string, error) {
	if !collectionRE.MatchString(collection) {
		return "", fmt.Errorf("collection %q: %w", collection, ErrInvalidName)
	}
	if partition == "" || len(partition) > maxPartitionLen {
		return "", fmt.Errorf("partition %q: %w", partition, ErrInvalidName)
	}

	name := hex.EncodeToString([]byte(partition)) + shardExt
	return filepath.Join(s.dataDir, collection, name), nil
}
