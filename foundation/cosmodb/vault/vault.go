// Package vault stores the snapshots a node receives as a replica endpoint.
package vault

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/replica"
	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when the vault holds no snapshot.
var ErrNotFound = errors.New("snapshot not found")

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	id       INTEGER PRIMARY KEY AUTOINCREMENT,
	digest   TEXT NOT NULL UNIQUE,
	taken    TEXT NOT NULL,
	received TEXT NOT NULL,
	bytes    INTEGER NOT NULL,
	shards   BLOB NOT NULL
);`

// Info describes a stored snapshot without its contents.
type Info struct {
	ID       int64     `json:"id"`
	Digest   string    `json:"digest"`
	Taken    time.Time `json:"taken"`
	Received time.Time `json:"received"`
	Bytes    int       `json:"bytes"`
}

// Vault is a sqlite backed set of snapshots.
type Vault struct {
	db *sql.DB
}

// Open opens or creates the vault at the path. Use ":memory:" for a
// vault that lives only as long as the process.
func Open(path string) (*Vault, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating vault dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}

	// An in-memory database exists per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Vault{db: db}, nil
}

// Close closes the underlying database.
func (v *Vault) Close() error {
	return v.db.Close()
}

// Store verifies and saves the snapshot. Storing a snapshot with a digest
// already held is a no-op.
func (v *Vault) Store(ctx context.Context, snap replica.Snapshot) (Info, error) {
	if err := snap.Verify(); err != nil {
		return Info{}, err
	}

	shards, err := json.Marshal(snap.Shards)
	if err != nil {
		return Info{}, fmt.Errorf("encoding shards: %w", err)
	}

	info := Info{
		Digest:   snap.Digest,
		Taken:    snap.Taken.UTC(),
		Received: time.Now().UTC(),
		Bytes:    snap.Size(),
	}

	const q = `
	INSERT INTO snapshots (digest, taken, received, bytes, shards)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(digest) DO NOTHING`

	if _, err := v.db.ExecContext(ctx, q, info.Digest, info.Taken.Format(time.RFC3339Nano), info.Received.Format(time.RFC3339Nano), info.Bytes, shards); err != nil {
		return Info{}, fmt.Errorf("store %s: %w", info.Digest, err)
	}

	if err := v.db.QueryRowContext(ctx, "SELECT id FROM snapshots WHERE digest = ?", info.Digest).Scan(&info.ID); err != nil {
		return Info{}, fmt.Errorf("store %s: id: %w", info.Digest, err)
	}

	return info, nil
}

// Count returns the number of snapshots held.
func (v *Vault) Count(ctx context.Context) (int, error) {
	var n int
	if err := v.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM snapshots").Scan(&n); err != nil {
		return 0, fmt.Errorf("count: %w", err)
	}
	return n, nil
}

// List returns the most recent snapshots, newest first.
func (v *Vault) List(ctx context.Context, limit int) ([]Info, error) {
	if limit <= 0 {
		limit = 20
	}

	const q = `
	SELECT id, digest, taken, received, bytes
	FROM snapshots
	ORDER BY id DESC
	LIMIT ?`

	rows, err := v.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("list: %w", err)
	}
	defer rows.Close()

	var infos []Info
	for rows.Next() {
		var info Info
		var taken, received string
		if err := rows.Scan(&info.ID, &info.Digest, &taken, &received, &info.Bytes); err != nil {
			return nil, fmt.Errorf("list: scan: %w", err)
		}
		info.Taken, _ = time.Parse(time.RFC3339Nano, taken)
		info.Received, _ = time.Parse(time.RFC3339Nano, received)
		infos = append(infos, info)
	}

	return infos, rows.Err()
}

// Latest returns the most recently received snapshot.
func (v *Vault) Latest(ctx context.Context) (replica.Snapshot, error) {
	const q = `
	SELECT digest, taken, shards
	FROM snapshots
	ORDER BY id DESC
	LIMIT 1`

	var digest, taken string
	var shards []byte

	err := v.db.QueryRowContext(ctx, q).Scan(&digest, &taken, &shards)
	if errors.Is(err, sql.ErrNoRows) {
		return replica.Snapshot{}, ErrNotFound
	}
	if err != nil {
		return replica.Snapshot{}, fmt.Errorf("latest: %w", err)
	}

	snap := replica.Snapshot{Digest: digest}
	snap.Taken, _ = time.Parse(time.RFC3339Nano, taken)

	if err := json.Unmarshal(shards, &snap.Shards); err != nil {
		return replica.Snapshot{}, fmt.Errorf("latest: decoding shards: %w", err)
	}

	return snap, nil
}

// Restore writes the shard files of the snapshot under the data directory
// and returns the number of files written.
func Restore(snap replica.Snapshot, dataDir string) (int, error) {
	if err := snap.Verify(); err != nil {
		return 0, err
	}

	root, err := filepath.Abs(dataDir)
	if err != nil {
		return 0, err
	}

	var n int
	for rel, data := range snap.Shards {
		path := filepath.Join(root, filepath.FromSlash(rel))
		if !strings.HasPrefix(path, root+string(filepath.Separator)) {
			return n, fmt.Errorf("restore: path %q escapes the data dir", rel)
		}

		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return n, fmt.Errorf("restore: %w", err)
		}
		if err := os.WriteFile(path, data, 0o600); err != nil {
			return n, fmt.Errorf("restore: %w", err)
		}
		n++
	}

	return n, nil
}
