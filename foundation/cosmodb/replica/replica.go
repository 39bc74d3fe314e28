// Package replica maintains the pool of remote backup endpoints and pushes
// full store snapshots to them.
package replica

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
)

// Set of errors returned by the replica package.
var (
	ErrReplication = errors.New("replication failure")
	ErrNoEndpoints = errors.New("no live replica endpoints")
	ErrBadDigest   = errors.New("snapshot digest mismatch")
)

// Operation names used when reporting errors.
const (
	OpInitialize = "replica.initialize"
	OpPush       = "replica.push"
	OpRotate     = "replica.rotate"
	OpReplace    = "replica.replace"
)

// EventHandler defines a function that is called when events
// occur in the processing of replication.
type EventHandler func(v string, args ...any)

// =============================================================================

// State represents where an endpoint is in its lifecycle.
type State int

// Set of endpoint states.
const (
	Discovered State = iota
	Live
	Dead
)

// String implements the Stringer interface.
func (s State) String() string {
	switch s {
	case Discovered:
		return "DISCOVERED"
	case Live:
		return "LIVE"
	case Dead:
		return "DEAD"
	}
	return "UNKNOWN"
}

// MarshalText implements the encoding.TextMarshaler interface.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Endpoint represents a remote backup target.
type Endpoint struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	State     State     `json:"state"`
	LastProbe time.Time `json:"last_probe"`
}

// Status is what an endpoint returns when probed.
type Status struct {
	Status    string `json:"status"`
	Snapshots int    `json:"snapshots"`
}

// Hosts is the discovery response listing candidate endpoints.
type Hosts struct {
	Hosts []string `json:"hosts"`
}

// =============================================================================

// Snapshot represents the full store as pushed to an endpoint. Shards hold
// the encrypted file contents keyed by their path relative to the data
// directory, so endpoints never need the encryption key.
type Snapshot struct {
	Taken  time.Time         `json:"taken"`
	Digest string            `json:"digest"`
	Shards map[string][]byte `json:"shards"`
}

// NewSnapshot constructs a snapshot over the set of shard files.
func NewSnapshot(shards map[string][]byte) Snapshot {
	if shards == nil {
		shards = map[string][]byte{}
	}

	return Snapshot{
		Taken:  time.Now().UTC(),
		Digest: digest(shards),
		Shards: shards,
	}
}

// Verify recomputes the digest and compares it with the one carried.
func (s Snapshot) Verify() error {
	if got := digest(s.Shards); got != s.Digest {
		return fmt.Errorf("got %s, exp %s: %w", got, s.Digest, ErrBadDigest)
	}
	return nil
}

// Size returns the number of ciphertext bytes in the snapshot.
func (s Snapshot) Size() int {
	var n int
	for _, data := range s.Shards {
		n += len(data)
	}
	return n
}

// digest produces a keccak256 hash over the shards in path order.
func digest(shards map[string][]byte) string {
	paths := make([]string, 0, len(shards))
	for path := range shards {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	parts := make([][]byte, 0, len(paths)*3)
	for _, path := range paths {
		data := shards[path]

		size := make([]byte, 8)
		binary.BigEndian.PutUint64(size, uint64(len(data)))

		parts = append(parts, append([]byte(path), 0), size, data)
	}

	return crypto.Keccak256Hash(parts...).Hex()
}
