package cosmodb

import (
	"sort"

	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/shard"
)

// PartitionReport describes the health of one shard on disk.
type PartitionReport struct {
	Collection string `json:"collection"`
	Partition  string `json:"partition"`
	State      string `json:"state"`
	Docs       int    `json:"docs"`
	NextID     uint64 `json:"next_id"`
	Err        string `json:"error,omitempty"`
}

// Verify reads every shard on disk and reports whether it decrypts. Nothing
// is recorded in the error log, so it is safe to run against a copy of a
// data directory.
func (db *DB) Verify() ([]PartitionReport, error) {
	collections, err := db.store.Collections()
	if err != nil {
		return nil, err
	}
	sort.Strings(collections)

	var reports []PartitionReport
	for _, collection := range collections {
		partitions, err := db.store.Partitions(collection)
		if err != nil {
			return nil, err
		}
		sort.Strings(partitions)

		for _, partition := range partitions {
			res := db.store.Load(collection, partition)

			rep := PartitionReport{
				Collection: collection,
				Partition:  partition,
				State:      res.State.String(),
			}

			switch res.State {
			case shard.Present:
				rep.Docs = len(res.Contents.Docs)
				rep.NextID = res.Contents.NextID
			default:
				if res.Err != nil {
					rep.Err = res.Err.Error()
				}
			}

			reports = append(reports, rep)
		}
	}

	return reports, nil
}
