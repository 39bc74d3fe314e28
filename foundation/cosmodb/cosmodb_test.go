package cosmodb_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cosmoweb3/cosmodb/foundation/cosmodb"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/heal"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/replica"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

// deadClient never reaches any endpoint.
type deadClient struct{}

func (deadClient) Probe(ctx context.Context, host string) error {
	return errors.New("connection refused")
}

func (deadClient) Push(ctx context.Context, host string, snap replica.Snapshot) error {
	return errors.New("connection refused")
}

func newDB(t *testing.T, dir string) *cosmodb.DB {
	t.Helper()

	db, err := cosmodb.New(cosmodb.Config{
		DataDir:    dir,
		Secret:     "test-secret",
		Salt:       "test-salt-value",
		Client:     deadClient{},
		PoolSize:   1,
		RetryCount: 1,
	})
	if err != nil {
		t.Fatalf("\t%s\tShould be able to open the store: %v", failed, err)
	}
	t.Cleanup(func() { db.Shutdown() })

	return db
}

// =============================================================================

func Test_Widgets(t *testing.T) {
	t.Log("Given the need to store and find widgets by field.")
	{
		ctx := context.Background()
		db := newDB(t, t.TempDir())

		for _, name := range []string{"a", "b"} {
			if _, err := db.Insert(ctx, "widgets", map[string]any{"country": "US", "name": name}); err != nil {
				t.Fatalf("\t%s\tShould be able to insert widget %s: %v", failed, name, err)
			}
		}
		t.Logf("\t%s\tShould be able to insert both widgets.", success)

		res, err := db.Find(ctx, "widgets", map[string]any{"name": "b"})
		if err != nil {
			t.Fatalf("\t%s\tShould be able to find by name: %v", failed, err)
		}
		if len(res.Results) != 1 || res.Results[0]["name"] != "b" {
			t.Fatalf("\t%s\tShould find exactly widget b: %v", failed, res.Results)
		}
		t.Logf("\t%s\tShould find exactly widget b.", success)

		res, err = db.Find(ctx, "widgets", map[string]any{"country": "US"})
		if err != nil || len(res.Results) != 2 {
			t.Fatalf("\t%s\tShould find both widgets by country: %v %v", failed, res.Results, err)
		}
		t.Logf("\t%s\tShould find both widgets by country.", success)

		for _, doc := range res.Results {
			if doc["_partition"] != "US" || doc["_id"] == nil {
				t.Fatalf("\t%s\tShould return the id and partition: %v", failed, doc)
			}
		}
		t.Logf("\t%s\tShould return the id and partition.", success)

		st := db.Stats()
		if st.Writes != 2 || st.Reads != 2 {
			t.Fatalf("\t%s\tShould account for reads and writes: %+v", failed, st)
		}
		t.Logf("\t%s\tShould account for reads and writes.", success)
	}
}

func Test_DefaultPartition(t *testing.T) {
	type table struct {
		name string
		data map[string]any
		exp  string
	}

	tt := []table{
		{name: "country", data: map[string]any{"country": "DE"}, exp: "DE"},
		{name: "missing", data: map[string]any{"name": "x"}, exp: cosmodb.DefaultPartition},
		{name: "notstring", data: map[string]any{"country": 49}, exp: cosmodb.DefaultPartition},
		{name: "empty", data: map[string]any{"country": ""}, exp: cosmodb.DefaultPartition},
	}

	t.Log("Given the need to route documents to a partition.")
	{
		for testID, tst := range tt {
			f := func(t *testing.T) {
				got := cosmodb.PartitionOf(tst.data)
				if got != tst.exp {
					t.Logf("\t%s\tTest %d:\tgot: %s", failed, testID, got)
					t.Logf("\t%s\tTest %d:\texp: %s", failed, testID, tst.exp)
					t.Fatalf("\t%s\tTest %d:\tShould pick the right partition.", failed, testID)
				}
				t.Logf("\t%s\tTest %d:\tShould pick the right partition.", success, testID)
			}

			t.Run(tst.name, f)
		}
	}
}

func Test_Validation(t *testing.T) {
	type table struct {
		name       string
		collection string
		data       map[string]any
	}

	tt := []table{
		{name: "badname", collection: "../etc", data: map[string]any{"a": 1}},
		{name: "emptyname", collection: "", data: map[string]any{"a": 1}},
		{name: "nodata", collection: "widgets", data: nil},
		{name: "notjson", collection: "widgets", data: map[string]any{"ch": make(chan int)}},
		{name: "longcountry", collection: "widgets", data: map[string]any{"country": strings.Repeat("x", 121)}},
	}

	t.Log("Given the need to reject bad input before touching storage.")
	{
		db := newDB(t, t.TempDir())

		for testID, tst := range tt {
			f := func(t *testing.T) {
				_, err := db.Insert(context.Background(), tst.collection, tst.data)
				if !errors.Is(err, cosmodb.ErrValidation) {
					t.Fatalf("\t%s\tTest %d:\tShould get a validation error: %v", failed, testID, err)
				}
				t.Logf("\t%s\tTest %d:\tShould get a validation error.", success, testID)
			}

			t.Run(tst.name, f)
		}

		if n := len(db.Errors(0)); n != 0 {
			t.Fatalf("\t%s\tShould not record validation failures as errors, got %d.", failed, n)
		}
		t.Logf("\t%s\tShould not record validation failures as errors.", success)
	}
}

func Test_ConcurrentInserts(t *testing.T) {
	t.Log("Given the need to insert into one partition from many goroutines.")
	{
		ctx := context.Background()
		db := newDB(t, t.TempDir())

		const g = 20

		var wg sync.WaitGroup
		ids := make(chan string, g)
		for i := 0; i < g; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				id, err := db.Insert(ctx, "orders", map[string]any{"country": "FR", "n": i})
				if err != nil {
					t.Errorf("\t%s\tShould be able to insert: %v", failed, err)
					return
				}
				ids <- id
			}(i)
		}
		wg.Wait()
		close(ids)

		seen := make(map[string]bool)
		for id := range ids {
			if seen[id] {
				t.Fatalf("\t%s\tShould never reuse an id: %s", failed, id)
			}
			seen[id] = true
		}
		t.Logf("\t%s\tShould never reuse an id.", success)

		res, err := db.Find(ctx, "orders", nil)
		if err != nil || len(res.Results) != g {
			t.Fatalf("\t%s\tShould find every document, got %d: %v", failed, len(res.Results), err)
		}
		t.Logf("\t%s\tShould find every document.", success)
	}
}

func Test_CorruptPartition(t *testing.T) {
	t.Log("Given a collection with one unreadable partition.")
	{
		ctx := context.Background()
		dir := t.TempDir()
		db := newDB(t, dir)

		for _, country := range []string{"US", "CA"} {
			if _, err := db.Insert(ctx, "widgets", map[string]any{"country": country}); err != nil {
				t.Fatalf("\t%s\tShould be able to insert: %v", failed, err)
			}
		}

		// A second store over the same files sees the damage without a
		// warm cache hiding it.
		db.Shutdown()

		path := fmt.Sprintf("%s/widgets/%x.shard", dir, "CA")
		if err := os.WriteFile(path, []byte("not a shard"), 0o600); err != nil {
			t.Fatalf("\t%s\tShould be able to damage the shard: %v", failed, err)
		}

		db = newDB(t, dir)

		res, err := db.Find(ctx, "widgets", nil)
		if err != nil {
			t.Fatalf("\t%s\tShould not fail the find: %v", failed, err)
		}
		t.Logf("\t%s\tShould not fail the find.", success)

		if len(res.Results) != 1 || res.Warnings != 1 {
			t.Fatalf("\t%s\tShould return the readable partition with one warning: %d docs, %d warnings", failed, len(res.Results), res.Warnings)
		}
		t.Logf("\t%s\tShould return the readable partition with one warning.", success)

		recs := db.Errors(0)
		if len(recs) != 1 || recs[0].Operation != cosmodb.OpFind {
			t.Fatalf("\t%s\tShould record the skipped partition: %+v", failed, recs)
		}
		t.Logf("\t%s\tShould record the skipped partition.", success)

		errs, err := db.Find(ctx, cosmodb.ErrorsCollection, map[string]any{"operation": cosmodb.OpFind})
		if err != nil || len(errs.Results) != 1 {
			t.Fatalf("\t%s\tShould persist the record in the errors collection: %v %v", failed, errs.Results, err)
		}
		t.Logf("\t%s\tShould persist the record in the errors collection.", success)
	}
}

func Test_CorruptPartitionClass(t *testing.T) {
	t.Log("Given a corrupt shard under a path full of replica and network words.")
	{
		ctx := context.Background()
		dir := filepath.Join(t.TempDir(), "replica-endpoint-network-timeout")
		db := newDB(t, dir)

		if _, err := db.Insert(ctx, "endpoints", map[string]any{"country": "US"}); err != nil {
			t.Fatalf("\t%s\tShould be able to insert: %v", failed, err)
		}
		db.Shutdown()

		path := fmt.Sprintf("%s/endpoints/%x.shard", dir, "US")
		if err := os.WriteFile(path, []byte("not a shard"), 0o600); err != nil {
			t.Fatalf("\t%s\tShould be able to damage the shard: %v", failed, err)
		}

		db = newDB(t, dir)

		if _, err := db.Find(ctx, "endpoints", nil); err != nil {
			t.Fatalf("\t%s\tShould not fail the find: %v", failed, err)
		}

		recs := db.Errors(0)
		if len(recs) != 1 || recs[0].Class != heal.ClassOther || recs[0].Reaction != "none" {
			t.Fatalf("\t%s\tShould classify the corruption by its cause only: %+v", failed, recs)
		}
		t.Logf("\t%s\tShould classify the corruption by its cause only.", success)

		if !strings.Contains(recs[0].Message, dir) {
			t.Fatalf("\t%s\tShould keep the path in the message: %s", failed, recs[0].Message)
		}
		t.Logf("\t%s\tShould keep the path in the message.", success)
	}
}

func Test_EmptyPoolPush(t *testing.T) {
	t.Log("Given a snapshot push with no replica endpoints.")
	{
		ctx := context.Background()
		db := newDB(t, t.TempDir())

		snap, err := db.Snapshot()
		if err != nil {
			t.Fatalf("\t%s\tShould be able to take a snapshot: %v", failed, err)
		}

		if err := db.PushSnapshot(ctx, snap); !errors.Is(err, replica.ErrNoEndpoints) {
			t.Fatalf("\t%s\tShould report no endpoints: %v", failed, err)
		}
		t.Logf("\t%s\tShould report no endpoints.", success)

		if n := len(db.Errors(0)); n != 1 {
			t.Fatalf("\t%s\tShould record exactly one error, got %d: %+v", failed, n, db.Errors(0))
		}
		t.Logf("\t%s\tShould record exactly one error.", success)

		if st := db.Stats(); st.ReplicaCount != 0 || st.ErrorsRecorded != 1 {
			t.Fatalf("\t%s\tShould reflect the error in stats: %+v", failed, st)
		}
		t.Logf("\t%s\tShould reflect the error in stats.", success)
	}
}

func Test_RecordError(t *testing.T) {
	t.Log("Given the need to record errors from callers.")
	{
		db := newDB(t, t.TempDir())

		db.RecordError(context.Background(), "scrape", "captcha detected")

		st := db.Stats()
		if st.BackoffMultiplier <= 1 || !st.Healing || st.CurrentIssue != "captcha detected" {
			t.Fatalf("\t%s\tShould back off and report healing: %+v", failed, st)
		}
		t.Logf("\t%s\tShould back off and report healing.", success)
	}
}

func Test_Reopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	db := newDB(t, dir)
	if _, err := db.Insert(ctx, "widgets", map[string]any{"name": "a"}); err != nil {
		t.Fatalf("\t%s\tShould be able to insert: %v", failed, err)
	}
	db.Shutdown()

	db = newDB(t, dir)
	id, err := db.Insert(ctx, "widgets", map[string]any{"name": "b"})
	if err != nil || id != "1" {
		t.Fatalf("\t%s\tShould continue the id sequence after a restart, got %q: %v", failed, id, err)
	}
	t.Logf("\t%s\tShould continue the id sequence after a restart.", success)

	res, err := db.Find(ctx, "widgets", nil)
	if err != nil || len(res.Results) != 2 {
		t.Fatalf("\t%s\tShould read data written by the previous process: %v", failed, err)
	}
	t.Logf("\t%s\tShould read data written by the previous process.", success)
}
