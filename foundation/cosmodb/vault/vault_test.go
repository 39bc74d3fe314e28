package vault_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/replica"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/vault"
)

// Success and failure markers.
const (
	success = "✓"
	failed  = "✗"
)

func Test_Vault(t *testing.T) {
	t.Log("Given the need to keep received snapshots.")
	{
		ctx := context.Background()

		v, err := vault.Open(filepath.Join(t.TempDir(), "vault", "snapshots.db"))
		if err != nil {
			t.Fatalf("\t%s\tShould be able to open the vault: %v", failed, err)
		}
		defer v.Close()
		t.Logf("\t%s\tShould be able to open the vault.", success)

		if _, err := v.Latest(ctx); !errors.Is(err, vault.ErrNotFound) {
			t.Fatalf("\t%s\tShould report an empty vault: %v", failed, err)
		}
		t.Logf("\t%s\tShould report an empty vault.", success)

		first := replica.NewSnapshot(map[string][]byte{"widgets/5553.shard": []byte("v1")})
		second := replica.NewSnapshot(map[string][]byte{"widgets/5553.shard": []byte("v2"), "errors/64656661756c74.shard": []byte("e")})

		for _, snap := range []replica.Snapshot{first, second, second} {
			if _, err := v.Store(ctx, snap); err != nil {
				t.Fatalf("\t%s\tShould store the snapshot: %v", failed, err)
			}
		}
		t.Logf("\t%s\tShould store the snapshots.", success)

		n, err := v.Count(ctx)
		if err != nil || n != 2 {
			t.Fatalf("\t%s\tShould hold each digest once, got %d: %v", failed, n, err)
		}
		t.Logf("\t%s\tShould hold each digest once.", success)

		latest, err := v.Latest(ctx)
		if err != nil || latest.Digest != second.Digest {
			t.Fatalf("\t%s\tShould return the latest snapshot: %v", failed, err)
		}
		if err := latest.Verify(); err != nil {
			t.Fatalf("\t%s\tShould return an intact snapshot: %v", failed, err)
		}
		t.Logf("\t%s\tShould return the latest intact snapshot.", success)

		infos, err := v.List(ctx, 10)
		if err != nil || len(infos) != 2 || infos[0].Digest != second.Digest || infos[0].Bytes != 3 {
			t.Fatalf("\t%s\tShould list snapshots newest first: %+v %v", failed, infos, err)
		}
		t.Logf("\t%s\tShould list snapshots newest first.", success)

		bad := replica.NewSnapshot(map[string][]byte{"a/00.shard": []byte("x")})
		bad.Shards["a/00.shard"] = []byte("y")
		if _, err := v.Store(ctx, bad); !errors.Is(err, replica.ErrBadDigest) {
			t.Fatalf("\t%s\tShould refuse a snapshot with a bad digest: %v", failed, err)
		}
		t.Logf("\t%s\tShould refuse a snapshot with a bad digest.", success)
	}
}

func Test_Restore(t *testing.T) {
	dir := t.TempDir()

	snap := replica.NewSnapshot(map[string][]byte{
		"widgets/5553.shard": []byte("one"),
		"widgets/4652.shard": []byte("two"),
		"errors/0000.shard":  []byte("three"),
	})

	n, err := vault.Restore(snap, dir)
	if err != nil || n != 3 {
		t.Fatalf("\t%s\tShould restore every shard, got %d: %v", failed, n, err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "widgets", "4652.shard"))
	if err != nil || string(data) != "two" {
		t.Fatalf("\t%s\tShould write the shard contents: %q %v", failed, data, err)
	}
	t.Logf("\t%s\tShould restore every shard.", success)

	escape := replica.NewSnapshot(map[string][]byte{"../outside.shard": []byte("x")})
	if _, err := vault.Restore(escape, dir); err == nil {
		t.Fatalf("\t%s\tShould refuse paths outside the data dir.", failed)
	}
	t.Logf("\t%s\tShould refuse paths outside the data dir.", success)
}
