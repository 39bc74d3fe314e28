package commands

import (
	"bytes"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"github.com/cosmoweb3/cosmodb/foundation/cosmodb"
	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/vault"
	"go.uber.org/zap"
)

// Success and failure markers.
const (
	success = "\u2713"
	failed  = "\u2717"
)

func execute(t *testing.T, args ...string) (string, error) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	defer rootCmd.SetOut(nil)

	err := Execute(zap.NewNop().Sugar(), args)
	return buf.String(), err
}

func Test_Commands(t *testing.T) {
	dir := t.TempDir()
	flags := []string{
		"--data-dir", filepath.Join(dir, "shards"),
		"--vault", filepath.Join(dir, "vault", "snapshots.db"),
		"--secret", "admin-secret",
	}

	t.Log("Given the need to administer a data dir from the command line.")
	{
		testID := 0
		t.Logf("\tTest %d:\tWhen inserting and reading back a document.", testID)
		{
			out, err := execute(t, append([]string{"insert", "widgets", `{"name":"bolt","country":"NZ"}`}, flags...)...)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to insert : %s", failed, testID, err)
			}

			var ins map[string]string
			if err := json.Unmarshal([]byte(out), &ins); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould print JSON : %s", failed, testID, err)
			}
			if ins["id"] == "" || ins["partition"] != "NZ" {
				t.Fatalf("\t%s\tTest %d:\tShould print the id and partition : %v", failed, testID, ins)
			}
			t.Logf("\t%s\tTest %d:\tShould be able to insert.", success, testID)

			out, err = execute(t, append([]string{"find", "widgets", `{"name":"bolt"}`}, flags...)...)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould be able to find : %s", failed, testID, err)
			}

			var res cosmodb.FindResult
			if err := json.Unmarshal([]byte(out), &res); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould print JSON : %s", failed, testID, err)
			}
			if len(res.Results) != 1 {
				t.Fatalf("\t%s\tTest %d:\tShould find one document : got %d", failed, testID, len(res.Results))
			}
			t.Logf("\t%s\tTest %d:\tShould find the document.", success, testID)
		}

		testID++
		t.Logf("\tTest %d:\tWhen verifying the data dir.", testID)
		{
			out, err := execute(t, append([]string{"verify"}, flags...)...)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould verify cleanly : %s", failed, testID, err)
			}

			var reports []cosmodb.PartitionReport
			if err := json.Unmarshal([]byte(out), &reports); err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould print JSON : %s", failed, testID, err)
			}
			if len(reports) != 1 || reports[0].State != "present" || reports[0].Docs != 1 {
				t.Fatalf("\t%s\tTest %d:\tShould report one present partition : %+v", failed, testID, reports)
			}
			t.Logf("\t%s\tTest %d:\tShould report one present partition.", success, testID)

			wrong := append([]string{"verify"}, flags...)
			wrong[len(wrong)-1] = "some-other-secret"
			if _, err := execute(t, wrong...); err == nil {
				t.Fatalf("\t%s\tTest %d:\tShould fail with the wrong secret.", failed, testID)
			}
			t.Logf("\t%s\tTest %d:\tShould fail with the wrong secret.", success, testID)
		}

		testID++
		t.Logf("\tTest %d:\tWhen the vault is empty.", testID)
		{
			out, err := execute(t, append([]string{"snapshots"}, flags...)...)
			if err != nil {
				t.Fatalf("\t%s\tTest %d:\tShould list snapshots : %s", failed, testID, err)
			}
			if out != "null\n" && out != "[]\n" {
				t.Fatalf("\t%s\tTest %d:\tShould list nothing : %q", failed, testID, out)
			}
			t.Logf("\t%s\tTest %d:\tShould list nothing.", success, testID)

			restore := append([]string{"restore", "--data-dir", filepath.Join(dir, "restored")}, flags[2:]...)
			_, err = execute(t, restore...)
			if !errors.Is(err, vault.ErrNotFound) {
				t.Fatalf("\t%s\tTest %d:\tShould get ErrNotFound : %v", failed, testID, err)
			}
			t.Logf("\t%s\tTest %d:\tShould get ErrNotFound.", success, testID)
		}
	}
}
