package commands

import (
	"errors"
	"fmt"
	"os"

	"github.com/cosmoweb3/cosmodb/foundation/cosmodb/vault"
	"github.com/spf13/cobra"
)

var snapshotsCmd = &cobra.Command{
	Use:   "snapshots",
	Short: "List the snapshots held in the vault.",
	Args:  cobra.NoArgs,
	RunE:  snapshotsRun,
}

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Write the latest vault snapshot into the data dir.",
	Args:  cobra.NoArgs,
	RunE:  restoreRun,
}

var force bool

func init() {
	rootCmd.AddCommand(snapshotsCmd)
	rootCmd.AddCommand(restoreCmd)
	snapshotsCmd.Flags().IntVarP(&limit, "limit", "l", 20, "Number of snapshots to list.")
	restoreCmd.Flags().BoolVarP(&force, "force", "f", false, "Restore into a data dir that already has shards.")
}

func snapshotsRun(cmd *cobra.Command, args []string) error {
	vlt, err := vault.Open(vaultPath)
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}
	defer vlt.Close()

	infos, err := vlt.List(cmd.Context(), limit)
	if err != nil {
		return err
	}

	return printJSON(cmd, infos)
}

func restoreRun(cmd *cobra.Command, args []string) error {
	if !force {
		entries, err := os.ReadDir(dataDir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
		if len(entries) > 0 {
			return fmt.Errorf("restore: data dir %q is not empty, use --force", dataDir)
		}
	}

	vlt, err := vault.Open(vaultPath)
	if err != nil {
		return fmt.Errorf("opening vault: %w", err)
	}
	defer vlt.Close()

	snap, err := vlt.Latest(cmd.Context())
	if err != nil {
		return err
	}

	n, err := vault.Restore(snap, dataDir)
	if err != nil {
		return err
	}

	log.Infow("restore", "digest", snap.Digest, "files", n, "dataDir", dataDir)

	return printJSON(cmd, map[string]any{"digest": snap.Digest, "taken": snap.Taken, "files": n})
}
