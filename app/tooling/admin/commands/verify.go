package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check that every shard on disk decrypts.",
	Args:  cobra.NoArgs,
	RunE:  verifyRun,
}

func init() {
	rootCmd.AddCommand(verifyCmd)
}

func verifyRun(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Shutdown()

	reports, err := db.Verify()
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}

	var bad int
	for _, rep := range reports {
		if rep.Err != "" {
			bad++
		}
	}

	if err := printJSON(cmd, reports); err != nil {
		return err
	}

	if bad > 0 {
		return fmt.Errorf("verify: %d of %d partitions unreadable", bad, len(reports))
	}

	return nil
}
