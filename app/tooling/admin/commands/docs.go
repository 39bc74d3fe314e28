package commands

import (
	"encoding/json"
	"fmt"

	"github.com/cosmoweb3/cosmodb/foundation/cosmodb"
	"github.com/spf13/cobra"
)

var insertCmd = &cobra.Command{
	Use:   "insert <collection> <json>",
	Short: "Insert a document into a collection.",
	Args:  cobra.ExactArgs(2),
	RunE:  insertRun,
}

var findCmd = &cobra.Command{
	Use:   "find <collection> [json query]",
	Short: "Find the documents matching a query.",
	Args:  cobra.RangeArgs(1, 2),
	RunE:  findRun,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print the store stats for this process.",
	Args:  cobra.NoArgs,
	RunE:  statsRun,
}

func init() {
	rootCmd.AddCommand(insertCmd)
	rootCmd.AddCommand(findCmd)
	rootCmd.AddCommand(statsCmd)
}

func insertRun(cmd *cobra.Command, args []string) error {
	var data map[string]any
	if err := json.Unmarshal([]byte(args[1]), &data); err != nil {
		return fmt.Errorf("decoding document: %w", err)
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Shutdown()

	id, err := db.Insert(cmd.Context(), args[0], data)
	if err != nil {
		return fmt.Errorf("insert: %w", err)
	}

	log.Infow("insert", "collection", args[0], "id", id)

	return printJSON(cmd, map[string]string{"id": id, "partition": cosmodb.PartitionOf(data)})
}

func findRun(cmd *cobra.Command, args []string) error {
	var query map[string]any
	if len(args) == 2 {
		if err := json.Unmarshal([]byte(args[1]), &query); err != nil {
			return fmt.Errorf("decoding query: %w", err)
		}
	}

	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Shutdown()

	res, err := db.Find(cmd.Context(), args[0], query)
	if err != nil {
		return fmt.Errorf("find: %w", err)
	}

	if res.Warnings > 0 {
		log.Warnw("find", "collection", args[0], "unreadable", res.Warnings)
	}

	return printJSON(cmd, res)
}

func statsRun(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Shutdown()

	return printJSON(cmd, db.Stats())
}
