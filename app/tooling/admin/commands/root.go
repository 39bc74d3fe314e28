// Package commands contains the admin tool commands.
package commands

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cosmoweb3/cosmodb/foundation/cosmodb"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	dataDir   string
	secret    string
	salt      string
	vaultPath string
	limit     int
)

var rootCmd = &cobra.Command{
	Use:           "admin",
	Short:         "Administrative tasks for a cosmodb node",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&dataDir, "data-dir", "d", "zdata/shards", "Path to the shard directory.")
	rootCmd.PersistentFlags().StringVarP(&secret, "secret", "s", "change-me-in-production", "Secret the shards are encrypted with.")
	rootCmd.PersistentFlags().StringVar(&salt, "salt", "cosmodb-shard-salt", "Salt used to derive the shard key.")
	rootCmd.PersistentFlags().StringVarP(&vaultPath, "vault", "v", "zdata/vault/snapshots.db", "Path to the snapshot vault.")
}

// log is set by Execute so commands can report what they did.
var log *zap.SugaredLogger

// Execute runs the command named by args.
func Execute(l *zap.SugaredLogger, args []string) error {
	log = l
	rootCmd.SetArgs(args)

	return rootCmd.ExecuteContext(context.Background())
}

// openDB opens the data directory without starting a worker, so no replica
// is ever contacted.
func openDB() (*cosmodb.DB, error) {
	db, err := cosmodb.New(cosmodb.Config{
		DataDir: dataDir,
		Secret:  secret,
		Salt:    salt,
		EvHandler: func(v string, args ...any) {
			log.Debugw(fmt.Sprintf(v, args...))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("opening data dir: %w", err)
	}

	return db, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return nil
}
