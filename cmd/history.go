package cmd

import (
	"encoding/json"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/conclave-chat/conclave/internal/application/config"
	"github.com/conclave-chat/conclave/internal/infra/adapters/sqlite"
)

var historyLimit int

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List recent meetings from the local history database",
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.New()
		if err != nil {
			log.Fatalf("could not load config: %v", err)
		}

		store, err := sqlite.NewHistoryStore(cfg.HistoryPath)
		if err != nil {
			log.Fatalf("could not open history store: %v", err)
		}

		defer func() {
			if err := store.Close(); err != nil {
				log.Fatalf("could not close history store: %v", err)
			}
		}()

		if err := store.Migrate(cmd.Context()); err != nil {
			log.Fatalf("could not migrate history store: %v", err)
		}

		records, err := store.RecentMeetings(cmd.Context(), historyLimit)
		if err != nil {
			log.Fatalf("could not list meetings: %v", err)
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if err := enc.Encode(records); err != nil {
			log.Fatalf("could not encode meetings: %v", err)
		}
	},
}

func init() {
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "maximum number of meetings to list")

	rootCmd.AddCommand(historyCmd)
}
