package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/zjrosen/herald/internal/config"
	"github.com/zjrosen/herald/internal/journal"
)

var (
	historySession string
	historyProcess string
	historyLimit   int
	historyPath    string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show recent lifecycle journal entries",
	Long: `Show connect, start, stop, delete, terminate and disconnect entries
recorded by "herald run", newest first.

Examples:
  herald history
  herald history --process ping --limit 10
  herald history --session 3f2a9c1e-...`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		path := historyPath
		if path == "" {
			path = cfg.Journal.Path
		}
		if path == "" {
			return errors.New("no journal configured (set journal.path or pass --journal)")
		}
		path = config.ExpandHome(path)
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("journal %s: %w", path, err)
		}

		db, err := journal.Open(path)
		if err != nil {
			return fmt.Errorf("opening journal: %w", err)
		}
		defer func() { _ = db.Close() }()

		entries, err := db.Recent(cmd.Context(), journal.Query{
			Session: historySession,
			Process: historyProcess,
			Limit:   historyLimit,
		})
		if err != nil {
			return err
		}
		renderHistory(cmd.OutOrStdout(), entries)
		return nil
	},
}

func init() {
	historyCmd.Flags().StringVarP(&historySession, "session", "s", "", "only entries from this session id")
	historyCmd.Flags().StringVarP(&historyProcess, "process", "p", "", "only entries for this worker name")
	historyCmd.Flags().IntVarP(&historyLimit, "limit", "n", journal.DefaultLimit, "maximum entries to show")
	historyCmd.Flags().StringVar(&historyPath, "journal", "", "journal file (overrides config)")
	rootCmd.AddCommand(historyCmd)
}
