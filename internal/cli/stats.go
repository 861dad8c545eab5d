package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/bryan-buckman/newsrelay/internal/model"
	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show post counts by status",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var statsJSON bool

func init() {
	statsCmd.Flags().BoolVar(&statsJSON, "json", false, "Output statistics as JSON")
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(offlinePrefixes...)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	counts, err := store.CountByStatus()
	if err != nil {
		return fmt.Errorf("count posts: %w", err)
	}
	if statsJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(counts)
	}
	printStats(cmd.OutOrStdout(), store.DatabaseType(), counts)
	return nil
}

func printStats(w io.Writer, dbType string, counts map[model.Status]int) {
	fmt.Fprintf(w, "POSTS (%s)\n", dbType)
	fmt.Fprintln(w, strings.Repeat("─", 30))
	total := 0
	for _, st := range []model.Status{model.StatusNew, model.StatusPending, model.StatusSkipped, model.StatusPublished} {
		fmt.Fprintf(w, "%-10s %6d\n", st, counts[st])
		total += counts[st]
	}
	fmt.Fprintln(w, strings.Repeat("─", 30))
	fmt.Fprintf(w, "%-10s %6d\n", "total", total)
}
