package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/bryan-buckman/newsrelay/internal/model"
	"github.com/bryan-buckman/newsrelay/internal/sources"
	"github.com/spf13/cobra"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage monitored channels and feeds",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List monitored sources",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(reg *sources.Registry) error {
			list, err := reg.List()
			if err != nil {
				return err
			}
			printSources(cmd.OutOrStdout(), list)
			return nil
		})
	},
}

var sourcesAddCmd = &cobra.Command{
	Use:   "add <ref>...",
	Short: "Monitor channels (@name, t.me links) or feed URLs",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(reg *sources.Registry) error {
			res, err := reg.Add(strings.Join(args, " "))
			if err != nil {
				return err
			}
			printChange(cmd.OutOrStdout(), "Added", res)
			return nil
		})
	},
}

var sourcesRemoveCmd = &cobra.Command{
	Use:     "remove <ref>...",
	Aliases: []string{"rm"},
	Short:   "Stop monitoring sources",
	Args:    cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withRegistry(func(reg *sources.Registry) error {
			res, err := reg.Remove(strings.Join(args, " "))
			if err != nil {
				return err
			}
			printChange(cmd.OutOrStdout(), "Removed", res)
			return nil
		})
	},
}

func init() {
	sourcesCmd.AddCommand(sourcesListCmd, sourcesAddCmd, sourcesRemoveCmd)
	rootCmd.AddCommand(sourcesCmd)
}

func withRegistry(fn func(*sources.Registry) error) error {
	cfg, err := loadConfig(offlinePrefixes...)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	return fn(sources.NewRegistry(store, newLogger(cfg)))
}

func printSources(w io.Writer, list []model.Source) {
	if len(list) == 0 {
		fmt.Fprintln(w, "No sources")
		return
	}
	for _, s := range list {
		line := fmt.Sprintf("%-4d %-8s %s", s.ID, s.Kind, s.Ref)
		if s.Title != "" && s.Title != s.Ref {
			line += "  (" + s.Title + ")"
		}
		if s.LastError != "" {
			line += "  error: " + s.LastError
		}
		fmt.Fprintln(w, line)
	}
}

func printChange(w io.Writer, verb string, res sources.ChangeResult) {
	fmt.Fprintf(w, "%s: %d\n", verb, len(res.Changed))
	for _, ref := range res.Changed {
		fmt.Fprintf(w, "  %s\n", ref)
	}
	if len(res.Unchanged) > 0 {
		fmt.Fprintf(w, "Unchanged: %s\n", strings.Join(res.Unchanged, ", "))
	}
	if len(res.Invalid) > 0 {
		fmt.Fprintf(w, "Not recognised: %s\n", strings.Join(res.Invalid, ", "))
	}
}
