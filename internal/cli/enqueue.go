package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

var enqueueSource string

var enqueueCmd = &cobra.Command{
	Use:   "enqueue [text]",
	Short: "Add a post to the moderation queue",
	Long: `Add a post to the moderation queue by hand.

The text is taken from the arguments, or read from stdin when none are given.`,
	RunE: runEnqueue,
}

func init() {
	enqueueCmd.Flags().StringVarP(&enqueueSource, "source", "s", "manual", "source recorded on the post")
	rootCmd.AddCommand(enqueueCmd)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	text := strings.Join(args, " ")
	if len(args) == 0 {
		b, err := io.ReadAll(cmd.InOrStdin())
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = string(b)
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return fmt.Errorf("post text is empty")
	}

	cfg, err := loadConfig(offlinePrefixes...)
	if err != nil {
		return err
	}
	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	id, err := store.Enqueue(enqueueSource, text)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Enqueued post %d\n", id)
	return nil
}
