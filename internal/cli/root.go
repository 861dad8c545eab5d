// Package cli wires the relay's commands.
package cli

import (
	"fmt"
	"strings"

	"github.com/bryan-buckman/newsrelay/internal/config"
	"github.com/bryan-buckman/newsrelay/internal/database"
	"github.com/bryan-buckman/newsrelay/internal/logging"
	"github.com/spf13/cobra"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "newsrelay",
	Short: "Telegram news moderation relay",
	Long: `newsrelay collects posts from monitored Telegram channels and feeds,
lets moderators review, rewrite and publish them one at a time from a
private bot chat, and forwards approved posts to a target channel.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./newsrelay.yaml)")
}

var initErr error

func initConfig() {
	initErr = config.Init(cfgFile)
}

// loadConfig returns the validated configuration. Only the fields under
// the given prefixes are checked; no prefixes checks everything.
func loadConfig(prefixes ...string) (*config.Config, error) {
	if initErr != nil {
		return nil, initErr
	}
	cfg, err := config.Get()
	if err != nil {
		return nil, err
	}

	var errs config.ValidationErrors
	for _, e := range cfg.Validate() {
		if len(prefixes) == 0 || hasAnyPrefix(e.Field, prefixes) {
			errs = append(errs, e)
		}
	}
	if len(errs) > 0 {
		return nil, errs
	}
	return cfg, nil
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func newLogger(cfg *config.Config) *logging.Logger {
	return logging.NewStderr(cfg.Logging.Level, cfg.Logging.Format)
}

func openStore(cfg *config.Config) (database.Store, error) {
	store, err := database.Open(cfg.Database.Driver, cfg.Database.Path, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Database.Driver, err)
	}
	return store, nil
}

// offline commands touch only the store.
var offlinePrefixes = []string{"database.", "logging."}
