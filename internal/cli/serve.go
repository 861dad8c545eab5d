package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bryan-buckman/newsrelay/internal/moderation"
	"github.com/bryan-buckman/newsrelay/internal/notify"
	"github.com/bryan-buckman/newsrelay/internal/rewrite"
	"github.com/bryan-buckman/newsrelay/internal/rss"
	"github.com/bryan-buckman/newsrelay/internal/server"
	"github.com/bryan-buckman/newsrelay/internal/session"
	"github.com/bryan-buckman/newsrelay/internal/sources"
	"github.com/bryan-buckman/newsrelay/internal/telegram"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot, the pollers and the admin API",
	Long: `Run the moderation bot until interrupted.

Starts:
- the Telegram bot (moderation menu and channel ingestion)
- the new-posts notifier
- the feed poller
- the admin HTTP API, when server.enabled is set`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()
	logger.Info("database ready", "type", store.DatabaseType())

	var gen rewrite.Generator
	if cfg.Gemini.APIKey != "" {
		g, err := rewrite.NewGeminiGenerator(ctx, cfg.Gemini.APIKey, cfg.Gemini.Models)
		if err != nil {
			return fmt.Errorf("rewrite service: %w", err)
		}
		gen = g
	} else {
		logger.Warn("gemini.api_key not set, rewrites will return the original text")
	}
	gateway := rewrite.NewGateway(gen, cfg.Gemini.HouseRules, logger)

	client, err := telegram.NewClient(cfg.Telegram.Token, cfg.Telegram.TargetChannel, logger)
	if err != nil {
		return err
	}

	sessions := session.NewManager(store, logger)
	machine := moderation.New(store, sessions, gateway, client, logger)
	registry := sources.NewRegistry(store, logger)
	bot := telegram.NewBot(client, machine, registry, store, cfg.Telegram.AdminIDs, logger)

	notifier := notify.New(store, sessions, client, cfg.Telegram.AdminIDs, logger)
	notifyPoller := notify.NewPoller(notifier, cfg.Notify.Interval)
	notifyPoller.Start()
	defer notifyPoller.Stop()

	fetcher := rss.NewFetcher(store, logger)
	feedPoller := rss.NewPoller(store, fetcher)
	feedPoller.Start()
	defer feedPoller.Stop()

	if cfg.Server.Enabled {
		srv := server.New(store, fetcher, cfg.Server.Token, logger)
		go func() {
			if err := srv.Start(cfg.Server.Addr); err != nil {
				logger.Error("admin server stopped", "error", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := srv.Stop(shutdownCtx); err != nil {
				logger.Warn("admin server shutdown", "error", err)
			}
		}()
	}

	if err := bot.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("shutting down")
	return nil
}
