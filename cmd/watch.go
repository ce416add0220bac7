package cmd

import (
	"context"
	"encoding/json"
	"io"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/config"
	"github.com/JakeFAU/realtime-sound-tracker/internal/httpclient"
	"github.com/JakeFAU/realtime-sound-tracker/internal/logging"
	"github.com/JakeFAU/realtime-sound-tracker/internal/poller"
	"github.com/JakeFAU/realtime-sound-tracker/internal/tracker"
)

type clientFlags struct {
	apiURL string
	apiKey string
}

func (f *clientFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.apiURL, "api", "http://localhost:8080", "tracker API base URL")
	cmd.Flags().StringVar(&f.apiKey, "api-key", "", "API key (defaults to auth.api_key)")
}

func (f *clientFlags) key(cfg *config.Config) string {
	if f.apiKey != "" {
		return f.apiKey
	}
	return cfg.Auth.APIKey
}

func newWatchCmd() *cobra.Command {
	var (
		flags        clientFlags
		untilSettled bool
	)
	cmd := &cobra.Command{
		Use:   "watch ITEM_ID...",
		Short: "Polls items and prints each one when it settles",
		Long: `watch polls the given items, faster while any is in flight, prints every
item once per terminal status and resets items stuck in flight.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := configFrom(cmd.Context())
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			client := httpclient.New(httpclient.Config{
				MaxAttempts: cfg.Retry.MaxAttempts,
				BaseDelay:   cfg.Retry.BaseDelay,
				MaxDelay:    cfg.Retry.MaxDelay,
				Timeout:     cfg.Retry.Timeout,
			}, httpclient.WithLogger(logger))
			src := poller.NewHTTPClient(client, flags.apiURL, flags.key(cfg))
			return watch(ctx, src, args, pollerConfig(cfg), untilSettled, cmd.OutOrStdout(), logger)
		},
	}
	flags.bind(cmd)
	cmd.Flags().BoolVar(&untilSettled, "until-settled", true, "exit once every item reached a terminal status")
	return cmd
}

func pollerConfig(cfg *config.Config) poller.Config {
	return poller.Config{
		ActiveInterval: cfg.Poller.ActiveInterval,
		RecentInterval: cfg.Poller.RecentInterval,
		IdleInterval:   cfg.Poller.IdleInterval,
		RecentWindow:   cfg.Poller.RecentWindow,
		StuckAfter:     cfg.Poller.StuckAfter,
	}
}

// watch runs a poller session until ctx ends or, with untilSettled, every item is terminal.
func watch(
	ctx context.Context,
	src poller.Source,
	ids []string,
	cfg poller.Config,
	untilSettled bool,
	out io.Writer,
	logger *zap.Logger,
) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	settled := make(map[string]bool, len(ids))
	enc := json.NewEncoder(out)
	notify := func(item tracker.TrackedItem) {
		mu.Lock()
		defer mu.Unlock()
		if err := enc.Encode(item); err != nil {
			logger.Warn("write item", zap.Error(err))
		}
		settled[item.ID] = true
		if untilSettled && len(settled) == len(ids) {
			cancel()
		}
	}

	session := poller.NewSession(src, ids, cfg, notify, logger)
	session.Start(ctx)
	<-session.Done()
	return nil
}
