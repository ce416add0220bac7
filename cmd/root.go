// Package cmd defines the CLI commands for the tracker executable.
package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-sound-tracker/internal/config"
)

var cfgFile string

type configKeyType string

const configKey configKeyType = "config"

// loadConfig is a variable so tests can inject configuration.
var loadConfig = config.Load

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tracker",
		Short: "Tracks engagement of social media posts and sounds.",
		Long: `tracker ingests post and sound URLs from TikTok, Instagram, YouTube, X and
Facebook, resolves them to canonical records, scrapes engagement inline or
through an external orchestrator, and reconciles completion webhooks.`,
		SilenceUsage: true,

		// Configuration is loaded once and shared with subcommands through the context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cfgFile)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), configKey, &cfg))
			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (env TRACKER_* overrides)")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newWatchCmd())
	cmd.AddCommand(newSubmitCmd())

	return cmd
}

func configFrom(ctx context.Context) (*config.Config, error) {
	cfg, ok := ctx.Value(configKey).(*config.Config)
	if !ok || cfg == nil {
		return nil, fmt.Errorf("configuration not loaded")
	}
	return cfg, nil
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		zap.L().Error("command execution failed", zap.Error(err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
