package main

import (
	"context"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/studybuddy/backend/internal/app"
	"github.com/studybuddy/backend/internal/config"
	"github.com/studybuddy/backend/internal/logger"
)

// openApp builds the application for a command run. Tests replace it.
var openApp = func(cfg *config.Config, log zerolog.Logger) (*app.App, error) {
	return app.New(cfg, log)
}

var operator string

var rootCmd = &cobra.Command{
	Use:           "entitlementctl",
	Short:         "Operator tooling for entitlements, referrals and rewards",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&operator, "operator", "cli", "Identity recorded on admin changes")

	rootCmd.AddCommand(backfillCodesCmd)
	rootCmd.AddCommand(listFailedCmd)
	rootCmd.AddCommand(retryRewardCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(queueStatsCmd)
	rootCmd.AddCommand(resolveFlagCmd)
	rootCmd.AddCommand(setTierOverrideCmd)
	rootCmd.AddCommand(systemConfigCmd)
	rootCmd.AddCommand(resetUsageCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// withApp loads configuration, opens the application and runs fn against it
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}
	log := logger.Component(logger.New(cfg.Environment, cfg.LogLevel), "cli")

	a, err := openApp(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(ctx, a)
}
