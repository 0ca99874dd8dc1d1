package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/studybuddy/backend/internal/app"
	"github.com/studybuddy/backend/internal/config"
	"github.com/studybuddy/backend/internal/jobs"
	"github.com/studybuddy/backend/internal/middleware"
	"github.com/studybuddy/backend/internal/models"
	"github.com/studybuddy/backend/internal/tiers"
)

var (
	backfillBatch int
	failedLimit   int

	flagAction string

	overrideAICalls    int
	overrideMaxLessons int
	overrideVoice      bool
	overrideAdminTools bool
	overrideDataExport bool
	overridePriority   bool
	overrideClear      bool

	configAIEnabled      bool
	configBillingEnabled bool
	configIngestEnabled  bool
	configAITone         string
	configExplainWrong   bool

	tokenEmail string
	tokenAdmin bool
	tokenTTL   time.Duration
)

var backfillCodesCmd = &cobra.Command{
	Use:   "backfill-codes",
	Short: "Assign referral codes to accounts that have none",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.Referrals.BackfillCodes(ctx, backfillBatch)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Assigned %d referral codes\n", n)
			return nil
		})
	},
}

var listFailedCmd = &cobra.Command{
	Use:   "list-failed",
	Short: "List rewards whose application failed",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			failed, err := a.Rewards.ListFailed(ctx, failedLimit)
			if err != nil {
				return err
			}
			if len(failed) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No failed rewards")
				return nil
			}
			for _, r := range failed {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %-8s %-10s %6d  attempts=%d  %s\n",
					r.ID, r.UserID, r.RewardType, r.Amount, r.Attempts, r.Error)
			}
			return nil
		})
	},
}

var retryRewardCmd = &cobra.Command{
	Use:   "retry-reward <reward-id>",
	Short: "Retry applying a failed reward",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid reward id: %w", err)
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			out, err := a.Rewards.RetryFailed(ctx, id)
			if err != nil {
				return err
			}
			return printJSON(cmd, out)
		})
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Re-enqueue stale pending rewards once",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.NewPendingSweep().Sweep(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Re-enqueued %d pending rewards\n", n)
			return nil
		})
	},
}

var queueStatsCmd = &cobra.Command{
	Use:   "queue-stats",
	Short: "Show reward job queue depth",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			stats, err := a.Queue.Stats(ctx, jobs.ReferralRewardJobType)
			if err != nil {
				return err
			}
			return printJSON(cmd, stats)
		})
	},
}

var resolveFlagCmd = &cobra.Command{
	Use:   "resolve-flag <flag-id>",
	Short: "Resolve a pending abuse flag",
	Long:  `Resolve a pending abuse flag. A banned resolution also bans the account.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid flag id: %w", err)
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			flag, err := a.Abuse.ResolveFlag(ctx, id, models.FlagAction(flagAction), operator)
			if err != nil {
				return err
			}
			return printJSON(cmd, flag)
		})
	},
}

var setTierOverrideCmd = &cobra.Command{
	Use:   "set-tier-override <tier>",
	Short: "Force feature flags or quotas for a tier",
	Example: `  # Cut pro AI calls to 50 a month
  entitlementctl set-tier-override pro --ai-calls 50

  # Remove every override from starter
  entitlementctl set-tier-override starter --clear`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var o models.TierOverride
		if !overrideClear {
			o = overrideFromFlags(cmd)
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			cfg, err := a.SysConfig.SetTierOverride(ctx, tiers.Name(args[0]), o, operator)
			if err != nil {
				return err
			}
			return printJSON(cmd, cfg.TierOverrides)
		})
	},
}

func overrideFromFlags(cmd *cobra.Command) models.TierOverride {
	var o models.TierOverride
	flags := cmd.Flags()
	if flags.Changed("ai-calls") {
		o.AICallsPerMonth = &overrideAICalls
	}
	if flags.Changed("max-lessons") {
		o.MaxLessons = &overrideMaxLessons
	}
	if flags.Changed("voice") {
		o.VoiceEnabled = &overrideVoice
	}
	if flags.Changed("admin-tools") {
		o.AdminToolsEnabled = &overrideAdminTools
	}
	if flags.Changed("data-export") {
		o.DataExportEnabled = &overrideDataExport
	}
	if flags.Changed("priority-support") {
		o.PrioritySupport = &overridePriority
	}
	return o
}

var systemConfigCmd = &cobra.Command{
	Use:   "system-config",
	Short: "Inspect or change kill switches",
}

var systemConfigShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the current system config",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			return printJSON(cmd, a.SysConfig.Config(ctx))
		})
	},
}

var systemConfigSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Change kill switches; unset flags keep their value",
	RunE: func(cmd *cobra.Command, args []string) error {
		flags := cmd.Flags()
		if flags.Changed("ai-tone") {
			switch configAITone {
			case "friendly", "strict", "concise":
			default:
				return fmt.Errorf("ai-tone must be one of friendly, strict, concise")
			}
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			cfg, err := a.SysConfig.Update(ctx, operator, func(c *models.SystemConfig) {
				if flags.Changed("ai-enabled") {
					c.AIEnabled = configAIEnabled
				}
				if flags.Changed("billing-enabled") {
					c.BillingEnabled = configBillingEnabled
				}
				if flags.Changed("ingest-enabled") {
					c.IngestEnabled = configIngestEnabled
				}
				if flags.Changed("ai-tone") {
					c.AITone = configAITone
				}
				if flags.Changed("explain-wrong-answers") {
					c.ExplainWrongAnswers = configExplainWrong
				}
			})
			if err != nil {
				return err
			}
			return printJSON(cmd, cfg)
		})
	},
}

var resetUsageCmd = &cobra.Command{
	Use:   "reset-usage <user-id>",
	Short: "Zero an account's monthly AI usage",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			if err := a.Usage.Reset(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Reset usage for %s\n", args[0])
			return nil
		})
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Mint a bearer token for local development",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadConfig()
		if err != nil {
			return err
		}
		if !cfg.IsDevelopment() {
			return fmt.Errorf("tokens can only be minted in development")
		}
		token, err := middleware.GenerateToken(cfg.Auth.JWTSecret, args[0], tokenEmail, tokenAdmin, tokenTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	backfillCodesCmd.Flags().IntVar(&backfillBatch, "batch", 100, "Accounts per batch")
	listFailedCmd.Flags().IntVar(&failedLimit, "limit", 50, "Maximum rewards to list")

	resolveFlagCmd.Flags().StringVar(&flagAction, "action", "", "approved, warning or banned")
	_ = resolveFlagCmd.MarkFlagRequired("action")

	f := setTierOverrideCmd.Flags()
	f.IntVar(&overrideAICalls, "ai-calls", 0, "AI calls per month")
	f.IntVar(&overrideMaxLessons, "max-lessons", 0, "Maximum lessons, -1 for unlimited")
	f.BoolVar(&overrideVoice, "voice", false, "Voice features")
	f.BoolVar(&overrideAdminTools, "admin-tools", false, "Admin tools")
	f.BoolVar(&overrideDataExport, "data-export", false, "Data export")
	f.BoolVar(&overridePriority, "priority-support", false, "Priority support")
	f.BoolVar(&overrideClear, "clear", false, "Remove all overrides for the tier")

	s := systemConfigSetCmd.Flags()
	s.BoolVar(&configAIEnabled, "ai-enabled", true, "Allow AI calls")
	s.BoolVar(&configBillingEnabled, "billing-enabled", true, "Allow billing operations")
	s.BoolVar(&configIngestEnabled, "ingest-enabled", true, "Allow lesson ingestion")
	s.StringVar(&configAITone, "ai-tone", "friendly", "friendly, strict or concise")
	s.BoolVar(&configExplainWrong, "explain-wrong-answers", true, "Explain wrong answers")
	systemConfigCmd.AddCommand(systemConfigShowCmd)
	systemConfigCmd.AddCommand(systemConfigSetCmd)

	tokenCmd.Flags().StringVar(&tokenEmail, "email", "", "Email claim")
	tokenCmd.Flags().BoolVar(&tokenAdmin, "admin", false, "Grant the admin claim")
	tokenCmd.Flags().DurationVar(&tokenTTL, "ttl", 24*time.Hour, "Token lifetime")
}
