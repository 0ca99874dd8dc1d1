// Package app wires the entitlement components from configuration. Both the
// API server and the operator CLI build on it.
package app

import (
	"fmt"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/studybuddy/backend/internal/abuse"
	"github.com/studybuddy/backend/internal/billing"
	"github.com/studybuddy/backend/internal/config"
	"github.com/studybuddy/backend/internal/database"
	"github.com/studybuddy/backend/internal/entitlement"
	"github.com/studybuddy/backend/internal/handlers"
	"github.com/studybuddy/backend/internal/jobs"
	"github.com/studybuddy/backend/internal/logger"
	"github.com/studybuddy/backend/internal/middleware"
	"github.com/studybuddy/backend/internal/models"
	"github.com/studybuddy/backend/internal/queue"
	"github.com/studybuddy/backend/internal/referral"
	"github.com/studybuddy/backend/internal/rewards"
	"github.com/studybuddy/backend/internal/routes"
	"github.com/studybuddy/backend/internal/store"
	"github.com/studybuddy/backend/internal/store/gormstore"
	"github.com/studybuddy/backend/internal/sysconfig"
	"github.com/studybuddy/backend/internal/tiers"
	"github.com/studybuddy/backend/internal/usage"
)

// App holds the wired components
type App struct {
	Config *config.Config
	Log    zerolog.Logger

	DB    *gorm.DB
	Store store.Store
	Redis *redis.Client
	Queue *queue.RedisQueue

	SysConfig *sysconfig.Provider
	Usage     *usage.Accounting
	Gate      *entitlement.Gate
	Rewards   *rewards.Processor
	Referrals *referral.Ledger
	Abuse     *abuse.Detector
	Webhooks  *billing.WebhookService
	RewardJob *jobs.ReferralRewardJob
}

// New connects to Postgres, migrates, and builds every component. Redis is
// connected lazily; callers that need it should Ping the queue first.
func New(cfg *config.Config, log zerolog.Logger) (*App, error) {
	db, err := database.InitDB(cfg.Database)
	if err != nil {
		return nil, err
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	ledger := billing.NewStripeLedger(cfg.Stripe.SecretKey, logger.Component(log, "stripe"))
	a, err := Build(cfg, log, gormstore.New(db), queue.NewRedisQueue(rdb, logger.Component(log, "queue")), ledger)
	if err != nil {
		rdb.Close()
		return nil, err
	}
	a.DB = db
	a.Redis = rdb
	return a, nil
}

// Build wires the components over an existing store, queue and ledger
func Build(cfg *config.Config, log zerolog.Logger, s store.Store, q *queue.RedisQueue, ledger billing.Ledger) (*App, error) {
	rewardType := models.RewardType(cfg.Rewards.Type)
	if rewardType != models.RewardCredit && rewardType != models.RewardFreeMonth {
		return nil, fmt.Errorf("unknown reward type %q", cfg.Rewards.Type)
	}

	provider := sysconfig.New(s, tiers.Standard(),
		sysconfig.WithTTL(cfg.SystemConfigTTL),
		sysconfig.WithLogger(logger.Component(log, "sysconfig")))
	accounting := usage.NewAccounting(s, logger.Component(log, "usage"))

	processor := rewards.NewProcessor(s, ledger, provider, rewards.Config{
		CreditAmount:   cfg.Rewards.CreditAmount,
		FreeMonthValue: cfg.Rewards.FreeMonthValue,
		FreeMonthDays:  cfg.Rewards.FreeMonthDays,
		Currency:       cfg.Rewards.Currency,
	}, logger.Component(log, "rewards"))

	rewardJob := jobs.NewReferralRewardJob(processor, q, log)

	referrals := referral.NewLedger(s, processor,
		referral.WithRewardType(rewardType),
		referral.WithRewardHook(rewardJob.OnReward()),
		referral.WithLogger(logger.Component(log, "referral")))

	detector := abuse.NewDetector(referrals, s, abuse.Config{
		MaxPerMonth:          cfg.Abuse.MaxPerMonth,
		MaxPerDay:            cfg.Abuse.MaxPerDay,
		MaxPerIP:             cfg.Abuse.MaxPerIP,
		SuspiciousConversion: cfg.Abuse.SuspiciousConversion,
		MinReferralsForRate:  cfg.Abuse.MinReferralsForRate,
		BurstCount:           cfg.Abuse.BurstCount,
		BurstWindow:          cfg.Abuse.BurstWindow,
	}, logger.Component(log, "abuse"))

	webhooks := billing.NewWebhookService(cfg.Stripe.WebhookSecret, s,
		tiers.NewPriceMap(cfg.Stripe.PriceTiers()), referrals, accounting, log)

	return &App{
		Config:    cfg,
		Log:       log,
		Store:     s,
		Queue:     q,
		SysConfig: provider,
		Usage:     accounting,
		Gate:      entitlement.NewGate(s, provider, accounting, logger.Component(log, "entitlement")),
		Rewards:   processor,
		Referrals: referrals,
		Abuse:     detector,
		Webhooks:  webhooks,
		RewardJob: rewardJob,
	}, nil
}

// Router builds the HTTP router. The signup limiter is returned so the
// caller can run its cleanup loop.
func (a *App) Router() (*gin.Engine, *middleware.RateLimiter) {
	if !a.Config.IsDevelopment() {
		gin.SetMode(gin.ReleaseMode)
	}

	deps := map[string]handlers.Pinger{"store": a.Store}
	if a.Queue != nil {
		deps["queue"] = a.Queue
	}

	var headers *middleware.SecureHeadersConfig
	if !a.Config.IsDevelopment() {
		sec := a.Config.Security
		headers = &middleware.SecureHeadersConfig{
			UseHSTS:        sec.HSTSEnabled,
			HSTSMaxAge:     sec.HSTSMaxAge,
			XFrameOptions:  sec.FrameOptions,
			ReferrerPolicy: sec.ReferrerPolicy,
		}
	}

	limiter := middleware.NewRateLimiter(a.Config.RateLimit.RequestsPerSecond, a.Config.RateLimit.Burst)
	httpLog := logger.Component(a.Log, "http")
	router := routes.NewRouter(routes.Handlers{
		Health:      handlers.NewHealthHandler(deps),
		Entitlement: handlers.NewEntitlementHandler(a.Gate, a.Usage, httpLog),
		Referral:    handlers.NewReferralHandler(a.Referrals, a.Abuse, httpLog),
		Reward:      handlers.NewRewardHandler(a.Rewards, httpLog),
		Admin:       handlers.NewAdminHandler(a.Abuse, a.SysConfig, httpLog),
		Webhook:     handlers.NewWebhookHandler(a.Webhooks, httpLog),
	}, routes.Options{
		JWTSecret:      a.Config.Auth.JWTSecret,
		AllowedOrigins: a.Config.Server.AllowedOrigins,
		SignupLimiter:  limiter,
		SecureHeaders:  headers,
		Logger:         httpLog,
	})
	return router, limiter
}

// NewJobProcessor returns a processor with every job handler registered
func (a *App) NewJobProcessor() *queue.JobProcessor {
	p := queue.NewJobProcessor(a.Queue, a.Config.Rewards.Workers, logger.Component(a.Log, "jobs"))
	a.RewardJob.Register(p)
	return p
}

// NewPendingSweep returns the scheduled sweep of stale pending rewards
func (a *App) NewPendingSweep() *jobs.PendingSweep {
	return jobs.NewPendingSweep(a.RewardJob, a.Config.Rewards.SweepInterval, a.Config.Rewards.SweepMinAge, a.Log)
}

// Close releases connections
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.Log.Warn().Err(err).Msg("failed to close redis")
		}
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

