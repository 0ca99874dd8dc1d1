package routes

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/studybuddy/backend/internal/handlers"
	"github.com/studybuddy/backend/internal/middleware"
)

// Handlers groups every HTTP handler the router mounts
type Handlers struct {
	Health      *handlers.HealthHandler
	Entitlement *handlers.EntitlementHandler
	Referral    *handlers.ReferralHandler
	Reward      *handlers.RewardHandler
	Admin       *handlers.AdminHandler
	Webhook     *handlers.WebhookHandler
}

// Options configures the router
type Options struct {
	JWTSecret      string
	AllowedOrigins []string
	SignupLimiter  *middleware.RateLimiter
	SecureHeaders  *middleware.SecureHeadersConfig
	Logger         zerolog.Logger
}

// NewRouter builds the gin engine with all routes
func NewRouter(h Handlers, opts Options) *gin.Engine {
	router := gin.New()
	router.Use(middleware.RequestLogger(opts.Logger))
	router.Use(cors.New(cors.Config{
		AllowOrigins:     opts.AllowedOrigins,
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", middleware.RequestIDHeader},
		ExposeHeaders:    []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	if opts.SecureHeaders != nil {
		router.Use(middleware.SecureHeaders(*opts.SecureHeaders))
	}

	router.GET("/healthz", h.Health.Healthz)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	RegisterWebhookRoutes(router, h.Webhook)

	api := router.Group("/api/v1")
	api.Use(middleware.AuthMiddleware(opts.JWTSecret))
	RegisterEntitlementRoutes(api, h.Entitlement)
	RegisterReferralRoutes(api, h.Referral, h.Reward, opts.SignupLimiter)
	RegisterAdminRoutes(api, h.Admin, h.Reward)

	return router
}

// RegisterEntitlementRoutes registers gate and usage routes
func RegisterEntitlementRoutes(api *gin.RouterGroup, h *handlers.EntitlementHandler) {
	api.GET("/entitlements/:capability", h.Check)

	usage := api.Group("/usage")
	{
		usage.GET("", h.GetUsage)
		usage.POST("/ai", h.RecordAIUsage)
		usage.POST("/ai/claim", h.ClaimAICall)
	}
}

// RegisterReferralRoutes registers referral and reward claim routes
func RegisterReferralRoutes(api *gin.RouterGroup, h *handlers.ReferralHandler, rh *handlers.RewardHandler, limiter *middleware.RateLimiter) {
	referrals := api.Group("/referrals")
	{
		referrals.POST("/code", h.AssignCode)
		referrals.GET("/validate/:code", h.ValidateCode)
		referrals.GET("/stats", h.Stats)
		referrals.GET("/history", h.History)
		if limiter != nil {
			referrals.POST("/signup", limiter.IPRateLimiterMiddleware(), h.Signup)
		} else {
			referrals.POST("/signup", h.Signup)
		}
	}

	api.POST("/rewards/claim", rh.Claim)
}

// RegisterAdminRoutes registers operator routes
func RegisterAdminRoutes(api *gin.RouterGroup, h *handlers.AdminHandler, rh *handlers.RewardHandler) {
	admin := api.Group("/admin")
	admin.Use(middleware.AdminMiddleware())
	{
		admin.GET("/abuse-flags", h.ListFlags)
		admin.POST("/abuse-flags/:id/resolve", h.ResolveFlag)
		admin.GET("/rewards/failed", rh.ListFailed)
		admin.POST("/rewards/:id/retry", rh.Retry)
		admin.GET("/system-config", h.GetSystemConfig)
		admin.PUT("/system-config", h.UpdateSystemConfig)
		admin.PUT("/tiers/:tier/overrides", h.SetTierOverride)
	}
}

// RegisterWebhookRoutes registers unauthenticated, signature-verified webhooks
func RegisterWebhookRoutes(router *gin.Engine, h *handlers.WebhookHandler) {
	webhooks := router.Group("/webhooks")
	{
		webhooks.POST("/stripe", h.Stripe)
	}
}
