package config

import (
	"time"
)

// SecurityConfig holds HTTP hardening settings
type SecurityConfig struct {
	// Secure headers
	HSTSEnabled    bool          `envconfig:"HSTS_ENABLED" default:"true"`
	HSTSMaxAge     time.Duration `envconfig:"HSTS_MAX_AGE" default:"8760h"`
	FrameOptions   string        `envconfig:"FRAME_OPTIONS" default:"DENY"`
	ReferrerPolicy string        `envconfig:"REFERRER_POLICY" default:"no-referrer"`

	// Stale per-IP limiters are dropped on this interval
	LimiterCleanup time.Duration `envconfig:"LIMITER_CLEANUP" default:"5m"`
}

// DefaultSecurityConfig returns the security configuration used when the
// environment sets nothing
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		HSTSEnabled:    true,
		HSTSMaxAge:     365 * 24 * time.Hour,
		FrameOptions:   "DENY",
		ReferrerPolicy: "no-referrer",
		LimiterCleanup: 5 * time.Minute,
	}
}
