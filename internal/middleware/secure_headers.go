package middleware

import (
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

// SecureHeadersConfig contains configuration for secure headers
type SecureHeadersConfig struct {
	UseHSTS        bool
	HSTSMaxAge     time.Duration
	XFrameOptions  string
	ReferrerPolicy string
}

// DefaultSecureHeadersConfig returns the default secure headers configuration
func DefaultSecureHeadersConfig() SecureHeadersConfig {
	return SecureHeadersConfig{
		UseHSTS:        true,
		HSTSMaxAge:     365 * 24 * time.Hour,
		XFrameOptions:  "DENY",
		ReferrerPolicy: "no-referrer",
	}
}

// SecureHeaders sets the response headers a JSON API needs
func SecureHeaders(cfg SecureHeadersConfig) gin.HandlerFunc {
	hsts := fmt.Sprintf("max-age=%d; includeSubDomains", int(cfg.HSTSMaxAge.Seconds()))
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", cfg.XFrameOptions)
		h.Set("Referrer-Policy", cfg.ReferrerPolicy)
		h.Set("Cache-Control", "no-store")
		if cfg.UseHSTS {
			h.Set("Strict-Transport-Security", hsts)
		}
		c.Next()
	}
}
