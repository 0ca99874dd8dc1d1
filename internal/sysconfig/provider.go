// Package sysconfig serves operator-controlled kill switches and tier
// overrides from the record store through a short-lived cache.
package sysconfig

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/studybuddy/backend/internal/models"
	"github.com/studybuddy/backend/internal/store"
	"github.com/studybuddy/backend/internal/tiers"
)

// DefaultTTL is how long a fetched config is served before re-reading
const DefaultTTL = time.Minute

// Provider reads the system config with a TTL cache. A zero TTL reads
// through on every call.
type Provider struct {
	store   store.ConfigStore
	catalog *tiers.Catalog
	ttl     time.Duration
	now     func() time.Time
	log     zerolog.Logger

	mu        sync.RWMutex
	cached    *models.SystemConfig
	fetchedAt time.Time
}

// Option configures a Provider
type Option func(*Provider)

// WithTTL sets the cache lifetime
func WithTTL(ttl time.Duration) Option {
	return func(p *Provider) { p.ttl = ttl }
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(p *Provider) { p.now = now }
}

// WithLogger sets the logger
func WithLogger(l zerolog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// New creates a Provider
func New(cs store.ConfigStore, catalog *tiers.Catalog, opts ...Option) *Provider {
	p := &Provider{
		store:   cs,
		catalog: catalog,
		ttl:     DefaultTTL,
		now:     time.Now,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the current system config. It never fails: when the store
// is unreachable the defaults are served and nothing is cached.
func (p *Provider) Config(ctx context.Context) models.SystemConfig {
	now := p.now()

	p.mu.RLock()
	if p.cached != nil && p.ttl > 0 && now.Sub(p.fetchedAt) < p.ttl {
		c := *p.cached
		p.mu.RUnlock()
		return c
	}
	p.mu.RUnlock()

	cfg, err := p.store.GetSystemConfig(ctx)
	switch {
	case errors.Is(err, store.ErrNotFound):
		d := models.DefaultSystemConfig()
		cfg = &d
	case err != nil:
		p.log.Warn().Err(err).Msg("system config unavailable, serving defaults")
		return models.DefaultSystemConfig()
	}

	p.mu.Lock()
	p.cached = cfg
	p.fetchedAt = now
	p.mu.Unlock()

	return *cfg
}

// Invalidate drops the cached config
func (p *Provider) Invalidate() {
	p.mu.Lock()
	p.cached = nil
	p.mu.Unlock()
}

// HasTier reports whether name is in the tier catalog
func (p *Provider) HasTier(name tiers.Name) bool {
	_, err := p.catalog.Get(name)
	return err == nil
}

// Tier returns a catalog tier with any operator override applied
func (p *Provider) Tier(ctx context.Context, name tiers.Name) (tiers.Definition, error) {
	d, err := p.catalog.Get(name)
	if err != nil {
		return tiers.Definition{}, err
	}
	cfg := p.Config(ctx)
	if o, ok := cfg.TierOverrides[string(d.Name)]; ok {
		d = ApplyOverride(d, o)
	}
	return d, nil
}

// Tiers returns every tier with overrides applied, cheapest first
func (p *Provider) Tiers(ctx context.Context) []tiers.Definition {
	cfg := p.Config(ctx)
	out := p.catalog.Tiers()
	for i, d := range out {
		if o, ok := cfg.TierOverrides[string(d.Name)]; ok {
			out[i] = ApplyOverride(d, o)
		}
	}
	return out
}

// Update reads the stored config, applies fn and saves it
func (p *Provider) Update(ctx context.Context, updatedBy string, fn func(*models.SystemConfig)) (models.SystemConfig, error) {
	cfg, err := p.store.GetSystemConfig(ctx)
	if errors.Is(err, store.ErrNotFound) {
		d := models.DefaultSystemConfig()
		cfg = &d
	} else if err != nil {
		return models.SystemConfig{}, fmt.Errorf("failed to load system config: %w", err)
	}

	fn(cfg)
	cfg.UpdatedBy = updatedBy
	if err := p.store.SaveSystemConfig(ctx, cfg); err != nil {
		return models.SystemConfig{}, fmt.Errorf("failed to save system config: %w", err)
	}
	p.Invalidate()

	p.log.Info().Str("updated_by", updatedBy).
		Bool("ai_enabled", cfg.AIEnabled).
		Bool("billing_enabled", cfg.BillingEnabled).
		Bool("ingest_enabled", cfg.IngestEnabled).
		Msg("system config updated")
	return *cfg, nil
}

// SetTierOverride force-sets feature flags or quotas for one tier. An empty
// override removes it.
func (p *Provider) SetTierOverride(ctx context.Context, name tiers.Name, o models.TierOverride, updatedBy string) (models.SystemConfig, error) {
	if name == "" {
		return models.SystemConfig{}, fmt.Errorf("%w: empty name", tiers.ErrUnknownTier)
	}
	if _, err := p.catalog.Get(name); err != nil {
		return models.SystemConfig{}, err
	}
	return p.Update(ctx, updatedBy, func(c *models.SystemConfig) {
		if c.TierOverrides == nil {
			c.TierOverrides = make(map[string]models.TierOverride)
		}
		if o == (models.TierOverride{}) {
			delete(c.TierOverrides, string(name))
			return
		}
		c.TierOverrides[string(name)] = o
	})
}

// ApplyOverride returns d with every non-nil override field applied
func ApplyOverride(d tiers.Definition, o models.TierOverride) tiers.Definition {
	if o.AICallsPerMonth != nil {
		d.AICallsPerMonth = *o.AICallsPerMonth
	}
	if o.VoiceEnabled != nil {
		d.VoiceEnabled = *o.VoiceEnabled
	}
	if o.AdminToolsEnabled != nil {
		d.AdminToolsEnabled = *o.AdminToolsEnabled
	}
	if o.DataExportEnabled != nil {
		d.DataExportEnabled = *o.DataExportEnabled
	}
	if o.MaxLessons != nil {
		d.MaxLessons = *o.MaxLessons
	}
	if o.PrioritySupport != nil {
		d.PrioritySupport = *o.PrioritySupport
	}
	return d
}
