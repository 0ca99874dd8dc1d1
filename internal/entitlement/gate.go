// Package entitlement decides whether an account may perform a gated action.
//
// The AI gate is a soft limit: Check and the later usage record are two
// calls, so a caller that crashes between the AI call and RecordUsage
// over-admits by one. Callers needing strict metering use Claim, which is a
// single conditional increment.
package entitlement

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/studybuddy/backend/internal/metrics"
	"github.com/studybuddy/backend/internal/models"
	"github.com/studybuddy/backend/internal/store"
	"github.com/studybuddy/backend/internal/tiers"
)

// Users looks up accounts
type Users interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// TierSource serves tier definitions with operator overrides applied and the
// current kill switches. It is consulted on every decision.
type TierSource interface {
	Config(ctx context.Context) models.SystemConfig
	Tier(ctx context.Context, name tiers.Name) (tiers.Definition, error)
	Tiers(ctx context.Context) []tiers.Definition
}

// Usage reads and advances the AI usage counter
type Usage interface {
	CurrentUsage(ctx context.Context, userID string) (int64, error)
	RecordWithin(ctx context.Context, userID string, limit int) (bool, error)
}

// Request is one entitlement question. LessonCount is the caller-supplied
// number of lessons the account already has; it is only read for
// LessonCreation.
type Request struct {
	UserID      string
	Capability  Capability
	LessonCount int
}

// Decision is the answer to a Request. Denials carry enough to render an
// upgrade prompt.
type Decision struct {
	Allowed         bool       `json:"allowed"`
	Reason          string     `json:"reason,omitempty"`
	CurrentUsage    int64      `json:"current_usage"`
	Limit           int        `json:"limit"`
	Tier            tiers.Name `json:"tier,omitempty"`
	RequiredTier    tiers.Name `json:"required_tier,omitempty"`
	UpgradeRequired bool       `json:"upgrade_required"`
}

// Gate evaluates entitlement requests
type Gate struct {
	users Users
	tiers TierSource
	usage Usage
	log   zerolog.Logger
}

// NewGate creates a Gate
func NewGate(users Users, src TierSource, usage Usage, log zerolog.Logger) *Gate {
	return &Gate{users: users, tiers: src, usage: usage, log: log}
}

// Check decides a request. Business denials come back as a Decision with
// Allowed false; the error is reserved for unknown capabilities, unknown
// tiers and store failures.
func (g *Gate) Check(ctx context.Context, req Request) (Decision, error) {
	d, err := g.check(ctx, req)
	if err != nil {
		g.log.Error().Err(err).Str("user_id", req.UserID).Str("capability", string(req.Capability)).Msg("entitlement check failed")
		return Decision{}, err
	}
	metrics.GateDecisions.WithLabelValues(string(req.Capability), metrics.Result(d.Allowed)).Inc()
	if !d.Allowed {
		g.log.Debug().Str("user_id", req.UserID).Str("capability", string(req.Capability)).
			Str("reason", d.Reason).Str("required_tier", string(d.RequiredTier)).Msg("entitlement denied")
	}
	return d, nil
}

// CheckAI is Check for the AI-call capability
func (g *Gate) CheckAI(ctx context.Context, userID string) (Decision, error) {
	return g.Check(ctx, Request{UserID: userID, Capability: AICall})
}

// Claim checks the AI gate and records one call in a single conditional
// increment, so concurrent callers can never exceed the quota.
func (g *Gate) Claim(ctx context.Context, userID string) (Decision, error) {
	var d Decision
	for attempt := 0; attempt < claimAttempts; attempt++ {
		var err error
		d, err = g.CheckAI(ctx, userID)
		if err != nil || !d.Allowed {
			return d, err
		}
		ok, err := g.usage.RecordWithin(ctx, userID, d.Limit)
		if err != nil {
			return Decision{}, err
		}
		if ok {
			d.CurrentUsage++
			return d, nil
		}
	}
	// lost every race for the last units
	d.Allowed = false
	d.Reason = ReasonAILimit
	d.CurrentUsage = int64(d.Limit)
	return d, nil
}

const claimAttempts = 3

func (g *Gate) check(ctx context.Context, req Request) (Decision, error) {
	feature := req.Capability.feature()
	if feature == "" {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnknownCapability, req.Capability)
	}

	user, err := g.users.GetUser(ctx, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return Decision{Allowed: false, Reason: ReasonUserNotFound}, nil
	}
	if err != nil {
		return Decision{}, fmt.Errorf("failed to load account: %w", err)
	}

	def, err := g.tiers.Tier(ctx, tiers.Name(user.SubscriptionTier))
	if err != nil {
		return Decision{}, err
	}

	d := Decision{Tier: def.Name}
	if req.Capability.metered() {
		d.Limit, _ = def.Value(feature)
	}

	cfg := g.tiers.Config(ctx)
	switch {
	case (req.Capability == AICall || req.Capability == Voice) && !cfg.AIEnabled:
		d.Reason = ReasonAIDisabled
		return d, nil
	case req.Capability == LessonCreation && !cfg.IngestEnabled:
		d.Reason = ReasonIngestDisabled
		return d, nil
	}

	var used int64
	switch req.Capability {
	case AICall:
		if used, err = g.usage.CurrentUsage(ctx, user.ID); err != nil {
			return Decision{}, err
		}
	case LessonCreation:
		used = int64(req.LessonCount)
	}
	if req.Capability.metered() {
		d.CurrentUsage = used
	}

	if permits(def, req.Capability, used) {
		d.Allowed = true
		return d, nil
	}

	d.Reason = req.Capability.denialReason()
	d.RequiredTier = g.requiredTier(ctx, req.Capability, used)
	d.UpgradeRequired = d.RequiredTier != "" && d.RequiredTier != def.Name
	return d, nil
}

// requiredTier is the cheapest tier that would allow the action at the
// current usage, or "" when none would.
func (g *Gate) requiredTier(ctx context.Context, c Capability, used int64) tiers.Name {
	for _, def := range g.tiers.Tiers(ctx) {
		if permits(def, c, used) {
			return def.Name
		}
	}
	return ""
}

func permits(def tiers.Definition, c Capability, used int64) bool {
	v, err := def.Value(c.feature())
	if err != nil {
		return false
	}
	if !c.metered() {
		return v > 0
	}
	return tiers.IsUnlimited(v) || used < int64(v)
}
