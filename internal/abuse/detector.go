// Package abuse screens referral signups and manages manual-review flags.
package abuse

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/studybuddy/backend/internal/metrics"
	"github.com/studybuddy/backend/internal/models"
	"github.com/studybuddy/backend/internal/referral"
	"github.com/studybuddy/backend/internal/store"
)

var (
	// ErrFlagNotFound is returned for an unknown flag id
	ErrFlagNotFound = errors.New("abuse: flag not found")
	// ErrFlagResolved is returned when resolving a flag that is already closed
	ErrFlagResolved = errors.New("abuse: flag already resolved")
	// ErrInvalidAction is returned for a verdict outside approved, banned and warning
	ErrInvalidAction = errors.New("abuse: invalid action")
)

// Rejection and flag reasons
const (
	ReasonInvalidFormat  = referral.ReasonInvalidFormat
	ReasonCodeNotFound   = referral.ReasonNotFound
	ReasonEmailReferred  = "This email has already been referred"
	ReasonMonthlyLimit   = "Monthly referral limit exceeded"
	ReasonDailyLimit     = "Daily referral limit exceeded. Please try again tomorrow."
	ReasonIPLimit        = "Too many referrals from this location"
	ReasonHighConversion = "Suspiciously high conversion rate"
	ReasonBurst          = "Unusual burst of referrals"
)

const (
	monthWindow = 30 * 24 * time.Hour
	dayWindow   = 24 * time.Hour
)

// Config holds the detection thresholds
type Config struct {
	MaxPerMonth          int
	MaxPerDay            int
	MaxPerIP             int
	SuspiciousConversion float64
	MinReferralsForRate  int
	BurstCount           int
	BurstWindow          time.Duration
}

// DefaultConfig returns the standard thresholds
func DefaultConfig() Config {
	return Config{
		MaxPerMonth:          100,
		MaxPerDay:            10,
		MaxPerIP:             3,
		SuspiciousConversion: 0.95,
		MinReferralsForRate:  10,
		BurstCount:           5,
		BurstWindow:          time.Hour,
	}
}

// Codes validates referral codes and detects repeat referrals
type Codes interface {
	ValidateCode(ctx context.Context, code string) (referral.Validation, error)
	AlreadyReferred(ctx context.Context, userID, email string) (bool, error)
}

// Store is the subset of the record store the detector needs
type Store interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	CountReferrals(ctx context.Context, f store.ReferralFilter) (int64, error)
	ListReferrals(ctx context.Context, f store.ReferralFilter) ([]*models.Referral, error)
	SetReviewState(ctx context.Context, userID string, flagged bool, banned *bool) error
	CreateFlag(ctx context.Context, f *models.AbuseFlag) error
	GetFlag(ctx context.Context, id uuid.UUID) (*models.AbuseFlag, error)
	ListFlags(ctx context.Context, status models.FlagStatus, userID string) ([]*models.AbuseFlag, error)
	ResolveFlag(ctx context.Context, id uuid.UUID, action models.FlagAction, reviewedBy string, at time.Time) (bool, error)
}

// Result is the outcome of screening one signup. A rejection is a normal
// result, not an error.
type Result struct {
	Allowed    bool   `json:"allowed"`
	Reason     string `json:"reason,omitempty"`
	ReferrerID string `json:"referrer_id,omitempty"`
	Flagged    bool   `json:"flagged"`
}

// Detector runs the signup screening pipeline
type Detector struct {
	codes Codes
	store Store
	cfg   Config
	now   func() time.Time
	log   zerolog.Logger
}

// NewDetector creates a Detector
func NewDetector(codes Codes, s Store, cfg Config, log zerolog.Logger) *Detector {
	return &Detector{codes: codes, store: s, cfg: cfg, now: time.Now, log: log}
}

// Check screens a signup before it is recorded. Checks run cheapest first
// and stop at the first rejection; the suspicion heuristics at the end only
// raise a flag.
func (d *Detector) Check(ctx context.Context, req referral.SignupRequest) (Result, error) {
	if !referral.ValidFormat(req.Code) {
		return Result{Reason: ReasonInvalidFormat}, nil
	}

	v, err := d.codes.ValidateCode(ctx, req.Code)
	if err != nil {
		return Result{}, err
	}
	if !v.Valid {
		return Result{Reason: v.Reason}, nil
	}
	res := Result{ReferrerID: v.ReferrerID}

	if req.Email != "" {
		dup, err := d.codes.AlreadyReferred(ctx, "", req.Email)
		if err != nil {
			return Result{}, err
		}
		if dup {
			res.Reason = ReasonEmailReferred
			return res, nil
		}
	}

	now := d.now().UTC()
	monthly, err := d.count(ctx, store.ReferralFilter{ReferrerID: v.ReferrerID, Since: now.Add(-monthWindow)})
	if err != nil {
		return Result{}, err
	}
	if monthly >= int64(d.cfg.MaxPerMonth) {
		res.Reason = ReasonMonthlyLimit
		res.Flagged = d.raise(ctx, v.ReferrerID, fmt.Sprintf("%s (%d in 30 days)", ReasonMonthlyLimit, monthly))
		return res, nil
	}

	recent, err := d.store.ListReferrals(ctx, store.ReferralFilter{ReferrerID: v.ReferrerID, Since: now.Add(-dayWindow)})
	if err != nil {
		return Result{}, fmt.Errorf("failed to list recent referrals: %w", err)
	}
	if len(recent) >= d.cfg.MaxPerDay {
		res.Reason = ReasonDailyLimit
		return res, nil
	}

	if req.IPAddress != "" {
		sameIP, err := d.count(ctx, store.ReferralFilter{ReferrerID: v.ReferrerID, IPAddress: req.IPAddress})
		if err != nil {
			return Result{}, err
		}
		if sameIP >= int64(d.cfg.MaxPerIP) {
			res.Reason = ReasonIPLimit
			res.Flagged = d.raise(ctx, v.ReferrerID, fmt.Sprintf("%s (%s)", ReasonIPLimit, req.IPAddress))
			return res, nil
		}
	}

	res.Allowed = true
	if reason := d.suspicion(ctx, v.ReferrerID, recent); reason != "" {
		res.Flagged = d.raise(ctx, v.ReferrerID, reason)
	}
	return res, nil
}

// suspicion returns a flag reason when the referrer's history looks
// automated, or "" when it does not.
func (d *Detector) suspicion(ctx context.Context, referrerID string, recent []*models.Referral) string {
	if burst(recent, d.cfg.BurstCount, d.cfg.BurstWindow) {
		return fmt.Sprintf("%s (%d within %s)", ReasonBurst, d.cfg.BurstCount, d.cfg.BurstWindow)
	}

	u, err := d.store.GetUser(ctx, referrerID)
	if err != nil {
		d.log.Warn().Err(err).Str("referrer_id", referrerID).Msg("skipping conversion check")
		return ""
	}
	total := u.ReferralStats.TotalReferrals
	if total < int64(d.cfg.MinReferralsForRate) || total == 0 {
		return ""
	}
	rate := float64(u.ReferralStats.SuccessfulReferrals) / float64(total)
	if rate >= d.cfg.SuspiciousConversion {
		return fmt.Sprintf("%s (%.0f%% of %d)", ReasonHighConversion, rate*100, total)
	}
	return ""
}

// burst reports whether any count referrals fall inside one window
func burst(refs []*models.Referral, count int, window time.Duration) bool {
	if count <= 0 || len(refs) < count {
		return false
	}
	times := make([]time.Time, len(refs))
	for i, r := range refs {
		times[i] = r.CreatedAt
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for i := count - 1; i < len(times); i++ {
		if times[i].Sub(times[i-count+1]) < window {
			return true
		}
	}
	return false
}

func (d *Detector) count(ctx context.Context, f store.ReferralFilter) (int64, error) {
	n, err := d.store.CountReferrals(ctx, f)
	if err != nil {
		return 0, fmt.Errorf("failed to count referrals: %w", err)
	}
	return n, nil
}

// raise marks the account for review and opens a flag unless one is
// already pending. Failures are logged; screening never fails on them.
func (d *Detector) raise(ctx context.Context, userID, reason string) bool {
	log := d.log.With().Str("user_id", userID).Str("reason", reason).Logger()

	if err := d.store.SetReviewState(ctx, userID, true, nil); err != nil {
		log.Error().Err(err).Msg("failed to mark account for review")
		return false
	}

	open, err := d.store.ListFlags(ctx, models.FlagPending, userID)
	if err != nil {
		log.Error().Err(err).Msg("failed to list pending flags")
		return false
	}
	if len(open) > 0 {
		return true
	}

	f := &models.AbuseFlag{
		UserID:    userID,
		Type:      models.FlagTypeReferralAbuse,
		Reason:    reason,
		Status:    models.FlagPending,
		CreatedAt: d.now().UTC(),
	}
	if err := d.store.CreateFlag(ctx, f); err != nil {
		log.Error().Err(err).Msg("failed to create abuse flag")
		return false
	}
	metrics.AbuseFlagsRaised.Inc()
	log.Warn().Str("flag_id", f.ID.String()).Msg("referral abuse flag raised")
	return true
}

// ListFlags returns flags in the given status, optionally for one account.
// An empty status lists every flag.
func (d *Detector) ListFlags(ctx context.Context, status models.FlagStatus, userID string) ([]*models.AbuseFlag, error) {
	flags, err := d.store.ListFlags(ctx, status, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list flags: %w", err)
	}
	return flags, nil
}

// ResolveFlag records an administrator's verdict. A ban stops the account
// from referring anyone again.
func (d *Detector) ResolveFlag(ctx context.Context, flagID uuid.UUID, action models.FlagAction, reviewedBy string) (*models.AbuseFlag, error) {
	if !action.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}

	f, err := d.store.GetFlag(ctx, flagID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrFlagNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load flag: %w", err)
	}
	if f.Status != models.FlagPending {
		return nil, ErrFlagResolved
	}

	at := d.now().UTC()
	ok, err := d.store.ResolveFlag(ctx, flagID, action, reviewedBy, at)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve flag: %w", err)
	}
	if !ok {
		return nil, ErrFlagResolved
	}

	var banned *bool
	if action == models.ActionBanned {
		b := true
		banned = &b
	}
	if err := d.store.SetReviewState(ctx, f.UserID, false, banned); err != nil {
		return nil, fmt.Errorf("failed to update account review state: %w", err)
	}

	d.log.Info().Str("flag_id", flagID.String()).Str("user_id", f.UserID).
		Str("action", string(action)).Str("reviewed_by", reviewedBy).Msg("abuse flag resolved")

	f.Status = models.FlagResolved
	f.Action = action
	f.ReviewedBy = reviewedBy
	f.ReviewedAt = &at
	return f, nil
}
