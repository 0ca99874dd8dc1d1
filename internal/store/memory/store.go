// Package memory is an in-process record store used by tests and local runs.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/studybuddy/backend/internal/models"
	"github.com/studybuddy/backend/internal/store"
)

var _ store.Store = (*Store)(nil)

type Store struct {
	mu sync.RWMutex

	users     map[string]*models.User
	referrals map[uuid.UUID]*models.Referral
	rewards   map[uuid.UUID]*models.Reward
	flags     map[uuid.UUID]*models.AbuseFlag
	events    []*models.UsageEvent
	payments  map[string]*models.Payment
	config    *models.SystemConfig

	now func() time.Time
}

func New() *Store {
	return &Store{
		users:     make(map[string]*models.User),
		referrals: make(map[uuid.UUID]*models.Referral),
		rewards:   make(map[uuid.UUID]*models.Reward),
		flags:     make(map[uuid.UUID]*models.AbuseFlag),
		payments:  make(map[string]*models.Payment),
		now:       time.Now,
	}
}

func (s *Store) Ping(context.Context) error { return nil }

// ==================== Users ====================

func copyUser(u *models.User) *models.User {
	c := *u
	if u.ReferralCode != nil {
		code := *u.ReferralCode
		c.ReferralCode = &code
	}
	return &c
}

func (s *Store) CreateUser(_ context.Context, u *models.User) error {
	if err := store.Validate(u); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.users[u.ID]; exists {
		return store.ErrDuplicate
	}
	if code := u.Code(); code != "" {
		for _, other := range s.users {
			if other.Code() == code {
				return store.ErrDuplicate
			}
		}
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	u.UpdatedAt = u.CreatedAt
	s.users[u.ID] = copyUser(u)
	return nil
}

func (s *Store) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyUser(u), nil
}

func (s *Store) GetUserByReferralCode(_ context.Context, code string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if code != "" && u.Code() == code {
			return copyUser(u), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetUserByCustomerID(_ context.Context, customerID string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if customerID != "" && u.StripeCustomerID == customerID {
			return copyUser(u), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListUsersWithoutReferralCode(_ context.Context, limit int) ([]*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.User, 0)
	for _, u := range s.users {
		if u.Code() == "" {
			out = append(out, copyUser(u))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) ReferralCodeExists(_ context.Context, code string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, u := range s.users {
		if u.Code() == code {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SetReferralCode(_ context.Context, userID, code string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return false, store.ErrNotFound
	}
	if u.Code() != "" {
		return false, nil
	}
	for _, other := range s.users {
		if other.Code() == code {
			return false, store.ErrDuplicate
		}
	}
	u.ReferralCode = &code
	u.UpdatedAt = s.now()
	return true, nil
}

func counterField(u *models.User, c models.UserCounter) *int64 {
	switch c {
	case models.CounterAIUsage:
		return &u.AIUsageThisMonth
	case models.CounterTotalReferrals:
		return &u.ReferralStats.TotalReferrals
	case models.CounterSuccessfulReferrals:
		return &u.ReferralStats.SuccessfulReferrals
	case models.CounterPendingRewards:
		return &u.ReferralStats.PendingRewards
	case models.CounterTotalRewardsEarned:
		return &u.ReferralStats.TotalRewardsEarned
	}
	return nil
}

func (s *Store) IncrementCounters(_ context.Context, userID string, deltas map[models.UserCounter]int64) error {
	for c := range deltas {
		if !c.Valid() {
			return store.ErrInvalidRecord
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	for c, d := range deltas {
		*counterField(u, c) += d
	}
	u.UpdatedAt = s.now()
	return nil
}

func (s *Store) IncrementCounterBelow(_ context.Context, userID string, counter models.UserCounter, ceiling int64) (bool, error) {
	if !counter.Valid() {
		return false, store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return false, store.ErrNotFound
	}
	field := counterField(u, counter)
	if *field >= ceiling {
		return false, nil
	}
	*field++
	u.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) ResetCounter(_ context.Context, userID string, counter models.UserCounter) error {
	if !counter.Valid() {
		return store.ErrInvalidRecord
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	*counterField(u, counter) = 0
	u.UpdatedAt = s.now()
	return nil
}

func (s *Store) UpdateSubscription(_ context.Context, userID string, upd models.SubscriptionUpdate) error {
	if err := store.Validate(upd); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.SubscriptionTier = upd.Tier
	u.SubscriptionStatus = upd.Status
	if upd.StripeCustomerID != "" {
		u.StripeCustomerID = upd.StripeCustomerID
	}
	if upd.StripePriceID != "" {
		u.StripePriceID = upd.StripePriceID
	}
	if upd.SubscriptionID != "" {
		u.SubscriptionID = upd.SubscriptionID
	}
	if upd.BillingPeriodStart != nil {
		u.BillingPeriodStart = upd.BillingPeriodStart
	}
	if upd.BillingPeriodEnd != nil {
		u.BillingPeriodEnd = upd.BillingPeriodEnd
	}
	u.UpdatedAt = s.now()
	return nil
}

func (s *Store) SetSubscriptionStatus(_ context.Context, userID, status string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.SubscriptionStatus = status
	u.UpdatedAt = s.now()
	return nil
}

func (s *Store) SetReferredBy(_ context.Context, userID, referrerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.ReferredBy = referrerID
	u.UpdatedAt = s.now()
	return nil
}

func (s *Store) SetReviewState(_ context.Context, userID string, flagged bool, banned *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return store.ErrNotFound
	}
	u.FlaggedForReview = flagged
	if banned != nil {
		u.ReferralsBanned = *banned
	}
	u.UpdatedAt = s.now()
	return nil
}

// ==================== Referrals ====================

func (s *Store) CreateReferral(_ context.Context, r *models.Referral) error {
	r.EnsureID()
	if err := store.Validate(r); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertReferral(r)
}

// insertReferral requires s.mu held for writing
func (s *Store) insertReferral(r *models.Referral) error {
	for _, other := range s.referrals {
		if other.ReferredUserID == r.ReferredUserID {
			return store.ErrDuplicate
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	c := *r
	s.referrals[r.ID] = &c
	return nil
}

func (s *Store) RecordReferral(_ context.Context, r *models.Referral) error {
	r.EnsureID()
	if err := store.Validate(r); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	referrer, ok := s.users[r.ReferrerID]
	if !ok {
		return store.ErrNotFound
	}
	if err := s.insertReferral(r); err != nil {
		return err
	}
	referrer.ReferralStats.TotalReferrals++
	referrer.UpdatedAt = s.now()
	return nil
}

func (s *Store) ConvertReferral(_ context.Context, id uuid.UUID, at time.Time, reward *models.Reward) (bool, error) {
	reward.EnsureID()
	if err := store.Validate(reward); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.referrals[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if ref.ReferrerID != reward.UserID {
		return false, store.ErrInvalidRecord
	}
	if ref.Status != models.ReferralPending {
		return false, nil
	}
	referrer, ok := s.users[ref.ReferrerID]
	if !ok {
		return false, store.ErrNotFound
	}
	if err := s.insertReward(reward); err != nil {
		return false, err
	}

	ref.Status = models.ReferralConverted
	ref.ConvertedAt = &at
	referrer.ReferralStats.SuccessfulReferrals++
	referrer.ReferralStats.PendingRewards++
	referrer.UpdatedAt = s.now()
	return true, nil
}

func (s *Store) GetReferral(_ context.Context, id uuid.UUID) (*models.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.referrals[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *r
	return &c, nil
}

func matchReferral(r *models.Referral, f store.ReferralFilter) bool {
	if f.ReferrerID != "" && r.ReferrerID != f.ReferrerID {
		return false
	}
	if f.ReferredUserID != "" && r.ReferredUserID != f.ReferredUserID {
		return false
	}
	if f.Email != "" && !strings.EqualFold(r.ReferredUserEmail, f.Email) {
		return false
	}
	if f.IPAddress != "" && r.IPAddress != f.IPAddress {
		return false
	}
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	return true
}

// ListReferrals returns matches newest first
func (s *Store) ListReferrals(_ context.Context, f store.ReferralFilter) ([]*models.Referral, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Referral, 0)
	for _, r := range s.referrals {
		if matchReferral(r, f) {
			c := *r
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) CountReferrals(_ context.Context, f store.ReferralFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var n int64
	for _, r := range s.referrals {
		if matchReferral(r, f) {
			n++
		}
	}
	return n, nil
}

func (s *Store) TransitionReferral(_ context.Context, id uuid.UUID, from, to models.ReferralStatus, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.referrals[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if r.Status != from {
		return false, nil
	}
	r.Status = to
	switch to {
	case models.ReferralConverted:
		r.ConvertedAt = &at
	case models.ReferralRewarded:
		r.RewardedAt = &at
	}
	return true, nil
}

// ==================== Rewards ====================

func (s *Store) CreateReward(_ context.Context, r *models.Reward) error {
	r.EnsureID()
	if err := store.Validate(r); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertReward(r)
}

// insertReward requires s.mu held for writing
func (s *Store) insertReward(r *models.Reward) error {
	if _, exists := s.rewards[r.ID]; exists {
		return store.ErrDuplicate
	}
	if r.ReferralID != uuid.Nil {
		for _, other := range s.rewards {
			if other.ReferralID == r.ReferralID {
				return store.ErrDuplicate
			}
		}
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	r.UpdatedAt = r.CreatedAt
	c := *r
	s.rewards[r.ID] = &c
	return nil
}

func (s *Store) GetReward(_ context.Context, id uuid.UUID) (*models.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.rewards[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *r
	return &c, nil
}

// ListRewards returns matches oldest first
func (s *Store) ListRewards(_ context.Context, f store.RewardFilter) ([]*models.Reward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Reward, 0)
	for _, r := range s.rewards {
		if f.UserID != "" && r.UserID != f.UserID {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if !f.CreatedBefore.IsZero() && !r.CreatedAt.Before(f.CreatedBefore) {
			continue
		}
		c := *r
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) TransitionReward(_ context.Context, id uuid.UUID, from, to models.RewardStatus, t models.RewardTransition) (bool, error) {
	for c := range t.Counters {
		if !c.Valid() {
			return false, store.ErrInvalidRecord
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rewards[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if r.Status != from {
		return false, nil
	}
	var owner *models.User
	if len(t.Counters) > 0 {
		if owner, ok = s.users[r.UserID]; !ok {
			return false, store.ErrNotFound
		}
	}

	r.Status = to
	r.Error = t.Error
	if t.ExternalTransactionID != "" {
		r.ExternalTransactionID = t.ExternalTransactionID
	}
	if t.AppliedAt != nil {
		r.AppliedAt = t.AppliedAt
	}
	if t.Attempts > r.Attempts {
		r.Attempts = t.Attempts
	}
	r.UpdatedAt = s.now()

	if owner != nil {
		for c, d := range t.Counters {
			*counterField(owner, c) += d
		}
		owner.UpdatedAt = r.UpdatedAt
	}
	if t.ReferralRewardedAt != nil {
		if ref, ok := s.referrals[r.ReferralID]; ok && ref.Status == models.ReferralConverted {
			at := *t.ReferralRewardedAt
			ref.Status = models.ReferralRewarded
			ref.RewardedAt = &at
		}
	}
	return true, nil
}

// ==================== Abuse flags ====================

func (s *Store) CreateFlag(_ context.Context, f *models.AbuseFlag) error {
	f.EnsureID()
	if err := store.Validate(f); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if f.CreatedAt.IsZero() {
		f.CreatedAt = s.now()
	}
	c := *f
	s.flags[f.ID] = &c
	return nil
}

func (s *Store) GetFlag(_ context.Context, id uuid.UUID) (*models.AbuseFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.flags[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *f
	return &c, nil
}

// ListFlags returns matches oldest first
func (s *Store) ListFlags(_ context.Context, status models.FlagStatus, userID string) ([]*models.AbuseFlag, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.AbuseFlag, 0)
	for _, f := range s.flags {
		if status != "" && f.Status != status {
			continue
		}
		if userID != "" && f.UserID != userID {
			continue
		}
		c := *f
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ResolveFlag(_ context.Context, id uuid.UUID, action models.FlagAction, reviewedBy string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.flags[id]
	if !ok {
		return false, store.ErrNotFound
	}
	if f.Status != models.FlagPending {
		return false, nil
	}
	f.Status = models.FlagResolved
	f.Action = action
	f.ReviewedBy = reviewedBy
	f.ReviewedAt = &at
	return true, nil
}

// ==================== System config ====================

func (s *Store) GetSystemConfig(context.Context) (*models.SystemConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.config == nil {
		return nil, store.ErrNotFound
	}
	c := *s.config
	c.TierOverrides = make(map[string]models.TierOverride, len(s.config.TierOverrides))
	for k, v := range s.config.TierOverrides {
		c.TierOverrides[k] = v
	}
	return &c, nil
}

func (s *Store) SaveSystemConfig(_ context.Context, c *models.SystemConfig) error {
	if err := store.Validate(c); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c.ID = models.SystemConfigID
	c.UpdatedAt = s.now()
	saved := *c
	saved.TierOverrides = make(map[string]models.TierOverride, len(c.TierOverrides))
	for k, v := range c.TierOverrides {
		saved.TierOverrides[k] = v
	}
	s.config = &saved
	return nil
}

// ==================== Events ====================

func (s *Store) CreateUsageEvent(_ context.Context, e *models.UsageEvent) error {
	e.EnsureID()
	if err := store.Validate(e); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	c := *e
	s.events = append(s.events, &c)
	return nil
}

// ListUsageEvents returns a user's events newest first
func (s *Store) ListUsageEvents(_ context.Context, userID string, limit int) ([]*models.UsageEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.UsageEvent, 0)
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].UserID == userID {
			c := *s.events[i]
			out = append(out, &c)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *Store) UpsertPayment(_ context.Context, p *models.Payment) error {
	if err := store.Validate(p); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	c := *p
	s.payments[p.InvoiceID] = &c
	return nil
}

// Payment returns a logged payment. Test helper.
func (s *Store) Payment(invoiceID string) (*models.Payment, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.payments[invoiceID]
	if !ok {
		return nil, false
	}
	c := *p
	return &c, true
}
