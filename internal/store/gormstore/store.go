// Package gormstore implements the record store on a relational database
// through gorm. Counter updates are single UPDATE statements so concurrent
// callers never lose increments.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/studybuddy/backend/internal/models"
	"github.com/studybuddy/backend/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store implements store.Store using gorm
type Store struct {
	db  *gorm.DB
	now func() time.Time
}

// New creates a store over an open, migrated gorm connection
func New(db *gorm.DB) *Store {
	return &Store{db: db, now: func() time.Time { return time.Now().UTC() }}
}

// DB returns the underlying connection
func (s *Store) DB() *gorm.DB { return s.db }

// transaction runs fn against a store bound to a single database transaction.
// Any error returned by fn rolls the whole transaction back.
func (s *Store) transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx, now: s.now})
	})
}

// Ping checks database connectivity
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return store.ErrNotFound
	case isDuplicate(err):
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	}
	return err
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint failed")
}

// ==================== Users ====================

func (s *Store) CreateUser(ctx context.Context, u *models.User) error {
	if err := store.Validate(u); err != nil {
		return err
	}
	return translate(s.db.WithContext(ctx).Create(u).Error)
}

func (s *Store) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (s *Store) GetUserByReferralCode(ctx context.Context, code string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).Where("referral_code = ?", code).First(&u).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (s *Store) GetUserByCustomerID(ctx context.Context, customerID string) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).Where("stripe_customer_id = ?", customerID).First(&u).Error; err != nil {
		return nil, translate(err)
	}
	return &u, nil
}

func (s *Store) ListUsersWithoutReferralCode(ctx context.Context, limit int) ([]*models.User, error) {
	var users []*models.User
	q := s.db.WithContext(ctx).
		Where("referral_code IS NULL OR referral_code = ''").
		Order("id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&users).Error; err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) ReferralCodeExists(ctx context.Context, code string) (bool, error) {
	var n int64
	err := s.db.WithContext(ctx).Model(&models.User{}).Where("referral_code = ?", code).Count(&n).Error
	return n > 0, err
}

// exists distinguishes "no row matched the condition" from "no such user"
// after a conditional update affected nothing.
func (s *Store) exists(ctx context.Context, userID string) error {
	var n int64
	if err := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Count(&n).Error; err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) SetReferralCode(ctx context.Context, userID, code string) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND (referral_code IS NULL OR referral_code = '')", userID).
		Updates(map[string]interface{}{"referral_code": code, "updated_at": s.now()})
	if res.Error != nil {
		return false, translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return false, s.exists(ctx, userID)
	}
	return true, nil
}

func (s *Store) IncrementCounters(ctx context.Context, userID string, deltas map[models.UserCounter]int64) error {
	updates := map[string]interface{}{"updated_at": s.now()}
	for c, d := range deltas {
		if !c.Valid() {
			return fmt.Errorf("%w: unknown counter %q", store.ErrInvalidRecord, c)
		}
		col := string(c)
		updates[col] = gorm.Expr(col+" + ?", d)
	}

	res := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) IncrementCounterBelow(ctx context.Context, userID string, counter models.UserCounter, ceiling int64) (bool, error) {
	if !counter.Valid() {
		return false, fmt.Errorf("%w: unknown counter %q", store.ErrInvalidRecord, counter)
	}
	col := string(counter)

	res := s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ? AND "+col+" < ?", userID, ceiling).
		Updates(map[string]interface{}{col: gorm.Expr(col + " + 1"), "updated_at": s.now()})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, s.exists(ctx, userID)
	}
	return true, nil
}

func (s *Store) ResetCounter(ctx context.Context, userID string, counter models.UserCounter) error {
	if !counter.Valid() {
		return fmt.Errorf("%w: unknown counter %q", store.ErrInvalidRecord, counter)
	}
	return s.updateUser(ctx, userID, map[string]interface{}{string(counter): 0})
}

func (s *Store) updateUser(ctx context.Context, userID string, fields map[string]interface{}) error {
	fields["updated_at"] = s.now()
	res := s.db.WithContext(ctx).Model(&models.User{}).Where("id = ?", userID).Updates(fields)
	if res.Error != nil {
		return translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *Store) UpdateSubscription(ctx context.Context, userID string, upd models.SubscriptionUpdate) error {
	if err := store.Validate(upd); err != nil {
		return err
	}

	fields := map[string]interface{}{
		"subscription_tier":   upd.Tier,
		"subscription_status": upd.Status,
	}
	if upd.StripeCustomerID != "" {
		fields["stripe_customer_id"] = upd.StripeCustomerID
	}
	if upd.StripePriceID != "" {
		fields["stripe_price_id"] = upd.StripePriceID
	}
	if upd.SubscriptionID != "" {
		fields["subscription_id"] = upd.SubscriptionID
	}
	if upd.BillingPeriodStart != nil {
		fields["billing_period_start"] = *upd.BillingPeriodStart
	}
	if upd.BillingPeriodEnd != nil {
		fields["billing_period_end"] = *upd.BillingPeriodEnd
	}
	return s.updateUser(ctx, userID, fields)
}

func (s *Store) SetSubscriptionStatus(ctx context.Context, userID, status string) error {
	return s.updateUser(ctx, userID, map[string]interface{}{"subscription_status": status})
}

func (s *Store) SetReferredBy(ctx context.Context, userID, referrerID string) error {
	return s.updateUser(ctx, userID, map[string]interface{}{"referred_by": referrerID})
}

func (s *Store) SetReviewState(ctx context.Context, userID string, flagged bool, banned *bool) error {
	fields := map[string]interface{}{"flagged_for_review": flagged}
	if banned != nil {
		fields["referrals_banned"] = *banned
	}
	return s.updateUser(ctx, userID, fields)
}

// ==================== Referrals ====================

func (s *Store) CreateReferral(ctx context.Context, r *models.Referral) error {
	r.EnsureID()
	if err := store.Validate(r); err != nil {
		return err
	}
	return translate(s.db.WithContext(ctx).Create(r).Error)
}

func (s *Store) RecordReferral(ctx context.Context, r *models.Referral) error {
	return s.transaction(ctx, func(tx *Store) error {
		if err := tx.CreateReferral(ctx, r); err != nil {
			return err
		}
		return tx.IncrementCounters(ctx, r.ReferrerID, map[models.UserCounter]int64{
			models.CounterTotalReferrals: 1,
		})
	})
}

func (s *Store) ConvertReferral(ctx context.Context, id uuid.UUID, at time.Time, reward *models.Reward) (bool, error) {
	reward.EnsureID()
	if err := store.Validate(reward); err != nil {
		return false, err
	}

	converted := false
	err := s.transaction(ctx, func(tx *Store) error {
		ref, err := tx.GetReferral(ctx, id)
		if err != nil {
			return err
		}
		if ref.ReferrerID != reward.UserID {
			return fmt.Errorf("%w: reward owner %q is not the referrer", store.ErrInvalidRecord, reward.UserID)
		}

		ok, err := tx.TransitionReferral(ctx, id, models.ReferralPending, models.ReferralConverted, at)
		if err != nil || !ok {
			return err
		}
		if err := tx.IncrementCounters(ctx, ref.ReferrerID, map[models.UserCounter]int64{
			models.CounterSuccessfulReferrals: 1,
			models.CounterPendingRewards:      1,
		}); err != nil {
			return err
		}
		if err := tx.CreateReward(ctx, reward); err != nil {
			return err
		}
		converted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return converted, nil
}

func (s *Store) GetReferral(ctx context.Context, id uuid.UUID) (*models.Referral, error) {
	var r models.Referral
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

func (s *Store) referralQuery(ctx context.Context, f store.ReferralFilter) *gorm.DB {
	q := s.db.WithContext(ctx).Model(&models.Referral{})
	if f.ReferrerID != "" {
		q = q.Where("referrer_id = ?", f.ReferrerID)
	}
	if f.ReferredUserID != "" {
		q = q.Where("referred_user_id = ?", f.ReferredUserID)
	}
	if f.Email != "" {
		q = q.Where("LOWER(referred_user_email) = ?", strings.ToLower(f.Email))
	}
	if f.IPAddress != "" {
		q = q.Where("ip_address = ?", f.IPAddress)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.Since.IsZero() {
		q = q.Where("created_at >= ?", f.Since)
	}
	return q
}

// ListReferrals returns matches newest first
func (s *Store) ListReferrals(ctx context.Context, f store.ReferralFilter) ([]*models.Referral, error) {
	var out []*models.Referral
	q := s.referralQuery(ctx, f).Order("created_at DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) CountReferrals(ctx context.Context, f store.ReferralFilter) (int64, error) {
	var n int64
	err := s.referralQuery(ctx, f).Count(&n).Error
	return n, err
}

func (s *Store) TransitionReferral(ctx context.Context, id uuid.UUID, from, to models.ReferralStatus, at time.Time) (bool, error) {
	fields := map[string]interface{}{"status": to}
	switch to {
	case models.ReferralConverted:
		fields["converted_at"] = at
	case models.ReferralRewarded:
		fields["rewarded_at"] = at
	}

	res := s.db.WithContext(ctx).Model(&models.Referral{}).
		Where("id = ? AND status = ?", id, from).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetReferral(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ==================== Rewards ====================

func (s *Store) CreateReward(ctx context.Context, r *models.Reward) error {
	r.EnsureID()
	if err := store.Validate(r); err != nil {
		return err
	}
	return translate(s.db.WithContext(ctx).Create(r).Error)
}

func (s *Store) GetReward(ctx context.Context, id uuid.UUID) (*models.Reward, error) {
	var r models.Reward
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&r).Error; err != nil {
		return nil, translate(err)
	}
	return &r, nil
}

// ListRewards returns matches oldest first
func (s *Store) ListRewards(ctx context.Context, f store.RewardFilter) ([]*models.Reward, error) {
	q := s.db.WithContext(ctx).Model(&models.Reward{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.CreatedBefore.IsZero() {
		q = q.Where("created_at < ?", f.CreatedBefore)
	}
	q = q.Order("created_at ASC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var out []*models.Reward
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) TransitionReward(ctx context.Context, id uuid.UUID, from, to models.RewardStatus, t models.RewardTransition) (bool, error) {
	for c := range t.Counters {
		if !c.Valid() {
			return false, fmt.Errorf("%w: unknown counter %q", store.ErrInvalidRecord, c)
		}
	}

	moved := false
	err := s.transaction(ctx, func(tx *Store) error {
		ok, err := tx.setRewardStatus(ctx, id, from, to, t)
		if err != nil || !ok {
			return err
		}
		if len(t.Counters) == 0 && t.ReferralRewardedAt == nil {
			moved = true
			return nil
		}

		r, err := tx.GetReward(ctx, id)
		if err != nil {
			return err
		}
		if len(t.Counters) > 0 {
			if err := tx.IncrementCounters(ctx, r.UserID, t.Counters); err != nil {
				return err
			}
		}
		if t.ReferralRewardedAt != nil && r.ReferralID != uuid.Nil {
			err := tx.db.WithContext(ctx).Model(&models.Referral{}).
				Where("id = ? AND status = ?", r.ReferralID, models.ReferralConverted).
				Updates(map[string]interface{}{"status": models.ReferralRewarded, "rewarded_at": *t.ReferralRewardedAt}).Error
			if err != nil {
				return err
			}
		}
		moved = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return moved, nil
}

func (s *Store) setRewardStatus(ctx context.Context, id uuid.UUID, from, to models.RewardStatus, t models.RewardTransition) (bool, error) {
	fields := map[string]interface{}{
		"status":     to,
		"error":      t.Error,
		"updated_at": s.now(),
	}
	if t.ExternalTransactionID != "" {
		fields["external_transaction_id"] = t.ExternalTransactionID
	}
	if t.AppliedAt != nil {
		fields["applied_at"] = *t.AppliedAt
	}
	if t.Attempts > 0 {
		fields["attempts"] = t.Attempts
	}

	res := s.db.WithContext(ctx).Model(&models.Reward{}).
		Where("id = ? AND status = ?", id, from).
		Updates(fields)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetReward(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ==================== Abuse flags ====================

func (s *Store) CreateFlag(ctx context.Context, f *models.AbuseFlag) error {
	f.EnsureID()
	if err := store.Validate(f); err != nil {
		return err
	}
	return translate(s.db.WithContext(ctx).Create(f).Error)
}

func (s *Store) GetFlag(ctx context.Context, id uuid.UUID) (*models.AbuseFlag, error) {
	var f models.AbuseFlag
	if err := s.db.WithContext(ctx).Where("id = ?", id).First(&f).Error; err != nil {
		return nil, translate(err)
	}
	return &f, nil
}

// ListFlags returns matches oldest first
func (s *Store) ListFlags(ctx context.Context, status models.FlagStatus, userID string) ([]*models.AbuseFlag, error) {
	q := s.db.WithContext(ctx).Model(&models.AbuseFlag{})
	if status != "" {
		q = q.Where("status = ?", status)
	}
	if userID != "" {
		q = q.Where("user_id = ?", userID)
	}

	var out []*models.AbuseFlag
	if err := q.Order("created_at ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ResolveFlag(ctx context.Context, id uuid.UUID, action models.FlagAction, reviewedBy string, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.AbuseFlag{}).
		Where("id = ? AND status = ?", id, models.FlagPending).
		Updates(map[string]interface{}{
			"status":      models.FlagResolved,
			"action":      action,
			"reviewed_by": reviewedBy,
			"reviewed_at": at,
		})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		if _, err := s.GetFlag(ctx, id); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// ==================== System config ====================

func (s *Store) GetSystemConfig(ctx context.Context) (*models.SystemConfig, error) {
	var c models.SystemConfig
	if err := s.db.WithContext(ctx).Where("id = ?", models.SystemConfigID).First(&c).Error; err != nil {
		return nil, translate(err)
	}
	return &c, nil
}

func (s *Store) SaveSystemConfig(ctx context.Context, c *models.SystemConfig) error {
	if err := store.Validate(c); err != nil {
		return err
	}
	c.ID = models.SystemConfigID
	c.UpdatedAt = s.now()
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(c).Error
}

// ==================== Events ====================

func (s *Store) CreateUsageEvent(ctx context.Context, e *models.UsageEvent) error {
	e.EnsureID()
	if err := store.Validate(e); err != nil {
		return err
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.now()
	}
	return s.db.WithContext(ctx).Create(e).Error
}

// ListUsageEvents returns a user's events newest first
func (s *Store) ListUsageEvents(ctx context.Context, userID string, limit int) ([]*models.UsageEvent, error) {
	q := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("timestamp DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var out []*models.UsageEvent
	if err := q.Find(&out).Error; err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) UpsertPayment(ctx context.Context, p *models.Payment) error {
	if err := store.Validate(p); err != nil {
		return err
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = s.now()
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(p).Error
}
