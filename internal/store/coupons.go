package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"allocation-service/internal/models"

	"github.com/jmoiron/sqlx"
)

// CreateCoupon inserts a coupon definition. Codes are unique.
func (s *Store) CreateCoupon(ctx context.Context, coupon *models.Coupon) error {
	query := `
		INSERT INTO coupons (code, name, total_quantity, issued_quantity, status, starts_at, expires_at)
		VALUES ($1, $2, $3, 0, $4, $5, $6)
		RETURNING id, issued_quantity, created_at`

	err := s.db.GetContext(ctx, coupon, query,
		coupon.Code, coupon.Name, coupon.TotalQuantity, coupon.Status,
		coupon.StartsAt, coupon.ExpiresAt)
	if err != nil {
		if isUniqueViolation(err) {
			return models.ErrCouponCodeExists
		}
		return fmt.Errorf("failed to create coupon: %w", err)
	}
	return nil
}

// GetCoupon retrieves a coupon by ID.
func (s *Store) GetCoupon(ctx context.Context, couponID int64) (*models.Coupon, error) {
	var coupon models.Coupon
	err := s.db.GetContext(ctx, &coupon, "SELECT * FROM coupons WHERE id = $1", couponID)
	if err == sql.ErrNoRows {
		return nil, models.ErrCouponNotFound
	}
	if err != nil {
		return nil, err
	}
	return &coupon, nil
}

// ListActiveCoupons retrieves all ACTIVE coupons, for bootstrap sync.
func (s *Store) ListActiveCoupons(ctx context.Context) ([]models.Coupon, error) {
	var coupons []models.Coupon
	err := s.db.SelectContext(ctx, &coupons,
		"SELECT * FROM coupons WHERE status = $1 ORDER BY id", models.CouponStatusActive)
	return coupons, err
}

// ListIssuedUserIDs retrieves every user holding a claim on a coupon.
func (s *Store) ListIssuedUserIDs(ctx context.Context, couponID int64) ([]string, error) {
	var userIDs []string
	err := s.db.SelectContext(ctx, &userIDs,
		"SELECT user_id FROM user_coupons WHERE coupon_id = $1", couponID)
	return userIDs, err
}

// InsertIssue durably records an issuance: the UserCoupon row plus the
// issued_quantity increment, in one transaction. The UPDATE is guarded by
// issued_quantity < total_quantity so the durable counter can never pass the
// supply even if the cache was wrong.
func (s *Store) InsertIssue(ctx context.Context, couponID int64, userID string, expiresAt time.Time) (*models.UserCoupon, error) {
	var uc models.UserCoupon

	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE coupons SET issued_quantity = issued_quantity + 1 WHERE id = $1 AND issued_quantity < total_quantity",
			couponID)
		if err != nil {
			return fmt.Errorf("failed to increment issued quantity: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected == 0 {
			return models.ErrCouponExhausted
		}

		query := `
			INSERT INTO user_coupons (user_id, coupon_id, status, expires_at)
			VALUES ($1, $2, $3, $4)
			RETURNING id, user_id, coupon_id, status, expires_at, issued_at`

		if err := tx.GetContext(ctx, &uc, query,
			userID, couponID, models.UserCouponStatusAvailable, expiresAt); err != nil {
			if isUniqueViolation(err) {
				return models.ErrAlreadyIssued
			}
			return fmt.Errorf("failed to insert user coupon: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &uc, nil
}

// ExpireUserCoupons transitions AVAILABLE claims past their expiry to
// EXPIRED. Returns the number of rows swept.
func (s *Store) ExpireUserCoupons(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE user_coupons SET status = $1 WHERE status = $2 AND expires_at < $3",
		models.UserCouponStatusExpired, models.UserCouponStatusAvailable, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
