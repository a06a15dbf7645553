package service

import (
	"context"
	"time"

	"allocation-service/internal/lock"
	"allocation-service/internal/models"
	"allocation-service/internal/redisclient"
	"allocation-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// CouponStore is the durable side of issuance, implemented by store.Store.
type CouponStore interface {
	CreateCoupon(ctx context.Context, coupon *models.Coupon) error
	GetCoupon(ctx context.Context, couponID int64) (*models.Coupon, error)
	ListActiveCoupons(ctx context.Context) ([]models.Coupon, error)
	ListIssuedUserIDs(ctx context.Context, couponID int64) ([]string, error)
	InsertIssue(ctx context.Context, couponID int64, userID string, expiresAt time.Time) (*models.UserCoupon, error)
	ExpireUserCoupons(ctx context.Context, now time.Time) (int64, error)
}

// CouponCache is the fast path: a remaining counter and issued-user set per
// coupon, implemented by redisclient.Client. Derived state only; it must stay
// rebuildable from the durable store.
type CouponCache interface {
	TryIssueCoupon(ctx context.Context, couponID int64, userID string) (int64, error)
	RevokeIssue(ctx context.Context, couponID int64, userID string) error
	InitCouponStock(ctx context.Context, couponID int64, remaining int, issuedUsers []string) error
}

type couponEvents interface {
	PublishCouponIssued(ctx context.Context, event *models.CouponIssuedEvent) error
}

type withLocker interface {
	WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error
}

// CouponService is the issuance engine: at most TotalQuantity issuances per
// coupon, at most one per user, serialized per coupon across instances.
type CouponService struct {
	store  CouponStore
	cache  CouponCache
	locks  withLocker
	events couponEvents
	logger *zap.Logger
	now    func() time.Time
}

// NewCouponService creates the coupon issuance engine.
func NewCouponService(store CouponStore, cache CouponCache, locks withLocker, events couponEvents) *CouponService {
	return &CouponService{
		store:  store,
		cache:  cache,
		locks:  locks,
		events: events,
		logger: util.NamedLogger("coupon"),
		now:    time.Now,
	}
}

// CreateCouponRequest carries the admin coupon definition.
type CreateCouponRequest struct {
	Code          string    `json:"code" binding:"required"`
	Name          string    `json:"name" binding:"required"`
	TotalQuantity int       `json:"total_quantity" binding:"required,min=1"`
	StartsAt      time.Time `json:"starts_at" binding:"required"`
	ExpiresAt     time.Time `json:"expires_at" binding:"required"`
}

// Create registers a coupon and seeds its cache counter.
func (s *CouponService) Create(ctx context.Context, req *CreateCouponRequest) (*models.Coupon, error) {
	coupon := &models.Coupon{
		Code:          req.Code,
		Name:          req.Name,
		TotalQuantity: req.TotalQuantity,
		Status:        models.CouponStatusActive,
		StartsAt:      req.StartsAt,
		ExpiresAt:     req.ExpiresAt,
	}

	if err := s.store.CreateCoupon(ctx, coupon); err != nil {
		return nil, err
	}

	if err := s.cache.InitCouponStock(ctx, coupon.ID, coupon.TotalQuantity, nil); err != nil {
		// The next bootstrap sync repairs the cache; issuance meanwhile fails
		// closed rather than over-issuing.
		s.logger.Error("Failed to seed coupon cache",
			zap.Int64("coupon_id", coupon.ID), zap.Error(err))
	}

	s.logger.Info("Coupon created",
		zap.Int64("coupon_id", coupon.ID),
		zap.String("code", coupon.Code),
		zap.Int("total_quantity", coupon.TotalQuantity))
	return coupon, nil
}

// Get retrieves a coupon definition.
func (s *CouponService) Get(ctx context.Context, couponID int64) (*models.Coupon, error) {
	return s.store.GetCoupon(ctx, couponID)
}

// Issue grants one claim of couponID to userID. Serialized per coupon via the
// lock manager; the cache decrement is atomic with the dedup check; the
// durable write follows, and a failed durable write compensates the cache.
func (s *CouponService) Issue(ctx context.Context, couponID int64, userID string) (*models.UserCoupon, error) {
	ctx, span := util.StartSpan(ctx, "CouponService.Issue")
	defer span.End()

	var issued *models.UserCoupon

	err := s.locks.WithLock(ctx, lock.Key("coupon", couponID), func(ctx context.Context) error {
		coupon, err := s.store.GetCoupon(ctx, couponID)
		if err != nil {
			return err
		}

		if err := coupon.ValidateForIssue(s.now()); err != nil {
			return err
		}

		code, err := s.cache.TryIssueCoupon(ctx, couponID, userID)
		if err != nil {
			// Cache down: fail the attempt instead of risking over-issuance.
			util.CouponIssueFailedTotal.WithLabelValues("cache_error").Inc()
			return err
		}

		switch code {
		case redisclient.IssueAlreadyIssued:
			return models.ErrAlreadyIssued
		case redisclient.IssueExhausted:
			return models.ErrCouponExhausted
		}

		uc, err := s.store.InsertIssue(ctx, couponID, userID, coupon.ExpiresAt)
		if err != nil {
			util.CouponCacheCompensations.Inc()
			if revokeErr := s.cache.RevokeIssue(ctx, couponID, userID); revokeErr != nil {
				s.logger.Error("Failed to compensate coupon cache",
					zap.Int64("coupon_id", couponID),
					zap.String("user_id", userID),
					zap.Error(revokeErr))
			}
			return err
		}

		issued = uc
		return nil
	})
	if err != nil {
		s.countIssueFailure(err)
		return nil, err
	}

	util.CouponIssuedTotal.Inc()
	s.logger.Info("Coupon issued",
		zap.Int64("coupon_id", couponID),
		zap.String("user_id", userID))

	coupon, getErr := s.store.GetCoupon(ctx, couponID)
	event := &models.CouponIssuedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeCouponIssued,
			Timestamp: s.now(),
		},
		CouponID:  couponID,
		UserID:    userID,
		ExpiresAt: issued.ExpiresAt,
	}
	if getErr == nil {
		event.CouponCode = coupon.Code
	}
	if err := s.events.PublishCouponIssued(ctx, event); err != nil {
		s.logger.Error("Failed to publish CouponIssued event",
			zap.Int64("coupon_id", couponID), zap.Error(err))
	}

	return issued, nil
}

func (s *CouponService) countIssueFailure(err error) {
	switch err {
	case models.ErrAlreadyIssued:
		util.CouponIssueFailedTotal.WithLabelValues("already_issued").Inc()
	case models.ErrCouponExhausted:
		util.CouponIssueFailedTotal.WithLabelValues("exhausted").Inc()
	case models.ErrCouponExpired, models.ErrCouponNotStarted, models.ErrCouponInactive:
		util.CouponIssueFailedTotal.WithLabelValues("window").Inc()
	case lock.ErrNotAcquired:
		util.CouponIssueFailedTotal.WithLabelValues("lock_timeout").Inc()
	}
}

// BootstrapSync rebuilds the cache counter and issued-user set for every
// ACTIVE coupon from durable state. Runs once at startup before the service
// accepts traffic; per-coupon failures are logged and skipped.
func (s *CouponService) BootstrapSync(ctx context.Context) error {
	coupons, err := s.store.ListActiveCoupons(ctx)
	if err != nil {
		return err
	}

	synced := 0
	for _, coupon := range coupons {
		issuedUsers, err := s.store.ListIssuedUserIDs(ctx, coupon.ID)
		if err != nil {
			s.logger.Error("Failed to load issued users, skipping coupon",
				zap.Int64("coupon_id", coupon.ID), zap.Error(err))
			continue
		}

		if err := s.cache.InitCouponStock(ctx, coupon.ID, coupon.Remaining(), issuedUsers); err != nil {
			s.logger.Error("Failed to rebuild coupon cache, skipping coupon",
				zap.Int64("coupon_id", coupon.ID), zap.Error(err))
			continue
		}
		synced++
	}

	s.logger.Info("Coupon cache bootstrap completed",
		zap.Int("synced", synced),
		zap.Int("total", len(coupons)))
	return nil
}

// SweepExpired transitions AVAILABLE claims past their expiry to EXPIRED.
// Issued quantities are untouched: expired units do not return to stock.
func (s *CouponService) SweepExpired(ctx context.Context) error {
	swept, err := s.store.ExpireUserCoupons(ctx, s.now())
	if err != nil {
		return err
	}
	if swept > 0 {
		s.logger.Info("Expired user coupons swept", zap.Int64("count", swept))
	}
	return nil
}
