package models

import "errors"

// Business-rule errors surfaced to callers as typed failures. Contention
// errors live in the lock package; everything else that can fail an
// allocation request is defined here.
var (
	ErrInventoryNotFound   = errors.New("inventory not found")
	ErrInventoryExists     = errors.New("inventory already initialized")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrInvalidQuantity     = errors.New("quantity must be positive")

	ErrCouponNotFound   = errors.New("coupon not found")
	ErrCouponCodeExists = errors.New("coupon code already exists")
	ErrCouponInactive   = errors.New("coupon is not active")
	ErrCouponNotStarted = errors.New("coupon is not started yet")
	ErrCouponExpired    = errors.New("coupon is expired")
	ErrCouponExhausted  = errors.New("coupon is exhausted")
	ErrAlreadyIssued    = errors.New("coupon already issued to user")

	ErrQueueNotFound      = errors.New("waiting queue not found")
	ErrQueueNotActive     = errors.New("waiting queue is not active")
	ErrQueueEntryNotFound = errors.New("queue entry not found")
)
