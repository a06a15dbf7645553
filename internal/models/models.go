package models

import "time"

// Inventory represents durable stock for a single product.
// Invariant: Available + Reserved == Total, all three >= 0.
type Inventory struct {
	ProductID int64     `db:"product_id" json:"product_id"`
	Available int       `db:"available" json:"available"`
	Reserved  int       `db:"reserved" json:"reserved"`
	Total     int       `db:"total" json:"total"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// Reserve moves quantity from available into reserved.
func (inv *Inventory) Reserve(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if inv.Available < quantity {
		return ErrInsufficientStock
	}
	inv.Available -= quantity
	inv.Reserved += quantity
	return nil
}

// Deduct finalizes a previous reservation: reserved and total both shrink.
func (inv *Inventory) Deduct(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if inv.Reserved < quantity {
		return ErrReservationNotFound
	}
	inv.Reserved -= quantity
	inv.Total -= quantity
	return nil
}

// Release reverses a reservation back into available stock.
func (inv *Inventory) Release(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	if inv.Reserved < quantity {
		return ErrReservationNotFound
	}
	inv.Reserved -= quantity
	inv.Available += quantity
	return nil
}

// AddStock grows available and total (restock).
func (inv *Inventory) AddStock(quantity int) error {
	if quantity <= 0 {
		return ErrInvalidQuantity
	}
	inv.Available += quantity
	inv.Total += quantity
	return nil
}

// Movement types recorded in the stock ledger.
const (
	MovementInitial = "INITIAL"
	MovementReserve = "RESERVE"
	MovementDeduct  = "DEDUCT"
	MovementRelease = "RELEASE"
	MovementAdd     = "ADD"
)

// StockMovement is an append-only ledger row, one per inventory transition.
// Before/after snapshots make the ledger a reconstruction path for Inventory.
type StockMovement struct {
	ID                int64     `db:"id" json:"id"`
	ProductID         int64     `db:"product_id" json:"product_id"`
	MovementType      string    `db:"movement_type" json:"movement_type"`
	Quantity          int       `db:"quantity" json:"quantity"`
	PreviousAvailable int       `db:"previous_available" json:"previous_available"`
	AfterAvailable    int       `db:"after_available" json:"after_available"`
	PreviousReserved  int       `db:"previous_reserved" json:"previous_reserved"`
	AfterReserved     int       `db:"after_reserved" json:"after_reserved"`
	Reference         string    `db:"reference" json:"reference"`
	Reason            string    `db:"reason" json:"reason"`
	PerformedBy       string    `db:"performed_by" json:"performed_by"`
	CreatedAt         time.Time `db:"created_at" json:"created_at"`
}

// Coupon statuses
const (
	CouponStatusActive   = "ACTIVE"
	CouponStatusInactive = "INACTIVE"
)

// Coupon is a promotional definition with a bounded supply.
// Invariant: IssuedQuantity <= TotalQuantity, IssuedQuantity monotonic.
type Coupon struct {
	ID             int64     `db:"id" json:"id"`
	Code           string    `db:"code" json:"code"`
	Name           string    `db:"name" json:"name"`
	TotalQuantity  int       `db:"total_quantity" json:"total_quantity"`
	IssuedQuantity int       `db:"issued_quantity" json:"issued_quantity"`
	Status         string    `db:"status" json:"status"`
	StartsAt       time.Time `db:"starts_at" json:"starts_at"`
	ExpiresAt      time.Time `db:"expires_at" json:"expires_at"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
}

// Remaining reports issuable supply from durable state.
func (c *Coupon) Remaining() int {
	return c.TotalQuantity - c.IssuedQuantity
}

// ValidateForIssue checks status and activation window at the given instant.
func (c *Coupon) ValidateForIssue(now time.Time) error {
	if c.Status != CouponStatusActive {
		return ErrCouponInactive
	}
	if now.Before(c.StartsAt) {
		return ErrCouponNotStarted
	}
	if now.After(c.ExpiresAt) {
		return ErrCouponExpired
	}
	return nil
}

// UserCoupon statuses
const (
	UserCouponStatusAvailable = "AVAILABLE"
	UserCouponStatusUsed      = "USED"
	UserCouponStatusExpired   = "EXPIRED"
)

// UserCoupon is a claim record: at most one per (user, coupon).
type UserCoupon struct {
	ID        int64     `db:"id" json:"id"`
	UserID    string    `db:"user_id" json:"user_id"`
	CouponID  int64     `db:"coupon_id" json:"coupon_id"`
	Status    string    `db:"status" json:"status"`
	ExpiresAt time.Time `db:"expires_at" json:"expires_at"`
	IssuedAt  time.Time `db:"issued_at" json:"issued_at"`
}

// WaitingQueue is the admission-control config for one (eventType, eventId).
type WaitingQueue struct {
	ID                   int64      `db:"id" json:"id"`
	EventType            string     `db:"event_type" json:"event_type"`
	EventID              int64      `db:"event_id" json:"event_id"`
	MaxCapacity          int        `db:"max_capacity" json:"max_capacity"`
	EntryBatchSize       int        `db:"entry_batch_size" json:"entry_batch_size"`
	EntryIntervalSeconds int        `db:"entry_interval_seconds" json:"entry_interval_seconds"`
	EntryTTLSeconds      int        `db:"entry_ttl_seconds" json:"entry_ttl_seconds"`
	IsActive             bool       `db:"is_active" json:"is_active"`
	ActivatedAt          *time.Time `db:"activated_at" json:"activated_at,omitempty"`
	DeactivatedAt        *time.Time `db:"deactivated_at" json:"deactivated_at,omitempty"`
}

// EstimatedWaitSeconds predicts time-to-admission for a zero-based position.
func (q *WaitingQueue) EstimatedWaitSeconds(position int64) int64 {
	if q.EntryBatchSize <= 0 {
		return 0
	}
	return ((position + 1) / int64(q.EntryBatchSize)) * int64(q.EntryIntervalSeconds)
}

// Queue entry statuses. WAITING is the only non-terminal state.
const (
	QueueStatusWaiting = "WAITING"
	QueueStatusEntered = "ENTERED"
	QueueStatusExpired = "EXPIRED"
	QueueStatusLeft    = "LEFT"
)

// QueueEntry is one user's session in a waiting queue, addressed by an
// unguessable token.
type QueueEntry struct {
	ID         int64      `db:"id" json:"id"`
	QueueID    int64      `db:"queue_id" json:"queue_id"`
	UserID     string     `db:"user_id" json:"user_id"`
	EntryToken string     `db:"entry_token" json:"entry_token"`
	Status     string     `db:"status" json:"status"`
	JoinedAt   time.Time  `db:"joined_at" json:"joined_at"`
	EnteredAt  *time.Time `db:"entered_at" json:"entered_at,omitempty"`
	ExpiredAt  *time.Time `db:"expired_at" json:"expired_at,omitempty"`
	LeftAt     *time.Time `db:"left_at" json:"left_at,omitempty"`
}

// IsWaiting reports whether the entry still occupies a queue slot.
func (e *QueueEntry) IsWaiting() bool { return e.Status == QueueStatusWaiting }

// IsEntered reports whether the entry currently holds an admission slot.
func (e *QueueEntry) IsEntered() bool { return e.Status == QueueStatusEntered }

// AdmissionDeadline returns the instant an ENTERED slot is forfeited.
// Zero time for entries that are not ENTERED.
func (e *QueueEntry) AdmissionDeadline(ttl time.Duration) time.Time {
	if e.EnteredAt == nil {
		return time.Time{}
	}
	return e.EnteredAt.Add(ttl)
}
