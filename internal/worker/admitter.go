package worker

import (
	"context"
	"time"

	"allocation-service/internal/lock"
	"allocation-service/internal/models"
	"allocation-service/internal/util"

	"go.uber.org/zap"
)

// admissionService is the slice of the queue engine the admitter drives.
type admissionService interface {
	ActiveQueues(ctx context.Context) ([]models.WaitingQueue, error)
	AdmitBatch(ctx context.Context, queue *models.WaitingQueue) (int, error)
}

// Admitter drives scheduled batch admission. One goroutine scans the active
// queues every tick and runs AdmitBatch for each queue whose entry interval
// has elapsed. The per-queue lock inside AdmitBatch keeps concurrent ticks
// from double-admitting when several instances run an admitter.
type Admitter struct {
	queues  admissionService
	tick    time.Duration
	logger  *zap.Logger
	lastRun map[int64]time.Time
}

// NewAdmitter creates an admission scheduler.
func NewAdmitter(queues admissionService, tick time.Duration) *Admitter {
	return &Admitter{
		queues:  queues,
		tick:    tick,
		logger:  util.NamedLogger("admitter"),
		lastRun: make(map[int64]time.Time),
	}
}

// Start runs the admission loop until ctx is cancelled.
func (a *Admitter) Start(ctx context.Context) error {
	a.logger.Info("Starting queue admitter", zap.Duration("tick", a.tick))

	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Queue admitter stopped")
			return ctx.Err()
		case <-ticker.C:
			a.runDue(ctx)
		}
	}
}

func (a *Admitter) runDue(ctx context.Context) {
	queues, err := a.queues.ActiveQueues(ctx)
	if err != nil {
		a.logger.Error("Failed to list active queues", zap.Error(err))
		return
	}

	// Drop bookkeeping for queues that were deactivated; the map would
	// otherwise grow for the life of the process.
	active := make(map[int64]struct{}, len(queues))
	for i := range queues {
		active[queues[i].ID] = struct{}{}
	}
	for id := range a.lastRun {
		if _, ok := active[id]; !ok {
			delete(a.lastRun, id)
		}
	}

	now := time.Now()
	for i := range queues {
		queue := &queues[i]

		interval := time.Duration(queue.EntryIntervalSeconds) * time.Second
		if last, ok := a.lastRun[queue.ID]; ok && now.Sub(last) < interval {
			continue
		}
		a.lastRun[queue.ID] = now

		if _, err := a.queues.AdmitBatch(ctx, queue); err != nil {
			if err == lock.ErrNotAcquired {
				// Another instance is admitting this queue right now.
				continue
			}
			a.logger.Error("Admission tick failed",
				zap.String("event_type", queue.EventType),
				zap.Int64("event_id", queue.EventID),
				zap.Error(err))
		}
	}
}

// couponSweepService is the slice of the coupon engine the sweeper drives.
type couponSweepService interface {
	SweepExpired(ctx context.Context) error
}

// queueSweepService is the slice of the queue engine the sweeper drives.
type queueSweepService interface {
	ActiveQueues(ctx context.Context) ([]models.WaitingQueue, error)
	SweepExpiredEntries(ctx context.Context, queue *models.WaitingQueue) error
}

// Sweeper runs the periodic expiries on independent schedules: AVAILABLE user
// coupons past their expiry and ENTERED queue slots past their TTL.
type Sweeper struct {
	coupons        couponSweepService
	queues         queueSweepService
	couponInterval time.Duration
	queueInterval  time.Duration
	logger         *zap.Logger
}

// NewSweeper creates the expiry sweeper.
func NewSweeper(coupons couponSweepService, queues queueSweepService, couponInterval, queueInterval time.Duration) *Sweeper {
	return &Sweeper{
		coupons:        coupons,
		queues:         queues,
		couponInterval: couponInterval,
		queueInterval:  queueInterval,
		logger:         util.NamedLogger("sweeper"),
	}
}

// Start runs the sweep loops until ctx is cancelled.
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting expiry sweeper",
		zap.Duration("coupon_interval", s.couponInterval),
		zap.Duration("queue_interval", s.queueInterval))

	couponTicker := time.NewTicker(s.couponInterval)
	defer couponTicker.Stop()
	queueTicker := time.NewTicker(s.queueInterval)
	defer queueTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Expiry sweeper stopped")
			return ctx.Err()
		case <-couponTicker.C:
			s.sweepCoupons(ctx)
		case <-queueTicker.C:
			s.sweepQueues(ctx)
		}
	}
}

func (s *Sweeper) sweepCoupons(ctx context.Context) {
	if err := s.coupons.SweepExpired(ctx); err != nil {
		s.logger.Error("Coupon expiry sweep failed", zap.Error(err))
	}
}

func (s *Sweeper) sweepQueues(ctx context.Context) {
	queues, err := s.queues.ActiveQueues(ctx)
	if err != nil {
		s.logger.Error("Failed to list active queues for sweep", zap.Error(err))
		return
	}
	for i := range queues {
		if err := s.queues.SweepExpiredEntries(ctx, &queues[i]); err != nil {
			s.logger.Error("Queue entry sweep failed",
				zap.Int64("queue_id", queues[i].ID),
				zap.Error(err))
		}
	}
}
