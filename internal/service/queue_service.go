package service

import (
	"context"
	"time"

	"allocation-service/internal/lock"
	"allocation-service/internal/models"
	"allocation-service/internal/util"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// QueueStore is the durable side of admission control, implemented by
// store.Store.
type QueueStore interface {
	GetQueue(ctx context.Context, eventType string, eventID int64) (*models.WaitingQueue, error)
	GetQueueByID(ctx context.Context, queueID int64) (*models.WaitingQueue, error)
	GetActiveQueue(ctx context.Context, eventType string, eventID int64) (*models.WaitingQueue, error)
	ListActiveQueues(ctx context.Context) ([]models.WaitingQueue, error)
	ActivateQueue(ctx context.Context, queue *models.WaitingQueue) error
	DeactivateQueue(ctx context.Context, eventType string, eventID int64) error
	CreateEntry(ctx context.Context, entry *models.QueueEntry) error
	GetEntryByToken(ctx context.Context, token string) (*models.QueueEntry, error)
	GetLiveEntry(ctx context.Context, queueID int64, userID string) (*models.QueueEntry, error)
	HasEnteredEntry(ctx context.Context, queueID int64, userID string) (bool, error)
	CountWaitingBefore(ctx context.Context, queueID int64, joinedAt time.Time) (int64, error)
	CountByStatus(ctx context.Context, queueID int64, status string) (int64, error)
	ListOldestWaiting(ctx context.Context, queueID int64, n int) ([]string, error)
	AdmitEntry(ctx context.Context, token string) (*models.QueueEntry, error)
	LeaveEntry(ctx context.Context, token string) (*models.QueueEntry, error)
	ExpireEnteredBefore(ctx context.Context, queueID int64, cutoff time.Time) ([]string, error)
}

// QueueCache mirrors queue membership in redis: a waiting zset scored by join
// time and an entered set, implemented by redisclient.Client. Positions come
// from the mirror when present; the durable rows remain authoritative.
type QueueCache interface {
	EnqueueWaiting(ctx context.Context, eventType string, eventID int64, token string, joinedAt time.Time) error
	WaitingRank(ctx context.Context, eventType string, eventID int64, token string) (int64, error)
	WaitingCount(ctx context.Context, eventType string, eventID int64) (int64, error)
	EnteredCount(ctx context.Context, eventType string, eventID int64) (int64, error)
	PopWaiting(ctx context.Context, eventType string, eventID int64, n int) ([]string, error)
	MarkEntered(ctx context.Context, eventType string, eventID int64, token string) error
	RemoveEntry(ctx context.Context, eventType string, eventID int64, token string) error
	ClearQueue(ctx context.Context, eventType string, eventID int64) error
}

type queueEvents interface {
	PublishQueueEntryAdmitted(ctx context.Context, event *models.QueueEntryAdmittedEvent) error
}

// QueueService is the waiting-queue admission controller. Admission is
// advisory rate-limiting: inventory and coupon stock remain the authoritative
// gatekeepers even for callers that bypass the queue.
type QueueService struct {
	store           QueueStore
	cache           QueueCache
	locks           withLocker
	events          queueEvents
	logger          *zap.Logger
	defaultEntryTTL time.Duration
	now             func() time.Time
}

// NewQueueService creates the admission controller.
func NewQueueService(store QueueStore, cache QueueCache, locks withLocker, events queueEvents, defaultEntryTTL time.Duration) *QueueService {
	return &QueueService{
		store:           store,
		cache:           cache,
		locks:           locks,
		events:          events,
		logger:          util.NamedLogger("queue"),
		defaultEntryTTL: defaultEntryTTL,
		now:             time.Now,
	}
}

// ActivateQueueRequest carries operator admission-control config.
type ActivateQueueRequest struct {
	MaxCapacity          int `json:"max_capacity" binding:"required,min=1"`
	EntryBatchSize       int `json:"entry_batch_size" binding:"required,min=1"`
	EntryIntervalSeconds int `json:"entry_interval_seconds" binding:"required,min=1"`
	EntryTTLSeconds      int `json:"entry_ttl_seconds"`
}

// QueueStatusResponse is the caller-facing view of one entry.
type QueueStatusResponse struct {
	EntryToken           string     `json:"entry_token"`
	Status               string     `json:"status"`
	Position             int64      `json:"position,omitempty"`
	TotalWaiting         int64      `json:"total_waiting,omitempty"`
	EstimatedWaitSeconds int64      `json:"estimated_wait_seconds,omitempty"`
	AdmissionDeadline    *time.Time `json:"admission_deadline,omitempty"`
}

// QueueOverview is the operator-facing view of one queue.
type QueueOverview struct {
	IsActive             bool  `json:"is_active"`
	WaitingCount         int64 `json:"waiting_count"`
	EnteredCount         int64 `json:"entered_count"`
	MaxCapacity          int   `json:"max_capacity"`
	EntryBatchSize       int   `json:"entry_batch_size"`
	EntryIntervalSeconds int   `json:"entry_interval_seconds"`
}

// Activate switches admission control on for an event, creating or
// reconfiguring its queue.
func (s *QueueService) Activate(ctx context.Context, eventType string, eventID int64, req *ActivateQueueRequest) (*models.WaitingQueue, error) {
	ttl := req.EntryTTLSeconds
	if ttl <= 0 {
		ttl = int(s.defaultEntryTTL.Seconds())
	}

	queue := &models.WaitingQueue{
		EventType:            eventType,
		EventID:              eventID,
		MaxCapacity:          req.MaxCapacity,
		EntryBatchSize:       req.EntryBatchSize,
		EntryIntervalSeconds: req.EntryIntervalSeconds,
		EntryTTLSeconds:      ttl,
	}
	if err := s.store.ActivateQueue(ctx, queue); err != nil {
		return nil, err
	}

	s.logger.Info("Queue activated",
		zap.String("event_type", eventType),
		zap.Int64("event_id", eventID),
		zap.Int("max_capacity", queue.MaxCapacity),
		zap.Int("entry_batch_size", queue.EntryBatchSize))
	return queue, nil
}

// Deactivate halts admission. Entries survive; the mirror is dropped.
func (s *QueueService) Deactivate(ctx context.Context, eventType string, eventID int64) error {
	if err := s.store.DeactivateQueue(ctx, eventType, eventID); err != nil {
		return err
	}

	if err := s.cache.ClearQueue(ctx, eventType, eventID); err != nil {
		s.logger.Warn("Failed to clear queue mirror",
			zap.String("event_type", eventType),
			zap.Int64("event_id", eventID),
			zap.Error(err))
	}

	s.logger.Info("Queue deactivated",
		zap.String("event_type", eventType),
		zap.Int64("event_id", eventID))
	return nil
}

// Overview reports counts and config for an event's queue.
func (s *QueueService) Overview(ctx context.Context, eventType string, eventID int64) (*QueueOverview, error) {
	queue, err := s.store.GetQueue(ctx, eventType, eventID)
	if err != nil {
		return nil, err
	}

	waiting, err := s.waitingCount(ctx, queue)
	if err != nil {
		return nil, err
	}
	entered, err := s.enteredCount(ctx, queue)
	if err != nil {
		return nil, err
	}

	return &QueueOverview{
		IsActive:             queue.IsActive,
		WaitingCount:         waiting,
		EnteredCount:         entered,
		MaxCapacity:          queue.MaxCapacity,
		EntryBatchSize:       queue.EntryBatchSize,
		EntryIntervalSeconds: queue.EntryIntervalSeconds,
	}, nil
}

// Join enters a user into an active queue. A user with a live WAITING or
// ENTERED entry gets that entry's status back instead of a second slot.
func (s *QueueService) Join(ctx context.Context, eventType string, eventID int64, userID string) (*QueueStatusResponse, error) {
	ctx, span := util.StartSpan(ctx, "QueueService.Join")
	defer span.End()

	queue, err := s.store.GetActiveQueue(ctx, eventType, eventID)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.GetLiveEntry(ctx, queue.ID, userID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return s.statusFor(ctx, queue, existing)
	}

	entry := &models.QueueEntry{
		QueueID:    queue.ID,
		UserID:     userID,
		EntryToken: uuid.New().String(),
		Status:     models.QueueStatusWaiting,
	}
	if err := s.store.CreateEntry(ctx, entry); err != nil {
		return nil, err
	}

	if err := s.cache.EnqueueWaiting(ctx, eventType, eventID, entry.EntryToken, entry.JoinedAt); err != nil {
		s.logger.Warn("Failed to mirror queue entry",
			zap.String("entry_token", entry.EntryToken),
			zap.Error(err))
	}

	util.QueueJoinsTotal.Inc()
	s.logger.Info("User joined queue",
		zap.String("event_type", eventType),
		zap.Int64("event_id", eventID),
		zap.String("user_id", userID))

	return s.statusFor(ctx, queue, entry)
}

// StatusByToken reports the state of one entry.
func (s *QueueService) StatusByToken(ctx context.Context, token string) (*QueueStatusResponse, error) {
	entry, err := s.store.GetEntryByToken(ctx, token)
	if err != nil {
		return nil, err
	}

	queue, err := s.store.GetQueueByID(ctx, entry.QueueID)
	if err != nil {
		return nil, err
	}

	return s.statusFor(ctx, queue, entry)
}

// Leave removes an entry (WAITING or ENTERED) from its queue.
func (s *QueueService) Leave(ctx context.Context, token string) error {
	entry, err := s.store.LeaveEntry(ctx, token)
	if err != nil {
		return err
	}

	queue, err := s.store.GetQueueByID(ctx, entry.QueueID)
	if err != nil {
		return err
	}

	if err := s.cache.RemoveEntry(ctx, queue.EventType, queue.EventID, token); err != nil {
		s.logger.Warn("Failed to remove entry from mirror",
			zap.String("entry_token", token), zap.Error(err))
	}

	s.logger.Info("User left queue",
		zap.String("user_id", entry.UserID),
		zap.String("event_type", queue.EventType),
		zap.Int64("event_id", queue.EventID))
	return nil
}

// ValidateEntry authorizes access to the protected resource: true when no
// active queue guards the event or when the user holds an ENTERED slot.
func (s *QueueService) ValidateEntry(ctx context.Context, eventType string, eventID int64, userID string) (bool, error) {
	queue, err := s.store.GetActiveQueue(ctx, eventType, eventID)
	if err == models.ErrQueueNotActive {
		return true, nil
	}
	if err != nil {
		return false, err
	}

	return s.store.HasEnteredEntry(ctx, queue.ID, userID)
}

// AdmitBatch promotes up to EntryBatchSize oldest WAITING entries to ENTERED,
// bounded by MaxCapacity concurrently-entered slots. The per-queue lock makes
// it the sole WAITING -> ENTERED writer even across overlapping ticks.
func (s *QueueService) AdmitBatch(ctx context.Context, queue *models.WaitingQueue) (int, error) {
	admitted := 0

	err := s.locks.WithLock(ctx, lock.Key("queue", queue.EventType, queue.EventID), func(ctx context.Context) error {
		// Capacity is enforced against the durable rows, never the mirror:
		// a failed MarkEntered leaves the entered set undercounting, and an
		// undercount here would admit past MaxCapacity.
		entered, err := s.store.CountByStatus(ctx, queue.ID, models.QueueStatusEntered)
		if err != nil {
			return err
		}

		slots := queue.MaxCapacity - int(entered)
		if slots <= 0 {
			return nil
		}
		if slots > queue.EntryBatchSize {
			slots = queue.EntryBatchSize
		}

		tokens, err := s.cache.PopWaiting(ctx, queue.EventType, queue.EventID, slots)
		if err != nil {
			s.logger.Warn("Failed to pop waiting tokens from mirror",
				zap.Int64("queue_id", queue.ID), zap.Error(err))
			tokens = nil
		}
		if len(tokens) == 0 {
			// Mirror empty or lost: fall back to the durable FIFO order.
			tokens, err = s.store.ListOldestWaiting(ctx, queue.ID, slots)
			if err != nil {
				return err
			}
		}

		for i, token := range tokens {
			entry, err := s.store.AdmitEntry(ctx, token)
			if err != nil {
				// The rows for the unprocessed tokens are still WAITING but
				// their mirror slots were consumed by PopWaiting; put them
				// back so they keep their place in line.
				s.requeueWaiting(ctx, queue, tokens[i:])
				return err
			}
			if entry == nil {
				// No longer WAITING; its mirror slot is already consumed.
				continue
			}

			if err := s.cache.MarkEntered(ctx, queue.EventType, queue.EventID, token); err != nil {
				s.logger.Warn("Failed to mirror admission",
					zap.String("entry_token", token), zap.Error(err))
			}

			s.publishAdmitted(ctx, queue, entry)
			admitted++
		}
		return nil
	})
	if err != nil {
		return admitted, err
	}

	if admitted > 0 {
		util.QueueAdmissionsTotal.Add(float64(admitted))
		s.logger.Info("Batch admitted",
			zap.String("event_type", queue.EventType),
			zap.Int64("event_id", queue.EventID),
			zap.Int("count", admitted))
	}
	return admitted, nil
}

// requeueWaiting returns popped-but-unadmitted tokens to the waiting mirror
// with their original join-time scores, preserving FIFO order.
func (s *QueueService) requeueWaiting(ctx context.Context, queue *models.WaitingQueue, tokens []string) {
	for _, token := range tokens {
		entry, err := s.store.GetEntryByToken(ctx, token)
		if err != nil || !entry.IsWaiting() {
			continue
		}
		if err := s.cache.EnqueueWaiting(ctx, queue.EventType, queue.EventID, token, entry.JoinedAt); err != nil {
			s.logger.Warn("Failed to requeue waiting token",
				zap.String("entry_token", token), zap.Error(err))
		}
	}
}

// SweepExpiredEntries forfeits ENTERED slots older than the queue's entry TTL.
func (s *QueueService) SweepExpiredEntries(ctx context.Context, queue *models.WaitingQueue) error {
	ttl := time.Duration(queue.EntryTTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = s.defaultEntryTTL
	}

	tokens, err := s.store.ExpireEnteredBefore(ctx, queue.ID, s.now().Add(-ttl))
	if err != nil {
		return err
	}

	for _, token := range tokens {
		if err := s.cache.RemoveEntry(ctx, queue.EventType, queue.EventID, token); err != nil {
			s.logger.Warn("Failed to remove expired entry from mirror",
				zap.String("entry_token", token), zap.Error(err))
		}
	}

	if len(tokens) > 0 {
		util.QueueExpirationsTotal.Add(float64(len(tokens)))
		s.logger.Info("Expired entered slots swept",
			zap.String("event_type", queue.EventType),
			zap.Int64("event_id", queue.EventID),
			zap.Int("count", len(tokens)))
	}
	return nil
}

// ActiveQueues lists the queues the admitter should tick.
func (s *QueueService) ActiveQueues(ctx context.Context) ([]models.WaitingQueue, error) {
	return s.store.ListActiveQueues(ctx)
}

func (s *QueueService) statusFor(ctx context.Context, queue *models.WaitingQueue, entry *models.QueueEntry) (*QueueStatusResponse, error) {
	resp := &QueueStatusResponse{
		EntryToken: entry.EntryToken,
		Status:     entry.Status,
	}

	switch entry.Status {
	case models.QueueStatusEntered:
		ttl := time.Duration(queue.EntryTTLSeconds) * time.Second
		if ttl <= 0 {
			ttl = s.defaultEntryTTL
		}
		deadline := entry.AdmissionDeadline(ttl)
		resp.AdmissionDeadline = &deadline

	case models.QueueStatusWaiting:
		position, err := s.cache.WaitingRank(ctx, queue.EventType, queue.EventID, entry.EntryToken)
		if err != nil || position < 0 {
			position, err = s.store.CountWaitingBefore(ctx, queue.ID, entry.JoinedAt)
			if err != nil {
				return nil, err
			}
		}

		total, err := s.waitingCount(ctx, queue)
		if err != nil {
			return nil, err
		}

		resp.Position = position + 1
		resp.TotalWaiting = total
		resp.EstimatedWaitSeconds = queue.EstimatedWaitSeconds(position)
	}

	return resp, nil
}

func (s *QueueService) waitingCount(ctx context.Context, queue *models.WaitingQueue) (int64, error) {
	count, err := s.cache.WaitingCount(ctx, queue.EventType, queue.EventID)
	if err != nil || count == 0 {
		return s.store.CountByStatus(ctx, queue.ID, models.QueueStatusWaiting)
	}
	return count, nil
}

func (s *QueueService) enteredCount(ctx context.Context, queue *models.WaitingQueue) (int64, error) {
	count, err := s.cache.EnteredCount(ctx, queue.EventType, queue.EventID)
	if err != nil || count == 0 {
		return s.store.CountByStatus(ctx, queue.ID, models.QueueStatusEntered)
	}
	return count, nil
}

func (s *QueueService) publishAdmitted(ctx context.Context, queue *models.WaitingQueue, entry *models.QueueEntry) {
	event := &models.QueueEntryAdmittedEvent{
		BaseEvent: models.BaseEvent{
			EventID:   uuid.New().String(),
			EventType: models.EventTypeQueueEntryAdmitted,
			Timestamp: s.now(),
		},
		QueueEventType: queue.EventType,
		QueueEventID:   queue.EventID,
		UserID:         entry.UserID,
		EntryToken:     entry.EntryToken,
	}
	if err := s.events.PublishQueueEntryAdmitted(ctx, event); err != nil {
		s.logger.Error("Failed to publish QueueEntryAdmitted event",
			zap.String("entry_token", entry.EntryToken), zap.Error(err))
	}
}
