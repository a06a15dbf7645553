package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"allocation-service/internal/models"
)

// GetQueue retrieves the queue row for an event, active or not.
func (s *Store) GetQueue(ctx context.Context, eventType string, eventID int64) (*models.WaitingQueue, error) {
	var queue models.WaitingQueue
	err := s.db.GetContext(ctx, &queue,
		"SELECT * FROM waiting_queues WHERE event_type = $1 AND event_id = $2", eventType, eventID)
	if err == sql.ErrNoRows {
		return nil, models.ErrQueueNotFound
	}
	if err != nil {
		return nil, err
	}
	return &queue, nil
}

// GetQueueByID retrieves a queue row by primary key.
func (s *Store) GetQueueByID(ctx context.Context, queueID int64) (*models.WaitingQueue, error) {
	var queue models.WaitingQueue
	err := s.db.GetContext(ctx, &queue, "SELECT * FROM waiting_queues WHERE id = $1", queueID)
	if err == sql.ErrNoRows {
		return nil, models.ErrQueueNotFound
	}
	if err != nil {
		return nil, err
	}
	return &queue, nil
}

// GetActiveQueue retrieves the queue row only when admission is active.
func (s *Store) GetActiveQueue(ctx context.Context, eventType string, eventID int64) (*models.WaitingQueue, error) {
	var queue models.WaitingQueue
	err := s.db.GetContext(ctx, &queue,
		"SELECT * FROM waiting_queues WHERE event_type = $1 AND event_id = $2 AND is_active = TRUE",
		eventType, eventID)
	if err == sql.ErrNoRows {
		return nil, models.ErrQueueNotActive
	}
	if err != nil {
		return nil, err
	}
	return &queue, nil
}

// ListActiveQueues retrieves every queue the admitter should tick.
func (s *Store) ListActiveQueues(ctx context.Context) ([]models.WaitingQueue, error) {
	var queues []models.WaitingQueue
	err := s.db.SelectContext(ctx, &queues,
		"SELECT * FROM waiting_queues WHERE is_active = TRUE ORDER BY id")
	return queues, err
}

// ActivateQueue creates or reconfigures a queue and switches admission on.
func (s *Store) ActivateQueue(ctx context.Context, queue *models.WaitingQueue) error {
	query := `
		INSERT INTO waiting_queues
			(event_type, event_id, max_capacity, entry_batch_size, entry_interval_seconds,
			 entry_ttl_seconds, is_active, activated_at, deactivated_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, NOW(), NULL)
		ON CONFLICT (event_type, event_id) DO UPDATE SET
			max_capacity = EXCLUDED.max_capacity,
			entry_batch_size = EXCLUDED.entry_batch_size,
			entry_interval_seconds = EXCLUDED.entry_interval_seconds,
			entry_ttl_seconds = EXCLUDED.entry_ttl_seconds,
			is_active = TRUE,
			activated_at = NOW(),
			deactivated_at = NULL
		RETURNING id, is_active, activated_at, deactivated_at`

	return s.db.GetContext(ctx, queue, query,
		queue.EventType, queue.EventID, queue.MaxCapacity, queue.EntryBatchSize,
		queue.EntryIntervalSeconds, queue.EntryTTLSeconds)
}

// DeactivateQueue halts admission. Existing entries are kept.
func (s *Store) DeactivateQueue(ctx context.Context, eventType string, eventID int64) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE waiting_queues SET is_active = FALSE, deactivated_at = NOW() WHERE event_type = $1 AND event_id = $2",
		eventType, eventID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return models.ErrQueueNotFound
	}
	return nil
}

// CreateEntry inserts a WAITING entry.
func (s *Store) CreateEntry(ctx context.Context, entry *models.QueueEntry) error {
	query := `
		INSERT INTO queue_entries (queue_id, user_id, entry_token, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, joined_at`

	return s.db.GetContext(ctx, entry, query,
		entry.QueueID, entry.UserID, entry.EntryToken, entry.Status)
}

// GetEntryByToken retrieves an entry by its opaque token.
func (s *Store) GetEntryByToken(ctx context.Context, token string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	err := s.db.GetContext(ctx, &entry,
		"SELECT * FROM queue_entries WHERE entry_token = $1", token)
	if err == sql.ErrNoRows {
		return nil, models.ErrQueueEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// GetLiveEntry retrieves the user's WAITING or ENTERED entry in a queue, if
// any. At most one such entry exists per (queue, user).
func (s *Store) GetLiveEntry(ctx context.Context, queueID int64, userID string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	err := s.db.GetContext(ctx, &entry, `
		SELECT * FROM queue_entries
		WHERE queue_id = $1 AND user_id = $2 AND status IN ($3, $4)
		ORDER BY joined_at DESC LIMIT 1`,
		queueID, userID, models.QueueStatusWaiting, models.QueueStatusEntered)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// HasEnteredEntry reports whether the user currently holds an ENTERED slot.
func (s *Store) HasEnteredEntry(ctx context.Context, queueID int64, userID string) (bool, error) {
	var exists bool
	err := s.db.GetContext(ctx, &exists,
		"SELECT EXISTS(SELECT 1 FROM queue_entries WHERE queue_id = $1 AND user_id = $2 AND status = $3)",
		queueID, userID, models.QueueStatusEntered)
	return exists, err
}

// CountWaitingBefore counts WAITING entries that joined strictly earlier.
// Fallback position source when the redis mirror is missing.
func (s *Store) CountWaitingBefore(ctx context.Context, queueID int64, joinedAt time.Time) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM queue_entries WHERE queue_id = $1 AND status = $2 AND joined_at < $3",
		queueID, models.QueueStatusWaiting, joinedAt)
	return count, err
}

// CountByStatus counts entries in one state for a queue.
func (s *Store) CountByStatus(ctx context.Context, queueID int64, status string) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM queue_entries WHERE queue_id = $1 AND status = $2",
		queueID, status)
	return count, err
}

// ListOldestWaiting returns the tokens of the n oldest WAITING entries.
// Fallback admission source when the redis mirror was lost.
func (s *Store) ListOldestWaiting(ctx context.Context, queueID int64, n int) ([]string, error) {
	var tokens []string
	err := s.db.SelectContext(ctx, &tokens, `
		SELECT entry_token FROM queue_entries
		WHERE queue_id = $1 AND status = $2
		ORDER BY joined_at ASC, id ASC
		LIMIT $3`,
		queueID, models.QueueStatusWaiting, n)
	return tokens, err
}

// AdmitEntry transitions WAITING -> ENTERED. Returns nil when the entry was
// no longer WAITING (left or expired between pop and admit).
func (s *Store) AdmitEntry(ctx context.Context, token string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	err := s.db.GetContext(ctx, &entry, `
		UPDATE queue_entries SET status = $1, entered_at = NOW()
		WHERE entry_token = $2 AND status = $3
		RETURNING *`,
		models.QueueStatusEntered, token, models.QueueStatusWaiting)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to admit entry %s: %w", token, err)
	}
	return &entry, nil
}

// LeaveEntry transitions WAITING/ENTERED -> LEFT.
func (s *Store) LeaveEntry(ctx context.Context, token string) (*models.QueueEntry, error) {
	var entry models.QueueEntry
	err := s.db.GetContext(ctx, &entry, `
		UPDATE queue_entries SET status = $1, left_at = NOW()
		WHERE entry_token = $2 AND status IN ($3, $4)
		RETURNING *`,
		models.QueueStatusLeft, token, models.QueueStatusWaiting, models.QueueStatusEntered)
	if err == sql.ErrNoRows {
		return nil, models.ErrQueueEntryNotFound
	}
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

// ExpireEnteredBefore transitions ENTERED entries admitted before cutoff to
// EXPIRED and returns their tokens so the mirror can be cleaned up.
func (s *Store) ExpireEnteredBefore(ctx context.Context, queueID int64, cutoff time.Time) ([]string, error) {
	var tokens []string
	err := s.db.SelectContext(ctx, &tokens, `
		UPDATE queue_entries SET status = $1, expired_at = NOW()
		WHERE queue_id = $2 AND status = $3 AND entered_at < $4
		RETURNING entry_token`,
		models.QueueStatusExpired, queueID, models.QueueStatusEntered, cutoff)
	return tokens, err
}
