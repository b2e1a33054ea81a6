package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hexvault/multiscan-api/internal/models"
)

const queueEntryColumns = `id, session_id, task_count, enqueued_at, drained_at`

// QueueRepository keeps the admission log: one row per session entering the
// dispatch queue, stamped when its last task leaves. Waiting-position
// queries run against the rows that are not yet drained.
type QueueRepository struct {
	db *sqlx.DB
}

// NewQueueRepository constructs the repository.
func NewQueueRepository(db *sqlx.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// Enqueue records a session's admission with its task count.
func (r *QueueRepository) Enqueue(ctx context.Context, entry *models.QueueEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.EnqueuedAt.IsZero() {
		entry.EnqueuedAt = time.Now().UTC()
	}
	const query = `INSERT INTO queue_entries (id, session_id, task_count, enqueued_at, drained_at)
	VALUES (:id, :session_id, :task_count, :enqueued_at, :drained_at)`
	if _, err := r.db.NamedExecContext(ctx, query, entry); err != nil {
		return fmt.Errorf("enqueue session: %w", err)
	}
	return nil
}

// MarkDrained closes a session's admission entry.
func (r *QueueRepository) MarkDrained(ctx context.Context, sessionID string) error {
	const query = `UPDATE queue_entries SET drained_at = $2 WHERE session_id = $1 AND drained_at IS NULL`
	if _, err := r.db.ExecContext(ctx, query, sessionID, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark queue entry drained: %w", err)
	}
	return nil
}

// Position reports how many sessions were admitted before the given session
// and are still in flight, and how many of their scans remain unresolved.
// Counting open scan rows rather than the admitted task_count keeps the
// figure shrinking as the earlier sessions drain.
func (r *QueueRepository) Position(ctx context.Context, sessionID string) (*models.QueuePosition, error) {
	const query = `WITH mine AS (
		SELECT enqueued_at FROM queue_entries WHERE session_id = $1 ORDER BY enqueued_at DESC LIMIT 1
	), earlier AS (
		SELECT q.session_id FROM queue_entries q, mine
		WHERE q.drained_at IS NULL AND q.enqueued_at < mine.enqueued_at
	)
	SELECT
	       (SELECT COUNT(*) FROM earlier) AS waiting_sessions,
	       (SELECT COUNT(*) FROM scans s
	        WHERE s.session_id IN (SELECT session_id FROM earlier)
	          AND s.status_code IS NULL) AS waiting_tasks`
	var position models.QueuePosition
	if err := r.db.GetContext(ctx, &position, query, sessionID); err != nil {
		return nil, fmt.Errorf("queue position: %w", err)
	}
	return &position, nil
}

// GetBySession returns the latest admission entry for a session.
func (r *QueueRepository) GetBySession(ctx context.Context, sessionID string) (*models.QueueEntry, error) {
	query := `SELECT ` + queueEntryColumns + ` FROM queue_entries WHERE session_id = $1 ORDER BY enqueued_at DESC LIMIT 1`
	var entry models.QueueEntry
	if err := r.db.GetContext(ctx, &entry, query, sessionID); err != nil {
		return nil, err
	}
	return &entry, nil
}
