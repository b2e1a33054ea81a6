package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hexvault/multiscan-api/internal/models"
)

const sessionColumns = `id, owner_id, source, state, total, counter, analyze_progress, progress, created_at, updated_at`

// SessionRepository persists scan sessions.
type SessionRepository struct {
	db *sqlx.DB
}

// NewSessionRepository constructs the repository.
func NewSessionRepository(db *sqlx.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

// DB exposes the handle for transaction scoping by services.
func (r *SessionRepository) DB() *sqlx.DB {
	return r.db
}

// Create inserts a new session in PENDING state.
func (r *SessionRepository) Create(ctx context.Context, session *models.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	if session.State == "" {
		session.State = models.SessionPending
	}
	now := time.Now().UTC()
	if session.CreatedAt.IsZero() {
		session.CreatedAt = now
	}
	session.UpdatedAt = now
	const query = `INSERT INTO sessions (id, owner_id, source, state, total, counter, analyze_progress, progress, created_at, updated_at)
	VALUES (:id, :owner_id, :source, :state, :total, :counter, :analyze_progress, :progress, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, session); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// GetByID retrieves a session row.
func (r *SessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	var session models.Session
	if err := r.db.GetContext(ctx, &session, query, id); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetForUpdate loads a session row under an exclusive row lock. The session
// roll-up runs behind this lock after the file-tree walk.
func (r *SessionRepository) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1 FOR UPDATE`
	var session models.Session
	if err := tx.GetContext(ctx, &session, query, id); err != nil {
		return nil, err
	}
	return &session, nil
}

// UpdateProgress persists recomputed progress figures under the caller's
// transaction.
func (r *SessionRepository) UpdateProgress(ctx context.Context, tx *sqlx.Tx, id string, analyzeProgress, progress float64, state models.SessionState) error {
	const query = `UPDATE sessions SET analyze_progress = $2, progress = $3, state = $4, updated_at = $5 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id, analyzeProgress, progress, state, time.Now().UTC()); err != nil {
		return fmt.Errorf("update session progress: %w", err)
	}
	return nil
}

// UpdateState transitions the session lifecycle state.
func (r *SessionRepository) UpdateState(ctx context.Context, id string, state models.SessionState) error {
	const query = `UPDATE sessions SET state = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, state, time.Now().UTC()); err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	return nil
}

// UpdateStateTx is UpdateState inside an open transaction.
func (r *SessionRepository) UpdateStateTx(ctx context.Context, tx *sqlx.Tx, id string, state models.SessionState) error {
	const query = `UPDATE sessions SET state = $2, updated_at = $3 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id, state, time.Now().UTC()); err != nil {
		return fmt.Errorf("update session state: %w", err)
	}
	return nil
}

// IncrementCounters bumps total and counter when intake adds top-level files.
// Counter tracks the files intake finished processing while total tracks
// everything announced, so analyze progress is their ratio and lands at 100
// once the source is fully ingested.
func (r *SessionRepository) IncrementCounters(ctx context.Context, id string, totalDelta, counterDelta int) error {
	const query = `UPDATE sessions SET
	total = total + $2,
	counter = counter + $3,
	analyze_progress = CASE WHEN total + $2 > 0
		THEN LEAST(100, ROUND((counter + $3) * 100.0 / (total + $2), 1))
		ELSE 0 END,
	updated_at = $4
	WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, totalDelta, counterDelta, time.Now().UTC()); err != nil {
		return fmt.Errorf("increment session counters: %w", err)
	}
	return nil
}

// List returns sessions for an owner ordered newest first.
func (r *SessionRepository) List(ctx context.Context, ownerID string, limit, offset int) ([]models.Session, int, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	listQuery := `SELECT ` + sessionColumns + ` FROM sessions WHERE owner_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`
	var sessions []models.Session
	if err := r.db.SelectContext(ctx, &sessions, listQuery, ownerID, limit, offset); err != nil {
		return nil, 0, fmt.Errorf("list sessions: %w", err)
	}

	const countQuery = `SELECT COUNT(*) FROM sessions WHERE owner_id = $1`
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, ownerID); err != nil {
		return nil, 0, fmt.Errorf("count sessions: %w", err)
	}
	return sessions, total, nil
}
