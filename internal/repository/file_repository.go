package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hexvault/multiscan-api/internal/models"
)

const fileColumns = `id, session_id, parent_id, owner_id, name, path, mime_type,
       size_bytes, valid, deleted, progress, infected, note, created_at, updated_at`

// FileRepository handles file-tree persistence. Children reference their
// parent archive through parent_id with ON DELETE CASCADE.
type FileRepository struct {
	db *sqlx.DB
}

// NewFileRepository constructs the repository.
func NewFileRepository(db *sqlx.DB) *FileRepository {
	return &FileRepository{db: db}
}

// Create stores a single file row.
func (r *FileRepository) Create(ctx context.Context, file *models.File) error {
	return r.create(ctx, r.db, file)
}

// CreateTx stores a file row inside an open transaction.
func (r *FileRepository) CreateTx(ctx context.Context, tx *sqlx.Tx, file *models.File) error {
	return r.create(ctx, tx, file)
}

func (r *FileRepository) create(ctx context.Context, exec sqlx.ExtContext, file *models.File) error {
	if file.ID == "" {
		file.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if file.CreatedAt.IsZero() {
		file.CreatedAt = now
	}
	file.UpdatedAt = now
	const query = `INSERT INTO files
	(id, session_id, parent_id, owner_id, name, path, mime_type, size_bytes, valid, deleted, progress, infected, note, created_at, updated_at)
	VALUES (:id, :session_id, :parent_id, :owner_id, :name, :path, :mime_type, :size_bytes, :valid, :deleted, :progress, :infected, :note, :created_at, :updated_at)`
	if _, err := sqlx.NamedExecContext(ctx, exec, query, file); err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	return nil
}

// GetByID retrieves one file row.
func (r *FileRepository) GetByID(ctx context.Context, id string) (*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1`
	var file models.File
	if err := r.db.GetContext(ctx, &file, query, id); err != nil {
		return nil, err
	}
	return &file, nil
}

// GetForUpdate loads a file row under an exclusive row lock. Progress and
// verdict recomputations run behind this lock to keep done-out-of-total
// counts race-free under concurrent scan completions.
func (r *FileRepository) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE id = $1 FOR UPDATE`
	var file models.File
	if err := tx.GetContext(ctx, &file, query, id); err != nil {
		return nil, err
	}
	return &file, nil
}

// ListChildren returns the direct children of a file.
func (r *FileRepository) ListChildren(ctx context.Context, tx *sqlx.Tx, parentID string) ([]models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE parent_id = $1 ORDER BY created_at, id`
	var files []models.File
	if err := tx.SelectContext(ctx, &files, query, parentID); err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	return files, nil
}

// ListTopLevel returns a session's top-level files (parent IS NULL).
func (r *FileRepository) ListTopLevel(ctx context.Context, sessionID string) ([]models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE session_id = $1 AND parent_id IS NULL ORDER BY created_at, id`
	var files []models.File
	if err := r.db.SelectContext(ctx, &files, query, sessionID); err != nil {
		return nil, fmt.Errorf("list top-level files: %w", err)
	}
	return files, nil
}

// ListTopLevelTx is ListTopLevel inside an open transaction.
func (r *FileRepository) ListTopLevelTx(ctx context.Context, tx *sqlx.Tx, sessionID string) ([]models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE session_id = $1 AND parent_id IS NULL ORDER BY created_at, id`
	var files []models.File
	if err := tx.SelectContext(ctx, &files, query, sessionID); err != nil {
		return nil, fmt.Errorf("list top-level files: %w", err)
	}
	return files, nil
}

// ListBySession returns every file of a session, parents before children.
func (r *FileRepository) ListBySession(ctx context.Context, sessionID string) ([]models.File, error) {
	query := `SELECT ` + fileColumns + ` FROM files WHERE session_id = $1 ORDER BY parent_id NULLS FIRST, created_at, id`
	var files []models.File
	if err := r.db.SelectContext(ctx, &files, query, sessionID); err != nil {
		return nil, fmt.Errorf("list session files: %w", err)
	}
	return files, nil
}

// UpdateVerdict applies a recomputed verdict and progress under the caller's
// transaction.
func (r *FileRepository) UpdateVerdict(ctx context.Context, tx *sqlx.Tx, id string, infected *bool, progress *float64) error {
	const query = `UPDATE files SET infected = $2, progress = $3, updated_at = $4 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, query, id, infected, progress, time.Now().UTC()); err != nil {
		return fmt.Errorf("update file verdict: %w", err)
	}
	return nil
}

// MarkRejected finalises a file that failed intake gating: invalid, source
// bytes dropped, and already counted as fully processed.
func (r *FileRepository) MarkRejected(ctx context.Context, id string, note string) error {
	const query = `UPDATE files SET valid = false, deleted = true, progress = 100, note = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, note, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark file rejected: %w", err)
	}
	return nil
}

// SetNote records an informational note, e.g. an extraction failure.
func (r *FileRepository) SetNote(ctx context.Context, id string, note string) error {
	const query = `UPDATE files SET note = $2, updated_at = $3 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, note, time.Now().UTC()); err != nil {
		return fmt.Errorf("set file note: %w", err)
	}
	return nil
}

// MarkDeleted flags the source bytes as removed. Deleted files stay queryable.
func (r *FileRepository) MarkDeleted(ctx context.Context, id string) error {
	const query = `UPDATE files SET deleted = true, updated_at = $2 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark file deleted: %w", err)
	}
	return nil
}

// VerdictCounts summarises resolved outcomes across a session's top-level files.
type VerdictCounts struct {
	Infected   int `db:"infected"`
	Clean      int `db:"clean"`
	Mysterious int `db:"mysterious"`
	Scanned    int `db:"scanned"`
	Total      int `db:"total"`
}

// CountVerdicts aggregates top-level verdict counts for the status endpoint.
func (r *FileRepository) CountVerdicts(ctx context.Context, sessionID string) (*VerdictCounts, error) {
	const query = `SELECT
       COUNT(*) FILTER (WHERE infected IS TRUE) AS infected,
       COUNT(*) FILTER (WHERE infected IS FALSE) AS clean,
       COUNT(*) FILTER (WHERE infected IS NULL) AS mysterious,
       COUNT(*) FILTER (WHERE progress >= 100) AS scanned,
       COUNT(*) AS total
	FROM files WHERE session_id = $1 AND parent_id IS NULL`
	var counts VerdictCounts
	if err := r.db.GetContext(ctx, &counts, query, sessionID); err != nil {
		return nil, fmt.Errorf("count verdicts: %w", err)
	}
	return &counts, nil
}
