package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/hexvault/multiscan-api/internal/models"
)

const scanColumns = `id, file_id, session_id, agent_id, agent_name, engine, status_code,
       infected_count, scan_time_seconds, threat_names, error, raw_output, created_at, updated_at`

// ScanRepository persists per-agent scan rows. One row exists per
// (file, agent) pair dispatched, created up front in PENDING form with a
// NULL status code and completed in place when the agent answers.
type ScanRepository struct {
	db *sqlx.DB
}

// NewScanRepository constructs the repository.
func NewScanRepository(db *sqlx.DB) *ScanRepository {
	return &ScanRepository{db: db}
}

// Create inserts a pending scan row.
func (r *ScanRepository) Create(ctx context.Context, scan *models.Scan) error {
	if scan.ID == "" {
		scan.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if scan.CreatedAt.IsZero() {
		scan.CreatedAt = now
	}
	scan.UpdatedAt = now
	const query = `INSERT INTO scans
	(id, file_id, session_id, agent_id, agent_name, engine, status_code, infected_count, scan_time_seconds, threat_names, error, raw_output, created_at, updated_at)
	VALUES (:id, :file_id, :session_id, :agent_id, :agent_name, :engine, :status_code, :infected_count, :scan_time_seconds, :threat_names, :error, :raw_output, :created_at, :updated_at)`
	if _, err := r.db.NamedExecContext(ctx, query, scan); err != nil {
		return fmt.Errorf("create scan: %w", err)
	}
	return nil
}

// GetByID retrieves one scan row.
func (r *ScanRepository) GetByID(ctx context.Context, id string) (*models.Scan, error) {
	query := `SELECT ` + scanColumns + ` FROM scans WHERE id = $1`
	var scan models.Scan
	if err := r.db.GetContext(ctx, &scan, query, id); err != nil {
		return nil, err
	}
	return &scan, nil
}

// Complete records an agent outcome on a pending scan row. Rows that already
// carry a status code are left untouched so a late answer cannot overwrite a
// revocation.
func (r *ScanRepository) Complete(ctx context.Context, tx *sqlx.Tx, id string, outcome models.ScanOutcome) error {
	const query = `UPDATE scans SET
	status_code = $2, infected_count = $3, scan_time_seconds = $4, threat_names = $5,
	error = $6, raw_output = $7, updated_at = $8
	WHERE id = $1 AND status_code IS NULL`
	res, err := tx.ExecContext(ctx, query, id,
		outcome.StatusCode, outcome.InfectedCount, outcome.ScanTimeSeconds,
		pq.Array(outcome.ThreatNames), outcome.Error, outcome.RawOutput, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("complete scan: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("complete scan rows affected: %w", err)
	}
	if affected == 0 {
		return ErrScanAlreadyResolved
	}
	return nil
}

// ErrScanAlreadyResolved reports a completion attempt on a scan row that has
// a status code set, typically because the session was revoked first.
var ErrScanAlreadyResolved = fmt.Errorf("scan already resolved")

// ListByFile returns all scan rows of one file under the caller's transaction.
func (r *ScanRepository) ListByFile(ctx context.Context, tx *sqlx.Tx, fileID string) ([]models.Scan, error) {
	query := `SELECT ` + scanColumns + ` FROM scans WHERE file_id = $1 ORDER BY created_at, id`
	var scans []models.Scan
	if err := tx.SelectContext(ctx, &scans, query, fileID); err != nil {
		return nil, fmt.Errorf("list scans by file: %w", err)
	}
	return scans, nil
}

// ListBySession returns every scan row of a session.
func (r *ScanRepository) ListBySession(ctx context.Context, sessionID string) ([]models.Scan, error) {
	query := `SELECT ` + scanColumns + ` FROM scans WHERE session_id = $1 ORDER BY file_id, created_at, id`
	var scans []models.Scan
	if err := r.db.SelectContext(ctx, &scans, query, sessionID); err != nil {
		return nil, fmt.Errorf("list scans by session: %w", err)
	}
	return scans, nil
}

// RevokePending stamps every unresolved scan of a session with the revoked
// status code and returns the affected file IDs so progress can be rolled up.
func (r *ScanRepository) RevokePending(ctx context.Context, tx *sqlx.Tx, sessionID string) ([]string, error) {
	const query = `UPDATE scans SET status_code = $2, error = $3, updated_at = $4
	WHERE session_id = $1 AND status_code IS NULL
	RETURNING file_id`
	var fileIDs []string
	err := tx.SelectContext(ctx, &fileIDs, query, sessionID,
		models.ScanStatusRevoked, "scan revoked before completion", time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("revoke pending scans: %w", err)
	}
	return fileIDs, nil
}

// CountBySession reports resolved and total scan rows for a session.
func (r *ScanRepository) CountBySession(ctx context.Context, sessionID string) (resolved, total int, err error) {
	const query = `SELECT COUNT(*) FILTER (WHERE status_code IS NOT NULL) AS resolved, COUNT(*) AS total
	FROM scans WHERE session_id = $1`
	row := struct {
		Resolved int `db:"resolved"`
		Total    int `db:"total"`
	}{}
	if err := r.db.GetContext(ctx, &row, query, sessionID); err != nil {
		return 0, 0, fmt.Errorf("count session scans: %w", err)
	}
	return row.Resolved, row.Total, nil
}
