package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hexvault/multiscan-api/internal/models"
)

const deliveryColumns = `id, session_id, type, params, status, created_by, created_at, finished_at, error_message`

// DeliveryRepository persists post-scan delivery jobs.
type DeliveryRepository struct {
	db *sqlx.DB
}

// NewDeliveryRepository constructs the repository.
func NewDeliveryRepository(db *sqlx.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

// Create inserts a new delivery job row with generated defaults.
func (r *DeliveryRepository) Create(ctx context.Context, job *models.DeliveryJob) error {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.Status == "" {
		job.Status = models.DeliveryStatusQueued
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	const query = `INSERT INTO delivery_jobs (id, session_id, type, params, status, created_by, created_at, finished_at, error_message)
VALUES (:id, :session_id, :type, :params, :status, :created_by, :created_at, :finished_at, :error_message)`
	if _, err := r.db.NamedExecContext(ctx, query, job); err != nil {
		return fmt.Errorf("create delivery job: %w", err)
	}
	return nil
}

// GetByID returns a job row by its identifier.
func (r *DeliveryRepository) GetByID(ctx context.Context, id string) (*models.DeliveryJob, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_jobs WHERE id = $1`
	var job models.DeliveryJob
	if err := r.db.GetContext(ctx, &job, query, id); err != nil {
		return nil, err
	}
	return &job, nil
}

// UpdateStatus transitions a job and records outcome details.
func (r *DeliveryRepository) UpdateStatus(ctx context.Context, id string, status models.DeliveryStatus, errorMessage *string) error {
	var finishedAt *time.Time
	if status == models.DeliveryStatusFinished || status == models.DeliveryStatusFailed {
		now := time.Now().UTC()
		finishedAt = &now
	}
	const query = `UPDATE delivery_jobs SET status = $2, error_message = $3, finished_at = $4 WHERE id = $1`
	if _, err := r.db.ExecContext(ctx, query, id, status, errorMessage, finishedAt); err != nil {
		return fmt.Errorf("update delivery job status: %w", err)
	}
	return nil
}

// ListBySession returns a session's delivery jobs, newest first.
func (r *DeliveryRepository) ListBySession(ctx context.Context, sessionID string) ([]models.DeliveryJob, error) {
	query := `SELECT ` + deliveryColumns + ` FROM delivery_jobs WHERE session_id = $1 ORDER BY created_at DESC`
	var jobs []models.DeliveryJob
	if err := r.db.SelectContext(ctx, &jobs, query, sessionID); err != nil {
		return nil, fmt.Errorf("list delivery jobs: %w", err)
	}
	return jobs, nil
}

// ListQueued fetches queued jobs (used for cold start recovery).
func (r *DeliveryRepository) ListQueued(ctx context.Context, limit int) ([]models.DeliveryJob, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT ` + deliveryColumns + ` FROM delivery_jobs WHERE status = 'QUEUED' ORDER BY created_at ASC LIMIT $1`
	var jobs []models.DeliveryJob
	if err := r.db.SelectContext(ctx, &jobs, query, limit); err != nil {
		return nil, fmt.Errorf("list queued delivery jobs: %w", err)
	}
	return jobs, nil
}
