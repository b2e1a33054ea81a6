package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/hexvault/multiscan-api/internal/models"
	"github.com/hexvault/multiscan-api/internal/repository"
	"github.com/hexvault/multiscan-api/pkg/config"
	appErrors "github.com/hexvault/multiscan-api/pkg/errors"
	"github.com/hexvault/multiscan-api/pkg/export"
	"github.com/hexvault/multiscan-api/pkg/jobs"
	"github.com/hexvault/multiscan-api/pkg/storage"
)

type deliveryJobStore interface {
	Create(ctx context.Context, job *models.DeliveryJob) error
	GetByID(ctx context.Context, id string) (*models.DeliveryJob, error)
	UpdateStatus(ctx context.Context, id string, status models.DeliveryStatus, errorMessage *string) error
	ListBySession(ctx context.Context, sessionID string) ([]models.DeliveryJob, error)
	ListQueued(ctx context.Context, limit int) ([]models.DeliveryJob, error)
}

type deliverySessionReader interface {
	GetByID(ctx context.Context, id string) (*models.Session, error)
}

type deliveryFileReader interface {
	ListBySession(ctx context.Context, sessionID string) ([]models.File, error)
	CountVerdicts(ctx context.Context, sessionID string) (*repository.VerdictCounts, error)
}

// artifact is one rendered delivery payload.
type artifact struct {
	Name string
	Data []byte
}

// DeliveryService executes post-scan delivery actions. Every action is
// gated on session progress having reached 100 and runs as a background job
// with retries; the receipt PDF and result manifest CSV travel with each
// remote delivery.
type DeliveryService struct {
	jobsStore deliveryJobStore
	sessions  deliverySessionReader
	files     deliveryFileReader
	queue     *jobs.Queue
	receipts  *storage.LocalStorage
	signer    *storage.SignedURLSigner
	csv       *export.CSVExporter
	pdf       *export.PDFExporter
	cfg       config.DeliveryConfig
	retries   int
	logger    *zap.Logger
}

// NewDeliveryService wires the delivery pipeline and its worker queue.
func NewDeliveryService(jobsStore deliveryJobStore, sessions deliverySessionReader, files deliveryFileReader, receipts *storage.LocalStorage, signer *storage.SignedURLSigner, cfg config.DeliveryConfig, logger *zap.Logger) *DeliveryService {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &DeliveryService{
		jobsStore: jobsStore,
		sessions:  sessions,
		files:     files,
		receipts:  receipts,
		signer:    signer,
		csv:       export.NewCSVExporter(),
		pdf:       export.NewPDFExporter(),
		cfg:       cfg,
		retries:   cfg.WorkerRetries,
		logger:    logger,
	}
	s.queue = jobs.NewQueue("delivery", s.process, jobs.QueueConfig{
		Workers:    cfg.WorkerConcurrency,
		MaxRetries: cfg.WorkerRetries,
		RetryDelay: 5 * time.Second,
		Logger:     logger,
	})
	return s
}

// Start launches the delivery workers and re-enqueues jobs left QUEUED by a
// previous run.
func (s *DeliveryService) Start(ctx context.Context) {
	s.queue.Start(ctx)
	queued, err := s.jobsStore.ListQueued(ctx, 50)
	if err != nil {
		s.logger.Sugar().Warnw("recover queued delivery jobs", "error", err)
		return
	}
	for _, job := range queued {
		if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: string(job.Type), Payload: job.ID}); err != nil {
			s.logger.Sugar().Warnw("requeue delivery job", "job_id", job.ID, "error", err)
		}
	}
}

// Stop drains the delivery workers.
func (s *DeliveryService) Stop() {
	s.queue.Stop()
}

var validDeliveryTypes = map[models.DeliveryType]struct{}{
	models.DeliveryPrint:  {},
	models.DeliveryCopy:   {},
	models.DeliveryFTP:    {},
	models.DeliverySFTP:   {},
	models.DeliveryWebDAV: {},
	models.DeliveryEmail:  {},
}

// Request validates the gate and queues one delivery action.
func (s *DeliveryService) Request(ctx context.Context, sessionID string, dtype models.DeliveryType, params models.DeliveryJobParams, createdBy *string) (*models.DeliveryJob, error) {
	if !s.cfg.Enabled {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "delivery is disabled")
	}
	if _, ok := validDeliveryTypes[dtype]; !ok {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported delivery type")
	}
	if dtype == models.DeliveryEmail && params.Recipient == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "email delivery requires a recipient")
	}

	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	if session.State == models.SessionRevoked {
		return nil, appErrors.ErrSessionRevoked
	}
	if !session.Complete() {
		return nil, appErrors.ErrSessionNotComplete
	}

	job := &models.DeliveryJob{
		SessionID: sessionID,
		Type:      dtype,
		Params:    params,
		CreatedBy: createdBy,
	}
	if err := s.jobsStore.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create delivery job")
	}
	if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: string(dtype), Payload: job.ID}); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue delivery job")
	}
	return job, nil
}

// Get returns one delivery job.
func (s *DeliveryService) Get(ctx context.Context, id string) (*models.DeliveryJob, error) {
	job, err := s.jobsStore.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "delivery job not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load delivery job")
	}
	return job, nil
}

// ListBySession returns a session's delivery jobs, newest first.
func (s *DeliveryService) ListBySession(ctx context.Context, sessionID string) ([]models.DeliveryJob, error) {
	list, err := s.jobsStore.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list delivery jobs")
	}
	return list, nil
}

// ReceiptToken issues a signed download token for a finished job's receipt.
func (s *DeliveryService) ReceiptToken(ctx context.Context, jobID string) (string, time.Time, error) {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return "", time.Time{}, err
	}
	if job.Status != models.DeliveryStatusFinished {
		return "", time.Time{}, appErrors.Clone(appErrors.ErrForbidden, "delivery not finished")
	}
	return s.signer.Generate(job.ID, s.receiptRelPath(job.SessionID))
}

// OpenReceipt resolves a signed token into the receipt file path.
func (s *DeliveryService) OpenReceipt(token string) (string, error) {
	_, relPath, _, err := s.signer.Parse(token, false)
	if err != nil {
		return "", appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
	}
	return s.receipts.Path(relPath), nil
}

// process renders the artifacts and hands them to the requested transport.
// A handler error triggers a queue retry; the final attempt records FAILED.
func (s *DeliveryService) process(ctx context.Context, queued jobs.Job) error {
	jobID, ok := queued.Payload.(string)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", queued.Payload)
	}

	job, err := s.jobsStore.GetByID(ctx, jobID)
	if err != nil {
		return s.fail(ctx, jobID, queued.Attempt, err)
	}
	if err := s.jobsStore.UpdateStatus(ctx, jobID, models.DeliveryStatusProcessing, nil); err != nil {
		return s.fail(ctx, jobID, queued.Attempt, err)
	}

	artifacts, err := s.renderArtifacts(ctx, job.SessionID)
	if err != nil {
		return s.fail(ctx, jobID, queued.Attempt, err)
	}

	switch job.Type {
	case models.DeliveryPrint:
		err = s.sendPrint(job.SessionID, artifacts)
	case models.DeliveryCopy:
		err = s.sendCopy(ctx, job.SessionID, job.Params.Target, artifacts)
	case models.DeliveryFTP:
		err = s.sendFTP(ctx, job.Params.Target, artifacts)
	case models.DeliverySFTP:
		err = s.sendSFTP(job.Params.Target, artifacts)
	case models.DeliveryWebDAV:
		err = s.sendWebDAV(job.Params.Target, artifacts)
	case models.DeliveryEmail:
		err = s.sendEmail(job.SessionID, job.Params.Recipient, artifacts)
	default:
		err = fmt.Errorf("unsupported delivery type %q", job.Type)
	}
	if err != nil {
		return s.fail(ctx, jobID, queued.Attempt, err)
	}

	if err := s.jobsStore.UpdateStatus(ctx, jobID, models.DeliveryStatusFinished, nil); err != nil {
		return err
	}
	s.logger.Sugar().Infow("delivery finished", "job_id", jobID, "type", job.Type)
	return nil
}

// fail either surfaces the error for a retry or, on the last attempt,
// records the job as FAILED and swallows it.
func (s *DeliveryService) fail(ctx context.Context, jobID string, attempt int, err error) error {
	if attempt < s.retries {
		return err
	}
	message := err.Error()
	if updateErr := s.jobsStore.UpdateStatus(ctx, jobID, models.DeliveryStatusFailed, &message); updateErr != nil {
		s.logger.Sugar().Errorw("record delivery failure", "job_id", jobID, "error", updateErr)
	}
	s.logger.Sugar().Errorw("delivery failed permanently", "job_id", jobID, "error", err)
	return nil
}

// renderArtifacts builds the receipt PDF and the result manifest CSV and
// spools the receipt for later signed download.
func (s *DeliveryService) renderArtifacts(ctx context.Context, sessionID string) ([]artifact, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	files, err := s.files.ListBySession(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	counts, err := s.files.CountVerdicts(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("aggregate verdicts: %w", err)
	}

	dataset := manifestDataset(files)
	manifest, err := s.csv.Render(dataset)
	if err != nil {
		return nil, fmt.Errorf("render manifest: %w", err)
	}

	receipt, err := s.pdf.Render(receiptDataset(session, counts), "scan receipt "+session.ID)
	if err != nil {
		return nil, fmt.Errorf("render receipt: %w", err)
	}
	if _, err := s.receipts.Save(s.receiptRelPath(sessionID), receipt); err != nil {
		return nil, fmt.Errorf("spool receipt: %w", err)
	}

	return []artifact{
		{Name: "receipt_" + sessionID + ".pdf", Data: receipt},
		{Name: "manifest_" + sessionID + ".csv", Data: manifest},
	}, nil
}

func (s *DeliveryService) receiptRelPath(sessionID string) string {
	return path.Join("receipts", sessionID+".pdf")
}

func manifestDataset(files []models.File) export.Dataset {
	headers := []string{"name", "mime_type", "size_bytes", "valid", "infected", "progress", "note"}
	rows := make([]map[string]string, 0, len(files))
	for i := range files {
		f := &files[i]
		row := map[string]string{
			"name":       f.Name,
			"mime_type":  f.MimeType,
			"size_bytes": strconv.FormatInt(f.SizeBytes, 10),
			"valid":      strconv.FormatBool(f.Valid),
		}
		if f.Infected != nil {
			row["infected"] = strconv.FormatBool(*f.Infected)
		} else {
			row["infected"] = "unknown"
		}
		if f.Progress != nil {
			row["progress"] = strconv.FormatFloat(*f.Progress, 'f', 1, 64)
		}
		if f.Note != nil {
			row["note"] = *f.Note
		}
		rows = append(rows, row)
	}
	return export.Dataset{Headers: headers, Rows: rows}
}

func receiptDataset(session *models.Session, counts *repository.VerdictCounts) export.Dataset {
	return export.Dataset{
		Headers: []string{"field", "value"},
		Rows: []map[string]string{
			{"field": "session", "value": session.ID},
			{"field": "state", "value": string(session.State)},
			{"field": "source", "value": string(session.Source)},
			{"field": "total files", "value": strconv.Itoa(counts.Total)},
			{"field": "infected", "value": strconv.Itoa(counts.Infected)},
			{"field": "clean", "value": strconv.Itoa(counts.Clean)},
			{"field": "undetermined", "value": strconv.Itoa(counts.Mysterious)},
			{"field": "completed at", "value": session.UpdatedAt.UTC().Format(time.RFC3339)},
		},
		Footer: "generated " + time.Now().UTC().Format(time.RFC3339),
	}
}
