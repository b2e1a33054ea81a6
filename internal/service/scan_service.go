package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/hexvault/multiscan-api/internal/models"
	"github.com/hexvault/multiscan-api/internal/repository"
	"github.com/hexvault/multiscan-api/internal/verdict"
)

type scanFileStore interface {
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.File, error)
	ListChildren(ctx context.Context, tx *sqlx.Tx, parentID string) ([]models.File, error)
	ListTopLevelTx(ctx context.Context, tx *sqlx.Tx, sessionID string) ([]models.File, error)
	UpdateVerdict(ctx context.Context, tx *sqlx.Tx, id string, infected *bool, progress *float64) error
}

type scanResultStore interface {
	Complete(ctx context.Context, tx *sqlx.Tx, id string, outcome models.ScanOutcome) error
	ListByFile(ctx context.Context, tx *sqlx.Tx, fileID string) ([]models.Scan, error)
	RevokePending(ctx context.Context, tx *sqlx.Tx, sessionID string) ([]string, error)
}

type scanSessionStore interface {
	GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.Session, error)
	UpdateProgress(ctx context.Context, tx *sqlx.Tx, id string, analyzeProgress, progress float64, state models.SessionState) error
}

type statusCacheInvalidator interface {
	Invalidate(ctx context.Context, pattern string) error
}

// ScanService applies terminal scan outcomes and rolls verdict and progress
// up the file tree to the session, all inside one transaction per outcome.
// File and session rows are locked FOR UPDATE so concurrent completions for
// siblings serialize at the shared ancestors.
type ScanService struct {
	db         *sqlx.DB
	files      scanFileStore
	scans      scanResultStore
	sessions   scanSessionStore
	cache      statusCacheInvalidator
	thresholds verdict.Thresholds

	// legacyLevelProgress switches non-leaf progress to the old per-level
	// average instead of the resolved-children fraction.
	legacyLevelProgress bool
	logger              *zap.Logger
}

// NewScanService wires the roll-up service.
func NewScanService(db *sqlx.DB, files scanFileStore, scans scanResultStore, sessions scanSessionStore, cache statusCacheInvalidator, thresholds verdict.Thresholds, legacyLevelProgress bool, logger *zap.Logger) *ScanService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ScanService{
		db:                  db,
		files:               files,
		scans:               scans,
		sessions:            sessions,
		cache:               cache,
		thresholds:          thresholds,
		legacyLevelProgress: legacyLevelProgress,
		logger:              logger,
	}
}

// RecordOutcome stores a terminal scan result and recomputes the leaf, its
// ancestor chain and the session. A late result arriving after revocation
// is dropped silently; the revoked status code stands.
func (s *ScanService) RecordOutcome(ctx context.Context, scanID, fileID string, outcome models.ScanOutcome) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin outcome tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.scans.Complete(ctx, tx, scanID, outcome); err != nil {
		if errors.Is(err, repository.ErrScanAlreadyResolved) {
			s.logger.Sugar().Debugw("late scan result dropped", "scan_id", scanID)
			return nil
		}
		return err
	}

	sessionID, err := s.rollUpFile(ctx, tx, fileID)
	if err != nil {
		return err
	}
	if err := s.rollUpSession(ctx, tx, sessionID, nil); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit outcome tx: %w", err)
	}
	s.invalidateStatus(ctx, sessionID)
	return nil
}

// RevokeSession stamps every unresolved scan with the revoked status code,
// recomputes the affected subtrees and forces the session to REVOKED.
// Results recorded before the revocation are left untouched.
func (s *ScanService) RevokeSession(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin revoke tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	fileIDs, err := s.scans.RevokePending(ctx, tx, sessionID)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(fileIDs))
	for _, fileID := range fileIDs {
		if _, done := seen[fileID]; done {
			continue
		}
		seen[fileID] = struct{}{}
		if _, err := s.rollUpFile(ctx, tx, fileID); err != nil {
			return err
		}
	}

	revoked := models.SessionRevoked
	if err := s.rollUpSession(ctx, tx, sessionID, &revoked); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit revoke tx: %w", err)
	}
	s.invalidateStatus(ctx, sessionID)
	return nil
}

// SyncSessionProgress recomputes a session's progress from its current file
// tree outside of any scan outcome. Intake calls it when a rejection resolves
// work on its own, so a session whose files were all gated out still reaches
// completion.
func (s *ScanService) SyncSessionProgress(ctx context.Context, sessionID string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sync tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	if err := s.rollUpSession(ctx, tx, sessionID, nil); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit sync tx: %w", err)
	}
	s.invalidateStatus(ctx, sessionID)
	return nil
}

// rollUpFile recomputes the leaf's verdict and progress, then walks the
// parent chain re-aggregating each ancestor. Returns the owning session ID.
func (s *ScanService) rollUpFile(ctx context.Context, tx *sqlx.Tx, fileID string) (string, error) {
	file, err := s.files.GetForUpdate(ctx, tx, fileID)
	if err != nil {
		return "", fmt.Errorf("lock file %s: %w", fileID, err)
	}

	scans, err := s.scans.ListByFile(ctx, tx, fileID)
	if err != nil {
		return "", err
	}
	v := verdict.Evaluate(scans, s.thresholds)
	progress := verdict.LeafProgress(scans)
	if err := s.files.UpdateVerdict(ctx, tx, file.ID, v.Bool(), &progress); err != nil {
		return "", err
	}

	parentID := file.ParentID
	for parentID != nil {
		parent, err := s.files.GetForUpdate(ctx, tx, *parentID)
		if err != nil {
			return "", fmt.Errorf("lock parent %s: %w", *parentID, err)
		}
		children, err := s.files.ListChildren(ctx, tx, parent.ID)
		if err != nil {
			return "", err
		}

		aggregated, parentProgress := s.reduceChildren(children)
		if err := s.files.UpdateVerdict(ctx, tx, parent.ID, aggregated.Bool(), &parentProgress); err != nil {
			return "", err
		}
		parentID = parent.ParentID
	}

	return file.SessionID, nil
}

// reduceChildren folds a child set into the parent verdict and progress.
// Only valid children participate; rejected files neither block nor taint
// their container.
func (s *ScanService) reduceChildren(children []models.File) (verdict.Verdict, float64) {
	verdicts := make([]verdict.Verdict, 0, len(children))
	valid, resolved := 0, 0
	var progressSum float64
	for i := range children {
		if !children[i].Valid {
			continue
		}
		valid++
		verdicts = append(verdicts, verdict.FromBool(children[i].Infected))
		if children[i].Resolved() {
			resolved++
		}
		if children[i].Progress != nil {
			progressSum += *children[i].Progress
		}
	}

	aggregated := verdict.Aggregate(verdicts)
	if valid == 0 {
		return aggregated, 0
	}
	if s.legacyLevelProgress {
		return aggregated, progressSum / float64(valid)
	}
	return aggregated, verdict.TreeProgress(resolved, valid)
}

// rollUpSession recomputes session progress from its top-level files. When
// forceState is set the session lands there regardless of progress.
func (s *ScanService) rollUpSession(ctx context.Context, tx *sqlx.Tx, sessionID string, forceState *models.SessionState) error {
	session, err := s.sessions.GetForUpdate(ctx, tx, sessionID)
	if err != nil {
		return fmt.Errorf("lock session %s: %w", sessionID, err)
	}

	topLevel, err := s.files.ListTopLevelTx(ctx, tx, sessionID)
	if err != nil {
		return err
	}

	valid, resolved := 0, 0
	for i := range topLevel {
		if !topLevel[i].Valid {
			continue
		}
		valid++
		if topLevel[i].Resolved() {
			resolved++
		}
	}
	progress := verdict.SessionProgress(resolved, valid, session.Counter)

	state := session.State
	switch {
	case forceState != nil:
		state = *forceState
	case session.State == models.SessionRevoked:
		// Revocation is terminal.
	case progress >= 100:
		state = models.SessionDone
	}

	return s.sessions.UpdateProgress(ctx, tx, sessionID, session.AnalyzeProgress, progress, state)
}

func (s *ScanService) invalidateStatus(ctx context.Context, sessionID string) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx, "session:status:"+sessionID); err != nil {
		s.logger.Sugar().Warnw("invalidate status cache", "session_id", sessionID, "error", err)
	}
}
