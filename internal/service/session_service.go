package service

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/hexvault/multiscan-api/internal/models"
	"github.com/hexvault/multiscan-api/internal/repository"
	appErrors "github.com/hexvault/multiscan-api/pkg/errors"
)

type sessionStore interface {
	GetByID(ctx context.Context, id string) (*models.Session, error)
	List(ctx context.Context, ownerID string, limit, offset int) ([]models.Session, int, error)
}

type sessionFileReader interface {
	ListBySession(ctx context.Context, sessionID string) ([]models.File, error)
	CountVerdicts(ctx context.Context, sessionID string) (*repository.VerdictCounts, error)
}

type sessionScanReader interface {
	ListBySession(ctx context.Context, sessionID string) ([]models.Scan, error)
}

type dispatcher interface {
	Dispatch(ctx context.Context, sessionID string) error
	Cancel(ctx context.Context, sessionID string) error
	Position(ctx context.Context, sessionID string) (*models.QueuePosition, error)
}

// SessionService is the read and lifecycle surface of a session: start,
// status, queue position, result listing and cancellation.
type SessionService struct {
	sessions   sessionStore
	files      sessionFileReader
	scans      sessionScanReader
	dispatcher dispatcher
	cache      *CacheService
	cacheTTL   time.Duration
	logger     *zap.Logger
}

// NewSessionService wires the session surface.
func NewSessionService(sessions sessionStore, files sessionFileReader, scans sessionScanReader, d dispatcher, cache *CacheService, cacheTTL time.Duration, logger *zap.Logger) *SessionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionService{
		sessions:   sessions,
		files:      files,
		scans:      scans,
		dispatcher: d,
		cache:      cache,
		cacheTTL:   cacheTTL,
		logger:     logger,
	}
}

// Get loads a session or a typed not-found error.
func (s *SessionService) Get(ctx context.Context, id string) (*models.Session, error) {
	session, err := s.sessions.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load session")
	}
	return session, nil
}

// List returns an owner's sessions, newest first.
func (s *SessionService) List(ctx context.Context, ownerID string, limit, offset int) ([]models.Session, int, error) {
	sessions, total, err := s.sessions.List(ctx, ownerID, limit, offset)
	if err != nil {
		return nil, 0, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list sessions")
	}
	return sessions, total, nil
}

// Start admits the session's files into the dispatch queue. Only a PENDING
// session can start; starting twice is a conflict.
func (s *SessionService) Start(ctx context.Context, id string) error {
	session, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	switch session.State {
	case models.SessionRevoked:
		return appErrors.ErrSessionRevoked
	case models.SessionScanning, models.SessionDone:
		return appErrors.Clone(appErrors.ErrConflict, "session already started")
	}
	return s.dispatcher.Dispatch(ctx, id)
}

// Status returns the externally visible snapshot, served from the short-TTL
// cache when possible so polling clients do not hammer the aggregates. The
// boolean reports whether the snapshot came from the cache.
func (s *SessionService) Status(ctx context.Context, id string) (*models.SessionStatus, bool, error) {
	cacheKey := "session:status:" + id
	if s.cache.Enabled() {
		var cached models.SessionStatus
		if hit, err := s.cache.Get(ctx, cacheKey, &cached); err == nil && hit {
			return &cached, true, nil
		}
	}

	session, err := s.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	counts, err := s.files.CountVerdicts(ctx, id)
	if err != nil {
		return nil, false, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to aggregate verdicts")
	}

	status := &models.SessionStatus{
		SessionID:       session.ID,
		State:           string(session.State),
		AnalyzeProgress: session.AnalyzeProgress,
		ScanProgress:    session.Progress,
		Total:           counts.Total,
		Scanned:         counts.Scanned,
		Infected:        counts.Infected,
		Clean:           counts.Clean,
		Mysterious:      counts.Mysterious,
		Complete:        session.Complete(),
	}

	if s.cache.Enabled() {
		if err := s.cache.Set(ctx, cacheKey, status, s.cacheTTL); err != nil {
			s.logger.Sugar().Debugw("status cache write failed", "session_id", id, "error", err)
		}
	}
	return status, false, nil
}

// Queue reports how much earlier-admitted work still sits ahead of the
// session, separate from its own progress.
func (s *SessionService) Queue(ctx context.Context, id string) (*models.QueuePosition, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	position, err := s.dispatcher.Position(ctx, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			// Never admitted: nothing is ahead of it.
			return &models.QueuePosition{}, nil
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to read queue position")
	}
	return position, nil
}

// Files returns the full file tree of a session, parents first.
func (s *SessionService) Files(ctx context.Context, id string) ([]models.File, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	files, err := s.files.ListBySession(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list session files")
	}
	return files, nil
}

// Scans returns every per-agent result row of a session.
func (s *SessionService) Scans(ctx context.Context, id string) ([]models.Scan, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	scans, err := s.scans.ListBySession(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list session scans")
	}
	return scans, nil
}

// Cancel revokes a session. Cancelling an already revoked session is a
// no-op; finished sessions cannot be revoked.
func (s *SessionService) Cancel(ctx context.Context, id string) error {
	session, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	switch session.State {
	case models.SessionRevoked:
		return nil
	case models.SessionDone:
		return appErrors.Clone(appErrors.ErrConflict, "session already finished")
	}
	return s.dispatcher.Cancel(ctx, id)
}
