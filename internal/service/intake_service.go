package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hexvault/multiscan-api/internal/extract"
	"github.com/hexvault/multiscan-api/internal/models"
	"github.com/hexvault/multiscan-api/pkg/config"
	appErrors "github.com/hexvault/multiscan-api/pkg/errors"
	"github.com/hexvault/multiscan-api/pkg/storage"
)

type intakeFileStore interface {
	Create(ctx context.Context, file *models.File) error
	SetNote(ctx context.Context, id string, note string) error
}

type intakeSessionStore interface {
	Create(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	IncrementCounters(ctx context.Context, id string, totalDelta, counterDelta int) error
}

type archiveExtractor interface {
	Extract(ctx context.Context, archivePath, destination string, depth int) ([]extract.Entry, error)
}

type sessionProgressSyncer interface {
	SyncSessionProgress(ctx context.Context, sessionID string) error
}

// IntakeService admits files into a session from the four submission
// sources, applies the size and mimetype gates, and grows the file tree by
// unpacking archives. Rejected files are persisted invalid with progress
// already at 100 so they never hold a session open.
type IntakeService struct {
	files     intakeFileStore
	sessions  intakeSessionStore
	spool     *storage.LocalStorage
	extractor archiveExtractor
	rollup    sessionProgressSyncer
	cfg       config.IntakeConfig
	client    *http.Client
	logger    *zap.Logger
}

// NewIntakeService wires the intake pipeline.
func NewIntakeService(files intakeFileStore, sessions intakeSessionStore, spool *storage.LocalStorage, extractor archiveExtractor, rollup sessionProgressSyncer, cfg config.IntakeConfig, logger *zap.Logger) *IntakeService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IntakeService{
		files:     files,
		sessions:  sessions,
		spool:     spool,
		extractor: extractor,
		rollup:    rollup,
		cfg:       cfg,
		client:    &http.Client{Timeout: cfg.URLFetchTimeout},
		logger:    logger,
	}
}

// CreateSession opens a fresh session for the given source.
func (s *IntakeService) CreateSession(ctx context.Context, source models.FileSource, ownerID *string) (*models.Session, error) {
	session := &models.Session{Source: source, OwnerID: ownerID}
	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

// AdmitUpload stores one multipart upload into the session.
func (s *IntakeService) AdmitUpload(ctx context.Context, sessionID string, header *multipart.FileHeader) (*models.File, error) {
	src, err := header.Open()
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "cannot open uploaded file")
	}
	defer src.Close() //nolint:errcheck

	return s.admitReader(ctx, sessionID, header.Filename, src, false)
}

// AdmitURL downloads the resource and admits it under its final path segment.
func (s *IntakeService) AdmitURL(ctx context.Context, sessionID, rawURL string) (*models.File, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid url")
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "failed to fetch url")
	}
	defer resp.Body.Close() //nolint:errcheck
	if resp.StatusCode != http.StatusOK {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("url returned status %d", resp.StatusCode))
	}

	name := filepath.Base(req.URL.Path)
	if name == "" || name == "/" || name == "." {
		name = "download"
	}
	return s.admitReader(ctx, sessionID, name, resp.Body, false)
}

// AdmitDisk walks a directory on the shared mount and admits every regular
// file found. The total is announced up front so analyze progress climbs as
// the walk proceeds. A rejected file does not stop the walk; unreadable
// entries are skipped and still counted as processed.
func (s *IntakeService) AdmitDisk(ctx context.Context, sessionID, dir string) ([]*models.File, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
	}
	if session.State == models.SessionRevoked {
		return nil, appErrors.ErrSessionRevoked
	}

	found := 0
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			found++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", dir, err)
	}
	if found == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "directory contains no files")
	}
	if err := s.sessions.IncrementCounters(ctx, sessionID, found, 0); err != nil {
		return nil, err
	}

	var admitted []*models.File
	err = filepath.WalkDir(dir, func(path string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		src, err := os.Open(path)
		if err != nil {
			s.logger.Sugar().Warnw("skip unreadable file", "path", path, "error", err)
			return s.sessions.IncrementCounters(ctx, sessionID, 0, 1)
		}
		file, admitErr := s.admitReader(ctx, sessionID, d.Name(), src, true)
		src.Close() //nolint:errcheck
		if admitErr != nil && !errors.Is(admitErr, appErrors.ErrFileRejected) {
			return admitErr
		}
		admitted = append(admitted, file)
		return nil
	})
	if err != nil {
		return admitted, fmt.Errorf("walk %s: %w", dir, err)
	}
	return admitted, nil
}

// AdmitEmail parses an RFC 822 message and admits each attachment. A
// rejected attachment is returned alongside the accepted ones.
func (s *IntakeService) AdmitEmail(ctx context.Context, sessionID string, message io.Reader) ([]*models.File, error) {
	msg, err := mail.ReadMessage(message)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "failed to parse email message")
	}

	mediaType, params, err := mime.ParseMediaType(msg.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") {
		return nil, appErrors.Clone(appErrors.ErrValidation, "email carries no attachments")
	}

	reader := multipart.NewReader(msg.Body, params["boundary"])
	var admitted []*models.File
	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return admitted, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "failed to read email part")
		}
		name := part.FileName()
		if name == "" {
			continue
		}
		file, admitErr := s.admitReader(ctx, sessionID, name, part, false)
		if admitErr != nil && !errors.Is(admitErr, appErrors.ErrFileRejected) {
			return admitted, admitErr
		}
		admitted = append(admitted, file)
	}
	if len(admitted) == 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "email carries no attachments")
	}
	return admitted, nil
}

// admitReader spools the bytes, gates them, persists the file row and, for
// accepted archives, grows the tree with the extracted children. When
// announced is set the caller already counted this file into the session
// total.
func (s *IntakeService) admitReader(ctx context.Context, sessionID, name string, src io.Reader, announced bool) (*models.File, error) {
	session, err := s.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "session not found")
	}
	if session.State == models.SessionRevoked {
		return nil, appErrors.ErrSessionRevoked
	}

	fileID := uuid.NewString()
	spoolName := filepath.Join(sessionID, fileID+"_"+filepath.Base(name))

	// Cap the copy one byte past the limit so oversize inputs are detected
	// without spooling them whole.
	limited := io.LimitReader(src, s.cfg.MaxFileSizeBytes+1)
	if _, err := s.spool.SaveStream(spoolName, limited); err != nil {
		return nil, err
	}
	path := s.spool.Path(spoolName)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat spooled file: %w", err)
	}

	file := &models.File{
		ID:        fileID,
		SessionID: sessionID,
		OwnerID:   session.OwnerID,
		Name:      filepath.Base(name),
		Path:      path,
		SizeBytes: info.Size(),
		Valid:     true,
	}

	if info.Size() > s.cfg.MaxFileSizeBytes {
		return s.reject(ctx, file, fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxFileSizeBytes), announced)
	}

	detected, err := mimetype.DetectFile(path)
	if err != nil {
		return s.reject(ctx, file, "unreadable content", announced)
	}
	file.MimeType = detected.String()

	if !s.mimeAllowed(detected) {
		return s.reject(ctx, file, fmt.Sprintf("mimetype %s not allowed", detected.String()), announced)
	}

	if err := s.files.Create(ctx, file); err != nil {
		return nil, err
	}
	totalDelta := 1
	if announced {
		totalDelta = 0
	}
	if err := s.sessions.IncrementCounters(ctx, sessionID, totalDelta, 1); err != nil {
		return nil, err
	}

	if extract.IsArchive(file.MimeType) {
		if err := s.expandArchive(ctx, session, file, 0); err != nil {
			s.logger.Sugar().Warnw("archive extraction failed",
				"session_id", sessionID, "file_id", file.ID, "error", err)
			if noteErr := s.files.SetNote(ctx, file.ID, "extraction failed: "+err.Error()); noteErr != nil {
				return nil, noteErr
			}
		}
	}
	return file, nil
}

// expandArchive unpacks an admitted archive and admits every member as a
// child. Nested archives recurse until the configured depth bound.
func (s *IntakeService) expandArchive(ctx context.Context, session *models.Session, parent *models.File, depth int) error {
	destination := filepath.Join(s.cfg.ExtractDir, session.ID, parent.ID)
	entries, err := s.extractor.Extract(ctx, parent.Path, destination, depth)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		child := &models.File{
			ID:        uuid.NewString(),
			SessionID: session.ID,
			ParentID:  &parent.ID,
			OwnerID:   session.OwnerID,
			Name:      entry.Name,
			Path:      entry.Path,
			SizeBytes: entry.Size,
			Valid:     true,
		}

		if entry.Size > s.cfg.MaxFileSizeBytes {
			if _, err := s.reject(ctx, child, fmt.Sprintf("file exceeds %d bytes", s.cfg.MaxFileSizeBytes), false); err != nil && !errors.Is(err, appErrors.ErrFileRejected) {
				return err
			}
			continue
		}

		detected, err := mimetype.DetectFile(entry.Path)
		if err != nil {
			if _, err := s.reject(ctx, child, "unreadable content", false); err != nil && !errors.Is(err, appErrors.ErrFileRejected) {
				return err
			}
			continue
		}
		child.MimeType = detected.String()
		if !s.mimeAllowed(detected) {
			if _, err := s.reject(ctx, child, fmt.Sprintf("mimetype %s not allowed", detected.String()), false); err != nil && !errors.Is(err, appErrors.ErrFileRejected) {
				return err
			}
			continue
		}

		if err := s.files.Create(ctx, child); err != nil {
			return err
		}
		if extract.IsArchive(child.MimeType) {
			if err := s.expandArchive(ctx, session, child, depth+1); err != nil {
				s.logger.Sugar().Warnw("nested archive extraction failed",
					"session_id", session.ID, "file_id", child.ID, "error", err)
				if noteErr := s.files.SetNote(ctx, child.ID, "extraction failed: "+err.Error()); noteErr != nil {
					return noteErr
				}
			}
		}
	}
	return nil
}

// reject persists a gated-out file: invalid, bytes dropped, progress 100.
// A rejected top-level file still counts as processed work, so the session
// counters move and the session progress is recomputed right away. Without
// that, a session whose every file was rejected would never finish.
func (s *IntakeService) reject(ctx context.Context, file *models.File, reason string, announced bool) (*models.File, error) {
	progress := 100.0
	file.Valid = false
	file.Deleted = true
	file.Progress = &progress
	file.Note = &reason

	if err := s.files.Create(ctx, file); err != nil {
		return nil, err
	}
	if file.ParentID == nil {
		totalDelta := 1
		if announced {
			totalDelta = 0
		}
		if err := s.sessions.IncrementCounters(ctx, file.SessionID, totalDelta, 1); err != nil {
			return nil, err
		}
		if s.rollup != nil {
			if err := s.rollup.SyncSessionProgress(ctx, file.SessionID); err != nil {
				s.logger.Sugar().Warnw("session roll-up after rejection failed",
					"session_id", file.SessionID, "error", err)
			}
		}
	}
	if err := os.Remove(file.Path); err != nil && !os.IsNotExist(err) {
		s.logger.Sugar().Warnw("remove rejected file", "path", file.Path, "error", err)
	}
	s.logger.Sugar().Infow("file rejected", "session_id", file.SessionID, "name", file.Name, "reason", reason)
	return file, appErrors.ErrFileRejected
}

func (s *IntakeService) mimeAllowed(detected *mimetype.MIME) bool {
	if len(s.cfg.AllowedMIMEs) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedMIMEs {
		if detected.Is(allowed) {
			return true
		}
	}
	// Archives always pass the gate; their members are judged individually.
	return extract.IsArchive(detected.String())
}

// FetchTimeout exposes the effective URL fetch timeout, mostly for logging.
func (s *IntakeService) FetchTimeout() time.Duration {
	return s.client.Timeout
}
