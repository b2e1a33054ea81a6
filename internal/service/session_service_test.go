package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hexvault/multiscan-api/internal/models"
	"github.com/hexvault/multiscan-api/internal/repository"
	appErrors "github.com/hexvault/multiscan-api/pkg/errors"
)

type stubSessionStore struct {
	sessions map[string]*models.Session
}

func (s *stubSessionStore) GetByID(ctx context.Context, id string) (*models.Session, error) {
	session, ok := s.sessions[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copy := *session
	return &copy, nil
}

func (s *stubSessionStore) List(ctx context.Context, ownerID string, limit, offset int) ([]models.Session, int, error) {
	var list []models.Session
	for _, session := range s.sessions {
		list = append(list, *session)
	}
	return list, len(list), nil
}

type stubSessionFiles struct {
	files  []models.File
	counts *repository.VerdictCounts
}

func (s *stubSessionFiles) ListBySession(ctx context.Context, sessionID string) ([]models.File, error) {
	return s.files, nil
}

func (s *stubSessionFiles) CountVerdicts(ctx context.Context, sessionID string) (*repository.VerdictCounts, error) {
	return s.counts, nil
}

type stubSessionScans struct {
	scans []models.Scan
}

func (s *stubSessionScans) ListBySession(ctx context.Context, sessionID string) ([]models.Scan, error) {
	return s.scans, nil
}

type stubDispatcher struct {
	dispatched  []string
	cancelled   []string
	position    *models.QueuePosition
	positionErr error
}

func (d *stubDispatcher) Dispatch(ctx context.Context, sessionID string) error {
	d.dispatched = append(d.dispatched, sessionID)
	return nil
}

func (d *stubDispatcher) Cancel(ctx context.Context, sessionID string) error {
	d.cancelled = append(d.cancelled, sessionID)
	return nil
}

func (d *stubDispatcher) Position(ctx context.Context, sessionID string) (*models.QueuePosition, error) {
	if d.positionErr != nil {
		return nil, d.positionErr
	}
	return d.position, nil
}

type memCacheRepo struct {
	entries map[string][]byte
}

func (m *memCacheRepo) Get(ctx context.Context, key string, dest interface{}) error {
	data, ok := m.entries[key]
	if !ok {
		return appErrors.ErrCacheMiss
	}
	return json.Unmarshal(data, dest)
}

func (m *memCacheRepo) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	if m.entries == nil {
		m.entries = make(map[string][]byte)
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.entries[key] = data
	return nil
}

func (m *memCacheRepo) DeleteByPattern(ctx context.Context, pattern string) error {
	for key := range m.entries {
		delete(m.entries, key)
	}
	return nil
}

type sessionFixture struct {
	svc        *SessionService
	sessions   *stubSessionStore
	files      *stubSessionFiles
	dispatcher *stubDispatcher
	cacheRepo  *memCacheRepo
}

func newSessionFixture(t *testing.T, cacheEnabled bool) *sessionFixture {
	t.Helper()
	sessions := &stubSessionStore{sessions: map[string]*models.Session{
		"session-1": {ID: "session-1", State: models.SessionPending, AnalyzeProgress: 100, Progress: 0},
	}}
	files := &stubSessionFiles{counts: &repository.VerdictCounts{Total: 3, Scanned: 1, Clean: 1}}
	scans := &stubSessionScans{}
	dispatcher := &stubDispatcher{position: &models.QueuePosition{WaitingSessions: 2, WaitingTasks: 9}}
	cacheRepo := &memCacheRepo{}
	cache := NewCacheService(cacheRepo, nil, time.Minute, zap.NewNop(), cacheEnabled)

	svc := NewSessionService(sessions, files, scans, dispatcher, cache, time.Minute, zap.NewNop())
	return &sessionFixture{svc: svc, sessions: sessions, files: files, dispatcher: dispatcher, cacheRepo: cacheRepo}
}

func TestSessionStartDispatchesPending(t *testing.T) {
	f := newSessionFixture(t, false)

	require.NoError(t, f.svc.Start(context.Background(), "session-1"))
	assert.Equal(t, []string{"session-1"}, f.dispatcher.dispatched)
}

func TestSessionStartTwiceConflicts(t *testing.T) {
	f := newSessionFixture(t, false)
	f.sessions.sessions["session-1"].State = models.SessionScanning

	err := f.svc.Start(context.Background(), "session-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
	assert.Empty(t, f.dispatcher.dispatched)
}

func TestSessionStartRevoked(t *testing.T) {
	f := newSessionFixture(t, false)
	f.sessions.sessions["session-1"].State = models.SessionRevoked

	err := f.svc.Start(context.Background(), "session-1")
	require.ErrorIs(t, err, appErrors.ErrSessionRevoked)
}

func TestSessionStatusServedFromCache(t *testing.T) {
	f := newSessionFixture(t, true)

	first, cached, err := f.svc.Status(context.Background(), "session-1")
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, 3, first.Total)

	// A counts change is invisible until the cached snapshot expires or is
	// invalidated.
	f.files.counts = &repository.VerdictCounts{Total: 99}
	second, cached, err := f.svc.Status(context.Background(), "session-1")
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, 3, second.Total)
}

func TestSessionStatusNotFound(t *testing.T) {
	f := newSessionFixture(t, false)

	_, _, err := f.svc.Status(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrNotFound.Code, appErrors.FromError(err).Code)
}

func TestSessionQueuePosition(t *testing.T) {
	f := newSessionFixture(t, false)

	position, err := f.svc.Queue(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, 2, position.WaitingSessions)
	assert.Equal(t, 9, position.WaitingTasks)
}

func TestSessionQueueNeverAdmitted(t *testing.T) {
	f := newSessionFixture(t, false)
	f.dispatcher.position = nil
	f.dispatcher.positionErr = sql.ErrNoRows

	position, err := f.svc.Queue(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Zero(t, position.WaitingSessions)
	assert.Zero(t, position.WaitingTasks)
}

func TestSessionCancelStates(t *testing.T) {
	f := newSessionFixture(t, false)
	f.sessions.sessions["session-1"].State = models.SessionScanning

	require.NoError(t, f.svc.Cancel(context.Background(), "session-1"))
	assert.Equal(t, []string{"session-1"}, f.dispatcher.cancelled)

	// Cancelling again after revocation is a no-op.
	f.sessions.sessions["session-1"].State = models.SessionRevoked
	require.NoError(t, f.svc.Cancel(context.Background(), "session-1"))
	assert.Len(t, f.dispatcher.cancelled, 1)

	f.sessions.sessions["session-1"].State = models.SessionDone
	err := f.svc.Cancel(context.Background(), "session-1")
	require.Error(t, err)
	assert.Equal(t, appErrors.ErrConflict.Code, appErrors.FromError(err).Code)
}
