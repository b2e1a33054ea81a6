package service

import (
	"context"
	"database/sql"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hexvault/multiscan-api/internal/models"
	"github.com/hexvault/multiscan-api/internal/repository"
	"github.com/hexvault/multiscan-api/internal/verdict"
)

type memFileStore struct {
	files map[string]*models.File
}

func (m *memFileStore) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.File, error) {
	file, ok := m.files[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copy := *file
	return &copy, nil
}

func (m *memFileStore) ListChildren(ctx context.Context, tx *sqlx.Tx, parentID string) ([]models.File, error) {
	var children []models.File
	for _, f := range m.files {
		if f.ParentID != nil && *f.ParentID == parentID {
			children = append(children, *f)
		}
	}
	return children, nil
}

func (m *memFileStore) ListTopLevelTx(ctx context.Context, tx *sqlx.Tx, sessionID string) ([]models.File, error) {
	var topLevel []models.File
	for _, f := range m.files {
		if f.SessionID == sessionID && f.ParentID == nil {
			topLevel = append(topLevel, *f)
		}
	}
	return topLevel, nil
}

func (m *memFileStore) UpdateVerdict(ctx context.Context, tx *sqlx.Tx, id string, infected *bool, progress *float64) error {
	file, ok := m.files[id]
	if !ok {
		return sql.ErrNoRows
	}
	file.Infected = infected
	file.Progress = progress
	return nil
}

type memScanResultStore struct {
	scans map[string]*models.Scan
}

func (m *memScanResultStore) Complete(ctx context.Context, tx *sqlx.Tx, id string, outcome models.ScanOutcome) error {
	scan, ok := m.scans[id]
	if !ok {
		return sql.ErrNoRows
	}
	if scan.StatusCode != nil {
		return repository.ErrScanAlreadyResolved
	}
	code := outcome.StatusCode
	scan.StatusCode = &code
	scan.InfectedCount = outcome.InfectedCount
	scan.ScanTimeSeconds = outcome.ScanTimeSeconds
	scan.ThreatNames = outcome.ThreatNames
	scan.Error = outcome.Error
	return nil
}

func (m *memScanResultStore) ListByFile(ctx context.Context, tx *sqlx.Tx, fileID string) ([]models.Scan, error) {
	var scans []models.Scan
	for _, s := range m.scans {
		if s.FileID == fileID {
			scans = append(scans, *s)
		}
	}
	return scans, nil
}

func (m *memScanResultStore) RevokePending(ctx context.Context, tx *sqlx.Tx, sessionID string) ([]string, error) {
	var fileIDs []string
	for _, s := range m.scans {
		if s.SessionID == sessionID && s.StatusCode == nil {
			code := models.ScanStatusRevoked
			s.StatusCode = &code
			fileIDs = append(fileIDs, s.FileID)
		}
	}
	return fileIDs, nil
}

type memScanSessionStore struct {
	session *models.Session
}

func (m *memScanSessionStore) GetForUpdate(ctx context.Context, tx *sqlx.Tx, id string) (*models.Session, error) {
	if m.session == nil || m.session.ID != id {
		return nil, sql.ErrNoRows
	}
	copy := *m.session
	return &copy, nil
}

func (m *memScanSessionStore) UpdateProgress(ctx context.Context, tx *sqlx.Tx, id string, analyzeProgress, progress float64, state models.SessionState) error {
	m.session.AnalyzeProgress = analyzeProgress
	m.session.Progress = progress
	m.session.State = state
	return nil
}

type scanFixture struct {
	svc      *ScanService
	mock     sqlmock.Sqlmock
	files    *memFileStore
	scans    *memScanResultStore
	sessions *memScanSessionStore
}

func newScanFixture(t *testing.T) *scanFixture {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	files := &memFileStore{files: make(map[string]*models.File)}
	scans := &memScanResultStore{scans: make(map[string]*models.Scan)}
	sessions := &memScanSessionStore{session: &models.Session{
		ID:              "session-1",
		State:           models.SessionScanning,
		Total:           1,
		Counter:         1,
		AnalyzeProgress: 100,
	}}

	thresholds := verdict.Thresholds{CleanAcceptance: 0.5, ValidAcceptance: 0.5}
	svc := NewScanService(sqlx.NewDb(db, "sqlmock"), files, scans, sessions, nil, thresholds, false, zap.NewNop())
	return &scanFixture{svc: svc, mock: mock, files: files, scans: scans, sessions: sessions}
}

func (f *scanFixture) addLeaf(id string, scanIDs ...string) {
	f.files.files[id] = &models.File{ID: id, SessionID: "session-1", Valid: true}
	for _, scanID := range scanIDs {
		f.scans.scans[scanID] = &models.Scan{ID: scanID, FileID: id, SessionID: "session-1"}
	}
}

func (f *scanFixture) record(t *testing.T, scanID, fileID string, outcome models.ScanOutcome) {
	t.Helper()
	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	require.NoError(t, f.svc.RecordOutcome(context.Background(), scanID, fileID, outcome))
}

func cleanOutcome() models.ScanOutcome {
	zero := 0
	return models.ScanOutcome{StatusCode: models.ScanStatusOK, InfectedCount: &zero}
}

func infectedOutcome() models.ScanOutcome {
	one := 1
	return models.ScanOutcome{StatusCode: models.ScanStatusOK, InfectedCount: &one, ThreatNames: []string{"EICAR-Test"}}
}

func TestRecordOutcomeKeepsVerdictOpenWhilePending(t *testing.T) {
	f := newScanFixture(t)
	f.addLeaf("file-1", "scan-1", "scan-2", "scan-3", "scan-4")

	f.record(t, "scan-1", "file-1", cleanOutcome())
	f.record(t, "scan-2", "file-1", cleanOutcome())
	f.record(t, "scan-3", "file-1", cleanOutcome())

	file := f.files.files["file-1"]
	assert.Nil(t, file.Infected)
	require.NotNil(t, file.Progress)
	assert.Equal(t, 75.0, *file.Progress)
	assert.Equal(t, models.SessionScanning, f.sessions.session.State)

	f.record(t, "scan-4", "file-1", cleanOutcome())

	file = f.files.files["file-1"]
	require.NotNil(t, file.Infected)
	assert.False(t, *file.Infected)
	assert.Equal(t, 100.0, *file.Progress)
	assert.Equal(t, models.SessionDone, f.sessions.session.State)
	assert.Equal(t, 100.0, f.sessions.session.Progress)
}

func TestRecordOutcomeFlagsInfectedOnDisagreement(t *testing.T) {
	f := newScanFixture(t)
	f.addLeaf("file-1", "scan-1", "scan-2", "scan-3", "scan-4")

	f.record(t, "scan-1", "file-1", cleanOutcome())
	f.record(t, "scan-2", "file-1", cleanOutcome())
	f.record(t, "scan-3", "file-1", infectedOutcome())
	f.record(t, "scan-4", "file-1", infectedOutcome())

	file := f.files.files["file-1"]
	require.NotNil(t, file.Infected)
	assert.True(t, *file.Infected)
	assert.Equal(t, 100.0, *file.Progress)
}

func TestRecordOutcomeTooManyFailuresStayUnknown(t *testing.T) {
	f := newScanFixture(t)
	f.addLeaf("file-1", "scan-1", "scan-2", "scan-3", "scan-4")

	missing := models.ScanOutcome{StatusCode: models.ScanStatusEngineMissing}
	f.record(t, "scan-1", "file-1", cleanOutcome())
	f.record(t, "scan-2", "file-1", cleanOutcome())
	f.record(t, "scan-3", "file-1", missing)
	f.record(t, "scan-4", "file-1", missing)

	// The file is fully resolved yet undetermined: half the agents never
	// produced a usable result.
	file := f.files.files["file-1"]
	assert.Nil(t, file.Infected)
	assert.Equal(t, 100.0, *file.Progress)
	assert.Equal(t, models.SessionDone, f.sessions.session.State)
}

func TestRecordOutcomeDropsLateResultAfterRevocation(t *testing.T) {
	f := newScanFixture(t)
	f.addLeaf("file-1", "scan-1")
	revoked := models.ScanStatusRevoked
	f.scans.scans["scan-1"].StatusCode = &revoked

	f.mock.ExpectBegin()
	f.mock.ExpectRollback()
	require.NoError(t, f.svc.RecordOutcome(context.Background(), "scan-1", "file-1", cleanOutcome()))

	// The revoked status stands and no roll-up ran.
	assert.Equal(t, revoked, *f.scans.scans["scan-1"].StatusCode)
	assert.Nil(t, f.files.files["file-1"].Progress)
}

func TestRecordOutcomePropagatesThroughArchiveParent(t *testing.T) {
	f := newScanFixture(t)
	parentID := "parent-1"
	f.files.files[parentID] = &models.File{ID: parentID, SessionID: "session-1", Valid: true}
	f.files.files["child-1"] = &models.File{ID: "child-1", SessionID: "session-1", ParentID: &parentID, Valid: true}
	infected := true
	resolved := 100.0
	f.files.files["child-2"] = &models.File{ID: "child-2", SessionID: "session-1", ParentID: &parentID, Valid: true, Infected: &infected, Progress: &resolved}
	f.scans.scans["scan-1"] = &models.Scan{ID: "scan-1", FileID: "child-1", SessionID: "session-1"}

	f.record(t, "scan-1", "child-1", cleanOutcome())

	child := f.files.files["child-1"]
	require.NotNil(t, child.Infected)
	assert.False(t, *child.Infected)

	// One infected member taints the whole archive.
	parent := f.files.files[parentID]
	require.NotNil(t, parent.Infected)
	assert.True(t, *parent.Infected)
	assert.Equal(t, 100.0, *parent.Progress)
	assert.Equal(t, models.SessionDone, f.sessions.session.State)
}

func TestSyncSessionProgressFinishesAllRejectedSession(t *testing.T) {
	f := newScanFixture(t)
	f.sessions.session.State = models.SessionPending
	f.sessions.session.Total = 2
	f.sessions.session.Counter = 2
	progress := 100.0
	f.files.files["file-1"] = &models.File{ID: "file-1", SessionID: "session-1", Valid: false, Deleted: true, Progress: &progress}
	f.files.files["file-2"] = &models.File{ID: "file-2", SessionID: "session-1", Valid: false, Deleted: true, Progress: &progress}

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	require.NoError(t, f.svc.SyncSessionProgress(context.Background(), "session-1"))

	// Every file was gated out, so there is nothing left to scan and the
	// session completes instead of idling at zero.
	assert.Equal(t, 100.0, f.sessions.session.Progress)
	assert.Equal(t, models.SessionDone, f.sessions.session.State)
}

func TestSyncSessionProgressKeepsMixedSessionOpen(t *testing.T) {
	f := newScanFixture(t)
	f.sessions.session.State = models.SessionPending
	f.sessions.session.Total = 2
	f.sessions.session.Counter = 2
	progress := 100.0
	f.files.files["file-1"] = &models.File{ID: "file-1", SessionID: "session-1", Valid: true}
	f.files.files["file-2"] = &models.File{ID: "file-2", SessionID: "session-1", Valid: false, Deleted: true, Progress: &progress}

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	require.NoError(t, f.svc.SyncSessionProgress(context.Background(), "session-1"))

	assert.Equal(t, 0.0, f.sessions.session.Progress)
	assert.Equal(t, models.SessionPending, f.sessions.session.State)
}

func TestRevokeSessionKeepsEarlierResults(t *testing.T) {
	f := newScanFixture(t)
	f.sessions.session.Total = 2
	f.sessions.session.Counter = 2
	f.addLeaf("file-1", "scan-1")
	f.addLeaf("file-2", "scan-2")

	f.record(t, "scan-1", "file-1", cleanOutcome())

	f.mock.ExpectBegin()
	f.mock.ExpectCommit()
	require.NoError(t, f.svc.RevokeSession(context.Background(), "session-1"))

	// The finished file keeps its verdict; the pending one lands unknown.
	done := f.files.files["file-1"]
	require.NotNil(t, done.Infected)
	assert.False(t, *done.Infected)

	revoked := f.files.files["file-2"]
	assert.Nil(t, revoked.Infected)
	assert.Equal(t, 100.0, *revoked.Progress)
	assert.Equal(t, models.ScanStatusRevoked, *f.scans.scans["scan-2"].StatusCode)
	assert.Equal(t, models.SessionRevoked, f.sessions.session.State)
}
