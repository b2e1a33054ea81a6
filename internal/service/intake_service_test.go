package service

import (
	"archive/zip"
	"bytes"
	"context"
	"database/sql"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/hexvault/multiscan-api/internal/extract"
	"github.com/hexvault/multiscan-api/internal/models"
	"github.com/hexvault/multiscan-api/pkg/config"
	appErrors "github.com/hexvault/multiscan-api/pkg/errors"
	"github.com/hexvault/multiscan-api/pkg/storage"
)

type stubIntakeFiles struct {
	created []*models.File
	notes   map[string]string
}

func (s *stubIntakeFiles) Create(ctx context.Context, file *models.File) error {
	copy := *file
	s.created = append(s.created, &copy)
	return nil
}

func (s *stubIntakeFiles) SetNote(ctx context.Context, id string, note string) error {
	if s.notes == nil {
		s.notes = make(map[string]string)
	}
	s.notes[id] = note
	return nil
}

type stubIntakeSessions struct {
	session      *models.Session
	totalDelta   int
	counterDelta int
}

func (s *stubIntakeSessions) Create(ctx context.Context, session *models.Session) error {
	session.ID = "session-new"
	s.session = session
	return nil
}

func (s *stubIntakeSessions) GetByID(ctx context.Context, id string) (*models.Session, error) {
	if s.session == nil || s.session.ID != id {
		return nil, sql.ErrNoRows
	}
	copy := *s.session
	return &copy, nil
}

func (s *stubIntakeSessions) IncrementCounters(ctx context.Context, id string, totalDelta, counterDelta int) error {
	s.totalDelta += totalDelta
	s.counterDelta += counterDelta
	return nil
}

type stubRollup struct {
	synced []string
}

func (s *stubRollup) SyncSessionProgress(ctx context.Context, sessionID string) error {
	s.synced = append(s.synced, sessionID)
	return nil
}

type intakeFixture struct {
	svc      *IntakeService
	files    *stubIntakeFiles
	sessions *stubIntakeSessions
	rollup   *stubRollup
}

func newIntakeFixture(t *testing.T, cfg config.IntakeConfig) *intakeFixture {
	t.Helper()
	if cfg.MaxFileSizeBytes == 0 {
		cfg.MaxFileSizeBytes = 1024
	}
	if cfg.ExtractDir == "" {
		cfg.ExtractDir = t.TempDir()
	}
	if cfg.URLFetchTimeout == 0 {
		cfg.URLFetchTimeout = 5 * time.Second
	}
	spool, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)

	files := &stubIntakeFiles{}
	sessions := &stubIntakeSessions{session: &models.Session{ID: "session-1", State: models.SessionPending, Source: models.SourceURL}}
	rollup := &stubRollup{}
	extractor := extract.New(cfg.MaxArchiveDepth, cfg.MaxFileSizeBytes)
	svc := NewIntakeService(files, sessions, spool, extractor, rollup, cfg, zap.NewNop())
	return &intakeFixture{svc: svc, files: files, sessions: sessions, rollup: rollup}
}

func serveBytes(t *testing.T, body []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestAdmitURLStoresFile(t *testing.T) {
	f := newIntakeFixture(t, config.IntakeConfig{})
	srv := serveBytes(t, []byte("hello multiscan\n"))

	file, err := f.svc.AdmitURL(context.Background(), "session-1", srv.URL+"/sample.txt")
	require.NoError(t, err)
	assert.True(t, file.Valid)
	assert.Equal(t, "sample.txt", file.Name)
	assert.True(t, strings.HasPrefix(file.MimeType, "text/plain"))
	assert.Equal(t, 1, f.sessions.totalDelta)
	assert.Equal(t, 1, f.sessions.counterDelta)

	_, err = os.Stat(file.Path)
	require.NoError(t, err)
}

func TestAdmitURLRejectsOversize(t *testing.T) {
	f := newIntakeFixture(t, config.IntakeConfig{MaxFileSizeBytes: 64})
	srv := serveBytes(t, bytes.Repeat([]byte("a"), 200))

	file, err := f.svc.AdmitURL(context.Background(), "session-1", srv.URL+"/big.bin")
	require.ErrorIs(t, err, appErrors.ErrFileRejected)
	require.NotNil(t, file)
	assert.False(t, file.Valid)
	assert.True(t, file.Deleted)
	require.NotNil(t, file.Progress)
	assert.Equal(t, 100.0, *file.Progress)
	require.NotNil(t, file.Note)

	// A rejection is processed work: both counters move, the session
	// progress is resynced and the bytes are dropped.
	assert.Equal(t, 1, f.sessions.totalDelta)
	assert.Equal(t, 1, f.sessions.counterDelta)
	assert.Equal(t, []string{"session-1"}, f.rollup.synced)
	_, statErr := os.Stat(file.Path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestAdmitURLRejectsDisallowedMimetype(t *testing.T) {
	f := newIntakeFixture(t, config.IntakeConfig{AllowedMIMEs: []string{"application/pdf"}})
	srv := serveBytes(t, []byte("plain text content"))

	_, err := f.svc.AdmitURL(context.Background(), "session-1", srv.URL+"/note.txt")
	require.ErrorIs(t, err, appErrors.ErrFileRejected)
	require.Len(t, f.files.created, 1)
	assert.False(t, f.files.created[0].Valid)
}

func TestAdmitRefusesRevokedSession(t *testing.T) {
	f := newIntakeFixture(t, config.IntakeConfig{})
	f.sessions.session.State = models.SessionRevoked
	srv := serveBytes(t, []byte("irrelevant"))

	_, err := f.svc.AdmitURL(context.Background(), "session-1", srv.URL+"/late.txt")
	require.ErrorIs(t, err, appErrors.ErrSessionRevoked)
	assert.Empty(t, f.files.created)
}

func TestAdmitDiskWalksDirectory(t *testing.T) {
	f := newIntakeFixture(t, config.IntakeConfig{})
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "one.txt"), []byte("first file"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "two.txt"), []byte("second file"), 0o644))

	admitted, err := f.svc.AdmitDisk(context.Background(), "session-1", dir)
	require.NoError(t, err)
	assert.Len(t, admitted, 2)
	assert.Equal(t, 2, f.sessions.totalDelta)
	assert.Equal(t, 2, f.sessions.counterDelta)
}

func TestAdmitDiskEmptyDirectory(t *testing.T) {
	f := newIntakeFixture(t, config.IntakeConfig{})

	_, err := f.svc.AdmitDisk(context.Background(), "session-1", t.TempDir())
	require.Error(t, err)
	appErr := appErrors.FromError(err)
	assert.Equal(t, appErrors.ErrValidation.Code, appErr.Code)
}

func TestAdmitDiskRejectedFileDoesNotStopSiblings(t *testing.T) {
	f := newIntakeFixture(t, config.IntakeConfig{MaxFileSizeBytes: 64})
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "huge.bin"), bytes.Repeat([]byte("x"), 200), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "small.txt"), []byte("fits fine"), 0o644))

	admitted, err := f.svc.AdmitDisk(context.Background(), "session-1", dir)
	require.NoError(t, err)
	require.Len(t, admitted, 2)

	valid := 0
	for _, file := range admitted {
		if file.Valid {
			valid++
		}
	}
	assert.Equal(t, 1, valid)
	// Total announced up front, every file processed.
	assert.Equal(t, 2, f.sessions.totalDelta)
	assert.Equal(t, 2, f.sessions.counterDelta)
}

func TestAdmitEmailTakesAttachmentsOnly(t *testing.T) {
	f := newIntakeFixture(t, config.IntakeConfig{})
	message := strings.Join([]string{
		"From: sender@example.com",
		"To: scan@example.com",
		"Subject: please scan",
		`Content-Type: multipart/mixed; boundary="frontier"`,
		"",
		"--frontier",
		"Content-Type: text/plain",
		"",
		"scan the attachment please",
		"--frontier",
		"Content-Type: application/octet-stream",
		`Content-Disposition: attachment; filename="payload.txt"`,
		"",
		"attachment body bytes",
		"--frontier--",
		"",
	}, "\r\n")

	admitted, err := f.svc.AdmitEmail(context.Background(), "session-1", strings.NewReader(message))
	require.NoError(t, err)
	require.Len(t, admitted, 1)
	assert.Equal(t, "payload.txt", admitted[0].Name)
}

func TestAdmitEmailRejectedAttachmentDoesNotStopSiblings(t *testing.T) {
	f := newIntakeFixture(t, config.IntakeConfig{MaxFileSizeBytes: 64})
	message := strings.Join([]string{
		"From: sender@example.com",
		"To: scan@example.com",
		"Subject: please scan",
		`Content-Type: multipart/mixed; boundary="frontier"`,
		"",
		"--frontier",
		"Content-Type: application/octet-stream",
		`Content-Disposition: attachment; filename="huge.bin"`,
		"",
		strings.Repeat("x", 200),
		"--frontier",
		"Content-Type: application/octet-stream",
		`Content-Disposition: attachment; filename="small.txt"`,
		"",
		"fits fine",
		"--frontier--",
		"",
	}, "\r\n")

	admitted, err := f.svc.AdmitEmail(context.Background(), "session-1", strings.NewReader(message))
	require.NoError(t, err)
	require.Len(t, admitted, 2)
	assert.False(t, admitted[0].Valid)
	assert.True(t, admitted[1].Valid)
	assert.Equal(t, []string{"session-1"}, f.rollup.synced)
}

func TestAdmitEmailWithoutAttachments(t *testing.T) {
	f := newIntakeFixture(t, config.IntakeConfig{})
	message := "From: sender@example.com\r\nContent-Type: text/plain\r\n\r\njust a body\r\n"

	_, err := f.svc.AdmitEmail(context.Background(), "session-1", strings.NewReader(message))
	require.Error(t, err)
}

func TestAdmitURLExpandsArchive(t *testing.T) {
	f := newIntakeFixture(t, config.IntakeConfig{MaxFileSizeBytes: 1 << 20, MaxArchiveDepth: 3})

	buf := &bytes.Buffer{}
	zw := zip.NewWriter(buf)
	for name, content := range map[string]string{"inner/a.txt": "member a", "b.txt": "member b"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	srv := serveBytes(t, buf.Bytes())

	parent, err := f.svc.AdmitURL(context.Background(), "session-1", srv.URL+"/bundle.zip")
	require.NoError(t, err)
	assert.Equal(t, "application/zip", parent.MimeType)

	// Parent plus both members; only the container feeds the counters.
	require.Len(t, f.files.created, 3)
	children := 0
	for _, created := range f.files.created {
		if created.ParentID != nil {
			assert.Equal(t, parent.ID, *created.ParentID)
			children++
		}
	}
	assert.Equal(t, 2, children)
	assert.Equal(t, 1, f.sessions.totalDelta)
	assert.Equal(t, 1, f.sessions.counterDelta)
}

func TestCreateSession(t *testing.T) {
	f := newIntakeFixture(t, config.IntakeConfig{})
	owner := "user-1"

	session, err := f.svc.CreateSession(context.Background(), models.SourceUpload, &owner)
	require.NoError(t, err)
	assert.Equal(t, models.SourceUpload, session.Source)
	require.NotNil(t, session.OwnerID)
	assert.Equal(t, owner, *session.OwnerID)
}
