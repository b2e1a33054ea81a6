// Package orchestrator fans a session's scannable files out to every active
// agent through a shared FIFO queue, applies the per-task soft deadline, and
// supports mid-flight revocation without disturbing finished results.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/hexvault/multiscan-api/internal/adapter"
	"github.com/hexvault/multiscan-api/internal/models"
	appErrors "github.com/hexvault/multiscan-api/pkg/errors"
	"github.com/hexvault/multiscan-api/pkg/jobs"
)

// AgentSource provides the immutable per-dispatch agent snapshot.
type AgentSource interface {
	Snapshot(ctx context.Context) ([]adapter.BoundAgent, error)
}

// ScanStore creates pending scan rows ahead of dispatch.
type ScanStore interface {
	Create(ctx context.Context, scan *models.Scan) error
}

// FileStore lists a session's files so the dispatcher can pick out leaves.
type FileStore interface {
	ListBySession(ctx context.Context, sessionID string) ([]models.File, error)
}

// SessionStore transitions session lifecycle states.
type SessionStore interface {
	UpdateState(ctx context.Context, id string, state models.SessionState) error
}

// AdmissionLog records queue entry and drain events for wait introspection.
type AdmissionLog interface {
	Enqueue(ctx context.Context, entry *models.QueueEntry) error
	MarkDrained(ctx context.Context, sessionID string) error
	Position(ctx context.Context, sessionID string) (*models.QueuePosition, error)
}

// ResultRecorder applies terminal scan outcomes and rolls progress up the
// file tree. RevokeSession stamps every unresolved scan of a session and
// moves it to REVOKED in one transaction.
type ResultRecorder interface {
	RecordOutcome(ctx context.Context, scanID, fileID string, outcome models.ScanOutcome) error
	RevokeSession(ctx context.Context, sessionID string) error
}

// Config tunes dispatch behaviour. ObserveScan, when set, receives every
// terminal scan execution for instrumentation.
type Config struct {
	Workers      int
	QueueBuffer  int
	SoftDeadline time.Duration
	ObserveScan  func(statusCode int, engine string, duration time.Duration)
}

// Orchestrator owns the shared dispatch queue. All sessions feed the same
// queue, so admission order is strictly first in, first out across sessions.
type Orchestrator struct {
	agents       AgentSource
	scans        ScanStore
	files        FileStore
	sessionStore SessionStore
	admission    AdmissionLog
	results      ResultRecorder
	logger       *zap.Logger

	softDeadline time.Duration
	observeScan  func(statusCode int, engine string, duration time.Duration)
	queue        *jobs.Queue

	mu   sync.Mutex
	runs map[string]*sessionRun
	base context.Context
	stop context.CancelFunc
}

// sessionRun tracks one session's in-flight tasks. Its context is the
// cancellation handle for revocation.
type sessionRun struct {
	ctx         context.Context
	cancel      context.CancelFunc
	outstanding int
}

type scanTask struct {
	ScanID    string
	FileID    string
	SessionID string
	Path      string
	Agent     adapter.BoundAgent
}

// New constructs the orchestrator and its backing queue. Start must be
// called before Dispatch.
func New(agents AgentSource, scans ScanStore, files FileStore, sessions SessionStore, admission AdmissionLog, results ResultRecorder, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.SoftDeadline <= 0 {
		cfg.SoftDeadline = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	o := &Orchestrator{
		agents:       agents,
		scans:        scans,
		files:        files,
		sessionStore: sessions,
		admission:    admission,
		results:      results,
		logger:       logger,
		softDeadline: cfg.SoftDeadline,
		observeScan:  cfg.ObserveScan,
		runs:         make(map[string]*sessionRun),
	}
	o.queue = jobs.NewQueue("scan-dispatch", o.handleTask, jobs.QueueConfig{
		Workers:    cfg.Workers,
		BufferSize: cfg.QueueBuffer,
		Logger:     logger,
	})
	return o
}

// Start launches the worker pool.
func (o *Orchestrator) Start(ctx context.Context) {
	o.mu.Lock()
	o.base, o.stop = context.WithCancel(ctx)
	o.mu.Unlock()
	o.queue.Start(ctx)
}

// Stop cancels every in-flight session and drains the workers.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stop != nil {
		o.stop()
	}
	o.mu.Unlock()
	o.queue.Stop()
}

// Dispatch admits a session: one pending scan row and one queued task per
// (leaf file, agent) pair. The agent set is snapshotted once; agents added
// or removed afterwards do not affect this session.
func (o *Orchestrator) Dispatch(ctx context.Context, sessionID string) error {
	bound, err := o.agents.Snapshot(ctx)
	if err != nil {
		return err
	}
	if len(bound) == 0 {
		return appErrors.ErrNoActiveAgents
	}

	all, err := o.files.ListBySession(ctx, sessionID)
	if err != nil {
		return err
	}
	leaves := leafFiles(all)
	if len(leaves) == 0 {
		return fmt.Errorf("session %s has no scannable files", sessionID)
	}

	tasks := make([]scanTask, 0, len(leaves)*len(bound))
	for _, leaf := range leaves {
		for _, agent := range bound {
			scan := &models.Scan{
				FileID:    leaf.ID,
				SessionID: sessionID,
				AgentID:   agent.Agent.ID,
				AgentName: agent.Agent.Name,
				Engine:    agent.Agent.Engine,
			}
			if err := o.scans.Create(ctx, scan); err != nil {
				return err
			}
			tasks = append(tasks, scanTask{
				ScanID:    scan.ID,
				FileID:    leaf.ID,
				SessionID: sessionID,
				Path:      leaf.Path,
				Agent:     agent,
			})
		}
	}

	if err := o.admission.Enqueue(ctx, &models.QueueEntry{
		SessionID: sessionID,
		TaskCount: len(tasks),
	}); err != nil {
		return err
	}
	if err := o.sessionStore.UpdateState(ctx, sessionID, models.SessionScanning); err != nil {
		return err
	}

	o.mu.Lock()
	base := o.base
	if base == nil {
		base = context.Background()
	}
	runCtx, cancel := context.WithCancel(base)
	o.runs[sessionID] = &sessionRun{ctx: runCtx, cancel: cancel, outstanding: len(tasks)}
	o.mu.Unlock()

	for _, task := range tasks {
		if err := o.queue.Enqueue(jobs.Job{ID: task.ScanID, Type: "scan", Payload: task}); err != nil {
			o.logger.Sugar().Errorw("enqueue scan task", "session_id", sessionID, "scan_id", task.ScanID, "error", err)
			o.taskDone(context.Background(), task.SessionID)
		}
	}
	return nil
}

// Cancel revokes a session. Already finished scans keep their results; every
// unresolved scan is stamped revoked and in-flight agent calls are cut off.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID string) error {
	o.mu.Lock()
	run := o.runs[sessionID]
	o.mu.Unlock()
	if run != nil {
		run.cancel()
	}
	return o.results.RevokeSession(ctx, sessionID)
}

// Position reports queued work admitted ahead of the session.
func (o *Orchestrator) Position(ctx context.Context, sessionID string) (*models.QueuePosition, error) {
	return o.admission.Position(ctx, sessionID)
}

// PendingTasks exposes the queue backlog, fed to the metrics gauge.
func (o *Orchestrator) PendingTasks() int {
	return o.queue.Pending()
}

func (o *Orchestrator) handleTask(ctx context.Context, job jobs.Job) error {
	task, ok := job.Payload.(scanTask)
	if !ok {
		return fmt.Errorf("unexpected payload type %T", job.Payload)
	}
	defer o.taskDone(ctx, task.SessionID)

	o.mu.Lock()
	run := o.runs[task.SessionID]
	o.mu.Unlock()
	if run == nil || run.ctx.Err() != nil {
		// Revoked before this task started; the scan row is already stamped.
		return nil
	}

	scanCtx, cancel := context.WithTimeout(run.ctx, o.softDeadline)
	started := time.Now()
	result, scanErr := task.Agent.Adapter.Scan(scanCtx, task.Path)
	elapsed := time.Since(started)
	cancel()

	if run.ctx.Err() != nil {
		return nil
	}

	outcome := outcomeFrom(result, scanErr)
	if o.observeScan != nil {
		o.observeScan(outcome.StatusCode, task.Agent.Agent.Engine, elapsed)
	}
	if err := o.results.RecordOutcome(ctx, task.ScanID, task.FileID, outcome); err != nil {
		o.logger.Sugar().Errorw("record scan outcome",
			"session_id", task.SessionID, "scan_id", task.ScanID, "error", err)
	}
	return nil
}

// taskDone decrements the session's in-flight counter and, when the last
// task leaves, closes its admission entry.
func (o *Orchestrator) taskDone(ctx context.Context, sessionID string) {
	o.mu.Lock()
	run := o.runs[sessionID]
	if run == nil {
		o.mu.Unlock()
		return
	}
	run.outstanding--
	finished := run.outstanding <= 0
	if finished {
		delete(o.runs, sessionID)
	}
	o.mu.Unlock()

	if !finished {
		return
	}
	run.cancel()
	if err := o.admission.MarkDrained(ctx, sessionID); err != nil {
		o.logger.Sugar().Errorw("mark session drained", "session_id", sessionID, "error", err)
	}
}

// outcomeFrom maps an adapter result or failure onto the stored status code.
func outcomeFrom(result *adapter.ScanResult, err error) models.ScanOutcome {
	if err == nil {
		count := result.InfectedCount
		return models.ScanOutcome{
			StatusCode:      models.ScanStatusOK,
			InfectedCount:   &count,
			ScanTimeSeconds: &result.DurationSeconds,
			ThreatNames:     result.ThreatNames,
			RawOutput:       &result.RawOutput,
		}
	}

	message := err.Error()
	outcome := models.ScanOutcome{Error: &message}
	switch {
	case errors.Is(err, adapter.ErrEngineMissing):
		outcome.StatusCode = models.ScanStatusEngineMissing
	case errors.Is(err, adapter.ErrEngineFailed):
		outcome.StatusCode = models.ScanStatusEngineFailed
	case errors.Is(err, adapter.ErrDeadline):
		outcome.StatusCode = models.ScanStatusTimeout
	default:
		outcome.StatusCode = models.ScanStatusTransport
	}
	return outcome
}

// leafFiles picks the scannable leaves: valid files nothing else claims as a
// parent. Extracted archives stay in the tree as aggregation nodes only.
func leafFiles(files []models.File) []models.File {
	parents := make(map[string]struct{})
	for _, f := range files {
		if f.ParentID != nil {
			parents[*f.ParentID] = struct{}{}
		}
	}
	leaves := make([]models.File, 0, len(files))
	for _, f := range files {
		if !f.Valid {
			continue
		}
		if _, isParent := parents[f.ID]; isParent {
			continue
		}
		leaves = append(leaves, f)
	}
	return leaves
}
