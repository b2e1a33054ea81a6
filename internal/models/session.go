package models

import "time"

// SessionState captures the session lifecycle.
type SessionState string

const (
	SessionPending  SessionState = "PENDING"
	SessionScanning SessionState = "SCANNING"
	SessionDone     SessionState = "DONE"
	SessionRevoked  SessionState = "REVOKED"
)

// Session groups the top-level files of one submission and owns aggregate
// progress. Progress reaching 100 is the precondition for every post-scan
// delivery action.
type Session struct {
	ID              string       `db:"id" json:"id"`
	OwnerID         *string      `db:"owner_id" json:"ownerId,omitempty"`
	Source          FileSource   `db:"source" json:"source"`
	State           SessionState `db:"state" json:"state"`
	Total           int          `db:"total" json:"total"`
	Counter         int          `db:"counter" json:"counter"`
	AnalyzeProgress float64      `db:"analyze_progress" json:"analyzeProgress"`
	Progress        float64      `db:"progress" json:"progress"`
	CreatedAt       time.Time    `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time    `db:"updated_at" json:"updatedAt"`
}

// Complete reports whether every top-level valid file finished scanning.
func (s *Session) Complete() bool {
	return s.Progress >= 100
}

// SessionStatus is the externally visible snapshot of a session.
type SessionStatus struct {
	SessionID       string  `json:"sessionId"`
	State           string  `json:"state"`
	AnalyzeProgress float64 `json:"analyzeProgress"`
	ScanProgress    float64 `json:"scanProgress"`
	Total           int     `json:"total"`
	Scanned         int     `json:"scanned"`
	Infected        int     `json:"infected"`
	Clean           int     `json:"clean"`
	Mysterious      int     `json:"mysterious"`
	Complete        bool    `json:"complete"`
}

// QueueEntry is one admission-log row. It records when a session's scan
// tasks entered the shared dispatch queue, purely for wait introspection.
type QueueEntry struct {
	ID         string     `db:"id" json:"id"`
	SessionID  string     `db:"session_id" json:"sessionId"`
	TaskCount  int        `db:"task_count" json:"taskCount"`
	EnqueuedAt time.Time  `db:"enqueued_at" json:"enqueuedAt"`
	DrainedAt  *time.Time `db:"drained_at" json:"drainedAt,omitempty"`
}

// QueuePosition reports how much earlier-enqueued work is still ahead of a
// session, distinct from its own execution progress.
type QueuePosition struct {
	WaitingSessions int `db:"waiting_sessions" json:"waitingSessions"`
	WaitingTasks    int `db:"waiting_tasks" json:"waitingTasks"`
}
