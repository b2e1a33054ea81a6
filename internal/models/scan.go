package models

import (
	"time"

	"github.com/lib/pq"
)

// Scan status codes. A scan is pending until a terminal code is set; it is
// never re-dispatched afterwards.
const (
	ScanStatusOK            = 200
	ScanStatusRevoked       = 410
	ScanStatusEngineMissing = 404
	ScanStatusEngineFailed  = 422
	ScanStatusTransport     = 502
	ScanStatusTimeout       = 504
)

// Scan records exactly one (file, agent) execution and its outcome.
// The pair is unique per file. Agent name and engine are denormalised so
// results survive agent deregistration.
type Scan struct {
	ID              string         `db:"id" json:"id"`
	FileID          string         `db:"file_id" json:"fileId"`
	SessionID       string         `db:"session_id" json:"sessionId"`
	AgentID         string         `db:"agent_id" json:"agentId"`
	AgentName       string         `db:"agent_name" json:"agentName"`
	Engine          string         `db:"engine" json:"engine"`
	StatusCode      *int           `db:"status_code" json:"statusCode,omitempty"`
	InfectedCount   *int           `db:"infected_count" json:"infectedCount,omitempty"`
	ScanTimeSeconds *float64       `db:"scan_time_seconds" json:"scanTimeSeconds,omitempty"`
	ThreatNames     pq.StringArray `db:"threat_names" json:"threatNames,omitempty"`
	Error           *string        `db:"error" json:"error,omitempty"`
	RawOutput       *string        `db:"raw_output" json:"-"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time      `db:"updated_at" json:"updatedAt"`
}

// Complete reports whether the scan reached a terminal state.
func (s *Scan) Complete() bool {
	return s.StatusCode != nil
}

// ScanOutcome carries the terminal result applied to a pending scan.
type ScanOutcome struct {
	StatusCode      int
	InfectedCount   *int
	ScanTimeSeconds *float64
	ThreatNames     []string
	Error           *string
	RawOutput       *string
}
