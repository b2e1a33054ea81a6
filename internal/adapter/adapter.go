// Package adapter defines the capability contract between the orchestrator
// and remote scanning engines. One adapter instance is bound to exactly one
// agent; the agent's machine serializes its own work.
package adapter

import (
	"context"
	"errors"
)

// Failure taxonomy surfaced by an adapter call. Each maps to a distinct
// terminal scan status code and none of them is retried; tolerance for
// failed agents lives entirely in the consensus thresholds.
var (
	ErrEngineMissing = errors.New("scan engine not installed on agent")
	ErrEngineFailed  = errors.New("scan engine reported an error")
	ErrTransport     = errors.New("agent unreachable")
	ErrDeadline      = errors.New("scan deadline exceeded")
)

// ScanResult is a successful engine run.
type ScanResult struct {
	RawOutput       string
	DurationSeconds float64
	InfectedCount   int
	ThreatNames     []string
}

// ScanAdapter executes one scan of an absolute path on a remote agent.
type ScanAdapter interface {
	Scan(ctx context.Context, absolutePath string) (*ScanResult, error)
}
