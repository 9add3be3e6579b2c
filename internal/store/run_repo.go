package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run record not found")

// RunStatus mirrors the session_runs.status column.
type RunStatus string

// Run statuses persisted in session_runs.status.
const (
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunError    RunStatus = "error"
)

// Run is one tracked fetch-classify-route job.
type Run struct {
	ID uuid.UUID
	// UserEmail is the mailbox the job processed.
	UserEmail string
	// MaxResults is the caller-supplied batch bound.
	MaxResults int
	StartedAt  time.Time
	// FinishedAt is nil until the run reaches complete or error.
	FinishedAt *time.Time
	Status     RunStatus
	// TotalItems and Processed are the last counters seen by the tracker.
	TotalItems int
	Processed  int
	// ErrorMessage is set for RunError.
	ErrorMessage *string
}

// RunRepository persists run history.
type RunRepository interface {
	// StartRun inserts (or idempotently keeps) a running row.
	StartRun(ctx context.Context, run Run) error
	// UpdateCounters records the latest item counters for a running row.
	UpdateCounters(ctx context.Context, id uuid.UUID, total, processed int) error
	// FinishRun marks the run complete or error.
	FinishRun(ctx context.Context, id uuid.UUID, finishedAt time.Time, status RunStatus, processed int, errMsg *string) error
	// GetRun loads a single run or returns ErrNotFound.
	GetRun(ctx context.Context, id uuid.UUID) (Run, error)
	// ListRuns returns runs newest first filtered by optional status.
	ListRuns(ctx context.Context, status *RunStatus, limit, offset int) ([]Run, error)
}
