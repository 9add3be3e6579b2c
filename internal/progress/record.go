package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Stage denotes which session milestone a Record describes.
type Stage string

// Record stages emitted by the tracker.
const (
	StageSessionStart Stage = "SESSION_START"
	StageEvent        Stage = "SESSION_EVENT"
	StageSessionDone  Stage = "SESSION_DONE"
	StageSessionError Stage = "SESSION_ERROR"
)

// Record is the telemetry form of a session transition, fanned out by the Hub
// to metrics, logs and run history.
type Record struct {
	// SessionID identifies one tracker session.
	SessionID uuid.UUID
	// TS is the UTC time the transition was applied.
	TS time.Time
	Stage Stage
	// UserEmail and MaxResults are set on SESSION_START.
	UserEmail  string
	MaxResults int
	// Kind is the inbound event that caused the transition, if any.
	Kind    Kind
	Phase   Phase
	Percent float64
	// Processed and Total mirror the session counters after the transition.
	Processed int
	Total     int
	// Ignored marks events that did not match the session phase.
	Ignored bool
	// Source is set for SESSION_ERROR.
	Source ErrorSource
	// Dur is the session runtime on terminal records.
	Dur  time.Duration
	Note string
}

// Validate performs coarse validation on Record payloads.
func (r Record) Validate() error {
	if r.SessionID == uuid.Nil {
		return errors.New("session id is required")
	}
	if r.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch r.Stage {
	case StageSessionStart:
		if r.UserEmail == "" {
			return errors.New("session start requires user email")
		}
	case StageEvent:
		if r.Kind == "" {
			return errors.New("session event requires kind")
		}
	case StageSessionDone, StageSessionError:
	default:
		return fmt.Errorf("unknown stage %q", r.Stage)
	}
	if r.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
