package sinks

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/inbox-router/internal/progress"
	"github.com/JakeFAU/inbox-router/internal/store"
)

// StoreSink persists run history via a store.RunRepository. Event records
// within one batch are collapsed into a single counter update per session.
type StoreSink struct {
	repo   store.RunRepository
	logger *zap.Logger
}

// NewStoreSink constructs a StoreSink for the provided repository.
func NewStoreSink(repo store.RunRepository, logger *zap.Logger) *StoreSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreSink{repo: repo, logger: logger}
}

// Consume forwards lifecycle records to the repository in order. Repository
// errors are returned wrapped.
func (s *StoreSink) Consume(ctx context.Context, batch []progress.Record) error {
	if s == nil || s.repo == nil {
		return nil
	}
	pending := make(map[uuid.UUID]counterDelta)
	var order []uuid.UUID

	for _, rec := range batch {
		switch rec.Stage {
		case progress.StageSessionStart:
			if err := s.repo.StartRun(ctx, store.Run{
				ID:         rec.SessionID,
				UserEmail:  rec.UserEmail,
				MaxResults: rec.MaxResults,
				StartedAt:  rec.TS,
				Status:     store.RunRunning,
			}); err != nil {
				return fmt.Errorf("start run: %w", err)
			}
		case progress.StageEvent:
			if rec.Ignored || rec.Total == 0 {
				continue
			}
			if _, seen := pending[rec.SessionID]; !seen {
				order = append(order, rec.SessionID)
			}
			pending[rec.SessionID] = counterDelta{total: rec.Total, processed: rec.Processed}
		case progress.StageSessionDone, progress.StageSessionError:
			if delta, ok := pending[rec.SessionID]; ok {
				if err := s.repo.UpdateCounters(ctx, rec.SessionID, delta.total, delta.processed); err != nil {
					return fmt.Errorf("update run counters: %w", err)
				}
				delete(pending, rec.SessionID)
			}
			if err := s.finish(ctx, rec); err != nil {
				return err
			}
		}
	}

	for _, id := range order {
		delta, ok := pending[id]
		if !ok {
			continue
		}
		if err := s.repo.UpdateCounters(ctx, id, delta.total, delta.processed); err != nil {
			return fmt.Errorf("update run counters: %w", err)
		}
	}
	return nil
}

func (s *StoreSink) finish(ctx context.Context, rec progress.Record) error {
	status := store.RunComplete
	var note *string
	if rec.Stage == progress.StageSessionError {
		status = store.RunError
		if rec.Note != "" {
			msg := rec.Note
			note = &msg
		}
	}
	if err := s.repo.FinishRun(ctx, rec.SessionID, rec.TS, status, rec.Processed, note); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	s.logger.Debug("run finished",
		zap.String("session_id", rec.SessionID.String()),
		zap.String("status", string(status)),
	)
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *StoreSink) Close(context.Context) error {
	return nil
}

type counterDelta struct {
	total     int
	processed int
}
