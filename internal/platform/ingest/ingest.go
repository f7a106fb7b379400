// Package ingest implements the engine-facing run creation and event
// ingestion surface: POST /v1/runs, POST /v1/runs/{id}/events,
// and POST /v1/runs:upload.
package ingest

import (
	"context"
	"errors"
	"log/slog"

	"github.com/qym-eval/qym/internal/eventschema"
	"github.com/qym-eval/qym/internal/platform/storage"
)

var (
	ErrNotOwner      = errors.New("ingest: caller is not the run owner")
	ErrRunIDMismatch = errors.New("ingest: event run_id does not match path id")
)

// RunStore is the subset of storage.RunStore the ingest handlers need.
type RunStore interface {
	Create(ctx context.Context, run *storage.Run) (*storage.Run, error)
	FindByID(ctx context.Context, runID string) (*storage.Run, error)
}

// EventStore is the subset of storage.EventStore the ingest handlers need.
type EventStore interface {
	Apply(ctx context.Context, runID string, envelopes []eventschema.Envelope) ([]storage.ApplyResult, error)
}

// UploadWriter persists a finished run's items and scores in one shot — an
// uploaded export has no event stream, only a completed snapshot, so it
// bypasses EventStore's per-event projection entirely.
type UploadWriter interface {
	InsertUploadedRun(ctx context.Context, runID string, items []*storage.RunItem, scores []*storage.RunItemScore) error
}

// EventPublisher fans applied events out to the optional event bus,
// off the request path: publication is best-effort and never blocks ingestion.
type EventPublisher interface {
	Publish(runID string, envelopes []eventschema.Envelope)
}

// noopPublisher is used when no event bus is configured.
type noopPublisher struct{}

func (noopPublisher) Publish(string, []eventschema.Envelope) {}

// Service wires the stores and optional event bus behind the ingestion
// handlers.
type Service struct {
	Runs      RunStore
	Events    EventStore
	Uploads   UploadWriter
	Publisher EventPublisher
	BaseURL   string
	Logger    *slog.Logger
}

func (s *Service) publisher() EventPublisher {
	if s.Publisher == nil {
		return noopPublisher{}
	}

	return s.Publisher
}

// CheckOwnership verifies principalUserID owns run runID, returning
// ErrNotOwner otherwise: the caller must be the run owner (403
// otherwise)").
func (s *Service) CheckOwnership(ctx context.Context, runID, principalUserID string) (*storage.Run, error) {
	run, err := s.Runs.FindByID(ctx, runID)
	if err != nil {
		return nil, err
	}

	if run.OwnerUserID != principalUserID {
		return nil, ErrNotOwner
	}

	return run, nil
}
