// Package workflow implements the run submit/approve/reject state machine
// POST /v1/runs/{id}/submit, .../approve, .../reject.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/qym-eval/qym/internal/platform/storage"
)

var (
	ErrNotOwner         = errors.New("workflow: only the run owner may submit it")
	ErrNotTerminalState = errors.New("workflow: run is already submitted or decided")
	ErrNotSubmitted     = errors.New("workflow: run must be SUBMITTED to decide")
	ErrNotDecider       = errors.New("workflow: caller is not the owner's manager or an admin")
)

// RunStore is the subset of storage.RunStore the workflow service needs.
type RunStore interface {
	FindByID(ctx context.Context, runID string) (*storage.Run, error)
	UpdateStatus(ctx context.Context, runID string, status storage.RunStatus, endedAt *time.Time) error
}

// ApprovalStore persists the one submit/decide record per run.
type ApprovalStore interface {
	Submit(ctx context.Context, runID, submittedByUserID string) error
	Decide(ctx context.Context, runID, decisionByUserID string, decision storage.ApprovalDecision, comment string) error
	FindByRunID(ctx context.Context, runID string) (*storage.Approval, error)
}

// OrgStore resolves whether a manager may decide on a given owner's run.
type OrgStore interface {
	IsManagerOf(ctx context.Context, managerUserID, memberUserID string) (bool, error)
}

// AuditStore records every transition for later review.
type AuditStore interface {
	Record(ctx context.Context, actorID, action, entityType, entityID string, before, after map[string]any) error
}

// Service drives the run state machine: DRAFT/RUNNING/COMPLETED/FAILED ->
// SUBMITTED -> APPROVED/REJECTED.
type Service struct {
	Runs      RunStore
	Approvals ApprovalStore
	Org       OrgStore
	Audit     AuditStore
}

// isTerminal reports whether a run in status can no longer be (re-)submitted.
func isTerminal(status storage.RunStatus) bool {
	switch status {
	case storage.RunSubmitted, storage.RunApproved, storage.RunRejected:
		return true
	default:
		return false
	}
}

// Submit transitions a run to SUBMITTED. Only the run's owner may submit,
// and only from a non-terminal status (any status except SUBMITTED,
// APPROVED, or REJECTED).
func (s *Service) Submit(ctx context.Context, runID, callerUserID string) (*storage.Run, error) {
	run, err := s.Runs.FindByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("workflow: find run: %w", err)
	}

	if run.OwnerUserID != callerUserID {
		return nil, ErrNotOwner
	}

	if isTerminal(run.Status) {
		return nil, ErrNotTerminalState
	}

	before := map[string]any{"status": string(run.Status)}

	if err := s.Runs.UpdateStatus(ctx, runID, storage.RunSubmitted, run.EndedAt); err != nil {
		return nil, fmt.Errorf("workflow: update status: %w", err)
	}

	if err := s.Approvals.Submit(ctx, runID, callerUserID); err != nil {
		return nil, fmt.Errorf("workflow: record submission: %w", err)
	}

	if err := s.Audit.Record(ctx, callerUserID, "run.submit", "run", runID, before, map[string]any{"status": string(storage.RunSubmitted)}); err != nil {
		return nil, fmt.Errorf("workflow: audit: %w", err)
	}

	run.Status = storage.RunSubmitted

	return run, nil
}

// Approve transitions a SUBMITTED run to APPROVED.
func (s *Service) Approve(ctx context.Context, runID, callerUserID string, callerRole storage.UserRole, comment string) (*storage.Run, error) {
	return s.decide(ctx, runID, callerUserID, callerRole, storage.DecisionApproved, comment)
}

// Reject transitions a SUBMITTED run to REJECTED.
func (s *Service) Reject(ctx context.Context, runID, callerUserID string, callerRole storage.UserRole, comment string) (*storage.Run, error) {
	return s.decide(ctx, runID, callerUserID, callerRole, storage.DecisionRejected, comment)
}

func (s *Service) decide(ctx context.Context, runID, callerUserID string, callerRole storage.UserRole, decision storage.ApprovalDecision, comment string) (*storage.Run, error) {
	run, err := s.Runs.FindByID(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("workflow: find run: %w", err)
	}

	if run.Status != storage.RunSubmitted {
		return nil, ErrNotSubmitted
	}

	allowed, err := s.canDecide(ctx, callerUserID, callerRole, run.OwnerUserID)
	if err != nil {
		return nil, err
	}

	if !allowed {
		return nil, ErrNotDecider
	}

	newStatus := storage.RunApproved
	action := "run.approve"

	if decision == storage.DecisionRejected {
		newStatus = storage.RunRejected
		action = "run.reject"
	}

	before := map[string]any{"status": string(run.Status)}

	if err := s.Runs.UpdateStatus(ctx, runID, newStatus, run.EndedAt); err != nil {
		return nil, fmt.Errorf("workflow: update status: %w", err)
	}

	if err := s.Approvals.Decide(ctx, runID, callerUserID, decision, comment); err != nil {
		return nil, fmt.Errorf("workflow: record decision: %w", err)
	}

	if err := s.Audit.Record(ctx, callerUserID, action, "run", runID, before, map[string]any{"status": string(newStatus), "comment": comment}); err != nil {
		return nil, fmt.Errorf("workflow: audit: %w", err)
	}

	run.Status = newStatus

	return run, nil
}

// canDecide reports whether callerUserID may decide on a run owned by
// ownerUserID: an admin always may; a manager may only for their own team's
// members (the team manager of the owner's team, resolved via OrgStore).
func (s *Service) canDecide(ctx context.Context, callerUserID string, callerRole storage.UserRole, ownerUserID string) (bool, error) {
	if callerRole == storage.RoleAdmin {
		return true, nil
	}

	if callerRole != storage.RoleManager {
		return false, nil
	}

	isManager, err := s.Org.IsManagerOf(ctx, callerUserID, ownerUserID)
	if err != nil {
		return false, fmt.Errorf("workflow: resolve manager relationship: %w", err)
	}

	return isManager, nil
}
