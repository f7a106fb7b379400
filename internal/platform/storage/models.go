package storage

import (
	"encoding/json"
	"time"
)

// UserRole is the platform's role enum, gating visibility and workflow actions.
type UserRole string

const (
	RoleEmployee UserRole = "EMPLOYEE"
	RoleManager  UserRole = "MANAGER"
	RoleGM       UserRole = "GM"
	RoleVP       UserRole = "VP"
	RoleAdmin    UserRole = "ADMIN"
)

// OrgUnitType is the hierarchy level of an OrgUnit.
type OrgUnitType string

const (
	OrgUnitTeam       OrgUnitType = "TEAM"
	OrgUnitDepartment OrgUnitType = "DEPARTMENT"
	OrgUnitSector     OrgUnitType = "SECTOR"
)

// RunStatus is the run workflow state machine's set of positions.
type RunStatus string

const (
	RunDraft     RunStatus = "DRAFT"
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunSubmitted RunStatus = "SUBMITTED"
	RunApproved  RunStatus = "APPROVED"
	RunRejected  RunStatus = "REJECTED"
)

// ApprovalDecision is the outcome recorded on an Approval once decided.
type ApprovalDecision string

const (
	DecisionApproved ApprovalDecision = "APPROVED"
	DecisionRejected ApprovalDecision = "REJECTED"
)

type (
	// User is a platform account: an engine API key holder or a UI principal.
	User struct {
		ID         string
		Email      string
		Name       string
		Title      string
		Role       UserRole
		TeamUnitID *string
		Active     bool
		CreatedAt  time.Time
		UpdatedAt  time.Time
	}

	// OrgUnit is one node of the SECTOR -> DEPARTMENT -> TEAM hierarchy.
	OrgUnit struct {
		ID            string
		Name          string
		Type          OrgUnitType
		ParentID      *string
		ManagerUserID *string
		CreatedAt     time.Time
		UpdatedAt     time.Time
	}

	// OrgUnitClosure is one row of the transitive ancestor/descendant relation
	// over OrgUnit, including self-links at depth 0.
	OrgUnitClosure struct {
		AncestorID   string
		DescendantID string
		Depth        int
	}

	// PlatformSetting is a single mutable key/value policy entry.
	PlatformSetting struct {
		Key       string
		Value     string
		UpdatedAt time.Time
	}

	// Run is one execution of a task over a dataset.
	Run struct {
		ID              string
		ExternalRunID   string
		CreatedByUserID string
		OwnerUserID     string
		Task            string
		Dataset         string
		Model           string
		Metrics         []string
		RunMetadata     map[string]any
		RunConfig       map[string]any
		Status          RunStatus
		StartedAt       *time.Time
		EndedAt         *time.Time
		CreatedAt       time.Time
		UpdatedAt       time.Time
	}

	// RunItem is one input/output record for a run.
	RunItem struct {
		ID           int64
		RunID        string
		ItemID       string
		Index        int
		Input        any
		Expected     any
		Output       any
		Error        string
		ItemMetadata map[string]any
		LatencyMs    *float64
		TraceID      string
		TraceURL     string
		CreatedAt    time.Time
		UpdatedAt    time.Time
	}

	// RunItemScore is one metric's score for one item.
	RunItemScore struct {
		RunID      string
		ItemID     string
		MetricName string
		ScoreNum   *float64
		ScoreRaw   any
		Meta       map[string]any
	}

	// RunEvent is the durable record of every applied wire event, keyed for
	// idempotent replay by (RunID, EventID) and ordered by (RunID, Sequence).
	RunEvent struct {
		RunID     string
		EventID   string
		Sequence  int64
		Type      string
		SentAt    time.Time
		Payload   json.RawMessage
		CreatedAt time.Time
	}

	// Approval is the one-to-one submit/decide record for a submitted run.
	Approval struct {
		RunID             string
		SubmittedByUserID string
		SubmittedAt       time.Time
		DecisionByUserID  *string
		DecisionAt        *time.Time
		Decision          *ApprovalDecision
		Comment           string
	}

	// AuditLog is an immutable record of an admin or workflow mutation.
	AuditLog struct {
		ID         int64
		ActorID    *string
		Action     string
		EntityType string
		EntityID   string
		Before     map[string]any
		After      map[string]any
		CreatedAt  time.Time
	}
)

// IsValid reports whether r is one of the five recognized roles.
func (r UserRole) IsValid() bool {
	switch r {
	case RoleEmployee, RoleManager, RoleGM, RoleVP, RoleAdmin:
		return true
	default:
		return false
	}
}

// RequiredOrgUnitType returns the org-unit type a role must be assigned to,
// or "" for ADMIN, which carries no org unit.
func (r UserRole) RequiredOrgUnitType() OrgUnitType {
	switch r {
	case RoleEmployee, RoleManager:
		return OrgUnitTeam
	case RoleGM:
		return OrgUnitDepartment
	case RoleVP:
		return OrgUnitSector
	default:
		return ""
	}
}
