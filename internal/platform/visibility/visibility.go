// Package visibility implements the role-scoped run listing and detail
// views: GET /api/runs and GET /api/runs/{id}.
package visibility

import (
	"context"
	"errors"
	"fmt"

	"github.com/qym-eval/qym/internal/platform/storage"
)

var ErrAccessDenied = errors.New("visibility: principal cannot view this run")

const settingGMVPApprovedOnly = "gm_vp_approved_only"

// RunStore is the subset of storage.RunStore the visibility service needs.
type RunStore interface {
	FindByID(ctx context.Context, runID string) (*storage.Run, error)
	ListRuns(ctx context.Context, filter storage.ListFilter) ([]*storage.Run, error)
	ListItems(ctx context.Context, runID string) ([]*storage.RunItem, error)
	ListScores(ctx context.Context, runID string) ([]*storage.RunItemScore, error)
}

// SettingsStore resolves the gm_vp_approved_only policy toggle.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, error)
}

// Service answers role-scoped run visibility queries.
type Service struct {
	Runs     RunStore
	Users    UserLookup
	Settings SettingsStore

	// LocalDevNoAuth mirrors ServerConfig.LocalDevNoAuth: when true, every
	// caller sees every run.
	LocalDevNoAuth bool
}

// UserLookup resolves a user's team_unit_id for manager-scoped visibility.
type UserLookup interface {
	FindByID(ctx context.Context, userID string) (*storage.User, error)
	ListByTeam(ctx context.Context, teamUnitID string) ([]*storage.User, error)
}

// Summary is the per-(task, model) aggregate shown in the run list.
type Summary struct {
	Run            *storage.Run
	TotalItems     int
	ErrorCount     int
	AvgLatencyMs   float64
	MetricAverages map[string]float64
	Progress       *float64 // non-nil only while the run is in flight
}

// RunGroup groups summaries by task then model, the list view's shape.
type RunGroup struct {
	Task   string
	Models map[string][]*Summary
}

// ListVisibleRuns returns runs visible to principal, grouped by task/model.
func (s *Service) ListVisibleRuns(ctx context.Context, principal Principal) ([]*RunGroup, error) {
	filter, err := s.filterFor(ctx, principal)
	if err != nil {
		return nil, err
	}

	runs, err := s.Runs.ListRuns(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("visibility: list runs: %w", err)
	}

	groups := make(map[string]*RunGroup)
	order := make([]string, 0)

	for _, run := range runs {
		summary, err := s.summarize(ctx, run)
		if err != nil {
			return nil, err
		}

		group, ok := groups[run.Task]
		if !ok {
			group = &RunGroup{Task: run.Task, Models: map[string][]*Summary{}}
			groups[run.Task] = group
			order = append(order, run.Task)
		}

		group.Models[run.Model] = append(group.Models[run.Model], summary)
	}

	result := make([]*RunGroup, 0, len(order))
	for _, task := range order {
		result = append(result, groups[task])
	}

	return result, nil
}

// GetRunDetail returns one run's full item list with scores, gated by the
// same visibility rules as the list view.
func (s *Service) GetRunDetail(ctx context.Context, principal Principal, runID string) (*storage.Run, []*storage.RunItem, []*storage.RunItemScore, error) {
	run, err := s.Runs.FindByID(ctx, runID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("visibility: find run: %w", err)
	}

	visible, err := s.canView(ctx, principal, run)
	if err != nil {
		return nil, nil, nil, err
	}

	if !visible {
		return nil, nil, nil, ErrAccessDenied
	}

	items, err := s.Runs.ListItems(ctx, runID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("visibility: list items: %w", err)
	}

	scores, err := s.Runs.ListScores(ctx, runID)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("visibility: list scores: %w", err)
	}

	return run, items, scores, nil
}

// Principal is the subset of auth.Principal the visibility Service needs, so
// the Service depends only on the user/role shape, not the authentication
// mechanism; the HTTP handlers in this package build it from auth.Principal.
type Principal struct {
	UserID string
	Role   storage.UserRole
}

func (s *Service) filterFor(ctx context.Context, principal Principal) (storage.ListFilter, error) {
	if s.LocalDevNoAuth {
		return storage.ListFilter{AllRuns: true}, nil
	}

	switch principal.Role {
	case storage.RoleAdmin:
		return storage.ListFilter{AllRuns: true}, nil
	case storage.RoleEmployee:
		return storage.ListFilter{OwnerUserIDs: []string{principal.UserID}}, nil
	case storage.RoleManager:
		return s.managerFilter(ctx, principal)
	case storage.RoleGM, storage.RoleVP:
		return s.gmVPFilter(ctx)
	default:
		return storage.ListFilter{OwnerUserIDs: []string{principal.UserID}}, nil
	}
}

func (s *Service) managerFilter(ctx context.Context, principal Principal) (storage.ListFilter, error) {
	user, err := s.Users.FindByID(ctx, principal.UserID)
	if err != nil {
		return storage.ListFilter{}, fmt.Errorf("visibility: resolve manager: %w", err)
	}

	owners := []string{principal.UserID}

	if user.TeamUnitID != nil {
		members, err := s.Users.ListByTeam(ctx, *user.TeamUnitID)
		if err != nil {
			return storage.ListFilter{}, fmt.Errorf("visibility: list team members: %w", err)
		}

		for _, member := range members {
			owners = append(owners, member.ID)
		}
	}

	return storage.ListFilter{OwnerUserIDs: owners}, nil
}

func (s *Service) gmVPFilter(ctx context.Context) (storage.ListFilter, error) {
	approvedOnly, err := s.gmVPApprovedOnly(ctx)
	if err != nil {
		return storage.ListFilter{}, err
	}

	if approvedOnly {
		return storage.ListFilter{AllRuns: true, Statuses: []storage.RunStatus{storage.RunApproved}}, nil
	}

	return storage.ListFilter{AllRuns: true, Statuses: []storage.RunStatus{storage.RunSubmitted, storage.RunApproved}}, nil
}

func (s *Service) gmVPApprovedOnly(ctx context.Context) (bool, error) {
	value, err := s.Settings.Get(ctx, settingGMVPApprovedOnly)
	if err != nil {
		return false, fmt.Errorf("visibility: read gm_vp_approved_only: %w", err)
	}

	return value != "false", nil
}

// canView applies the detail-view gate: owner always wins, otherwise the
// same role rules as the list view restricted to this one run's status.
func (s *Service) canView(ctx context.Context, principal Principal, run *storage.Run) (bool, error) {
	if s.LocalDevNoAuth || principal.Role == storage.RoleAdmin {
		return true, nil
	}

	if run.OwnerUserID == principal.UserID {
		return true, nil
	}

	switch principal.Role {
	case storage.RoleManager:
		user, err := s.Users.FindByID(ctx, principal.UserID)
		if err != nil {
			return false, fmt.Errorf("visibility: resolve manager: %w", err)
		}

		if user.TeamUnitID == nil {
			return false, nil
		}

		owner, err := s.Users.FindByID(ctx, run.OwnerUserID)
		if err != nil {
			return false, fmt.Errorf("visibility: resolve run owner: %w", err)
		}

		return owner.TeamUnitID != nil && *owner.TeamUnitID == *user.TeamUnitID, nil
	case storage.RoleGM, storage.RoleVP:
		approvedOnly, err := s.gmVPApprovedOnly(ctx)
		if err != nil {
			return false, err
		}

		if approvedOnly {
			return run.Status == storage.RunApproved, nil
		}

		return run.Status == storage.RunSubmitted || run.Status == storage.RunApproved, nil
	default:
		return false, nil
	}
}

// summarize computes a run's Summary: totals, error count, average latency,
// per-metric averages (erroring items contribute score 0, not missing, so
// that a flaky metric shows up as a lower average rather than a smaller
// denominator), and in-flight progress.
func (s *Service) summarize(ctx context.Context, run *storage.Run) (*Summary, error) {
	items, err := s.Runs.ListItems(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("visibility: list items for summary: %w", err)
	}

	scores, err := s.Runs.ListScores(ctx, run.ID)
	if err != nil {
		return nil, fmt.Errorf("visibility: list scores for summary: %w", err)
	}

	summary := &Summary{Run: run, TotalItems: len(items), MetricAverages: map[string]float64{}}

	var latencySum float64

	latencyCount := 0

	for _, item := range items {
		if item.Error != "" {
			summary.ErrorCount++
		}

		if item.LatencyMs != nil {
			latencySum += *item.LatencyMs
			latencyCount++
		}
	}

	if latencyCount > 0 {
		summary.AvgLatencyMs = latencySum / float64(latencyCount)
	}

	scoreByItemMetric := make(map[string]float64, len(scores))

	for _, score := range scores {
		if score.ScoreNum != nil {
			scoreByItemMetric[score.ItemID+"\x00"+score.MetricName] = *score.ScoreNum
		}
	}

	for _, metric := range run.Metrics {
		var sum float64

		for _, item := range items {
			sum += scoreByItemMetric[item.ItemID+"\x00"+metric] // 0 for erroring/missing items
		}

		if len(items) > 0 {
			summary.MetricAverages[metric] = sum / float64(len(items))
		}
	}

	if run.Status == storage.RunRunning {
		total, ok := totalItemsFromMetadata(run.RunMetadata)
		if ok && total > 0 {
			progress := float64(len(items)) / float64(total)
			summary.Progress = &progress
		}
	}

	return summary, nil
}

func totalItemsFromMetadata(metadata map[string]any) (int, bool) {
	raw, ok := metadata["total_items"]
	if !ok {
		return 0, false
	}

	switch v := raw.(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	default:
		return 0, false
	}
}
