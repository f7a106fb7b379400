package visibility

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qym-eval/qym/internal/platform/storage"
)

type fakeRunStore struct {
	runs   map[string]*storage.Run
	items  map[string][]*storage.RunItem
	scores map[string][]*storage.RunItemScore
}

func (f *fakeRunStore) FindByID(_ context.Context, runID string) (*storage.Run, error) {
	run, ok := f.runs[runID]
	if !ok {
		return nil, storage.ErrRunNotFound
	}

	return run, nil
}

func (f *fakeRunStore) ListRuns(_ context.Context, filter storage.ListFilter) ([]*storage.Run, error) {
	var out []*storage.Run

	for _, run := range f.runs {
		if !matchesFilter(run, filter) {
			continue
		}

		out = append(out, run)
	}

	return out, nil
}

func matchesFilter(run *storage.Run, filter storage.ListFilter) bool {
	if !filter.AllRuns {
		found := false

		for _, owner := range filter.OwnerUserIDs {
			if owner == run.OwnerUserID {
				found = true

				break
			}
		}

		if !found {
			return false
		}
	}

	if len(filter.Statuses) == 0 {
		return true
	}

	for _, status := range filter.Statuses {
		if status == run.Status {
			return true
		}
	}

	return false
}

func (f *fakeRunStore) ListItems(_ context.Context, runID string) ([]*storage.RunItem, error) {
	return f.items[runID], nil
}

func (f *fakeRunStore) ListScores(_ context.Context, runID string) ([]*storage.RunItemScore, error) {
	return f.scores[runID], nil
}

type fakeUserLookup struct {
	users map[string]*storage.User
	teams map[string][]*storage.User
}

func (f *fakeUserLookup) FindByID(_ context.Context, userID string) (*storage.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}

	return user, nil
}

func (f *fakeUserLookup) ListByTeam(_ context.Context, teamUnitID string) ([]*storage.User, error) {
	return f.teams[teamUnitID], nil
}

type fakeSettingsStore struct {
	values map[string]string
}

func (f *fakeSettingsStore) Get(_ context.Context, key string) (string, error) {
	if v, ok := f.values[key]; ok {
		return v, nil
	}

	return "true", nil
}

func strPtr(s string) *string { return &s }

func TestListVisibleRuns_EmployeeSeesOnlyOwnRuns(t *testing.T) {
	runs := &fakeRunStore{
		runs: map[string]*storage.Run{
			"run-mine":  {ID: "run-mine", Task: "t", Model: "m", OwnerUserID: "emp-1", Status: storage.RunCompleted},
			"run-other": {ID: "run-other", Task: "t", Model: "m", OwnerUserID: "emp-2", Status: storage.RunCompleted},
		},
		items:  map[string][]*storage.RunItem{},
		scores: map[string][]*storage.RunItemScore{},
	}

	svc := &Service{Runs: runs, Users: &fakeUserLookup{}, Settings: &fakeSettingsStore{}}

	groups, err := svc.ListVisibleRuns(context.Background(), Principal{UserID: "emp-1", Role: storage.RoleEmployee})
	require.NoError(t, err)
	require.Len(t, groups, 1)

	summaries := groups[0].Models["m"]
	require.Len(t, summaries, 1)
	assert.Equal(t, "run-mine", summaries[0].Run.ID)
}

func TestListVisibleRuns_ManagerSeesTeamRuns(t *testing.T) {
	runs := &fakeRunStore{
		runs: map[string]*storage.Run{
			"run-self":      {ID: "run-self", Task: "t", Model: "m", OwnerUserID: "mgr-1", Status: storage.RunCompleted},
			"run-report":    {ID: "run-report", Task: "t", Model: "m", OwnerUserID: "emp-1", Status: storage.RunCompleted},
			"run-unrelated": {ID: "run-unrelated", Task: "t", Model: "m", OwnerUserID: "emp-2", Status: storage.RunCompleted},
		},
		items:  map[string][]*storage.RunItem{},
		scores: map[string][]*storage.RunItemScore{},
	}

	users := &fakeUserLookup{
		users: map[string]*storage.User{
			"mgr-1": {ID: "mgr-1", TeamUnitID: strPtr("team-a")},
		},
		teams: map[string][]*storage.User{
			"team-a": {{ID: "emp-1", TeamUnitID: strPtr("team-a")}},
		},
	}

	svc := &Service{Runs: runs, Users: users, Settings: &fakeSettingsStore{}}

	groups, err := svc.ListVisibleRuns(context.Background(), Principal{UserID: "mgr-1", Role: storage.RoleManager})
	require.NoError(t, err)
	require.Len(t, groups, 1)

	var ids []string
	for _, s := range groups[0].Models["m"] {
		ids = append(ids, s.Run.ID)
	}

	assert.ElementsMatch(t, []string{"run-self", "run-report"}, ids)
}

func TestListVisibleRuns_GMApprovedOnlyByDefault(t *testing.T) {
	runs := &fakeRunStore{
		runs: map[string]*storage.Run{
			"run-approved":  {ID: "run-approved", Task: "t", Model: "m", OwnerUserID: "emp-1", Status: storage.RunApproved},
			"run-submitted": {ID: "run-submitted", Task: "t", Model: "m", OwnerUserID: "emp-1", Status: storage.RunSubmitted},
		},
		items:  map[string][]*storage.RunItem{},
		scores: map[string][]*storage.RunItemScore{},
	}

	svc := &Service{Runs: runs, Users: &fakeUserLookup{}, Settings: &fakeSettingsStore{}}

	groups, err := svc.ListVisibleRuns(context.Background(), Principal{UserID: "gm-1", Role: storage.RoleGM})
	require.NoError(t, err)
	require.Len(t, groups, 1)

	var ids []string
	for _, s := range groups[0].Models["m"] {
		ids = append(ids, s.Run.ID)
	}

	assert.Equal(t, []string{"run-approved"}, ids)
}

func TestListVisibleRuns_GMSeesSubmittedWhenPolicyRelaxed(t *testing.T) {
	runs := &fakeRunStore{
		runs: map[string]*storage.Run{
			"run-approved":  {ID: "run-approved", Task: "t", Model: "m", OwnerUserID: "emp-1", Status: storage.RunApproved},
			"run-submitted": {ID: "run-submitted", Task: "t", Model: "m", OwnerUserID: "emp-1", Status: storage.RunSubmitted},
		},
		items:  map[string][]*storage.RunItem{},
		scores: map[string][]*storage.RunItemScore{},
	}

	svc := &Service{
		Runs:     runs,
		Users:    &fakeUserLookup{},
		Settings: &fakeSettingsStore{values: map[string]string{"gm_vp_approved_only": "false"}},
	}

	groups, err := svc.ListVisibleRuns(context.Background(), Principal{UserID: "gm-1", Role: storage.RoleGM})
	require.NoError(t, err)
	require.Len(t, groups, 1)

	var ids []string
	for _, s := range groups[0].Models["m"] {
		ids = append(ids, s.Run.ID)
	}

	assert.ElementsMatch(t, []string{"run-approved", "run-submitted"}, ids)
}

func TestGetRunDetail_DeniesNonOwnerEmployee(t *testing.T) {
	runs := &fakeRunStore{
		runs: map[string]*storage.Run{
			"run-1": {ID: "run-1", OwnerUserID: "emp-2", Status: storage.RunCompleted},
		},
	}

	svc := &Service{Runs: runs, Users: &fakeUserLookup{}, Settings: &fakeSettingsStore{}}

	_, _, _, err := svc.GetRunDetail(context.Background(), Principal{UserID: "emp-1", Role: storage.RoleEmployee}, "run-1")
	assert.ErrorIs(t, err, ErrAccessDenied)
}

func TestGetRunDetail_AllowsOwner(t *testing.T) {
	runs := &fakeRunStore{
		runs: map[string]*storage.Run{
			"run-1": {ID: "run-1", OwnerUserID: "emp-1", Status: storage.RunCompleted},
		},
		items:  map[string][]*storage.RunItem{"run-1": {{ItemID: "item-1"}}},
		scores: map[string][]*storage.RunItemScore{},
	}

	svc := &Service{Runs: runs, Users: &fakeUserLookup{}, Settings: &fakeSettingsStore{}}

	run, items, _, err := svc.GetRunDetail(context.Background(), Principal{UserID: "emp-1", Role: storage.RoleEmployee}, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", run.ID)
	assert.Len(t, items, 1)
}

func TestSummarize_MetricAveragesTreatErroredItemsAsZero(t *testing.T) {
	run := &storage.Run{ID: "run-1", Metrics: []string{"accuracy"}, Status: storage.RunCompleted}

	runs := &fakeRunStore{
		items: map[string][]*storage.RunItem{
			"run-1": {
				{ItemID: "item-1"},
				{ItemID: "item-2", Error: "boom"},
			},
		},
		scores: map[string][]*storage.RunItemScore{
			"run-1": {
				{ItemID: "item-1", MetricName: "accuracy", ScoreNum: floatPtr(1.0)},
			},
		},
	}

	svc := &Service{Runs: runs, Users: &fakeUserLookup{}, Settings: &fakeSettingsStore{}}

	summary, err := svc.summarize(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.ErrorCount)
	assert.InDelta(t, 0.5, summary.MetricAverages["accuracy"], 0.0001)
}

func TestSummarize_ProgressOnlyWhileRunning(t *testing.T) {
	completed := &storage.Run{ID: "run-1", Status: storage.RunCompleted}
	running := &storage.Run{ID: "run-2", Status: storage.RunRunning, RunMetadata: map[string]any{"total_items": float64(4)}}

	runs := &fakeRunStore{
		items: map[string][]*storage.RunItem{
			"run-1": {{ItemID: "a"}},
			"run-2": {{ItemID: "a"}, {ItemID: "b"}},
		},
		scores: map[string][]*storage.RunItemScore{},
	}

	svc := &Service{Runs: runs, Users: &fakeUserLookup{}, Settings: &fakeSettingsStore{}}

	completedSummary, err := svc.summarize(context.Background(), completed)
	require.NoError(t, err)
	assert.Nil(t, completedSummary.Progress)

	runningSummary, err := svc.summarize(context.Background(), running)
	require.NoError(t, err)
	require.NotNil(t, runningSummary.Progress)
	assert.InDelta(t, 0.5, *runningSummary.Progress, 0.0001)
}

func floatPtr(f float64) *float64 { return &f }
