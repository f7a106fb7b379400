package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qym-eval/qym/internal/engine/adapter"
	"github.com/qym-eval/qym/internal/engine/checkpoint"
	"github.com/qym-eval/qym/internal/engine/metric"
	"github.com/qym-eval/qym/internal/engine/progress"
)

type echoTask struct{}

func (echoTask) Invoke(_ context.Context, in adapter.Invocation) (adapter.Output, error) {
	return adapter.Output{Value: in.Input}, nil
}

type failingTask struct{ err error }

func (f failingTask) Invoke(_ context.Context, _ adapter.Invocation) (adapter.Output, error) {
	return adapter.Output{}, f.err
}

type slowTask struct{ delay time.Duration }

func (s slowTask) Invoke(ctx context.Context, in adapter.Invocation) (adapter.Output, error) {
	select {
	case <-time.After(s.delay):
		return adapter.Output{Value: in.Input}, nil
	case <-ctx.Done():
		return adapter.Output{}, ctx.Err()
	}
}

func exactMatch() metric.Metric {
	return metric.BinaryMetric{
		MetricName: "exact_match",
		Fn: func(out, expected any) any {
			return out == expected
		},
	}
}

func newTestParams(t *testing.T, items []Item) RunParams {
	t.Helper()

	w, err := checkpoint.NewWriter(filepath.Join(t.TempDir(), "checkpoint.csv"), []string{"exact_match"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	return RunParams{
		RunID:                "run-1",
		Task:                 echoTask{},
		Metrics:              []metric.Metric{exactMatch()},
		Items:                items,
		Observer:             progress.NewTracker(len(items)),
		Checkpoint:           w,
		MaxConcurrency:       4,
		MaxMetricConcurrency: 4,
	}
}

func TestScheduler_Run_CompletesAllItems(t *testing.T) {
	items := []Item{
		{ID: "1", Index: 0, Input: "a", Expected: "a"},
		{ID: "2", Index: 1, Input: "b", Expected: "x"},
	}

	sched := New(metric.NewRunner(nil))
	result, err := sched.Run(context.Background(), newTestParams(t, items))

	require.NoError(t, err)
	assert.Equal(t, 2, result.TotalItems)
	assert.Equal(t, 2, result.Completed)
	assert.Equal(t, 0, result.Errored)
}

func TestScheduler_Run_TaskErrorMarksItemErrored(t *testing.T) {
	items := []Item{{ID: "1", Index: 0, Input: "a"}}

	params := newTestParams(t, items)
	params.Task = failingTask{err: errors.New("task exploded")}

	sched := New(metric.NewRunner(nil))
	result, err := sched.Run(context.Background(), params)

	require.NoError(t, err)
	assert.Equal(t, 0, result.Completed)
	assert.Equal(t, 1, result.Errored)

	snap := params.Observer.GetSnapshot()
	assert.Equal(t, progress.StatusError, snap.Items[0].Status)
	assert.Contains(t, snap.Items[0].Error, "task exploded")
}

func TestScheduler_Run_ItemTimeoutDistinguishedFromTaskError(t *testing.T) {
	items := []Item{{ID: "1", Index: 0, Input: "a"}}

	params := newTestParams(t, items)
	params.Task = slowTask{delay: 200 * time.Millisecond}
	params.ItemTimeout = 10 * time.Millisecond

	sched := New(metric.NewRunner(nil))
	result, err := sched.Run(context.Background(), params)

	require.NoError(t, err)
	assert.Equal(t, 1, result.Errored)

	snap := params.Observer.GetSnapshot()
	assert.Contains(t, snap.Items[0].Error, "timed out")
}

func TestScheduler_Run_SkipsAlreadyCompletedItemsOnResume(t *testing.T) {
	items := []Item{
		{ID: "done", Index: 0, Input: "a", Expected: "a"},
		{ID: "fresh", Index: 1, Input: "b", Expected: "b"},
	}

	params := newTestParams(t, items)
	params.Resume = &checkpoint.Resume{
		Completed: map[string]bool{"done": true},
		Errored:   map[string]bool{},
		Rows: []checkpoint.Row{
			{ItemID: "done", Output: "a"},
		},
	}

	var invoked int

	params.Task = adapter.PlainTaskFunc(func(_ context.Context, in adapter.Invocation) (adapter.Output, error) {
		invoked++
		return adapter.Output{Value: in.Input}, nil
	})

	sched := New(metric.NewRunner(nil))
	result, err := sched.Run(context.Background(), params)

	require.NoError(t, err)
	assert.Equal(t, 1, invoked, "only the unresolved item should be invoked")
	assert.Equal(t, 2, result.Completed, "the resumed item counts toward the final tally via seeding")

	snap := params.Observer.GetSnapshot()
	assert.Equal(t, progress.StatusCompleted, snap.Items[0].Status)
	assert.Equal(t, progress.StatusCompleted, snap.Items[1].Status)
}

func TestScheduler_Run_ContextCanceledStopsIssuingNewItems(t *testing.T) {
	items := []Item{
		{ID: "1", Index: 0, Input: "a"},
		{ID: "2", Index: 1, Input: "b"},
	}

	params := newTestParams(t, items)
	params.Task = slowTask{delay: 200 * time.Millisecond}
	params.MaxConcurrency = 1

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	sched := New(metric.NewRunner(nil))
	_, err := sched.Run(ctx, params)

	assert.ErrorIs(t, err, context.Canceled)
}

func TestScheduler_Run_RespectsMetricConcurrencyCap(t *testing.T) {
	items := []Item{{ID: "1", Index: 0, Input: "a", Expected: "a"}}

	params := newTestParams(t, items)
	params.MaxMetricConcurrency = 1
	params.Metrics = []metric.Metric{exactMatch(), metric.UnaryMetric{
		MetricName: "length",
		Fn: func(out any) any {
			s, _ := out.(string)
			return float64(len(s))
		},
	}}

	sched := New(metric.NewRunner(nil))
	result, err := sched.Run(context.Background(), params)

	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)
}
