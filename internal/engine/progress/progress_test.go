package progress

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTracker_StartAndCompleteItem(t *testing.T) {
	tr := NewTracker(2)

	tr.Seed(0, "input-0", "expected-0")
	tr.StartItem(0)
	tr.UpdateOutput(0, "out-0")
	tr.CompleteItem(0)

	snap := tr.GetSnapshot()

	require.Len(t, snap.Items, 2)
	assert.Equal(t, StatusCompleted, snap.Items[0].Status)
	assert.Equal(t, "out-0", snap.Items[0].Output)
	assert.Equal(t, "input-0", snap.Items[0].Input)
	assert.Equal(t, StatusPending, snap.Items[1].Status)
	assert.Equal(t, 1, snap.Completed)
	assert.Equal(t, 1.0, snap.SuccessRate)
}

func TestTracker_FailItem_RecordsError(t *testing.T) {
	tr := NewTracker(1)

	tr.StartItem(0)
	tr.FailItem(0, errors.New("task exploded"))

	snap := tr.GetSnapshot()

	assert.Equal(t, StatusError, snap.Items[0].Status)
	assert.Equal(t, "task exploded", snap.Items[0].Error)
	assert.Equal(t, 1, snap.Errored)
	assert.Equal(t, 0.0, snap.SuccessRate)
}

func TestTracker_FailItemTimeout_FormatsDuration(t *testing.T) {
	tr := NewTracker(1)

	tr.StartItem(0)
	tr.FailItemTimeout(0, 5*time.Second)

	snap := tr.GetSnapshot()

	assert.Equal(t, StatusError, snap.Items[0].Status)
	assert.Contains(t, snap.Items[0].Error, "5s")
}

func TestTracker_Metrics_ComputingThenScoredThenError(t *testing.T) {
	tr := NewTracker(1)

	tr.SetMetricComputing(0, "exact_match")

	snapMid := tr.GetSnapshot()
	assert.True(t, snapMid.Items[0].Metrics["exact_match"].Computing)

	tr.UpdateMetric(0, "exact_match", 1.0, map[string]any{"note": "matched"})

	snapDone := tr.GetSnapshot()
	assert.False(t, snapDone.Items[0].Metrics["exact_match"].Computing)
	assert.Equal(t, "1.000", snapDone.Items[0].Metrics["exact_match"].Display)
	assert.Equal(t, "matched", snapDone.Items[0].Metrics["exact_match"].Meta["note"])

	tr.SetMetricError(0, "exact_match")

	snapErr := tr.GetSnapshot()
	assert.True(t, snapErr.Items[0].Metrics["exact_match"].Errored)
}

func TestTracker_UpdateTraceInfo_LeavesUnsetFieldsAlone(t *testing.T) {
	tr := NewTracker(1)

	traceID := "trace-1"
	tr.UpdateTraceInfo(0, &traceID, nil)

	traceURL := "https://trace.example/1"
	tr.UpdateTraceInfo(0, nil, &traceURL)

	snap := tr.GetSnapshot()
	assert.Equal(t, "trace-1", snap.Items[0].TraceID)
	assert.Equal(t, "https://trace.example/1", snap.Items[0].TraceURL)
}

func TestTracker_OutOfRangeIndex_NoPanic(t *testing.T) {
	tr := NewTracker(1)

	assert.NotPanics(t, func() {
		tr.StartItem(5)
		tr.UpdateOutput(-1, "x")
		tr.CompleteItem(99)
	})
}

func TestFlattenMeta_FlattensOneLevel(t *testing.T) {
	meta := map[string]any{
		"top":    "value",
		"nested": map[string]any{"a": 1.0, "b": true},
	}

	flat := flattenMeta(meta)

	assert.Equal(t, "value", flat["top"])
	assert.Equal(t, "1.000", flat["nested_a"])
	assert.Equal(t, "✓", flat["nested_b"])
}

func TestStringify_Variants(t *testing.T) {
	assert.Equal(t, "", stringify(nil))
	assert.Equal(t, "✓", stringify(true))
	assert.Equal(t, "✗", stringify(false))
	assert.Equal(t, "3.142", stringify(3.14159))
	assert.Equal(t, "hi", stringify("hi"))
}
