package checkpoint

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriter_WriteRow_FixesHeaderAtFirstWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.csv")

	w, err := NewWriter(path, []string{"exact_match"})
	require.NoError(t, err)

	score := 1.0
	require.NoError(t, w.WriteRow(Row{
		ItemID:         "item-1",
		Input:          "in",
		ExpectedOutput: "exp",
		Output:         "out",
		Time:           "2026-07-30T00:00:00Z",
		TraceID:        "trace-1",
		MetricScores:   map[string]*float64{"exact_match": &score},
		MetricMeta:     map[string]map[string]string{"exact_match": {"reason": "matched"}},
	}))

	// A later row's meta key is NOT discovered: header already fixed.
	other := 0.0
	require.NoError(t, w.WriteRow(Row{
		ItemID:       "item-2",
		Output:       "out-2",
		MetricScores: map[string]*float64{"exact_match": &other},
		MetricMeta:   map[string]map[string]string{"exact_match": {"reason": "mismatch", "extra": "dropped"}},
	}))

	require.NoError(t, w.Close())

	resume, err := LoadResume(path)
	require.NoError(t, err)

	require.Len(t, resume.Rows, 2)
	assert.True(t, resume.Completed["item-1"])
	assert.True(t, resume.Completed["item-2"])

	row2 := resume.Rows[1]
	assert.Equal(t, "mismatch", row2.MetricMeta["exact_match"]["reason"])
	_, hasExtra := row2.MetricMeta["exact_match"]["extra"]
	assert.False(t, hasExtra, "a meta column discovered after the header is fixed must be dropped")
}

func TestWriter_WriteRow_ErroredItemGetsErrorPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "checkpoint.csv")

	w, err := NewWriter(path, nil)
	require.NoError(t, err)

	require.NoError(t, w.WriteRow(Row{
		ItemID:  "item-1",
		Output:  "ERROR: task exploded",
		Errored: true,
	}))
	require.NoError(t, w.Close())

	resume, err := LoadResume(path)
	require.NoError(t, err)

	require.Len(t, resume.Rows, 1)
	assert.True(t, resume.Errored["item-1"])
	assert.False(t, resume.Completed["item-1"])
	assert.True(t, resume.Rows[0].Errored)
}

func TestLoadResume_MissingFile_ReturnsEmptyResume(t *testing.T) {
	resume, err := LoadResume(filepath.Join(t.TempDir(), "does-not-exist.csv"))

	require.NoError(t, err)
	assert.Empty(t, resume.Rows)
	assert.Empty(t, resume.Completed)
	assert.Empty(t, resume.Errored)
}

func TestLoadResume_EmptyFile_ReturnsEmptyResume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.csv")

	w, err := NewWriter(path, nil)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	resume, err := LoadResume(path)

	require.NoError(t, err)
	assert.Empty(t, resume.Rows)
}

func TestBuildHeader_OrdersScoreThenMetaColumns(t *testing.T) {
	header := buildHeader([]string{"exact_match", "length"}, []string{"exact_match__meta__reason"})

	assert.Equal(t, []string{
		"item_id", "input", "expected_output", "output", "time", "trace_id",
		"exact_match_score", "length_score", "exact_match__meta__reason",
	}, header)
}
