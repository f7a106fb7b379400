package metric

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnaryMetric_Score(t *testing.T) {
	m := UnaryMetric{
		MetricName: "length",
		Fn: func(out any) any {
			s, _ := out.(string)
			return float64(len(s))
		},
	}

	assert.Equal(t, "length", m.Name())

	score := m.Score(context.Background(), "hello", nil, nil)
	require.NotNil(t, score.Numeric)
	assert.Equal(t, 5.0, *score.Numeric)
}

func TestBinaryMetric_Score(t *testing.T) {
	m := BinaryMetric{
		MetricName: "exact_match",
		Fn: func(out, expected any) any {
			return out == expected
		},
	}

	score := m.Score(context.Background(), "a", "a", nil)
	require.NotNil(t, score.Numeric)
	assert.Equal(t, 1.0, *score.Numeric)

	score = m.Score(context.Background(), "a", "b", nil)
	require.NotNil(t, score.Numeric)
	assert.Equal(t, 0.0, *score.Numeric)
}

func TestTernaryMetric_Score(t *testing.T) {
	m := TernaryMetric{
		MetricName: "contains_input",
		Fn: func(out, _, input any) any {
			return out == input
		},
	}

	score := m.Score(context.Background(), "x", "ignored", "x")
	require.NotNil(t, score.Numeric)
	assert.Equal(t, 1.0, *score.Numeric)
}

func TestMetric_Score_RecoversPanic(t *testing.T) {
	m := UnaryMetric{
		MetricName: "panics",
		Fn: func(_ any) any {
			panic("boom")
		},
	}

	score := m.Score(context.Background(), nil, nil, nil)

	require.NotNil(t, score.Numeric)
	assert.Equal(t, 0.0, *score.Numeric)
	assert.Contains(t, score.Meta["error"], "boom")
}

func TestNormalize_PassesThroughPrebuiltScore(t *testing.T) {
	n := 0.75
	built := Score{Numeric: &n, Meta: map[string]any{"reason": "partial"}}

	m := UnaryMetric{MetricName: "passthrough", Fn: func(_ any) any { return built }}

	score := m.Score(context.Background(), nil, nil, nil)
	assert.Equal(t, built.Meta["reason"], score.Meta["reason"])
	require.NotNil(t, score.Numeric)
	assert.Equal(t, 0.75, *score.Numeric)
}

func TestNormalize_BoolAndNilAndRaw(t *testing.T) {
	cases := []struct {
		name    string
		value   any
		numeric *float64
		raw     any
	}{
		{name: "true", value: true},
		{name: "false", value: false},
		{name: "nil", value: nil},
		{name: "raw struct", value: struct{ X int }{X: 1}},
	}

	one, zero := 1.0, 0.0
	cases[0].numeric = &one
	cases[1].numeric = &zero

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m := UnaryMetric{MetricName: "n", Fn: func(_ any) any { return tc.value }}
			score := m.Score(context.Background(), nil, nil, nil)

			if tc.numeric != nil {
				require.NotNil(t, score.Numeric)
				assert.Equal(t, *tc.numeric, *score.Numeric)
			} else if tc.name == "nil" {
				assert.Nil(t, score.Numeric)
				assert.Nil(t, score.Raw)
			} else {
				assert.Nil(t, score.Numeric)
				assert.Equal(t, tc.value, score.Raw)
			}
		})
	}
}
