package metric

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunner_Run_ScoresUnderProbe(t *testing.T) {
	runner := NewRunner(nil)

	m := BinaryMetric{
		MetricName: "exact_match",
		Fn: func(out, expected any) any {
			return out == expected
		},
	}

	score := runner.Run(context.Background(), m, "a", "a", nil)

	require.NotNil(t, score.Numeric)
	assert.Equal(t, 1.0, *score.Numeric)
}

func TestRunner_Run_IsolatesPanicPerMetric(t *testing.T) {
	runner := NewRunner(nil)

	m := UnaryMetric{
		MetricName: "panics",
		Fn: func(_ any) any {
			panic("metric exploded")
		},
	}

	score := runner.Run(context.Background(), m, "x", nil, nil)

	require.NotNil(t, score.Numeric)
	assert.Equal(t, 0.0, *score.Numeric)
	assert.Contains(t, score.Meta["error"], "metric exploded")
}
