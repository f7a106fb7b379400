// Package metric executes one scoring function per task output, normalizes
// whatever it returns into a Score, and never lets a metric's panic escape
// to the scheduler.
package metric

import (
	"context"
	"fmt"
)

// Score is one metric's normalized result for one item.
type Score struct {
	Numeric *float64
	Raw     any
	Meta    map[string]any
}

// Metric is the shape the scheduler fans work out to, regardless of which
// arity the registered function actually declared.
type Metric interface {
	Name() string
	Score(ctx context.Context, out, expected, input any) Score
}

// UnaryMetric scores using only the task's output.
type UnaryMetric struct {
	MetricName string
	Fn         func(out any) any
}

func (m UnaryMetric) Name() string { return m.MetricName }

func (m UnaryMetric) Score(_ context.Context, out, _, _ any) Score {
	return runAndNormalize(func() any { return m.Fn(out) })
}

// BinaryMetric scores using the task's output and the expected value.
type BinaryMetric struct {
	MetricName string
	Fn         func(out, expected any) any
}

func (m BinaryMetric) Name() string { return m.MetricName }

func (m BinaryMetric) Score(_ context.Context, out, expected, _ any) Score {
	return runAndNormalize(func() any { return m.Fn(out, expected) })
}

// TernaryMetric scores using the task's output, the expected value, and the
// raw item input.
type TernaryMetric struct {
	MetricName string
	Fn         func(out, expected, input any) any
}

func (m TernaryMetric) Name() string { return m.MetricName }

func (m TernaryMetric) Score(_ context.Context, out, expected, input any) Score {
	return runAndNormalize(func() any { return m.Fn(out, expected, input) })
}

// runAndNormalize recovers a panicking metric function and normalizes
// whatever it returns (bare float64, bool, nil, or a pre-built Score) into a
// Score, so the scheduler never sees a metric-level error value.
func runAndNormalize(call func() any) (result Score) {
	defer func() {
		if r := recover(); r != nil {
			zero := 0.0
			result = Score{
				Numeric: &zero,
				Meta:    map[string]any{"error": fmt.Sprintf("%v", r)},
			}
		}
	}()

	return normalize(call())
}

func normalize(v any) Score {
	switch t := v.(type) {
	case Score:
		return t
	case float64:
		n := t
		return Score{Numeric: &n}
	case float32:
		n := float64(t)
		return Score{Numeric: &n}
	case int:
		n := float64(t)
		return Score{Numeric: &n}
	case bool:
		n := 0.0
		if t {
			n = 1.0
		}

		return Score{Numeric: &n}
	case nil:
		return Score{}
	default:
		return Score{Raw: v}
	}
}
