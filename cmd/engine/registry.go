package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/qym-eval/qym/internal/engine/adapter"
	"github.com/qym-eval/qym/internal/engine/metric"
)

// builtinTasks are the only tasks this binary can run on its own. Real
// tasks — calling a model, invoking a graph pipeline — are external
// collaborators registered by whatever harness embeds the engine
// packages directly; these exist so the binary is runnable end to end
// without one.
var builtinTasks = map[string]func(ctx context.Context, in adapter.Invocation) (adapter.Output, error){
	"echo": func(_ context.Context, in adapter.Invocation) (adapter.Output, error) {
		return adapter.Output{Value: in.Input}, nil
	},
	"uppercase": func(_ context.Context, in adapter.Invocation) (adapter.Output, error) {
		s, ok := in.Input.(string)
		if !ok {
			return adapter.Output{}, fmt.Errorf("uppercase: input must be a string, got %T", in.Input)
		}

		return adapter.Output{Value: strings.ToUpper(s)}, nil
	},
}

// builtinMetrics are the only metrics this binary can score with on its
// own, following the same placeholder rationale as builtinTasks.
var builtinMetrics = map[string]metric.Metric{
	"exact_match": metric.BinaryMetric{
		MetricName: "exact_match",
		Fn: func(out, expected any) any {
			return fmt.Sprint(out) == fmt.Sprint(expected)
		},
	},
	"output_length": metric.UnaryMetric{
		MetricName: "output_length",
		Fn: func(out any) any {
			return float64(len(fmt.Sprint(out)))
		},
	},
}
