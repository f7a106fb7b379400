package metric

import (
	"context"
	"log/slog"

	"github.com/qym-eval/qym/internal/engine/adapter"
)

// Runner executes a Metric under the same heartbeat-probe technique the
// task adapter uses, deduplicated by the metric's registered name rather
// than the task's.
type Runner struct {
	probe *adapter.BlockingProbe
}

// NewRunner constructs a Runner that logs blocking warnings via logger.
func NewRunner(logger *slog.Logger) *Runner {
	return &Runner{probe: adapter.NewBlockingProbe(logger)}
}

// Run scores out/expected/input with m, watching for scheduler-blocking
// behavior in m's own function.
func (r *Runner) Run(ctx context.Context, m Metric, out, expected, input any) Score {
	var score Score

	r.probe.Watch(m.Name(), func() {
		score = m.Score(ctx, out, expected, input)
	})

	return score
}
