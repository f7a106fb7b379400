// Package scheduler is the evaluation engine's coordinator: one goroutine
// per run that issues items in dataset order under a bounded concurrency
// cap, fans metric computation out per item under a second cap, and keeps
// the progress tracker, checkpoint writer, and event stream all
// consistent with what actually happened.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/qym-eval/qym/internal/engine/adapter"
	"github.com/qym-eval/qym/internal/engine/checkpoint"
	"github.com/qym-eval/qym/internal/engine/eventstream"
	"github.com/qym-eval/qym/internal/engine/metric"
	"github.com/qym-eval/qym/internal/engine/progress"
	"github.com/qym-eval/qym/internal/eventschema"
)

// Item is one dataset row: a stable id, its zero-based display index, the
// task input, and whatever expected output/metadata the dataset carries.
type Item struct {
	ID       string
	Index    int
	Input    any
	Expected any
	Metadata map[string]any
}

// RunParams is everything the scheduler needs to drive one run to
// completion.
type RunParams struct {
	RunID   string
	Task    adapter.Task
	Metrics []metric.Metric

	Items    []Item
	Observer progress.Observer

	Checkpoint *checkpoint.Writer
	Resume     *checkpoint.Resume
	Stream     *eventstream.Stream

	MaxConcurrency       int
	MaxMetricConcurrency int
	ItemTimeout          time.Duration
}

// Result is the run's outcome once every issued item has settled.
type Result struct {
	TotalItems  int
	Completed   int
	Errored     int
	FinalStatus string
}

// ErrCheckpointWrite is returned (wrapped) when a checkpoint write fails —
// a data-integrity guarantee the scheduler treats as fatal to the run.
var ErrCheckpointWrite = errors.New("scheduler: checkpoint write failed")

// Scheduler runs evaluation runs. It holds no per-run state itself; all
// per-run state lives in RunParams and the coordinator goroutine's own
// locals, so one Scheduler can drive many runs (sequentially or
// concurrently) without interference.
type Scheduler struct {
	logger metricRunner
}

// metricRunner is the subset of *metric.Runner the scheduler calls,
// declared locally so scheduler doesn't need to import log/slog just to
// construct one.
type metricRunner interface {
	Run(ctx context.Context, m metric.Metric, out, expected, input any) metric.Score
}

// New constructs a Scheduler. runner executes each metric under its own
// blocking-probe watchdog.
func New(runner *metric.Runner) *Scheduler {
	return &Scheduler{logger: runner}
}

// Run drives p's items to completion, returning once every non-skipped
// item has either completed or errored, or ctx is canceled.
func (s *Scheduler) Run(ctx context.Context, p RunParams) (*Result, error) {
	maxConcurrency := p.MaxConcurrency
	if maxConcurrency <= 0 {
		maxConcurrency = 10
	}

	maxMetricConcurrency := p.MaxMetricConcurrency
	if maxMetricConcurrency <= 0 {
		maxMetricConcurrency = 5
	}

	s.seedResume(p)

	itemSem := make(chan struct{}, maxConcurrency)
	metricSem := make(chan struct{}, maxMetricConcurrency)

	var (
		wg                 sync.WaitGroup
		mu                 sync.Mutex
		completed, errored int
		firstCheckpointErr error
	)

	if p.Resume != nil {
		completed = len(p.Resume.Completed)
		errored = len(p.Resume.Errored)
	}

	for _, item := range p.Items {
		if s.shouldSkip(p, item.ID) {
			continue
		}

		if ctx.Err() != nil {
			wg.Wait()

			return s.finalize(ctx, p, completed, errored), ctx.Err()
		}

		select {
		case itemSem <- struct{}{}:
		case <-ctx.Done():
			wg.Wait()

			return s.finalize(ctx, p, completed, errored), ctx.Err()
		}

		wg.Add(1)

		go func(it Item) {
			defer wg.Done()
			defer func() { <-itemSem }()

			ok, ckptErr := s.runItem(ctx, p, it, metricSem)

			mu.Lock()
			defer mu.Unlock()

			if ok {
				completed++
			} else {
				errored++
			}

			if ckptErr != nil && firstCheckpointErr == nil {
				firstCheckpointErr = ckptErr
			}
		}(item)
	}

	wg.Wait()

	if firstCheckpointErr != nil {
		return s.finalize(ctx, p, completed, errored), fmt.Errorf("%w: %w", ErrCheckpointWrite, firstCheckpointErr)
	}

	return s.finalize(ctx, p, completed, errored), nil
}

func (s *Scheduler) shouldSkip(p RunParams, itemID string) bool {
	if p.Resume == nil {
		return false
	}

	return p.Resume.Completed[itemID] || p.Resume.Errored[itemID]
}

// seedResume feeds checkpoint rows from a prior attempt back into the
// observer so the UI shows full run history immediately, without the event
// stream being replayed (the platform already has those events, if they
// were ever sent).
func (s *Scheduler) seedResume(p RunParams) {
	if p.Resume == nil || p.Observer == nil {
		return
	}

	indexByID := make(map[string]int, len(p.Items))
	for _, it := range p.Items {
		indexByID[it.ID] = it.Index
	}

	for _, row := range p.Resume.Rows {
		index, ok := indexByID[row.ItemID]
		if !ok {
			continue
		}

		p.Observer.StartItem(index)
		p.Observer.UpdateOutput(index, row.Output)

		if row.TraceID != "" {
			traceID := row.TraceID
			p.Observer.UpdateTraceInfo(index, &traceID, nil)
		}

		for metricName, score := range row.MetricScores {
			var numeric any
			if score != nil {
				numeric = *score
			}

			meta := make(map[string]any, len(row.MetricMeta[metricName]))
			for k, v := range row.MetricMeta[metricName] {
				meta[k] = v
			}

			p.Observer.UpdateMetric(index, metricName, numeric, meta)
		}

		if row.Errored {
			p.Observer.FailItem(index, errors.New(row.Output))
		} else {
			p.Observer.CompleteItem(index)
		}
	}
}

// runItem drives one item through its full lifecycle, returning whether it
// completed successfully and any fatal checkpoint-write error.
func (s *Scheduler) runItem(ctx context.Context, p RunParams, item Item, metricSem chan struct{}) (bool, error) {
	p.Observer.StartItem(item.Index)

	if p.Stream != nil {
		_ = p.Stream.Emit(eventschema.TypeItemStarted, eventschema.ItemStartedPayload{
			ItemID:       item.ID,
			Index:        item.Index,
			Input:        item.Input,
			Expected:     item.Expected,
			ItemMetadata: item.Metadata,
		})
	}

	itemCtx := ctx

	var cancel context.CancelFunc

	if p.ItemTimeout > 0 {
		itemCtx, cancel = context.WithTimeout(ctx, p.ItemTimeout)
		defer cancel()
	}

	start := time.Now()
	out, err := p.Task.Invoke(itemCtx, adapter.Invocation{Input: item.Input})
	latency := time.Since(start)

	if err != nil {
		return s.failItem(p, item, itemCtx, err)
	}

	p.Observer.UpdateOutput(item.Index, out.Value)

	if out.TraceID != "" || out.TraceURL != "" {
		p.Observer.UpdateTraceInfo(item.Index, strPtrOrNil(out.TraceID), strPtrOrNil(out.TraceURL))
	}

	scores := s.runMetrics(ctx, p, item, out, metricSem)

	p.Observer.CompleteItem(item.Index)

	if p.Stream != nil {
		_ = p.Stream.Emit(eventschema.TypeItemComplete, eventschema.ItemCompletedPayload{
			ItemID:    item.ID,
			Output:    out.Value,
			LatencyMs: float64(latency.Milliseconds()),
			TraceID:   out.TraceID,
			TraceURL:  out.TraceURL,
		})
	}

	var ckptErr error

	if p.Checkpoint != nil {
		ckptErr = p.Checkpoint.WriteRow(checkpoint.Row{
			ItemID:         item.ID,
			Input:          fmt.Sprint(item.Input),
			ExpectedOutput: fmt.Sprint(item.Expected),
			Output:         fmt.Sprint(out.Value),
			Time:           start.UTC().Format(time.RFC3339),
			TraceID:        out.TraceID,
			MetricScores:   scores.scores,
			MetricMeta:     scores.meta,
		})
	}

	return true, ckptErr
}

func (s *Scheduler) failItem(p RunParams, item Item, itemCtx context.Context, err error) (bool, error) {
	timedOut := errors.Is(itemCtx.Err(), context.DeadlineExceeded)

	if timedOut {
		p.Observer.FailItemTimeout(item.Index, p.ItemTimeout)
	} else {
		p.Observer.FailItem(item.Index, err)
	}

	if p.Stream != nil {
		_ = p.Stream.Emit(eventschema.TypeItemFailed, eventschema.ItemFailedPayload{
			ItemID: item.ID,
			Error:  err.Error(),
		})
	}

	var ckptErr error

	if p.Checkpoint != nil {
		ckptErr = p.Checkpoint.WriteRow(checkpoint.Row{
			ItemID:  item.ID,
			Input:   fmt.Sprint(item.Input),
			Output:  "ERROR: " + err.Error(),
			Time:    time.Now().UTC().Format(time.RFC3339),
			Errored: true,
		})
	}

	return false, ckptErr
}

type metricResults struct {
	scores map[string]*float64
	meta   map[string]map[string]string
}

// runMetrics fans every registered metric out onto its own goroutine,
// bounded by metricSem (shared across every item in the run), and blocks
// until they have all settled.
func (s *Scheduler) runMetrics(ctx context.Context, p RunParams, item Item, out adapter.Output, metricSem chan struct{}) metricResults {
	results := metricResults{scores: map[string]*float64{}, meta: map[string]map[string]string{}}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
	)

	for _, m := range p.Metrics {
		wg.Add(1)

		go func(m metric.Metric) {
			defer wg.Done()

			select {
			case metricSem <- struct{}{}:
			case <-ctx.Done():
				return
			}

			defer func() { <-metricSem }()

			p.Observer.SetMetricComputing(item.Index, m.Name())

			score := s.logger.Run(ctx, m, out.Value, item.Expected, item.Input)

			mu.Lock()
			results.scores[m.Name()] = score.Numeric
			results.meta[m.Name()] = stringifyMeta(score.Meta)
			mu.Unlock()

			if _, isErr := score.Meta["error"]; isErr {
				p.Observer.SetMetricError(item.Index, m.Name())
			} else {
				var value any
				if score.Numeric != nil {
					value = *score.Numeric
				} else {
					value = score.Raw
				}

				p.Observer.UpdateMetric(item.Index, m.Name(), value, score.Meta)
			}

			if p.Stream != nil {
				_ = p.Stream.Emit(eventschema.TypeMetricScored, eventschema.MetricScoredPayload{
					ItemID:     item.ID,
					MetricName: m.Name(),
					ScoreNum:   score.Numeric,
					ScoreRaw:   score.Raw,
					Meta:       score.Meta,
				})
			}
		}(m)
	}

	wg.Wait()

	return results
}

func stringifyMeta(meta map[string]any) map[string]string {
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		out[k] = fmt.Sprint(v)
	}

	return out
}

func strPtrOrNil(s string) *string {
	if s == "" {
		return nil
	}

	return &s
}

// finalize builds the run's result and, if a stream is configured, emits
// run_completed synchronously so the platform observes the terminal
// transition even if the engine process exits right after.
func (s *Scheduler) finalize(ctx context.Context, p RunParams, completed, errored int) *Result {
	finalStatus := eventschema.FinalStatusCompleted
	if ctx.Err() != nil {
		finalStatus = eventschema.FinalStatusFailed
	}

	result := &Result{
		TotalItems:  len(p.Items),
		Completed:   completed,
		Errored:     errored,
		FinalStatus: finalStatus,
	}

	if p.Stream != nil {
		var successRate float64
		if done := completed + errored; done > 0 {
			successRate = float64(completed) / float64(done)
		}

		_ = p.Stream.EmitSync(context.Background(), eventschema.TypeRunCompleted, eventschema.RunCompletedPayload{
			EndedAt: time.Now().UTC(),
			Summary: map[string]any{
				"total_items":  result.TotalItems,
				"completed":    completed,
				"errored":      errored,
				"success_rate": successRate,
			},
			FinalStatus: finalStatus,
		})
	}

	return result
}
