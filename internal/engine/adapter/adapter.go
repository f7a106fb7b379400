// Package adapter uniformly invokes a user-registered task — synchronous,
// goroutine-based, or graph-shaped — behind one Task interface, and
// diagnoses tasks that block the scheduler's own goroutine instead of
// cooperating with it.
package adapter

import (
	"context"

	"github.com/qym-eval/qym/internal/engine/workpool"
)

// Invocation is one call into a task: the dataset item's input, plus
// whatever trace context the caller already knows (empty on first call).
type Invocation struct {
	Input    any
	TraceID  string
	TraceURL string
}

// Output is a task's result: its value plus any trace info it produced.
type Output struct {
	Value    any
	TraceID  string
	TraceURL string
}

// Task is the single shape the scheduler invokes, regardless of which
// concrete kind of user task backs it.
type Task interface {
	Invoke(ctx context.Context, in Invocation) (Output, error)
}

// PlainTaskFunc adapts a bare function into a Task — the general case, used
// when the task needs neither hooks nor pool dispatch.
type PlainTaskFunc func(ctx context.Context, in Invocation) (Output, error)

func (f PlainTaskFunc) Invoke(ctx context.Context, in Invocation) (Output, error) {
	return f(ctx, in)
}

// TaskHooks is passed to a SyncTaskFunc that opted in to receiving them at
// registration time, rather than via runtime introspection Go doesn't have.
type TaskHooks struct {
	ModelName string
	TraceID   string
}

// SyncTaskFunc wraps a synchronous function that runs on the shared worker
// pool instead of the scheduler's own goroutines, so a long CPU-bound or
// syscall-blocking call never starves item/metric fan-out.
type SyncTaskFunc struct {
	Name       string
	Fn         func(ctx context.Context, in Invocation, hooks *TaskHooks) (Output, error)
	WantsHooks bool
	Pool       *workpool.Pool
	Probe      *BlockingProbe
}

func (s SyncTaskFunc) Invoke(ctx context.Context, in Invocation) (Output, error) {
	var hooks *TaskHooks
	if s.WantsHooks {
		hooks = &TaskHooks{TraceID: in.TraceID}
	}

	var (
		out Output
		err error
	)

	run := func() {
		out, err = s.Fn(ctx, in, hooks)
	}

	if s.Probe != nil {
		s.Probe.Watch(s.Name, func() {
			submitErr := s.Pool.Submit(ctx, run)
			if submitErr != nil {
				err = submitErr
			}
		})
	} else if submitErr := s.Pool.Submit(ctx, run); submitErr != nil {
		return Output{}, submitErr
	}

	return out, err
}

// GraphTask adapts an arbitrary pipeline object — the Go analogue of the
// source's invoke/arun object — into a Task via a thin closure the caller
// supplies at registration, since the pipeline's own method rarely matches
// Task's signature exactly.
type GraphTask struct {
	Name  string
	RunFn func(ctx context.Context, in Invocation) (Output, error)
}

func (g GraphTask) Invoke(ctx context.Context, in Invocation) (Output, error) {
	return g.RunFn(ctx, in)
}
