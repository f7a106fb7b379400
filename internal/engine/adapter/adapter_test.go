package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qym-eval/qym/internal/engine/workpool"
)

func TestPlainTaskFunc_Invoke(t *testing.T) {
	task := PlainTaskFunc(func(_ context.Context, in Invocation) (Output, error) {
		return Output{Value: in.Input}, nil
	})

	out, err := task.Invoke(context.Background(), Invocation{Input: "hello"})

	require.NoError(t, err)
	assert.Equal(t, "hello", out.Value)
}

func TestSyncTaskFunc_Invoke_RunsOnPool(t *testing.T) {
	pool := workpool.New(1)
	defer pool.Close()

	task := SyncTaskFunc{
		Name: "test-task",
		Fn: func(_ context.Context, in Invocation, hooks *TaskHooks) (Output, error) {
			assert.Nil(t, hooks, "hooks should be nil when WantsHooks is false")

			return Output{Value: in.Input}, nil
		},
		Pool: pool,
	}

	out, err := task.Invoke(context.Background(), Invocation{Input: 42})

	require.NoError(t, err)
	assert.Equal(t, 42, out.Value)
}

func TestSyncTaskFunc_Invoke_PassesHooksWhenRequested(t *testing.T) {
	pool := workpool.New(1)
	defer pool.Close()

	task := SyncTaskFunc{
		Name:       "test-task",
		WantsHooks: true,
		Fn: func(_ context.Context, in Invocation, hooks *TaskHooks) (Output, error) {
			require.NotNil(t, hooks)
			assert.Equal(t, in.TraceID, hooks.TraceID)

			return Output{}, nil
		},
		Pool: pool,
	}

	_, err := task.Invoke(context.Background(), Invocation{TraceID: "trace-123"})
	require.NoError(t, err)
}

func TestSyncTaskFunc_Invoke_PropagatesError(t *testing.T) {
	pool := workpool.New(1)
	defer pool.Close()

	wantErr := errors.New("boom")

	task := SyncTaskFunc{
		Name: "failing-task",
		Fn: func(_ context.Context, _ Invocation, _ *TaskHooks) (Output, error) {
			return Output{}, wantErr
		},
		Pool: pool,
	}

	_, err := task.Invoke(context.Background(), Invocation{})
	assert.ErrorIs(t, err, wantErr)
}

func TestSyncTaskFunc_Invoke_WatchedByProbe(t *testing.T) {
	pool := workpool.New(1)
	defer pool.Close()

	probe := NewBlockingProbe(nil)

	var called bool

	task := SyncTaskFunc{
		Name: "probed-task",
		Fn: func(_ context.Context, _ Invocation, _ *TaskHooks) (Output, error) {
			called = true

			return Output{Value: "ok"}, nil
		},
		Pool:  pool,
		Probe: probe,
	}

	out, err := task.Invoke(context.Background(), Invocation{})

	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, "ok", out.Value)
}

func TestGraphTask_Invoke(t *testing.T) {
	task := GraphTask{
		Name: "graph",
		RunFn: func(_ context.Context, in Invocation) (Output, error) {
			return Output{Value: in.Input, TraceID: "trace"}, nil
		},
	}

	out, err := task.Invoke(context.Background(), Invocation{Input: "payload"})

	require.NoError(t, err)
	assert.Equal(t, "payload", out.Value)
	assert.Equal(t, "trace", out.TraceID)
}
