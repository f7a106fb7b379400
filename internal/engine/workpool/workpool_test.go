package workpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_RunsOnWorker(t *testing.T) {
	p := New(2)
	defer p.Close()

	var ran int32

	err := p.Submit(context.Background(), func() {
		atomic.AddInt32(&ran, 1)
	})

	require.NoError(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestSubmit_BlocksUntilCompletion(t *testing.T) {
	p := New(1)
	defer p.Close()

	done := make(chan struct{})

	err := p.Submit(context.Background(), func() {
		time.Sleep(20 * time.Millisecond)
		close(done)
	})

	require.NoError(t, err)

	select {
	case <-done:
	default:
		t.Fatal("Submit returned before the job finished")
	}
}

func TestSubmit_ContextCanceledBeforeHandoff(t *testing.T) {
	p := New(1)
	defer p.Close()

	blocking := make(chan struct{})

	// Occupy the single worker so the next Submit can't hand its job off,
	// forcing the ctx.Done() branch to be the only ready case.
	go func() {
		_ = p.Submit(context.Background(), func() {
			<-blocking
		})
	}()

	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := p.Submit(ctx, func() {})
	assert.ErrorIs(t, err, context.Canceled)

	close(blocking)
}

func TestNew_ZeroOrNegativeSizeDefaultsToOne(t *testing.T) {
	p := New(-3)
	defer p.Close()

	err := p.Submit(context.Background(), func() {})
	assert.NoError(t, err)
}

func TestClose_WaitsForWorkersToExit(t *testing.T) {
	p := New(3)

	var calls int32

	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(context.Background(), func() {
			atomic.AddInt32(&calls, 1)
		}))
	}

	p.Close()

	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}
