package eventstream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qym-eval/qym/internal/eventschema"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestStream_Emit_FlushesOnBatchSize(t *testing.T) {
	var received int32

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&received, 1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewStream(Config{
		BaseURL:        srv.URL,
		APIKey:         "test-key",
		RunID:          "run-1",
		Logger:         discardLogger(),
		FlushBatchSize: 2,
		FlushInterval:  time.Hour,
	})
	defer func() { _ = s.Close(context.Background()) }()

	require.NoError(t, s.Emit(eventschema.TypeItemStarted, eventschema.ItemStartedPayload{ItemID: "a"}))
	require.NoError(t, s.Emit(eventschema.TypeItemStarted, eventschema.ItemStartedPayload{ItemID: "b"}))

	assert.Eventually(t, func() bool {
		return atomic.LoadInt32(&received) >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestStream_EmitSync_PostsImmediately(t *testing.T) {
	bodies := make(chan []byte, 1)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		bodies <- data
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	s := NewStream(Config{BaseURL: srv.URL, APIKey: "k", RunID: "run-1", Logger: discardLogger()})
	defer func() { _ = s.Close(context.Background()) }()

	err := s.EmitSync(context.Background(), eventschema.TypeRunCompleted, eventschema.RunCompletedPayload{
		FinalStatus: eventschema.FinalStatusCompleted,
	})
	require.NoError(t, err)

	select {
	case data := <-bodies:
		var env eventschema.Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		assert.Equal(t, eventschema.TypeRunCompleted, env.Type)
		assert.Equal(t, "run-1", env.RunID)
	case <-time.After(time.Second):
		t.Fatal("platform never received the run_completed event")
	}
}

func TestStream_DropsBatchAfterExhaustingRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	s := NewStream(Config{
		BaseURL:        srv.URL,
		APIKey:         "k",
		RunID:          "run-1",
		Logger:         discardLogger(),
		FlushBatchSize: 1,
		FlushInterval:  time.Hour,
		MaxRetries:     1,
		RetryDelay:     time.Millisecond,
	})
	defer func() { _ = s.Close(context.Background()) }()

	require.NoError(t, s.Emit(eventschema.TypeItemStarted, eventschema.ItemStartedPayload{ItemID: "a"}))

	assert.Eventually(t, func() bool {
		return s.Stats().DroppedBatches >= 1
	}, time.Second, 10*time.Millisecond)
}

func TestStream_NextSequence_MonotonicPerRun(t *testing.T) {
	s := &Stream{cfg: Config{}.withDefaults(), done: make(chan struct{})}

	assert.Equal(t, int64(1), s.nextSequence())
	assert.Equal(t, int64(2), s.nextSequence())
	assert.Equal(t, int64(3), s.nextSequence())
}

func TestStream_Stats_ReportsQueueDepth(t *testing.T) {
	s := &Stream{cfg: Config{}.withDefaults(), done: make(chan struct{})}
	s.queue = append(s.queue, eventschema.Envelope{}, eventschema.Envelope{})

	stats := s.Stats()
	assert.Equal(t, 2, stats.QueueDepth)
	assert.Equal(t, int64(0), stats.DroppedBatches)
}
