// Package eventstream durably-best-effort delivers run events from the
// engine to the platform over HTTP/NDJSON, without ever blocking the
// scheduler that produces them.
package eventstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/qym-eval/qym/internal/eventschema"
)

// Config configures a Stream's destination and flush/retry behavior.
type Config struct {
	BaseURL string
	APIKey  string
	RunID   string

	HTTPClient *http.Client
	Logger     *slog.Logger

	FlushBatchSize int
	FlushInterval  time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
}

func (c Config) withDefaults() Config {
	if c.FlushBatchSize <= 0 {
		c.FlushBatchSize = 5
	}

	if c.FlushInterval <= 0 {
		c.FlushInterval = 250 * time.Millisecond
	}

	if c.MaxRetries <= 0 {
		c.MaxRetries = 10
	}

	if c.RetryDelay <= 0 {
		c.RetryDelay = 500 * time.Millisecond
	}

	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	if c.Logger == nil {
		c.Logger = slog.Default()
	}

	return c
}

// Stats reports Stream's background-lane health for observability.
type Stats struct {
	QueueDepth     int
	DroppedBatches int64
}

// Stream batches and ships events for one run. The background lane is
// non-daemon: Close drains whatever remains before returning, so process
// exit never silently loses queued events.
type Stream struct {
	cfg Config

	mu    sync.Mutex
	queue []eventschema.Envelope

	seqMu sync.Mutex
	seq   int64

	dropped int64

	done chan struct{}
	wg   sync.WaitGroup
}

// NewStream constructs a Stream and starts its background flusher
// goroutine.
func NewStream(cfg Config) *Stream {
	s := &Stream{cfg: cfg.withDefaults(), done: make(chan struct{})}

	s.wg.Add(1)

	go s.loop()

	return s
}

func (s *Stream) nextSequence() int64 {
	s.seqMu.Lock()
	defer s.seqMu.Unlock()

	s.seq++

	return s.seq
}

func (s *Stream) build(typ eventschema.Type, payload any) (eventschema.Envelope, error) {
	return eventschema.NewEnvelope(uuid.NewString(), s.nextSequence(), time.Now().UTC(), typ, s.cfg.RunID, payload)
}

// Emit enqueues an event on the background lane without blocking the
// caller; the flusher goroutine ships it on its own schedule.
func (s *Stream) Emit(typ eventschema.Type, payload any) error {
	env, err := s.build(typ, payload)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.queue = append(s.queue, env)
	s.mu.Unlock()

	return nil
}

// EmitSync builds and ships a single-event batch inline, retrying up to 3
// times. Reserved for run_completed, so the terminal transition is
// observed by the platform even if the engine exits immediately after.
func (s *Stream) EmitSync(ctx context.Context, typ eventschema.Type, payload any) error {
	env, err := s.build(typ, payload)
	if err != nil {
		return err
	}

	return s.sendWithRetry(ctx, []eventschema.Envelope{env}, 3)
}

// loop drains the queue on a 100ms poll, flushing whenever it has
// accumulated FlushBatchSize events or FlushInterval has elapsed since the
// last flush, whichever comes first.
func (s *Stream) loop() {
	defer s.wg.Done()

	lastFlush := time.Now()

	for {
		select {
		case <-s.done:
			s.flush(context.Background())

			return
		case <-time.After(100 * time.Millisecond):
		}

		s.mu.Lock()
		depth := len(s.queue)
		s.mu.Unlock()

		if depth == 0 {
			continue
		}

		if depth >= s.cfg.FlushBatchSize || time.Since(lastFlush) >= s.cfg.FlushInterval {
			s.flush(context.Background())
			lastFlush = time.Now()
		}
	}
}

func (s *Stream) flush(ctx context.Context) {
	s.mu.Lock()
	if len(s.queue) == 0 {
		s.mu.Unlock()

		return
	}

	batch := s.queue
	s.queue = nil
	s.mu.Unlock()

	if err := s.sendWithRetry(ctx, batch, s.cfg.MaxRetries); err != nil {
		atomic.AddInt64(&s.dropped, 1)
		s.cfg.Logger.Warn("dropping event batch after exhausting retries",
			slog.String("run_id", s.cfg.RunID), slog.Int("batch_size", len(batch)), slog.String("error", err.Error()))
	}
}

func (s *Stream) sendWithRetry(ctx context.Context, batch []eventschema.Envelope, maxRetries int) error {
	var lastErr error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(s.cfg.RetryDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if err := s.post(ctx, batch); err != nil {
			lastErr = err

			continue
		}

		return nil
	}

	return lastErr
}

func (s *Stream) post(ctx context.Context, batch []eventschema.Envelope) error {
	var buf bytes.Buffer

	enc := json.NewEncoder(&buf)
	for _, e := range batch {
		if err := enc.Encode(e); err != nil {
			return fmt.Errorf("eventstream: encode envelope: %w", err)
		}
	}

	url := strings.TrimRight(s.cfg.BaseURL, "/") + "/v1/runs/" + s.cfg.RunID + "/events"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &buf)
	if err != nil {
		return fmt.Errorf("eventstream: build request: %w", err)
	}

	req.Header.Set("Content-Type", "application/x-ndjson")
	req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("eventstream: post batch: %w", err)
	}

	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("eventstream: platform returned status %d", resp.StatusCode)
	}

	return nil
}

// Close signals the flusher goroutine to drain and flush once more, and
// waits for it to exit or ctx to expire.
func (s *Stream) Close(ctx context.Context) error {
	close(s.done)

	waitDone := make(chan struct{})

	go func() {
		s.wg.Wait()
		close(waitDone)
	}()

	select {
	case <-waitDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports the background lane's current queue depth and the number
// of batches dropped after exhausting retries.
func (s *Stream) Stats() Stats {
	s.mu.Lock()
	depth := len(s.queue)
	s.mu.Unlock()

	return Stats{QueueDepth: depth, DroppedBatches: atomic.LoadInt64(&s.dropped)}
}
