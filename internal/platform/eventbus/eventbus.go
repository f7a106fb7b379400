// Package eventbus fans applied run events out to Kafka, off the HTTP
// request path: a background goroutine drains a buffered channel
// so a slow or unavailable broker never blocks event ingestion.
package eventbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/qym-eval/qym/internal/eventschema"
)

const (
	defaultQueueCapacity = 4096
	maxPublishRetries    = 10
	retryBackoff         = 200 * time.Millisecond
)

// publishBatch is one run's worth of newly-applied envelopes, queued for
// best-effort publication.
type publishBatch struct {
	runID     string
	envelopes []eventschema.Envelope
}

// Publisher fans out applied events to a Kafka topic. Implements
// ingest.EventPublisher.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
	queue  chan publishBatch
	done   chan struct{}
}

// Config configures a Publisher.
type Config struct {
	Brokers []string
	Topic   string
}

// NewPublisher starts a Publisher with a background drain goroutine. Call
// Close to stop the goroutine and flush the underlying writer.
func NewPublisher(cfg Config, logger *slog.Logger) *Publisher {
	p := &Publisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(cfg.Brokers...),
			Topic:        cfg.Topic,
			Balancer:     &kafka.Hash{}, // keeps a run's events on one partition, preserving order
			BatchTimeout: 50 * time.Millisecond,
			RequiredAcks: kafka.RequireOne,
		},
		logger: logger,
		queue:  make(chan publishBatch, defaultQueueCapacity),
		done:   make(chan struct{}),
	}

	go p.drain()

	return p
}

// Publish enqueues a batch for best-effort delivery. Never blocks the
// caller beyond acquiring queue space; if the queue is full the batch is
// dropped and logged rather than backing up the HTTP response path.
func (p *Publisher) Publish(runID string, envelopes []eventschema.Envelope) {
	select {
	case p.queue <- publishBatch{runID: runID, envelopes: envelopes}:
	default:
		p.logger.Warn("eventbus queue full, dropping batch", slog.String("run_id", runID), slog.Int("batch_size", len(envelopes)))
	}
}

// Close stops the drain goroutine and closes the underlying writer.
func (p *Publisher) Close() error {
	close(p.queue)
	<-p.done

	return p.writer.Close()
}

func (p *Publisher) drain() {
	defer close(p.done)

	for batch := range p.queue {
		p.publishWithRetry(batch)
	}
}

// publishWithRetry writes one batch's messages, retrying on failure up to
// maxPublishRetries before dropping it to cap memory and retry storms.
func (p *Publisher) publishWithRetry(batch publishBatch) {
	messages := make([]kafka.Message, 0, len(batch.envelopes))

	for _, env := range batch.envelopes {
		data, err := json.Marshal(env)
		if err != nil {
			p.logger.Error("failed to marshal event for publish", slog.String("run_id", batch.runID), slog.String("error", err.Error()))

			continue
		}

		messages = append(messages, kafka.Message{Key: []byte(batch.runID), Value: data})
	}

	if len(messages) == 0 {
		return
	}

	var lastErr error

	for attempt := 0; attempt <= maxPublishRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := p.writer.WriteMessages(ctx, messages...)
		cancel()

		if err == nil {
			return
		}

		lastErr = err

		time.Sleep(retryBackoff * time.Duration(attempt+1))
	}

	p.logger.Error("dropped event batch after exhausting retries", slog.String("run_id", batch.runID),
		slog.Int("messages", len(messages)), slog.String("error", lastErr.Error()))
}
