// Package queue moves accepted decisions to the execution engine: a Kafka
// topic carries execute requests (at-least-once; permit idempotency absorbs
// duplicates), a consumer drives the engine, and an S3 archiver stores the
// canonical record of each executed decision.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

// ExecuteRequest is the message enqueued once per approved decision.
type ExecuteRequest struct {
	DecisionID string    `json:"decisionId"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// Enqueuer hands an accepted decision to the execution pipeline. Delivery is
// at-least-once; consumers must be idempotent.
type Enqueuer interface {
	EnqueueExecution(ctx context.Context, decisionID string) error
}

// KafkaProducerConfig contains configurable parameters for the Kafka producer.
type KafkaProducerConfig struct {
	// Brokers is the list of Kafka broker addresses (host:port).
	Brokers []string

	// Topic is the topic execute requests are written to.
	Topic string

	// MaxAttempts is how many times the producer will retry a produce on
	// transient error. Defaults to 3 if <= 0.
	MaxAttempts int

	// WriteTimeout is the per-attempt timeout for write operations.
	// Defaults to 10s if zero.
	WriteTimeout time.Duration
}

// KafkaProducer is a lightweight wrapper over segmentio/kafka-go Writer with
// produce-with-retries behavior. Keying by decision id keeps requests for the
// same decision on one partition.
type KafkaProducer struct {
	writer      *kafka.Writer
	maxAttempts int
}

// NewKafkaProducer constructs a KafkaProducer.
func NewKafkaProducer(cfg KafkaProducerConfig) (*KafkaProducer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka: at least one broker required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka: topic required")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	w := kafka.NewWriter(kafka.WriterConfig{
		Brokers:      cfg.Brokers,
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 10 * time.Millisecond,
		WriteTimeout: cfg.WriteTimeout,
		Async:        false,
	})

	return &KafkaProducer{writer: w, maxAttempts: cfg.MaxAttempts}, nil
}

// EnqueueExecution produces one ExecuteRequest, retrying transient failures
// with capped exponential backoff.
func (p *KafkaProducer) EnqueueExecution(ctx context.Context, decisionID string) error {
	value, err := json.Marshal(ExecuteRequest{
		DecisionID: decisionID,
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal execute request: %w", err)
	}

	var lastErr error
	backoff := 100 * time.Millisecond
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		msg := kafka.Message{
			Key:   []byte(decisionID),
			Value: value,
			Time:  time.Now().UTC(),
		}
		ctxAttempt, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := p.writer.WriteMessages(ctxAttempt, msg)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
		time.Sleep(backoff)
		if backoff < 2*time.Second {
			backoff *= 2
		}
	}
	return fmt.Errorf("enqueue failed after %d attempts: %w", p.maxAttempts, lastErr)
}

// Close shuts down the underlying writer and releases resources.
func (p *KafkaProducer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

// DirectEnqueuer executes decisions in-process, for deployments without
// Kafka. It preserves the asynchronous contract of the submission boundary.
type DirectEnqueuer struct {
	exec Executor
}

// NewDirectEnqueuer wraps an executor for in-process dispatch.
func NewDirectEnqueuer(exec Executor) *DirectEnqueuer {
	return &DirectEnqueuer{exec: exec}
}

// EnqueueExecution runs the execution on a fresh goroutine. Failures are
// logged; the engine's recorded result remains the source of truth.
func (d *DirectEnqueuer) EnqueueExecution(ctx context.Context, decisionID string) error {
	go func() {
		if _, err := d.exec.ExecuteDecision(context.Background(), decisionID); err != nil {
			log.Printf("[queue.direct] execute %s: %v", decisionID, err)
		}
	}()
	return nil
}
