package queue

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/wardenhq/warden/internal/engine"
	"github.com/wardenhq/warden/internal/ledger"
)

// fetchBackoff is the delay policy for repeated fetch failures: capped
// exponential, reset after any successful fetch.
type fetchBackoff struct {
	cur time.Duration
}

const (
	fetchBackoffBase = 250 * time.Millisecond
	fetchBackoffCap  = 5 * time.Second
)

func (b *fetchBackoff) next() time.Duration {
	switch {
	case b.cur == 0:
		b.cur = fetchBackoffBase
	case b.cur < fetchBackoffCap:
		b.cur *= 2
		if b.cur > fetchBackoffCap {
			b.cur = fetchBackoffCap
		}
	}
	return b.cur
}

func (b *fetchBackoff) reset() { b.cur = 0 }

// Executor is the engine-side surface the consumer drives.
type Executor interface {
	ExecuteDecision(ctx context.Context, decisionID string) (engine.ExecutionResult, error)
}

// ConsumerConfig configures the execute-request consumer.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Consumer reads execute requests and drives the engine. Offsets are
// committed only after ExecuteDecision returns, so a crash mid-execution
// redelivers the message; the permit gate turns redelivery into a duplicate
// short-circuit instead of a second execution.
type Consumer struct {
	reader    *kafka.Reader
	exec      Executor
	archiver  Archiver
	decisions ledger.Store
}

// NewConsumer constructs a consumer. archiver may be nil to disable S3
// archival.
func NewConsumer(cfg ConsumerConfig, exec Executor, decisions ledger.Store, archiver Archiver) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 1 << 20,
		MaxWait:  time.Second,
	})
	return &Consumer{reader: r, exec: exec, decisions: decisions, archiver: archiver}
}

// Run blocks until ctx is cancelled, processing one message at a time.
func (c *Consumer) Run(ctx context.Context) error {
	log.Printf("[queue.consumer] starting")
	defer log.Printf("[queue.consumer] stopped")
	defer func() { _ = c.reader.Close() }()

	var backoff fetchBackoff
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			// A broker outage would otherwise spin this loop; wait out the
			// backoff before fetching again.
			delay := backoff.next()
			log.Printf("[queue.consumer] fetch (retrying in %s): %v", delay, err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}
		backoff.reset()

		var req ExecuteRequest
		if err := json.Unmarshal(msg.Value, &req); err != nil || req.DecisionID == "" {
			// Malformed requests are committed and dropped; re-reading them
			// can never succeed.
			log.Printf("[queue.consumer] dropping malformed message at offset %d: %v", msg.Offset, err)
			_ = c.reader.CommitMessages(ctx, msg)
			continue
		}

		res, err := c.exec.ExecuteDecision(ctx, req.DecisionID)
		if err != nil {
			var integrity *ledger.IntegrityError
			if errors.As(err, &integrity) {
				// Fatal to the record; redelivery cannot help. Commit and
				// leave the incident in the log.
				log.Printf("[queue.consumer] INCIDENT integrity fault, not retrying: %v", err)
				_ = c.reader.CommitMessages(ctx, msg)
				continue
			}
			// Transient (store unavailable etc): do not commit; the message
			// redelivers and the permit gate keeps it single-execution.
			log.Printf("[queue.consumer] execute %s (will redeliver): %v", req.DecisionID, err)
			continue
		}

		if c.archiver != nil && !res.Duplicate && res.Status != engine.StatusNoContract {
			if d, derr := c.decisions.GetDecision(ctx, req.DecisionID); derr == nil {
				if aerr := c.archiver.ArchiveResult(ctx, d, res); aerr != nil {
					log.Printf("[queue.consumer] archive %s: %v", req.DecisionID, aerr)
				}
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			log.Printf("[queue.consumer] commit offset %d: %v", msg.Offset, err)
		}
	}
}
