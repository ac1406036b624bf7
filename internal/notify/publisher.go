package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/guardianvault/recoveryd/internal/model"
)

const (
	// StreamKey is the Redis stream of committed account events.
	StreamKey = "stream:recovery_events"

	// DeadLetterStreamKey receives events that could not be delivered.
	DeadLetterStreamKey = "stream:recovery_events:dlq"

	// RetryKey is the sorted set of deliveries waiting for their next
	// attempt, scored by due time in unix milliseconds.
	RetryKey = "notify:retry"

	// MaxStreamLen is the approximate max length of the stream.
	MaxStreamLen = 100000
)

// Publisher appends events to the notification stream.
type Publisher struct {
	redis  *redis.Client
	logger *slog.Logger
}

// NewPublisher creates a new event publisher.
func NewPublisher(client *redis.Client, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		redis:  client,
		logger: logger.With("component", "notify.publisher"),
	}
}

// Publish appends events in one round trip.
func (p *Publisher) Publish(ctx context.Context, events ...model.Event) error {
	if len(events) == 0 {
		return nil
	}

	payloads := make([]string, 0, len(events))
	for _, e := range events {
		data, err := json.Marshal(e)
		if err != nil {
			return fmt.Errorf("marshal event %s: %w", e.ID, err)
		}
		payloads = append(payloads, string(data))
	}

	_, err := p.redis.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, payload := range payloads {
			pipe.XAdd(ctx, streamArgs(StreamKey, payload, 0))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}

	p.logger.Debug("events published", "count", len(events))
	return nil
}

func streamArgs(stream, payload string, attempt int) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: stream,
		MaxLen: MaxStreamLen,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"payload": payload,
			"attempt": attempt,
		},
	}
}
