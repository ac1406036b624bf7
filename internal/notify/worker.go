package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guardianvault/recoveryd/internal/metrics"
	"github.com/guardianvault/recoveryd/internal/model"
)

const (
	// ConsumerGroup is the Redis consumer group name.
	ConsumerGroup = "notify_workers"

	// DefaultBatchSize is the max events read per poll.
	DefaultBatchSize = 50

	// DefaultBlockTimeout is how long to block waiting for messages.
	DefaultBlockTimeout = 5 * time.Second

	// DefaultClaimIdle is the idle time before reclaiming pending messages.
	DefaultClaimIdle = 60 * time.Second

	// DefaultClaimInterval is how often to scan pending messages.
	DefaultClaimInterval = 30 * time.Second
)

// retryEntry is a delivery parked in the retry set.
type retryEntry struct {
	Payload string `json:"payload"`
	Attempt int    `json:"attempt"`
}

// Worker delivers stream events to the notification endpoint.
type Worker struct {
	redis       *redis.Client
	client      *http.Client
	endpoint    string
	secret      string
	logger      *slog.Logger
	metrics     metrics.Recorder
	consumerID  string
	batchSize   int
	block       time.Duration
	claimIdle   time.Duration
	claimEvery  time.Duration
	maxAttempts int
	lastClaim   time.Time
	now         func() time.Time

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewWorker creates a notification worker.
func NewWorker(client *redis.Client, endpoint, secret string, logger *slog.Logger, consumerID string, recorder metrics.Recorder) *Worker {
	if recorder == nil {
		recorder = metrics.NewNoop()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		redis:       client,
		client:      NewHTTPClient(),
		endpoint:    endpoint,
		secret:      secret,
		logger:      logger.With("component", "notify.worker", "consumer_id", consumerID),
		metrics:     recorder,
		consumerID:  consumerID,
		batchSize:   DefaultBatchSize,
		block:       DefaultBlockTimeout,
		claimIdle:   DefaultClaimIdle,
		claimEvery:  DefaultClaimInterval,
		maxAttempts: DefaultMaxAttempts,
		now:         time.Now,
	}
}

// SetHTTPClient overrides the delivery client.
func (w *Worker) SetHTTPClient(c *http.Client) {
	if c != nil {
		w.client = c
	}
}

// SetBlockTimeout overrides the default blocking timeout.
func (w *Worker) SetBlockTimeout(timeout time.Duration) {
	if timeout > 0 {
		w.block = timeout
	}
}

// SetMaxAttempts overrides how many deliveries are tried per event.
func (w *Worker) SetMaxAttempts(n int) {
	if n > 0 {
		w.maxAttempts = n
	}
}

// Run starts the worker loop. Blocks until context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.started {
		w.mu.Unlock()
		return errors.New("worker already started")
	}
	w.started = true
	w.done = make(chan struct{})
	ctx, w.cancel = context.WithCancel(ctx)
	w.mu.Unlock()

	defer close(w.done)

	if err := w.ensureConsumerGroup(ctx); err != nil {
		return fmt.Errorf("ensure consumer group: %w", err)
	}

	w.logger.Info("notify worker started", "endpoint_host", endpointHost(w.endpoint))

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("notify worker stopping")
			return nil
		default:
			if err := w.ProcessOnce(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				w.logger.Error("process error", "error", err)
				time.Sleep(time.Second)
			}
		}
	}
}

// Shutdown stops the worker after its in-flight delivery.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	cancel, done := w.cancel, w.done
	w.mu.Unlock()

	cancel()
	select {
	case <-done:
		w.logger.Info("notify worker shutdown complete")
		return nil
	case <-ctx.Done():
		w.logger.Warn("notify worker shutdown timed out")
		return ctx.Err()
	}
}

func (w *Worker) ensureConsumerGroup(ctx context.Context) error {
	err := w.redis.XGroupCreateMkStream(ctx, StreamKey, ConsumerGroup, "0").Err()
	if err != nil && !isConsumerGroupExistsError(err) {
		return err
	}
	return nil
}

// ProcessOnce requeues due retries, then delivers one batch.
func (w *Worker) ProcessOnce(ctx context.Context) error {
	if err := w.promoteDueRetries(ctx); err != nil {
		w.logger.Warn("failed to promote retries", "error", err)
	}

	messages, err := w.maybeClaimPending(ctx)
	if err != nil {
		w.logger.Warn("failed to claim pending messages", "error", err)
	}
	if len(messages) == 0 {
		messages, err = w.readBatch(ctx)
		if err != nil {
			return err
		}
	}

	for _, msg := range messages {
		w.handle(ctx, msg)
	}
	return nil
}

func (w *Worker) readBatch(ctx context.Context) ([]redis.XMessage, error) {
	streams, err := w.redis.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    ConsumerGroup,
		Consumer: w.consumerID,
		Streams:  []string{StreamKey, ">"},
		Count:    int64(w.batchSize),
		Block:    w.block,
	}).Result()
	if errors.Is(err, redis.Nil) || len(streams) == 0 {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	return streams[0].Messages, nil
}

func (w *Worker) maybeClaimPending(ctx context.Context) ([]redis.XMessage, error) {
	if !w.lastClaim.IsZero() && time.Since(w.lastClaim) < w.claimEvery {
		return nil, nil
	}
	w.lastClaim = time.Now()

	messages, _, err := w.redis.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   StreamKey,
		Group:    ConsumerGroup,
		Consumer: w.consumerID,
		MinIdle:  w.claimIdle,
		Start:    "0-0",
		Count:    int64(w.batchSize),
	}).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("xautoclaim: %w", err)
	}
	return messages, nil
}

// promoteDueRetries moves due entries from the retry set back onto the
// stream. ZREM decides which worker owns an entry.
func (w *Worker) promoteDueRetries(ctx context.Context) error {
	due, err := w.redis.ZRangeByScore(ctx, RetryKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(w.now().UnixMilli(), 10),
		Count: int64(w.batchSize),
	}).Result()
	if err != nil {
		return fmt.Errorf("zrangebyscore: %w", err)
	}

	for _, member := range due {
		removed, err := w.redis.ZRem(ctx, RetryKey, member).Result()
		if err != nil {
			return fmt.Errorf("zrem: %w", err)
		}
		if removed == 0 {
			continue
		}
		var entry retryEntry
		if err := json.Unmarshal([]byte(member), &entry); err != nil {
			w.logger.Warn("dropping malformed retry entry", "error", err)
			continue
		}
		if err := w.redis.XAdd(ctx, streamArgs(StreamKey, entry.Payload, entry.Attempt)).Err(); err != nil {
			return fmt.Errorf("xadd retry: %w", err)
		}
	}
	return nil
}

// handle delivers one message and always acks it: a failure is parked in
// the retry set or dead-lettered, never left pending.
func (w *Worker) handle(ctx context.Context, msg redis.XMessage) {
	payload, ok := msg.Values["payload"].(string)
	if !ok {
		w.deadLetter(ctx, msg.ID, "", 0, "payload field missing or not a string")
		w.ack(ctx, msg.ID)
		return
	}
	attempt := 0
	if s, ok := msg.Values["attempt"].(string); ok {
		attempt, _ = strconv.Atoi(s)
	}

	var event model.Event
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		w.deadLetter(ctx, msg.ID, payload, attempt, "unmarshal_error: "+err.Error())
		w.ack(ctx, msg.ID)
		return
	}

	err := w.deliver(ctx, event.ID, []byte(payload))
	if err == nil {
		w.metrics.IncNotificationDelivery("delivered")
		w.logger.Debug("notification delivered", "event_id", event.ID, "type", event.Type)
		w.ack(ctx, msg.ID)
		return
	}
	if errors.Is(err, context.Canceled) {
		// Left pending; another consumer reclaims it.
		return
	}

	attempt++
	if IsExhausted(attempt, w.maxAttempts) {
		w.deadLetter(ctx, msg.ID, payload, attempt, err.Error())
		w.ack(ctx, msg.ID)
		return
	}

	if err := w.scheduleRetry(ctx, payload, attempt); err != nil {
		// Not acked, so XAUTOCLAIM picks it up again.
		w.logger.Error("failed to schedule retry", "event_id", event.ID, "error", err)
		return
	}
	w.metrics.IncNotificationDelivery("retry")
	w.logger.Warn("notification delivery failed",
		"event_id", event.ID,
		"attempt", attempt,
		"error", err,
	)
	w.ack(ctx, msg.ID)
}

func (w *Worker) scheduleRetry(ctx context.Context, payload string, attempt int) error {
	member, err := json.Marshal(retryEntry{Payload: payload, Attempt: attempt})
	if err != nil {
		return err
	}
	due := w.now().Add(NextRetryDelay(attempt))
	return w.redis.ZAdd(ctx, RetryKey, redis.Z{
		Score:  float64(due.UnixMilli()),
		Member: string(member),
	}).Err()
}

// deliver POSTs one signed event.
func (w *Worker) deliver(ctx context.Context, eventID string, payload []byte) error {
	timestamp := w.now().Unix()
	signature := GenerateSignature(w.secret, timestamp, payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	setHeaders(req, signature, strconv.FormatInt(timestamp, 10), eventID)

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("endpoint returned status %d", resp.StatusCode)
	}
	return nil
}

func (w *Worker) deadLetter(ctx context.Context, id, payload string, attempt int, reason string) {
	w.logger.Warn("dead-lettering notification",
		"message_id", id,
		"attempt", attempt,
		"reason", reason,
	)

	_, err := w.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: DeadLetterStreamKey,
		MaxLen: 10000,
		Approx: true,
		ID:     "*",
		Values: map[string]interface{}{
			"original_id":      id,
			"payload":          payload,
			"attempt":          attempt,
			"reason":           reason,
			"dead_lettered_at": w.now().UTC().Format(time.RFC3339),
		},
	}).Result()
	if err != nil {
		w.logger.Error("failed to write to dead-letter queue", "message_id", id, "error", err)
	}
	w.metrics.IncNotificationDelivery("dead")
}

func (w *Worker) ack(ctx context.Context, id string) {
	if err := w.redis.XAck(ctx, StreamKey, ConsumerGroup, id).Err(); err != nil {
		w.logger.Warn("xack failed", "message_id", id, "error", err)
	}
}

// isConsumerGroupExistsError checks if the error is "BUSYGROUP" (group exists).
func isConsumerGroupExistsError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
