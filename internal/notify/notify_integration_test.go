//go:build integration

package notify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/guardianvault/recoveryd/internal/metrics"
	"github.com/guardianvault/recoveryd/internal/model"
	"github.com/guardianvault/recoveryd/internal/testutil"
)

func newRedis(t *testing.T) *redis.Client {
	t.Helper()
	url := testutil.IntegrationEnv(t, "TEST_REDIS_URL")
	opt, err := redis.ParseURL(url)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	client := redis.NewClient(opt)
	t.Cleanup(func() { _ = client.Close() })
	testutil.FlushRedis(t, client)
	return client
}

func testEvent(id string) model.Event {
	return model.Event{
		ID:         id,
		Type:       model.EventRecoveryInitiated,
		AccountID:  "acct-1",
		OccurredAt: time.Now().UTC(),
		Recipients: []model.Address{testutil.Addr(1)},
	}
}

func TestNotify_PublishAndDeliver(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)

	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := metrics.NewInMemory()
	w := NewWorker(client, srv.URL, "s", nil, "c1", rec)
	w.SetBlockTimeout(100 * time.Millisecond)
	if err := w.ensureConsumerGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	pub := NewPublisher(client, nil)
	if err := pub.Publish(ctx, testEvent("e1"), testEvent("e2")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := w.ProcessOnce(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if hits.Load() != 2 {
		t.Errorf("hits = %d, want 2", hits.Load())
	}
	if got := rec.Snapshot().NotificationsDelivered; got != 2 {
		t.Errorf("delivered = %d, want 2", got)
	}

	pending, err := client.XPending(ctx, StreamKey, ConsumerGroup).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Errorf("pending = %d, want 0", pending.Count)
	}
}

func TestNotify_FailureRetriesThenDeadLetters(t *testing.T) {
	ctx := context.Background()
	client := newRedis(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	rec := metrics.NewInMemory()
	w := NewWorker(client, srv.URL, "s", nil, "c1", rec)
	w.SetBlockTimeout(100 * time.Millisecond)
	w.SetMaxAttempts(2)
	clock := time.Now()
	w.now = func() time.Time { return clock }
	if err := w.ensureConsumerGroup(ctx); err != nil {
		t.Fatalf("ensure group: %v", err)
	}

	if err := NewPublisher(client, nil).Publish(ctx, testEvent("e1")); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if err := w.ProcessOnce(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}
	if n := client.ZCard(ctx, RetryKey).Val(); n != 1 {
		t.Fatalf("retry set size = %d, want 1", n)
	}

	clock = clock.Add(time.Hour)
	if err := w.ProcessOnce(ctx); err != nil {
		t.Fatalf("process: %v", err)
	}

	if n := client.ZCard(ctx, RetryKey).Val(); n != 0 {
		t.Errorf("retry set size = %d, want 0", n)
	}
	if n := client.XLen(ctx, DeadLetterStreamKey).Val(); n != 1 {
		t.Errorf("dlq length = %d, want 1", n)
	}
	snap := rec.Snapshot()
	if snap.NotificationsRetried != 1 || snap.NotificationsDead != 1 {
		t.Errorf("retried=%d dead=%d, want 1 and 1", snap.NotificationsRetried, snap.NotificationsDead)
	}
}
