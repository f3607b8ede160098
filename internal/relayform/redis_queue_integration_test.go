package relayform

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"
)

func TestRedisIntegrationSyncQueueRoundTrip(t *testing.T) {
	raw := strings.TrimSpace(os.Getenv("RELAYFORM_TEST_REDIS_URL"))
	if raw == "" {
		t.Skip("set RELAYFORM_TEST_REDIS_URL to run Redis integration tests")
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		t.Fatalf("parse redis url: %v", err)
	}
	key := fmt.Sprintf("relayform:it:%d", time.Now().UnixNano())
	query := parsed.Query()
	query.Set("key", key)
	parsed.RawQuery = query.Encode()

	queue, err := BuildSyncQueueFromDSN(parsed.String(), 2)
	if err != nil {
		t.Fatalf("build redis queue: %v", err)
	}
	rq, ok := queue.(*RedisSyncQueue)
	if !ok {
		t.Fatalf("expected *RedisSyncQueue, got %T", queue)
	}
	if rq.key != key {
		t.Fatalf("expected key %q, got %q", key, rq.key)
	}
	t.Cleanup(func() {
		_ = rq.client.Del(context.Background(), key).Err()
		_ = queue.Close()
	})

	if !queue.TryEnqueue(7) || !queue.TryEnqueue(8) {
		t.Fatalf("expected both enqueues to fit")
	}
	if queue.TryEnqueue(9) {
		t.Fatalf("expected enqueue beyond capacity to be refused")
	}
	if queue.Depth() != 2 || queue.Capacity() != 2 {
		t.Fatalf("unexpected depth=%d capacity=%d", queue.Depth(), queue.Capacity())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	first, ok := queue.Dequeue(ctx)
	if !ok || first != 7 {
		t.Fatalf("expected 7 first, got %d (ok=%v)", first, ok)
	}
	second, ok := queue.Dequeue(ctx)
	if !ok || second != 8 {
		t.Fatalf("expected 8 second, got %d (ok=%v)", second, ok)
	}

	emptyCtx, emptyCancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer emptyCancel()
	if _, ok := queue.Dequeue(emptyCtx); ok {
		t.Fatalf("expected empty queue to time out")
	}
}
