package relayform

import (
	"context"
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisSyncQueueKey     = "relayform:mirror-sync"
	redisBlockingTimeout  = time.Second
	redisOperationTimeout = 5 * time.Second
)

// enqueueScript pushes only while the list is below capacity.
var enqueueScript = redis.NewScript(`
if redis.call("LLEN", KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call("LPUSH", KEYS[1], ARGV[1])
return 1
`)

type RedisSyncQueue struct {
	client       *redis.Client
	key          string
	capacity     int
	pollInterval time.Duration
}

// NewRedisSyncQueue accepts redis://[:password@]host:port/db?key=name. The key
// parameter selects the list and is removed before the url reaches go-redis.
func NewRedisSyncQueue(dsn string, capacity int) (SyncQueue, error) {
	parsed, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return nil, err
	}
	query := parsed.Query()
	key := strings.TrimSpace(query.Get("key"))
	if key == "" {
		key = redisSyncQueueKey
	}
	query.Del("key")
	parsed.RawQuery = query.Encode()

	opts, err := redis.ParseURL(parsed.String())
	if err != nil {
		return nil, err
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return newRedisSyncQueue(redis.NewClient(opts), key, capacity), nil
}

func newRedisSyncQueue(client *redis.Client, key string, capacity int) *RedisSyncQueue {
	return &RedisSyncQueue{
		client:       client,
		key:          key,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
	}
}

func (q *RedisSyncQueue) TryEnqueue(submissionID int64) bool {
	if q == nil || submissionID <= 0 {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	pushed, err := enqueueScript.Run(ctx, q.client, []string{q.key}, strconv.FormatInt(submissionID, 10), q.capacity).Int()
	return err == nil && pushed == 1
}

func (q *RedisSyncQueue) Enqueue(ctx context.Context, submissionID int64) bool {
	for {
		if q.TryEnqueue(submissionID) {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *RedisSyncQueue) Dequeue(ctx context.Context) (int64, bool) {
	for {
		result, err := q.client.BRPop(ctx, redisBlockingTimeout, q.key).Result()
		if err == nil && len(result) == 2 {
			id, parseErr := strconv.ParseInt(result[1], 10, 64)
			if parseErr == nil && id > 0 {
				return id, true
			}
			continue
		}
		if ctx.Err() != nil {
			return 0, false
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			select {
			case <-ctx.Done():
				return 0, false
			case <-time.After(q.pollInterval):
			}
		}
	}
}

func (q *RedisSyncQueue) Depth() int {
	ctx, cancel := context.WithTimeout(context.Background(), redisOperationTimeout)
	defer cancel()
	depth, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0
	}
	return int(depth)
}

func (q *RedisSyncQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *RedisSyncQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
