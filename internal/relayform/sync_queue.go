package relayform

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// SyncQueue carries submission ids waiting for mirror synchronization.
type SyncQueue interface {
	TryEnqueue(submissionID int64) bool
	Enqueue(ctx context.Context, submissionID int64) bool
	Dequeue(ctx context.Context) (int64, bool)
	Depth() int
	Capacity() int
	Close() error
}

type inMemorySyncQueue struct {
	ch chan int64
}

func NewInMemorySyncQueue(capacity int) SyncQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &inMemorySyncQueue{
		ch: make(chan int64, capacity),
	}
}

func (q *inMemorySyncQueue) TryEnqueue(submissionID int64) bool {
	if q == nil || submissionID <= 0 {
		return false
	}
	select {
	case q.ch <- submissionID:
		return true
	default:
		return false
	}
}

func (q *inMemorySyncQueue) Enqueue(ctx context.Context, submissionID int64) bool {
	if q == nil || submissionID <= 0 {
		return false
	}
	select {
	case q.ch <- submissionID:
		return true
	case <-ctx.Done():
		return false
	}
}

func (q *inMemorySyncQueue) Dequeue(ctx context.Context) (int64, bool) {
	if q == nil {
		return 0, false
	}
	select {
	case id := <-q.ch:
		return id, true
	case <-ctx.Done():
		return 0, false
	}
}

func (q *inMemorySyncQueue) Depth() int {
	if q == nil {
		return 0
	}
	return len(q.ch)
}

func (q *inMemorySyncQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return cap(q.ch)
}

func (q *inMemorySyncQueue) Close() error {
	return nil
}

type fileSyncQueue struct {
	path         string
	capacity     int
	pollInterval time.Duration
	mu           sync.Mutex
	items        []int64
}

type fileSyncQueueState struct {
	Items []int64 `json:"items"`
}

// NewFileSyncQueue persists pending ids as a JSON document so they survive a
// restart of a single-node deployment.
func NewFileSyncQueue(path string, capacity int) (SyncQueue, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	q := &fileSyncQueue{
		path:         path,
		capacity:     capacity,
		pollInterval: 10 * time.Millisecond,
		items:        []int64{},
	}
	if err := q.load(); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *fileSyncQueue) TryEnqueue(submissionID int64) bool {
	if submissionID <= 0 {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.capacity {
		return false
	}
	q.items = append(q.items, submissionID)
	if err := q.saveLocked(); err != nil {
		q.items = q.items[:len(q.items)-1]
		return false
	}
	return true
}

func (q *fileSyncQueue) Enqueue(ctx context.Context, submissionID int64) bool {
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

func (q *fileSyncQueue) Dequeue(ctx context.Context) (int64, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			q.items = q.items[1:]
			if err := q.saveLocked(); err != nil {
				q.items = append([]int64{item}, q.items...)
				q.mu.Unlock()
				select {
				case <-ctx.Done():
					return 0, false
				case <-time.After(q.pollInterval):
					continue
				}
			}
			q.mu.Unlock()
			return item, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return 0, false
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *fileSyncQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *fileSyncQueue) Capacity() int {
	return q.capacity
}

func (q *fileSyncQueue) Close() error {
	return nil
}

func (q *fileSyncQueue) load() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	data, err := os.ReadFile(q.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileSyncQueueState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Items) > q.capacity {
		q.items = append([]int64(nil), snapshot.Items[len(snapshot.Items)-q.capacity:]...)
		return q.saveLocked()
	}
	q.items = append([]int64(nil), snapshot.Items...)
	return nil
}

func (q *fileSyncQueue) saveLocked() error {
	data, err := json.Marshal(fileSyncQueueState{Items: q.items})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(q.path), 0o755); err != nil {
		return err
	}
	tmp := q.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, q.path)
}
