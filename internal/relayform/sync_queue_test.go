package relayform

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func TestFileSyncQueuePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mirror-queue.json")
	queue, err := NewFileSyncQueue(path, 8)
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	if !queue.TryEnqueue(11) || !queue.TryEnqueue(12) {
		t.Fatalf("expected enqueue to succeed")
	}
	if queue.TryEnqueue(0) {
		t.Fatalf("expected non-positive ids to be refused")
	}

	reopened, err := NewFileSyncQueue(path, 8)
	if err != nil {
		t.Fatalf("reopen queue failed: %v", err)
	}
	if reopened.Depth() != 2 {
		t.Fatalf("expected two pending ids after reopen, got %d", reopened.Depth())
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	first, ok := reopened.Dequeue(ctx)
	if !ok || first != 11 {
		t.Fatalf("expected 11 first, got %d (ok=%v)", first, ok)
	}
	second, ok := reopened.Dequeue(ctx)
	if !ok || second != 12 {
		t.Fatalf("expected 12 second, got %d (ok=%v)", second, ok)
	}
}

func TestFileSyncQueueCapacityAndTimeout(t *testing.T) {
	queue, err := NewFileSyncQueue(filepath.Join(t.TempDir(), "capacity.json"), 1)
	if err != nil {
		t.Fatalf("new queue failed: %v", err)
	}
	if !queue.TryEnqueue(1) {
		t.Fatalf("expected first enqueue to succeed")
	}
	if queue.TryEnqueue(2) {
		t.Fatalf("expected second enqueue to fail at capacity")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, ok := queue.Dequeue(ctx); !ok {
		t.Fatalf("expected first dequeue to succeed")
	}
	if _, ok := queue.Dequeue(ctx); ok {
		t.Fatalf("expected dequeue to time out when queue is empty")
	}
}

func TestMirrorSchedulerDrainsQueue(t *testing.T) {
	syncer := &recordingSyncer{}
	scheduler := NewMirrorScheduler(MirrorSchedulerOptions{
		Syncer:  syncer,
		Queue:   NewInMemorySyncQueue(4),
		Workers: 2,
	})
	for id := int64(1); id <= 3; id++ {
		if err := scheduler.Schedule(context.Background(), id); err != nil {
			t.Fatalf("schedule %d failed: %v", id, err)
		}
	}
	deadline := time.Now().Add(2 * time.Second)
	for syncer.syncCount() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected workers to sync three ids, got %d", syncer.syncCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
	scheduler.Close()
	scheduler.Close()
}

func TestMirrorSchedulerFallsBackInlineWhenQueueFull(t *testing.T) {
	syncer := &recordingSyncer{}
	scheduler := NewMirrorScheduler(MirrorSchedulerOptions{
		Syncer:         syncer,
		Queue:          NewInMemorySyncQueue(1),
		DisableWorkers: true,
	})
	defer scheduler.Close()

	_ = scheduler.Schedule(context.Background(), 1)
	if syncer.syncCount() != 0 || scheduler.QueueDepth() != 1 {
		t.Fatalf("expected first id queued, syncs=%d depth=%d", syncer.syncCount(), scheduler.QueueDepth())
	}
	_ = scheduler.Schedule(context.Background(), 2)
	if syncer.syncCount() != 1 {
		t.Fatalf("expected overflow to sync inline, got %d", syncer.syncCount())
	}
}

func TestNilMirrorSchedulerIsNoop(t *testing.T) {
	var scheduler *MirrorScheduler
	if err := scheduler.Schedule(context.Background(), 1); err != nil {
		t.Fatalf("expected nil scheduler to ignore schedule, got %v", err)
	}
	if scheduler.QueueDepth() != 0 {
		t.Fatalf("expected zero depth")
	}
	scheduler.Close()
}

func TestBuildSyncQueueFromDSN(t *testing.T) {
	queue, err := BuildSyncQueueFromDSN("", 4)
	if err != nil || queue != nil {
		t.Fatalf("expected nil queue for empty dsn, got %v err=%v", queue, err)
	}
	queue, err = BuildSyncQueueFromDSN("memory://", 4)
	if err != nil {
		t.Fatalf("build memory queue failed: %v", err)
	}
	if queue.Capacity() != 4 {
		t.Fatalf("expected capacity 4, got %d", queue.Capacity())
	}
	path := filepath.Join(t.TempDir(), "queue.json")
	queue, err = BuildSyncQueueFromDSN("file://"+path, 4)
	if err != nil {
		t.Fatalf("build file queue failed: %v", err)
	}
	if !queue.TryEnqueue(7) {
		t.Fatalf("expected file queue enqueue")
	}
	if _, err := BuildSyncQueueFromDSN("kafka://broker:9092/topic", 4); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for kafka, got %v", err)
	}
	if _, err := BuildSyncQueueFromDSN("gopher://nowhere", 4); err == nil {
		t.Fatalf("expected unsupported scheme error")
	}
}

func TestBuildRepositoryAndBlobStoreFromDSN(t *testing.T) {
	repo, err := BuildRepositoryFromDSN("")
	if err != nil {
		t.Fatalf("build default repository failed: %v", err)
	}
	if _, ok := repo.(*MemoryRepository); !ok {
		t.Fatalf("expected memory repository, got %T", repo)
	}
	if _, err := BuildRepositoryFromDSN("mysql://db/forms"); !errors.Is(err, ErrNotImplemented) {
		t.Fatalf("expected not implemented for mysql, got %v", err)
	}

	root := t.TempDir()
	blobs, err := BuildBlobStoreFromDSN("file://" + root)
	if err != nil {
		t.Fatalf("build file blob store failed: %v", err)
	}
	ctx := context.Background()
	if err := blobs.Put(ctx, "attachments/ab/abc/photo.jpg", []byte("jpeg"), "image/jpeg"); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	data, err := blobs.Get(ctx, "attachments/ab/abc/photo.jpg")
	if err != nil || string(data) != "jpeg" {
		t.Fatalf("unexpected blob %q err=%v", data, err)
	}
	if _, err := blobs.Get(ctx, "attachments/missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found for missing blob, got %v", err)
	}
}

func TestRegisteredFactoriesTakePrecedence(t *testing.T) {
	custom := NewInMemorySyncQueue(3)
	RegisterSyncQueueFactory("  CUSTOMQ ", func(dsn string, capacity int) (SyncQueue, error) {
		return custom, nil
	})
	queue, err := BuildSyncQueueFromDSN("customq://anything", 9)
	if err != nil {
		t.Fatalf("build registered queue failed: %v", err)
	}
	if queue != custom {
		t.Fatalf("expected registered factory result")
	}

	blobs := NewMemoryBlobStore()
	RegisterBlobStoreFactory("customblob", func(string) (BlobStore, error) { return blobs, nil })
	got, err := BuildBlobStoreFromDSN("customblob://x")
	if err != nil || got != blobs {
		t.Fatalf("expected registered blob store, got %v err=%v", got, err)
	}
}
