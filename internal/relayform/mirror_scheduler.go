package relayform

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// MirrorSyncer rebuilds mirror documents from the canonical store.
type MirrorSyncer interface {
	// SyncByID reloads the submission and writes its mirror document, or
	// removes the document when the submission no longer exists.
	SyncByID(ctx context.Context, submissionID int64) error
	Remove(ctx context.Context, submissionID int64) error
}

type MirrorSchedulerOptions struct {
	Syncer         MirrorSyncer
	Queue          SyncQueue
	Workers        int
	DisableWorkers bool
	Logger         zerolog.Logger
	Metrics        *Metrics
}

// MirrorScheduler runs mirror synchronization after a canonical commit,
// either inline or through a SyncQueue drained by background workers.
type MirrorScheduler struct {
	syncer  MirrorSyncer
	queue   SyncQueue
	logger  zerolog.Logger
	metrics *Metrics

	queueCtx    context.Context
	queueCancel context.CancelFunc
	closeOnce   sync.Once
	wg          sync.WaitGroup
}

func NewMirrorScheduler(opts MirrorSchedulerOptions) *MirrorScheduler {
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	queueCtx, queueCancel := context.WithCancel(context.Background())
	m := &MirrorScheduler{
		syncer:      opts.Syncer,
		queue:       opts.Queue,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		queueCtx:    queueCtx,
		queueCancel: queueCancel,
	}
	if m.queue != nil && m.syncer != nil && !opts.DisableWorkers {
		m.wg.Add(workers)
		for i := 0; i < workers; i++ {
			go func() {
				defer m.wg.Done()
				m.worker()
			}()
		}
	}
	return m
}

// Schedule queues submissionID for synchronization. Without a queue, or when
// the queue is full, it synchronizes inline. Failures are logged and counted;
// the returned error is only for callers that want it.
func (m *MirrorScheduler) Schedule(ctx context.Context, submissionID int64) error {
	if m == nil || m.syncer == nil {
		return nil
	}
	if m.queue != nil {
		if m.queue.TryEnqueue(submissionID) {
			return nil
		}
		m.metrics.observeQueueDrop()
		m.logger.Warn().Int64("submission_id", submissionID).Msg("mirror sync queue full, syncing inline")
	}
	return m.SyncNow(ctx, submissionID)
}

func (m *MirrorScheduler) SyncNow(ctx context.Context, submissionID int64) error {
	if m == nil || m.syncer == nil {
		return nil
	}
	err := m.syncer.SyncByID(ctx, submissionID)
	m.metrics.observeSync(err)
	if err != nil {
		m.logger.Error().Err(err).Int64("submission_id", submissionID).Msg("mirror sync failed")
	}
	return err
}

// Remove deletes the mirror document inline.
func (m *MirrorScheduler) Remove(ctx context.Context, submissionID int64) error {
	if m == nil || m.syncer == nil {
		return nil
	}
	err := m.syncer.Remove(ctx, submissionID)
	m.metrics.observeSync(err)
	if err != nil {
		m.logger.Error().Err(err).Int64("submission_id", submissionID).Msg("mirror remove failed")
	}
	return err
}

func (m *MirrorScheduler) QueueDepth() int {
	if m == nil || m.queue == nil {
		return 0
	}
	return m.queue.Depth()
}

func (m *MirrorScheduler) Close() {
	if m == nil {
		return
	}
	m.closeOnce.Do(func() {
		m.queueCancel()
		m.wg.Wait()
		if m.queue != nil {
			_ = m.queue.Close()
		}
	})
}

func (m *MirrorScheduler) worker() {
	for {
		submissionID, ok := m.queue.Dequeue(m.queueCtx)
		if !ok {
			return
		}
		_ = m.SyncNow(m.queueCtx, submissionID)
	}
}
