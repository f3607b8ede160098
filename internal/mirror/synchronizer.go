package mirror

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/agentworkforce/relayform/internal/relayform"
	"github.com/rs/zerolog"
)

const syncLockStripes = 64

// SubmissionSource is the read side of the canonical store.
type SubmissionSource interface {
	GetSubmission(ctx context.Context, id int64) (relayform.Submission, error)
	ListAttachments(ctx context.Context, submissionID int64) ([]relayform.AttachmentRef, error)
}

type SynchronizerOptions struct {
	Store  Store
	Source SubmissionSource
	Logger zerolog.Logger
}

// Synchronizer keeps the mirror collection in step with the canonical store.
// Work on one submission id is serialized, and SyncByID always reads the
// committed row, so a sync that loses a race with a hard delete removes the
// document instead of resurrecting it.
type Synchronizer struct {
	store  Store
	source SubmissionSource
	logger zerolog.Logger
	locks  [syncLockStripes]sync.Mutex
}

func NewSynchronizer(opts SynchronizerOptions) (*Synchronizer, error) {
	if opts.Store == nil || opts.Source == nil {
		return nil, fmt.Errorf("%w: mirror synchronizer needs a store and a source", relayform.ErrInvalidInput)
	}
	return &Synchronizer{
		store:  opts.Store,
		source: opts.Source,
		logger: opts.Logger,
	}, nil
}

// Sync writes the mirror document for sub as given.
func (s *Synchronizer) Sync(ctx context.Context, sub relayform.Submission) error {
	lock := s.lockFor(sub.ID)
	lock.Lock()
	defer lock.Unlock()
	return s.write(ctx, sub)
}

func (s *Synchronizer) SyncByID(ctx context.Context, submissionID int64) error {
	lock := s.lockFor(submissionID)
	lock.Lock()
	defer lock.Unlock()

	sub, err := s.source.GetSubmission(ctx, submissionID)
	if errors.Is(err, relayform.ErrNotFound) {
		s.logger.Debug().Int64("submission_id", submissionID).Msg("canonical row gone, removing mirror document")
		return s.store.Delete(ctx, submissionID)
	}
	if err != nil {
		return fmt.Errorf("load submission %d: %w", submissionID, err)
	}
	return s.write(ctx, sub)
}

// Remove deletes the mirror document. Only hard deletes call it.
func (s *Synchronizer) Remove(ctx context.Context, submissionID int64) error {
	lock := s.lockFor(submissionID)
	lock.Lock()
	defer lock.Unlock()
	if err := s.store.Delete(ctx, submissionID); err != nil {
		return fmt.Errorf("remove mirror document %d: %w", submissionID, err)
	}
	return nil
}

func (s *Synchronizer) write(ctx context.Context, sub relayform.Submission) error {
	attachments, err := s.source.ListAttachments(ctx, sub.ID)
	if err != nil {
		return fmt.Errorf("list attachments of %d: %w", sub.ID, err)
	}
	doc, err := BuildDocument(sub, attachments)
	if err != nil {
		return err
	}
	if err := s.store.Replace(ctx, sub.ID, doc); err != nil {
		return fmt.Errorf("write mirror document %d: %w", sub.ID, err)
	}
	s.logger.Debug().Int64("submission_id", sub.ID).Bool("deleted", sub.Deleted()).Msg("mirror document written")
	return nil
}

func (s *Synchronizer) lockFor(id int64) *sync.Mutex {
	idx := id % syncLockStripes
	if idx < 0 {
		idx = -idx
	}
	return &s.locks[idx]
}
