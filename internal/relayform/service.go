package relayform

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const resyncPageSize = 500

type ServiceOptions struct {
	Repository  Repository
	Mirror      *MirrorScheduler
	// Attachments must share the blob store the ingestor writes to.
	Attachments *AttachmentLinker
	Logger      zerolog.Logger
	Now         func() time.Time
}

// Service carries the submission lifecycle operations that follow ingestion.
// Every mutation locks the canonical row first, so it serializes with an
// in-flight edit of the same submission, and re-synchronizes the mirror after
// commit.
type Service struct {
	repo        Repository
	mirror      *MirrorScheduler
	attachments *AttachmentLinker
	logger      zerolog.Logger
	now         func() time.Time
}

type ResyncReport struct {
	Synced int `json:"synced"`
	Failed int `json:"failed"`
}

func NewService(opts ServiceOptions) *Service {
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	repo := opts.Repository
	if repo == nil {
		repo = NewMemoryRepository()
	}
	attachments := opts.Attachments
	if attachments == nil {
		attachments = NewAttachmentLinker(nil)
	}
	return &Service{
		repo:        repo,
		mirror:      opts.Mirror,
		attachments: attachments,
		logger:      opts.Logger,
		now:         now,
	}
}

func (s *Service) GetSubmission(ctx context.Context, id int64) (Submission, error) {
	return s.repo.GetSubmission(ctx, id)
}

func (s *Service) ListAttachments(ctx context.Context, id int64) ([]AttachmentRef, error) {
	if _, err := s.repo.GetSubmission(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListAttachments(ctx, id)
}

// OpenAttachment returns one attachment of the submission with its content.
func (s *Service) OpenAttachment(ctx context.Context, id, attachmentID int64) (AttachmentRef, []byte, error) {
	refs, err := s.ListAttachments(ctx, id)
	if err != nil {
		return AttachmentRef{}, nil, err
	}
	for _, ref := range refs {
		if ref.ID != attachmentID {
			continue
		}
		data, err := s.attachments.Open(ctx, ref)
		if err != nil {
			return AttachmentRef{}, nil, fmt.Errorf("open attachment %d: %w", attachmentID, err)
		}
		return ref, data, nil
	}
	return AttachmentRef{}, nil, ErrNotFound
}

func (s *Service) ListEditHistory(ctx context.Context, id int64) ([]EditHistoryRecord, error) {
	if _, err := s.repo.GetSubmission(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListEditHistory(ctx, id)
}

// SoftDelete marks the submission deleted. The mirror document stays, carrying
// the deletion timestamp.
func (s *Service) SoftDelete(ctx context.Context, id int64) (Submission, error) {
	return s.mutate(ctx, id, func(sub *Submission) error {
		if sub.Deleted() {
			return nil
		}
		deletedAt := s.now()
		sub.DeletedAt = &deletedAt
		return nil
	})
}

// Delete removes the submission with its history and attachment links, then
// removes the mirror document.
func (s *Service) Delete(ctx context.Context, id int64) error {
	err := s.repo.InTx(ctx, func(tx Tx) error {
		if _, err := tx.LockSubmission(ctx, id); err != nil {
			return err
		}
		return tx.DeleteSubmission(ctx, id)
	})
	if err != nil {
		return err
	}
	s.logger.Info().Int64("submission_id", id).Msg("submission deleted")
	_ = s.mirror.Remove(ctx, id)
	return nil
}

func (s *Service) AddTags(ctx context.Context, id int64, tags ...string) (Submission, error) {
	return s.mutate(ctx, id, func(sub *Submission) error {
		for _, tag := range tags {
			tag = strings.TrimSpace(tag)
			if tag == "" || stringSliceContains(sub.Tags, tag) {
				continue
			}
			sub.Tags = append(sub.Tags, tag)
		}
		return nil
	})
}

func (s *Service) AddNote(ctx context.Context, id int64, text, author string) (Submission, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Submission{}, fmt.Errorf("%w: note is empty", ErrInvalidInput)
	}
	return s.mutate(ctx, id, func(sub *Submission) error {
		sub.Notes = append(sub.Notes, Note{Note: text, Owner: author, CreatedAt: s.now()})
		return nil
	})
}

// SetValidationStatus replaces the validation tag. A nil status clears it.
func (s *Service) SetValidationStatus(ctx context.Context, id int64, status map[string]any) (Submission, error) {
	return s.mutate(ctx, id, func(sub *Submission) error {
		if len(status) == 0 {
			sub.ValidationStatus = nil
			return nil
		}
		sub.ValidationStatus = cloneMap(status)
		if _, ok := sub.ValidationStatus["timestamp"]; !ok {
			sub.ValidationStatus["timestamp"] = s.now().Unix()
		}
		return nil
	})
}

// Resync rewrites the mirror document of every canonical submission, soft
// deleted ones included.
func (s *Service) Resync(ctx context.Context) (ResyncReport, error) {
	var report ResyncReport
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		ids, err := s.repo.ListSubmissionIDs(ctx, afterID, resyncPageSize)
		if err != nil {
			return report, err
		}
		if len(ids) == 0 {
			break
		}
		for _, id := range ids {
			if err := s.mirror.SyncNow(ctx, id); err != nil {
				report.Failed++
			} else {
				report.Synced++
			}
			afterID = id
		}
	}
	s.logger.Info().Int("synced", report.Synced).Int("failed", report.Failed).Msg("mirror resync finished")
	return report, nil
}

func (s *Service) mutate(ctx context.Context, id int64, fn func(sub *Submission) error) (Submission, error) {
	var out Submission
	err := s.repo.InTx(ctx, func(tx Tx) error {
		sub, err := tx.LockSubmission(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(&sub); err != nil {
			return err
		}
		sub.ModifiedAt = s.now()
		if err := tx.UpdateSubmission(ctx, sub); err != nil {
			return err
		}
		out = sub
		return nil
	})
	if err != nil {
		return Submission{}, err
	}
	_ = s.mirror.Schedule(ctx, id)
	return out, nil
}
