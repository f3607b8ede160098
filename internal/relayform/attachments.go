package relayform

import (
	"context"
	"fmt"
	"path"
	"strings"
)

type AttachmentFile struct {
	Filename string
	MimeType string
	Data     []byte
}

// AttachmentLinker stores attachment content and associates it with
// submissions. File references are derived from content and filename, so
// re-sending the same part links nothing new.
type AttachmentLinker struct {
	blobs BlobStore
}

func NewAttachmentLinker(blobs BlobStore) *AttachmentLinker {
	if blobs == nil {
		blobs = NewMemoryBlobStore()
	}
	return &AttachmentLinker{blobs: blobs}
}

// Store uploads every file and returns unlinked references. It runs before
// the canonical transaction opens; an upload failure aborts the ingestion.
func (l *AttachmentLinker) Store(ctx context.Context, files []AttachmentFile) ([]AttachmentRef, error) {
	refs := make([]AttachmentRef, 0, len(files))
	seen := map[string]bool{}
	for _, file := range files {
		ref := AttachmentRef{
			FileRef:  AttachmentFileRef(file.Filename, file.Data),
			Filename: attachmentBaseName(file.Filename),
			MimeType: strings.TrimSpace(file.MimeType),
		}
		if ref.MimeType == "" {
			ref.MimeType = "application/octet-stream"
		}
		if seen[ref.FileRef] {
			continue
		}
		seen[ref.FileRef] = true
		if err := l.blobs.Put(ctx, ref.FileRef, file.Data, ref.MimeType); err != nil {
			return nil, fmt.Errorf("store attachment %s: %w", ref.Filename, err)
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// Link associates stored references with submissionID and returns the ones
// that were not linked before.
func (l *AttachmentLinker) Link(ctx context.Context, tx Tx, submissionID int64, stored []AttachmentRef) ([]AttachmentRef, error) {
	linked := make([]AttachmentRef, 0, len(stored))
	for _, ref := range stored {
		ref.SubmissionID = submissionID
		ref.ID = 0
		created, err := tx.LinkAttachment(ctx, &ref)
		if err != nil {
			return nil, fmt.Errorf("link attachment %s: %w", ref.Filename, err)
		}
		if created {
			linked = append(linked, ref)
		}
	}
	return linked, nil
}

func (l *AttachmentLinker) Open(ctx context.Context, ref AttachmentRef) ([]byte, error) {
	return l.blobs.Get(ctx, ref.FileRef)
}

func AttachmentFileRef(filename string, data []byte) string {
	digest := ContentHash(data)
	return "attachments/" + digest[:2] + "/" + digest + "/" + attachmentBaseName(filename)
}

func attachmentBaseName(filename string) string {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if name == "." || name == "/" || name == "" {
		return "attachment"
	}
	return name
}
