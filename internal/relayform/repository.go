package relayform

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"
)

// Repository is the canonical relational store for submissions.
type Repository interface {
	FormCatalog
	InTx(ctx context.Context, fn func(tx Tx) error) error
	GetSubmission(ctx context.Context, id int64) (Submission, error)
	ListSubmissionIDs(ctx context.Context, afterID int64, limit int) ([]int64, error)
	ListAttachments(ctx context.Context, submissionID int64) ([]AttachmentRef, error)
	ListEditHistory(ctx context.Context, submissionID int64) ([]EditHistoryRecord, error)
	Close() error
}

type FormCatalog interface {
	FormByID(ctx context.Context, id int64) (Form, error)
	FormByUUID(ctx context.Context, formUUID string) (Form, error)
	FormByIDString(ctx context.Context, owner, idString string) (Form, error)
	SaveForm(ctx context.Context, form Form) (Form, error)
}

// Tx is a unit of canonical work. Everything written through a Tx becomes
// visible atomically when InTx's callback returns nil.
type Tx interface {
	// LockKeys serializes concurrent transactions touching the same keys
	// until the transaction ends.
	LockKeys(ctx context.Context, keys ...string) error
	CountLiveByHash(ctx context.Context, owner, hash string) (int, error)
	FindLiveByHash(ctx context.Context, owner, hash string) (Submission, bool, error)
	FindLiveByUUID(ctx context.Context, owner, uuid string) (Submission, bool, error)
	// LockSubmission loads a submission, deleted or not, and holds it against
	// concurrent writers.
	LockSubmission(ctx context.Context, id int64) (Submission, error)
	InsertSubmission(ctx context.Context, sub *Submission) error
	UpdateSubmission(ctx context.Context, sub Submission) error
	DeleteSubmission(ctx context.Context, id int64) error
	InsertEditHistory(ctx context.Context, rec *EditHistoryRecord) error
	// LinkAttachment reports false when the (submission, fileRef) pair was
	// already linked.
	LinkAttachment(ctx context.Context, ref *AttachmentRef) (bool, error)
}

func uuidLockKey(owner, uuid string) string {
	return "uuid|" + owner + "|" + uuid
}

type MemoryRepository struct {
	txMu sync.Mutex
	mu   sync.RWMutex

	forms       map[int64]Form
	submissions map[int64]Submission
	history     map[int64][]EditHistoryRecord
	attachments map[int64][]AttachmentRef

	formSeq       int64
	submissionSeq int64
	historySeq    int64
	attachmentSeq int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		forms:       map[int64]Form{},
		submissions: map[int64]Submission{},
		history:     map[int64][]EditHistoryRecord{},
		attachments: map[int64][]AttachmentRef{},
	}
}

// InTx runs fn with exclusive write access. Writes are staged in the
// transaction and published together when fn returns nil; readers outside the
// transaction never see them before that.
func (r *MemoryRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.txMu.Lock()
	defer r.txMu.Unlock()
	tx := r.beginTx()
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (r *MemoryRepository) GetSubmission(_ context.Context, id int64) (Submission, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.submissions[id]
	if !ok {
		return Submission{}, ErrNotFound
	}
	return cloneSubmission(sub), nil
}

func (r *MemoryRepository) ListSubmissionIDs(_ context.Context, afterID int64, limit int) ([]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]int64, 0, len(r.submissions))
	for id := range r.submissions {
		if id > afterID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (r *MemoryRepository) ListAttachments(_ context.Context, submissionID int64) ([]AttachmentRef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]AttachmentRef(nil), r.attachments[submissionID]...), nil
}

func (r *MemoryRepository) ListEditHistory(_ context.Context, submissionID int64) ([]EditHistoryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]EditHistoryRecord(nil), r.history[submissionID]...), nil
}

func (r *MemoryRepository) FormByID(_ context.Context, id int64) (Form, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	form, ok := r.forms[id]
	if !ok {
		return Form{}, ErrFormNotFound
	}
	return form, nil
}

func (r *MemoryRepository) FormByUUID(_ context.Context, formUUID string) (Form, error) {
	formUUID = strings.TrimSpace(formUUID)
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, form := range r.forms {
		if formUUID != "" && form.UUID == formUUID {
			return form, nil
		}
	}
	return Form{}, ErrFormNotFound
}

func (r *MemoryRepository) FormByIDString(_ context.Context, owner, idString string) (Form, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, form := range r.forms {
		if form.Owner == owner && form.IDString == idString {
			return form, nil
		}
	}
	return Form{}, ErrFormNotFound
}

// SaveForm inserts or replaces a form keyed by (owner, idString).
func (r *MemoryRepository) SaveForm(_ context.Context, form Form) (Form, error) {
	if strings.TrimSpace(form.Owner) == "" || strings.TrimSpace(form.IDString) == "" {
		return Form{}, ErrInvalidInput
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, existing := range r.forms {
		if existing.Owner == form.Owner && existing.IDString == form.IDString {
			form.ID = id
			r.forms[id] = form
			return form, nil
		}
	}
	if form.ID <= 0 {
		r.formSeq++
		form.ID = r.formSeq
	} else if form.ID > r.formSeq {
		r.formSeq = form.ID
	}
	r.forms[form.ID] = form
	return form, nil
}

func (r *MemoryRepository) Close() error {
	return nil
}

// memoryTx overlays pending writes on the committed maps. A nil entry in
// submissions marks a deleted row.
type memoryTx struct {
	repo *MemoryRepository

	submissions map[int64]*Submission
	history     map[int64][]EditHistoryRecord
	attachments map[int64][]AttachmentRef

	submissionSeq int64
	historySeq    int64
	attachmentSeq int64
}

func (r *MemoryRepository) beginTx() *memoryTx {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &memoryTx{
		repo:          r,
		submissions:   map[int64]*Submission{},
		history:       map[int64][]EditHistoryRecord{},
		attachments:   map[int64][]AttachmentRef{},
		submissionSeq: r.submissionSeq,
		historySeq:    r.historySeq,
		attachmentSeq: r.attachmentSeq,
	}
}

func (tx *memoryTx) commit() {
	r := tx.repo
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, sub := range tx.submissions {
		if sub == nil {
			delete(r.submissions, id)
			continue
		}
		r.submissions[id] = *sub
	}
	for id, records := range tx.history {
		if records == nil {
			delete(r.history, id)
			continue
		}
		r.history[id] = records
	}
	for id, refs := range tx.attachments {
		if refs == nil {
			delete(r.attachments, id)
			continue
		}
		r.attachments[id] = refs
	}
	r.submissionSeq = tx.submissionSeq
	r.historySeq = tx.historySeq
	r.attachmentSeq = tx.attachmentSeq
}

func (tx *memoryTx) submission(id int64) (Submission, bool) {
	if staged, ok := tx.submissions[id]; ok {
		if staged == nil {
			return Submission{}, false
		}
		return *staged, true
	}
	tx.repo.mu.RLock()
	defer tx.repo.mu.RUnlock()
	sub, ok := tx.repo.submissions[id]
	return sub, ok
}

// eachSubmission visits every row as the transaction sees it.
func (tx *memoryTx) eachSubmission(fn func(Submission)) {
	tx.repo.mu.RLock()
	for id, sub := range tx.repo.submissions {
		if _, staged := tx.submissions[id]; staged {
			continue
		}
		fn(sub)
	}
	tx.repo.mu.RUnlock()
	for _, sub := range tx.submissions {
		if sub != nil {
			fn(*sub)
		}
	}
}

func (tx *memoryTx) historyOf(id int64) []EditHistoryRecord {
	if records, ok := tx.history[id]; ok {
		return records
	}
	tx.repo.mu.RLock()
	defer tx.repo.mu.RUnlock()
	return tx.repo.history[id]
}

func (tx *memoryTx) attachmentsOf(id int64) []AttachmentRef {
	if refs, ok := tx.attachments[id]; ok {
		return refs
	}
	tx.repo.mu.RLock()
	defer tx.repo.mu.RUnlock()
	return tx.repo.attachments[id]
}

func (tx *memoryTx) stage(sub Submission) {
	stored := cloneSubmission(sub)
	tx.submissions[sub.ID] = &stored
}

func (tx *memoryTx) uuidTaken(owner, uuid string, except int64) bool {
	taken := false
	tx.eachSubmission(func(existing Submission) {
		if existing.ID != except && !existing.Deleted() && existing.FormOwner == owner && existing.UUID == uuid {
			taken = true
		}
	})
	return taken
}

// LockKeys is a no-op: memory transactions are already fully serialized.
func (tx *memoryTx) LockKeys(context.Context, ...string) error {
	return nil
}

func (tx *memoryTx) CountLiveByHash(_ context.Context, owner, hash string) (int, error) {
	count := 0
	tx.eachSubmission(func(sub Submission) {
		if sub.FormOwner == owner && sub.XMLHash == hash && !sub.Deleted() {
			count++
		}
	})
	return count, nil
}

func (tx *memoryTx) FindLiveByHash(_ context.Context, owner, hash string) (Submission, bool, error) {
	return tx.findLive(func(sub Submission) bool {
		return sub.FormOwner == owner && sub.XMLHash == hash
	})
}

func (tx *memoryTx) FindLiveByUUID(_ context.Context, owner, uuid string) (Submission, bool, error) {
	return tx.findLive(func(sub Submission) bool {
		return sub.FormOwner == owner && sub.UUID == uuid
	})
}

func (tx *memoryTx) findLive(match func(Submission) bool) (Submission, bool, error) {
	var found *Submission
	tx.eachSubmission(func(sub Submission) {
		if sub.Deleted() || !match(sub) {
			return
		}
		if found == nil || sub.ID < found.ID {
			candidate := sub
			found = &candidate
		}
	})
	if found == nil {
		return Submission{}, false, nil
	}
	return cloneSubmission(*found), true, nil
}

func (tx *memoryTx) LockSubmission(_ context.Context, id int64) (Submission, error) {
	sub, ok := tx.submission(id)
	if !ok {
		return Submission{}, ErrNotFound
	}
	return cloneSubmission(sub), nil
}

func (tx *memoryTx) InsertSubmission(_ context.Context, sub *Submission) error {
	if sub == nil {
		return ErrInvalidInput
	}
	if tx.uuidTaken(sub.FormOwner, sub.UUID, 0) {
		return errUUIDConflict
	}
	tx.submissionSeq++
	sub.ID = tx.submissionSeq
	tx.stage(*sub)
	return nil
}

func (tx *memoryTx) UpdateSubmission(_ context.Context, sub Submission) error {
	if _, ok := tx.submission(sub.ID); !ok {
		return ErrNotFound
	}
	if !sub.Deleted() && tx.uuidTaken(sub.FormOwner, sub.UUID, sub.ID) {
		return errUUIDConflict
	}
	tx.stage(sub)
	return nil
}

func (tx *memoryTx) DeleteSubmission(_ context.Context, id int64) error {
	if _, ok := tx.submission(id); !ok {
		return ErrNotFound
	}
	tx.submissions[id] = nil
	tx.history[id] = nil
	tx.attachments[id] = nil
	return nil
}

func (tx *memoryTx) InsertEditHistory(_ context.Context, rec *EditHistoryRecord) error {
	if rec == nil {
		return ErrInvalidInput
	}
	if _, ok := tx.submission(rec.SubmissionID); !ok {
		return ErrNotFound
	}
	tx.historySeq++
	rec.ID = tx.historySeq
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	previous := tx.historyOf(rec.SubmissionID)
	tx.history[rec.SubmissionID] = append(append([]EditHistoryRecord(nil), previous...), *rec)
	return nil
}

func (tx *memoryTx) LinkAttachment(_ context.Context, ref *AttachmentRef) (bool, error) {
	if ref == nil {
		return false, ErrInvalidInput
	}
	if _, ok := tx.submission(ref.SubmissionID); !ok {
		return false, ErrNotFound
	}
	previous := tx.attachmentsOf(ref.SubmissionID)
	for _, existing := range previous {
		if existing.FileRef == ref.FileRef {
			*ref = existing
			return false, nil
		}
	}
	tx.attachmentSeq++
	ref.ID = tx.attachmentSeq
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	tx.attachments[ref.SubmissionID] = append(append([]AttachmentRef(nil), previous...), *ref)
	return true, nil
}

func cloneSubmission(sub Submission) Submission {
	out := sub
	if sub.DeletedAt != nil {
		deletedAt := *sub.DeletedAt
		out.DeletedAt = &deletedAt
	}
	if sub.Latitude != nil {
		lat := *sub.Latitude
		out.Latitude = &lat
	}
	if sub.Longitude != nil {
		lng := *sub.Longitude
		out.Longitude = &lng
	}
	out.Tags = append([]string(nil), sub.Tags...)
	out.Notes = append([]Note(nil), sub.Notes...)
	if sub.ValidationStatus != nil {
		out.ValidationStatus = cloneMap(sub.ValidationStatus)
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
