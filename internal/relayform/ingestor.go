package relayform

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	defaultSubmissionStatus = "submitted_via_web"
	maxConflictRetries      = 2
)

// WebhookDispatcher notifies a form's endpoints about a new or edited
// submission. A non-nil error means delivery failed under a fail-closed
// policy.
type WebhookDispatcher interface {
	Dispatch(ctx context.Context, form Form, sub Submission) error
}

type IngestRequest struct {
	XML         []byte
	Attachments []AttachmentFile
	Caller      Caller
	// Username is the target account named in the request path, if any.
	Username string
	Status   string
	// Force accepts submissions to inactive forms. Maintenance paths only.
	Force bool
}

type IngestResult struct {
	Outcome           Outcome
	Form              Form
	Submission        Submission
	LinkedAttachments []AttachmentRef
	History           *EditHistoryRecord
}

// Err maps duplicate outcomes onto their sentinel errors.
func (r IngestResult) Err() error {
	switch r.Outcome {
	case OutcomeVerbatimDuplicate:
		return ErrVerbatimDuplicate
	case OutcomeUUIDDuplicate:
		return ErrUUIDDuplicate
	default:
		return nil
	}
}

type IngestorOptions struct {
	Repository  Repository
	Forms       FormCatalog
	Attachments *AttachmentLinker
	History     *EditHistoryTracker
	Mirror      *MirrorScheduler
	Webhooks    WebhookDispatcher
	Logger      zerolog.Logger
	Metrics     *Metrics
	Now         func() time.Time
}

type Ingestor struct {
	repo        Repository
	forms       FormCatalog
	attachments *AttachmentLinker
	history     *EditHistoryTracker
	mirror      *MirrorScheduler
	webhooks    WebhookDispatcher
	logger      zerolog.Logger
	metrics     *Metrics
	now         func() time.Time
}

func NewIngestor(opts IngestorOptions) *Ingestor {
	repo := opts.Repository
	if repo == nil {
		repo = NewMemoryRepository()
	}
	forms := opts.Forms
	if forms == nil {
		forms = repo
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	attachments := opts.Attachments
	if attachments == nil {
		attachments = NewAttachmentLinker(nil)
	}
	history := opts.History
	if history == nil {
		history = NewEditHistoryTracker(now)
	}
	return &Ingestor{
		repo:        repo,
		forms:       forms,
		attachments: attachments,
		history:     history,
		mirror:      opts.Mirror,
		webhooks:    opts.Webhooks,
		logger:      opts.Logger,
		metrics:     opts.Metrics,
		now:         now,
	}
}

// Ingest runs one submission through the state machine. Duplicates are not
// errors: they come back with a duplicate Outcome and the existing row.
// Ingestion is not cancelled by ctx once it has started.
func (i *Ingestor) Ingest(ctx context.Context, req IngestRequest) (IngestResult, error) {
	ctx = context.WithoutCancel(ctx)

	if len(bytes.TrimSpace(req.XML)) == 0 {
		return i.reject(newIngestError(KindEmptyPayload, "", nil))
	}
	req.Username = strings.TrimSpace(req.Username)
	if req.Caller.Anonymous() && req.Username == "" {
		return i.reject(newIngestError(KindMissingCallerIdentity, "", nil))
	}
	inst, err := ParseInstance(req.XML)
	if err != nil {
		return i.reject(err)
	}
	form, err := i.resolveForm(ctx, inst, req)
	if err != nil {
		return i.reject(err)
	}
	if !form.Active && !req.Force {
		return i.reject(newIngestError(KindFormInactive, "", nil))
	}
	if !form.CanSubmit(req.Caller) {
		return i.reject(newIngestError(KindPermissionDenied, fmt.Sprintf("%s is not allowed to submit to %s", callerName(req.Caller), form.IDString), nil))
	}
	if inst.UUID == "" {
		inst.UUID = uuid.NewString()
	}

	stored, err := i.attachments.Store(ctx, req.Attachments)
	if err != nil {
		i.metrics.observeOutcome(OutcomeRejected)
		return IngestResult{Outcome: OutcomeRejected}, err
	}

	var result IngestResult
	for attempt := 0; ; attempt++ {
		result, err = i.apply(ctx, form, inst, req, stored)
		if errors.Is(err, errUUIDConflict) && attempt < maxConflictRetries {
			i.logger.Debug().Str("uuid", inst.UUID).Msg("uuid conflict on commit, retrying")
			continue
		}
		break
	}
	if err != nil {
		var ingestErr *IngestError
		if errors.As(err, &ingestErr) {
			return i.reject(ingestErr)
		}
		i.metrics.observeOutcome(OutcomeRejected)
		return IngestResult{Outcome: OutcomeRejected}, fmt.Errorf("ingest submission: %w", err)
	}
	result.Form = form

	i.metrics.observeOutcome(result.Outcome)
	i.logger.Info().
		Str("outcome", string(result.Outcome)).
		Int64("form_id", form.ID).
		Int64("submission_id", result.Submission.ID).
		Int("attachments_linked", len(result.LinkedAttachments)).
		Msg("submission ingested")

	switch result.Outcome {
	case OutcomeNew, OutcomeEdit:
		_ = i.mirror.Schedule(ctx, result.Submission.ID)
		if i.webhooks != nil {
			if err := i.webhooks.Dispatch(ctx, form, result.Submission); err != nil {
				return result, newIngestError(KindWebhookDelivery, "", err)
			}
		}
	default:
		if len(result.LinkedAttachments) > 0 {
			_ = i.mirror.Schedule(ctx, result.Submission.ID)
		}
	}
	return result, nil
}

func (i *Ingestor) apply(ctx context.Context, form Form, inst Instance, req IngestRequest, stored []AttachmentRef) (IngestResult, error) {
	var result IngestResult
	err := i.repo.InTx(ctx, func(tx Tx) error {
		result = IngestResult{}
		keys := []string{uuidLockKey(form.Owner, inst.UUID)}
		if inst.DeprecatedUUID != "" {
			keys = append(keys, uuidLockKey(form.Owner, inst.DeprecatedUUID))
		}
		if err := tx.LockKeys(ctx, keys...); err != nil {
			return err
		}

		if form.HasStartTime {
			count, err := tx.CountLiveByHash(ctx, form.Owner, inst.Hash)
			if err != nil {
				return err
			}
			if count > 0 {
				existing, found, err := tx.FindLiveByHash(ctx, form.Owner, inst.Hash)
				if err != nil {
					return err
				}
				if found {
					return i.duplicate(ctx, tx, &result, OutcomeVerbatimDuplicate, existing, stored)
				}
			}
		}

		existing, found, err := tx.FindLiveByUUID(ctx, form.Owner, inst.UUID)
		if err != nil {
			return err
		}
		if found {
			return i.duplicate(ctx, tx, &result, OutcomeUUIDDuplicate, existing, stored)
		}

		if inst.DeprecatedUUID != "" {
			prior, found, err := tx.FindLiveByUUID(ctx, form.Owner, inst.DeprecatedUUID)
			if err != nil {
				return err
			}
			if found {
				return i.edit(ctx, tx, &result, form, inst, req, prior, stored)
			}
		}
		return i.create(ctx, tx, &result, form, inst, req, stored)
	})
	return result, err
}

func (i *Ingestor) duplicate(ctx context.Context, tx Tx, result *IngestResult, outcome Outcome, existing Submission, stored []AttachmentRef) error {
	linked, err := i.attachments.Link(ctx, tx, existing.ID, stored)
	if err != nil {
		return err
	}
	result.Outcome = outcome
	result.Submission = existing
	result.LinkedAttachments = linked
	return nil
}

func (i *Ingestor) edit(ctx context.Context, tx Tx, result *IngestResult, form Form, inst Instance, req IngestRequest, prior Submission, stored []AttachmentRef) error {
	if !form.CanEdit(req.Caller) {
		return newIngestError(KindPermissionDenied, fmt.Sprintf("%s is not allowed to edit submissions of %s", callerName(req.Caller), form.IDString), nil)
	}
	current, err := tx.LockSubmission(ctx, prior.ID)
	if err != nil {
		return err
	}
	if current.Deleted() || current.UUID != inst.DeprecatedUUID {
		// Changed underneath us; start over against the committed state.
		return errUUIDConflict
	}
	record, err := i.history.Snapshot(ctx, tx, current)
	if err != nil {
		return fmt.Errorf("snapshot edit history: %w", err)
	}

	current.XMLBody = string(req.XML)
	current.XMLHash = inst.Hash
	current.UUID = inst.UUID
	current.DeprecatedUUID = inst.DeprecatedUUID
	current.ModifiedAt = i.now()
	current.Edited = true
	current.Latitude, current.Longitude = inst.Geopoint(form.GeopointField)
	if inst.SubmissionDate != nil {
		current.CreatedAt = *inst.SubmissionDate
	}
	if err := tx.UpdateSubmission(ctx, current); err != nil {
		return err
	}
	linked, err := i.attachments.Link(ctx, tx, current.ID, stored)
	if err != nil {
		return err
	}
	result.Outcome = OutcomeEdit
	result.Submission = current
	result.LinkedAttachments = linked
	result.History = &record
	return nil
}

func (i *Ingestor) create(ctx context.Context, tx Tx, result *IngestResult, form Form, inst Instance, req IngestRequest, stored []AttachmentRef) error {
	now := i.now()
	status := strings.TrimSpace(req.Status)
	if status == "" {
		status = defaultSubmissionStatus
	}
	sub := Submission{
		FormID:         form.ID,
		FormIDString:   form.IDString,
		FormOwner:      form.Owner,
		XMLBody:        string(req.XML),
		XMLHash:        inst.Hash,
		UUID:           inst.UUID,
		DeprecatedUUID: inst.DeprecatedUUID,
		SubmittedBy:    req.Caller.Username,
		Status:         status,
		CreatedAt:      now,
		ModifiedAt:     now,
	}
	if inst.SubmissionDate != nil {
		sub.CreatedAt = *inst.SubmissionDate
	}
	sub.Latitude, sub.Longitude = inst.Geopoint(form.GeopointField)
	if err := tx.InsertSubmission(ctx, &sub); err != nil {
		return err
	}
	linked, err := i.attachments.Link(ctx, tx, sub.ID, stored)
	if err != nil {
		return err
	}
	result.Outcome = OutcomeNew
	result.Submission = sub
	result.LinkedAttachments = linked
	return nil
}

// resolveForm prefers the form instance id embedded in the document and falls
// back to the declared id string under the target or calling account.
func (i *Ingestor) resolveForm(ctx context.Context, inst Instance, req IngestRequest) (Form, error) {
	if inst.FormUUID != "" {
		form, err := i.forms.FormByUUID(ctx, inst.FormUUID)
		if err == nil {
			return form, nil
		}
		if !errors.Is(err, ErrFormNotFound) {
			return Form{}, err
		}
	}
	username := req.Username
	if username == "" {
		username = req.Caller.Username
	}
	if username == "" || inst.FormIDString == "" {
		return Form{}, newIngestError(KindFormNotFound, "", nil)
	}
	form, err := i.forms.FormByIDString(ctx, username, inst.FormIDString)
	if errors.Is(err, ErrFormNotFound) {
		return Form{}, newIngestError(KindFormNotFound, fmt.Sprintf("form %q not found", inst.FormIDString), nil)
	}
	return form, err
}

func (i *Ingestor) reject(err error) (IngestResult, error) {
	i.metrics.observeOutcome(OutcomeRejected)
	var ingestErr *IngestError
	if errors.As(err, &ingestErr) {
		i.logger.Info().Str("kind", string(ingestErr.Kind)).Msg("submission rejected")
	}
	return IngestResult{Outcome: OutcomeRejected}, err
}

func callerName(caller Caller) string {
	if caller.Anonymous() {
		return "anonymous user"
	}
	return caller.Username
}
