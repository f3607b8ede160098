package relayform

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type recordingSyncer struct {
	mu      sync.Mutex
	synced  []int64
	removed []int64
	err     error
}

func (r *recordingSyncer) SyncByID(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.synced = append(r.synced, id)
	return r.err
}

func (r *recordingSyncer) Remove(_ context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removed = append(r.removed, id)
	return r.err
}

func (r *recordingSyncer) syncCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.synced)
}

type recordingDispatcher struct {
	mu    sync.Mutex
	calls []int64
	err   error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, _ Form, sub Submission) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, sub.ID)
	return d.err
}

func (d *recordingDispatcher) callCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.calls)
}

type failingBlobStore struct{}

func (failingBlobStore) Put(context.Context, string, []byte, string) error {
	return errors.New("storage unavailable")
}

func (failingBlobStore) Get(context.Context, string) ([]byte, error) {
	return nil, ErrNotFound
}

type ingestFixture struct {
	repo        *MemoryRepository
	syncer      *recordingSyncer
	webhooks    *recordingDispatcher
	attachments *AttachmentLinker
	ingestor    *Ingestor
	form        Form
}

func newIngestFixture(t *testing.T, form Form) *ingestFixture {
	t.Helper()
	repo := NewMemoryRepository()
	saved, err := repo.SaveForm(context.Background(), form)
	if err != nil {
		t.Fatalf("save form failed: %v", err)
	}
	syncer := &recordingSyncer{}
	webhooks := &recordingDispatcher{}
	metrics := NewMetrics(prometheus.NewRegistry())
	attachments := NewAttachmentLinker(nil)
	ingestor := NewIngestor(IngestorOptions{
		Repository:  repo,
		Attachments: attachments,
		Mirror:      NewMirrorScheduler(MirrorSchedulerOptions{Syncer: syncer, Metrics: metrics}),
		Webhooks:    webhooks,
		Metrics:     metrics,
		Now:         func() time.Time { return fixedNow },
	})
	return &ingestFixture{repo: repo, syncer: syncer, webhooks: webhooks, attachments: attachments, ingestor: ingestor, form: saved}
}

func householdForm() Form {
	return Form{
		IDString:      "household_survey",
		UUID:          "form-uuid-1",
		Owner:         "alice",
		Active:        true,
		RequireAuth:   true,
		GeopointField: "location",
		SubmitGrants:  []string{"carol"},
		EditGrants:    []string{"bob"},
	}
}

func householdXML(instanceID, deprecatedID, name string) []byte {
	var meta strings.Builder
	if instanceID != "" {
		fmt.Fprintf(&meta, "<instanceID>uuid:%s</instanceID>", instanceID)
	}
	if deprecatedID != "" {
		fmt.Fprintf(&meta, "<deprecatedID>uuid:%s</deprecatedID>", deprecatedID)
	}
	return []byte(fmt.Sprintf(`<?xml version="1.0"?>
<household id="household_survey"><formhub><uuid>form-uuid-1</uuid></formhub><name>%s</name><location>1.5 2.5 0 0</location><meta>%s</meta></household>`, name, meta.String()))
}

func TestIngestNewSubmission(t *testing.T) {
	fx := newIngestFixture(t, householdForm())

	result, err := fx.ingestor.Ingest(context.Background(), IngestRequest{
		XML:         householdXML("aaa", "", "Ama"),
		Attachments: []AttachmentFile{{Filename: "photo.jpg", MimeType: "image/jpeg", Data: []byte("jpeg-1")}},
		Caller:      Caller{Username: "alice"},
	})
	if err != nil {
		t.Fatalf("ingest failed: %v", err)
	}
	if result.Outcome != OutcomeNew {
		t.Fatalf("expected new outcome, got %s", result.Outcome)
	}
	sub := result.Submission
	if sub.ID <= 0 || sub.UUID != "aaa" || sub.FormOwner != "alice" || sub.FormIDString != "household_survey" {
		t.Fatalf("unexpected submission: %+v", sub)
	}
	if sub.SubmittedBy != "alice" || sub.Status != defaultSubmissionStatus || !sub.CreatedAt.Equal(fixedNow) {
		t.Fatalf("unexpected submission metadata: %+v", sub)
	}
	if sub.Latitude == nil || *sub.Latitude != 1.5 || sub.Longitude == nil || *sub.Longitude != 2.5 {
		t.Fatalf("expected geolocation from form geopoint field, got %v %v", sub.Latitude, sub.Longitude)
	}
	attachments, _ := fx.repo.ListAttachments(context.Background(), sub.ID)
	if len(attachments) != 1 || attachments[0].Filename != "photo.jpg" || attachments[0].MimeType != "image/jpeg" {
		t.Fatalf("unexpected attachments: %+v", attachments)
	}
	if fx.syncer.syncCount() != 1 || fx.webhooks.callCount() != 1 {
		t.Fatalf("expected one mirror sync and one dispatch, got %d and %d", fx.syncer.syncCount(), fx.webhooks.callCount())
	}
}

func TestIngestUUIDDuplicateLinksNewAttachments(t *testing.T) {
	fx := newIngestFixture(t, householdForm())
	ctx := context.Background()
	body := householdXML("aaa", "", "Ama")

	first, err := fx.ingestor.Ingest(ctx, IngestRequest{
		XML:         body,
		Attachments: []AttachmentFile{{Filename: "a.jpg", MimeType: "image/jpeg", Data: []byte("A")}},
		Caller:      Caller{Username: "alice"},
	})
	if err != nil || first.Outcome != OutcomeNew {
		t.Fatalf("first ingest: outcome=%s err=%v", first.Outcome, err)
	}
	second, err := fx.ingestor.Ingest(ctx, IngestRequest{
		XML: body,
		Attachments: []AttachmentFile{
			{Filename: "a.jpg", MimeType: "image/jpeg", Data: []byte("A")},
			{Filename: "b.jpg", MimeType: "image/jpeg", Data: []byte("B")},
		},
		Caller: Caller{Username: "alice"},
	})
	if err != nil {
		t.Fatalf("duplicate ingest should not error, got %v", err)
	}
	if second.Outcome != OutcomeUUIDDuplicate || !errors.Is(second.Err(), ErrUUIDDuplicate) {
		t.Fatalf("expected uuid duplicate, got %s", second.Outcome)
	}
	if second.Submission.ID != first.Submission.ID {
		t.Fatalf("expected duplicate to point at the first row")
	}
	if len(second.LinkedAttachments) != 1 || second.LinkedAttachments[0].Filename != "b.jpg" {
		t.Fatalf("expected only b.jpg to be newly linked, got %+v", second.LinkedAttachments)
	}

	ids, _ := fx.repo.ListSubmissionIDs(ctx, 0, 0)
	if len(ids) != 1 {
		t.Fatalf("expected one canonical row, got %v", ids)
	}
	attachments, _ := fx.repo.ListAttachments(ctx, first.Submission.ID)
	if len(attachments) != 2 {
		t.Fatalf("expected two attachments on the first row, got %+v", attachments)
	}
	if fx.webhooks.callCount() != 1 {
		t.Fatalf("expected duplicates not to dispatch webhooks, got %d calls", fx.webhooks.callCount())
	}
	if fx.syncer.syncCount() != 2 {
		t.Fatalf("expected mirror re-sync after linking a new attachment, got %d", fx.syncer.syncCount())
	}
}

func TestIngestVerbatimDuplicateOnlyWithStartTimeTracking(t *testing.T) {
	body := householdXML("", "", "Ama")

	plain := newIngestFixture(t, householdForm())
	for i := 0; i < 2; i++ {
		result, err := plain.ingestor.Ingest(context.Background(), IngestRequest{XML: body, Caller: Caller{Username: "alice"}})
		if err != nil || result.Outcome != OutcomeNew {
			t.Fatalf("ingest %d without start time: outcome=%s err=%v", i, result.Outcome, err)
		}
	}

	tracked := householdForm()
	tracked.HasStartTime = true
	fx := newIngestFixture(t, tracked)
	first, err := fx.ingestor.Ingest(context.Background(), IngestRequest{XML: body, Caller: Caller{Username: "alice"}})
	if err != nil || first.Outcome != OutcomeNew {
		t.Fatalf("first tracked ingest: outcome=%s err=%v", first.Outcome, err)
	}
	second, err := fx.ingestor.Ingest(context.Background(), IngestRequest{XML: body, Caller: Caller{Username: "alice"}})
	if err != nil {
		t.Fatalf("verbatim duplicate should not error, got %v", err)
	}
	if second.Outcome != OutcomeVerbatimDuplicate || !errors.Is(second.Err(), ErrVerbatimDuplicate) {
		t.Fatalf("expected verbatim duplicate, got %s", second.Outcome)
	}
	if second.Submission.ID != first.Submission.ID {
		t.Fatalf("expected verbatim duplicate to reference first row")
	}
}

func TestIngestEditPreservesIdentity(t *testing.T) {
	fx := newIngestFixture(t, householdForm())
	ctx := context.Background()
	original := householdXML("aaa", "", "Ama")

	first, err := fx.ingestor.Ingest(ctx, IngestRequest{XML: original, Caller: Caller{Username: "alice"}})
	if err != nil {
		t.Fatalf("first ingest failed: %v", err)
	}
	edited, err := fx.ingestor.Ingest(ctx, IngestRequest{XML: householdXML("bbb", "aaa", "Ama Mensah"), Caller: Caller{Username: "bob"}})
	if err != nil {
		t.Fatalf("edit ingest failed: %v", err)
	}
	if edited.Outcome != OutcomeEdit {
		t.Fatalf("expected edit outcome, got %s", edited.Outcome)
	}
	if edited.Submission.ID != first.Submission.ID {
		t.Fatalf("expected edit to keep id %d, got %d", first.Submission.ID, edited.Submission.ID)
	}
	stored, err := fx.repo.GetSubmission(ctx, first.Submission.ID)
	if err != nil {
		t.Fatalf("get submission failed: %v", err)
	}
	if stored.UUID != "bbb" || stored.DeprecatedUUID != "aaa" || !stored.Edited {
		t.Fatalf("unexpected edited row: %+v", stored)
	}
	if stored.SubmittedBy != "alice" {
		t.Fatalf("expected original submitter to be kept, got %q", stored.SubmittedBy)
	}
	history, _ := fx.repo.ListEditHistory(ctx, stored.ID)
	if len(history) != 1 {
		t.Fatalf("expected exactly one history record, got %d", len(history))
	}
	if history[0].XMLBody != string(original) || history[0].PriorUUID != "aaa" {
		t.Fatalf("history must hold the pre-edit body byte for byte: %+v", history[0])
	}
	if fx.webhooks.callCount() != 2 {
		t.Fatalf("expected edits to dispatch webhooks, got %d", fx.webhooks.callCount())
	}

	replay, err := fx.ingestor.Ingest(ctx, IngestRequest{XML: householdXML("bbb", "aaa", "Ama Mensah"), Caller: Caller{Username: "bob"}})
	if err != nil || replay.Outcome != OutcomeUUIDDuplicate {
		t.Fatalf("expected replayed edit to be a uuid duplicate, got %s err=%v", replay.Outcome, err)
	}
}

func TestIngestEditRequiresEditPermission(t *testing.T) {
	fx := newIngestFixture(t, householdForm())
	ctx := context.Background()

	if _, err := fx.ingestor.Ingest(ctx, IngestRequest{XML: householdXML("aaa", "", "Ama"), Caller: Caller{Username: "carol"}}); err != nil {
		t.Fatalf("carol may submit: %v", err)
	}
	_, err := fx.ingestor.Ingest(ctx, IngestRequest{XML: householdXML("bbb", "aaa", "Changed"), Caller: Caller{Username: "carol"}})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission denied for edit, got %v", err)
	}
	ids, _ := fx.repo.ListSubmissionIDs(ctx, 0, 0)
	stored, _ := fx.repo.GetSubmission(ctx, ids[0])
	if stored.UUID != "aaa" || stored.Edited {
		t.Fatalf("expected rejected edit to leave the row untouched: %+v", stored)
	}
	history, _ := fx.repo.ListEditHistory(ctx, stored.ID)
	if len(history) != 0 {
		t.Fatalf("expected no history after rejected edit")
	}
}

func TestIngestRejections(t *testing.T) {
	inactive := householdForm()
	inactive.Active = false

	tests := []struct {
		name string
		form Form
		req  IngestRequest
		want error
	}{
		{name: "empty body", form: householdForm(), req: IngestRequest{Caller: Caller{Username: "alice"}}, want: ErrEmptyPayload},
		{name: "no identity", form: householdForm(), req: IngestRequest{XML: householdXML("a", "", "x")}, want: ErrMissingCallerIdentity},
		{name: "malformed", form: householdForm(), req: IngestRequest{XML: []byte("<household>"), Caller: Caller{Username: "alice"}}, want: ErrMalformedPayload},
		{name: "unknown form", form: householdForm(), req: IngestRequest{XML: []byte(`<other id="nope"><meta><instanceID>uuid:1</instanceID></meta></other>`), Caller: Caller{Username: "alice"}}, want: ErrFormNotFound},
		{name: "stranger", form: householdForm(), req: IngestRequest{XML: householdXML("a", "", "x"), Caller: Caller{Username: "mallory"}}, want: ErrPermissionDenied},
		{name: "anonymous on protected form", form: householdForm(), req: IngestRequest{XML: householdXML("a", "", "x"), Username: "alice"}, want: ErrPermissionDenied},
		{name: "inactive", form: inactive, req: IngestRequest{XML: householdXML("a", "", "x"), Caller: Caller{Username: "alice"}}, want: ErrFormInactive},
		{name: "inactive beats permissions", form: inactive, req: IngestRequest{XML: householdXML("a", "", "x"), Caller: Caller{Username: "mallory"}}, want: ErrFormInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fx := newIngestFixture(t, tt.form)
			result, err := fx.ingestor.Ingest(context.Background(), tt.req)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			if result.Outcome != OutcomeRejected {
				t.Fatalf("expected rejected outcome, got %s", result.Outcome)
			}
			ids, _ := fx.repo.ListSubmissionIDs(context.Background(), 0, 0)
			if len(ids) != 0 {
				t.Fatalf("expected nothing written, got %v", ids)
			}
		})
	}
}

func TestIngestForceAcceptsInactiveForm(t *testing.T) {
	form := householdForm()
	form.Active = false
	fx := newIngestFixture(t, form)
	result, err := fx.ingestor.Ingest(context.Background(), IngestRequest{XML: householdXML("a", "", "x"), Caller: Caller{Username: "alice"}, Force: true})
	if err != nil || result.Outcome != OutcomeNew {
		t.Fatalf("expected forced ingest to succeed, got %s err=%v", result.Outcome, err)
	}
}

func TestIngestAnonymousWithExplicitUsername(t *testing.T) {
	form := householdForm()
	form.RequireAuth = false
	form.UUID = ""
	fx := newIngestFixture(t, form)

	result, err := fx.ingestor.Ingest(context.Background(), IngestRequest{XML: householdXML("a", "", "x"), Username: "alice"})
	if err != nil {
		t.Fatalf("anonymous ingest failed: %v", err)
	}
	if result.Submission.SubmittedBy != "" {
		t.Fatalf("expected anonymous submitter, got %q", result.Submission.SubmittedBy)
	}
}

func TestIngestAttachmentStorageFailureWritesNothing(t *testing.T) {
	repo := NewMemoryRepository()
	if _, err := repo.SaveForm(context.Background(), householdForm()); err != nil {
		t.Fatalf("save form failed: %v", err)
	}
	ingestor := NewIngestor(IngestorOptions{
		Repository:  repo,
		Attachments: NewAttachmentLinker(failingBlobStore{}),
	})
	_, err := ingestor.Ingest(context.Background(), IngestRequest{
		XML:         householdXML("a", "", "x"),
		Attachments: []AttachmentFile{{Filename: "a.jpg", Data: []byte("A")}},
		Caller:      Caller{Username: "alice"},
	})
	if err == nil {
		t.Fatalf("expected storage failure to fail the ingestion")
	}
	var ingestErr *IngestError
	if errors.As(err, &ingestErr) {
		t.Fatalf("storage failure is a server error, got client error %v", err)
	}
	ids, _ := repo.ListSubmissionIDs(context.Background(), 0, 0)
	if len(ids) != 0 {
		t.Fatalf("expected no submission after storage failure, got %v", ids)
	}
}

func TestIngestWebhookFailureSurfacesWhenDispatcherFails(t *testing.T) {
	fx := newIngestFixture(t, householdForm())
	fx.webhooks.err = errors.New("endpoint down")

	result, err := fx.ingestor.Ingest(context.Background(), IngestRequest{XML: householdXML("a", "", "x"), Caller: Caller{Username: "alice"}})
	if !errors.Is(err, ErrWebhookDelivery) {
		t.Fatalf("expected webhook delivery error, got %v", err)
	}
	if result.Outcome != OutcomeNew || result.Submission.ID == 0 {
		t.Fatalf("expected committed submission alongside the error, got %+v", result)
	}
	if fx.syncer.syncCount() != 1 {
		t.Fatalf("expected mirror sync before dispatch")
	}
}

func TestIngestMirrorFailureDoesNotFailIngestion(t *testing.T) {
	fx := newIngestFixture(t, householdForm())
	fx.syncer.err = errors.New("mirror down")

	result, err := fx.ingestor.Ingest(context.Background(), IngestRequest{XML: householdXML("a", "", "x"), Caller: Caller{Username: "alice"}})
	if err != nil || result.Outcome != OutcomeNew {
		t.Fatalf("expected mirror failure to be swallowed, got %s err=%v", result.Outcome, err)
	}
}

func TestIngestConcurrentSameUUIDYieldsOneRow(t *testing.T) {
	fx := newIngestFixture(t, householdForm())
	body := householdXML("race", "", "x")

	const workers = 8
	outcomes := make(chan Outcome, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := fx.ingestor.Ingest(context.Background(), IngestRequest{XML: body, Caller: Caller{Username: "alice"}})
			if err != nil {
				t.Errorf("concurrent ingest failed: %v", err)
				return
			}
			outcomes <- result.Outcome
		}()
	}
	wg.Wait()
	close(outcomes)

	counts := map[Outcome]int{}
	for outcome := range outcomes {
		counts[outcome]++
	}
	if counts[OutcomeNew] != 1 || counts[OutcomeUUIDDuplicate] != workers-1 {
		t.Fatalf("expected one new and %d duplicates, got %v", workers-1, counts)
	}
	ids, _ := fx.repo.ListSubmissionIDs(context.Background(), 0, 0)
	if len(ids) != 1 {
		t.Fatalf("expected exactly one row, got %v", ids)
	}
}
