package mirror

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/relayform/internal/relayform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSyncFixture(t *testing.T) (*relayform.MemoryRepository, *MemoryStore, *Synchronizer, *relayform.Ingestor, *relayform.Service) {
	t.Helper()
	ctx := context.Background()
	repo := relayform.NewMemoryRepository()
	_, err := repo.SaveForm(ctx, relayform.Form{IDString: "household_survey", Owner: "alice", Active: true, RequireAuth: true})
	require.NoError(t, err)

	store := NewMemoryStore()
	syncer, err := NewSynchronizer(SynchronizerOptions{Store: store, Source: repo})
	require.NoError(t, err)
	scheduler := relayform.NewMirrorScheduler(relayform.MirrorSchedulerOptions{Syncer: syncer})
	ingestor := relayform.NewIngestor(relayform.IngestorOptions{Repository: repo, Mirror: scheduler})
	service := relayform.NewService(relayform.ServiceOptions{Repository: repo, Mirror: scheduler})
	return repo, store, syncer, ingestor, service
}

func ingestSample(t *testing.T, ingestor *relayform.Ingestor, instanceID, deprecatedID string) relayform.IngestResult {
	t.Helper()
	meta := "<instanceID>uuid:" + instanceID + "</instanceID>"
	if deprecatedID != "" {
		meta += "<deprecatedID>uuid:" + deprecatedID + "</deprecatedID>"
	}
	body := `<household id="household_survey"><name>` + instanceID + `</name><meta>` + meta + `</meta></household>`
	result, err := ingestor.Ingest(context.Background(), relayform.IngestRequest{
		XML:    []byte(body),
		Caller: relayform.Caller{Username: "alice"},
	})
	require.NoError(t, err)
	return result
}

func TestSynchronizerMirrorsCanonicalIDs(t *testing.T) {
	_, store, _, ingestor, _ := newSyncFixture(t)
	ctx := context.Background()

	first := ingestSample(t, ingestor, "aaa", "")
	second := ingestSample(t, ingestor, "bbb", "")

	for _, sub := range []relayform.Submission{first.Submission, second.Submission} {
		doc, err := store.Get(ctx, sub.ID)
		require.NoError(t, err)
		assert.Equal(t, sub.ID, doc[FieldID])
		assert.Equal(t, sub.UUID, doc[FieldUUID])
	}
	assert.Equal(t, 2, store.Len())
}

func TestSynchronizerReplacesWholeDocumentOnEdit(t *testing.T) {
	_, store, _, ingestor, _ := newSyncFixture(t)
	ctx := context.Background()

	first := ingestSample(t, ingestor, "aaa", "")
	edited := ingestSample(t, ingestor, "bbb", "aaa")
	require.Equal(t, relayform.OutcomeEdit, edited.Outcome)
	require.Equal(t, first.Submission.ID, edited.Submission.ID)

	doc, err := store.Get(ctx, first.Submission.ID)
	require.NoError(t, err)
	assert.Equal(t, "bbb", doc[FieldUUID])
	assert.Equal(t, "bbb", doc["name"])
	assert.Equal(t, true, doc[FieldEdited])
	assert.Equal(t, 1, store.Len())
}

func TestSynchronizerSoftDeleteKeepsTombstone(t *testing.T) {
	_, store, _, ingestor, service := newSyncFixture(t)
	ctx := context.Background()
	first := ingestSample(t, ingestor, "aaa", "")

	_, err := service.SoftDelete(ctx, first.Submission.ID)
	require.NoError(t, err)

	doc, err := store.Get(ctx, first.Submission.ID)
	require.NoError(t, err)
	assert.Contains(t, doc, FieldDeletedAt)
}

func TestSynchronizerNeverResurrectsHardDeletedSubmission(t *testing.T) {
	_, store, syncer, ingestor, service := newSyncFixture(t)
	ctx := context.Background()
	first := ingestSample(t, ingestor, "aaa", "")

	require.NoError(t, service.Delete(ctx, first.Submission.ID))
	_, err := store.Get(ctx, first.Submission.ID)
	require.ErrorIs(t, err, relayform.ErrNotFound)

	// a sync that was queued before the delete arrives late
	require.NoError(t, syncer.SyncByID(ctx, first.Submission.ID))
	_, err = store.Get(ctx, first.Submission.ID)
	assert.ErrorIs(t, err, relayform.ErrNotFound)
}

func TestSynchronizerConcurrentSyncsConverge(t *testing.T) {
	repo, store, syncer, ingestor, service := newSyncFixture(t)
	ctx := context.Background()
	first := ingestSample(t, ingestor, "aaa", "")

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, syncer.SyncByID(ctx, first.Submission.ID))
		}()
	}
	_, err := service.AddTags(ctx, first.Submission.ID, "late")
	require.NoError(t, err)
	wg.Wait()
	require.NoError(t, syncer.SyncByID(ctx, first.Submission.ID))

	canonical, err := repo.GetSubmission(ctx, first.Submission.ID)
	require.NoError(t, err)
	doc, err := store.Get(ctx, first.Submission.ID)
	require.NoError(t, err)
	assert.Equal(t, []any{"late"}, doc[FieldTags])
	assert.Equal(t, []string{"late"}, canonical.Tags)
}

func TestSynchronizerThroughQueuedScheduler(t *testing.T) {
	repo := relayform.NewMemoryRepository()
	ctx := context.Background()
	_, err := repo.SaveForm(ctx, relayform.Form{IDString: "household_survey", Owner: "alice", Active: true})
	require.NoError(t, err)
	store := NewMemoryStore()
	syncer, err := NewSynchronizer(SynchronizerOptions{Store: store, Source: repo})
	require.NoError(t, err)
	scheduler := relayform.NewMirrorScheduler(relayform.MirrorSchedulerOptions{
		Syncer: syncer,
		Queue:  relayform.NewInMemorySyncQueue(16),
	})
	defer scheduler.Close()
	ingestor := relayform.NewIngestor(relayform.IngestorOptions{Repository: repo, Mirror: scheduler})

	result := ingestSample(t, ingestor, "aaa", "")
	require.Eventually(t, func() bool {
		_, err := store.Get(ctx, result.Submission.ID)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
}

func TestNewSynchronizerRequiresCollaborators(t *testing.T) {
	_, err := NewSynchronizer(SynchronizerOptions{Store: NewMemoryStore()})
	assert.ErrorIs(t, err, relayform.ErrInvalidInput)
}
