package mirror

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/relayform/internal/relayform"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMongoIntegrationStoreRoundTrip(t *testing.T) {
	uri := strings.TrimSpace(os.Getenv("RELAYFORM_TEST_MONGO_URI"))
	if uri == "" {
		t.Skip("set RELAYFORM_TEST_MONGO_URI to run MongoDB integration tests")
	}
	collection := fmt.Sprintf("instances_it_%d", time.Now().UnixNano())
	store, err := NewMongoStore(uri, "relayform_it", collection)
	require.NoError(t, err)
	ctx := context.Background()
	t.Cleanup(func() {
		_ = store.collection.Drop(context.Background())
		_ = store.Close(context.Background())
	})

	require.NoError(t, store.Replace(ctx, 1, map[string]any{
		FieldScopingKey:       "alice_survey",
		"age":                 int64(34),
		FieldValidationStatus: map[string]any{"uid": "approved"},
		FieldTags:             []any{"north"},
	}))
	require.NoError(t, store.Replace(ctx, 2, map[string]any{FieldScopingKey: "alice_survey", "age": int64(12)}))
	require.NoError(t, store.Replace(ctx, 2, map[string]any{FieldScopingKey: "alice_survey", "age": int64(13)}))

	doc, err := store.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"uid": "approved"}, doc[FieldValidationStatus])
	assert.Equal(t, []any{"north"}, doc[FieldTags])

	docs, err := store.Find(ctx, Query{
		Filter:     map[string]any{FieldScopingKey: "alice_survey", FieldDeletedAt: nil},
		Projection: map[string]int{"age": 1},
		Sort:       &SortKey{Field: "age", Direction: 1},
	})
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, int64(13), docs[0]["age"])

	count, err := store.Count(ctx, map[string]any{"_validation_status.uid": "approved"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	out, err := store.Aggregate(ctx, []Stage{{Op: "$count", Arg: "total"}})
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.EqualValues(t, 2, out[0]["total"])

	require.NoError(t, store.Delete(ctx, 1))
	_, err = store.Get(ctx, 1)
	assert.ErrorIs(t, err, relayform.ErrNotFound)
}

func TestBuildStoreFromDSN(t *testing.T) {
	store, err := BuildStoreFromDSN("")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	store, err = BuildStoreFromDSN("memory://")
	require.NoError(t, err)
	assert.IsType(t, &MemoryStore{}, store)

	_, err = BuildStoreFromDSN("couchdb://localhost/forms")
	assert.ErrorIs(t, err, relayform.ErrNotImplemented)

	_, err = BuildStoreFromDSN("ftp://nowhere")
	assert.Error(t, err)

	custom := NewMemoryStore()
	RegisterStoreFactory("TestStore", func(string) (Store, error) { return custom, nil })
	store, err = BuildStoreFromDSN("teststore://x")
	require.NoError(t, err)
	assert.Same(t, custom, store)
}
