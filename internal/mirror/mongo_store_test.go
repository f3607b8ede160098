package mirror

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
)

func TestToBSONPipelineKeepsStageAndSortOrder(t *testing.T) {
	pipeline := toBSONPipeline([]Stage{
		{Op: "$match", Arg: map[string]any{"zone": "north", "age": map[string]any{"$gt": 10}}},
		SortStage(SortKey{Field: "zone", Direction: 1}, SortKey{Field: "age", Direction: -1}),
		{Op: "$limit", Arg: 5},
	})

	assert.Equal(t, mongo.Pipeline{
		{{Key: "$match", Value: bson.D{
			{Key: "age", Value: bson.D{{Key: "$gt", Value: 10}}},
			{Key: "zone", Value: "north"},
		}}},
		{{Key: "$sort", Value: bson.D{{Key: "zone", Value: 1}, {Key: "age", Value: -1}}}},
		{{Key: "$limit", Value: 5}},
	}, pipeline)
}

func TestToBSONPipelineKeepsReverseAlphabeticalSortKeys(t *testing.T) {
	pipeline := toBSONPipeline([]Stage{
		{Op: "$sort", Arg: bson.D{{Key: "z", Value: 1}, {Key: "a", Value: map[string]any{"$meta": "textScore"}}}},
	})

	sortSpec := pipeline[0][0].Value.(bson.D)
	assert.Equal(t, []string{"z", "a"}, []string{sortSpec[0].Key, sortSpec[1].Key})
	assert.Equal(t, bson.D{{Key: "$meta", Value: "textScore"}}, sortSpec[1].Value)
}
