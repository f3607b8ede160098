package mirror

import (
	"context"
	"errors"

	"go.mongodb.org/mongo-driver/v2/bson"
)

var (
	ErrUnsupportedStage = errors.New("unsupported aggregation stage")
	// ErrBadFilter marks a filter the store refused, such as an unknown
	// operator. It is the client's mistake, not the store's.
	ErrBadFilter = errors.New("filter rejected by mirror store")
)

// SortKey orders a query by a single field. Direction is 1 or -1.
type SortKey struct {
	Field     string
	Direction int
}

// Query is a translated read against the mirror collection. Limit zero means
// no limit.
type Query struct {
	Filter     map[string]any
	Projection map[string]int
	Sort       *SortKey
	Skip       int64
	Limit      int64
}

// Stage is one aggregation step. Pipelines run their stages in slice order;
// an argument whose key order matters, such as a compound $sort, is written
// as a bson.D so the order survives.
type Stage struct {
	Op  string
	Arg any
}

// SortStage orders by fields in the given order.
func SortStage(keys ...SortKey) Stage {
	spec := make(bson.D, 0, len(keys))
	for _, key := range keys {
		spec = append(spec, bson.E{Key: key.Field, Value: key.Direction})
	}
	return Stage{Op: "$sort", Arg: spec}
}

// Store is the document collection behind the mirror. Documents are keyed by
// the canonical submission id.
type Store interface {
	// Replace writes doc as the whole document for id, inserting it when absent.
	Replace(ctx context.Context, id int64, doc map[string]any) error
	Delete(ctx context.Context, id int64) error
	Get(ctx context.Context, id int64) (map[string]any, error)
	Find(ctx context.Context, q Query) ([]map[string]any, error)
	Count(ctx context.Context, filter map[string]any) (int64, error)
	Aggregate(ctx context.Context, pipeline []Stage) ([]map[string]any, error)
	Close(ctx context.Context) error
}
