package mirror

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/relayform/internal/relayform"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const (
	defaultMongoDatabase   = "relayform"
	defaultMongoCollection = "instances"
	mongoOperationTimeout  = 30 * time.Second
	mongoConnectTimeout    = 10 * time.Second
)

// MongoStore keeps mirror documents in one MongoDB collection shared by every
// form; documents are partitioned by the scoping key.
type MongoStore struct {
	client     *mongo.Client
	collection *mongo.Collection
	timeout    time.Duration
}

func NewMongoStore(uri, database, collection string) (*MongoStore, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, relayform.ErrInvalidInput
	}
	if database == "" {
		database = defaultMongoDatabase
	}
	if collection == "" {
		collection = defaultMongoCollection
	}
	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("connect mongo: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), mongoConnectTimeout)
	defer cancel()
	if err := client.Ping(ctx, readpref.Primary()); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("ping mongo: %w", err)
	}
	return &MongoStore{
		client:     client,
		collection: client.Database(database).Collection(collection),
		timeout:    mongoOperationTimeout,
	}, nil
}

func (s *MongoStore) Replace(ctx context.Context, id int64, doc map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	replacement := toBSONDoc(doc)
	replacement = setBSONKey(replacement, FieldID, id)
	_, err := s.collection.ReplaceOne(ctx, bson.D{{Key: FieldID, Value: id}}, replacement, options.Replace().SetUpsert(true))
	return err
}

func (s *MongoStore) Delete(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.collection.DeleteOne(ctx, bson.D{{Key: FieldID, Value: id}})
	return err
}

func (s *MongoStore) Get(ctx context.Context, id int64) (map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	var doc bson.M
	err := s.collection.FindOne(ctx, bson.D{{Key: FieldID, Value: id}}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, relayform.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return normalizeDocument(doc), nil
}

func (s *MongoStore) Find(ctx context.Context, q Query) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	findOpts := options.Find()
	if q.Skip > 0 {
		findOpts.SetSkip(q.Skip)
	}
	if q.Limit > 0 {
		findOpts.SetLimit(q.Limit)
	}
	if q.Sort != nil {
		findOpts.SetSort(bson.D{{Key: q.Sort.Field, Value: q.Sort.Direction}})
	}
	if len(q.Projection) > 0 {
		fields := make([]string, 0, len(q.Projection))
		for field := range q.Projection {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		projection := bson.D{}
		for _, field := range fields {
			projection = append(projection, bson.E{Key: field, Value: q.Projection[field]})
		}
		findOpts.SetProjection(projection)
	}

	cursor, err := s.collection.Find(ctx, toBSONDoc(q.Filter), findOpts)
	if err != nil {
		return nil, fmt.Errorf("find mirror documents: %w", classifyQueryError(err))
	}
	return drainCursor(ctx, cursor)
}

func (s *MongoStore) Count(ctx context.Context, filter map[string]any) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	count, err := s.collection.CountDocuments(ctx, toBSONDoc(filter))
	if err != nil {
		return 0, fmt.Errorf("count mirror documents: %w", classifyQueryError(err))
	}
	return count, nil
}

func (s *MongoStore) Aggregate(ctx context.Context, pipeline []Stage) ([]map[string]any, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	cursor, err := s.collection.Aggregate(ctx, toBSONPipeline(pipeline))
	if err != nil {
		return nil, fmt.Errorf("aggregate mirror documents: %w", classifyQueryError(err))
	}
	return drainCursor(ctx, cursor)
}

// classifyQueryError maps server rejections of the filter itself (BadValue,
// FailedToParse) onto ErrBadFilter.
func classifyQueryError(err error) error {
	var cmdErr mongo.CommandError
	if errors.As(err, &cmdErr) && (cmdErr.Code == 2 || cmdErr.Code == 9) {
		return fmt.Errorf("%w: %s", ErrBadFilter, cmdErr.Message)
	}
	return err
}

func (s *MongoStore) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
}

func drainCursor(ctx context.Context, cursor *mongo.Cursor) ([]map[string]any, error) {
	defer cursor.Close(ctx)
	var raw []bson.M
	if err := cursor.All(ctx, &raw); err != nil {
		return nil, fmt.Errorf("decode mirror documents: %w", err)
	}
	out := make([]map[string]any, 0, len(raw))
	for _, doc := range raw {
		out = append(out, normalizeDocument(doc))
	}
	return out, nil
}

func toBSONPipeline(pipeline []Stage) mongo.Pipeline {
	out := make(mongo.Pipeline, 0, len(pipeline))
	for _, stage := range pipeline {
		out = append(out, bson.D{{Key: stage.Op, Value: toBSONValue(stage.Arg)}})
	}
	return out
}

// toBSONDoc converts a map with sorted keys so the wire form is stable. Maps
// carry filters and documents, where key order has no meaning; ordered
// arguments arrive as bson.D and keep their order.
func toBSONDoc(m map[string]any) bson.D {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	doc := make(bson.D, 0, len(m))
	for _, key := range keys {
		doc = append(doc, bson.E{Key: key, Value: toBSONValue(m[key])})
	}
	return doc
}

func toBSONValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return toBSONDoc(typed)
	case bson.D:
		out := make(bson.D, len(typed))
		for i, elem := range typed {
			out[i] = bson.E{Key: elem.Key, Value: toBSONValue(elem.Value)}
		}
		return out
	case []any:
		out := make(bson.A, len(typed))
		for i, item := range typed {
			out[i] = toBSONValue(item)
		}
		return out
	default:
		return value
	}
}

func setBSONKey(doc bson.D, key string, value any) bson.D {
	for i := range doc {
		if doc[i].Key == key {
			doc[i].Value = value
			return doc
		}
	}
	return append(bson.D{{Key: key, Value: value}}, doc...)
}

func normalizeDocument(doc bson.M) map[string]any {
	out := make(map[string]any, len(doc))
	for key, value := range doc {
		out[key] = normalizeBSON(value)
	}
	return out
}

// normalizeBSON turns driver types into the plain Go values the rest of the
// module works with.
func normalizeBSON(value any) any {
	switch typed := value.(type) {
	case bson.M:
		return normalizeDocument(typed)
	case map[string]any:
		return normalizeDocument(bson.M(typed))
	case bson.D:
		out := make(map[string]any, len(typed))
		for _, elem := range typed {
			out[elem.Key] = normalizeBSON(elem.Value)
		}
		return out
	case bson.A:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalizeBSON(item)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, item := range typed {
			out[i] = normalizeBSON(item)
		}
		return out
	case int32:
		return int64(typed)
	case bson.DateTime:
		return typed.Time().UTC()
	case bson.ObjectID:
		return typed.Hex()
	case bson.Decimal128:
		return typed.String()
	default:
		return value
	}
}
