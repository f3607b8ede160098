package query

import (
	"context"
	"strings"

	"github.com/agentworkforce/relayform/internal/fieldcodec"
	"github.com/agentworkforce/relayform/internal/mirror"
	"github.com/agentworkforce/relayform/internal/relayform"
	"github.com/rs/zerolog"
)

// Engine answers read-path queries from the mirror store. It never touches the
// canonical store.
type Engine struct {
	store  mirror.Store
	logger zerolog.Logger
}

func NewEngine(store mirror.Store, logger zerolog.Logger) *Engine {
	return &Engine{store: store, logger: logger}
}

// Find returns the matching documents with their keys decoded.
func (e *Engine) Find(ctx context.Context, req Request) ([]map[string]any, error) {
	q, err := Translate(req)
	if err != nil {
		return nil, err
	}
	docs, err := e.store.Find(ctx, q)
	if err != nil {
		return nil, err
	}
	return decodeResults(docs), nil
}

// Count returns a one-element result carrying the number of matches, so it
// can be rendered like a page of documents.
func (e *Engine) Count(ctx context.Context, req Request) ([]map[string]any, error) {
	q, err := Translate(req)
	if err != nil {
		return nil, err
	}
	n, err := e.store.Count(ctx, q.Filter)
	if err != nil {
		return nil, err
	}
	return []map[string]any{{"count": n}}, nil
}

// Aggregate runs pipeline after the translated match stage. Pipeline stages
// are passed through untouched, so callers must never build them from client
// input.
func (e *Engine) Aggregate(ctx context.Context, req Request, pipeline []mirror.Stage) ([]map[string]any, error) {
	q, err := Translate(req)
	if err != nil {
		return nil, err
	}
	stages := make([]mirror.Stage, 0, len(pipeline)+1)
	stages = append(stages, mirror.Stage{Op: "$match", Arg: q.Filter})
	stages = append(stages, pipeline...)
	e.logger.Debug().Int("stages", len(stages)).Msg("mirror aggregation")
	docs, err := e.store.Aggregate(ctx, stages)
	if err != nil {
		return nil, err
	}
	return decodeResults(docs), nil
}

// Get returns one document of the scoped form. Soft-deleted documents and
// documents of other forms are reported as not found.
func (e *Engine) Get(ctx context.Context, scope Scope, id int64) (map[string]any, error) {
	doc, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if doc[mirror.FieldScopingKey] != scope.key() {
		return nil, relayform.ErrNotFound
	}
	if deletedAt, ok := doc[mirror.FieldDeletedAt]; ok && deletedAt != nil {
		return nil, relayform.ErrNotFound
	}
	delete(doc, mirror.FieldScopingKey)
	return decodeResult(doc), nil
}

func decodeResults(docs []map[string]any) []map[string]any {
	out := make([]map[string]any, 0, len(docs))
	for _, doc := range docs {
		out = append(out, decodeResult(doc))
	}
	return out
}

// decodeResult restores client field names and folds any flat reserved
// dotted keys back into their nested objects.
func decodeResult(doc map[string]any) map[string]any {
	decoded := fieldcodec.DecodeDocument(doc)
	for key, value := range decoded {
		if !fieldcodec.IsReservedDotted(key) {
			continue
		}
		delete(decoded, key)
		parts := strings.Split(key, ".")
		current := decoded
		for _, part := range parts[:len(parts)-1] {
			next, ok := current[part].(map[string]any)
			if !ok {
				next = map[string]any{}
				current[part] = next
			}
			current = next
		}
		current[parts[len(parts)-1]] = value
	}
	return decoded
}
