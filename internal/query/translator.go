package query

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/agentworkforce/relayform/internal/fieldcodec"
	"github.com/agentworkforce/relayform/internal/mirror"
	"github.com/agentworkforce/relayform/internal/relayform"
)

var (
	ErrBadFilter         = errors.New("bad query filter")
	ErrTooManySortKeys   = errors.New("only one sort key is supported")
	ErrInvalidPagination = errors.New("start and limit must be non-negative")
)

// MinimalLimitCeiling caps the page size of minimal queries whatever the
// caller asks for.
const MinimalLimitCeiling = 10000

type Variant int

const (
	Full Variant = iota
	Minimal
)

// Scope restricts a query to the documents of one form.
type Scope struct {
	Owner    string
	IDString string
}

func (s Scope) key() string {
	return relayform.ScopingKey(s.Owner, s.IDString)
}

// Request is an API-level read. Filter and Sort hold JSON objects as sent by
// the client; empty strings mean no filter and natural order.
type Request struct {
	Filter         string
	Fields         []string
	Sort           string
	Start          int
	Limit          int
	Scope          *Scope
	IncludeDeleted bool
	Variant        Variant
}

// Translate turns req into a mirror query. Filter keys are encoded the way
// stored documents are, except reserved dotted attributes which stay dotted so
// they address the nested field.
func Translate(req Request) (mirror.Query, error) {
	filter, err := parseFilter(req.Filter)
	if err != nil {
		return mirror.Query{}, err
	}
	sortKey, err := parseSort(req.Sort)
	if err != nil {
		return mirror.Query{}, err
	}
	if req.Start < 0 || req.Limit < 0 {
		return mirror.Query{}, ErrInvalidPagination
	}
	limit := int64(req.Limit)
	if req.Variant == Minimal && (limit == 0 || limit > MinimalLimitCeiling) {
		limit = MinimalLimitCeiling
	}
	return mirror.Query{
		Filter:     composeFilter(filter, req),
		Projection: buildProjection(req.Fields),
		Sort:       sortKey,
		Skip:       int64(req.Start),
		Limit:      limit,
	}, nil
}

// composeFilter conjoins the caller's filter with the soft-delete and scoping
// clauses.
func composeFilter(filter map[string]any, req Request) map[string]any {
	clauses := make([]any, 0, 3)
	if !req.IncludeDeleted {
		clauses = append(clauses, map[string]any{mirror.FieldDeletedAt: nil})
	}
	if req.Scope != nil {
		clauses = append(clauses, map[string]any{mirror.FieldScopingKey: req.Scope.key()})
	}
	if len(filter) > 0 {
		encoded := fieldcodec.EncodeDocument(filter, fieldcodec.Read)
		if id, ok := encoded[mirror.FieldID]; ok {
			encoded[mirror.FieldID] = coerceID(id)
		}
		clauses = append(clauses, encoded)
	}
	switch len(clauses) {
	case 0:
		return map[string]any{}
	case 1:
		return clauses[0].(map[string]any)
	default:
		return map[string]any{"$and": clauses}
	}
}

// coerceID lets clients send the document id as a string; mirror documents
// are keyed by the numeric submission id.
func coerceID(value any) any {
	raw, ok := value.(string)
	if !ok {
		return value
	}
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return value
	}
	return id
}

// buildProjection returns an inclusion-only projection for fields, or the
// default projection hiding the scoping key.
func buildProjection(fields []string) map[string]int {
	projection := map[string]int{}
	for _, field := range fields {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		projection[storedFieldName(field)] = 1
	}
	if len(projection) == 0 {
		return map[string]int{mirror.FieldScopingKey: 0}
	}
	return projection
}

func storedFieldName(field string) string {
	if fieldcodec.IsReservedDotted(field) {
		return field
	}
	return fieldcodec.Encode(field)
}

func parseFilter(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, err := decodeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFilter, err)
	}
	filter, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: filter must be a JSON object", ErrBadFilter)
	}
	return filter, nil
}

func parseSort(raw string) (*mirror.SortKey, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	value, err := decodeJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: sort: %v", ErrBadFilter, err)
	}
	spec, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: sort must be a JSON object", ErrBadFilter)
	}
	if len(spec) > 1 {
		return nil, ErrTooManySortKeys
	}
	for field, dir := range spec {
		direction, err := sortDirection(dir)
		if err != nil {
			return nil, err
		}
		return &mirror.SortKey{Field: storedFieldName(field), Direction: direction}, nil
	}
	return nil, nil
}

func sortDirection(value any) (int, error) {
	switch typed := value.(type) {
	case int64:
		if typed == 1 || typed == -1 {
			return int(typed), nil
		}
	case float64:
		if typed == 1 || typed == -1 {
			return int(typed), nil
		}
	case string:
		switch strings.ToLower(strings.TrimSpace(typed)) {
		case "1", "asc", "ascending":
			return 1, nil
		case "-1", "desc", "descending":
			return -1, nil
		}
	}
	return 0, fmt.Errorf("%w: sort direction must be 1 or -1", ErrBadFilter)
}

// decodeJSON parses raw keeping integers as int64, so ids and counts compare
// the way the store stores them.
func decodeJSON(raw string) (any, error) {
	decoder := json.NewDecoder(bytes.NewReader([]byte(raw)))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		return nil, err
	}
	if decoder.More() {
		return nil, errors.New("trailing data after JSON value")
	}
	return normalizeNumbers(value), nil
}

func normalizeNumbers(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		for key, item := range typed {
			typed[key] = normalizeNumbers(item)
		}
		return typed
	case []any:
		for i, item := range typed {
			typed[i] = normalizeNumbers(item)
		}
		return typed
	case json.Number:
		if n, err := strconv.ParseInt(typed.String(), 10, 64); err == nil {
			return n
		}
		f, err := typed.Float64()
		if err != nil || math.IsInf(f, 0) {
			return typed.String()
		}
		return f
	default:
		return value
	}
}
