package mirror

import (
	"context"
	"fmt"
	"reflect"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/agentworkforce/relayform/internal/relayform"
	"go.mongodb.org/mongo-driver/v2/bson"
)

// MemoryStore keeps mirror documents in process. Its matcher understands the
// operator subset the query translator emits.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[int64]map[string]any
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: map[int64]map[string]any{}}
}

func (s *MemoryStore) Replace(ctx context.Context, id int64, doc map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stored := deepCopy(doc).(map[string]any)
	stored[FieldID] = id
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[id] = stored
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, id)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id int64) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, relayform.ErrNotFound
	}
	return deepCopy(doc).(map[string]any), nil
}

func (s *MemoryStore) Find(ctx context.Context, q Query) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	matched, err := s.match(q.Filter)
	if err != nil {
		return nil, err
	}
	if q.Sort != nil {
		sortDocuments(matched, q.Sort.Field, q.Sort.Direction)
	}
	matched = page(matched, q.Skip, q.Limit)
	out := make([]map[string]any, 0, len(matched))
	for _, doc := range matched {
		out = append(out, project(doc, q.Projection))
	}
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context, filter map[string]any) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	matched, err := s.match(filter)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

// Aggregate supports $match, $sort, $skip, $limit, $project and $count.
func (s *MemoryStore) Aggregate(ctx context.Context, pipeline []Stage) ([]map[string]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	docs, err := s.match(nil)
	if err != nil {
		return nil, err
	}
	sortDocuments(docs, FieldID, 1)
	for _, stage := range pipeline {
		docs, err = applyStage(docs, stage.Op, stage.Arg)
		if err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func (s *MemoryStore) Close(context.Context) error {
	return nil
}

func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *MemoryStore) match(filter map[string]any) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]int64, 0, len(s.docs))
	for id := range s.docs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	out := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		doc := s.docs[id]
		ok, err := Matches(doc, filter)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, deepCopy(doc).(map[string]any))
		}
	}
	return out, nil
}

func applyStage(docs []map[string]any, op string, arg any) ([]map[string]any, error) {
	switch op {
	case "$match":
		filter, ok := arg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: $match needs an object", ErrUnsupportedStage)
		}
		out := docs[:0:0]
		for _, doc := range docs {
			matched, err := Matches(doc, filter)
			if err != nil {
				return nil, err
			}
			if matched {
				out = append(out, doc)
			}
		}
		return out, nil
	case "$sort":
		var keys []SortKey
		switch spec := arg.(type) {
		case bson.D:
			for _, elem := range spec {
				direction, _ := toFloat(elem.Value)
				keys = append(keys, SortKey{Field: elem.Key, Direction: int(direction)})
			}
		case map[string]any:
			if len(spec) != 1 {
				return nil, fmt.Errorf("%w: a $sort over several keys needs an ordered document", ErrUnsupportedStage)
			}
			for field, dir := range spec {
				direction, _ := toFloat(dir)
				keys = append(keys, SortKey{Field: field, Direction: int(direction)})
			}
		}
		if len(keys) == 0 {
			return nil, fmt.Errorf("%w: $sort needs at least one key", ErrUnsupportedStage)
		}
		// Stable sorts applied from the last key to the first leave the first
		// key most significant.
		for i := len(keys) - 1; i >= 0; i-- {
			sortDocuments(docs, keys[i].Field, keys[i].Direction)
		}
		return docs, nil
	case "$skip", "$limit":
		n, ok := toFloat(arg)
		if !ok || n < 0 {
			return nil, fmt.Errorf("%w: %s needs a non-negative number", ErrUnsupportedStage, op)
		}
		if op == "$skip" {
			return page(docs, int64(n), 0), nil
		}
		return page(docs, 0, int64(n)), nil
	case "$project":
		spec, ok := arg.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: $project needs an object", ErrUnsupportedStage)
		}
		projection := make(map[string]int, len(spec))
		for field, value := range spec {
			n, _ := toFloat(value)
			if b, ok := value.(bool); ok && b {
				n = 1
			}
			projection[field] = int(n)
		}
		out := make([]map[string]any, 0, len(docs))
		for _, doc := range docs {
			out = append(out, project(doc, projection))
		}
		return out, nil
	case "$count":
		name, ok := arg.(string)
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: $count needs a field name", ErrUnsupportedStage)
		}
		return []map[string]any{{name: int64(len(docs))}}, nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedStage, op)
	}
}

// Matches evaluates a mirror filter against doc.
func Matches(doc map[string]any, filter map[string]any) (bool, error) {
	for key, cond := range filter {
		switch key {
		case "$and", "$or", "$nor":
			clauses, ok := cond.([]any)
			if !ok {
				return false, fmt.Errorf("%w: %s needs an array", ErrBadFilter, key)
			}
			ok, err := matchLogical(doc, key, clauses)
			if err != nil || !ok {
				return false, err
			}
		default:
			if strings.HasPrefix(key, "$") {
				return false, fmt.Errorf("%w: unsupported top-level operator %s", ErrBadFilter, key)
			}
			value, present := lookupPath(doc, key)
			ok, err := matchCondition(value, present, cond)
			if err != nil || !ok {
				return false, err
			}
		}
	}
	return true, nil
}

func matchLogical(doc map[string]any, op string, clauses []any) (bool, error) {
	for _, clause := range clauses {
		sub, ok := clause.(map[string]any)
		if !ok {
			return false, fmt.Errorf("%w: %s clauses must be objects", ErrBadFilter, op)
		}
		matched, err := Matches(doc, sub)
		if err != nil {
			return false, err
		}
		switch {
		case op == "$and" && !matched:
			return false, nil
		case op == "$or" && matched:
			return true, nil
		case op == "$nor" && matched:
			return false, nil
		}
	}
	return op != "$or" || len(clauses) == 0, nil
}

func matchCondition(value any, present bool, cond any) (bool, error) {
	ops, ok := cond.(map[string]any)
	if !ok || !isOperatorObject(ops) {
		return equalsValue(value, present, cond), nil
	}
	for op, arg := range ops {
		var matched bool
		switch op {
		case "$eq":
			matched = equalsValue(value, present, arg)
		case "$ne":
			matched = !equalsValue(value, present, arg)
		case "$exists":
			want, _ := arg.(bool)
			if n, isNum := toFloat(arg); isNum {
				want = n != 0
			}
			matched = present == want
		case "$gt", "$gte", "$lt", "$lte":
			matched = compareOp(value, present, op, arg)
		case "$in", "$nin":
			list, isList := arg.([]any)
			if !isList {
				return false, fmt.Errorf("%w: %s needs an array", ErrBadFilter, op)
			}
			found := false
			for _, candidate := range list {
				if equalsValue(value, present, candidate) {
					found = true
					break
				}
			}
			matched = found == (op == "$in")
		case "$regex":
			pattern, isString := arg.(string)
			if !isString {
				return false, fmt.Errorf("%w: $regex needs a string", ErrBadFilter)
			}
			if flags, ok := ops["$options"].(string); ok && strings.Contains(flags, "i") {
				pattern = "(?i)" + pattern
			}
			re, err := regexp.Compile(pattern)
			if err != nil {
				return false, fmt.Errorf("%w: invalid $regex: %v", ErrBadFilter, err)
			}
			text, isText := value.(string)
			matched = isText && re.MatchString(text)
		case "$options":
			matched = true
		case "$not":
			inner, err := matchCondition(value, present, arg)
			if err != nil {
				return false, err
			}
			matched = !inner
		default:
			return false, fmt.Errorf("%w: unsupported operator %s", ErrBadFilter, op)
		}
		if !matched {
			return false, nil
		}
	}
	return true, nil
}

func isOperatorObject(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for key := range m {
		if !strings.HasPrefix(key, "$") {
			return false
		}
	}
	return true
}

// equalsValue follows the store's rules: null matches a missing field and an
// array matches when any element does.
func equalsValue(value any, present bool, want any) bool {
	if want == nil {
		return !present || value == nil
	}
	if !present {
		return false
	}
	if valuesEqual(value, want) {
		return true
	}
	if list, ok := value.([]any); ok {
		for _, item := range list {
			if valuesEqual(item, want) {
				return true
			}
		}
	}
	return false
}

func valuesEqual(a, b any) bool {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		return ok && af == bf
	}
	return reflect.DeepEqual(a, b)
}

func compareOp(value any, present bool, op string, arg any) bool {
	if !present {
		return false
	}
	if list, ok := value.([]any); ok {
		for _, item := range list {
			if compareOp(item, true, op, arg) {
				return true
			}
		}
		return false
	}
	cmp, ok := compareComparable(value, arg)
	if !ok {
		return false
	}
	switch op {
	case "$gt":
		return cmp > 0
	case "$gte":
		return cmp >= 0
	case "$lt":
		return cmp < 0
	default:
		return cmp <= 0
	}
}

// compareComparable compares two numbers or two strings.
func compareComparable(a, b any) (int, bool) {
	if af, ok := toFloat(a); ok {
		bf, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, aok := a.(string)
	bs, bok := b.(string)
	if !aok || !bok {
		return 0, false
	}
	return strings.Compare(as, bs), true
}

func toFloat(value any) (float64, bool) {
	switch n := value.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

// lookupPath resolves a dotted path through nested objects.
func lookupPath(doc map[string]any, path string) (any, bool) {
	current := any(doc)
	for _, part := range strings.Split(path, ".") {
		m, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}

// typeRank orders values of different kinds: missing and null, numbers,
// strings, then everything else.
func typeRank(value any, present bool) int {
	if !present || value == nil {
		return 0
	}
	if _, ok := toFloat(value); ok {
		return 1
	}
	if _, ok := value.(string); ok {
		return 2
	}
	return 3
}

func sortDocuments(docs []map[string]any, field string, direction int) {
	if direction == 0 {
		direction = 1
	}
	sort.SliceStable(docs, func(i, j int) bool {
		a, aok := lookupPath(docs[i], field)
		b, bok := lookupPath(docs[j], field)
		ra, rb := typeRank(a, aok), typeRank(b, bok)
		cmp := 0
		if ra != rb {
			cmp = ra - rb
		} else if c, ok := compareComparable(a, b); ok {
			cmp = c
		}
		if direction < 0 {
			return cmp > 0
		}
		return cmp < 0
	})
}

func page(docs []map[string]any, skip, limit int64) []map[string]any {
	if skip >= int64(len(docs)) {
		return []map[string]any{}
	}
	docs = docs[skip:]
	if limit > 0 && limit < int64(len(docs)) {
		docs = docs[:limit]
	}
	return docs
}

// project applies an inclusion or exclusion projection. _id is kept by an
// inclusion projection unless excluded explicitly.
func project(doc map[string]any, projection map[string]int) map[string]any {
	if len(projection) == 0 {
		return doc
	}
	inclusive := false
	for field, flag := range projection {
		if field != FieldID && flag != 0 {
			inclusive = true
			break
		}
	}
	if !inclusive {
		out := deepCopy(doc).(map[string]any)
		for field, flag := range projection {
			if flag == 0 {
				deletePath(out, field)
			}
		}
		return out
	}
	out := map[string]any{}
	if flag, ok := projection[FieldID]; !ok || flag != 0 {
		if id, ok := doc[FieldID]; ok {
			out[FieldID] = id
		}
	}
	for field, flag := range projection {
		if flag == 0 || field == FieldID {
			continue
		}
		if value, ok := lookupPath(doc, field); ok {
			setPath(out, field, value)
		}
	}
	return out
}

func setPath(doc map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	current := doc
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

func deletePath(doc map[string]any, path string) {
	parts := strings.Split(path, ".")
	current := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := current[part].(map[string]any)
		if !ok {
			return
		}
		current = next
	}
	delete(current, parts[len(parts)-1])
}

func deepCopy(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for k, v := range typed {
			out[k] = deepCopy(v)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, v := range typed {
			out[i] = deepCopy(v)
		}
		return out
	case []string:
		out := make([]any, len(typed))
		for i, v := range typed {
			out[i] = v
		}
		return out
	default:
		return value
	}
}
