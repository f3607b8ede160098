package fieldcodec

import "strings"

// Mode selects how reserved dotted attributes are treated by EncodeDocument.
type Mode int

const (
	// Write prepares a document for storage: reserved dotted attributes are
	// exploded into nested objects.
	Write Mode = iota
	// Read prepares a query filter: reserved dotted attributes stay dotted so the
	// store addresses the nested field.
	Read
)

const (
	operatorPrefix = "$"
	separator      = "."
	escape         = "%"

	// Percent escapes. The escape character is itself escaped so every encoded
	// key decodes to exactly one original key.
	escapeToken    = "%25"
	operatorToken  = "%24"
	separatorToken = "%2E"
)

var operatorAllowList = map[string]struct{}{
	"$or":        {},
	"$and":       {},
	"$nor":       {},
	"$not":       {},
	"$exists":    {},
	"$eq":        {},
	"$ne":        {},
	"$in":        {},
	"$nin":       {},
	"$gt":        {},
	"$gte":       {},
	"$lt":        {},
	"$lte":       {},
	"$regex":     {},
	"$options":   {},
	"$all":       {},
	"$size":      {},
	"$elemMatch": {},
}

var reservedDottedAttributes = []string{
	"_validation_status",
}

func IsOperator(key string) bool {
	_, ok := operatorAllowList[key]
	return ok
}

// IsReservedDotted reports whether key addresses a sub-field of a reserved
// hierarchical attribute, e.g. "_validation_status.uid".
func IsReservedDotted(key string) bool {
	for _, attr := range reservedDottedAttributes {
		if strings.HasPrefix(key, attr+separator) && len(key) > len(attr)+1 {
			return true
		}
	}
	return false
}

// NeedsEncoding reports whether Encode would change key.
func NeedsEncoding(key string) bool {
	if IsOperator(key) {
		return false
	}
	return strings.HasPrefix(key, operatorPrefix) ||
		strings.Contains(key, separator) ||
		strings.Contains(key, escape)
}

// Encode replaces a leading operator prefix, every separator and every escape
// character with their percent escapes. Allow-listed operators are returned
// unchanged.
func Encode(key string) string {
	if !NeedsEncoding(key) {
		return key
	}
	var sb strings.Builder
	sb.Grow(len(key) + 4)
	rest := key
	if strings.HasPrefix(rest, operatorPrefix) {
		sb.WriteString(operatorToken)
		rest = rest[len(operatorPrefix):]
	}
	for i := 0; i < len(rest); i++ {
		switch rest[i] {
		case escape[0]:
			sb.WriteString(escapeToken)
		case separator[0]:
			sb.WriteString(separatorToken)
		default:
			sb.WriteByte(rest[i])
		}
	}
	return sb.String()
}

// Decode reverses Encode. A percent sequence Encode never produces is kept
// as is.
func Decode(key string) string {
	if IsOperator(key) || !strings.Contains(key, escape) {
		return key
	}
	var sb strings.Builder
	sb.Grow(len(key))
	for i := 0; i < len(key); {
		if key[i] == escape[0] && i+3 <= len(key) {
			switch key[i : i+3] {
			case escapeToken:
				sb.WriteString(escape)
				i += 3
				continue
			case operatorToken:
				sb.WriteString(operatorPrefix)
				i += 3
				continue
			case separatorToken:
				sb.WriteString(separator)
				i += 3
				continue
			}
		}
		sb.WriteByte(key[i])
		i++
	}
	return sb.String()
}

// EncodeDocument returns a copy of doc with every key made safe for the store.
// Lists and nested objects are walked recursively. The input is not modified.
func EncodeDocument(doc map[string]any, mode Mode) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for key, value := range doc {
		value = encodeValue(value, mode)
		if IsReservedDotted(key) {
			if mode == Read {
				out[key] = value
				continue
			}
			mergeNested(out, strings.Split(key, separator), value)
			continue
		}
		encoded := Encode(key)
		if existing, ok := out[encoded].(map[string]any); ok {
			if incoming, ok := value.(map[string]any); ok {
				for k, v := range incoming {
					existing[k] = v
				}
				continue
			}
		}
		out[encoded] = value
	}
	return out
}

// DecodeDocument reverses EncodeDocument's key encoding. Nested objects built
// from reserved dotted attributes are left nested.
func DecodeDocument(doc map[string]any) map[string]any {
	if doc == nil {
		return nil
	}
	out := make(map[string]any, len(doc))
	for key, value := range doc {
		out[Decode(key)] = decodeValue(value)
	}
	return out
}

func encodeValue(value any, mode Mode) any {
	switch typed := value.(type) {
	case map[string]any:
		return EncodeDocument(typed, mode)
	case []any:
		items := make([]any, len(typed))
		for i, item := range typed {
			items[i] = encodeValue(item, mode)
		}
		return items
	case []map[string]any:
		items := make([]any, len(typed))
		for i, item := range typed {
			items[i] = EncodeDocument(item, mode)
		}
		return items
	default:
		return value
	}
}

func decodeValue(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		return DecodeDocument(typed)
	case []any:
		items := make([]any, len(typed))
		for i, item := range typed {
			items[i] = decodeValue(item)
		}
		return items
	case []map[string]any:
		items := make([]any, len(typed))
		for i, item := range typed {
			items[i] = DecodeDocument(item)
		}
		return items
	default:
		return value
	}
}

// mergeNested places value at path inside dst, creating or extending the
// intermediate objects.
func mergeNested(dst map[string]any, path []string, value any) {
	head := path[0]
	if len(path) == 1 {
		dst[head] = value
		return
	}
	child, ok := dst[head].(map[string]any)
	if !ok {
		child = map[string]any{}
		dst[head] = child
	}
	mergeNested(child, path[1:], value)
}
