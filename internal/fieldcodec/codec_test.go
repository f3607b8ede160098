package fieldcodec

import (
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{name: "plain", key: "group/question", want: "group/question"},
		{name: "leading prefix", key: "$where", want: "%24where"},
		{name: "inner prefix untouched", key: "price$usd", want: "price$usd"},
		{name: "separator", key: "a.b.c", want: "a%2Eb%2Ec"},
		{name: "both", key: "$a.b", want: "%24a%2Eb"},
		{name: "allow-listed operator", key: "$or", want: "$or"},
		{name: "lone prefix", key: "$", want: "%24"},
		{name: "lone separator", key: ".", want: "%2E"},
		{name: "prefix and separator only", key: "$.", want: "%24%2E"},
		{name: "escape character", key: "50%", want: "50%25"},
		{name: "literal escape sequence", key: "%24x", want: "%2524x"},
		{name: "literal separator escape", key: "a%2Eb", want: "a%252Eb"},
		{name: "base64 lookalike", key: "JA==x", want: "JA==x"},
		{name: "empty", key: "", want: ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Encode(tt.key)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.key, Decode(got))
		})
	}
}

func TestKeyRoundTripGenerated(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	alphabet := []rune("ab_/$.9%2E4=JALg")
	for i := 0; i < 5000; i++ {
		n := rng.Intn(8)
		var sb strings.Builder
		for j := 0; j < n; j++ {
			sb.WriteRune(alphabet[rng.Intn(len(alphabet))])
		}
		key := sb.String()
		encoded := Encode(key)
		if !IsOperator(key) {
			require.False(t, strings.HasPrefix(encoded, "$"), "encoded key %q keeps operator prefix", encoded)
			require.NotContains(t, encoded, ".")
		}
		require.Equal(t, key, Decode(encoded), "round trip of %q", key)
	}
}

func TestDecodeKeepsUnknownPercentSequences(t *testing.T) {
	for _, key := range []string{"%", "%2", "%2e", "%41", "a%"} {
		assert.Equal(t, key, Decode(key))
	}
}

func TestDocumentRoundTrip(t *testing.T) {
	doc := map[string]any{
		"$amount": "10",
		"a.b":     "dotted",
		"plain":   "x",
		"group": map[string]any{
			"$inner.key": 1,
			"_id":        "42",
			"list": []any{
				map[string]any{"x.y": "z"},
				"scalar",
				[]any{map[string]any{"$deep": true}},
			},
		},
		"repeat": []map[string]any{{"r.1": "one"}},
	}

	encoded := EncodeDocument(doc, Write)
	assertNoUnsafeKeys(t, encoded)
	decoded := DecodeDocument(encoded)

	expected := map[string]any{
		"$amount": "10",
		"a.b":     "dotted",
		"plain":   "x",
		"group": map[string]any{
			"$inner.key": 1,
			"_id":        "42",
			"list": []any{
				map[string]any{"x.y": "z"},
				"scalar",
				[]any{map[string]any{"$deep": true}},
			},
		},
		"repeat": []any{map[string]any{"r.1": "one"}},
	}
	assert.Equal(t, expected, decoded)
	assert.Contains(t, doc, "$amount", "input must not be mutated")
}

func TestReservedDottedAttributeAsymmetry(t *testing.T) {
	doc := map[string]any{"_validation_status.uid": "validation_status_approved"}

	written := EncodeDocument(doc, Write)
	require.Equal(t, map[string]any{
		"_validation_status": map[string]any{"uid": "validation_status_approved"},
	}, written)

	read := EncodeDocument(doc, Read)
	require.Equal(t, map[string]any{"_validation_status.uid": "validation_status_approved"}, read)
}

func TestReservedDottedAttributeMergesWithObject(t *testing.T) {
	doc := map[string]any{
		"_validation_status":       map[string]any{"label": "Approved"},
		"_validation_status.uid":   "validation_status_approved",
		"_validation_status.by.me": "alice",
	}
	written := EncodeDocument(doc, Write)
	assert.Equal(t, map[string]any{
		"_validation_status": map[string]any{
			"label": "Approved",
			"uid":   "validation_status_approved",
			"by":    map[string]any{"me": "alice"},
		},
	}, written)
}

func TestEncodeDocumentLeavesIDValuesAlone(t *testing.T) {
	doc := map[string]any{"_id": "42", "group": map[string]any{"_id": "7"}}
	for _, mode := range []Mode{Write, Read} {
		encoded := EncodeDocument(doc, mode)
		assert.Equal(t, "42", encoded["_id"])
		assert.Equal(t, map[string]any{"_id": "7"}, encoded["group"])
		assert.Equal(t, doc, DecodeDocument(encoded))
	}
}

func TestEncodeDocumentKeepsOperators(t *testing.T) {
	filter := map[string]any{
		"$or": []any{
			map[string]any{"age": map[string]any{"$gt": 5}},
			map[string]any{"$where": "sleep(1000)"},
		},
	}
	encoded := EncodeDocument(filter, Read)
	branches := encoded["$or"].([]any)
	assert.Equal(t, map[string]any{"age": map[string]any{"$gt": 5}}, branches[0])
	assert.Equal(t, map[string]any{"%24where": "sleep(1000)"}, branches[1])
}

func assertNoUnsafeKeys(t *testing.T, value any) {
	t.Helper()
	switch typed := value.(type) {
	case map[string]any:
		for key, child := range typed {
			if !IsOperator(key) {
				require.False(t, strings.HasPrefix(key, "$"), "unsafe key %q", key)
				require.NotContains(t, key, ".", "unsafe key %q", key)
			}
			assertNoUnsafeKeys(t, child)
		}
	case []any:
		for _, child := range typed {
			assertNoUnsafeKeys(t, child)
		}
	}
}
