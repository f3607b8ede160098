package relayform

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/xml"
	"errors"
	"io"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/net/html/charset"
)

const uuidPrefix = "uuid:"

var (
	xmlDeclEncoding = regexp.MustCompile(`^\s*<\?xml[^>]*encoding\s*=\s*["']([^"']+)["']`)
	utf8BOM         = []byte{0xEF, 0xBB, 0xBF}
)

var submissionDateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// Instance is a parsed submission document.
type Instance struct {
	RootName       string
	FormIDString   string
	Version        string
	FormUUID       string
	UUID           string
	DeprecatedUUID string
	SubmissionDate *time.Time
	Fields         map[string]any
	Hash           string
}

type xmlNode struct {
	name     string
	attrs    map[string]string
	text     strings.Builder
	children []*xmlNode
}

// ParseInstance decodes an OpenRosa instance document. Leaf values are keyed by
// their slash-joined path below the root element; sibling groups sharing a name
// become a list of objects.
func ParseInstance(body []byte) (Instance, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return Instance{}, newIngestError(KindEmptyPayload, "", nil)
	}
	root, err := parseXMLTree(body)
	if err != nil {
		return Instance{}, err
	}

	inst := Instance{
		RootName:     root.name,
		FormIDString: strings.TrimSpace(root.attrs["id"]),
		Version:      strings.TrimSpace(root.attrs["version"]),
		Fields:       map[string]any{},
		Hash:         ContentHash(body),
	}
	if inst.FormIDString == "" {
		inst.FormIDString = root.name
	}
	if raw := strings.TrimSpace(root.attrs["submissionDate"]); raw != "" {
		if ts, ok := parseSubmissionDate(raw); ok {
			inst.SubmissionDate = &ts
		}
	}
	if formhub := root.child("formhub"); formhub != nil {
		if node := formhub.child("uuid"); node != nil {
			inst.FormUUID = strings.TrimSpace(node.text.String())
		}
	}

	meta := root.child("meta")
	if meta != nil {
		ids := meta.childrenNamed("instanceID")
		if len(ids) > 1 {
			return Instance{}, newIngestError(KindAmbiguousPayload, "multiple instanceID nodes", nil)
		}
		if len(ids) == 1 {
			inst.UUID = stripUUIDPrefix(ids[0].text.String())
		}
		if node := meta.child("deprecatedID"); node != nil {
			inst.DeprecatedUUID = stripUUIDPrefix(node.text.String())
		}
	}
	if inst.UUID == "" {
		inst.UUID = stripUUIDPrefix(root.attrs["instanceID"])
	}

	flattenNode(root, "", inst.Fields)
	return inst, nil
}

// ContentHash is the digest used for verbatim-duplicate detection.
func ContentHash(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Geopoint reads "lat lng [alt acc]" from the named field.
func (i Instance) Geopoint(field string) (*float64, *float64) {
	field = strings.TrimSpace(field)
	if field == "" {
		return nil, nil
	}
	raw, ok := i.Fields[field].(string)
	if !ok {
		return nil, nil
	}
	parts := strings.Fields(raw)
	if len(parts) < 2 {
		return nil, nil
	}
	lat, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return nil, nil
	}
	lng, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return nil, nil
	}
	return &lat, &lng
}

func parseXMLTree(body []byte) (*xmlNode, error) {
	declared := ""
	if match := xmlDeclEncoding.FindSubmatch(body); match != nil {
		declared = strings.ToLower(strings.TrimSpace(string(match[1])))
	}
	if (declared == "" || declared == "utf-8" || declared == "utf8") && !utf8.Valid(body) {
		return nil, newIngestError(KindEncodingFailure, "submission is not valid utf-8", nil)
	}

	var charsetErr error
	decoder := xml.NewDecoder(bytes.NewReader(bytes.TrimPrefix(body, utf8BOM)))
	decoder.Strict = true
	decoder.CharsetReader = func(label string, input io.Reader) (io.Reader, error) {
		reader, err := charset.NewReaderLabel(label, input)
		if err != nil {
			charsetErr = err
		}
		return reader, err
	}

	var root *xmlNode
	var stack []*xmlNode
	for {
		token, err := decoder.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if charsetErr != nil {
				return nil, newIngestError(KindEncodingFailure, "", charsetErr)
			}
			return nil, newIngestError(KindMalformedPayload, "", err)
		}
		switch tok := token.(type) {
		case xml.StartElement:
			node := &xmlNode{name: tok.Name.Local, attrs: map[string]string{}}
			for _, attr := range tok.Attr {
				node.attrs[attr.Name.Local] = attr.Value
			}
			if len(stack) == 0 {
				if root != nil {
					return nil, newIngestError(KindAmbiguousPayload, "multiple root nodes", nil)
				}
				root = node
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, node)
			}
			stack = append(stack, node)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(tok)
			}
		}
	}
	if root == nil {
		return nil, newIngestError(KindMalformedPayload, "", errors.New("no root element"))
	}
	return root, nil
}

func flattenNode(node *xmlNode, prefix string, out map[string]any) {
	counts := map[string]int{}
	for _, child := range node.children {
		counts[child.name]++
	}
	seen := map[string]bool{}
	for _, child := range node.children {
		path := prefix + child.name
		if counts[child.name] > 1 {
			if seen[child.name] {
				continue
			}
			seen[child.name] = true
			items := make([]any, 0, counts[child.name])
			for _, sibling := range node.children {
				if sibling.name != child.name {
					continue
				}
				if len(sibling.children) == 0 {
					items = append(items, strings.TrimSpace(sibling.text.String()))
					continue
				}
				entry := map[string]any{}
				flattenNode(sibling, path+"/", entry)
				items = append(items, entry)
			}
			out[path] = items
			continue
		}
		if len(child.children) > 0 {
			flattenNode(child, path+"/", out)
			continue
		}
		value := strings.TrimSpace(child.text.String())
		if value == "" {
			continue
		}
		out[path] = value
	}
}

func (n *xmlNode) child(name string) *xmlNode {
	for _, c := range n.children {
		if c.name == name {
			return c
		}
	}
	return nil
}

func (n *xmlNode) childrenNamed(name string) []*xmlNode {
	var out []*xmlNode
	for _, c := range n.children {
		if c.name == name {
			out = append(out, c)
		}
	}
	return out
}

func stripUUIDPrefix(value string) string {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(strings.ToLower(value), uuidPrefix) {
		value = value[len(uuidPrefix):]
	}
	return strings.TrimSpace(value)
}

func parseSubmissionDate(raw string) (time.Time, bool) {
	for _, layout := range submissionDateLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
