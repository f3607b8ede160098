package relayform

import (
	"errors"
	"reflect"
	"testing"
	"time"
)

func TestParseInstanceExtractsIdentifiersAndFields(t *testing.T) {
	body := []byte(`<?xml version="1.0" encoding="UTF-8"?>
<household id="household_survey" version="2024.1" submissionDate="2024-03-05T10:11:12Z">
  <formhub><uuid>f0f0f0</uuid></formhub>
  <respondent>
    <name>Ama</name>
    <age>34</age>
    <note></note>
  </respondent>
  <location>5.6037 -0.1870 10 5</location>
  <member><mname>Kofi</mname><mage>8</mage></member>
  <member><mname>Esi</mname><mage>5</mage></member>
  <meta>
    <instanceID>uuid:7d1e6d3c-1111-4c1a-9d27-000000000001</instanceID>
    <deprecatedID>uuid:7d1e6d3c-1111-4c1a-9d27-000000000000</deprecatedID>
  </meta>
</household>`)

	inst, err := ParseInstance(body)
	if err != nil {
		t.Fatalf("parse instance failed: %v", err)
	}
	if inst.RootName != "household" || inst.FormIDString != "household_survey" || inst.Version != "2024.1" {
		t.Fatalf("unexpected root metadata: %+v", inst)
	}
	if inst.FormUUID != "f0f0f0" {
		t.Fatalf("expected form uuid f0f0f0, got %q", inst.FormUUID)
	}
	if inst.UUID != "7d1e6d3c-1111-4c1a-9d27-000000000001" {
		t.Fatalf("expected uuid prefix stripped, got %q", inst.UUID)
	}
	if inst.DeprecatedUUID != "7d1e6d3c-1111-4c1a-9d27-000000000000" {
		t.Fatalf("expected deprecated uuid prefix stripped, got %q", inst.DeprecatedUUID)
	}
	if inst.SubmissionDate == nil || !inst.SubmissionDate.Equal(time.Date(2024, 3, 5, 10, 11, 12, 0, time.UTC)) {
		t.Fatalf("unexpected submission date: %v", inst.SubmissionDate)
	}
	if inst.Hash != ContentHash(body) || len(inst.Hash) != 64 {
		t.Fatalf("unexpected content hash %q", inst.Hash)
	}

	if inst.Fields["respondent/name"] != "Ama" || inst.Fields["respondent/age"] != "34" {
		t.Fatalf("expected group fields flattened by path, got %+v", inst.Fields)
	}
	if _, ok := inst.Fields["respondent/note"]; ok {
		t.Fatalf("expected empty answers to be omitted")
	}
	if inst.Fields["meta/instanceID"] != "uuid:7d1e6d3c-1111-4c1a-9d27-000000000001" {
		t.Fatalf("expected meta fields kept verbatim, got %v", inst.Fields["meta/instanceID"])
	}
	wantMembers := []any{
		map[string]any{"member/mname": "Kofi", "member/mage": "8"},
		map[string]any{"member/mname": "Esi", "member/mage": "5"},
	}
	if !reflect.DeepEqual(inst.Fields["member"], wantMembers) {
		t.Fatalf("unexpected repeat group: %#v", inst.Fields["member"])
	}

	lat, lng := inst.Geopoint("location")
	if lat == nil || lng == nil || *lat != 5.6037 || *lng != -0.1870 {
		t.Fatalf("unexpected geopoint %v %v", lat, lng)
	}
	if lat, lng := inst.Geopoint("respondent/name"); lat != nil || lng != nil {
		t.Fatalf("expected non-numeric geopoint to be ignored")
	}
}

func TestParseInstanceFallsBackToRootAttributes(t *testing.T) {
	inst, err := ParseInstance([]byte(`<survey instanceID="uuid:abc"><q>1</q></survey>`))
	if err != nil {
		t.Fatalf("parse instance failed: %v", err)
	}
	if inst.UUID != "abc" {
		t.Fatalf("expected uuid from root attribute, got %q", inst.UUID)
	}
	if inst.FormIDString != "survey" {
		t.Fatalf("expected id string to fall back to root name, got %q", inst.FormIDString)
	}
}

func TestParseInstanceRejections(t *testing.T) {
	tests := []struct {
		name string
		body []byte
		want error
	}{
		{name: "empty", body: []byte("  \n"), want: ErrEmptyPayload},
		{name: "malformed", body: []byte(`<survey><q>1</survey>`), want: ErrMalformedPayload},
		{name: "no root", body: []byte(`<?xml version="1.0"?>`), want: ErrMalformedPayload},
		{name: "two roots", body: []byte(`<a></a><b></b>`), want: ErrAmbiguousPayload},
		{name: "two instance ids", body: []byte(`<s><meta><instanceID>uuid:1</instanceID><instanceID>uuid:2</instanceID></meta></s>`), want: ErrAmbiguousPayload},
		{name: "invalid utf-8", body: []byte("<s><q>\xff\xfe</q></s>"), want: ErrEncodingFailure},
		{name: "unknown charset", body: []byte(`<?xml version="1.0" encoding="x-no-such-charset"?><s/>`), want: ErrEncodingFailure},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseInstance(tt.body)
			if !errors.Is(err, tt.want) {
				t.Fatalf("expected %v, got %v", tt.want, err)
			}
			var ingestErr *IngestError
			if !errors.As(err, &ingestErr) {
				t.Fatalf("expected *IngestError, got %T", err)
			}
		})
	}
}

func TestParseInstanceDecodesDeclaredCharset(t *testing.T) {
	body := []byte("<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?><s id=\"f\"><city>S\xe3o Paulo</city></s>")
	inst, err := ParseInstance(body)
	if err != nil {
		t.Fatalf("parse latin-1 instance failed: %v", err)
	}
	if inst.Fields["city"] != "São Paulo" {
		t.Fatalf("expected decoded city, got %q", inst.Fields["city"])
	}
}
