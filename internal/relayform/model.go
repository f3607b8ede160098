package relayform

import (
	"errors"
	"time"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotImplemented = errors.New("not implemented")

	ErrFormNotFound          = errors.New("form not found")
	ErrPermissionDenied      = errors.New("permission denied")
	ErrFormInactive          = errors.New("form is not active")
	ErrMalformedPayload      = errors.New("improperly formatted xml")
	ErrEmptyPayload          = errors.New("received empty submission")
	ErrMissingCallerIdentity = errors.New("username or id required")
	ErrVerbatimDuplicate     = errors.New("duplicate submission")
	ErrUUIDDuplicate         = errors.New("submission already received")
	ErrEncodingFailure       = errors.New("submission could not be decoded")
	ErrAmbiguousPayload      = errors.New("ambiguous submission payload")
	ErrWebhookDelivery       = errors.New("webhook delivery failed")

	// errUUIDConflict is returned by a Tx when the live-uuid uniqueness
	// constraint rejects an insert; the ingestor retries and lands on the
	// duplicate path.
	errUUIDConflict = errors.New("submission uuid conflict")
)

type ErrorKind string

const (
	KindFormNotFound          ErrorKind = "form_not_found"
	KindPermissionDenied      ErrorKind = "permission_denied"
	KindFormInactive          ErrorKind = "form_inactive"
	KindMalformedPayload      ErrorKind = "malformed_payload"
	KindEmptyPayload          ErrorKind = "empty_payload"
	KindMissingCallerIdentity ErrorKind = "missing_caller_identity"
	KindEncodingFailure       ErrorKind = "encoding_failure"
	KindAmbiguousPayload      ErrorKind = "ambiguous_payload"
	KindWebhookDelivery       ErrorKind = "webhook_delivery"
)

var kindSentinels = map[ErrorKind]error{
	KindFormNotFound:          ErrFormNotFound,
	KindPermissionDenied:      ErrPermissionDenied,
	KindFormInactive:          ErrFormInactive,
	KindMalformedPayload:      ErrMalformedPayload,
	KindEmptyPayload:          ErrEmptyPayload,
	KindMissingCallerIdentity: ErrMissingCallerIdentity,
	KindEncodingFailure:       ErrEncodingFailure,
	KindAmbiguousPayload:      ErrAmbiguousPayload,
	KindWebhookDelivery:       ErrWebhookDelivery,
}

// IngestError is a terminal ingestion failure. Message is safe to show to the
// submitting client.
type IngestError struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *IngestError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if sentinel, ok := kindSentinels[e.Kind]; ok {
		return sentinel.Error()
	}
	return string(e.Kind)
}

func (e *IngestError) Is(target error) bool {
	return kindSentinels[e.Kind] == target
}

func (e *IngestError) Unwrap() error {
	return e.Err
}

func newIngestError(kind ErrorKind, message string, cause error) *IngestError {
	return &IngestError{Kind: kind, Message: message, Err: cause}
}

type Outcome string

const (
	OutcomeNew               Outcome = "new"
	OutcomeEdit              Outcome = "edit"
	OutcomeVerbatimDuplicate Outcome = "verbatim_duplicate"
	OutcomeUUIDDuplicate     Outcome = "uuid_duplicate"
	OutcomeRejected          Outcome = "rejected"
)

func (o Outcome) IsDuplicate() bool {
	return o == OutcomeVerbatimDuplicate || o == OutcomeUUIDDuplicate
}

type Note struct {
	Note      string    `json:"note"`
	Owner     string    `json:"owner"`
	CreatedAt time.Time `json:"date"`
}

type Submission struct {
	ID               int64          `json:"id"`
	FormID           int64          `json:"formId"`
	FormIDString     string         `json:"formIdString"`
	FormOwner        string         `json:"formOwner"`
	XMLBody          string         `json:"-"`
	XMLHash          string         `json:"xmlHash"`
	UUID             string         `json:"uuid"`
	DeprecatedUUID   string         `json:"deprecatedUuid,omitempty"`
	SubmittedBy      string         `json:"submittedBy,omitempty"`
	Status           string         `json:"status"`
	CreatedAt        time.Time      `json:"createdAt"`
	ModifiedAt       time.Time      `json:"modifiedAt"`
	DeletedAt        *time.Time     `json:"deletedAt,omitempty"`
	ValidationStatus map[string]any `json:"validationStatus,omitempty"`
	Tags             []string       `json:"tags,omitempty"`
	Notes            []Note         `json:"notes,omitempty"`
	Edited           bool           `json:"edited"`
	Latitude         *float64       `json:"latitude,omitempty"`
	Longitude        *float64       `json:"longitude,omitempty"`
}

func (s Submission) Deleted() bool {
	return s.DeletedAt != nil
}

// ScopingKey partitions the shared mirror collection per form.
func ScopingKey(owner, idString string) string {
	return owner + "_" + idString
}

func (s Submission) ScopingKey() string {
	return ScopingKey(s.FormOwner, s.FormIDString)
}

type EditHistoryRecord struct {
	ID           int64     `json:"id"`
	SubmissionID int64     `json:"submissionId"`
	XMLBody      string    `json:"xml"`
	PriorUUID    string    `json:"uuid"`
	CreatedAt    time.Time `json:"createdAt"`
}

type AttachmentRef struct {
	ID           int64     `json:"id"`
	SubmissionID int64     `json:"submissionId"`
	FileRef      string    `json:"fileRef"`
	Filename     string    `json:"filename"`
	MimeType     string    `json:"mimetype"`
	CreatedAt    time.Time `json:"createdAt"`
}

type FormEndpoint struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
	Tag  string `json:"tag" yaml:"tag"`
}

type Form struct {
	ID            int64          `json:"id" yaml:"id"`
	IDString      string         `json:"idString" yaml:"id_string"`
	UUID          string         `json:"uuid" yaml:"uuid"`
	Owner         string         `json:"owner" yaml:"owner"`
	Title         string         `json:"title" yaml:"title"`
	Active        bool           `json:"active" yaml:"active"`
	HasStartTime  bool           `json:"hasStartTime" yaml:"has_start_time"`
	RequireAuth   bool           `json:"requireAuth" yaml:"require_auth"`
	GeopointField string         `json:"geopointField,omitempty" yaml:"geopoint_field"`
	SubmitGrants  []string       `json:"submitGrants,omitempty" yaml:"submit_grants"`
	EditGrants    []string       `json:"editGrants,omitempty" yaml:"edit_grants"`
	Endpoints     []FormEndpoint `json:"endpoints,omitempty" yaml:"endpoints"`
}

func (f Form) CanSubmit(caller Caller) bool {
	if !f.RequireAuth {
		return true
	}
	if caller.Username == "" {
		return false
	}
	return caller.Username == f.Owner || stringSliceContains(f.SubmitGrants, caller.Username) || stringSliceContains(f.EditGrants, caller.Username)
}

func (f Form) CanEdit(caller Caller) bool {
	if caller.Username == "" {
		return false
	}
	return caller.Username == f.Owner || stringSliceContains(f.EditGrants, caller.Username)
}

// Caller is the authenticated identity behind a request. An empty Username is
// an anonymous caller.
type Caller struct {
	Username string
}

func (c Caller) Anonymous() bool {
	return c.Username == ""
}

func stringSliceContains(values []string, needle string) bool {
	for _, value := range values {
		if value == needle {
			return true
		}
	}
	return false
}
