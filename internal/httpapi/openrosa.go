package httpapi

import (
	"encoding/xml"
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relayform/internal/relayform"
	"github.com/go-chi/chi/v5"
)

const (
	openRosaVersion   = "1.0"
	xmlSubmissionPart = "xml_submission_file"
	openRosaNS        = "http://openrosa.org/http/response"
	submissionMetaNS  = "http://www.opendatakit.org/xforms"
)

type openRosaResponse struct {
	XMLName  xml.Name            `xml:"OpenRosaResponse"`
	XMLNS    string              `xml:"xmlns,attr"`
	Message  openRosaMessage     `xml:"message"`
	Metadata *submissionMetadata `xml:"submissionMetadata,omitempty"`
}

type openRosaMessage struct {
	Nature string `xml:"nature,attr,omitempty"`
	Text   string `xml:",chardata"`
}

type submissionMetadata struct {
	XMLNS                string `xml:"xmlns,attr"`
	ID                   string `xml:"id,attr"`
	InstanceID           string `xml:"instanceID,attr"`
	SubmissionDate       string `xml:"submissionDate,attr"`
	IsComplete           bool   `xml:"isComplete,attr"`
	MarkedAsCompleteDate string `xml:"markedAsCompleteDate,attr"`
}

func (s *Server) setOpenRosaHeaders(w http.ResponseWriter) {
	w.Header().Set("X-OpenRosa-Version", openRosaVersion)
	w.Header().Set("X-OpenRosa-Accept-Content-Length", strconv.FormatInt(s.cfg.MaxBodyBytes, 10))
	w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
}

func (s *Server) handleSubmissionHead(w http.ResponseWriter, r *http.Request) {
	s.setOpenRosaHeaders(w)
	w.Header().Set("Location", absoluteURL(r))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSubmission(w http.ResponseWriter, r *http.Request) {
	s.setOpenRosaHeaders(w)
	caller, authErr := s.submissionCaller(r)
	if authErr != nil {
		if authErr.status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Bearer realm="relayform"`)
		}
		writeOpenRosa(w, authErr.status, openRosaResponse{Message: openRosaMessage{Text: authErr.message}})
		return
	}
	rateKey := caller.Username
	if rateKey == "" {
		rateKey = "anon|" + remoteHost(r)
	}
	if !s.allowRequest(w, rateKey) {
		writeOpenRosa(w, http.StatusTooManyRequests, openRosaResponse{Message: openRosaMessage{Text: "rate limit exceeded"}})
		return
	}

	payload, attachments, status, err := s.readSubmission(w, r)
	if err != nil {
		writeOpenRosa(w, status, openRosaResponse{Message: openRosaMessage{Text: err.Error()}})
		return
	}

	result, err := s.backends.Ingestor.Ingest(r.Context(), relayform.IngestRequest{
		XML:         payload,
		Attachments: attachments,
		Caller:      caller,
		Username:    chi.URLParam(r, "username"),
	})
	if err != nil {
		status, message := ingestErrorStatus(err, caller)
		if status == http.StatusUnauthorized {
			w.Header().Set("WWW-Authenticate", `Bearer realm="relayform"`)
		}
		if status >= 500 {
			s.cfg.Logger.Error().Err(err).Str("correlation_id", getCorrelationID(r)).Msg("submission failed")
		}
		writeOpenRosa(w, status, openRosaResponse{Message: openRosaMessage{Text: message}})
		return
	}

	w.Header().Set("Location", absoluteURL(r))
	sub := result.Submission
	submittedAt := sub.CreatedAt.UTC().Format(time.RFC3339)
	response := openRosaResponse{
		Message: openRosaMessage{Nature: "submit_success", Text: "Successful submission."},
		Metadata: &submissionMetadata{
			XMLNS:                submissionMetaNS,
			ID:                   sub.FormIDString,
			InstanceID:           "uuid:" + sub.UUID,
			SubmissionDate:       submittedAt,
			IsComplete:           true,
			MarkedAsCompleteDate: submittedAt,
		},
	}
	status = http.StatusCreated
	if result.Outcome.IsDuplicate() {
		status = http.StatusAccepted
		response.Message.Text = "Duplicate submission"
	}
	writeOpenRosa(w, status, response)
}

// submissionCaller authenticates the caller when a bearer is presented.
// Submissions without one are anonymous; the form decides whether that is
// enough.
func (s *Server) submissionCaller(r *http.Request) (relayform.Caller, *authError) {
	header := r.Header.Get("Authorization")
	if strings.TrimSpace(header) == "" {
		return relayform.Caller{}, nil
	}
	claims, err := parseBearer(header, s.cfg.JWTSecret, time.Now().UTC())
	if err != nil {
		return relayform.Caller{}, err
	}
	return relayform.Caller{Username: claims.Username}, nil
}

// readSubmission accepts either a multipart body carrying the instance in the
// xml_submission_file part, or the raw instance document.
func (s *Server) readSubmission(w http.ResponseWriter, r *http.Request) ([]byte, []relayform.AttachmentFile, int, error) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			return nil, nil, bodyErrorStatus(err), errors.New("failed to read request body")
		}
		return body, nil, 0, nil
	}

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, nil, bodyErrorStatus(err), errors.New("invalid multipart body")
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	var payload []byte
	var attachments []relayform.AttachmentFile
	for field, headers := range r.MultipartForm.File {
		for _, header := range headers {
			data, err := readPart(header)
			if err != nil {
				return nil, nil, http.StatusBadRequest, errors.New("failed to read multipart part")
			}
			if field == xmlSubmissionPart && payload == nil {
				payload = data
				continue
			}
			attachments = append(attachments, relayform.AttachmentFile{
				Filename: header.Filename,
				MimeType: header.Header.Get("Content-Type"),
				Data:     data,
			})
		}
	}
	if payload == nil {
		if values := r.MultipartForm.Value[xmlSubmissionPart]; len(values) > 0 {
			payload = []byte(values[0])
		}
	}
	return payload, attachments, 0, nil
}

func readPart(header *multipart.FileHeader) ([]byte, error) {
	f, err := header.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return io.ReadAll(f)
}

func bodyErrorStatus(err error) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusBadRequest
}

// ingestErrorStatus maps an ingestion failure onto the OpenRosa status code
// and a message safe to return to the device.
func ingestErrorStatus(err error, caller relayform.Caller) (int, string) {
	switch {
	case errors.Is(err, relayform.ErrPermissionDenied):
		if caller.Anonymous() {
			return http.StatusUnauthorized, "authentication required"
		}
		return http.StatusForbidden, err.Error()
	case errors.Is(err, relayform.ErrFormNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, relayform.ErrFormInactive):
		return http.StatusMethodNotAllowed, err.Error()
	case errors.Is(err, relayform.ErrMalformedPayload),
		errors.Is(err, relayform.ErrEmptyPayload),
		errors.Is(err, relayform.ErrEncodingFailure),
		errors.Is(err, relayform.ErrAmbiguousPayload),
		errors.Is(err, relayform.ErrMissingCallerIdentity):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, relayform.ErrWebhookDelivery):
		return http.StatusInternalServerError, "submission stored but webhook delivery failed"
	default:
		return http.StatusInternalServerError, "submission could not be stored"
	}
}

func writeOpenRosa(w http.ResponseWriter, status int, response openRosaResponse) {
	response.XMLNS = openRosaNS
	body, err := xml.Marshal(response)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(xml.Header))
	_, _ = w.Write(body)
}

func absoluteURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if forwarded := r.Header.Get("X-Forwarded-Proto"); forwarded != "" {
		scheme = forwarded
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func remoteHost(r *http.Request) string {
	host := r.RemoteAddr
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		host = host[:idx]
	}
	return host
}
