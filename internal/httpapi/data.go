package httpapi

import (
	"encoding/json"
	"errors"
	"math"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relayform/internal/mirror"
	"github.com/agentworkforce/relayform/internal/query"
	"github.com/agentworkforce/relayform/internal/relayform"
	"github.com/go-chi/chi/v5"
)

type dataRoute struct {
	owner    string
	idString string
	claims   *tokenClaims
}

// authorizeData authenticates the bearer for the owner in the path and writes
// the error response itself.
func (s *Server) authorizeData(w http.ResponseWriter, r *http.Request, scope string) (dataRoute, bool) {
	route := dataRoute{owner: chi.URLParam(r, "owner"), idString: chi.URLParam(r, "idString")}
	claims, authErr := authorizeOwner(r.Header.Get("Authorization"), s.cfg.JWTSecret, route.owner, scope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, getCorrelationID(r))
		return route, false
	}
	if !s.allowRequest(w, "data|"+claims.Username) {
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", getCorrelationID(r))
		return route, false
	}
	route.claims = claims
	return route, true
}

func (route dataRoute) scope() query.Scope {
	return query.Scope{Owner: route.owner, IDString: route.idString}
}

func (s *Server) handleDataList(w http.ResponseWriter, r *http.Request) {
	route, ok := s.authorizeData(w, r, scopeDataRead)
	if !ok {
		return
	}
	correlationID := getCorrelationID(r)
	params := r.URL.Query()

	start, err := parseOptionalBoundedInt(params.Get("start"), 0, 0, math.MaxInt32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid start", correlationID)
		return
	}
	limit, err := parseOptionalBoundedInt(params.Get("limit"), 0, 0, math.MaxInt32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	var fields []string
	if raw := strings.TrimSpace(params.Get("fields")); raw != "" {
		if err := json.Unmarshal([]byte(raw), &fields); err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "fields must be a JSON list of names", correlationID)
			return
		}
	}
	scope := route.scope()
	req := query.Request{
		Filter: params.Get("query"),
		Fields: fields,
		Sort:   params.Get("sort"),
		Start:  start,
		Limit:  limit,
		Scope:  &scope,
	}
	if strings.EqualFold(params.Get("variant"), "minimal") {
		req.Variant = query.Minimal
	}

	var docs []map[string]any
	if parseBool(params.Get("count"), false) {
		docs, err = s.backends.Query.Count(r.Context(), req)
	} else {
		docs, err = s.backends.Query.Find(r.Context(), req)
	}
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleDataGet(w http.ResponseWriter, r *http.Request) {
	route, ok := s.authorizeData(w, r, scopeDataRead)
	if !ok {
		return
	}
	id, ok := parseSubmissionID(w, r)
	if !ok {
		return
	}
	doc, err := s.backends.Query.Get(r.Context(), route.scope(), id)
	if err != nil {
		s.writeQueryError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleDataAttachment(w http.ResponseWriter, r *http.Request) {
	route, ok := s.authorizeData(w, r, scopeDataRead)
	if !ok {
		return
	}
	sub, ok := s.ownedSubmission(w, r, route)
	if !ok {
		return
	}
	attachmentID, err := strconv.ParseInt(chi.URLParam(r, "attachmentID"), 10, 64)
	if err != nil || attachmentID <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid attachment id", getCorrelationID(r))
		return
	}
	ref, data, err := s.backends.Service.OpenAttachment(r.Context(), sub.ID, attachmentID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	contentType := ref.MimeType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": ref.Filename}))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleDataDelete soft-deletes by default; hard=true removes the submission
// and its attachments for good.
func (s *Server) handleDataDelete(w http.ResponseWriter, r *http.Request) {
	route, ok := s.authorizeData(w, r, scopeDataWrite)
	if !ok {
		return
	}
	sub, ok := s.ownedSubmission(w, r, route)
	if !ok {
		return
	}
	if parseBool(r.URL.Query().Get("hard"), false) {
		if err := s.backends.Service.Delete(r.Context(), sub.ID); err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	updated, err := s.backends.Service.SoftDelete(r.Context(), sub.ID)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDataTags(w http.ResponseWriter, r *http.Request) {
	route, ok := s.authorizeData(w, r, scopeDataWrite)
	if !ok {
		return
	}
	var body struct {
		Tags []string `json:"tags"`
	}
	if !s.readJSONBody(w, r, &body) {
		return
	}
	sub, ok := s.ownedSubmission(w, r, route)
	if !ok {
		return
	}
	updated, err := s.backends.Service.AddTags(r.Context(), sub.ID, body.Tags...)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDataNotes(w http.ResponseWriter, r *http.Request) {
	route, ok := s.authorizeData(w, r, scopeDataWrite)
	if !ok {
		return
	}
	var body struct {
		Note string `json:"note"`
	}
	if !s.readJSONBody(w, r, &body) {
		return
	}
	sub, ok := s.ownedSubmission(w, r, route)
	if !ok {
		return
	}
	updated, err := s.backends.Service.AddNote(r.Context(), sub.ID, body.Note, route.claims.Username)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleDataValidationStatus(w http.ResponseWriter, r *http.Request) {
	route, ok := s.authorizeData(w, r, scopeDataWrite)
	if !ok {
		return
	}
	var status map[string]any
	if !s.readJSONBody(w, r, &status) {
		return
	}
	sub, ok := s.ownedSubmission(w, r, route)
	if !ok {
		return
	}
	if len(status) > 0 {
		status["by_whom"] = route.claims.Username
	}
	updated, err := s.backends.Service.SetValidationStatus(r.Context(), sub.ID, status)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

// ownedSubmission loads the submission in the path and reports it as missing
// unless it belongs to the form in the path.
func (s *Server) ownedSubmission(w http.ResponseWriter, r *http.Request, route dataRoute) (relayform.Submission, bool) {
	id, ok := parseSubmissionID(w, r)
	if !ok {
		return relayform.Submission{}, false
	}
	sub, err := s.backends.Service.GetSubmission(r.Context(), id)
	if err == nil && (sub.FormOwner != route.owner || sub.FormIDString != route.idString) {
		err = relayform.ErrNotFound
	}
	if err != nil {
		s.writeServiceError(w, r, err)
		return relayform.Submission{}, false
	}
	return sub, true
}

func parseSubmissionID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid submission id", getCorrelationID(r))
		return 0, false
	}
	return id, true
}

func (s *Server) writeQueryError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := getCorrelationID(r)
	switch {
	case errors.Is(err, query.ErrBadFilter),
		errors.Is(err, query.ErrTooManySortKeys),
		errors.Is(err, query.ErrInvalidPagination),
		errors.Is(err, mirror.ErrBadFilter):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	case errors.Is(err, relayform.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "submission not found", correlationID)
	default:
		s.cfg.Logger.Error().Err(err).Str("correlation_id", correlationID).Msg("mirror query failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "query failed", correlationID)
	}
}

func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	correlationID := getCorrelationID(r)
	switch {
	case errors.Is(err, relayform.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "submission not found", correlationID)
	case errors.Is(err, relayform.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
	default:
		s.cfg.Logger.Error().Err(err).Str("correlation_id", correlationID).Msg("submission update failed")
		writeError(w, http.StatusInternalServerError, "internal_error", "submission update failed", correlationID)
	}
}
