package mirror

import (
	"fmt"
	"time"

	"github.com/agentworkforce/relayform/internal/fieldcodec"
	"github.com/agentworkforce/relayform/internal/relayform"
)

// SubmissionTimeLayout is the fixed format of _submission_time and _deleted_at.
const SubmissionTimeLayout = "2006-01-02T15:04:05"

const (
	FieldID               = "_id"
	FieldUUID             = "_uuid"
	FieldScopingKey       = "_userform_id"
	FieldXFormIDString    = "_xform_id_string"
	FieldStatus           = "_status"
	FieldGeolocation      = "_geolocation"
	FieldSubmissionTime   = "_submission_time"
	FieldTags             = "_tags"
	FieldNotes            = "_notes"
	FieldValidationStatus = "_validation_status"
	FieldDeletedAt        = "_deleted_at"
	FieldSubmittedBy      = "_submitted_by"
	FieldAttachments      = "_attachments"
	FieldEdited           = "_edited"
)

// BuildDocument renders the mirror document for sub: the answers found in its
// XML body plus the injected bookkeeping fields, with keys encoded for storage.
// Injected fields win over answers of the same name.
func BuildDocument(sub relayform.Submission, attachments []relayform.AttachmentRef) (map[string]any, error) {
	inst, err := relayform.ParseInstance([]byte(sub.XMLBody))
	if err != nil {
		return nil, fmt.Errorf("parse submission %d: %w", sub.ID, err)
	}
	doc := make(map[string]any, len(inst.Fields)+16)
	for key, value := range inst.Fields {
		doc[key] = value
	}

	doc[FieldID] = sub.ID
	doc[FieldUUID] = sub.UUID
	doc[FieldScopingKey] = sub.ScopingKey()
	doc[FieldXFormIDString] = sub.FormIDString
	doc[FieldStatus] = sub.Status
	doc[FieldGeolocation] = geolocation(sub)
	doc[FieldSubmissionTime] = formatTime(sub.CreatedAt)
	doc[FieldTags] = tagList(sub.Tags)
	doc[FieldNotes] = noteList(sub.Notes)
	doc[FieldValidationStatus] = validationStatus(sub.ValidationStatus)
	doc[FieldSubmittedBy] = submittedBy(sub.SubmittedBy)
	doc[FieldAttachments] = attachmentList(attachments)
	doc[FieldEdited] = sub.Edited
	if sub.DeletedAt != nil {
		doc[FieldDeletedAt] = formatTime(*sub.DeletedAt)
	}
	return fieldcodec.EncodeDocument(doc, fieldcodec.Write), nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(SubmissionTimeLayout)
}

func geolocation(sub relayform.Submission) []any {
	if sub.Latitude == nil || sub.Longitude == nil {
		return []any{nil, nil}
	}
	return []any{*sub.Latitude, *sub.Longitude}
}

func tagList(tags []string) []any {
	out := make([]any, 0, len(tags))
	for _, tag := range tags {
		out = append(out, tag)
	}
	return out
}

func noteList(notes []relayform.Note) []any {
	out := make([]any, 0, len(notes))
	for _, note := range notes {
		out = append(out, map[string]any{
			"note":  note.Note,
			"owner": note.Owner,
			"date":  note.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

func validationStatus(status map[string]any) map[string]any {
	out := make(map[string]any, len(status))
	for key, value := range status {
		out[key] = value
	}
	return out
}

func submittedBy(username string) any {
	if username == "" {
		return nil
	}
	return username
}

func attachmentList(refs []relayform.AttachmentRef) []any {
	out := make([]any, 0, len(refs))
	for _, ref := range refs {
		out = append(out, map[string]any{
			"id":       ref.ID,
			"filename": ref.FileRef,
			"name":     ref.Filename,
			"mimetype": ref.MimeType,
		})
	}
	return out
}
