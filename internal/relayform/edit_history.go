package relayform

import (
	"context"
	"time"
)

type EditHistoryTracker struct {
	now func() time.Time
}

func NewEditHistoryTracker(now func() time.Time) *EditHistoryTracker {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &EditHistoryTracker{now: now}
}

// Snapshot records current's body as it exists before an edit replaces it.
func (t *EditHistoryTracker) Snapshot(ctx context.Context, tx Tx, current Submission) (EditHistoryRecord, error) {
	rec := EditHistoryRecord{
		SubmissionID: current.ID,
		XMLBody:      current.XMLBody,
		PriorUUID:    current.UUID,
		CreatedAt:    t.now(),
	}
	if err := tx.InsertEditHistory(ctx, &rec); err != nil {
		return EditHistoryRecord{}, err
	}
	return rec, nil
}
