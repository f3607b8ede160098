package relayform

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lib/pq"
)

const (
	postgresFormsTableName       = "relayform_forms"
	postgresSubmissionsTableName = "relayform_submissions"
	postgresHistoryTableName     = "relayform_edit_history"
	postgresAttachmentsTableName = "relayform_attachments"
	postgresOperationTimeout     = 5 * time.Second

	postgresUniqueViolation = "23505"
)

const submissionColumns = `id, form_id, form_id_string, form_owner, xml_body, xml_hash, uuid, deprecated_uuid,
	submitted_by, status, created_at, modified_at, deleted_at, validation_status, tags, notes, edited,
	latitude, longitude`

const formColumns = `id, id_string, uuid, owner, title, active, has_start_time, require_auth,
	geopoint_field, submit_grants, edit_grants, endpoints`

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

type rowScanner interface {
	Scan(dest ...any) error
}

type PostgresRepository struct {
	dsn    string
	openDB sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresRepository{
		dsn:    dsn,
		openDB: sql.Open,
	}, nil
}

func (r *PostgresRepository) ensureReady() error {
	if r == nil {
		return ErrInvalidInput
	}
	r.initOnce.Do(func() {
		db, err := r.openDB("postgres", r.dsn)
		if err != nil {
			r.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		for _, statement := range postgresSchema() {
			if _, err := db.ExecContext(ctx, statement); err != nil {
				_ = db.Close()
				r.initErr = err
				return
			}
		}
		r.db = db
	})
	return r.initErr
}

func postgresSchema() []string {
	forms := postgresQuoteIdentifier(postgresFormsTableName)
	submissions := postgresQuoteIdentifier(postgresSubmissionsTableName)
	history := postgresQuoteIdentifier(postgresHistoryTableName)
	attachments := postgresQuoteIdentifier(postgresAttachmentsTableName)
	return []string{
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				id_string TEXT NOT NULL,
				uuid TEXT NOT NULL DEFAULT '',
				owner TEXT NOT NULL,
				title TEXT NOT NULL DEFAULT '',
				active BOOLEAN NOT NULL DEFAULT TRUE,
				has_start_time BOOLEAN NOT NULL DEFAULT FALSE,
				require_auth BOOLEAN NOT NULL DEFAULT TRUE,
				geopoint_field TEXT NOT NULL DEFAULT '',
				submit_grants TEXT NOT NULL DEFAULT '[]',
				edit_grants TEXT NOT NULL DEFAULT '[]',
				endpoints TEXT NOT NULL DEFAULT '[]',
				UNIQUE (owner, id_string)
			)`, forms),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				form_id BIGINT NOT NULL,
				form_id_string TEXT NOT NULL,
				form_owner TEXT NOT NULL,
				xml_body TEXT NOT NULL,
				xml_hash TEXT NOT NULL,
				uuid TEXT NOT NULL,
				deprecated_uuid TEXT NOT NULL DEFAULT '',
				submitted_by TEXT NOT NULL DEFAULT '',
				status TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				modified_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				deleted_at TIMESTAMPTZ NULL,
				validation_status TEXT NOT NULL DEFAULT '{}',
				tags TEXT NOT NULL DEFAULT '[]',
				notes TEXT NOT NULL DEFAULT '[]',
				edited BOOLEAN NOT NULL DEFAULT FALSE,
				latitude DOUBLE PRECISION NULL,
				longitude DOUBLE PRECISION NULL
			)`, submissions),
		fmt.Sprintf("CREATE UNIQUE INDEX IF NOT EXISTS %s ON %s (form_owner, uuid) WHERE deleted_at IS NULL",
			postgresQuoteIdentifier(postgresSubmissionsTableName+"_live_uuid_idx"), submissions),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (form_owner, xml_hash)",
			postgresQuoteIdentifier(postgresSubmissionsTableName+"_hash_idx"), submissions),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				submission_id BIGINT NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
				xml_body TEXT NOT NULL,
				prior_uuid TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, history, submissions),
		fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				submission_id BIGINT NOT NULL REFERENCES %s (id) ON DELETE CASCADE,
				file_ref TEXT NOT NULL,
				filename TEXT NOT NULL DEFAULT '',
				mime_type TEXT NOT NULL DEFAULT '',
				created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
				UNIQUE (submission_id, file_ref)
			)`, attachments, submissions),
	}
}

func (r *PostgresRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := r.ensureReady(); err != nil {
		return err
	}
	sqlTx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = sqlTx.Rollback()
		}
	}()
	if err := fn(&postgresTx{tx: sqlTx}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

func (r *PostgresRepository) GetSubmission(ctx context.Context, id int64) (Submission, error) {
	if err := r.ensureReady(); err != nil {
		return Submission{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1", submissionColumns, postgresQuoteIdentifier(postgresSubmissionsTableName))
	sub, err := scanSubmission(r.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, ErrNotFound
	}
	return sub, err
}

func (r *PostgresRepository) ListSubmissionIDs(ctx context.Context, afterID int64, limit int) ([]int64, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 1000
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT id FROM %s WHERE id > $1 ORDER BY id ASC LIMIT $2", postgresQuoteIdentifier(postgresSubmissionsTableName))
	rows, err := r.db.QueryContext(ctx, query, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ids := make([]int64, 0, limit)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *PostgresRepository) ListAttachments(ctx context.Context, submissionID int64) ([]AttachmentRef, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, submission_id, file_ref, filename, mime_type, created_at
		FROM %s WHERE submission_id = $1 ORDER BY id ASC`, postgresQuoteIdentifier(postgresAttachmentsTableName))
	rows, err := r.db.QueryContext(ctx, query, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	refs := make([]AttachmentRef, 0)
	for rows.Next() {
		var ref AttachmentRef
		if err := rows.Scan(&ref.ID, &ref.SubmissionID, &ref.FileRef, &ref.Filename, &ref.MimeType, &ref.CreatedAt); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (r *PostgresRepository) ListEditHistory(ctx context.Context, submissionID int64) ([]EditHistoryRecord, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		SELECT id, submission_id, xml_body, prior_uuid, created_at
		FROM %s WHERE submission_id = $1 ORDER BY id ASC`, postgresQuoteIdentifier(postgresHistoryTableName))
	rows, err := r.db.QueryContext(ctx, query, submissionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]EditHistoryRecord, 0)
	for rows.Next() {
		var rec EditHistoryRecord
		if err := rows.Scan(&rec.ID, &rec.SubmissionID, &rec.XMLBody, &rec.PriorUUID, &rec.CreatedAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (r *PostgresRepository) FormByID(ctx context.Context, id int64) (Form, error) {
	return r.queryForm(ctx, "id = $1", id)
}

func (r *PostgresRepository) FormByUUID(ctx context.Context, formUUID string) (Form, error) {
	formUUID = strings.TrimSpace(formUUID)
	if formUUID == "" {
		return Form{}, ErrFormNotFound
	}
	return r.queryForm(ctx, "uuid = $1", formUUID)
}

func (r *PostgresRepository) FormByIDString(ctx context.Context, owner, idString string) (Form, error) {
	return r.queryForm(ctx, "owner = $1 AND id_string = $2", owner, idString)
}

func (r *PostgresRepository) queryForm(ctx context.Context, where string, args ...any) (Form, error) {
	if err := r.ensureReady(); err != nil {
		return Form{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s LIMIT 1", formColumns, postgresQuoteIdentifier(postgresFormsTableName), where)
	form, err := scanForm(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return Form{}, ErrFormNotFound
	}
	return form, err
}

func (r *PostgresRepository) SaveForm(ctx context.Context, form Form) (Form, error) {
	if strings.TrimSpace(form.Owner) == "" || strings.TrimSpace(form.IDString) == "" {
		return Form{}, ErrInvalidInput
	}
	if err := r.ensureReady(); err != nil {
		return Form{}, err
	}
	submitGrants, err := marshalJSONText(form.SubmitGrants, "[]")
	if err != nil {
		return Form{}, err
	}
	editGrants, err := marshalJSONText(form.EditGrants, "[]")
	if err != nil {
		return Form{}, err
	}
	endpoints, err := marshalJSONText(form.Endpoints, "[]")
	if err != nil {
		return Form{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (id_string, uuid, owner, title, active, has_start_time, require_auth,
			geopoint_field, submit_grants, edit_grants, endpoints)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (owner, id_string)
		DO UPDATE SET uuid = EXCLUDED.uuid, title = EXCLUDED.title, active = EXCLUDED.active,
			has_start_time = EXCLUDED.has_start_time, require_auth = EXCLUDED.require_auth,
			geopoint_field = EXCLUDED.geopoint_field, submit_grants = EXCLUDED.submit_grants,
			edit_grants = EXCLUDED.edit_grants, endpoints = EXCLUDED.endpoints
		RETURNING id`, postgresQuoteIdentifier(postgresFormsTableName))
	err = r.db.QueryRowContext(ctx, query,
		form.IDString, form.UUID, form.Owner, form.Title, form.Active, form.HasStartTime, form.RequireAuth,
		form.GeopointField, submitGrants, editGrants, endpoints,
	).Scan(&form.ID)
	if err != nil {
		return Form{}, err
	}
	return form, nil
}

func (r *PostgresRepository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

type postgresTx struct {
	tx *sql.Tx
}

// LockKeys takes transaction-scoped advisory locks in a stable order so two
// transactions locking overlapping key sets cannot deadlock.
func (t *postgresTx) LockKeys(ctx context.Context, keys ...string) error {
	unique := map[int64]struct{}{}
	for _, key := range keys {
		if strings.TrimSpace(key) == "" {
			continue
		}
		unique[postgresLockKey(key)] = struct{}{}
	}
	ordered := make([]int64, 0, len(unique))
	for lockKey := range unique {
		ordered = append(ordered, lockKey)
	}
	sort.Slice(ordered, func(i, j int) bool { return ordered[i] < ordered[j] })
	for _, lockKey := range ordered {
		if _, err := t.tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", lockKey); err != nil {
			return err
		}
	}
	return nil
}

func (t *postgresTx) CountLiveByHash(ctx context.Context, owner, hash string) (int, error) {
	query := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE form_owner = $1 AND xml_hash = $2 AND deleted_at IS NULL",
		postgresQuoteIdentifier(postgresSubmissionsTableName))
	var count int
	err := t.tx.QueryRowContext(ctx, query, owner, hash).Scan(&count)
	return count, err
}

func (t *postgresTx) FindLiveByHash(ctx context.Context, owner, hash string) (Submission, bool, error) {
	return t.findLive(ctx, "xml_hash = $2", owner, hash)
}

func (t *postgresTx) FindLiveByUUID(ctx context.Context, owner, uuid string) (Submission, bool, error) {
	return t.findLive(ctx, "uuid = $2", owner, uuid)
}

func (t *postgresTx) findLive(ctx context.Context, where string, owner, value string) (Submission, bool, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE form_owner = $1 AND %s AND deleted_at IS NULL ORDER BY id ASC LIMIT 1",
		submissionColumns, postgresQuoteIdentifier(postgresSubmissionsTableName), where)
	sub, err := scanSubmission(t.tx.QueryRowContext(ctx, query, owner, value))
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, false, nil
	}
	if err != nil {
		return Submission{}, false, err
	}
	return sub, true, nil
}

func (t *postgresTx) LockSubmission(ctx context.Context, id int64) (Submission, error) {
	query := fmt.Sprintf("SELECT %s FROM %s WHERE id = $1 FOR UPDATE", submissionColumns, postgresQuoteIdentifier(postgresSubmissionsTableName))
	sub, err := scanSubmission(t.tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, ErrNotFound
	}
	return sub, err
}

func (t *postgresTx) InsertSubmission(ctx context.Context, sub *Submission) error {
	if sub == nil {
		return ErrInvalidInput
	}
	args, err := submissionArgs(*sub)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (form_id, form_id_string, form_owner, xml_body, xml_hash, uuid, deprecated_uuid,
			submitted_by, status, created_at, modified_at, deleted_at, validation_status, tags, notes, edited,
			latitude, longitude)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING id`, postgresQuoteIdentifier(postgresSubmissionsTableName))
	err = t.tx.QueryRowContext(ctx, query, args...).Scan(&sub.ID)
	return translatePostgresError(err)
}

func (t *postgresTx) UpdateSubmission(ctx context.Context, sub Submission) error {
	args, err := submissionArgs(sub)
	if err != nil {
		return err
	}
	query := fmt.Sprintf(`
		UPDATE %s SET form_id = $1, form_id_string = $2, form_owner = $3, xml_body = $4, xml_hash = $5,
			uuid = $6, deprecated_uuid = $7, submitted_by = $8, status = $9, created_at = $10,
			modified_at = $11, deleted_at = $12, validation_status = $13, tags = $14, notes = $15,
			edited = $16, latitude = $17, longitude = $18
		WHERE id = $19`, postgresQuoteIdentifier(postgresSubmissionsTableName))
	result, err := t.tx.ExecContext(ctx, query, append(args, sub.ID)...)
	if err != nil {
		return translatePostgresError(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) DeleteSubmission(ctx context.Context, id int64) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", postgresQuoteIdentifier(postgresSubmissionsTableName))
	result, err := t.tx.ExecContext(ctx, query, id)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) InsertEditHistory(ctx context.Context, rec *EditHistoryRecord) error {
	if rec == nil {
		return ErrInvalidInput
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (submission_id, xml_body, prior_uuid, created_at)
		VALUES ($1, $2, $3, $4)
		RETURNING id`, postgresQuoteIdentifier(postgresHistoryTableName))
	return t.tx.QueryRowContext(ctx, query, rec.SubmissionID, rec.XMLBody, rec.PriorUUID, rec.CreatedAt).Scan(&rec.ID)
}

func (t *postgresTx) LinkAttachment(ctx context.Context, ref *AttachmentRef) (bool, error) {
	if ref == nil {
		return false, ErrInvalidInput
	}
	if ref.CreatedAt.IsZero() {
		ref.CreatedAt = time.Now().UTC()
	}
	table := postgresQuoteIdentifier(postgresAttachmentsTableName)
	insertQuery := fmt.Sprintf(`
		INSERT INTO %s (submission_id, file_ref, filename, mime_type, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (submission_id, file_ref) DO NOTHING
		RETURNING id`, table)
	err := t.tx.QueryRowContext(ctx, insertQuery, ref.SubmissionID, ref.FileRef, ref.Filename, ref.MimeType, ref.CreatedAt).Scan(&ref.ID)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return false, err
	}
	selectQuery := fmt.Sprintf(`
		SELECT id, filename, mime_type, created_at FROM %s
		WHERE submission_id = $1 AND file_ref = $2`, table)
	err = t.tx.QueryRowContext(ctx, selectQuery, ref.SubmissionID, ref.FileRef).Scan(&ref.ID, &ref.Filename, &ref.MimeType, &ref.CreatedAt)
	return false, err
}

func submissionArgs(sub Submission) ([]any, error) {
	validation, err := marshalJSONText(sub.ValidationStatus, "{}")
	if err != nil {
		return nil, err
	}
	tags, err := marshalJSONText(sub.Tags, "[]")
	if err != nil {
		return nil, err
	}
	notes, err := marshalJSONText(sub.Notes, "[]")
	if err != nil {
		return nil, err
	}
	var deletedAt sql.NullTime
	if sub.DeletedAt != nil {
		deletedAt = sql.NullTime{Time: *sub.DeletedAt, Valid: true}
	}
	var lat, lng sql.NullFloat64
	if sub.Latitude != nil && sub.Longitude != nil {
		lat = sql.NullFloat64{Float64: *sub.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: *sub.Longitude, Valid: true}
	}
	return []any{
		sub.FormID, sub.FormIDString, sub.FormOwner, sub.XMLBody, sub.XMLHash, sub.UUID, sub.DeprecatedUUID,
		sub.SubmittedBy, sub.Status, sub.CreatedAt, sub.ModifiedAt, deletedAt, validation, tags, notes, sub.Edited,
		lat, lng,
	}, nil
}

func scanSubmission(row rowScanner) (Submission, error) {
	var sub Submission
	var deletedAt sql.NullTime
	var validation, tags, notes string
	var lat, lng sql.NullFloat64
	err := row.Scan(
		&sub.ID, &sub.FormID, &sub.FormIDString, &sub.FormOwner, &sub.XMLBody, &sub.XMLHash, &sub.UUID,
		&sub.DeprecatedUUID, &sub.SubmittedBy, &sub.Status, &sub.CreatedAt, &sub.ModifiedAt, &deletedAt,
		&validation, &tags, &notes, &sub.Edited, &lat, &lng,
	)
	if err != nil {
		return Submission{}, err
	}
	if deletedAt.Valid {
		ts := deletedAt.Time.UTC()
		sub.DeletedAt = &ts
	}
	if lat.Valid && lng.Valid {
		sub.Latitude = &lat.Float64
		sub.Longitude = &lng.Float64
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.ModifiedAt = sub.ModifiedAt.UTC()
	if err := unmarshalJSONText(validation, &sub.ValidationStatus); err != nil {
		return Submission{}, err
	}
	if len(sub.ValidationStatus) == 0 {
		sub.ValidationStatus = nil
	}
	if err := unmarshalJSONText(tags, &sub.Tags); err != nil {
		return Submission{}, err
	}
	if err := unmarshalJSONText(notes, &sub.Notes); err != nil {
		return Submission{}, err
	}
	return sub, nil
}

func scanForm(row rowScanner) (Form, error) {
	var form Form
	var submitGrants, editGrants, endpoints string
	err := row.Scan(
		&form.ID, &form.IDString, &form.UUID, &form.Owner, &form.Title, &form.Active, &form.HasStartTime,
		&form.RequireAuth, &form.GeopointField, &submitGrants, &editGrants, &endpoints,
	)
	if err != nil {
		return Form{}, err
	}
	if err := unmarshalJSONText(submitGrants, &form.SubmitGrants); err != nil {
		return Form{}, err
	}
	if err := unmarshalJSONText(editGrants, &form.EditGrants); err != nil {
		return Form{}, err
	}
	if err := unmarshalJSONText(endpoints, &form.Endpoints); err != nil {
		return Form{}, err
	}
	return form, nil
}

func marshalJSONText(value any, empty string) (string, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	if string(data) == "null" {
		return empty, nil
	}
	return string(data), nil
}

func unmarshalJSONText(raw string, target any) error {
	raw = strings.TrimSpace(raw)
	if raw == "" || raw == "null" {
		return nil
	}
	return json.Unmarshal([]byte(raw), target)
}

func translatePostgresError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == postgresUniqueViolation {
		return fmt.Errorf("%w: %s", errUUIDConflict, pqErr.Constraint)
	}
	return err
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}

func postgresLockKey(parts ...string) int64 {
	hasher := fnv.New64a()
	for i, part := range parts {
		if i > 0 {
			_, _ = hasher.Write([]byte{0})
		}
		_, _ = hasher.Write([]byte(strings.TrimSpace(part)))
	}
	return int64(hasher.Sum64())
}
