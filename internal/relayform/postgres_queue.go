package relayform

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	postgresSyncQueueTableName = "relayform_sync_queue"
	postgresQueuePollInterval  = 10 * time.Millisecond
)

// PostgresSyncQueue is a durable mirror queue shared by every process pointing
// at the same database. A submission waits in the queue at most once:
// scheduling it again before a worker picks it up is a no-op, since the worker
// copies whatever the canonical row holds at that point.
type PostgresSyncQueue struct {
	dsn          string
	tableName    string
	capacity     int
	pollInterval time.Duration
	openDB       sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresSyncQueue(dsn string, capacity int) (SyncQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &PostgresSyncQueue{
		dsn:          dsn,
		tableName:    postgresSyncQueueTableName,
		capacity:     capacity,
		pollInterval: postgresQueuePollInterval,
		openDB:       sql.Open,
	}, nil
}

func (q *PostgresSyncQueue) table() string {
	return postgresQuoteIdentifier(q.tableName)
}

func (q *PostgresSyncQueue) ensureReady() error {
	if q == nil {
		return ErrInvalidInput
	}
	q.initOnce.Do(func() {
		db, err := q.openDB("postgres", q.dsn)
		if err != nil {
			q.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()
		ddl := []string{
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				submission_id BIGINT PRIMARY KEY,
				seq BIGSERIAL NOT NULL,
				queued_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, q.table()),
			fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (seq)",
				postgresQuoteIdentifier(q.tableName+"_seq_idx"), q.table()),
		}
		for _, stmt := range ddl {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				q.initErr = fmt.Errorf("prepare sync queue table: %w", err)
				return
			}
		}
		q.db = db
	})
	return q.initErr
}

// TryEnqueue reports true when the submission is queued afterwards, including
// when it already was. Only a full queue or a database failure refuses it.
func (q *PostgresSyncQueue) TryEnqueue(submissionID int64) bool {
	if q == nil || submissionID <= 0 {
		return false
	}
	if err := q.ensureReady(); err != nil {
		return false
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()

	// The capacity check and the insert race between processes; the advisory
	// lock keeps the depth honest.
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return false
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, "SELECT pg_advisory_xact_lock($1)", postgresLockKey(q.tableName)); err != nil {
		return false
	}

	var queued bool
	err = tx.QueryRowContext(ctx,
		fmt.Sprintf("SELECT EXISTS (SELECT 1 FROM %s WHERE submission_id = $1)", q.table()),
		submissionID,
	).Scan(&queued)
	if err != nil {
		return false
	}
	if queued {
		return true
	}
	var depth int
	if err := tx.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", q.table())).Scan(&depth); err != nil {
		return false
	}
	if depth >= q.capacity {
		return false
	}
	insert := fmt.Sprintf("INSERT INTO %s (submission_id) VALUES ($1) ON CONFLICT (submission_id) DO NOTHING", q.table())
	if _, err := tx.ExecContext(ctx, insert, submissionID); err != nil {
		return false
	}
	return tx.Commit() == nil
}

func (q *PostgresSyncQueue) Enqueue(ctx context.Context, submissionID int64) bool {
	return q.poll(ctx, func() bool { return q.TryEnqueue(submissionID) })
}

func (q *PostgresSyncQueue) Dequeue(ctx context.Context) (int64, bool) {
	var id int64
	ok := q.poll(ctx, func() bool {
		var claimed bool
		id, claimed = q.claim(ctx)
		return claimed
	})
	return id, ok
}

func (q *PostgresSyncQueue) poll(ctx context.Context, attempt func() bool) bool {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()
	for {
		if attempt() {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

// claim removes the oldest queued submission. Rows locked by another worker
// are skipped rather than waited on.
func (q *PostgresSyncQueue) claim(ctx context.Context) (int64, bool) {
	if err := q.ensureReady(); err != nil {
		return 0, false
	}
	stmt := fmt.Sprintf(`
		DELETE FROM %[1]s
		WHERE submission_id = (
			SELECT submission_id FROM %[1]s
			ORDER BY seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING submission_id`, q.table())
	var submissionID int64
	if err := q.db.QueryRowContext(ctx, stmt).Scan(&submissionID); err != nil {
		return 0, false
	}
	return submissionID, true
}

func (q *PostgresSyncQueue) Depth() int {
	if err := q.ensureReady(); err != nil {
		return 0
	}
	ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
	defer cancel()
	var depth int
	if err := q.db.QueryRowContext(ctx, fmt.Sprintf("SELECT COUNT(*) FROM %s", q.table())).Scan(&depth); err != nil {
		return 0
	}
	return depth
}

func (q *PostgresSyncQueue) Capacity() int {
	if q == nil {
		return 0
	}
	return q.capacity
}

func (q *PostgresSyncQueue) Close() error {
	if q == nil || q.db == nil {
		return nil
	}
	return q.db.Close()
}
