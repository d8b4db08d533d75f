// Package db provides CRUD operations for the durable operation queue.
package db

import (
	"database/sql"
	"fmt"
	"sync"

	"github.com/trialpath/chatsync/internal/models"
)

// QueueRepository persists queued operations. Every method is a single
// statement or transaction, so a process crash between any two calls never
// loses an operation and never duplicates one across restarts.
type QueueRepository struct {
	db *sql.DB

	// Prepared statement cache for the hot queue queries; statements are
	// prepared on first use and reused.
	stmtCache sync.Map // map[string]*sql.Stmt
}

// NewQueueRepository creates a new QueueRepository instance.
func NewQueueRepository(db *sql.DB) *QueueRepository {
	return &QueueRepository{db: db}
}

// PrepareStmt gets or creates a prepared statement from cache.
func (r *QueueRepository) PrepareStmt(query string) (*sql.Stmt, error) {
	if stmt, ok := r.stmtCache.Load(query); ok {
		return stmt.(*sql.Stmt), nil
	}

	stmt, err := r.db.Prepare(query)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare statement: %w", err)
	}

	actual, loaded := r.stmtCache.LoadOrStore(query, stmt)
	if loaded {
		// Another goroutine already prepared this, close our duplicate
		stmt.Close()
		return actual.(*sql.Stmt), nil
	}
	return stmt, nil
}

// Close closes all cached prepared statements.
func (r *QueueRepository) Close() error {
	var firstErr error
	r.stmtCache.Range(func(key, value interface{}) bool {
		stmt := value.(*sql.Stmt)
		if err := stmt.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		return true
	})
	return firstErr
}

// Insert appends an operation to the queue. The UNIQUE constraint on id
// makes a replayed insert of the same operation fail instead of creating a
// duplicate row.
func (r *QueueRepository) Insert(op *models.QueuedOperation) error {
	query := `
	INSERT INTO queued_operations (id, kind, payload, attempt, next_attempt_at, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	`
	res, err := r.db.Exec(query, op.ID, op.Kind, string(op.Payload), op.Attempt, op.NextAttemptAt, op.CreatedAt)
	if err != nil {
		return err
	}
	if seq, err := res.LastInsertId(); err == nil {
		op.Seq = seq
	}
	return nil
}

// ListPending returns all queued operations in FIFO enqueue order,
// including those still inside their backoff window. The scheduler skips
// entries whose next_attempt_at has not elapsed.
func (r *QueueRepository) ListPending() ([]*models.QueuedOperation, error) {
	query := `
	SELECT seq, id, kind, payload, attempt, next_attempt_at, created_at
	FROM queued_operations ORDER BY seq
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	rows, err := stmt.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ops []*models.QueuedOperation
	for rows.Next() {
		var op models.QueuedOperation
		var payload string
		if err := rows.Scan(&op.Seq, &op.ID, &op.Kind, &payload, &op.Attempt, &op.NextAttemptAt, &op.CreatedAt); err != nil {
			return nil, err
		}
		op.Payload = []byte(payload)
		ops = append(ops, &op)
	}
	return ops, rows.Err()
}

// Get retrieves a single queued operation by id.
func (r *QueueRepository) Get(id string) (*models.QueuedOperation, error) {
	query := `
	SELECT seq, id, kind, payload, attempt, next_attempt_at, created_at
	FROM queued_operations WHERE id = ?
	`
	stmt, err := r.PrepareStmt(query)
	if err != nil {
		return nil, err
	}

	var op models.QueuedOperation
	var payload string
	err = stmt.QueryRow(id).Scan(&op.Seq, &op.ID, &op.Kind, &payload, &op.Attempt, &op.NextAttemptAt, &op.CreatedAt)
	if err != nil {
		return nil, err
	}
	op.Payload = []byte(payload)
	return &op, nil
}

// Remove deletes an operation durably. Removing an id that is already gone
// is not an error; the scheduler may race a user-forced flush.
func (r *QueueRepository) Remove(id string) error {
	stmt, err := r.PrepareStmt("DELETE FROM queued_operations WHERE id = ?")
	if err != nil {
		return err
	}
	_, err = stmt.Exec(id)
	return err
}

// Reschedule records a failed attempt: it bumps the attempt counter and
// sets the time before which the operation must not be retried.
func (r *QueueRepository) Reschedule(id string, attempt int, nextAttemptAt int64) error {
	stmt, err := r.PrepareStmt("UPDATE queued_operations SET attempt = ?, next_attempt_at = ? WHERE id = ?")
	if err != nil {
		return err
	}
	res, err := stmt.Exec(attempt, nextAttemptAt, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// Count returns the number of queued operations.
func (r *QueueRepository) Count() (int, error) {
	var n int
	err := r.db.QueryRow("SELECT COUNT(*) FROM queued_operations").Scan(&n)
	return n, err
}
