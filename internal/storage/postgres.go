package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/ModerRAS/taskd/pkg/models"
	"github.com/ModerRAS/taskd/pkg/storage"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// LockMode selects how the waiting-candidate read is protected against
// concurrent acquirers.
type LockMode string

const (
	// LockOptimistic reads candidates without row locks; the version-checked
	// update decides races after the fact.
	LockOptimistic LockMode = "optimistic"
	// LockPessimistic reads candidates with FOR UPDATE SKIP LOCKED so
	// concurrent acquirers never see the same row.
	LockPessimistic LockMode = "pessimistic"
)

// ParseLockMode resolves a configured lock mode string.
func ParseLockMode(s string) (LockMode, error) {
	switch LockMode(s) {
	case LockOptimistic, LockPessimistic:
		return LockMode(s), nil
	case "":
		return LockOptimistic, nil
	}
	return "", errors.Wrapf(models.ErrValidation, "unknown lock mode %q", s)
}

// DefaultLockTimeout bounds how long a transaction waits on a row lock
// before the store reports a storage error.
const DefaultLockTimeout = 5 * time.Second

type DBInterface interface {
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	QueryRowxContext(ctx context.Context, query string, args ...interface{}) *sqlx.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

// PostgresStore implements storage.Store over Postgres. The same type backs
// both the root store (db is *sqlx.DB) and transactions (db is *sqlx.Tx).
type PostgresStore struct {
	db          DBInterface
	lockMode    LockMode
	lockTimeout time.Duration
}

// StoreOption tweaks PostgresStore construction.
type StoreOption func(*PostgresStore)

// WithLockMode selects optimistic or pessimistic candidate locking.
func WithLockMode(mode LockMode) StoreOption {
	return func(s *PostgresStore) {
		if mode != "" {
			s.lockMode = mode
		}
	}
}

// WithLockTimeout overrides the per-transaction lock_timeout.
func WithLockTimeout(d time.Duration) StoreOption {
	return func(s *PostgresStore) {
		if d > 0 {
			s.lockTimeout = d
		}
	}
}

func NewPostgresStore(connStr string, opts ...StoreOption) (*PostgresStore, error) {
	db, err := sqlx.Open("postgres", connStr)
	if err != nil {
		return nil, errors.Wrapf(storage.ErrStorage, "open database: %v", err)
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrapf(storage.ErrStorage, "ping database: %v", err)
	}
	s := &PostgresStore{
		db:          db,
		lockMode:    LockOptimistic,
		lockTimeout: DefaultLockTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *PostgresStore) Begin(ctx context.Context) (storage.Store, error) {
	db, ok := s.db.(*sqlx.DB)
	if !ok {
		return nil, errors.Wrap(storage.ErrStorage, "cannot begin transaction on unknown type")
	}
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, errors.Wrapf(storage.ErrStorage, "begin transaction: %v", err)
	}
	// Bound how long any statement in this transaction waits on a row lock;
	// SET LOCAL reverts automatically at commit/rollback.
	if s.lockTimeout > 0 {
		stmt := fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", s.lockTimeout.Milliseconds())
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			_ = tx.Rollback()
			return nil, errors.Wrapf(storage.ErrStorage, "set lock_timeout: %v", err)
		}
	}
	return &PostgresStore{db: tx, lockMode: s.lockMode, lockTimeout: s.lockTimeout}, nil
}

func (s *PostgresStore) Commit() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		if err := tx.Commit(); err != nil {
			return errors.Wrapf(storage.ErrStorage, "commit: %v", err)
		}
		return nil
	}
	return errors.New("cannot commit: not a transaction")
}

func (s *PostgresStore) Rollback() error {
	if tx, ok := s.db.(*sqlx.Tx); ok {
		if err := tx.Rollback(); err != nil {
			return errors.Wrapf(storage.ErrStorage, "rollback: %v", err)
		}
		return nil
	}
	return errors.New("cannot rollback: not a transaction")
}

func (s *PostgresStore) Close() error {
	if db, ok := s.db.(*sqlx.DB); ok {
		return db.Close()
	}
	return nil // No-op for *sqlx.Tx
}

const taskColumns = `id, work_directory, prompt, priority, tags, status, worker_id,
	created_at, started_at, completed_at, result, error_message,
	retry_count, max_retries, metadata, version, updated_at`

// CreateTask inserts a new task at version 1.
func (s *PostgresStore) CreateTask(ctx context.Context, t models.Task) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		t.ID, t.WorkDirectory, t.Prompt, t.Priority, t.Tags, t.Status, t.WorkerID,
		t.CreatedAt, t.StartedAt, t.CompletedAt, t.Result, t.ErrorMessage,
		t.RetryCount, t.MaxRetries, t.Metadata, int64(1), t.UpdatedAt)
	if err != nil {
		return translate(err, fmt.Sprintf("create task %s", t.ID))
	}
	return nil
}

// GetTask retrieves a task by ID.
func (s *PostgresStore) GetTask(ctx context.Context, id string) (models.Task, error) {
	var task models.Task
	err := s.db.GetContext(ctx, &task, "SELECT "+taskColumns+" FROM tasks WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, errors.Wrapf(storage.ErrNotFound, "task %s", id)
	}
	if err != nil {
		return models.Task{}, translate(err, fmt.Sprintf("get task %s", id))
	}
	return task, nil
}

// NextWaitingTask returns the best waiting candidate in the work directory:
// priority descending, then oldest first. In pessimistic mode the row is
// locked with FOR UPDATE SKIP LOCKED so concurrent transactions each see a
// different candidate.
func (s *PostgresStore) NextWaitingTask(ctx context.Context, workDirectory string) (models.Task, error) {
	query := "SELECT " + taskColumns + ` FROM tasks
		WHERE work_directory = $1 AND status = $2
		ORDER BY priority DESC, created_at ASC, id ASC
		LIMIT 1`
	if s.lockMode == LockPessimistic {
		query += " FOR UPDATE SKIP LOCKED"
	}
	var task models.Task
	err := s.db.GetContext(ctx, &task, query, workDirectory, models.StatusWaiting)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Task{}, errors.Wrapf(storage.ErrNotFound, "no waiting task in %s", workDirectory)
	}
	if err != nil {
		return models.Task{}, translate(err, fmt.Sprintf("next waiting task in %s", workDirectory))
	}
	return task, nil
}

// UpdateTask rewrites the full task row, guarded by the version column. The
// write succeeds only when the stored version still equals expectedVersion;
// the stored version then becomes expectedVersion+1. created_at is never
// rewritten.
func (s *PostgresStore) UpdateTask(ctx context.Context, t models.Task, expectedVersion int64) (models.Task, error) {
	next := expectedVersion + 1
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET
			work_directory = $1, prompt = $2, priority = $3, tags = $4,
			status = $5, worker_id = $6, started_at = $7, completed_at = $8,
			result = $9, error_message = $10, retry_count = $11,
			max_retries = $12, metadata = $13, version = $14, updated_at = $15
		WHERE id = $16 AND version = $17`,
		t.WorkDirectory, t.Prompt, t.Priority, t.Tags,
		t.Status, t.WorkerID, t.StartedAt, t.CompletedAt,
		t.Result, t.ErrorMessage, t.RetryCount,
		t.MaxRetries, t.Metadata, next, t.UpdatedAt,
		t.ID, expectedVersion)
	if err != nil {
		return models.Task{}, translate(err, fmt.Sprintf("update task %s", t.ID))
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return models.Task{}, translate(err, fmt.Sprintf("update task %s", t.ID))
	}
	if affected == 0 {
		// Distinguish a missing row from a lost version race.
		var current int64
		err := s.db.GetContext(ctx, &current, "SELECT version FROM tasks WHERE id = $1", t.ID)
		if errors.Is(err, sql.ErrNoRows) {
			return models.Task{}, errors.Wrapf(storage.ErrNotFound, "task %s", t.ID)
		}
		if err != nil {
			return models.Task{}, translate(err, fmt.Sprintf("update task %s", t.ID))
		}
		return models.Task{}, errors.Wrapf(storage.ErrVersionConflict,
			"task %s is at version %d, expected %d", t.ID, current, expectedVersion)
	}
	t.Version = next
	return t, nil
}

// ListTasks returns tasks matching the filter with pagination applied.
func (s *PostgresStore) ListTasks(ctx context.Context, f storage.TaskFilter) ([]models.Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks"
	where, args := buildFilter(f)
	query += where

	switch f.Order {
	case storage.OrderQueue:
		query += " ORDER BY priority DESC, created_at ASC, id ASC"
	default:
		query += " ORDER BY created_at DESC, id DESC"
	}
	args = append(args, storage.ClampLimit(f.Limit))
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if f.Offset > 0 {
		args = append(args, f.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	tasks := []models.Task{}
	if err := s.db.SelectContext(ctx, &tasks, query, args...); err != nil {
		return nil, translate(err, "list tasks")
	}
	return tasks, nil
}

// CountTasks counts tasks matching the filter, ignoring pagination.
func (s *PostgresStore) CountTasks(ctx context.Context, f storage.TaskFilter) (int, error) {
	query := "SELECT COUNT(*) FROM tasks"
	where, args := buildFilter(f)
	query += where
	var count int
	if err := s.db.GetContext(ctx, &count, query, args...); err != nil {
		return 0, translate(err, "count tasks")
	}
	return count, nil
}

// AppendHistory inserts one audit row; ids come from the table's sequence.
func (s *PostgresStore) AppendHistory(ctx context.Context, h models.TaskHistory) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_history (task_id, status, worker_id, changed_at, details)
		VALUES ($1, $2, $3, $4, $5)`,
		h.TaskID, h.Status, h.WorkerID, h.ChangedAt, h.Details)
	if err != nil {
		return translate(err, fmt.Sprintf("append history for task %s", h.TaskID))
	}
	return nil
}

// ListHistory returns the audit trail of a task in append order.
func (s *PostgresStore) ListHistory(ctx context.Context, taskID string) ([]models.TaskHistory, error) {
	history := []models.TaskHistory{}
	err := s.db.SelectContext(ctx, &history, `
		SELECT id, task_id, status, worker_id, changed_at, details
		FROM task_history WHERE task_id = $1 ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, translate(err, fmt.Sprintf("list history for task %s", taskID))
	}
	return history, nil
}

// buildFilter renders the WHERE clause for a TaskFilter.
func buildFilter(f storage.TaskFilter) (string, []interface{}) {
	var conds []string
	var args []interface{}
	add := func(cond string, val interface{}) {
		args = append(args, val)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}
	if f.Status != "" {
		add("status = $%d", f.Status)
	}
	if f.WorkDirectory != "" {
		add("work_directory = $%d", f.WorkDirectory)
	}
	if f.Priority != "" {
		add("priority = $%d", f.Priority)
	}
	if f.Tag != "" {
		add("tags @> ARRAY[$%d]", f.Tag)
	}
	if f.CreatedAfter != nil {
		add("created_at > $%d", *f.CreatedAfter)
	}
	if f.CreatedBefore != nil {
		add("created_at < $%d", *f.CreatedBefore)
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// translate maps driver errors onto the store taxonomy: lock timeouts and
// connection trouble are storage errors, constraint violations are
// validation errors.
func translate(err error, op string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "55P03": // lock_not_available
			return errors.Wrapf(storage.ErrStorage, "%s: lock timeout: %v", op, err)
		case "23505", "23514": // unique_violation, check_violation
			return errors.Wrapf(models.ErrValidation, "%s: %v", op, err)
		}
	}
	return errors.Wrapf(storage.ErrStorage, "%s: %v", op, err)
}
