package storage

import (
	"context"
	"time"

	"github.com/ModerRAS/taskd/pkg/models"
	"github.com/pkg/errors"
)

// Store-level failures, matched with errors.Is. Lifecycle rule violations
// live in pkg/models.
var (
	// ErrNotFound indicates the requested task does not exist.
	ErrNotFound = errors.New("task not found")

	// ErrVersionConflict indicates a conditional update lost its race: the
	// stored version no longer matched the expected one and nothing changed.
	ErrVersionConflict = errors.New("task version conflict")

	// ErrStorage indicates the backing store is unavailable or timed out.
	// It is transient; callers may retry the whole operation.
	ErrStorage = errors.New("storage unavailable")
)

// List pagination bounds applied by every Store implementation.
const (
	DefaultListLimit = 100
	MaxListLimit     = 500
)

// ClampLimit normalizes a caller-supplied page size into the allowed range.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}

// SortOrder selects the ordering ListTasks applies.
type SortOrder string

const (
	// OrderCreatedDesc lists newest tasks first. The default.
	OrderCreatedDesc SortOrder = "created_desc"
	// OrderQueue lists tasks in acquisition order: priority descending,
	// then created_at ascending.
	OrderQueue SortOrder = "queue"
)

// TaskFilter narrows ListTasks/CountTasks results. Zero-valued fields are
// ignored.
type TaskFilter struct {
	Status        models.TaskStatus
	WorkDirectory string
	Priority      models.TaskPriority
	Tag           string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Order         SortOrder
	Limit         int // <=0 means DefaultListLimit; capped at MaxListLimit
	Offset        int
}

// Store defines the persistence operations for the task queue and its audit
// log. Implementations must provide row-level conditional updates; the
// waiting-candidate read may additionally lock-and-skip-locked so the same
// acquisition loop works optimistically or pessimistically.
type Store interface {
	// Begin opens a transaction. The returned Store buffers all writes and
	// applies them atomically on Commit; Rollback discards them. Nested
	// Begin is not supported.
	Begin(ctx context.Context) (Store, error)
	Commit() error
	Rollback() error
	Close() error

	// CreateTask inserts a brand-new task row at version 1.
	CreateTask(ctx context.Context, t models.Task) error

	// GetTask returns the task or ErrNotFound.
	GetTask(ctx context.Context, id string) (models.Task, error)

	// NextWaitingTask returns the best waiting candidate in the work
	// directory, ordered by priority desc then created_at asc, or
	// ErrNotFound when the partition has no waiting task.
	NextWaitingTask(ctx context.Context, workDirectory string) (models.Task, error)

	// UpdateTask writes the task's mutable columns and bumps version by one,
	// but only while the stored version still equals expectedVersion.
	// Returns the updated task, ErrVersionConflict on a lost race, or
	// ErrNotFound.
	UpdateTask(ctx context.Context, t models.Task, expectedVersion int64) (models.Task, error)

	// ListTasks returns tasks matching the filter.
	ListTasks(ctx context.Context, f TaskFilter) ([]models.Task, error)

	// CountTasks returns the number of tasks matching the filter, ignoring
	// pagination.
	CountTasks(ctx context.Context, f TaskFilter) (int, error)

	// AppendHistory adds one audit row. Called inside the same transaction
	// as the mutation it records.
	AppendHistory(ctx context.Context, h models.TaskHistory) error

	// ListHistory returns the audit rows for a task in append order.
	ListHistory(ctx context.Context, taskID string) ([]models.TaskHistory, error)
}
