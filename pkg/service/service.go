package service

import (
	"context"
	"strings"
	"time"

	"github.com/ModerRAS/taskd/pkg/models"
	"github.com/ModerRAS/taskd/pkg/storage"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/pkg/errors"
)

// Logger defines the logging interface for TaskService
type Logger interface {
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

const (
	// DefaultAcquireAttempts bounds the optimistic acquisition loop.
	DefaultAcquireAttempts = 5
	// DefaultPromptMatchThreshold is the minimum similarity a supplied
	// original prompt must reach for a completion to be accepted.
	DefaultPromptMatchThreshold = 0.85
	// DefaultMaxRetries is applied when a create request leaves the retry
	// budget unset.
	DefaultMaxRetries = 3
)

// TaskService is the single entry point for task lifecycle operations.
// Every mutating method runs as one store transaction that updates the task
// row and appends exactly one history entry; on any error nothing is
// persisted. A task moves through waiting -> working -> completed/failed,
// with cancellation from waiting and retry from failed while budget remains.
type TaskService struct {
	store           storage.Store
	logger          Logger
	acquireAttempts int
	promptThreshold float64
	newID           func() string
	now             func() time.Time
}

// Option tweaks TaskService construction.
type Option func(*TaskService)

// WithAcquireAttempts overrides the acquisition attempt budget.
func WithAcquireAttempts(n int) Option {
	return func(s *TaskService) {
		if n > 0 {
			s.acquireAttempts = n
		}
	}
}

// WithPromptMatchThreshold overrides the completion guard threshold.
// Zero disables the guard entirely.
func WithPromptMatchThreshold(t float64) Option {
	return func(s *TaskService) {
		if t >= 0 && t <= 1 {
			s.promptThreshold = t
		}
	}
}

// WithIDGenerator replaces the task ID source, mainly for tests that want
// deterministic IDs.
func WithIDGenerator(fn func() string) Option {
	return func(s *TaskService) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// WithClock replaces the time source, mainly for tests.
func WithClock(fn func() time.Time) Option {
	return func(s *TaskService) {
		if fn != nil {
			s.now = fn
		}
	}
}

func NewTaskService(store storage.Store, logger Logger, opts ...Option) *TaskService {
	s := &TaskService{
		store:           store,
		logger:          logger,
		acquireAttempts: DefaultAcquireAttempts,
		promptThreshold: DefaultPromptMatchThreshold,
		newID:           uuid.NewString,
		now:             func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTaskInput carries the caller-supplied fields of a new task.
// MaxRetries is a pointer so an explicit zero budget stays distinguishable
// from "use the default".
type CreateTaskInput struct {
	Prompt        string
	WorkDirectory string
	Priority      models.TaskPriority
	MaxRetries    *int
	Tags          []string
	Metadata      models.Payload
}

// CreateTask validates the input, persists a new waiting task and its
// creation history entry, and returns the stored task at version 1.
func (s *TaskService) CreateTask(ctx context.Context, in CreateTaskInput) (task models.Task, err error) {
	if strings.TrimSpace(in.Prompt) == "" {
		return models.Task{}, errors.Wrap(models.ErrValidation, "prompt must not be blank")
	}
	priority := in.Priority
	if priority == "" {
		priority = models.PriorityMedium
	}
	maxRetries := DefaultMaxRetries
	if in.MaxRetries != nil {
		if *in.MaxRetries < 0 {
			return models.Task{}, errors.Wrap(models.ErrValidation, "max_retries must not be negative")
		}
		maxRetries = *in.MaxRetries
	}

	now := s.now()
	task = models.Task{
		ID:            s.newID(),
		WorkDirectory: in.WorkDirectory,
		Prompt:        in.Prompt,
		Priority:      priority,
		Tags:          pq.StringArray(in.Tags),
		Status:        models.StatusWaiting,
		CreatedAt:     now,
		MaxRetries:    maxRetries,
		Metadata:      in.Metadata,
		Version:       1,
		UpdatedAt:     now,
	}
	if err := models.ValidateTask(task); err != nil {
		return models.Task{}, err
	}

	txStore, err := s.store.Begin(ctx)
	if err != nil {
		s.logger.Errorf("Failed to begin transaction for CreateTask: %v", err)
		return models.Task{}, errors.Wrap(err, "failed to begin transaction")
	}
	defer func() {
		if err != nil {
			if rollbackErr := txStore.Rollback(); rollbackErr != nil {
				s.logger.Errorf("Failed to rollback: %v", rollbackErr)
			}
		} else {
			if commitErr := txStore.Commit(); commitErr != nil {
				s.logger.Errorf("Failed to commit: %v", commitErr)
				err = commitErr
			}
		}
	}()

	if err = txStore.CreateTask(ctx, task); err != nil {
		s.logger.Errorf("Failed to create task %s: %v", task.ID, err)
		return models.Task{}, errors.Wrapf(err, "failed to create task %s", task.ID)
	}
	if err = txStore.AppendHistory(ctx, models.TaskHistory{
		TaskID:    task.ID,
		Status:    models.StatusWaiting,
		ChangedAt: now,
	}); err != nil {
		return models.Task{}, errors.Wrapf(err, "failed to record history for task %s", task.ID)
	}
	s.logger.Infof("Created task %s in '%s' with priority %s", task.ID, task.WorkDirectory, task.Priority)
	return task, nil
}

// GetTask fetches a single task by ID.
func (s *TaskService) GetTask(ctx context.Context, id string) (models.Task, error) {
	if id == "" {
		return models.Task{}, errors.Wrap(models.ErrValidation, "task id must not be empty")
	}
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "failed to get task %s", id)
	}
	return task, nil
}

// ListTasks returns tasks matching the filter, newest first unless the
// filter asks for queue order.
func (s *TaskService) ListTasks(ctx context.Context, f storage.TaskFilter) ([]models.Task, error) {
	return s.store.ListTasks(ctx, f)
}

// CountTasks returns how many tasks match the filter, ignoring pagination.
func (s *TaskService) CountTasks(ctx context.Context, f storage.TaskFilter) (int, error) {
	return s.store.CountTasks(ctx, f)
}

// GetTaskHistory returns the full audit trail of a task in commit order.
func (s *TaskService) GetTaskHistory(ctx context.Context, id string) ([]models.TaskHistory, error) {
	if id == "" {
		return nil, errors.Wrap(models.ErrValidation, "task id must not be empty")
	}
	if _, err := s.store.GetTask(ctx, id); err != nil {
		return nil, errors.Wrapf(err, "failed to get task %s", id)
	}
	history, err := s.store.ListHistory(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to list history for task %s", id)
	}
	return history, nil
}
