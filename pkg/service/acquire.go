package service

import (
	"context"

	"github.com/ModerRAS/taskd/pkg/models"
	"github.com/ModerRAS/taskd/pkg/storage"
	"github.com/pkg/errors"
)

// AcquireNext hands the highest-priority waiting task in workDirectory to
// workerID, or returns (nil, nil) when the queue is empty. Each attempt is
// its own transaction: select the best candidate, flip it to working with a
// version check, append the history entry, commit. Losing the version race
// to another worker rolls back and retries with a fresh candidate, up to the
// configured attempt budget; sustained contention past the budget surfaces
// as a state conflict. A committed acquisition is exclusive: exactly one
// worker ever observes a given waiting task transition under its ID.
func (s *TaskService) AcquireNext(ctx context.Context, workDirectory, workerID string) (*models.Task, error) {
	if err := models.ValidateWorkDirectory(workDirectory); err != nil {
		return nil, err
	}
	if err := models.ValidateWorkerID(workerID); err != nil {
		return nil, err
	}

	for attempt := 1; attempt <= s.acquireAttempts; attempt++ {
		task, done, err := s.tryAcquire(ctx, workDirectory, workerID)
		if err != nil {
			return nil, err
		}
		if done {
			return task, nil
		}
		s.logger.Infof("Worker '%s' lost acquisition race in '%s' (attempt %d/%d)",
			workerID, workDirectory, attempt, s.acquireAttempts)
	}
	return nil, errors.Wrapf(models.ErrStateConflict,
		"acquisition in %q contended for %d attempts", workDirectory, s.acquireAttempts)
}

// tryAcquire runs one acquisition attempt in its own transaction. done is
// true when the loop should stop: either a task was acquired or the queue
// was observed empty (task == nil). A lost version race reports done=false
// so the caller can retry.
func (s *TaskService) tryAcquire(ctx context.Context, workDirectory, workerID string) (*models.Task, bool, error) {
	txStore, err := s.store.Begin(ctx)
	if err != nil {
		s.logger.Errorf("Failed to begin transaction for AcquireNext: %v", err)
		return nil, false, errors.Wrap(err, "failed to begin transaction")
	}
	rollback := func() {
		if rollbackErr := txStore.Rollback(); rollbackErr != nil {
			s.logger.Errorf("Failed to rollback acquisition attempt: %v", rollbackErr)
		}
	}

	candidate, err := txStore.NextWaitingTask(ctx, workDirectory)
	if err != nil {
		rollback()
		if errors.Is(err, storage.ErrNotFound) {
			return nil, true, nil // empty queue, not an error
		}
		return nil, false, errors.Wrapf(err, "failed to select waiting task in %s", workDirectory)
	}

	now := s.now()
	candidate.Status = models.StatusWorking
	candidate.WorkerID = &workerID
	candidate.StartedAt = &now
	candidate.UpdatedAt = now

	updated, err := txStore.UpdateTask(ctx, candidate, candidate.Version)
	if err != nil {
		rollback()
		if errors.Is(err, storage.ErrVersionConflict) || errors.Is(err, storage.ErrNotFound) {
			return nil, false, nil // another worker got there first
		}
		return nil, false, errors.Wrapf(err, "failed to acquire task %s", candidate.ID)
	}

	if err := txStore.AppendHistory(ctx, models.TaskHistory{
		TaskID:    updated.ID,
		Status:    models.StatusWorking,
		WorkerID:  &workerID,
		ChangedAt: now,
	}); err != nil {
		rollback()
		return nil, false, errors.Wrapf(err, "failed to record history for task %s", updated.ID)
	}
	if err := txStore.Commit(); err != nil {
		s.logger.Errorf("Failed to commit acquisition of task %s: %v", updated.ID, err)
		return nil, false, errors.Wrapf(err, "failed to commit acquisition of task %s", updated.ID)
	}
	s.logger.Infof("Worker '%s' acquired task %s in '%s'", workerID, updated.ID, workDirectory)
	return &updated, true, nil
}
