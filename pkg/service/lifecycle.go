package service

import (
	"context"

	"github.com/ModerRAS/taskd/pkg/models"
	"github.com/pkg/errors"
)

// CompleteTask moves a working task to completed, stores the result payload
// and clears any stale error message. When originalPrompt is non-empty and
// the guard threshold is above zero, the completion is rejected unless the
// supplied prompt is similar enough to the task's own prompt; that catches
// workers reporting against the wrong task.
func (s *TaskService) CompleteTask(ctx context.Context, id string, result models.Payload, originalPrompt string) (task models.Task, err error) {
	if id == "" {
		return models.Task{}, errors.Wrap(models.ErrValidation, "task id must not be empty")
	}
	txStore, err := s.store.Begin(ctx)
	if err != nil {
		s.logger.Errorf("Failed to begin transaction for CompleteTask: %v", err)
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

	task, err = txStore.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "failed to get task %s", id)
	}
	if err = models.ValidateTransition(task.Status, models.StatusCompleted); err != nil {
		return models.Task{}, err
	}
	if originalPrompt != "" && s.promptThreshold > 0 {
		if sim := promptSimilarity(task.Prompt, originalPrompt); sim < s.promptThreshold {
			err = errors.Wrapf(models.ErrStateConflict,
				"original prompt does not match task %s: similarity %.2f below threshold %.2f",
				id, sim, s.promptThreshold)
			return models.Task{}, err
		}
	}

	worker := task.WorkerID
	now := s.now()
	task.Status = models.StatusCompleted
	task.WorkerID = nil
	task.CompletedAt = &now
	task.Result = result
	task.ErrorMessage = ""
	task.UpdatedAt = now

	task, err = txStore.UpdateTask(ctx, task, task.Version)
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "failed to complete task %s", id)
	}
	if err = txStore.AppendHistory(ctx, models.TaskHistory{
		TaskID:    id,
		Status:    models.StatusCompleted,
		WorkerID:  worker,
		ChangedAt: now,
	}); err != nil {
		return models.Task{}, errors.Wrapf(err, "failed to record history for task %s", id)
	}
	s.logger.Infof("Completed task %s", id)
	return task, nil
}

// FailTask moves a working task to failed and records the worker's error
// message. The retry budget is left untouched; whether the failure is
// terminal depends on how much of it retries have already spent.
func (s *TaskService) FailTask(ctx context.Context, id, errMsg string) (task models.Task, err error) {
	if id == "" {
		return models.Task{}, errors.Wrap(models.ErrValidation, "task id must not be empty")
	}
	if errMsg == "" {
		return models.Task{}, errors.Wrap(models.ErrValidation, "error message must not be empty")
	}
	txStore, err := s.store.Begin(ctx)
	if err != nil {
		s.logger.Errorf("Failed to begin transaction for FailTask: %v", err)
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

	task, err = txStore.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "failed to get task %s", id)
	}
	if err = models.ValidateTransition(task.Status, models.StatusFailed); err != nil {
		return models.Task{}, err
	}

	worker := task.WorkerID
	now := s.now()
	task.Status = models.StatusFailed
	task.WorkerID = nil
	task.ErrorMessage = errMsg
	task.UpdatedAt = now

	task, err = txStore.UpdateTask(ctx, task, task.Version)
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "failed to fail task %s", id)
	}
	if err = txStore.AppendHistory(ctx, models.TaskHistory{
		TaskID:    id,
		Status:    models.StatusFailed,
		WorkerID:  worker,
		ChangedAt: now,
		Details:   models.Payload{"error": errMsg},
	}); err != nil {
		return models.Task{}, errors.Wrapf(err, "failed to record history for task %s", id)
	}
	s.logger.Infof("Failed task %s with %d of %d retries used", id, task.RetryCount, task.MaxRetries)
	return task, nil
}

// CancelTask withdraws a waiting task from the queue. Tasks already handed
// to a worker cannot be cancelled; they have to finish or fail first.
func (s *TaskService) CancelTask(ctx context.Context, id, reason string) (task models.Task, err error) {
	if id == "" {
		return models.Task{}, errors.Wrap(models.ErrValidation, "task id must not be empty")
	}
	txStore, err := s.store.Begin(ctx)
	if err != nil {
		s.logger.Errorf("Failed to begin transaction for CancelTask: %v", err)
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

	task, err = txStore.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "failed to get task %s", id)
	}
	if err = models.ValidateTransition(task.Status, models.StatusCancelled); err != nil {
		return models.Task{}, err
	}

	now := s.now()
	task.Status = models.StatusCancelled
	task.UpdatedAt = now

	task, err = txStore.UpdateTask(ctx, task, task.Version)
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "failed to cancel task %s", id)
	}
	history := models.TaskHistory{
		TaskID:    id,
		Status:    models.StatusCancelled,
		ChangedAt: now,
	}
	if reason != "" {
		history.Details = models.Payload{"reason": reason}
	}
	if err = txStore.AppendHistory(ctx, history); err != nil {
		return models.Task{}, errors.Wrapf(err, "failed to record history for task %s", id)
	}
	s.logger.Infof("Cancelled task %s", id)
	return task, nil
}
