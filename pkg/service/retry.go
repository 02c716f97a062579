package service

import (
	"context"

	"github.com/ModerRAS/taskd/pkg/models"
	"github.com/pkg/errors"
)

// RetryTask requeues a failed task, spending one unit of its retry budget.
// The task returns to waiting with started_at cleared so acquisition treats
// it like any other queued task; the recorded error message is kept for
// audit until a later completion clears it. A task whose budget is already
// spent stays failed and the call reports the exhaustion.
func (s *TaskService) RetryTask(ctx context.Context, id string) (task models.Task, err error) {
	if id == "" {
		return models.Task{}, errors.Wrap(models.ErrValidation, "task id must not be empty")
	}
	txStore, err := s.store.Begin(ctx)
	if err != nil {
		s.logger.Errorf("Failed to begin transaction for RetryTask: %v", err)
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
	if err = models.ValidateTransition(task.Status, models.StatusWaiting); err != nil {
		return models.Task{}, err
	}
	if task.RetriesRemaining() == 0 {
		err = errors.Wrapf(models.ErrRetryExhausted,
			"task %s already used %d of %d retries", id, task.RetryCount, task.MaxRetries)
		return models.Task{}, err
	}

	now := s.now()
	task.Status = models.StatusWaiting
	task.RetryCount++
	task.StartedAt = nil
	task.UpdatedAt = now

	task, err = txStore.UpdateTask(ctx, task, task.Version)
	if err != nil {
		return models.Task{}, errors.Wrapf(err, "failed to retry task %s", id)
	}
	if err = txStore.AppendHistory(ctx, models.TaskHistory{
		TaskID:    id,
		Status:    models.StatusWaiting,
		ChangedAt: now,
		Details:   models.Payload{"retry_count": task.RetryCount},
	}); err != nil {
		return models.Task{}, errors.Wrapf(err, "failed to record history for task %s", id)
	}
	s.logger.Infof("Requeued task %s for retry %d of %d", id, task.RetryCount, task.MaxRetries)
	return task, nil
}
