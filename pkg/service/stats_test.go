package service_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/ModerRAS/taskd/pkg/models"
	"github.com/ModerRAS/taskd/pkg/service"
	"github.com/ModerRAS/taskd/pkg/storage"
	"github.com/stretchr/testify/assert"
)

func TestStatsCollect(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := service.NewTaskService(store, logger{})
	stats := service.NewStatsService(store, logger{})

	create := func(dir string, priority models.TaskPriority, prompt string) models.Task {
		task, err := svc.CreateTask(ctx, service.CreateTaskInput{
			Prompt:        prompt,
			WorkDirectory: dir,
			Priority:      priority,
		})
		assert.NoError(t, err)
		return task
	}
	acquire := func(dir string) models.Task {
		task, err := svc.AcquireNext(ctx, dir, "worker-1")
		assert.NoError(t, err)
		assert.NotNil(t, task)
		return *task
	}

	// One task per terminal and live state, built through the real lifecycle.
	done := create("/srv/a", models.PriorityHigh, "finished work")
	acquire("/srv/a")
	_, err := svc.CompleteTask(ctx, done.ID, nil, "")
	assert.NoError(t, err)

	flaky := create("/srv/a", models.PriorityHigh, "flaky work")
	acquire("/srv/a")
	_, err = svc.FailTask(ctx, flaky.ID, "first failure")
	assert.NoError(t, err)
	_, err = svc.RetryTask(ctx, flaky.ID)
	assert.NoError(t, err)
	acquire("/srv/a")
	_, err = svc.FailTask(ctx, flaky.ID, "second failure")
	assert.NoError(t, err)

	create("/srv/a", models.PriorityMedium, "running work")
	acquire("/srv/a")

	oldest := create("/srv/a", models.PriorityLow, "queued work")
	create("/srv/a", models.PriorityMedium, "more queued work")
	create("/srv/b", models.PriorityHigh, "queued elsewhere")
	withdrawn := create("/srv/b", models.PriorityLow, "withdrawn work")
	_, err = svc.CancelTask(ctx, withdrawn.ID, "")
	assert.NoError(t, err)

	t.Run("GlobalAggregates", func(t *testing.T) {
		got, err := stats.Collect(ctx, "")
		assert.NoError(t, err)
		assert.Equal(t, 7, got.Total)
		assert.Equal(t, 3, got.ByStatus[models.StatusWaiting])
		assert.Equal(t, 1, got.ByStatus[models.StatusWorking])
		assert.Equal(t, 1, got.ByStatus[models.StatusCompleted])
		assert.Equal(t, 1, got.ByStatus[models.StatusFailed])
		assert.Equal(t, 1, got.ByStatus[models.StatusCancelled])
		assert.Equal(t, 3, got.ByPriority[models.PriorityHigh])
		assert.Equal(t, 2, got.ByPriority[models.PriorityMedium])
		assert.Equal(t, 2, got.ByPriority[models.PriorityLow])
		assert.Equal(t, map[string]int{"/srv/a": 2, "/srv/b": 1}, got.WaitingByDirectory)
		assert.Equal(t, 1, got.TotalRetries)
		assert.NotNil(t, got.OldestWaiting)
		assert.True(t, got.OldestWaiting.Equal(oldest.CreatedAt))
	})

	t.Run("ScopedToDirectory", func(t *testing.T) {
		got, err := stats.Collect(ctx, "/srv/b")
		assert.NoError(t, err)
		assert.Equal(t, 2, got.Total)
		assert.Equal(t, 1, got.ByStatus[models.StatusWaiting])
		assert.Equal(t, 1, got.ByStatus[models.StatusCancelled])
		assert.Equal(t, map[string]int{"/srv/b": 1}, got.WaitingByDirectory)
		assert.Equal(t, 0, got.TotalRetries)
	})

	t.Run("EmptyStore", func(t *testing.T) {
		got, err := service.NewStatsService(storage.NewMemoryStore(), logger{}).Collect(ctx, "")
		assert.NoError(t, err)
		assert.Equal(t, 0, got.Total)
		assert.Nil(t, got.OldestWaiting)
		assert.Empty(t, got.ByStatus)
	})
}

func TestStatsPagesThroughLargeQueues(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStore()
	svc := service.NewTaskService(store, logger{})

	total := storage.MaxListLimit + 7
	for i := 0; i < total; i++ {
		_, err := svc.CreateTask(ctx, service.CreateTaskInput{
			Prompt:        fmt.Sprintf("bulk job %d", i),
			WorkDirectory: "/srv/bulk",
		})
		assert.NoError(t, err)
	}

	got, err := service.NewStatsService(store, logger{}).Collect(ctx, "/srv/bulk")
	assert.NoError(t, err)
	assert.Equal(t, total, got.Total)
	assert.Equal(t, total, got.ByStatus[models.StatusWaiting])
	assert.Equal(t, total, got.WaitingByDirectory["/srv/bulk"])
}
