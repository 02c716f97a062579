package storage_test

import (
	"context"
	"testing"
	"time"

	internal_storage "github.com/ModerRAS/taskd/internal/storage"
	"github.com/ModerRAS/taskd/internal/testutil"
	"github.com/ModerRAS/taskd/pkg/models"
	"github.com/ModerRAS/taskd/pkg/storage"
	"github.com/stretchr/testify/assert"
)

func TestParseLockMode(t *testing.T) {
	mode, err := internal_storage.ParseLockMode("")
	assert.NoError(t, err)
	assert.Equal(t, internal_storage.LockOptimistic, mode)

	mode, err = internal_storage.ParseLockMode("pessimistic")
	assert.NoError(t, err)
	assert.Equal(t, internal_storage.LockPessimistic, mode)

	_, err = internal_storage.ParseLockMode("hopeful")
	assert.ErrorIs(t, err, models.ErrValidation)
}

func testTask(id, dir string, priority models.TaskPriority, created time.Time) models.Task {
	return models.Task{
		ID:            id,
		WorkDirectory: dir,
		Prompt:        "prompt for " + id,
		Priority:      priority,
		Status:        models.StatusWaiting,
		CreatedAt:     created,
		MaxRetries:    3,
		Version:       1,
		UpdatedAt:     created,
	}
}

func TestPostgresStore(t *testing.T) {
	testDB := testutil.SetupTestDB(t)
	defer testDB.Teardown(t)
	ctx := context.Background()

	// Helper to create a transactional store; rollback keeps subtests clean.
	newTxStore := func(t *testing.T) storage.Store {
		store, err := internal_storage.InitStore(testDB.ConnStr)
		assert.NoError(t, err)
		txStore, err := store.Begin(ctx)
		assert.NoError(t, err)
		t.Cleanup(func() {
			_ = txStore.Rollback()
			store.Close()
		})
		return txStore
	}

	// Helper for tests that need committed rows and multiple transactions.
	newRootStore := func(t *testing.T, opts ...internal_storage.StoreOption) storage.Store {
		store, err := internal_storage.InitStore(testDB.ConnStr, opts...)
		assert.NoError(t, err)
		t.Cleanup(func() {
			_, err := testDB.DB.Exec("TRUNCATE TABLE tasks RESTART IDENTITY CASCADE")
			assert.NoError(t, err)
			store.Close()
		})
		return store
	}

	t.Run("CreateAndGet", func(t *testing.T) {
		store := newTxStore(t)
		now := time.Now().UTC()
		task := testTask("t1", "/srv/a", models.PriorityHigh, now)
		task.Tags = []string{"infra", "urgent"}
		task.Metadata = models.Payload{"requested_by": "alice"}
		assert.NoError(t, store.CreateTask(ctx, task))

		got, err := store.GetTask(ctx, "t1")
		assert.NoError(t, err)
		assert.Equal(t, "t1", got.ID)
		assert.Equal(t, "/srv/a", got.WorkDirectory)
		assert.Equal(t, models.PriorityHigh, got.Priority)
		assert.Equal(t, models.StatusWaiting, got.Status)
		assert.Equal(t, int64(1), got.Version)
		assert.EqualValues(t, []string{"infra", "urgent"}, got.Tags)
		assert.Equal(t, "alice", got.Metadata["requested_by"])
		assert.WithinDuration(t, now, got.CreatedAt, time.Second)
		assert.Nil(t, got.WorkerID)
		assert.Nil(t, got.StartedAt)
	})

	t.Run("GetNonExistingTask", func(t *testing.T) {
		store := newTxStore(t)
		_, err := store.GetTask(ctx, "missing")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("DuplicateCreateRejected", func(t *testing.T) {
		store := newTxStore(t)
		now := time.Now().UTC()
		assert.NoError(t, store.CreateTask(ctx, testTask("dup", "/srv/a", models.PriorityLow, now)))
		err := store.CreateTask(ctx, testTask("dup", "/srv/a", models.PriorityLow, now))
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("UpdateBumpsVersion", func(t *testing.T) {
		store := newTxStore(t)
		now := time.Now().UTC()
		assert.NoError(t, store.CreateTask(ctx, testTask("u1", "/srv/a", models.PriorityMedium, now)))

		task, err := store.GetTask(ctx, "u1")
		assert.NoError(t, err)
		task.Status = models.StatusCancelled
		updated, err := store.UpdateTask(ctx, task, 1)
		assert.NoError(t, err)
		assert.Equal(t, int64(2), updated.Version)
		assert.Equal(t, models.StatusCancelled, updated.Status)

		// Stale writers learn about the winner.
		task.Status = models.StatusWaiting
		_, err = store.UpdateTask(ctx, task, 1)
		assert.ErrorIs(t, err, storage.ErrVersionConflict)

		_, err = store.UpdateTask(ctx, testTask("ghost", "/srv/a", models.PriorityLow, now), 1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("WorkerColumnConstraint", func(t *testing.T) {
		store := newTxStore(t)
		now := time.Now().UTC()
		assert.NoError(t, store.CreateTask(ctx, testTask("w1", "/srv/a", models.PriorityMedium, now)))
		task, err := store.GetTask(ctx, "w1")
		assert.NoError(t, err)

		// working without a worker violates the table check
		task.Status = models.StatusWorking
		_, err = store.UpdateTask(ctx, task, task.Version)
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("NextWaitingOrdering", func(t *testing.T) {
		store := newTxStore(t)
		base := time.Now().UTC()
		assert.NoError(t, store.CreateTask(ctx, testTask("old-low", "/srv/q", models.PriorityLow, base.Add(-3*time.Hour))))
		assert.NoError(t, store.CreateTask(ctx, testTask("new-high", "/srv/q", models.PriorityHigh, base)))
		assert.NoError(t, store.CreateTask(ctx, testTask("older-high", "/srv/q", models.PriorityHigh, base.Add(-time.Hour))))
		assert.NoError(t, store.CreateTask(ctx, testTask("other-dir", "/srv/elsewhere", models.PriorityHigh, base.Add(-4*time.Hour))))

		next, err := store.NextWaitingTask(ctx, "/srv/q")
		assert.NoError(t, err)
		assert.Equal(t, "older-high", next.ID, "highest priority, then oldest")

		worker := "worker-1"
		next.Status = models.StatusWorking
		next.WorkerID = &worker
		_, err = store.UpdateTask(ctx, next, next.Version)
		assert.NoError(t, err)

		next, err = store.NextWaitingTask(ctx, "/srv/q")
		assert.NoError(t, err)
		assert.Equal(t, "new-high", next.ID)

		_, err = store.NextWaitingTask(ctx, "/srv/empty")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("ListFiltersAndCount", func(t *testing.T) {
		store := newTxStore(t)
		base := time.Now().UTC()
		tagged := testTask("tagged", "/srv/l", models.PriorityHigh, base.Add(-2*time.Hour))
		tagged.Tags = []string{"red", "blue"}
		assert.NoError(t, store.CreateTask(ctx, tagged))
		assert.NoError(t, store.CreateTask(ctx, testTask("plain", "/srv/l", models.PriorityLow, base.Add(-time.Hour))))
		cancelled := testTask("done", "/srv/l", models.PriorityMedium, base)
		cancelled.Status = models.StatusCancelled
		assert.NoError(t, store.CreateTask(ctx, cancelled))

		tasks, err := store.ListTasks(ctx, storage.TaskFilter{WorkDirectory: "/srv/l"})
		assert.NoError(t, err)
		assert.Len(t, tasks, 3)
		assert.Equal(t, "done", tasks[0].ID, "newest first by default")

		tasks, err = store.ListTasks(ctx, storage.TaskFilter{Tag: "blue"})
		assert.NoError(t, err)
		assert.Len(t, tasks, 1)
		assert.Equal(t, "tagged", tasks[0].ID)

		tasks, err = store.ListTasks(ctx, storage.TaskFilter{
			WorkDirectory: "/srv/l",
			Status:        models.StatusWaiting,
			Order:         storage.OrderQueue,
		})
		assert.NoError(t, err)
		assert.Len(t, tasks, 2)
		assert.Equal(t, "tagged", tasks[0].ID, "queue order ranks high priority first")

		after := base.Add(-90 * time.Minute)
		tasks, err = store.ListTasks(ctx, storage.TaskFilter{WorkDirectory: "/srv/l", CreatedAfter: &after})
		assert.NoError(t, err)
		assert.Len(t, tasks, 2)

		tasks, err = store.ListTasks(ctx, storage.TaskFilter{WorkDirectory: "/srv/l", Limit: 1, Offset: 1})
		assert.NoError(t, err)
		assert.Len(t, tasks, 1)

		count, err := store.CountTasks(ctx, storage.TaskFilter{WorkDirectory: "/srv/l", Limit: 1})
		assert.NoError(t, err)
		assert.Equal(t, 3, count, "count ignores pagination")
	})

	t.Run("HistoryRoundTrip", func(t *testing.T) {
		store := newTxStore(t)
		now := time.Now().UTC()
		assert.NoError(t, store.CreateTask(ctx, testTask("h1", "/srv/a", models.PriorityMedium, now)))

		worker := "worker-1"
		assert.NoError(t, store.AppendHistory(ctx, models.TaskHistory{
			TaskID:    "h1",
			Status:    models.StatusWaiting,
			ChangedAt: now,
		}))
		assert.NoError(t, store.AppendHistory(ctx, models.TaskHistory{
			TaskID:    "h1",
			Status:    models.StatusWorking,
			WorkerID:  &worker,
			ChangedAt: now,
			Details:   models.Payload{"reason": "picked up"},
		}))

		history, err := store.ListHistory(ctx, "h1")
		assert.NoError(t, err)
		assert.Len(t, history, 2)
		assert.Equal(t, models.StatusWaiting, history[0].Status)
		assert.Equal(t, models.StatusWorking, history[1].Status)
		assert.True(t, history[0].ID < history[1].ID)
		assert.Nil(t, history[0].WorkerID)
		assert.Equal(t, "worker-1", *history[1].WorkerID)
		assert.Equal(t, "picked up", history[1].Details["reason"])

		empty, err := store.ListHistory(ctx, "unknown")
		assert.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("OptimisticLoserSeesVersionConflict", func(t *testing.T) {
		store := newRootStore(t)
		assert.NoError(t, store.CreateTask(ctx, testTask("race-1", "/srv/race", models.PriorityMedium, time.Now().UTC())))

		tx1, err := store.Begin(ctx)
		assert.NoError(t, err)
		tx2, err := store.Begin(ctx)
		assert.NoError(t, err)

		c1, err := tx1.NextWaitingTask(ctx, "/srv/race")
		assert.NoError(t, err)
		c2, err := tx2.NextWaitingTask(ctx, "/srv/race")
		assert.NoError(t, err)
		assert.Equal(t, c1.ID, c2.ID, "optimistic readers chase the same candidate")

		now := time.Now().UTC()
		winner := "worker-1"
		c1.Status = models.StatusWorking
		c1.WorkerID = &winner
		c1.StartedAt = &now
		_, err = tx1.UpdateTask(ctx, c1, c1.Version)
		assert.NoError(t, err)
		assert.NoError(t, tx1.Commit())

		loser := "worker-2"
		c2.Status = models.StatusWorking
		c2.WorkerID = &loser
		c2.StartedAt = &now
		_, err = tx2.UpdateTask(ctx, c2, c2.Version)
		assert.ErrorIs(t, err, storage.ErrVersionConflict)
		assert.NoError(t, tx2.Rollback())

		got, err := store.GetTask(ctx, c1.ID)
		assert.NoError(t, err)
		assert.Equal(t, "worker-1", *got.WorkerID)
		assert.Equal(t, int64(2), got.Version)
	})

	t.Run("PessimisticSkipsLockedRows", func(t *testing.T) {
		store := newRootStore(t, internal_storage.WithLockMode(internal_storage.LockPessimistic))
		base := time.Now().UTC()
		assert.NoError(t, store.CreateTask(ctx, testTask("lock-1", "/srv/lock", models.PriorityHigh, base)))
		assert.NoError(t, store.CreateTask(ctx, testTask("lock-2", "/srv/lock", models.PriorityLow, base)))

		tx1, err := store.Begin(ctx)
		assert.NoError(t, err)
		tx2, err := store.Begin(ctx)
		assert.NoError(t, err)

		c1, err := tx1.NextWaitingTask(ctx, "/srv/lock")
		assert.NoError(t, err)
		assert.Equal(t, "lock-1", c1.ID)

		// The second transaction skips the locked row instead of blocking.
		c2, err := tx2.NextWaitingTask(ctx, "/srv/lock")
		assert.NoError(t, err)
		assert.Equal(t, "lock-2", c2.ID)

		now := time.Now().UTC()
		for i, pair := range []struct {
			tx   storage.Store
			task models.Task
			name string
		}{{tx1, c1, "worker-1"}, {tx2, c2, "worker-2"}} {
			worker := pair.name
			pair.task.Status = models.StatusWorking
			pair.task.WorkerID = &worker
			pair.task.StartedAt = &now
			_, err := pair.tx.UpdateTask(ctx, pair.task, pair.task.Version)
			assert.NoError(t, err, "acquirer %d", i)
			assert.NoError(t, pair.tx.Commit())
		}

		_, err = store.NextWaitingTask(ctx, "/srv/lock")
		assert.ErrorIs(t, err, storage.ErrNotFound, "queue fully drained")
	})

	t.Run("LockTimeoutSurfacesStorageError", func(t *testing.T) {
		store := newRootStore(t)
		impatient, err := internal_storage.InitStore(testDB.ConnStr,
			internal_storage.WithLockTimeout(100*time.Millisecond))
		assert.NoError(t, err)
		t.Cleanup(func() { impatient.Close() })

		assert.NoError(t, store.CreateTask(ctx, testTask("held", "/srv/held", models.PriorityMedium, time.Now().UTC())))

		tx1, err := store.Begin(ctx)
		assert.NoError(t, err)
		held, err := tx1.GetTask(ctx, "held")
		assert.NoError(t, err)
		held.Status = models.StatusCancelled
		_, err = tx1.UpdateTask(ctx, held, held.Version)
		assert.NoError(t, err)

		// The uncommitted row lock forces the second writer to time out.
		tx2, err := impatient.Begin(ctx)
		assert.NoError(t, err)
		blocked, err := tx2.GetTask(ctx, "held")
		assert.NoError(t, err)
		blocked.Status = models.StatusCancelled
		_, err = tx2.UpdateTask(ctx, blocked, blocked.Version)
		assert.ErrorIs(t, err, storage.ErrStorage)
		assert.NoError(t, tx2.Rollback())
		assert.NoError(t, tx1.Rollback())
	})
}
