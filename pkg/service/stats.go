package service

import (
	"context"
	"time"

	"github.com/ModerRAS/taskd/pkg/models"
	"github.com/ModerRAS/taskd/pkg/storage"
	"github.com/pkg/errors"
)

// Stats aggregates the queue state at a point in time.
type Stats struct {
	Total              int                         `json:"total"`
	ByStatus           map[models.TaskStatus]int   `json:"by_status"`
	ByPriority         map[models.TaskPriority]int `json:"by_priority"`
	WaitingByDirectory map[string]int              `json:"waiting_by_directory"`
	TotalRetries       int                         `json:"total_retries"`
	OldestWaiting      *time.Time                  `json:"oldest_waiting,omitempty"`
}

// StatsService computes read-only aggregates over the task store. It never
// mutates tasks and holds no state between calls. Aggregates come from paged
// reads, so totals can tear slightly under heavy concurrent writes.
type StatsService struct {
	store  storage.Store
	logger Logger
}

func NewStatsService(store storage.Store, logger Logger) *StatsService {
	return &StatsService{
		store:  store,
		logger: logger,
	}
}

// Collect walks every task, scoped to workDirectory when non-empty, and
// tallies totals by status, priority and queue depth.
func (ss *StatsService) Collect(ctx context.Context, workDirectory string) (Stats, error) {
	stats := Stats{
		ByStatus:           make(map[models.TaskStatus]int),
		ByPriority:         make(map[models.TaskPriority]int),
		WaitingByDirectory: make(map[string]int),
	}
	f := storage.TaskFilter{
		WorkDirectory: workDirectory,
		Limit:         storage.MaxListLimit,
	}
	for {
		page, err := ss.store.ListTasks(ctx, f)
		if err != nil {
			ss.logger.Errorf("Failed to list tasks for stats: %v", err)
			return Stats{}, errors.Wrap(err, "failed to list tasks for stats")
		}
		for _, t := range page {
			stats.Total++
			stats.ByStatus[t.Status]++
			stats.ByPriority[t.Priority]++
			stats.TotalRetries += t.RetryCount
			if t.Status == models.StatusWaiting {
				stats.WaitingByDirectory[t.WorkDirectory]++
				if stats.OldestWaiting == nil || t.CreatedAt.Before(*stats.OldestWaiting) {
					created := t.CreatedAt
					stats.OldestWaiting = &created
				}
			}
		}
		if len(page) < f.Limit {
			break
		}
		f.Offset += len(page)
	}
	return stats, nil
}
