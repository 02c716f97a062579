package models

import (
	"time"

	"github.com/lib/pq"
)

// Task represents a unit of queued work handed out to external workers.
type Task struct {
	ID            string         `json:"id" db:"id" validate:"required,max=64"`
	WorkDirectory string         `json:"work_directory" db:"work_directory" validate:"required,max=512"` // Partition key scoping acquisition
	Prompt        string         `json:"prompt" db:"prompt" validate:"required,max=65536"`               // Descriptive payload handed to the worker
	Priority      TaskPriority   `json:"priority" db:"priority" validate:"required,oneof=low medium high"`
	Tags          pq.StringArray `json:"tags,omitempty" db:"tags" validate:"max=32,dive,min=1,max=64"`
	Status        TaskStatus     `json:"status" db:"status" validate:"required,oneof=waiting working completed cancelled failed"`
	WorkerID      *string        `json:"worker_id,omitempty" db:"worker_id"`       // Set iff status is working
	CreatedAt     time.Time      `json:"created_at" db:"created_at"`               // Creation timestamp
	StartedAt     *time.Time     `json:"started_at,omitempty" db:"started_at"`     // First entry into working; cleared only by retry
	CompletedAt   *time.Time     `json:"completed_at,omitempty" db:"completed_at"` // Set on successful completion
	Result        Payload        `json:"result,omitempty" db:"result"`             // Opaque completion payload
	ErrorMessage  string         `json:"error_message,omitempty" db:"error_message"`
	RetryCount    int            `json:"retry_count" db:"retry_count" validate:"min=0"`
	MaxRetries    int            `json:"max_retries" db:"max_retries" validate:"min=0"`
	Metadata      Payload        `json:"metadata,omitempty" db:"metadata"` // Opaque caller payload
	Version       int64          `json:"version" db:"version"`            // Bumped by exactly 1 on every committed mutation
	UpdatedAt     time.Time      `json:"updated_at" db:"updated_at"`      // Last mutation timestamp
}

// Terminal reports whether the task can no longer leave its current status.
// A failed task is terminal only once its retry budget is spent.
func (t Task) Terminal() bool {
	switch t.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return t.RetryCount >= t.MaxRetries
	}
	return false
}

// RetriesRemaining returns how many failed-to-waiting transitions the task has left.
func (t Task) RetriesRemaining() int {
	if r := t.MaxRetries - t.RetryCount; r > 0 {
		return r
	}
	return 0
}
