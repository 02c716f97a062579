package models

import "time"

// TaskHistory is one append-only audit row recording a committed status
// transition. Rows are written in the same transaction as the task mutation
// they describe and are never updated afterwards. Ordering is by ID, the
// append sequence, so same-timestamp transitions never reorder.
type TaskHistory struct {
	ID        int64      `json:"id" db:"id"`
	TaskID    string     `json:"task_id" db:"task_id"` // Back-reference only; the log is never consulted for decisions
	Status    TaskStatus `json:"status" db:"status"`   // Post-transition status
	WorkerID  *string    `json:"worker_id,omitempty" db:"worker_id"`
	ChangedAt time.Time  `json:"changed_at" db:"changed_at"`
	Details   Payload    `json:"details,omitempty" db:"details"`
}
