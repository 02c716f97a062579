package models

import "github.com/pkg/errors"

type TaskStatus string

const (
	StatusWaiting   TaskStatus = "waiting"
	StatusWorking   TaskStatus = "working"
	StatusCompleted TaskStatus = "completed"
	StatusCancelled TaskStatus = "cancelled"
	StatusFailed    TaskStatus = "failed"
)

type TaskPriority string

const (
	PriorityLow    TaskPriority = "low"
	PriorityMedium TaskPriority = "medium"
	PriorityHigh   TaskPriority = "high"
)

// Rank orders priorities for scheduling; higher runs first.
func (p TaskPriority) Rank() int {
	switch p {
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	}
	return 0
}

// ParseStatus resolves a user-supplied status string.
func ParseStatus(s string) (TaskStatus, error) {
	switch TaskStatus(s) {
	case StatusWaiting, StatusWorking, StatusCompleted, StatusCancelled, StatusFailed:
		return TaskStatus(s), nil
	}
	return "", errors.Wrapf(ErrValidation, "unknown status %q", s)
}

// ParsePriority resolves a user-supplied priority string.
func ParsePriority(s string) (TaskPriority, error) {
	switch TaskPriority(s) {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return TaskPriority(s), nil
	}
	return "", errors.Wrapf(ErrValidation, "unknown priority %q", s)
}

// validTransitions is the closed set of legal lifecycle edges. Everything
// not listed here is rejected; failed->waiting additionally requires an
// unspent retry budget, which the service checks before applying the edge.
var validTransitions = map[TaskStatus]map[TaskStatus]bool{
	StatusWaiting: {
		StatusWorking:   true,
		StatusCancelled: true,
	},
	StatusWorking: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusFailed: {
		StatusWaiting: true,
	},
}

// ValidateTransition rejects any edge not present in the transition table.
// The returned error matches ErrStateConflict.
func ValidateTransition(from, to TaskStatus) error {
	if !validTransitions[from][to] {
		return errors.Wrapf(ErrStateConflict, "illegal transition %q -> %q", from, to)
	}
	return nil
}

// CanTransition reports whether the edge exists without building an error.
func CanTransition(from, to TaskStatus) bool {
	return validTransitions[from][to]
}
