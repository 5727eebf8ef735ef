package task

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by repositories when no task or log matches
	ErrNotFound = errors.New("task not found")

	// ErrInvalid wraps validation failures of a creation request
	ErrInvalid = errors.New("invalid task")

	// ErrPrecondition marks operations rejected because of the task's current state
	ErrPrecondition = errors.New("task precondition failed")

	ErrTaskCompleted  = fmt.Errorf("%w: task is completed", ErrPrecondition)
	ErrTaskCancelled  = fmt.Errorf("%w: task is cancelled", ErrPrecondition)
	ErrTaskProcessing = fmt.Errorf("%w: task is processing", ErrPrecondition)
	ErrTaskNotFailed  = fmt.Errorf("%w: task is not failed", ErrPrecondition)
	ErrRetryExhausted = fmt.Errorf("%w: retry attempts exhausted", ErrPrecondition)
)

// CheckExecutable rejects tasks that may not be attempted again
func CheckExecutable(t *Task) error {
	switch t.Status {
	case StatusCompleted:
		return ErrTaskCompleted
	case StatusCancelled:
		return ErrTaskCancelled
	}
	return nil
}
