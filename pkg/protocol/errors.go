package protocol

import (
	"errors"
	"fmt"
	"time"
)

// ErrAlreadyResolved is returned when a pending result is resolved a second
// time. Double resolution is a programming error.
var ErrAlreadyResolved = errors.New("result already resolved")

// ErrUnknownTask is returned when a task id has no bookkeeping.
var ErrUnknownTask = errors.New("unknown task")

// NoWorkerAvailableError is returned by Submit when max wait elapsed before a
// worker completed the task. InFlight is true when the task had been
// assigned but was never acknowledged.
type NoWorkerAvailableError struct {
	TaskID   string
	TaskName string
	Waited   time.Duration
	InFlight bool
}

func (e *NoWorkerAvailableError) Error() string {
	if e.InFlight {
		return fmt.Sprintf("no worker completed task %s (%s) within %s", e.TaskID, e.TaskName, e.Waited)
	}
	return fmt.Sprintf("no worker available for task %s (%s) within %s", e.TaskID, e.TaskName, e.Waited)
}

// DuplicateWorkerError rejects an attach with an id that is already active.
type DuplicateWorkerError struct {
	WorkerID string
}

func (e *DuplicateWorkerError) Error() string {
	return fmt.Sprintf("worker %s is already attached", e.WorkerID)
}

// DuplicateSubscriberError rejects a subscribe with an id that is already active.
type DuplicateSubscriberError struct {
	SubscriberID string
}

func (e *DuplicateSubscriberError) Error() string {
	return fmt.Sprintf("subscriber %s is already connected", e.SubscriberID)
}

// StaleAcknowledgementError reports an ack, error or progress message for a
// task that is not currently assigned to the sending worker. It is logged
// and dropped by the transport, never delivered to a submitter.
type StaleAcknowledgementError struct {
	WorkerID string
	TaskID   string
	Owner    string // worker currently holding the task, empty if none
}

func (e *StaleAcknowledgementError) Error() string {
	if e.Owner == "" {
		return fmt.Sprintf("stale acknowledgement from worker %s: task %s is not in flight", e.WorkerID, e.TaskID)
	}
	return fmt.Sprintf("stale acknowledgement from worker %s: task %s is assigned to %s", e.WorkerID, e.TaskID, e.Owner)
}

// TaskExhaustedError is the terminal failure after all retries were used.
type TaskExhaustedError struct {
	TaskID    string
	TaskName  string
	Attempts  int
	LastError string
}

func (e *TaskExhaustedError) Error() string {
	return fmt.Sprintf("task %s (%s) exhausted after %d attempts: %s", e.TaskID, e.TaskName, e.Attempts, e.LastError)
}

// WorkerReportedError is the terminal failure reported explicitly by a worker.
type WorkerReportedError struct {
	TaskID   string
	WorkerID string
	Message  string
}

func (e *WorkerReportedError) Error() string {
	return fmt.Sprintf("worker %s failed task %s: %s", e.WorkerID, e.TaskID, e.Message)
}

// Error kinds carried on the wire in OutcomePayload.ErrorKind.
const (
	ErrKindNoWorker      = "no_worker_available"
	ErrKindExhausted     = "task_exhausted"
	ErrKindWorkerError   = "worker_error"
	ErrKindDuplicate     = "duplicate"
	ErrKindUnauthorized  = "unauthorized"
	ErrKindInvalid       = "invalid"
	ErrKindInternal      = "internal"
	ErrKindStaleAck      = "stale_ack"
	ErrKindReservedEvent = "reserved_event"
)

// ErrorKind classifies err for the wire.
func ErrorKind(err error) string {
	var (
		noWorker  *NoWorkerAvailableError
		exhausted *TaskExhaustedError
		reported  *WorkerReportedError
		dupWorker *DuplicateWorkerError
		dupSub    *DuplicateSubscriberError
		stale     *StaleAcknowledgementError
	)
	switch {
	case errors.As(err, &noWorker):
		return ErrKindNoWorker
	case errors.As(err, &exhausted):
		return ErrKindExhausted
	case errors.As(err, &reported):
		return ErrKindWorkerError
	case errors.As(err, &dupWorker), errors.As(err, &dupSub):
		return ErrKindDuplicate
	case errors.As(err, &stale):
		return ErrKindStaleAck
	default:
		return ErrKindInternal
	}
}

// OutcomeError rebuilds a typed error from a wire outcome. The detailed
// fields that did not travel over the wire are left zero.
func OutcomeError(o *OutcomePayload) error {
	if o == nil || o.OK {
		return nil
	}
	switch o.ErrorKind {
	case ErrKindNoWorker:
		return &NoWorkerAvailableError{TaskID: o.TaskID, TaskName: o.TaskName}
	case ErrKindExhausted:
		return &TaskExhaustedError{TaskID: o.TaskID, TaskName: o.TaskName, LastError: o.Error}
	case ErrKindWorkerError:
		return &WorkerReportedError{TaskID: o.TaskID, WorkerID: o.WorkerID, Message: o.Error}
	default:
		return fmt.Errorf("%s: %s", o.ErrorKind, o.Error)
	}
}
