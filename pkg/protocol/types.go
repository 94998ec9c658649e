package protocol

import (
	"encoding/json"
	"time"
)

// TaskDescription declares a task name a worker can service plus the
// attribute values it accepts. A nil or empty Filter accepts every task of
// that name.
type TaskDescription struct {
	Name   string              `json:"name"`
	Filter map[string][]string `json:"filter,omitempty"`
}

// Matches reports whether the description accepts a task with the given
// name and routing attributes. Every filter key must be present in attrs
// with one of the accepted values; keys absent from the filter are
// wildcards.
func (d TaskDescription) Matches(name string, attrs map[string]string) bool {
	if d.Name != name {
		return false
	}
	for key, accepted := range d.Filter {
		value, ok := attrs[key]
		if !ok {
			return false
		}
		if !contains(accepted, value) {
			return false
		}
	}
	return true
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

// WorkerTask is a unit of work routed to a worker. The ID is stable across
// retries.
type WorkerTask struct {
	ID         string            `json:"id"`
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
}

// InFlightInfo is the introspection view of a task currently assigned to a
// worker.
type InFlightInfo struct {
	Task       WorkerTask `json:"task"`
	WorkerID   string     `json:"worker_id"`
	RetryCount int        `json:"retry_count"`
	Deadline   time.Time  `json:"deadline"`
}

// WorkerInfo describes an attached worker.
type WorkerInfo struct {
	WorkerID     string            `json:"worker_id"`
	Descriptions []TaskDescription `json:"descriptions"`
	AttachedAt   time.Time         `json:"attached_at"`
	Queued       int               `json:"queued"`
}

// SubscriberInfo describes an active event bus listener.
type SubscriberInfo struct {
	SubscriberID string   `json:"subscriber_id"`
	Kinds        []string `json:"kinds"`
	Dropped      int64    `json:"dropped"`
}

// Event is a notification broadcast over the event bus.
type Event struct {
	ID       string          `json:"id"`
	Kind     string          `json:"kind"`
	TaskID   string          `json:"task_id,omitempty"`
	TaskName string          `json:"task_name,omitempty"`
	WorkerID string          `json:"worker_id,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	At       time.Time       `json:"at"`
}

// Event kinds published by the core.
const (
	EventWorkerAttached     = "worker_attached"
	EventWorkerDetached     = "worker_detached"
	EventTaskAssigned       = "task_assigned"
	EventTaskProgress       = "task_progress"
	EventTaskDone           = "task_done"
	EventTaskError          = "task_error"
	EventTaskRetry          = "task_retry"
	EventTaskExhausted      = "task_exhausted"
	EventTaskExpired        = "task_expired"
	EventTaskStaleAck       = "task_stale_ack"
	EventTaskResultConflict = "task_result_conflict" // a second resolution was refused
	EventConfigChanged      = "config_changed"

	// EventAny subscribes to every kind.
	EventAny = "*"
)

// ReservedKind reports whether kind may only be published by the core
// itself. Task lifecycle events are derived from dispatcher state and must
// not be forged by external publishers.
func ReservedKind(kind string) bool {
	switch kind {
	case EventTaskAssigned, EventTaskProgress, EventTaskDone, EventTaskError,
		EventTaskRetry, EventTaskExhausted, EventTaskExpired, EventTaskStaleAck,
		EventTaskResultConflict, EventWorkerAttached, EventWorkerDetached, EventAny:
		return true
	default:
		return false
	}
}

// Well-known task names.
const (
	TaskValidateConfig  = "validate_config"
	TaskTag             = "tag"
	TaskCollect         = "collect"
	TaskMergeOuterEdges = "merge_outer_edges"
)
