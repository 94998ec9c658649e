package protocol

import (
	"encoding/json"
	"time"
)

// MessageKind discriminates the payload carried by a Message.
type MessageKind string

// Session-opening kinds. The first message on a connection selects the
// session type.
const (
	MsgAttach    MessageKind = "attach"
	MsgSubscribe MessageKind = "subscribe"
	MsgSubmit    MessageKind = "submit"
	MsgPublish   MessageKind = "publish"
	MsgListTasks MessageKind = "list_tasks"
)

// In-session kinds.
const (
	MsgTask      MessageKind = "task"      // core -> worker
	MsgResult    MessageKind = "result"    // worker -> core
	MsgProgress  MessageKind = "progress"  // worker -> core
	MsgHeartbeat MessageKind = "heartbeat" // worker -> core
	MsgEvent     MessageKind = "event"     // core -> subscriber
	MsgOutcome   MessageKind = "outcome"   // core -> producer
	MsgTasks     MessageKind = "tasks"     // core -> introspection client
	MsgACK       MessageKind = "ack"       // core -> any, session accepted or rejected
)

// Result discriminants in ResultPayload.Result.
const (
	ResultDone  = "done"
	ResultError = "error"
)

// Message is the kind-tagged envelope exchanged as one JSON object per line.
// Exactly one payload pointer matching Kind is set.
type Message struct {
	Kind MessageKind `json:"kind"`

	// Token authenticates publish and list_tasks sessions, which carry no
	// payload of their own to hold it.
	Token string `json:"token,omitempty"`

	Attach    *AttachPayload    `json:"attach,omitempty"`
	Subscribe *SubscribePayload `json:"subscribe,omitempty"`
	Submit    *SubmitPayload    `json:"submit,omitempty"`
	Publish   *Event            `json:"publish,omitempty"`

	Task      *WorkerTask       `json:"task,omitempty"`
	Result    *ResultPayload    `json:"result,omitempty"`
	Progress  *ProgressPayload  `json:"progress,omitempty"`
	Heartbeat *HeartbeatPayload `json:"heartbeat,omitempty"`
	Event     *Event            `json:"event,omitempty"`
	Outcome   *OutcomePayload   `json:"outcome,omitempty"`
	Tasks     []InFlightInfo    `json:"tasks,omitempty"`
	ACK       *ACKPayload       `json:"ack,omitempty"`
}

// AttachPayload opens a worker session.
type AttachPayload struct {
	WorkerID     string            `json:"worker_id"`
	Descriptions []TaskDescription `json:"descriptions"`
	Token        string            `json:"token,omitempty"`
}

// SubscribePayload opens a listener session. An empty SubscriberID asks the
// core to assign one.
type SubscribePayload struct {
	SubscriberID string   `json:"subscriber_id,omitempty"`
	Kinds        []string `json:"kinds"`
	Token        string   `json:"token,omitempty"`
}

// SubmitPayload asks the core to run a task and reply with its outcome.
type SubmitPayload struct {
	Name       string            `json:"name"`
	Attributes map[string]string `json:"attributes,omitempty"`
	Payload    json.RawMessage   `json:"payload,omitempty"`
	MaxWaitMS  int64             `json:"max_wait_ms,omitempty"`
	Token      string            `json:"token,omitempty"`
}

// MaxWait converts MaxWaitMS to a duration.
func (p SubmitPayload) MaxWait() time.Duration {
	return time.Duration(p.MaxWaitMS) * time.Millisecond
}

// ResultPayload reports the terminal result of a task from a worker.
type ResultPayload struct {
	WorkerID string          `json:"worker_id"`
	TaskID   string          `json:"task_id"`
	Result   string          `json:"result"` // ResultDone or ResultError
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// ProgressPayload carries intermediate progress from a worker.
type ProgressPayload struct {
	WorkerID string          `json:"worker_id"`
	TaskID   string          `json:"task_id"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// HeartbeatPayload keeps a worker session alive.
type HeartbeatPayload struct {
	WorkerID string `json:"worker_id"`
}

// OutcomePayload is the reply to a submit session.
type OutcomePayload struct {
	TaskID    string          `json:"task_id"`
	TaskName  string          `json:"task_name"`
	OK        bool            `json:"ok"`
	Data      json.RawMessage `json:"data,omitempty"`
	WorkerID  string          `json:"worker_id,omitempty"`
	Error     string          `json:"error,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
}

// ACKPayload accepts or rejects a session-opening message.
type ACKPayload struct {
	OK        bool   `json:"ok"`
	Detail    string `json:"detail,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}
