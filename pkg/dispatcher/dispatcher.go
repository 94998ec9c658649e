// Package dispatcher routes worker tasks to attached, capability-filtered
// workers. It composes a worker pool, an in-flight tracker, a retry/timeout
// supervisor and a result correlator behind a single Dispatcher service.
//
// A task is submitted with a name, routing attributes and an opaque payload.
// The Dispatcher picks a matching worker round-robin and hands the task to
// that worker's delivery channel, or holds it pending until one attaches.
// Each assignment carries a deadline; the supervisor re-dispatches expired
// or orphaned tasks up to MaxRetries times before failing them with
// TaskExhaustedError. Workers acknowledge or fail tasks out of band and the
// correlator resolves the submitter's pending result exactly once.
//
// Lock order is WorkerPool before Tracker. The Correlator lock is never held
// together with either.
package dispatcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"corebus/pkg/protocol"

	"github.com/google/uuid"
)

// Publisher receives lifecycle events. *eventbus.Bus satisfies it.
type Publisher interface {
	Publish(ev protocol.Event)
}

type noopPublisher struct{}

func (noopPublisher) Publish(protocol.Event) {}

// Dispatcher is the task dispatch service.
type Dispatcher struct {
	cfg     Config
	policy  atomic.Pointer[Policy]
	pool    *WorkerPool
	tracker *Tracker
	results *Correlator
	events  Publisher

	wakeCh chan struct{}

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
	newID   func() string
}

// New creates a Dispatcher. The supervisor does not run until Run is called.
// A nil publisher discards lifecycle events.
func New(cfg Config, events Publisher) *Dispatcher {
	resolved := cfg.withDefaults()
	if events == nil {
		events = noopPublisher{}
	}
	d := &Dispatcher{
		cfg:     resolved,
		pool:    newWorkerPool(),
		tracker: newTracker(),
		results: NewCorrelator(),
		events:  events,
		wakeCh:  make(chan struct{}, 1),
		nowFunc: time.Now,
		newID:   uuid.NewString,
	}
	p := resolved.policy()
	d.policy.Store(&p)
	return d
}

// Policy returns the active retry policy.
func (d *Dispatcher) Policy() Policy {
	return *d.policy.Load()
}

// SetPolicy replaces the retry policy. Entries already in flight keep their
// deadline; the new timeout applies to the next assignment.
func (d *Dispatcher) SetPolicy(p Policy) {
	if p.TaskTimeout <= 0 {
		p.TaskTimeout = d.Policy().TaskTimeout
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	d.policy.Store(&p)
}

// Results exposes the correlator so callers can await a task id directly.
func (d *Dispatcher) Results() *Correlator { return d.results }

// --- Submission ---

// Ticket is the handle for a submitted task.
type Ticket struct {
	TaskID string
	Name   string

	d       *Dispatcher
	result  *PendingResult
	maxWait time.Duration
	expires time.Time
}

// SubmitAsync enqueues a task and returns immediately. maxWait bounds the
// total time including every retry; zero or negative uses DefaultMaxWait.
func (d *Dispatcher) SubmitAsync(name string, attrs map[string]string, payload json.RawMessage, maxWait time.Duration) (*Ticket, error) {
	if name == "" {
		return nil, errors.New("submit: empty task name")
	}
	if maxWait <= 0 {
		maxWait = d.cfg.DefaultMaxWait
	}
	now := d.nowFunc()
	task := protocol.WorkerTask{
		ID:         d.newID(),
		Name:       name,
		Attributes: attrs,
		Payload:    payload,
	}
	result, err := d.results.Register(task.ID)
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	j := &job{task: task, expires: now.Add(maxWait), maxWait: maxWait}
	if err := d.tracker.add(j); err != nil {
		d.results.Cancel(task.ID)
		return nil, fmt.Errorf("submit: %w", err)
	}
	d.place(j, "")
	return &Ticket{
		TaskID:  task.ID,
		Name:    name,
		d:       d,
		result:  result,
		maxWait: maxWait,
		expires: j.expires,
	}, nil
}

// Submit enqueues a task and blocks until it resolves, max wait elapses or
// ctx ends. Terminal failures are *protocol.TaskExhaustedError,
// *protocol.WorkerReportedError or *protocol.NoWorkerAvailableError.
func (d *Dispatcher) Submit(ctx context.Context, name string, attrs map[string]string, payload json.RawMessage, maxWait time.Duration) (Outcome, error) {
	t, err := d.SubmitAsync(name, attrs, payload, maxWait)
	if err != nil {
		return Outcome{}, err
	}
	return t.Wait(ctx)
}

// Wait blocks for the ticket's outcome. When max wait elapses the task's
// bookkeeping is removed synchronously so it cannot resolve late. When ctx
// ends first only the waiter is detached; the task keeps running.
func (t *Ticket) Wait(ctx context.Context) (Outcome, error) {
	timer := time.NewTimer(t.expires.Sub(t.d.nowFunc()))
	defer timer.Stop()

	select {
	case <-t.result.Done():
	case <-timer.C:
		t.d.expire(t.TaskID)
		select {
		case <-t.result.Done():
		case <-ctx.Done():
			t.d.results.Cancel(t.TaskID)
			return Outcome{TaskID: t.TaskID, TaskName: t.Name}, ctx.Err()
		}
	case <-ctx.Done():
		t.d.results.Cancel(t.TaskID)
		return Outcome{TaskID: t.TaskID, TaskName: t.Name}, ctx.Err()
	}
	o, _ := t.result.Outcome()
	return o, o.Err
}

// expire removes a task whose max wait elapsed and fails it with
// NoWorkerAvailableError.
func (d *Dispatcher) expire(taskID string) {
	removed := d.tracker.remove(taskID)
	if removed.job == nil {
		return
	}
	d.failExpired(removed)
}

func (d *Dispatcher) failExpired(removed removedJob) {
	j := removed.job
	err := &protocol.NoWorkerAvailableError{
		TaskID:   j.task.ID,
		TaskName: j.task.Name,
		Waited:   j.maxWait,
		InFlight: removed.assigned,
	}
	d.resolve(Outcome{TaskID: j.task.ID, TaskName: j.task.Name, Err: err})
	d.publish(protocol.EventTaskExpired, j.task, "", map[string]any{"in_flight": removed.assigned})
}

// --- Assignment ---

type assignResult int

const (
	assignNoWorker assignResult = iota
	assignDone
	assignGone
)

// tryAssign hands j to the least recently used matching worker with room in
// its delivery queue. The pool read lock is held across the tracker update
// so a detach cannot interleave between delivery and bookkeeping.
func (d *Dispatcher) tryAssign(j *job, exclude string) (assignResult, string) {
	d.pool.mu.RLock()
	defer d.pool.mu.RUnlock()

	candidates := d.pool.matchingLocked(j.task.Name, j.task.Attributes, exclude)
	if len(candidates) == 0 {
		return assignNoWorker, ""
	}
	d.pool.fairOrder(j.task.Name, candidates)
	deadline := d.nowFunc().Add(d.Policy().TaskTimeout)

	d.tracker.mu.Lock()
	defer d.tracker.mu.Unlock()
	if !d.tracker.liveLocked(j) {
		return assignGone, ""
	}
	for _, w := range candidates {
		select {
		case w.tasks <- j.task:
			d.tracker.assignLocked(j, w.id, deadline)
			d.pool.markAssigned(w, j.task.Name)
			return assignDone, w.id
		default:
		}
	}
	return assignNoWorker, ""
}

// place assigns j or parks it on the pending queue.
func (d *Dispatcher) place(j *job, exclude string) {
	result, workerID := d.tryAssign(j, exclude)
	switch result {
	case assignDone:
		d.publish(protocol.EventTaskAssigned, j.task, workerID, nil)
	case assignNoWorker:
		d.tracker.enqueue(j)
	case assignGone:
	}
}

// drainPending retries every pending task in FIFO order.
func (d *Dispatcher) drainPending() {
	for _, j := range d.tracker.pendingJobs() {
		if result, workerID := d.tryAssign(j, ""); result == assignDone {
			d.publish(protocol.EventTaskAssigned, j.task, workerID, nil)
		}
	}
}

// retry handles a failed attempt of a job in transit: re-dispatch while the
// budget lasts, otherwise fail with TaskExhaustedError.
func (d *Dispatcher) retry(j *job, failedWorker, reason string, excludeFailed bool) {
	decision, retries := d.tracker.bumpRetry(j, reason, d.Policy().MaxRetries)
	switch decision {
	case retryGone:
		return
	case retryExhausted:
		err := &protocol.TaskExhaustedError{
			TaskID:    j.task.ID,
			TaskName:  j.task.Name,
			Attempts:  retries + 1,
			LastError: reason,
		}
		d.resolve(Outcome{TaskID: j.task.ID, TaskName: j.task.Name, WorkerID: failedWorker, Err: err})
		d.publish(protocol.EventTaskExhausted, j.task, failedWorker, map[string]any{"attempts": retries + 1, "error": reason})
	case retryAgain:
		d.publish(protocol.EventTaskRetry, j.task, failedWorker, map[string]any{"retry_count": retries, "reason": reason})
		exclude := ""
		if excludeFailed {
			exclude = failedWorker
		}
		d.place(j, exclude)
	}
}

// --- Worker reports ---

// Acknowledge resolves a task successfully. The task must be in flight on
// workerID; otherwise a *protocol.StaleAcknowledgementError is returned for
// the transport to log and the report is dropped.
func (d *Dispatcher) Acknowledge(workerID, taskID string, data json.RawMessage) error {
	j, err := d.tracker.complete(workerID, taskID)
	if err != nil {
		d.publishStale(workerID, taskID, protocol.ResultDone, err)
		return err
	}
	d.resolve(Outcome{TaskID: taskID, TaskName: j.task.Name, WorkerID: workerID, Data: data})
	d.publish(protocol.EventTaskDone, j.task, workerID, data)
	return nil
}

// Error fails a task immediately with *protocol.WorkerReportedError. It is
// never retried.
func (d *Dispatcher) Error(workerID, taskID, message string) error {
	j, err := d.tracker.complete(workerID, taskID)
	if err != nil {
		d.publishStale(workerID, taskID, protocol.ResultError, err)
		return err
	}
	reported := &protocol.WorkerReportedError{TaskID: taskID, WorkerID: workerID, Message: message}
	d.resolve(Outcome{TaskID: taskID, TaskName: j.task.Name, WorkerID: workerID, Err: reported})
	d.publish(protocol.EventTaskError, j.task, workerID, map[string]string{"error": message})
	return nil
}

// Progress re-broadcasts an intermediate report from the owning worker.
func (d *Dispatcher) Progress(workerID, taskID string, data json.RawMessage) error {
	j, err := d.tracker.owner(workerID, taskID)
	if err != nil {
		d.publishStale(workerID, taskID, "progress", err)
		return err
	}
	d.publish(protocol.EventTaskProgress, j.task, workerID, data)
	return nil
}

// --- Introspection ---

// InFlight lists tasks currently assigned to workers, ordered by deadline.
func (d *Dispatcher) InFlight() []protocol.InFlightInfo {
	return d.tracker.snapshot()
}

// Stats summarises the dispatcher's bookkeeping.
type Stats struct {
	Workers  int `json:"workers"`
	Live     int `json:"live"`
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Waiting  int `json:"waiting"`
}

// Stats returns current counters.
func (d *Dispatcher) Stats() Stats {
	live, pending, inflight := d.tracker.counts()
	return Stats{
		Workers:  d.pool.len(),
		Live:     live,
		Pending:  pending,
		InFlight: inflight,
		Waiting:  d.results.Len(),
	}
}

// resolve hands o to the submitter. A missing waiter means the caller gave
// up and the outcome is discarded; a second resolution is refused and
// reported as task_result_conflict.
func (d *Dispatcher) resolve(o Outcome) {
	err := d.results.Resolve(o.TaskID, o)
	if errors.Is(err, protocol.ErrAlreadyResolved) {
		d.publish(protocol.EventTaskResultConflict, protocol.WorkerTask{ID: o.TaskID, Name: o.TaskName}, o.WorkerID,
			map[string]string{"error": err.Error()})
	}
}

// --- Events ---

func (d *Dispatcher) publish(kind string, task protocol.WorkerTask, workerID string, data any) {
	ev := protocol.Event{
		ID:       d.newID(),
		Kind:     kind,
		TaskID:   task.ID,
		TaskName: task.Name,
		WorkerID: workerID,
		At:       d.nowFunc(),
	}
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		ev.Data = v
	default:
		if raw, err := json.Marshal(v); err == nil {
			ev.Data = raw
		}
	}
	d.events.Publish(ev)
}

func (d *Dispatcher) publishStale(workerID, taskID, report string, err error) {
	d.publish(protocol.EventTaskStaleAck, protocol.WorkerTask{ID: taskID}, workerID,
		map[string]string{"report": report, "error": err.Error()})
}
