package dispatcher

import (
	"cmp"
	"fmt"
	"slices"
	"sync"
	"time"

	"corebus/pkg/protocol"
)

// InFlightEntry records a task handed to a worker.
type InFlightEntry struct {
	Task       protocol.WorkerTask
	WorkerID   string
	RetryCount int
	Deadline   time.Time
}

type jobState int

const (
	jobTransit  jobState = iota // owned by the goroutine reconciling it
	jobPending                  // waiting for a matching worker
	jobInFlight                 // assigned, awaiting acknowledgement
)

// job is the submit-to-resolution bookkeeping for one task id.
type job struct {
	task     protocol.WorkerTask
	expires  time.Time // submit time + max wait
	maxWait  time.Duration
	seq      uint64
	state    jobState
	retries  int
	lastErr  string
	assigned bool
}

// expiredAttempt is an in-flight entry whose deadline elapsed.
type expiredAttempt struct {
	job      *job
	workerID string
}

// Tracker owns all live task bookkeeping: the pending queue and the in-flight
// entries. A task id is present in at most one of them at any time.
type Tracker struct {
	mu       sync.Mutex
	jobs     map[string]*job
	inflight map[string]*InFlightEntry
	pending  []*job
	seq      uint64
}

func newTracker() *Tracker {
	return &Tracker{
		jobs:     make(map[string]*job),
		inflight: make(map[string]*InFlightEntry),
	}
}

// add registers a new job in transit state.
func (t *Tracker) add(j *job) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.jobs[j.task.ID]; exists {
		return fmt.Errorf("task %s already tracked", j.task.ID)
	}
	t.seq++
	j.seq = t.seq
	j.state = jobTransit
	t.jobs[j.task.ID] = j
	return nil
}

// liveLocked reports whether j is still the job on record. Caller holds t.mu.
func (t *Tracker) liveLocked(j *job) bool {
	return t.jobs[j.task.ID] == j
}

// enqueue puts j on the pending queue. It returns false if j was removed in
// the meantime.
func (t *Tracker) enqueue(j *job) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.liveLocked(j) {
		return false
	}
	if j.state == jobPending {
		return true
	}
	j.state = jobPending
	t.pending = append(t.pending, j)
	return true
}

// assignLocked moves j to in flight on workerID. Caller holds t.mu.
func (t *Tracker) assignLocked(j *job, workerID string, deadline time.Time) {
	t.dropPendingLocked(j)
	j.state = jobInFlight
	j.assigned = true
	t.inflight[j.task.ID] = &InFlightEntry{
		Task:       j.task,
		WorkerID:   workerID,
		RetryCount: j.retries,
		Deadline:   deadline,
	}
}

func (t *Tracker) dropPendingLocked(j *job) {
	if j.state != jobPending {
		return
	}
	t.pending = slices.DeleteFunc(t.pending, func(p *job) bool { return p == j })
}

// owner verifies that taskID is in flight on workerID.
func (t *Tracker) owner(workerID, taskID string) (*job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.ownerLocked(workerID, taskID)
}

func (t *Tracker) ownerLocked(workerID, taskID string) (*job, error) {
	entry, ok := t.inflight[taskID]
	if !ok {
		return nil, &protocol.StaleAcknowledgementError{WorkerID: workerID, TaskID: taskID}
	}
	if entry.WorkerID != workerID {
		return nil, &protocol.StaleAcknowledgementError{WorkerID: workerID, TaskID: taskID, Owner: entry.WorkerID}
	}
	return t.jobs[taskID], nil
}

// complete removes a task acknowledged by its owning worker.
func (t *Tracker) complete(workerID, taskID string) (*job, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	j, err := t.ownerLocked(workerID, taskID)
	if err != nil {
		return nil, err
	}
	delete(t.inflight, taskID)
	delete(t.jobs, taskID)
	return j, nil
}

// takeByWorker detaches every in-flight entry held by workerID and returns
// the jobs in submission order, now in transit.
func (t *Tracker) takeByWorker(workerID string) []*job {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*job
	for id, entry := range t.inflight {
		if entry.WorkerID != workerID {
			continue
		}
		delete(t.inflight, id)
		j := t.jobs[id]
		j.state = jobTransit
		out = append(out, j)
	}
	slices.SortFunc(out, func(a, b *job) int { return cmp.Compare(a.seq, b.seq) })
	return out
}

// takeExpired detaches in-flight entries whose deadline is at or before now.
func (t *Tracker) takeExpired(now time.Time) []expiredAttempt {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []expiredAttempt
	for id, entry := range t.inflight {
		if entry.Deadline.After(now) {
			continue
		}
		delete(t.inflight, id)
		j := t.jobs[id]
		j.state = jobTransit
		out = append(out, expiredAttempt{job: j, workerID: entry.WorkerID})
	}
	slices.SortFunc(out, func(a, b expiredAttempt) int { return cmp.Compare(a.job.seq, b.job.seq) })
	return out
}

// takeOverdue removes pending and in-flight jobs whose max wait elapsed.
// Jobs in transit are left to their owner; the next sweep catches them.
func (t *Tracker) takeOverdue(now time.Time) []removedJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []removedJob
	for id, j := range t.jobs {
		if j.state == jobTransit || j.expires.After(now) {
			continue
		}
		out = append(out, t.removeLocked(id))
	}
	slices.SortFunc(out, func(a, b removedJob) int { return cmp.Compare(a.job.seq, b.job.seq) })
	return out
}

// removedJob is a job taken out of the tracker together with whether it was
// ever handed to a worker.
type removedJob struct {
	job      *job
	assigned bool
}

// remove drops all bookkeeping for taskID. It returns a zero removedJob if
// the task is unknown.
func (t *Tracker) remove(taskID string) removedJob {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removeLocked(taskID)
}

func (t *Tracker) removeLocked(taskID string) removedJob {
	j, ok := t.jobs[taskID]
	if !ok {
		return removedJob{}
	}
	t.dropPendingLocked(j)
	delete(t.inflight, taskID)
	delete(t.jobs, taskID)
	return removedJob{job: j, assigned: j.assigned}
}

type retryDecision int

const (
	retryGone retryDecision = iota
	retryAgain
	retryExhausted
)

// bumpRetry records a failed attempt for a job in transit. When the retry
// budget is spent the job is removed and retryExhausted is returned.
func (t *Tracker) bumpRetry(j *job, reason string, maxRetries int) (retryDecision, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.liveLocked(j) {
		return retryGone, j.retries
	}
	j.lastErr = reason
	if j.retries >= maxRetries {
		delete(t.jobs, j.task.ID)
		return retryExhausted, j.retries
	}
	j.retries++
	return retryAgain, j.retries
}

// pendingJobs returns the pending queue in FIFO order.
func (t *Tracker) pendingJobs() []*job {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.pending)
}

// snapshot returns the in-flight entries ordered by deadline.
func (t *Tracker) snapshot() []protocol.InFlightInfo {
	t.mu.Lock()
	out := make([]protocol.InFlightInfo, 0, len(t.inflight))
	for _, entry := range t.inflight {
		out = append(out, protocol.InFlightInfo{
			Task:       entry.Task,
			WorkerID:   entry.WorkerID,
			RetryCount: entry.RetryCount,
			Deadline:   entry.Deadline,
		})
	}
	t.mu.Unlock()
	slices.SortFunc(out, func(a, b protocol.InFlightInfo) int {
		if c := a.Deadline.Compare(b.Deadline); c != 0 {
			return c
		}
		return cmp.Compare(a.Task.ID, b.Task.ID)
	})
	return out
}

// counts returns the number of live, pending and in-flight jobs.
func (t *Tracker) counts() (live, pending, inflight int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.jobs), len(t.pending), len(t.inflight)
}
