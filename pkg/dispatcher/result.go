package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"corebus/pkg/protocol"
)

// Outcome is the terminal result of a task. Err is nil on success.
type Outcome struct {
	TaskID   string
	TaskName string
	WorkerID string
	Data     json.RawMessage
	Err      error
}

// PendingResult is a one-shot rendezvous between a submitter and whichever
// goroutine resolves the task.
type PendingResult struct {
	taskID string

	mu       sync.Mutex
	resolved bool
	outcome  Outcome
	done     chan struct{}
}

func newPendingResult(taskID string) *PendingResult {
	return &PendingResult{taskID: taskID, done: make(chan struct{})}
}

// TaskID returns the id this result belongs to.
func (p *PendingResult) TaskID() string { return p.taskID }

// Resolve stores the outcome and wakes the waiter. A second call returns
// protocol.ErrAlreadyResolved and leaves the first outcome in place.
func (p *PendingResult) Resolve(o Outcome) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.resolved {
		return fmt.Errorf("task %s: %w", p.taskID, protocol.ErrAlreadyResolved)
	}
	p.resolved = true
	p.outcome = o
	close(p.done)
	return nil
}

// Done is closed once the result is resolved.
func (p *PendingResult) Done() <-chan struct{} { return p.done }

// Outcome returns the stored outcome and whether it was resolved.
func (p *PendingResult) Outcome() (Outcome, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outcome, p.resolved
}

// Correlator maps task ids to the submitter's pending result.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*PendingResult
}

// NewCorrelator returns an empty Correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[string]*PendingResult)}
}

// Register creates the pending result for taskID.
func (c *Correlator) Register(taskID string) (*PendingResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.pending[taskID]; exists {
		return nil, fmt.Errorf("task %s already has a pending result", taskID)
	}
	p := newPendingResult(taskID)
	c.pending[taskID] = p
	return p, nil
}

// Resolve delivers o to the waiter of taskID and forgets the entry. It
// returns protocol.ErrUnknownTask when nobody is waiting anymore.
func (c *Correlator) Resolve(taskID string, o Outcome) error {
	c.mu.Lock()
	p, ok := c.pending[taskID]
	delete(c.pending, taskID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("resolve %s: %w", taskID, protocol.ErrUnknownTask)
	}
	return p.Resolve(o)
}

// Cancel detaches the waiter of taskID. The task itself keeps running; a
// later resolution is discarded.
func (c *Correlator) Cancel(taskID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pending[taskID]
	delete(c.pending, taskID)
	return ok
}

// AwaitResult blocks until taskID resolves or ctx ends. Cancelling ctx
// detaches the waiter.
func (c *Correlator) AwaitResult(ctx context.Context, taskID string) (Outcome, error) {
	c.mu.Lock()
	p, ok := c.pending[taskID]
	c.mu.Unlock()
	if !ok {
		return Outcome{TaskID: taskID}, fmt.Errorf("await %s: %w", taskID, protocol.ErrUnknownTask)
	}
	select {
	case <-p.Done():
		o, _ := p.Outcome()
		return o, o.Err
	case <-ctx.Done():
		c.Cancel(taskID)
		return Outcome{TaskID: taskID}, ctx.Err()
	}
}

// Len returns the number of unresolved results.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
