package dispatcher

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"corebus/pkg/protocol"
)

// attachedWorker holds runtime state for an attached worker.
type attachedWorker struct {
	id           string
	descriptions []protocol.TaskDescription
	tasks        chan protocol.WorkerTask
	attachedAt   time.Time
	lastAssigned map[string]uint64 // pool sequence of the last task per name; guarded by WorkerPool.rrMu
}

// accepts reports whether any declared description matches the task.
func (w *attachedWorker) accepts(name string, attrs map[string]string) bool {
	for _, d := range w.descriptions {
		if d.Matches(name, attrs) {
			return true
		}
	}
	return false
}

// WorkerPool tracks attached workers in registration order. Lock order:
// pool.mu is always acquired before Tracker.mu, never the other way round.
type WorkerPool struct {
	mu      sync.RWMutex
	workers map[string]*attachedWorker
	order   []*attachedWorker

	rrMu sync.Mutex
	seq  uint64
}

func newWorkerPool() *WorkerPool {
	return &WorkerPool{
		workers: make(map[string]*attachedWorker),
	}
}

func (p *WorkerPool) add(w *attachedWorker) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.workers[w.id]; exists {
		return &protocol.DuplicateWorkerError{WorkerID: w.id}
	}
	p.workers[w.id] = w
	p.order = append(p.order, w)
	return nil
}

// remove detaches w, closes its delivery channel and discards tasks still
// buffered in it; the caller reconciles those through the tracker. It is a
// no-op if w is no longer the registered worker for its id.
func (p *WorkerPool) remove(w *attachedWorker) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.workers[w.id] != w {
		return false
	}
	delete(p.workers, w.id)
	p.order = slices.DeleteFunc(p.order, func(o *attachedWorker) bool { return o == w })
	close(w.tasks)
	for range w.tasks {
	}
	return true
}

// matchingLocked returns workers able to run the task, in registration
// order, skipping exclude. Caller holds p.mu for reading.
func (p *WorkerPool) matchingLocked(name string, attrs map[string]string, exclude string) []*attachedWorker {
	var out []*attachedWorker
	for _, w := range p.order {
		if w.id == exclude {
			continue
		}
		if w.accepts(name, attrs) {
			out = append(out, w)
		}
	}
	return out
}

// fairOrder sorts candidates so the worker that least recently received a
// task called name comes first. Ties keep registration order.
func (p *WorkerPool) fairOrder(name string, candidates []*attachedWorker) {
	p.rrMu.Lock()
	defer p.rrMu.Unlock()
	slices.SortStableFunc(candidates, func(a, b *attachedWorker) int {
		return cmp.Compare(a.lastAssigned[name], b.lastAssigned[name])
	})
}

// markAssigned records that w was just handed a task called name.
func (p *WorkerPool) markAssigned(w *attachedWorker, name string) {
	p.rrMu.Lock()
	defer p.rrMu.Unlock()
	p.seq++
	w.lastAssigned[name] = p.seq
}

func (p *WorkerPool) snapshot() []protocol.WorkerInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]protocol.WorkerInfo, 0, len(p.order))
	for _, w := range p.order {
		out = append(out, protocol.WorkerInfo{
			WorkerID:     w.id,
			Descriptions: slices.Clone(w.descriptions),
			AttachedAt:   w.attachedAt,
			Queued:       len(w.tasks),
		})
	}
	return out
}

func (p *WorkerPool) len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// --- Attachment ---

// Attachment is the scoped handle returned by Attach. Close releases the
// worker and reconciles every task still assigned to it. Close is
// idempotent and also runs when the Attach context ends.
type Attachment struct {
	d    *Dispatcher
	w    *attachedWorker
	once sync.Once
	done chan struct{}
}

// WorkerID returns the attached worker id.
func (a *Attachment) WorkerID() string { return a.w.id }

// Tasks delivers assigned tasks. The channel is closed on detach and yields
// nothing afterwards: undelivered tasks go back to the dispatcher.
func (a *Attachment) Tasks() <-chan protocol.WorkerTask { return a.w.tasks }

// Done is closed once the attachment has been released.
func (a *Attachment) Done() <-chan struct{} { return a.done }

// Close detaches the worker.
func (a *Attachment) Close() {
	a.once.Do(func() {
		a.d.detach(a.w)
		close(a.done)
	})
}

// Attach registers workerID with its task descriptions. The returned
// attachment stays active until Close is called or ctx ends.
func (d *Dispatcher) Attach(ctx context.Context, workerID string, descriptions []protocol.TaskDescription) (*Attachment, error) {
	if workerID == "" {
		return nil, fmt.Errorf("attach: empty worker id")
	}
	w := &attachedWorker{
		id:           workerID,
		descriptions: slices.Clone(descriptions),
		tasks:        make(chan protocol.WorkerTask, d.cfg.WorkerQueueSize),
		attachedAt:   d.nowFunc(),
		lastAssigned: make(map[string]uint64),
	}
	if err := d.pool.add(w); err != nil {
		return nil, err
	}
	a := &Attachment{d: d, w: w, done: make(chan struct{})}
	go func() {
		select {
		case <-ctx.Done():
			a.Close()
		case <-a.done:
		}
	}()

	d.publish(protocol.EventWorkerAttached, protocol.WorkerTask{}, workerID, descriptions)

	// A new worker may unblock pending tasks.
	d.drainPending()
	return a, nil
}

// detach removes w from the pool and reconciles its in-flight tasks.
func (d *Dispatcher) detach(w *attachedWorker) {
	if !d.pool.remove(w) {
		return
	}
	orphans := d.tracker.takeByWorker(w.id)
	for _, j := range orphans {
		d.retry(j, w.id, fmt.Sprintf("worker %s disconnected", w.id), true)
	}
	d.publish(protocol.EventWorkerDetached, protocol.WorkerTask{}, w.id, map[string]int{"reconciled": len(orphans)})
	d.wake()
}

// Workers lists attached workers in registration order.
func (d *Dispatcher) Workers() []protocol.WorkerInfo {
	return d.pool.snapshot()
}

// ConnectedWorkers returns the number of attached workers.
func (d *Dispatcher) ConnectedWorkers() int {
	return d.pool.len()
}
