// Package eventbus is an in-process publish/subscribe channel for lifecycle
// events. Subscribers register interest in a set of event kinds and receive
// a private bounded queue. Publish never blocks: when a subscriber's queue
// is full the newest event is dropped for that subscriber and counted.
package eventbus

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"corebus/pkg/protocol"

	"github.com/google/uuid"
)

// DefaultQueueSize is the per-subscriber buffer when none is configured.
const DefaultQueueSize = 256

// Bus is the event bus. The zero value is not usable; call New.
type Bus struct {
	queueSize int

	mu   sync.RWMutex
	subs map[string]*Subscription

	nowFunc func() time.Time
}

// New creates a Bus with the given per-subscriber queue size. A size of zero
// or less uses DefaultQueueSize.
func New(queueSize int) *Bus {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bus{
		queueSize: queueSize,
		subs:      make(map[string]*Subscription),
		nowFunc:   time.Now,
	}
}

// Subscription is the scoped stream returned by Subscribe.
type Subscription struct {
	id      string
	kinds   map[string]struct{}
	all     bool
	events  chan protocol.Event
	dropped atomic.Int64

	bus  *Bus
	once sync.Once
	done chan struct{}
}

// ID returns the subscriber id.
func (s *Subscription) ID() string { return s.id }

// Events delivers matching events in publish order. It is closed on
// unsubscribe.
func (s *Subscription) Events() <-chan protocol.Event { return s.events }

// Done is closed once the subscription is released.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Dropped returns how many events were discarded because the queue was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Kinds returns the subscribed kinds, sorted.
func (s *Subscription) Kinds() []string {
	out := make([]string, 0, len(s.kinds))
	for k := range s.kinds {
		out = append(out, k)
	}
	slices.Sort(out)
	return out
}

func (s *Subscription) wants(kind string) bool {
	if s.all {
		return true
	}
	_, ok := s.kinds[kind]
	return ok
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.remove(s)
		close(s.done)
	})
}

// Subscribe registers subscriberID for kinds. The kind protocol.EventAny
// matches every event. An empty subscriberID gets a generated one. The
// subscription is released when ctx ends or Close is called.
func (b *Bus) Subscribe(ctx context.Context, subscriberID string, kinds []string) (*Subscription, error) {
	if len(kinds) == 0 {
		return nil, fmt.Errorf("subscribe %s: no event kinds", subscriberID)
	}
	if subscriberID == "" {
		subscriberID = "listener-" + uuid.NewString()
	}
	s := &Subscription{
		id:     subscriberID,
		kinds:  make(map[string]struct{}, len(kinds)),
		events: make(chan protocol.Event, b.queueSize),
		bus:    b,
		done:   make(chan struct{}),
	}
	for _, k := range kinds {
		if k == protocol.EventAny {
			s.all = true
		}
		s.kinds[k] = struct{}{}
	}

	b.mu.Lock()
	if _, exists := b.subs[subscriberID]; exists {
		b.mu.Unlock()
		return nil, &protocol.DuplicateSubscriberError{SubscriberID: subscriberID}
	}
	b.subs[subscriberID] = s
	b.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			s.Close()
		case <-s.done:
		}
	}()
	return s, nil
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subs[s.id] != s {
		return
	}
	delete(b.subs, s.id)
	close(s.events)
}

// Publish delivers ev to every interested subscriber without blocking.
// Events with no interested subscriber are dropped.
func (b *Bus) Publish(ev protocol.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = b.nowFunc()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		if !s.wants(ev.Kind) {
			continue
		}
		select {
		case s.events <- ev:
		default:
			s.dropped.Add(1)
		}
	}
}

// Active reports whether subscriberID is currently connected.
func (b *Bus) Active(subscriberID string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.subs[subscriberID]
	return ok
}

// Subscribers lists active listeners ordered by id.
func (b *Bus) Subscribers() []protocol.SubscriberInfo {
	b.mu.RLock()
	out := make([]protocol.SubscriberInfo, 0, len(b.subs))
	for _, s := range b.subs {
		out = append(out, protocol.SubscriberInfo{
			SubscriberID: s.id,
			Kinds:        s.Kinds(),
			Dropped:      s.Dropped(),
		})
	}
	b.mu.RUnlock()
	slices.SortFunc(out, func(a, b protocol.SubscriberInfo) int {
		return strings.Compare(a.SubscriberID, b.SubscriberID)
	})
	return out
}
