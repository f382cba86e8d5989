package event

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// Filter decides whether a subscriber receives an event. Multiple filters on
// one subscription are conjunctive.
type Filter func(Event) bool

// ByKind matches events whose Kind is one of the given tags.
func ByKind(kinds ...string) Filter {
	set := make(map[string]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Kind]
		return ok
	}
}

// Handler receives events matching a subscription's filters.
type Handler func(Event)

// Subscription is a registered handler. Dispose removes it; disposal takes
// effect no later than the next dispatched event.
type Subscription struct {
	id      int
	filters []Filter
	handler Handler
	d       *Dispatcher
	once    sync.Once
}

// Dispose unregisters the subscription. Safe to call more than once and
// from within a handler.
func (s *Subscription) Dispose() {
	s.once.Do(func() {
		s.d.mu.Lock()
		delete(s.d.subs, s.id)
		s.d.mu.Unlock()
	})
}

// Dispatcher is the in-process pub/sub hub. All socket events flow through
// it in receipt order: Publish serializes delivery, so subscribers observe
// one global FIFO ordering.
type Dispatcher struct {
	mu   sync.RWMutex
	subs map[int]*Subscription
	next int

	// dispatchMu serializes delivery across publishers.
	dispatchMu sync.Mutex

	logger *zap.Logger
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		subs:   make(map[int]*Subscription),
		logger: logger,
	}
}

// Subscribe registers handler for every event passing all filters.
// No filters means every event.
func (d *Dispatcher) Subscribe(handler Handler, filters ...Filter) *Subscription {
	d.mu.Lock()
	defer d.mu.Unlock()
	sub := &Subscription{
		id:      d.next,
		filters: filters,
		handler: handler,
		d:       d,
	}
	d.subs[sub.id] = sub
	d.next++
	return sub
}

// Publish delivers evt to every matching subscriber. The subscriber list is
// snapshotted before delivery, so a Dispose racing with Publish never
// affects the event currently being dispatched to other subscribers.
func (d *Dispatcher) Publish(evt Event) {
	if evt.ReceivedAt.IsZero() {
		evt.ReceivedAt = time.Now()
	}

	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	d.mu.RLock()
	snapshot := make([]*Subscription, 0, len(d.subs))
	for _, sub := range d.subs {
		snapshot = append(snapshot, sub)
	}
	d.mu.RUnlock()

	for _, sub := range snapshot {
		if sub.matches(evt) {
			sub.handler(evt)
		}
	}
}

func (s *Subscription) matches(evt Event) bool {
	for _, f := range s.filters {
		if !f(evt) {
			return false
		}
	}
	return true
}
