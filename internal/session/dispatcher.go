package session

import (
	"log/slog"
	"slices"
	"sync"

	"github.com/MrWong99/rolecoach/internal/coach"
)

// Handler consumes one push event.
type Handler func(coach.Event)

// Dispatcher fans push events out to per-type subscribers.
//
// Handlers of one type see events in arrival order. Nothing is promised
// across types: a termination_intent may be handled before a
// behavior_update the server sent earlier, so handlers must not depend on
// one another. Handlers run on the delivering goroutine and should return
// quickly. A panicking handler is logged and skipped.
type Dispatcher struct {
	mu       sync.RWMutex
	next     uint64
	handlers map[coach.EventType][]subscription
}

type subscription struct {
	id uint64
	fn Handler
}

// NewDispatcher returns a dispatcher with no subscribers.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[coach.EventType][]subscription)}
}

// Subscribe registers fn for events of type t and returns a function that
// removes it. The returned function is idempotent.
func (d *Dispatcher) Subscribe(t coach.EventType, fn Handler) (unsubscribe func()) {
	d.mu.Lock()
	d.next++
	id := d.next
	d.handlers[t] = append(d.handlers[t], subscription{id: id, fn: fn})
	d.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			d.handlers[t] = slices.DeleteFunc(d.handlers[t], func(s subscription) bool { return s.id == id })
		})
	}
}

// OnBehaviorUpdate subscribes fn to decoded behavior_update payloads.
// Undecodable payloads are logged and dropped.
func (d *Dispatcher) OnBehaviorUpdate(fn func(coach.BehaviorUpdate)) func() {
	return d.Subscribe(coach.EventBehaviorUpdate, func(ev coach.Event) {
		v, err := ev.BehaviorUpdate()
		if err != nil {
			slog.Warn("session: dropping malformed event", "type", ev.Type, "error", err)
			return
		}
		fn(v)
	})
}

// OnTerminationIntent subscribes fn to decoded termination_intent payloads.
func (d *Dispatcher) OnTerminationIntent(fn func(coach.TerminationIntent)) func() {
	return d.Subscribe(coach.EventTerminationIntent, func(ev coach.Event) {
		v, err := ev.TerminationIntent()
		if err != nil {
			slog.Warn("session: dropping malformed event", "type", ev.Type, "error", err)
			return
		}
		fn(v)
	})
}

// OnPostCallInsights subscribes fn to decoded post_call_insights payloads.
func (d *Dispatcher) OnPostCallInsights(fn func(coach.PostCallInsights)) func() {
	return d.Subscribe(coach.EventPostCallInsights, func(ev coach.Event) {
		v, err := ev.PostCallInsights()
		if err != nil {
			slog.Warn("session: dropping malformed event", "type", ev.Type, "error", err)
			return
		}
		fn(v)
	})
}

// Dispatch delivers ev to every handler subscribed to its type.
func (d *Dispatcher) Dispatch(ev coach.Event) {
	d.mu.RLock()
	subs := slices.Clone(d.handlers[ev.Type])
	d.mu.RUnlock()

	for _, s := range subs {
		d.call(s.fn, ev)
	}
}

func (d *Dispatcher) call(fn Handler, ev coach.Event) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("session: event handler panicked", "type", ev.Type, "panic", p)
		}
	}()
	fn(ev)
}
