// Package mock provides in-memory implementations of [session.Remote] and
// [session.EventChannel] for tests.
//
// The mocks record every call and take their return values from exported
// fields. They are safe for concurrent use.
//
// Example:
//
//	remote := &mock.Remote{}
//	p := session.New(remote)
//	_ = p.Start(ctx, "s1", session.Metadata{})
//	remote.Channel(0).Send(coach.Event{Type: coach.EventSessionEnd})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/rolecoach/internal/coach"
	"github.com/MrWong99/rolecoach/internal/session"
)

var (
	_ session.Remote       = (*Remote)(nil)
	_ session.EventChannel = (*Channel)(nil)
)

// StartCall records one [Remote.Start] call.
type StartCall struct {
	SessionID   string
	PersonaName string
}

// ObserveCall records one [Remote.Observe] call.
type ObserveCall struct {
	SessionID string
	Text      string
	Speaker   string
}

// Remote is a mock [session.Remote].
type Remote struct {
	mu sync.Mutex

	// StartError is returned by Start.
	StartError error

	// StartGate, when non-nil, blocks Start until it is closed.
	StartGate chan struct{}

	// ObserveError is returned by Observe.
	ObserveError error

	// EndError is returned by End.
	EndError error

	// SubscribeError is returned by Subscribe.
	SubscribeError error

	StartCalls     []StartCall
	ObserveCalls   []ObserveCall
	EndCalls       []string
	SubscribeCalls []string

	channels []*Channel
}

// Start implements [session.Remote].
func (r *Remote) Start(ctx context.Context, sessionID, personaName string) error {
	r.mu.Lock()
	r.StartCalls = append(r.StartCalls, StartCall{SessionID: sessionID, PersonaName: personaName})
	gate := r.StartGate
	err := r.StartError
	r.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// Observe implements [session.Remote].
func (r *Remote) Observe(_ context.Context, sessionID, text, speaker string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ObserveCalls = append(r.ObserveCalls, ObserveCall{SessionID: sessionID, Text: text, Speaker: speaker})
	return r.ObserveError
}

// End implements [session.Remote].
func (r *Remote) End(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.EndCalls = append(r.EndCalls, sessionID)
	return r.EndError
}

// Subscribe implements [session.Remote]. Each successful call creates a new
// [Channel], retrievable with [Remote.Channel].
func (r *Remote) Subscribe(_ context.Context, sessionID string) (session.EventChannel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.SubscribeCalls = append(r.SubscribeCalls, sessionID)
	if r.SubscribeError != nil {
		return nil, r.SubscribeError
	}
	ch := NewChannel()
	r.channels = append(r.channels, ch)
	return ch, nil
}

// Channel returns the i-th channel created by Subscribe, or nil.
func (r *Remote) Channel(i int) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	if i < 0 || i >= len(r.channels) {
		return nil
	}
	return r.channels[i]
}

// Counts returns the number of Start, Observe, End and Subscribe calls.
func (r *Remote) Counts() (start, observe, end, subscribe int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.StartCalls), len(r.ObserveCalls), len(r.EndCalls), len(r.SubscribeCalls)
}

// Channel is a mock [session.EventChannel] fed by [Channel.Send].
type Channel struct {
	mu         sync.Mutex
	events     chan coach.Event
	closed     bool
	closeCalls int
	err        error
}

// NewChannel returns an open channel with room for 64 pending events.
func NewChannel() *Channel {
	return &Channel{events: make(chan coach.Event, 64)}
}

// Send queues ev for delivery. It reports false if the channel is closed.
func (c *Channel) Send(ev coach.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events <- ev
	return true
}

// Drop closes the event channel as a lost connection would, without
// counting as a Close call.
func (c *Channel) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.events)
	}
}

// Fail records err as the reason the channel stopped and drops it.
func (c *Channel) Fail(err error) {
	c.mu.Lock()
	c.err = err
	c.mu.Unlock()
	c.Drop()
}

// Err returns the error passed to Fail, if any.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Events implements [session.EventChannel].
func (c *Channel) Events() <-chan coach.Event { return c.events }

// Close implements [session.EventChannel].
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closeCalls++
	if !c.closed {
		c.closed = true
		close(c.events)
	}
	return nil
}

// Closed reports whether the channel has been closed or dropped.
func (c *Channel) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// CloseCalls returns how many times Close was called.
func (c *Channel) CloseCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCalls
}
