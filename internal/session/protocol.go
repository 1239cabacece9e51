// Package session drives one voice-coaching session against the remote
// coaching service: the start request, fire-and-forget observations, the
// push-event channel, and the end handshake that waits for final insights.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/MrWong99/rolecoach/internal/coach"
	"github.com/MrWong99/rolecoach/internal/observe"
)

// ErrClosed is returned by [Protocol.Start] after [Protocol.Close].
var ErrClosed = errors.New("session: protocol closed")

// Defaults for [Protocol] timing.
const (
	DefaultEndGrace    = 10 * time.Second
	DefaultCallTimeout = 10 * time.Second
)

// State is the lifecycle state of the protocol's current session.
type State int

const (
	// StateUnstarted means no session has been started yet.
	StateUnstarted State = iota

	// StateActive means the session is running and observations are sent.
	StateActive

	// StateEnding means a remote end was requested and the protocol waits
	// for session_end (or the grace timeout) before closing the channel.
	StateEnding

	// StateClosed means the last session has been torn down.
	StateClosed
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateUnstarted:
		return "unstarted"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Metadata describes a session to the remote service.
type Metadata struct {
	PersonaName string
}

// EndOptions controls [Protocol.End].
type EndOptions struct {
	// ViaRemote asks the service to end the session and keeps the event
	// channel open until session_end arrives, so post-call insights sent
	// after the request are still delivered.
	ViaRemote bool
}

// Option configures a [Protocol].
type Option func(*Protocol)

// WithEndGrace bounds how long an End with ViaRemote waits for session_end
// before closing the channel itself.
func WithEndGrace(d time.Duration) Option {
	return func(p *Protocol) {
		if d > 0 {
			p.endGrace = d
		}
	}
}

// WithCallTimeout bounds each fire-and-forget remote call.
func WithCallTimeout(d time.Duration) Option {
	return func(p *Protocol) {
		if d > 0 {
			p.callTimeout = d
		}
	}
}

// WithMetrics records session events and active sessions on m.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Protocol) {
		p.metrics = m
	}
}

// WithClosedHook registers fn to run once for every session after its
// channel is closed. reason is a short label ("session_end",
// "grace_timeout", "ended", "replaced", "teardown", "channel_lost").
func WithClosedHook(fn func(sessionID, reason string)) Option {
	return func(p *Protocol) {
		p.onClosed = fn
	}
}

// Protocol manages the lifecycle of one logical session at a time. All
// methods are safe for concurrent use.
type Protocol struct {
	remote      Remote
	dispatcher  *Dispatcher
	endGrace    time.Duration
	callTimeout time.Duration
	metrics     *observe.Metrics
	onClosed    func(sessionID, reason string)

	ctx    context.Context // parent of every event channel
	cancel context.CancelFunc

	starts  singleflight.Group
	startMu sync.Mutex     // serialises starts of different ids
	calls   sync.WaitGroup // fire-and-forget remote calls

	mu          sync.Mutex
	state       State
	cur         *run
	closed      bool
	closedHooks []*closedHook
}

type closedHook struct {
	fn func(sessionID, reason string)
}

// run is the bookkeeping of one started session.
type run struct {
	id     string
	ch     EventChannel
	cancel context.CancelFunc

	once sync.Once

	// Guarded by Protocol.mu.
	chOpen       bool
	terminal     bool
	endRequested bool
	grace        *time.Timer
}

// New creates a protocol that talks to remote and delivers push events
// through a fresh [Dispatcher].
func New(remote Remote, opts ...Option) *Protocol {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Protocol{
		remote:      remote,
		dispatcher:  NewDispatcher(),
		endGrace:    DefaultEndGrace,
		callTimeout: DefaultCallTimeout,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Dispatcher returns the dispatcher push events are delivered through.
func (p *Protocol) Dispatcher() *Dispatcher { return p.dispatcher }

// State returns the current state.
func (p *Protocol) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// SessionID returns the id of the current session, or "" if none is
// active or ending.
func (p *Protocol) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cur == nil {
		return ""
	}
	return p.cur.id
}

// Start begins sessionID. It is a no-op if that session is already active
// or ending, and concurrent calls for the same id share one remote start. A
// different session still running is closed first. On success the push
// channel is open and the state is [StateActive].
func (p *Protocol) Start(ctx context.Context, sessionID string, md Metadata) error {
	if sessionID == "" {
		return errors.New("session: start: empty session id")
	}
	if p.isCurrent(sessionID) {
		return nil
	}
	_, err, _ := p.starts.Do(sessionID, func() (any, error) {
		return nil, p.start(ctx, sessionID, md)
	})
	return err
}

func (p *Protocol) isCurrent(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cur != nil && p.cur.id == id
}

func (p *Protocol) start(ctx context.Context, id string, md Metadata) error {
	p.startMu.Lock()
	defer p.startMu.Unlock()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrClosed
	}
	if p.cur != nil && p.cur.id == id {
		p.mu.Unlock()
		return nil
	}
	prev := p.cur
	p.mu.Unlock()

	if prev != nil {
		slog.Info("session: closing previous session", "session_id", prev.id, "next_session_id", id)
		p.teardown(prev, "replaced")
	}

	ctx, span := observe.StartSpan(ctx, "session.start", trace.WithAttributes(observe.Attr("session.id", id)))
	defer span.End()
	log := observe.Logger(ctx)

	if err := p.remote.Start(ctx, id, md.PersonaName); err != nil {
		span.RecordError(err)
		log.Warn("session: remote start failed", "session_id", id, "error", err)
		return fmt.Errorf("session: start %s: %w", id, err)
	}

	chCtx, cancel := context.WithCancel(p.ctx)
	ch, err := p.remote.Subscribe(chCtx, id)
	if err != nil {
		cancel()
		span.RecordError(err)
		log.Warn("session: subscribe failed", "session_id", id, "error", err)
		p.fireEnd(id)
		return fmt.Errorf("session: subscribe %s: %w", id, err)
	}

	r := &run{id: id, ch: ch, cancel: cancel, chOpen: true}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		_ = ch.Close()
		p.fireEnd(id)
		return ErrClosed
	}
	p.cur = r
	p.state = StateActive
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.ActiveSessions.Add(p.ctx, 1)
	}
	log.Info("session: started", "session_id", id, "persona", md.PersonaName)

	go p.pump(r)
	return nil
}

// pump delivers events from r's channel until it closes.
func (p *Protocol) pump(r *run) {
	for ev := range r.ch.Events() {
		if p.metrics != nil {
			p.metrics.RecordSessionEvent(p.ctx, string(ev.Type))
		}
		if ev.Type.Liveness() {
			slog.Debug("session: liveness event", "session_id", r.id, "type", ev.Type)
			continue
		}
		p.dispatcher.Dispatch(ev)

		if ev.Type.Terminal() {
			p.mu.Lock()
			r.terminal = true
			p.mu.Unlock()
			p.finish(r, "session_end")
			return
		}
	}

	p.mu.Lock()
	r.chOpen = false
	current := p.cur == r
	ending := current && p.state == StateEnding
	p.mu.Unlock()

	if !current {
		return
	}
	attrs := []any{"session_id", r.id}
	if fc, ok := r.ch.(failedChannel); ok {
		if err := fc.Err(); err != nil {
			attrs = append(attrs, "error", err)
		}
	}
	slog.Warn("session: event channel closed without session_end", attrs...)
	if ending {
		p.finish(r, "channel_lost")
	}
}

// Observe forwards an utterance to the remote service in the background.
// It does nothing unless a session is active and text is non-blank.
// Failures are logged.
func (p *Protocol) Observe(text, speaker string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	p.mu.Lock()
	if p.cur == nil || p.state != StateActive {
		p.mu.Unlock()
		return
	}
	id := p.cur.id
	p.calls.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.calls.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.callTimeout)
		defer cancel()
		if err := p.remote.Observe(ctx, id, text, speaker); err != nil {
			slog.Warn("session: observe failed", "session_id", id, "speaker", speaker, "error", err)
		}
	}()
}

// End finishes sessionID. With opts.ViaRemote and an open channel the
// protocol asks the service to end and keeps listening until session_end,
// falling back to closing on its own after the end grace period. Otherwise
// the channel closes now and a best-effort remote end is sent. Ending a
// session that is not current, or already ending, is a no-op.
func (p *Protocol) End(_ context.Context, sessionID string, opts EndOptions) {
	p.mu.Lock()
	r := p.cur
	if r == nil || r.id != sessionID || p.state == StateEnding {
		p.mu.Unlock()
		return
	}
	if opts.ViaRemote && r.chOpen {
		p.state = StateEnding
		r.endRequested = true
		r.grace = time.AfterFunc(p.endGrace, func() {
			slog.Warn("session: no session_end within grace period, closing",
				"session_id", r.id,
				"grace", p.endGrace,
			)
			p.finish(r, "grace_timeout")
		})
		p.mu.Unlock()

		slog.Info("session: ending via remote", "session_id", sessionID)
		p.fireEnd(sessionID)
		return
	}
	p.mu.Unlock()

	p.teardown(r, "ended")
}

// Close tears the protocol down: the current channel is force-closed and,
// unless the session already ended or an end was requested, the remote end
// is notified. It then waits for in-flight remote calls until ctx expires.
// Close is idempotent.
func (p *Protocol) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	r := p.cur
	p.mu.Unlock()

	if r != nil {
		p.teardown(r, "teardown")
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.calls.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("session: close: %w", ctx.Err())
	}
}

// Wait blocks until every fire-and-forget remote call has returned.
func (p *Protocol) Wait() {
	p.calls.Wait()
}

// teardown closes r now and notifies the remote end unless the session has
// already ended or an end was already requested.
func (p *Protocol) teardown(r *run, reason string) {
	p.mu.Lock()
	notify := !r.terminal && !r.endRequested
	r.endRequested = true
	p.mu.Unlock()

	p.finish(r, reason)
	if notify {
		p.fireEnd(r.id)
	}
}

// finish closes r's channel exactly once and clears it as the current
// session.
func (p *Protocol) finish(r *run, reason string) {
	r.once.Do(func() {
		p.mu.Lock()
		if r.grace != nil {
			r.grace.Stop()
		}
		r.chOpen = false
		if p.cur == r {
			p.cur = nil
			p.state = StateClosed
		}
		p.mu.Unlock()

		r.cancel()
		if err := r.ch.Close(); err != nil {
			slog.Warn("session: closing event channel failed", "session_id", r.id, "error", err)
		}

		if p.metrics != nil {
			p.metrics.ActiveSessions.Add(context.Background(), -1)
		}
		slog.Info("session: closed", "session_id", r.id, "reason", reason)
		if p.onClosed != nil {
			p.onClosed(r.id, reason)
		}
		p.mu.Lock()
		hooks := slices.Clone(p.closedHooks)
		p.mu.Unlock()
		for _, h := range hooks {
			h.fn(r.id, reason)
		}
	})
}

// fireEnd sends a best-effort remote end in the background.
func (p *Protocol) fireEnd(id string) {
	p.calls.Add(1)
	go func() {
		defer p.calls.Done()
		ctx, cancel := context.WithTimeout(context.Background(), p.callTimeout)
		defer cancel()
		if err := p.remote.End(ctx, id); err != nil {
			slog.Warn("session: remote end failed", "session_id", id, "error", err)
		}
	}()
}

// OnAny subscribes fn to every event type except liveness events. The
// returned function removes all of the subscriptions.
func (p *Protocol) OnAny(fn Handler) (unsubscribe func()) {
	types := []coach.EventType{
		coach.EventBehaviorUpdate,
		coach.EventTerminationIntent,
		coach.EventPostCallInsights,
		coach.EventSessionEnd,
	}
	unsubs := make([]func(), 0, len(types))
	for _, t := range types {
		unsubs = append(unsubs, p.dispatcher.Subscribe(t, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// OnClosed registers fn like [WithClosedHook] after construction. fn runs
// on the goroutine that closed the session and must not block.
// The returned function removes the hook.
func (p *Protocol) OnClosed(fn func(sessionID, reason string)) (unsubscribe func()) {
	h := &closedHook{fn: fn}
	p.mu.Lock()
	p.closedHooks = append(p.closedHooks, h)
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.closedHooks = slices.DeleteFunc(p.closedHooks, func(x *closedHook) bool { return x == h })
	}
}
