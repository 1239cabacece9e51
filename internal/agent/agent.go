// Package agent runs one voice-coaching conversation end to end. An [Agent]
// owns the microphone, the speaker, the audio uplink, and the playback
// schedule, and keeps the coaching session and the scoring session in step
// with them.
//
// Audio resources are registered in a shared [resource.Registry] and the
// whole registry is force-released before a new conversation acquires
// anything, so a conversation that was never cleanly stopped cannot hold the
// microphone or the output device hostage.
//
// Failures of the audio path never abort a session: the agent moves to
// [StatePaused] and can be resumed with [Agent.Resume].
package agent

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/MrWong99/rolecoach/internal/coach"
	"github.com/MrWong99/rolecoach/internal/observe"
	"github.com/MrWong99/rolecoach/internal/resource"
	"github.com/MrWong99/rolecoach/internal/scoring"
	"github.com/MrWong99/rolecoach/internal/session"
	"github.com/MrWong99/rolecoach/internal/uplink"
	"github.com/MrWong99/rolecoach/pkg/audio"
	"github.com/MrWong99/rolecoach/pkg/audio/device"
	"github.com/MrWong99/rolecoach/pkg/audio/playback"
	"github.com/MrWong99/rolecoach/pkg/audio/transform"
)

// dropLogInterval throttles the warning for microphone audio dropped on the
// capture thread.
const dropLogInterval = 5 * time.Second

// ErrBusy is returned by [Agent.Start] while a conversation is running.
var ErrBusy = errors.New("agent: conversation already running")

// State is the agent's lifecycle state.
type State int

const (
	// StateIdle means no conversation is running.
	StateIdle State = iota

	// StateRunning means audio flows in both directions.
	StateRunning

	// StatePaused means a conversation is open but its audio path failed
	// or was never established.
	StatePaused
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StatePaused:
		return "paused"
	default:
		return "unknown"
	}
}

// Config holds per-agent settings.
type Config struct {
	// Name labels the agent in logs and as the scoring slot owner.
	Name string

	// PersonaName is sent to the coaching service on start.
	PersonaName string

	// PersonaID identifies the persona to the scoring service.
	PersonaID string

	// Capture is the requested microphone format.
	Capture device.CaptureConfig

	// OutputRate is the speaker sample rate. Defaults to 24000.
	OutputRate int

	// Gain applied to microphone audio. Zero uses [transform.DefaultGain].
	Gain float64

	// HandoffCapacity is the capture hand-off channel size. Zero uses
	// [transform.DefaultCapacity].
	HandoffCapacity int

	// AutoEnd ends the conversation when the service reports a termination
	// intent.
	AutoEnd bool
}

// Deps are the collaborators of an [Agent]. Registry, Protocol, Devices and
// Dial are required.
type Deps struct {
	Registry *resource.Registry
	Protocol *session.Protocol
	Guard    *scoring.Guard
	Devices  Devices
	Dial     Dialer
	Metrics  *observe.Metrics
}

// Agent runs one conversation at a time. All methods are safe for concurrent
// use.
type Agent struct {
	cfg     Config
	reg     *resource.Registry
	proto   *session.Protocol
	guard   *scoring.Guard
	devices Devices
	dial    Dialer
	metrics *observe.Metrics

	autoEnd  atomic.Bool
	underran atomic.Bool
	dropLog  *rate.Sometimes

	mu        sync.Mutex
	state     State
	sessionID string
	persona   string
	done      chan struct{}
	unsubs    []func()
	audio     *pipeline
}

// pipeline is the audio path of one conversation.
type pipeline struct {
	clock   playback.Clock
	sched   *playback.Scheduler
	cancel  context.CancelFunc
	stopped chan struct{}
	handles []*resource.Handle
}

// New validates deps and returns an idle agent.
func New(cfg Config, deps Deps) (*Agent, error) {
	var errs []error
	if deps.Registry == nil {
		errs = append(errs, errors.New("agent: registry is required"))
	}
	if deps.Protocol == nil {
		errs = append(errs, errors.New("agent: protocol is required"))
	}
	if deps.Devices == nil {
		errs = append(errs, errors.New("agent: devices are required"))
	}
	if deps.Dial == nil {
		errs = append(errs, errors.New("agent: dialer is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	if cfg.Name == "" {
		cfg.Name = "agent"
	}
	if cfg.OutputRate <= 0 {
		cfg.OutputRate = 24000
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.DefaultMetrics()
	}

	a := &Agent{
		cfg:     cfg,
		reg:     deps.Registry,
		proto:   deps.Protocol,
		guard:   deps.Guard,
		devices: deps.Devices,
		dial:    deps.Dial,
		metrics: deps.Metrics,
		dropLog: &rate.Sometimes{Interval: dropLogInterval},
	}
	a.autoEnd.Store(cfg.AutoEnd)
	return a, nil
}

// State returns the current state.
func (a *Agent) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// SessionID returns the id of the running conversation, or "".
func (a *Agent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// Persona returns the persona name the running conversation started with,
// or "".
func (a *Agent) Persona() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.persona
}

// SetAutoEnd changes whether a termination intent ends the conversation.
func (a *Agent) SetAutoEnd(on bool) {
	a.autoEnd.Store(on)
}

// SetPersona changes the persona used from the next conversation on.
func (a *Agent) SetPersona(name, id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cfg.PersonaName = name
	a.cfg.PersonaID = id
}

// Done returns a channel closed when the current conversation's coaching
// session has closed, or nil when idle.
func (a *Agent) Done() <-chan struct{} {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.done
}

// Start begins a conversation. An empty sessionID gets a fresh UUID. Every
// resource in the registry is force-released first. A failure of the
// coaching or scoring service is logged and the conversation continues
// without it; a failure of the audio path leaves the agent paused.
func (a *Agent) Start(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	if a.state != StateIdle {
		a.mu.Unlock()
		return ErrBusy
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	a.sessionID = sessionID
	a.state = StatePaused
	a.done = make(chan struct{})
	personaName, personaID := a.cfg.PersonaName, a.cfg.PersonaID
	a.persona = personaName
	a.mu.Unlock()

	log := slog.With("agent", a.cfg.Name, "session_id", sessionID)

	if err := a.reg.ForceReleaseAll(ctx); err != nil {
		log.Warn("agent: releasing stale resources", "err", err)
	}

	a.subscribe(sessionID)

	if err := a.proto.Start(ctx, sessionID, session.Metadata{PersonaName: personaName}); err != nil {
		log.Error("agent: coaching session unavailable, continuing without it", "err", err)
	}
	if a.guard != nil {
		if _, err := a.guard.Start(ctx, personaID, sessionID); err != nil {
			log.Error("agent: scoring session unavailable, continuing without it", "err", err)
		}
	}

	if err := a.startAudio(ctx, sessionID); err != nil {
		log.Error("agent: audio path failed, conversation paused", "err", err)
		return nil
	}
	log.Info("agent: conversation started", "persona", personaName)
	return nil
}

// Resume re-establishes the audio path of a paused conversation.
func (a *Agent) Resume(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StatePaused {
		state := a.state
		a.mu.Unlock()
		return fmt.Errorf("agent: resume: agent is %s", state)
	}
	id := a.sessionID
	a.mu.Unlock()

	if err := a.stopAudio(ctx); err != nil {
		slog.Warn("agent: releasing failed audio path", "session_id", id, "err", err)
	}
	if err := a.startAudio(ctx, id); err != nil {
		return fmt.Errorf("agent: resume: %w", err)
	}
	slog.Info("agent: conversation resumed", "agent", a.cfg.Name, "session_id", id)
	return nil
}

// End stops the audio path and the scoring session, then asks the coaching
// service to end the session. Post-call insights keep arriving until the
// session closes; wait on [Agent.Done] for that. Calling End while idle is a
// no-op.
func (a *Agent) End(ctx context.Context) error {
	a.mu.Lock()
	if a.state == StateIdle {
		a.mu.Unlock()
		return nil
	}
	id := a.sessionID
	a.mu.Unlock()

	slog.Info("agent: ending conversation", "agent", a.cfg.Name, "session_id", id)
	errs := []error{a.stopAudio(ctx)}
	if a.guard != nil {
		a.logScoring(ctx, id)
		errs = append(errs, a.guard.Stop(ctx))
	}

	if a.proto.SessionID() == id {
		a.proto.End(ctx, id, session.EndOptions{ViaRemote: true})
	} else {
		// The coaching session never started or is already gone.
		a.sessionClosed(id, "unavailable")
	}
	return errors.Join(errs...)
}

// Close ends the conversation and waits for the coaching session to close
// or ctx to expire, then releases everything in the registry.
func (a *Agent) Close(ctx context.Context) error {
	err := a.End(ctx)
	if done := a.Done(); done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			a.mu.Lock()
			id := a.sessionID
			a.mu.Unlock()
			a.proto.End(ctx, id, session.EndOptions{})
			a.sessionClosed(id, "teardown")
		}
	}
	return errors.Join(err, a.reg.ForceReleaseAll(ctx))
}

func (a *Agent) subscribe(sessionID string) {
	d := a.proto.Dispatcher()
	unsubs := []func(){
		a.proto.OnClosed(func(id, reason string) {
			if id == sessionID {
				go a.sessionClosed(id, reason)
			}
		}),
		d.OnBehaviorUpdate(func(u coach.BehaviorUpdate) {
			slog.Info("agent: behavior update",
				"session_id", sessionID,
				"rapport", u.Scores.Rapport,
				"trust", u.Scores.Trust,
				"interest", u.Scores.Interest,
				"hint", u.Hint,
			)
		}),
		d.OnTerminationIntent(func(ti coach.TerminationIntent) {
			slog.Info("agent: termination intent", "session_id", sessionID, "phrase", ti.Phrase)
			if a.autoEnd.Load() {
				go func() {
					if err := a.End(context.Background()); err != nil {
						slog.Warn("agent: automatic end", "session_id", sessionID, "err", err)
					}
				}()
			}
		}),
		d.OnPostCallInsights(func(pi coach.PostCallInsights) {
			slog.Info("agent: post-call insights received", "session_id", sessionID, "bytes", len(pi.Markdown))
		}),
	}

	a.mu.Lock()
	a.unsubs = unsubs
	a.mu.Unlock()
}

// sessionClosed returns the agent to idle once the coaching session for id
// has closed.
func (a *Agent) sessionClosed(id, reason string) {
	a.mu.Lock()
	if a.sessionID != id || a.state == StateIdle {
		a.mu.Unlock()
		return
	}
	p, unsubs, done := a.audio, a.unsubs, a.done
	a.audio, a.unsubs, a.done = nil, nil, nil
	a.state = StateIdle
	a.sessionID = ""
	a.persona = ""
	a.mu.Unlock()

	ctx := context.Background()
	if err := a.teardown(ctx, p); err != nil {
		slog.Warn("agent: releasing audio path", "session_id", id, "err", err)
	}
	if a.guard != nil && a.guard.SessionID() == id {
		a.logScoring(ctx, id)
		if err := a.guard.Stop(ctx); err != nil {
			slog.Warn("agent: stopping scoring session", "session_id", id, "err", err)
		}
	}
	for _, u := range unsubs {
		u()
	}
	close(done)
	slog.Info("agent: conversation closed", "agent", a.cfg.Name, "session_id", id, "reason", reason)
}

// logScoring logs the scoring service's view of the session before it is
// stopped.
func (a *Agent) logScoring(ctx context.Context, id string) {
	if !a.guard.Owns() {
		return
	}
	info, err := a.guard.Info(ctx)
	if err != nil {
		slog.Debug("agent: scoring session info unavailable", "session_id", id, "err", err)
		return
	}
	slog.Info("agent: scoring session summary",
		"session_id", id,
		"scoring_session_id", info.SessionID,
		"messages", info.MessageCount,
		"started_at", info.StartedAt,
	)
}

// startAudio opens the speaker, scheduler, transform, microphone, and
// uplink, registers each with the registry, and starts the pumps.
func (a *Agent) startAudio(ctx context.Context, sessionID string) (err error) {
	p := &pipeline{stopped: make(chan struct{})}
	defer func() {
		if err != nil {
			a.releaseHandles(context.Background(), p.handles)
			a.setState(sessionID, StatePaused)
		}
	}()
	track := func(kind resource.Kind, name string, fn func(context.Context) error) {
		h := resource.NewHandle(kind, name, fn)
		_ = a.reg.Register(h) // handles are pointers
		p.handles = append(p.handles, h)
	}

	spk, err := a.devices.OpenSpeaker(a.cfg.OutputRate)
	if err != nil {
		return fmt.Errorf("open speaker: %w", err)
	}
	track(resource.KindNode, "speaker", func(context.Context) error { return spk.Close() })

	p.clock = spk
	p.sched = playback.New(spk, spk,
		playback.WithOutputRate(a.cfg.OutputRate),
		playback.WithUnderrunHook(func() { a.underran.Store(true) }),
	)
	sched := p.sched
	track(resource.KindNode, "scheduler", func(context.Context) error {
		sched.Stop()
		return nil
	})

	tr := transform.New(
		transform.WithGain(a.cfg.Gain),
		transform.WithCapacity(a.cfg.HandoffCapacity),
		transform.WithDropHook(func() {
			a.metrics.RecordAudioBuffer(context.Background(), observe.StageCapture, "dropped")
			a.dropLog.Do(func() {
				go slog.Warn("agent: capture hand-off full, dropping microphone audio", "session_id", sessionID)
			})
		}),
	)
	track(resource.KindNode, "transform", func(context.Context) error {
		tr.Close()
		return nil
	})

	capture, err := a.devices.OpenCapture(a.cfg.Capture, func(b audio.FrameBatch) { tr.Process(b) })
	if err != nil {
		return fmt.Errorf("open capture: %w", err)
	}
	track(resource.KindStream, "capture", func(context.Context) error { return capture.StopDevice() })
	track(resource.KindContext, "capture", func(context.Context) error { return capture.CloseContext() })

	link, err := a.dial(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("dial uplink: %w", err)
	}
	track(resource.KindStream, "uplink", func(context.Context) error { return link.Close() })

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return link.Pump(gctx, tr.Output())
	})
	g.Go(func() error {
		err := link.Run(gctx, handler{a: a, sessionID: sessionID, pipe: p})
		cancel()
		return err
	})

	a.mu.Lock()
	if a.sessionID != sessionID {
		a.mu.Unlock()
		cancel()
		return errors.New("conversation ended while audio was starting")
	}
	a.audio = p
	a.state = StateRunning
	a.mu.Unlock()

	go func() {
		err := g.Wait()
		close(p.stopped)
		a.pumpsStopped(sessionID, p, err)
	}()
	return nil
}

// pumpsStopped pauses the conversation when its audio path stops on its own.
func (a *Agent) pumpsStopped(sessionID string, p *pipeline, err error) {
	a.mu.Lock()
	current := a.audio == p && a.sessionID == sessionID && a.state == StateRunning
	if current {
		a.state = StatePaused
	}
	a.mu.Unlock()
	if !current {
		return
	}
	if err != nil {
		slog.Error("agent: audio path failed, conversation paused", "session_id", sessionID, "err", err)
	} else {
		slog.Warn("agent: uplink closed, conversation paused", "session_id", sessionID)
	}
}

// stopAudio tears down the current audio path, if any, and waits for its
// pumps to exit.
func (a *Agent) stopAudio(ctx context.Context) error {
	a.mu.Lock()
	p := a.audio
	a.audio = nil
	if a.state == StateRunning {
		a.state = StatePaused
	}
	a.mu.Unlock()
	return a.teardown(ctx, p)
}

func (a *Agent) teardown(ctx context.Context, p *pipeline) error {
	if p == nil {
		return nil
	}

	p.cancel()
	err := a.releaseHandles(ctx, p.handles)
	select {
	case <-p.stopped:
	case <-ctx.Done():
	}
	return err
}

// releaseHandles releases hs in the order the registry would: nodes, then
// streams, then contexts.
func (a *Agent) releaseHandles(ctx context.Context, hs []*resource.Handle) error {
	hs = slices.Clone(hs)
	slices.SortStableFunc(hs, func(x, y *resource.Handle) int { return cmp.Compare(x.Kind(), y.Kind()) })
	var errs []error
	for _, h := range hs {
		if err := a.reg.Release(ctx, h); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *Agent) setState(sessionID string, s State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionID == sessionID && a.state != StateIdle {
		a.state = s
	}
}

// handler receives what the uplink delivers for one pipeline.
type handler struct {
	a         *Agent
	sessionID string
	pipe      *pipeline
}

var _ uplink.Handler = handler{}

func (h handler) HandleAudio(ctx context.Context, buf audio.PCMBuffer) {
	a := h.a
	u, err := h.pipe.sched.Enqueue(buf)
	if err != nil {
		a.metrics.RecordAudioBuffer(ctx, observe.StagePlayback, "malformed")
		return
	}
	a.metrics.RecordAudioBuffer(ctx, observe.StagePlayback, "delivered")
	a.metrics.RecordPlaybackEnqueue(ctx, u.End()-h.pipe.clock.Now(), a.underran.Swap(false))
}

func (h handler) HandleTranscript(ctx context.Context, t uplink.Transcript) {
	if !t.Final || strings.TrimSpace(t.Text) == "" {
		return
	}
	speaker := t.Speaker
	if speaker == "" {
		speaker = "user"
	}
	h.a.proto.Observe(t.Text, speaker)
	if h.a.guard != nil {
		if err := h.a.guard.Record(ctx, speaker, t.Text); err != nil {
			slog.Warn("agent: recording utterance", "session_id", h.sessionID, "err", err)
		}
	}
}

func (h handler) HandleInterrupt(context.Context) {
	h.pipe.sched.Stop()
	slog.Debug("agent: playback interrupted", "session_id", h.sessionID)
}
