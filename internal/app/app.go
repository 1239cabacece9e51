// Package app wires all rolecoach subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run drives one coaching conversation, and Shutdown tears
// everything down in order.
//
// For testing, inject doubles via functional options (WithDevices,
// WithDialer, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/MrWong99/rolecoach/internal/agent"
	"github.com/MrWong99/rolecoach/internal/coach"
	"github.com/MrWong99/rolecoach/internal/config"
	"github.com/MrWong99/rolecoach/internal/feedback"
	"github.com/MrWong99/rolecoach/internal/health"
	"github.com/MrWong99/rolecoach/internal/observe"
	"github.com/MrWong99/rolecoach/internal/resilience"
	"github.com/MrWong99/rolecoach/internal/resource"
	"github.com/MrWong99/rolecoach/internal/scoring"
	"github.com/MrWong99/rolecoach/internal/session"
	"github.com/MrWong99/rolecoach/internal/uplink"
	"github.com/MrWong99/rolecoach/pkg/audio/device"
)

const readHeaderTimeout = 10 * time.Second

// App owns all subsystem lifetimes.
type App struct {
	cfg     *config.Config
	metrics *observe.Metrics

	// Subsystems, initialised in New and torn down in Shutdown.
	registry *resource.Registry
	slot     *scoring.Ownership
	coach    *coach.Client
	protocol *session.Protocol
	guard    *scoring.Guard
	devices  agent.Devices
	dialer   agent.Dialer
	agent    *agent.Agent
	journal  *feedback.FileStore
	mux      *http.ServeMux
	server   *http.Server
	gatherer prometheus.Gatherer

	// closers run in order during Shutdown.
	closers []func(context.Context) error

	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithDevices replaces the system microphone and speaker.
func WithDevices(d agent.Devices) Option {
	return func(a *App) { a.devices = d }
}

// WithDialer replaces the WebSocket uplink dialer.
func WithDialer(d agent.Dialer) Option {
	return func(a *App) { a.dialer = d }
}

// WithMetrics records on m instead of [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithRegistry shares a resource registry with other agents in the process.
func WithRegistry(r *resource.Registry) Option {
	return func(a *App) { a.registry = r }
}

// WithOwnership shares the scoring slot with other agents in the process.
func WithOwnership(o *scoring.Ownership) Option {
	return func(a *App) { a.slot = o }
}

// WithGatherer serves g on /metrics instead of the default Prometheus
// registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(a *App) { a.gatherer = g }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. It makes no network
// calls; remote services are first contacted by Run.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	a := &App{cfg: cfg}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.gatherer == nil {
		a.gatherer = prometheus.DefaultGatherer
	}

	// ── 1. Resource registry ─────────────────────────────────────────────
	if a.registry == nil {
		a.registry = resource.NewRegistry(resource.WithReleaseHook(func(k resource.Kind, err error) {
			a.metrics.RecordResourceRelease(context.Background(), k.String(), err)
		}))
	}

	// ── 2. Coaching session protocol ─────────────────────────────────────
	if err := a.initCoach(); err != nil {
		return nil, fmt.Errorf("app: init coach: %w", err)
	}

	// ── 3. Scoring guard ─────────────────────────────────────────────────
	if err := a.initScoring(); err != nil {
		return nil, fmt.Errorf("app: init scoring: %w", err)
	}

	// ── 4. Voice agent ───────────────────────────────────────────────────
	if err := a.initAgent(); err != nil {
		return nil, fmt.Errorf("app: init agent: %w", err)
	}

	// ── 5. Feedback journal ──────────────────────────────────────────────
	a.initFeedback()

	// ── 6. Metrics and health endpoints ──────────────────────────────────
	a.initHTTP()

	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) newBreaker(name string) *resilience.Breaker {
	return resilience.NewBreaker(resilience.BreakerConfig{
		Name:        name,
		MaxFailures: a.cfg.Breaker.MaxFailures,
		Cooldown:    a.cfg.Breaker.Cooldown,
	}, resilience.WithStateHook(func(name string, from, to resilience.State) {
		slog.Warn("app: circuit breaker state change", "breaker", name, "from", from, "to", to)
		a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
	}))
}

// initCoach builds the coaching client and the session protocol on top of it.
func (a *App) initCoach() error {
	cc := a.cfg.Coach
	client, err := coach.New(cc.BaseURL,
		coach.WithHTTPClient(&http.Client{
			Timeout:   cc.CallTimeout,
			Transport: observe.Transport(nil, a.metrics, "coach"),
		}),
		coach.WithStreamClient(&http.Client{
			Transport: observe.Transport(nil, a.metrics, "coach"),
		}),
		coach.WithBreaker(a.newBreaker("coach")),
		coach.WithReconnect(coach.ReconnectConfig{
			InitialBackoff: cc.Reconnect.InitialBackoff,
			MaxBackoff:     cc.Reconnect.MaxBackoff,
			MaxRetries:     cc.Reconnect.MaxRetries,
		}),
	)
	if err != nil {
		return err
	}
	a.coach = client
	a.protocol = session.New(session.CoachRemote{Client: client},
		session.WithEndGrace(cc.EndGrace),
		session.WithCallTimeout(cc.CallTimeout),
		session.WithMetrics(a.metrics),
	)
	a.closers = append(a.closers, a.protocol.Close)
	return nil
}

// initScoring builds the scoring guard. Scoring is optional.
func (a *App) initScoring() error {
	if a.cfg.Scoring.BaseURL == "" {
		slog.Info("app: scoring disabled")
		return nil
	}
	remote, err := scoring.NewRemote(a.cfg.Scoring.BaseURL,
		scoring.WithHTTPClient(&http.Client{
			Timeout:   a.cfg.Coach.CallTimeout,
			Transport: observe.Transport(nil, a.metrics, "scoring"),
		}),
		scoring.WithBreaker(a.newBreaker("scoring")),
	)
	if err != nil {
		return err
	}
	if a.slot == nil {
		a.slot = scoring.NewOwnership()
	}
	a.guard = scoring.NewGuard(a.cfg.Agent.Name, a.slot, remote, scoring.WithSource(a.cfg.Scoring.Source))
	return nil
}

// initAgent builds the voice agent on the system devices and the WebSocket
// uplink unless doubles were injected.
func (a *App) initAgent() error {
	if a.devices == nil {
		a.devices = agent.SystemDevices{}
	}
	if a.dialer == nil {
		a.dialer = agent.UplinkDialer(a.cfg.Uplink.URL,
			uplink.WithSendRate(a.cfg.Uplink.SendRate),
			uplink.WithReceiveRate(a.cfg.Audio.OutputRate),
			uplink.WithMetrics(a.metrics),
		)
	}

	ac := a.cfg.Audio
	ag, err := agent.New(agent.Config{
		Name:        a.cfg.Agent.Name,
		PersonaName: a.cfg.Persona.Name,
		PersonaID:   a.cfg.Persona.ID,
		Capture: device.CaptureConfig{
			SampleRate: ac.SampleRate,
			Channels:   ac.Channels,
			Quantum:    ac.Quantum,
		},
		OutputRate:      ac.OutputRate,
		Gain:            ac.Gain,
		HandoffCapacity: ac.HandoffCapacity,
		AutoEnd:         a.cfg.Agent.AutoEnd,
	}, agent.Deps{
		Registry: a.registry,
		Protocol: a.protocol,
		Guard:    a.guard,
		Devices:  a.devices,
		Dial:     a.dialer,
		Metrics:  a.metrics,
	})
	if err != nil {
		return err
	}
	a.agent = ag
	return nil
}

// initFeedback appends every behaviour update and post-call report to the
// journal file, if one is configured. Write failures are logged.
func (a *App) initFeedback() {
	if a.cfg.Feedback.Path == "" {
		return
	}
	a.journal = feedback.NewFileStore(a.cfg.Feedback.Path)
	d := a.protocol.Dispatcher()
	d.OnBehaviorUpdate(func(u coach.BehaviorUpdate) {
		if err := a.journal.SaveBehavior(a.protocol.SessionID(), a.agent.Persona(), u); err != nil {
			slog.Warn("app: journal behavior update", "err", err)
		}
	})
	d.OnPostCallInsights(func(pi coach.PostCallInsights) {
		id := a.protocol.SessionID()
		if err := a.journal.SaveInsights(id, a.agent.Persona(), pi); err != nil {
			slog.Warn("app: journal post-call insights", "err", err)
			return
		}
		slog.Info("app: post-call insights saved", "session_id", id, "path", a.journal.Path())
	})
}

// initHTTP builds the /metrics, /healthz and /readyz mux. The server itself
// only exists when a listen address is configured.
func (a *App) initHTTP() {
	checks := []health.Checker{
		health.HTTPCheck("coach", &http.Client{Timeout: 5 * time.Second}, a.cfg.Coach.BaseURL),
		health.StateCheck("agent",
			func() bool { return a.agent.State() == agent.StateRunning },
			func() string { return "agent is " + a.agent.State().String() },
		),
	}
	if a.guard != nil {
		checks = append(checks, health.Checker{Name: "scoring", Check: a.checkScoring})
	}

	a.mux = http.NewServeMux()
	a.mux.Handle("/metrics", promhttp.HandlerFor(a.gatherer, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))
	health.New(checks...).Register(a.mux)

	if a.cfg.Server.ListenAddr == "" {
		return
	}
	a.server = &http.Server{
		Addr:              a.cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(a.mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}
}

// checkScoring fails once the scoring service has ended the guard's session
// on its own. Verify frees the slot in that case.
func (a *App) checkScoring(ctx context.Context) error {
	if !a.guard.Owns() {
		return nil
	}
	active, err := a.guard.Verify(ctx)
	if err != nil {
		return err
	}
	if !active {
		return errors.New("scoring session ended by service")
	}
	return nil
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Agent returns the voice agent.
func (a *App) Agent() *agent.Agent { return a.agent }

// Handler returns the /metrics, /healthz and /readyz mux without middleware.
func (a *App) Handler() http.Handler { return a.mux }

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the HTTP listener, begins a conversation with sessionID (a
// fresh one if empty), and blocks until ctx is cancelled or the coaching
// session closes. It returns ctx.Err() on cancellation and nil when the
// session closed by itself.
func (a *App) Run(ctx context.Context, sessionID string) error {
	if a.server != nil {
		ln, err := net.Listen("tcp", a.server.Addr)
		if err != nil {
			return fmt.Errorf("app: listen %s: %w", a.server.Addr, err)
		}
		a.closers = append([]func(context.Context) error{a.server.Shutdown}, a.closers...)
		go func() {
			if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("app: http server stopped", "err", err)
			}
		}()
		slog.Info("app: serving metrics and health", "addr", ln.Addr().String())
	}

	if err := a.agent.Start(ctx, sessionID); err != nil {
		return fmt.Errorf("app: start conversation: %w", err)
	}
	done := a.agent.Done()
	if done == nil {
		slog.Info("app: conversation closed before it was observed")
		return nil
	}

	slog.Info("app running", "session_id", a.agent.SessionID(), "state", a.agent.State())
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		slog.Info("app: conversation closed")
		return nil
	}
}

// ApplyConfig applies the hot-reloadable parts of d. Sections listed in
// d.RestartRequired are logged and otherwise ignored.
func (a *App) ApplyConfig(d config.ConfigDiff) {
	if d.AutoEndChanged {
		a.agent.SetAutoEnd(d.NewAutoEnd)
		slog.Info("app: auto end changed", "auto_end", d.NewAutoEnd)
	}
	if d.PersonaChanged {
		a.agent.SetPersona(d.NewPersona.Name, d.NewPersona.ID)
		slog.Info("app: persona changed, applies to the next conversation", "persona", d.NewPersona.Name)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("app: config changes need a restart", "sections", d.RestartRequired)
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown ends the conversation, waiting up to ctx for the coaching
// session to close, then runs the remaining closers in order. If ctx expires
// before all closers finish, the remaining ones are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		slog.Info("app: shutting down", "closers", len(a.closers))

		if err := a.agent.Close(ctx); err != nil {
			slog.Warn("app: agent close error", "err", err)
		}

		for i, closer := range a.closers {
			select {
			case <-ctx.Done():
				slog.Warn("app: shutdown deadline exceeded", "remaining", len(a.closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(ctx); err != nil {
				slog.Warn("app: closer error", "index", i, "err", err)
			}
		}

		slog.Info("app: shutdown complete")
	})
	return shutdownErr
}
