package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotOwner is returned by [Guard.Info] when the guard does not own the
// active scoring session.
var ErrNotOwner = errors.New("scoring: guard does not own the active session")

// DefaultSource labels messages recorded by a guard unless overridden.
const DefaultSource = "voice"

// GuardOption configures a [Guard].
type GuardOption func(*Guard)

// WithSource sets the source label attached to recorded messages.
func WithSource(source string) GuardOption {
	return func(g *Guard) {
		g.source = source
	}
}

// WithClock replaces time.Now for message timestamps.
func WithClock(now func() time.Time) GuardOption {
	return func(g *Guard) {
		g.now = now
	}
}

// Guard is one voice agent's handle on the shared scoring slot. All methods
// are safe for concurrent use.
type Guard struct {
	name   string
	slot   *Ownership
	collab Collaborator
	source string
	now    func() time.Time

	mu        sync.Mutex
	sessionID string // session this guard started, "" if none
	starting  string // session whose StartSession is in flight
	abandoned bool   // a Stop arrived while starting
	lastText  string
	stopping  bool
}

// NewGuard creates a guard named name. name identifies the owner in the
// slot and in logs.
func NewGuard(name string, slot *Ownership, collab Collaborator, opts ...GuardOption) *Guard {
	g := &Guard{
		name:   name,
		slot:   slot,
		collab: collab,
		source: DefaultSource,
		now:    time.Now,
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Start opens a scoring session for personaID. An empty sessionID gets a
// fresh UUID. If any scoring session is already active, whoever owns it,
// Start logs a warning and returns false without contacting the service. If
// the service rejects the start, the slot is released again.
func (g *Guard) Start(ctx context.Context, personaID, sessionID string) (bool, error) {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	if active, owner := g.slot.Current(); active != "" {
		slog.Warn("scoring: session already active, not starting another",
			"guard", g.name,
			"active_session_id", active,
			"active_owner", owner,
		)
		return false, nil
	}
	if !g.slot.TryAcquire(sessionID, g.name) {
		active, owner := g.slot.Current()
		slog.Warn("scoring: lost race for scoring slot",
			"guard", g.name,
			"active_session_id", active,
			"active_owner", owner,
		)
		return false, nil
	}

	g.mu.Lock()
	g.starting = sessionID
	g.abandoned = false
	g.mu.Unlock()

	err := g.collab.StartSession(ctx, personaID, sessionID)

	g.mu.Lock()
	abandoned := g.abandoned
	g.starting = ""
	g.abandoned = false
	if err == nil && !abandoned {
		g.sessionID = sessionID
		g.lastText = ""
	}
	g.mu.Unlock()

	if err != nil {
		g.slot.Release(sessionID)
		return false, fmt.Errorf("scoring: start session %s: %w", sessionID, err)
	}
	if abandoned {
		// Stop ran while the service was starting the session.
		slog.Info("scoring: stopped during start, ending session", "guard", g.name, "session_id", sessionID)
		endErr := g.collab.EndSession(context.WithoutCancel(ctx), sessionID)
		g.slot.Release(sessionID)
		if endErr != nil {
			return false, fmt.Errorf("scoring: end abandoned session %s: %w", sessionID, endErr)
		}
		return false, nil
	}

	slog.Info("scoring: session started", "guard", g.name, "session_id", sessionID, "persona_id", personaID)
	return true, nil
}

// Record writes one utterance to the guard's session. It does nothing
// unless this guard started a session that still holds the slot, and it
// drops text identical to the previous recorded text, which the upstream
// transcriber is known to re-emit.
func (g *Guard) Record(ctx context.Context, sender, text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	g.mu.Lock()
	id := g.sessionID
	if id == "" || !g.slot.Holds(id) {
		g.mu.Unlock()
		return nil
	}
	if text == g.lastText {
		g.mu.Unlock()
		slog.Debug("scoring: dropping duplicate utterance", "guard", g.name, "session_id", id)
		return nil
	}
	g.lastText = text
	g.mu.Unlock()

	msg := Message{Sender: sender, Content: text, Timestamp: g.now().UTC(), Source: g.source}
	if err := g.collab.AddMessage(ctx, id, msg); err != nil {
		// A failed write must not make the re-emitted utterance a duplicate.
		g.mu.Lock()
		if g.sessionID == id && g.lastText == text {
			g.lastText = ""
		}
		g.mu.Unlock()
		return fmt.Errorf("scoring: add message to %s: %w", id, err)
	}
	return nil
}

// Stop ends the guard's session. Overlapping calls collapse into one. The
// remote session is ended only if the slot still holds this guard's session
// id; local bookkeeping is cleared either way. A Stop during Start makes
// Start end the session it was opening and free the slot.
func (g *Guard) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.stopping {
		g.mu.Unlock()
		return nil
	}
	g.stopping = true
	id := g.sessionID
	if g.starting != "" {
		g.abandoned = true
	}
	g.mu.Unlock()

	defer func() {
		g.mu.Lock()
		g.sessionID = ""
		g.lastText = ""
		g.stopping = false
		g.mu.Unlock()
	}()

	if id == "" {
		return nil
	}
	if !g.slot.Holds(id) {
		active, owner := g.slot.Current()
		slog.Warn("scoring: slot no longer holds our session, skipping remote end",
			"guard", g.name,
			"session_id", id,
			"active_session_id", active,
			"active_owner", owner,
		)
		return nil
	}

	err := g.collab.EndSession(ctx, id)
	g.slot.Release(id)
	if err != nil {
		return fmt.Errorf("scoring: end session %s: %w", id, err)
	}
	slog.Info("scoring: session ended", "guard", g.name, "session_id", id)
	return nil
}

// Info returns the service's view of the guard's session.
func (g *Guard) Info(ctx context.Context) (SessionInfo, error) {
	id, ok := g.owned()
	if !ok {
		return SessionInfo{}, ErrNotOwner
	}
	info, err := g.collab.SessionInfo(ctx, id)
	if err != nil {
		return SessionInfo{}, fmt.Errorf("scoring: session info %s: %w", id, err)
	}
	return info, nil
}

// Verify asks the service whether the guard's session is still active. If
// the service has ended it on its own, the guard frees the slot so a new
// session can start. It returns the service's answer.
func (g *Guard) Verify(ctx context.Context) (bool, error) {
	id, ok := g.owned()
	if !ok {
		return false, nil
	}
	active, err := g.collab.IsSessionActive(ctx, id)
	if err != nil {
		return false, fmt.Errorf("scoring: check session %s: %w", id, err)
	}
	if !active {
		slog.Info("scoring: service ended session, releasing slot", "guard", g.name, "session_id", id)
		g.mu.Lock()
		if g.sessionID == id {
			g.sessionID = ""
			g.lastText = ""
		}
		g.mu.Unlock()
		g.slot.Release(id)
	}
	return active, nil
}

// Owns reports whether the guard has a session that still holds the slot.
func (g *Guard) Owns() bool {
	_, ok := g.owned()
	return ok
}

// SessionID returns the session the guard started, or "".
func (g *Guard) SessionID() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionID
}

// Name returns the guard's owner label.
func (g *Guard) Name() string { return g.name }

func (g *Guard) owned() (string, bool) {
	g.mu.Lock()
	id := g.sessionID
	g.mu.Unlock()
	return id, id != "" && g.slot.Holds(id)
}
