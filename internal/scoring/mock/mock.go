// Package mock provides an in-memory [scoring.Collaborator] for tests. It
// records every call and is safe for concurrent use.
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/rolecoach/internal/scoring"
)

var _ scoring.Collaborator = (*Collaborator)(nil)

// StartCall records one StartSession call.
type StartCall struct {
	PersonaID string
	SessionID string
}

// MessageCall records one AddMessage call.
type MessageCall struct {
	SessionID string
	Message   scoring.Message
}

// Collaborator is a mock [scoring.Collaborator].
type Collaborator struct {
	mu sync.Mutex

	StartError   error
	AddError     error
	EndError     error
	InfoResult   scoring.SessionInfo
	InfoError    error
	ActiveResult bool
	ActiveError  error

	// StartGate and EndGate, when non-nil, block StartSession and
	// EndSession until they are closed.
	StartGate chan struct{}
	EndGate   chan struct{}

	StartCalls   []StartCall
	MessageCalls []MessageCall
	EndCalls     []string
	InfoCalls    []string
	ActiveCalls  []string
}

// StartSession implements [scoring.Collaborator].
func (c *Collaborator) StartSession(ctx context.Context, personaID, sessionID string) error {
	c.mu.Lock()
	c.StartCalls = append(c.StartCalls, StartCall{PersonaID: personaID, SessionID: sessionID})
	gate := c.StartGate
	err := c.StartError
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// AddMessage implements [scoring.Collaborator].
func (c *Collaborator) AddMessage(_ context.Context, sessionID string, msg scoring.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.MessageCalls = append(c.MessageCalls, MessageCall{SessionID: sessionID, Message: msg})
	return c.AddError
}

// EndSession implements [scoring.Collaborator].
func (c *Collaborator) EndSession(ctx context.Context, sessionID string) error {
	c.mu.Lock()
	c.EndCalls = append(c.EndCalls, sessionID)
	gate := c.EndGate
	err := c.EndError
	c.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return err
}

// SessionInfo implements [scoring.Collaborator].
func (c *Collaborator) SessionInfo(_ context.Context, sessionID string) (scoring.SessionInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.InfoCalls = append(c.InfoCalls, sessionID)
	return c.InfoResult, c.InfoError
}

// IsSessionActive implements [scoring.Collaborator].
func (c *Collaborator) IsSessionActive(_ context.Context, sessionID string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ActiveCalls = append(c.ActiveCalls, sessionID)
	return c.ActiveResult, c.ActiveError
}

// Total returns the number of calls of any kind.
func (c *Collaborator) Total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.StartCalls) + len(c.MessageCalls) + len(c.EndCalls) + len(c.InfoCalls) + len(c.ActiveCalls)
}

// Starts returns a copy of the StartSession calls.
func (c *Collaborator) Starts() []StartCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]StartCall(nil), c.StartCalls...)
}

// Messages returns a copy of the AddMessage calls.
func (c *Collaborator) Messages() []MessageCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]MessageCall(nil), c.MessageCalls...)
}

// SetAddError changes the error AddMessage returns.
func (c *Collaborator) SetAddError(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.AddError = err
}

// Infos returns a copy of the SessionInfo session ids.
func (c *Collaborator) Infos() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.InfoCalls...)
}

// Ends returns a copy of the EndSession session ids.
func (c *Collaborator) Ends() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.EndCalls...)
}
