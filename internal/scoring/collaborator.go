package scoring

import (
	"context"
	"time"
)

// Message is one utterance recorded in a scoring session.
type Message struct {
	Sender    string    `json:"sender"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Source    string    `json:"source"`
}

// SessionInfo describes a scoring session as the service sees it.
type SessionInfo struct {
	SessionID    string    `json:"sessionId"`
	PersonaID    string    `json:"personaId"`
	Active       bool      `json:"active"`
	MessageCount int       `json:"messageCount"`
	StartedAt    time.Time `json:"startedAt"`
}

// Collaborator is the scoring backend.
type Collaborator interface {
	StartSession(ctx context.Context, personaID, sessionID string) error
	AddMessage(ctx context.Context, sessionID string, msg Message) error
	EndSession(ctx context.Context, sessionID string) error
	SessionInfo(ctx context.Context, sessionID string) (SessionInfo, error)
	IsSessionActive(ctx context.Context, sessionID string) (bool, error)
}
