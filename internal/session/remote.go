package session

import (
	"context"

	"github.com/MrWong99/rolecoach/internal/coach"
)

// Remote is the coaching service as seen by the protocol.
type Remote interface {
	Start(ctx context.Context, sessionID, personaName string) error
	Observe(ctx context.Context, sessionID, text, speaker string) error
	End(ctx context.Context, sessionID string) error
	Subscribe(ctx context.Context, sessionID string) (EventChannel, error)
}

// EventChannel is an open push-event channel. Events must be closed by the
// implementation once it stops delivering. Close must be idempotent.
type EventChannel interface {
	Events() <-chan coach.Event
	Close() error
}

// failedChannel is implemented by channels that can tell why they stopped
// delivering, such as [coach.Stream].
type failedChannel interface {
	Err() error
}

// CoachRemote adapts a [coach.Client] to [Remote].
type CoachRemote struct {
	*coach.Client
}

// Subscribe implements [Remote].
func (r CoachRemote) Subscribe(ctx context.Context, sessionID string) (EventChannel, error) {
	s, err := r.Client.Subscribe(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return s, nil
}
