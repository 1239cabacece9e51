package coach

import (
	"encoding/json"
	"fmt"
)

// EventType names a push event.
type EventType string

// Push events emitted by the coaching service.
const (
	EventHello             EventType = "hello"
	EventKeepalive         EventType = "keepalive"
	EventBehaviorUpdate    EventType = "behavior_update"
	EventTerminationIntent EventType = "termination_intent"
	EventPostCallInsights  EventType = "post_call_insights"
	EventSessionEnd        EventType = "session_end"
)

// Liveness reports whether events of this type only signal that the
// connection is alive and carry nothing for consumers.
func (t EventType) Liveness() bool {
	return t == EventHello || t == EventKeepalive
}

// Terminal reports whether the event ends the session.
func (t EventType) Terminal() bool {
	return t == EventSessionEnd
}

// Event is one push event. Data holds the raw JSON payload, which may be
// empty.
type Event struct {
	Type EventType
	ID   string
	Data json.RawMessage
}

// Scores are the behavioural scores reported during a call.
type Scores struct {
	Rapport  float64 `json:"rapport"`
	Trust    float64 `json:"trust"`
	Interest float64 `json:"interest"`
}

// BehaviorUpdate is the payload of a behavior_update event.
type BehaviorUpdate struct {
	Scores Scores `json:"scores"`
	Hint   string `json:"hint,omitempty"`
	Source string `json:"source,omitempty"`
}

// TerminationIntent is the payload of a termination_intent event.
type TerminationIntent struct {
	Phrase string `json:"phrase,omitempty"`
}

// PostCallInsights is the payload of a post_call_insights event.
type PostCallInsights struct {
	Markdown string `json:"markdown,omitempty"`
}

// BehaviorUpdate decodes e's payload.
func (e Event) BehaviorUpdate() (BehaviorUpdate, error) {
	var v BehaviorUpdate
	return v, e.decode(EventBehaviorUpdate, &v)
}

// TerminationIntent decodes e's payload.
func (e Event) TerminationIntent() (TerminationIntent, error) {
	var v TerminationIntent
	return v, e.decode(EventTerminationIntent, &v)
}

// PostCallInsights decodes e's payload.
func (e Event) PostCallInsights() (PostCallInsights, error) {
	var v PostCallInsights
	return v, e.decode(EventPostCallInsights, &v)
}

func (e Event) decode(want EventType, v any) error {
	if e.Type != want {
		return fmt.Errorf("coach: decode %s: event is %s", want, e.Type)
	}
	if len(e.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("coach: decode %s: %w", want, err)
	}
	return nil
}
