package session

import (
	"testing"

	"github.com/MrWong99/rolecoach/internal/coach"
)

func TestDispatcher_SubscribeAndUnsubscribe(t *testing.T) {
	d := NewDispatcher()
	var got []string
	unA := d.Subscribe(coach.EventBehaviorUpdate, func(coach.Event) { got = append(got, "a") })
	d.Subscribe(coach.EventBehaviorUpdate, func(coach.Event) { got = append(got, "b") })
	d.Subscribe(coach.EventSessionEnd, func(coach.Event) { got = append(got, "end") })

	d.Dispatch(coach.Event{Type: coach.EventBehaviorUpdate})
	unA()
	unA()
	d.Dispatch(coach.Event{Type: coach.EventBehaviorUpdate})
	d.Dispatch(coach.Event{Type: "unknown"})

	want := []string{"a", "b", "b"}
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestDispatcher_PanickingHandlerDoesNotStopOthers(t *testing.T) {
	d := NewDispatcher()
	reached := false
	d.Subscribe(coach.EventTerminationIntent, func(coach.Event) { panic("handler bug") })
	d.Subscribe(coach.EventTerminationIntent, func(coach.Event) { reached = true })

	d.Dispatch(coach.Event{Type: coach.EventTerminationIntent})
	if !reached {
		t.Error("second handler not called after first panicked")
	}
}

func TestDispatcher_TypedHelpersSkipMalformed(t *testing.T) {
	d := NewDispatcher()
	calls := 0
	d.OnBehaviorUpdate(func(coach.BehaviorUpdate) { calls++ })

	d.Dispatch(coach.Event{Type: coach.EventBehaviorUpdate, Data: []byte(`{"scores":`)})
	d.Dispatch(coach.Event{Type: coach.EventBehaviorUpdate, Data: []byte(`{"scores":{"trust":0.5}}`)})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestDispatcher_UnsubscribeDuringDispatch(t *testing.T) {
	d := NewDispatcher()
	calls := 0
	var unsub func()
	unsub = d.Subscribe(coach.EventBehaviorUpdate, func(coach.Event) {
		calls++
		unsub()
	})
	d.Dispatch(coach.Event{Type: coach.EventBehaviorUpdate})
	d.Dispatch(coach.Event{Type: coach.EventBehaviorUpdate})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateUnstarted: "unstarted",
		StateActive:    "active",
		StateEnding:    "ending",
		StateClosed:    "closed",
		State(9):       "unknown",
	}
	for s, want := range tests {
		if got := s.String(); got != want {
			t.Errorf("State(%d) = %q, want %q", s, got, want)
		}
	}
}
