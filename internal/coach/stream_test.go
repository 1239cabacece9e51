package coach

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"
)

// sseServer serves scripted event-stream connections. Each call to the
// handler consumes the next script; when scripts run out it answers 204.
type sseServer struct {
	mu       sync.Mutex
	scripts  []func(w http.ResponseWriter, r *http.Request)
	lastIDs  []string
	connects int
}

func (s *sseServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.connects++
	s.lastIDs = append(s.lastIDs, r.Header.Get("Last-Event-ID"))
	var script func(http.ResponseWriter, *http.Request)
	if len(s.scripts) > 0 {
		script, s.scripts = s.scripts[0], s.scripts[1:]
	}
	s.mu.Unlock()

	if script == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	script(w, r)
}

func (s *sseServer) connectCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

func (s *sseServer) seenLastIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lastIDs...)
}

// sendEvents writes the given raw SSE blocks and returns, ending the
// connection.
func sendEvents(blocks ...string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		f := w.(http.Flusher)
		for _, b := range blocks {
			fmt.Fprint(w, b)
			f.Flush()
		}
	}
}

func fastReconnect() Option {
	return WithReconnect(ReconnectConfig{InitialBackoff: 5 * time.Millisecond, MaxBackoff: 20 * time.Millisecond, MaxRetries: 3})
}

func drain(t *testing.T, s *Stream) []Event {
	t.Helper()
	var got []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("stream did not finish; got %d events", len(got))
		}
	}
}

func TestStream_ReconnectsWithLastEventID(t *testing.T) {
	srv := &sseServer{scripts: []func(http.ResponseWriter, *http.Request){
		sendEvents("event: hello\ndata: {}\n\n", "id: 1\nevent: behavior_update\ndata: {\"scores\":{\"rapport\":1}}\n\n"),
		sendEvents("id: 2\nevent: post_call_insights\ndata: {\"markdown\":\"done\"}\n\n", "event: session_end\ndata: {}\n\n"),
	}}
	c := newTestClient(t, srv, fastReconnect())

	s, err := c.Subscribe(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	got := drain(t, s)
	var types []EventType
	for _, ev := range got {
		types = append(types, ev.Type)
	}
	want := []EventType{EventHello, EventBehaviorUpdate, EventPostCallInsights, EventSessionEnd}
	if fmt.Sprint(types) != fmt.Sprint(want) {
		t.Fatalf("events = %v, want %v", types, want)
	}
	if ids := srv.seenLastIDs(); len(ids) != 2 || ids[0] != "" || ids[1] != "1" {
		t.Errorf("Last-Event-ID per connection = %q, want [\"\" \"1\"]", ids)
	}
	if s.Err() != nil {
		t.Errorf("Err after session_end = %v", s.Err())
	}
	if s.LastEventID() != "2" {
		t.Errorf("LastEventID = %q, want 2", s.LastEventID())
	}
}

func TestStream_StopsOnNoContentAndClientErrors(t *testing.T) {
	tests := []struct {
		name   string
		script func(http.ResponseWriter, *http.Request)
	}{
		{"no content", nil},
		{"not found", func(w http.ResponseWriter, _ *http.Request) { http.NotFound(w, nil) }},
		{"wrong content type", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte("{}"))
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &sseServer{}
			if tt.script != nil {
				srv.scripts = append(srv.scripts, tt.script)
			}
			c := newTestClient(t, srv, fastReconnect())
			s, err := c.Subscribe(context.Background(), "s1")
			if err != nil {
				t.Fatal(err)
			}
			if got := drain(t, s); len(got) != 0 {
				t.Errorf("got %d events", len(got))
			}
			if s.Err() == nil {
				t.Error("Err = nil, want rejection reason")
			}
			if n := srv.connectCount(); n != 1 {
				t.Errorf("connects = %d, want 1", n)
			}
		})
	}
}

func TestStream_GivesUpAfterMaxRetries(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	c := newTestClient(t, h, fastReconnect())
	s, err := c.Subscribe(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	drain(t, s)
	if s.Err() == nil {
		t.Error("Err = nil after exhausting retries")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestStream_CloseIsIdempotent(t *testing.T) {
	block := make(chan struct{})
	srv := &sseServer{scripts: []func(http.ResponseWriter, *http.Request){
		func(w http.ResponseWriter, r *http.Request) {
			sendEvents("event: hello\n\n")(w, r)
			select {
			case <-block:
			case <-r.Context().Done():
			}
		},
	}}
	defer close(block)
	c := newTestClient(t, srv, fastReconnect())

	s, err := c.Subscribe(context.Background(), "s1")
	if err != nil {
		t.Fatal(err)
	}
	select {
	case ev := <-s.Events():
		if ev.Type != EventHello {
			t.Fatalf("first event = %s", ev.Type)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no hello")
	}

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = s.Close()
		}()
	}
	wg.Wait()
	if _, ok := <-s.Events(); ok {
		t.Error("events channel still open after Close")
	}
	if s.Err() != nil {
		t.Errorf("Err after Close = %v", s.Err())
	}
}

func TestSubscribe_EmptySessionID(t *testing.T) {
	c, err := New("http://localhost:1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Subscribe(context.Background(), ""); err == nil {
		t.Error("Subscribe with empty id succeeded")
	}
}
