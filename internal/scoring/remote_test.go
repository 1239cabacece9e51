package scoring

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/rolecoach/internal/resilience"
)

type seenRequest struct {
	Method string
	Path   string
	Body   string
}

// scoringService is a scripted stand-in for the scoring API.
type scoringService struct {
	mu     sync.Mutex
	seen   []seenRequest
	status int
	info   string
}

func (s *scoringService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	s.mu.Lock()
	s.seen = append(s.seen, seenRequest{Method: r.Method, Path: r.URL.EscapedPath(), Body: string(raw)})
	status, info := s.status, s.info
	s.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		_, _ = w.Write([]byte("service says no"))
		return
	}
	if r.Method == http.MethodGet {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(info))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *scoringService) requests() []seenRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]seenRequest(nil), s.seen...)
}

func newTestRemote(t *testing.T, h http.Handler, opts ...RemoteOption) *RemoteCollaborator {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	r, err := NewRemote(srv.URL+"/v1/", opts...)
	if err != nil {
		t.Fatalf("NewRemote: %v", err)
	}
	return r
}

func TestRemote_Paths(t *testing.T) {
	svc := &scoringService{info: `{"sessionId":"a/b","active":true,"messageCount":2}`}
	r := newTestRemote(t, svc)
	ctx := context.Background()
	ts := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	if err := r.StartSession(ctx, "p1", "a/b"); err != nil {
		t.Fatal(err)
	}
	if err := r.AddMessage(ctx, "a/b", Message{Sender: "user", Content: "hi", Timestamp: ts, Source: "voice"}); err != nil {
		t.Fatal(err)
	}
	info, err := r.SessionInfo(ctx, "a/b")
	if err != nil {
		t.Fatal(err)
	}
	if !info.Active || info.MessageCount != 2 {
		t.Errorf("info = %+v", info)
	}
	if err := r.EndSession(ctx, "a/b"); err != nil {
		t.Fatal(err)
	}

	want := []seenRequest{
		{Method: http.MethodPost, Path: "/v1/sessions", Body: `{"personaId":"p1","sessionId":"a/b"}`},
		{Method: http.MethodPost, Path: "/v1/sessions/a%2Fb/messages", Body: `{"sender":"user","content":"hi","timestamp":"2026-01-02T03:04:05Z","source":"voice"}`},
		{Method: http.MethodGet, Path: "/v1/sessions/a%2Fb"},
		{Method: http.MethodPost, Path: "/v1/sessions/a%2Fb/end"},
	}
	got := svc.requests()
	if len(got) != len(want) {
		t.Fatalf("got %d requests, want %d: %+v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("request %d = %+v, want %+v", i, got[i], want[i])
		}
	}
}

func TestRemote_Errors(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantNotFound  bool
		wantPermanent bool
	}{
		{name: "not found", status: http.StatusNotFound, wantNotFound: true, wantPermanent: true},
		{name: "bad request", status: http.StatusBadRequest, wantPermanent: true},
		{name: "server error", status: http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRemote(t, &scoringService{status: tt.status})
			err := r.EndSession(context.Background(), "s1")
			if err == nil {
				t.Fatal("expected error")
			}
			if errors.Is(err, ErrNotFound) != tt.wantNotFound {
				t.Errorf("ErrNotFound = %v, want %v (%v)", !tt.wantNotFound, tt.wantNotFound, err)
			}
			if resilience.IsPermanent(err) != tt.wantPermanent {
				t.Errorf("permanent = %v, want %v", !tt.wantPermanent, tt.wantPermanent)
			}
		})
	}
}

func TestRemote_IsSessionActive(t *testing.T) {
	tests := []struct {
		name    string
		svc     *scoringService
		want    bool
		wantErr bool
	}{
		{name: "active", svc: &scoringService{info: `{"active":true}`}, want: true},
		{name: "ended", svc: &scoringService{info: `{"active":false}`}},
		{name: "unknown", svc: &scoringService{status: http.StatusNotFound}},
		{name: "failing", svc: &scoringService{status: http.StatusInternalServerError}, wantErr: true},
		{name: "garbage", svc: &scoringService{info: `not json`}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRemote(t, tt.svc)
			got, err := r.IsSessionActive(context.Background(), "s1")
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("active = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRemote_BreakerOpensOnServerErrorsOnly(t *testing.T) {
	svc := &scoringService{status: http.StatusNotFound}
	b := resilience.NewBreaker(resilience.BreakerConfig{Name: "scoring", MaxFailures: 2, Cooldown: time.Hour})
	r := newTestRemote(t, svc, WithBreaker(b))
	ctx := context.Background()

	for range 3 {
		_ = r.EndSession(ctx, "s1")
	}
	if b.State() != resilience.StateClosed {
		t.Fatalf("breaker %v after 404s, want closed", b.State())
	}

	svc.mu.Lock()
	svc.status = http.StatusServiceUnavailable
	svc.mu.Unlock()
	for range 2 {
		_ = r.EndSession(ctx, "s1")
	}
	if b.State() != resilience.StateOpen {
		t.Fatalf("breaker %v after 503s, want open", b.State())
	}

	before := len(svc.requests())
	if err := r.EndSession(ctx, "s1"); !errors.Is(err, resilience.ErrCircuitOpen) {
		t.Errorf("err = %v, want ErrCircuitOpen", err)
	}
	if len(svc.requests()) != before {
		t.Error("request sent while breaker open")
	}
}

func TestNewRemote_RejectsBadScheme(t *testing.T) {
	for _, raw := range []string{"ftp://x", "localhost:8080", "::"} {
		if _, err := NewRemote(raw); err == nil {
			t.Errorf("NewRemote(%q) succeeded", raw)
		}
	}
}
