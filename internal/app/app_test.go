package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/MrWong99/rolecoach/internal/agent"
	"github.com/MrWong99/rolecoach/internal/agent/mock"
	"github.com/MrWong99/rolecoach/internal/app"
	"github.com/MrWong99/rolecoach/internal/config"
	"github.com/MrWong99/rolecoach/internal/feedback"
	"github.com/MrWong99/rolecoach/internal/uplink"
)

// coachService is an in-process coaching service. Each session's event
// stream sends hello, then session_end once the session is finished by an
// end request or by finish.
type coachService struct {
	mu       sync.Mutex
	starts   []map[string]string
	observed []string
	ends     []string
	finished map[string]chan struct{}

	// closing holds raw SSE blocks sent just before session_end.
	closing []string
}

func newCoachService() *coachService {
	return &coachService{finished: make(map[string]chan struct{})}
}

func (s *coachService) done(id string) chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.finished[id]
	if !ok {
		ch = make(chan struct{})
		s.finished[id] = ch
	}
	return ch
}

// finish ends id on the service side.
func (s *coachService) finish(id string) {
	ch := s.done(id)
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-ch:
	default:
		close(ch)
	}
}

func (s *coachService) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/start":
		var body map[string]string
		_ = json.Unmarshal(raw, &body)
		s.mu.Lock()
		s.starts = append(s.starts, body)
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/observe/"):
		s.mu.Lock()
		s.observed = append(s.observed, string(raw))
		s.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/end/"):
		id := strings.TrimPrefix(r.URL.Path, "/end/")
		s.mu.Lock()
		s.ends = append(s.ends, id)
		s.mu.Unlock()
		s.finish(id)
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/events/"):
		s.stream(w, r, strings.TrimPrefix(r.URL.Path, "/events/"))

	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (s *coachService) stream(w http.ResponseWriter, r *http.Request, id string) {
	done := s.done(id)
	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	f := w.(http.Flusher)
	fmt.Fprint(w, "event: hello\ndata: {}\n\n")
	f.Flush()
	select {
	case <-done:
		s.mu.Lock()
		closing := s.closing
		s.mu.Unlock()
		for _, b := range closing {
			fmt.Fprint(w, b)
		}
		fmt.Fprint(w, "event: session_end\ndata: {}\n\n")
		f.Flush()
	case <-r.Context().Done():
	}
}

func (s *coachService) snapshot() (starts []map[string]string, observed, ends []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append(starts, s.starts...), append(observed, s.observed...), append(ends, s.ends...)
}

// testConfig returns a validated config pointing at coachURL.
func testConfig(t *testing.T, coachURL string) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Coach:   config.CoachConfig{BaseURL: coachURL, EndGrace: time.Second},
		Uplink:  config.UplinkConfig{URL: "ws://127.0.0.1:1/voice"},
		Persona: config.PersonaConfig{Name: "Skeptical CFO", ID: "cfo"},
	}
	config.ApplyDefaults(cfg)
	if err := config.Validate(cfg); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return cfg
}

type fixture struct {
	svc  *coachService
	devs *mock.Devices
	link *mock.Transport
	app  *app.App
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	svc := newCoachService()
	srv := httptest.NewServer(svc)
	t.Cleanup(srv.Close)

	cfg := testConfig(t, srv.URL)
	if mutate != nil {
		mutate(cfg)
	}
	f := &fixture{svc: svc, devs: &mock.Devices{}, link: mock.NewTransport()}
	a, err := app.New(cfg,
		app.WithDevices(f.devs),
		app.WithDialer(f.link.Dialer()),
		app.WithGatherer(prometheus.NewRegistry()),
	)
	if err != nil {
		t.Fatalf("app.New: %v", err)
	}
	f.app = a
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
	})
	return f
}

// run starts Run in the background and waits for the agent to be running.
func (f *fixture) run(t *testing.T, ctx context.Context, sessionID string) <-chan error {
	t.Helper()
	errc := make(chan error, 1)
	go func() { errc <- f.app.Run(ctx, sessionID) }()
	eventually(t, "agent running", func() bool {
		return f.app.Agent().State() == agent.StateRunning
	})
	return errc
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func wait(t *testing.T, errc <-chan error) error {
	t.Helper()
	select {
	case err := <-errc:
		return err
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func TestNew_RejectsBadCoachURL(t *testing.T) {
	cfg := testConfig(t, "http://127.0.0.1:1")
	cfg.Coach.BaseURL = "ftp://coach"
	if _, err := app.New(cfg, app.WithDevices(&mock.Devices{}), app.WithDialer(mock.NewTransport().Dialer())); err == nil {
		t.Fatal("New accepted an ftp coach url")
	}
}

func TestRun_ReturnsWhenSessionEnds(t *testing.T) {
	f := newFixture(t, nil)

	errc := f.run(t, context.Background(), "call-1")
	if got := f.app.Agent().SessionID(); got != "call-1" {
		t.Fatalf("session id = %q, want call-1", got)
	}

	f.link.Transcript(uplink.Transcript{Speaker: "user", Text: "what does this cost", Final: true})
	eventually(t, "observe forwarded", func() bool {
		_, observed, _ := f.svc.snapshot()
		return len(observed) == 1
	})

	f.svc.finish("call-1")
	if err := wait(t, errc); err != nil {
		t.Fatalf("Run = %v, want nil", err)
	}

	starts, observed, _ := f.svc.snapshot()
	if len(starts) != 1 || starts[0]["personaName"] != "Skeptical CFO" || starts[0]["sessionId"] != "call-1" {
		t.Errorf("starts = %v", starts)
	}
	if !strings.Contains(observed[0], "what does this cost") {
		t.Errorf("observed = %v", observed)
	}
	eventually(t, "agent idle", func() bool { return f.app.Agent().State() == agent.StateIdle })
	if !f.devs.Capture(0).Released() {
		t.Error("microphone not released after the session ended")
	}
}

func TestShutdown_EndsSessionRemotely(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	errc := f.run(t, ctx, "")
	id := f.app.Agent().SessionID()
	if id == "" {
		t.Fatal("no session id generated")
	}

	cancel()
	if err := wait(t, errc); !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %v, want context.Canceled", err)
	}

	sctx, scancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer scancel()
	if err := f.app.Shutdown(sctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if err := f.app.Shutdown(sctx); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}

	_, _, ends := f.svc.snapshot()
	if len(ends) != 1 || ends[0] != id {
		t.Errorf("ends = %v, want [%s]", ends, id)
	}
	if got := f.app.Agent().State(); got != agent.StateIdle {
		t.Errorf("state after shutdown = %v", got)
	}
	if !f.link.Closed() {
		t.Error("uplink not closed")
	}
}

func TestHandler_Endpoints(t *testing.T) {
	f := newFixture(t, nil)
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)

	get := func(path string) int {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		return resp.StatusCode
	}

	if got := get("/healthz"); got != http.StatusOK {
		t.Errorf("/healthz = %d", got)
	}
	if got := get("/metrics"); got != http.StatusOK {
		t.Errorf("/metrics = %d", got)
	}
	if got := get("/readyz"); got != http.StatusServiceUnavailable {
		t.Errorf("/readyz while idle = %d, want 503", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.run(t, ctx, "ready-1")
	if got := get("/readyz"); got != http.StatusOK {
		t.Errorf("/readyz while running = %d, want 200", got)
	}
}

func TestApplyConfig(t *testing.T) {
	f := newFixture(t, nil)

	f.app.ApplyConfig(config.ConfigDiff{
		AutoEndChanged:  true,
		NewAutoEnd:      true,
		PersonaChanged:  true,
		NewPersona:      config.PersonaConfig{Name: "Gatekeeper", ID: "gk"},
		RestartRequired: []string{"audio"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.run(t, ctx, "persona-1")

	starts, _, _ := f.svc.snapshot()
	if len(starts) != 1 || starts[0]["personaName"] != "Gatekeeper" {
		t.Errorf("starts = %v, want persona Gatekeeper", starts)
	}
}

func TestReadyz_ScoringSessionEndedByService(t *testing.T) {
	var active sync.Mutex
	isActive := true
	scoringSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.Copy(io.Discard, r.Body)
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		active.Lock()
		ok := isActive
		active.Unlock()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"sessionId":"s","active":%t,"messageCount":0}`, ok)
	}))
	t.Cleanup(scoringSrv.Close)

	f := newFixture(t, func(cfg *config.Config) {
		cfg.Scoring.BaseURL = scoringSrv.URL
	})
	srv := httptest.NewServer(f.app.Handler())
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.run(t, ctx, "scored-1")

	readyz := func() (int, string) {
		t.Helper()
		resp, err := http.Get(srv.URL + "/readyz")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(body)
	}

	if code, body := readyz(); code != http.StatusOK {
		t.Fatalf("/readyz = %d %s, want 200", code, body)
	}

	active.Lock()
	isActive = false
	active.Unlock()
	code, body := readyz()
	if code != http.StatusServiceUnavailable || !strings.Contains(body, "scoring") {
		t.Errorf("/readyz = %d %s, want 503 naming scoring", code, body)
	}
	// The slot was released, so the next probe passes again.
	if code, body := readyz(); code != http.StatusOK {
		t.Errorf("/readyz after release = %d %s, want 200", code, body)
	}
}

func TestFeedbackJournal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feedback.jsonl")
	f := newFixture(t, func(cfg *config.Config) { cfg.Feedback.Path = path })
	f.svc.mu.Lock()
	f.svc.closing = []string{
		"event: behavior_update\ndata: {\"scores\":{\"rapport\":0.5,\"trust\":0.25,\"interest\":1},\"hint\":\"ask about budget\"}\n\n",
		"event: post_call_insights\ndata: {\"markdown\":\"## Summary\"}\n\n",
	}
	f.svc.mu.Unlock()

	errc := f.run(t, context.Background(), "journal-1")
	if err := f.app.Agent().End(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := wait(t, errc); err != nil {
		t.Fatalf("Run = %v", err)
	}

	records, err := feedback.NewFileStore(path).Load("journal-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("journal has %d records, want 2: %+v", len(records), records)
	}
	if r := records[0]; r.Kind != feedback.KindBehavior || r.Scores == nil || r.Scores.Trust != 0.25 || r.Persona != "Skeptical CFO" {
		t.Errorf("behavior record = %+v", r)
	}
	if r := records[1]; r.Kind != feedback.KindInsights || r.Markdown != "## Summary" {
		t.Errorf("insights record = %+v", r)
	}
}
