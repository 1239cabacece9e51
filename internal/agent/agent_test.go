package agent_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/rolecoach/internal/agent"
	"github.com/MrWong99/rolecoach/internal/agent/mock"
	"github.com/MrWong99/rolecoach/internal/coach"
	"github.com/MrWong99/rolecoach/internal/resource"
	"github.com/MrWong99/rolecoach/internal/scoring"
	scoringmock "github.com/MrWong99/rolecoach/internal/scoring/mock"
	"github.com/MrWong99/rolecoach/internal/session"
	sessionmock "github.com/MrWong99/rolecoach/internal/session/mock"
	"github.com/MrWong99/rolecoach/internal/uplink"
	"github.com/MrWong99/rolecoach/pkg/audio"
)

// rig is one agent wired to in-memory collaborators.
type rig struct {
	reg    *resource.Registry
	remote *sessionmock.Remote
	proto  *session.Protocol
	collab *scoringmock.Collaborator
	guard  *scoring.Guard
	devs   *mock.Devices
	link   *mock.Transport
	agent  *agent.Agent
}

type rigOptions struct {
	name  string
	cfg   agent.Config
	reg   *resource.Registry
	slot  *scoring.Ownership
	dial  agent.Dialer
	grace time.Duration
}

func newRig(t *testing.T, o rigOptions) *rig {
	t.Helper()
	if o.reg == nil {
		o.reg = resource.NewRegistry()
	}
	if o.slot == nil {
		o.slot = scoring.NewOwnership()
	}
	if o.name == "" {
		o.name = "agent"
	}
	if o.grace == 0 {
		o.grace = 200 * time.Millisecond
	}
	r := &rig{
		reg:    o.reg,
		remote: &sessionmock.Remote{},
		collab: &scoringmock.Collaborator{},
		devs:   &mock.Devices{},
		link:   mock.NewTransport(),
	}
	r.proto = session.New(r.remote, session.WithEndGrace(o.grace))
	t.Cleanup(func() { _ = r.proto.Close(context.Background()) })
	r.guard = scoring.NewGuard(o.name, o.slot, r.collab)

	if o.dial == nil {
		o.dial = r.link.Dialer()
	}
	cfg := o.cfg
	cfg.Name = o.name
	if cfg.PersonaName == "" {
		cfg.PersonaName = "Skeptical CFO"
		cfg.PersonaID = "cfo"
	}
	a, err := agent.New(cfg, agent.Deps{
		Registry: r.reg,
		Protocol: r.proto,
		Guard:    r.guard,
		Devices:  r.devs,
		Dial:     o.dial,
	})
	if err != nil {
		t.Fatalf("agent.New: %v", err)
	}
	r.agent = a
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = a.Close(ctx)
	})
	return r
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func event(typ coach.EventType, data string) coach.Event {
	return coach.Event{Type: typ, Data: json.RawMessage(data)}
}

func stereoQuantum() audio.FrameBatch {
	s := make([]float32, 256)
	for i := range s {
		s[i] = 0.25
	}
	return audio.FrameBatch{Samples: s, Channels: 2, SampleRate: 16000}
}

func TestNew_RequiresDeps(t *testing.T) {
	if _, err := agent.New(agent.Config{}, agent.Deps{}); err == nil {
		t.Fatal("New with no deps succeeded")
	}
}

func TestStart_OpensPipeline(t *testing.T) {
	r := newRig(t, rigOptions{})
	ctx := context.Background()

	if err := r.agent.Start(ctx, "s1"); err != nil {
		t.Fatal(err)
	}
	if got := r.agent.State(); got != agent.StateRunning {
		t.Fatalf("state = %v, want running", got)
	}
	if r.agent.SessionID() != "s1" {
		t.Errorf("session id = %q", r.agent.SessionID())
	}

	counts := map[resource.Kind]int{
		resource.KindNode:    3,
		resource.KindStream:  2,
		resource.KindContext: 1,
	}
	for k, want := range counts {
		if got := r.reg.Count(k); got != want {
			t.Errorf("registry %v = %d, want %d", k, got, want)
		}
	}

	if len(r.remote.StartCalls) != 1 || r.remote.StartCalls[0] != (sessionmock.StartCall{SessionID: "s1", PersonaName: "Skeptical CFO"}) {
		t.Errorf("coach start calls = %+v", r.remote.StartCalls)
	}
	if len(r.collab.StartCalls) != 1 || r.collab.StartCalls[0].PersonaID != "cfo" {
		t.Errorf("scoring start calls = %+v", r.collab.StartCalls)
	}

	if err := r.agent.Start(ctx, "s2"); !errors.Is(err, agent.ErrBusy) {
		t.Errorf("second Start = %v, want ErrBusy", err)
	}
}

func TestStart_GeneratesSessionID(t *testing.T) {
	r := newRig(t, rigOptions{})
	if err := r.agent.Start(context.Background(), ""); err != nil {
		t.Fatal(err)
	}
	if id := r.agent.SessionID(); len(id) != 36 {
		t.Errorf("session id = %q, want a UUID", id)
	}
}

func TestMicrophoneReachesUplink(t *testing.T) {
	r := newRig(t, rigOptions{cfg: agent.Config{Gain: 2}})
	if err := r.agent.Start(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	r.devs.Feed(stereoQuantum())
	r.devs.Feed(audio.FrameBatch{Channels: 2, SampleRate: 16000})

	eventually(t, "uplink buffer", func() bool { return len(r.link.Sent()) == 1 })
	buf := r.link.Sent()[0]
	if len(buf.Samples) != 128 || buf.SampleRate != 16000 {
		t.Fatalf("buffer = %d samples @ %d Hz", len(buf.Samples), buf.SampleRate)
	}
	if want := audio.FloatToInt16(0.5); buf.Samples[0] != want {
		t.Errorf("sample = %d, want %d", buf.Samples[0], want)
	}
}

func TestPlaybackIsGaplessAndInterruptible(t *testing.T) {
	r := newRig(t, rigOptions{cfg: agent.Config{OutputRate: 24000}})
	if err := r.agent.Start(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	spk := r.devs.Speaker(0)

	for range 2 {
		r.link.Audio(audio.PCMBuffer{Samples: make([]int16, 2400), SampleRate: 24000})
	}
	r.link.Audio(audio.PCMBuffer{SampleRate: 24000})
	eventually(t, "two units", func() bool { return len(spk.Played()) == 2 })

	units := spk.Played()
	if units[0].Start != 0 || units[1].Start != units[0].End() {
		t.Errorf("units not contiguous: %v..%v then %v", units[0].Start, units[0].End(), units[1].Start)
	}

	r.link.Interrupt()
	eventually(t, "flush", func() bool { return spk.Flushes() == 1 })
}

func TestTranscriptsForwarded(t *testing.T) {
	r := newRig(t, rigOptions{})
	if err := r.agent.Start(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}

	r.link.Transcript(uplink.Transcript{Speaker: "user", Text: "our churn is", Final: false})
	r.link.Transcript(uplink.Transcript{Speaker: "user", Text: "our churn is 4%", Final: true})
	r.link.Transcript(uplink.Transcript{Speaker: "user", Text: "our churn is 4%", Final: true})
	r.link.Transcript(uplink.Transcript{Text: "   ", Final: true})

	eventually(t, "observations", func() bool {
		_, observe, _, _ := r.remote.Counts()
		return observe == 2
	})
	r.proto.Wait()
	for _, c := range r.remote.ObserveCalls {
		if c.Text != "our churn is 4%" || c.Speaker != "user" {
			t.Errorf("observe call = %+v", c)
		}
	}
	if n := len(r.collab.MessageCalls); n != 1 {
		t.Errorf("scoring messages = %d, want 1 (duplicate dropped)", n)
	}
}

func TestTransportFailurePausesAndResumes(t *testing.T) {
	first, second := mock.NewTransport(), mock.NewTransport()
	var mu sync.Mutex
	links := []*mock.Transport{first, second}
	dial := func(ctx context.Context, id string) (agent.Transport, error) {
		mu.Lock()
		defer mu.Unlock()
		l := links[0]
		links = links[1:]
		return l.Dialer()(ctx, id)
	}

	r := newRig(t, rigOptions{dial: dial})
	ctx := context.Background()
	if err := r.agent.Start(ctx, "s1"); err != nil {
		t.Fatal(err)
	}

	first.Fail(errors.New("connection reset"))
	eventually(t, "paused", func() bool { return r.agent.State() == agent.StatePaused })

	if err := r.agent.Resume(ctx); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if r.agent.State() != agent.StateRunning {
		t.Fatalf("state = %v, want running", r.agent.State())
	}
	if !first.Closed() || !r.devs.Speaker(0).Closed() || !r.devs.Capture(0).Released() {
		t.Error("failed pipeline not released before resume")
	}
	if r.reg.Len() != 6 {
		t.Errorf("registry holds %d resources, want 6", r.reg.Len())
	}

	if err := r.agent.Resume(ctx); err == nil {
		t.Error("Resume while running succeeded")
	}
}

func TestAudioFailureLeavesSessionPaused(t *testing.T) {
	tests := []struct {
		name  string
		setup func(r *rig)
	}{
		{name: "capture", setup: func(r *rig) { r.devs.CaptureError = errors.New("no microphone") }},
		{name: "speaker", setup: func(r *rig) { r.devs.SpeakerError = errors.New("no output") }},
		{name: "uplink", setup: func(r *rig) { r.link.DialError = errors.New("refused") }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newRig(t, rigOptions{})
			tt.setup(r)
			if err := r.agent.Start(context.Background(), "s1"); err != nil {
				t.Fatalf("Start = %v, want nil", err)
			}
			if r.agent.State() != agent.StatePaused {
				t.Errorf("state = %v, want paused", r.agent.State())
			}
			if r.reg.Len() != 0 {
				t.Errorf("registry holds %d resources after failed start", r.reg.Len())
			}
			if r.proto.State() != session.StateActive {
				t.Errorf("coaching session = %v, want active", r.proto.State())
			}
		})
	}
}

func TestCoachingUnavailableStillRuns(t *testing.T) {
	r := newRig(t, rigOptions{})
	r.remote.StartError = errors.New("503")
	if err := r.agent.Start(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	if r.agent.State() != agent.StateRunning {
		t.Fatalf("state = %v, want running", r.agent.State())
	}

	done := r.agent.Done()
	if err := r.agent.End(context.Background()); err != nil {
		t.Fatal(err)
	}
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Done not closed")
	}
	if r.agent.State() != agent.StateIdle || r.reg.Len() != 0 {
		t.Errorf("state = %v, registry = %d", r.agent.State(), r.reg.Len())
	}
}

func TestTerminationIntentEndsAutomatically(t *testing.T) {
	r := newRig(t, rigOptions{cfg: agent.Config{AutoEnd: true}})
	if err := r.agent.Start(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	done := r.agent.Done()
	ch := r.remote.Channel(0)

	ch.Send(event(coach.EventTerminationIntent, `{"phrase":"let's wrap up"}`))
	eventually(t, "remote end", func() bool {
		_, _, end, _ := r.remote.Counts()
		return end == 1
	})
	if r.proto.State() != session.StateEnding {
		t.Errorf("protocol = %v, want ending", r.proto.State())
	}
	if !r.link.Closed() {
		t.Error("uplink still open after automatic end")
	}
	if ends := r.collab.Ends(); len(ends) != 1 || ends[0] != "s1" {
		t.Errorf("scoring ends = %v", ends)
	}
	if infos := r.collab.Infos(); len(infos) != 1 || infos[0] != "s1" {
		t.Errorf("scoring summary lookups = %v, want one for s1 before the end", infos)
	}

	ch.Send(event(coach.EventPostCallInsights, `{"markdown":"# Good call"}`))
	ch.Send(event(coach.EventSessionEnd, ``))
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("conversation did not close after session_end")
	}
	eventually(t, "idle", func() bool { return r.agent.State() == agent.StateIdle })
	if r.reg.Len() != 0 {
		t.Errorf("registry holds %d resources", r.reg.Len())
	}
}

func TestTerminationIntentIgnoredWithoutAutoEnd(t *testing.T) {
	r := newRig(t, rigOptions{})
	if err := r.agent.Start(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	r.remote.Channel(0).Send(event(coach.EventTerminationIntent, `{}`))
	time.Sleep(20 * time.Millisecond)
	if r.agent.State() != agent.StateRunning || r.proto.State() != session.StateActive {
		t.Errorf("agent = %v, protocol = %v", r.agent.State(), r.proto.State())
	}

	r.agent.SetAutoEnd(true)
	r.remote.Channel(0).Send(event(coach.EventTerminationIntent, `{}`))
	eventually(t, "ending", func() bool { return r.proto.State() == session.StateEnding })
}

func TestClose_FallsBackWhenSessionEndNeverArrives(t *testing.T) {
	r := newRig(t, rigOptions{grace: 20 * time.Millisecond})
	if err := r.agent.Start(context.Background(), "s1"); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.agent.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if r.agent.State() != agent.StateIdle || r.reg.Len() != 0 {
		t.Errorf("state = %v, registry = %d", r.agent.State(), r.reg.Len())
	}
	if !r.remote.Channel(0).Closed() {
		t.Error("event channel still open")
	}
}

func TestSecondAgentTakesOverSharedResources(t *testing.T) {
	reg := resource.NewRegistry()
	slot := scoring.NewOwnership()
	a := newRig(t, rigOptions{name: "a", reg: reg, slot: slot})
	b := newRig(t, rigOptions{name: "b", reg: reg, slot: slot})
	ctx := context.Background()

	if err := a.agent.Start(ctx, "s-a"); err != nil {
		t.Fatal(err)
	}
	if err := b.agent.Start(ctx, "s-b"); err != nil {
		t.Fatal(err)
	}

	if !a.devs.Capture(0).Released() || !a.devs.Speaker(0).Closed() || !a.link.Closed() {
		t.Error("first agent's devices not force-released")
	}
	eventually(t, "first agent paused", func() bool { return a.agent.State() == agent.StatePaused })

	if b.agent.State() != agent.StateRunning {
		t.Errorf("second agent = %v, want running", b.agent.State())
	}
	if n := b.collab.Total(); n != 0 {
		t.Errorf("second agent made %d scoring calls while the first owned the slot", n)
	}
	if held, owner := slot.Current(); held != "s-a" || owner != "a" {
		t.Errorf("slot = %q/%q", held, owner)
	}
	if reg.Len() != 6 {
		t.Errorf("registry holds %d resources, want 6", reg.Len())
	}
}
