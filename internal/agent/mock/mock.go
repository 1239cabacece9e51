// Package mock provides in-memory audio devices and transports for agent
// tests.
//
// All mocks are safe for concurrent use, record method calls, and expose
// exported fields for configuring return values.
//
// Example:
//
//	devs := &mock.Devices{}
//	link := mock.NewTransport()
//	a, _ := agent.New(cfg, agent.Deps{Devices: devs, Dial: link.Dialer(), ...})
//	devs.Feed(batch)            // microphone quantum
//	link.Transcript(t)          // service sends a transcript
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/rolecoach/internal/agent"
	"github.com/MrWong99/rolecoach/internal/uplink"
	"github.com/MrWong99/rolecoach/pkg/audio"
	"github.com/MrWong99/rolecoach/pkg/audio/device"
	"github.com/MrWong99/rolecoach/pkg/audio/playback"
)

var (
	_ agent.Devices   = (*Devices)(nil)
	_ agent.Speaker   = (*Speaker)(nil)
	_ agent.Capture   = (*Capture)(nil)
	_ agent.Transport = (*Transport)(nil)
)

// ─── Devices ──────────────────────────────────────────────────────────────────

// Devices is a mock [agent.Devices].
type Devices struct {
	mu sync.Mutex

	// CaptureError is returned by OpenCapture.
	CaptureError error

	// SpeakerError is returned by OpenSpeaker.
	SpeakerError error

	Captures []*Capture
	Speakers []*Speaker

	onBatch func(audio.FrameBatch)
}

// OpenCapture implements [agent.Devices].
func (d *Devices) OpenCapture(cfg device.CaptureConfig, onBatch func(audio.FrameBatch)) (agent.Capture, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.CaptureError != nil {
		return nil, d.CaptureError
	}
	c := &Capture{Config: cfg}
	d.Captures = append(d.Captures, c)
	d.onBatch = onBatch
	return c, nil
}

// OpenSpeaker implements [agent.Devices].
func (d *Devices) OpenSpeaker(sampleRate int) (agent.Speaker, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.SpeakerError != nil {
		return nil, d.SpeakerError
	}
	s := &Speaker{SampleRate: sampleRate}
	d.Speakers = append(d.Speakers, s)
	return s, nil
}

// Feed delivers b to the most recently opened capture callback, as the
// device thread would.
func (d *Devices) Feed(b audio.FrameBatch) {
	d.mu.Lock()
	fn := d.onBatch
	d.mu.Unlock()
	if fn != nil {
		fn(b)
	}
}

// Speaker returns the i-th opened speaker, or nil.
func (d *Devices) Speaker(i int) *Speaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.Speakers) {
		return nil
	}
	return d.Speakers[i]
}

// Capture returns the i-th opened capture, or nil.
func (d *Devices) Capture(i int) *Capture {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.Captures) {
		return nil
	}
	return d.Captures[i]
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock [agent.Capture].
type Capture struct {
	mu sync.Mutex

	Config device.CaptureConfig

	StopCalls  int
	CloseCalls int
}

// StopDevice implements [agent.Capture].
func (c *Capture) StopDevice() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.StopCalls++
	return nil
}

// CloseContext implements [agent.Capture].
func (c *Capture) CloseContext() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CloseCalls++
	return nil
}

// Released reports whether both the device and the context were released.
func (c *Capture) Released() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.StopCalls > 0 && c.CloseCalls > 0
}

// ─── Speaker ──────────────────────────────────────────────────────────────────

// Speaker is a mock [agent.Speaker] with a manually advanced clock.
type Speaker struct {
	mu sync.Mutex

	SampleRate int

	now        time.Duration
	played     []playback.Unit
	flushCalls int
	closeCalls int
}

// Now implements [playback.Clock].
func (s *Speaker) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.now
}

// Advance moves the clock forward by d.
func (s *Speaker) Advance(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now += d
}

// Play implements [playback.Sink].
func (s *Speaker) Play(u playback.Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.played = append(s.played, u)
}

// Flush implements [playback.Flusher].
func (s *Speaker) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flushCalls++
}

// Close implements [agent.Speaker].
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCalls++
	return nil
}

// Played returns a copy of the units handed to Play.
func (s *Speaker) Played() []playback.Unit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]playback.Unit(nil), s.played...)
}

// Flushes returns how many times Flush was called.
func (s *Speaker) Flushes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flushCalls
}

// Closed reports whether Close was called.
func (s *Speaker) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCalls > 0
}

// ─── Transport ────────────────────────────────────────────────────────────────

// Transport is a mock [agent.Transport]. Pump records buffers; Run delivers
// whatever the test injects.
type Transport struct {
	mu sync.Mutex

	// DialError is returned by the Dialer instead of the transport.
	DialError error

	DialCalls []string
	sent      []audio.PCMBuffer
	closed    bool

	frames chan func(context.Context, uplink.Handler)
	fail   chan error
	done   chan struct{}
}

// NewTransport returns a transport ready to dial.
func NewTransport() *Transport {
	return &Transport{
		frames: make(chan func(context.Context, uplink.Handler), 64),
		fail:   make(chan error, 1),
		done:   make(chan struct{}),
	}
}

// Dialer returns an [agent.Dialer] that hands out t.
func (t *Transport) Dialer() agent.Dialer {
	return func(_ context.Context, sessionID string) (agent.Transport, error) {
		t.mu.Lock()
		defer t.mu.Unlock()
		t.DialCalls = append(t.DialCalls, sessionID)
		if t.DialError != nil {
			return nil, t.DialError
		}
		return t, nil
	}
}

// Pump implements [agent.Transport].
func (t *Transport) Pump(ctx context.Context, in <-chan audio.PCMBuffer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.done:
			return nil
		case buf, ok := <-in:
			if !ok {
				return nil
			}
			t.mu.Lock()
			t.sent = append(t.sent, buf)
			t.mu.Unlock()
		}
	}
}

// Run implements [agent.Transport].
func (t *Transport) Run(ctx context.Context, h uplink.Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.done:
			return nil
		case err := <-t.fail:
			return err
		case f := <-t.frames:
			f(ctx, h)
		}
	}
}

// Close implements [agent.Transport]. It is safe to call more than once.
func (t *Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.closed {
		t.closed = true
		close(t.done)
	}
	return nil
}

// Audio injects a synthesized speech buffer.
func (t *Transport) Audio(buf audio.PCMBuffer) {
	t.frames <- func(ctx context.Context, h uplink.Handler) { h.HandleAudio(ctx, buf) }
}

// Transcript injects a transcript.
func (t *Transport) Transcript(tr uplink.Transcript) {
	t.frames <- func(ctx context.Context, h uplink.Handler) { h.HandleTranscript(ctx, tr) }
}

// Interrupt injects a barge-in interrupt.
func (t *Transport) Interrupt() {
	t.frames <- func(ctx context.Context, h uplink.Handler) { h.HandleInterrupt(ctx) }
}

// Fail makes Run return err.
func (t *Transport) Fail(err error) {
	t.fail <- err
}

// Sent returns a copy of the buffers Pump received.
func (t *Transport) Sent() []audio.PCMBuffer {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]audio.PCMBuffer(nil), t.sent...)
}

// Closed reports whether Close was called.
func (t *Transport) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
