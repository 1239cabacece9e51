package device

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ebitengine/oto/v3"

	"github.com/MrWong99/rolecoach/pkg/audio/playback"
)

// speakerBufferSize is the oto output buffer. Smaller means lower latency
// but a higher risk of glitches.
const speakerBufferSize = 40 * time.Millisecond

// oto allows a single context per process; it is created on first use and
// never torn down.
var (
	otoOnce sync.Once
	otoCtx  *oto.Context
	otoRate int
	otoErr  error
)

func sharedContext(sampleRate int) (*oto.Context, error) {
	otoOnce.Do(func() {
		ctx, ready, err := oto.NewContext(&oto.NewContextOptions{
			SampleRate:   sampleRate,
			ChannelCount: 1,
			Format:       oto.FormatFloat32LE,
			BufferSize:   speakerBufferSize,
		})
		if err != nil {
			otoErr = fmt.Errorf("device: init output context: %w", err)
			return
		}
		<-ready
		otoCtx = ctx
		otoRate = sampleRate
	})
	if otoErr != nil {
		return nil, otoErr
	}
	if otoRate != sampleRate {
		return nil, fmt.Errorf("device: output context already running at %d Hz, requested %d Hz", otoRate, sampleRate)
	}
	return otoCtx, nil
}

// Speaker plays scheduled units on the default output device. It implements
// [playback.Sink], [playback.Flusher], and [playback.Clock].
type Speaker struct {
	stream *stream

	mu     sync.Mutex
	player *oto.Player
}

var (
	_ playback.Sink    = (*Speaker)(nil)
	_ playback.Flusher = (*Speaker)(nil)
	_ playback.Clock   = (*Speaker)(nil)
)

// OpenSpeaker starts a mono float32 output stream at sampleRate.
func OpenSpeaker(sampleRate int) (*Speaker, error) {
	if sampleRate <= 0 {
		return nil, errors.New("device: speaker sample rate must be > 0")
	}
	ctx, err := sharedContext(sampleRate)
	if err != nil {
		return nil, err
	}
	s := &Speaker{stream: newStream(sampleRate)}
	s.player = ctx.NewPlayer(s.stream)
	s.player.Play()

	slog.Info("device: speaker started", "sample_rate", sampleRate)
	return s, nil
}

// Now returns how much audio the device has pulled since the speaker opened.
func (s *Speaker) Now() time.Duration { return s.stream.Now() }

// Play queues u for rendering at u.Start.
func (s *Speaker) Play(u playback.Unit) { s.stream.Play(u) }

// Flush discards all queued units; the device keeps running and renders
// silence.
func (s *Speaker) Flush() { s.stream.Flush() }

// Close stops the output player. Safe to call more than once.
func (s *Speaker) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.player == nil {
		return nil
	}
	s.stream.Flush()
	err := s.player.Close()
	s.player = nil
	if err != nil {
		return fmt.Errorf("device: close speaker: %w", err)
	}
	return nil
}
