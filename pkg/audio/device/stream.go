package device

import (
	"sync"
	"time"

	"github.com/MrWong99/rolecoach/pkg/audio"
	"github.com/MrWong99/rolecoach/pkg/audio/playback"
)

// queued is a unit converted to frame positions.
type queued struct {
	start   int64
	samples []float32
}

func (q queued) end() int64 { return q.start + int64(len(q.samples)) }

// stream renders queued units into a continuous mono float32 byte stream.
// The oto player pulls from it through Read; every frame read advances the
// clock whether it carried audio or silence.
type stream struct {
	rate int

	mu    sync.Mutex
	pos   int64 // frames rendered so far
	units []queued
}

func newStream(rate int) *stream {
	return &stream{rate: rate}
}

// Now implements playback.Clock.
func (s *stream) Now() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return audio.SamplesDuration(int(s.pos), s.rate)
}

// Play implements playback.Sink. Start positions within one frame of the
// previous unit's end are snapped to it so rounding never opens a gap or an
// overlap between contiguous units.
func (s *stream) Play(u playback.Unit) {
	samples := u.Samples
	if u.SampleRate != s.rate {
		samples = audio.Int16sToFloats(audio.ResampleMono16(floatsToInt16s(samples), u.SampleRate, s.rate))
	}
	start := int64(u.Start) * int64(s.rate) / int64(time.Second)

	s.mu.Lock()
	defer s.mu.Unlock()
	if n := len(s.units); n > 0 {
		prevEnd := s.units[n-1].end()
		if d := start - prevEnd; d >= -1 && d <= 1 {
			start = prevEnd
		}
	}
	s.units = append(s.units, queued{start: start, samples: samples})
}

// Flush implements playback.Flusher.
func (s *stream) Flush() {
	s.mu.Lock()
	s.units = nil
	s.mu.Unlock()
}

// Read fills p with little-endian float32 frames. It never blocks and never
// fails; frames with nothing scheduled are silent.
func (s *stream) Read(p []byte) (int, error) {
	frames := len(p) / 4
	out := make([]float32, frames)

	s.mu.Lock()
	for i := range frames {
		f := s.pos + int64(i)
		for len(s.units) > 0 && s.units[0].end() <= f {
			s.units = s.units[1:]
		}
		if len(s.units) > 0 && f >= s.units[0].start {
			out[i] = s.units[0].samples[f-s.units[0].start]
		}
	}
	s.pos += int64(frames)
	s.mu.Unlock()

	return audio.EncodeFloat32(p, out), nil
}

func floatsToInt16s(in []float32) []int16 {
	out := make([]int16, len(in))
	for i, f := range in {
		out[i] = audio.FloatToInt16(f)
	}
	return out
}
