// Package playback turns independently arriving PCM buffers into a gap-free
// stream of scheduled playback units.
//
// A [Scheduler] places every unit on the output [Clock] at
// max(now, end of previous unit). Units are therefore strictly ordered and
// contiguous whenever they arrive faster than they play; when they arrive
// slower, scheduling restarts from "now" instead of chasing a stale cursor.
// No backpressure is applied: a producer that outruns playback simply adds
// latency.
package playback

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/rolecoach/pkg/audio"
)

// ErrInvalidBuffer is returned by [Scheduler.Enqueue] for buffers with no
// samples or no sample rate. Such buffers indicate a caller bug.
var ErrInvalidBuffer = errors.New("playback: invalid buffer")

// Clock reports the current position of the output device, measured from an
// arbitrary origin. It must be monotonic.
type Clock interface {
	Now() time.Duration
}

// Sink receives units in scheduling order. Play is called while the
// scheduler holds its lock and must not block or call back into the
// scheduler.
type Sink interface {
	Play(u Unit)
}

// Flusher is implemented by sinks that can discard audio they have already
// been handed. [Scheduler.Stop] calls Flush when available.
type Flusher interface {
	Flush()
}

// Unit is one decoded buffer with its place on the output clock.
type Unit struct {
	// Seq numbers units in arrival order, starting at 1.
	Seq uint64

	// Samples are mono float samples in [-1, 1).
	Samples []float32

	// SampleRate of Samples in Hz.
	SampleRate int

	// Start is the output-clock position at which the first sample plays.
	Start time.Duration
}

// Duration returns the playback length of the unit.
func (u Unit) Duration() time.Duration {
	return audio.SamplesDuration(len(u.Samples), u.SampleRate)
}

// End returns the output-clock position right after the last sample.
func (u Unit) End() time.Duration {
	return u.Start + u.Duration()
}

// Stats is a snapshot of scheduler counters.
type Stats struct {
	// Enqueued counts units scheduled since construction.
	Enqueued uint64

	// Underruns counts units that had to restart from "now" because the
	// previous unit had already finished.
	Underruns uint64

	// Stops counts calls to Stop.
	Stops uint64
}

// Option configures a [Scheduler].
type Option func(*Scheduler)

// WithOutputRate resamples every buffer to rate before scheduling. Zero
// disables resampling.
func WithOutputRate(rate int) Option {
	return func(s *Scheduler) {
		s.outputRate = rate
	}
}

// WithUnderrunHook registers fn to be called (with the scheduler lock held)
// whenever an underrun is detected.
func WithUnderrunHook(fn func()) Option {
	return func(s *Scheduler) {
		s.onUnderrun = fn
	}
}

// Scheduler schedules PCM buffers for gapless playback.
// All methods are safe for concurrent use.
type Scheduler struct {
	clock      Clock
	sink       Sink
	outputRate int
	onUnderrun func()

	mu      sync.Mutex
	queue   []Unit        // scheduled units that have not finished yet
	cursor  time.Duration // end of the last scheduled unit
	running bool          // whether anything was scheduled since the last Stop
	seq     uint64
	stats   Stats
}

// New creates a Scheduler that reads time from clock and hands units to
// sink. Both must be non-nil.
func New(clock Clock, sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		clock: clock,
		sink:  sink,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Enqueue converts buf to float samples, schedules it right after the
// previous unit (or now, whichever is later), and hands it to the sink.
// Ownership of buf.Samples passes to the scheduler.
func (s *Scheduler) Enqueue(buf audio.PCMBuffer) (Unit, error) {
	if len(buf.Samples) == 0 || buf.SampleRate <= 0 {
		return Unit{}, ErrInvalidBuffer
	}

	samples, rate := buf.Samples, buf.SampleRate
	if s.outputRate > 0 && rate != s.outputRate {
		samples = audio.ResampleMono16(samples, rate, s.outputRate)
		rate = s.outputRate
		if len(samples) == 0 {
			return Unit{}, ErrInvalidBuffer
		}
	}
	u := Unit{
		Samples:    audio.Int16sToFloats(samples),
		SampleRate: rate,
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.pruneLocked(now)

	u.Start = now
	if s.cursor > now {
		u.Start = s.cursor
	} else if s.running && s.cursor < now {
		s.stats.Underruns++
		if s.onUnderrun != nil {
			s.onUnderrun()
		}
		slog.Debug("playback: underrun, restarting from now",
			"gap", now-s.cursor,
		)
	}

	s.seq++
	u.Seq = s.seq
	s.cursor = u.End()
	s.running = true
	s.queue = append(s.queue, u)
	s.stats.Enqueued++

	s.sink.Play(u)
	return u, nil
}

// Stop clears the pending queue and resets the scheduling cursor so the next
// unit starts at "now". It is idempotent and safe whether or not anything is
// playing.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.queue = nil
	s.cursor = 0
	s.running = false
	s.stats.Stops++
	if f, ok := s.sink.(Flusher); ok {
		f.Flush()
	}
}

// Pending returns a copy of the units that have not finished playing.
func (s *Scheduler) Pending() []Unit {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pruneLocked(s.clock.Now())
	out := make([]Unit, len(s.queue))
	copy(out, s.queue)
	return out
}

// Cursor returns the output-clock position at which the next contiguous unit
// would start. It is zero after Stop.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

// Stats returns the current counters.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// pruneLocked drops finished units from the head of the queue.
func (s *Scheduler) pruneLocked(now time.Duration) {
	i := 0
	for i < len(s.queue) && s.queue[i].End() <= now {
		i++
	}
	if i > 0 {
		s.queue = append(s.queue[:0], s.queue[i:]...)
	}
}
