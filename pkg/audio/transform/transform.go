// Package transform converts captured multi-channel float audio into mono
// 16-bit PCM at real-time cadence.
//
// [Transform.Process] is designed to be called directly from a capture
// device's real-time callback. It never blocks and never panics: each valid
// quantum yields exactly one [audio.PCMBuffer] that is handed to the consumer
// through a bounded channel, transferring ownership of the sample slice. When
// the consumer falls behind the buffer is dropped and counted instead of
// stalling the audio thread.
package transform

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/rolecoach/pkg/audio"
)

const (
	// DefaultGain compensates for the attenuation typical of laptop and
	// headset microphones.
	DefaultGain = 1.4

	// DefaultQuantum is the number of sample frames per processing quantum.
	DefaultQuantum = 128

	// DefaultCapacity is the number of PCM buffers the hand-off channel holds
	// before new buffers are dropped. 64 quanta of 128 frames at 16 kHz is
	// roughly half a second.
	DefaultCapacity = 64
)

// Option configures a [Transform] during construction.
type Option func(*Transform)

// WithGain sets the linear gain applied after downmixing. Values <= 0 are
// ignored.
func WithGain(g float64) Option {
	return func(t *Transform) {
		if g > 0 {
			t.gain = float32(g)
		}
	}
}

// WithCapacity sets the hand-off channel capacity. Values <= 0 are ignored.
func WithCapacity(n int) Option {
	return func(t *Transform) {
		if n > 0 {
			t.capacity = n
		}
	}
}

// WithDropHook registers fn to be called (on the real-time goroutine) every
// time a quantum is dropped. fn must be cheap and must not block.
func WithDropHook(fn func()) Option {
	return func(t *Transform) {
		t.onDrop = fn
	}
}

// Stats is a snapshot of transform counters.
type Stats struct {
	// Processed counts buffers handed off to the consumer.
	Processed uint64

	// Dropped counts valid quanta that could not be handed off because the
	// channel was full, or whose processing panicked.
	Dropped uint64

	// Malformed counts empty or ragged batches that were skipped.
	Malformed uint64
}

// Transform downmixes, amplifies, and quantises capture batches.
//
// Process may be called from one goroutine while Close is called from
// another; all other methods are safe for concurrent use.
type Transform struct {
	gain     float32
	capacity int
	onDrop   func()

	mu     sync.RWMutex // guards closed against concurrent Process/Close
	closed bool
	out    chan audio.PCMBuffer

	processed atomic.Uint64
	dropped   atomic.Uint64
	malformed atomic.Uint64
}

// New creates a Transform with [DefaultGain] and [DefaultCapacity] unless
// overridden by opts.
func New(opts ...Option) *Transform {
	t := &Transform{
		gain:     DefaultGain,
		capacity: DefaultCapacity,
	}
	for _, o := range opts {
		o(t)
	}
	t.out = make(chan audio.PCMBuffer, t.capacity)
	return t
}

// Output returns the channel on which PCM buffers are delivered in
// production order. It is closed by [Transform.Close].
func (t *Transform) Output() <-chan audio.PCMBuffer {
	return t.out
}

// Process converts one batch and hands the result off. It reports whether a
// buffer was delivered. Empty or malformed batches and batches arriving after
// Close are no-ops.
func (t *Transform) Process(batch audio.FrameBatch) (delivered bool) {
	defer func() {
		if r := recover(); r != nil {
			delivered = false
			t.dropped.Add(1)
		}
	}()

	if !batch.Valid() {
		t.malformed.Add(1)
		return false
	}

	buf := audio.PCMBuffer{
		Samples:    t.downmix(batch),
		SampleRate: batch.SampleRate,
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.closed {
		return false
	}
	select {
	case t.out <- buf:
		t.processed.Add(1)
		return true
	default:
		t.drop()
		return false
	}
}

// downmix averages channels, applies gain, and quantises to int16.
func (t *Transform) downmix(batch audio.FrameBatch) []int16 {
	ch := batch.Channels
	frames := len(batch.Samples) / ch
	out := make([]int16, frames)
	scale := t.gain / float32(ch)
	for i := range frames {
		var sum float32
		for c := range ch {
			sum += batch.Samples[i*ch+c]
		}
		out[i] = audio.FloatToInt16(sum * scale)
	}
	return out
}

func (t *Transform) drop() {
	t.dropped.Add(1)
	if t.onDrop == nil {
		return
	}
	defer func() { _ = recover() }()
	t.onDrop()
}

// Close stops accepting batches and closes the output channel. Buffers
// already queued remain readable. Close is idempotent.
func (t *Transform) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	close(t.out)

	st := t.Stats()
	slog.Debug("transform: closed",
		"processed", st.Processed,
		"dropped", st.Dropped,
		"malformed", st.Malformed,
	)
}

// Stats returns the current counters.
func (t *Transform) Stats() Stats {
	return Stats{
		Processed: t.processed.Load(),
		Dropped:   t.dropped.Load(),
		Malformed: t.malformed.Load(),
	}
}
