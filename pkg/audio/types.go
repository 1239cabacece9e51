// Package audio defines the sample containers that flow through the voice
// pipeline and the conversions between them.
//
// Two representations exist:
//
//   - [FrameBatch]: one processing quantum of interleaved float32 samples as
//     delivered by the capture device. Ephemeral; consumed immediately.
//   - [PCMBuffer]: mono int16 samples derived from one FrameBatch (capture
//     side) or received from the remote service (playback side). A PCMBuffer
//     has exactly one owner at a time; handing it to the next stage transfers
//     ownership and the sender must not touch the slice afterwards.
//
// Helpers in this package convert between float and integer samples and
// between int16 slices and their little-endian wire encoding.
package audio

import "time"

// FrameBatch is a fixed-length block of interleaved per-channel samples for
// one processing quantum. Samples are in the range [-1, 1].
type FrameBatch struct {
	// Samples holds Frames()*Channels interleaved values.
	Samples []float32

	// Channels is the number of interleaved channels (1 = mono, 2 = stereo).
	Channels int

	// SampleRate in Hz.
	SampleRate int
}

// Frames returns the number of sample frames in the batch, or 0 if the batch
// is malformed.
func (b FrameBatch) Frames() int {
	if !b.Valid() {
		return 0
	}
	return len(b.Samples) / b.Channels
}

// Valid reports whether the batch is non-empty and its sample count is a
// whole multiple of the channel count.
func (b FrameBatch) Valid() bool {
	return b.Channels > 0 && len(b.Samples) > 0 && len(b.Samples)%b.Channels == 0
}

// PCMBuffer is a mono 16-bit signed PCM sample array.
type PCMBuffer struct {
	Samples []int16

	// SampleRate in Hz. Must be > 0 for [PCMBuffer.Duration] to be meaningful.
	SampleRate int
}

// Duration returns the playback length of the buffer.
func (b PCMBuffer) Duration() time.Duration {
	return SamplesDuration(len(b.Samples), b.SampleRate)
}

// SamplesDuration returns how long n mono samples last at sampleRate.
func SamplesDuration(n, sampleRate int) time.Duration {
	if sampleRate <= 0 {
		return 0
	}
	return time.Duration(int64(n) * int64(time.Second) / int64(sampleRate))
}
