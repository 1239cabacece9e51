package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a producer must be unblocked but
// its output is no longer needed (e.g. the transform output after the uplink
// has gone away).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
