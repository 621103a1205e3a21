package audio

// Drain reads from ch until it is closed, discarding every value. Callers use
// it on an abandoned stream so its producer can finish and exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
