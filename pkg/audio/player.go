// Package audio defines the playback and capture interfaces a conversation
// drives, the [Clip] type that synthesis produces, and WAV helpers for local
// synthesis backends.
package audio

import "context"

// Player is the audio output device. Play blocks until the clip has finished
// playing, the device reports an error, or ctx is cancelled.
//
// Implementations must tolerate Play being called from different goroutines
// over time, but callers never overlap two Play calls on the same Player.
type Player interface {
	Play(ctx context.Context, id string, clip Clip) error

	// Stop aborts whatever is currently playing. It is a no-op when idle.
	Stop()
}

// Microphone is the capture side that the conversation mutes while its own
// voice is audible.
type Microphone interface {
	Mute()
	Unmute()
}
