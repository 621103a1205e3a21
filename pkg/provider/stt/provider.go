// Package stt defines the Provider interface for server-side speech
// recognition.
//
// Browsers usually recognise speech themselves and post transcripts to the
// gateway. When they cannot, the gateway forwards raw microphone PCM to an STT
// session instead and feeds the resulting Transcript events to the same
// controller entry points.
//
// Implementations must be safe for concurrent use.
package stt

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by SendAudio after Close.
var ErrSessionClosed = errors.New("stt: session is closed")

// StreamConfig describes the audio format and recognition hints for a new
// session.
type StreamConfig struct {
	// SampleRate is the audio sample rate in Hz, typically 16000.
	SampleRate int

	// Channels is the number of interleaved channels. 1 = mono.
	Channels int

	// Language is the BCP-47 language tag for recognition (e.g., "en-US").
	// Empty lets the provider use its default.
	Language string

	// Keywords are vocabulary hints.
	Keywords []KeywordBoost
}

// SessionHandle represents an open streaming recognition session.
//
// Callers must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a chunk of 16-bit little-endian PCM matching the
	// StreamConfig. It returns [ErrSessionClosed] after Close.
	SendAudio(chunk []byte) error

	// Transcripts returns the ordered stream of recognition events. Partials,
	// finals, and speech-end markers share one channel so their relative order
	// is preserved. The channel is closed when the session ends.
	Transcripts() <-chan Transcript

	// Close flushes pending audio and releases the session. Calling Close more
	// than once is safe and returns nil.
	Close() error
}

// Provider opens recognition sessions.
type Provider interface {
	// StartStream opens a new session. The returned SessionHandle accepts
	// audio immediately.
	StartStream(ctx context.Context, cfg StreamConfig) (SessionHandle, error)
}
