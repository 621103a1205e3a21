package conversation

import "errors"

// Errors reported by the conversation components. None of them is fatal: each
// resolves to dropping the event, skipping a chunk, or returning to listening.
var (
	// ErrInvalidTransition is returned by [StateMachine.Fire] when the event
	// has no edge out of the current state. The event is not applied.
	ErrInvalidTransition = errors.New("conversation: invalid transition")

	// ErrDuplicateUtterance marks a submission that repeats the last accepted
	// utterance inside the dedupe window.
	ErrDuplicateUtterance = errors.New("conversation: duplicate utterance")

	// ErrPlayback wraps a failure reported by the audio device for one chunk.
	ErrPlayback = errors.New("conversation: playback failed")

	// ErrPlaybackBusy is returned by [PlaybackLock.TryAcquire] while another
	// task is playing.
	ErrPlaybackBusy = errors.New("conversation: playback lock held")

	// ErrUpstreamStream marks a reply stream that broke off before its end.
	ErrUpstreamStream = errors.New("conversation: reply stream broke off")

	// ErrStreamStalled is wrapped with [ErrUpstreamStream] when an open reply
	// stream sends nothing for longer than the idle timeout.
	ErrStreamStalled = errors.New("conversation: reply stream stalled")

	// ErrStuckState is the cause recorded when the safety timer forces the
	// conversation back to listening.
	ErrStuckState = errors.New("conversation: stuck state timeout")

	// ErrNoResponse is returned by [SpeechQueue.Enqueue] when no response is
	// open.
	ErrNoResponse = errors.New("conversation: no open response")

	// ErrDuplicateChunk is returned by [SpeechQueue.Enqueue] for a sequence
	// number that was already enqueued.
	ErrDuplicateChunk = errors.New("conversation: duplicate chunk sequence")

	// ErrEmptyReply is the recovery cause for a reply with no speakable text.
	ErrEmptyReply = errors.New("conversation: reply had nothing to say")
)
