// Package llm defines the Provider interface for the text-generation service
// that answers each finalized user utterance.
//
// The conversation controller only ever needs a streamed reply: it sends the
// recent history once per accepted utterance and turns the incremental text
// into speakable chunks as it arrives. Provider therefore exposes a single
// streaming call.
//
// Implementors must be safe for concurrent use. Channels returned by
// StreamCompletion must be closed by the implementation when the stream ends or
// when the supplied context is cancelled.
package llm

import "context"

// CompletionRequest carries everything the model needs to produce a reply.
// At minimum Messages must be non-empty.
type CompletionRequest struct {
	// Messages is the ordered conversation history. The last message is the
	// user utterance being answered.
	Messages []Message

	// SystemPrompt is an optional instruction injected before the history.
	SystemPrompt string

	// Temperature controls output randomness in the range [0.0, 2.0]. Zero
	// means the provider default.
	Temperature float64

	// MaxTokens caps the number of generated tokens. Zero means the provider
	// default.
	MaxTokens int
}

// FinishReasonError marks the last chunk of a stream that broke off because
// of a transport or provider error. Chunk.Err carries the cause.
const FinishReasonError = "error"

// Chunk is a single text fragment emitted by a streaming completion.
type Chunk struct {
	// Text is the incremental text content of this chunk. May be empty on the
	// final chunk.
	Text string

	// FinishReason is set on the final chunk: "stop", "length",
	// [FinishReasonError], or "" for non-final chunks.
	FinishReason string

	// Err is set when FinishReason is [FinishReasonError].
	Err error
}

// Provider is the abstraction over the message-send API.
type Provider interface {
	// StreamCompletion sends req to the model and returns a read-only channel
	// that emits Chunk values as they arrive. The channel is closed when
	// generation finishes or when ctx is cancelled.
	//
	// A non-nil error means the request was never accepted (bad credentials,
	// connection refused). Errors after the stream opened arrive as a final
	// chunk with FinishReason [FinishReasonError]. The returned channel is
	// never nil when error is nil.
	StreamCompletion(ctx context.Context, req CompletionRequest) (<-chan Chunk, error)
}
