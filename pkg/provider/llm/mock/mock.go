// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify what the controller sends and to feed
// a scripted streamed reply without a live backend.
//
// Example:
//
//	p := &mock.Provider{
//	    StreamChunks: []llm.Chunk{{Text: "1. Turn off power. "}, {Text: "2. Remove the basket."}},
//	}
//	ch, err := p.StreamCompletion(ctx, req)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/handsfree/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Req is the CompletionRequest passed to StreamCompletion.
	Req llm.CompletionRequest
	// At is when the call was made.
	At time.Time
}

// Provider is a mock implementation of llm.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// StreamChunks is the sequence of Chunk values emitted on the channel
	// returned by StreamCompletion.
	StreamChunks []llm.Chunk

	// ChunkDelay is slept before each chunk is sent.
	ChunkDelay time.Duration

	// OpenDelay is slept before StreamCompletion returns.
	OpenDelay time.Duration

	// StreamErr, if non-nil, is returned as the error from StreamCompletion
	// instead of starting a channel.
	StreamErr error

	// Hold, if non-nil, keeps the stream open after the last chunk until it
	// is closed or ctx is cancelled.
	Hold chan struct{}

	// --- Call records ---

	calls []StreamCall
}

// StreamCompletion records the call and, unless StreamErr is set, returns a
// channel that emits StreamChunks then closes.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.calls = append(p.calls, StreamCall{Req: req, At: time.Now()})
	chunks := make([]llm.Chunk, len(p.StreamChunks))
	copy(chunks, p.StreamChunks)
	streamErr, openDelay, chunkDelay, hold := p.StreamErr, p.OpenDelay, p.ChunkDelay, p.Hold
	p.mu.Unlock()

	if openDelay > 0 {
		select {
		case <-time.After(openDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if streamErr != nil {
		return nil, streamErr
	}

	ch := make(chan llm.Chunk)
	go func() {
		defer close(ch)
		for _, c := range chunks {
			if chunkDelay > 0 {
				select {
				case <-time.After(chunkDelay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
		if hold != nil {
			select {
			case <-hold:
			case <-ctx.Done():
			}
		}
	}()
	return ch, nil
}

// Calls returns a copy of every recorded StreamCompletion call.
func (p *Provider) Calls() []StreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StreamCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns the number of StreamCompletion calls.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
}

var _ llm.Provider = (*Provider)(nil)
