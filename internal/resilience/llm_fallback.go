package resilience

import (
	"context"
	"fmt"

	"github.com/MrWong99/handsfree/pkg/provider/llm"
)

// LLMFallback implements [llm.Provider] with failover across language model
// backends. Only opening the stream is covered: once a backend has accepted
// the request, a mid-stream break surfaces as a [llm.FinishReasonError] chunk
// and the caller decides what to do with the partial answer.
type LLMFallback struct {
	group *FallbackGroup[llm.Provider]
}

var _ llm.Provider = (*LLMFallback)(nil)

// NewLLMFallback creates an [LLMFallback] with primary as the preferred backend.
func NewLLMFallback(primary llm.Provider, primaryName string, cfg FallbackConfig) *LLMFallback {
	return &LLMFallback{group: NewFallbackGroup(primary, primaryName, cfg)}
}

// AddFallback registers an additional LLM provider as a fallback.
func (f *LLMFallback) AddFallback(name string, provider llm.Provider) {
	f.group.AddFallback(name, provider)
}

// StreamCompletion opens a stream on the first healthy backend.
//
// The group's attempt timeout bounds opening the stream only. Once a backend
// has returned its channel the stream lives under ctx.
func (f *LLMFallback) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	ch, _, err := ExecuteWithResult(ctx, f.group, func(attemptCtx context.Context, p llm.Provider) (<-chan llm.Chunk, error) {
		streamCtx, cancel := context.WithCancel(ctx)
		stop := context.AfterFunc(attemptCtx, cancel)
		ch, err := p.StreamCompletion(streamCtx, req)
		if !stop() {
			// The attempt ended while the backend was still opening.
			if err == nil {
				go func() {
					for range ch {
					}
				}()
			}
			return nil, fmt.Errorf("open stream: %w", attemptCtx.Err())
		}
		if err != nil {
			cancel()
			return nil, err
		}
		return ch, nil
	})
	return ch, err
}
