package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/MrWong99/handsfree/pkg/provider/llm"
	llmmock "github.com/MrWong99/handsfree/pkg/provider/llm/mock"
)

func drain(ch <-chan llm.Chunk) string {
	var s string
	for c := range ch {
		s += c.Text
	}
	return s
}

func TestLLMFallback_StreamCompletion_PrimarySuccess(t *testing.T) {
	primary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "from primary"}}}
	secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "from secondary"}}}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := drain(ch); got != "from primary" {
		t.Fatalf("text = %q, want 'from primary'", got)
	}
	if secondary.CallCount() != 0 {
		t.Fatalf("secondary called %d times, want 0", secondary.CallCount())
	}
}

func TestLLMFallback_StreamCompletion_Failover(t *testing.T) {
	primary := &llmmock.Provider{StreamErr: errors.New("stream failed")}
	secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "fallback"}}}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", secondary)

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := drain(ch); got != "fallback" {
		t.Fatalf("text = %q, want 'fallback'", got)
	}
	if primary.CallCount() != 1 || secondary.CallCount() != 1 {
		t.Fatalf("calls = %d/%d, want 1/1", primary.CallCount(), secondary.CallCount())
	}
}

func TestLLMFallback_StreamCompletion_AllFail(t *testing.T) {
	fb := NewLLMFallback(&llmmock.Provider{StreamErr: errors.New("a")}, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 3},
	})
	fb.AddFallback("secondary", &llmmock.Provider{StreamErr: errors.New("b")})

	_, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
}

func TestLLMFallback_StreamOutlivesAttemptTimeout(t *testing.T) {
	hold := make(chan struct{})
	primary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "late"}},
		ChunkDelay:   30 * time.Millisecond,
		Hold:         hold,
	}
	fb := NewLLMFallback(primary, "primary", FallbackConfig{AttemptTimeout: 5 * time.Millisecond})

	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	close(hold)
	if got := drain(ch); got != "late" {
		t.Fatalf("text = %q, want 'late' after the attempt timeout elapsed", got)
	}
}

func TestLLMFallback_HungOpenFailsOver(t *testing.T) {
	primary := &llmmock.Provider{
		StreamChunks: []llm.Chunk{{Text: "too late"}},
		OpenDelay:    time.Hour,
	}
	secondary := &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "from secondary"}}}

	fb := NewLLMFallback(primary, "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour},
		AttemptTimeout: 20 * time.Millisecond,
	})
	fb.AddFallback("secondary", secondary)

	start := time.Now()
	ch, err := fb.StreamCompletion(context.Background(), llm.CompletionRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := drain(ch); got != "from secondary" {
		t.Fatalf("text = %q, want 'from secondary'", got)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("failover took %v", elapsed)
	}
	if fb.group.Breaker(0).State() != StateOpen {
		t.Errorf("primary breaker = %v, want open after the timed out open", fb.group.Breaker(0).State())
	}
}
