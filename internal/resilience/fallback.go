package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrAllFailed is returned when every entry in a [FallbackGroup] fails or has an
// open circuit breaker.
var ErrAllFailed = errors.New("all providers failed")

// FallbackConfig configures the per-entry circuit breaker and attempt budget
// for each provider in a [FallbackGroup].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig

	// AttemptTimeout bounds each individual attempt. When an attempt times
	// out the next entry is tried with a fresh budget. Zero means attempts are
	// bounded only by the caller's context.
	AttemptTimeout time.Duration
}

// Served identifies which entry of a [FallbackGroup] produced a result.
type Served struct {
	// Name is the entry's registered name.
	Name string

	// Index is 0 for the primary and 1.. for fallbacks in registration order.
	Index int
}

// Primary reports whether the result came from the primary entry.
func (s Served) Primary() bool { return s.Index == 0 }

type fallbackEntry[T any] struct {
	name    string
	value   T
	breaker *CircuitBreaker
	timeout time.Duration
}

// FallbackGroup wraps a primary and zero or more fallback instances of the same
// provider type. Entries are tried strictly in order, one at a time: the next
// entry starts only after the previous attempt has returned. When an entry's
// circuit breaker is open it is skipped without being called.
//
// FallbackGroup is safe for concurrent use once all fallbacks are registered.
type FallbackGroup[T any] struct {
	entries []fallbackEntry[T]
	cfg     FallbackConfig
}

// NewFallbackGroup creates a [FallbackGroup] with primary as the first entry.
func NewFallbackGroup[T any](primary T, primaryName string, cfg FallbackConfig) *FallbackGroup[T] {
	fg := &FallbackGroup[T]{cfg: cfg}
	fg.add(primaryName, primary)
	return fg
}

// AddFallback appends a fallback provider. Fallbacks are tried in the order they
// are added, after the primary.
func (fg *FallbackGroup[T]) AddFallback(name string, fallback T) {
	fg.add(name, fallback)
}

func (fg *FallbackGroup[T]) add(name string, v T) {
	cbCfg := fg.cfg.CircuitBreaker
	cbCfg.Name = name
	fg.entries = append(fg.entries, fallbackEntry[T]{
		name:    name,
		value:   v,
		breaker: NewCircuitBreaker(cbCfg),
		timeout: fg.cfg.AttemptTimeout,
	})
}

// Len returns the number of registered entries, primary included.
func (fg *FallbackGroup[T]) Len() int { return len(fg.entries) }

// Breaker returns the circuit breaker guarding entry i.
func (fg *FallbackGroup[T]) Breaker(i int) *CircuitBreaker { return fg.entries[i].breaker }

// Execute tries fn against each entry in order until one succeeds.
func (fg *FallbackGroup[T]) Execute(ctx context.Context, fn func(context.Context, T) error) (Served, error) {
	_, served, err := ExecuteWithResult(ctx, fg, func(ctx context.Context, v T) (struct{}, error) {
		return struct{}{}, fn(ctx, v)
	})
	return served, err
}

// ExecuteWithResult tries fn against each entry in the group until one succeeds,
// returning the result and which entry served it. Each attempt runs under its
// own timeout derived from ctx.
//
// If ctx itself is done, no further entries are tried and ctx.Err() is
// returned. Otherwise, when every entry fails, the error wraps [ErrAllFailed]
// together with the last entry's error.
func ExecuteWithResult[T any, R any](ctx context.Context, fg *FallbackGroup[T], fn func(context.Context, T) (R, error)) (R, Served, error) {
	var (
		lastErr error
		zero    R
	)
	for i := range fg.entries {
		if err := ctx.Err(); err != nil {
			return zero, Served{}, err
		}

		entry := &fg.entries[i]
		var result R
		err := entry.breaker.Execute(func() error {
			attemptCtx, cancel := ctx, context.CancelFunc(func() {})
			if entry.timeout > 0 {
				attemptCtx, cancel = context.WithTimeout(ctx, entry.timeout)
			}
			defer cancel()

			var innerErr error
			result, innerErr = fn(attemptCtx, entry.value)
			return innerErr
		})
		if err == nil {
			return result, Served{Name: entry.name, Index: i}, nil
		}
		if ctx.Err() != nil {
			return zero, Served{}, ctx.Err()
		}

		lastErr = err
		log := fg.cfg.CircuitBreaker.Logger
		if log == nil {
			log = slog.Default()
		}
		if errors.Is(err, ErrCircuitOpen) {
			log.Debug("skipping provider (circuit open)", "provider", entry.name)
		} else {
			log.Warn("provider failed, trying next",
				"provider", entry.name, "err", err)
		}
	}
	return zero, Served{}, fmt.Errorf("%w: %w", ErrAllFailed, lastErr)
}
