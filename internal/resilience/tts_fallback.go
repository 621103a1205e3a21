package resilience

import (
	"context"
	"errors"

	"github.com/MrWong99/handsfree/pkg/audio"
	"github.com/MrWong99/handsfree/pkg/provider/tts"
)

// errEmptyClip marks a synthesis that returned without audio.
var errEmptyClip = errors.New("synthesis returned no audio")

type namedTTS struct {
	name string
	tts.Provider
}

// TTSFallback implements [tts.Provider] over a primary and fallback speech
// services. Each backend has its own circuit breaker and its own attempt
// timeout, and backends are tried strictly one after another.
type TTSFallback struct {
	group *FallbackGroup[namedTTS]
}

var _ tts.Provider = (*TTSFallback)(nil)

// NewTTSFallback creates a [TTSFallback] with primary as the preferred backend.
func NewTTSFallback(primary tts.Provider, primaryName string, cfg FallbackConfig) *TTSFallback {
	return &TTSFallback{group: NewFallbackGroup(namedTTS{primaryName, primary}, primaryName, cfg)}
}

// AddFallback registers an additional backend tried after the ones already
// registered.
func (f *TTSFallback) AddFallback(name string, provider tts.Provider) {
	f.group.AddFallback(name, namedTTS{name, provider})
}

// Breaker exposes the circuit breaker of backend i (0 is the primary).
func (f *TTSFallback) Breaker(i int) *CircuitBreaker { return f.group.Breaker(i) }

// Synthesize implements [tts.Provider].
func (f *TTSFallback) Synthesize(ctx context.Context, text string, voice tts.VoiceSettings) (audio.Clip, error) {
	clip, _, err := f.SynthesizeServed(ctx, text, voice)
	return clip, err
}

// SynthesizeServed is like Synthesize but also reports which backend produced
// the clip. Every failed attempt is normalised to a [*tts.SynthesisError] so
// callers can tell timeouts from quota exhaustion. An empty clip counts as a
// failure.
func (f *TTSFallback) SynthesizeServed(ctx context.Context, text string, voice tts.VoiceSettings) (audio.Clip, Served, error) {
	return ExecuteWithResult(ctx, f.group, func(ctx context.Context, p namedTTS) (audio.Clip, error) {
		clip, err := p.Synthesize(ctx, text, voice)
		if err != nil {
			return audio.Clip{}, tts.AsSynthesisError(p.name, err)
		}
		if clip.Empty() {
			return audio.Clip{}, tts.NewSynthesisError(p.name, tts.KindTransport, 0, errEmptyClip)
		}
		return clip, nil
	})
}
