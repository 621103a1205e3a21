// Package mock provides a test double for the tts.Provider interface.
//
// By default the mock "synthesizes" a clip whose bytes are the input text,
// which lets tests assert on what was played without decoding audio.
//
// Example:
//
//	p := &mock.Provider{Delay: 20 * time.Millisecond}
//	clip, _ := p.Synthesize(ctx, "Hello.", tts.VoiceSettings{})
//	// string(clip.Data) == "Hello."
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/handsfree/pkg/audio"
	"github.com/MrWong99/handsfree/pkg/provider/tts"
)

// SynthesizeCall records a single invocation of Synthesize.
type SynthesizeCall struct {
	// Text is the chunk text passed to Synthesize.
	Text string
	// Voice is the VoiceSettings passed to Synthesize.
	Voice tts.VoiceSettings
	// Start is when the call began.
	Start time.Time
	// End is when the call returned.
	End time.Time
}

// Provider is a mock implementation of tts.Provider.
type Provider struct {
	mu sync.Mutex

	// --- Configurable responses ---

	// Delay is how long each call takes before returning. Calls honour ctx
	// cancellation while waiting.
	Delay time.Duration

	// DelayFunc, when set, overrides Delay per text.
	DelayFunc func(text string) time.Duration

	// Err, if non-nil, is returned by every call after the delay.
	Err error

	// ErrFunc, when set, decides the error per text.
	ErrFunc func(text string) error

	// --- Call records ---

	calls    []SynthesizeCall
	inFlight int
	maxIn    int
}

// Synthesize records the call and returns a WAV-tagged clip containing text.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceSettings) (audio.Clip, error) {
	p.mu.Lock()
	idx := len(p.calls)
	p.calls = append(p.calls, SynthesizeCall{Text: text, Voice: voice, Start: time.Now()})
	p.inFlight++
	if p.inFlight > p.maxIn {
		p.maxIn = p.inFlight
	}
	delay := p.Delay
	if p.DelayFunc != nil {
		delay = p.DelayFunc(text)
	}
	err := p.Err
	if p.ErrFunc != nil {
		err = p.ErrFunc(text)
	}
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inFlight--
		p.calls[idx].End = time.Now()
		p.mu.Unlock()
	}()

	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return audio.Clip{}, ctx.Err()
		}
	}
	if err != nil {
		return audio.Clip{}, err
	}
	return audio.Clip{Data: []byte(text), Encoding: audio.EncodingPCM16, SampleRate: 16000, Channels: 1}, nil
}

// Calls returns a copy of every recorded Synthesize call.
func (p *Provider) Calls() []SynthesizeCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]SynthesizeCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// CallCount returns the number of Synthesize calls so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// MaxInFlight reports the highest number of concurrent Synthesize calls.
func (p *Provider) MaxInFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxIn
}

// Reset clears all recorded calls.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
	p.maxIn = 0
}

var _ tts.Provider = (*Provider)(nil)
