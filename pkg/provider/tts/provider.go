// Package tts defines the Provider interface for Text-to-Speech backends.
//
// A TTS provider turns one speakable chunk of assistant text into a complete
// [audio.Clip]. The conversation's speech queue calls Synthesize once per
// chunk, in parallel for a small look-ahead window, and plays the clips in
// order. Each call either yields a whole clip or fails, which is what the
// queue uses to pick between a primary and a fallback backend.
//
// Implementations must be safe for concurrent use.
package tts

import (
	"context"

	"github.com/MrWong99/handsfree/pkg/audio"
)

// VoiceSettings tunes the emotional tone of synthesized speech. The values
// never influence turn-taking; providers map them onto whatever knobs their
// API exposes and ignore the rest.
type VoiceSettings struct {
	// VoiceID selects the provider-specific voice. Empty means the provider's
	// default voice.
	VoiceID string `yaml:"voice_id" json:"voice_id"`

	// Stability in [0,1]. Higher values give a flatter, more predictable
	// delivery.
	Stability float64 `yaml:"stability" json:"stability"`

	// Expressiveness in [0,1]. Higher values exaggerate the speaking style.
	Expressiveness float64 `yaml:"expressiveness" json:"expressiveness"`

	// Consistency in [0,1]. How closely the output should stick to the
	// reference voice.
	Consistency float64 `yaml:"consistency" json:"consistency"`

	// ClarityBoost enables provider-side enhancement of speaker clarity.
	ClarityBoost bool `yaml:"clarity_boost" json:"clarity_boost"`
}

// DefaultVoiceSettings returns balanced settings suited to instructions read
// aloud.
func DefaultVoiceSettings() VoiceSettings {
	return VoiceSettings{
		Stability:      0.5,
		Expressiveness: 0.0,
		Consistency:    0.75,
		ClarityBoost:   true,
	}
}

// Provider is the abstraction over any TTS backend.
type Provider interface {
	// Synthesize converts text into a playable clip using voice.
	//
	// Errors should be, or wrap, a [*SynthesisError] so callers can tell a
	// timeout from an exhausted quota or a transport failure. Providers that
	// return plain errors are classified as transport failures by
	// [AsSynthesisError].
	Synthesize(ctx context.Context, text string, voice VoiceSettings) (audio.Clip, error)
}
