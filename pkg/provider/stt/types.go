package stt

// Transcript is one recognition event from an STT session.
//
// Partials (IsFinal false) may be revised by later events. A final result
// commits the text of the current segment. SpeechEnded marks the end of a
// spoken utterance as detected by the provider's endpointing; it carries no
// text of its own.
type Transcript struct {
	// Text is the transcribed speech content. Empty for SpeechEnded events.
	Text string

	// IsFinal reports whether the recognizer has committed to Text.
	IsFinal bool

	// SpeechEnded reports that the speaker stopped talking.
	SpeechEnded bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64
}

// KeywordBoost increases recognition probability for domain vocabulary such
// as equipment or product names.
type KeywordBoost struct {
	// Keyword is the text to boost.
	Keyword string

	// Boost is the intensity of the boost (provider-specific scale).
	Boost float64
}
