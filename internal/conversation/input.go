package conversation

import (
	"strings"
	"sync"
	"time"
)

// InputAdapter turns recognizer events into gate submissions. A final result
// is submitted directly; when recognition ends without a final result, the
// last partial is submitted instead. Both paths go through the same gate, so
// the gate's dedupe is the only place that decides.
type InputAdapter struct {
	mu          sync.Mutex
	gate        *TranscriptGate
	lastPartial string
}

// NewInputAdapter returns an adapter submitting to gate.
func NewInputAdapter(gate *TranscriptGate) *InputAdapter {
	return &InputAdapter{gate: gate}
}

// HandleTranscript records a partial or submits a final result. It reports
// whether an utterance was accepted.
func (a *InputAdapter) HandleTranscript(text string, isFinal bool) bool {
	a.mu.Lock()
	if !isFinal {
		if strings.TrimSpace(text) != "" {
			a.lastPartial = text
		}
		a.mu.Unlock()
		return false
	}
	a.lastPartial = ""
	a.mu.Unlock()

	return a.gate.Submit(Utterance{Text: text, SubmittedAt: time.Now(), Source: SourceFinalResult})
}

// HandleRecognitionEnd submits text, or the last partial when text is empty,
// with source recognition-end. It reports whether an utterance was accepted.
func (a *InputAdapter) HandleRecognitionEnd(text string) bool {
	a.mu.Lock()
	if strings.TrimSpace(text) == "" {
		text = a.lastPartial
	}
	a.lastPartial = ""
	a.mu.Unlock()

	if strings.TrimSpace(text) == "" {
		return false
	}
	return a.gate.Submit(Utterance{Text: text, SubmittedAt: time.Now(), Source: SourceRecognitionEnd})
}

// Reset forgets the last partial.
func (a *InputAdapter) Reset() {
	a.mu.Lock()
	a.lastPartial = ""
	a.mu.Unlock()
}
