package conversation

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/antzucaro/matchr"

	"github.com/MrWong99/handsfree/internal/observe"
)

// DefaultDedupeWindow is how long an accepted utterance blocks an identical
// one.
const DefaultDedupeWindow = 3 * time.Second

// Source names the recognizer path an utterance came from.
type Source string

const (
	SourceFinalResult    Source = "final-result"
	SourceRecognitionEnd Source = "recognition-end"
)

// Utterance is one finalized piece of user speech offered for sending.
type Utterance struct {
	Text        string
	SubmittedAt time.Time
	Source      Source

	// gen is the state machine generation the utterance was accepted in.
	gen uint64
}

// errEmptyUtterance marks a submission with no text after normalization.
var errEmptyUtterance = errors.New("conversation: empty utterance")

// GateConfig tunes a [TranscriptGate].
type GateConfig struct {
	// DedupeWindow defaults to [DefaultDedupeWindow].
	DedupeWindow time.Duration

	// SimilarityThreshold, when in (0, 1], also treats utterances whose
	// Jaro-Winkler similarity to the last accepted one reaches the threshold
	// as duplicates.
	SimilarityThreshold float64

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// TranscriptGate admits at most one send per utterance even when the final
// result and the end-of-recognition fallback both report it. The state check,
// the dedupe check and the utteranceAccepted transition happen under one lock.
type TranscriptGate struct {
	mu        sync.Mutex
	sm        *StateMachine
	window    time.Duration
	threshold float64
	log       *slog.Logger
	metrics   *observe.Metrics

	lastText string
	lastAt   time.Time
	watchdog *time.Timer
	gen      uint64

	onAccept []func(Utterance)
}

// NewTranscriptGate returns a gate feeding sm.
func NewTranscriptGate(sm *StateMachine, cfg GateConfig) *TranscriptGate {
	if cfg.DedupeWindow <= 0 {
		cfg.DedupeWindow = DefaultDedupeWindow
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &TranscriptGate{
		sm:        sm,
		window:    cfg.DedupeWindow,
		threshold: cfg.SimilarityThreshold,
		log:       cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// OnAccepted registers fn to run after each accepted utterance, outside the
// gate's lock.
func (g *TranscriptGate) OnAccepted(fn func(Utterance)) {
	g.mu.Lock()
	g.onAccept = append(g.onAccept, fn)
	g.mu.Unlock()
}

// Submit offers u for sending and reports whether it was accepted.
func (g *TranscriptGate) Submit(u Utterance) bool {
	err := g.submit(u)
	ctx := context.Background()
	switch {
	case err == nil:
		g.metrics.RecordUtterance(ctx, "accepted")
		return true
	case errors.Is(err, ErrDuplicateUtterance):
		g.metrics.RecordUtterance(ctx, "duplicate")
		g.log.Debug("conversation: duplicate utterance dropped", "source", u.Source, "text", u.Text)
	case errors.Is(err, errEmptyUtterance):
		g.metrics.RecordUtterance(ctx, "empty")
	default:
		g.metrics.RecordUtterance(ctx, "rejected")
		g.log.Debug("conversation: utterance rejected", "source", u.Source, "err", err)
	}
	return false
}

func (g *TranscriptGate) submit(u Utterance) error {
	norm := Normalize(u.Text)
	if norm == "" {
		return errEmptyUtterance
	}
	if u.SubmittedAt.IsZero() {
		u.SubmittedAt = time.Now()
	}

	g.mu.Lock()
	if !g.sm.CanSend() {
		g.mu.Unlock()
		return ErrInvalidTransition
	}
	if g.duplicate(norm, u.SubmittedAt) {
		g.mu.Unlock()
		return ErrDuplicateUtterance
	}
	_, gen, err := g.sm.fire(EventUtteranceAccepted, nil, 0)
	if err != nil {
		g.mu.Unlock()
		return err
	}
	u.gen = gen

	g.lastText = norm
	g.lastAt = u.SubmittedAt
	g.gen++
	wgen := g.gen
	if g.watchdog != nil {
		g.watchdog.Stop()
	}
	g.watchdog = time.AfterFunc(g.window, func() { g.expire(wgen) })
	fns := g.onAccept
	g.mu.Unlock()

	for _, fn := range fns {
		fn(u)
	}
	return nil
}

func (g *TranscriptGate) duplicate(norm string, at time.Time) bool {
	if g.lastText == "" || at.Sub(g.lastAt) >= g.window {
		return false
	}
	if norm == g.lastText {
		return true
	}
	return g.threshold > 0 && matchr.JaroWinkler(norm, g.lastText, false) >= g.threshold
}

func (g *TranscriptGate) expire(gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if gen == g.gen {
		g.lastText = ""
	}
}

// LastAccepted returns the normalized text and time of the last accepted
// utterance. The text is empty once the dedupe window has passed.
func (g *TranscriptGate) LastAccepted() (string, time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.lastText, g.lastAt
}

// Stop cancels the watchdog.
func (g *TranscriptGate) Stop() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.watchdog != nil {
		g.watchdog.Stop()
		g.watchdog = nil
	}
}

// Normalize lowercases text, collapses whitespace and strips trailing
// sentence punctuation so recognizer variants of one utterance compare equal.
func Normalize(text string) string {
	t := strings.ToLower(strings.Join(strings.Fields(text), " "))
	return strings.TrimRight(t, ".!?,;: ")
}
