package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/google/uuid"

	"github.com/MrWong99/handsfree/internal/observe"
	"github.com/MrWong99/handsfree/pkg/audio"
	"github.com/MrWong99/handsfree/pkg/provider/llm"
	"github.com/MrWong99/handsfree/pkg/provider/tts"
	"github.com/MrWong99/handsfree/pkg/turnlog"
)

// Timings holds the tunable delays and sizes of a conversation. Zero fields
// select the package defaults.
type Timings struct {
	DedupeWindow  time.Duration
	SettleDelay   time.Duration
	SafetyTimeout time.Duration
	MaxPlayback   time.Duration
	Lookahead     int
	MaxChunkChars int

	// StreamIdleTimeout bounds the wait for the next piece of a reply once
	// the stream is open.
	StreamIdleTimeout time.Duration
}

// DefaultStreamIdleTimeout is how long a reply stream may go quiet before
// it is treated as broken off.
const DefaultStreamIdleTimeout = 5 * time.Second

// DefaultTimings returns the defaults used for zero [Timings] fields.
func DefaultTimings() Timings {
	return Timings{
		DedupeWindow:  DefaultDedupeWindow,
		SettleDelay:   DefaultSettleDelay,
		SafetyTimeout: DefaultSafetyTimeout,
		MaxPlayback:   DefaultMaxPlayback,
		Lookahead:     DefaultLookahead,
		MaxChunkChars: DefaultMaxChunkChars,

		StreamIdleTimeout: DefaultStreamIdleTimeout,
	}
}

// Option is a functional option for [New].
type Option func(*Controller)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.log = l }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

// WithTimings overrides the conversation timings.
func WithTimings(t Timings) Option {
	return func(c *Controller) { c.timings = t }
}

// WithSystemPrompt sets the instruction sent ahead of the history.
func WithSystemPrompt(s string) Option {
	return func(c *Controller) { c.systemPrompt = s }
}

// WithSimilarityThreshold enables fuzzy duplicate detection in the gate.
func WithSimilarityThreshold(th float64) Option {
	return func(c *Controller) { c.similarity = th }
}

// WithVoice sets the initial voice settings.
func WithVoice(v tts.VoiceSettings) Option {
	return func(c *Controller) { c.voice = v }
}

// WithHistory bounds the history sent with each request.
func WithHistory(maxTurns int, maxAge time.Duration) Option {
	return func(c *Controller) { c.historySize, c.historyAge = maxTurns, maxAge }
}

// WithTurnLog records utterances, responses and transitions to w.
func WithTurnLog(w *turnlog.Writer) Option {
	return func(c *Controller) { c.turns = w }
}

// WithSessionID sets the session id. Defaults to a random UUID.
func WithSessionID(id string) Option {
	return func(c *Controller) { c.id = id }
}

// Controller runs one hands-free conversation. It turns recognizer output
// into at most one request per utterance, speaks the streamed reply chunk by
// chunk, and keeps the microphone closed while the assistant is audible.
type Controller struct {
	id      string
	sm      *StateMachine
	gate    *TranscriptGate
	input   *InputAdapter
	mic     *MicGate
	queue   *SpeechQueue
	model   llm.Provider
	history *History

	timings      Timings
	systemPrompt string
	similarity   float64
	voice        tts.VoiceSettings
	historySize  int
	historyAge   time.Duration
	turns        *turnlog.Writer
	log          *slog.Logger
	metrics      *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	turnCancel context.CancelFunc
	resp       *Response
	acceptedAt time.Time
	settleStop func()
}

// New builds a controller that sends utterances to model, synthesises
// replies with synth, plays them on player and mutes mic while speaking.
// The controller lives until ctx is done or [Controller.Close] is called.
func New(ctx context.Context, model llm.Provider, synth Synthesizer, player audio.Player, mic audio.Microphone, opts ...Option) *Controller {
	c := &Controller{
		model:   model,
		voice:   tts.DefaultVoiceSettings(),
		timings: DefaultTimings(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.id == "" {
		c.id = uuid.NewString()
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	c.log = c.log.With("session_id", c.id)
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.ctx, c.cancel = context.WithCancel(ctx)

	if c.timings.StreamIdleTimeout <= 0 {
		c.timings.StreamIdleTimeout = DefaultStreamIdleTimeout
	}
	t := c.timings
	c.history = NewHistory(c.historySize, c.historyAge)
	c.sm = NewStateMachine(t.SafetyTimeout, c.log)
	c.mic = NewMicGate(mic, t.SettleDelay)
	c.gate = NewTranscriptGate(c.sm, GateConfig{
		DedupeWindow:        t.DedupeWindow,
		SimilarityThreshold: c.similarity,
		Logger:              c.log,
		Metrics:             c.metrics,
	})
	c.input = NewInputAdapter(c.gate)
	c.queue = NewSpeechQueue(synth, player, QueueConfig{
		Lookahead:    t.Lookahead,
		MaxPlayback:  t.MaxPlayback,
		Voice:        c.voice,
		Observer:     c.mic,
		OnDrained:    c.onDrained,
		OnFirstAudio: c.onFirstAudio,
		Logger:       c.log,
		Metrics:      c.metrics,
	})

	c.sm.OnTransition(c.onTransition)
	c.sm.OnInvalid(c.onInvalid)
	c.gate.OnAccepted(c.onAccepted)
	c.mic.Close()
	return c
}

// ID returns the session id.
func (c *Controller) ID() string { return c.id }

// State returns the current conversation state.
func (c *Controller) State() State { return c.sm.State() }

// OnTransition registers fn for every applied transition.
func (c *Controller) OnTransition(fn func(Transition)) { c.sm.OnTransition(fn) }

// Start turns hands-free mode on.
func (c *Controller) Start() error {
	_, err := c.sm.Start()
	return err
}

// Stop abandons the reply in progress and goes to cooldown.
func (c *Controller) Stop() error {
	_, err := c.sm.ForceCooldown()
	return err
}

// End turns hands-free mode off, abandoning any reply in progress.
func (c *Controller) End() { c.sm.End() }

// Close ends the conversation and releases its timers.
func (c *Controller) Close() {
	c.sm.End()
	c.gate.Stop()
	c.cancel()
}

// HandleTranscript feeds one recognizer result and reports whether it caused
// a send.
func (c *Controller) HandleTranscript(text string, isFinal bool) bool {
	return c.input.HandleTranscript(text, isFinal)
}

// HandleRecognitionEnd tells the controller that the recognizer stopped. An
// empty text submits the last partial result.
func (c *Controller) HandleRecognitionEnd(text string) bool {
	return c.input.HandleRecognitionEnd(text)
}

// SetVoice changes the voice for chunks synthesised from now on.
func (c *Controller) SetVoice(v tts.VoiceSettings) { c.queue.SetVoice(v) }

// MicOpen reports whether the controller currently lets the microphone listen.
func (c *Controller) MicOpen() bool { return !c.mic.Muted() }

func (c *Controller) onInvalid(s State, ev Event) {
	c.metrics.RecordInvalidTransition(context.Background(), s.String(), ev.String())
}

func (c *Controller) onTransition(tr Transition) {
	ctx := context.Background()
	c.metrics.RecordTransition(ctx, tr.From.String(), tr.To.String())
	e := turnlog.Entry{
		SessionID: c.id,
		Kind:      turnlog.KindTransition,
		From:      tr.From.String(),
		To:        tr.To.String(),
		Event:     tr.Event.String(),
		At:        tr.At,
	}
	if tr.Cause != nil {
		e.Detail = tr.Cause.Error()
	}
	c.turns.Record(e)

	switch tr.Event {
	case EventRecover:
		c.abortTurn()
		if errors.Is(tr.Cause, ErrStuckState) {
			c.metrics.StuckRecoveries.Add(ctx, 1, metric.WithAttributes(observe.Attr("state", tr.From.String())))
		}
	case EventStop:
		c.abortTurn()
	}

	switch tr.To {
	case Sending:
		c.mic.Close()
	case Cooldown:
		c.clearSettle()
		stop := c.mic.OnSettled(c.cooldownElapsed)
		c.mu.Lock()
		c.settleStop = stop
		c.mu.Unlock()
	case Listening:
		c.clearSettle()
		c.input.Reset()
		if !c.mic.Open() {
			c.log.Debug("conversation: line not clear, microphone stays muted")
		}
	case Idle:
		c.abortTurn()
		c.clearSettle()
		c.input.Reset()
		c.mic.Close()
	}
}

func (c *Controller) cooldownElapsed() {
	if _, err := c.sm.Fire(EventCooldownElapsed); err != nil {
		c.log.Debug("conversation: settle finished outside cooldown", "err", err)
	}
}

func (c *Controller) clearSettle() {
	c.mu.Lock()
	stop := c.settleStop
	c.settleStop = nil
	c.mu.Unlock()
	if stop != nil {
		stop()
	}
}

// abortTurn cancels the request and the response of the current turn.
func (c *Controller) abortTurn() {
	c.mu.Lock()
	cancel, resp := c.turnCancel, c.resp
	c.turnCancel, c.resp = nil, nil
	c.mu.Unlock()
	if resp != nil {
		resp.Cancel()
	}
	if cancel != nil {
		cancel()
	}
}

func (c *Controller) onAccepted(u Utterance) {
	c.history.Add(llm.RoleUser, u.Text)
	c.turns.Record(turnlog.Entry{
		SessionID: c.id,
		Kind:      turnlog.KindUtterance,
		Text:      u.Text,
		Detail:    string(u.Source),
		At:        u.SubmittedAt,
	})

	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	if c.turnCancel != nil {
		c.turnCancel()
	}
	c.turnCancel = cancel
	c.acceptedAt = time.Now()
	c.mu.Unlock()

	go c.respond(ctx, cancel, u.gen)
}

// respond sends the history, then streams the reply into the speech queue.
// gen is the generation of the Sending state this turn owns; turn events are
// only applied while no other transition happened in between.
func (c *Controller) respond(ctx context.Context, cancel context.CancelFunc, gen uint64) {
	ctx, span := observe.StartSpan(ctx, "conversation.respond",
		trace.WithAttributes(observe.Attr("session.id", c.id)))
	defer span.End()

	// The stream gets its own context so a stalled reply can be cut off
	// while the chunks that already arrived keep playing.
	streamCtx, stopStream := context.WithCancel(ctx)
	defer stopStream()

	stream, err := c.model.StreamCompletion(streamCtx, llm.CompletionRequest{
		Messages:     c.history.Messages(),
		SystemPrompt: c.systemPrompt,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		c.log.Warn("conversation: send failed", "err", err)
		span.RecordError(err)
		c.recover(gen, fmt.Errorf("conversation: send: %w", err))
		return
	}

	if _, gen, err = c.sm.fire(EventSendConfirmed, nil, gen); err != nil {
		c.log.Debug("conversation: send confirmed too late", "err", err)
		cancel()
		go audio.Drain(stream)
		return
	}

	resp := c.queue.Begin(ctx)
	c.mu.Lock()
	c.resp = resp
	c.mu.Unlock()

	chunker := NewChunker(c.timings.MaxChunkChars)
	started := false
	emit := func(ch Chunk) error {
		if !started {
			if ch.Final && ch.Text == "" {
				return ErrEmptyReply
			}
			// Speaking must be entered before the queue can report the
			// last chunk played.
			var err error
			if _, gen, err = c.sm.fire(EventFirstChunkReady, nil, gen); err != nil {
				return err
			}
			started = true
		}
		c.metrics.Chunks.Add(ctx, 1)
		return resp.Enqueue(ch)
	}
	abandon := func(err error) {
		resp.Cancel()
		cancel()
		go audio.Drain(stream)
		if started {
			return
		}
		if errors.Is(err, ErrEmptyReply) || errors.Is(err, ErrUpstreamStream) {
			c.recover(gen, err)
		}
	}

	var reply strings.Builder
	var streamErr error
	idle := time.NewTimer(c.timings.StreamIdleTimeout)
	defer idle.Stop()
read:
	for {
		select {
		case chunk, ok := <-stream:
			if !ok {
				break read
			}
			idle.Reset(c.timings.StreamIdleTimeout)
			reply.WriteString(chunk.Text)
			for ch := range chunker.Feed(chunk.Text) {
				if err := emit(ch); err != nil {
					abandon(err)
					return
				}
			}
			if chunk.FinishReason == llm.FinishReasonError {
				streamErr = fmt.Errorf("%w: %w", ErrUpstreamStream, chunk.Err)
				break read
			}
		case <-idle.C:
			streamErr = fmt.Errorf("%w: %w after %s", ErrUpstreamStream, ErrStreamStalled, c.timings.StreamIdleTimeout)
			break read
		case <-ctx.Done():
			break read
		}
	}
	if ctx.Err() != nil {
		resp.Cancel()
		go audio.Drain(stream)
		return
	}
	if streamErr != nil {
		stopStream()
		go audio.Drain(stream)
		c.log.Warn("conversation: reply broke off, speaking what arrived", "err", streamErr)
		span.RecordError(streamErr)
	}

	for ch := range chunker.Close() {
		if err := emit(ch); err != nil {
			if streamErr != nil && errors.Is(err, ErrEmptyReply) {
				err = streamErr
			}
			abandon(err)
			return
		}
	}
	c.history.Add(llm.RoleAssistant, strings.TrimSpace(reply.String()))
}

func (c *Controller) recover(gen uint64, cause error) {
	if _, _, err := c.sm.fire(EventRecover, cause, gen); err != nil {
		c.log.Debug("conversation: recovery superseded", "cause", cause, "err", err)
	}
}

func (c *Controller) onFirstAudio(string) {
	c.mu.Lock()
	at := c.acceptedAt
	c.mu.Unlock()
	if !at.IsZero() {
		c.metrics.TimeToFirstAudio.Record(context.Background(), time.Since(at).Seconds())
	}
}

func (c *Controller) onDrained(id string) {
	c.mu.Lock()
	resp, at := c.resp, c.acceptedAt
	if resp != nil && resp.ID() == id {
		c.resp = nil
	} else {
		resp = nil
	}
	c.mu.Unlock()

	if resp != nil {
		e := turnlog.Entry{SessionID: c.id, Kind: turnlog.KindResponse, ResponseID: id}
		var text []string
		for _, t := range resp.Tasks() {
			if t.Text == "" {
				continue
			}
			e.Chunks++
			text = append(text, t.Text)
			switch {
			case t.Status == TaskFailed:
				e.Skipped++
			case t.Source == AudioFallback:
				e.Fallbacks++
			}
		}
		e.Text = strings.Join(text, " ")
		c.turns.Record(e)
		c.metrics.ResponseDuration.Record(context.Background(), time.Since(at).Seconds())
	}

	if _, err := c.sm.Fire(EventLastChunkPlayed); err != nil {
		c.log.Debug("conversation: reply finished outside speaking", "err", err)
	}
}
