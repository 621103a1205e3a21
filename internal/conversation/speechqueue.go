package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/handsfree/internal/observe"
	"github.com/MrWong99/handsfree/internal/resilience"
	"github.com/MrWong99/handsfree/pkg/audio"
	"github.com/MrWong99/handsfree/pkg/provider/tts"
)

const (
	// DefaultLookahead is how many chunks beyond the play head are
	// synthesised ahead of time.
	DefaultLookahead = 3

	// DefaultMaxPlayback bounds a single chunk's playback in case the device
	// never reports the end.
	DefaultMaxPlayback = 60 * time.Second
)

// TaskStatus is the lifecycle of an [AudioTask].
type TaskStatus int

const (
	TaskPending TaskStatus = iota
	TaskFetching
	TaskReady
	TaskPlaying
	TaskDone
	TaskFailed
)

func (s TaskStatus) String() string {
	switch s {
	case TaskPending:
		return "pending"
	case TaskFetching:
		return "fetching"
	case TaskReady:
		return "ready"
	case TaskPlaying:
		return "playing"
	case TaskDone:
		return "done"
	case TaskFailed:
		return "failed"
	default:
		return fmt.Sprintf("TaskStatus(%d)", int(s))
	}
}

// AudioSource records which synthesis backend produced a task's audio.
type AudioSource string

const (
	AudioPrimary  AudioSource = "primary"
	AudioFallback AudioSource = "fallback"
)

// AudioTask is the synthesis and playback work for one chunk.
type AudioTask struct {
	ResponseID string
	Seq        int
	Text       string
	Final      bool

	// Source and Provider are set once synthesis succeeded.
	Source   AudioSource
	Provider string

	Status TaskStatus
	Err    error

	clip  audio.Clip
	ready chan struct{}
}

// Synthesizer produces audio for a chunk and reports which backend served it.
// [*resilience.TTSFallback] implements it.
type Synthesizer interface {
	SynthesizeServed(ctx context.Context, text string, voice tts.VoiceSettings) (audio.Clip, resilience.Served, error)
}

// PlaybackObserver is told when audio becomes audible and when it stops.
// [*MicGate] implements it.
type PlaybackObserver interface {
	OnPlaybackStart()
	OnPlaybackEnd()
}

// QueueConfig configures a [SpeechQueue].
type QueueConfig struct {
	// Lookahead defaults to [DefaultLookahead].
	Lookahead int

	// MaxPlayback defaults to [DefaultMaxPlayback].
	MaxPlayback time.Duration

	Voice    tts.VoiceSettings
	Observer PlaybackObserver

	// OnDrained is called with the response id once the final chunk of a
	// response was played, failed, or skipped. It is never called for a
	// cancelled response.
	OnDrained func(responseID string)

	// OnFirstAudio is called when the first chunk of a response starts
	// playing.
	OnFirstAudio func(responseID string)

	Logger  *slog.Logger
	Metrics *observe.Metrics
}

// SpeechQueue synthesises chunks ahead of time and plays them strictly in
// sequence order, one at a time.
type SpeechQueue struct {
	synth  Synthesizer
	player audio.Player
	lock   *PlaybackLock
	cfg    QueueConfig

	mu    sync.Mutex
	voice tts.VoiceSettings
	cur   *Response
}

// NewSpeechQueue returns a queue synthesising with synth and playing on player.
func NewSpeechQueue(synth Synthesizer, player audio.Player, cfg QueueConfig) *SpeechQueue {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = DefaultLookahead
	}
	if cfg.MaxPlayback <= 0 {
		cfg.MaxPlayback = DefaultMaxPlayback
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	return &SpeechQueue{
		synth:  synth,
		player: player,
		lock:   NewPlaybackLock(),
		cfg:    cfg,
		voice:  cfg.Voice,
	}
}

// Lock exposes the queue's playback lock.
func (q *SpeechQueue) Lock() *PlaybackLock { return q.lock }

// SetVoice changes the voice used for chunks enqueued from now on.
func (q *SpeechQueue) SetVoice(v tts.VoiceSettings) {
	q.mu.Lock()
	q.voice = v
	q.mu.Unlock()
}

// Response is one assistant reply flowing through the queue.
type Response struct {
	q      *SpeechQueue
	id     string
	ctx    context.Context
	cancel context.CancelFunc

	// Guarded by q.mu.
	tasks     map[int]*AudioTask
	head      int
	played    bool
	cancelled bool

	wake chan struct{}
	done chan struct{}
}

// Begin opens a new response, cancelling the previous one if it is still
// open. The response lives until it drains, is cancelled, or ctx ends.
func (q *SpeechQueue) Begin(ctx context.Context) *Response {
	rctx, cancel := context.WithCancel(ctx)
	r := &Response{
		q:      q,
		id:     uuid.NewString(),
		ctx:    rctx,
		cancel: cancel,
		tasks:  make(map[int]*AudioTask),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}

	q.mu.Lock()
	prev := q.cur
	q.cur = r
	q.mu.Unlock()
	if prev != nil {
		prev.Cancel()
	}

	go q.run(r)
	return r
}

// Current returns the open response, or nil.
func (q *SpeechQueue) Current() *Response {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cur
}

// Enqueue adds c to the open response.
func (q *SpeechQueue) Enqueue(c Chunk) error {
	r := q.Current()
	if r == nil {
		return ErrNoResponse
	}
	return r.Enqueue(c)
}

// Cancel abandons the open response, if any.
func (q *SpeechQueue) Cancel() {
	if r := q.Current(); r != nil {
		r.Cancel()
	}
}

// ID returns the response id.
func (r *Response) ID() string { return r.id }

// Done is closed once the response's playback loop has exited.
func (r *Response) Done() <-chan struct{} { return r.done }

// Enqueue adds a chunk and starts its synthesis if it is within the lookahead
// window. Chunks may arrive in any order but each sequence number only once.
func (r *Response) Enqueue(c Chunk) error {
	q := r.q
	q.mu.Lock()
	defer q.mu.Unlock()
	if r.cancelled {
		return ErrNoResponse
	}
	if _, ok := r.tasks[c.Seq]; ok {
		return fmt.Errorf("%w: %d", ErrDuplicateChunk, c.Seq)
	}

	t := &AudioTask{
		ResponseID: r.id,
		Seq:        c.Seq,
		Text:       c.Text,
		Final:      c.Final,
		Status:     TaskPending,
		ready:      make(chan struct{}),
	}
	if c.Text == "" {
		// Terminal marker without audio.
		t.Status = TaskReady
		close(t.ready)
	}
	r.tasks[c.Seq] = t
	q.scheduleLocked(r)

	select {
	case r.wake <- struct{}{}:
	default:
	}
	return nil
}

// Cancel abandons every pending task, aborts in-flight synthesis and stops
// playback. OnDrained is not called for a cancelled response.
func (r *Response) Cancel() {
	q := r.q
	q.mu.Lock()
	if r.cancelled {
		q.mu.Unlock()
		return
	}
	r.cancelled = true
	if q.cur == r {
		q.cur = nil
	}
	wasPlaying := false
	for _, t := range r.tasks {
		switch t.Status {
		case TaskPending, TaskFetching, TaskReady:
			t.Status = TaskFailed
			t.Err = context.Canceled
			t.clip = audio.Clip{}
		case TaskPlaying:
			wasPlaying = true
		}
	}
	q.mu.Unlock()

	r.cancel()
	if wasPlaying {
		q.player.Stop()
	}
}

// Tasks returns a snapshot of the response's tasks ordered by sequence.
func (r *Response) Tasks() []AudioTask {
	q := r.q
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]AudioTask, 0, len(r.tasks))
	for _, seq := range slices.Sorted(maps.Keys(r.tasks)) {
		cp := *r.tasks[seq]
		cp.clip = audio.Clip{}
		cp.ready = nil
		out = append(out, cp)
	}
	return out
}

// scheduleLocked starts synthesis for pending tasks inside the lookahead
// window. q.mu must be held.
func (q *SpeechQueue) scheduleLocked(r *Response) {
	if r.cancelled {
		return
	}
	for seq := r.head; seq <= r.head+q.cfg.Lookahead; seq++ {
		t, ok := r.tasks[seq]
		if !ok || t.Status != TaskPending {
			continue
		}
		t.Status = TaskFetching
		go q.fetch(r, t, q.voice)
	}
}

func (q *SpeechQueue) fetch(r *Response, t *AudioTask, voice tts.VoiceSettings) {
	start := time.Now()
	clip, served, err := q.synth.SynthesizeServed(r.ctx, t.Text, voice)
	elapsed := time.Since(start)

	q.mu.Lock()
	if r.cancelled {
		// Late result of an abandoned response.
		q.mu.Unlock()
		close(t.ready)
		return
	}
	if err != nil {
		t.Status = TaskFailed
		t.Err = err
	} else {
		t.clip = clip
		t.Provider = served.Name
		t.Source = AudioPrimary
		if !served.Primary() {
			t.Source = AudioFallback
		}
		t.Status = TaskReady
	}
	source, provider := t.Source, t.Provider
	q.mu.Unlock()
	close(t.ready)

	ctx := context.Background()
	if err != nil {
		var se *tts.SynthesisError
		kind := "unknown"
		if errors.As(err, &se) {
			kind = string(se.Kind)
			q.cfg.Metrics.RecordProviderError(ctx, se.Provider, kind)
		}
		q.cfg.Logger.Warn("conversation: synthesis failed on all backends",
			"response_id", r.id, "seq", t.Seq, "kind", kind, "err", err)
		return
	}
	q.cfg.Metrics.RecordSynthesis(ctx, string(source), provider, elapsed)
	if source == AudioFallback {
		q.cfg.Logger.Info("conversation: chunk served by fallback",
			"response_id", r.id, "seq", t.Seq, "source", provider)
	}
}

// run plays the response's tasks in sequence order.
func (q *SpeechQueue) run(r *Response) {
	defer close(r.done)
	for seq := 0; ; seq++ {
		t := q.await(r, seq)
		if t == nil {
			return
		}
		select {
		case <-t.ready:
		case <-r.ctx.Done():
			return
		}

		q.play(r, t)

		q.mu.Lock()
		t.clip = audio.Clip{}
		r.head = seq + 1
		q.scheduleLocked(r)
		cancelled := r.cancelled
		if t.Final && q.cur == r {
			q.cur = nil
		}
		q.mu.Unlock()

		if cancelled {
			return
		}
		if t.Final {
			r.cancel()
			if q.cfg.OnDrained != nil {
				q.cfg.OnDrained(r.id)
			}
			return
		}
	}
}

// await blocks until task seq has been enqueued.
func (q *SpeechQueue) await(r *Response, seq int) *AudioTask {
	for {
		q.mu.Lock()
		t, ok := r.tasks[seq]
		q.mu.Unlock()
		if ok {
			return t
		}
		select {
		case <-r.wake:
		case <-r.ctx.Done():
			return nil
		}
	}
}

// play plays one ready task, or skips it when it failed or carries no audio.
func (q *SpeechQueue) play(r *Response, t *AudioTask) {
	q.mu.Lock()
	status, clip, cancelled := t.Status, t.clip, r.cancelled
	q.mu.Unlock()
	if cancelled {
		return
	}

	switch {
	case status == TaskFailed:
		q.cfg.Metrics.RecordSkippedChunk(context.Background(), "synthesis")
		q.cfg.Logger.Warn("conversation: skipping chunk without audio", "response_id", r.id, "seq", t.Seq)
		return
	case clip.Empty():
		q.setStatus(t, TaskDone, nil)
		return
	}

	owner := fmt.Sprintf("%s/%d", r.id, t.Seq)
	if err := q.lock.Acquire(r.ctx, owner); err != nil {
		return
	}
	defer q.lock.Release(owner)

	q.mu.Lock()
	if r.cancelled {
		q.mu.Unlock()
		return
	}
	t.Status = TaskPlaying
	first := !r.played
	r.played = true
	q.mu.Unlock()

	if q.cfg.Observer != nil {
		q.cfg.Observer.OnPlaybackStart()
	}
	if first && q.cfg.OnFirstAudio != nil {
		q.cfg.OnFirstAudio(r.id)
	}

	pctx, cancel := context.WithTimeout(r.ctx, q.cfg.MaxPlayback)
	start := time.Now()
	err := q.player.Play(pctx, owner, clip)
	timedOut := errors.Is(pctx.Err(), context.DeadlineExceeded)
	cancel()
	q.cfg.Metrics.PlaybackDuration.Record(context.Background(), time.Since(start).Seconds())

	if timedOut {
		q.player.Stop()
	}
	if q.cfg.Observer != nil {
		q.cfg.Observer.OnPlaybackEnd()
	}

	switch {
	case err == nil:
		q.setStatus(t, TaskDone, nil)
	case r.ctx.Err() != nil && !timedOut:
		q.setStatus(t, TaskFailed, err)
	default:
		q.setStatus(t, TaskFailed, fmt.Errorf("%w: %w", ErrPlayback, err))
		q.cfg.Metrics.RecordSkippedChunk(context.Background(), "playback")
		q.cfg.Logger.Warn("conversation: playback failed, continuing",
			"response_id", r.id, "seq", t.Seq, "err", err)
	}
}

func (q *SpeechQueue) setStatus(t *AudioTask, s TaskStatus, err error) {
	q.mu.Lock()
	t.Status = s
	t.Err = err
	q.mu.Unlock()
}
