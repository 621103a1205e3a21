package app

import (
	"cmp"
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/handsfree/internal/config"
	"github.com/MrWong99/handsfree/internal/conversation"
	"github.com/MrWong99/handsfree/internal/observe"
	"github.com/MrWong99/handsfree/pkg/audio"
	"github.com/MrWong99/handsfree/pkg/provider/llm"
	"github.com/MrWong99/handsfree/pkg/provider/tts"
	"github.com/MrWong99/handsfree/pkg/turnlog"
)

// SessionInfo describes a live conversation.
type SessionInfo struct {
	// ID is the session id shared with the client and the turn log.
	ID string `json:"id"`

	// Remote is the client's network address.
	Remote string `json:"remote"`

	// StartedAt is when the socket was opened.
	StartedAt time.Time `json:"started_at"`

	// State is the conversation state at the time of the call.
	State string `json:"state"`

	// MicOpen reports whether the client's microphone is currently enabled.
	MicOpen bool `json:"mic_open"`
}

// SessionManager tracks the live conversations by id. It creates each
// controller from the current conversation settings, so settings changed at
// runtime apply to conversations opened afterwards; voice changes also reach
// the live ones.
//
// All exported methods are safe for concurrent use.
type SessionManager struct {
	model   llm.Provider
	synth   conversation.Synthesizer
	turns   *turnlog.Writer
	metrics *observe.Metrics
	log     *slog.Logger

	mu       sync.Mutex
	conv     config.ConversationConfig
	voice    tts.VoiceSettings
	sessions map[string]*liveSession
}

type liveSession struct {
	ctrl      *conversation.Controller
	remote    string
	startedAt time.Time
}

// SessionManagerConfig holds all dependencies for a [SessionManager].
type SessionManagerConfig struct {
	Model        llm.Provider
	Synth        conversation.Synthesizer
	Conversation config.ConversationConfig
	Voice        tts.VoiceSettings
	TurnLog      *turnlog.Writer
	Metrics      *observe.Metrics
	Logger       *slog.Logger
}

// NewSessionManager creates a SessionManager with the given dependencies.
func NewSessionManager(cfg SessionManagerConfig) *SessionManager {
	sm := &SessionManager{
		model:    cfg.Model,
		synth:    cfg.Synth,
		turns:    cfg.TurnLog,
		metrics:  cfg.Metrics,
		log:      cfg.Logger,
		conv:     cfg.Conversation,
		voice:    cfg.Voice,
		sessions: make(map[string]*liveSession),
	}
	if sm.metrics == nil {
		sm.metrics = observe.DefaultMetrics()
	}
	if sm.log == nil {
		sm.log = slog.Default()
	}
	return sm
}

// Open creates the controller for a new conversation. An existing
// conversation with the same id is closed first.
func (sm *SessionManager) Open(ctx context.Context, id, remote string, player audio.Player, mic audio.Microphone) *conversation.Controller {
	sm.mu.Lock()
	prev := sm.sessions[id]
	conv, voice := sm.conv, sm.voice
	sm.mu.Unlock()
	if prev != nil {
		sm.log.Warn("session: replacing conversation with duplicate id", "session_id", id)
		sm.Close(id)
	}

	ctrl := conversation.New(ctx, sm.model, sm.synth, player, mic,
		conversation.WithSessionID(id),
		conversation.WithTimings(timingsFrom(conv)),
		conversation.WithSystemPrompt(conv.SystemPrompt),
		conversation.WithSimilarityThreshold(conv.SimilarityThreshold),
		conversation.WithHistory(conv.HistoryWindow, conv.HistoryMaxAge),
		conversation.WithVoice(voice),
		conversation.WithTurnLog(sm.turns),
		conversation.WithLogger(sm.log),
		conversation.WithMetrics(sm.metrics),
	)

	sm.mu.Lock()
	sm.sessions[id] = &liveSession{ctrl: ctrl, remote: remote, startedAt: time.Now().UTC()}
	sm.mu.Unlock()
	sm.metrics.ActiveSessions.Add(context.Background(), 1)
	sm.log.Info("session opened", "session_id", id, "remote", remote)
	return ctrl
}

// Close ends and forgets the conversation. Unknown ids are ignored.
func (sm *SessionManager) Close(id string) {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	delete(sm.sessions, id)
	sm.mu.Unlock()
	if !ok {
		return
	}
	s.ctrl.Close()
	sm.metrics.ActiveSessions.Add(context.Background(), -1)
	sm.log.Info("session closed", "session_id", id, "duration", time.Since(s.startedAt).Round(time.Millisecond))
}

// CloseAll ends every live conversation.
func (sm *SessionManager) CloseAll() {
	sm.mu.Lock()
	ids := make([]string, 0, len(sm.sessions))
	for id := range sm.sessions {
		ids = append(ids, id)
	}
	sm.mu.Unlock()
	for _, id := range ids {
		sm.Close(id)
	}
}

// Get returns the conversation with the given id.
func (sm *SessionManager) Get(id string) (SessionInfo, bool) {
	sm.mu.Lock()
	s, ok := sm.sessions[id]
	sm.mu.Unlock()
	if !ok {
		return SessionInfo{}, false
	}
	return s.info(id), true
}

// List returns the live conversations, oldest first.
func (sm *SessionManager) List() []SessionInfo {
	sm.mu.Lock()
	out := make([]SessionInfo, 0, len(sm.sessions))
	for id, s := range sm.sessions {
		out = append(out, s.info(id))
	}
	sm.mu.Unlock()
	slices.SortFunc(out, func(a, b SessionInfo) int {
		return cmp.Or(a.StartedAt.Compare(b.StartedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// Len returns the number of live conversations.
func (sm *SessionManager) Len() int {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return len(sm.sessions)
}

// SetVoice changes the voice for new conversations and for chunks that live
// conversations synthesise from now on.
func (sm *SessionManager) SetVoice(v tts.VoiceSettings) {
	sm.mu.Lock()
	sm.voice = v
	ctrls := make([]*conversation.Controller, 0, len(sm.sessions))
	for _, s := range sm.sessions {
		ctrls = append(ctrls, s.ctrl)
	}
	sm.mu.Unlock()
	for _, c := range ctrls {
		c.SetVoice(v)
	}
}

// SetConversation replaces the settings used for conversations opened from
// now on. Live conversations keep the settings they started with.
func (sm *SessionManager) SetConversation(c config.ConversationConfig) {
	sm.mu.Lock()
	sm.conv = c
	sm.mu.Unlock()
}

func (s *liveSession) info(id string) SessionInfo {
	return SessionInfo{
		ID:        id,
		Remote:    s.remote,
		StartedAt: s.startedAt,
		State:     s.ctrl.State().String(),
		MicOpen:   s.ctrl.MicOpen(),
	}
}

// timingsFrom maps the configured timings onto the controller's. Zero values
// keep the controller defaults.
func timingsFrom(c config.ConversationConfig) conversation.Timings {
	return conversation.Timings{
		DedupeWindow:  c.DedupeWindow,
		SettleDelay:   c.SettleDelay,
		SafetyTimeout: c.SafetyTimeout,
		MaxPlayback:   c.MaxPlayback,
		Lookahead:     c.Lookahead,
		MaxChunkChars: c.MaxChunkChars,

		StreamIdleTimeout: c.StreamIdleTimeout,
	}
}
