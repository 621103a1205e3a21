// Package app wires the handsfree subsystems into a running server.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP until its context is cancelled, and Shutdown
// tears everything down in order.
//
// For testing, inject doubles via functional options (WithTurnLogStore,
// WithMetrics, etc.). When an option is not provided, New creates real
// implementations from the config.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/MrWong99/handsfree/internal/config"
	"github.com/MrWong99/handsfree/internal/gateway"
	"github.com/MrWong99/handsfree/internal/health"
	"github.com/MrWong99/handsfree/internal/observe"
	"github.com/MrWong99/handsfree/internal/resilience"
	"github.com/MrWong99/handsfree/pkg/provider/llm"
	"github.com/MrWong99/handsfree/pkg/provider/stt"
	"github.com/MrWong99/handsfree/pkg/provider/tts"
	"github.com/MrWong99/handsfree/pkg/turnlog"
	"github.com/MrWong99/handsfree/pkg/turnlog/postgres"
)

const (
	// shutdownTimeout bounds the graceful HTTP shutdown in [App.Serve].
	shutdownTimeout = 10 * time.Second

	// recentTurns is the number of turn log entries returned per session.
	recentTurns = 50

	// recognitionSampleRate is the PCM rate browsers send for server-side
	// recognition.
	recognitionSampleRate = 16000
)

// ErrProviderMissing is returned by [New] when a required provider is nil.
var ErrProviderMissing = errors.New("app: required provider not configured")

// Providers holds one interface value per provider slot. Nil means the
// provider is not configured. Populated by main.go via the config registry.
type Providers struct {
	LLM         llm.Provider
	LLMFallback llm.Provider
	TTS         tts.Provider
	TTSFallback tts.Provider
	STT         stt.Provider
}

// App owns all subsystem lifetimes.
type App struct {
	cfg       *config.Config
	providers *Providers

	log            *slog.Logger
	level          *slog.LevelVar
	metrics        *observe.Metrics
	metricsHandler http.Handler

	store    turnlog.Store
	turns    *turnlog.Writer
	sessions *SessionManager
	gateway  *gateway.Server
	health   *health.Handler

	// baseCtx outlives requests; cancelling it closes every socket.
	baseCtx    context.Context
	baseCancel context.CancelFunc

	cfgMu sync.Mutex

	// closers are called in reverse order during Shutdown.
	closers  []func() error
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTurnLogStore injects a turn log store instead of creating one from
// config.
func WithTurnLogStore(s turnlog.Store) Option {
	return func(a *App) { a.store = s }
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler mounts h at the configured metrics path.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(a *App) { a.log = l }
}

// WithLevelVar lets [App.ApplyConfig] change the log level at runtime.
func WithLevelVar(v *slog.LevelVar) Option {
	return func(a *App) { a.level = v }
}

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.log == nil {
		a.log = slog.Default()
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if providers == nil || providers.LLM == nil || providers.TTS == nil {
		return nil, fmt.Errorf("%w: llm and tts are required", ErrProviderMissing)
	}
	a.baseCtx, a.baseCancel = context.WithCancel(context.WithoutCancel(ctx))

	if err := a.initTurnLog(ctx); err != nil {
		a.baseCancel()
		return nil, fmt.Errorf("app: init turn log: %w", err)
	}

	model, synth := a.fallbackGroups()
	a.sessions = NewSessionManager(SessionManagerConfig{
		Model:        model,
		Synth:        synth,
		Conversation: cfg.Conversation,
		Voice:        cfg.Voice,
		TurnLog:      a.turns,
		Metrics:      a.metrics,
		Logger:       a.log,
	})

	gwOpts := []gateway.Option{
		gateway.WithOriginPatterns(cfg.Server.AllowedOrigins...),
		gateway.WithBaseContext(a.baseCtx),
		gateway.WithLogger(a.log),
	}
	if providers.STT != nil {
		gwOpts = append(gwOpts, gateway.WithRecognizer(providers.STT, stt.StreamConfig{
			SampleRate: recognitionSampleRate,
			Channels:   1,
			Language:   cfg.Conversation.Language,
		}))
	}
	a.gateway = gateway.New(a.sessions, gwOpts...)

	a.health = health.New(
		health.Configured("llm", true, ""),
		health.Configured("tts", true, ""),
		health.Ping("turnlog", a.store),
	)
	// Local backends such as a Coqui server can be probed directly.
	for name, p := range map[string]any{
		"llm_fallback": providers.LLMFallback,
		"tts_fallback": providers.TTSFallback,
		"stt":          providers.STT,
	} {
		if pinger, ok := p.(health.Pinger); ok {
			a.health.Add(health.Ping(name, pinger))
		}
	}
	return a, nil
}

// initTurnLog connects the PostgreSQL turn log, or keeps recent entries in
// memory when no DSN is configured.
func (a *App) initTurnLog(ctx context.Context) error {
	if a.store == nil {
		if dsn := a.cfg.TurnLog.PostgresDSN; dsn != "" {
			store, err := postgres.NewStore(ctx, dsn)
			if err != nil {
				return err
			}
			a.store = store
			a.closers = append(a.closers, func() error {
				store.Close()
				return nil
			})
		} else {
			a.log.Info("no turnlog.postgres_dsn configured, keeping the turn log in memory")
			a.store = turnlog.NewMemory(a.cfg.TurnLog.MemorySize)
		}
	}

	a.turns = turnlog.NewWriter(a.store, a.cfg.TurnLog.BufferSize, a.log)
	a.closers = append(a.closers, func() error {
		a.turns.Close()
		if n := a.turns.Dropped(); n > 0 {
			a.log.Warn("turn log entries dropped", "count", n)
		}
		return nil
	})
	return nil
}

// fallbackGroups wraps the configured providers in circuit-broken fallback
// chains.
func (a *App) fallbackGroups() (*resilience.LLMFallback, *resilience.TTSFallback) {
	p, pc, rc := a.providers, a.cfg.Providers, a.cfg.Resilience
	breaker := resilience.CircuitBreakerConfig{
		MaxFailures:  rc.MaxFailures,
		ResetTimeout: rc.ResetTimeout,
		HalfOpenMax:  rc.HalfOpenMax,
		OnStateChange: func(name string, _, to resilience.State) {
			a.metrics.RecordBreakerTransition(context.Background(), name, to.String())
		},
		Logger: a.log,
	}

	model := resilience.NewLLMFallback(p.LLM, nameOr(pc.LLM.Name, "llm"), resilience.FallbackConfig{
		CircuitBreaker: breaker,
		AttemptTimeout: rc.LLMOpenTimeout,
	})
	if p.LLMFallback != nil {
		model.AddFallback(nameOr(pc.LLMFallback.Name, "llm-fallback"), p.LLMFallback)
	}

	synth := resilience.NewTTSFallback(p.TTS, nameOr(pc.TTS.Name, "tts"), resilience.FallbackConfig{
		CircuitBreaker: breaker,
		AttemptTimeout: a.cfg.Conversation.SynthesisTimeout,
	})
	if p.TTSFallback != nil {
		synth.AddFallback(nameOr(pc.TTSFallback.Name, "tts-fallback"), p.TTSFallback)
	}
	return model, synth
}

func nameOr(name, def string) string {
	if name == "" {
		return def
	}
	return name
}

// Sessions returns the live conversation registry.
func (a *App) Sessions() *SessionManager { return a.sessions }

// Handler returns the HTTP handler serving conversation sockets, the
// session API, health probes and, if configured, metrics.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /ws", a.gateway)
	mux.HandleFunc("GET /api/sessions", a.listSessions)
	mux.HandleFunc("GET /api/sessions/{id}", a.getSession)
	a.health.Register(mux)

	quiet := []string{"/healthz", "/readyz"}
	if a.metricsHandler != nil {
		mux.Handle("GET "+a.cfg.Server.MetricsPath, a.metricsHandler)
		quiet = append(quiet, a.cfg.Server.MetricsPath)
	}
	return observe.Middleware(a.metrics,
		observe.WithQuietPaths(quiet...),
		observe.WithMiddlewareLogger(a.log),
	)(mux)
}

func (a *App) listSessions(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"sessions": a.sessions.List()})
}

type sessionDetail struct {
	Session *SessionInfo    `json:"session,omitempty"`
	Turns   []turnlog.Entry `json:"turns"`
}

// getSession returns a live session and its recent turns. Ended sessions are
// still served from the turn log.
func (a *App) getSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	turns, err := a.store.Recent(r.Context(), id, recentTurns)
	if err != nil {
		observe.Logger(r.Context()).Warn("app: read turn log", "session_id", id, "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "turn log unavailable"})
		return
	}
	d := sessionDetail{Turns: turns}
	if info, ok := a.sessions.Get(id); ok {
		d.Session = &info
	}
	if d.Session == nil && len(turns) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "unknown session"})
		return
	}
	if d.Turns == nil {
		d.Turns = []turnlog.Entry{}
	}
	writeJSON(w, http.StatusOK, d)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Run listens on the configured address and serves until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	return a.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled, then closes the conversation
// sockets and shuts the server down gracefully. It returns nil after a clean
// shutdown.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(a.log.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		if tls := a.cfg.Server.TLS; tls != nil {
			errCh <- srv.ServeTLS(ln, tls.CertFile, tls.KeyFile)
			return
		}
		errCh <- srv.Serve(ln)
	}()
	a.log.Info("app running", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	// Hijacked sockets are not tracked by the server, so close them first.
	a.baseCancel()
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(sctx); err != nil {
		return fmt.Errorf("app: http shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("app: serve: %w", err)
	}
	return nil
}

// ApplyConfig applies the hot-reloadable parts of next: the log level, the
// voice (live and new conversations) and conversation settings (new
// conversations only). Changes that need a restart are logged.
func (a *App) ApplyConfig(next *config.Config) config.ConfigDiff {
	a.cfgMu.Lock()
	defer a.cfgMu.Unlock()

	d := config.Diff(a.cfg, next)
	if d.LogLevelChanged && a.level != nil {
		a.level.Set(d.NewLogLevel.Level())
		a.log.Info("log level changed", "level", d.NewLogLevel)
	}
	if d.VoiceChanged {
		a.sessions.SetVoice(next.Voice)
		a.log.Info("voice settings changed", "voice_id", next.Voice.VoiceID)
	}
	if d.ConversationChanged {
		a.sessions.SetConversation(next.Conversation)
		a.log.Info("conversation settings changed, applying to new conversations")
	}
	if len(d.RestartRequired) > 0 {
		a.log.Warn("config sections changed that need a restart", "sections", d.RestartRequired)
	}

	// Keep the running values for sections that were not applied.
	applied := *a.cfg
	applied.Server.LogLevel = next.Server.LogLevel
	applied.Voice = next.Voice
	applied.Conversation = next.Conversation
	a.cfg = &applied
	return d
}

// Shutdown closes every conversation and tears down all subsystems in
// reverse-init order. It respects the context deadline: if ctx expires
// before all closers finish, remaining closers are skipped and the context
// error is returned.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "sessions", a.sessions.Len(), "closers", len(a.closers))
		a.baseCancel()
		a.sessions.CloseAll()

		for i := len(a.closers) - 1; i >= 0; i-- {
			select {
			case <-ctx.Done():
				a.log.Warn("shutdown deadline exceeded", "remaining", i+1)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := a.closers[i](); err != nil {
				a.log.Warn("closer error", "index", i, "err", err)
			}
		}
		a.log.Info("shutdown complete")
	})
	return shutdownErr
}
