// Command handsfree is the main entry point for the hands-free conversation
// server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	anyllmlib "github.com/mozilla-ai/any-llm-go"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/handsfree/internal/app"
	"github.com/MrWong99/handsfree/internal/config"
	"github.com/MrWong99/handsfree/internal/observe"
	"github.com/MrWong99/handsfree/pkg/provider/llm"
	"github.com/MrWong99/handsfree/pkg/provider/llm/anyllm"
	"github.com/MrWong99/handsfree/pkg/provider/llm/openai"
	"github.com/MrWong99/handsfree/pkg/provider/stt"
	"github.com/MrWong99/handsfree/pkg/provider/stt/deepgram"
	"github.com/MrWong99/handsfree/pkg/provider/tts"
	"github.com/MrWong99/handsfree/pkg/provider/tts/coqui"
	"github.com/MrWong99/handsfree/pkg/provider/tts/elevenlabs"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	// ── Load configuration ────────────────────────────────────────────────────
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(_, next *config.Config) {
		if application != nil {
			application.ApplyConfig(next)
		}
	}, config.WithWatchLogger(logger))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "handsfree: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "handsfree: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(cfg.Server.LogLevel.Level())

	slog.Info("handsfree starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	telemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "handsfree",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Providers ─────────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg, cfg.Resilience)

	providers, err := buildProviders(cfg, reg)
	if err != nil {
		slog.Error("failed to build providers", "err", err)
		return 1
	}

	application, err = app.New(ctx, cfg, providers,
		app.WithLogger(logger),
		app.WithLevelVar(level),
		app.WithMetricsHandler(telemetry.Handler()),
	)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })
	g.Go(func() error { return watcher.Run(gctx) })

	slog.Info("server ready, press Ctrl+C to shut down")
	runErr := g.Wait()
	if runErr != nil {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	code := 0
	if runErr != nil {
		code = 1
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := telemetry.Shutdown(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// ── Provider wiring ───────────────────────────────────────────────────────────

// registerBuiltinProviders wires all built-in provider factories into reg.
// Each factory receives a config.ProviderEntry and constructs the appropriate
// provider from the real implementation packages.
func registerBuiltinProviders(reg *config.Registry, res config.ResilienceConfig) {
	// ── LLM ───────────────────────────────────────────────────────────────────

	// The native OpenAI client is preferred for the primary; every backend
	// any-llm supports is also available, mostly as a fallback.
	reg.RegisterLLM("openai", func(entry config.ProviderEntry) (llm.Provider, error) {
		var opts []openai.Option
		if entry.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(entry.BaseURL))
		}
		if org := optString(entry.Options, "organization"); org != "" {
			opts = append(opts, openai.WithOrganization(org))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, openai.WithTimeout(d))
		}
		return openai.New(entry.APIKey, entry.Model, opts...)
	})

	for _, providerName := range anyllm.Supported {
		name := providerName
		if name == "openai" {
			name = "anyllm-openai"
		}
		reg.RegisterLLM(name, func(entry config.ProviderEntry) (llm.Provider, error) {
			var opts []anyllmlib.Option
			if entry.APIKey != "" {
				opts = append(opts, anyllmlib.WithAPIKey(entry.APIKey))
			}
			if entry.BaseURL != "" {
				opts = append(opts, anyllmlib.WithBaseURL(entry.BaseURL))
			}
			return anyllm.New(providerName, entry.Model, opts...)
		})
	}

	// ── STT ───────────────────────────────────────────────────────────────────

	reg.RegisterSTT("deepgram", func(entry config.ProviderEntry) (stt.Provider, error) {
		var opts []deepgram.Option
		if entry.Model != "" {
			opts = append(opts, deepgram.WithModel(entry.Model))
		}
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, deepgram.WithLanguage(lang))
		}
		if d := optDuration(entry.Options, "utterance_end"); d > 0 {
			opts = append(opts, deepgram.WithUtteranceEnd(d))
		}
		if entry.BaseURL != "" {
			opts = append(opts, deepgram.WithEndpoint(entry.BaseURL))
		}
		return deepgram.New(entry.APIKey, opts...)
	})

	// ── TTS ───────────────────────────────────────────────────────────────────

	reg.RegisterTTS("elevenlabs", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []elevenlabs.Option
		if entry.Model != "" {
			opts = append(opts, elevenlabs.WithModel(entry.Model))
		}
		if outputFmt := optString(entry.Options, "output_format"); outputFmt != "" {
			opts = append(opts, elevenlabs.WithOutputFormat(outputFmt))
		}
		if voice := optString(entry.Options, "voice_id"); voice != "" {
			opts = append(opts, elevenlabs.WithDefaultVoice(voice))
		}
		if entry.BaseURL != "" {
			opts = append(opts, elevenlabs.WithBaseURL(entry.BaseURL))
		}
		if res.PrimaryTTSRate > 0 {
			opts = append(opts, elevenlabs.WithRateLimit(res.PrimaryTTSRate, res.PrimaryTTSBurst))
		}
		return elevenlabs.New(entry.APIKey, opts...)
	})

	reg.RegisterTTS("coqui", func(entry config.ProviderEntry) (tts.Provider, error) {
		var opts []coqui.Option
		if lang := optString(entry.Options, "language"); lang != "" {
			opts = append(opts, coqui.WithLanguage(lang))
		}
		if mode := optString(entry.Options, "api_mode"); mode != "" {
			opts = append(opts, coqui.WithAPIMode(coqui.APIMode(mode)))
		}
		if speaker := optString(entry.Options, "speaker"); speaker != "" {
			opts = append(opts, coqui.WithDefaultSpeaker(speaker))
		}
		if rate := optInt(entry.Options, "sample_rate"); rate > 0 {
			opts = append(opts, coqui.WithOutputSampleRate(rate))
		}
		if d := optDuration(entry.Options, "timeout"); d > 0 {
			opts = append(opts, coqui.WithTimeout(d))
		}
		return coqui.New(entry.BaseURL, opts...)
	})

	for _, kind := range []string{"llm", "stt", "tts"} {
		slog.Debug("registered providers", "kind", kind, "names", reg.Names(kind))
	}
}

// buildProviders instantiates all providers named in cfg using the registry
// and returns them in an [app.Providers] struct for the application to consume.
func buildProviders(cfg *config.Config, reg *config.Registry) (*app.Providers, error) {
	ps := &app.Providers{}
	var err error
	if ps.LLM, err = create("llm", cfg.Providers.LLM, reg.CreateLLM); err != nil {
		return nil, err
	}
	if ps.LLMFallback, err = create("llm_fallback", cfg.Providers.LLMFallback, reg.CreateLLM); err != nil {
		return nil, err
	}
	if ps.TTS, err = create("tts", cfg.Providers.TTS, reg.CreateTTS); err != nil {
		return nil, err
	}
	if ps.TTSFallback, err = create("tts_fallback", cfg.Providers.TTSFallback, reg.CreateTTS); err != nil {
		return nil, err
	}
	if ps.STT, err = create("stt", cfg.Providers.STT, reg.CreateSTT); err != nil {
		return nil, err
	}
	return ps, nil
}

// create builds the provider in entry. An unconfigured slot yields the zero
// value without error.
func create[T any](slot string, entry config.ProviderEntry, factory func(config.ProviderEntry) (T, error)) (T, error) {
	var zero T
	if !entry.Configured() {
		return zero, nil
	}
	p, err := factory(entry)
	if err != nil {
		return zero, fmt.Errorf("create %s provider %q: %w", slot, entry.Name, err)
	}
	slog.Info("provider created", "slot", slot, "name", entry.Name, "model", entry.Model)
	return p, nil
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// optString extracts a string value from a provider Options map[string]any.
// Returns "" if the key is absent or the value is not a string.
func optString(opts map[string]any, key string) string {
	s, _ := opts[key].(string)
	return s
}

// optInt extracts an integer. YAML decodes whole numbers as int.
func optInt(opts map[string]any, key string) int {
	switch v := opts[key].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// optDuration parses a duration string such as "1500ms". Invalid values are
// logged and ignored.
func optDuration(opts map[string]any, key string) time.Duration {
	s := optString(opts, key)
	if s == "" {
		return 0
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		slog.Warn("ignoring invalid provider option", "key", key, "value", s, "err", err)
		return 0
	}
	return d
}
