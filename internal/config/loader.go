package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultMetricsPath      = "/metrics"
	DefaultSynthesisTimeout = 4 * time.Second
	DefaultLLMOpenTimeout   = 3 * time.Second
	DefaultTurnLogBuffer    = 256
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anyllm-openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
	"tts": {"elevenlabs", "coqui"},
}

// Load reads the YAML configuration file at path and returns a validated [Config]
// with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, validates it and applies
// defaults. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	ApplyDefaults(cfg)
	return cfg, nil
}

// ApplyDefaults fills unset server, synthesis and turn log fields. Conversation
// timings are left at zero so the conversation package picks its own
// defaults.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Server.MetricsPath == "" {
		cfg.Server.MetricsPath = DefaultMetricsPath
	}
	if cfg.Conversation.SynthesisTimeout == 0 {
		cfg.Conversation.SynthesisTimeout = DefaultSynthesisTimeout
	}
	if cfg.Resilience.LLMOpenTimeout == 0 {
		cfg.Resilience.LLMOpenTimeout = DefaultLLMOpenTimeout
	}
	if cfg.TurnLog.BufferSize == 0 {
		cfg.TurnLog.BufferSize = DefaultTurnLogBuffer
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if p := cfg.Server.MetricsPath; p != "" && p[0] != '/' {
		errs = append(errs, fmt.Errorf("server.metrics_path %q must start with /", p))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	p := cfg.Providers
	validateProviderName("llm", p.LLM.Name)
	validateProviderName("llm", p.LLMFallback.Name)
	validateProviderName("tts", p.TTS.Name)
	validateProviderName("tts", p.TTSFallback.Name)
	validateProviderName("stt", p.STT.Name)

	if p.LLMFallback.Configured() && !p.LLM.Configured() {
		errs = append(errs, errors.New("providers.llm_fallback is set but providers.llm is not configured"))
	}
	if p.TTSFallback.Configured() && !p.TTS.Configured() {
		errs = append(errs, errors.New("providers.tts_fallback is set but providers.tts is not configured"))
	}
	if !p.LLM.Configured() {
		slog.Warn("no LLM provider configured; conversations will not be able to send utterances")
	}
	if !p.TTS.Configured() {
		slog.Warn("no TTS provider configured; replies cannot be spoken")
	}

	// Conversation
	c := cfg.Conversation
	for name, d := range map[string]time.Duration{
		"dedupe_window":       c.DedupeWindow,
		"settle_delay":        c.SettleDelay,
		"safety_timeout":      c.SafetyTimeout,
		"stream_idle_timeout": c.StreamIdleTimeout,
		"synthesis_timeout":   c.SynthesisTimeout,
		"max_playback":        c.MaxPlayback,
		"history_max_age":     c.HistoryMaxAge,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("conversation.%s %s must not be negative", name, d))
		}
	}
	if c.Lookahead < 0 {
		errs = append(errs, fmt.Errorf("conversation.lookahead %d must not be negative", c.Lookahead))
	}
	if c.MaxChunkChars != 0 && c.MaxChunkChars < 20 {
		errs = append(errs, fmt.Errorf("conversation.max_chunk_chars %d is too small; minimum is 20", c.MaxChunkChars))
	}
	if c.HistoryWindow < 0 {
		errs = append(errs, fmt.Errorf("conversation.history_window %d must not be negative", c.HistoryWindow))
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("conversation.similarity_threshold %.2f is out of range [0, 1]", c.SimilarityThreshold))
	}
	if c.SafetyTimeout > 0 && c.SynthesisTimeout > 0 && c.SynthesisTimeout*2 > c.SafetyTimeout {
		slog.Warn("conversation.synthesis_timeout leaves no room for a fallback attempt within safety_timeout",
			"synthesis_timeout", c.SynthesisTimeout,
			"safety_timeout", c.SafetyTimeout,
		)
	}

	// Voice
	for name, v := range map[string]float64{
		"stability":      cfg.Voice.Stability,
		"expressiveness": cfg.Voice.Expressiveness,
		"consistency":    cfg.Voice.Consistency,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Errorf("voice.%s %.2f is out of range [0, 1]", name, v))
		}
	}

	// Resilience
	r := cfg.Resilience
	if r.MaxFailures < 0 || r.HalfOpenMax < 0 || r.PrimaryTTSBurst < 0 {
		errs = append(errs, errors.New("resilience counts must not be negative"))
	}
	if r.ResetTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.reset_timeout %s must not be negative", r.ResetTimeout))
	}
	if r.LLMOpenTimeout < 0 {
		errs = append(errs, fmt.Errorf("resilience.llm_open_timeout %s must not be negative", r.LLMOpenTimeout))
	}
	if r.PrimaryTTSRate < 0 {
		errs = append(errs, fmt.Errorf("resilience.primary_tts_rate %.2f must not be negative", r.PrimaryTTSRate))
	}

	// Turn log
	if cfg.TurnLog.BufferSize < 0 || cfg.TurnLog.MemorySize < 0 {
		errs = append(errs, errors.New("turnlog sizes must not be negative"))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
