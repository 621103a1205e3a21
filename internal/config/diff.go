package config

import (
	"reflect"
	"slices"
)

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked individually;
// everything else is summarised by RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// VoiceChanged is set when any voice setting differs. Voice changes apply
	// to live conversations from their next chunk.
	VoiceChanged bool

	// ConversationChanged is set when timings, history or the system prompt
	// differ. These apply to conversations opened after the reload.
	ConversationChanged bool

	// RestartRequired lists the sections whose changes only take effect
	// after a restart.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.VoiceChanged && !d.ConversationChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}
	d.VoiceChanged = old.Voice != new.Voice
	d.ConversationChanged = old.Conversation != new.Conversation

	if !sameServer(old.Server, new.Server) {
		d.RestartRequired = append(d.RestartRequired, "server")
	}
	if !sameProviders(old.Providers, new.Providers) {
		d.RestartRequired = append(d.RestartRequired, "providers")
	}
	if old.Resilience != new.Resilience {
		d.RestartRequired = append(d.RestartRequired, "resilience")
	}
	if old.TurnLog != new.TurnLog {
		d.RestartRequired = append(d.RestartRequired, "turnlog")
	}
	return d
}

// sameServer compares everything but the log level, which reloads live.
func sameServer(a, b ServerConfig) bool {
	if a.ListenAddr != b.ListenAddr || a.MetricsPath != b.MetricsPath {
		return false
	}
	if !slices.Equal(a.AllowedOrigins, b.AllowedOrigins) {
		return false
	}
	switch {
	case a.TLS == nil && b.TLS == nil:
		return true
	case a.TLS == nil || b.TLS == nil:
		return false
	}
	return *a.TLS == *b.TLS
}

func sameProviders(a, b ProvidersConfig) bool {
	return sameEntry(a.LLM, b.LLM) &&
		sameEntry(a.LLMFallback, b.LLMFallback) &&
		sameEntry(a.TTS, b.TTS) &&
		sameEntry(a.TTSFallback, b.TTSFallback) &&
		sameEntry(a.STT, b.STT)
}

func sameEntry(a, b ProviderEntry) bool {
	return a.Name == b.Name &&
		a.APIKey == b.APIKey &&
		a.BaseURL == b.BaseURL &&
		a.Model == b.Model &&
		reflect.DeepEqual(a.Options, b.Options)
}
