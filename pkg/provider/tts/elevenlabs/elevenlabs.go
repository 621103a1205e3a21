// Package elevenlabs provides an ElevenLabs-backed TTS provider using the
// ElevenLabs text-to-speech REST API. It implements the tts.Provider interface.
package elevenlabs

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/MrWong99/handsfree/pkg/audio"
	"github.com/MrWong99/handsfree/pkg/provider/tts"
)

const (
	providerName     = "elevenlabs"
	defaultBaseURL   = "https://api.elevenlabs.io"
	defaultModel     = "eleven_flash_v2_5"
	defaultVoiceID   = "21m00Tcm4TlvDq8ikWAM"
	defaultOutputFmt = "mp3_44100_128"

	// maxErrorBody bounds how much of an error response is kept for the
	// error message.
	maxErrorBody = 2048
)

// Option is a functional option for configuring the ElevenLabs Provider.
type Option func(*Provider)

// WithModel sets the ElevenLabs model ID (e.g., "eleven_flash_v2_5").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithOutputFormat sets the audio output format (e.g., "mp3_44100_128",
// "pcm_16000").
func WithOutputFormat(format string) Option {
	return func(p *Provider) {
		p.outputFormat = format
	}
}

// WithDefaultVoice sets the voice used when VoiceSettings.VoiceID is empty.
func WithDefaultVoice(voiceID string) Option {
	return func(p *Provider) {
		p.defaultVoice = voiceID
	}
}

// WithBaseURL overrides the API base URL. Intended for tests and proxies.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		p.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) {
		p.httpClient = c
	}
}

// WithRateLimit caps outgoing requests to rps per second with the given burst.
// A request that cannot obtain a token before its context deadline fails
// immediately as a quota error, so the caller can move on to a fallback
// instead of queueing behind the limiter.
func WithRateLimit(rps float64, burst int) Option {
	return func(p *Provider) {
		if rps > 0 {
			p.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
		}
	}
}

// Provider implements tts.Provider backed by the ElevenLabs REST API.
type Provider struct {
	apiKey       string
	baseURL      string
	model        string
	outputFormat string
	defaultVoice string
	httpClient   *http.Client
	limiter      *rate.Limiter
}

// New creates a new ElevenLabs Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("elevenlabs: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		baseURL:      defaultBaseURL,
		model:        defaultModel,
		outputFormat: defaultOutputFmt,
		defaultVoice: defaultVoiceID,
		httpClient:   &http.Client{},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ---- request types ----

type synthesizeRequest struct {
	Text          string        `json:"text"`
	ModelID       string        `json:"model_id"`
	VoiceSettings voiceSettings `json:"voice_settings"`
}

// voiceSettings mirrors the ElevenLabs voice_settings object.
type voiceSettings struct {
	Stability       float64 `json:"stability"`
	SimilarityBoost float64 `json:"similarity_boost"`
	Style           float64 `json:"style"`
	UseSpeakerBoost bool    `json:"use_speaker_boost"`
}

// mapVoiceSettings translates the provider-neutral settings onto ElevenLabs'
// names: consistency is similarity_boost and expressiveness is style.
func mapVoiceSettings(v tts.VoiceSettings) voiceSettings {
	return voiceSettings{
		Stability:       clamp01(v.Stability),
		SimilarityBoost: clamp01(v.Consistency),
		Style:           clamp01(v.Expressiveness),
		UseSpeakerBoost: v.ClarityBoost,
	}
}

func clamp01(f float64) float64 {
	return min(max(f, 0), 1)
}

// Synthesize posts text to /v1/text-to-speech/{voice} and returns the audio
// body as a clip.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceSettings) (audio.Clip, error) {
	if strings.TrimSpace(text) == "" {
		return audio.Clip{}, tts.NewSynthesisError(providerName, tts.KindTransport, 0, errors.New("empty text"))
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return audio.Clip{}, tts.NewSynthesisError(providerName, "", 0, ctx.Err())
			}
			return audio.Clip{}, tts.NewSynthesisError(providerName, tts.KindQuota, 0, fmt.Errorf("local rate limit: %w", err))
		}
	}

	req, err := p.buildRequest(ctx, text, voice)
	if err != nil {
		return audio.Clip{}, tts.NewSynthesisError(providerName, tts.KindTransport, 0, err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return audio.Clip{}, tts.NewSynthesisError(providerName, "", 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return audio.Clip{}, statusError(resp.StatusCode, body)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.Clip{}, tts.NewSynthesisError(providerName, "", resp.StatusCode, fmt.Errorf("read body: %w", err))
	}
	if len(data) == 0 {
		return audio.Clip{}, tts.NewSynthesisError(providerName, tts.KindTransport, resp.StatusCode, errors.New("empty audio body"))
	}
	return p.clip(data), nil
}

func (p *Provider) buildRequest(ctx context.Context, text string, voice tts.VoiceSettings) (*http.Request, error) {
	voiceID := voice.VoiceID
	if voiceID == "" {
		voiceID = p.defaultVoice
	}
	body, err := json.Marshal(synthesizeRequest{
		Text:          text,
		ModelID:       p.model,
		VoiceSettings: mapVoiceSettings(voice),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/v1/text-to-speech/%s?output_format=%s", p.baseURL, voiceID, p.outputFormat)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("xi-api-key", p.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/*")
	return req, nil
}

// clip tags the response body with the encoding implied by the output format.
func (p *Provider) clip(data []byte) audio.Clip {
	codec, rateStr, _ := strings.Cut(p.outputFormat, "_")
	sampleRate, _ := strconv.Atoi(rateStr)
	switch codec {
	case "pcm":
		return audio.Clip{Data: data, Encoding: audio.EncodingPCM16, SampleRate: sampleRate, Channels: 1}
	default:
		return audio.Clip{Data: data, Encoding: audio.EncodingMP3}
	}
}

// statusError maps an ElevenLabs error response onto a SynthesisError. The
// API reports an exhausted character quota as 401 with a "quota_exceeded"
// detail status, and request throttling as 429.
func statusError(status int, body []byte) *tts.SynthesisError {
	msg := strings.TrimSpace(string(body))
	kind := tts.KindTransport
	switch {
	case status == http.StatusTooManyRequests:
		kind = tts.KindQuota
	case status == http.StatusUnauthorized && strings.Contains(msg, "quota_exceeded"):
		kind = tts.KindQuota
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		kind = tts.KindTimeout
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	return tts.NewSynthesisError(providerName, kind, status, errors.New(msg))
}

var _ tts.Provider = (*Provider)(nil)
