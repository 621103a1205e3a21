// Package coqui provides a local Coqui TTS-backed provider that talks to either
// a Coqui XTTS v2 server or a standard Coqui TTS server via its REST API. It
// implements the tts.Provider interface and is intended as the low-latency,
// always-available fallback behind a hosted primary.
//
// Two API modes are supported:
//
//   - APIModeStandard (default): targets the standard Coqui TTS server
//     (ghcr.io/coqui-ai/tts-cpu). Synthesis is performed via GET /api/tts with
//     URL query parameters.
//
//   - APIModeXTTS: targets the Coqui XTTS v2 API server. Synthesis is performed
//     via POST /tts_to_audio/ with a JSON body.
//
// Both servers answer with a WAV file. The provider downmixes it to mono and,
// when configured, resamples it before returning it as a WAV clip.
//
// Typical usage:
//
//	p, err := coqui.New("http://localhost:5002",
//	    coqui.WithLanguage("en"),
//	    coqui.WithOutputSampleRate(22050),
//	)
//	clip, err := p.Synthesize(ctx, "Step one: Turn off power.", voice)
package coqui

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/MrWong99/handsfree/pkg/audio"
	"github.com/MrWong99/handsfree/pkg/provider/tts"
)

// Compile-time interface assertion.
var _ tts.Provider = (*Provider)(nil)

const (
	providerName     = "coqui"
	defaultLanguage  = "en"
	defaultTimeout   = 30 * time.Second
	ttsEndpoint      = "/tts_to_audio/"
	apiTTSEndpoint   = "/api/tts"
	detailsEndpoint  = "/details"
	speakersEndpoint = "/studio_speakers"
)

// APIMode selects which Coqui server API the provider will target.
type APIMode string

const (
	// APIModeXTTS targets the Coqui XTTS v2 API server (/tts_to_audio/).
	APIModeXTTS APIMode = "xtts"

	// APIModeStandard targets the standard Coqui TTS server (/api/tts).
	APIModeStandard APIMode = "standard"
)

// Option is a functional option for configuring a Coqui Provider.
type Option func(*Provider)

// WithLanguage sets the language code sent to the TTS server (e.g., "en",
// "de"). Defaults to "en".
func WithLanguage(lang string) Option {
	return func(p *Provider) {
		p.language = lang
	}
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 30 s. The
// caller's context deadline still applies and is usually much shorter.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) {
		p.httpClient.Timeout = d
	}
}

// WithAPIMode sets the server API mode.
func WithAPIMode(mode APIMode) Option {
	return func(p *Provider) {
		p.apiMode = mode
	}
}

// WithOutputSampleRate resamples synthesized audio to rate. Zero keeps the
// model's native rate.
func WithOutputSampleRate(rate int) Option {
	return func(p *Provider) {
		p.outputRate = rate
	}
}

// WithDefaultSpeaker sets the speaker used when VoiceSettings.VoiceID is
// empty. In XTTS mode this is the speaker_wav reference.
func WithDefaultSpeaker(id string) Option {
	return func(p *Provider) {
		p.defaultSpeaker = id
	}
}

// Provider implements tts.Provider backed by a locally-running Coqui server.
// It is safe for concurrent use.
type Provider struct {
	serverURL      string
	language       string
	httpClient     *http.Client
	apiMode        APIMode
	outputRate     int
	defaultSpeaker string
}

// New creates a Coqui Provider that targets the TTS server at serverURL
// (e.g., "http://localhost:5002"). serverURL must be non-empty.
func New(serverURL string, opts ...Option) (*Provider, error) {
	if serverURL == "" {
		return nil, errors.New("coqui: serverURL must not be empty")
	}
	p := &Provider{
		serverURL: strings.TrimRight(serverURL, "/"),
		language:  defaultLanguage,
		apiMode:   APIModeStandard,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
	}
	for _, o := range opts {
		o(p)
	}
	return p, nil
}

// ttsRequest is the JSON body sent to POST /tts_to_audio/ (XTTS mode).
type ttsRequest struct {
	Text       string `json:"text"`
	SpeakerWav string `json:"speaker_wav"`
	Language   string `json:"language"`
}

// Synthesize requests a WAV rendering of text and returns it as a mono WAV
// clip. Coqui has no notion of stability or style, so only VoiceID is used.
func (p *Provider) Synthesize(ctx context.Context, text string, voice tts.VoiceSettings) (audio.Clip, error) {
	speaker := voice.VoiceID
	if speaker == "" {
		speaker = p.defaultSpeaker
	}

	var (
		req *http.Request
		err error
	)
	if p.apiMode == APIModeXTTS {
		req, err = p.xttsRequest(ctx, text, speaker)
	} else {
		req, err = p.standardRequest(ctx, text, speaker)
	}
	if err != nil {
		return audio.Clip{}, tts.NewSynthesisError(providerName, tts.KindTransport, 0, err)
	}

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return audio.Clip{}, tts.NewSynthesisError(providerName, "", 0, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return audio.Clip{}, tts.NewSynthesisError(providerName, tts.KindTransport, resp.StatusCode,
			fmt.Errorf("%s %s returned status %d", req.Method, req.URL.Path, resp.StatusCode))
	}

	wav, err := io.ReadAll(resp.Body)
	if err != nil {
		return audio.Clip{}, tts.NewSynthesisError(providerName, "", resp.StatusCode, fmt.Errorf("read WAV response: %w", err))
	}

	clip, err := audio.NormalizeWAV(audio.Clip{Data: wav, Encoding: audio.EncodingWAV}, p.outputRate)
	if err != nil {
		return audio.Clip{}, tts.NewSynthesisError(providerName, tts.KindTransport, resp.StatusCode, err)
	}
	return clip, nil
}

func (p *Provider) xttsRequest(ctx context.Context, text, speaker string) (*http.Request, error) {
	data, err := json.Marshal(ttsRequest{
		Text:       text,
		SpeakerWav: speaker,
		Language:   p.language,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal tts request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.serverURL+ttsEndpoint, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/wav")
	return req, nil
}

func (p *Provider) standardRequest(ctx context.Context, text, speaker string) (*http.Request, error) {
	params := url.Values{}
	params.Set("text", text)
	if speaker != "" {
		params.Set("speaker_id", speaker)
	}
	if p.language != "" {
		params.Set("language_id", p.language)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+apiTTSEndpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "audio/wav")
	return req, nil
}

// Ping checks that the server is reachable by fetching its model details
// (standard mode) or speaker catalogue (XTTS mode). It is used as a readiness
// check.
func (p *Provider) Ping(ctx context.Context) error {
	path := detailsEndpoint
	if p.apiMode == APIModeXTTS {
		path = speakersEndpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.serverURL+path, nil)
	if err != nil {
		return fmt.Errorf("coqui: ping: %w", err)
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("coqui: ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("coqui: ping: GET %s returned status %d", path, resp.StatusCode)
	}
	return nil
}
