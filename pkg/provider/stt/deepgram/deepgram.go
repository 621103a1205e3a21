// Package deepgram provides a Deepgram-backed STT provider using the Deepgram
// streaming WebSocket API. It implements the stt.Provider interface.
//
// Interim results are emitted as partials, is_final results as finals, and
// Deepgram's UtteranceEnd event as a SpeechEnded marker, so a speaker pausing
// after a revised partial still ends the utterance.
package deepgram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/handsfree/pkg/provider/stt"
)

const (
	deepgramEndpoint  = "wss://api.deepgram.com/v1/listen"
	defaultModel      = "nova-3"
	defaultLanguage   = "en"
	defaultSampleRate = 16000

	// Deepgram closes idle streams after roughly ten seconds without audio,
	// which happens whenever the microphone is muted during playback.
	keepAliveInterval = 5 * time.Second
)

// Option is a functional option for configuring the Deepgram Provider.
type Option func(*Provider)

// WithModel sets the Deepgram model to use (e.g., "nova-3", "base").
func WithModel(model string) Option {
	return func(p *Provider) {
		p.model = model
	}
}

// WithLanguage sets the BCP-47 language code for recognition (e.g., "en", "de-DE").
func WithLanguage(language string) Option {
	return func(p *Provider) {
		p.language = language
	}
}

// WithSampleRate sets the audio sample rate in Hz for the provider-level default.
func WithSampleRate(rate int) Option {
	return func(p *Provider) {
		p.sampleRate = rate
	}
}

// WithUtteranceEnd sets the silence gap after which Deepgram reports the end
// of an utterance. Deepgram requires at least 1000ms.
func WithUtteranceEnd(d time.Duration) Option {
	return func(p *Provider) {
		p.utteranceEnd = d
	}
}

// WithEndpoint overrides the streaming endpoint, e.g. for a self-hosted
// deployment.
func WithEndpoint(endpoint string) Option {
	return func(p *Provider) {
		p.endpoint = endpoint
	}
}

// Provider implements stt.Provider backed by the Deepgram streaming API.
type Provider struct {
	apiKey       string
	endpoint     string
	model        string
	language     string
	sampleRate   int
	utteranceEnd time.Duration
}

var _ stt.Provider = (*Provider)(nil)

// New creates a new Deepgram Provider. apiKey must be non-empty.
func New(apiKey string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("deepgram: apiKey must not be empty")
	}
	p := &Provider{
		apiKey:       apiKey,
		endpoint:     deepgramEndpoint,
		model:        defaultModel,
		language:     defaultLanguage,
		sampleRate:   defaultSampleRate,
		utteranceEnd: time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	if p.utteranceEnd < time.Second {
		p.utteranceEnd = time.Second
	}
	return p, nil
}

// StartStream opens a streaming transcription session with Deepgram.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	wsURL, err := p.buildURL(cfg)
	if err != nil {
		return nil, fmt.Errorf("deepgram: build URL: %w", err)
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: headers,
	})
	if err != nil {
		return nil, fmt.Errorf("deepgram: dial: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	sess := &session{
		conn:        conn,
		cancel:      cancel,
		transcripts: make(chan stt.Transcript, 64),
		audio:       make(chan []byte, 256),
		done:        make(chan struct{}),
	}

	sess.wg.Add(2)
	go sess.readLoop(sessCtx)
	go sess.writeLoop(sessCtx)

	return sess, nil
}

// buildURL constructs the Deepgram streaming endpoint URL for the given config.
func (p *Provider) buildURL(cfg stt.StreamConfig) (string, error) {
	u, err := url.Parse(p.endpoint)
	if err != nil {
		return "", err
	}

	lang := cfg.Language
	if lang == "" {
		lang = p.language
	}
	sr := cfg.SampleRate
	if sr == 0 {
		sr = p.sampleRate
	}

	q := u.Query()
	q.Set("model", p.model)
	q.Set("language", lang)
	q.Set("punctuate", "true")
	q.Set("smart_format", "true")
	q.Set("interim_results", "true")
	q.Set("vad_events", "true")
	q.Set("utterance_end_ms", strconv.FormatInt(p.utteranceEnd.Milliseconds(), 10))
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sr))
	if cfg.Channels > 0 {
		q.Set("channels", strconv.Itoa(cfg.Channels))
	}

	for _, kw := range cfg.Keywords {
		q.Add("keywords", fmt.Sprintf("%s:%g", kw.Keyword, kw.Boost))
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

// ---- session ----

// deepgramResponse covers the Results and UtteranceEnd events.
type deepgramResponse struct {
	Type        string `json:"type"`
	IsFinal     bool   `json:"is_final"`
	SpeechFinal bool   `json:"speech_final"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
}

// session is a live Deepgram streaming session. It implements stt.SessionHandle.
type session struct {
	conn        *websocket.Conn
	cancel      context.CancelFunc
	transcripts chan stt.Transcript
	audio       chan []byte

	done chan struct{}
	once sync.Once
	wg   sync.WaitGroup
}

// SendAudio queues a PCM audio chunk for delivery to Deepgram.
func (s *session) SendAudio(chunk []byte) error {
	select {
	case <-s.done:
		return stt.ErrSessionClosed
	default:
	}
	select {
	case s.audio <- chunk:
		return nil
	case <-s.done:
		return stt.ErrSessionClosed
	}
}

// Transcripts returns the ordered event channel.
func (s *session) Transcripts() <-chan stt.Transcript { return s.transcripts }

// Close asks Deepgram to flush, waits briefly for the final results, and
// closes the connection.
func (s *session) Close() error {
	s.once.Do(func() {
		close(s.done)
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"CloseStream"}`))
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
		s.cancel()
		s.wg.Wait()
	})
	return nil
}

// writeLoop forwards queued audio and keeps the stream alive while no audio
// flows.
func (s *session) writeLoop(ctx context.Context) {
	defer s.wg.Done()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case chunk := <-s.audio:
			if err := s.conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				return
			}
			keepAlive.Reset(keepAliveInterval)
		case <-keepAlive.C:
			if err := s.conn.Write(ctx, websocket.MessageText, []byte(`{"type":"KeepAlive"}`)); err != nil {
				return
			}
		case <-s.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// readLoop receives JSON messages from Deepgram and emits them in order.
func (s *session) readLoop(ctx context.Context) {
	defer s.wg.Done()
	defer close(s.transcripts)

	for {
		_, msg, err := s.conn.Read(ctx)
		if err != nil {
			return
		}

		events := parseDeepgramResponse(msg)
		for _, t := range events {
			select {
			case s.transcripts <- t:
			case <-ctx.Done():
				return
			}
		}
	}
}

// parseDeepgramResponse converts one Deepgram message into zero or more
// transcript events. A final result flagged speech_final is followed by a
// SpeechEnded marker.
func parseDeepgramResponse(data []byte) []stt.Transcript {
	var resp deepgramResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil
	}

	switch resp.Type {
	case "UtteranceEnd":
		return []stt.Transcript{{SpeechEnded: true}}
	case "Results":
	default:
		return nil
	}
	if len(resp.Channel.Alternatives) == 0 {
		return nil
	}

	alt := resp.Channel.Alternatives[0]
	var out []stt.Transcript
	if alt.Transcript != "" {
		out = append(out, stt.Transcript{
			Text:       alt.Transcript,
			IsFinal:    resp.IsFinal,
			Confidence: alt.Confidence,
		})
	}
	if resp.SpeechFinal {
		out = append(out, stt.Transcript{SpeechEnded: true})
	}
	return out
}
