package app_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/handsfree/internal/app"
	"github.com/MrWong99/handsfree/internal/config"
	"github.com/MrWong99/handsfree/internal/gateway"
	"github.com/MrWong99/handsfree/pkg/provider/llm"
	llmmock "github.com/MrWong99/handsfree/pkg/provider/llm/mock"
	ttsmock "github.com/MrWong99/handsfree/pkg/provider/tts/mock"
	"github.com/MrWong99/handsfree/pkg/turnlog"
)

const testYAML = `
server:
  listen_addr: "127.0.0.1:0"
  log_level: info
providers:
  llm:
    name: openai
  tts:
    name: elevenlabs
conversation:
  settle_delay: 20ms
  system_prompt: "Keep it short."
voice:
  voice_id: rachel
`

// testConfig returns a validated config with short timings for tests.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFromReader(strings.NewReader(testYAML))
	if err != nil {
		t.Fatalf("LoadFromReader: %v", err)
	}
	return cfg
}

// testProviders returns mock providers answering every utterance with two
// sentences.
func testProviders() *app.Providers {
	return &app.Providers{
		LLM: &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Preheat to 180 degrees. "}, {Text: "Then wait."}}},
		TTS: &ttsmock.Provider{},
	}
}

func newTestApp(t *testing.T, cfg *config.Config, opts ...app.Option) (*app.App, *turnlog.Memory) {
	t.Helper()
	store := turnlog.NewMemory(0)
	opts = append([]app.Option{app.WithTurnLogStore(store)}, opts...)
	a, err := app.New(context.Background(), cfg, testProviders(), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	return a, store
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		providers *app.Providers
	}{
		{name: "nil", providers: nil},
		{name: "no llm", providers: &app.Providers{TTS: &ttsmock.Provider{}}},
		{name: "no tts", providers: &app.Providers{LLM: &llmmock.Provider{}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := app.New(context.Background(), testConfig(t), tt.providers, app.WithTurnLogStore(turnlog.Nop{}))
			if !errors.Is(err, app.ErrProviderMissing) {
				t.Errorf("err = %v, want ErrProviderMissing", err)
			}
		})
	}
}

func TestHandler_HealthAndMetrics(t *testing.T) {
	t.Parallel()
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# scrape\n")
	})
	a, _ := newTestApp(t, testConfig(t), app.WithMetricsHandler(metrics))
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	if code := getJSON(t, srv.URL+"/healthz", nil); code != http.StatusOK {
		t.Errorf("/healthz = %d", code)
	}

	var ready struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	if code := getJSON(t, srv.URL+"/readyz", &ready); code != http.StatusOK {
		t.Errorf("/readyz = %d (%+v)", code, ready)
	}
	for _, name := range []string{"llm", "tts", "turnlog"} {
		if ready.Checks[name] != "ok" {
			t.Errorf("check %s = %q", name, ready.Checks[name])
		}
	}

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || string(body) != "# scrape\n" {
		t.Errorf("/metrics = %d %q", resp.StatusCode, body)
	}
}

func TestHandler_SessionLifecycle(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig(t))
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	var list struct {
		Sessions []app.SessionInfo `json:"sessions"`
	}
	if getJSON(t, srv.URL+"/api/sessions", &list); len(list.Sessions) != 0 {
		t.Fatalf("sessions before connect = %+v", list.Sessions)
	}
	if code := getJSON(t, srv.URL+"/api/sessions/nope", nil); code != http.StatusNotFound {
		t.Errorf("unknown session = %d, want 404", code)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.CloseNow()

	read := func() gateway.ServerMessage {
		t.Helper()
		var m gateway.ServerMessage
		if err := wsjson.Read(ctx, ws, &m); err != nil {
			t.Fatalf("read: %v", err)
		}
		return m
	}
	send := func(m gateway.ClientMessage) {
		t.Helper()
		if err := wsjson.Write(ctx, ws, m); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	waitState := func(state string) {
		t.Helper()
		for {
			m := read()
			if m.Type == gateway.MsgAudio {
				send(gateway.ClientMessage{Type: gateway.MsgPlaybackEnded, ID: m.ID})
			}
			if m.Type == gateway.MsgState && m.State == state {
				return
			}
		}
	}

	hello := read()
	if hello.Type != gateway.MsgSession || hello.SessionID == "" {
		t.Fatalf("first message = %+v, want session", hello)
	}
	id := hello.SessionID

	send(gateway.ClientMessage{Type: gateway.MsgStart})
	waitState("listening")

	getJSON(t, srv.URL+"/api/sessions", &list)
	if len(list.Sessions) != 1 || list.Sessions[0].ID != id || list.Sessions[0].State != "listening" {
		t.Fatalf("sessions = %+v", list.Sessions)
	}

	send(gateway.ClientMessage{Type: gateway.MsgTranscript, Text: "what temperature for the oven", IsFinal: true})
	waitState("cooldown")
	waitState("listening")

	var detail struct {
		Session *app.SessionInfo `json:"session"`
		Turns   []turnlog.Entry  `json:"turns"`
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		getJSON(t, srv.URL+"/api/sessions/"+id, &detail)
		if hasKind(detail.Turns, turnlog.KindResponse) || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if detail.Session == nil || detail.Session.ID != id {
		t.Errorf("detail session = %+v", detail.Session)
	}
	if !hasKind(detail.Turns, turnlog.KindUtterance) || !hasKind(detail.Turns, turnlog.KindResponse) {
		t.Errorf("turns = %+v, want an utterance and a response", detail.Turns)
	}

	ws.Close(websocket.StatusNormalClosure, "done")
	deadline = time.Now().Add(2 * time.Second)
	for a.Sessions().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not released after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}

	// Ended sessions remain readable from the turn log.
	detail.Session = nil
	if code := getJSON(t, srv.URL+"/api/sessions/"+id, &detail); code != http.StatusOK || detail.Session != nil {
		t.Errorf("ended session = %d %+v", code, detail.Session)
	}
}

func hasKind(entries []turnlog.Entry, k turnlog.Kind) bool {
	for _, e := range entries {
		if e.Kind == k {
			return true
		}
	}
	return false
}

func TestApplyConfig(t *testing.T) {
	t.Parallel()
	level := new(slog.LevelVar)
	a, _ := newTestApp(t, testConfig(t), app.WithLevelVar(level))

	next := testConfig(t)
	next.Server.LogLevel = config.LogDebug
	next.Voice.VoiceID = "adam"
	next.Conversation.SystemPrompt = "Be terse."
	next.Server.ListenAddr = ":9999"

	d := a.ApplyConfig(next)
	if !d.LogLevelChanged || !d.VoiceChanged || !d.ConversationChanged {
		t.Errorf("diff = %+v", d)
	}
	if len(d.RestartRequired) != 1 || d.RestartRequired[0] != "server" {
		t.Errorf("RestartRequired = %v, want [server]", d.RestartRequired)
	}
	if level.Level() != slog.LevelDebug {
		t.Errorf("level = %v, want debug", level.Level())
	}

	// Applying the same config again only repeats the restart warning.
	d = a.ApplyConfig(next)
	if d.LogLevelChanged || d.VoiceChanged || d.ConversationChanged {
		t.Errorf("second diff = %+v, want only restart sections", d)
	}
}

func TestServe_GracefulShutdown(t *testing.T) {
	t.Parallel()
	a, _ := newTestApp(t, testConfig(t))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String()
	if code := getJSON(t, url+"/healthz", nil); code != http.StatusOK {
		t.Fatalf("/healthz = %d", code)
	}

	wsCtx, wsCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wsCancel()
	ws, _, err := websocket.Dial(wsCtx, "ws://"+ln.Addr().String()+"/ws", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.CloseNow()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve = %v, want nil", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	for {
		var m gateway.ServerMessage
		if err := wsjson.Read(wsCtx, ws, &m); err != nil {
			if wsCtx.Err() != nil {
				t.Fatal("socket still open after shutdown")
			}
			break
		}
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	t.Parallel()
	a, err := app.New(context.Background(), testConfig(t), testProviders(), app.WithTurnLogStore(turnlog.Nop{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("first Shutdown: %v", err)
	}
	if err := a.Shutdown(context.Background()); err != nil {
		t.Fatalf("second Shutdown: %v", err)
	}
}

// pingingTTS is a local synthesis backend that can be probed.
type pingingTTS struct {
	ttsmock.Provider
	err error
}

func (p *pingingTTS) Ping(context.Context) error { return p.err }

func TestHandler_ReadinessProbesLocalBackends(t *testing.T) {
	t.Parallel()
	providers := testProviders()
	providers.TTSFallback = &pingingTTS{err: errors.New("connection refused")}
	a, err := app.New(context.Background(), testConfig(t), providers, app.WithTurnLogStore(turnlog.Nop{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = a.Shutdown(context.Background()) })
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	var ready struct {
		Checks map[string]string `json:"checks"`
	}
	if code := getJSON(t, srv.URL+"/readyz", &ready); code != http.StatusServiceUnavailable {
		t.Errorf("/readyz = %d, want 503", code)
	}
	if got := ready.Checks["tts_fallback"]; got != "fail: connection refused" {
		t.Errorf("tts_fallback check = %q", got)
	}
}
