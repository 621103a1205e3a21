package app_test

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/handsfree/internal/app"
	"github.com/MrWong99/handsfree/internal/config"
	"github.com/MrWong99/handsfree/internal/conversation"
	"github.com/MrWong99/handsfree/internal/observe"
	"github.com/MrWong99/handsfree/internal/resilience"
	audiomock "github.com/MrWong99/handsfree/pkg/audio/mock"
	"github.com/MrWong99/handsfree/pkg/provider/llm"
	llmmock "github.com/MrWong99/handsfree/pkg/provider/llm/mock"
	"github.com/MrWong99/handsfree/pkg/provider/tts"
	ttsmock "github.com/MrWong99/handsfree/pkg/provider/tts/mock"
)

type managerHarness struct {
	sm     *app.SessionManager
	model  *llmmock.Provider
	synth  *ttsmock.Provider
	reader *sdkmetric.ManualReader
}

func newManagerHarness(t *testing.T, conv config.ConversationConfig) *managerHarness {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	h := &managerHarness{
		model:  &llmmock.Provider{StreamChunks: []llm.Chunk{{Text: "Sure."}}},
		synth:  &ttsmock.Provider{},
		reader: reader,
	}
	if conv.SettleDelay == 0 {
		conv.SettleDelay = 20 * time.Millisecond
	}
	h.sm = app.NewSessionManager(app.SessionManagerConfig{
		Model:        h.model,
		Synth:        resilience.NewTTSFallback(h.synth, "mock", resilience.FallbackConfig{AttemptTimeout: time.Second}),
		Conversation: conv,
		Voice:        tts.VoiceSettings{VoiceID: "initial"},
		Metrics:      m,
	})
	t.Cleanup(h.sm.CloseAll)
	return h
}

func (h *managerHarness) open(id string) (*conversation.Controller, *audiomock.Player) {
	p := &audiomock.Player{}
	return h.sm.Open(context.Background(), id, "127.0.0.1:5000", p, &audiomock.Microphone{}), p
}

func (h *managerHarness) activeSessions(t *testing.T) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := h.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "handsfree.active_sessions" {
				continue
			}
			var total int64
			for _, dp := range m.Data.(metricdata.Sum[int64]).DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

// speak runs one turn on c and waits until the player has played a clip.
func speak(t *testing.T, c *conversation.Controller, p *audiomock.Player, text string) {
	t.Helper()
	if c.State() == conversation.Idle {
		if err := c.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
	}
	before := len(p.Calls())
	if !c.HandleTranscript(text, true) {
		t.Fatalf("utterance %q not accepted", text)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(p.Calls()) == before || c.State() != conversation.Listening {
		if time.Now().After(deadline) {
			t.Fatalf("turn did not finish, state %s", c.State())
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestSessionManager_OpenListClose(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t, config.ConversationConfig{})

	first, _ := h.open("a")
	h.open("b")

	if n := h.sm.Len(); n != 2 {
		t.Fatalf("Len = %d, want 2", n)
	}
	list := h.sm.List()
	if len(list) != 2 || list[0].ID != "a" || list[1].ID != "b" {
		t.Fatalf("List = %+v, want a then b", list)
	}
	if list[0].State != "idle" || list[0].MicOpen {
		t.Errorf("new session = %+v, want idle with the mic closed", list[0])
	}
	if list[0].Remote != "127.0.0.1:5000" {
		t.Errorf("Remote = %q", list[0].Remote)
	}
	if got := h.activeSessions(t); got != 2 {
		t.Errorf("active sessions = %d, want 2", got)
	}

	if err := first.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	info, ok := h.sm.Get("a")
	if !ok || info.State != "listening" || !info.MicOpen {
		t.Errorf("Get(a) = %+v, %v", info, ok)
	}

	h.sm.Close("a")
	h.sm.Close("a")
	h.sm.Close("missing")
	if _, ok := h.sm.Get("a"); ok {
		t.Error("closed session still listed")
	}
	if first.State() != conversation.Idle {
		t.Errorf("closed controller state = %s, want idle", first.State())
	}
	if got := h.activeSessions(t); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}

	h.sm.CloseAll()
	if n := h.sm.Len(); n != 0 {
		t.Errorf("Len after CloseAll = %d", n)
	}
	if got := h.activeSessions(t); got != 0 {
		t.Errorf("active sessions = %d, want 0", got)
	}
}

func TestSessionManager_DuplicateIDReplaces(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t, config.ConversationConfig{})

	old, _ := h.open("same")
	if err := old.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.open("same")

	if n := h.sm.Len(); n != 1 {
		t.Errorf("Len = %d, want 1", n)
	}
	if old.State() != conversation.Idle {
		t.Errorf("replaced controller state = %s, want idle", old.State())
	}
	if got := h.activeSessions(t); got != 1 {
		t.Errorf("active sessions = %d, want 1", got)
	}
}

func TestSessionManager_SetVoiceReachesLiveSessions(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t, config.ConversationConfig{})

	c, p := h.open("live")
	speak(t, c, p, "first question")

	h.sm.SetVoice(tts.VoiceSettings{VoiceID: "changed"})
	speak(t, c, p, "second question")

	later, lp := h.open("later")
	speak(t, later, lp, "third question")

	calls := h.synth.Calls()
	if len(calls) != 3 {
		t.Fatalf("synthesis calls = %d, want 3", len(calls))
	}
	want := []string{"initial", "changed", "changed"}
	for i, c := range calls {
		if c.Voice.VoiceID != want[i] {
			t.Errorf("call %d voice = %q, want %q", i, c.Voice.VoiceID, want[i])
		}
	}
}

func TestSessionManager_SetConversationAppliesToNewSessions(t *testing.T) {
	t.Parallel()
	h := newManagerHarness(t, config.ConversationConfig{SystemPrompt: "Be brief."})

	before, bp := h.open("before")
	h.sm.SetConversation(config.ConversationConfig{
		SystemPrompt: "Answer in one sentence.",
		SettleDelay:  20 * time.Millisecond,
	})
	after, ap := h.open("after")

	speak(t, before, bp, "how hot is the grill")
	speak(t, after, ap, "how hot is the fryer")

	calls := h.model.Calls()
	if len(calls) != 2 {
		t.Fatalf("model calls = %d, want 2", len(calls))
	}
	prompts := map[string]string{}
	for _, c := range calls {
		last := c.Req.Messages[len(c.Req.Messages)-1].Content
		prompts[last] = c.Req.SystemPrompt
	}
	if got := prompts["how hot is the grill"]; got != "Be brief." {
		t.Errorf("existing session prompt = %q", got)
	}
	if got := prompts["how hot is the fryer"]; got != "Answer in one sentence." {
		t.Errorf("new session prompt = %q", got)
	}
}
