package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func serve(t *testing.T, h *Handler, path string) (int, result) {
	t.Helper()
	mux := http.NewServeMux()
	h.Register(mux)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest("GET", path, nil))

	if ct := rec.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	var body result
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode JSON: %v", err)
	}
	return rec.Code, body
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(context.Context) error { return p.err }

func TestHealthz_IgnoresCheckers(t *testing.T) {
	t.Parallel()
	h := New(Configured("llm", false, "not configured"))

	code, body := serve(t, h, "/healthz")
	if code != http.StatusOK || body.Status != "ok" {
		t.Errorf("got %d %+v, want 200 ok", code, body)
	}
}

func TestReadyz(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		checkers   []Checker
		wantCode   int
		wantStatus string
		wantChecks map[string]string
	}{
		{
			name:       "no checkers",
			wantCode:   http.StatusOK,
			wantStatus: "ok",
		},
		{
			name: "all pass",
			checkers: []Checker{
				Configured("llm", true, "unused"),
				Ping("turnlog", fakePinger{}),
			},
			wantCode:   http.StatusOK,
			wantStatus: "ok",
			wantChecks: map[string]string{"llm": "ok", "turnlog": "ok"},
		},
		{
			name: "ping fails",
			checkers: []Checker{
				Configured("llm", true, "unused"),
				Ping("turnlog", fakePinger{err: errors.New("connection refused")}),
			},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"llm": "ok", "turnlog": "fail: connection refused"},
		},
		{
			name:       "provider missing",
			checkers:   []Checker{Configured("tts", false, "no tts provider configured")},
			wantCode:   http.StatusServiceUnavailable,
			wantStatus: "fail",
			wantChecks: map[string]string{"tts": "fail: no tts provider configured"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			code, body := serve(t, New(tt.checkers...), "/readyz")
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
			for name, want := range tt.wantChecks {
				if got := body.Checks[name]; got != want {
					t.Errorf("check %q = %q, want %q", name, got, want)
				}
			}
		})
	}
}

func TestReadyz_AddAfterConstruction(t *testing.T) {
	t.Parallel()
	h := New()
	h.Add(Configured("stt", false, "disabled"))

	code, body := serve(t, h, "/readyz")
	if code != http.StatusServiceUnavailable || body.Checks["stt"] != "fail: disabled" {
		t.Errorf("got %d %+v", code, body)
	}
}

func TestReadyz_ChecksRunConcurrently(t *testing.T) {
	t.Parallel()

	var running, peak atomic.Int32
	slow := func(context.Context) error {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(50 * time.Millisecond)
		running.Add(-1)
		return nil
	}
	h := New(Checker{Name: "a", Check: slow}, Checker{Name: "b", Check: slow}, Checker{Name: "c", Check: slow})

	code, _ := serve(t, h, "/readyz")
	if code != http.StatusOK {
		t.Fatalf("code = %d", code)
	}
	if peak.Load() < 2 {
		t.Errorf("checks did not overlap (peak %d)", peak.Load())
	}
}

func TestReadyz_CheckHonoursTimeoutContext(t *testing.T) {
	t.Parallel()
	var hadDeadline atomic.Bool
	h := New(Checker{Name: "db", Check: func(ctx context.Context) error {
		_, ok := ctx.Deadline()
		hadDeadline.Store(ok)
		return nil
	}})
	serve(t, h, "/readyz")
	if !hadDeadline.Load() {
		t.Error("check context should carry a deadline")
	}
}
