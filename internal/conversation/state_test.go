package conversation

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestStateMachine_HappyPath(t *testing.T) {
	t.Parallel()
	sm := NewStateMachine(time.Minute, nil)

	steps := []struct {
		ev   Event
		want State
	}{
		{EventStart, Listening},
		{EventUtteranceAccepted, Sending},
		{EventSendConfirmed, AwaitingResponse},
		{EventFirstChunkReady, Speaking},
		{EventLastChunkPlayed, Cooldown},
		{EventCooldownElapsed, Listening},
	}
	for _, st := range steps {
		got, err := sm.Fire(st.ev)
		if err != nil {
			t.Fatalf("Fire(%s): %v", st.ev, err)
		}
		if got != st.want {
			t.Fatalf("Fire(%s) = %s, want %s", st.ev, got, st.want)
		}
	}
}

func TestStateMachine_SendFromIdle(t *testing.T) {
	t.Parallel()
	sm := NewStateMachine(time.Minute, nil)
	if !sm.CanSend() {
		t.Fatal("CanSend in Idle = false")
	}
	if s, err := sm.Fire(EventUtteranceAccepted); err != nil || s != Sending {
		t.Fatalf("Fire = %s, %v; want sending", s, err)
	}
	if sm.CanSend() {
		t.Error("CanSend in Sending = true")
	}
}

func TestStateMachine_InvalidEventsDropped(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		setup []Event
		ev    Event
	}{
		{"chunk while listening", []Event{EventStart}, EventFirstChunkReady},
		{"utterance while speaking", []Event{EventStart, EventUtteranceAccepted, EventSendConfirmed, EventFirstChunkReady}, EventUtteranceAccepted},
		{"utterance while sending", []Event{EventStart, EventUtteranceAccepted}, EventUtteranceAccepted},
		{"last chunk while awaiting", []Event{EventStart, EventUtteranceAccepted, EventSendConfirmed}, EventLastChunkPlayed},
		{"cooldown while listening", []Event{EventStart}, EventCooldownElapsed},
		{"recover while speaking", []Event{EventStart, EventUtteranceAccepted, EventSendConfirmed, EventFirstChunkReady}, EventRecover},
		{"stop while listening", []Event{EventStart}, EventStop},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			sm := NewStateMachine(time.Minute, nil)
			for _, ev := range tt.setup {
				if _, err := sm.Fire(ev); err != nil {
					t.Fatalf("setup Fire(%s): %v", ev, err)
				}
			}
			before := sm.State()

			var invalid []Event
			sm.OnInvalid(func(_ State, ev Event) { invalid = append(invalid, ev) })
			var transitions int
			sm.OnTransition(func(Transition) { transitions++ })

			got, err := sm.Fire(tt.ev)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("err = %v, want ErrInvalidTransition", err)
			}
			if got != before || sm.State() != before {
				t.Errorf("state = %s, want unchanged %s", sm.State(), before)
			}
			if len(invalid) != 1 || invalid[0] != tt.ev {
				t.Errorf("OnInvalid calls = %v, want [%s]", invalid, tt.ev)
			}
			if transitions != 0 {
				t.Errorf("listeners called %d times for a dropped event", transitions)
			}
		})
	}
}

func TestStateMachine_EndFromAnyState(t *testing.T) {
	t.Parallel()
	paths := [][]Event{
		{EventStart},
		{EventStart, EventUtteranceAccepted},
		{EventStart, EventUtteranceAccepted, EventSendConfirmed},
		{EventStart, EventUtteranceAccepted, EventSendConfirmed, EventFirstChunkReady},
		{EventStart, EventUtteranceAccepted, EventSendConfirmed, EventFirstChunkReady, EventLastChunkPlayed},
	}
	for _, path := range paths {
		sm := NewStateMachine(time.Minute, nil)
		for _, ev := range path {
			if _, err := sm.Fire(ev); err != nil {
				t.Fatalf("Fire(%s): %v", ev, err)
			}
		}
		if got := sm.End(); got != Idle {
			t.Errorf("End from %s = %s, want idle", path[len(path)-1], got)
		}
	}
}

func TestStateMachine_EndIdleIsNoop(t *testing.T) {
	t.Parallel()
	sm := NewStateMachine(time.Minute, nil)
	called := false
	sm.OnTransition(func(Transition) { called = true })
	if got := sm.End(); got != Idle {
		t.Errorf("End = %s, want idle", got)
	}
	if called {
		t.Error("listener called for End in Idle")
	}
}

func TestStateMachine_ForceCooldownAndRecover(t *testing.T) {
	t.Parallel()
	sm := NewStateMachine(time.Minute, nil)
	_, _ = sm.Start()
	_, _ = sm.Fire(EventUtteranceAccepted)

	cause := errors.New("send failed")
	var got Transition
	sm.OnTransition(func(tr Transition) { got = tr })
	if s, err := sm.Recover(cause); err != nil || s != Listening {
		t.Fatalf("Recover = %s, %v", s, err)
	}
	if got.Event != EventRecover || !errors.Is(got.Cause, cause) {
		t.Errorf("transition = %+v, want recover with cause", got)
	}

	_, _ = sm.Fire(EventUtteranceAccepted)
	_, _ = sm.Fire(EventSendConfirmed)
	_, _ = sm.Fire(EventFirstChunkReady)
	if s, err := sm.ForceCooldown(); err != nil || s != Cooldown {
		t.Fatalf("ForceCooldown = %s, %v", s, err)
	}
}

func TestStateMachine_SafetyTimerRecovers(t *testing.T) {
	t.Parallel()
	sm := NewStateMachine(30*time.Millisecond, nil)
	recovered := make(chan Transition, 1)
	sm.OnTransition(func(tr Transition) {
		if tr.Event == EventRecover {
			recovered <- tr
		}
	})
	_, _ = sm.Start()
	_, _ = sm.Fire(EventUtteranceAccepted)

	select {
	case tr := <-recovered:
		if tr.From != Sending || tr.To != Listening {
			t.Errorf("recovery %s -> %s, want sending -> listening", tr.From, tr.To)
		}
		if !errors.Is(tr.Cause, ErrStuckState) {
			t.Errorf("cause = %v, want ErrStuckState", tr.Cause)
		}
	case <-time.After(time.Second):
		t.Fatal("safety timer never fired")
	}
}

func TestStateMachine_SafetyTimerRearmsPerState(t *testing.T) {
	t.Parallel()
	const timeout = 100 * time.Millisecond
	sm := NewStateMachine(timeout, nil)
	_, _ = sm.Start()
	_, _ = sm.Fire(EventUtteranceAccepted)

	time.Sleep(60 * time.Millisecond)
	if _, err := sm.Fire(EventSendConfirmed); err != nil {
		t.Fatalf("Fire(sendConfirmed): %v", err)
	}

	// The Sending timer would have fired at 100ms; the AwaitingResponse timer
	// runs until about 160ms.
	time.Sleep(70 * time.Millisecond)
	if s := sm.State(); s != AwaitingResponse {
		t.Fatalf("state at 130ms = %s, want awaiting_response", s)
	}
	waitFor(t, time.Second, "recovery from awaiting_response", func() bool { return sm.State() == Listening })
}

func TestStateMachine_StaleTimerDoesNotFire(t *testing.T) {
	t.Parallel()
	sm := NewStateMachine(40*time.Millisecond, nil)
	var recoveries atomic.Int32
	sm.OnTransition(func(tr Transition) {
		if tr.Event == EventRecover {
			recoveries.Add(1)
		}
	})
	_, _ = sm.Start()
	_, _ = sm.Fire(EventUtteranceAccepted)
	_, _ = sm.Fire(EventSendConfirmed)
	_, _ = sm.Fire(EventFirstChunkReady)

	time.Sleep(100 * time.Millisecond)
	if s := sm.State(); s != Speaking {
		t.Errorf("state = %s, want speaking", s)
	}
	if n := recoveries.Load(); n != 0 {
		t.Errorf("recoveries = %d, want 0", n)
	}
}

func TestStateMachine_ReentrantListenerKeepsOrder(t *testing.T) {
	t.Parallel()
	sm := NewStateMachine(time.Minute, nil)
	var seen []State
	sm.OnTransition(func(tr Transition) {
		seen = append(seen, tr.To)
		if tr.To == Cooldown {
			_, _ = sm.Fire(EventCooldownElapsed)
		}
	})
	sm.OnTransition(func(tr Transition) {
		seen = append(seen, tr.To)
	})
	for _, ev := range []Event{EventStart, EventUtteranceAccepted, EventStop} {
		if _, err := sm.Fire(ev); err != nil {
			t.Fatalf("Fire(%s): %v", ev, err)
		}
	}

	want := []State{Listening, Listening, Sending, Sending, Cooldown, Cooldown, Listening, Listening}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen = %v, want %v", seen, want)
		}
	}
	if sm.State() != Listening {
		t.Errorf("state = %s, want listening", sm.State())
	}
}

func TestStateMachine_ConcurrentAcceptOnce(t *testing.T) {
	t.Parallel()
	sm := NewStateMachine(time.Minute, nil)
	_, _ = sm.Start()

	var ok atomic.Int32
	var wg sync.WaitGroup
	for range 32 {
		wg.Go(func() {
			if _, err := sm.Fire(EventUtteranceAccepted); err == nil {
				ok.Add(1)
			}
		})
	}
	wg.Wait()
	if ok.Load() != 1 {
		t.Errorf("accepted %d times, want 1", ok.Load())
	}
}

func TestStateAndEventStrings(t *testing.T) {
	t.Parallel()
	if AwaitingResponse.String() != "awaiting_response" {
		t.Errorf("AwaitingResponse = %q", AwaitingResponse.String())
	}
	if EventFirstChunkReady.String() != "first_chunk_ready" {
		t.Errorf("EventFirstChunkReady = %q", EventFirstChunkReady.String())
	}
	if State(42).String() == "" || Event(42).String() == "" {
		t.Error("unknown values should still print")
	}
}
