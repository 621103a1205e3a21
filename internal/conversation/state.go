package conversation

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// State is the canonical conversational state. Exactly one is active at a time.
type State int

const (
	Idle State = iota
	Listening
	Sending
	AwaitingResponse
	Speaking
	Cooldown
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Listening:
		return "listening"
	case Sending:
		return "sending"
	case AwaitingResponse:
		return "awaiting_response"
	case Speaking:
		return "speaking"
	case Cooldown:
		return "cooldown"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event drives a transition.
type Event int

const (
	// EventStart turns hands-free mode on.
	EventStart Event = iota
	EventUtteranceAccepted
	EventSendConfirmed
	EventFirstChunkReady
	EventLastChunkPlayed
	EventCooldownElapsed
	// EventStop is the stop button: abandon the reply and cool down.
	EventStop
	// EventRecover forces a return to listening before a reply started.
	EventRecover
	// EventEnd turns hands-free mode off from any state.
	EventEnd
)

// String returns the wire name of the event.
func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventUtteranceAccepted:
		return "utterance_accepted"
	case EventSendConfirmed:
		return "send_confirmed"
	case EventFirstChunkReady:
		return "first_chunk_ready"
	case EventLastChunkPlayed:
		return "last_chunk_played"
	case EventCooldownElapsed:
		return "cooldown_elapsed"
	case EventStop:
		return "stop"
	case EventRecover:
		return "recover"
	case EventEnd:
		return "end"
	default:
		return fmt.Sprintf("Event(%d)", int(e))
	}
}

// edges is the transition table. EventEnd is handled separately because it
// applies to every state.
var edges = map[State]map[Event]State{
	Idle: {
		EventStart:             Listening,
		EventUtteranceAccepted: Sending,
	},
	Listening: {
		EventUtteranceAccepted: Sending,
	},
	Sending: {
		EventSendConfirmed: AwaitingResponse,
		EventStop:          Cooldown,
		EventRecover:       Listening,
	},
	AwaitingResponse: {
		EventFirstChunkReady: Speaking,
		EventStop:            Cooldown,
		EventRecover:         Listening,
	},
	Speaking: {
		EventLastChunkPlayed: Cooldown,
		EventStop:            Cooldown,
	},
	Cooldown: {
		EventCooldownElapsed: Listening,
	},
}

// Transition describes one applied state change.
type Transition struct {
	From  State
	To    State
	Event Event
	// Cause is set for EventRecover transitions; [ErrStuckState] when the
	// safety timer fired.
	Cause error
	At    time.Time
}

// DefaultSafetyTimeout bounds how long Sending and AwaitingResponse may last.
const DefaultSafetyTimeout = 8 * time.Second

// StateMachine owns the conversational state. All methods are safe for
// concurrent use.
//
// Listeners registered with OnTransition are called outside the machine's lock
// and strictly in transition order. A listener may itself fire events; those
// transitions are delivered after the current listener round completes.
type StateMachine struct {
	mu      sync.Mutex
	state   State
	gen     uint64
	timer   *time.Timer
	timeout time.Duration
	log     *slog.Logger

	// onInvalid is called for every rejected event.
	onInvalid func(State, Event)

	listenMu    sync.Mutex
	listeners   []func(Transition)
	pending     []Transition
	dispatching bool
}

// NewStateMachine returns a machine in Idle. A non-positive safetyTimeout
// selects [DefaultSafetyTimeout]; a nil logger selects slog.Default().
func NewStateMachine(safetyTimeout time.Duration, logger *slog.Logger) *StateMachine {
	if safetyTimeout <= 0 {
		safetyTimeout = DefaultSafetyTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StateMachine{state: Idle, timeout: safetyTimeout, log: logger}
}

// State returns the current state.
func (m *StateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// CanSend reports whether a message send may start from the current state.
func (m *StateMachine) CanSend() bool {
	s := m.State()
	return s == Idle || s == Listening
}

// OnTransition registers fn to be called after every applied transition.
func (m *StateMachine) OnTransition(fn func(Transition)) {
	m.listenMu.Lock()
	m.listeners = append(m.listeners, fn)
	m.listenMu.Unlock()
}

// OnInvalid registers fn to be called for every rejected event. Only one
// callback is kept.
func (m *StateMachine) OnInvalid(fn func(State, Event)) {
	m.mu.Lock()
	m.onInvalid = fn
	m.mu.Unlock()
}

// Fire applies ev and returns the new state. Events without an edge out of
// the current state are logged and rejected with [ErrInvalidTransition]; the
// state is left unchanged.
func (m *StateMachine) Fire(ev Event) (State, error) {
	s, _, err := m.fire(ev, nil, 0)
	return s, err
}

// Start turns hands-free mode on (Idle → Listening).
func (m *StateMachine) Start() (State, error) { return m.Fire(EventStart) }

// ForceCooldown abandons the current reply (Sending, AwaitingResponse or
// Speaking → Cooldown).
func (m *StateMachine) ForceCooldown() (State, error) { return m.Fire(EventStop) }

// Recover forces a return to Listening from Sending or AwaitingResponse and
// records cause on the transition.
func (m *StateMachine) Recover(cause error) (State, error) {
	s, _, err := m.fire(EventRecover, cause, 0)
	return s, err
}

// End returns to Idle from any state. Ending an idle machine is a no-op.
func (m *StateMachine) End() State {
	s, _ := m.Fire(EventEnd)
	return s
}

// fire applies ev and returns the resulting state and its generation. A
// non-zero gen restricts the event to the generation it was scheduled in, so a
// stale timer or a superseded turn never lands in a later state.
func (m *StateMachine) fire(ev Event, cause error, gen uint64) (State, uint64, error) {
	m.mu.Lock()
	from := m.state
	if gen != 0 && gen != m.gen {
		cur := m.gen
		m.mu.Unlock()
		return from, cur, fmt.Errorf("%w: stale %s in %s", ErrInvalidTransition, ev, from)
	}

	var to State
	switch {
	case ev == EventEnd:
		if from == Idle {
			cur := m.gen
			m.mu.Unlock()
			return from, cur, nil
		}
		to = Idle
	default:
		next, ok := edges[from][ev]
		if !ok {
			onInvalid, cur := m.onInvalid, m.gen
			m.mu.Unlock()
			m.log.Warn("conversation: dropping event", "state", from, "event", ev)
			if onInvalid != nil {
				onInvalid(from, ev)
			}
			return from, cur, fmt.Errorf("%w: %s in %s", ErrInvalidTransition, ev, from)
		}
		to = next
	}

	m.state = to
	m.gen++
	applied := m.gen
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	if to == Sending || to == AwaitingResponse {
		armed := m.gen
		m.timer = time.AfterFunc(m.timeout, func() { m.expire(armed) })
	}
	tr := Transition{From: from, To: to, Event: ev, Cause: cause, At: time.Now()}
	m.listenMu.Lock()
	m.pending = append(m.pending, tr)
	m.listenMu.Unlock()
	m.mu.Unlock()

	m.log.Debug("conversation: transition", "from", from, "state", to, "event", ev)
	m.drain()
	return to, applied, nil
}

func (m *StateMachine) expire(gen uint64) {
	state := m.State()
	if _, _, err := m.fire(EventRecover, ErrStuckState, gen); err != nil {
		return
	}
	m.log.Warn("conversation: safety timeout, back to listening", "state", state, "timeout", m.timeout)
}

// drain delivers queued transitions. Transitions are queued while the state
// lock is held, so the queue order is the order they were applied in.
func (m *StateMachine) drain() {
	m.listenMu.Lock()
	if m.dispatching {
		m.listenMu.Unlock()
		return
	}
	m.dispatching = true
	for len(m.pending) > 0 {
		next := m.pending[0]
		m.pending = m.pending[1:]
		listeners := m.listeners
		m.listenMu.Unlock()
		for _, fn := range listeners {
			fn(next)
		}
		m.listenMu.Lock()
	}
	m.dispatching = false
	m.listenMu.Unlock()
}
