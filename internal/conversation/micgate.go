package conversation

import (
	"sync"
	"time"

	"github.com/MrWong99/handsfree/pkg/audio"
)

// DefaultSettleDelay is the post-playback window during which the microphone
// stays closed so the tail of the assistant's own voice is not captured.
const DefaultSettleDelay = 600 * time.Millisecond

type micState int

const (
	micUnknown micState = iota
	micMuted
	micOpen
)

// MicGate keeps the recognizer away from the speaker. It mutes the microphone
// whenever playback starts and only reports the line as clear once playback
// has ended and the settle delay has elapsed without new playback.
//
// Microphone methods are called with the gate's lock held. Implementations
// must not block or call back into the gate.
type MicGate struct {
	mu       sync.Mutex
	mic      audio.Microphone
	settle   time.Duration
	active   int
	settling bool
	gen      uint64
	timer    *time.Timer
	state    micState

	waiters map[uint64]func()
	nextID  uint64
}

// NewMicGate returns a gate driving mic. A non-positive settle selects
// [DefaultSettleDelay].
func NewMicGate(mic audio.Microphone, settle time.Duration) *MicGate {
	if settle <= 0 {
		settle = DefaultSettleDelay
	}
	return &MicGate{mic: mic, settle: settle, waiters: make(map[uint64]func())}
}

// OnPlaybackStart mutes the microphone and cancels any pending settle window.
func (g *MicGate) OnPlaybackStart() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active++
	g.settling = false
	g.gen++
	if g.timer != nil {
		g.timer.Stop()
		g.timer = nil
	}
	g.setMic(micMuted)
}

// OnPlaybackEnd starts the settle window once no playback is active.
func (g *MicGate) OnPlaybackEnd() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active > 0 {
		g.active--
	}
	if g.active > 0 {
		return
	}
	g.settling = true
	g.gen++
	gen := g.gen
	if g.timer != nil {
		g.timer.Stop()
	}
	g.timer = time.AfterFunc(g.settle, func() { g.settled(gen) })
}

func (g *MicGate) settled(gen uint64) {
	g.mu.Lock()
	if gen != g.gen || g.active > 0 {
		g.mu.Unlock()
		return
	}
	g.settling = false
	g.timer = nil
	fns := make([]func(), 0, len(g.waiters))
	for id, fn := range g.waiters {
		fns = append(fns, fn)
		delete(g.waiters, id)
	}
	g.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// MayListen reports whether nothing is playing and the settle window has
// passed.
func (g *MicGate) MayListen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clear()
}

func (g *MicGate) clear() bool { return g.active == 0 && !g.settling }

// OnSettled runs fn once the line is clear, immediately if it already is.
// The returned function unregisters fn if it has not run yet.
func (g *MicGate) OnSettled(fn func()) (cancel func()) {
	g.mu.Lock()
	if g.clear() {
		g.mu.Unlock()
		fn()
		return func() {}
	}
	g.nextID++
	id := g.nextID
	g.waiters[id] = fn
	g.mu.Unlock()
	return func() {
		g.mu.Lock()
		delete(g.waiters, id)
		g.mu.Unlock()
	}
}

// Open unmutes the microphone if the line is clear and reports whether it did.
func (g *MicGate) Open() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.clear() {
		return false
	}
	g.setMic(micOpen)
	return true
}

// Close mutes the microphone regardless of playback.
func (g *MicGate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.setMic(micMuted)
}

// Muted reports whether the gate last muted the microphone.
func (g *MicGate) Muted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state == micMuted
}

func (g *MicGate) setMic(s micState) {
	if g.state == s {
		return
	}
	g.state = s
	if g.mic == nil {
		return
	}
	if s == micMuted {
		g.mic.Mute()
	} else {
		g.mic.Unmute()
	}
}
