// Package mock provides in-memory implementations of [audio.Player] and
// [audio.Microphone] for use in unit tests.
//
// Both mocks are safe for concurrent use and record every call. The Player
// additionally tracks how many Play calls overlap so tests can assert that
// only one clip is ever audible.
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/handsfree/pkg/audio"
)

// PlayCall records the arguments of a single [Player.Play] invocation.
type PlayCall struct {
	ID   string
	Clip audio.Clip
	At   time.Time
}

// Player is a mock implementation of [audio.Player].
type Player struct {
	mu sync.Mutex

	// Delay is how long each Play call blocks before reporting completion.
	Delay time.Duration

	// PlayErr, when non-nil, is returned by every Play call after Delay.
	PlayErr error

	// PlayFunc, when set, replaces the default Delay/PlayErr behaviour.
	PlayFunc func(ctx context.Context, id string, clip audio.Clip) error

	// OnStart, when set, is called at the start of every Play call.
	OnStart func(id string)

	calls     []PlayCall
	active    int
	maxActive int
	stopCount int
}

// Play implements [audio.Player].
func (p *Player) Play(ctx context.Context, id string, clip audio.Clip) error {
	p.mu.Lock()
	p.calls = append(p.calls, PlayCall{ID: id, Clip: clip, At: time.Now()})
	p.active++
	if p.active > p.maxActive {
		p.maxActive = p.active
	}
	fn, delay, playErr, onStart := p.PlayFunc, p.Delay, p.PlayErr, p.OnStart
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.active--
		p.mu.Unlock()
	}()

	if onStart != nil {
		onStart(id)
	}
	if fn != nil {
		return fn(ctx, id, clip)
	}
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return playErr
}

// Stop implements [audio.Player].
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopCount++
}

// Calls returns a copy of all recorded Play calls in order.
func (p *Player) Calls() []PlayCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PlayCall, len(p.calls))
	copy(out, p.calls)
	return out
}

// PlayedText returns the Data of every played clip as strings, which is
// convenient when test synthesizers echo their input text as audio bytes.
func (p *Player) PlayedText() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.calls))
	for i, c := range p.calls {
		out[i] = string(c.Clip.Data)
	}
	return out
}

// MaxConcurrent reports the highest number of Play calls that were in
// progress at the same time.
func (p *Player) MaxConcurrent() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.maxActive
}

// StopCount returns how many times Stop was called.
func (p *Player) StopCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopCount
}

// Microphone is a mock implementation of [audio.Microphone]. It starts
// unmuted.
type Microphone struct {
	mu      sync.Mutex
	muted   bool
	mutes   int
	unmutes int

	// OnChange, when set, is called after every Mute/Unmute with the new state.
	OnChange func(muted bool)
}

// Mute implements [audio.Microphone].
func (m *Microphone) Mute() {
	m.mu.Lock()
	m.muted = true
	m.mutes++
	cb := m.OnChange
	m.mu.Unlock()
	if cb != nil {
		cb(true)
	}
}

// Unmute implements [audio.Microphone].
func (m *Microphone) Unmute() {
	m.mu.Lock()
	m.muted = false
	m.unmutes++
	cb := m.OnChange
	m.mu.Unlock()
	if cb != nil {
		cb(false)
	}
}

// Muted reports the current state.
func (m *Microphone) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

// Counts returns the number of Mute and Unmute calls.
func (m *Microphone) Counts() (mutes, unmutes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mutes, m.unmutes
}
