// Package mock provides test doubles for the stt package interfaces.
//
// Example:
//
//	sess := mock.NewSession(8)
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.StartStream(ctx, cfg)
//	sess.Emit(stt.Transcript{Text: "how do i clean the fryer", IsFinal: true})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/handsfree/pkg/provider/stt"
)

// StartStreamCall records a single invocation of Provider.StartStream.
type StartStreamCall struct {
	Ctx context.Context
	Cfg stt.StreamConfig
}

// Provider is a mock implementation of stt.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is returned by StartStream. If nil, a fresh Session is created.
	Session *Session

	// StartStreamErr, if non-nil, is returned as the error from StartStream.
	StartStreamErr error

	calls []StartStreamCall
}

// StartStream records the call and returns Session, StartStreamErr.
func (p *Provider) StartStream(ctx context.Context, cfg stt.StreamConfig) (stt.SessionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, StartStreamCall{Ctx: ctx, Cfg: cfg})
	if p.StartStreamErr != nil {
		return nil, p.StartStreamErr
	}
	if p.Session == nil {
		p.Session = NewSession(16)
	}
	return p.Session, nil
}

// Calls returns a copy of every StartStream call.
func (p *Provider) Calls() []StartStreamCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]StartStreamCall, len(p.calls))
	copy(out, p.calls)
	return out
}

var _ stt.Provider = (*Provider)(nil)

// Session is a mock stt.SessionHandle. Tests push events with Emit and read
// delivered audio with Audio.
type Session struct {
	mu     sync.Mutex
	ch     chan stt.Transcript
	audio  [][]byte
	closed bool

	// SendErr, if non-nil, is returned by SendAudio.
	SendErr error
}

// NewSession returns a Session whose transcript channel has the given buffer.
func NewSession(buffer int) *Session {
	return &Session{ch: make(chan stt.Transcript, buffer)}
}

// Emit delivers t on the transcript channel. It is a no-op after Close.
func (s *Session) Emit(t stt.Transcript) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.ch <- t
}

// SendAudio records a copy of chunk.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return stt.ErrSessionClosed
	}
	if s.SendErr != nil {
		return s.SendErr
	}
	s.audio = append(s.audio, append([]byte(nil), chunk...))
	return nil
}

// Transcripts implements stt.SessionHandle.
func (s *Session) Transcripts() <-chan stt.Transcript { return s.ch }

// Audio returns the chunks received so far.
func (s *Session) Audio() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.audio))
	copy(out, s.audio)
	return out
}

// Closed reports whether Close was called.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close closes the transcript channel once.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

var _ stt.SessionHandle = (*Session)(nil)
