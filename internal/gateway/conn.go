package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/handsfree/internal/conversation"
	"github.com/MrWong99/handsfree/pkg/audio"
	"github.com/MrWong99/handsfree/pkg/provider/stt"
)

// outboundBuffer is the number of server messages queued per socket.
const outboundBuffer = 128

// Conn is one browser socket. It is the conversation's [audio.Player] and
// [audio.Microphone]: clips are sent to the browser and confirmed by it, and
// mute state is mirrored to the browser's recognizer.
type Conn struct {
	ws           *websocket.Conn
	id           string
	log          *slog.Logger
	writeTimeout time.Duration
	recognizer   stt.Provider
	recogConfig  stt.StreamConfig

	out       chan ServerMessage
	done      chan struct{}
	closeOnce sync.Once

	muted        atomic.Bool
	droppedAudio atomic.Int64

	mu      sync.Mutex
	pending map[string]chan error
	ctrl    *conversation.Controller
	recog   stt.SessionHandle
	pump    sync.WaitGroup
}

var (
	_ audio.Player     = (*Conn)(nil)
	_ audio.Microphone = (*Conn)(nil)
)

func newConn(ws *websocket.Conn, id string, s *Server) *Conn {
	c := &Conn{
		ws:           ws,
		id:           id,
		log:          s.log.With("session_id", id),
		writeTimeout: s.writeTimeout,
		recognizer:   s.recognizer,
		recogConfig:  s.recogConfig,
		out:          make(chan ServerMessage, outboundBuffer),
		done:         make(chan struct{}),
		pending:      make(map[string]chan error),
	}
	c.muted.Store(true)
	return c
}

// Play sends clip to the browser and waits until the browser reports the end
// of playback, ctx is done, or the socket closes.
func (c *Conn) Play(ctx context.Context, id string, clip audio.Clip) error {
	result := make(chan error, 1)
	c.mu.Lock()
	c.pending[id] = result
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	msg := ServerMessage{
		Type:       MsgAudio,
		ID:         id,
		Format:     string(clip.Encoding),
		SampleRate: clip.SampleRate,
		Channels:   clip.Channels,
		Data:       clip.Data,
	}
	select {
	case c.out <- msg:
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return ErrClosed
	}
}

// Stop tells the browser to silence whatever it is playing.
func (c *Conn) Stop() { c.send(ServerMessage{Type: MsgStopAudio}) }

// Mute tells the browser to stop recognising and drops incoming PCM.
func (c *Conn) Mute() {
	c.muted.Store(true)
	c.send(micMessage(false))
}

// Unmute lets the browser recognise speech again.
func (c *Conn) Unmute() {
	c.muted.Store(false)
	c.send(micMessage(true))
}

// send queues m without blocking. Callers include state listeners, which
// must never wait on the network.
func (c *Conn) send(m ServerMessage) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.out <- m:
	default:
		c.log.Warn("gateway: outbound queue full, dropping message", "type", m.Type)
	}
}

// resolve completes the pending Play call for id.
func (c *Conn) resolve(id string, err error) {
	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		c.log.Debug("gateway: playback report for unknown clip", "id", id)
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// serve runs the socket until the client leaves or ctx is done.
func (c *Conn) serve(ctx context.Context, ctrl *conversation.Controller) error {
	c.mu.Lock()
	c.ctrl = ctrl
	c.mu.Unlock()

	ctrl.OnTransition(func(tr conversation.Transition) {
		c.send(ServerMessage{
			Type:  MsgState,
			State: tr.To.String(),
			From:  tr.From.String(),
			Event: tr.Event.String(),
		})
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.readLoop(gctx) })
	err := g.Wait()

	c.shutdown()
	if n := c.droppedAudio.Load(); n > 0 {
		c.log.Debug("gateway: dropped microphone frames while muted", "frames", n)
	}
	return err
}

func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m := <-c.out:
			wctx, cancel := context.WithTimeout(ctx, c.writeTimeout)
			err := wsjson.Write(wctx, c.ws, m)
			cancel()
			if err != nil {
				return fmt.Errorf("gateway: write %s: %w", m.Type, err)
			}
		}
	}
}

func (c *Conn) readLoop(ctx context.Context) error {
	for {
		typ, data, err := c.ws.Read(ctx)
		if err != nil {
			return err
		}
		if typ == websocket.MessageBinary {
			c.handleAudio(ctx, data)
			continue
		}
		var m ClientMessage
		if err := json.Unmarshal(data, &m); err != nil {
			c.send(ServerMessage{Type: MsgError, Error: "gateway: malformed message: " + err.Error()})
			continue
		}
		if err := c.dispatch(m); err != nil {
			c.send(ServerMessage{Type: MsgError, Error: err.Error()})
		}
	}
}

func (c *Conn) dispatch(m ClientMessage) error {
	ctrl := c.ctrl
	switch m.Type {
	case MsgStart:
		return ctrl.Start()
	case MsgStop:
		return ctrl.Stop()
	case MsgEnd:
		ctrl.End()
	case MsgTranscript:
		ctrl.HandleTranscript(m.Text, m.IsFinal)
	case MsgRecognitionEnd:
		ctrl.HandleRecognitionEnd(m.Text)
	case MsgPlaybackEnded:
		c.resolve(m.ID, nil)
	case MsgPlaybackError:
		c.resolve(m.ID, fmt.Errorf("%w: %s", ErrClientPlayback, m.Error))
	case MsgVoice:
		if m.Voice == nil {
			return errors.New("gateway: voice message without settings")
		}
		ctrl.SetVoice(*m.Voice)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMessage, m.Type)
	}
	return nil
}

// handleAudio forwards microphone PCM to server-side recognition. Frames
// arriving while the microphone is muted are the assistant's own voice or
// its echo and are dropped.
func (c *Conn) handleAudio(ctx context.Context, pcm []byte) {
	if c.muted.Load() {
		c.droppedAudio.Add(1)
		return
	}
	sess, err := c.recognition(ctx)
	if err != nil {
		c.log.Warn("gateway: cannot start recognition", "err", err)
		c.send(ServerMessage{Type: MsgError, Error: err.Error()})
		return
	}
	if sess == nil {
		c.droppedAudio.Add(1)
		return
	}
	if err := sess.SendAudio(pcm); err != nil {
		c.log.Debug("gateway: recognition rejected audio", "err", err)
	}
}

// recognition opens the recognizer session on first use. It returns nil
// without error when no recognizer is configured.
func (c *Conn) recognition(ctx context.Context) (stt.SessionHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.recog != nil || c.recognizer == nil {
		return c.recog, nil
	}
	sess, err := c.recognizer.StartStream(ctx, c.recogConfig)
	if err != nil {
		return nil, fmt.Errorf("gateway: start recognition: %w", err)
	}
	c.recog = sess
	ctrl := c.ctrl
	c.pump.Go(func() {
		for t := range sess.Transcripts() {
			switch {
			case t.SpeechEnded:
				ctrl.HandleRecognitionEnd("")
			case t.Text != "":
				ctrl.HandleTranscript(t.Text, t.IsFinal)
			}
		}
	})
	return sess, nil
}

func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		sess := c.recog
		c.mu.Unlock()
		if sess != nil {
			if err := sess.Close(); err != nil {
				c.log.Debug("gateway: close recognition", "err", err)
			}
		}
		c.pump.Wait()
	})
}
