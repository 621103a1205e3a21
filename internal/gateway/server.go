package gateway

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/MrWong99/handsfree/internal/conversation"
	"github.com/MrWong99/handsfree/internal/observe"
	"github.com/MrWong99/handsfree/pkg/audio"
	"github.com/MrWong99/handsfree/pkg/provider/stt"
)

const (
	// DefaultWriteTimeout bounds a single websocket write.
	DefaultWriteTimeout = 10 * time.Second

	// maxFrameBytes bounds inbound frames; a second of 16 kHz mono PCM is
	// 32 KiB.
	maxFrameBytes = 1 << 20
)

// Sessions creates and releases the conversation behind each socket.
type Sessions interface {
	Open(ctx context.Context, id, remote string, player audio.Player, mic audio.Microphone) *conversation.Controller
	Close(id string)
}

// Server accepts conversation sockets.
type Server struct {
	sessions     Sessions
	recognizer   stt.Provider
	recogConfig  stt.StreamConfig
	origins      []string
	writeTimeout time.Duration
	base         context.Context
	log          *slog.Logger
}

// Option configures a [Server].
type Option func(*Server)

// WithRecognizer enables server-side recognition of binary PCM frames.
func WithRecognizer(p stt.Provider, cfg stt.StreamConfig) Option {
	return func(s *Server) {
		s.recognizer = p
		s.recogConfig = cfg
	}
}

// WithOriginPatterns allows cross-origin browsers whose host matches one of
// patterns. Same-origin requests are always accepted.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.origins = patterns }
}

// WithWriteTimeout bounds each websocket write.
func WithWriteTimeout(d time.Duration) Option {
	return func(s *Server) { s.writeTimeout = d }
}

// WithBaseContext ties every socket to ctx, so cancelling it closes all
// conversations even though their connections have been hijacked.
func WithBaseContext(ctx context.Context) Option {
	return func(s *Server) { s.base = ctx }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.log = l }
}

// New creates a Server backed by sessions.
func New(sessions Sessions, opts ...Option) *Server {
	s := &Server{
		sessions:     sessions,
		writeTimeout: DefaultWriteTimeout,
		base:         context.Background(),
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// ServeHTTP upgrades the request and runs one conversation until the socket
// closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.origins})
	if err != nil {
		s.log.Warn("gateway: upgrade failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(maxFrameBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.base, cancel)
	defer stop()

	id := uuid.NewString()
	ctx = observe.WithSessionID(ctx, id)
	c := newConn(ws, id, s)

	ctrl := s.sessions.Open(ctx, id, r.RemoteAddr, c, c)
	defer s.sessions.Close(id)
	c.send(ServerMessage{Type: MsgSession, SessionID: id, State: ctrl.State().String()})
	c.log.Info("gateway: conversation opened", "remote", r.RemoteAddr)

	err = c.serve(ctx, ctrl)
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		websocket.CloseStatus(err) == websocket.StatusNormalClosure,
		websocket.CloseStatus(err) == websocket.StatusGoingAway:
		c.log.Info("gateway: conversation closed")
		ws.Close(websocket.StatusNormalClosure, "")
	default:
		c.log.Warn("gateway: conversation ended with error", "err", err)
		ws.Close(websocket.StatusInternalError, "internal error")
	}
}
