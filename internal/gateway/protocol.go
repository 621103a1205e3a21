// Package gateway connects browser clients to conversation controllers over
// a websocket.
//
// Each socket owns one conversation. The browser runs speech recognition and
// audio playback; the server runs turn-taking. Text frames carry JSON
// messages in both directions. Binary frames from the client carry 16-bit
// mono PCM for server-side recognition when the browser cannot recognise
// speech itself.
//
// Client to server:
//
//	{"type":"start"} {"type":"stop"} {"type":"end"}
//	{"type":"transcript","text":"...","is_final":true}
//	{"type":"recognition_end","text":"..."}
//	{"type":"playback_ended","id":"..."}
//	{"type":"playback_error","id":"...","error":"..."}
//	{"type":"voice","voice":{"voice_id":"...","stability":0.5}}
//
// Server to client:
//
//	{"type":"session","session_id":"...","state":"idle"}
//	{"type":"state","state":"listening","from":"idle","event":"start"}
//	{"type":"mic","enabled":false}
//	{"type":"audio","id":"...","format":"mp3","data":"<base64>"}
//	{"type":"stop_audio"}
//	{"type":"error","error":"..."}
//
// Every audio message must be answered with playback_ended or playback_error
// carrying the same id; the next clip is sent only after that.
package gateway

import (
	"errors"

	"github.com/MrWong99/handsfree/pkg/provider/tts"
)

// Client message types.
const (
	MsgStart          = "start"
	MsgStop           = "stop"
	MsgEnd            = "end"
	MsgTranscript     = "transcript"
	MsgRecognitionEnd = "recognition_end"
	MsgPlaybackEnded  = "playback_ended"
	MsgPlaybackError  = "playback_error"
	MsgVoice          = "voice"
)

// Server message types.
const (
	MsgSession   = "session"
	MsgState     = "state"
	MsgMic       = "mic"
	MsgAudio     = "audio"
	MsgStopAudio = "stop_audio"
	MsgError     = "error"
)

var (
	// ErrClosed is returned by Play when the socket closes mid-clip.
	ErrClosed = errors.New("gateway: connection closed")

	// ErrClientPlayback wraps a playback_error reported by the browser.
	ErrClientPlayback = errors.New("gateway: client playback failed")

	// ErrUnknownMessage is reported to the client for unrecognised types.
	ErrUnknownMessage = errors.New("gateway: unknown message type")
)

// ClientMessage is a JSON frame sent by the browser.
type ClientMessage struct {
	Type    string             `json:"type"`
	Text    string             `json:"text,omitempty"`
	IsFinal bool               `json:"is_final,omitempty"`
	ID      string             `json:"id,omitempty"`
	Error   string             `json:"error,omitempty"`
	Voice   *tts.VoiceSettings `json:"voice,omitempty"`
}

// ServerMessage is a JSON frame sent to the browser. Data is base64 encoded
// on the wire.
type ServerMessage struct {
	Type       string `json:"type"`
	SessionID  string `json:"session_id,omitempty"`
	State      string `json:"state,omitempty"`
	From       string `json:"from,omitempty"`
	Event      string `json:"event,omitempty"`
	Enabled    *bool  `json:"enabled,omitempty"`
	ID         string `json:"id,omitempty"`
	Format     string `json:"format,omitempty"`
	SampleRate int    `json:"sample_rate,omitempty"`
	Channels   int    `json:"channels,omitempty"`
	Data       []byte `json:"data,omitempty"`
	Error      string `json:"error,omitempty"`
}

func micMessage(enabled bool) ServerMessage {
	return ServerMessage{Type: MsgMic, Enabled: &enabled}
}
