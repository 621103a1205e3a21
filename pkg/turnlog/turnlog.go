// Package turnlog records what happened in a conversation: accepted
// utterances, response outcomes and state transitions.
//
// The conversation controller writes through a [Writer] so that persistence
// never blocks the voice loop. Backends implement [Store]; [Nop] discards
// everything and [Memory] keeps a bounded in-process log.
package turnlog

import (
	"context"
	"time"
)

// Kind identifies what an [Entry] describes.
type Kind string

const (
	// KindUtterance is an accepted user utterance.
	KindUtterance Kind = "utterance"

	// KindResponse summarises one assistant reply.
	KindResponse Kind = "response"

	// KindTransition is a state machine transition.
	KindTransition Kind = "transition"
)

// Entry is one record in a conversation's turn log.
type Entry struct {
	SessionID string `json:"session_id"`
	Kind      Kind   `json:"kind"`

	// Text is the utterance or reply text.
	Text string `json:"text,omitempty"`

	// ResponseID links response entries to the speech queue response.
	ResponseID string `json:"response_id,omitempty"`

	// From, To and Event are set for transitions.
	From  string `json:"from,omitempty"`
	To    string `json:"to,omitempty"`
	Event string `json:"event,omitempty"`

	// Chunks, Fallbacks and Skipped summarise a response.
	Chunks    int `json:"chunks,omitempty"`
	Fallbacks int `json:"fallbacks,omitempty"`
	Skipped   int `json:"skipped,omitempty"`

	// Detail carries an error or recovery cause, if any.
	Detail string `json:"detail,omitempty"`

	At time.Time `json:"at"`
}

// Store persists entries.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores e.
	Append(ctx context.Context, e Entry) error

	// Recent returns up to limit entries of sessionID, oldest first.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)

	// Ping reports whether the backend is reachable.
	Ping(ctx context.Context) error
}

// Nop is a Store that keeps nothing.
type Nop struct{}

var _ Store = Nop{}

func (Nop) Append(context.Context, Entry) error                  { return nil }
func (Nop) Recent(context.Context, string, int) ([]Entry, error) { return nil, nil }
func (Nop) Ping(context.Context) error                           { return nil }
