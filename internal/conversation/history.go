package conversation

import (
	"sync"
	"time"

	"github.com/MrWong99/handsfree/pkg/provider/llm"
)

// History keeps the recent user and assistant turns sent with each request.
// It enforces both a maximum entry count and a maximum age; a zero maxAge
// keeps entries regardless of age.
//
// All methods are safe for concurrent use.
type History struct {
	mu      sync.RWMutex
	entries []historyEntry
	maxSize int
	maxAge  time.Duration
	now     func() time.Time
}

type historyEntry struct {
	msg llm.Message
	at  time.Time
}

// NewHistory returns an empty history.
func NewHistory(maxSize int, maxAge time.Duration) *History {
	if maxSize <= 0 {
		maxSize = 20
	}
	return &History{maxSize: maxSize, maxAge: maxAge, now: time.Now}
}

// Add appends a message with the given role.
func (h *History) Add(role, text string) {
	if text == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.entries = append(h.entries, historyEntry{msg: llm.Message{Role: role, Content: text}, at: h.now()})
	h.evict()
}

// Messages returns the retained messages, oldest first. Leading assistant
// messages are dropped so the history always opens with a user turn.
func (h *History) Messages() []llm.Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.evict()
	out := make([]llm.Message, 0, len(h.entries))
	for _, e := range h.entries {
		if len(out) == 0 && e.msg.Role != llm.RoleUser {
			continue
		}
		out = append(out, e.msg)
	}
	return out
}

// Len returns the number of retained messages.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.entries)
}

// evict removes entries beyond maxSize or older than maxAge. h.mu must be held.
func (h *History) evict() {
	start := 0
	if h.maxAge > 0 {
		cutoff := h.now().Add(-h.maxAge)
		for start < len(h.entries) && h.entries[start].at.Before(cutoff) {
			start++
		}
	}
	if over := len(h.entries) - start - h.maxSize; over > 0 {
		start += over
	}
	if start > 0 {
		h.entries = append(h.entries[:0:0], h.entries[start:]...)
	}
}
