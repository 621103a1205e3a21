package turnlog

import (
	"context"
	"sync"
)

// Memory is an in-process Store that retains at most maxSize entries,
// evicting the oldest first.
type Memory struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty store. A non-positive maxSize keeps 1000 entries.
func NewMemory(maxSize int) *Memory {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &Memory{maxSize: maxSize}
}

// Append implements [Store].
func (m *Memory) Append(_ context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	if over := len(m.entries) - m.maxSize; over > 0 {
		m.entries = append(m.entries[:0:0], m.entries[over:]...)
	}
	return nil
}

// Recent implements [Store].
func (m *Memory) Recent(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Entry
	for i := len(m.entries) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if m.entries[i].SessionID == sessionID {
			out = append(out, m.entries[i])
		}
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Ping implements [Store].
func (m *Memory) Ping(context.Context) error { return nil }

// Len returns the number of retained entries.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
