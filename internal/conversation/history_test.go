package conversation

import (
	"testing"
	"time"

	"github.com/MrWong99/handsfree/pkg/provider/llm"
)

func TestHistory_BoundsSize(t *testing.T) {
	t.Parallel()
	h := NewHistory(3, 0)
	h.Add(llm.RoleUser, "a")
	h.Add(llm.RoleAssistant, "b")
	h.Add(llm.RoleUser, "c")
	h.Add(llm.RoleAssistant, "d")
	h.Add(llm.RoleUser, "e")

	msgs := h.Messages()
	// "c" "d" "e" are kept; none is dropped since "c" is a user turn.
	if len(msgs) != 3 || msgs[0].Content != "c" || msgs[2].Content != "e" {
		t.Errorf("Messages = %+v", msgs)
	}
}

func TestHistory_StartsWithUser(t *testing.T) {
	t.Parallel()
	h := NewHistory(2, 0)
	h.Add(llm.RoleUser, "a")
	h.Add(llm.RoleAssistant, "b")
	h.Add(llm.RoleUser, "c")

	msgs := h.Messages()
	if len(msgs) != 1 || msgs[0].Role != llm.RoleUser || msgs[0].Content != "c" {
		t.Errorf("Messages = %+v, want only the last user turn", msgs)
	}
}

func TestHistory_EvictsByAge(t *testing.T) {
	t.Parallel()
	now := time.Now()
	h := NewHistory(10, time.Minute)
	h.now = func() time.Time { return now }
	h.Add(llm.RoleUser, "old")
	h.Add(llm.RoleAssistant, "old reply")

	now = now.Add(2 * time.Minute)
	h.Add(llm.RoleUser, "new")
	msgs := h.Messages()
	if len(msgs) != 1 || msgs[0].Content != "new" {
		t.Errorf("Messages = %+v", msgs)
	}
	if h.Len() != 1 {
		t.Errorf("Len = %d, want 1", h.Len())
	}
}

func TestHistory_IgnoresEmpty(t *testing.T) {
	t.Parallel()
	h := NewHistory(0, 0)
	h.Add(llm.RoleAssistant, "")
	if h.Len() != 0 {
		t.Errorf("Len = %d, want 0", h.Len())
	}
}
