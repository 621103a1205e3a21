package turnlog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMemory_RecentFiltersAndOrders(t *testing.T) {
	t.Parallel()
	m := NewMemory(10)
	ctx := context.Background()
	for i, sid := range []string{"a", "b", "a", "a"} {
		_ = m.Append(ctx, Entry{SessionID: sid, Text: string(rune('0' + i))})
	}

	got, err := m.Recent(ctx, "a", 2)
	if err != nil {
		t.Fatalf("Recent: %v", err)
	}
	if len(got) != 2 || got[0].Text != "2" || got[1].Text != "3" {
		t.Errorf("Recent = %+v, want texts [2 3]", got)
	}
}

func TestMemory_Evicts(t *testing.T) {
	t.Parallel()
	m := NewMemory(3)
	ctx := context.Background()
	for range 5 {
		_ = m.Append(ctx, Entry{SessionID: "s"})
	}
	if m.Len() != 3 {
		t.Errorf("Len = %d, want 3", m.Len())
	}
}

type recordingStore struct {
	mu      sync.Mutex
	entries []Entry
	err     error
	block   chan struct{}
}

func (r *recordingStore) Append(_ context.Context, e Entry) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return r.err
}

func (r *recordingStore) Recent(context.Context, string, int) ([]Entry, error) { return nil, nil }
func (r *recordingStore) Ping(context.Context) error                           { return nil }

func (r *recordingStore) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func TestWriter_FlushesOnClose(t *testing.T) {
	t.Parallel()
	store := &recordingStore{}
	w := NewWriter(store, 8, nil)
	w.Record(Entry{SessionID: "s", Kind: KindUtterance})
	w.Record(Entry{SessionID: "s", Kind: KindResponse})
	w.Close()

	if store.len() != 2 {
		t.Fatalf("stored %d entries, want 2", store.len())
	}
	if store.entries[0].At.IsZero() {
		t.Error("At was not stamped")
	}
}

func TestWriter_DropsWhenFull(t *testing.T) {
	t.Parallel()
	store := &recordingStore{block: make(chan struct{})}
	w := NewWriter(store, 1, nil)

	// The first entry is taken by the loop and blocks in Append, the second
	// fills the buffer, the rest are dropped.
	w.Record(Entry{})
	deadline := time.Now().Add(time.Second)
	for len(w.ch) != 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	for range 4 {
		w.Record(Entry{})
	}
	if w.Dropped() != 3 {
		t.Errorf("Dropped = %d, want 3", w.Dropped())
	}
	close(store.block)
	w.Close()

	w.Record(Entry{})
	if w.Dropped() != 4 {
		t.Errorf("Dropped after Close = %d, want 4", w.Dropped())
	}
}

func TestWriter_StoreErrorDoesNotStop(t *testing.T) {
	t.Parallel()
	store := &recordingStore{err: errors.New("db down")}
	w := NewWriter(store, 4, nil)
	w.Record(Entry{})
	w.Record(Entry{})
	w.Close()
	if store.len() != 2 {
		t.Errorf("attempted %d appends, want 2", store.len())
	}
}

func TestWriter_NilIsSafe(t *testing.T) {
	t.Parallel()
	var w *Writer
	w.Record(Entry{})
}
