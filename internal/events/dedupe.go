// Package events tracks which inbound transport events were already handled.
package events

import (
	"container/list"
	"context"
	"sync"
	"time"
)

// Deduper reports whether an external event id was seen within the
// retention window. The first call for an id records it and returns false;
// every later call inside the window returns true.
type Deduper interface {
	IsDuplicate(ctx context.Context, id string) (bool, error)
	// Forget drops id from the window so a redelivery is processed again.
	Forget(ctx context.Context, id string) error
}

const (
	DefaultWindow     = 24 * time.Hour
	DefaultMaxEntries = 10000
)

type seenEntry struct {
	id     string
	seenAt time.Time
}

// MemoryWindow is an in-process dedup window bounded by age and by count.
// Entries are kept in arrival order so the oldest is evicted first.
type MemoryWindow struct {
	mu         sync.Mutex
	window     time.Duration
	maxEntries int
	order      *list.List
	seen       map[string]*list.Element
	now        func() time.Time
}

func NewMemoryWindow(window time.Duration, maxEntries int) *MemoryWindow {
	if window <= 0 {
		window = DefaultWindow
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &MemoryWindow{
		window:     window,
		maxEntries: maxEntries,
		order:      list.New(),
		seen:       make(map[string]*list.Element),
		now:        time.Now,
	}
}

func (w *MemoryWindow) IsDuplicate(_ context.Context, id string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	now := w.now()
	w.expireLocked(now)
	if _, ok := w.seen[id]; ok {
		return true, nil
	}
	w.seen[id] = w.order.PushBack(seenEntry{id: id, seenAt: now})
	for w.order.Len() > w.maxEntries {
		w.dropLocked(w.order.Front())
	}
	return false, nil
}

func (w *MemoryWindow) Forget(_ context.Context, id string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if e, ok := w.seen[id]; ok {
		w.dropLocked(e)
	}
	return nil
}

// Len reports how many ids are retained.
func (w *MemoryWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.order.Len()
}

func (w *MemoryWindow) expireLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	for e := w.order.Front(); e != nil; e = w.order.Front() {
		if e.Value.(seenEntry).seenAt.After(cutoff) {
			return
		}
		w.dropLocked(e)
	}
}

func (w *MemoryWindow) dropLocked(e *list.Element) {
	w.order.Remove(e)
	delete(w.seen, e.Value.(seenEntry).id)
}
