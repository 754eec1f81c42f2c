package watcher

import (
	"sync"
	"time"

	"github.com/google/btree"
)

// seen orders transfer refs by the time they were handed off, so the oldest
// can be evicted in O(log n)
type seen struct {
	at  time.Time
	ref string
}

func (a seen) Less(b btree.Item) bool {
	o := b.(seen)
	if !a.at.Equal(o.at) {
		return a.at.Before(o.at)
	}
	return a.ref < o.ref
}

// window remembers recently forwarded transfer refs, bounded by size and age.
// The persisted unique transfer_ref backs it up once a ref falls out.
type window struct {
	mu     sync.Mutex
	byRef  map[string]time.Time
	byAge  *btree.BTree
	size   int
	maxAge time.Duration
}

func newWindow(size int, maxAge time.Duration) *window {
	if size <= 0 {
		size = 10000
	}
	return &window{
		byRef:  make(map[string]time.Time),
		byAge:  btree.New(2),
		size:   size,
		maxAge: maxAge,
	}
}

func (w *window) Contains(ref string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.byRef[ref]
	return ok
}

func (w *window) Add(ref string, at time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if prev, ok := w.byRef[ref]; ok {
		w.byAge.Delete(seen{at: prev, ref: ref})
	}
	w.byRef[ref] = at
	w.byAge.ReplaceOrInsert(seen{at: at, ref: ref})
	w.evict(at)
}

func (w *window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.byRef)
}

func (w *window) evict(now time.Time) {
	for w.byAge.Len() > 0 {
		oldest := w.byAge.Min().(seen)
		if w.byAge.Len() <= w.size && (w.maxAge <= 0 || now.Sub(oldest.at) <= w.maxAge) {
			return
		}
		w.byAge.DeleteMin()
		delete(w.byRef, oldest.ref)
	}
}
