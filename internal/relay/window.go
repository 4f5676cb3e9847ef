package relay

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Dedup window defaults.
const (
	DefaultWindowTTL = 10 * time.Minute
	DefaultWindowMax = 1000
)

// FingerprintWindow is the bounded recent-history set used to drop repeated deliveries.
type FingerprintWindow interface {
	// Observe records fp for scope and reports whether this is its first sighting.
	Observe(ctx context.Context, scopeID uuid.UUID, fp string) (bool, error)
	// Forget removes fp so a later delivery is processed again.
	Forget(ctx context.Context, scopeID uuid.UUID, fp string) error
}

type sighting struct {
	fp string
	at time.Time
}

type scopeWindow struct {
	mu    sync.Mutex
	order []sighting
	seen  map[string]time.Time
}

// MemoryWindow keeps the most recent fingerprints per scope, bounded by age and count.
// Scopes never contend with each other.
type MemoryWindow struct {
	ttl    time.Duration
	max    int
	now    func() time.Time
	scopes sync.Map // uuid.UUID -> *scopeWindow
}

// NewMemoryWindow creates a window holding at most max fingerprints per scope for ttl.
func NewMemoryWindow(ttl time.Duration, max int) *MemoryWindow {
	if ttl <= 0 {
		ttl = DefaultWindowTTL
	}
	if max <= 0 {
		max = DefaultWindowMax
	}
	return &MemoryWindow{ttl: ttl, max: max, now: time.Now}
}

func (w *MemoryWindow) scope(id uuid.UUID) *scopeWindow {
	v, _ := w.scopes.LoadOrStore(id, &scopeWindow{seen: make(map[string]time.Time)})
	return v.(*scopeWindow)
}

func (w *MemoryWindow) Observe(_ context.Context, scopeID uuid.UUID, fp string) (bool, error) {
	sw := w.scope(scopeID)
	now := w.now()
	sw.mu.Lock()
	defer sw.mu.Unlock()

	cutoff := now.Add(-w.ttl)
	for len(sw.order) > 0 && sw.order[0].at.Before(cutoff) {
		sw.evictOldest()
	}
	if _, ok := sw.seen[fp]; ok {
		return false, nil
	}
	sw.seen[fp] = now
	sw.order = append(sw.order, sighting{fp: fp, at: now})
	for len(sw.order) > w.max {
		sw.evictOldest()
	}
	return true, nil
}

func (w *MemoryWindow) Forget(_ context.Context, scopeID uuid.UUID, fp string) error {
	sw := w.scope(scopeID)
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if _, ok := sw.seen[fp]; !ok {
		return nil
	}
	delete(sw.seen, fp)
	for i, s := range sw.order {
		if s.fp == fp {
			sw.order = append(sw.order[:i], sw.order[i+1:]...)
			break
		}
	}
	return nil
}

// Len returns the number of fingerprints currently held for scope.
func (w *MemoryWindow) Len(scopeID uuid.UUID) int {
	sw := w.scope(scopeID)
	sw.mu.Lock()
	defer sw.mu.Unlock()
	return len(sw.seen)
}

func (sw *scopeWindow) evictOldest() {
	oldest := sw.order[0]
	sw.order = sw.order[1:]
	delete(sw.seen, oldest.fp)
}
