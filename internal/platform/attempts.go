package platform

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-community/relay/internal/models"
	"github.com/aura-community/relay/internal/relay"
)

// DefaultAttemptTTL is how long a dispatch attempt id is remembered.
const DefaultAttemptTTL = 24 * time.Hour

// AttemptState is what a guard knows about an attempt id.
type AttemptState int

const (
	AttemptNew AttemptState = iota
	AttemptPending
	AttemptDelivered
)

// AttemptGuard remembers dispatch attempt ids so a retried relay is not double-posted.
type AttemptGuard interface {
	// Begin claims id. Only the caller that sees AttemptNew may post.
	Begin(ctx context.Context, id string) (AttemptState, error)
	// Complete settles a claim. A failed attempt is released so a retry can post.
	Complete(ctx context.Context, id string, delivered bool) error
}

type guardedDispatcher struct {
	next   relay.Dispatcher
	guard  AttemptGuard
	logger *zap.Logger
}

// Guard wraps d so that dispatches carrying an AttemptID are posted at most once.
func Guard(d relay.Dispatcher, g AttemptGuard, logger *zap.Logger) relay.Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &guardedDispatcher{next: d, guard: g, logger: logger}
}

func (g *guardedDispatcher) Dispatch(ctx context.Context, out models.Outbound) models.DispatchOutcome {
	if out.AttemptID == "" {
		return g.next.Dispatch(ctx, out)
	}
	state, err := g.guard.Begin(ctx, out.AttemptID)
	if err != nil {
		g.logger.Warn("attempt guard unavailable, dispatching unguarded",
			zap.String("attempt_id", out.AttemptID), zap.Error(err))
		return g.next.Dispatch(ctx, out)
	}
	switch state {
	case AttemptDelivered:
		return models.Delivered()
	case AttemptPending:
		return models.DispatchFailedWith(models.ReasonDuplicateInFlight)
	}

	outcome := g.next.Dispatch(ctx, out)
	if err := g.guard.Complete(context.WithoutCancel(ctx), out.AttemptID, outcome.OK()); err != nil {
		g.logger.Warn("attempt guard settle failed", zap.String("attempt_id", out.AttemptID), zap.Error(err))
	}
	return outcome
}

type attempt struct {
	state   AttemptState
	expires time.Time
}

type claim struct {
	id      string
	expires time.Time
}

// MemoryAttemptGuard is a single-process AttemptGuard. Claims share one ttl, so
// the order queue is sorted by expiry and eviction only touches the front.
type MemoryAttemptGuard struct {
	mu       sync.Mutex
	ttl      time.Duration
	now      func() time.Time
	attempts map[string]attempt
	order    []claim
}

// NewMemoryAttemptGuard creates a guard that forgets ids after ttl.
func NewMemoryAttemptGuard(ttl time.Duration) *MemoryAttemptGuard {
	if ttl <= 0 {
		ttl = DefaultAttemptTTL
	}
	return &MemoryAttemptGuard{ttl: ttl, now: time.Now, attempts: make(map[string]attempt)}
}

func (m *MemoryAttemptGuard) Begin(_ context.Context, id string) (AttemptState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.evictExpired(now)
	if a, ok := m.attempts[id]; ok {
		return a.state, nil
	}
	expires := now.Add(m.ttl)
	m.attempts[id] = attempt{state: AttemptPending, expires: expires}
	m.order = append(m.order, claim{id: id, expires: expires})
	return AttemptNew, nil
}

func (m *MemoryAttemptGuard) Complete(_ context.Context, id string, delivered bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !delivered {
		// The queued claim stays behind and is skipped when it reaches the front.
		delete(m.attempts, id)
		return nil
	}
	if a, ok := m.attempts[id]; ok {
		a.state = AttemptDelivered
		m.attempts[id] = a
	}
	return nil
}

// Len returns the number of remembered attempt ids.
func (m *MemoryAttemptGuard) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.attempts)
}

func (m *MemoryAttemptGuard) evictExpired(now time.Time) {
	n := 0
	for n < len(m.order) && !now.Before(m.order[n].expires) {
		c := m.order[n]
		if a, ok := m.attempts[c.id]; ok && a.expires.Equal(c.expires) {
			delete(m.attempts, c.id)
		}
		n++
	}
	if n > 0 {
		m.order = m.order[n:]
	}
}
