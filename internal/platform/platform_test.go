package platform

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-community/relay/internal/models"
)

// stubPlatform is a scriptable Platform used across this package's tests.
type stubPlatform struct {
	name    string
	outcome models.DispatchOutcome
	listen  func(ctx context.Context, emit Emit) error

	mu   sync.Mutex
	sent []models.Outbound
}

func (p *stubPlatform) Name() string { return p.name }

func (p *stubPlatform) Listen(ctx context.Context, emit Emit) error {
	if p.listen != nil {
		return p.listen(ctx, emit)
	}
	<-ctx.Done()
	return nil
}

func (p *stubPlatform) Dispatch(_ context.Context, out models.Outbound) models.DispatchOutcome {
	p.mu.Lock()
	p.sent = append(p.sent, out)
	p.mu.Unlock()
	if p.outcome.Status == "" {
		return models.Delivered()
	}
	return p.outcome
}

func (p *stubPlatform) outbound() []models.Outbound {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]models.Outbound(nil), p.sent...)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(nil, nil)
	require.NoError(t, r.Register(&stubPlatform{name: "telegram"}))
	require.NoError(t, r.Register(&stubPlatform{name: "discord"}))
	assert.Error(t, r.Register(&stubPlatform{name: "discord"}))
	assert.Error(t, r.Register(&stubPlatform{name: " "}))

	assert.Equal(t, []string{"discord", "telegram"}, r.Names())
	assert.Len(t, r.Platforms(), 2)

	_, ok := r.Lookup("slack")
	assert.False(t, ok)
	_, ok = r.Dispatcher("slack")
	assert.False(t, ok)

	d, ok := r.Dispatcher("discord")
	require.True(t, ok)
	assert.True(t, d.Dispatch(context.Background(), models.Outbound{Platform: "discord"}).OK())
}

func TestGuardedDispatchPostsOnce(t *testing.T) {
	ctx := context.Background()
	p := &stubPlatform{name: "telegram"}
	d := Guard(p, NewMemoryAttemptGuard(time.Hour), nil)

	out := models.Outbound{AttemptID: "a1", Platform: "telegram", Text: "hi"}
	assert.True(t, d.Dispatch(ctx, out).OK())
	assert.True(t, d.Dispatch(ctx, out).OK(), "retry reports delivered")
	assert.Len(t, p.outbound(), 1)

	// No attempt id means no guarding.
	d.Dispatch(ctx, models.Outbound{Platform: "telegram"})
	d.Dispatch(ctx, models.Outbound{Platform: "telegram"})
	assert.Len(t, p.outbound(), 3)
}

func TestGuardedDispatchReleasesFailures(t *testing.T) {
	ctx := context.Background()
	p := &stubPlatform{name: "telegram", outcome: models.DispatchFailedWith(models.ReasonRateLimited)}
	d := Guard(p, NewMemoryAttemptGuard(time.Hour), nil)

	out := models.Outbound{AttemptID: "a1"}
	assert.Equal(t, models.ReasonRateLimited, d.Dispatch(ctx, out).Reason)
	p.outcome = models.Delivered()
	assert.True(t, d.Dispatch(ctx, out).OK())
	assert.Len(t, p.outbound(), 2)
}

type blockingDispatcher struct {
	release chan struct{}
	calls   atomic.Int32
}

func (b *blockingDispatcher) Dispatch(context.Context, models.Outbound) models.DispatchOutcome {
	b.calls.Add(1)
	<-b.release
	return models.Delivered()
}

func TestGuardedDispatchInFlight(t *testing.T) {
	ctx := context.Background()
	b := &blockingDispatcher{release: make(chan struct{})}
	d := Guard(b, NewMemoryAttemptGuard(time.Hour), nil)

	done := make(chan models.DispatchOutcome)
	go func() { done <- d.Dispatch(ctx, models.Outbound{AttemptID: "a1"}) }()
	require.Eventually(t, func() bool { return b.calls.Load() == 1 }, time.Second, time.Millisecond)

	second := d.Dispatch(ctx, models.Outbound{AttemptID: "a1"})
	assert.Equal(t, models.ReasonDuplicateInFlight, second.Reason)

	close(b.release)
	assert.True(t, (<-done).OK())
	assert.Equal(t, int32(1), b.calls.Load())
}

type brokenGuard struct{}

func (brokenGuard) Begin(context.Context, string) (AttemptState, error) {
	return AttemptNew, errors.New("redis down")
}
func (brokenGuard) Complete(context.Context, string, bool) error { return nil }

func TestGuardFailsOpen(t *testing.T) {
	p := &stubPlatform{name: "web"}
	d := Guard(p, brokenGuard{}, nil)
	assert.True(t, d.Dispatch(context.Background(), models.Outbound{AttemptID: "a1"}).OK())
	assert.Len(t, p.outbound(), 1)
}

func TestMemoryAttemptGuardExpires(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewMemoryAttemptGuard(time.Minute)
	g.now = func() time.Time { return now }

	st, _ := g.Begin(ctx, "a1")
	assert.Equal(t, AttemptNew, st)
	require.NoError(t, g.Complete(ctx, "a1", true))
	st, _ = g.Begin(ctx, "a1")
	assert.Equal(t, AttemptDelivered, st)

	now = now.Add(2 * time.Minute)
	st, _ = g.Begin(ctx, "a1")
	assert.Equal(t, AttemptNew, st)
}

func TestMemoryAttemptGuardEvictsInExpiryOrder(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewMemoryAttemptGuard(time.Minute)
	g.now = func() time.Time { return now }

	for _, id := range []string{"a1", "a2", "a3"} {
		st, err := g.Begin(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, AttemptNew, st)
		now = now.Add(10 * time.Second)
	}
	require.NoError(t, g.Complete(ctx, "a2", false))
	st, _ := g.Begin(ctx, "a2")
	assert.Equal(t, AttemptNew, st, "released id can be claimed again")
	assert.Equal(t, 3, g.Len())

	// a1 expired at +60s; a2's first claim is stale and must not drop the re-claim.
	now = now.Add(45 * time.Second)
	st, _ = g.Begin(ctx, "a4")
	assert.Equal(t, AttemptNew, st)
	assert.Equal(t, 3, g.Len())
	st, _ = g.Begin(ctx, "a2")
	assert.Equal(t, AttemptPending, st)
	assert.Len(t, g.order, 3)
}
