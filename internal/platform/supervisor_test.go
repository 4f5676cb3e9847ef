package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-community/relay/internal/metrics"
	"github.com/aura-community/relay/internal/models"
)

type collectingHandler struct {
	mu     sync.Mutex
	events []models.RawEvent
	delay  time.Duration
}

func (h *collectingHandler) OnRawEvent(_ context.Context, ev models.RawEvent) error {
	if h.delay > 0 {
		time.Sleep(h.delay)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, ev)
	return nil
}

func (h *collectingHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func TestSupervisorDeliversAndDrains(t *testing.T) {
	h := &collectingHandler{delay: 5 * time.Millisecond}
	sup := NewSupervisor(h, SupervisorConfig{QueueSize: 64, Workers: 2}, nil, nil)

	emitted := make(chan struct{})
	conn := &stubPlatform{name: "discord", listen: func(ctx context.Context, emit Emit) error {
		for i := 0; i < 20; i++ {
			assert.True(t, emit(models.RawEvent{Platform: "spoofed", MessageID: fmt.Sprint(i)}))
		}
		close(emitted)
		<-ctx.Done()
		return nil
	}}
	sup.Start(context.Background(), conn)
	<-emitted

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, sup.Stop(ctx))
	assert.Equal(t, 20, h.count(), "queued events finish after stop")
	for _, ev := range h.events {
		assert.Equal(t, "discord", ev.Platform)
	}
}

func TestSupervisorIsolatesAndRestartsFailingConnector(t *testing.T) {
	h := &collectingHandler{}
	m := metrics.New(prometheus.NewRegistry())
	sup := NewSupervisor(h, SupervisorConfig{InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}, m, nil)

	var attempts atomic.Int32
	broken := &stubPlatform{name: "slack", listen: func(ctx context.Context, emit Emit) error {
		attempts.Add(1)
		return errors.New("auth revoked")
	}}
	healthy := &stubPlatform{name: "discord", listen: func(ctx context.Context, emit Emit) error {
		tick := time.NewTicker(2 * time.Millisecond)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-tick.C:
				emit(models.RawEvent{Text: "tick"})
			}
		}
	}}
	sup.Start(context.Background(), broken, healthy)

	require.Eventually(t, func() bool { return attempts.Load() >= 3 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return h.count() >= 3 }, 2*time.Second, time.Millisecond)

	var slack ConnectorStatus
	for _, st := range sup.Status() {
		if st.Platform == "slack" {
			slack = st
		}
	}
	assert.GreaterOrEqual(t, slack.Restarts, 2)
	assert.Contains(t, slack.LastError, "auth revoked")
	assert.Contains(t, slack.LastError, ErrConnectorUnavailable.Error())

	require.NoError(t, sup.Stop(context.Background()))
}

func TestSupervisorRecoversListenerPanic(t *testing.T) {
	sup := NewSupervisor(&collectingHandler{}, SupervisorConfig{InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond}, nil, nil)
	var calls atomic.Int32
	sup.Start(context.Background(), &stubPlatform{name: "web", listen: func(ctx context.Context, emit Emit) error {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		<-ctx.Done()
		return nil
	}})
	require.Eventually(t, func() bool { return calls.Load() >= 2 }, time.Second, time.Millisecond)
	require.NoError(t, sup.Stop(context.Background()))
}

func TestEmitAfterStopIsRejected(t *testing.T) {
	var emit Emit
	got := make(chan struct{})
	sup := NewSupervisor(&collectingHandler{}, SupervisorConfig{}, nil, nil)
	sup.Start(context.Background(), &stubPlatform{name: "web", listen: func(ctx context.Context, e Emit) error {
		emit = e
		close(got)
		<-ctx.Done()
		return nil
	}})
	<-got
	require.NoError(t, sup.Stop(context.Background()))
	assert.False(t, emit(models.RawEvent{Text: "late"}))
}
