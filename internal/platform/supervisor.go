package platform

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/aura-community/relay/internal/metrics"
	"github.com/aura-community/relay/internal/models"
)

var errListenerReturned = errors.New("listener returned")

// Supervisor defaults.
const (
	DefaultQueueSize  = 256
	DefaultWorkers    = 4
	DefaultMaxBackoff = time.Minute
)

// Handler consumes raw events pulled off a connector's queue.
type Handler interface {
	OnRawEvent(ctx context.Context, ev models.RawEvent) error
}

// SupervisorConfig sizes each connector unit.
type SupervisorConfig struct {
	QueueSize      int
	Workers        int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// ConnectorStatus is a point-in-time view of one connector.
type ConnectorStatus struct {
	Platform  string `json:"platform"`
	Healthy   bool   `json:"healthy"`
	Restarts  int    `json:"restarts"`
	LastError string `json:"last_error,omitempty"`
}

type unit struct {
	conn  Connector
	name  string
	queue chan models.RawEvent

	mu     sync.RWMutex
	closed bool

	stateMu  sync.Mutex
	healthy  bool
	restarts int
	lastErr  error
}

// Supervisor runs each connector as an isolated unit: its own listener, bounded queue
// and worker pool. A failing listener is restarted with backoff and never affects
// other units.
type Supervisor struct {
	handler Handler
	cfg     SupervisorConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	units  []*unit
	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// NewSupervisor creates a supervisor feeding handler.
func NewSupervisor(handler Handler, cfg SupervisorConfig, m *metrics.Metrics, logger *zap.Logger) *Supervisor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	return &Supervisor{handler: handler, cfg: cfg, metrics: m, logger: logger}
}

// Start launches one unit per connector. It must be called once.
func (s *Supervisor) Start(ctx context.Context, connectors ...Connector) {
	ctx, s.cancel = context.WithCancel(ctx)
	work := context.WithoutCancel(ctx)
	for _, c := range connectors {
		u := &unit{conn: c, name: c.Name(), queue: make(chan models.RawEvent, s.cfg.QueueSize)}
		s.units = append(s.units, u)
		for i := 0; i < s.cfg.Workers; i++ {
			s.wg.Add(1)
			go s.work(work, u)
		}
		s.wg.Add(1)
		go s.listen(ctx, u)
		s.logger.Info("connector started", zap.String("platform", u.name), zap.Int("workers", s.cfg.Workers))
	}
}

// Stop halts intake, lets workers finish every queued event and waits for them or ctx.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		for _, u := range s.units {
			u.mu.Lock()
			u.closed = true
			close(u.queue)
			u.mu.Unlock()
		}
	})
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("connectors stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("connectors did not drain: %w", ctx.Err())
	}
}

// Status reports every unit.
func (s *Supervisor) Status() []ConnectorStatus {
	out := make([]ConnectorStatus, 0, len(s.units))
	for _, u := range s.units {
		u.stateMu.Lock()
		st := ConnectorStatus{Platform: u.name, Healthy: u.healthy, Restarts: u.restarts}
		if u.lastErr != nil {
			st.LastError = u.lastErr.Error()
		}
		u.stateMu.Unlock()
		out = append(out, st)
	}
	return out
}

func (u *unit) emitter(ctx context.Context) Emit {
	return func(ev models.RawEvent) bool {
		u.mu.RLock()
		defer u.mu.RUnlock()
		if u.closed {
			return false
		}
		ev.Platform = u.name
		select {
		case u.queue <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}
}

func (u *unit) setState(healthy bool, err error, restarted bool) {
	u.stateMu.Lock()
	defer u.stateMu.Unlock()
	u.healthy = healthy
	if err != nil {
		u.lastErr = err
	}
	if restarted {
		u.restarts++
	}
}

func (s *Supervisor) listen(ctx context.Context, u *unit) {
	defer s.wg.Done()
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.cfg.InitialBackoff
	b.MaxInterval = s.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	emit := u.emitter(ctx)

	for {
		u.setState(true, nil, false)
		started := time.Now()
		err := s.runListener(ctx, u, emit)
		if ctx.Err() != nil {
			u.setState(false, nil, false)
			return
		}
		if err == nil {
			err = errListenerReturned
		}
		err = fmt.Errorf("%s: %w: %v", u.name, ErrConnectorUnavailable, err)
		if time.Since(started) > s.cfg.MaxBackoff {
			b.Reset()
		}
		wait := b.NextBackOff()
		u.setState(false, err, true)
		s.metrics.ConnectorRestarted(u.name)
		s.logger.Error("connector failed, restarting",
			zap.String("platform", u.name), zap.Duration("backoff", wait), zap.Error(err))

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			u.setState(false, nil, false)
			return
		case <-t.C:
		}
	}
}

func (s *Supervisor) runListener(ctx context.Context, u *unit, emit Emit) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return u.conn.Listen(ctx, emit)
}

func (s *Supervisor) work(ctx context.Context, u *unit) {
	defer s.wg.Done()
	for ev := range u.queue {
		if err := s.handle(ctx, ev); err != nil {
			s.logger.Error("raw event failed",
				zap.String("platform", u.name),
				zap.String("channel", ev.Channel),
				zap.String("message_id", ev.MessageID),
				zap.Error(err))
		}
	}
}

func (s *Supervisor) handle(ctx context.Context, ev models.RawEvent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return s.handler.OnRawEvent(ctx, ev)
}
