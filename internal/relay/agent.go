// Package relay decides what crosses a platform boundary and fans it out to every
// other bound platform.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aura-community/relay/internal/ledger"
	"github.com/aura-community/relay/internal/metrics"
	"github.com/aura-community/relay/internal/models"
)

// DefaultDispatchTimeout bounds a single platform dispatch.
const DefaultDispatchTimeout = 10 * time.Second

// Resolver maps a platform handle to a verified member, or nil.
type Resolver interface {
	ResolveHandle(ctx context.Context, scopeID uuid.UUID, platform, handle string) (*models.Member, error)
}

// Recorder is the provenance sink.
type Recorder interface {
	AppendDetail(ctx context.Context, e models.LedgerEntry, detail any) (models.LedgerEntry, error)
	RecordRelay(ctx context.Context, r models.RelayRecord) (models.RelayRecord, error)
}

// Bindings lists where a scope posts relays.
type Bindings interface {
	ListActiveBindings(ctx context.Context, scopeID uuid.UUID) ([]models.Binding, error)
}

// Dispatcher posts one outbound relay. Failures are reported in the outcome.
type Dispatcher interface {
	Dispatch(ctx context.Context, out models.Outbound) models.DispatchOutcome
}

// Dispatchers looks up the dispatcher for a platform name.
type Dispatchers interface {
	Dispatcher(platform string) (Dispatcher, bool)
}

// Deps are the collaborators an Agent orchestrates.
type Deps struct {
	Filter      *Filter
	Resolver    Resolver
	Recorder    Recorder
	Bindings    Bindings
	Dispatchers Dispatchers
	Window      FingerprintWindow
	Metrics     *metrics.Metrics
}

// Config tunes the agent.
type Config struct {
	DispatchTimeout time.Duration
	MaxContent      int
}

// Result summarizes one OnInbound invocation.
type Result struct {
	Duplicate   bool
	Suppressed  bool
	Reason      string
	Attribution string
	Records     []models.RelayRecord
}

// Agent runs filter, resolve, record and dispatch for each inbound message.
type Agent struct {
	deps     Deps
	cfg      Config
	logger   *zap.Logger
	inflight sync.WaitGroup
}

// NewAgent creates a relay agent.
func NewAgent(deps Deps, cfg Config, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Filter == nil {
		deps.Filter = NewFilter(Policy{})
	}
	if deps.Window == nil {
		deps.Window = NewMemoryWindow(DefaultWindowTTL, DefaultWindowMax)
	}
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = DefaultDispatchTimeout
	}
	if cfg.MaxContent <= 0 {
		cfg.MaxContent = DefaultMaxContent
	}
	return &Agent{deps: deps, cfg: cfg, logger: logger}
}

// OnInbound processes one canonical message. Dispatch runs detached from ctx
// cancellation so an accepted message always finishes recording its outcomes.
// The only error paths are provenance and binding lookup failures, which block dispatch.
func (a *Agent) OnInbound(ctx context.Context, msg models.CanonicalMessage) (Result, error) {
	a.inflight.Add(1)
	defer a.inflight.Done()

	log := a.logger.With(
		zap.String("scope_id", msg.ScopeID.String()),
		zap.String("source", msg.SourcePlatform),
		zap.String("fingerprint", msg.Fingerprint))

	first, err := a.deps.Window.Observe(ctx, msg.ScopeID, msg.Fingerprint)
	if err != nil {
		log.Warn("dedup window unavailable, processing anyway", zap.Error(err))
		first = true
	}
	if !first {
		log.Debug("duplicate message dropped")
		return Result{Duplicate: true}, nil
	}

	if ok, reason := a.deps.Filter.Evaluate(msg); !ok {
		rec, err := a.record(ctx, models.RelayRecord{
			ScopeID:        msg.ScopeID,
			Fingerprint:    msg.Fingerprint,
			SourcePlatform: msg.SourcePlatform,
			Outcome:        models.OutcomeSuppressed,
			Reason:         reason,
		})
		if err != nil {
			a.forget(ctx, msg, log)
			return Result{}, err
		}
		log.Debug("message suppressed", zap.String("reason", reason))
		return Result{Suppressed: true, Reason: reason, Records: rec}, nil
	}

	attribution := Unverified(msg.SourceHandle)
	member, err := a.deps.Resolver.ResolveHandle(ctx, msg.ScopeID, msg.SourcePlatform, msg.SourceHandle)
	if err != nil {
		log.Warn("resolve handle failed, attributing raw handle", zap.Error(err))
	}
	if member != nil {
		attribution = member.DisplayName
		id := member.ID
		msg.ResolvedMemberID = &id
	}

	detail := map[string]any{
		"channel":     msg.SourceChannel,
		"message_id":  msg.SourceMessageID,
		"attribution": attribution,
		"fingerprint": msg.Fingerprint,
	}
	if msg.ResolvedMemberID != nil {
		detail["member_id"] = msg.ResolvedMemberID.String()
	}
	entry, err := a.deps.Recorder.AppendDetail(ctx, models.LedgerEntry{
		ScopeID:        msg.ScopeID,
		Action:         models.ActionMessageReceived,
		SourcePlatform: msg.SourcePlatform,
		SourceIdentity: msg.SourceHandle,
		SubjectID:      msg.Fingerprint,
	}, detail)
	if err != nil {
		a.forget(ctx, msg, log)
		return Result{}, fmt.Errorf("record inbound: %w", err)
	}

	bindings, err := a.deps.Bindings.ListActiveBindings(ctx, msg.ScopeID)
	if err != nil {
		a.forget(ctx, msg, log)
		return Result{}, fmt.Errorf("list bindings: %w", err)
	}
	targets := make([]models.Binding, 0, len(bindings))
	for _, b := range bindings {
		if b.Active && b.Platform != msg.SourcePlatform {
			targets = append(targets, b)
		}
	}

	text := FormatRelay(msg.SourcePlatform, attribution, msg.Text, a.cfg.MaxContent)
	ref := entry.ID
	outcomes := make([]models.DispatchOutcome, len(targets))

	// Dispatch goroutines never return an error; the group only joins them.
	var g errgroup.Group
	for i, target := range targets {
		i, target := i, target
		g.Go(func() error {
			outcomes[i] = a.dispatch(ctx, target, models.Outbound{
				AttemptID:   AttemptID(msg.Fingerprint, target.Platform),
				ScopeID:     msg.ScopeID,
				Platform:    target.Platform,
				Channel:     target.Channel,
				Text:        text,
				Attribution: attribution,
				RelayMarker: true,
			})
			return nil
		})
	}
	_ = g.Wait()

	res := Result{Attribution: attribution}
	for i, target := range targets {
		rec := models.RelayRecord{
			ScopeID:        msg.ScopeID,
			MessageRef:     &ref,
			Fingerprint:    msg.Fingerprint,
			SourcePlatform: msg.SourcePlatform,
			TargetPlatform: target.Platform,
			TargetChannel:  target.Channel,
			Attribution:    attribution,
			Outcome:        models.OutcomeDelivered,
		}
		if !outcomes[i].OK() {
			rec.Outcome = models.OutcomeFailed
			rec.Reason = outcomes[i].Reason
			log.Warn("dispatch failed",
				zap.String("target", target.Platform),
				zap.String("reason", rec.Reason))
		}
		written, err := a.record(context.WithoutCancel(ctx), rec)
		if err != nil {
			log.Error("relay record write failed", zap.String("target", target.Platform), zap.Error(err))
			continue
		}
		res.Records = append(res.Records, written...)
	}
	log.Info("message relayed",
		zap.String("attribution", attribution),
		zap.Int("targets", len(targets)))
	return res, nil
}

func (a *Agent) dispatch(ctx context.Context, target models.Binding, out models.Outbound) models.DispatchOutcome {
	d, ok := a.deps.Dispatchers.Dispatcher(target.Platform)
	if !ok {
		return models.DispatchFailedWith(models.ReasonNoDispatcher)
	}
	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.DispatchTimeout)
	defer cancel()

	done := make(chan models.DispatchOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				a.logger.Error("dispatcher panicked", zap.String("target", target.Platform), zap.Any("panic", r))
				done <- models.DispatchFailedWith(models.ReasonUnavailable)
			}
		}()
		done <- d.Dispatch(dctx, out)
	}()
	select {
	case o := <-done:
		if !o.OK() && o.Reason == "" {
			o.Reason = models.ReasonUnavailable
		}
		return o
	case <-dctx.Done():
		return models.DispatchFailedWith(models.ReasonTimeout)
	}
}

// record writes rec and returns it as a one-element slice. A duplicate write means a
// concurrent or earlier invocation already recorded this pair and yields nothing.
func (a *Agent) record(ctx context.Context, rec models.RelayRecord) ([]models.RelayRecord, error) {
	written, err := a.deps.Recorder.RecordRelay(ctx, rec)
	if errors.Is(err, ledger.ErrDuplicateRecord) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.deps.Metrics.ObserveRelay(string(written.Outcome))
	return []models.RelayRecord{written}, nil
}

func (a *Agent) forget(ctx context.Context, msg models.CanonicalMessage, log *zap.Logger) {
	if err := a.deps.Window.Forget(context.WithoutCancel(ctx), msg.ScopeID, msg.Fingerprint); err != nil {
		log.Warn("forget fingerprint failed", zap.Error(err))
	}
}

// Drain waits for accepted invocations to finish or ctx to expire. Callers must stop
// submitting new messages first.
func (a *Agent) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		a.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
