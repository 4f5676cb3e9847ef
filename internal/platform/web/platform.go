package web

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/aura-community/relay/internal/auth"
	"github.com/aura-community/relay/internal/models"
	"github.com/aura-community/relay/internal/platform"
)

// TokenValidator checks chat tokens.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// relayEvent is what a room sees for a relayed message.
type relayEvent struct {
	Text        string `json:"text"`
	Attribution string `json:"attribution,omitempty"`
	AttemptID   string `json:"attempt_id,omitempty"`
}

type systemEvent struct {
	Text string `json:"text"`
}

// Platform is the websocket chat integration.
type Platform struct {
	name   string
	hub    *Hub
	tokens TokenValidator
	scopes platform.ScopeResolver
	logger *zap.Logger

	mu   sync.RWMutex
	emit platform.Emit
}

// New creates the web platform registered under name.
func New(name string, hub *Hub, tokens TokenValidator, scopes platform.ScopeResolver, logger *zap.Logger) *Platform {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Platform{name: name, hub: hub, tokens: tokens, scopes: scopes, logger: logger.With(zap.String("platform", name))}
}

func (p *Platform) Name() string { return p.name }

// Listen routes client messages to emit until ctx is done. Connections accepted while
// not listening are told the relay is offline.
func (p *Platform) Listen(ctx context.Context, emit platform.Emit) error {
	p.mu.Lock()
	p.emit = emit
	p.mu.Unlock()

	<-ctx.Done()

	p.mu.Lock()
	p.emit = nil
	p.mu.Unlock()
	return nil
}

func (p *Platform) submit(ev models.RawEvent) bool {
	p.mu.RLock()
	emit := p.emit
	p.mu.RUnlock()
	if emit == nil {
		return false
	}
	return emit(ev)
}

// Dispatch posts to a room, or privately to one client when ReplyTo is set.
func (p *Platform) Dispatch(ctx context.Context, out models.Outbound) models.DispatchOutcome {
	if ctx.Err() != nil {
		return models.DispatchFailedWith(models.ReasonTimeout)
	}
	if out.ReplyTo != "" {
		if !p.hub.SendToClient(out.Channel, out.ReplyTo, "system", systemEvent{Text: out.Text}) {
			return models.DispatchFailedWith(models.ReasonChannelMissing)
		}
		return models.Delivered()
	}
	if err := p.hub.Publish(out.Channel, "relay", relayEvent{
		Text:        out.Text,
		Attribution: out.Attribution,
		AttemptID:   out.AttemptID,
	}); err != nil {
		p.logger.Warn("relay publish failed", zap.String("channel", out.Channel), zap.Error(err))
		return models.DispatchFailedWith(models.ReasonUnavailable)
	}
	return models.Delivered()
}
