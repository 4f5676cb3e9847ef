package platform

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-community/relay/internal/identity"
	"github.com/aura-community/relay/internal/metrics"
	"github.com/aura-community/relay/internal/models"
	"github.com/aura-community/relay/internal/relay"
)

var verifyCommand = regexp.MustCompile(`(?i)^\s*VERIFY\s+([A-Z0-9]{4,16})\s*$`)

// Replies sent back to a member who issued VERIFY.
const (
	replyVerified    = "Verified! You're now linked as %s in this community."
	replyUnknownCode = "That code didn't work. Double-check it or re-register at the surface."
	replyExpired     = "That code has expired. Re-register at the surface for a fresh one."
	replyConsumed    = "That code has already been used."
	replyDuplicate   = "This handle is already linked to another member of this community."
	replyUnavailable = "Verification is unavailable right now. Try again shortly."
)

// ParseVerify extracts the code from a VERIFY command.
func ParseVerify(text string) (string, bool) {
	m := verifyCommand.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	return strings.ToUpper(m[1]), true
}

// ScopeResolver maps a platform channel to the scope bound to it.
type ScopeResolver interface {
	ScopeForChannel(ctx context.Context, platform, channel string) (uuid.UUID, error)
}

// Verifier consumes verification codes.
type Verifier interface {
	Verify(ctx context.Context, scopeID uuid.UUID, platform, handle, code string) (*models.Member, error)
}

// Inbound is the relay entry point.
type Inbound interface {
	OnInbound(ctx context.Context, msg models.CanonicalMessage) (relay.Result, error)
}

// Outbounds looks up the dispatcher used for verification replies.
type Outbounds interface {
	Dispatcher(platform string) (relay.Dispatcher, bool)
}

// Intake turns raw platform events into either a verification or a relay.
type Intake struct {
	scopes   ScopeResolver
	verifier Verifier
	agent    Inbound
	replies  Outbounds
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewIntake creates the raw event handler shared by every connector.
func NewIntake(scopes ScopeResolver, verifier Verifier, agent Inbound, replies Outbounds, m *metrics.Metrics, logger *zap.Logger) *Intake {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Intake{scopes: scopes, verifier: verifier, agent: agent, replies: replies, metrics: m, logger: logger}
}

// OnRawEvent handles one raw event. Events from unbound channels are dropped.
func (in *Intake) OnRawEvent(ctx context.Context, ev models.RawEvent) error {
	scopeID, err := in.scopes.ScopeForChannel(ctx, ev.Platform, ev.Channel)
	if errors.Is(err, models.ErrNotFound) {
		in.metrics.IntakeDropped("unbound_channel")
		in.logger.Debug("event from unbound channel dropped",
			zap.String("platform", ev.Platform), zap.String("channel", ev.Channel))
		return nil
	}
	if err != nil {
		return fmt.Errorf("resolve scope: %w", err)
	}

	if code, ok := ParseVerify(ev.Text); ok && !ev.FromBot {
		in.verify(ctx, scopeID, ev, code)
		return nil
	}

	_, err = in.agent.OnInbound(ctx, Normalize(scopeID, ev))
	return err
}

// Normalize builds the canonical message for ev in scopeID.
func Normalize(scopeID uuid.UUID, ev models.RawEvent) models.CanonicalMessage {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return models.CanonicalMessage{
		ScopeID:         scopeID,
		SourcePlatform:  ev.Platform,
		SourceChannel:   ev.Channel,
		SourceMessageID: ev.MessageID,
		SourceHandle:    ev.Handle,
		Text:            ev.Text,
		Timestamp:       ts.UTC(),
		RelayMarker:     ev.FromBot || strings.HasPrefix(strings.TrimSpace(ev.Text), relay.RelayPrefix),
		Fingerprint:     relay.Fingerprint(scopeID, ev.Platform, ev.Channel, ev.MessageID, ev.Handle, ev.Text),
	}
}

func (in *Intake) verify(ctx context.Context, scopeID uuid.UUID, ev models.RawEvent, code string) {
	member, err := in.verifier.Verify(ctx, scopeID, ev.Platform, ev.Handle, code)
	var reply string
	switch {
	case err == nil:
		reply = fmt.Sprintf(replyVerified, member.DisplayName)
	case errors.Is(err, identity.ErrCodeNotFound):
		reply = replyUnknownCode
	case errors.Is(err, identity.ErrCodeExpired):
		reply = replyExpired
	case errors.Is(err, identity.ErrCodeAlreadyConsumed):
		reply = replyConsumed
	case errors.Is(err, identity.ErrDuplicateHandle):
		reply = replyDuplicate
	default:
		in.logger.Error("verify failed", zap.String("platform", ev.Platform), zap.Error(err))
		reply = replyUnavailable
	}

	d, ok := in.replies.Dispatcher(ev.Platform)
	if !ok {
		in.logger.Warn("no dispatcher for verification reply", zap.String("platform", ev.Platform))
		return
	}
	outcome := d.Dispatch(ctx, models.Outbound{
		ScopeID:     scopeID,
		Platform:    ev.Platform,
		Channel:     ev.Channel,
		Text:        reply,
		ReplyTo:     ev.ReplyTo,
		RelayMarker: true,
	})
	if !outcome.OK() {
		in.logger.Warn("verification reply not delivered",
			zap.String("platform", ev.Platform), zap.String("reason", outcome.Reason))
	}
}
