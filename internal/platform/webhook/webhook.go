// Package webhook is a generic signed-webhook platform. Each configured instance
// receives events on POST /platforms/<name>/events and posts relays to its URL.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-community/relay/internal/models"
	"github.com/aura-community/relay/internal/platform"
)

const (
	// SignatureHeader carries "sha256=<hex hmac of body>" in both directions.
	SignatureHeader = "X-Relay-Signature"
	// IdempotencyHeader carries the dispatch attempt id on outbound posts.
	IdempotencyHeader = "Idempotency-Key"

	maxBodyBytes = 64 * 1024
)

// Config describes one webhook platform instance.
type Config struct {
	Name        string
	OutboundURL string
	Secret      string
}

// outboundPayload is what the remote endpoint receives.
type outboundPayload struct {
	AttemptID   string `json:"attempt_id,omitempty"`
	Channel     string `json:"channel"`
	Text        string `json:"text"`
	Attribution string `json:"attribution,omitempty"`
	ReplyTo     string `json:"reply_to,omitempty"`
	RelayMarker bool   `json:"relay_marker"`
}

// Platform is one webhook integration.
type Platform struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger

	mu   sync.RWMutex
	emit platform.Emit
}

// New creates a webhook platform. A nil client uses one with a 15s timeout.
func New(cfg Config, client *http.Client, logger *zap.Logger) *Platform {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Platform{cfg: cfg, client: client, logger: logger.With(zap.String("platform", cfg.Name))}
}

func (p *Platform) Name() string { return p.cfg.Name }

// Listen accepts inbound webhook events until ctx is done.
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

// Sign returns the signature header value for body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func (p *Platform) verify(signature string, body []byte) bool {
	if p.cfg.Secret == "" {
		return true
	}
	return hmac.Equal([]byte(signature), []byte(Sign(p.cfg.Secret, body)))
}

// Dispatch posts out to the configured URL. HTTP status codes map onto failure reasons.
func (p *Platform) Dispatch(ctx context.Context, out models.Outbound) models.DispatchOutcome {
	body, err := json.Marshal(outboundPayload{
		AttemptID:   out.AttemptID,
		Channel:     out.Channel,
		Text:        out.Text,
		Attribution: out.Attribution,
		ReplyTo:     out.ReplyTo,
		RelayMarker: out.RelayMarker,
	})
	if err != nil {
		return models.DispatchFailedWith(models.ReasonRejected)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.OutboundURL, bytes.NewReader(body))
	if err != nil {
		p.logger.Error("build outbound request", zap.Error(err))
		return models.DispatchFailedWith(models.ReasonUnavailable)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.cfg.Secret != "" {
		req.Header.Set(SignatureHeader, Sign(p.cfg.Secret, body))
	}
	if out.AttemptID != "" {
		req.Header.Set(IdempotencyHeader, out.AttemptID)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return models.DispatchFailedWith(models.ReasonTimeout)
		}
		p.logger.Warn("outbound post failed", zap.Error(err))
		return models.DispatchFailedWith(models.ReasonUnavailable)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	return outcomeForStatus(resp.StatusCode)
}

func outcomeForStatus(code int) models.DispatchOutcome {
	switch {
	case code >= 200 && code < 300:
		return models.Delivered()
	case code == http.StatusTooManyRequests:
		return models.DispatchFailedWith(models.ReasonRateLimited)
	case code == http.StatusNotFound || code == http.StatusGone:
		return models.DispatchFailedWith(models.ReasonChannelMissing)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return models.DispatchFailedWith(models.ReasonAuthExpired)
	case code >= 500:
		return models.DispatchFailedWith(models.ReasonUnavailable)
	default:
		return models.DispatchFailedWith(models.ReasonRejected)
	}
}

// InboundEvent is the body accepted on the events endpoint.
type InboundEvent struct {
	Channel   string    `json:"channel"`
	MessageID string    `json:"message_id"`
	Handle    string    `json:"handle"`
	Text      string    `json:"text"`
	FromBot   bool      `json:"from_bot"`
	ReplyTo   string    `json:"reply_to"`
	Timestamp time.Time `json:"timestamp"`
}

func (e InboundEvent) validate() error {
	switch {
	case strings.TrimSpace(e.Channel) == "":
		return fmt.Errorf("channel required")
	case strings.TrimSpace(e.Handle) == "":
		return fmt.Errorf("handle required")
	case strings.TrimSpace(e.MessageID) == "":
		return fmt.Errorf("message_id required")
	}
	return nil
}

func (e InboundEvent) raw(platformName string) models.RawEvent {
	return models.RawEvent{
		Platform:  platformName,
		Channel:   e.Channel,
		MessageID: e.MessageID,
		Handle:    e.Handle,
		Text:      e.Text,
		FromBot:   e.FromBot,
		ReplyTo:   e.ReplyTo,
		Timestamp: e.Timestamp,
	}
}
