// Package members exposes member registration and web chat tokens over HTTP.
// Codes issued here are redeemed only by sending VERIFY on the claimed platform.
package members

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-community/relay/internal/identity"
	"github.com/aura-community/relay/internal/middleware"
	"github.com/aura-community/relay/internal/models"
	"github.com/aura-community/relay/internal/relay"
	"github.com/aura-community/relay/pkg/response"
)

// Registry is the identity surface used by the handlers.
type Registry interface {
	RegisterMember(ctx context.Context, scopeID uuid.UUID, email, displayName string, handles map[string]string) (*models.Member, []models.VerificationCode, error)
	ResolveHandle(ctx context.Context, scopeID uuid.UUID, platform, handle string) (*models.Member, error)
}

// TokenIssuer signs web chat tokens.
type TokenIssuer interface {
	Generate(scopeID uuid.UUID, handle string) (string, time.Time, error)
}

// Platforms reports the platform names members can claim handles on.
type Platforms interface {
	Names() []string
}

// Handler handles member HTTP endpoints.
type Handler struct {
	registry    Registry
	tokens      TokenIssuer
	platforms   Platforms
	webPlatform string
	logger      *zap.Logger
}

// NewHandler creates a members handler. webPlatform names the built-in chat platform
// chat tokens are issued for.
func NewHandler(registry Registry, tokens TokenIssuer, platforms Platforms, webPlatform string, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: registry, tokens: tokens, platforms: platforms, webPlatform: webPlatform, logger: logger}
}

// RegisterRequest is the body for POST /communities/:slug/members.
type RegisterRequest struct {
	Email           string            `json:"email" binding:"required"`
	DisplayName     string            `json:"display_name" binding:"required"`
	PlatformHandles map[string]string `json:"platform_handles"`
}

// NextStep tells the member how to finish verifying one platform.
type NextStep struct {
	Platform    string    `json:"platform"`
	Handle      string    `json:"handle"`
	Code        string    `json:"code"`
	ExpiresAt   time.Time `json:"expires_at"`
	Instruction string    `json:"instruction"`
}

// RegisterResponse is the result of a registration.
type RegisterResponse struct {
	Member    *models.Member `json:"member"`
	NextSteps []NextStep     `json:"next_steps"`
}

// ChatTokenRequest is the body for POST /communities/:slug/chat-token.
type ChatTokenRequest struct {
	Email  string `json:"email" binding:"required"`
	Handle string `json:"handle" binding:"required"`
}

// ChatTokenResponse carries a signed web chat token.
type ChatTokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Platform  string    `json:"platform"`
}

func (h *Handler) unknownPlatform(handles map[string]string) string {
	if h.platforms == nil {
		return ""
	}
	known := make(map[string]bool)
	for _, n := range h.platforms.Names() {
		known[n] = true
	}
	var names []string
	for p := range handles {
		names = append(names, p)
	}
	sort.Strings(names)
	for _, p := range names {
		if !known[strings.ToLower(strings.TrimSpace(p))] {
			return p
		}
	}
	return ""
}

// Register handles POST /communities/:slug/members.
func (h *Handler) Register(c *gin.Context) {
	scope, _ := middleware.ScopeFrom(c)
	var body RegisterRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "email and display_name required")
		return
	}
	if p := h.unknownPlatform(body.PlatformHandles); p != "" {
		response.BadRequest(c, fmt.Sprintf("platform_handles: unknown platform %q", p))
		return
	}
	member, codes, err := h.registry.RegisterMember(c.Request.Context(), scope.ID, body.Email, body.DisplayName, body.PlatformHandles)
	if err != nil {
		var verr *models.ValidationError
		switch {
		case errors.As(err, &verr):
			response.BadRequest(c, verr.Error())
		case errors.Is(err, identity.ErrDuplicateHandle):
			response.Conflict(c, "a handle is already verified to another member")
		default:
			h.logger.Error("register member failed", zap.Error(err))
			response.Internal(c, "failed to register member")
		}
		return
	}
	steps := make([]NextStep, 0, len(codes))
	for _, code := range codes {
		steps = append(steps, NextStep{
			Platform:    code.Platform,
			Handle:      code.Handle,
			Code:        code.Code,
			ExpiresAt:   code.ExpiresAt,
			Instruction: fmt.Sprintf("On %s, send this to the community bot: VERIFY %s", relay.PlatformTitle(code.Platform), code.Code),
		})
	}
	response.Created(c, RegisterResponse{Member: member, NextSteps: steps})
}

// ChatToken handles POST /communities/:slug/chat-token. A handle already verified
// on the web platform only gets a token when the email matches its member.
func (h *Handler) ChatToken(c *gin.Context) {
	if h.tokens == nil || h.webPlatform == "" {
		response.ServiceUnavailable(c, "web chat is not configured")
		return
	}
	scope, _ := middleware.ScopeFrom(c)
	var body ChatTokenRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "email and handle required")
		return
	}
	handle := strings.TrimSpace(body.Handle)
	if handle == "" || len(handle) > 64 {
		response.BadRequest(c, "handle must be 1-64 characters")
		return
	}
	member, err := h.registry.ResolveHandle(c.Request.Context(), scope.ID, h.webPlatform, handle)
	if err != nil {
		h.logger.Error("resolve handle failed", zap.Error(err))
		response.Internal(c, "failed to issue token")
		return
	}
	if member != nil && !strings.EqualFold(member.Email, strings.TrimSpace(body.Email)) {
		response.Forbidden(c, "handle belongs to another member")
		return
	}
	token, exp, err := h.tokens.Generate(scope.ID, handle)
	if err != nil {
		h.logger.Error("sign chat token failed", zap.Error(err))
		response.Internal(c, "failed to issue token")
		return
	}
	response.OK(c, ChatTokenResponse{Token: token, ExpiresAt: exp, Platform: h.webPlatform})
}

// Routes mounts member routes on a group already carrying middleware.Scope.
func (h *Handler) Routes(scoped *gin.RouterGroup) {
	scoped.POST("/members", h.Register)
	scoped.POST("/chat-token", h.ChatToken)
}
