package webhook

import (
	"encoding/json"
	"io"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-community/relay/pkg/response"
)

// Handler routes POST /platforms/:platform/events to the matching webhook platform.
type Handler struct {
	platforms map[string]*Platform
	logger    *zap.Logger
}

// NewHandler creates the ingress handler for ps.
func NewHandler(ps []*Platform, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := make(map[string]*Platform, len(ps))
	for _, p := range ps {
		m[p.Name()] = p
	}
	return &Handler{platforms: m, logger: logger}
}

// Events handles POST /platforms/:platform/events.
func (h *Handler) Events(c *gin.Context) {
	p, ok := h.platforms[c.Param("platform")]
	if !ok {
		response.NotFound(c, "unknown platform")
		return
	}
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes))
	if err != nil {
		response.BadRequest(c, "unreadable body")
		return
	}
	if !p.verify(c.GetHeader(SignatureHeader), body) {
		response.Unauthorized(c, "invalid signature")
		return
	}
	var ev InboundEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	if err := ev.validate(); err != nil {
		response.BadRequest(c, err.Error())
		return
	}
	if !p.submit(ev.raw(p.Name())) {
		h.logger.Warn("webhook event refused, connector not listening", zap.String("platform", p.Name()))
		response.ServiceUnavailable(c, "connector not running")
		return
	}
	response.Accepted(c, nil)
}
