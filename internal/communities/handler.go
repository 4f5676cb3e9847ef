package communities

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-community/relay/internal/ledger"
	"github.com/aura-community/relay/internal/middleware"
	"github.com/aura-community/relay/internal/models"
	"github.com/aura-community/relay/pkg/queue"
	"github.com/aura-community/relay/pkg/response"
)

const (
	defaultPageLimit = 100
	maxPageLimit     = 1000
)

// LedgerReader lists a community's provenance.
type LedgerReader interface {
	Entries(ctx context.Context, scopeID uuid.UUID, q ledger.Query) ([]models.LedgerEntry, error)
	Relays(ctx context.Context, scopeID uuid.UUID, q ledger.Query) ([]models.RelayRecord, error)
}

// Exporter schedules a ledger archive.
type Exporter interface {
	EnqueueLedgerExport(ctx context.Context, payload queue.LedgerExportPayload) (string, error)
}

// Handler handles community HTTP endpoints.
type Handler struct {
	svc      *Service
	ledger   LedgerReader
	exporter Exporter
	logger   *zap.Logger
}

// NewHandler creates a communities handler. A nil exporter disables ledger export.
func NewHandler(svc *Service, ledger LedgerReader, exporter Exporter, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{svc: svc, ledger: ledger, exporter: exporter, logger: logger}
}

// CreateCommunityRequest is the body for POST /communities.
type CreateCommunityRequest struct {
	Name       string `json:"name" binding:"required"`
	Slug       string `json:"slug" binding:"required"`
	OwnerEmail string `json:"owner_email" binding:"required"`
}

// CreateCommunityResponse carries the one-time owner key.
type CreateCommunityResponse struct {
	Community *models.Scope `json:"community"`
	OwnerKey  string        `json:"owner_key"`
}

// BindRequest is the body for POST /communities/:slug/bindings.
type BindRequest struct {
	Platform string `json:"platform" binding:"required"`
	Channel  string `json:"channel" binding:"required"`
}

// ExportRequest is the optional body for POST /communities/:slug/ledger/export.
type ExportRequest struct {
	Since time.Time `json:"since"`
	Until time.Time `json:"until"`
}

// CommunityView is the public shape of a community. Owner contact details are omitted.
type CommunityView struct {
	ID        uuid.UUID     `json:"id"`
	Name      string        `json:"name"`
	Slug      string        `json:"slug"`
	CreatedAt time.Time     `json:"created_at"`
	Channels  []ChannelView `json:"channels"`
}

// ChannelView is one active binding.
type ChannelView struct {
	Platform string `json:"platform"`
	Channel  string `json:"channel"`
}

// Create handles POST /communities.
func (h *Handler) Create(c *gin.Context) {
	var body CreateCommunityRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "name, slug and owner_email required")
		return
	}
	scope, key, err := h.svc.CreateScope(c.Request.Context(), body.Name, body.Slug, body.OwnerEmail)
	if err != nil {
		var verr *models.ValidationError
		switch {
		case errors.As(err, &verr):
			response.BadRequest(c, verr.Error())
		case errors.Is(err, ErrSlugTaken):
			response.Conflict(c, "a community with this slug already exists")
		default:
			h.logger.Error("create community failed", zap.Error(err))
			response.Internal(c, "failed to create community")
		}
		return
	}
	response.Created(c, CreateCommunityResponse{Community: scope, OwnerKey: key})
}

// Get handles GET /communities/:slug.
func (h *Handler) Get(c *gin.Context) {
	scope, _ := middleware.ScopeFrom(c)
	bindings, err := h.svc.Bindings(c.Request.Context(), scope.ID)
	if err != nil {
		response.Internal(c, "failed to load bindings")
		return
	}
	view := CommunityView{ID: scope.ID, Name: scope.Name, Slug: scope.Slug, CreatedAt: scope.CreatedAt, Channels: []ChannelView{}}
	for _, b := range bindings {
		view.Channels = append(view.Channels, ChannelView{Platform: b.Platform, Channel: b.Channel})
	}
	response.OK(c, view)
}

// Bind handles POST /communities/:slug/bindings.
func (h *Handler) Bind(c *gin.Context) {
	scope, _ := middleware.ScopeFrom(c)
	var body BindRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "platform and channel required")
		return
	}
	b, err := h.svc.Bind(c.Request.Context(), scope, body.Platform, body.Channel)
	if err != nil {
		var verr *models.ValidationError
		switch {
		case errors.As(err, &verr):
			response.BadRequest(c, verr.Error())
		case errors.Is(err, ErrChannelTaken):
			response.Conflict(c, "channel is already bound to another community")
		default:
			h.logger.Error("bind channel failed", zap.Error(err))
			response.Internal(c, "failed to bind channel")
		}
		return
	}
	response.Created(c, b)
}

// Unbind handles DELETE /communities/:slug/bindings/:platform.
func (h *Handler) Unbind(c *gin.Context) {
	scope, _ := middleware.ScopeFrom(c)
	b, err := h.svc.Unbind(c.Request.Context(), scope, c.Param("platform"))
	if errors.Is(err, models.ErrNotFound) {
		response.NotFound(c, "no active binding for platform")
		return
	}
	if err != nil {
		h.logger.Error("unbind channel failed", zap.Error(err))
		response.Internal(c, "failed to remove binding")
		return
	}
	response.OK(c, b)
}

func parseQuery(c *gin.Context) (ledger.Query, bool) {
	var q ledger.Query
	var err error
	if v := c.Query("since"); v != "" {
		if q.Since, err = time.Parse(time.RFC3339, v); err != nil {
			response.BadRequest(c, "since must be RFC3339")
			return q, false
		}
	}
	if v := c.Query("until"); v != "" {
		if q.Until, err = time.Parse(time.RFC3339, v); err != nil {
			response.BadRequest(c, "until must be RFC3339")
			return q, false
		}
	}
	q.Limit = defaultPageLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxPageLimit {
			response.BadRequest(c, "limit must be 1-1000")
			return q, false
		}
		q.Limit = n
	}
	return q, true
}

// Ledger handles GET /communities/:slug/ledger.
func (h *Handler) Ledger(c *gin.Context) {
	scope, _ := middleware.ScopeFrom(c)
	q, ok := parseQuery(c)
	if !ok {
		return
	}
	entries, err := h.ledger.Entries(c.Request.Context(), scope.ID, q)
	if err != nil {
		h.logger.Error("list ledger failed", zap.Error(err))
		response.Internal(c, "failed to load ledger")
		return
	}
	if entries == nil {
		entries = []models.LedgerEntry{}
	}
	response.OK(c, entries)
}

// Relays handles GET /communities/:slug/relays.
func (h *Handler) Relays(c *gin.Context) {
	scope, _ := middleware.ScopeFrom(c)
	q, ok := parseQuery(c)
	if !ok {
		return
	}
	records, err := h.ledger.Relays(c.Request.Context(), scope.ID, q)
	if err != nil {
		h.logger.Error("list relays failed", zap.Error(err))
		response.Internal(c, "failed to load relays")
		return
	}
	if records == nil {
		records = []models.RelayRecord{}
	}
	response.OK(c, records)
}

// Export handles POST /communities/:slug/ledger/export.
func (h *Handler) Export(c *gin.Context) {
	if h.exporter == nil {
		response.ServiceUnavailable(c, "ledger export is not configured")
		return
	}
	scope, _ := middleware.ScopeFrom(c)
	var body ExportRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			response.BadRequest(c, "since and until must be RFC3339")
			return
		}
	}
	if !body.Since.IsZero() && !body.Until.IsZero() && !body.Until.After(body.Since) {
		response.BadRequest(c, "until must be after since")
		return
	}
	jobID, err := h.exporter.EnqueueLedgerExport(c.Request.Context(), queue.LedgerExportPayload{
		ScopeID: scope.ID,
		Slug:    scope.Slug,
		Since:   body.Since,
		Until:   body.Until,
	})
	if err != nil {
		h.logger.Error("enqueue ledger export failed", zap.Error(err))
		response.Internal(c, "failed to schedule export")
		return
	}
	response.Accepted(c, gin.H{"job_id": jobID})
}

// Register mounts the community routes on rg and returns the /communities/:slug
// group so other packages can hang scoped routes off it.
func (h *Handler) Register(rg *gin.RouterGroup) *gin.RouterGroup {
	rg.POST("/communities", h.Create)
	scoped := rg.Group("/communities/:slug", middleware.Scope(h.svc))
	scoped.GET("", h.Get)
	owner := scoped.Group("", middleware.RequireOwner())
	owner.POST("/bindings", h.Bind)
	owner.DELETE("/bindings/:platform", h.Unbind)
	owner.GET("/ledger", h.Ledger)
	owner.GET("/relays", h.Relays)
	owner.POST("/ledger/export", h.Export)
	return scoped
}
