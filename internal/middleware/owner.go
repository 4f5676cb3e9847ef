package middleware

import (
	"context"
	"errors"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/aura-community/relay/internal/models"
	"github.com/aura-community/relay/pkg/response"
	"github.com/aura-community/relay/pkg/utils"
)

const (
	// ContextScope is the key for the *models.Scope loaded from the :slug path param.
	ContextScope = "scope"
	// OwnerKeyHeader carries the community owner key.
	OwnerKeyHeader = "X-Owner-Key"
)

// ScopeLookup finds a community by slug.
type ScopeLookup interface {
	GetScopeBySlug(ctx context.Context, slug string) (*models.Scope, error)
}

// Scope loads the community named by the :slug param into the context.
func Scope(lookup ScopeLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		slug := strings.ToLower(strings.TrimSpace(c.Param("slug")))
		scope, err := lookup.GetScopeBySlug(c.Request.Context(), slug)
		if errors.Is(err, models.ErrNotFound) {
			response.NotFound(c, "community not found")
			c.Abort()
			return
		}
		if err != nil {
			response.Internal(c, "failed to load community")
			c.Abort()
			return
		}
		c.Set(ContextScope, scope)
		c.Next()
	}
}

// RequireOwner allows only requests carrying the owner key of the loaded community.
// Must run after Scope.
func RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		scope, ok := ScopeFrom(c)
		if !ok {
			response.NotFound(c, "community not found")
			c.Abort()
			return
		}
		key := strings.TrimSpace(c.GetHeader(OwnerKeyHeader))
		if key == "" {
			response.Unauthorized(c, "missing owner key")
			c.Abort()
			return
		}
		if !utils.CheckOwnerKey(key, scope.OwnerKeyHash) {
			response.Forbidden(c, "invalid owner key")
			c.Abort()
			return
		}
		c.Next()
	}
}

// ScopeFrom returns the community loaded by Scope.
func ScopeFrom(c *gin.Context) (*models.Scope, bool) {
	v, ok := c.Get(ContextScope)
	if !ok {
		return nil, false
	}
	scope, ok := v.(*models.Scope)
	return scope, ok && scope != nil
}
