package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-community/relay/internal/models"
	"github.com/aura-community/relay/pkg/utils"
)

type scopesBySlug map[string]*models.Scope

func (m scopesBySlug) GetScopeBySlug(_ context.Context, slug string) (*models.Scope, error) {
	if s, ok := m[slug]; ok {
		return s, nil
	}
	return nil, models.ErrNotFound
}

func TestRequireOwner(t *testing.T) {
	gin.SetMode(gin.TestMode)
	hash, err := utils.HashOwnerKey("secret-key")
	require.NoError(t, err)
	lookup := scopesBySlug{"acme": {ID: uuid.New(), Slug: "acme", OwnerKeyHash: hash}}

	r := gin.New()
	r.GET("/communities/:slug/private", Scope(lookup), RequireOwner(), func(c *gin.Context) {
		scope, ok := ScopeFrom(c)
		require.True(t, ok)
		c.String(http.StatusOK, scope.Slug)
	})

	tests := []struct {
		name string
		path string
		key  string
		want int
	}{
		{"owner", "/communities/acme/private", "secret-key", http.StatusOK},
		{"slug is case folded", "/communities/ACME/private", "secret-key", http.StatusOK},
		{"missing key", "/communities/acme/private", "", http.StatusUnauthorized},
		{"wrong key", "/communities/acme/private", "nope", http.StatusForbidden},
		{"unknown community", "/communities/other/private", "secret-key", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.key != "" {
				req.Header.Set(OwnerKeyHeader, tt.key)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestCORS(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CORS("http://a.example, http://b.example"))
	r.GET("/x", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodOptions, "/x", nil)
	req.Header.Set("Origin", "http://b.example")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "http://b.example", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), OwnerKeyHeader)

	req = httptest.NewRequest(http.MethodGet, "/x", nil)
	req.Header.Set("Origin", "http://evil.example")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
}
