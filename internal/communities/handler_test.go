package communities

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/suite"

	"github.com/aura-community/relay/internal/ledger"
	"github.com/aura-community/relay/internal/middleware"
	"github.com/aura-community/relay/internal/models"
	"github.com/aura-community/relay/pkg/queue"
)

type staticPlatforms []string

func (p staticPlatforms) Names() []string { return p }

type recordingExporter struct {
	jobs []queue.LedgerExportPayload
	err  error
}

func (e *recordingExporter) EnqueueLedgerExport(_ context.Context, p queue.LedgerExportPayload) (string, error) {
	if e.err != nil {
		return "", e.err
	}
	e.jobs = append(e.jobs, p)
	return "job-1", nil
}

type HandlerSuite struct {
	suite.Suite
	router   *gin.Engine
	ledger   *ledger.Ledger
	exporter *recordingExporter
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	s.ledger = ledger.New(ledger.NewInMemoryStore(), nil)
	s.exporter = &recordingExporter{}
	svc := NewService(NewInMemoryStore(), s.ledger, staticPlatforms{"discord", "slack", "web"}, nil)
	s.router = gin.New()
	NewHandler(svc, s.ledger, s.exporter, nil).Register(s.router.Group(""))
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (s *HandlerSuite) do(method, path, key string, body any) (int, envelope) {
	var buf bytes.Buffer
	if body != nil {
		s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set(middleware.OwnerKeyHeader, key)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	var env envelope
	if w.Body.Len() > 0 {
		s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w.Code, env
}

func (s *HandlerSuite) create(slug string) string {
	code, env := s.do(http.MethodPost, "/communities", "", gin.H{"name": "Acme Builders", "slug": slug, "owner_email": "owner@acme.io"})
	s.Require().Equal(http.StatusCreated, code, env.Error)
	var out struct {
		OwnerKey string `json:"owner_key"`
	}
	s.Require().NoError(json.Unmarshal(env.Data, &out))
	s.Require().NotEmpty(out.OwnerKey)
	return out.OwnerKey
}

func (s *HandlerSuite) TestCreateValidatesAndRejectsDuplicateSlug() {
	s.create("acme")

	code, _ := s.do(http.MethodPost, "/communities", "", gin.H{"name": "Other", "slug": "ACME", "owner_email": "x@y.io"})
	s.Equal(http.StatusConflict, code)

	code, env := s.do(http.MethodPost, "/communities", "", gin.H{"name": "Bad", "slug": "-x", "owner_email": "x@y.io"})
	s.Equal(http.StatusBadRequest, code)
	s.Contains(env.Error, "slug")

	code, _ = s.do(http.MethodPost, "/communities", "", gin.H{"name": "Bad", "slug": "fine", "owner_email": "nope"})
	s.Equal(http.StatusBadRequest, code)

	code, _ = s.do(http.MethodPost, "/communities", "", gin.H{"slug": "fine"})
	s.Equal(http.StatusBadRequest, code)
}

func (s *HandlerSuite) TestBindingLifecycle() {
	key := s.create("acme")

	code, _ := s.do(http.MethodPost, "/communities/acme/bindings", "", gin.H{"platform": "slack", "channel": "C1"})
	s.Equal(http.StatusUnauthorized, code)

	code, _ = s.do(http.MethodPost, "/communities/acme/bindings", key, gin.H{"platform": "teams", "channel": "C1"})
	s.Equal(http.StatusBadRequest, code)

	code, env := s.do(http.MethodPost, "/communities/acme/bindings", key, gin.H{"platform": "Slack", "channel": "C1"})
	s.Require().Equal(http.StatusCreated, code, env.Error)

	otherKey := s.create("other")
	code, _ = s.do(http.MethodPost, "/communities/other/bindings", otherKey, gin.H{"platform": "slack", "channel": "C1"})
	s.Equal(http.StatusConflict, code)

	code, env = s.do(http.MethodGet, "/communities/acme", "", nil)
	s.Require().Equal(http.StatusOK, code)
	var view CommunityView
	s.Require().NoError(json.Unmarshal(env.Data, &view))
	s.Equal([]ChannelView{{Platform: "slack", Channel: "C1"}}, view.Channels)
	s.NotContains(string(env.Data), "owner@acme.io")

	code, _ = s.do(http.MethodDelete, "/communities/acme/bindings/slack", key, nil)
	s.Equal(http.StatusOK, code)
	code, _ = s.do(http.MethodDelete, "/communities/acme/bindings/slack", key, nil)
	s.Equal(http.StatusNotFound, code)

	code, env = s.do(http.MethodGet, "/communities/acme/ledger", key, nil)
	s.Require().Equal(http.StatusOK, code)
	var entries []models.LedgerEntry
	s.Require().NoError(json.Unmarshal(env.Data, &entries))
	s.Require().Len(entries, 3)
	s.Equal(models.ActionScopeCreated, entries[0].Action)
	s.Equal(models.ActionBindingRegistered, entries[1].Action)
	s.Equal(models.ActionBindingDeactivated, entries[2].Action)
}

func (s *HandlerSuite) TestLedgerQueryValidation() {
	key := s.create("acme")
	code, _ := s.do(http.MethodGet, "/communities/acme/ledger?since=yesterday", key, nil)
	s.Equal(http.StatusBadRequest, code)
	code, _ = s.do(http.MethodGet, "/communities/acme/relays?limit=0", key, nil)
	s.Equal(http.StatusBadRequest, code)
	code, env := s.do(http.MethodGet, "/communities/acme/relays?limit=5", key, nil)
	s.Equal(http.StatusOK, code)
	s.JSONEq(`[]`, string(env.Data))
	code, _ = s.do(http.MethodGet, "/communities/missing/ledger", key, nil)
	s.Equal(http.StatusNotFound, code)
}

func (s *HandlerSuite) TestExport() {
	key := s.create("acme")
	code, _ := s.do(http.MethodPost, "/communities/acme/ledger/export", key, nil)
	s.Equal(http.StatusAccepted, code)
	s.Require().Len(s.exporter.jobs, 1)
	s.Equal("acme", s.exporter.jobs[0].Slug)

	code, _ = s.do(http.MethodPost, "/communities/acme/ledger/export", key,
		gin.H{"since": "2026-01-02T00:00:00Z", "until": "2026-01-01T00:00:00Z"})
	s.Equal(http.StatusBadRequest, code)

	s.exporter.err = errors.New("redis down")
	code, _ = s.do(http.MethodPost, "/communities/acme/ledger/export", key, nil)
	s.Equal(http.StatusInternalServerError, code)
}

func (s *HandlerSuite) TestExportDisabled() {
	svc := NewService(NewInMemoryStore(), s.ledger, nil, nil)
	r := gin.New()
	NewHandler(svc, s.ledger, nil, nil).Register(r.Group(""))
	s.router = r
	key := s.create("acme")
	code, _ := s.do(http.MethodPost, "/communities/acme/ledger/export", key, nil)
	s.Equal(http.StatusServiceUnavailable, code)
}
