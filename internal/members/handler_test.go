package members

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"github.com/aura-community/relay/internal/auth"
	"github.com/aura-community/relay/internal/identity"
	"github.com/aura-community/relay/internal/middleware"
	"github.com/aura-community/relay/internal/models"
	"github.com/aura-community/relay/internal/platform"
	"github.com/aura-community/relay/internal/relay"
)

type oneScope struct{ scope *models.Scope }

func (o oneScope) GetScopeBySlug(_ context.Context, slug string) (*models.Scope, error) {
	if slug == o.scope.Slug {
		return o.scope, nil
	}
	return nil, models.ErrNotFound
}

type discordChannel struct{ scope uuid.UUID }

func (d discordChannel) ScopeForChannel(_ context.Context, platform, channel string) (uuid.UUID, error) {
	if platform == "discord" && channel == "general" {
		return d.scope, nil
	}
	return uuid.Nil, models.ErrNotFound
}

type noRelay struct{}

func (noRelay) OnInbound(context.Context, models.CanonicalMessage) (relay.Result, error) {
	return relay.Result{}, nil
}

type replyLog struct{ texts []string }

func (r *replyLog) Dispatcher(string) (relay.Dispatcher, bool) { return r, true }

func (r *replyLog) Dispatch(_ context.Context, out models.Outbound) models.DispatchOutcome {
	r.texts = append(r.texts, out.Text)
	return models.Delivered()
}

type staticPlatforms []string

func (p staticPlatforms) Names() []string { return p }

type HandlerSuite struct {
	suite.Suite
	scope    *models.Scope
	registry *identity.Registry
	jwt      *auth.JWTService
	router   *gin.Engine
}

func TestHandlerSuite(t *testing.T) {
	suite.Run(t, new(HandlerSuite))
}

func (s *HandlerSuite) SetupTest() {
	gin.SetMode(gin.TestMode)
	s.scope = &models.Scope{ID: uuid.New(), Slug: "acme", Name: "Acme"}
	s.registry = identity.NewRegistry(identity.NewInMemoryStore(), nil, nil)
	s.jwt = auth.NewJWTService("test-secret", 1)
	s.router = gin.New()
	scoped := s.router.Group("/communities/:slug", middleware.Scope(oneScope{s.scope}))
	NewHandler(s.registry, s.jwt, staticPlatforms{"discord", "slack", "web"}, "web", nil).Routes(scoped)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
}

func (s *HandlerSuite) post(path string, body any) (int, envelope) {
	var buf bytes.Buffer
	s.Require().NoError(json.NewEncoder(&buf).Encode(body))
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	var env envelope
	s.Require().NoError(json.Unmarshal(w.Body.Bytes(), &env))
	return w.Code, env
}

func (s *HandlerSuite) register(email, handle string) RegisterResponse {
	code, env := s.post("/communities/acme/members", gin.H{
		"email":            email,
		"display_name":     "James Smith",
		"platform_handles": gin.H{"discord": handle, "web": handle},
	})
	s.Require().Equal(http.StatusCreated, code, env.Error)
	var out RegisterResponse
	s.Require().NoError(json.Unmarshal(env.Data, &out))
	return out
}

func (s *HandlerSuite) TestRegisterReturnsInstructions() {
	out := s.register("james@example.com", "james")
	s.Require().Len(out.NextSteps, 2)
	step := out.NextSteps[0]
	s.Equal("discord", step.Platform)
	s.Regexp(`^[0-9A-F]{8}$`, step.Code)
	s.Equal("On Discord, send this to the community bot: VERIFY "+step.Code, step.Instruction)
	s.Equal(models.StatusPending, out.Member.StatusFor("discord"))
}

func (s *HandlerSuite) TestRegisterRejectsBadInput() {
	code, _ := s.post("/communities/acme/members", gin.H{"email": "x@y.io"})
	s.Equal(http.StatusBadRequest, code)

	code, env := s.post("/communities/acme/members", gin.H{
		"email": "x@y.io", "display_name": "X", "platform_handles": gin.H{"myspace": "x"},
	})
	s.Equal(http.StatusBadRequest, code)
	s.Contains(env.Error, "myspace")

	code, _ = s.post("/communities/acme/members", gin.H{"email": "not-an-email", "display_name": "X"})
	s.Equal(http.StatusBadRequest, code)

	code, _ = s.post("/communities/other/members", gin.H{"email": "x@y.io", "display_name": "X"})
	s.Equal(http.StatusNotFound, code)
}

// verifyOn sends a VERIFY command as handle on discord and returns the bot's reply.
func (s *HandlerSuite) verifyOn(handle, code string) string {
	ctx := context.Background()
	replies := &replyLog{}
	intake := platform.NewIntake(discordChannel{s.scope.ID}, s.registry, noRelay{}, replies, nil, nil)
	s.Require().NoError(intake.OnRawEvent(ctx, models.RawEvent{
		Platform:  "discord",
		Channel:   "general",
		MessageID: uuid.NewString(),
		Handle:    handle,
		Text:      "VERIFY " + code,
	}))
	s.Require().Len(replies.texts, 1)
	return replies.texts[0]
}

func (s *HandlerSuite) TestVerifyMapsErrors() {
	out := s.register("james@example.com", "james")
	code := out.NextSteps[0].Code

	s.Contains(s.verifyOn("james", "ZZZZ9999"), "didn't work")
	s.Equal("Verified! You're now linked as James Smith in this community.", s.verifyOn("james", code))

	m, err := s.registry.ResolveHandle(context.Background(), s.scope.ID, "discord", "james")
	s.Require().NoError(err)
	s.Require().NotNil(m)
	s.Equal("james@example.com", m.Email)

	s.Equal("That code has already been used.", s.verifyOn("james", code))
}

func (s *HandlerSuite) TestHTTPCannotVerifyHandle() {
	out := s.register("mallory@example.com", "james")
	code := out.NextSteps[0].Code

	body := strings.NewReader(`{"platform":"discord","handle":"james","code":"` + code + `"}`)
	req := httptest.NewRequest(http.MethodPost, "/communities/acme/verify", body)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	s.Equal(http.StatusNotFound, w.Code)

	m, err := s.registry.ResolveHandle(context.Background(), s.scope.ID, "discord", "james")
	s.Require().NoError(err)
	s.Nil(m)
	s.Equal(models.StatusPending, out.Member.StatusFor("discord"))

	s.Contains(s.verifyOn("james", code), "Verified!")
}

func (s *HandlerSuite) TestChatTokenGuardsVerifiedHandles() {
	status, env := s.post("/communities/acme/chat-token", gin.H{"email": "guest@example.com", "handle": "guest"})
	s.Require().Equal(http.StatusOK, status, env.Error)
	var tok ChatTokenResponse
	s.Require().NoError(json.Unmarshal(env.Data, &tok))
	claims, err := s.jwt.Validate(tok.Token)
	s.Require().NoError(err)
	s.Equal(s.scope.ID, claims.ScopeID)
	s.Equal("guest", claims.Handle)
	s.Equal("web", tok.Platform)

	out := s.register("james@example.com", "james")
	webCode := out.NextSteps[1].Code
	_, err = s.registry.Verify(context.Background(), s.scope.ID, "web", "james", webCode)
	s.Require().NoError(err)

	status, _ = s.post("/communities/acme/chat-token", gin.H{"email": "mallory@example.com", "handle": "james"})
	s.Equal(http.StatusForbidden, status)

	status, _ = s.post("/communities/acme/chat-token", gin.H{"email": "JAMES@example.com", "handle": "james"})
	s.Equal(http.StatusOK, status)
}
