package identity

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/aura-community/relay/internal/ledger"
	"github.com/aura-community/relay/internal/metrics"
	"github.com/aura-community/relay/internal/models"
)

type RegistrySuite struct {
	suite.Suite
	ctx      context.Context
	now      time.Time
	scope    uuid.UUID
	store    *InMemoryStore
	ledger   *ledger.Ledger
	registry *Registry
}

func TestRegistrySuite(t *testing.T) {
	suite.Run(t, new(RegistrySuite))
}

func (s *RegistrySuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	s.scope = uuid.New()
	s.store = NewInMemoryStore()
	clock := func() time.Time { return s.now }
	s.ledger = ledger.New(ledger.NewInMemoryStore(), nil, ledger.WithClock(clock))
	s.registry = NewRegistry(s.store, s.ledger, nil,
		WithClock(clock),
		WithMetrics(metrics.New(prometheus.NewRegistry())))
}

func (s *RegistrySuite) register(email, name string, handles map[string]string) (*models.Member, []models.VerificationCode) {
	m, codes, err := s.registry.RegisterMember(s.ctx, s.scope, email, name, handles)
	s.Require().NoError(err)
	return m, codes
}

func codeFor(codes []models.VerificationCode, platform string) models.VerificationCode {
	for _, c := range codes {
		if c.Platform == platform {
			return c
		}
	}
	return models.VerificationCode{}
}

func (s *RegistrySuite) TestRegisterIssuesPendingCodes() {
	m, codes := s.register("James@Example.com", "James Smith", map[string]string{
		"discord":  "james#1234",
		"telegram": "@jsmith",
	})
	s.Equal("james@example.com", m.Email)
	s.Require().Len(codes, 2)
	for _, c := range codes {
		s.Regexp(`^[0-9A-F]{8}$`, c.Code)
		s.Equal(s.now.Add(DefaultCodeTTL), c.ExpiresAt)
		s.Equal(models.StatusPending, m.StatusFor(c.Platform))
	}
	s.Equal(models.StatusUnverified, m.StatusFor("slack"))

	entries, err := s.ledger.Entries(s.ctx, s.scope, ledger.Query{})
	s.Require().NoError(err)
	s.Require().Len(entries, 1)
	s.Equal(models.ActionMemberRegistered, entries[0].Action)
	s.Equal(m.ID.String(), entries[0].SubjectID)
}

func (s *RegistrySuite) TestRegisterRejectsInvalidInput() {
	_, _, err := s.registry.RegisterMember(s.ctx, s.scope, "not-an-email", "X", nil)
	var verr *models.ValidationError
	s.Require().ErrorAs(err, &verr)
	s.Equal("email", verr.Field)

	_, _, err = s.registry.RegisterMember(s.ctx, s.scope, "a@b.c", "  ", nil)
	s.Require().ErrorAs(err, &verr)
	s.Equal("display_name", verr.Field)

	_, _, err = s.registry.RegisterMember(s.ctx, s.scope, "a@b.c", "A", map[string]string{"discord": ""})
	s.Require().ErrorAs(err, &verr)
}

func (s *RegistrySuite) TestVerifyTransitionsToVerified() {
	m, codes := s.register("james@example.com", "James Smith", map[string]string{"discord": "james#1234"})
	c := codeFor(codes, "discord")

	verified, err := s.registry.Verify(s.ctx, s.scope, "discord", "james#1234", " "+c.Code+" ")
	s.Require().NoError(err)
	s.Equal(m.ID, verified.ID)
	s.Equal(models.StatusVerified, verified.StatusFor("discord"))
	s.NotNil(verified.Identities["discord"].VerifiedAt)

	resolved, err := s.registry.ResolveHandle(s.ctx, s.scope, "discord", "james#1234")
	s.Require().NoError(err)
	s.Require().NotNil(resolved)
	s.Equal("James Smith", resolved.DisplayName)

	_, err = s.registry.Verify(s.ctx, s.scope, "discord", "james#1234", c.Code)
	s.ErrorIs(err, ErrCodeAlreadyConsumed)
}

func (s *RegistrySuite) TestVerifyExpiredCodeStaysPending() {
	s.registry = NewRegistry(s.store, s.ledger, nil,
		WithClock(func() time.Time { return s.now }),
		WithCodeGenerator(func() (string, error) { return "AB12", nil }))
	m, _ := s.register("james@example.com", "James Smith", map[string]string{"discord": "james#1234"})

	s.now = s.now.Add(11 * time.Minute)
	_, err := s.registry.Verify(s.ctx, s.scope, "discord", "james#1234", "ab12")
	s.ErrorIs(err, ErrCodeExpired)

	after, err := s.store.FindMemberByID(s.ctx, m.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, after.StatusFor("discord"))

	entries, err := s.ledger.Entries(s.ctx, s.scope, ledger.Query{})
	s.Require().NoError(err)
	s.Equal(models.ActionVerifyFailed, entries[len(entries)-1].Action)
	s.JSONEq(`{"reason":"code_expired"}`, string(entries[len(entries)-1].Detail))
}

func (s *RegistrySuite) TestVerifyWrongHandleIsNotFound() {
	_, codes := s.register("james@example.com", "James Smith", map[string]string{"discord": "james#1234"})
	_, err := s.registry.Verify(s.ctx, s.scope, "discord", "mallory#0001", codeFor(codes, "discord").Code)
	s.ErrorIs(err, ErrCodeNotFound)
	_, err = s.registry.Verify(s.ctx, s.scope, "discord", "james#1234", "FFFFFFFF")
	s.ErrorIs(err, ErrCodeNotFound)
}

func (s *RegistrySuite) TestReissueSupersedesPreviousCode() {
	_, first := s.register("james@example.com", "James Smith", map[string]string{"discord": "james#1234"})
	s.now = s.now.Add(time.Minute)
	_, second := s.register("james@example.com", "James S.", map[string]string{"discord": "james#1234"})

	old, fresh := codeFor(first, "discord"), codeFor(second, "discord")
	s.NotEqual(old.Code, fresh.Code)

	_, err := s.registry.Verify(s.ctx, s.scope, "discord", "james#1234", old.Code)
	s.ErrorIs(err, ErrCodeNotFound)
	m, err := s.registry.Verify(s.ctx, s.scope, "discord", "james#1234", fresh.Code)
	s.Require().NoError(err)
	s.Equal("James S.", m.DisplayName)
}

func (s *RegistrySuite) TestRegisterSkipsVerifiedPlatform() {
	_, codes := s.register("james@example.com", "James Smith", map[string]string{"discord": "james#1234"})
	_, err := s.registry.Verify(s.ctx, s.scope, "discord", "james#1234", codeFor(codes, "discord").Code)
	s.Require().NoError(err)

	_, again := s.register("james@example.com", "James Smith", map[string]string{
		"discord":  "james#1234",
		"telegram": "@jsmith",
	})
	s.Require().Len(again, 1)
	s.Equal("telegram", again[0].Platform)

	_, _, err = s.registry.RegisterMember(s.ctx, s.scope, "james@example.com", "James Smith", map[string]string{"discord": "other#9999"})
	var verr *models.ValidationError
	s.ErrorAs(err, &verr)
}

func (s *RegistrySuite) TestDuplicateHandleRejectedBeforeMutation() {
	_, codes := s.register("james@example.com", "James Smith", map[string]string{"discord": "james#1234"})
	_, err := s.registry.Verify(s.ctx, s.scope, "discord", "james#1234", codeFor(codes, "discord").Code)
	s.Require().NoError(err)

	_, _, err = s.registry.RegisterMember(s.ctx, s.scope, "mallory@example.com", "Mallory", map[string]string{"discord": "james#1234"})
	s.ErrorIs(err, ErrDuplicateHandle)

	s.store.mu.RLock()
	_, exists := s.store.byEmail[emailKey(s.scope, "mallory@example.com")]
	s.store.mu.RUnlock()
	s.False(exists)
}

func (s *RegistrySuite) TestPendingRaceFirstVerifierWins() {
	_, c1 := s.register("james@example.com", "James Smith", map[string]string{"discord": "shared#0001"})
	_, c2 := s.register("mallory@example.com", "Mallory", map[string]string{"discord": "shared#0001"})

	_, err := s.registry.Verify(s.ctx, s.scope, "discord", "shared#0001", codeFor(c1, "discord").Code)
	s.Require().NoError(err)
	_, err = s.registry.Verify(s.ctx, s.scope, "discord", "shared#0001", codeFor(c2, "discord").Code)
	s.ErrorIs(err, ErrDuplicateHandle)
}

func (s *RegistrySuite) TestDuplicateHandleLeavesCodeUnconsumed() {
	_, c1 := s.register("james@example.com", "James Smith", map[string]string{"discord": "shared#0001"})
	m2, c2 := s.register("mallory@example.com", "Mallory", map[string]string{"discord": "shared#0001"})
	_, err := s.registry.Verify(s.ctx, s.scope, "discord", "shared#0001", codeFor(c1, "discord").Code)
	s.Require().NoError(err)

	code := codeFor(c2, "discord").Code
	_, err = s.registry.Verify(s.ctx, s.scope, "discord", "shared#0001", code)
	s.ErrorIs(err, ErrDuplicateHandle)
	_, err = s.registry.Verify(s.ctx, s.scope, "discord", "shared#0001", code)
	s.ErrorIs(err, ErrDuplicateHandle)

	got, err := s.store.FindMemberByID(s.ctx, m2.ID)
	s.Require().NoError(err)
	s.Equal(models.StatusPending, got.Identities["discord"].Status)
	s.Equal(code, got.Identities["discord"].Code)
}

func (s *RegistrySuite) TestConsumeRequiresCodeOnPendingIdentity() {
	_, first := s.register("james@example.com", "James Smith", map[string]string{"discord": "james#1234"})
	s.now = s.now.Add(time.Minute)
	_, second := s.register("james@example.com", "James Smith", map[string]string{"discord": "james#1234"})

	old := codeFor(first, "discord").Code
	v, ok := s.store.codes.Load(codeKey(s.scope, old))
	s.Require().True(ok)
	v.(*codeSlot).superseded.Store(false)

	_, err := s.store.ConsumeCode(s.ctx, s.scope, "discord", "james#1234", old, s.now)
	s.ErrorIs(err, ErrCodeNotFound)
	_, err = s.store.ConsumeCode(s.ctx, s.scope, "discord", "james#1234", codeFor(second, "discord").Code, s.now)
	s.NoError(err)
}

func (s *RegistrySuite) TestHandlesAreScoped() {
	_, codes := s.register("james@example.com", "James Smith", map[string]string{"discord": "james#1234"})
	_, err := s.registry.Verify(s.ctx, s.scope, "discord", "james#1234", codeFor(codes, "discord").Code)
	s.Require().NoError(err)

	other, err := s.registry.ResolveHandle(s.ctx, uuid.New(), "discord", "james#1234")
	s.Require().NoError(err)
	s.Nil(other)
}

func (s *RegistrySuite) TestCodeCollisionRetries() {
	values := []string{"AAAAAAAA", "AAAAAAAA", "BBBBBBBB"}
	var i int32
	s.registry = NewRegistry(s.store, nil, nil,
		WithClock(func() time.Time { return s.now }),
		WithCodeGenerator(func() (string, error) {
			n := atomic.AddInt32(&i, 1) - 1
			return values[n], nil
		}))
	_, first := s.register("a@example.com", "A", map[string]string{"discord": "a#1"})
	_, second := s.register("b@example.com", "B", map[string]string{"discord": "b#1"})
	s.Equal("AAAAAAAA", first[0].Code)
	s.Equal("BBBBBBBB", second[0].Code)
}

func TestConcurrentVerifyExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	scope := uuid.New()
	store := NewInMemoryStore()
	r := NewRegistry(store, nil, nil)
	_, codes, err := r.RegisterMember(ctx, scope, "james@example.com", "James Smith", map[string]string{"discord": "james#1234"})
	require.NoError(t, err)
	code := codes[0].Code

	const callers = 32
	var (
		wg       sync.WaitGroup
		wins     atomic.Int32
		consumed atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.Verify(ctx, scope, "discord", "james#1234", code)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrCodeAlreadyConsumed):
				consumed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	assert.Equal(t, int32(callers-1), consumed.Load())
}

func TestConsumeAndReissueRaceLeavesConsistentIdentity(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 200; i++ {
		store := NewInMemoryStore()
		scope := uuid.New()
		m, _, err := store.UpsertMember(ctx, scope, "james@example.com", "James Smith", now)
		require.NoError(t, err)
		issue := func(code string) *models.VerificationCode {
			return &models.VerificationCode{
				ID: uuid.New(), ScopeID: scope, MemberID: m.ID, Platform: "discord", Handle: "james#1234",
				Code: code, IssuedAt: now, ExpiresAt: now.Add(time.Hour),
			}
		}
		_, err = store.ClaimHandle(ctx, issue("AAAAAAAA"))
		require.NoError(t, err)

		var (
			wg                 sync.WaitGroup
			consumeErr, reErr error
		)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, consumeErr = store.ConsumeCode(ctx, scope, "discord", "james#1234", "AAAAAAAA", now)
		}()
		go func() {
			defer wg.Done()
			_, reErr = store.ClaimHandle(ctx, issue("BBBBBBBB"))
		}()
		wg.Wait()

		got, err := store.FindMemberByID(ctx, m.ID)
		require.NoError(t, err)
		identity := got.Identities["discord"]
		if consumeErr == nil {
			assert.ErrorIs(t, reErr, ErrAlreadyVerified)
			assert.Equal(t, models.StatusVerified, identity.Status)
			assert.Empty(t, identity.Code)
		} else {
			assert.ErrorIs(t, consumeErr, ErrCodeNotFound)
			assert.NoError(t, reErr)
			assert.Equal(t, models.StatusPending, identity.Status)
			assert.Equal(t, "BBBBBBBB", identity.Code)
		}
	}
}

func TestGenerateCode(t *testing.T) {
	seen := make(map[string]struct{})
	for i := 0; i < 50; i++ {
		c, err := GenerateCode()
		require.NoError(t, err)
		assert.Regexp(t, `^[0-9A-F]{8}$`, c)
		seen[c] = struct{}{}
	}
	assert.Greater(t, len(seen), 40)
}
