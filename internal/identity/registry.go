// Package identity binds platform handles to community members and runs the
// unverified -> pending -> verified state machine.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-community/relay/internal/metrics"
	"github.com/aura-community/relay/internal/models"
)

const (
	// DefaultCodeTTL is how long an issued verification code stays valid.
	DefaultCodeTTL = 10 * time.Minute
	codeAttempts   = 3
)

// Auditor receives provenance writes for joins and verifications.
type Auditor interface {
	AppendDetail(ctx context.Context, e models.LedgerEntry, detail any) (models.LedgerEntry, error)
}

// Registry is the owned identity service shared by every connector.
type Registry struct {
	store   Store
	audit   Auditor
	logger  *zap.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	codeTTL time.Duration
	newCode func() (string, error)
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option { return func(r *Registry) { r.now = now } }

// WithCodeTTL sets the verification code lifetime.
func WithCodeTTL(ttl time.Duration) Option {
	return func(r *Registry) {
		if ttl > 0 {
			r.codeTTL = ttl
		}
	}
}

// WithCodeGenerator replaces the random code source.
func WithCodeGenerator(fn func() (string, error)) Option { return func(r *Registry) { r.newCode = fn } }

// WithMetrics attaches collectors.
func WithMetrics(m *metrics.Metrics) Option { return func(r *Registry) { r.metrics = m } }

// NewRegistry creates an identity registry.
func NewRegistry(store Store, audit Auditor, logger *zap.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Registry{
		store:   store,
		audit:   audit,
		logger:  logger,
		now:     time.Now,
		codeTTL: DefaultCodeTTL,
		newCode: GenerateCode,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// GenerateCode returns 8 uppercase hex characters from crypto/rand.
func GenerateCode() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return strings.ToUpper(hex.EncodeToString(b)), nil
}

// NormalizeCode canonicalizes user-typed codes.
func NormalizeCode(code string) string { return strings.ToUpper(strings.TrimSpace(code)) }

func normalizeHandles(handles map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(handles))
	for p, h := range handles {
		platform := strings.ToLower(strings.TrimSpace(p))
		handle := strings.TrimSpace(h)
		if platform == "" {
			return nil, models.Invalid("platform_handles", "platform name required")
		}
		if handle == "" {
			return nil, models.Invalid("platform_handles", fmt.Sprintf("handle required for %s", platform))
		}
		out[platform] = handle
	}
	return out, nil
}

// RegisterMember creates the member if absent (keyed by scope + email), updates the
// display name otherwise, and issues one pending code per handle that is not yet verified.
func (r *Registry) RegisterMember(ctx context.Context, scopeID uuid.UUID, email, displayName string, handles map[string]string) (*models.Member, []models.VerificationCode, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	displayName = strings.TrimSpace(displayName)
	if email == "" || !strings.Contains(email, "@") {
		return nil, nil, models.Invalid("email", "valid email required")
	}
	if displayName == "" {
		return nil, nil, models.Invalid("display_name", "display name required")
	}
	handles, err := normalizeHandles(handles)
	if err != nil {
		return nil, nil, err
	}

	platforms := make([]string, 0, len(handles))
	for p := range handles {
		platforms = append(platforms, p)
	}
	sort.Strings(platforms)

	for _, p := range platforms {
		owner, err := r.store.FindVerified(ctx, scopeID, p, handles[p])
		if errors.Is(err, models.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("check handle %s: %w", p, err)
		}
		if !strings.EqualFold(owner.Email, email) {
			return nil, nil, fmt.Errorf("%s handle %q: %w", p, handles[p], ErrDuplicateHandle)
		}
	}

	now := r.now()
	member, created, err := r.store.UpsertMember(ctx, scopeID, email, displayName, now)
	if err != nil {
		return nil, nil, err
	}

	var codes []models.VerificationCode
	for _, p := range platforms {
		code, err := r.issue(ctx, member, p, handles[p], now)
		if errors.Is(err, ErrAlreadyVerified) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, *code)
	}

	member, err = r.store.FindMemberByID(ctx, member.ID)
	if err != nil {
		return nil, nil, err
	}
	r.record(ctx, models.LedgerEntry{
		ScopeID:        scopeID,
		Action:         models.ActionMemberRegistered,
		SourceIdentity: email,
		SubjectID:      member.ID.String(),
	}, map[string]any{
		"display_name":      displayName,
		"created":           created,
		"platforms_claimed": platforms,
	})
	r.logger.Info("member registered",
		zap.String("scope_id", scopeID.String()),
		zap.String("member_id", member.ID.String()),
		zap.Int("codes_issued", len(codes)))
	return member, codes, nil
}

func (r *Registry) issue(ctx context.Context, member *models.Member, platform, handle string, now time.Time) (*models.VerificationCode, error) {
	for attempt := 0; attempt < codeAttempts; attempt++ {
		value, err := r.newCode()
		if err != nil {
			return nil, fmt.Errorf("generate code: %w", err)
		}
		code := &models.VerificationCode{
			ID:        uuid.New(),
			ScopeID:   member.ScopeID,
			MemberID:  member.ID,
			Platform:  platform,
			Handle:    handle,
			Code:      NormalizeCode(value),
			IssuedAt:  now,
			ExpiresAt: now.Add(r.codeTTL),
		}
		current, err := r.store.ClaimHandle(ctx, code)
		switch {
		case errors.Is(err, ErrCodeCollision):
			continue
		case errors.Is(err, ErrAlreadyVerified):
			if current != nil && current.Handle != handle {
				return nil, models.Invalid("platform_handles", fmt.Sprintf("%s handle is verified and cannot change", platform))
			}
			return nil, err
		case err != nil:
			return nil, fmt.Errorf("claim %s handle: %w", platform, err)
		}
		return code, nil
	}
	return nil, fmt.Errorf("issue code for %s: %w", platform, ErrCodeCollision)
}

// ResolveHandle returns the member verified for (scope, platform, handle), or nil.
// It never creates anything.
func (r *Registry) ResolveHandle(ctx context.Context, scopeID uuid.UUID, platform, handle string) (*models.Member, error) {
	m, err := r.store.FindVerified(ctx, scopeID, platform, handle)
	if errors.Is(err, models.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve handle: %w", err)
	}
	return m, nil
}

// Verify consumes code for (scope, platform, handle). At most one call per code succeeds.
func (r *Registry) Verify(ctx context.Context, scopeID uuid.UUID, platform, handle, code string) (*models.Member, error) {
	code = NormalizeCode(code)
	member, err := r.store.ConsumeCode(ctx, scopeID, platform, handle, code, r.now())
	if err != nil {
		r.metrics.ObserveVerification(verifyResult(err))
		r.record(ctx, models.LedgerEntry{
			ScopeID:        scopeID,
			Action:         models.ActionVerifyFailed,
			SourcePlatform: platform,
			SourceIdentity: handle,
		}, map[string]string{"reason": verifyResult(err)})
		return nil, err
	}
	r.metrics.ObserveVerification("verified")
	r.record(ctx, models.LedgerEntry{
		ScopeID:        scopeID,
		Action:         models.ActionMemberVerified,
		SourcePlatform: platform,
		SourceIdentity: handle,
		SubjectID:      member.ID.String(),
	}, map[string]string{"display_name": member.DisplayName})
	r.logger.Info("handle verified",
		zap.String("scope_id", scopeID.String()),
		zap.String("platform", platform),
		zap.String("member_id", member.ID.String()))
	return member, nil
}

func verifyResult(err error) string {
	switch {
	case errors.Is(err, ErrCodeNotFound):
		return "code_not_found"
	case errors.Is(err, ErrCodeExpired):
		return "code_expired"
	case errors.Is(err, ErrCodeAlreadyConsumed):
		return "code_consumed"
	case errors.Is(err, ErrDuplicateHandle):
		return "duplicate_handle"
	default:
		return "error"
	}
}

func (r *Registry) record(ctx context.Context, e models.LedgerEntry, detail any) {
	if r.audit == nil {
		return
	}
	if _, err := r.audit.AppendDetail(ctx, e, detail); err != nil {
		r.logger.Error("identity audit write failed", zap.String("action", string(e.Action)), zap.Error(err))
	}
}
