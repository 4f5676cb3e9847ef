// Package communities owns scopes (communities) and their per-platform channel bindings.
package communities

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-community/relay/internal/models"
	"github.com/aura-community/relay/pkg/utils"
)

// Slug must be lowercase alphanumeric and hyphens only, 2-64 chars.
var slugRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{1,63}$`)

// Auditor appends provenance entries.
type Auditor interface {
	AppendDetail(ctx context.Context, e models.LedgerEntry, detail any) (models.LedgerEntry, error)
}

// Platforms reports the platform names this deployment can relay to.
type Platforms interface {
	Names() []string
}

// Service creates communities and manages their bindings.
type Service struct {
	store     Store
	audit     Auditor
	platforms Platforms
	logger    *zap.Logger
}

// NewService creates a communities service. A nil platforms accepts any platform name.
func NewService(store Store, audit Auditor, platforms Platforms, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, audit: audit, platforms: platforms, logger: logger}
}

// NormalizeSlug lowercases and trims a slug.
func NormalizeSlug(slug string) string { return strings.ToLower(strings.TrimSpace(slug)) }

// CreateScope creates a community and returns it with its owner key. The key is
// only ever returned here; the store keeps a bcrypt hash.
func (s *Service) CreateScope(ctx context.Context, name, slug, ownerEmail string) (*models.Scope, string, error) {
	name = strings.TrimSpace(name)
	slug = NormalizeSlug(slug)
	ownerEmail = strings.ToLower(strings.TrimSpace(ownerEmail))
	if name == "" || len(name) > 255 {
		return nil, "", models.Invalid("name", "must be 1-255 characters")
	}
	if !slugRegex.MatchString(slug) {
		return nil, "", models.Invalid("slug", "must be 2-64 chars, lowercase letters, numbers, hyphens only")
	}
	if _, err := mail.ParseAddress(ownerEmail); err != nil {
		return nil, "", models.Invalid("owner_email", "must be a valid email address")
	}

	key, err := utils.GenerateOwnerKey()
	if err != nil {
		return nil, "", fmt.Errorf("generate owner key: %w", err)
	}
	hash, err := utils.HashOwnerKey(key)
	if err != nil {
		return nil, "", fmt.Errorf("hash owner key: %w", err)
	}
	scope := &models.Scope{Name: name, Slug: slug, OwnerEmail: ownerEmail, OwnerKeyHash: hash}
	if err := s.store.CreateScope(ctx, scope); err != nil {
		if errors.Is(err, ErrSlugTaken) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("create scope: %w", err)
	}
	s.record(ctx, models.LedgerEntry{
		ScopeID:        scope.ID,
		Action:         models.ActionScopeCreated,
		SourceIdentity: ownerEmail,
		SubjectID:      scope.ID.String(),
	}, map[string]string{"name": name, "slug": slug})
	s.logger.Info("community created", zap.String("scope_id", scope.ID.String()), zap.String("slug", slug))
	return scope, key, nil
}

// GetScope looks a community up by slug.
func (s *Service) GetScope(ctx context.Context, slug string) (*models.Scope, error) {
	return s.store.GetScopeBySlug(ctx, NormalizeSlug(slug))
}

// GetScopeBySlug satisfies middleware.ScopeLookup.
func (s *Service) GetScopeBySlug(ctx context.Context, slug string) (*models.Scope, error) {
	return s.GetScope(ctx, slug)
}

func (s *Service) knownPlatform(name string) bool {
	if s.platforms == nil {
		return true
	}
	for _, n := range s.platforms.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// Bind points the community at channel on platform, replacing any previous binding for that platform.
func (s *Service) Bind(ctx context.Context, scope *models.Scope, platform, channel string) (*models.Binding, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	channel = strings.TrimSpace(channel)
	if platform == "" || !s.knownPlatform(platform) {
		return nil, models.Invalid("platform", "unknown platform")
	}
	if channel == "" || len(channel) > 255 {
		return nil, models.Invalid("channel", "must be 1-255 characters")
	}
	b := &models.Binding{ScopeID: scope.ID, Platform: platform, Channel: channel, OwnerEmail: scope.OwnerEmail}
	if err := s.store.UpsertBinding(ctx, b); err != nil {
		if errors.Is(err, ErrChannelTaken) {
			return nil, err
		}
		return nil, fmt.Errorf("upsert binding: %w", err)
	}
	s.record(ctx, models.LedgerEntry{
		ScopeID:        scope.ID,
		Action:         models.ActionBindingRegistered,
		SourcePlatform: platform,
		SourceIdentity: scope.OwnerEmail,
		SubjectID:      b.ID.String(),
	}, map[string]string{"channel": channel})
	return b, nil
}

// Unbind deactivates the community's binding on platform.
func (s *Service) Unbind(ctx context.Context, scope *models.Scope, platform string) (*models.Binding, error) {
	platform = strings.ToLower(strings.TrimSpace(platform))
	b, err := s.store.DeactivateBinding(ctx, scope.ID, platform)
	if err != nil {
		return nil, err
	}
	s.record(ctx, models.LedgerEntry{
		ScopeID:        scope.ID,
		Action:         models.ActionBindingDeactivated,
		SourcePlatform: platform,
		SourceIdentity: scope.OwnerEmail,
		SubjectID:      b.ID.String(),
	}, map[string]string{"channel": b.Channel})
	return b, nil
}

// Bindings lists the community's active bindings.
func (s *Service) Bindings(ctx context.Context, scopeID uuid.UUID) ([]models.Binding, error) {
	return s.store.ListActiveBindings(ctx, scopeID)
}

func (s *Service) record(ctx context.Context, e models.LedgerEntry, detail any) {
	if s.audit == nil {
		return
	}
	if _, err := s.audit.AppendDetail(ctx, e, detail); err != nil {
		s.logger.Error("ledger append failed", zap.String("action", string(e.Action)), zap.Error(err))
	}
}
