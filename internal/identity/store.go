package identity

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/aura-community/relay/internal/models"
)

// Store persists members, handle claims and verification codes.
//
// Error contract:
//   - models.ErrNotFound when a member lookup misses
//   - ErrCodeNotFound / ErrCodeExpired / ErrCodeAlreadyConsumed / ErrDuplicateHandle from ConsumeCode
//   - ErrAlreadyVerified from ClaimHandle when the platform is verified for that member
//   - ErrCodeCollision from ClaimHandle when the code value is taken within the scope
//
// ConsumeCode must be atomic per code: at most one caller observes success.
type Store interface {
	UpsertMember(ctx context.Context, scopeID uuid.UUID, email, displayName string, now time.Time) (*models.Member, bool, error)
	FindMemberByID(ctx context.Context, id uuid.UUID) (*models.Member, error)
	FindVerified(ctx context.Context, scopeID uuid.UUID, platform, handle string) (*models.Member, error)
	ClaimHandle(ctx context.Context, code *models.VerificationCode) (*models.PlatformIdentity, error)
	ConsumeCode(ctx context.Context, scopeID uuid.UUID, platform, handle, code string, now time.Time) (*models.Member, error)
}
