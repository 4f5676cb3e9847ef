package models

import (
	"time"

	"github.com/google/uuid"
)

// VerificationCode is a short-lived single-use token bound to (scope, member, platform).
type VerificationCode struct {
	ID           uuid.UUID  `json:"id"`
	ScopeID      uuid.UUID  `json:"scope_id"`
	MemberID     uuid.UUID  `json:"member_id"`
	Platform     string     `json:"platform"`
	Handle       string     `json:"handle"`
	Code         string     `json:"code"`
	IssuedAt     time.Time  `json:"issued_at"`
	ExpiresAt    time.Time  `json:"expires_at"`
	ConsumedAt   *time.Time `json:"consumed_at,omitempty"`
	SupersededAt *time.Time `json:"superseded_at,omitempty"`
}

// Consumed reports whether the code has already verified a handle.
func (c *VerificationCode) Consumed() bool { return c.ConsumedAt != nil }

// Expired reports whether the code is past its expiry at now.
func (c *VerificationCode) Expired(now time.Time) bool { return now.After(c.ExpiresAt) }
