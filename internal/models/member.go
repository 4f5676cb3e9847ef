package models

import (
	"time"

	"github.com/google/uuid"
)

// VerificationStatus is the per-platform state of a member's handle claim.
type VerificationStatus string

const (
	StatusUnverified VerificationStatus = "unverified"
	StatusPending    VerificationStatus = "pending"
	StatusVerified   VerificationStatus = "verified"
)

// PlatformIdentity is a member's claimed handle on one platform.
type PlatformIdentity struct {
	Platform      string             `json:"platform"`
	Handle        string             `json:"handle"`
	Status        VerificationStatus `json:"status"`
	Code          string             `json:"-"`
	CodeExpiresAt *time.Time         `json:"code_expires_at,omitempty"`
	VerifiedAt    *time.Time         `json:"verified_at,omitempty"`
}

// Member is a person inside a Scope.
type Member struct {
	ID          uuid.UUID                   `json:"id"`
	ScopeID     uuid.UUID                   `json:"scope_id"`
	Email       string                      `json:"email"`
	DisplayName string                      `json:"display_name"`
	Identities  map[string]PlatformIdentity `json:"identities"`
	CreatedAt   time.Time                   `json:"created_at"`
	UpdatedAt   time.Time                   `json:"updated_at"`
}

// Handles returns the platform -> handle projection of the member's identities.
func (m *Member) Handles() map[string]string {
	out := make(map[string]string, len(m.Identities))
	for p, id := range m.Identities {
		out[p] = id.Handle
	}
	return out
}

// StatusFor returns the verification status for platform, unverified when unclaimed.
func (m *Member) StatusFor(platform string) VerificationStatus {
	id, ok := m.Identities[platform]
	if !ok || id.Status == "" {
		return StatusUnverified
	}
	return id.Status
}

// Clone returns a deep copy so callers cannot mutate store-held state.
func (m *Member) Clone() *Member {
	c := *m
	c.Identities = make(map[string]PlatformIdentity, len(m.Identities))
	for k, v := range m.Identities {
		c.Identities[k] = v
	}
	return &c
}
