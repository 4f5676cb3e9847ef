package models

import (
	"time"

	"github.com/google/uuid"
)

// Scope is a community: the unit of ownership every other record declares.
type Scope struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	Slug         string    `json:"slug"`
	OwnerEmail   string    `json:"owner_email"`
	OwnerKeyHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Binding declares where a Scope posts relays on one platform.
// At most one active Binding exists per (scope, platform).
type Binding struct {
	ID         uuid.UUID `json:"id"`
	ScopeID    uuid.UUID `json:"scope_id"`
	Platform   string    `json:"platform"`
	Channel    string    `json:"channel"`
	OwnerEmail string    `json:"owner_email"`
	Active     bool      `json:"active"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
