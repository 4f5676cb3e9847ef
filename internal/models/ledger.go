package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// LedgerAction names a provenance event.
type LedgerAction string

const (
	ActionScopeCreated       LedgerAction = "scope.created"
	ActionBindingRegistered  LedgerAction = "binding.registered"
	ActionBindingDeactivated LedgerAction = "binding.deactivated"
	ActionMemberRegistered   LedgerAction = "member.registered"
	ActionMemberVerified     LedgerAction = "member.verified"
	ActionVerifyFailed       LedgerAction = "member.verify_failed"
	ActionMessageReceived    LedgerAction = "message.received"
)

// LedgerEntry is an append-only provenance record.
type LedgerEntry struct {
	ID             uuid.UUID       `json:"id"`
	ScopeID        uuid.UUID       `json:"scope_id"`
	Action         LedgerAction    `json:"action"`
	SourcePlatform string          `json:"source_platform,omitempty"`
	SourceIdentity string          `json:"source_identity,omitempty"`
	SubjectID      string          `json:"subject_id,omitempty"`
	Detail         json.RawMessage `json:"detail,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// RelayOutcome is the recorded result for one (message, target platform) pair.
type RelayOutcome string

const (
	OutcomeDelivered  RelayOutcome = "delivered"
	OutcomeSuppressed RelayOutcome = "suppressed"
	OutcomeFailed     RelayOutcome = "failed"
)

// RelayRecord is one relay provenance entry. Never mutated after write.
type RelayRecord struct {
	ID             uuid.UUID    `json:"id"`
	ScopeID        uuid.UUID    `json:"scope_id"`
	MessageRef     *uuid.UUID   `json:"message_ref,omitempty"`
	Fingerprint    string       `json:"fingerprint"`
	SourcePlatform string       `json:"source_platform"`
	TargetPlatform string       `json:"target_platform,omitempty"`
	TargetChannel  string       `json:"target_channel,omitempty"`
	Attribution    string       `json:"attribution,omitempty"`
	Outcome        RelayOutcome `json:"outcome"`
	Reason         string       `json:"reason,omitempty"`
	DispatchedAt   time.Time    `json:"dispatched_at"`
}
