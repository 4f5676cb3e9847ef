package models

import (
	"time"

	"github.com/google/uuid"
)

// RawEvent is an inbound event as a platform adapter sees it, before normalization.
type RawEvent struct {
	Platform  string    `json:"platform"`
	Channel   string    `json:"channel"`
	MessageID string    `json:"message_id"`
	Handle    string    `json:"handle"`
	Text      string    `json:"text"`
	FromBot   bool      `json:"from_bot"`
	ReplyTo   string    `json:"reply_to,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// CanonicalMessage is the platform-agnostic form of an inbound message.
type CanonicalMessage struct {
	ScopeID          uuid.UUID  `json:"scope_id"`
	SourcePlatform   string     `json:"source_platform"`
	SourceChannel    string     `json:"source_channel"`
	SourceMessageID  string     `json:"source_message_id"`
	SourceHandle     string     `json:"source_handle"`
	ResolvedMemberID *uuid.UUID `json:"resolved_member_id,omitempty"`
	Text             string     `json:"text"`
	Timestamp        time.Time  `json:"timestamp"`
	RelayMarker      bool       `json:"relay_marker"`
	Fingerprint      string     `json:"fingerprint"`
}

// Outbound is one instruction handed to a platform dispatcher.
type Outbound struct {
	AttemptID   string    `json:"attempt_id,omitempty"`
	ScopeID     uuid.UUID `json:"scope_id"`
	Platform    string    `json:"platform"`
	Channel     string    `json:"channel"`
	Text        string    `json:"text"`
	Attribution string    `json:"attribution,omitempty"`
	ReplyTo     string    `json:"reply_to,omitempty"`
	RelayMarker bool      `json:"relay_marker"`
}

// DispatchStatus is the terminal state of one dispatch attempt.
type DispatchStatus string

const (
	DispatchDelivered DispatchStatus = "delivered"
	DispatchFailed    DispatchStatus = "failed"
)

// Dispatch failure reasons.
const (
	ReasonTimeout           = "timeout"
	ReasonRateLimited       = "rate_limited"
	ReasonChannelMissing    = "channel_missing"
	ReasonAuthExpired       = "auth_expired"
	ReasonUnavailable       = "unavailable"
	ReasonNoDispatcher      = "no_dispatcher"
	ReasonDuplicateInFlight = "duplicate_in_flight"
	ReasonRejected          = "rejected"
)

// DispatchOutcome is what a dispatcher reports. Failures are values, not errors.
type DispatchOutcome struct {
	Status DispatchStatus `json:"status"`
	Reason string         `json:"reason,omitempty"`
}

// Delivered is the successful outcome.
func Delivered() DispatchOutcome { return DispatchOutcome{Status: DispatchDelivered} }

// DispatchFailedWith returns a failed outcome carrying reason.
func DispatchFailedWith(reason string) DispatchOutcome {
	return DispatchOutcome{Status: DispatchFailed, Reason: reason}
}

// OK reports whether the dispatch was delivered.
func (o DispatchOutcome) OK() bool { return o.Status == DispatchDelivered }
