// Package models defines the core data structures for NudgePipe.
//
// It includes the conversation ledger record, eligibility decisions,
// delivery results, and the response classification types shared across
// modules.
package models

import (
	"errors"
	"time"
)

// MessageKind tags a conversation record with how the exchange originated.
type MessageKind string

const (
	// KindProactive marks a bot-initiated message sent without a preceding user message.
	KindProactive MessageKind = "proactive"
	// KindResponseToProactive marks a user message attributed to an earlier proactive send.
	KindResponseToProactive MessageKind = "response_to_proactive"
	// KindUserInitiated marks ordinary user-initiated activity.
	KindUserInitiated MessageKind = "user_initiated"
)

// IsValidMessageKind checks if the given message kind is supported.
func IsValidMessageKind(k MessageKind) bool {
	switch k {
	case KindProactive, KindResponseToProactive, KindUserInitiated:
		return true
	default:
		return false
	}
}

// Initiator identifies which side of the conversation produced a record.
type Initiator string

const (
	// InitiatorBot marks records produced by the bot.
	InitiatorBot Initiator = "bot"
	// InitiatorUser marks records produced by the user.
	InitiatorUser Initiator = "user"
)

// Validation constants
const (
	// MaxMessageLength defines the maximum allowed length for outbound message content.
	MaxMessageLength = 4096
)

// Error variables for better error handling and testability
var (
	ErrEmptyUserID          = errors.New("user id cannot be empty")
	ErrInvalidMessageKind   = errors.New("invalid message kind")
	ErrInvalidInitiator     = errors.New("invalid initiator for message kind")
	ErrEmptyMessage         = errors.New("message body cannot be empty")
	ErrChannelNotFound      = errors.New("destination channel not found")
	ErrNoSendPermission     = errors.New("no send permission on destination channel")
	ErrGenerationFailed     = errors.New("content generation failed")
	ErrDeliveryFailed       = errors.New("message delivery failed")
	ErrInvalidScheduleExpr  = errors.New("invalid schedule expression")
	ErrCheckAlreadyInFlight = errors.New("a proactive check is already in flight")
)

// ConversationRecord is one durable, append-only entry in the conversation
// ledger. Invariant: a proactive record always has InitiatorBot, and a
// response_to_proactive record always has InitiatorUser.
type ConversationRecord struct {
	ID        string      `json:"id,omitempty"`
	UserID    string      `json:"user_id"`
	ChannelID string      `json:"channel_id,omitempty"`
	UserText  string      `json:"user_text,omitempty"`
	BotText   string      `json:"bot_text,omitempty"`
	Kind      MessageKind `json:"kind"`
	Initiator Initiator   `json:"initiator"`
	CreatedAt time.Time   `json:"created_at"`
}

// Validate performs validation on a ConversationRecord before it is appended.
func (r *ConversationRecord) Validate() error {
	if r.UserID == "" {
		return ErrEmptyUserID
	}
	if !IsValidMessageKind(r.Kind) {
		return ErrInvalidMessageKind
	}
	switch r.Kind {
	case KindProactive:
		if r.Initiator != InitiatorBot {
			return ErrInvalidInitiator
		}
	case KindResponseToProactive, KindUserInitiated:
		if r.Initiator != InitiatorUser {
			return ErrInvalidInitiator
		}
	}
	return nil
}

// EligibilityDebug carries diagnostic context alongside an eligibility decision.
type EligibilityDebug struct {
	LastConversationAt *time.Time `json:"last_conversation_at,omitempty"`
	NextEligibleAt     *time.Time `json:"next_eligible_at,omitempty"`
	JitterHoursApplied float64    `json:"jitter_hours_applied,omitempty"`
	HadPriorResponse   bool       `json:"had_prior_response"`
}

// EligibilityDecision is the structured result of one eligibility evaluation.
// It is produced fresh on every scheduling tick and never persisted.
type EligibilityDecision struct {
	ShouldSend   bool             `json:"should_send"`
	Reason       string           `json:"reason"`
	TargetUserID string           `json:"target_user_id,omitempty"`
	ChannelID    string           `json:"channel_id,omitempty"`
	ChannelName  string           `json:"channel_name,omitempty"`
	Debug        EligibilityDebug `json:"debug"`
}

// FailureKind classifies a delivery failure for observability.
type FailureKind string

const (
	FailurePermission          FailureKind = "permission"
	FailureDestinationNotFound FailureKind = "destination_not_found"
	FailureRateLimited         FailureKind = "rate_limited"
	FailureTimeout             FailureKind = "timeout"
	FailureNetwork             FailureKind = "network"
	FailureUnknown             FailureKind = "unknown"
)

// DeliveryResult reports the outcome of one delivery attempt chain.
type DeliveryResult struct {
	Success      bool          `json:"success"`
	MessageID    string        `json:"message_id,omitempty"`
	Error        string        `json:"error,omitempty"`
	FailureKind  FailureKind   `json:"failure_kind,omitempty"`
	ChannelID    string        `json:"channel_id"`
	ChannelName  string        `json:"channel_name"`
	SendDuration time.Duration `json:"send_duration_ms"`
	Attempted    int           `json:"attempted"`
	Timestamp    time.Time     `json:"timestamp"`
}

// ClassificationKind describes how an inbound user message relates to the
// last proactive send.
type ClassificationKind string

const (
	// ClassifiedResponse attributes the message to the outstanding proactive send.
	ClassifiedResponse ClassificationKind = "response_to_proactive"
	// ClassifiedTimeout means a tracking window existed but had already elapsed.
	ClassifiedTimeout ClassificationKind = "timeout"
	// ClassifiedUserInitiated means the message is unrelated user activity.
	ClassifiedUserInitiated ClassificationKind = "user_initiated"
)

// MessageKind maps a classification to the kind persisted in the ledger.
// A timed-out window still yields ordinary user activity.
func (k ClassificationKind) MessageKind() MessageKind {
	switch k {
	case ClassifiedResponse:
		return KindResponseToProactive
	case ClassifiedTimeout, ClassifiedUserInitiated:
		return KindUserInitiated
	default:
		return KindUserInitiated
	}
}

// Classification is the result of correlating one inbound user message.
type Classification struct {
	IsResponse      bool               `json:"is_response"`
	Kind            ClassificationKind `json:"kind"`
	ResponseLatency time.Duration      `json:"response_latency_ms,omitempty"`
}

// TrackedUser is a diagnostic view of one in-memory tracking entry.
type TrackedUser struct {
	UserID     string        `json:"user_id"`
	MessageID  string        `json:"message_id"`
	SentAt     time.Time     `json:"sent_at"`
	Elapsed    time.Duration `json:"elapsed"`
	Remaining  time.Duration `json:"remaining"`
	NearExpiry bool          `json:"near_expiry"`
}

// AggregateStats holds counts and rates derived from the conversation ledger.
type AggregateStats struct {
	TotalRecords   int     `json:"total_records"`
	ProactiveSends int     `json:"proactive_sends"`
	Responses      int     `json:"responses"`
	UserInitiated  int     `json:"user_initiated"`
	ResponseRate   float64 `json:"response_rate"`
}

// GenerationContext carries the inputs handed to the content generator.
type GenerationContext struct {
	History      []ConversationRecord `json:"history,omitempty"`
	TopicHints   []string             `json:"topic_hints,omitempty"`
	ProfileHints []string             `json:"profile_hints,omitempty"`
	ToneHints    []string             `json:"tone_hints,omitempty"`
}
