package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// WithdrawalStatus is the admin-driven status of a withdrawal request.
type WithdrawalStatus string

const (
	WithdrawalStatusPending    WithdrawalStatus = "pending"
	WithdrawalStatusInReview   WithdrawalStatus = "in_review"
	WithdrawalStatusApproved   WithdrawalStatus = "approved"
	WithdrawalStatusProcessing WithdrawalStatus = "processing"
	WithdrawalStatusRejected   WithdrawalStatus = "rejected"
	WithdrawalStatusCompleted  WithdrawalStatus = "completed"
)

// Terminal reports whether no further transitions are allowed.
func (s WithdrawalStatus) Terminal() bool {
	return s == WithdrawalStatusCompleted || s == WithdrawalStatusRejected
}

// WithdrawalRequest is a user-initiated ask to redeem accumulated metal.
type WithdrawalRequest struct {
	ID              uuid.UUID        `json:"id"`
	UserID          uuid.UUID        `json:"user_id"`
	SubscriptionID  *uuid.UUID       `json:"subscription_id,omitempty"`
	Metal           Metal            `json:"metal"`
	RequestedWeight float64          `json:"requested_weight"`
	RequestedUnit   WeightUnit       `json:"requested_unit"`
	EstimatedValue  float64          `json:"estimated_value"`
	Status          WithdrawalStatus `json:"status"`
	Notes           *string          `json:"notes,omitempty"`
	ProcessedBy     *string          `json:"processed_by,omitempty"`
	ProcessedAt     *time.Time       `json:"processed_at,omitempty"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       time.Time        `json:"updated_at"`
}

// CancellationStatus is the admin-driven status of a cancellation request.
type CancellationStatus string

const (
	CancellationStatusPending   CancellationStatus = "pending"
	CancellationStatusInReview  CancellationStatus = "in_review"
	CancellationStatusApproved  CancellationStatus = "approved"
	CancellationStatusRejected  CancellationStatus = "rejected"
	CancellationStatusCompleted CancellationStatus = "completed"
)

// CancellationRequest asks for a recurring plan to be terminated.
type CancellationRequest struct {
	ID             uuid.UUID          `json:"id"`
	UserID         uuid.UUID          `json:"user_id"`
	SubscriptionID uuid.UUID          `json:"subscription_id"`
	Reason         *string            `json:"reason,omitempty"`
	Status         CancellationStatus `json:"status"`
	Notes          *string            `json:"notes,omitempty"`
	ProcessedBy    *string            `json:"processed_by,omitempty"`
	ProcessedAt    *time.Time         `json:"processed_at,omitempty"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// WebhookEvent is the inbox record of one verified billing-processor delivery.
type WebhookEvent struct {
	ID              uuid.UUID  `json:"id"`
	Provider        string     `json:"provider"`
	EventID         string     `json:"event_id"`
	EventType       string     `json:"event_type"`
	Payload         []byte     `json:"payload"`
	Attempts        int        `json:"attempts"`
	ReceivedAt      time.Time  `json:"received_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	ProcessingError *string    `json:"processing_error,omitempty"`
}

// MalformedPrefix tags a processing error that no replay can fix.
const MalformedPrefix = "malformed:"

// TerminalProcessingOutcome reports whether an inbox row with this processing error is
// finished. A nil error or a malformed event is terminal; anything else stays replayable.
func TerminalProcessingOutcome(processingErr *string) bool {
	return processingErr == nil || strings.HasPrefix(*processingErr, MalformedPrefix)
}
