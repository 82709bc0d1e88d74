/**
 * @description
 * This file defines the core domain models for the settlement-service.
 * These structs represent the order ledger, subscriptions, user withdrawn totals,
 * and the request workflows driven by admins.
 *
 * @notes
 * - Money is carried as a major-unit float for application reads and as a
 *   minor-unit integer at the billing-processor boundary.
 * - External identifiers are optional pointers; each is a join key used by the
 *   event processor when correlating billing events with local orders.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// OrderType distinguishes first/renewal subscription charges from one-time purchases.
type OrderType string

const (
	OrderTypeSubscription OrderType = "subscription"
	OrderTypeOneTime      OrderType = "one_time"
)

// OrderStatus is the lifecycle status of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRefunded  OrderStatus = "refunded"
)

// PaymentStatus tracks the state of the payment attempt behind an order.
type PaymentStatus string

const (
	PaymentStatusPending               PaymentStatus = "pending"
	PaymentStatusRequiresPaymentMethod PaymentStatus = "requires_payment_method"
	PaymentStatusRequiresAction        PaymentStatus = "requires_action"
	PaymentStatusProcessing            PaymentStatus = "processing"
	PaymentStatusSucceeded             PaymentStatus = "succeeded"
	PaymentStatusFailed                PaymentStatus = "failed"
	PaymentStatusRefunded              PaymentStatus = "refunded"
)

// InvoiceStatus mirrors the billing processor's invoice states.
type InvoiceStatus string

const (
	InvoiceStatusNone          InvoiceStatus = "none"
	InvoiceStatusDraft         InvoiceStatus = "draft"
	InvoiceStatusOpen          InvoiceStatus = "open"
	InvoiceStatusPaid          InvoiceStatus = "paid"
	InvoiceStatusVoid          InvoiceStatus = "void"
	InvoiceStatusUncollectible InvoiceStatus = "uncollectible"
)

// ParseInvoiceStatus maps a processor invoice status onto the local enum.
func ParseInvoiceStatus(raw string) (InvoiceStatus, bool) {
	switch s := InvoiceStatus(raw); s {
	case InvoiceStatusDraft, InvoiceStatusOpen, InvoiceStatusPaid, InvoiceStatusVoid, InvoiceStatusUncollectible:
		return s, true
	}
	return InvoiceStatusNone, false
}

// PlanSnapshot is the plan configuration captured on a subscription-type order at
// creation time so renewals can be reconstructed after the subscription changes.
type PlanSnapshot struct {
	Metal         Metal      `json:"metal"`
	PlanName      string     `json:"plan_name"`
	TargetWeight  float64    `json:"target_weight"`
	TargetUnit    WeightUnit `json:"target_unit"`
	MonthlyAmount float64    `json:"monthly_amount"`
	Quantity      int64      `json:"quantity"`
	TargetPrice   float64    `json:"target_price"`
}

// Order is one attempted or completed payment.
// This struct maps directly to the `orders` table in the database.
type Order struct {
	ID                     uuid.UUID         `json:"id"`
	UserID                 *uuid.UUID        `json:"user_id,omitempty"`
	SubscriptionID         *uuid.UUID        `json:"subscription_id,omitempty"`
	OrderType              OrderType         `json:"order_type"`
	Amount                 float64           `json:"amount"`
	AmountMinor            int64             `json:"amount_minor"`
	Currency               string            `json:"currency"`
	Status                 OrderStatus       `json:"status"`
	PaymentStatus          PaymentStatus     `json:"payment_status"`
	InvoiceStatus          InvoiceStatus     `json:"invoice_status"`
	CheckoutSessionID      *string           `json:"checkout_session_id,omitempty"`
	CustomerID             *string           `json:"customer_id,omitempty"`
	ExternalSubscriptionID *string           `json:"external_subscription_id,omitempty"`
	PaymentIntentID        *string           `json:"payment_intent_id,omitempty"`
	InvoiceID              *string           `json:"invoice_id,omitempty"`
	LatestEventID          *string           `json:"latest_event_id,omitempty"`
	LatestEventType        *string           `json:"latest_event_type,omitempty"`
	LatestEventAt          *time.Time        `json:"latest_event_at,omitempty"`
	Metadata               map[string]string `json:"metadata,omitempty"`
	Plan                   *PlanSnapshot     `json:"plan,omitempty"`
	CreatedAt              time.Time         `json:"created_at"`
	UpdatedAt              time.Time         `json:"updated_at"`
}

// HasAppliedEvent reports whether eventID is the last event recorded on the order.
func (o *Order) HasAppliedEvent(eventID string) bool {
	return o != nil && o.LatestEventID != nil && eventID != "" && *o.LatestEventID == eventID
}

// IsSubscription reports whether the order belongs to a recurring plan.
func (o *Order) IsSubscription() bool {
	return o != nil && o.OrderType == OrderTypeSubscription
}
