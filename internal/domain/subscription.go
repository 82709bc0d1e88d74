package domain

import (
	"time"

	"github.com/google/uuid"
)

// Metal is a tradable precious metal.
type Metal string

const (
	MetalGold   Metal = "gold"
	MetalSilver Metal = "silver"
)

// Valid reports whether m is a supported metal.
func (m Metal) Valid() bool {
	return m == MetalGold || m == MetalSilver
}

// WeightUnit is a unit of mass. Ounces are always troy ounces.
type WeightUnit string

const (
	UnitGram     WeightUnit = "g"
	UnitKilogram WeightUnit = "kg"
	UnitOunce    WeightUnit = "oz"
)

// SubscriptionStatus is the local lifecycle status of a recurring plan.
type SubscriptionStatus string

const (
	SubscriptionStatusPendingPayment    SubscriptionStatus = "pending_payment"
	SubscriptionStatusActive            SubscriptionStatus = "active"
	SubscriptionStatusTrialing          SubscriptionStatus = "trialing"
	SubscriptionStatusCanceling         SubscriptionStatus = "canceling"
	SubscriptionStatusCanceled          SubscriptionStatus = "canceled"
	SubscriptionStatusPastDue           SubscriptionStatus = "past_due"
	SubscriptionStatusUnpaid            SubscriptionStatus = "unpaid"
	SubscriptionStatusIncomplete        SubscriptionStatus = "incomplete"
	SubscriptionStatusIncompleteExpired SubscriptionStatus = "incomplete_expired"
)

// Subscription is one recurring accumulation plan.
// Accumulated weight is stored in TargetUnit.
type Subscription struct {
	ID                     uuid.UUID          `json:"id"`
	UserID                 uuid.UUID          `json:"user_id"`
	Metal                  Metal              `json:"metal"`
	PlanName               string             `json:"plan_name"`
	TargetWeight           float64            `json:"target_weight"`
	TargetUnit             WeightUnit         `json:"target_unit"`
	MonthlyAmount          float64            `json:"monthly_amount"`
	Quantity               int64              `json:"quantity"`
	AccumulatedValue       float64            `json:"accumulated_value"`
	AccumulatedWeight      float64            `json:"accumulated_weight"`
	Status                 SubscriptionStatus `json:"status"`
	CustomerID             string             `json:"customer_id"`
	ExternalSubscriptionID *string            `json:"external_subscription_id,omitempty"`
	TargetPrice            float64            `json:"target_price"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty"`
	CreatedAt              time.Time          `json:"created_at"`
	UpdatedAt              time.Time          `json:"updated_at"`
}

// SubscriptionFingerprint locates a subscription that has not yet been linked to
// an external subscription id.
type SubscriptionFingerprint struct {
	UserID       uuid.UUID
	CustomerID   string
	Metal        Metal
	PlanName     string
	TargetWeight float64
	TargetUnit   WeightUnit
}

// User carries the running withdrawn totals for one account holder.
type User struct {
	ID                    uuid.UUID `json:"id"`
	Email                 string    `json:"email"`
	BillingCustomerID     *string   `json:"billing_customer_id,omitempty"`
	WithdrawnGoldGrams    float64   `json:"withdrawn_gold_grams"`
	WithdrawnSilverOunces float64   `json:"withdrawn_silver_ounces"`
	CreatedAt             time.Time `json:"created_at"`
	UpdatedAt             time.Time `json:"updated_at"`
}

// MetalPrice is the latest known price for one base unit of a metal
// (grams for gold, troy ounces for silver).
type MetalPrice struct {
	Metal        Metal      `json:"metal"`
	PricePerUnit float64    `json:"price_per_unit"`
	Unit         WeightUnit `json:"unit"`
	Currency     string     `json:"currency"`
	QuoteDate    time.Time  `json:"quote_date"`
	FetchedAt    time.Time  `json:"fetched_at"`
}
