package domain

import "github.com/google/uuid"

// CheckoutMode selects between a recurring and a one-time checkout.
type CheckoutMode string

const (
	CheckoutModeSubscription CheckoutMode = "subscription"
	CheckoutModePayment      CheckoutMode = "payment"
)

// CustomerSpec describes a billing customer to create for a user.
type CustomerSpec struct {
	UserID uuid.UUID
	Email  string
}

// PriceSpec describes a processor price. Recurring prices bill monthly.
type PriceSpec struct {
	ProductName string
	UnitAmount  int64
	Currency    string
	Recurring   bool
	Metadata    map[string]string
}

// CheckoutSpec describes a hosted checkout session for one local order.
type CheckoutSpec struct {
	Mode              CheckoutMode
	CustomerID        string
	PriceID           string
	Quantity          int64
	ClientReferenceID string
	SuccessURL        string
	CancelURL         string
	Metadata          map[string]string
}
