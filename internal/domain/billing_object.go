package domain

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"
)

// ErrRemoteResourceNotFound is wrapped by billing clients when the processor reports
// that a requested object does not exist.
var ErrRemoteResourceNotFound = errors.New("billing resource not found")

// ExpandableID decodes a processor reference that is either a bare id string or an
// expanded object carrying an "id" field.
type ExpandableID string

func (e *ExpandableID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*e = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*e = ExpandableID(s)
		return nil
	}
	var obj struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return err
	}
	*e = ExpandableID(obj.ID)
	return nil
}

func (e ExpandableID) String() string { return string(e) }

// CheckoutSessionObject is the subset of a processor checkout session the service reads.
type CheckoutSessionObject struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	PaymentStatus     string            `json:"payment_status"`
	Mode              string            `json:"mode"`
	Customer          ExpandableID      `json:"customer"`
	Subscription      ExpandableID      `json:"subscription"`
	PaymentIntent     ExpandableID      `json:"payment_intent"`
	Invoice           ExpandableID      `json:"invoice"`
	AmountTotal       int64             `json:"amount_total"`
	Currency          string            `json:"currency"`
	ClientReferenceID string            `json:"client_reference_id"`
	URL               string            `json:"url"`
	Created           int64             `json:"created"`
	Metadata          map[string]string `json:"metadata"`
}

// IsPaid treats "no_payment_required" as paid; nothing is left to collect.
func (s *CheckoutSessionObject) IsPaid() bool {
	return s.PaymentStatus == "paid" || s.PaymentStatus == "no_payment_required"
}

// OrderReference returns the local order id carried by the session, if any.
func (s *CheckoutSessionObject) OrderReference() string {
	if v := s.Metadata[MetadataOrderID]; v != "" {
		return v
	}
	return s.ClientReferenceID
}

// PaymentIntentObject is the subset of a processor payment intent the service reads.
type PaymentIntentObject struct {
	ID               string            `json:"id"`
	Status           string            `json:"status"`
	Amount           int64             `json:"amount"`
	Currency         string            `json:"currency"`
	Customer         ExpandableID      `json:"customer"`
	Invoice          ExpandableID      `json:"invoice"`
	Created          int64             `json:"created"`
	Metadata         map[string]string `json:"metadata"`
	LastPaymentError *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"last_payment_error"`
}

// FailureMessage returns the processor's last payment error message.
func (p *PaymentIntentObject) FailureMessage() string {
	if p.LastPaymentError == nil {
		return ""
	}
	if p.LastPaymentError.Message != "" {
		return p.LastPaymentError.Message
	}
	return p.LastPaymentError.Code
}

// InvoiceObject is the subset of a processor invoice the service reads. Both the
// legacy top-level subscription reference and the newer parent.subscription_details
// shape are accepted.
type InvoiceObject struct {
	ID            string            `json:"id"`
	Status        string            `json:"status"`
	Customer      ExpandableID      `json:"customer"`
	Subscription  ExpandableID      `json:"subscription"`
	PaymentIntent ExpandableID      `json:"payment_intent"`
	AmountPaid    int64             `json:"amount_paid"`
	AmountDue     int64             `json:"amount_due"`
	Currency      string            `json:"currency"`
	BillingReason string            `json:"billing_reason"`
	PeriodEnd     int64             `json:"period_end"`
	Metadata      map[string]string `json:"metadata"`
	Parent        *struct {
		SubscriptionDetails *struct {
			Subscription ExpandableID      `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	Lines struct {
		Data []struct {
			Period struct {
				Start int64 `json:"start"`
				End   int64 `json:"end"`
			} `json:"period"`
		} `json:"data"`
	} `json:"lines"`
}

// SubscriptionID resolves the external subscription the invoice bills.
func (i *InvoiceObject) SubscriptionID() string {
	if i.Subscription != "" {
		return string(i.Subscription)
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return string(i.Parent.SubscriptionDetails.Subscription)
	}
	return ""
}

// MetadataValue looks up key on the invoice, then on its subscription details.
func (i *InvoiceObject) MetadataValue(key string) string {
	if v := i.Metadata[key]; v != "" {
		return v
	}
	if i.Parent != nil && i.Parent.SubscriptionDetails != nil {
		return i.Parent.SubscriptionDetails.Metadata[key]
	}
	return ""
}

// ServicePeriodEnd is the latest line-item period end, which for subscription
// invoices is the end of the period just paid for.
func (i *InvoiceObject) ServicePeriodEnd() *time.Time {
	var end int64
	for _, line := range i.Lines.Data {
		if line.Period.End > end {
			end = line.Period.End
		}
	}
	if end == 0 {
		end = i.PeriodEnd
	}
	return unixPtr(end)
}

// SubscriptionObject is the subset of a processor subscription snapshot the service reads.
type SubscriptionObject struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	Customer          ExpandableID      `json:"customer"`
	CancelAtPeriodEnd bool              `json:"cancel_at_period_end"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Quantity          int64             `json:"quantity"`
	Metadata          map[string]string `json:"metadata"`
	Items             struct {
		Data []struct {
			Quantity         int64 `json:"quantity"`
			CurrentPeriodEnd int64 `json:"current_period_end"`
			Price            struct {
				ID         string `json:"id"`
				UnitAmount int64  `json:"unit_amount"`
				Currency   string `json:"currency"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

// PeriodEnd prefers item-level period ends and falls back to the legacy top-level field.
func (s *SubscriptionObject) PeriodEnd() *time.Time {
	var end int64
	for _, item := range s.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	if end == 0 {
		end = s.CurrentPeriodEnd
	}
	return unixPtr(end)
}

// TotalQuantity sums item quantities.
func (s *SubscriptionObject) TotalQuantity() int64 {
	var total int64
	for _, item := range s.Items.Data {
		total += item.Quantity
	}
	if total == 0 {
		total = s.Quantity
	}
	return total
}

// RecurringAmountMinor is the per-period charge in minor units across all items.
func (s *SubscriptionObject) RecurringAmountMinor() (int64, string) {
	var total int64
	currency := ""
	for _, item := range s.Items.Data {
		qty := item.Quantity
		if qty <= 0 {
			qty = 1
		}
		total += item.Price.UnitAmount * qty
		if currency == "" {
			currency = item.Price.Currency
		}
	}
	return total, currency
}

// IsCancellationEffective reports whether the processor has terminated the plan
// or scheduled it to terminate at period end.
func (s *SubscriptionObject) IsCancellationEffective() bool {
	return s.Status == "canceled" || s.CancelAtPeriodEnd
}

func unixPtr(sec int64) *time.Time {
	if sec <= 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
