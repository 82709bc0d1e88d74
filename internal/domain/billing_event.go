package domain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Metadata keys written on processor objects at checkout creation.
const (
	MetadataOrderID        = "order_id"
	MetadataUserID         = "user_id"
	MetadataSubscriptionID = "subscription_id"
)

// Processor event type tags handled by the event processor.
const (
	EventCheckoutSessionCompleted             = "checkout.session.completed"
	EventCheckoutSessionAsyncPaymentSucceeded = "checkout.session.async_payment_succeeded"
	EventCheckoutSessionAsyncPaymentFailed    = "checkout.session.async_payment_failed"
	EventCheckoutSessionExpired               = "checkout.session.expired"
	EventPaymentIntentCreated                 = "payment_intent.created"
	EventPaymentIntentPaymentFailed           = "payment_intent.payment_failed"
	EventInvoicePaymentSucceeded              = "invoice.payment_succeeded"
	EventInvoicePaymentFailed                 = "invoice.payment_failed"
	EventSubscriptionCreated                  = "customer.subscription.created"
	EventSubscriptionUpdated                  = "customer.subscription.updated"
	EventSubscriptionDeleted                  = "customer.subscription.deleted"
)

// Events with no local representation. invoice.paid is listed because
// invoice.payment_succeeded already drives accumulation.
var knownHarmlessEventTypes = map[string]struct{}{
	"customer.created":                             {},
	"customer.updated":                             {},
	"customer.deleted":                             {},
	"customer.subscription.trial_will_end":         {},
	"customer.subscription.pending_update_applied": {},
	"invoice.created":                              {},
	"invoice.finalized":                            {},
	"invoice.updated":                              {},
	"invoice.paid":                                 {},
	"invoice.upcoming":                             {},
	"payment_intent.succeeded":                     {},
	"payment_intent.processing":                    {},
	"payment_intent.requires_action":               {},
	"payment_intent.canceled":                      {},
	"payment_intent.amount_capturable_updated":     {},
}

var knownHarmlessEventPrefixes = []string{
	"charge.",
	"payment_method.",
	"customer.source.",
	"customer.discount.",
	"invoiceitem.",
	"price.",
	"product.",
	"plan.",
	"balance.",
	"mandate.",
	"setup_intent.",
}

// IsKnownHarmlessEventType reports whether eventType is acknowledged without any local effect.
func IsKnownHarmlessEventType(eventType string) bool {
	if _, ok := knownHarmlessEventTypes[eventType]; ok {
		return true
	}
	for _, prefix := range knownHarmlessEventPrefixes {
		if strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

// EventEnvelope is the verified, provider-neutral form of one processor event.
// It is what the webhook boundary queues and what consumers decode.
type EventEnvelope struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Created int64           `json:"created"`
	Data    json.RawMessage `json:"data"`
}

// EventMeta identifies one delivered event.
type EventMeta struct {
	ID      string
	Type    string
	Created time.Time
}

// EventOutcome reports what the event processor did with one event.
type EventOutcome string

const (
	OutcomeApplied         EventOutcome = "applied"
	OutcomeDuplicate       EventOutcome = "duplicate"
	OutcomeNoMatchingOrder EventOutcome = "no_matching_order"
	OutcomeIgnored         EventOutcome = "ignored"
	OutcomeUnhandled       EventOutcome = "unhandled"
)

// BillingEvent is the closed set of processor events. Each variant dispatches to its
// own visitor method, so adding a variant means extending BillingEventVisitor and
// every implementation of it.
type BillingEvent interface {
	Meta() EventMeta
	Accept(ctx context.Context, v BillingEventVisitor) (EventOutcome, error)
	sealed()
}

// BillingEventVisitor handles every BillingEvent variant.
type BillingEventVisitor interface {
	VisitCheckoutSessionCompleted(ctx context.Context, e *CheckoutSessionCompleted) (EventOutcome, error)
	VisitCheckoutSessionAsyncPaymentSucceeded(ctx context.Context, e *CheckoutSessionAsyncPaymentSucceeded) (EventOutcome, error)
	VisitCheckoutSessionAsyncPaymentFailed(ctx context.Context, e *CheckoutSessionAsyncPaymentFailed) (EventOutcome, error)
	VisitCheckoutSessionExpired(ctx context.Context, e *CheckoutSessionExpired) (EventOutcome, error)
	VisitPaymentIntentCreated(ctx context.Context, e *PaymentIntentCreated) (EventOutcome, error)
	VisitPaymentIntentFailed(ctx context.Context, e *PaymentIntentFailed) (EventOutcome, error)
	VisitInvoicePaymentSucceeded(ctx context.Context, e *InvoicePaymentSucceeded) (EventOutcome, error)
	VisitInvoicePaymentFailed(ctx context.Context, e *InvoicePaymentFailed) (EventOutcome, error)
	VisitSubscriptionChanged(ctx context.Context, e *SubscriptionChanged) (EventOutcome, error)
	VisitSubscriptionDeleted(ctx context.Context, e *SubscriptionDeleted) (EventOutcome, error)
	VisitKnownHarmless(ctx context.Context, e *KnownHarmlessEvent) (EventOutcome, error)
	VisitUnhandled(ctx context.Context, e *UnhandledEvent) (EventOutcome, error)
}

type eventBase struct {
	meta EventMeta
}

func (b eventBase) Meta() EventMeta { return b.meta }
func (eventBase) sealed()           {}

// CheckoutSessionCompleted covers both the paid and the unpaid completion.
type CheckoutSessionCompleted struct {
	eventBase
	Session CheckoutSessionObject
}

func (e *CheckoutSessionCompleted) Accept(ctx context.Context, v BillingEventVisitor) (EventOutcome, error) {
	return v.VisitCheckoutSessionCompleted(ctx, e)
}

type CheckoutSessionAsyncPaymentSucceeded struct {
	eventBase
	Session CheckoutSessionObject
}

func (e *CheckoutSessionAsyncPaymentSucceeded) Accept(ctx context.Context, v BillingEventVisitor) (EventOutcome, error) {
	return v.VisitCheckoutSessionAsyncPaymentSucceeded(ctx, e)
}

type CheckoutSessionAsyncPaymentFailed struct {
	eventBase
	Session CheckoutSessionObject
}

func (e *CheckoutSessionAsyncPaymentFailed) Accept(ctx context.Context, v BillingEventVisitor) (EventOutcome, error) {
	return v.VisitCheckoutSessionAsyncPaymentFailed(ctx, e)
}

type CheckoutSessionExpired struct {
	eventBase
	Session CheckoutSessionObject
}

func (e *CheckoutSessionExpired) Accept(ctx context.Context, v BillingEventVisitor) (EventOutcome, error) {
	return v.VisitCheckoutSessionExpired(ctx, e)
}

type PaymentIntentCreated struct {
	eventBase
	PaymentIntent PaymentIntentObject
}

func (e *PaymentIntentCreated) Accept(ctx context.Context, v BillingEventVisitor) (EventOutcome, error) {
	return v.VisitPaymentIntentCreated(ctx, e)
}

type PaymentIntentFailed struct {
	eventBase
	PaymentIntent PaymentIntentObject
}

func (e *PaymentIntentFailed) Accept(ctx context.Context, v BillingEventVisitor) (EventOutcome, error) {
	return v.VisitPaymentIntentFailed(ctx, e)
}

type InvoicePaymentSucceeded struct {
	eventBase
	Invoice InvoiceObject
}

func (e *InvoicePaymentSucceeded) Accept(ctx context.Context, v BillingEventVisitor) (EventOutcome, error) {
	return v.VisitInvoicePaymentSucceeded(ctx, e)
}

type InvoicePaymentFailed struct {
	eventBase
	Invoice InvoiceObject
}

func (e *InvoicePaymentFailed) Accept(ctx context.Context, v BillingEventVisitor) (EventOutcome, error) {
	return v.VisitInvoicePaymentFailed(ctx, e)
}

// SubscriptionChanged carries a created or updated subscription snapshot.
type SubscriptionChanged struct {
	eventBase
	Created      bool
	Subscription SubscriptionObject
}

func (e *SubscriptionChanged) Accept(ctx context.Context, v BillingEventVisitor) (EventOutcome, error) {
	return v.VisitSubscriptionChanged(ctx, e)
}

type SubscriptionDeleted struct {
	eventBase
	Subscription SubscriptionObject
}

func (e *SubscriptionDeleted) Accept(ctx context.Context, v BillingEventVisitor) (EventOutcome, error) {
	return v.VisitSubscriptionDeleted(ctx, e)
}

type KnownHarmlessEvent struct {
	eventBase
}

func (e *KnownHarmlessEvent) Accept(ctx context.Context, v BillingEventVisitor) (EventOutcome, error) {
	return v.VisitKnownHarmless(ctx, e)
}

type UnhandledEvent struct {
	eventBase
}

func (e *UnhandledEvent) Accept(ctx context.Context, v BillingEventVisitor) (EventOutcome, error) {
	return v.VisitUnhandled(ctx, e)
}

// ErrMalformedEvent is returned when an envelope cannot be decoded into its variant.
var ErrMalformedEvent = errors.New("malformed billing event")

// DecodeBillingEvent turns a verified envelope into its typed variant.
func DecodeBillingEvent(env EventEnvelope) (BillingEvent, error) {
	if strings.TrimSpace(env.ID) == "" || strings.TrimSpace(env.Type) == "" {
		return nil, fmt.Errorf("%w: missing id or type", ErrMalformedEvent)
	}
	meta := EventMeta{ID: env.ID, Type: env.Type}
	if env.Created > 0 {
		meta.Created = time.Unix(env.Created, 0).UTC()
	}
	base := eventBase{meta: meta}

	switch env.Type {
	case EventCheckoutSessionCompleted:
		e := &CheckoutSessionCompleted{eventBase: base}
		return e, decodeObject(env, &e.Session)
	case EventCheckoutSessionAsyncPaymentSucceeded:
		e := &CheckoutSessionAsyncPaymentSucceeded{eventBase: base}
		return e, decodeObject(env, &e.Session)
	case EventCheckoutSessionAsyncPaymentFailed:
		e := &CheckoutSessionAsyncPaymentFailed{eventBase: base}
		return e, decodeObject(env, &e.Session)
	case EventCheckoutSessionExpired:
		e := &CheckoutSessionExpired{eventBase: base}
		return e, decodeObject(env, &e.Session)
	case EventPaymentIntentCreated:
		e := &PaymentIntentCreated{eventBase: base}
		return e, decodeObject(env, &e.PaymentIntent)
	case EventPaymentIntentPaymentFailed:
		e := &PaymentIntentFailed{eventBase: base}
		return e, decodeObject(env, &e.PaymentIntent)
	case EventInvoicePaymentSucceeded:
		e := &InvoicePaymentSucceeded{eventBase: base}
		return e, decodeObject(env, &e.Invoice)
	case EventInvoicePaymentFailed:
		e := &InvoicePaymentFailed{eventBase: base}
		return e, decodeObject(env, &e.Invoice)
	case EventSubscriptionCreated, EventSubscriptionUpdated:
		e := &SubscriptionChanged{eventBase: base, Created: env.Type == EventSubscriptionCreated}
		return e, decodeObject(env, &e.Subscription)
	case EventSubscriptionDeleted:
		e := &SubscriptionDeleted{eventBase: base}
		return e, decodeObject(env, &e.Subscription)
	}

	if IsKnownHarmlessEventType(env.Type) {
		return &KnownHarmlessEvent{eventBase: base}, nil
	}
	return &UnhandledEvent{eventBase: base}, nil
}

// decodeObject accepts either the processor's {"object": {...}} data wrapper or the
// bare object.
func decodeObject(env EventEnvelope, dst interface{}) error {
	if len(env.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrMalformedEvent, env.ID)
	}
	var wrapper struct {
		Object json.RawMessage `json:"object"`
	}
	raw := []byte(env.Data)
	if err := json.Unmarshal(raw, &wrapper); err == nil && len(wrapper.Object) > 0 && wrapper.Object[0] == '{' {
		raw = wrapper.Object
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedEvent, env.ID, err)
	}
	return nil
}
