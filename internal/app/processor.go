/**
 * @description
 * The EventProcessor applies verified billing-processor events to the order ledger
 * and delegates subscription-type orders to SubscriptionSync.
 *
 * @notes
 * - Every variant of domain.BillingEvent has its own Visit method; adding a variant
 *   fails to compile until EventProcessor handles it.
 * - An order's latest event id is the idempotence key. A redelivered event is
 *   reported as OutcomeDuplicate and changes nothing.
 * - Correlation failures are logged and sent to the ops channel, never returned
 *   as errors.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/metalvault/settlement-service/internal/domain"
	"github.com/metalvault/settlement-service/internal/metrics"
	"github.com/metalvault/settlement-service/internal/pricing"
	"github.com/metalvault/settlement-service/internal/store"
)

const defaultPendingScanLimit = 5

// EventProcessor is the BillingEventVisitor that owns order-ledger updates.
type EventProcessor struct {
	repo             store.Repository
	billing          BillingProcessor
	sync             *SubscriptionSync
	notifier         Notifier
	metrics          *metrics.Collector
	logger           *slog.Logger
	pendingScanLimit int
}

var _ domain.BillingEventVisitor = (*EventProcessor)(nil)

func NewEventProcessor(repo store.Repository, billing BillingProcessor, sync *SubscriptionSync, notifier Notifier, collector *metrics.Collector, logger *slog.Logger) *EventProcessor {
	return &EventProcessor{
		repo:             repo,
		billing:          billing,
		sync:             sync,
		notifier:         notifierOrDiscard(notifier),
		metrics:          collector,
		logger:           logger.With("component", "event_processor"),
		pendingScanLimit: defaultPendingScanLimit,
	}
}

// Process decodes one verified envelope and applies it.
func (p *EventProcessor) Process(ctx context.Context, env domain.EventEnvelope) (domain.EventOutcome, error) {
	event, err := domain.DecodeBillingEvent(env)
	if err != nil {
		p.metrics.RecordBillingEvent(env.Type, "malformed")
		return "", err
	}

	outcome, err := event.Accept(ctx, p)
	if err != nil {
		p.metrics.RecordBillingEvent(env.Type, "error")
		p.logger.Error("failed to process billing event", "event_id", env.ID, "event_type", env.Type, "error", err)
		return "", err
	}
	p.metrics.RecordBillingEvent(env.Type, string(outcome))
	p.logger.Debug("billing event processed", "event_id", env.ID, "event_type", env.Type, "outcome", outcome)
	return outcome, nil
}

// orderKeys are the correlation keys an event carries, tried in field order.
// A non-empty invoiceID excludes orders already bound to a different invoice.
type orderKeys struct {
	orderID         string
	sessionID       string
	subscriptionID  string
	invoiceID       string
	paymentIntentID string
}

func (k orderKeys) logAttrs() []any {
	return []any{
		"order_id", k.orderID,
		"checkout_session_id", k.sessionID,
		"external_subscription_id", k.subscriptionID,
		"invoice_id", k.invoiceID,
		"payment_intent_id", k.paymentIntentID,
	}
}

func (p *EventProcessor) findOrder(ctx context.Context, keys orderKeys) (*domain.Order, error) {
	lookups := []func() (*domain.Order, error){
		func() (*domain.Order, error) {
			id, err := uuid.Parse(keys.orderID)
			if keys.orderID == "" || err != nil {
				return nil, store.ErrOrderNotFound
			}
			return p.repo.FindOrderByID(ctx, id)
		},
		func() (*domain.Order, error) {
			if keys.sessionID == "" {
				return nil, store.ErrOrderNotFound
			}
			return p.repo.FindOrderByCheckoutSessionID(ctx, keys.sessionID)
		},
		func() (*domain.Order, error) {
			if keys.subscriptionID == "" {
				return nil, store.ErrOrderNotFound
			}
			return p.repo.FindOrderBySubscriptionID(ctx, keys.subscriptionID, keys.invoiceID)
		},
		func() (*domain.Order, error) {
			if keys.invoiceID == "" {
				return nil, store.ErrOrderNotFound
			}
			return p.repo.FindOrderByInvoiceID(ctx, keys.invoiceID)
		},
		func() (*domain.Order, error) {
			if keys.paymentIntentID == "" {
				return nil, store.ErrOrderNotFound
			}
			return p.repo.FindOrderByPaymentIntentID(ctx, keys.paymentIntentID)
		},
	}

	for _, lookup := range lookups {
		order, err := lookup()
		if errors.Is(err, store.ErrOrderNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("order lookup failed: %w", err)
		}
		if keys.invoiceID != "" && order.InvoiceID != nil && *order.InvoiceID != keys.invoiceID {
			continue
		}
		return order, nil
	}
	return nil, nil
}

// apply stamps meta onto params and writes the order. A concurrent delivery of the
// same event is reported as a duplicate.
func (p *EventProcessor) apply(ctx context.Context, order *domain.Order, meta domain.EventMeta, params store.UpdateOrderParams) (*domain.Order, domain.EventOutcome, error) {
	params.EventID = &meta.ID
	params.EventType = &meta.Type
	at := eventTime(meta)
	params.EventAt = &at

	updated, err := p.repo.UpdateOrder(ctx, order.ID, params)
	if errors.Is(err, store.ErrOrderEventAlreadyApplied) {
		return order, domain.OutcomeDuplicate, nil
	}
	if err != nil {
		return nil, "", fmt.Errorf("failed to update order %s for event %s: %w", order.ID, meta.ID, err)
	}
	return updated, domain.OutcomeApplied, nil
}

// eventTime is the processor's creation time, or now when the envelope carried none.
func eventTime(meta domain.EventMeta) time.Time {
	if meta.Created.IsZero() {
		return time.Now().UTC()
	}
	return meta.Created
}

func (p *EventProcessor) noMatch(ctx context.Context, meta domain.EventMeta, keys orderKeys) (domain.EventOutcome, error) {
	attrs := append([]any{"event_id", meta.ID, "event_type", meta.Type}, keys.logAttrs()...)
	p.logger.Warn("no matching order for billing event", attrs...)
	p.notifier.Notify(ctx, OpsAlert{
		Kind:    AlertBillingEventUnmatched,
		Message: fmt.Sprintf("no matching order for %s event %s", meta.Type, meta.ID),
		Fields: map[string]any{
			"event_id":                 meta.ID,
			"event_type":               meta.Type,
			"order_id":                 keys.orderID,
			"checkout_session_id":      keys.sessionID,
			"external_subscription_id": keys.subscriptionID,
			"invoice_id":               keys.invoiceID,
			"payment_intent_id":        keys.paymentIntentID,
		},
	})
	return domain.OutcomeNoMatchingOrder, nil
}

// syncOrder hands a subscription-type order to SubscriptionSync. The order update has
// already been committed, so a failure here is alerted rather than returned.
func (p *EventProcessor) syncOrder(ctx context.Context, order *domain.Order, meta domain.EventMeta, in SyncInput) {
	if p.sync == nil || !order.IsSubscription() {
		return
	}
	if _, err := p.sync.SyncFromOrder(ctx, order, in); err != nil {
		p.logger.Error("subscription sync failed", "order_id", order.ID, "event_id", meta.ID, "error", err)
		p.notifier.Notify(ctx, OpsAlert{
			Kind:    AlertSubscriptionSync,
			Message: fmt.Sprintf("subscription sync failed for order %s", order.ID),
			Fields:  map[string]any{"order_id": order.ID.String(), "event_id": meta.ID, "error": err.Error()},
		})
	}
}

func sessionKeys(s *domain.CheckoutSessionObject) orderKeys {
	return orderKeys{
		orderID:         s.OrderReference(),
		sessionID:       s.ID,
		subscriptionID:  s.Subscription.String(),
		invoiceID:       s.Invoice.String(),
		paymentIntentID: s.PaymentIntent.String(),
	}
}

// sessionLinks fills the external ids a session carries that the order lacks.
func sessionLinks(order *domain.Order, s *domain.CheckoutSessionObject, params *store.UpdateOrderParams) {
	if order.CheckoutSessionID == nil && s.ID != "" {
		params.CheckoutSessionID = &s.ID
	}
	if order.CustomerID == nil {
		params.CustomerID = strPtr(s.Customer.String())
	}
	if order.ExternalSubscriptionID == nil {
		params.ExternalSubscriptionID = strPtr(s.Subscription.String())
	}
	if order.PaymentIntentID == nil {
		params.PaymentIntentID = strPtr(s.PaymentIntent.String())
	}
	if order.InvoiceID == nil {
		params.InvoiceID = strPtr(s.Invoice.String())
	}
	if s.AmountTotal > 0 {
		amountMinor := s.AmountTotal
		amount := pricing.MinorToMajor(amountMinor, s.Currency)
		params.AmountMinor = &amountMinor
		params.Amount = &amount
	}
	if order.UserID == nil {
		if id, err := uuid.Parse(s.Metadata[domain.MetadataUserID]); err == nil {
			params.UserID = &id
		}
	}
}

func orderState(status domain.OrderStatus, payment domain.PaymentStatus) store.UpdateOrderParams {
	return store.UpdateOrderParams{Status: &status, PaymentStatus: &payment}
}

func (p *EventProcessor) settleSession(ctx context.Context, meta domain.EventMeta, s *domain.CheckoutSessionObject, paid bool) (domain.EventOutcome, error) {
	keys := sessionKeys(s)
	order, err := p.findOrder(ctx, keys)
	if err != nil {
		return "", err
	}
	if order == nil {
		return p.noMatch(ctx, meta, keys)
	}
	if order.HasAppliedEvent(meta.ID) {
		return domain.OutcomeDuplicate, nil
	}

	params := orderState(domain.OrderStatusCancelled, domain.PaymentStatusFailed)
	syncStatus := domain.SubscriptionStatusPastDue
	if paid {
		params = orderState(domain.OrderStatusPaid, domain.PaymentStatusSucceeded)
		syncStatus = domain.SubscriptionStatusPendingPayment
	}
	sessionLinks(order, s, &params)

	updated, outcome, err := p.apply(ctx, order, meta, params)
	if err != nil || outcome != domain.OutcomeApplied {
		return outcome, err
	}
	p.syncOrder(ctx, updated, meta, SyncInput{Status: syncStatus})
	return outcome, nil
}

func (p *EventProcessor) VisitCheckoutSessionCompleted(ctx context.Context, e *domain.CheckoutSessionCompleted) (domain.EventOutcome, error) {
	return p.settleSession(ctx, e.Meta(), &e.Session, e.Session.IsPaid())
}

func (p *EventProcessor) VisitCheckoutSessionAsyncPaymentSucceeded(ctx context.Context, e *domain.CheckoutSessionAsyncPaymentSucceeded) (domain.EventOutcome, error) {
	return p.settleSession(ctx, e.Meta(), &e.Session, true)
}

func (p *EventProcessor) VisitCheckoutSessionAsyncPaymentFailed(ctx context.Context, e *domain.CheckoutSessionAsyncPaymentFailed) (domain.EventOutcome, error) {
	return p.settleSession(ctx, e.Meta(), &e.Session, false)
}

// VisitCheckoutSessionExpired cancels an order still waiting on its session. Settled
// orders are left alone.
func (p *EventProcessor) VisitCheckoutSessionExpired(ctx context.Context, e *domain.CheckoutSessionExpired) (domain.EventOutcome, error) {
	meta := e.Meta()
	keys := orderKeys{orderID: e.Session.OrderReference(), sessionID: e.Session.ID}
	order, err := p.findOrder(ctx, keys)
	if err != nil {
		return "", err
	}
	if order == nil {
		return p.noMatch(ctx, meta, keys)
	}
	if order.HasAppliedEvent(meta.ID) {
		return domain.OutcomeDuplicate, nil
	}
	if order.Status != domain.OrderStatusPending {
		p.logger.Debug("ignoring expiry for settled order", "order_id", order.ID, "status", order.Status)
		return domain.OutcomeIgnored, nil
	}
	_, outcome, err := p.apply(ctx, order, meta, orderState(domain.OrderStatusCancelled, domain.PaymentStatusFailed))
	return outcome, err
}

// VisitPaymentIntentCreated links the payment intent to its order so a later failure
// event can be correlated. Finding no order is not an error.
func (p *EventProcessor) VisitPaymentIntentCreated(ctx context.Context, e *domain.PaymentIntentCreated) (domain.EventOutcome, error) {
	meta := e.Meta()
	pi := &e.PaymentIntent

	if existing, err := p.repo.FindOrderByPaymentIntentID(ctx, pi.ID); err == nil {
		p.logger.Debug("payment intent already linked", "payment_intent_id", pi.ID, "order_id", existing.ID)
		return domain.OutcomeIgnored, nil
	} else if !errors.Is(err, store.ErrOrderNotFound) {
		return "", fmt.Errorf("order lookup failed: %w", err)
	}

	order, err := p.findOrder(ctx, orderKeys{orderID: pi.Metadata[domain.MetadataOrderID]})
	if err != nil {
		return "", err
	}
	if order == nil {
		order, err = p.scanForPaymentIntent(ctx, pi)
		if err != nil {
			return "", err
		}
	}
	if order == nil {
		p.logger.Debug("no order to link payment intent to", "payment_intent_id", pi.ID, "customer_id", pi.Customer.String())
		return domain.OutcomeIgnored, nil
	}
	if order.HasAppliedEvent(meta.ID) {
		return domain.OutcomeDuplicate, nil
	}

	params := store.UpdateOrderParams{PaymentIntentID: &pi.ID}
	if order.CustomerID == nil {
		params.CustomerID = strPtr(pi.Customer.String())
	}
	_, outcome, err := p.apply(ctx, order, meta, params)
	return outcome, err
}

// scanForPaymentIntent walks the customer's recent checkout sessions, then the
// customer's recent pending orders, looking for the session that owns pi.
func (p *EventProcessor) scanForPaymentIntent(ctx context.Context, pi *domain.PaymentIntentObject) (*domain.Order, error) {
	customer := pi.Customer.String()
	if customer == "" || p.billing == nil {
		return nil, nil
	}

	sessions, err := p.billing.ListCheckoutSessionsByCustomer(ctx, customer, p.pendingScanLimit)
	if err != nil {
		p.logger.Warn("failed to list checkout sessions for customer", "customer_id", customer, "error", err)
	}
	for i := range sessions {
		if sessions[i].PaymentIntent.String() != pi.ID {
			continue
		}
		order, err := p.findOrder(ctx, orderKeys{orderID: sessions[i].OrderReference(), sessionID: sessions[i].ID})
		if err != nil || order != nil {
			return order, err
		}
	}

	pending, err := p.repo.ListRecentPendingOrdersByCustomer(ctx, customer, p.pendingScanLimit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending orders for customer %s: %w", customer, err)
	}
	for i := range pending {
		order := &pending[i]
		if order.PaymentIntentID != nil || order.CheckoutSessionID == nil {
			continue
		}
		session, err := p.billing.RetrieveCheckoutSession(ctx, *order.CheckoutSessionID)
		if err != nil {
			p.logger.Warn("failed to retrieve checkout session during scan", "order_id", order.ID, "error", err)
			continue
		}
		if session.PaymentIntent.String() == pi.ID {
			return order, nil
		}
	}
	return nil, nil
}

func (p *EventProcessor) VisitPaymentIntentFailed(ctx context.Context, e *domain.PaymentIntentFailed) (domain.EventOutcome, error) {
	meta := e.Meta()
	pi := &e.PaymentIntent
	keys := orderKeys{
		orderID:         pi.Metadata[domain.MetadataOrderID],
		invoiceID:       pi.Invoice.String(),
		paymentIntentID: pi.ID,
	}

	order, err := p.findOrder(ctx, keys)
	if err != nil {
		return "", err
	}
	if order == nil {
		if order, err = p.scanForPaymentIntent(ctx, pi); err != nil {
			return "", err
		}
	}
	if order == nil {
		return p.noMatch(ctx, meta, keys)
	}
	if order.HasAppliedEvent(meta.ID) {
		return domain.OutcomeDuplicate, nil
	}

	params := orderState(domain.OrderStatusCancelled, domain.PaymentStatusFailed)
	if order.PaymentIntentID == nil {
		params.PaymentIntentID = &pi.ID
	}
	if msg := pi.FailureMessage(); msg != "" {
		params.Metadata = map[string]string{"failure_message": msg}
	}
	updated, outcome, err := p.apply(ctx, order, meta, params)
	if err != nil || outcome != domain.OutcomeApplied {
		return outcome, err
	}
	p.syncOrder(ctx, updated, meta, SyncInput{Status: domain.SubscriptionStatusPastDue})
	return outcome, nil
}

// hydrateInvoice re-fetches invoices delivered without their subscription reference.
func (p *EventProcessor) hydrateInvoice(ctx context.Context, inv *domain.InvoiceObject) *domain.InvoiceObject {
	if inv.SubscriptionID() != "" || inv.ID == "" || p.billing == nil {
		return inv
	}
	full, err := p.billing.RetrieveInvoice(ctx, inv.ID)
	if err != nil {
		p.logger.Warn("failed to retrieve invoice, continuing with event payload", "invoice_id", inv.ID, "error", err)
		return inv
	}
	return full
}

func invoiceKeys(inv *domain.InvoiceObject) orderKeys {
	return orderKeys{
		orderID:         inv.MetadataValue(domain.MetadataOrderID),
		subscriptionID:  inv.SubscriptionID(),
		invoiceID:       inv.ID,
		paymentIntentID: inv.PaymentIntent.String(),
	}
}

func (p *EventProcessor) VisitInvoicePaymentSucceeded(ctx context.Context, e *domain.InvoicePaymentSucceeded) (domain.EventOutcome, error) {
	return p.settleInvoice(ctx, e.Meta(), p.hydrateInvoice(ctx, &e.Invoice), true)
}

func (p *EventProcessor) VisitInvoicePaymentFailed(ctx context.Context, e *domain.InvoicePaymentFailed) (domain.EventOutcome, error) {
	return p.settleInvoice(ctx, e.Meta(), p.hydrateInvoice(ctx, &e.Invoice), false)
}

func (p *EventProcessor) settleInvoice(ctx context.Context, meta domain.EventMeta, inv *domain.InvoiceObject, paid bool) (domain.EventOutcome, error) {
	keys := invoiceKeys(inv)
	order, err := p.findOrder(ctx, keys)
	if err != nil {
		return "", err
	}
	if order == nil {
		if keys.subscriptionID == "" {
			return p.noMatch(ctx, meta, keys)
		}
		return p.backfillRenewal(ctx, meta, inv, paid)
	}
	if order.HasAppliedEvent(meta.ID) {
		return domain.OutcomeDuplicate, nil
	}

	params := invoiceParams(inv, paid)
	if order.CustomerID == nil {
		params.CustomerID = strPtr(inv.Customer.String())
	}
	if order.ExternalSubscriptionID == nil {
		params.ExternalSubscriptionID = strPtr(keys.subscriptionID)
	}
	if order.PaymentIntentID == nil {
		params.PaymentIntentID = strPtr(keys.paymentIntentID)
	}

	updated, outcome, err := p.apply(ctx, order, meta, params)
	if err != nil || outcome != domain.OutcomeApplied {
		return outcome, err
	}
	p.syncOrder(ctx, updated, meta, invoiceSyncInput(inv, paid))
	return outcome, nil
}

func invoiceParams(inv *domain.InvoiceObject, paid bool) store.UpdateOrderParams {
	var params store.UpdateOrderParams
	if paid {
		params = orderState(domain.OrderStatusPaid, domain.PaymentStatusSucceeded)
		if inv.AmountPaid > 0 {
			amountMinor := inv.AmountPaid
			amount := pricing.MinorToMajor(amountMinor, inv.Currency)
			params.AmountMinor = &amountMinor
			params.Amount = &amount
		}
	} else {
		params = orderState(domain.OrderStatusPending, domain.PaymentStatusFailed)
	}
	if status, ok := domain.ParseInvoiceStatus(inv.Status); ok {
		params.InvoiceStatus = &status
	} else if paid {
		status := domain.InvoiceStatusPaid
		params.InvoiceStatus = &status
	}
	params.InvoiceID = strPtr(inv.ID)
	return params
}

func invoiceSyncInput(inv *domain.InvoiceObject, paid bool) SyncInput {
	if !paid {
		return SyncInput{Status: domain.SubscriptionStatusPastDue, PeriodEnd: inv.ServicePeriodEnd()}
	}
	return SyncInput{
		Status:     domain.SubscriptionStatusActive,
		PeriodEnd:  inv.ServicePeriodEnd(),
		ValueDelta: pricing.MinorToMajor(inv.AmountPaid, inv.Currency),
	}
}

// backfillRenewal records an invoice for a known subscription that has no order yet.
// Plan details come from the subscription's earliest order, or from the subscription.
func (p *EventProcessor) backfillRenewal(ctx context.Context, meta domain.EventMeta, inv *domain.InvoiceObject, paid bool) (domain.EventOutcome, error) {
	extSubID := inv.SubscriptionID()
	order := &domain.Order{
		ID:                     uuid.New(),
		OrderType:              domain.OrderTypeSubscription,
		Currency:               inv.Currency,
		Status:                 domain.OrderStatusPending,
		PaymentStatus:          domain.PaymentStatusFailed,
		InvoiceStatus:          domain.InvoiceStatusOpen,
		CustomerID:             strPtr(inv.Customer.String()),
		ExternalSubscriptionID: &extSubID,
		InvoiceID:              strPtr(inv.ID),
		PaymentIntentID:        strPtr(inv.PaymentIntent.String()),
		LatestEventID:          &meta.ID,
		LatestEventType:        &meta.Type,
		Metadata:               map[string]string{"source": "renewal_backfill"},
	}
	at := eventTime(meta)
	order.LatestEventAt = &at

	earliest, err := p.repo.FindEarliestOrderBySubscriptionID(ctx, extSubID)
	switch {
	case err == nil:
		order.UserID = earliest.UserID
		order.SubscriptionID = earliest.SubscriptionID
		order.Plan = earliest.Plan
		if order.CustomerID == nil {
			order.CustomerID = earliest.CustomerID
		}
	case errors.Is(err, store.ErrOrderNotFound):
		sub, subErr := p.repo.FindSubscriptionByExternalID(ctx, extSubID)
		if errors.Is(subErr, store.ErrSubscriptionNotFound) {
			return p.noMatch(ctx, meta, invoiceKeys(inv))
		}
		if subErr != nil {
			return "", fmt.Errorf("failed to look up subscription %s: %w", extSubID, subErr)
		}
		order.UserID = &sub.UserID
		order.SubscriptionID = &sub.ID
		order.Plan = &domain.PlanSnapshot{
			Metal:         sub.Metal,
			PlanName:      sub.PlanName,
			TargetWeight:  sub.TargetWeight,
			TargetUnit:    sub.TargetUnit,
			MonthlyAmount: sub.MonthlyAmount,
			Quantity:      sub.Quantity,
			TargetPrice:   sub.TargetPrice,
		}
		if order.CustomerID == nil && sub.CustomerID != "" {
			order.CustomerID = &sub.CustomerID
		}
	default:
		return "", fmt.Errorf("failed to look up earliest order for %s: %w", extSubID, err)
	}

	if paid {
		order.Status = domain.OrderStatusPaid
		order.PaymentStatus = domain.PaymentStatusSucceeded
		order.InvoiceStatus = domain.InvoiceStatusPaid
		order.AmountMinor = inv.AmountPaid
	} else {
		order.AmountMinor = inv.AmountDue
	}
	order.Amount = pricing.MinorToMajor(order.AmountMinor, inv.Currency)
	if status, ok := domain.ParseInvoiceStatus(inv.Status); ok {
		order.InvoiceStatus = status
	}

	if err := p.repo.CreateOrder(ctx, order); err != nil {
		if errors.Is(err, store.ErrOrderConflict) {
			return domain.OutcomeDuplicate, nil
		}
		return "", fmt.Errorf("failed to backfill renewal order for invoice %s: %w", inv.ID, err)
	}
	p.logger.Info("backfilled renewal order", "order_id", order.ID, "invoice_id", inv.ID, "external_subscription_id", extSubID)
	p.syncOrder(ctx, order, meta, invoiceSyncInput(inv, paid))
	return domain.OutcomeApplied, nil
}

// subscriptionOrderState maps a processor subscription status onto a pending order.
func subscriptionOrderState(status string) store.UpdateOrderParams {
	switch MapExternalStatus(status) {
	case domain.SubscriptionStatusActive, domain.SubscriptionStatusTrialing:
		return orderState(domain.OrderStatusPaid, domain.PaymentStatusSucceeded)
	case domain.SubscriptionStatusCanceled, domain.SubscriptionStatusIncompleteExpired:
		return orderState(domain.OrderStatusCancelled, domain.PaymentStatusFailed)
	case domain.SubscriptionStatusPastDue, domain.SubscriptionStatusUnpaid:
		return orderState(domain.OrderStatusPending, domain.PaymentStatusFailed)
	case domain.SubscriptionStatusIncomplete:
		return orderState(domain.OrderStatusPending, domain.PaymentStatusRequiresPaymentMethod)
	default:
		return orderState(domain.OrderStatusPending, domain.PaymentStatusPending)
	}
}

// VisitSubscriptionChanged updates the subscription's first order only while it is
// still pending, so a late snapshot never revives a settled or cancelled order.
func (p *EventProcessor) VisitSubscriptionChanged(ctx context.Context, e *domain.SubscriptionChanged) (domain.EventOutcome, error) {
	meta := e.Meta()
	snap := &e.Subscription
	keys := orderKeys{orderID: snap.Metadata[domain.MetadataOrderID], subscriptionID: snap.ID}

	order, err := p.findOrder(ctx, keys)
	if err != nil {
		return "", err
	}
	if order != nil {
		if order.HasAppliedEvent(meta.ID) {
			return domain.OutcomeDuplicate, nil
		}
		if order.Status == domain.OrderStatusPending {
			params := subscriptionOrderState(snap.Status)
			if order.ExternalSubscriptionID == nil {
				params.ExternalSubscriptionID = &snap.ID
			}
			if order.CustomerID == nil {
				params.CustomerID = strPtr(snap.Customer.String())
			}
			_, outcome, err := p.apply(ctx, order, meta, params)
			if err != nil || outcome != domain.OutcomeApplied {
				return outcome, err
			}
		}
	}

	sub, err := p.applySnapshot(ctx, snap)
	if err != nil {
		return "", err
	}
	if sub == nil && order == nil {
		return p.noMatch(ctx, meta, keys)
	}
	return domain.OutcomeApplied, nil
}

// VisitSubscriptionDeleted never touches orders; past payments stay as recorded.
func (p *EventProcessor) VisitSubscriptionDeleted(ctx context.Context, e *domain.SubscriptionDeleted) (domain.EventOutcome, error) {
	sub, err := p.applySnapshot(ctx, &e.Subscription)
	if err != nil {
		return "", err
	}
	if sub == nil {
		return p.noMatch(ctx, e.Meta(), orderKeys{subscriptionID: e.Subscription.ID})
	}
	return domain.OutcomeApplied, nil
}

func (p *EventProcessor) applySnapshot(ctx context.Context, snap *domain.SubscriptionObject) (*domain.Subscription, error) {
	if p.sync == nil {
		return nil, nil
	}
	return p.sync.SyncFromSnapshot(ctx, snap)
}

func (p *EventProcessor) VisitKnownHarmless(ctx context.Context, e *domain.KnownHarmlessEvent) (domain.EventOutcome, error) {
	p.logger.Debug("ignoring billing event with no local effect", "event_id", e.Meta().ID, "event_type", e.Meta().Type)
	return domain.OutcomeIgnored, nil
}

func (p *EventProcessor) VisitUnhandled(ctx context.Context, e *domain.UnhandledEvent) (domain.EventOutcome, error) {
	p.logger.Info("unhandled billing event type", "event_id", e.Meta().ID, "event_type", e.Meta().Type)
	return domain.OutcomeUnhandled, nil
}
