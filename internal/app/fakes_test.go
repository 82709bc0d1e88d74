package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/metalvault/settlement-service/internal/domain"
	"github.com/metalvault/settlement-service/internal/store"
)

var testEpoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

// memRepo is an in-memory store.Repository. RunInTx restores a snapshot when fn fails.
type memRepo struct {
	mu            sync.Mutex
	clock         time.Time
	users         map[uuid.UUID]domain.User
	orders        map[uuid.UUID]domain.Order
	subs          map[uuid.UUID]domain.Subscription
	withdrawals   map[uuid.UUID]domain.WithdrawalRequest
	cancellations map[uuid.UUID]domain.CancellationRequest
	inbox         map[string]domain.WebhookEvent

	failAddWithdrawn error
	failRecordEvent  error
	failMarkEvent    error
	updateOrderCalls int
}

var _ store.Repository = (*memRepo)(nil)

func newMemRepo() *memRepo {
	return &memRepo{
		clock:         testEpoch,
		users:         map[uuid.UUID]domain.User{},
		orders:        map[uuid.UUID]domain.Order{},
		subs:          map[uuid.UUID]domain.Subscription{},
		withdrawals:   map[uuid.UUID]domain.WithdrawalRequest{},
		cancellations: map[uuid.UUID]domain.CancellationRequest{},
		inbox:         map[string]domain.WebhookEvent{},
	}
}

// tick advances the fake clock so creation order is observable.
func (r *memRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Second)
	return r.clock
}

func inboxKey(provider, eventID string) string { return provider + "/" + eventID }

func (r *memRepo) addUser(t *testing.T, customerID string) domain.User {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	u := domain.User{ID: uuid.New(), Email: "saver@example.com", CreatedAt: r.tick()}
	if customerID != "" {
		u.BillingCustomerID = &customerID
	}
	r.users[u.ID] = u
	return u
}

func (r *memRepo) putOrder(o domain.Order) domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = r.tick()
	}
	if o.UpdatedAt.IsZero() {
		o.UpdatedAt = o.CreatedAt
	}
	r.orders[o.ID] = o
	return o
}

func (r *memRepo) putSub(s domain.Subscription) domain.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = r.tick()
	}
	r.subs[s.ID] = s
	return s
}

func (r *memRepo) putWithdrawal(w domain.WithdrawalRequest) domain.WithdrawalRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	if w.ID == uuid.Nil {
		w.ID = uuid.New()
	}
	r.withdrawals[w.ID] = w
	return w
}

func (r *memRepo) order(id uuid.UUID) domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orders[id]
}

func (r *memRepo) sub(id uuid.UUID) domain.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[id]
}

func (r *memRepo) user(id uuid.UUID) domain.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.users[id]
}

func (r *memRepo) allOrders() []domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Order, 0, len(r.orders))
	for _, o := range r.orders {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

func (r *memRepo) allSubs() []domain.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Subscription, 0, len(r.subs))
	for _, s := range r.subs {
		out = append(out, s)
	}
	return out
}

func (r *memRepo) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, store.ErrUserNotFound
	}
	return &u, nil
}

func (r *memRepo) FindUserByCustomerID(ctx context.Context, customerID string) (*domain.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.BillingCustomerID != nil && *u.BillingCustomerID == customerID {
			return &u, nil
		}
	}
	return nil, store.ErrUserNotFound
}

func (r *memRepo) SetUserBillingCustomerID(ctx context.Context, userID uuid.UUID, customerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return store.ErrUserNotFound
	}
	u.BillingCustomerID = &customerID
	r.users[userID] = u
	return nil
}

func (r *memRepo) CreateOrder(ctx context.Context, order *domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range r.orders {
		if order.CheckoutSessionID != nil && o.CheckoutSessionID != nil && *o.CheckoutSessionID == *order.CheckoutSessionID {
			return store.ErrOrderConflict
		}
		if order.InvoiceID != nil && o.InvoiceID != nil && *o.InvoiceID == *order.InvoiceID {
			return store.ErrOrderConflict
		}
	}
	now := r.tick()
	order.CreatedAt, order.UpdatedAt = now, now
	r.orders[order.ID] = *order
	return nil
}

func (r *memRepo) FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	return &o, nil
}

func (r *memRepo) findOrder(match func(o domain.Order) bool, newest bool) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var found *domain.Order
	for _, o := range r.orders {
		if !match(o) {
			continue
		}
		o := o
		if found == nil || (newest && o.CreatedAt.After(found.CreatedAt)) || (!newest && o.CreatedAt.Before(found.CreatedAt)) {
			found = &o
		}
	}
	if found == nil {
		return nil, store.ErrOrderNotFound
	}
	return found, nil
}

func eq(p *string, v string) bool { return p != nil && *p == v }

func (r *memRepo) FindOrderByCheckoutSessionID(ctx context.Context, sessionID string) (*domain.Order, error) {
	return r.findOrder(func(o domain.Order) bool { return eq(o.CheckoutSessionID, sessionID) }, true)
}

func (r *memRepo) FindOrderBySubscriptionID(ctx context.Context, externalSubscriptionID, invoiceID string) (*domain.Order, error) {
	return r.findOrder(func(o domain.Order) bool {
		return eq(o.ExternalSubscriptionID, externalSubscriptionID) &&
			(invoiceID == "" || o.InvoiceID == nil || *o.InvoiceID == invoiceID)
	}, true)
}

func (r *memRepo) FindOrderByInvoiceID(ctx context.Context, invoiceID string) (*domain.Order, error) {
	return r.findOrder(func(o domain.Order) bool { return eq(o.InvoiceID, invoiceID) }, true)
}

func (r *memRepo) FindOrderByPaymentIntentID(ctx context.Context, paymentIntentID string) (*domain.Order, error) {
	return r.findOrder(func(o domain.Order) bool { return eq(o.PaymentIntentID, paymentIntentID) }, true)
}

func (r *memRepo) FindEarliestOrderBySubscriptionID(ctx context.Context, externalSubscriptionID string) (*domain.Order, error) {
	return r.findOrder(func(o domain.Order) bool { return eq(o.ExternalSubscriptionID, externalSubscriptionID) }, false)
}

func (r *memRepo) listOrders(match func(o domain.Order) bool, limit int, newestFirst bool) []domain.Order {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.Order
	for _, o := range r.orders {
		if match(o) {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if newestFirst {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (r *memRepo) ListRecentPendingOrdersByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	return r.listOrders(func(o domain.Order) bool {
		return o.Status == domain.OrderStatusPending && eq(o.CustomerID, customerID)
	}, limit, true), nil
}

func (r *memRepo) UpdateOrder(ctx context.Context, orderID uuid.UUID, p store.UpdateOrderParams) (*domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updateOrderCalls++
	o, ok := r.orders[orderID]
	if !ok {
		return nil, store.ErrOrderNotFound
	}
	if p.EventID != nil && eq(o.LatestEventID, *p.EventID) {
		return nil, store.ErrOrderEventAlreadyApplied
	}
	if p.Status != nil {
		o.Status = *p.Status
	}
	if p.PaymentStatus != nil {
		o.PaymentStatus = *p.PaymentStatus
	}
	if p.InvoiceStatus != nil {
		o.InvoiceStatus = *p.InvoiceStatus
	}
	if p.UserID != nil {
		o.UserID = p.UserID
	}
	if p.SubscriptionID != nil {
		o.SubscriptionID = p.SubscriptionID
	}
	if p.Amount != nil {
		o.Amount = *p.Amount
	}
	if p.AmountMinor != nil {
		o.AmountMinor = *p.AmountMinor
	}
	if p.Currency != nil {
		o.Currency = *p.Currency
	}
	if p.CheckoutSessionID != nil {
		o.CheckoutSessionID = p.CheckoutSessionID
	}
	if p.CustomerID != nil {
		o.CustomerID = p.CustomerID
	}
	if p.ExternalSubscriptionID != nil {
		o.ExternalSubscriptionID = p.ExternalSubscriptionID
	}
	if p.PaymentIntentID != nil {
		o.PaymentIntentID = p.PaymentIntentID
	}
	if p.InvoiceID != nil {
		o.InvoiceID = p.InvoiceID
	}
	if p.EventID != nil {
		o.LatestEventID = p.EventID
	}
	if p.EventType != nil {
		o.LatestEventType = p.EventType
	}
	if p.EventAt != nil {
		o.LatestEventAt = p.EventAt
	}
	if len(p.Metadata) > 0 {
		merged := map[string]string{}
		for k, v := range o.Metadata {
			merged[k] = v
		}
		for k, v := range p.Metadata {
			merged[k] = v
		}
		o.Metadata = merged
	}
	o.UpdatedAt = r.tick()
	r.orders[orderID] = o
	return &o, nil
}

func (r *memRepo) ListStalePendingCheckoutOrders(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	return r.listOrders(func(o domain.Order) bool {
		return o.Status == domain.OrderStatusPending && o.CheckoutSessionID != nil && o.CreatedAt.Before(createdBefore)
	}, limit, false), nil
}

func (r *memRepo) ListStalePendingPaymentIntentOrders(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	return r.listOrders(func(o domain.Order) bool {
		return o.Status == domain.OrderStatusPending && o.CheckoutSessionID == nil && o.PaymentIntentID != nil && o.CreatedAt.Before(createdBefore)
	}, limit, false), nil
}

func (r *memRepo) DeleteTerminalOrders(ctx context.Context, updatedBefore time.Time, limit int) (int64, error) {
	victims := r.listOrders(func(o domain.Order) bool {
		return o.Status == domain.OrderStatusCancelled && o.PaymentStatus == domain.PaymentStatusFailed && o.UpdatedAt.Before(updatedBefore)
	}, limit, false)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, o := range victims {
		delete(r.orders, o.ID)
	}
	return int64(len(victims)), nil
}

func (r *memRepo) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.tick()
	sub.CreatedAt, sub.UpdatedAt = now, now
	r.subs[sub.ID] = *sub
	return nil
}

func (r *memRepo) FindSubscriptionByID(ctx context.Context, subscriptionID uuid.UUID) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[subscriptionID]
	if !ok {
		return nil, store.ErrSubscriptionNotFound
	}
	return &s, nil
}

func (r *memRepo) FindSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if eq(s.ExternalSubscriptionID, externalSubscriptionID) {
			return &s, nil
		}
	}
	return nil, store.ErrSubscriptionNotFound
}

func (r *memRepo) FindSubscriptionByFingerprint(ctx context.Context, fp domain.SubscriptionFingerprint) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.ExternalSubscriptionID == nil && s.UserID == fp.UserID && s.CustomerID == fp.CustomerID &&
			s.Metal == fp.Metal && s.PlanName == fp.PlanName && s.TargetWeight == fp.TargetWeight && s.TargetUnit == fp.TargetUnit {
			return &s, nil
		}
	}
	return nil, store.ErrSubscriptionNotFound
}

func (r *memRepo) UpdateSubscription(ctx context.Context, subscriptionID uuid.UUID, p store.UpdateSubscriptionParams) (*domain.Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.subs[subscriptionID]
	if !ok {
		return nil, store.ErrSubscriptionNotFound
	}
	if p.Status != nil {
		s.Status = *p.Status
	}
	if p.ExternalSubscriptionID != nil {
		s.ExternalSubscriptionID = p.ExternalSubscriptionID
	}
	if p.CustomerID != nil {
		s.CustomerID = *p.CustomerID
	}
	if p.CurrentPeriodEnd != nil && (s.CurrentPeriodEnd == nil || p.CurrentPeriodEnd.After(*s.CurrentPeriodEnd)) {
		s.CurrentPeriodEnd = p.CurrentPeriodEnd
	}
	if p.Quantity != nil {
		s.Quantity = *p.Quantity
	}
	if p.MonthlyAmount != nil {
		s.MonthlyAmount = *p.MonthlyAmount
	}
	if p.TargetPrice != nil {
		s.TargetPrice = *p.TargetPrice
	}
	s.AccumulatedValue += p.AddValue
	s.AccumulatedWeight += p.AddWeight
	s.UpdatedAt = r.tick()
	r.subs[subscriptionID] = s
	return &s, nil
}

func (r *memRepo) CreateWithdrawalRequest(ctx context.Context, req *domain.WithdrawalRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req.CreatedAt = r.tick()
	r.withdrawals[req.ID] = *req
	return nil
}

func (r *memRepo) FindWithdrawalRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.WithdrawalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.withdrawals[requestID]
	if !ok {
		return nil, store.ErrWithdrawalRequestNotFound
	}
	return &w, nil
}

func (r *memRepo) UpdateWithdrawalRequestStatus(ctx context.Context, requestID uuid.UUID, status domain.WithdrawalStatus, processedBy string, notes *string) (*domain.WithdrawalRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.withdrawals[requestID]
	if !ok {
		return nil, store.ErrWithdrawalRequestNotFound
	}
	now := r.tick()
	w.Status = status
	w.ProcessedBy = &processedBy
	w.ProcessedAt = &now
	if notes != nil {
		w.Notes = notes
	}
	r.withdrawals[requestID] = w
	return &w, nil
}

func (r *memRepo) CreateCancellationRequest(ctx context.Context, req *domain.CancellationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	req.CreatedAt = r.tick()
	r.cancellations[req.ID] = *req
	return nil
}

func (r *memRepo) FindCancellationRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.CancellationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cancellations[requestID]
	if !ok {
		return nil, store.ErrCancellationRequestNotFound
	}
	return &c, nil
}

func (r *memRepo) FindOpenCancellationRequest(ctx context.Context, subscriptionID uuid.UUID) (*domain.CancellationRequest, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.cancellations {
		if c.SubscriptionID != subscriptionID {
			continue
		}
		switch c.Status {
		case domain.CancellationStatusPending, domain.CancellationStatusInReview, domain.CancellationStatusApproved:
			return &c, nil
		}
	}
	return nil, store.ErrCancellationRequestNotFound
}

func (r *memRepo) TransitionCancellationRequest(ctx context.Context, requestID uuid.UUID, from []domain.CancellationStatus, to domain.CancellationStatus, processedBy string, notes *string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cancellations[requestID]
	if !ok {
		return false, nil
	}
	for _, status := range from {
		if c.Status != status {
			continue
		}
		now := r.tick()
		c.Status = to
		c.ProcessedBy = &processedBy
		c.ProcessedAt = &now
		if notes != nil {
			c.Notes = notes
		}
		r.cancellations[requestID] = c
		return true, nil
	}
	return false, nil
}

func (r *memRepo) RecordWebhookEvent(ctx context.Context, event *domain.WebhookEvent) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failRecordEvent != nil {
		return false, r.failRecordEvent
	}
	key := inboxKey(event.Provider, event.EventID)
	if _, ok := r.inbox[key]; ok {
		return false, nil
	}
	r.inbox[key] = *event
	return true, nil
}

func (r *memRepo) FindWebhookEvent(ctx context.Context, provider, eventID string) (*domain.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.inbox[inboxKey(provider, eventID)]
	if !ok {
		return nil, store.ErrWebhookEventNotFound
	}
	return &e, nil
}

func (r *memRepo) MarkWebhookEventProcessed(ctx context.Context, provider, eventID string, processingErr *string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failMarkEvent != nil {
		return r.failMarkEvent
	}
	key := inboxKey(provider, eventID)
	e, ok := r.inbox[key]
	if !ok {
		return store.ErrWebhookEventNotFound
	}
	e.ProcessingError = processingErr
	e.ProcessedAt = nil
	if domain.TerminalProcessingOutcome(processingErr) {
		now := r.tick()
		e.ProcessedAt = &now
	}
	r.inbox[key] = e
	return nil
}

func (r *memRepo) ListUnprocessedWebhookEvents(ctx context.Context, receivedBefore time.Time, maxAttempts, limit int) ([]domain.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.WebhookEvent
	for _, e := range r.inbox {
		if e.ProcessedAt == nil && e.ReceivedAt.Before(receivedBefore) && e.Attempts < maxAttempts {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memRepo) IncrementWebhookEventAttempts(ctx context.Context, provider, eventID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := inboxKey(provider, eventID)
	e, ok := r.inbox[key]
	if !ok {
		return store.ErrWebhookEventNotFound
	}
	e.Attempts++
	r.inbox[key] = e
	return nil
}

type memSnapshot struct {
	users       map[uuid.UUID]domain.User
	subs        map[uuid.UUID]domain.Subscription
	withdrawals map[uuid.UUID]domain.WithdrawalRequest
}

func (r *memRepo) RunInTx(ctx context.Context, fn func(tx store.SettlementTx) error) error {
	r.mu.Lock()
	snap := memSnapshot{
		users:       make(map[uuid.UUID]domain.User, len(r.users)),
		subs:        make(map[uuid.UUID]domain.Subscription, len(r.subs)),
		withdrawals: make(map[uuid.UUID]domain.WithdrawalRequest, len(r.withdrawals)),
	}
	for k, v := range r.users {
		snap.users[k] = v
	}
	for k, v := range r.subs {
		snap.subs[k] = v
	}
	for k, v := range r.withdrawals {
		snap.withdrawals[k] = v
	}
	r.mu.Unlock()

	if err := fn(&memTx{r: r}); err != nil {
		r.mu.Lock()
		r.users, r.subs, r.withdrawals = snap.users, snap.subs, snap.withdrawals
		r.mu.Unlock()
		return err
	}
	return nil
}

type memTx struct {
	r *memRepo
}

func (t *memTx) LockWithdrawalRequest(ctx context.Context, requestID uuid.UUID) (*domain.WithdrawalRequest, error) {
	return t.r.FindWithdrawalRequestByID(ctx, requestID)
}

func (t *memTx) LockSubscription(ctx context.Context, subscriptionID uuid.UUID) (*domain.Subscription, error) {
	return t.r.FindSubscriptionByID(ctx, subscriptionID)
}

func (t *memTx) LockUser(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	return t.r.FindUserByID(ctx, userID)
}

func (t *memTx) DrainSubscription(ctx context.Context, subscriptionID uuid.UUID, status *domain.SubscriptionStatus) error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	s, ok := t.r.subs[subscriptionID]
	if !ok {
		return store.ErrSubscriptionNotFound
	}
	s.AccumulatedWeight = 0
	s.AccumulatedValue = 0
	if status != nil {
		s.Status = *status
	}
	t.r.subs[subscriptionID] = s
	return nil
}

func (t *memTx) AddUserWithdrawn(ctx context.Context, userID uuid.UUID, metal domain.Metal, weight float64) error {
	t.r.mu.Lock()
	defer t.r.mu.Unlock()
	if t.r.failAddWithdrawn != nil {
		return t.r.failAddWithdrawn
	}
	u, ok := t.r.users[userID]
	if !ok {
		return store.ErrUserNotFound
	}
	switch metal {
	case domain.MetalGold:
		u.WithdrawnGoldGrams += weight
	case domain.MetalSilver:
		u.WithdrawnSilverOunces += weight
	default:
		return fmt.Errorf("unsupported metal %q", metal)
	}
	t.r.users[userID] = u
	return nil
}

func (t *memTx) SetWithdrawalRequestStatus(ctx context.Context, requestID uuid.UUID, status domain.WithdrawalStatus, processedBy string) error {
	_, err := t.r.UpdateWithdrawalRequestStatus(ctx, requestID, status, processedBy, nil)
	return err
}

// fakeBilling is an in-memory BillingProcessor.
type fakeBilling struct {
	mu               sync.Mutex
	sessions         map[string]domain.CheckoutSessionObject
	intents          map[string]domain.PaymentIntentObject
	invoices         map[string]domain.InvoiceObject
	subscriptions    map[string]domain.SubscriptionObject
	customerSessions map[string][]domain.CheckoutSessionObject

	cancelErr        error
	cancelIneffect   bool
	sessionErr       error
	checkoutErr      error
	cancelCalls      []string
	metadataUpdates  map[string]map[string]string
	prices           []domain.PriceSpec
	checkouts        []domain.CheckoutSpec
	createdCustomers int
}

var _ BillingProcessor = (*fakeBilling)(nil)

func newFakeBilling() *fakeBilling {
	return &fakeBilling{
		sessions:         map[string]domain.CheckoutSessionObject{},
		intents:          map[string]domain.PaymentIntentObject{},
		invoices:         map[string]domain.InvoiceObject{},
		subscriptions:    map[string]domain.SubscriptionObject{},
		customerSessions: map[string][]domain.CheckoutSessionObject{},
		metadataUpdates:  map[string]map[string]string{},
	}
}

func notFound(kind, id string) error {
	return fmt.Errorf("retrieve %s %s: %w", kind, id, domain.ErrRemoteResourceNotFound)
}

func (f *fakeBilling) CreateCustomer(ctx context.Context, spec domain.CustomerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createdCustomers++
	return fmt.Sprintf("cus_new_%d", f.createdCustomers), nil
}

func (f *fakeBilling) CreatePrice(ctx context.Context, spec domain.PriceSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices = append(f.prices, spec)
	return fmt.Sprintf("price_%d", len(f.prices)), nil
}

func (f *fakeBilling) CreateCheckoutSession(ctx context.Context, spec domain.CheckoutSpec) (*domain.CheckoutSessionObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkoutErr != nil {
		return nil, f.checkoutErr
	}
	f.checkouts = append(f.checkouts, spec)
	s := domain.CheckoutSessionObject{
		ID:                fmt.Sprintf("cs_%d", len(f.checkouts)),
		Status:            "open",
		Mode:              string(spec.Mode),
		Customer:          domain.ExpandableID(spec.CustomerID),
		ClientReferenceID: spec.ClientReferenceID,
		URL:               "https://checkout.example.com/" + spec.ClientReferenceID,
		Metadata:          spec.Metadata,
	}
	f.sessions[s.ID] = s
	return &s, nil
}

func (f *fakeBilling) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*domain.CheckoutSessionObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sessionErr != nil {
		return nil, f.sessionErr
	}
	s, ok := f.sessions[sessionID]
	if !ok {
		return nil, notFound("checkout session", sessionID)
	}
	return &s, nil
}

func (f *fakeBilling) ListCheckoutSessionsByCustomer(ctx context.Context, customerID string, limit int) ([]domain.CheckoutSessionObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.customerSessions[customerID], nil
}

func (f *fakeBilling) RetrievePaymentIntent(ctx context.Context, paymentIntentID string) (*domain.PaymentIntentObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	pi, ok := f.intents[paymentIntentID]
	if !ok {
		return nil, notFound("payment intent", paymentIntentID)
	}
	return &pi, nil
}

func (f *fakeBilling) RetrieveInvoice(ctx context.Context, invoiceID string) (*domain.InvoiceObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inv, ok := f.invoices[invoiceID]
	if !ok {
		return nil, notFound("invoice", invoiceID)
	}
	return &inv, nil
}

func (f *fakeBilling) RetrieveSubscription(ctx context.Context, subscriptionID string) (*domain.SubscriptionObject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.subscriptions[subscriptionID]
	if !ok {
		return nil, notFound("subscription", subscriptionID)
	}
	return &s, nil
}

func (f *fakeBilling) UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.metadataUpdates[subscriptionID] = metadata
	return nil
}

func (f *fakeBilling) CancelSubscription(ctx context.Context, subscriptionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls = append(f.cancelCalls, subscriptionID)
	if f.cancelErr != nil {
		return f.cancelErr
	}
	s, ok := f.subscriptions[subscriptionID]
	if !ok {
		return notFound("subscription", subscriptionID)
	}
	if !f.cancelIneffect {
		s.Status = "canceled"
	}
	f.subscriptions[subscriptionID] = s
	return nil
}

type fakePrices struct {
	prices map[domain.Metal]domain.MetalPrice
	err    error
}

func goldAt(perGram float64) *fakePrices {
	return &fakePrices{prices: map[domain.Metal]domain.MetalPrice{
		domain.MetalGold: {Metal: domain.MetalGold, PricePerUnit: perGram, Unit: domain.UnitGram, Currency: "usd", QuoteDate: testEpoch},
	}}
}

func (f *fakePrices) Price(ctx context.Context, metal domain.Metal) (domain.MetalPrice, error) {
	if f.err != nil {
		return domain.MetalPrice{}, f.err
	}
	p, ok := f.prices[metal]
	if !ok {
		return domain.MetalPrice{}, errors.New("no price")
	}
	return p, nil
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []OpsAlert
}

func (n *recordingNotifier) Notify(ctx context.Context, alert OpsAlert) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, alert)
}

func (n *recordingNotifier) kinds() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.alerts))
	for _, a := range n.alerts {
		out = append(out, a.Kind)
	}
	return out
}

type publishedMessage struct {
	exchange   string
	routingKey string
	body       interface{}
}

type fakePublisher struct {
	mu        sync.Mutex
	err       error
	published []publishedMessage
}

func (p *fakePublisher) Publish(ctx context.Context, exchange, routingKey string, body interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, publishedMessage{exchange: exchange, routingKey: routingKey, body: body})
	return nil
}

func (p *fakePublisher) Close() {}

// envelope wraps obj the way the processor delivers event data.
func envelope(t *testing.T, id, eventType string, obj map[string]any) domain.EventEnvelope {
	t.Helper()
	data, err := json.Marshal(map[string]any{"object": obj})
	if err != nil {
		t.Fatalf("failed to marshal event data: %v", err)
	}
	return domain.EventEnvelope{ID: id, Type: eventType, Created: testEpoch.Unix(), Data: data}
}

func ptr[T any](v T) *T { return &v }
