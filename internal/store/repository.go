/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract for all
 * data access operations required by the settlement-service. Business logic depends
 * on this interface rather than on PostgreSQL directly, which keeps it testable.
 *
 * @dependencies
 * - context, time: Standard Go libraries.
 * - github.com/google/uuid: For UUID handling.
 * - internal/domain: For the service's domain models.
 */

package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/metalvault/settlement-service/internal/domain"
)

// UpdateOrderParams is a partial update; nil fields keep their stored value.
// When EventID is set the update only applies if the order has not already
// recorded that event.
type UpdateOrderParams struct {
	Status                 *domain.OrderStatus
	PaymentStatus          *domain.PaymentStatus
	InvoiceStatus          *domain.InvoiceStatus
	UserID                 *uuid.UUID
	SubscriptionID         *uuid.UUID
	Amount                 *float64
	AmountMinor            *int64
	Currency               *string
	CheckoutSessionID      *string
	CustomerID             *string
	ExternalSubscriptionID *string
	PaymentIntentID        *string
	InvoiceID              *string
	EventID                *string
	EventType              *string
	EventAt                *time.Time
	Metadata               map[string]string
}

// UpdateSubscriptionParams is a partial update. AddValue and AddWeight are applied
// as increments; CurrentPeriodEnd only ever moves forward.
type UpdateSubscriptionParams struct {
	Status                 *domain.SubscriptionStatus
	ExternalSubscriptionID *string
	CustomerID             *string
	CurrentPeriodEnd       *time.Time
	Quantity               *int64
	MonthlyAmount          *float64
	TargetPrice            *float64
	AddValue               float64
	AddWeight              float64
}

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// User methods
	FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	FindUserByCustomerID(ctx context.Context, customerID string) (*domain.User, error)
	SetUserBillingCustomerID(ctx context.Context, userID uuid.UUID, customerID string) error

	// Order ledger methods
	CreateOrder(ctx context.Context, order *domain.Order) error
	FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error)
	FindOrderByCheckoutSessionID(ctx context.Context, sessionID string) (*domain.Order, error)
	// FindOrderBySubscriptionID returns the newest order for an external subscription.
	// A non-empty invoiceID restricts the match to orders not yet bound to another invoice.
	FindOrderBySubscriptionID(ctx context.Context, externalSubscriptionID, invoiceID string) (*domain.Order, error)
	FindOrderByInvoiceID(ctx context.Context, invoiceID string) (*domain.Order, error)
	FindOrderByPaymentIntentID(ctx context.Context, paymentIntentID string) (*domain.Order, error)
	FindEarliestOrderBySubscriptionID(ctx context.Context, externalSubscriptionID string) (*domain.Order, error)
	ListRecentPendingOrdersByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error)
	UpdateOrder(ctx context.Context, orderID uuid.UUID, params UpdateOrderParams) (*domain.Order, error)
	ListStalePendingCheckoutOrders(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error)
	ListStalePendingPaymentIntentOrders(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error)
	DeleteTerminalOrders(ctx context.Context, updatedBefore time.Time, limit int) (int64, error)

	// Subscription methods
	CreateSubscription(ctx context.Context, sub *domain.Subscription) error
	FindSubscriptionByID(ctx context.Context, subscriptionID uuid.UUID) (*domain.Subscription, error)
	FindSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*domain.Subscription, error)
	FindSubscriptionByFingerprint(ctx context.Context, fp domain.SubscriptionFingerprint) (*domain.Subscription, error)
	UpdateSubscription(ctx context.Context, subscriptionID uuid.UUID, params UpdateSubscriptionParams) (*domain.Subscription, error)

	// Withdrawal and cancellation request methods
	CreateWithdrawalRequest(ctx context.Context, req *domain.WithdrawalRequest) error
	FindWithdrawalRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.WithdrawalRequest, error)
	UpdateWithdrawalRequestStatus(ctx context.Context, requestID uuid.UUID, status domain.WithdrawalStatus, processedBy string, notes *string) (*domain.WithdrawalRequest, error)
	CreateCancellationRequest(ctx context.Context, req *domain.CancellationRequest) error
	FindCancellationRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.CancellationRequest, error)
	FindOpenCancellationRequest(ctx context.Context, subscriptionID uuid.UUID) (*domain.CancellationRequest, error)
	// TransitionCancellationRequest moves a request to status only if its current
	// status is one of from. It reports whether the row changed.
	TransitionCancellationRequest(ctx context.Context, requestID uuid.UUID, from []domain.CancellationStatus, to domain.CancellationStatus, processedBy string, notes *string) (bool, error)

	// Webhook inbox methods
	// RecordWebhookEvent inserts the event and reports false if the event id was already recorded.
	RecordWebhookEvent(ctx context.Context, event *domain.WebhookEvent) (bool, error)
	FindWebhookEvent(ctx context.Context, provider, eventID string) (*domain.WebhookEvent, error)
	MarkWebhookEventProcessed(ctx context.Context, provider, eventID string, processingErr *string) error
	ListUnprocessedWebhookEvents(ctx context.Context, receivedBefore time.Time, maxAttempts, limit int) ([]domain.WebhookEvent, error)
	IncrementWebhookEventAttempts(ctx context.Context, provider, eventID string) error

	// RunInTx executes fn inside a single database transaction. Returning an error
	// from fn rolls back every write made through the SettlementTx.
	RunInTx(ctx context.Context, fn func(tx SettlementTx) error) error
}

// SettlementTx is the set of row-locking operations available inside RunInTx.
type SettlementTx interface {
	LockWithdrawalRequest(ctx context.Context, requestID uuid.UUID) (*domain.WithdrawalRequest, error)
	LockSubscription(ctx context.Context, subscriptionID uuid.UUID) (*domain.Subscription, error)
	LockUser(ctx context.Context, userID uuid.UUID) (*domain.User, error)
	// DrainSubscription zeroes accumulated weight and value, optionally setting status.
	DrainSubscription(ctx context.Context, subscriptionID uuid.UUID, status *domain.SubscriptionStatus) error
	AddUserWithdrawn(ctx context.Context, userID uuid.UUID, metal domain.Metal, weight float64) error
	SetWithdrawalRequestStatus(ctx context.Context, requestID uuid.UUID, status domain.WithdrawalStatus, processedBy string) error
}
