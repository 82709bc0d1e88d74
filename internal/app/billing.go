/**
 * @description
 * Collaborator contracts and typed results shared by the settlement engine.
 *
 * @notes
 * - BillingProcessor is injected everywhere it is needed; there is no package-level
 *   processor client.
 * - Remote side effects that must not block local state changes report a
 *   BestEffortResult instead of returning an error.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/metalvault/settlement-service/internal/domain"
)

// BillingProcessor is the subset of the billing processor API the engine consumes.
type BillingProcessor interface {
	CreateCustomer(ctx context.Context, spec domain.CustomerSpec) (string, error)
	CreatePrice(ctx context.Context, spec domain.PriceSpec) (string, error)
	CreateCheckoutSession(ctx context.Context, spec domain.CheckoutSpec) (*domain.CheckoutSessionObject, error)
	RetrieveCheckoutSession(ctx context.Context, sessionID string) (*domain.CheckoutSessionObject, error)
	ListCheckoutSessionsByCustomer(ctx context.Context, customerID string, limit int) ([]domain.CheckoutSessionObject, error)
	RetrievePaymentIntent(ctx context.Context, paymentIntentID string) (*domain.PaymentIntentObject, error)
	RetrieveInvoice(ctx context.Context, invoiceID string) (*domain.InvoiceObject, error)
	RetrieveSubscription(ctx context.Context, subscriptionID string) (*domain.SubscriptionObject, error)
	UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error
	CancelSubscription(ctx context.Context, subscriptionID string) error
}

// PriceSource returns the latest known price for a metal in its base unit.
type PriceSource interface {
	Price(ctx context.Context, metal domain.Metal) (domain.MetalPrice, error)
}

// Clock is the time source used by components that need deterministic time in tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns the wall clock in UTC.
func SystemClock() Clock { return systemClock{} }

// BestEffortOutcome names which branch a best-effort side effect took.
type BestEffortOutcome string

const (
	BestEffortSucceeded                BestEffortOutcome = "succeeded"
	BestEffortRemoteFailedLocalApplied BestEffortOutcome = "remote_failed_local_applied"
	BestEffortFailed                   BestEffortOutcome = "failed"
)

// BestEffortResult reports a remote call paired with a local state change.
type BestEffortResult struct {
	Outcome   BestEffortOutcome
	RemoteErr error
	LocalErr  error
}

func newBestEffortResult(remoteErr, localErr error) BestEffortResult {
	switch {
	case localErr != nil:
		return BestEffortResult{Outcome: BestEffortFailed, RemoteErr: remoteErr, LocalErr: localErr}
	case remoteErr != nil:
		return BestEffortResult{Outcome: BestEffortRemoteFailedLocalApplied, RemoteErr: remoteErr}
	default:
		return BestEffortResult{Outcome: BestEffortSucceeded}
	}
}

// LocalApplied reports whether the local state change persisted.
func (r BestEffortResult) LocalApplied() bool {
	return r.Outcome == BestEffortSucceeded || r.Outcome == BestEffortRemoteFailedLocalApplied
}

// Err joins both errors, or returns nil on success.
func (r BestEffortResult) Err() error {
	return errors.Join(r.RemoteErr, r.LocalErr)
}

// ErrInsufficientBalance is matched by every *InsufficientBalanceError.
var ErrInsufficientBalance = errors.New("insufficient accumulated balance")

// InsufficientBalanceError identifies a withdrawal shortfall in the subscription's unit.
type InsufficientBalanceError struct {
	Requested float64
	Available float64
	Unit      domain.WeightUnit
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient accumulated balance: requested %.6f%s, available %.6f%s, short by %.6f%s",
		e.Requested, e.Unit, e.Available, e.Unit, e.Shortfall(), e.Unit)
}

func (e *InsufficientBalanceError) Shortfall() float64 {
	if e.Requested <= e.Available {
		return 0
	}
	return e.Requested - e.Available
}

func (e *InsufficientBalanceError) Is(target error) bool {
	return target == ErrInsufficientBalance
}

// SettlementReason identifies which precondition or step stopped a settlement.
type SettlementReason string

const (
	SettlementRequestNotFound       SettlementReason = "request_not_found"
	SettlementAlreadyProcessed      SettlementReason = "already_processed"
	SettlementNotApproved           SettlementReason = "not_approved"
	SettlementNoSubscription        SettlementReason = "no_subscription"
	SettlementSubscriptionNotFound  SettlementReason = "subscription_not_found"
	SettlementMetalMismatch         SettlementReason = "metal_mismatch"
	SettlementBalanceAlreadyDrained SettlementReason = "balance_already_drained"
	SettlementInsufficientBalance   SettlementReason = "insufficient_balance"
	SettlementInvalidUnit           SettlementReason = "invalid_unit"
	SettlementUserNotFound          SettlementReason = "user_not_found"
	SettlementStorageFailure        SettlementReason = "storage_failure"
)

// SettlementError is the typed failure returned by Settle. The transaction has been
// rolled back when it is returned.
type SettlementError struct {
	Reason SettlementReason
	Err    error
}

func (e *SettlementError) Error() string {
	if e.Err == nil {
		return "settlement failed: " + string(e.Reason)
	}
	return fmt.Sprintf("settlement failed: %s: %v", e.Reason, e.Err)
}

func (e *SettlementError) Unwrap() error { return e.Err }

func settlementErr(reason SettlementReason, err error) *SettlementError {
	return &SettlementError{Reason: reason, Err: err}
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
