package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/metalvault/settlement-service/internal/domain"
	"github.com/metalvault/settlement-service/internal/pricing"
	"github.com/metalvault/settlement-service/internal/store"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrForbidden          = errors.New("resource belongs to another user")
	ErrRequestExists      = errors.New("an open request already exists")
	ErrSubscriptionClosed = errors.New("subscription is already canceled")
)

var withdrawalTransitions = map[domain.WithdrawalStatus][]domain.WithdrawalStatus{
	domain.WithdrawalStatusPending:    {domain.WithdrawalStatusInReview, domain.WithdrawalStatusProcessing, domain.WithdrawalStatusApproved, domain.WithdrawalStatusRejected},
	domain.WithdrawalStatusInReview:   {domain.WithdrawalStatusProcessing, domain.WithdrawalStatusApproved, domain.WithdrawalStatusRejected},
	domain.WithdrawalStatusProcessing: {domain.WithdrawalStatusApproved, domain.WithdrawalStatusRejected},
	domain.WithdrawalStatusApproved:   {domain.WithdrawalStatusApproved, domain.WithdrawalStatusRejected},
}

// CanTransitionWithdrawal reports whether an admin may move a request from one status
// to another. Re-applying approved retries a failed settlement.
func CanTransitionWithdrawal(from, to domain.WithdrawalStatus) bool {
	for _, allowed := range withdrawalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// cancellationSources lists the statuses each admin target may be reached from.
var cancellationSources = map[domain.CancellationStatus][]domain.CancellationStatus{
	domain.CancellationStatusInReview: {domain.CancellationStatusPending},
	domain.CancellationStatusApproved: {domain.CancellationStatusPending, domain.CancellationStatusInReview},
	domain.CancellationStatusRejected: {domain.CancellationStatusPending, domain.CancellationStatusInReview, domain.CancellationStatusApproved},
}

// CheckoutURLs are the hosted-checkout redirect targets.
type CheckoutURLs struct {
	Success string
	Cancel  string
}

// RequestService owns the user- and admin-driven workflows.
type RequestService struct {
	repo     store.Repository
	billing  BillingProcessor
	prices   PriceSource
	settler  *Settler
	urls     CheckoutURLs
	currency string
	logger   *slog.Logger
}

func NewRequestService(repo store.Repository, billing BillingProcessor, prices PriceSource, settler *Settler, urls CheckoutURLs, defaultCurrency string, logger *slog.Logger) *RequestService {
	return &RequestService{
		repo:     repo,
		billing:  billing,
		prices:   prices,
		settler:  settler,
		urls:     urls,
		currency: strings.ToLower(defaultCurrency),
		logger:   logger.With("component", "request_service"),
	}
}

// CreateWithdrawalInput is a user's ask to redeem metal.
type CreateWithdrawalInput struct {
	UserID         uuid.UUID
	SubscriptionID *uuid.UUID
	Metal          domain.Metal
	Weight         float64
	Unit           string
	Notes          string
}

// CreateWithdrawalRequest validates the balance and records a pending request.
func (s *RequestService) CreateWithdrawalRequest(ctx context.Context, in CreateWithdrawalInput) (*domain.WithdrawalRequest, error) {
	if !in.Metal.Valid() {
		return nil, fmt.Errorf("%w: unsupported metal %q", ErrInvalidInput, in.Metal)
	}
	if in.Weight <= 0 {
		return nil, fmt.Errorf("%w: weight must be positive", ErrInvalidInput)
	}
	unit, err := pricing.ParseUnit(in.Unit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if in.SubscriptionID != nil {
		sub, err := s.ownedSubscription(ctx, in.UserID, *in.SubscriptionID)
		if err != nil {
			return nil, err
		}
		if sub.Metal != in.Metal {
			return nil, fmt.Errorf("%w: subscription accumulates %s", ErrInvalidInput, sub.Metal)
		}
		requested, err := pricing.Convert(in.Weight, unit, sub.TargetUnit)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		if !pricing.AtLeast(sub.AccumulatedWeight, requested) {
			return nil, &InsufficientBalanceError{Requested: requested, Available: sub.AccumulatedWeight, Unit: sub.TargetUnit}
		}
	}

	req := &domain.WithdrawalRequest{
		ID:              uuid.New(),
		UserID:          in.UserID,
		SubscriptionID:  in.SubscriptionID,
		Metal:           in.Metal,
		RequestedWeight: in.Weight,
		RequestedUnit:   unit,
		EstimatedValue:  s.estimateValue(ctx, in.Metal, in.Weight, unit),
		Status:          domain.WithdrawalStatusPending,
		Notes:           strPtr(strings.TrimSpace(in.Notes)),
	}
	if err := s.repo.CreateWithdrawalRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create withdrawal request: %w", err)
	}
	s.logger.Info("withdrawal request created", "request_id", req.ID, "user_id", req.UserID, "weight", req.RequestedWeight, "unit", req.RequestedUnit)
	return req, nil
}

func (s *RequestService) estimateValue(ctx context.Context, metal domain.Metal, weight float64, unit domain.WeightUnit) float64 {
	if s.prices == nil {
		return 0
	}
	price, err := s.prices.Price(ctx, metal)
	if err != nil {
		s.logger.Warn("price unavailable for withdrawal estimate", "metal", metal, "error", err)
		return 0
	}
	value, err := pricing.ValueForWeight(weight, unit, price)
	if err != nil {
		s.logger.Warn("failed to estimate withdrawal value", "metal", metal, "error", err)
		return 0
	}
	return value
}

func (s *RequestService) ownedSubscription(ctx context.Context, userID, subscriptionID uuid.UUID) (*domain.Subscription, error) {
	sub, err := s.repo.FindSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.UserID != userID {
		return nil, ErrForbidden
	}
	return sub, nil
}

// WithdrawalUpdate is the result of an admin status change.
type WithdrawalUpdate struct {
	Request    *domain.WithdrawalRequest
	Settlement *SettlementResult
}

// UpdateWithdrawalStatus applies an admin transition. Moving to approved runs the
// settlement; a settlement failure leaves the request approved so it can be retried.
func (s *RequestService) UpdateWithdrawalStatus(ctx context.Context, requestID uuid.UUID, to domain.WithdrawalStatus, adminID string, notes *string) (*WithdrawalUpdate, error) {
	current, err := s.repo.FindWithdrawalRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !CanTransitionWithdrawal(current.Status, to) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current.Status, to)
	}

	updated := current
	if current.Status != to || notes != nil {
		updated, err = s.repo.UpdateWithdrawalRequestStatus(ctx, requestID, to, adminID, notes)
		if err != nil {
			return nil, fmt.Errorf("failed to update withdrawal request %s: %w", requestID, err)
		}
	}
	if to != domain.WithdrawalStatusApproved {
		return &WithdrawalUpdate{Request: updated}, nil
	}

	result, err := s.settler.Settle(ctx, requestID, adminID)
	if err != nil {
		return &WithdrawalUpdate{Request: updated}, err
	}
	completed, err := s.repo.FindWithdrawalRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return &WithdrawalUpdate{Request: completed, Settlement: result}, nil
}

// CreateCancellationRequest records a user's ask to end a plan.
func (s *RequestService) CreateCancellationRequest(ctx context.Context, userID, subscriptionID uuid.UUID, reason string) (*domain.CancellationRequest, error) {
	sub, err := s.ownedSubscription(ctx, userID, subscriptionID)
	if err != nil {
		return nil, err
	}
	if sub.Status == domain.SubscriptionStatusCanceled {
		return nil, ErrSubscriptionClosed
	}
	if _, err := s.repo.FindOpenCancellationRequest(ctx, subscriptionID); err == nil {
		return nil, ErrRequestExists
	} else if !errors.Is(err, store.ErrCancellationRequestNotFound) {
		return nil, fmt.Errorf("failed to check open cancellation requests: %w", err)
	}

	req := &domain.CancellationRequest{
		ID:             uuid.New(),
		UserID:         userID,
		SubscriptionID: subscriptionID,
		Reason:         strPtr(strings.TrimSpace(reason)),
		Status:         domain.CancellationStatusPending,
	}
	if err := s.repo.CreateCancellationRequest(ctx, req); err != nil {
		return nil, fmt.Errorf("failed to create cancellation request: %w", err)
	}
	return req, nil
}

// CancellationUpdate is the result of an admin cancellation transition.
type CancellationUpdate struct {
	Request *domain.CancellationRequest
	// Cancellation is set when approval triggered the cancel side effect.
	Cancellation *BestEffortResult
}

// UpdateCancellationStatus applies an admin transition. The cancel side effect runs
// only for a request that is approved and not yet completed.
func (s *RequestService) UpdateCancellationStatus(ctx context.Context, requestID uuid.UUID, to domain.CancellationStatus, adminID string, notes *string) (*CancellationUpdate, error) {
	sources, ok := cancellationSources[to]
	if !ok {
		return nil, fmt.Errorf("%w: cannot set %s", ErrInvalidTransition, to)
	}
	changed, err := s.repo.TransitionCancellationRequest(ctx, requestID, sources, to, adminID, notes)
	if err != nil {
		return nil, fmt.Errorf("failed to update cancellation request %s: %w", requestID, err)
	}
	req, err := s.repo.FindCancellationRequestByID(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !changed && !(to == domain.CancellationStatusApproved && req.Status == domain.CancellationStatusApproved) {
		return nil, fmt.Errorf("%w: %s to %s", ErrInvalidTransition, req.Status, to)
	}
	if to != domain.CancellationStatusApproved {
		return &CancellationUpdate{Request: req}, nil
	}

	result := s.cancelSubscription(ctx, req.SubscriptionID)
	update := &CancellationUpdate{Request: req, Cancellation: &result}
	if !result.LocalApplied() {
		return update, result.Err()
	}

	done, err := s.repo.TransitionCancellationRequest(ctx, requestID,
		[]domain.CancellationStatus{domain.CancellationStatusApproved}, domain.CancellationStatusCompleted, adminID, nil)
	if err != nil {
		return update, fmt.Errorf("failed to complete cancellation request %s: %w", requestID, err)
	}
	if done {
		if req, err = s.repo.FindCancellationRequestByID(ctx, requestID); err == nil {
			update.Request = req
		}
	}
	return update, nil
}

func (s *RequestService) cancelSubscription(ctx context.Context, subscriptionID uuid.UUID) BestEffortResult {
	sub, err := s.repo.FindSubscriptionByID(ctx, subscriptionID)
	if err != nil {
		return newBestEffortResult(nil, err)
	}
	remoteErr := cancelAndVerify(ctx, s.billing, s.logger, sub)

	canceled := domain.SubscriptionStatusCanceled
	_, localErr := s.repo.UpdateSubscription(ctx, sub.ID, store.UpdateSubscriptionParams{Status: &canceled})
	result := newBestEffortResult(remoteErr, localErr)
	s.logger.Info("subscription cancellation applied", "subscription_id", sub.ID, "outcome", result.Outcome)
	return result
}

// CheckoutInput starts a plan purchase for a user.
type CheckoutInput struct {
	UserID        uuid.UUID
	Mode          domain.CheckoutMode
	Metal         domain.Metal
	PlanName      string
	TargetWeight  float64
	TargetUnit    string
	MonthlyAmount float64
	Quantity      int64
	Currency      string
}

// CheckoutResult points the client at the hosted checkout page.
type CheckoutResult struct {
	OrderID   uuid.UUID `json:"order_id"`
	SessionID string    `json:"session_id"`
	URL       string    `json:"url"`
}

// StartCheckout creates a pending order with its plan snapshot and a hosted checkout
// session referencing it.
func (s *RequestService) StartCheckout(ctx context.Context, in CheckoutInput) (*CheckoutResult, error) {
	if in.Mode == "" {
		in.Mode = domain.CheckoutModeSubscription
	}
	if !in.Metal.Valid() {
		return nil, fmt.Errorf("%w: unsupported metal %q", ErrInvalidInput, in.Metal)
	}
	if in.MonthlyAmount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	unit, err := pricing.ParseUnit(in.TargetUnit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if in.Quantity <= 0 {
		in.Quantity = 1
	}
	currency := strings.ToLower(strings.TrimSpace(in.Currency))
	if currency == "" {
		currency = s.currency
	}

	user, err := s.repo.FindUserByID(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	customerID, err := s.ensureCustomer(ctx, user)
	if err != nil {
		return nil, err
	}

	orderType := domain.OrderTypeSubscription
	if in.Mode == domain.CheckoutModePayment {
		orderType = domain.OrderTypeOneTime
	}
	amountMinor := pricing.MajorToMinor(in.MonthlyAmount, currency)
	order := &domain.Order{
		ID:            uuid.New(),
		UserID:        &user.ID,
		OrderType:     orderType,
		Amount:        pricing.MinorToMajor(amountMinor, currency) * float64(in.Quantity),
		AmountMinor:   amountMinor * in.Quantity,
		Currency:      currency,
		Status:        domain.OrderStatusPending,
		PaymentStatus: domain.PaymentStatusPending,
		InvoiceStatus: domain.InvoiceStatusNone,
		CustomerID:    &customerID,
		Plan: &domain.PlanSnapshot{
			Metal:         in.Metal,
			PlanName:      in.PlanName,
			TargetWeight:  in.TargetWeight,
			TargetUnit:    unit,
			MonthlyAmount: in.MonthlyAmount,
			Quantity:      in.Quantity,
			TargetPrice:   s.estimateValue(ctx, in.Metal, in.TargetWeight, unit),
		},
	}
	metadata := map[string]string{
		domain.MetadataOrderID: order.ID.String(),
		domain.MetadataUserID:  user.ID.String(),
	}

	priceID, err := s.billing.CreatePrice(ctx, domain.PriceSpec{
		ProductName: in.PlanName,
		UnitAmount:  amountMinor,
		Currency:    currency,
		Recurring:   in.Mode == domain.CheckoutModeSubscription,
		Metadata:    metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create price: %w", err)
	}
	if err := s.repo.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("failed to create order: %w", err)
	}

	session, err := s.billing.CreateCheckoutSession(ctx, domain.CheckoutSpec{
		Mode:              in.Mode,
		CustomerID:        customerID,
		PriceID:           priceID,
		Quantity:          in.Quantity,
		ClientReferenceID: order.ID.String(),
		SuccessURL:        s.urls.Success,
		CancelURL:         s.urls.Cancel,
		Metadata:          metadata,
	})
	if err != nil {
		failed := orderState(domain.OrderStatusCancelled, domain.PaymentStatusFailed)
		if _, updErr := s.repo.UpdateOrder(ctx, order.ID, failed); updErr != nil {
			s.logger.Warn("failed to cancel order after checkout error", "order_id", order.ID, "error", updErr)
		}
		return nil, fmt.Errorf("failed to create checkout session: %w", err)
	}

	if _, err := s.repo.UpdateOrder(ctx, order.ID, store.UpdateOrderParams{CheckoutSessionID: &session.ID}); err != nil {
		return nil, fmt.Errorf("failed to link checkout session to order %s: %w", order.ID, err)
	}
	s.logger.Info("checkout started", "order_id", order.ID, "session_id", session.ID, "mode", in.Mode)
	return &CheckoutResult{OrderID: order.ID, SessionID: session.ID, URL: session.URL}, nil
}

func (s *RequestService) ensureCustomer(ctx context.Context, user *domain.User) (string, error) {
	if user.BillingCustomerID != nil && *user.BillingCustomerID != "" {
		return *user.BillingCustomerID, nil
	}
	customerID, err := s.billing.CreateCustomer(ctx, domain.CustomerSpec{UserID: user.ID, Email: user.Email})
	if err != nil {
		return "", fmt.Errorf("failed to create billing customer: %w", err)
	}
	if err := s.repo.SetUserBillingCustomerID(ctx, user.ID, customerID); err != nil {
		return "", fmt.Errorf("failed to save billing customer: %w", err)
	}
	return customerID, nil
}
