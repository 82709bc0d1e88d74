package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/metalvault/settlement-service/internal/domain"
	"github.com/metalvault/settlement-service/internal/pricing"
	"github.com/metalvault/settlement-service/internal/store"
)

// SyncInput is one settled payment's effect on its subscription.
type SyncInput struct {
	Status      domain.SubscriptionStatus
	PeriodEnd   *time.Time
	ValueDelta  float64
	WeightDelta float64
}

// SubscriptionSync upserts subscriptions from settled orders and processor snapshots.
type SubscriptionSync struct {
	repo    store.Repository
	billing BillingProcessor
	prices  PriceSource
	logger  *slog.Logger
}

func NewSubscriptionSync(repo store.Repository, billing BillingProcessor, prices PriceSource, logger *slog.Logger) *SubscriptionSync {
	return &SubscriptionSync{
		repo:    repo,
		billing: billing,
		prices:  prices,
		logger:  logger.With("component", "subscription_sync"),
	}
}

// MapExternalStatus translates a processor subscription status into the local enum.
func MapExternalStatus(status string) domain.SubscriptionStatus {
	switch s := domain.SubscriptionStatus(status); s {
	case domain.SubscriptionStatusActive,
		domain.SubscriptionStatusTrialing,
		domain.SubscriptionStatusIncomplete,
		domain.SubscriptionStatusIncompleteExpired,
		domain.SubscriptionStatusPastDue,
		domain.SubscriptionStatusCanceled,
		domain.SubscriptionStatusUnpaid:
		return s
	}
	return domain.SubscriptionStatusPendingPayment
}

// SyncFromOrder applies a settled subscription-type order to its subscription,
// creating the subscription on first sight.
func (s *SubscriptionSync) SyncFromOrder(ctx context.Context, order *domain.Order, in SyncInput) (*domain.Subscription, error) {
	if !order.IsSubscription() {
		return nil, nil
	}

	sub, err := s.locate(ctx, order)
	if err != nil {
		return nil, err
	}

	created := false
	if sub == nil {
		sub, err = s.create(ctx, order, in.Status)
		if err != nil {
			return nil, err
		}
		if sub == nil {
			return nil, nil
		}
		created = true
	}

	params := store.UpdateSubscriptionParams{
		CurrentPeriodEnd: in.PeriodEnd,
		AddValue:         positive(in.ValueDelta),
	}
	if !created && (in.Status != domain.SubscriptionStatusPendingPayment || sub.Status == domain.SubscriptionStatusPendingPayment) {
		status := in.Status
		params.Status = &status
	}
	if order.ExternalSubscriptionID != nil && sub.ExternalSubscriptionID == nil {
		params.ExternalSubscriptionID = order.ExternalSubscriptionID
	}
	if order.CustomerID != nil && sub.CustomerID == "" {
		params.CustomerID = order.CustomerID
	}
	if in.WeightDelta > 0 {
		params.AddWeight = in.WeightDelta
	} else if params.AddValue > 0 {
		params.AddWeight = s.weightFor(ctx, sub, params.AddValue)
	}

	updated, err := s.repo.UpdateSubscription(ctx, sub.ID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscription %s: %w", sub.ID, err)
	}

	s.backLink(ctx, order, updated)
	if updated.ExternalSubscriptionID != nil && (created || params.ExternalSubscriptionID != nil) {
		s.tagRemote(ctx, *updated.ExternalSubscriptionID, updated)
	}
	return updated, nil
}

// SyncFromSnapshot re-applies a processor subscription snapshot. It returns nil
// without error when no local subscription or order can be tied to the snapshot.
func (s *SubscriptionSync) SyncFromSnapshot(ctx context.Context, snap *domain.SubscriptionObject) (*domain.Subscription, error) {
	sub, err := s.resolveSnapshot(ctx, snap)
	if err != nil || sub == nil {
		return nil, err
	}

	status := MapExternalStatus(snap.Status)
	if snap.CancelAtPeriodEnd && (status == domain.SubscriptionStatusActive || status == domain.SubscriptionStatusTrialing) {
		status = domain.SubscriptionStatusCanceling
	}
	params := store.UpdateSubscriptionParams{
		Status:           &status,
		CurrentPeriodEnd: snap.PeriodEnd(),
	}
	if sub.ExternalSubscriptionID == nil {
		params.ExternalSubscriptionID = &snap.ID
	}
	if customer := snap.Customer.String(); customer != "" && sub.CustomerID == "" {
		params.CustomerID = &customer
	}
	if qty := snap.TotalQuantity(); qty > 0 {
		params.Quantity = &qty
	}
	if minor, currency := snap.RecurringAmountMinor(); minor > 0 {
		monthly := pricing.MinorToMajor(minor, currency)
		params.MonthlyAmount = &monthly
	}

	updated, err := s.repo.UpdateSubscription(ctx, sub.ID, params)
	if err != nil {
		return nil, fmt.Errorf("failed to apply snapshot %s to subscription %s: %w", snap.ID, sub.ID, err)
	}
	return updated, nil
}

func (s *SubscriptionSync) resolveSnapshot(ctx context.Context, snap *domain.SubscriptionObject) (*domain.Subscription, error) {
	sub, err := s.repo.FindSubscriptionByExternalID(ctx, snap.ID)
	if err == nil {
		return sub, nil
	}
	if !errors.Is(err, store.ErrSubscriptionNotFound) {
		return nil, fmt.Errorf("failed to look up subscription %s: %w", snap.ID, err)
	}

	if raw := snap.Metadata[domain.MetadataSubscriptionID]; raw != "" {
		if id, parseErr := uuid.Parse(raw); parseErr == nil {
			sub, err = s.repo.FindSubscriptionByID(ctx, id)
			if err == nil {
				return sub, nil
			}
			if !errors.Is(err, store.ErrSubscriptionNotFound) {
				return nil, fmt.Errorf("failed to look up subscription %s: %w", id, err)
			}
		}
	}

	order, err := s.repo.FindEarliestOrderBySubscriptionID(ctx, snap.ID)
	if errors.Is(err, store.ErrOrderNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up orders for subscription %s: %w", snap.ID, err)
	}
	return s.SyncFromOrder(ctx, order, SyncInput{Status: domain.SubscriptionStatusPendingPayment})
}

func (s *SubscriptionSync) locate(ctx context.Context, order *domain.Order) (*domain.Subscription, error) {
	if order.ExternalSubscriptionID != nil {
		sub, err := s.repo.FindSubscriptionByExternalID(ctx, *order.ExternalSubscriptionID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil, fmt.Errorf("failed to look up subscription %s: %w", *order.ExternalSubscriptionID, err)
		}
	}

	if order.SubscriptionID != nil {
		sub, err := s.repo.FindSubscriptionByID(ctx, *order.SubscriptionID)
		if err == nil {
			return sub, nil
		}
		if !errors.Is(err, store.ErrSubscriptionNotFound) {
			return nil, fmt.Errorf("failed to look up subscription %s: %w", *order.SubscriptionID, err)
		}
	}

	fp, ok := s.fingerprint(ctx, order)
	if !ok {
		return nil, nil
	}
	sub, err := s.repo.FindSubscriptionByFingerprint(ctx, fp)
	if errors.Is(err, store.ErrSubscriptionNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up subscription by fingerprint: %w", err)
	}
	return sub, nil
}

func (s *SubscriptionSync) fingerprint(ctx context.Context, order *domain.Order) (domain.SubscriptionFingerprint, bool) {
	if order.Plan == nil || order.CustomerID == nil {
		return domain.SubscriptionFingerprint{}, false
	}
	userID, ok := s.orderUser(ctx, order)
	if !ok {
		return domain.SubscriptionFingerprint{}, false
	}
	return domain.SubscriptionFingerprint{
		UserID:       userID,
		CustomerID:   *order.CustomerID,
		Metal:        order.Plan.Metal,
		PlanName:     order.Plan.PlanName,
		TargetWeight: order.Plan.TargetWeight,
		TargetUnit:   order.Plan.TargetUnit,
	}, true
}

func (s *SubscriptionSync) orderUser(ctx context.Context, order *domain.Order) (uuid.UUID, bool) {
	if order.UserID != nil {
		return *order.UserID, true
	}
	if order.CustomerID == nil {
		return uuid.Nil, false
	}
	user, err := s.repo.FindUserByCustomerID(ctx, *order.CustomerID)
	if err != nil {
		if !errors.Is(err, store.ErrUserNotFound) {
			s.logger.Warn("failed to resolve user by customer", "customer_id", *order.CustomerID, "error", err)
		}
		return uuid.Nil, false
	}
	return user.ID, true
}

func (s *SubscriptionSync) create(ctx context.Context, order *domain.Order, status domain.SubscriptionStatus) (*domain.Subscription, error) {
	userID, ok := s.orderUser(ctx, order)
	if order.Plan == nil || order.CustomerID == nil || !ok {
		s.logger.Warn("cannot create subscription from order without plan, customer and user", "order_id", order.ID)
		return nil, nil
	}
	plan := order.Plan
	quantity := plan.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	sub := &domain.Subscription{
		ID:                     uuid.New(),
		UserID:                 userID,
		Metal:                  plan.Metal,
		PlanName:               plan.PlanName,
		TargetWeight:           plan.TargetWeight,
		TargetUnit:             plan.TargetUnit,
		MonthlyAmount:          plan.MonthlyAmount,
		Quantity:               quantity,
		Status:                 status,
		CustomerID:             *order.CustomerID,
		ExternalSubscriptionID: order.ExternalSubscriptionID,
		TargetPrice:            plan.TargetPrice,
	}
	if err := s.repo.CreateSubscription(ctx, sub); err != nil {
		return nil, fmt.Errorf("failed to create subscription for order %s: %w", order.ID, err)
	}
	s.logger.Info("created subscription", "subscription_id", sub.ID, "order_id", order.ID, "metal", sub.Metal)
	return sub, nil
}

// weightFor converts money into the subscription's unit at the current price.
// A missing price yields zero so the value delta still lands.
func (s *SubscriptionSync) weightFor(ctx context.Context, sub *domain.Subscription, amount float64) float64 {
	if s.prices == nil {
		return 0
	}
	price, err := s.prices.Price(ctx, sub.Metal)
	if err != nil {
		s.logger.Warn("price unavailable, skipping weight accumulation", "subscription_id", sub.ID, "metal", sub.Metal, "error", err)
		return 0
	}
	weight, err := pricing.WeightForAmount(amount, price, sub.TargetUnit)
	if err != nil {
		s.logger.Warn("cannot derive weight from price, skipping weight accumulation", "subscription_id", sub.ID, "error", err)
		return 0
	}
	return weight
}

func (s *SubscriptionSync) backLink(ctx context.Context, order *domain.Order, sub *domain.Subscription) {
	var params store.UpdateOrderParams
	changed := false
	if order.SubscriptionID == nil || *order.SubscriptionID != sub.ID {
		params.SubscriptionID = &sub.ID
		changed = true
	}
	if order.UserID == nil {
		params.UserID = &sub.UserID
		changed = true
	}
	if !changed {
		return
	}
	if _, err := s.repo.UpdateOrder(ctx, order.ID, params); err != nil {
		s.logger.Warn("failed to back-link order to subscription", "order_id", order.ID, "subscription_id", sub.ID, "error", err)
		return
	}
	order.SubscriptionID = &sub.ID
	if order.UserID == nil {
		order.UserID = &sub.UserID
	}
}

func (s *SubscriptionSync) tagRemote(ctx context.Context, externalID string, sub *domain.Subscription) {
	if s.billing == nil {
		return
	}
	metadata := map[string]string{
		domain.MetadataSubscriptionID: sub.ID.String(),
		domain.MetadataUserID:         sub.UserID.String(),
	}
	if err := s.billing.UpdateSubscriptionMetadata(ctx, externalID, metadata); err != nil {
		s.logger.Warn("failed to tag remote subscription", "external_subscription_id", externalID, "subscription_id", sub.ID, "error", err)
	}
}

func positive(v float64) float64 {
	if v < 0 {
		return 0
	}
	return v
}
