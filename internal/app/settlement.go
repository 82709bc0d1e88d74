/**
 * @description
 * Withdrawal settlement drains a subscription's accumulated balance into the
 * user's withdrawn totals inside one database transaction.
 *
 * @notes
 * - Every precondition failure rolls the transaction back and is returned as a
 *   *SettlementError naming the failed step.
 * - A matured plan (accumulated >= target, compared in grams) is cancelled at the
 *   processor and marked canceled locally even when the remote call fails.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/metalvault/settlement-service/internal/domain"
	"github.com/metalvault/settlement-service/internal/metrics"
	"github.com/metalvault/settlement-service/internal/pricing"
	"github.com/metalvault/settlement-service/internal/store"
)

// SettlementResult describes a committed settlement.
type SettlementResult struct {
	RequestID          uuid.UUID
	SubscriptionID     uuid.UUID
	UserID             uuid.UUID
	Metal              domain.Metal
	WithdrawnWeight    float64
	WithdrawnUnit      domain.WeightUnit
	FullLiquidation    bool
	SubscriptionStatus domain.SubscriptionStatus
	// Cancellation is set only for a full liquidation.
	Cancellation *BestEffortResult
}

// Settler runs withdrawal settlements.
type Settler struct {
	repo     store.Repository
	billing  BillingProcessor
	notifier Notifier
	metrics  *metrics.Collector
	logger   *slog.Logger
}

func NewSettler(repo store.Repository, billing BillingProcessor, notifier Notifier, collector *metrics.Collector, logger *slog.Logger) *Settler {
	return &Settler{
		repo:     repo,
		billing:  billing,
		notifier: notifierOrDiscard(notifier),
		metrics:  collector,
		logger:   logger.With("component", "settlement"),
	}
}

// Settle liquidates an approved withdrawal request and marks it completed.
func (s *Settler) Settle(ctx context.Context, requestID uuid.UUID, adminID string) (*SettlementResult, error) {
	var (
		result       *SettlementResult
		remoteIssued bool
	)

	err := s.repo.RunInTx(ctx, func(tx store.SettlementTx) error {
		req, err := tx.LockWithdrawalRequest(ctx, requestID)
		if err != nil {
			if errors.Is(err, store.ErrWithdrawalRequestNotFound) {
				return settlementErr(SettlementRequestNotFound, err)
			}
			return settlementErr(SettlementStorageFailure, err)
		}
		if req.Status.Terminal() {
			return settlementErr(SettlementAlreadyProcessed, fmt.Errorf("request is %s", req.Status))
		}
		if req.Status != domain.WithdrawalStatusApproved {
			return settlementErr(SettlementNotApproved, fmt.Errorf("request is %s", req.Status))
		}
		if req.SubscriptionID == nil {
			return settlementErr(SettlementNoSubscription, nil)
		}

		sub, err := tx.LockSubscription(ctx, *req.SubscriptionID)
		if err != nil {
			if errors.Is(err, store.ErrSubscriptionNotFound) {
				return settlementErr(SettlementSubscriptionNotFound, err)
			}
			return settlementErr(SettlementStorageFailure, err)
		}
		if sub.Metal != req.Metal {
			return settlementErr(SettlementMetalMismatch, fmt.Errorf("request is %s, subscription is %s", req.Metal, sub.Metal))
		}
		if sub.AccumulatedWeight <= 0 {
			return settlementErr(SettlementBalanceAlreadyDrained, nil)
		}

		requested, err := pricing.Convert(req.RequestedWeight, req.RequestedUnit, sub.TargetUnit)
		if err != nil {
			return settlementErr(SettlementInvalidUnit, err)
		}
		if !pricing.AtLeast(sub.AccumulatedWeight, requested) {
			return settlementErr(SettlementInsufficientBalance, &InsufficientBalanceError{
				Requested: requested,
				Available: sub.AccumulatedWeight,
				Unit:      sub.TargetUnit,
			})
		}

		reportingUnit, err := pricing.ReportingUnit(req.Metal)
		if err != nil {
			return settlementErr(SettlementInvalidUnit, err)
		}
		withdrawn, err := pricing.Convert(req.RequestedWeight, req.RequestedUnit, reportingUnit)
		if err != nil {
			return settlementErr(SettlementInvalidUnit, err)
		}

		user, err := tx.LockUser(ctx, req.UserID)
		if err != nil {
			if errors.Is(err, store.ErrUserNotFound) {
				return settlementErr(SettlementUserNotFound, err)
			}
			return settlementErr(SettlementStorageFailure, err)
		}

		full, err := isFullLiquidation(sub)
		if err != nil {
			return settlementErr(SettlementInvalidUnit, err)
		}

		result = &SettlementResult{
			RequestID:          req.ID,
			SubscriptionID:     sub.ID,
			UserID:             user.ID,
			Metal:              req.Metal,
			WithdrawnWeight:    withdrawn,
			WithdrawnUnit:      reportingUnit,
			FullLiquidation:    full,
			SubscriptionStatus: sub.Status,
		}

		var status *domain.SubscriptionStatus
		if full {
			remoteIssued = true
			remoteErr := cancelAndVerify(ctx, s.billing, s.logger, sub)
			canceled := domain.SubscriptionStatusCanceled
			status = &canceled
			result.SubscriptionStatus = canceled
			cancellation := newBestEffortResult(remoteErr, nil)
			result.Cancellation = &cancellation
		}

		if err := tx.DrainSubscription(ctx, sub.ID, status); err != nil {
			return settlementErr(SettlementStorageFailure, err)
		}
		if err := tx.AddUserWithdrawn(ctx, user.ID, req.Metal, withdrawn); err != nil {
			return settlementErr(SettlementStorageFailure, err)
		}
		if err := tx.SetWithdrawalRequestStatus(ctx, req.ID, domain.WithdrawalStatusCompleted, adminID); err != nil {
			return settlementErr(SettlementStorageFailure, err)
		}
		return nil
	})

	if err != nil {
		var settleErr *SettlementError
		if !errors.As(err, &settleErr) {
			settleErr = settlementErr(SettlementStorageFailure, err)
		}
		s.metrics.RecordSettlement(string(settleErr.Reason))
		s.logger.Warn("withdrawal settlement failed", "request_id", requestID, "reason", settleErr.Reason, "error", settleErr.Err)
		if remoteIssued {
			s.notifier.Notify(ctx, OpsAlert{
				Kind:    AlertRemoteCancel,
				Message: fmt.Sprintf("remote subscription cancel issued but settlement of %s rolled back", requestID),
				Fields:  map[string]any{"request_id": requestID.String(), "reason": string(settleErr.Reason)},
			})
		}
		return nil, settleErr
	}

	if result.Cancellation != nil && result.Cancellation.RemoteErr != nil {
		s.notifier.Notify(ctx, OpsAlert{
			Kind:    AlertRemoteCancel,
			Message: fmt.Sprintf("subscription %s canceled locally but remote cancel was not confirmed", result.SubscriptionID),
			Fields:  map[string]any{"subscription_id": result.SubscriptionID.String(), "error": result.Cancellation.RemoteErr.Error()},
		})
	}
	s.metrics.RecordSettlement("completed")
	s.logger.Info("withdrawal settled",
		"request_id", result.RequestID,
		"subscription_id", result.SubscriptionID,
		"weight", result.WithdrawnWeight,
		"unit", result.WithdrawnUnit,
		"full_liquidation", result.FullLiquidation,
	)
	return result, nil
}

// isFullLiquidation compares in grams. Accumulated weight is stored in TargetUnit,
// so the conversion is an identity for well-formed rows.
func isFullLiquidation(sub *domain.Subscription) (bool, error) {
	if sub.TargetWeight <= 0 {
		return false, nil
	}
	accumulated, err := pricing.ToGrams(sub.AccumulatedWeight, sub.TargetUnit)
	if err != nil {
		return false, err
	}
	target, err := pricing.ToGrams(sub.TargetWeight, sub.TargetUnit)
	if err != nil {
		return false, err
	}
	return pricing.AtLeast(accumulated, target), nil
}

// cancelAndVerify cancels the processor subscription and re-fetches it to confirm the
// cancellation took effect. The error is informational; callers apply local state
// either way.
func cancelAndVerify(ctx context.Context, billing BillingProcessor, logger *slog.Logger, sub *domain.Subscription) error {
	if sub.ExternalSubscriptionID == nil || billing == nil {
		return nil
	}
	extID := *sub.ExternalSubscriptionID

	if err := billing.CancelSubscription(ctx, extID); err != nil {
		if errors.Is(err, domain.ErrRemoteResourceNotFound) {
			logger.Info("remote subscription already gone", "external_subscription_id", extID)
			return nil
		}
		logger.Warn("remote subscription cancel failed", "external_subscription_id", extID, "error", err)
		return fmt.Errorf("cancel %s: %w", extID, err)
	}

	snap, err := billing.RetrieveSubscription(ctx, extID)
	if err != nil {
		logger.Warn("failed to verify remote cancellation", "external_subscription_id", extID, "error", err)
		return fmt.Errorf("verify cancel %s: %w", extID, err)
	}
	if !snap.IsCancellationEffective() {
		logger.Warn("remote cancellation not effective", "external_subscription_id", extID, "status", snap.Status)
		return fmt.Errorf("cancel %s not effective: status %s", extID, snap.Status)
	}
	return nil
}
