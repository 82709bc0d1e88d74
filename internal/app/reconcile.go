/**
 * @description
 * The Reconciler repairs orders stuck in an ambiguous pending state by re-querying
 * the billing processor, then prunes long-dead cancelled orders.
 *
 * @dependencies
 * - golang.org/x/time/rate: throttles processor re-queries.
 */

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/metalvault/settlement-service/internal/domain"
	"github.com/metalvault/settlement-service/internal/metrics"
	"github.com/metalvault/settlement-service/internal/store"
	"golang.org/x/time/rate"
)

const (
	passSessions       = "sessions"
	passPaymentIntents = "payment_intents"
	passRetention      = "retention"
)

// ReconcileConfig bounds one sweep.
type ReconcileConfig struct {
	SessionExpiry    time.Duration
	Retention        time.Duration
	BatchSize        int
	MaxDeleteBatches int
	RatePerSecond    float64
}

// ReconcileReport summarizes one sweep.
type ReconcileReport struct {
	Processed int `json:"processed"`
	Updated   int `json:"updated"`
	Deleted   int `json:"deleted"`
	Errored   int `json:"errored"`
}

// Reconciler is the periodic corrective sweep over pending orders.
type Reconciler struct {
	repo     store.Repository
	billing  BillingProcessor
	sync     *SubscriptionSync
	notifier Notifier
	metrics  *metrics.Collector
	logger   *slog.Logger
	cfg      ReconcileConfig
	limiter  *rate.Limiter
	clock    Clock
}

func NewReconciler(repo store.Repository, billing BillingProcessor, sync *SubscriptionSync, notifier Notifier, collector *metrics.Collector, cfg ReconcileConfig, logger *slog.Logger) *Reconciler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.MaxDeleteBatches <= 0 {
		cfg.MaxDeleteBatches = 10
	}
	if cfg.SessionExpiry <= 0 {
		cfg.SessionExpiry = 24 * time.Hour
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Reconciler{
		repo:     repo,
		billing:  billing,
		sync:     sync,
		notifier: notifierOrDiscard(notifier),
		metrics:  collector,
		logger:   logger.With("component", "reconciler"),
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		clock:    SystemClock(),
	}
}

// SetClock overrides the time source.
func (r *Reconciler) SetClock(c Clock) {
	r.clock = c
}

// Run performs one sweep at the current time.
func (r *Reconciler) Run(ctx context.Context) (ReconcileReport, error) {
	return r.RunAt(ctx, r.clock.Now())
}

// RunAt performs one sweep. Per-order failures are counted, not returned; the error
// reports passes that could not list or delete orders at all.
func (r *Reconciler) RunAt(ctx context.Context, now time.Time) (ReconcileReport, error) {
	var report ReconcileReport
	cutoff := now.Add(-r.cfg.SessionExpiry)

	sessionErr := r.pass(ctx, passSessions, &report, func() ([]domain.Order, error) {
		return r.repo.ListStalePendingCheckoutOrders(ctx, cutoff, r.cfg.BatchSize)
	}, r.reconcileSession)

	intentErr := r.pass(ctx, passPaymentIntents, &report, func() ([]domain.Order, error) {
		return r.repo.ListStalePendingPaymentIntentOrders(ctx, cutoff, r.cfg.BatchSize)
	}, r.reconcilePaymentIntent)

	deleteErr := r.prune(ctx, now.Add(-r.cfg.Retention), &report)

	r.logger.Info("reconciliation sweep finished",
		"processed", report.Processed,
		"updated", report.Updated,
		"deleted", report.Deleted,
		"errored", report.Errored,
	)
	if report.Errored > 0 && report.Processed > 0 {
		r.notifier.Notify(ctx, OpsAlert{
			Kind:    AlertReconcileErrors,
			Message: fmt.Sprintf("reconciliation sweep hit %d errors across %d orders", report.Errored, report.Processed),
			Fields: map[string]any{
				"processed": report.Processed,
				"updated":   report.Updated,
				"deleted":   report.Deleted,
				"errored":   report.Errored,
			},
		})
	}
	return report, errors.Join(sessionErr, intentErr, deleteErr)
}

type reconcileFunc func(ctx context.Context, order *domain.Order) (bool, error)

func (r *Reconciler) pass(ctx context.Context, name string, report *ReconcileReport, list func() ([]domain.Order, error), fn reconcileFunc) error {
	orders, err := list()
	if err != nil {
		return fmt.Errorf("%s pass: failed to list orders: %w", name, err)
	}

	var updated, errored int
	for i := range orders {
		if err := r.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("%s pass: %w", name, err)
		}
		report.Processed++
		changed, err := r.safely(ctx, &orders[i], fn)
		switch {
		case err != nil:
			errored++
			r.logger.Warn("failed to reconcile order", "pass", name, "order_id", orders[i].ID, "error", err)
		case changed:
			updated++
		}
	}
	report.Updated += updated
	report.Errored += errored
	r.metrics.RecordReconcile(name, "updated", updated)
	r.metrics.RecordReconcile(name, "errored", errored)
	r.metrics.RecordReconcile(name, "unchanged", len(orders)-updated-errored)
	return nil
}

func (r *Reconciler) safely(ctx context.Context, order *domain.Order, fn reconcileFunc) (changed bool, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic reconciling order %s: %v", order.ID, rec)
		}
	}()
	return fn(ctx, order)
}

func (r *Reconciler) reconcileSession(ctx context.Context, order *domain.Order) (bool, error) {
	session, err := r.billing.RetrieveCheckoutSession(ctx, *order.CheckoutSessionID)
	if errors.Is(err, domain.ErrRemoteResourceNotFound) {
		return r.update(ctx, order, orderState(domain.OrderStatusCancelled, domain.PaymentStatusFailed))
	}
	if err != nil {
		return false, err
	}

	switch {
	case session.Status == "expired":
		return r.update(ctx, order, orderState(domain.OrderStatusCancelled, domain.PaymentStatusFailed))
	case session.Status == "complete" && session.IsPaid():
		params := orderState(domain.OrderStatusPaid, domain.PaymentStatusSucceeded)
		sessionLinks(order, session, &params)
		return r.markPaid(ctx, order, params)
	case session.Status == "complete":
		return r.update(ctx, order, orderState(domain.OrderStatusCancelled, domain.PaymentStatusFailed))
	}
	return false, nil
}

func (r *Reconciler) reconcilePaymentIntent(ctx context.Context, order *domain.Order) (bool, error) {
	pi, err := r.billing.RetrievePaymentIntent(ctx, *order.PaymentIntentID)
	if errors.Is(err, domain.ErrRemoteResourceNotFound) {
		return r.update(ctx, order, orderState(domain.OrderStatusCancelled, domain.PaymentStatusFailed))
	}
	if err != nil {
		return false, err
	}

	switch pi.Status {
	case "requires_payment_method", "canceled":
		return r.update(ctx, order, orderState(domain.OrderStatusCancelled, domain.PaymentStatusFailed))
	case "succeeded":
		return r.markPaid(ctx, order, orderState(domain.OrderStatusPaid, domain.PaymentStatusSucceeded))
	}
	return false, nil
}

// markPaid repairs a missed success and links subscription orders to their plan.
func (r *Reconciler) markPaid(ctx context.Context, order *domain.Order, params store.UpdateOrderParams) (bool, error) {
	changed, err := r.update(ctx, order, params)
	if err == nil && changed && r.sync != nil && order.IsSubscription() {
		if _, syncErr := r.sync.SyncFromOrder(ctx, order, SyncInput{Status: domain.SubscriptionStatusPendingPayment}); syncErr != nil {
			r.logger.Warn("subscription sync failed after reconcile", "order_id", order.ID, "error", syncErr)
		}
	}
	return changed, err
}

func (r *Reconciler) update(ctx context.Context, order *domain.Order, params store.UpdateOrderParams) (bool, error) {
	updated, err := r.repo.UpdateOrder(ctx, order.ID, params)
	if err != nil {
		return false, fmt.Errorf("failed to update order %s: %w", order.ID, err)
	}
	*order = *updated
	r.logger.Info("order reconciled", "order_id", order.ID, "status", order.Status, "payment_status", order.PaymentStatus)
	return true, nil
}

func (r *Reconciler) prune(ctx context.Context, cutoff time.Time, report *ReconcileReport) error {
	for batch := 0; batch < r.cfg.MaxDeleteBatches; batch++ {
		n, err := r.repo.DeleteTerminalOrders(ctx, cutoff, r.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("retention pass: %w", err)
		}
		report.Deleted += int(n)
		r.metrics.RecordReconcile(passRetention, "deleted", int(n))
		if n < int64(r.cfg.BatchSize) {
			break
		}
	}
	return nil
}
