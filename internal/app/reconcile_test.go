package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/metalvault/settlement-service/internal/domain"
)

type reconcileFixture struct {
	repo       *memRepo
	billing    *fakeBilling
	notifier   *recordingNotifier
	reconciler *Reconciler
	user       domain.User
	now        time.Time
}

func newReconcileFixture(t *testing.T, cfg ReconcileConfig) *reconcileFixture {
	t.Helper()
	repo := newMemRepo()
	billing := newFakeBilling()
	notifier := &recordingNotifier{}
	logger := testLogger()
	sync := NewSubscriptionSync(repo, billing, goldAt(100), logger)
	now := testEpoch.Add(72 * time.Hour)
	user := repo.addUser(t, "cus_1")
	// Writes made during the sweep are stamped at now.
	repo.clock = now
	return &reconcileFixture{
		repo:       repo,
		billing:    billing,
		notifier:   notifier,
		reconciler: NewReconciler(repo, billing, sync, notifier, nil, cfg, logger),
		user:       user,
		now:        now,
	}
}

func (f *reconcileFixture) pending(age time.Duration, sessionID, paymentIntentID string) domain.Order {
	created := f.now.Add(-age)
	return f.repo.putOrder(domain.Order{
		UserID:            &f.user.ID,
		OrderType:         domain.OrderTypeSubscription,
		Currency:          "usd",
		Status:            domain.OrderStatusPending,
		PaymentStatus:     domain.PaymentStatusPending,
		CustomerID:        ptr("cus_1"),
		CheckoutSessionID: strPtr(sessionID),
		PaymentIntentID:   strPtr(paymentIntentID),
		Plan: &domain.PlanSnapshot{
			Metal:         domain.MetalGold,
			PlanName:      "Gold Saver",
			TargetWeight:  10,
			TargetUnit:    domain.UnitGram,
			MonthlyAmount: 50,
			Quantity:      1,
		},
		CreatedAt: created,
		UpdatedAt: created,
	})
}

func TestReconcile_RepairsMissedCompletion(t *testing.T) {
	f := newReconcileFixture(t, ReconcileConfig{})
	order := f.pending(25*time.Hour, "cs_1", "")
	f.billing.sessions["cs_1"] = domain.CheckoutSessionObject{
		ID:            "cs_1",
		Status:        "complete",
		PaymentStatus: "paid",
		Customer:      "cus_1",
		Subscription:  "sub_1",
		AmountTotal:   5000,
		Currency:      "usd",
	}

	report, err := f.reconciler.RunAt(context.Background(), f.now)
	if err != nil {
		t.Fatalf("RunAt failed: %v", err)
	}
	if report.Processed != 1 || report.Updated != 1 || report.Errored != 0 {
		t.Errorf("unexpected report: %+v", report)
	}

	stored := f.repo.order(order.ID)
	if stored.Status != domain.OrderStatusPaid || stored.PaymentStatus != domain.PaymentStatusSucceeded {
		t.Fatalf("expected paid/succeeded, got %s/%s", stored.Status, stored.PaymentStatus)
	}
	if derefString(stored.ExternalSubscriptionID) != "sub_1" {
		t.Errorf("expected sub_1 linked, got %s", derefString(stored.ExternalSubscriptionID))
	}
	if stored.SubscriptionID == nil {
		t.Fatal("expected the subscription to be created")
	}
	if sub := f.repo.sub(*stored.SubscriptionID); sub.Status != domain.SubscriptionStatusPendingPayment {
		t.Errorf("expected pending_payment, got %s", sub.Status)
	}
}

func TestReconcile_CancelsDeadOrders(t *testing.T) {
	f := newReconcileFixture(t, ReconcileConfig{})
	missing := f.pending(30*time.Hour, "cs_gone", "")
	expired := f.pending(30*time.Hour, "cs_exp", "")
	unpaid := f.pending(30*time.Hour, "cs_unpaid", "")
	intent := f.pending(30*time.Hour, "", "pi_dead")
	fresh := f.pending(time.Hour, "cs_fresh", "")
	f.billing.sessions["cs_exp"] = domain.CheckoutSessionObject{ID: "cs_exp", Status: "expired"}
	f.billing.sessions["cs_unpaid"] = domain.CheckoutSessionObject{ID: "cs_unpaid", Status: "complete", PaymentStatus: "unpaid"}
	f.billing.intents["pi_dead"] = domain.PaymentIntentObject{ID: "pi_dead", Status: "canceled"}

	report, err := f.reconciler.RunAt(context.Background(), f.now)
	if err != nil {
		t.Fatalf("RunAt failed: %v", err)
	}
	if report.Processed != 4 || report.Updated != 4 {
		t.Errorf("unexpected report: %+v", report)
	}
	for _, o := range []domain.Order{missing, expired, unpaid, intent} {
		if got := f.repo.order(o.ID); got.Status != domain.OrderStatusCancelled || got.PaymentStatus != domain.PaymentStatusFailed {
			t.Errorf("order %s: expected cancelled/failed, got %s/%s", derefString(o.CheckoutSessionID), got.Status, got.PaymentStatus)
		}
	}
	if got := f.repo.order(fresh.ID); got.Status != domain.OrderStatusPending {
		t.Errorf("expected fresh order untouched, got %s", got.Status)
	}
	if report.Deleted != 0 {
		t.Errorf("expected orders cancelled in this sweep to survive retention, deleted %d", report.Deleted)
	}
}

func TestReconcile_RepairsMissedPaymentIntentSuccess(t *testing.T) {
	f := newReconcileFixture(t, ReconcileConfig{})
	order := f.pending(30*time.Hour, "", "pi_ok")
	f.billing.intents["pi_ok"] = domain.PaymentIntentObject{ID: "pi_ok", Status: "succeeded"}

	report, err := f.reconciler.RunAt(context.Background(), f.now)
	if err != nil {
		t.Fatalf("RunAt failed: %v", err)
	}
	if report.Processed != 1 || report.Updated != 1 || report.Errored != 0 {
		t.Errorf("unexpected report: %+v", report)
	}

	stored := f.repo.order(order.ID)
	if stored.Status != domain.OrderStatusPaid || stored.PaymentStatus != domain.PaymentStatusSucceeded {
		t.Fatalf("expected paid/succeeded, got %s/%s", stored.Status, stored.PaymentStatus)
	}
	if stored.SubscriptionID == nil {
		t.Fatal("expected the repaired order to be linked to a subscription")
	}
	if sub := f.repo.sub(*stored.SubscriptionID); sub.Status != domain.SubscriptionStatusPendingPayment {
		t.Errorf("expected pending_payment, got %s", sub.Status)
	}
}

func TestReconcile_PerOrderErrorsAreCountedAndAlerted(t *testing.T) {
	f := newReconcileFixture(t, ReconcileConfig{})
	f.pending(30*time.Hour, "cs_1", "")
	f.pending(30*time.Hour, "cs_2", "")
	f.billing.sessionErr = errors.New("processor timeout")

	report, err := f.reconciler.RunAt(context.Background(), f.now)
	if err != nil {
		t.Fatalf("expected per-order failures not to fail the sweep, got %v", err)
	}
	if report.Errored != 2 || report.Updated != 0 {
		t.Errorf("unexpected report: %+v", report)
	}
	kinds := f.notifier.kinds()
	if len(kinds) != 1 || kinds[0] != AlertReconcileErrors {
		t.Errorf("expected one reconcile alert, got %v", kinds)
	}
}

func TestReconcile_PrunesTerminalOrdersInBatches(t *testing.T) {
	f := newReconcileFixture(t, ReconcileConfig{BatchSize: 2})
	for i := 0; i < 5; i++ {
		old := f.now.Add(-48 * time.Hour)
		f.repo.putOrder(domain.Order{
			OrderType:     domain.OrderTypeOneTime,
			Status:        domain.OrderStatusCancelled,
			PaymentStatus: domain.PaymentStatusFailed,
			CreatedAt:     old,
			UpdatedAt:     old,
		})
	}
	kept := f.repo.putOrder(domain.Order{
		OrderType:     domain.OrderTypeOneTime,
		Status:        domain.OrderStatusPaid,
		PaymentStatus: domain.PaymentStatusSucceeded,
		CreatedAt:     f.now.Add(-48 * time.Hour),
	})

	report, err := f.reconciler.RunAt(context.Background(), f.now)
	if err != nil {
		t.Fatalf("RunAt failed: %v", err)
	}
	if report.Deleted != 5 {
		t.Errorf("expected 5 deleted, got %d", report.Deleted)
	}
	orders := f.repo.allOrders()
	if len(orders) != 1 || orders[0].ID != kept.ID {
		t.Errorf("expected only the paid order to remain, got %d orders", len(orders))
	}
}
