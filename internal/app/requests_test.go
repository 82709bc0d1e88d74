package app

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/metalvault/settlement-service/internal/domain"
)

type requestFixture struct {
	*settleFixture
	service *RequestService
}

func newRequestFixture(t *testing.T, accumulated float64) *requestFixture {
	t.Helper()
	f := newSettleFixture(t, accumulated)
	urls := CheckoutURLs{Success: "https://app.example.com/success", Cancel: "https://app.example.com/cancel"}
	return &requestFixture{
		settleFixture: f,
		service:       NewRequestService(f.repo, f.billing, goldAt(100), f.settler, urls, "USD", testLogger()),
	}
}

func TestCanTransitionWithdrawal(t *testing.T) {
	tests := []struct {
		from, to domain.WithdrawalStatus
		want     bool
	}{
		{domain.WithdrawalStatusPending, domain.WithdrawalStatusInReview, true},
		{domain.WithdrawalStatusPending, domain.WithdrawalStatusApproved, true},
		{domain.WithdrawalStatusInReview, domain.WithdrawalStatusPending, false},
		{domain.WithdrawalStatusApproved, domain.WithdrawalStatusApproved, true},
		{domain.WithdrawalStatusApproved, domain.WithdrawalStatusInReview, false},
		{domain.WithdrawalStatusCompleted, domain.WithdrawalStatusRejected, false},
		{domain.WithdrawalStatusRejected, domain.WithdrawalStatusApproved, false},
		{domain.WithdrawalStatusPending, domain.WithdrawalStatusCompleted, false},
	}
	for _, tt := range tests {
		if got := CanTransitionWithdrawal(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransitionWithdrawal(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestCreateWithdrawalRequest_RejectsOverdraw(t *testing.T) {
	f := newRequestFixture(t, 5)

	_, err := f.service.CreateWithdrawalRequest(context.Background(), CreateWithdrawalInput{
		UserID:         f.user.ID,
		SubscriptionID: &f.sub.ID,
		Metal:          domain.MetalGold,
		Weight:         10,
		Unit:           "g",
	})
	var insufficient *InsufficientBalanceError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected *InsufficientBalanceError, got %v", err)
	}
	if insufficient.Available != 5 || insufficient.Requested != 10 {
		t.Errorf("unexpected error detail: %+v", insufficient)
	}
}

func TestCreateWithdrawalRequest_RecordsPendingWithEstimate(t *testing.T) {
	f := newRequestFixture(t, 5)

	req, err := f.service.CreateWithdrawalRequest(context.Background(), CreateWithdrawalInput{
		UserID:         f.user.ID,
		SubscriptionID: &f.sub.ID,
		Metal:          domain.MetalGold,
		Weight:         2,
		Unit:           "grams",
		Notes:          "  ship to vault  ",
	})
	if err != nil {
		t.Fatalf("CreateWithdrawalRequest failed: %v", err)
	}
	if req.Status != domain.WithdrawalStatusPending || req.RequestedUnit != domain.UnitGram {
		t.Errorf("unexpected request: %s %s", req.Status, req.RequestedUnit)
	}
	if req.EstimatedValue != 200 {
		t.Errorf("expected estimate 200, got %v", req.EstimatedValue)
	}
	if derefString(req.Notes) != "ship to vault" {
		t.Errorf("expected trimmed notes, got %q", derefString(req.Notes))
	}
}

func TestCreateWithdrawalRequest_Validation(t *testing.T) {
	f := newRequestFixture(t, 5)
	stranger := uuid.New()

	tests := []struct {
		name string
		in   CreateWithdrawalInput
		want error
	}{
		{"bad metal", CreateWithdrawalInput{UserID: f.user.ID, Metal: "platinum", Weight: 1, Unit: "g"}, ErrInvalidInput},
		{"zero weight", CreateWithdrawalInput{UserID: f.user.ID, Metal: domain.MetalGold, Unit: "g"}, ErrInvalidInput},
		{"bad unit", CreateWithdrawalInput{UserID: f.user.ID, Metal: domain.MetalGold, Weight: 1, Unit: "stone"}, ErrInvalidInput},
		{"wrong metal", CreateWithdrawalInput{UserID: f.user.ID, SubscriptionID: &f.sub.ID, Metal: domain.MetalSilver, Weight: 1, Unit: "oz"}, ErrInvalidInput},
		{"not owner", CreateWithdrawalInput{UserID: stranger, SubscriptionID: &f.sub.ID, Metal: domain.MetalGold, Weight: 1, Unit: "g"}, ErrForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.service.CreateWithdrawalRequest(context.Background(), tt.in); !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestUpdateWithdrawalStatus_ApprovalSettles(t *testing.T) {
	f := newRequestFixture(t, 4)
	req := f.request(3, domain.UnitGram, domain.WithdrawalStatusInReview)

	update, err := f.service.UpdateWithdrawalStatus(context.Background(), req.ID, domain.WithdrawalStatusApproved, "admin-1", nil)
	if err != nil {
		t.Fatalf("UpdateWithdrawalStatus failed: %v", err)
	}
	if update.Settlement == nil {
		t.Fatal("expected a settlement result")
	}
	if update.Request.Status != domain.WithdrawalStatusCompleted {
		t.Errorf("expected completed, got %s", update.Request.Status)
	}
	if user := f.repo.user(f.user.ID); user.WithdrawnGoldGrams != 3 {
		t.Errorf("expected 3g withdrawn, got %v", user.WithdrawnGoldGrams)
	}
}

func TestUpdateWithdrawalStatus_FailedSettlementStaysApproved(t *testing.T) {
	f := newRequestFixture(t, 1)
	req := f.request(3, domain.UnitGram, domain.WithdrawalStatusPending)

	update, err := f.service.UpdateWithdrawalStatus(context.Background(), req.ID, domain.WithdrawalStatusApproved, "admin-1", nil)
	if got := settlementReason(t, err); got != SettlementInsufficientBalance {
		t.Fatalf("expected insufficient_balance, got %s", got)
	}
	if update == nil || update.Request.Status != domain.WithdrawalStatusApproved {
		t.Fatal("expected the request to be left approved for retry")
	}

	sub := f.repo.sub(f.sub.ID)
	sub.AccumulatedWeight = 3
	f.repo.putSub(sub)
	retry, err := f.service.UpdateWithdrawalStatus(context.Background(), req.ID, domain.WithdrawalStatusApproved, "admin-1", nil)
	if err != nil {
		t.Fatalf("retry failed: %v", err)
	}
	if retry.Request.Status != domain.WithdrawalStatusCompleted {
		t.Errorf("expected completed on retry, got %s", retry.Request.Status)
	}
}

func TestUpdateWithdrawalStatus_RejectsInvalidTransition(t *testing.T) {
	f := newRequestFixture(t, 4)
	req := f.request(1, domain.UnitGram, domain.WithdrawalStatusCompleted)

	if _, err := f.service.UpdateWithdrawalStatus(context.Background(), req.ID, domain.WithdrawalStatusRejected, "admin-1", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestCancellationFlow(t *testing.T) {
	f := newRequestFixture(t, 2)
	ctx := context.Background()

	req, err := f.service.CreateCancellationRequest(ctx, f.user.ID, f.sub.ID, "moving abroad")
	if err != nil {
		t.Fatalf("CreateCancellationRequest failed: %v", err)
	}
	if _, err := f.service.CreateCancellationRequest(ctx, f.user.ID, f.sub.ID, "again"); !errors.Is(err, ErrRequestExists) {
		t.Fatalf("expected ErrRequestExists, got %v", err)
	}

	update, err := f.service.UpdateCancellationStatus(ctx, req.ID, domain.CancellationStatusApproved, "admin-1", nil)
	if err != nil {
		t.Fatalf("UpdateCancellationStatus failed: %v", err)
	}
	if update.Cancellation == nil || update.Cancellation.Outcome != BestEffortSucceeded {
		t.Fatalf("expected a successful cancellation, got %+v", update.Cancellation)
	}
	if update.Request.Status != domain.CancellationStatusCompleted {
		t.Errorf("expected completed, got %s", update.Request.Status)
	}
	if got := f.repo.sub(f.sub.ID).Status; got != domain.SubscriptionStatusCanceled {
		t.Errorf("expected canceled, got %s", got)
	}

	if _, err := f.service.CreateCancellationRequest(ctx, f.user.ID, f.sub.ID, ""); !errors.Is(err, ErrSubscriptionClosed) {
		t.Errorf("expected ErrSubscriptionClosed, got %v", err)
	}
}

func TestCancellation_RemoteFailureStillCompletes(t *testing.T) {
	f := newRequestFixture(t, 2)
	f.billing.cancelErr = errors.New("processor unavailable")
	ctx := context.Background()

	req, err := f.service.CreateCancellationRequest(ctx, f.user.ID, f.sub.ID, "")
	if err != nil {
		t.Fatalf("CreateCancellationRequest failed: %v", err)
	}
	update, err := f.service.UpdateCancellationStatus(ctx, req.ID, domain.CancellationStatusApproved, "admin-1", nil)
	if err != nil {
		t.Fatalf("UpdateCancellationStatus failed: %v", err)
	}
	if update.Cancellation.Outcome != BestEffortRemoteFailedLocalApplied {
		t.Errorf("expected remote_failed_local_applied, got %s", update.Cancellation.Outcome)
	}
	if update.Request.Status != domain.CancellationStatusCompleted {
		t.Errorf("expected completed, got %s", update.Request.Status)
	}
}

func TestCancellation_RejectedRequestCannotBeApproved(t *testing.T) {
	f := newRequestFixture(t, 2)
	ctx := context.Background()

	req, err := f.service.CreateCancellationRequest(ctx, f.user.ID, f.sub.ID, "")
	if err != nil {
		t.Fatalf("CreateCancellationRequest failed: %v", err)
	}
	if _, err := f.service.UpdateCancellationStatus(ctx, req.ID, domain.CancellationStatusRejected, "admin-1", nil); err != nil {
		t.Fatalf("reject failed: %v", err)
	}
	if _, err := f.service.UpdateCancellationStatus(ctx, req.ID, domain.CancellationStatusApproved, "admin-1", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if len(f.billing.cancelCalls) != 0 {
		t.Errorf("expected no remote cancel, got %v", f.billing.cancelCalls)
	}
}

func TestStartCheckout_CreatesOrderAndSession(t *testing.T) {
	f := newRequestFixture(t, 0)
	saver := f.repo.addUser(t, "")

	result, err := f.service.StartCheckout(context.Background(), CheckoutInput{
		UserID:        saver.ID,
		Metal:         domain.MetalGold,
		PlanName:      "Gold Saver",
		TargetWeight:  10,
		TargetUnit:    "g",
		MonthlyAmount: 49.99,
	})
	if err != nil {
		t.Fatalf("StartCheckout failed: %v", err)
	}

	order := f.repo.order(result.OrderID)
	if order.Status != domain.OrderStatusPending || order.OrderType != domain.OrderTypeSubscription {
		t.Errorf("unexpected order: %s %s", order.Status, order.OrderType)
	}
	if order.AmountMinor != 4999 || order.Currency != "usd" {
		t.Errorf("expected 4999 usd, got %d %s", order.AmountMinor, order.Currency)
	}
	if derefString(order.CheckoutSessionID) != result.SessionID {
		t.Errorf("expected order linked to %s, got %s", result.SessionID, derefString(order.CheckoutSessionID))
	}
	if order.Plan == nil || order.Plan.TargetPrice != 1000 {
		t.Errorf("expected plan target price 1000, got %+v", order.Plan)
	}
	if customer := f.repo.user(saver.ID).BillingCustomerID; customer == nil {
		t.Error("expected a billing customer to be saved")
	}

	spec := f.billing.checkouts[0]
	if spec.ClientReferenceID != result.OrderID.String() || spec.Metadata[domain.MetadataOrderID] != result.OrderID.String() {
		t.Errorf("expected session to reference the order, got %+v", spec)
	}
	if !f.billing.prices[0].Recurring {
		t.Error("expected a recurring price for a subscription checkout")
	}
}

func TestStartCheckout_SessionFailureCancelsOrder(t *testing.T) {
	f := newRequestFixture(t, 0)
	f.billing.checkoutErr = errors.New("processor unavailable")

	_, err := f.service.StartCheckout(context.Background(), CheckoutInput{
		UserID:        f.user.ID,
		Metal:         domain.MetalGold,
		PlanName:      "Gold Saver",
		TargetWeight:  10,
		TargetUnit:    "g",
		MonthlyAmount: 50,
	})
	if err == nil {
		t.Fatal("expected an error")
	}
	orders := f.repo.allOrders()
	if len(orders) != 1 || orders[0].Status != domain.OrderStatusCancelled {
		t.Fatalf("expected the order to be cancelled, got %+v", orders)
	}
}
