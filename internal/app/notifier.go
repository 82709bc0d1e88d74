package app

import (
	"context"
	"log/slog"
	"time"

	"github.com/metalvault/settlement-service/pkg/rabbitmq"
)

// Ops alert kinds.
const (
	AlertBillingEventUnmatched = "billing_event_unmatched"
	AlertSubscriptionSync      = "subscription_sync_failed"
	AlertRemoteCancel          = "remote_cancel_unverified"
	AlertReconcileErrors       = "reconcile_errors"
)

// OpsAlert is one operations-channel notification.
type OpsAlert struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Fields  map[string]any `json:"fields,omitempty"`
	At      time.Time      `json:"at"`
}

// Notifier delivers operations alerts. Delivery failures never propagate.
type Notifier interface {
	Notify(ctx context.Context, alert OpsAlert)
}

// OpsNotifier logs every alert and publishes it to the ops exchange.
type OpsNotifier struct {
	publisher rabbitmq.Publisher
	exchange  string
	logger    *slog.Logger
}

func NewOpsNotifier(publisher rabbitmq.Publisher, exchange string, logger *slog.Logger) *OpsNotifier {
	return &OpsNotifier{
		publisher: publisher,
		exchange:  exchange,
		logger:    logger.With("component", "ops_notifier"),
	}
}

func (n *OpsNotifier) Notify(ctx context.Context, alert OpsAlert) {
	if alert.At.IsZero() {
		alert.At = time.Now().UTC()
	}
	n.logger.Warn("ops alert", "kind", alert.Kind, "message", alert.Message, "fields", alert.Fields)
	if n.publisher == nil || n.exchange == "" {
		return
	}
	if err := n.publisher.Publish(ctx, n.exchange, "ops.alert."+alert.Kind, alert); err != nil {
		n.logger.Error("failed to publish ops alert", "kind", alert.Kind, "error", err)
	}
}

type discardNotifier struct{}

func (discardNotifier) Notify(context.Context, OpsAlert) {}

func notifierOrDiscard(n Notifier) Notifier {
	if n == nil {
		return discardNotifier{}
	}
	return n
}
