/**
 * @description
 * Durable intake for verified billing events. The webhook boundary records each event
 * in the inbox and queues it; the queue consumer runs the EventProcessor and marks the
 * inbox row processed.
 *
 * @notes
 * - When the broker is unavailable the event is processed inline, so the webhook can
 *   still acknowledge once the event is recorded or applied.
 * - A processing failure is recorded on the inbox row and left for InboxReplayer.
 */

package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/metalvault/settlement-service/internal/domain"
	"github.com/metalvault/settlement-service/internal/store"
	"github.com/metalvault/settlement-service/pkg/rabbitmq"
)

const (
	ProviderStripe         = "stripe"
	RoutingKeyBillingEvent = "billing.event.received"

	handleTimeout = 30 * time.Second
)

// EventHandler applies one verified event.
type EventHandler interface {
	Process(ctx context.Context, env domain.EventEnvelope) (domain.EventOutcome, error)
}

// BillingEventConsumer runs queued events through the processor with inbox bookkeeping.
type BillingEventConsumer struct {
	repo    store.Repository
	handler EventHandler
	logger  *slog.Logger
}

func NewBillingEventConsumer(repo store.Repository, handler EventHandler, logger *slog.Logger) *BillingEventConsumer {
	return &BillingEventConsumer{
		repo:    repo,
		handler: handler,
		logger:  logger.With("component", "billing_event_consumer"),
	}
}

// HandleMessage is the rabbitmq.Handler for queued events. It returns false only
// when the outcome could not be recorded, so the broker redelivers.
func (c *BillingEventConsumer) HandleMessage(body []byte) bool {
	var env domain.EventEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		c.logger.Error("dropping undecodable billing event message", "error", err)
		return true
	}

	ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
	defer cancel()

	existing, err := c.repo.FindWebhookEvent(ctx, ProviderStripe, env.ID)
	switch {
	case err == nil && existing.ProcessedAt != nil:
		c.logger.Debug("billing event already processed", "event_id", env.ID)
		return true
	case err != nil && !errors.Is(err, store.ErrWebhookEventNotFound):
		c.logger.Error("failed to read webhook inbox", "event_id", env.ID, "error", err)
		return false
	}

	_, err = c.Handle(ctx, env)
	return !errors.Is(err, errInboxWrite)
}

var errInboxWrite = errors.New("failed to record webhook event outcome")

// Handle processes env and records the outcome on its inbox row.
func (c *BillingEventConsumer) Handle(ctx context.Context, env domain.EventEnvelope) (domain.EventOutcome, error) {
	outcome, procErr := c.handler.Process(ctx, env)
	if procErr == nil {
		if err := c.repo.MarkWebhookEventProcessed(ctx, ProviderStripe, env.ID, nil); err != nil && !errors.Is(err, store.ErrWebhookEventNotFound) {
			c.logger.Warn("failed to mark webhook event processed", "event_id", env.ID, "error", err)
		}
		return outcome, nil
	}

	msg := procErr.Error()
	if errors.Is(procErr, domain.ErrMalformedEvent) {
		msg = domain.MalformedPrefix + " " + msg
	}
	if err := c.repo.MarkWebhookEventProcessed(ctx, ProviderStripe, env.ID, &msg); err != nil && !errors.Is(err, store.ErrWebhookEventNotFound) {
		c.logger.Error("failed to record webhook event failure", "event_id", env.ID, "error", err)
		return "", fmt.Errorf("%w: %v", errInboxWrite, procErr)
	}
	return "", procErr
}

// IntakeResult reports what happened to one webhook delivery.
type IntakeResult struct {
	// Durable is true once the event is recorded, queued or applied.
	Durable   bool
	Recorded  bool
	Queued    bool
	Duplicate bool
	Outcome   domain.EventOutcome
}

// WebhookIntake records and queues verified webhook events.
type WebhookIntake struct {
	repo      store.Repository
	publisher rabbitmq.Publisher
	consumer  *BillingEventConsumer
	exchange  string
	clock     Clock
	logger    *slog.Logger
}

func NewWebhookIntake(repo store.Repository, publisher rabbitmq.Publisher, consumer *BillingEventConsumer, exchange string, logger *slog.Logger) *WebhookIntake {
	return &WebhookIntake{
		repo:      repo,
		publisher: publisher,
		consumer:  consumer,
		exchange:  exchange,
		clock:     SystemClock(),
		logger:    logger.With("component", "webhook_intake"),
	}
}

// Accept records env in the inbox and queues it, falling back to inline processing.
// payload is the raw verified body and is kept for replay.
func (w *WebhookIntake) Accept(ctx context.Context, env domain.EventEnvelope, payload []byte) IntakeResult {
	var result IntakeResult

	if len(payload) == 0 {
		payload, _ = json.Marshal(env)
	}
	inserted, err := w.repo.RecordWebhookEvent(ctx, &domain.WebhookEvent{
		ID:         uuid.New(),
		Provider:   ProviderStripe,
		EventID:    env.ID,
		EventType:  env.Type,
		Payload:    payload,
		ReceivedAt: w.clock.Now(),
	})
	if err != nil {
		w.logger.Error("failed to record webhook event", "event_id", env.ID, "event_type", env.Type, "error", err)
	} else {
		result.Recorded = true
		result.Durable = true
	}

	if result.Recorded && !inserted {
		existing, err := w.repo.FindWebhookEvent(ctx, ProviderStripe, env.ID)
		if err == nil && existing.ProcessedAt != nil {
			w.logger.Debug("duplicate webhook delivery", "event_id", env.ID)
			result.Duplicate = true
			result.Outcome = domain.OutcomeDuplicate
			return result
		}
	}

	if w.publisher != nil {
		err := w.publisher.Publish(ctx, w.exchange, RoutingKeyBillingEvent, env)
		if err == nil {
			result.Queued = true
			result.Durable = true
			return result
		}
		w.logger.Warn("failed to queue billing event, processing inline", "event_id", env.ID, "error", err)
	}

	outcome, err := w.consumer.Handle(ctx, env)
	if err != nil {
		w.logger.Warn("inline billing event processing failed", "event_id", env.ID, "event_type", env.Type, "error", err)
		return result
	}
	result.Outcome = outcome
	result.Durable = true
	return result
}

// InboxReplayer re-drives inbox events that were recorded but never processed.
type InboxReplayer struct {
	repo        store.Repository
	publisher   rabbitmq.Publisher
	consumer    *BillingEventConsumer
	exchange    string
	after       time.Duration
	maxAttempts int
	batchSize   int
	clock       Clock
	logger      *slog.Logger
}

func NewInboxReplayer(repo store.Repository, publisher rabbitmq.Publisher, consumer *BillingEventConsumer, exchange string, after time.Duration, maxAttempts, batchSize int, logger *slog.Logger) *InboxReplayer {
	if after <= 0 {
		after = 10 * time.Minute
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	if batchSize <= 0 {
		batchSize = 100
	}
	return &InboxReplayer{
		repo:        repo,
		publisher:   publisher,
		consumer:    consumer,
		exchange:    exchange,
		after:       after,
		maxAttempts: maxAttempts,
		batchSize:   batchSize,
		clock:       SystemClock(),
		logger:      logger.With("component", "inbox_replay"),
	}
}

// SetClock overrides the time source.
func (r *InboxReplayer) SetClock(c Clock) {
	r.clock = c
}

// Run replays one batch and returns how many events were re-driven.
func (r *InboxReplayer) Run(ctx context.Context) (int, error) {
	return r.RunAt(ctx, r.clock.Now())
}

// RunAt replays events received more than the replay delay before now.
func (r *InboxReplayer) RunAt(ctx context.Context, now time.Time) (int, error) {
	events, err := r.repo.ListUnprocessedWebhookEvents(ctx, now.Add(-r.after), r.maxAttempts, r.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list unprocessed webhook events: %w", err)
	}

	replayed := 0
	for _, event := range events {
		if err := r.repo.IncrementWebhookEventAttempts(ctx, event.Provider, event.EventID); err != nil {
			r.logger.Warn("failed to bump webhook event attempts", "event_id", event.EventID, "error", err)
			continue
		}

		var env domain.EventEnvelope
		if err := json.Unmarshal(event.Payload, &env); err != nil || env.ID == "" {
			msg := domain.MalformedPrefix + " stored payload is not an event"
			if markErr := r.repo.MarkWebhookEventProcessed(ctx, event.Provider, event.EventID, &msg); markErr != nil {
				r.logger.Warn("failed to record malformed webhook event", "event_id", event.EventID, "error", markErr)
			}
			continue
		}

		if r.publisher != nil {
			if err := r.publisher.Publish(ctx, r.exchange, RoutingKeyBillingEvent, env); err == nil {
				replayed++
				continue
			}
		}
		if _, err := r.consumer.Handle(ctx, env); err != nil {
			r.logger.Warn("inline replay failed", "event_id", env.ID, "attempts", event.Attempts+1, "error", err)
			continue
		}
		replayed++
	}

	if replayed > 0 {
		r.logger.Info("replayed webhook inbox events", "count", replayed)
	}
	return replayed, nil
}
