/**
 * @description
 * This file provides the PostgreSQL implementation of the `Repository` interface.
 * It contains the SQL for the order ledger, subscriptions, user withdrawn totals,
 * admin request workflows, and the webhook inbox.
 *
 * @dependencies
 * - context, time, errors: Standard Go libraries.
 * - github.com/jackc/pgx/v5: The PostgreSQL driver for database operations.
 * - internal/domain: Contains the domain models used for data transfer.
 *
 * @notes
 * - The pool runs in simple-protocol mode, so JSONB values are sent as text with an
 *   explicit cast and read back as raw bytes.
 */

package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/metalvault/settlement-service/internal/domain"
)

var (
	ErrUserNotFound                = errors.New("user not found")
	ErrOrderNotFound               = errors.New("order not found")
	ErrOrderConflict               = errors.New("order already exists for external reference")
	ErrOrderEventAlreadyApplied    = errors.New("event already applied to order")
	ErrSubscriptionNotFound        = errors.New("subscription not found")
	ErrWithdrawalRequestNotFound   = errors.New("withdrawal request not found")
	ErrCancellationRequestNotFound = errors.New("cancellation request not found")
	ErrWebhookEventNotFound        = errors.New("webhook event not found")
)

const (
	userColumns = `id, email, billing_customer_id, withdrawn_gold_grams, withdrawn_silver_ounces, created_at, updated_at`

	orderColumns = `id, user_id, subscription_id, order_type, amount, amount_minor, currency, status,
		payment_status, invoice_status, checkout_session_id, customer_id, external_subscription_id,
		payment_intent_id, invoice_id, latest_event_id, latest_event_type, latest_event_at,
		metadata, plan, created_at, updated_at`

	subscriptionColumns = `id, user_id, metal, plan_name, target_weight, target_unit, monthly_amount,
		quantity, accumulated_value, accumulated_weight, status, customer_id, external_subscription_id,
		target_price, current_period_end, created_at, updated_at`

	withdrawalColumns = `id, user_id, subscription_id, metal, requested_weight, requested_unit,
		estimated_value, status, notes, processed_by, processed_at, created_at, updated_at`

	cancellationColumns = `id, user_id, subscription_id, reason, status, notes, processed_by,
		processed_at, created_at, updated_at`

	webhookEventColumns = `id, provider, event_id, event_type, payload, attempts, received_at,
		processed_at, processing_error`
)

// PostgresRepository is a concrete implementation of the Repository interface for PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository creates a new instance of PostgresRepository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func optString[T ~string](v *T) *string {
	if v == nil {
		return nil
	}
	s := string(*v)
	return &s
}

func encodeJSON(v any) (*string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	s := string(raw)
	return &s, nil
}

func scanUser(row pgx.Row) (*domain.User, error) {
	var user domain.User
	err := row.Scan(
		&user.ID,
		&user.Email,
		&user.BillingCustomerID,
		&user.WithdrawnGoldGrams,
		&user.WithdrawnSilverOunces,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

func scanOrder(row pgx.Row) (*domain.Order, error) {
	var (
		order       domain.Order
		orderType   string
		status      string
		payment     string
		invoice     string
		rawMetadata []byte
		rawPlan     []byte
	)
	err := row.Scan(
		&order.ID,
		&order.UserID,
		&order.SubscriptionID,
		&orderType,
		&order.Amount,
		&order.AmountMinor,
		&order.Currency,
		&status,
		&payment,
		&invoice,
		&order.CheckoutSessionID,
		&order.CustomerID,
		&order.ExternalSubscriptionID,
		&order.PaymentIntentID,
		&order.InvoiceID,
		&order.LatestEventID,
		&order.LatestEventType,
		&order.LatestEventAt,
		&rawMetadata,
		&rawPlan,
		&order.CreatedAt,
		&order.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, err
	}
	order.OrderType = domain.OrderType(orderType)
	order.Status = domain.OrderStatus(status)
	order.PaymentStatus = domain.PaymentStatus(payment)
	order.InvoiceStatus = domain.InvoiceStatus(invoice)

	if len(rawMetadata) > 0 {
		if err := json.Unmarshal(rawMetadata, &order.Metadata); err != nil {
			return nil, fmt.Errorf("decode order metadata: %w", err)
		}
	}
	if len(rawPlan) > 0 && string(rawPlan) != "null" {
		var plan domain.PlanSnapshot
		if err := json.Unmarshal(rawPlan, &plan); err != nil {
			return nil, fmt.Errorf("decode order plan: %w", err)
		}
		order.Plan = &plan
	}
	return &order, nil
}

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var (
		sub    domain.Subscription
		metal  string
		unit   string
		status string
	)
	err := row.Scan(
		&sub.ID,
		&sub.UserID,
		&metal,
		&sub.PlanName,
		&sub.TargetWeight,
		&unit,
		&sub.MonthlyAmount,
		&sub.Quantity,
		&sub.AccumulatedValue,
		&sub.AccumulatedWeight,
		&status,
		&sub.CustomerID,
		&sub.ExternalSubscriptionID,
		&sub.TargetPrice,
		&sub.CurrentPeriodEnd,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	sub.Metal = domain.Metal(metal)
	sub.TargetUnit = domain.WeightUnit(unit)
	sub.Status = domain.SubscriptionStatus(status)
	return &sub, nil
}

func scanWithdrawalRequest(row pgx.Row) (*domain.WithdrawalRequest, error) {
	var (
		req    domain.WithdrawalRequest
		metal  string
		unit   string
		status string
	)
	err := row.Scan(
		&req.ID,
		&req.UserID,
		&req.SubscriptionID,
		&metal,
		&req.RequestedWeight,
		&unit,
		&req.EstimatedValue,
		&status,
		&req.Notes,
		&req.ProcessedBy,
		&req.ProcessedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWithdrawalRequestNotFound
		}
		return nil, err
	}
	req.Metal = domain.Metal(metal)
	req.RequestedUnit = domain.WeightUnit(unit)
	req.Status = domain.WithdrawalStatus(status)
	return &req, nil
}

func scanCancellationRequest(row pgx.Row) (*domain.CancellationRequest, error) {
	var (
		req    domain.CancellationRequest
		status string
	)
	err := row.Scan(
		&req.ID,
		&req.UserID,
		&req.SubscriptionID,
		&req.Reason,
		&status,
		&req.Notes,
		&req.ProcessedBy,
		&req.ProcessedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrCancellationRequestNotFound
		}
		return nil, err
	}
	req.Status = domain.CancellationStatus(status)
	return &req, nil
}

func scanWebhookEvent(row pgx.Row) (*domain.WebhookEvent, error) {
	var event domain.WebhookEvent
	err := row.Scan(
		&event.ID,
		&event.Provider,
		&event.EventID,
		&event.EventType,
		&event.Payload,
		&event.Attempts,
		&event.ReceivedAt,
		&event.ProcessedAt,
		&event.ProcessingError,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookEventNotFound
		}
		return nil, err
	}
	return &event, nil
}

func collectOrders(rows pgx.Rows) ([]domain.Order, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Order, error) {
		order, err := scanOrder(row)
		if err != nil {
			return domain.Order{}, err
		}
		return *order, nil
	})
}

// FindUserByID retrieves a user from the database by their ID.
func (r *PostgresRepository) FindUserByID(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1`
	return scanUser(r.db.QueryRow(ctx, query, userID))
}

// FindUserByCustomerID resolves a user from their billing-processor customer id.
func (r *PostgresRepository) FindUserByCustomerID(ctx context.Context, customerID string) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE billing_customer_id = $1`
	return scanUser(r.db.QueryRow(ctx, query, customerID))
}

func (r *PostgresRepository) SetUserBillingCustomerID(ctx context.Context, userID uuid.UUID, customerID string) error {
	query := `UPDATE users SET billing_customer_id = $1, updated_at = NOW() WHERE id = $2`
	tag, err := r.db.Exec(ctx, query, customerID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreateOrder inserts a new order into the ledger.
func (r *PostgresRepository) CreateOrder(ctx context.Context, order *domain.Order) error {
	metadata := order.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	rawMetadata, err := encodeJSON(metadata)
	if err != nil {
		return err
	}
	var rawPlan *string
	if order.Plan != nil {
		if rawPlan, err = encodeJSON(order.Plan); err != nil {
			return err
		}
	}
	invoiceStatus := order.InvoiceStatus
	if invoiceStatus == "" {
		invoiceStatus = domain.InvoiceStatusNone
	}

	query := `
		INSERT INTO orders (
			id,
			user_id,
			subscription_id,
			order_type,
			amount,
			amount_minor,
			currency,
			status,
			payment_status,
			invoice_status,
			checkout_session_id,
			customer_id,
			external_subscription_id,
			payment_intent_id,
			invoice_id,
			latest_event_id,
			latest_event_type,
			latest_event_at,
			metadata,
			plan
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19::jsonb, $20::jsonb)
		RETURNING created_at, updated_at
	`
	err = r.db.QueryRow(ctx, query,
		order.ID,
		order.UserID,
		order.SubscriptionID,
		string(order.OrderType),
		order.Amount,
		order.AmountMinor,
		order.Currency,
		string(order.Status),
		string(order.PaymentStatus),
		string(invoiceStatus),
		order.CheckoutSessionID,
		order.CustomerID,
		order.ExternalSubscriptionID,
		order.PaymentIntentID,
		order.InvoiceID,
		order.LatestEventID,
		order.LatestEventType,
		order.LatestEventAt,
		rawMetadata,
		rawPlan,
	).Scan(&order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrOrderConflict
		}
		return err
	}
	order.InvoiceStatus = invoiceStatus
	return nil
}

func (r *PostgresRepository) FindOrderByID(ctx context.Context, orderID uuid.UUID) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	return scanOrder(r.db.QueryRow(ctx, query, orderID))
}

func (r *PostgresRepository) FindOrderByCheckoutSessionID(ctx context.Context, sessionID string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE checkout_session_id = $1`
	return scanOrder(r.db.QueryRow(ctx, query, sessionID))
}

func (r *PostgresRepository) FindOrderBySubscriptionID(ctx context.Context, externalSubscriptionID, invoiceID string) (*domain.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE external_subscription_id = $1
		  AND ($2 = '' OR invoice_id IS NULL OR invoice_id = $2)
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanOrder(r.db.QueryRow(ctx, query, externalSubscriptionID, invoiceID))
}

func (r *PostgresRepository) FindOrderByInvoiceID(ctx context.Context, invoiceID string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE invoice_id = $1`
	return scanOrder(r.db.QueryRow(ctx, query, invoiceID))
}

func (r *PostgresRepository) FindOrderByPaymentIntentID(ctx context.Context, paymentIntentID string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE payment_intent_id = $1 ORDER BY created_at DESC LIMIT 1`
	return scanOrder(r.db.QueryRow(ctx, query, paymentIntentID))
}

// FindEarliestOrderBySubscriptionID returns the order that started an external subscription.
// Renewal orders copy their plan and ownership from it.
func (r *PostgresRepository) FindEarliestOrderBySubscriptionID(ctx context.Context, externalSubscriptionID string) (*domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE external_subscription_id = $1 ORDER BY created_at ASC LIMIT 1`
	return scanOrder(r.db.QueryRow(ctx, query, externalSubscriptionID))
}

func (r *PostgresRepository) ListRecentPendingOrdersByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE customer_id = $1 AND status = 'pending'
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, customerID, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// UpdateOrder applies a partial update and returns the stored order. When params.EventID
// is set, an order that already recorded that event is left untouched and
// ErrOrderEventAlreadyApplied is returned.
func (r *PostgresRepository) UpdateOrder(ctx context.Context, orderID uuid.UUID, params UpdateOrderParams) (*domain.Order, error) {
	var rawMetadata *string
	if len(params.Metadata) > 0 {
		var err error
		if rawMetadata, err = encodeJSON(params.Metadata); err != nil {
			return nil, err
		}
	}

	query := `
		UPDATE orders
		SET
			status = COALESCE($1, status),
			payment_status = COALESCE($2, payment_status),
			invoice_status = COALESCE($3, invoice_status),
			user_id = COALESCE($4, user_id),
			subscription_id = COALESCE($5, subscription_id),
			amount = COALESCE($6, amount),
			amount_minor = COALESCE($7, amount_minor),
			currency = COALESCE($8, currency),
			checkout_session_id = COALESCE($9, checkout_session_id),
			customer_id = COALESCE($10, customer_id),
			external_subscription_id = COALESCE($11, external_subscription_id),
			payment_intent_id = COALESCE($12, payment_intent_id),
			invoice_id = COALESCE($13, invoice_id),
			latest_event_id = COALESCE($14, latest_event_id),
			latest_event_type = COALESCE($15, latest_event_type),
			latest_event_at = COALESCE($16, latest_event_at),
			metadata = COALESCE(metadata || $17::jsonb, metadata),
			updated_at = NOW()
		WHERE id = $18
		  AND ($14::text IS NULL OR latest_event_id IS DISTINCT FROM $14::text)
		RETURNING ` + orderColumns

	order, err := scanOrder(r.db.QueryRow(ctx, query,
		optString(params.Status),
		optString(params.PaymentStatus),
		optString(params.InvoiceStatus),
		params.UserID,
		params.SubscriptionID,
		params.Amount,
		params.AmountMinor,
		params.Currency,
		params.CheckoutSessionID,
		params.CustomerID,
		params.ExternalSubscriptionID,
		params.PaymentIntentID,
		params.InvoiceID,
		params.EventID,
		params.EventType,
		params.EventAt,
		rawMetadata,
		orderID,
	))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrOrderConflict
		}
		if errors.Is(err, ErrOrderNotFound) && params.EventID != nil {
			if _, findErr := r.FindOrderByID(ctx, orderID); findErr == nil {
				return nil, ErrOrderEventAlreadyApplied
			}
		}
		return nil, err
	}
	return order, nil
}

// ListStalePendingCheckoutOrders returns pending orders with a checkout session created before the cutoff.
func (r *PostgresRepository) ListStalePendingCheckoutOrders(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = 'pending'
		  AND checkout_session_id IS NOT NULL
		  AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// ListStalePendingPaymentIntentOrders returns pending orders known only by a payment intent.
func (r *PostgresRepository) ListStalePendingPaymentIntentOrders(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = 'pending'
		  AND checkout_session_id IS NULL
		  AND payment_intent_id IS NOT NULL
		  AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Query(ctx, query, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	return collectOrders(rows)
}

// DeleteTerminalOrders removes up to limit cancelled and failed orders last touched before the cutoff.
func (r *PostgresRepository) DeleteTerminalOrders(ctx context.Context, updatedBefore time.Time, limit int) (int64, error) {
	query := `
		DELETE FROM orders
		WHERE id IN (
			SELECT id FROM orders
			WHERE status = 'cancelled'
			  AND payment_status = 'failed'
			  AND updated_at < $1
			ORDER BY updated_at ASC
			LIMIT $2
		)
	`
	tag, err := r.db.Exec(ctx, query, updatedBefore, limit)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// CreateSubscription inserts a new local subscription.
func (r *PostgresRepository) CreateSubscription(ctx context.Context, sub *domain.Subscription) error {
	query := `
		INSERT INTO subscriptions (
			id,
			user_id,
			metal,
			plan_name,
			target_weight,
			target_unit,
			monthly_amount,
			quantity,
			accumulated_value,
			accumulated_weight,
			status,
			customer_id,
			external_subscription_id,
			target_price,
			current_period_end
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		sub.ID,
		sub.UserID,
		string(sub.Metal),
		sub.PlanName,
		sub.TargetWeight,
		string(sub.TargetUnit),
		sub.MonthlyAmount,
		sub.Quantity,
		sub.AccumulatedValue,
		sub.AccumulatedWeight,
		string(sub.Status),
		sub.CustomerID,
		sub.ExternalSubscriptionID,
		sub.TargetPrice,
		sub.CurrentPeriodEnd,
	).Scan(&sub.CreatedAt, &sub.UpdatedAt)
}

func (r *PostgresRepository) FindSubscriptionByID(ctx context.Context, subscriptionID uuid.UUID) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1`
	return scanSubscription(r.db.QueryRow(ctx, query, subscriptionID))
}

func (r *PostgresRepository) FindSubscriptionByExternalID(ctx context.Context, externalSubscriptionID string) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE external_subscription_id = $1`
	return scanSubscription(r.db.QueryRow(ctx, query, externalSubscriptionID))
}

// FindSubscriptionByFingerprint matches a subscription that has not been linked to an
// external subscription yet.
func (r *PostgresRepository) FindSubscriptionByFingerprint(ctx context.Context, fp domain.SubscriptionFingerprint) (*domain.Subscription, error) {
	query := `
		SELECT ` + subscriptionColumns + `
		FROM subscriptions
		WHERE user_id = $1
		  AND customer_id = $2
		  AND metal = $3
		  AND plan_name = $4
		  AND target_weight = $5
		  AND target_unit = $6
		  AND external_subscription_id IS NULL
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanSubscription(r.db.QueryRow(ctx, query,
		fp.UserID,
		fp.CustomerID,
		string(fp.Metal),
		fp.PlanName,
		fp.TargetWeight,
		string(fp.TargetUnit),
	))
}

// UpdateSubscription applies a partial update. Accumulation deltas are added in SQL so
// concurrent renewals never overwrite each other.
func (r *PostgresRepository) UpdateSubscription(ctx context.Context, subscriptionID uuid.UUID, params UpdateSubscriptionParams) (*domain.Subscription, error) {
	query := `
		UPDATE subscriptions
		SET
			status = COALESCE($1, status),
			external_subscription_id = COALESCE($2, external_subscription_id),
			customer_id = COALESCE($3, customer_id),
			current_period_end = GREATEST(current_period_end, $4::timestamptz),
			quantity = COALESCE($5, quantity),
			monthly_amount = COALESCE($6, monthly_amount),
			target_price = COALESCE($7, target_price),
			accumulated_value = accumulated_value + $8,
			accumulated_weight = accumulated_weight + $9,
			updated_at = NOW()
		WHERE id = $10
		RETURNING ` + subscriptionColumns

	return scanSubscription(r.db.QueryRow(ctx, query,
		optString(params.Status),
		params.ExternalSubscriptionID,
		params.CustomerID,
		params.CurrentPeriodEnd,
		params.Quantity,
		params.MonthlyAmount,
		params.TargetPrice,
		params.AddValue,
		params.AddWeight,
		subscriptionID,
	))
}

func (r *PostgresRepository) CreateWithdrawalRequest(ctx context.Context, req *domain.WithdrawalRequest) error {
	query := `
		INSERT INTO withdrawal_requests (
			id, user_id, subscription_id, metal, requested_weight, requested_unit,
			estimated_value, status, notes
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		req.ID,
		req.UserID,
		req.SubscriptionID,
		string(req.Metal),
		req.RequestedWeight,
		string(req.RequestedUnit),
		req.EstimatedValue,
		string(req.Status),
		req.Notes,
	).Scan(&req.CreatedAt, &req.UpdatedAt)
}

func (r *PostgresRepository) FindWithdrawalRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.WithdrawalRequest, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests WHERE id = $1`
	return scanWithdrawalRequest(r.db.QueryRow(ctx, query, requestID))
}

func (r *PostgresRepository) UpdateWithdrawalRequestStatus(ctx context.Context, requestID uuid.UUID, status domain.WithdrawalStatus, processedBy string, notes *string) (*domain.WithdrawalRequest, error) {
	query := `
		UPDATE withdrawal_requests
		SET status = $1,
		    processed_by = $2,
		    processed_at = NOW(),
		    notes = COALESCE($3, notes),
		    updated_at = NOW()
		WHERE id = $4
		RETURNING ` + withdrawalColumns
	return scanWithdrawalRequest(r.db.QueryRow(ctx, query, string(status), processedBy, notes, requestID))
}

func (r *PostgresRepository) CreateCancellationRequest(ctx context.Context, req *domain.CancellationRequest) error {
	query := `
		INSERT INTO cancellation_requests (id, user_id, subscription_id, reason, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at
	`
	return r.db.QueryRow(ctx, query,
		req.ID,
		req.UserID,
		req.SubscriptionID,
		req.Reason,
		string(req.Status),
	).Scan(&req.CreatedAt, &req.UpdatedAt)
}

func (r *PostgresRepository) FindCancellationRequestByID(ctx context.Context, requestID uuid.UUID) (*domain.CancellationRequest, error) {
	query := `SELECT ` + cancellationColumns + ` FROM cancellation_requests WHERE id = $1`
	return scanCancellationRequest(r.db.QueryRow(ctx, query, requestID))
}

// FindOpenCancellationRequest returns the newest non-terminal cancellation request for a subscription.
func (r *PostgresRepository) FindOpenCancellationRequest(ctx context.Context, subscriptionID uuid.UUID) (*domain.CancellationRequest, error) {
	query := `
		SELECT ` + cancellationColumns + `
		FROM cancellation_requests
		WHERE subscription_id = $1 AND status IN ('pending', 'in_review', 'approved')
		ORDER BY created_at DESC
		LIMIT 1
	`
	return scanCancellationRequest(r.db.QueryRow(ctx, query, subscriptionID))
}

func (r *PostgresRepository) TransitionCancellationRequest(ctx context.Context, requestID uuid.UUID, from []domain.CancellationStatus, to domain.CancellationStatus, processedBy string, notes *string) (bool, error) {
	allowed := make([]string, 0, len(from))
	for _, status := range from {
		allowed = append(allowed, string(status))
	}
	query := `
		UPDATE cancellation_requests
		SET status = $1,
		    processed_by = $2,
		    processed_at = NOW(),
		    notes = COALESCE($3, notes),
		    updated_at = NOW()
		WHERE id = $4 AND status = ANY($5::text[])
	`
	tag, err := r.db.Exec(ctx, query, string(to), processedBy, notes, requestID, allowed)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// RecordWebhookEvent stores a received event in the inbox.
func (r *PostgresRepository) RecordWebhookEvent(ctx context.Context, event *domain.WebhookEvent) (bool, error) {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	query := `
		INSERT INTO webhook_events (id, provider, event_id, event_type, payload)
		VALUES ($1, $2, $3, $4, $5::jsonb)
		ON CONFLICT (provider, event_id) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, event.ID, event.Provider, event.EventID, event.EventType, string(event.Payload))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *PostgresRepository) FindWebhookEvent(ctx context.Context, provider, eventID string) (*domain.WebhookEvent, error) {
	query := `SELECT ` + webhookEventColumns + ` FROM webhook_events WHERE provider = $1 AND event_id = $2`
	return scanWebhookEvent(r.db.QueryRow(ctx, query, provider, eventID))
}

// MarkWebhookEventProcessed records the processing outcome. A retryable processingErr keeps
// the event eligible for replay; success and malformed events are stamped processed.
func (r *PostgresRepository) MarkWebhookEventProcessed(ctx context.Context, provider, eventID string, processingErr *string) error {
	query := `
		UPDATE webhook_events
		SET processed_at = CASE WHEN $4::boolean THEN NOW() ELSE NULL END,
		    processing_error = $3::text
		WHERE provider = $1 AND event_id = $2
	`
	tag, err := r.db.Exec(ctx, query, provider, eventID, processingErr, domain.TerminalProcessingOutcome(processingErr))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWebhookEventNotFound
	}
	return nil
}

func (r *PostgresRepository) ListUnprocessedWebhookEvents(ctx context.Context, receivedBefore time.Time, maxAttempts, limit int) ([]domain.WebhookEvent, error) {
	query := `
		SELECT ` + webhookEventColumns + `
		FROM webhook_events
		WHERE processed_at IS NULL
		  AND received_at < $1
		  AND attempts < $2
		ORDER BY received_at ASC
		LIMIT $3
	`
	rows, err := r.db.Query(ctx, query, receivedBefore, maxAttempts, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.WebhookEvent, error) {
		event, err := scanWebhookEvent(row)
		if err != nil {
			return domain.WebhookEvent{}, err
		}
		return *event, nil
	})
}

func (r *PostgresRepository) IncrementWebhookEventAttempts(ctx context.Context, provider, eventID string) error {
	query := `UPDATE webhook_events SET attempts = attempts + 1 WHERE provider = $1 AND event_id = $2`
	_, err := r.db.Exec(ctx, query, provider, eventID)
	return err
}

// RunInTx executes fn within a single transaction, committing only if fn succeeds.
func (r *PostgresRepository) RunInTx(ctx context.Context, fn func(tx SettlementTx) error) error {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if err := fn(&postgresSettlementTx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

type postgresSettlementTx struct {
	tx pgx.Tx
}

// LockWithdrawalRequest reads the request and holds its row lock until the transaction ends.
func (t *postgresSettlementTx) LockWithdrawalRequest(ctx context.Context, requestID uuid.UUID) (*domain.WithdrawalRequest, error) {
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests WHERE id = $1 FOR UPDATE`
	return scanWithdrawalRequest(t.tx.QueryRow(ctx, query, requestID))
}

func (t *postgresSettlementTx) LockSubscription(ctx context.Context, subscriptionID uuid.UUID) (*domain.Subscription, error) {
	query := `SELECT ` + subscriptionColumns + ` FROM subscriptions WHERE id = $1 FOR UPDATE`
	return scanSubscription(t.tx.QueryRow(ctx, query, subscriptionID))
}

func (t *postgresSettlementTx) LockUser(ctx context.Context, userID uuid.UUID) (*domain.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE id = $1 FOR UPDATE`
	return scanUser(t.tx.QueryRow(ctx, query, userID))
}

func (t *postgresSettlementTx) DrainSubscription(ctx context.Context, subscriptionID uuid.UUID, status *domain.SubscriptionStatus) error {
	query := `
		UPDATE subscriptions
		SET accumulated_weight = 0,
		    accumulated_value = 0,
		    status = COALESCE($1, status),
		    updated_at = NOW()
		WHERE id = $2
	`
	tag, err := t.tx.Exec(ctx, query, optString(status), subscriptionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

func (t *postgresSettlementTx) AddUserWithdrawn(ctx context.Context, userID uuid.UUID, metal domain.Metal, weight float64) error {
	var query string
	switch metal {
	case domain.MetalGold:
		query = `UPDATE users SET withdrawn_gold_grams = withdrawn_gold_grams + $1, updated_at = NOW() WHERE id = $2`
	case domain.MetalSilver:
		query = `UPDATE users SET withdrawn_silver_ounces = withdrawn_silver_ounces + $1, updated_at = NOW() WHERE id = $2`
	default:
		return fmt.Errorf("unsupported metal %q", metal)
	}
	tag, err := t.tx.Exec(ctx, query, weight, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (t *postgresSettlementTx) SetWithdrawalRequestStatus(ctx context.Context, requestID uuid.UUID, status domain.WithdrawalStatus, processedBy string) error {
	query := `
		UPDATE withdrawal_requests
		SET status = $1, processed_by = $2, processed_at = NOW(), updated_at = NOW()
		WHERE id = $3
	`
	tag, err := t.tx.Exec(ctx, query, string(status), processedBy, requestID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWithdrawalRequestNotFound
	}
	return nil
}
