/**
 * @description
 * This package provides a client for the billing processor (Stripe). It wraps the
 * official SDK, verifies webhook signatures, and converts processor objects into the
 * service's own domain shapes so business logic never imports the SDK.
 *
 * @dependencies
 * - github.com/stripe/stripe-go/v82: Official SDK client and webhook verification.
 * - internal/domain: Domain representations of sessions, invoices and subscriptions.
 */

package stripeclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/metalvault/settlement-service/internal/domain"
	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"
)

// ErrInvalidSignature is returned when a webhook payload fails verification.
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Client talks to the billing processor API.
type Client struct {
	sc     *stripe.Client
	logger *slog.Logger
}

// NewClient creates a billing processor client from an API secret key.
func NewClient(secretKey string, logger *slog.Logger, opts ...stripe.ClientOption) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		sc:     stripe.NewClient(secretKey, opts...),
		logger: logger.With("component", "stripe_client"),
	}
}

// isNotFound reports whether err is the processor's missing-resource error.
func isNotFound(err error) bool {
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		return false
	}
	return stripeErr.HTTPStatusCode == http.StatusNotFound || stripeErr.Code == stripe.ErrorCodeResourceMissing
}

func wrapErr(op, id string, err error) error {
	if isNotFound(err) {
		return fmt.Errorf("%s %s: %w", op, id, domain.ErrRemoteResourceNotFound)
	}
	return fmt.Errorf("%s %s: %w", op, id, err)
}

// convert decodes an SDK object into a domain shape, preferring the raw response body
// when the object came from a direct API call.
func convert(resp *stripe.APIResponse, obj any, out any) error {
	var raw []byte
	if resp != nil && len(resp.RawJSON) > 0 {
		raw = resp.RawJSON
	} else {
		var err error
		if raw, err = json.Marshal(obj); err != nil {
			return err
		}
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) CreateCustomer(ctx context.Context, spec domain.CustomerSpec) (string, error) {
	params := &stripe.CustomerCreateParams{
		Email: stripe.String(spec.Email),
		Metadata: map[string]string{
			domain.MetadataUserID: spec.UserID.String(),
		},
	}
	customer, err := c.sc.V1Customers.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create customer: %w", err)
	}
	return customer.ID, nil
}

func (c *Client) CreatePrice(ctx context.Context, spec domain.PriceSpec) (string, error) {
	params := &stripe.PriceCreateParams{
		Currency:   stripe.String(strings.ToLower(spec.Currency)),
		UnitAmount: stripe.Int64(spec.UnitAmount),
		ProductData: &stripe.PriceCreateProductDataParams{
			Name: stripe.String(spec.ProductName),
		},
		Metadata: spec.Metadata,
	}
	if spec.Recurring {
		params.Recurring = &stripe.PriceCreateRecurringParams{
			Interval: stripe.String(string(stripe.PriceRecurringIntervalMonth)),
		}
	}
	price, err := c.sc.V1Prices.Create(ctx, params)
	if err != nil {
		return "", fmt.Errorf("create price: %w", err)
	}
	return price.ID, nil
}

func (c *Client) CreateCheckoutSession(ctx context.Context, spec domain.CheckoutSpec) (*domain.CheckoutSessionObject, error) {
	quantity := spec.Quantity
	if quantity <= 0 {
		quantity = 1
	}
	params := &stripe.CheckoutSessionCreateParams{
		Mode:              stripe.String(string(spec.Mode)),
		Customer:          stripe.String(spec.CustomerID),
		ClientReferenceID: stripe.String(spec.ClientReferenceID),
		SuccessURL:        stripe.String(spec.SuccessURL),
		CancelURL:         stripe.String(spec.CancelURL),
		LineItems: []*stripe.CheckoutSessionCreateLineItemParams{
			{Price: stripe.String(spec.PriceID), Quantity: stripe.Int64(quantity)},
		},
		Metadata: spec.Metadata,
	}
	// Metadata is copied onto the objects the session creates so later events can be
	// correlated without the session.
	switch spec.Mode {
	case domain.CheckoutModeSubscription:
		params.SubscriptionData = &stripe.CheckoutSessionCreateSubscriptionDataParams{Metadata: spec.Metadata}
	case domain.CheckoutModePayment:
		params.PaymentIntentData = &stripe.CheckoutSessionCreatePaymentIntentDataParams{Metadata: spec.Metadata}
	}

	session, err := c.sc.V1CheckoutSessions.Create(ctx, params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	var out domain.CheckoutSessionObject
	if err := convert(session.LastResponse, session, &out); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	return &out, nil
}

func (c *Client) RetrieveCheckoutSession(ctx context.Context, sessionID string) (*domain.CheckoutSessionObject, error) {
	session, err := c.sc.V1CheckoutSessions.Retrieve(ctx, sessionID, nil)
	if err != nil {
		return nil, wrapErr("retrieve checkout session", sessionID, err)
	}
	var out domain.CheckoutSessionObject
	if err := convert(session.LastResponse, session, &out); err != nil {
		return nil, fmt.Errorf("decode checkout session: %w", err)
	}
	return &out, nil
}

// ListCheckoutSessionsByCustomer returns up to limit of the customer's most recent sessions.
func (c *Client) ListCheckoutSessionsByCustomer(ctx context.Context, customerID string, limit int) ([]domain.CheckoutSessionObject, error) {
	if limit <= 0 {
		limit = 10
	}
	params := &stripe.CheckoutSessionListParams{Customer: stripe.String(customerID)}
	params.Limit = stripe.Int64(int64(limit))

	sessions := make([]domain.CheckoutSessionObject, 0, limit)
	for session, err := range c.sc.V1CheckoutSessions.List(ctx, params) {
		if err != nil {
			return nil, wrapErr("list checkout sessions for customer", customerID, err)
		}
		var out domain.CheckoutSessionObject
		if err := convert(nil, session, &out); err != nil {
			return nil, fmt.Errorf("decode checkout session: %w", err)
		}
		sessions = append(sessions, out)
		if len(sessions) >= limit {
			break
		}
	}
	return sessions, nil
}

func (c *Client) RetrievePaymentIntent(ctx context.Context, paymentIntentID string) (*domain.PaymentIntentObject, error) {
	intent, err := c.sc.V1PaymentIntents.Retrieve(ctx, paymentIntentID, nil)
	if err != nil {
		return nil, wrapErr("retrieve payment intent", paymentIntentID, err)
	}
	var out domain.PaymentIntentObject
	if err := convert(intent.LastResponse, intent, &out); err != nil {
		return nil, fmt.Errorf("decode payment intent: %w", err)
	}
	return &out, nil
}

func (c *Client) RetrieveInvoice(ctx context.Context, invoiceID string) (*domain.InvoiceObject, error) {
	invoice, err := c.sc.V1Invoices.Retrieve(ctx, invoiceID, nil)
	if err != nil {
		return nil, wrapErr("retrieve invoice", invoiceID, err)
	}
	var out domain.InvoiceObject
	if err := convert(invoice.LastResponse, invoice, &out); err != nil {
		return nil, fmt.Errorf("decode invoice: %w", err)
	}
	return &out, nil
}

func (c *Client) RetrieveSubscription(ctx context.Context, subscriptionID string) (*domain.SubscriptionObject, error) {
	sub, err := c.sc.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return nil, wrapErr("retrieve subscription", subscriptionID, err)
	}
	var out domain.SubscriptionObject
	if err := convert(sub.LastResponse, sub, &out); err != nil {
		return nil, fmt.Errorf("decode subscription: %w", err)
	}
	return &out, nil
}

// UpdateSubscriptionMetadata merges metadata into the remote subscription.
func (c *Client) UpdateSubscriptionMetadata(ctx context.Context, subscriptionID string, metadata map[string]string) error {
	params := &stripe.SubscriptionUpdateParams{Metadata: metadata}
	if _, err := c.sc.V1Subscriptions.Update(ctx, subscriptionID, params); err != nil {
		return wrapErr("update subscription metadata", subscriptionID, err)
	}
	return nil
}

// CancelSubscription cancels the remote subscription immediately.
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID string) error {
	if _, err := c.sc.V1Subscriptions.Cancel(ctx, subscriptionID, &stripe.SubscriptionCancelParams{}); err != nil {
		return wrapErr("cancel subscription", subscriptionID, err)
	}
	c.logger.Info("remote subscription cancelled", "subscription_id", subscriptionID)
	return nil
}

// WebhookVerifier authenticates raw webhook deliveries.
type WebhookVerifier struct {
	secret string
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: secret}
}

// Verify checks the signature header against the raw payload and returns the event envelope.
func (v *WebhookVerifier) Verify(payload []byte, signatureHeader string) (domain.EventEnvelope, error) {
	event, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return domain.EventEnvelope{}, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	env := domain.EventEnvelope{
		ID:      event.ID,
		Type:    string(event.Type),
		Created: event.Created,
	}
	if event.Data != nil {
		env.Data = event.Data.Raw
	}
	return env, nil
}
