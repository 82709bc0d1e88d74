/**
 * @description
 * HTTP handlers for the settlement-service: plan checkout, withdrawal and
 * cancellation requests, the back-office status transitions and price lookups.
 */
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/metalvault/settlement-service/internal/app"
	"github.com/metalvault/settlement-service/internal/domain"
	"github.com/metalvault/settlement-service/internal/pricing"
	"github.com/metalvault/settlement-service/internal/store"
)

// RequestWorkflows is the user- and admin-driven side of the service.
type RequestWorkflows interface {
	StartCheckout(ctx context.Context, in app.CheckoutInput) (*app.CheckoutResult, error)
	CreateWithdrawalRequest(ctx context.Context, in app.CreateWithdrawalInput) (*domain.WithdrawalRequest, error)
	UpdateWithdrawalStatus(ctx context.Context, requestID uuid.UUID, to domain.WithdrawalStatus, adminID string, notes *string) (*app.WithdrawalUpdate, error)
	CreateCancellationRequest(ctx context.Context, userID, subscriptionID uuid.UUID, reason string) (*domain.CancellationRequest, error)
	UpdateCancellationStatus(ctx context.Context, requestID uuid.UUID, to domain.CancellationStatus, adminID string, notes *string) (*app.CancellationUpdate, error)
}

// PriceReader serves cached metal prices.
type PriceReader interface {
	Price(ctx context.Context, metal domain.Metal) (domain.MetalPrice, error)
	RefreshAll(ctx context.Context) error
}

// Sweeper runs the reconciliation sweep on demand.
type Sweeper interface {
	Run(ctx context.Context) (app.ReconcileReport, error)
}

// HandlerDeps wires the handler. Verifier stays nil when no webhook secret is configured.
type HandlerDeps struct {
	Requests RequestWorkflows
	Prices   PriceReader
	Sweeper  Sweeper
	Intake   WebhookAcceptor
	Verifier EventVerifier
	Logger   *slog.Logger
}

// Handler holds the application services the HTTP handlers call.
type Handler struct {
	requests RequestWorkflows
	prices   PriceReader
	sweeper  Sweeper
	intake   WebhookAcceptor
	verifier EventVerifier
	validate *validator.Validate
	logger   *slog.Logger
}

// NewHandler creates a new Handler from deps.
func NewHandler(deps HandlerDeps) *Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		requests: deps.Requests,
		prices:   deps.Prices,
		sweeper:  deps.Sweeper,
		intake:   deps.Intake,
		verifier: deps.Verifier,
		validate: validator.New(),
		logger:   logger.With("component", "http"),
	}
}

type checkoutRequest struct {
	Mode          string  `json:"mode" validate:"omitempty,oneof=subscription payment"`
	Metal         string  `json:"metal" validate:"required,oneof=gold silver"`
	PlanName      string  `json:"plan_name" validate:"required,max=120"`
	TargetWeight  float64 `json:"target_weight" validate:"gt=0"`
	TargetUnit    string  `json:"target_unit" validate:"required,max=16"`
	MonthlyAmount float64 `json:"monthly_amount" validate:"gt=0"`
	Quantity      int64   `json:"quantity" validate:"omitempty,min=1,max=100"`
	Currency      string  `json:"currency" validate:"omitempty,len=3"`
}

type withdrawalRequest struct {
	SubscriptionID *string `json:"subscription_id" validate:"omitempty,uuid"`
	Metal          string  `json:"metal" validate:"required,oneof=gold silver"`
	Weight         float64 `json:"weight" validate:"gt=0"`
	Unit           string  `json:"unit" validate:"required,max=16"`
	Notes          string  `json:"notes" validate:"max=500"`
}

type cancellationRequest struct {
	SubscriptionID string `json:"subscription_id" validate:"required,uuid"`
	Reason         string `json:"reason" validate:"max=500"`
}

type statusUpdateRequest struct {
	Status string  `json:"status" validate:"required"`
	Notes  *string `json:"notes" validate:"omitempty,max=500"`
}

type priceResponse struct {
	domain.MetalPrice
	RequestedUnit  domain.WeightUnit `json:"requested_unit"`
	RequestedPrice float64           `json:"requested_price"`
}

// decode reads a JSON body into dst and validates its struct tags.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		respondWithError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "Invalid request"
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, strings.ToLower(fe.Field())+" failed "+fe.Tag())
	}
	return "Invalid request: " + strings.Join(fields, ", ")
}

func currentUser(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	return id, true
}

func pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Invalid request id")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) handleGetPrice(w http.ResponseWriter, r *http.Request) {
	metal := domain.Metal(strings.ToLower(chi.URLParam(r, "metal")))
	if !metal.Valid() {
		respondWithError(w, http.StatusBadRequest, "Unsupported metal")
		return
	}

	price, err := h.prices.Price(r.Context(), metal)
	if err != nil {
		h.logger.Warn("price lookup failed", "metal", metal, "error", err)
		respondWithError(w, http.StatusServiceUnavailable, "Price unavailable")
		return
	}

	unit := price.Unit
	if raw := r.URL.Query().Get("unit"); raw != "" {
		if unit, err = pricing.ParseUnit(raw); err != nil {
			respondWithError(w, http.StatusBadRequest, "Unsupported unit")
			return
		}
	}
	perUnit, err := pricing.PricePerUnit(price, unit)
	if err != nil {
		respondWithError(w, http.StatusBadRequest, "Unsupported unit")
		return
	}

	respondWithJSON(w, http.StatusOK, priceResponse{MetalPrice: price, RequestedUnit: unit, RequestedPrice: perUnit})
}

func (h *Handler) handleStartCheckout(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req checkoutRequest
	if !h.decode(w, r, &req) {
		return
	}

	result, err := h.requests.StartCheckout(r.Context(), app.CheckoutInput{
		UserID:        userID,
		Mode:          domain.CheckoutMode(req.Mode),
		Metal:         domain.Metal(req.Metal),
		PlanName:      strings.TrimSpace(req.PlanName),
		TargetWeight:  req.TargetWeight,
		TargetUnit:    req.TargetUnit,
		MonthlyAmount: req.MonthlyAmount,
		Quantity:      req.Quantity,
		Currency:      req.Currency,
	})
	if err != nil {
		h.respondWithServiceError(w, "start checkout", err)
		return
	}
	respondWithJSON(w, http.StatusCreated, result)
}

func (h *Handler) handleCreateWithdrawal(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req withdrawalRequest
	if !h.decode(w, r, &req) {
		return
	}

	in := app.CreateWithdrawalInput{
		UserID: userID,
		Metal:  domain.Metal(req.Metal),
		Weight: req.Weight,
		Unit:   req.Unit,
		Notes:  req.Notes,
	}
	if req.SubscriptionID != nil {
		subID := uuid.MustParse(*req.SubscriptionID)
		in.SubscriptionID = &subID
	}

	created, err := h.requests.CreateWithdrawalRequest(r.Context(), in)
	if err != nil {
		h.respondWithServiceError(w, "create withdrawal request", err)
		return
	}
	respondWithJSON(w, http.StatusCreated, created)
}

func (h *Handler) handleCreateCancellation(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req cancellationRequest
	if !h.decode(w, r, &req) {
		return
	}

	created, err := h.requests.CreateCancellationRequest(r.Context(), userID, uuid.MustParse(req.SubscriptionID), req.Reason)
	if err != nil {
		h.respondWithServiceError(w, "create cancellation request", err)
		return
	}
	respondWithJSON(w, http.StatusCreated, created)
}

type withdrawalUpdateResponse struct {
	Request    *domain.WithdrawalRequest `json:"request"`
	Settlement *settlementResponse       `json:"settlement,omitempty"`
}

type settlementResponse struct {
	SubscriptionID     uuid.UUID                 `json:"subscription_id"`
	WithdrawnWeight    float64                   `json:"withdrawn_weight"`
	WithdrawnUnit      domain.WeightUnit         `json:"withdrawn_unit"`
	FullLiquidation    bool                      `json:"full_liquidation"`
	SubscriptionStatus domain.SubscriptionStatus `json:"subscription_status"`
	Cancellation       *app.BestEffortOutcome    `json:"cancellation,omitempty"`
}

func (h *Handler) handleUpdateWithdrawalStatus(w http.ResponseWriter, r *http.Request) {
	requestID, ok := pathID(w, r)
	if !ok {
		return
	}
	adminID, _ := UserFromContext(r.Context())
	var req statusUpdateRequest
	if !h.decode(w, r, &req) {
		return
	}

	update, err := h.requests.UpdateWithdrawalStatus(r.Context(), requestID, domain.WithdrawalStatus(req.Status), adminID, req.Notes)
	if err != nil {
		h.respondWithServiceError(w, "update withdrawal request", err)
		return
	}

	resp := withdrawalUpdateResponse{Request: update.Request}
	if s := update.Settlement; s != nil {
		resp.Settlement = &settlementResponse{
			SubscriptionID:     s.SubscriptionID,
			WithdrawnWeight:    s.WithdrawnWeight,
			WithdrawnUnit:      s.WithdrawnUnit,
			FullLiquidation:    s.FullLiquidation,
			SubscriptionStatus: s.SubscriptionStatus,
		}
		if s.Cancellation != nil {
			resp.Settlement.Cancellation = &s.Cancellation.Outcome
		}
	}
	respondWithJSON(w, http.StatusOK, resp)
}

type cancellationUpdateResponse struct {
	Request      *domain.CancellationRequest `json:"request"`
	Cancellation *app.BestEffortOutcome      `json:"cancellation,omitempty"`
}

func (h *Handler) handleUpdateCancellationStatus(w http.ResponseWriter, r *http.Request) {
	requestID, ok := pathID(w, r)
	if !ok {
		return
	}
	adminID, _ := UserFromContext(r.Context())
	var req statusUpdateRequest
	if !h.decode(w, r, &req) {
		return
	}

	update, err := h.requests.UpdateCancellationStatus(r.Context(), requestID, domain.CancellationStatus(req.Status), adminID, req.Notes)
	if err != nil {
		h.respondWithServiceError(w, "update cancellation request", err)
		return
	}

	resp := cancellationUpdateResponse{Request: update.Request}
	if update.Cancellation != nil {
		resp.Cancellation = &update.Cancellation.Outcome
	}
	respondWithJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleRunReconcile(w http.ResponseWriter, r *http.Request) {
	report, err := h.sweeper.Run(r.Context())
	if err != nil {
		h.logger.Error("manual reconciliation sweep failed", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Reconciliation failed")
		return
	}
	respondWithJSON(w, http.StatusOK, report)
}

func (h *Handler) handleRefreshPrices(w http.ResponseWriter, r *http.Request) {
	if err := h.prices.RefreshAll(r.Context()); err != nil {
		h.logger.Warn("manual price refresh failed", "error", err)
		respondWithError(w, http.StatusBadGateway, "Price refresh failed")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statusForError maps service errors onto HTTP status codes.
func statusForError(err error) int {
	var settleErr *app.SettlementError
	switch {
	case errors.Is(err, app.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, app.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, store.ErrUserNotFound),
		errors.Is(err, store.ErrSubscriptionNotFound),
		errors.Is(err, store.ErrWithdrawalRequestNotFound),
		errors.Is(err, store.ErrCancellationRequestNotFound):
		return http.StatusNotFound
	case errors.Is(err, app.ErrInsufficientBalance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, app.ErrInvalidTransition),
		errors.Is(err, app.ErrRequestExists),
		errors.Is(err, app.ErrSubscriptionClosed):
		return http.StatusConflict
	case errors.As(err, &settleErr):
		if settleErr.Reason == app.SettlementStorageFailure {
			return http.StatusInternalServerError
		}
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondWithServiceError(w http.ResponseWriter, op string, err error) {
	code := statusForError(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed", "op", op, "error", err)
		respondWithError(w, code, "Internal server error")
		return
	}
	h.logger.Info("request rejected", "op", op, "status", code, "error", err)
	respondWithError(w, code, err.Error())
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
