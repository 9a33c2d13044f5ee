package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/eventgate/api/internal/domain"
	"github.com/eventgate/api/internal/payments"
	"github.com/eventgate/api/internal/platform/auth"
	"github.com/eventgate/api/internal/platform/httpx"
	"github.com/eventgate/api/internal/services"
)

const (
	maxPaymentIntentBody     = 16 * 1024
	paymentIntentRateLimit   = 10
	paymentIntentRateWindow  = time.Minute
	metadataKeyUserID        = "userId"
	metadataKeyItemCount     = "itemCount"
	metadataKeyOrderItems    = "orderItems"
	metadataOrderItemsMaxLen = 450
)

// cartValidator re-derives an order total from authoritative prices before any
// money moves. Satisfied by *services.OrderValidator.
type cartValidator interface {
	ValidateCart(ctx context.Context, cmd services.ValidateCartCommand) (services.ValidateCartResult, error)
}

// PaymentIntentHandlers exposes the authorization-opening endpoint for
// authenticated buyers.
type PaymentIntentHandlers struct {
	authn     *auth.Authenticator
	validator cartValidator
	gateway   payments.Gateway
	limiter   RateLimiter
	logger    func(context.Context, string, map[string]any)
}

// PaymentIntentOption customises payment intent handler construction.
type PaymentIntentOption func(*PaymentIntentHandlers)

// WithPaymentIntentLimiter overrides the per-IP rate limiter.
func WithPaymentIntentLimiter(limiter RateLimiter) PaymentIntentOption {
	return func(h *PaymentIntentHandlers) {
		if limiter != nil {
			h.limiter = limiter
		}
	}
}

// WithPaymentIntentLogger wires a structured logging callback.
func WithPaymentIntentLogger(logger func(context.Context, string, map[string]any)) PaymentIntentOption {
	return func(h *PaymentIntentHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewPaymentIntentHandlers constructs handlers guarded by bearer authentication
// and a fixed-window per-IP rate limit.
func NewPaymentIntentHandlers(authn *auth.Authenticator, validator cartValidator, gateway payments.Gateway, opts ...PaymentIntentOption) *PaymentIntentHandlers {
	h := &PaymentIntentHandlers{
		authn:     authn,
		validator: validator,
		gateway:   gateway,
		limiter:   newSimpleRateLimiter(paymentIntentRateLimit, paymentIntentRateWindow, nil),
		logger:    func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers payment intent endpoints under the provided router.
func (h *PaymentIntentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/", h.createIntent)
}

type paymentIntentItemRequest struct {
	ProductID string  `json:"productId"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
}

type paymentIntentRequest struct {
	Items    []paymentIntentItemRequest `json:"items"`
	Amount   int64                      `json:"amount"`
	Currency string                     `json:"currency"`
}

type paymentIntentResponse struct {
	ClientSecret    string `json:"clientSecret"`
	AuthorizationID string `json:"authorizationId"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
}

func (h *PaymentIntentHandlers) createIntent(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.validator == nil || h.gateway == nil {
		httpx.WriteError(ctx, w, httpx.NewError("config_error", "payment intents are not configured", http.StatusServiceUnavailable))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(clientIP(r)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many payment intent requests", http.StatusTooManyRequests))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxPaymentIntentBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req paymentIntentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	cmd := services.ValidateCartCommand{
		Items:        make([]services.CartItemInput, 0, len(req.Items)),
		ClaimedTotal: req.Amount,
		Currency:     strings.TrimSpace(req.Currency),
	}
	for _, item := range req.Items {
		cmd.Items = append(cmd.Items, services.CartItemInput{
			ProductID:        strings.TrimSpace(item.ProductID),
			ClaimedUnitPrice: item.Price,
			Quantity:         item.Quantity,
		})
	}

	result, err := h.validator.ValidateCart(ctx, cmd)
	if err != nil {
		h.writeValidationError(ctx, w, err)
		return
	}

	metadata := map[string]string{
		metadataKeyUserID:    identity.UID,
		metadataKeyItemCount: fmt.Sprintf("%d", countLineItems(result.Items)),
	}
	if encoded, ok := encodeOrderItems(result.Items); ok {
		metadata[metadataKeyOrderItems] = encoded
	}

	intent, err := h.gateway.CreateIntent(ctx, payments.CreateIntentRequest{
		Amount:     result.Amount,
		Currency:   cmd.Currency,
		CustomerID: identity.UID,
		Metadata:   metadata,
	})
	if err != nil {
		h.logger(ctx, "payment_intents.create.error", map[string]any{
			"userId": identity.UID,
			"error":  err.Error(),
		})
		httpx.WriteError(ctx, w, httpx.NewError("processing_error", "failed to create payment intent", http.StatusBadGateway))
		return
	}

	h.logger(ctx, "payment_intents.created", map[string]any{
		"userId":          identity.UID,
		"authorizationId": intent.ID,
		"amount":          intent.Amount,
	})

	writeJSONResponse(w, http.StatusOK, paymentIntentResponse{
		ClientSecret:    intent.ClientSecret,
		AuthorizationID: intent.ID,
		Amount:          result.Amount,
		Currency:        cmd.Currency,
	})
}

func (h *PaymentIntentHandlers) writeValidationError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("empty_cart", "cart has no items", http.StatusBadRequest))
	case errors.Is(err, services.ErrInvalidItem):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_item", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrPriceMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("price_mismatch", "claimed prices disagree with the catalog", http.StatusBadRequest))
	case errors.Is(err, services.ErrAmountMismatch):
		httpx.WriteError(ctx, w, httpx.NewError("amount_mismatch", "claimed total disagrees with the recomputed total", http.StatusBadRequest))
	case errors.Is(err, services.ErrAmountTooLow), errors.Is(err, services.ErrAmountTooHigh):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_amount", "order total is out of bounds", http.StatusBadRequest))
	case errors.Is(err, services.ErrPriceLookupUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("processing_error", "price lookup unavailable", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("processing_error", "failed to validate cart", http.StatusInternalServerError))
	}
}

func countLineItems(items []domain.LineItem) int {
	total := 0
	for _, item := range items {
		total += item.Quantity
	}
	return total
}

// orderItemsMetadata is the compact line-item snapshot stashed on the payment
// authorization so webhook delivery can rebuild the order without a prior
// client save. Provider metadata values are size-limited, so the snapshot is
// dropped when it would not fit.
type orderItemsMetadata struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
}

func encodeOrderItems(items []domain.LineItem) (string, bool) {
	compact := make([]orderItemsMetadata, 0, len(items))
	for _, item := range items {
		compact = append(compact, orderItemsMetadata{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     item.UnitPrice,
			Quantity:  item.Quantity,
		})
	}
	encoded, err := json.Marshal(compact)
	if err != nil || len(encoded) > metadataOrderItemsMaxLen {
		return "", false
	}
	return string(encoded), true
}
