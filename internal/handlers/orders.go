package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/text/language"

	domain "github.com/eventgate/api/internal/domain"
	"github.com/eventgate/api/internal/platform/auth"
	"github.com/eventgate/api/internal/platform/httpx"
	"github.com/eventgate/api/internal/services"
)

const (
	maxSaveOrderBody   = 32 * 1024
	maxCancelOrderBody = 4 * 1024
	orderRateLimit     = 20
	orderRateWindow    = time.Minute
)

// OrderHandlers exposes the client-initiated save-order endpoint plus order
// readout and cancellation for authenticated buyers.
type OrderHandlers struct {
	authn   *auth.Authenticator
	ledger  services.OrderLedger
	limiter RateLimiter
	logger  func(context.Context, string, map[string]any)
}

// OrderOption customises order handler construction.
type OrderOption func(*OrderHandlers)

// WithOrderLimiter overrides the per-IP rate limiter.
func WithOrderLimiter(limiter RateLimiter) OrderOption {
	return func(h *OrderHandlers) {
		if limiter != nil {
			h.limiter = limiter
		}
	}
}

// WithOrderLogger wires a structured logging callback.
func WithOrderLogger(logger func(context.Context, string, map[string]any)) OrderOption {
	return func(h *OrderHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewOrderHandlers constructs order handlers guarded by bearer authentication
// and a fixed-window per-IP rate limit on writes.
func NewOrderHandlers(authn *auth.Authenticator, ledger services.OrderLedger, opts ...OrderOption) *OrderHandlers {
	h := &OrderHandlers{
		authn:   authn,
		ledger:  ledger,
		limiter: newSimpleRateLimiter(orderRateLimit, orderRateWindow, nil),
		logger:  func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers order endpoints under the provided router.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	group := r
	if h.authn != nil {
		group = group.With(h.authn.RequireFirebaseAuth())
	}
	group.Post("/", h.saveOrder)
	group.Get("/{orderId}", h.getOrder)
	group.Post("/{orderId}/cancel", h.cancelOrder)
}

type saveOrderItemRequest struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
}

type saveOrderRequest struct {
	OrderID       string                 `json:"orderId"`
	Amount        int64                  `json:"amount"`
	Currency      string                 `json:"currency"`
	PaymentStatus string                 `json:"paymentStatus"`
	Locale        string                 `json:"locale"`
	Items         []saveOrderItemRequest `json:"items"`
	Metadata      map[string]string      `json:"metadata"`
}

type cancelOrderRequest struct {
	Reason string `json:"reason"`
}

type orderItemPayload struct {
	ProductID string  `json:"productId"`
	Name      string  `json:"name"`
	Price     float64 `json:"price"`
	Quantity  int     `json:"quantity"`
}

type orderPayload struct {
	OrderID        string             `json:"orderId"`
	UserID         string             `json:"userId"`
	ProcessStatus  string             `json:"processStatus"`
	PaymentStatus  string             `json:"paymentStatus,omitempty"`
	Amount         int64              `json:"amount"`
	Currency       string             `json:"currency,omitempty"`
	Items          []orderItemPayload `json:"items"`
	ItemCount      int                `json:"itemCount"`
	Locale         string             `json:"locale,omitempty"`
	RequiresAction bool               `json:"requiresAction,omitempty"`
	FailureReason  string             `json:"failureReason,omitempty"`
	CreatedAt      string             `json:"createdAt,omitempty"`
	UpdatedAt      string             `json:"updatedAt,omitempty"`
	CompletedAt    string             `json:"completedAt,omitempty"`
	FailedAt       string             `json:"failedAt,omitempty"`
}

func (h *OrderHandlers) saveOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		httpx.WriteError(ctx, w, httpx.NewError("config_error", "order ledger is not configured", http.StatusServiceUnavailable))
		return
	}

	if h.limiter != nil && !h.limiter.Allow(clientIP(r)) {
		httpx.WriteError(ctx, w, httpx.NewError("rate_limited", "too many order requests", http.StatusTooManyRequests))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxSaveOrderBody)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errBodyTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), status))
		return
	}

	var req saveOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
		return
	}

	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderId is required", http.StatusBadRequest))
		return
	}

	items := make([]domain.LineItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, domain.LineItem{
			ProductID: strings.TrimSpace(item.ProductID),
			Name:      strings.TrimSpace(item.Name),
			UnitPrice: item.Price,
			Quantity:  item.Quantity,
		})
	}

	cmd := services.SaveOrderCommand{
		OrderID:       orderID,
		UserID:        identity.UID,
		Amount:        req.Amount,
		Currency:      strings.TrimSpace(req.Currency),
		PaymentStatus: strings.TrimSpace(req.PaymentStatus),
		Items:         items,
		Locale:        normalizeLocale(req.Locale, identity.Locale, r.Header.Get("Accept-Language")),
		Metadata:      req.Metadata,
	}

	order, err := h.ledger.SaveOrder(ctx, cmd)
	if err != nil {
		h.writeLedgerError(ctx, w, err)
		return
	}

	h.logger(ctx, "orders.saved", map[string]any{
		"orderId": order.ID,
		"userId":  order.UserID,
		"status":  string(order.ProcessStatus),
	})

	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		httpx.WriteError(ctx, w, httpx.NewError("config_error", "order ledger is not configured", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderId is required", http.StatusBadRequest))
		return
	}

	order, err := h.ledger.GetOrder(ctx, orderID)
	if err != nil {
		h.writeLedgerError(ctx, w, err)
		return
	}

	if order.UserID != identity.UID && !identity.HasRole(auth.RoleAdmin) {
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", "order belongs to another user", http.StatusForbidden))
		return
	}

	writeJSONResponse(w, http.StatusOK, buildOrderPayload(order))
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.ledger == nil {
		httpx.WriteError(ctx, w, httpx.NewError("config_error", "order ledger is not configured", http.StatusServiceUnavailable))
		return
	}

	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderId"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "orderId is required", http.StatusBadRequest))
		return
	}

	var req cancelOrderRequest
	if body, err := readLimitedBody(r, maxCancelOrderBody); err == nil {
		if err := json.Unmarshal(body, &req); err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "request body must be valid JSON", http.StatusBadRequest))
			return
		}
	} else if errors.Is(err, errBodyTooLarge) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusRequestEntityTooLarge))
		return
	}

	// Ownership is checked before the transition so a stranger's probe cannot
	// tell a foreign order apart from a missing one.
	order, err := h.ledger.GetOrder(ctx, orderID)
	if err != nil {
		h.writeLedgerError(ctx, w, err)
		return
	}
	if order.UserID != identity.UID && !identity.HasRole(auth.RoleAdmin) {
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
		return
	}

	cancelled, err := h.ledger.Cancel(ctx, orderID, strings.TrimSpace(req.Reason), identity.UID)
	if err != nil {
		h.writeLedgerError(ctx, w, err)
		return
	}

	h.logger(ctx, "orders.cancelled", map[string]any{
		"orderId": cancelled.ID,
		"userId":  identity.UID,
	})

	writeJSONResponse(w, http.StatusOK, buildOrderPayload(cancelled))
}

func (h *OrderHandlers) writeLedgerError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, services.ErrLedgerInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrLedgerInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_transition", "order state does not permit this change", http.StatusConflict))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("processing_error", "failed to process order request", http.StatusInternalServerError))
	}
}

func buildOrderPayload(order domain.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductID: item.ProductID,
			Name:      item.Name,
			Price:     item.UnitPrice,
			Quantity:  item.Quantity,
		})
	}
	return orderPayload{
		OrderID:        order.ID,
		UserID:         order.UserID,
		ProcessStatus:  string(order.ProcessStatus),
		PaymentStatus:  order.PaymentStatus,
		Amount:         order.Amount,
		Currency:       order.Currency,
		Items:          items,
		ItemCount:      order.ItemCount,
		Locale:         order.Locale,
		RequiresAction: order.RequiresAction,
		FailureReason:  order.FailureReason,
		CreatedAt:      formatTime(order.CreatedAt),
		UpdatedAt:      formatTime(order.UpdatedAt),
		CompletedAt:    formatTimePtr(order.CompletedAt),
		FailedAt:       formatTimePtr(order.FailedAt),
	}
}

// normalizeLocale canonicalizes the first parseable locale among the given
// candidates ("en-us" becomes "en-US"); garbage yields the empty string.
func normalizeLocale(candidates ...string) string {
	for _, candidate := range candidates {
		candidate = strings.TrimSpace(candidate)
		if candidate == "" {
			continue
		}
		// Accept-Language may carry a weighted list; the first entry wins.
		if idx := strings.IndexAny(candidate, ",;"); idx >= 0 {
			candidate = strings.TrimSpace(candidate[:idx])
		}
		tag, err := language.Parse(candidate)
		if err != nil {
			continue
		}
		return tag.String()
	}
	return ""
}
