package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	domain "github.com/eventgate/api/internal/domain"
	"github.com/eventgate/api/internal/payments"
	"github.com/eventgate/api/internal/platform/httpx"
	"github.com/eventgate/api/internal/services"
)

const (
	maxWebhookBody       = 64 * 1024
	stripeSignatureField = "Stripe-Signature"
)

// WebhookHandlers receives provider callbacks. The raw body is verified
// against the signature header before any of it is trusted.
type WebhookHandlers struct {
	gateway payments.Gateway
	ledger  services.OrderLedger
	logger  func(context.Context, string, map[string]any)
}

// WebhookOption customises webhook handler construction.
type WebhookOption func(*WebhookHandlers)

// WithWebhookLogger wires a structured logging callback.
func WithWebhookLogger(logger func(context.Context, string, map[string]any)) WebhookOption {
	return func(h *WebhookHandlers) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewWebhookHandlers constructs the provider webhook endpoint.
func NewWebhookHandlers(gateway payments.Gateway, ledger services.OrderLedger, opts ...WebhookOption) *WebhookHandlers {
	h := &WebhookHandlers{
		gateway: gateway,
		ledger:  ledger,
		logger:  func(context.Context, string, map[string]any) {},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers webhook endpoints under the provided router.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/stripe", h.handleStripe)
}

func (h *WebhookHandlers) handleStripe(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.gateway == nil || h.ledger == nil {
		httpx.WriteError(ctx, w, httpx.NewError("config_error", "webhook processing is not configured", http.StatusServiceUnavailable))
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "failed to read webhook payload", http.StatusBadRequest))
		return
	}
	if len(payload) > maxWebhookBody {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "webhook payload too large", http.StatusRequestEntityTooLarge))
		return
	}

	event, err := h.gateway.VerifyWebhook(payload, r.Header.Get(stripeSignatureField))
	if err != nil {
		if errors.Is(err, payments.ErrInvalidSignature) {
			h.logger(ctx, "webhooks.stripe.invalid_signature", map[string]any{"error": err.Error()})
			httpx.WriteError(ctx, w, httpx.NewError("invalid_signature", "webhook signature verification failed", http.StatusBadRequest))
			return
		}
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "malformed webhook event", http.StatusBadRequest))
		return
	}

	if err := h.dispatch(ctx, event); err != nil {
		// A handler failure is captured into the order so operators can see
		// it; the delivery is still acknowledged because redelivering the
		// same event would fail the same way. Only a failure to record the
		// capture returns 500, which makes the provider retry.
		h.logger(ctx, "webhooks.stripe.handler_error", map[string]any{
			"eventId":  event.ID,
			"type":     event.Type,
			"intentId": event.IntentID,
			"error":    err.Error(),
		})
		if event.IntentID != "" {
			if _, recordErr := h.ledger.MarkProcessingError(ctx, event.IntentID, err); recordErr != nil {
				h.logger(ctx, "webhooks.stripe.capture_error", map[string]any{
					"eventId":  event.ID,
					"intentId": event.IntentID,
					"error":    recordErr.Error(),
				})
				httpx.WriteError(ctx, w, httpx.NewError("processing_error", "failed to record webhook processing error", http.StatusInternalServerError))
				return
			}
		}
	}

	writeJSONResponse(w, http.StatusOK, map[string]any{"received": true})
}

func (h *WebhookHandlers) dispatch(ctx context.Context, event payments.WebhookEvent) error {
	paymentEvent := buildPaymentEvent(event)

	switch event.Type {
	case payments.EventIntentSucceeded:
		order, result, err := h.ledger.ApplySucceeded(ctx, paymentEvent)
		if err != nil {
			return err
		}
		h.logger(ctx, "webhooks.stripe.succeeded", map[string]any{
			"orderId":         order.ID,
			"ticketsCreated":  result.TicketsCreated,
			"ticketsExisting": result.TicketsExisting,
		})
		return nil
	case payments.EventIntentFailed:
		order, err := h.ledger.ApplyFailed(ctx, paymentEvent)
		if err != nil {
			return err
		}
		h.logger(ctx, "webhooks.stripe.failed", map[string]any{
			"orderId": order.ID,
			"reason":  order.FailureReason,
		})
		return nil
	case payments.EventIntentRequiresAction:
		order, err := h.ledger.ApplyRequiresAction(ctx, paymentEvent)
		if err != nil {
			return err
		}
		h.logger(ctx, "webhooks.stripe.requires_action", map[string]any{
			"orderId":    order.ID,
			"actionType": order.NextActionType,
		})
		return nil
	default:
		// Unknown event types are acknowledged so the provider does not
		// retry deliveries the pipeline will never act on.
		h.logger(ctx, "webhooks.stripe.ignored", map[string]any{
			"eventId": event.ID,
			"type":    event.Type,
		})
		return nil
	}
}

func buildPaymentEvent(event payments.WebhookEvent) services.PaymentEvent {
	return services.PaymentEvent{
		AuthorizationID: event.IntentID,
		UserID:          strings.TrimSpace(event.Metadata[metadataKeyUserID]),
		Amount:          event.Amount,
		Currency:        event.Currency,
		PaymentStatus:   string(event.Status),
		Items:           decodeOrderItems(event.Metadata[metadataKeyOrderItems]),
		ItemCount:       parseItemCount(event.Metadata[metadataKeyItemCount]),
		FailureReason:   event.FailureReason,
		NextActionType:  event.NextActionType,
		Metadata:        event.Metadata,
		OccurredAt:      event.OccurredAt,
	}
}

// decodeOrderItems rebuilds line items from the metadata snapshot stamped at
// authorization time. Absent or corrupt snapshots yield nil; the ledger then
// relies on the client-saved order instead.
func decodeOrderItems(encoded string) []domain.LineItem {
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil
	}
	var compact []orderItemsMetadata
	if err := json.Unmarshal([]byte(encoded), &compact); err != nil {
		return nil
	}
	items := make([]domain.LineItem, 0, len(compact))
	for _, entry := range compact {
		items = append(items, domain.LineItem{
			ProductID: entry.ProductID,
			Name:      entry.Name,
			UnitPrice: entry.Price,
			Quantity:  entry.Quantity,
		})
	}
	return items
}

func parseItemCount(value string) int {
	count, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || count < 0 {
		return 0
	}
	return count
}
