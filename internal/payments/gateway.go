package payments

import (
	"context"
	"errors"
	"time"
)

// IntentStatus enumerates the normalised authorization states shared with the ledger.
type IntentStatus string

const (
	// StatusPending indicates the authorization is awaiting customer action or PSP confirmation.
	StatusPending IntentStatus = "pending"
	// StatusRequiresAction indicates the customer must complete an additional step (3DS etc).
	StatusRequiresAction IntentStatus = "requires_action"
	// StatusSucceeded indicates the PSP reports the payment as successfully captured.
	StatusSucceeded IntentStatus = "succeeded"
	// StatusFailed indicates the PSP reports a failure and no further capture is possible.
	StatusFailed IntentStatus = "failed"
)

// Webhook event types dispatched to the ledger.
const (
	EventIntentSucceeded      = "payment_intent.succeeded"
	EventIntentFailed         = "payment_intent.payment_failed"
	EventIntentRequiresAction = "payment_intent.requires_action"
)

// ErrInvalidSignature is returned when an inbound webhook fails signature verification.
var ErrInvalidSignature = errors.New("payments: invalid webhook signature")

// CreateIntentRequest captures the payload required to open a payment authorization.
type CreateIntentRequest struct {
	Amount         int64
	Currency       string
	CustomerID     string
	Description    string
	Metadata       map[string]string
	IdempotencyKey string
}

// Intent is the normalised view of a PSP payment authorization.
type Intent struct {
	ID             string
	ClientSecret   string
	Status         IntentStatus
	Amount         int64
	Currency       string
	NextActionType string
	FailureReason  string
	CreatedAt      time.Time
}

// WebhookEvent is a verified, decoded provider notification.
type WebhookEvent struct {
	ID             string
	Type           string
	IntentID       string
	Status         IntentStatus
	Amount         int64
	Currency       string
	FailureReason  string
	NextActionType string
	Metadata       map[string]string
	OccurredAt     time.Time
}

// Gateway is the narrow PSP boundary the pipeline depends on: open an
// authorization, look one up, and verify inbound webhooks. Everything else the
// provider offers stays behind this interface.
type Gateway interface {
	CreateIntent(ctx context.Context, req CreateIntentRequest) (Intent, error)
	GetIntent(ctx context.Context, intentID string) (Intent, error)
	VerifyWebhook(payload []byte, signatureHeader string) (WebhookEvent, error)
}
