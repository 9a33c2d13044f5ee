package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/eventgate/api/internal/domain"
	"github.com/eventgate/api/internal/platform/textutil"
	"github.com/eventgate/api/internal/repositories"
)

const (
	ledgerEventOrderSaved        = "ledger.order.saved"
	ledgerEventOrderCompleted    = "ledger.order.completed"
	ledgerEventOrderFailed       = "ledger.order.failed"
	ledgerEventActionRequired    = "ledger.order.requires_action"
	ledgerEventOrderCancelled    = "ledger.order.cancelled"
	ledgerEventProcessingError   = "ledger.order.processing_error"
	ledgerEventTransitionIgnored = "ledger.transition.ignored"
)

var (
	// ErrLedgerInvalidInput signals the caller provided invalid data.
	ErrLedgerInvalidInput = errors.New("ledger: invalid input")
	// ErrOrderNotFound indicates the ledger entry could not be located.
	ErrOrderNotFound = errors.New("ledger: order not found")
	// ErrLedgerInvalidTransition indicates a forbidden backward status transition.
	ErrLedgerInvalidTransition = errors.New("ledger: invalid status transition")
	// ErrOrderIntegrity indicates a provider event that should be impossible, such as
	// a succeeded payment without the metadata needed to build the order.
	ErrOrderIntegrity = errors.New("ledger: order integrity violation")
)

// ledgerTransitions enumerates the forward edges of the order state machine.
// Same-state re-application is always permitted (idempotent merge); terminal
// states have no outgoing edges.
var ledgerTransitions = map[domain.ProcessStatus][]domain.ProcessStatus{
	domain.ProcessStatusProcessing: {
		domain.ProcessStatusPending,
		domain.ProcessStatusCompleted,
		domain.ProcessStatusFailed,
		domain.ProcessStatusCancelled,
		domain.ProcessStatusProcessingError,
	},
	domain.ProcessStatusPending: {
		domain.ProcessStatusProcessing,
		domain.ProcessStatusCompleted,
		domain.ProcessStatusFailed,
		domain.ProcessStatusCancelled,
		domain.ProcessStatusProcessingError,
	},
	domain.ProcessStatusProcessingError: {
		domain.ProcessStatusPending,
		domain.ProcessStatusProcessing,
		domain.ProcessStatusCompleted,
		domain.ProcessStatusFailed,
		domain.ProcessStatusCancelled,
	},
}

func canTransition(from, to domain.ProcessStatus) bool {
	if from == to {
		return true
	}
	for _, allowed := range ledgerTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// PaymentEvent is the provider-neutral projection of an inbound payment
// notification. The gateway maps SDK payloads into this before the ledger
// ever sees them.
type PaymentEvent struct {
	AuthorizationID string
	UserID          string
	Amount          int64
	Currency        string
	PaymentStatus   string
	Items           []domain.LineItem
	ItemCount       int
	FailureReason   string
	NextActionType  string
	Metadata        map[string]string
	OccurredAt      time.Time
}

// SaveOrderCommand carries the client-initiated, pre-confirmation order snapshot.
type SaveOrderCommand struct {
	OrderID       string
	UserID        string
	Amount        int64
	Currency      string
	PaymentStatus string
	Items         []domain.LineItem
	Locale        string
	Metadata      map[string]string
}

// FulfillmentResult reports what issuance did for one order.
type FulfillmentResult struct {
	TicketsCreated  int
	TicketsExisting int
}

// Issuer expands a completed order into fulfillment records. Implementations
// must be idempotent: issuing the same order twice converges to one record set.
type Issuer interface {
	Issue(ctx context.Context, cmd IssueCommand) (FulfillmentResult, error)
}

// OrderLedger is the idempotent state machine that owns every order write.
// One entry exists per payment authorization id; duplicated and reordered
// provider events converge through key-derived merges.
type OrderLedger interface {
	SaveOrder(ctx context.Context, cmd SaveOrderCommand) (domain.Order, error)
	ApplySucceeded(ctx context.Context, event PaymentEvent) (domain.Order, FulfillmentResult, error)
	ApplyFailed(ctx context.Context, event PaymentEvent) (domain.Order, error)
	ApplyRequiresAction(ctx context.Context, event PaymentEvent) (domain.Order, error)
	MarkProcessingError(ctx context.Context, orderID string, cause error) (domain.Order, error)
	Cancel(ctx context.Context, orderID string, reason string, actorID string) (domain.Order, error)
	GetOrder(ctx context.Context, orderID string) (domain.Order, error)
}

// OrderLedgerDeps bundles collaborators required to construct the ledger.
type OrderLedgerDeps struct {
	Orders repositories.OrderRepository
	Issuer Issuer
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type orderLedger struct {
	orders repositories.OrderRepository
	issuer Issuer
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewOrderLedger wires dependencies into a concrete OrderLedger implementation.
func NewOrderLedger(deps OrderLedgerDeps) (OrderLedger, error) {
	if deps.Orders == nil {
		return nil, errors.New("order ledger: order repository is required")
	}
	if deps.Issuer == nil {
		return nil, errors.New("order ledger: fulfillment issuer is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &orderLedger{
		orders: deps.Orders,
		issuer: deps.Issuer,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (l *orderLedger) SaveOrder(ctx context.Context, cmd SaveOrderCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrLedgerInvalidInput)
	}
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return domain.Order{}, fmt.Errorf("%w: user id is required", ErrLedgerInvalidInput)
	}
	if cmd.Amount <= 0 {
		return domain.Order{}, fmt.Errorf("%w: amount must be > 0", ErrLedgerInvalidInput)
	}

	now := l.now()
	saved, err := l.orders.Mutate(ctx, orderID, func(existing *domain.Order) (domain.Order, error) {
		if existing == nil {
			order := domain.Order{
				ID:            orderID,
				UserID:        userID,
				ProcessStatus: domain.ProcessStatusProcessing,
				PaymentStatus: strings.TrimSpace(cmd.PaymentStatus),
				Amount:        cmd.Amount,
				Currency:      strings.TrimSpace(cmd.Currency),
				Items:         cloneLineItems(cmd.Items),
				ItemCount:     countItems(cmd.Items),
				Locale:        strings.TrimSpace(cmd.Locale),
				Metadata:      textutil.NormalizeStringMap(cmd.Metadata),
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			return order, nil
		}

		// A provider event may have landed first; patch mutable fields only
		// and never downgrade a status the webhook already advanced.
		order := *existing
		order.UserID = userID
		if order.PaymentStatus == "" {
			order.PaymentStatus = strings.TrimSpace(cmd.PaymentStatus)
		}
		order.Amount = cmd.Amount
		order.Currency = strings.TrimSpace(cmd.Currency)
		if len(order.Items) == 0 {
			order.Items = cloneLineItems(cmd.Items)
			order.ItemCount = countItems(cmd.Items)
		}
		if cmd.Locale != "" {
			order.Locale = strings.TrimSpace(cmd.Locale)
		}
		order.Metadata = mergeStringMaps(order.Metadata, textutil.NormalizeStringMap(cmd.Metadata))
		order.UpdatedAt = now
		return order, nil
	})
	if err != nil {
		return domain.Order{}, l.mapRepositoryError(err)
	}

	l.logger(ctx, ledgerEventOrderSaved, map[string]any{
		"orderId": saved.ID,
		"status":  string(saved.ProcessStatus),
		"amount":  saved.Amount,
	})
	return saved, nil
}

func (l *orderLedger) ApplySucceeded(ctx context.Context, event PaymentEvent) (domain.Order, FulfillmentResult, error) {
	order, err := l.applyEvent(ctx, event, domain.ProcessStatusCompleted, func(order *domain.Order, now time.Time) {
		order.RequiresAction = false
		order.NextActionType = ""
		order.FailureReason = ""
		if order.CompletedAt == nil {
			order.CompletedAt = &now
		}
	})
	if err != nil {
		return domain.Order{}, FulfillmentResult{}, err
	}

	l.logger(ctx, ledgerEventOrderCompleted, map[string]any{
		"orderId": order.ID,
		"amount":  order.Amount,
	})

	result, err := l.issuer.Issue(ctx, IssueCommand{
		OrderID: order.ID,
		UserID:  order.UserID,
		Items:   order.Items,
	})
	if err != nil {
		return order, FulfillmentResult{}, fmt.Errorf("ledger: fulfillment for %s: %w", order.ID, err)
	}
	return order, result, nil
}

func (l *orderLedger) ApplyFailed(ctx context.Context, event PaymentEvent) (domain.Order, error) {
	order, err := l.applyEvent(ctx, event, domain.ProcessStatusFailed, func(order *domain.Order, now time.Time) {
		order.FailureReason = strings.TrimSpace(event.FailureReason)
		if order.FailedAt == nil {
			order.FailedAt = &now
		}
	})
	if err != nil {
		return domain.Order{}, err
	}

	l.logger(ctx, ledgerEventOrderFailed, map[string]any{
		"orderId": order.ID,
		"reason":  order.FailureReason,
	})
	return order, nil
}

func (l *orderLedger) ApplyRequiresAction(ctx context.Context, event PaymentEvent) (domain.Order, error) {
	order, err := l.applyEvent(ctx, event, domain.ProcessStatusPending, func(order *domain.Order, now time.Time) {
		order.RequiresAction = true
		order.NextActionType = strings.TrimSpace(event.NextActionType)
		if order.PendingAt == nil {
			order.PendingAt = &now
		}
	})
	if err != nil {
		return domain.Order{}, err
	}

	l.logger(ctx, ledgerEventActionRequired, map[string]any{
		"orderId":    order.ID,
		"actionType": order.NextActionType,
	})
	return order, nil
}

func (l *orderLedger) MarkProcessingError(ctx context.Context, orderID string, cause error) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrLedgerInvalidInput)
	}
	message := "unknown processing error"
	if cause != nil {
		message = cause.Error()
	}

	now := l.now()
	order, err := l.orders.Mutate(ctx, orderID, func(existing *domain.Order) (domain.Order, error) {
		if existing == nil {
			return domain.Order{
				ID:              orderID,
				ProcessStatus:   domain.ProcessStatusProcessingError,
				ProcessingError: message,
				CreatedAt:       now,
				UpdatedAt:       now,
			}, nil
		}
		order := *existing
		if order.ProcessStatus.IsTerminal() {
			// The event already resolved; keep the terminal state and only
			// record the error message for operators.
			order.ProcessingError = message
			order.UpdatedAt = now
			return order, nil
		}
		order.ProcessStatus = domain.ProcessStatusProcessingError
		order.ProcessingError = message
		order.UpdatedAt = now
		return order, nil
	})
	if err != nil {
		return domain.Order{}, l.mapRepositoryError(err)
	}

	l.logger(ctx, ledgerEventProcessingError, map[string]any{
		"orderId": order.ID,
		"error":   message,
	})
	return order, nil
}

func (l *orderLedger) Cancel(ctx context.Context, orderID string, reason string, actorID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrLedgerInvalidInput)
	}

	now := l.now()
	order, err := l.orders.Mutate(ctx, orderID, func(existing *domain.Order) (domain.Order, error) {
		if existing == nil {
			return domain.Order{}, fmt.Errorf("%w: %s", ErrOrderNotFound, orderID)
		}
		if !canTransition(existing.ProcessStatus, domain.ProcessStatusCancelled) {
			return domain.Order{}, fmt.Errorf("%w: %s -> cancelled", ErrLedgerInvalidTransition, existing.ProcessStatus)
		}
		order := *existing
		order.ProcessStatus = domain.ProcessStatusCancelled
		order.FailureReason = strings.TrimSpace(reason)
		order.Metadata = mergeStringMaps(order.Metadata, map[string]string{"cancelledBy": strings.TrimSpace(actorID)})
		order.UpdatedAt = now
		return order, nil
	})
	if err != nil {
		return domain.Order{}, l.mapRepositoryError(err)
	}

	l.logger(ctx, ledgerEventOrderCancelled, map[string]any{
		"orderId": order.ID,
		"reason":  reason,
	})
	return order, nil
}

func (l *orderLedger) GetOrder(ctx context.Context, orderID string) (domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrLedgerInvalidInput)
	}
	order, err := l.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, l.mapRepositoryError(err)
	}
	return order, nil
}

// applyEvent performs the shared merge-upsert for provider events: build the
// entry when the webhook beat the client's save, patch it otherwise, and
// silently ignore stale events that would move a terminal state backwards.
func (l *orderLedger) applyEvent(ctx context.Context, event PaymentEvent, target domain.ProcessStatus, patch func(*domain.Order, time.Time)) (domain.Order, error) {
	orderID := strings.TrimSpace(event.AuthorizationID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: authorization id is required", ErrLedgerInvalidInput)
	}

	now := l.now()
	order, err := l.orders.Mutate(ctx, orderID, func(existing *domain.Order) (domain.Order, error) {
		var order domain.Order
		if existing == nil {
			if strings.TrimSpace(event.UserID) == "" {
				return domain.Order{}, fmt.Errorf("%w: event for unknown order %s carries no user id", ErrOrderIntegrity, orderID)
			}
			order = domain.Order{
				ID:        orderID,
				UserID:    strings.TrimSpace(event.UserID),
				Amount:    event.Amount,
				Currency:  strings.TrimSpace(event.Currency),
				Items:     cloneLineItems(event.Items),
				ItemCount: countItems(event.Items),
				Metadata:  textutil.NormalizeStringMap(event.Metadata),
				CreatedAt: now,
			}
		} else {
			order = *existing
			if !canTransition(order.ProcessStatus, target) {
				l.logger(ctx, ledgerEventTransitionIgnored, map[string]any{
					"orderId": orderID,
					"from":    string(order.ProcessStatus),
					"to":      string(target),
				})
				return order, nil
			}
			if len(order.Items) == 0 && len(event.Items) > 0 {
				order.Items = cloneLineItems(event.Items)
				order.ItemCount = countItems(event.Items)
			}
			order.Metadata = mergeStringMaps(order.Metadata, textutil.NormalizeStringMap(event.Metadata))
		}

		order.ProcessStatus = target
		if status := strings.TrimSpace(event.PaymentStatus); status != "" {
			order.PaymentStatus = status
		}
		if event.Amount > 0 {
			order.Amount = event.Amount
		}
		patch(&order, now)
		order.UpdatedAt = now
		return order, nil
	})
	if err != nil {
		return domain.Order{}, l.mapRepositoryError(err)
	}

	if order.ProcessStatus == target && len(order.Items) == 0 && target == domain.ProcessStatusCompleted {
		return order, fmt.Errorf("%w: completed order %s has no line items to fulfill", ErrOrderIntegrity, orderID)
	}
	return order, nil
}

func (l *orderLedger) mapRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("ledger: repository unavailable: %w", err)
		}
	}
	return err
}

func (l *orderLedger) now() time.Time {
	return l.clock()
}

func cloneLineItems(items []domain.LineItem) []domain.LineItem {
	if len(items) == 0 {
		return nil
	}
	out := make([]domain.LineItem, len(items))
	copy(out, items)
	for i := range out {
		if len(items[i].SubProducts) > 0 {
			subs := make([]domain.SubProduct, len(items[i].SubProducts))
			copy(subs, items[i].SubProducts)
			out[i].SubProducts = subs
		}
	}
	return out
}

func countItems(items []domain.LineItem) int {
	total := 0
	for _, item := range items {
		total += item.Quantity
	}
	return total
}

func cloneStringMap(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func mergeStringMaps(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	out := cloneStringMap(base)
	if out == nil {
		out = make(map[string]string, len(extra))
	}
	for k, v := range extra {
		if strings.TrimSpace(v) == "" {
			continue
		}
		out[k] = v
	}
	return out
}
