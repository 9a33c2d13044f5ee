package services

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/eventgate/api/internal/domain"
	"github.com/eventgate/api/internal/platform/textutil"
	"github.com/eventgate/api/internal/repositories"
)

const (
	issueEventCompleted      = "fulfillment.issue.completed"
	issueEventSoldCountError = "fulfillment.soldcount.error"
	issueEventJobError       = "fulfillment.job.error"

	ticketJobKindIssued = "ticket.issued"

	validationSecretPrefix   = "vld_"
	validationSecretLength   = 16
	validationSecretAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"
)

// ErrIssueInvalidInput signals a malformed issuance command.
var ErrIssueInvalidInput = errors.New("fulfillment: invalid input")

// IssueCommand describes one order's fulfillment request. Now is optional and
// defaults to the issuer clock; it feeds the date stamp embedded in the
// derived identifiers, so retries of the same event should pass the same value.
type IssueCommand struct {
	OrderID string
	UserID  string
	Items   []domain.LineItem
	Now     time.Time
}

// TicketJobMessage is the payload published after issuance so background
// workers can render passes and send confirmation mail.
type TicketJobMessage struct {
	JobID         string    `json:"jobId"`
	Kind          string    `json:"kind"`
	OrderID       string    `json:"orderId"`
	UserID        string    `json:"userId"`
	TicketNumbers []string  `json:"ticketNumbers"`
	QueuedAt      time.Time `json:"queuedAt"`
}

// TicketJobPublisher enqueues post-issuance jobs. Implementations live in
// internal/platform/jobs.
type TicketJobPublisher interface {
	PublishTicketJob(ctx context.Context, message TicketJobMessage) (string, error)
}

// FulfillmentIssuerDeps bundles collaborators for NewFulfillmentIssuer.
// Catalog and Jobs are optional: issuance is authoritative, sold counters and
// job dispatch are advisory.
type FulfillmentIssuerDeps struct {
	Tickets   repositories.TicketRepository
	Catalog   repositories.CatalogRepository
	Jobs      TicketJobPublisher
	Clock     func() time.Time
	IDGen     func() string
	SecretGen func() (string, error)
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type fulfillmentIssuer struct {
	tickets   repositories.TicketRepository
	catalog   repositories.CatalogRepository
	jobs      TicketJobPublisher
	clock     func() time.Time
	idGen     func() string
	secretGen func() (string, error)
	logger    func(context.Context, string, map[string]any)
}

// NewFulfillmentIssuer wires dependencies into an Issuer implementation.
func NewFulfillmentIssuer(deps FulfillmentIssuerDeps) (Issuer, error) {
	if deps.Tickets == nil {
		return nil, errors.New("fulfillment issuer: ticket repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGen
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	secretGen := deps.SecretGen
	if secretGen == nil {
		secretGen = newValidationSecret
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &fulfillmentIssuer{
		tickets:   deps.Tickets,
		catalog:   deps.Catalog,
		jobs:      deps.Jobs,
		clock: func() time.Time {
			return clock().UTC()
		},
		idGen:     idGen,
		secretGen: secretGen,
		logger:    logger,
	}, nil
}

func (f *fulfillmentIssuer) Issue(ctx context.Context, cmd IssueCommand) (FulfillmentResult, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return FulfillmentResult{}, fmt.Errorf("%w: order id is required", ErrIssueInvalidInput)
	}
	userID := strings.TrimSpace(cmd.UserID)
	if userID == "" {
		return FulfillmentResult{}, fmt.Errorf("%w: user id is required", ErrIssueInvalidInput)
	}
	if len(cmd.Items) == 0 {
		return FulfillmentResult{}, fmt.Errorf("%w: order %s has no line items", ErrIssueInvalidInput, orderID)
	}

	now := cmd.Now
	if now.IsZero() {
		now = f.clock()
	} else {
		now = now.UTC()
	}

	batch, err := f.buildBatch(orderID, userID, cmd.Items, now)
	if err != nil {
		return FulfillmentResult{}, err
	}

	written, err := f.tickets.IssueBatch(ctx, batch)
	if err != nil {
		return FulfillmentResult{}, fmt.Errorf("fulfillment: issue batch for %s: %w", orderID, err)
	}
	result := FulfillmentResult{TicketsCreated: written.Created, TicketsExisting: written.Existing}

	// Side work only on first issuance; a pure redelivery changed nothing.
	if written.Created > 0 {
		f.incrementSoldCounts(ctx, cmd.Items, now)
		f.publishIssuedJob(ctx, orderID, userID, batch.Tickets, now)
	}

	f.logger(ctx, issueEventCompleted, map[string]any{
		"orderId":  orderID,
		"created":  written.Created,
		"existing": written.Existing,
	})
	return result, nil
}

// buildBatch derives the deterministic record set for one order. The unit
// sequence runs across all line items in order, so two distinct products in
// the same order can never collide on a ticket number.
func (f *fulfillmentIssuer) buildBatch(orderID, userID string, items []domain.LineItem, now time.Time) (repositories.TicketBatchRequest, error) {
	shortOrder := strings.ToUpper(lastN(orderID, 6))
	dateStamp := now.Format("20060102")

	batch := repositories.TicketBatchRequest{OrderID: orderID, Now: now}
	seq := 0
	for _, item := range items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return repositories.TicketBatchRequest{}, fmt.Errorf("%w: line item without product id", ErrIssueInvalidInput)
		}
		if item.Quantity < 1 {
			return repositories.TicketBatchRequest{}, fmt.Errorf("%w: product %s has quantity %d", ErrIssueInvalidInput, productID, item.Quantity)
		}

		for unit := 1; unit <= item.Quantity; unit++ {
			seq++
			userProductID := fmt.Sprintf("USRPRD-%s-%s-%s%d", shortOrder, textutil.Slug(item.Name), dateStamp, seq)
			batch.UserProducts = append(batch.UserProducts, domain.UserProduct{
				ID:         userProductID,
				UserID:     userID,
				OrderID:    orderID,
				ProductRef: productID,
				Name:       item.Name,
				Category:   item.Category,
				EventID:    item.EventID,
				Quantity:   1,
				IssuedAt:   now,
			})

			if item.Category != domain.ProductCategoryTicket {
				continue
			}

			constituents := ticketConstituents(item)
			for subseq, constituent := range constituents {
				secret, err := f.secretGen()
				if err != nil {
					return repositories.TicketBatchRequest{}, fmt.Errorf("fulfillment: generate validation secret: %w", err)
				}
				batch.Tickets = append(batch.Tickets, domain.Ticket{
					TicketNumber:     fmt.Sprintf("TCKT-%s%s%s%d%d", shortOrder, userID, dateStamp, seq, subseq+1),
					UserProductID:    userProductID,
					UserID:           userID,
					OrderID:          orderID,
					ProductRef:       constituent.ProductID,
					Name:             constituent.Name,
					EventID:          constituent.EventID,
					Status:           domain.TicketStatusActive,
					Valid:            true,
					ValidationSecret: secret,
					ValidFrom:        item.ValidFrom,
					ValidUntil:       item.ValidUntil,
					IssuedAt:         now,
				})
			}
		}
	}
	return batch, nil
}

func (f *fulfillmentIssuer) incrementSoldCounts(ctx context.Context, items []domain.LineItem, now time.Time) {
	if f.catalog == nil {
		return
	}
	for _, item := range items {
		if _, err := f.catalog.IncrementSold(ctx, item.ProductID, int64(item.Quantity), now); err != nil {
			f.logger(ctx, issueEventSoldCountError, map[string]any{
				"productId": item.ProductID,
				"error":     err.Error(),
			})
		}
	}
}

func (f *fulfillmentIssuer) publishIssuedJob(ctx context.Context, orderID, userID string, tickets []domain.Ticket, now time.Time) {
	if f.jobs == nil {
		return
	}
	numbers := make([]string, 0, len(tickets))
	for _, ticket := range tickets {
		numbers = append(numbers, ticket.TicketNumber)
	}
	message := TicketJobMessage{
		JobID:         f.idGen(),
		Kind:          ticketJobKindIssued,
		OrderID:       orderID,
		UserID:        userID,
		TicketNumbers: numbers,
		QueuedAt:      now,
	}
	if _, err := f.jobs.PublishTicketJob(ctx, message); err != nil {
		f.logger(ctx, issueEventJobError, map[string]any{
			"orderId": orderID,
			"error":   err.Error(),
		})
	}
}

// ticketConstituents returns what a single purchased unit admits: each bundle
// sub-product, or the item itself when it is not a bundle.
func ticketConstituents(item domain.LineItem) []domain.SubProduct {
	if len(item.SubProducts) > 0 {
		return item.SubProducts
	}
	return []domain.SubProduct{{
		ProductID: item.ProductID,
		Name:      item.Name,
		EventID:   item.EventID,
	}}
}

func lastN(value string, n int) string {
	if len(value) <= n {
		return value
	}
	return value[len(value)-n:]
}

func newValidationSecret() (string, error) {
	max := big.NewInt(int64(len(validationSecretAlphabet)))
	out := make([]byte, validationSecretLength)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = validationSecretAlphabet[idx.Int64()]
	}
	return validationSecretPrefix + string(out), nil
}
