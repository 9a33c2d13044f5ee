package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/eventgate/api/internal/domain"
	pfirestore "github.com/eventgate/api/internal/platform/firestore"
	"github.com/eventgate/api/internal/repositories"
)

const (
	ticketsCollection      = "tickets"
	userProductsCollection = "userProducts"
)

// TicketRepository implements repositories.TicketRepository backed by Firestore.
// Tickets are keyed by their deterministic ticket number, so the issue batch
// is a convergent upsert: documents that already exist are left untouched.
type TicketRepository struct {
	provider     *pfirestore.Provider
	tickets      *pfirestore.BaseRepository[ticketDocument]
	userProducts *pfirestore.BaseRepository[userProductDocument]
}

// NewTicketRepository constructs a Firestore-backed ticket repository.
func NewTicketRepository(provider *pfirestore.Provider) (*TicketRepository, error) {
	if provider == nil {
		return nil, errors.New("ticket repository requires firestore provider")
	}
	tickets := pfirestore.NewBaseRepository[ticketDocument](provider, ticketsCollection, nil, nil)
	userProducts := pfirestore.NewBaseRepository[userProductDocument](provider, userProductsCollection, nil, nil)
	return &TicketRepository{provider: provider, tickets: tickets, userProducts: userProducts}, nil
}

// IssueBatch writes one order's fulfillment records atomically. Firestore
// requires all transactional reads before the first write, so existence is
// probed for every ref up front and only the missing documents are created.
func (r *TicketRepository) IssueBatch(ctx context.Context, req repositories.TicketBatchRequest) (repositories.TicketBatchResult, error) {
	if r == nil || r.provider == nil {
		return repositories.TicketBatchResult{}, errors.New("ticket repository not initialised")
	}
	orderID := strings.TrimSpace(req.OrderID)
	if orderID == "" {
		return repositories.TicketBatchResult{}, errors.New("ticket batch: order id is required")
	}

	var result repositories.TicketBatchResult
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		result = repositories.TicketBatchResult{}

		type pendingTicket struct {
			ref *firestore.DocumentRef
			doc ticketDocument
		}
		type pendingProduct struct {
			ref *firestore.DocumentRef
			doc userProductDocument
		}

		var newTickets []pendingTicket
		for _, ticket := range req.Tickets {
			number := strings.TrimSpace(ticket.TicketNumber)
			if number == "" {
				return errors.New("ticket batch: ticket number is required")
			}
			ref, err := r.tickets.DocumentRef(ctx, number)
			if err != nil {
				return err
			}
			_, err = tx.Get(ref)
			switch status.Code(err) {
			case codes.NotFound:
				newTickets = append(newTickets, pendingTicket{ref: ref, doc: newTicketDocument(ticket)})
			case codes.OK:
				result.Existing++
			default:
				return err
			}
		}

		var newProducts []pendingProduct
		for _, product := range req.UserProducts {
			id := strings.TrimSpace(product.ID)
			if id == "" {
				return errors.New("ticket batch: user product id is required")
			}
			ref, err := r.userProducts.DocumentRef(ctx, id)
			if err != nil {
				return err
			}
			_, err = tx.Get(ref)
			switch status.Code(err) {
			case codes.NotFound:
				newProducts = append(newProducts, pendingProduct{ref: ref, doc: newUserProductDocument(product)})
			case codes.OK:
				// already issued
			default:
				return err
			}
		}

		for _, pending := range newTickets {
			if err := tx.Create(pending.ref, pending.doc); err != nil {
				return err
			}
			result.Created++
		}
		for _, pending := range newProducts {
			if err := tx.Create(pending.ref, pending.doc); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return repositories.TicketBatchResult{}, wrapTicketError("tickets.issueBatch", err)
	}
	return result, nil
}

// FindByNumber fetches a ticket by its public number.
func (r *TicketRepository) FindByNumber(ctx context.Context, ticketNumber string) (domain.Ticket, error) {
	if r == nil || r.provider == nil {
		return domain.Ticket{}, errors.New("ticket repository not initialised")
	}
	number := strings.TrimSpace(ticketNumber)
	if number == "" {
		return domain.Ticket{}, errors.New("ticket find: ticket number is required")
	}

	doc, err := r.tickets.Get(ctx, number)
	if err != nil {
		return domain.Ticket{}, wrapTicketError("tickets.get", err)
	}
	return doc.Data.toDomain(number), nil
}

// Mutate runs a transactional read-modify-write cycle on one ticket, used for
// the one-shot validation transition.
func (r *TicketRepository) Mutate(ctx context.Context, ticketNumber string, fn repositories.TicketMutator) (domain.Ticket, error) {
	if r == nil || r.provider == nil {
		return domain.Ticket{}, errors.New("ticket repository not initialised")
	}
	number := strings.TrimSpace(ticketNumber)
	if number == "" {
		return domain.Ticket{}, errors.New("ticket mutate: ticket number is required")
	}
	if fn == nil {
		return domain.Ticket{}, errors.New("ticket mutate: mutator is required")
	}

	var saved domain.Ticket
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.tickets.DocumentRef(ctx, number)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		var doc ticketDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode ticket %s: %w", number, err)
		}

		next, err := fn(doc.toDomain(number))
		if err != nil {
			return err
		}
		next.TicketNumber = number
		if err := tx.Set(ref, newTicketDocument(next)); err != nil {
			return err
		}
		saved = next
		return nil
	})
	if err != nil {
		return domain.Ticket{}, wrapTicketError("tickets.mutate", err)
	}
	return saved, nil
}

// ListByOrder returns every ticket issued for one order.
func (r *TicketRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Ticket, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("ticket repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return nil, errors.New("ticket list: order id is required")
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, wrapTicketError("tickets.listByOrder", err)
	}

	iter := client.Collection(ticketsCollection).Query.
		Where("orderId", "==", id).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var tickets []domain.Ticket
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, wrapTicketError("tickets.listByOrder", err)
		}
		var doc ticketDocument
		if err := snap.DataTo(&doc); err != nil {
			return nil, fmt.Errorf("decode ticket %s: %w", snap.Ref.ID, err)
		}
		tickets = append(tickets, doc.toDomain(snap.Ref.ID))
	}
	return tickets, nil
}

// Helper structures ---------------------------------------------------------

type ticketDocument struct {
	UserProductID    string     `firestore:"userProductId"`
	UserID           string     `firestore:"userId"`
	OrderID          string     `firestore:"orderId"`
	ProductRef       string     `firestore:"productRef"`
	Name             string     `firestore:"name"`
	EventID          string     `firestore:"eventId,omitempty"`
	Status           string     `firestore:"status"`
	Valid            bool       `firestore:"valid"`
	ValidationSecret string     `firestore:"validationSecret"`
	ValidFrom        time.Time  `firestore:"validFrom,omitempty"`
	ValidUntil       time.Time  `firestore:"validUntil,omitempty"`
	IssuedAt         time.Time  `firestore:"issuedAt"`
	ValidatedAt      *time.Time `firestore:"validatedAt,omitempty"`
	ValidatedBy      string     `firestore:"validatedBy,omitempty"`
}

func newTicketDocument(ticket domain.Ticket) ticketDocument {
	return ticketDocument{
		UserProductID:    strings.TrimSpace(ticket.UserProductID),
		UserID:           strings.TrimSpace(ticket.UserID),
		OrderID:          strings.TrimSpace(ticket.OrderID),
		ProductRef:       strings.TrimSpace(ticket.ProductRef),
		Name:             ticket.Name,
		EventID:          strings.TrimSpace(ticket.EventID),
		Status:           string(ticket.Status),
		Valid:            ticket.Valid,
		ValidationSecret: ticket.ValidationSecret,
		ValidFrom:        ticket.ValidFrom.UTC(),
		ValidUntil:       ticket.ValidUntil.UTC(),
		IssuedAt:         ticket.IssuedAt.UTC(),
		ValidatedAt:      ticket.ValidatedAt,
		ValidatedBy:      strings.TrimSpace(ticket.ValidatedBy),
	}
}

func (d ticketDocument) toDomain(number string) domain.Ticket {
	return domain.Ticket{
		TicketNumber:     number,
		UserProductID:    d.UserProductID,
		UserID:           d.UserID,
		OrderID:          d.OrderID,
		ProductRef:       d.ProductRef,
		Name:             d.Name,
		EventID:          d.EventID,
		Status:           domain.TicketStatus(d.Status),
		Valid:            d.Valid,
		ValidationSecret: d.ValidationSecret,
		ValidFrom:        d.ValidFrom,
		ValidUntil:       d.ValidUntil,
		IssuedAt:         d.IssuedAt,
		ValidatedAt:      d.ValidatedAt,
		ValidatedBy:      d.ValidatedBy,
	}
}

type userProductDocument struct {
	UserID     string    `firestore:"userId"`
	OrderID    string    `firestore:"orderId"`
	ProductRef string    `firestore:"productRef"`
	Name       string    `firestore:"name"`
	Category   string    `firestore:"category,omitempty"`
	EventID    string    `firestore:"eventId,omitempty"`
	Quantity   int       `firestore:"quantity"`
	IssuedAt   time.Time `firestore:"issuedAt"`
}

func newUserProductDocument(product domain.UserProduct) userProductDocument {
	return userProductDocument{
		UserID:     strings.TrimSpace(product.UserID),
		OrderID:    strings.TrimSpace(product.OrderID),
		ProductRef: strings.TrimSpace(product.ProductRef),
		Name:       product.Name,
		Category:   strings.TrimSpace(product.Category),
		EventID:    strings.TrimSpace(product.EventID),
		Quantity:   product.Quantity,
		IssuedAt:   product.IssuedAt.UTC(),
	}
}

func wrapTicketError(op string, err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	return pfirestore.WrapError(op, err)
}
