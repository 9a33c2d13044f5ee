package firestore

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
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

const ordersCollection = "orders"

// OrderRepository implements repositories.OrderRepository backed by Firestore.
// Documents are keyed by payment authorization id; all writes run inside a
// transaction so concurrent webhook deliveries serialise on the document.
type OrderRepository struct {
	provider *pfirestore.Provider
	orders   *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[orderDocument](provider, ordersCollection, nil, nil)
	return &OrderRepository{provider: provider, orders: base}, nil
}

// Mutate runs a transactional read-modify-write cycle on one ledger entry.
// The mutator receives nil when the document does not exist yet.
func (r *OrderRepository) Mutate(ctx context.Context, orderID string, fn repositories.OrderMutator) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order mutate: order id is required")
	}
	if fn == nil {
		return domain.Order{}, errors.New("order mutate: mutator is required")
	}

	var saved domain.Order
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.orders.DocumentRef(ctx, id)
		if err != nil {
			return err
		}

		var existing *domain.Order
		snap, err := tx.Get(ref)
		switch status.Code(err) {
		case codes.NotFound:
			// first sighting of this authorization id
		case codes.OK:
			var doc orderDocument
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode order %s: %w", id, err)
			}
			order := doc.toDomain(id)
			existing = &order
		default:
			return err
		}

		next, err := fn(existing)
		if err != nil {
			return err
		}
		next.ID = id
		if err := tx.Set(ref, newOrderDocument(next)); err != nil {
			return err
		}
		saved = next
		return nil
	})
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.mutate", err)
	}
	return saved, nil
}

// FindByID fetches a single ledger entry.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order find: order id is required")
	}

	doc, err := r.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, wrapOrderError("orders.get", err)
	}
	return doc.Data.toDomain(id), nil
}

// ListByUser returns the user's orders newest first with cursor paging.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.Order], error) {
	if r == nil || r.provider == nil {
		return domain.CursorPage[domain.Order]{}, errors.New("order repository not initialised")
	}
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return domain.CursorPage[domain.Order]{}, errors.New("order list: user id is required")
	}

	pageSize := pager.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
	}

	query := client.Collection(ordersCollection).Query.
		Where("userId", "==", uid).
		OrderBy("createdAt", firestore.Desc).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Limit(pageSize + 1)

	if token := strings.TrimSpace(pager.PageToken); token != "" {
		decoded, err := decodeOrderPageToken(token)
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		query = query.StartAfter(decoded.CreatedAt, decoded.OrderID)
	}

	iter := query.Documents(ctx)
	defer iter.Stop()

	var orders []domain.Order
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return domain.CursorPage[domain.Order]{}, fmt.Errorf("decode order %s: %w", snap.Ref.ID, err)
		}
		orders = append(orders, doc.toDomain(snap.Ref.ID))
	}

	hasMore := len(orders) > pageSize
	if hasMore {
		orders = orders[:pageSize]
	}
	var nextToken string
	if hasMore && len(orders) > 0 {
		last := orders[len(orders)-1]
		encoded, err := encodeOrderPageToken(orderPageToken{OrderID: last.ID, CreatedAt: last.CreatedAt})
		if err != nil {
			return domain.CursorPage[domain.Order]{}, wrapOrderError("orders.list", err)
		}
		nextToken = encoded
	}

	return domain.CursorPage[domain.Order]{Items: orders, NextPageToken: nextToken}, nil
}

// Helper structures ---------------------------------------------------------

type orderDocument struct {
	UserID          string             `firestore:"userId"`
	ProcessStatus   string             `firestore:"processStatus"`
	PaymentStatus   string             `firestore:"paymentStatus,omitempty"`
	Amount          int64              `firestore:"amount"`
	Currency        string             `firestore:"currency,omitempty"`
	Items           []lineItemDocument `firestore:"orderItems,omitempty"`
	ItemCount       int                `firestore:"itemCount"`
	Locale          string             `firestore:"locale,omitempty"`
	RequiresAction  bool               `firestore:"requiresAction"`
	NextActionType  string             `firestore:"nextActionType,omitempty"`
	FailureReason   string             `firestore:"failureReason,omitempty"`
	ProcessingError string             `firestore:"processingError,omitempty"`
	Metadata        map[string]string  `firestore:"metadata,omitempty"`
	CreatedAt       time.Time          `firestore:"createdAt"`
	UpdatedAt       time.Time          `firestore:"updatedAt"`
	CompletedAt     *time.Time         `firestore:"completedAt,omitempty"`
	FailedAt        *time.Time         `firestore:"failedAt,omitempty"`
	PendingAt       *time.Time         `firestore:"pendingAt,omitempty"`
}

type lineItemDocument struct {
	ProductID   string               `firestore:"productId"`
	Name        string               `firestore:"name"`
	UnitPrice   float64              `firestore:"price"`
	Quantity    int                  `firestore:"quantity"`
	FeeEligible bool                 `firestore:"transactionFeeEligible"`
	Category    string               `firestore:"category,omitempty"`
	EventID     string               `firestore:"eventId,omitempty"`
	ValidFrom   time.Time            `firestore:"validFrom,omitempty"`
	ValidUntil  time.Time            `firestore:"validUntil,omitempty"`
	SubProducts []subProductDocument `firestore:"subProducts,omitempty"`
}

type subProductDocument struct {
	ProductID string `firestore:"productId"`
	Name      string `firestore:"name"`
	EventID   string `firestore:"eventId,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	items := make([]lineItemDocument, len(order.Items))
	for i, item := range order.Items {
		subs := make([]subProductDocument, len(item.SubProducts))
		for j, sub := range item.SubProducts {
			subs[j] = subProductDocument{
				ProductID: strings.TrimSpace(sub.ProductID),
				Name:      sub.Name,
				EventID:   strings.TrimSpace(sub.EventID),
			}
		}
		if len(subs) == 0 {
			subs = nil
		}
		items[i] = lineItemDocument{
			ProductID:   strings.TrimSpace(item.ProductID),
			Name:        item.Name,
			UnitPrice:   item.UnitPrice,
			Quantity:    item.Quantity,
			FeeEligible: item.FeeEligible,
			Category:    strings.TrimSpace(item.Category),
			EventID:     strings.TrimSpace(item.EventID),
			ValidFrom:   item.ValidFrom.UTC(),
			ValidUntil:  item.ValidUntil.UTC(),
			SubProducts: subs,
		}
	}
	if len(items) == 0 {
		items = nil
	}
	return orderDocument{
		UserID:          strings.TrimSpace(order.UserID),
		ProcessStatus:   string(order.ProcessStatus),
		PaymentStatus:   strings.TrimSpace(order.PaymentStatus),
		Amount:          order.Amount,
		Currency:        strings.TrimSpace(order.Currency),
		Items:           items,
		ItemCount:       order.ItemCount,
		Locale:          strings.TrimSpace(order.Locale),
		RequiresAction:  order.RequiresAction,
		NextActionType:  strings.TrimSpace(order.NextActionType),
		FailureReason:   order.FailureReason,
		ProcessingError: order.ProcessingError,
		Metadata:        order.Metadata,
		CreatedAt:       order.CreatedAt.UTC(),
		UpdatedAt:       order.UpdatedAt.UTC(),
		CompletedAt:     order.CompletedAt,
		FailedAt:        order.FailedAt,
		PendingAt:       order.PendingAt,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.LineItem, len(d.Items))
	for i, item := range d.Items {
		subs := make([]domain.SubProduct, len(item.SubProducts))
		for j, sub := range item.SubProducts {
			subs[j] = domain.SubProduct{
				ProductID: sub.ProductID,
				Name:      sub.Name,
				EventID:   sub.EventID,
			}
		}
		if len(subs) == 0 {
			subs = nil
		}
		items[i] = domain.LineItem{
			ProductID:   item.ProductID,
			Name:        item.Name,
			UnitPrice:   item.UnitPrice,
			Quantity:    item.Quantity,
			FeeEligible: item.FeeEligible,
			Category:    item.Category,
			EventID:     item.EventID,
			ValidFrom:   item.ValidFrom,
			ValidUntil:  item.ValidUntil,
			SubProducts: subs,
		}
	}
	if len(items) == 0 {
		items = nil
	}
	return domain.Order{
		ID:              id,
		UserID:          d.UserID,
		ProcessStatus:   domain.ProcessStatus(d.ProcessStatus),
		PaymentStatus:   d.PaymentStatus,
		Amount:          d.Amount,
		Currency:        d.Currency,
		Items:           items,
		ItemCount:       d.ItemCount,
		Locale:          d.Locale,
		RequiresAction:  d.RequiresAction,
		NextActionType:  d.NextActionType,
		FailureReason:   d.FailureReason,
		ProcessingError: d.ProcessingError,
		Metadata:        d.Metadata,
		CreatedAt:       d.CreatedAt,
		UpdatedAt:       d.UpdatedAt,
		CompletedAt:     d.CompletedAt,
		FailedAt:        d.FailedAt,
		PendingAt:       d.PendingAt,
	}
}

type orderPageToken struct {
	OrderID   string
	CreatedAt time.Time
}

func encodeOrderPageToken(token orderPageToken) (string, error) {
	buf := &bytes.Buffer{}
	if err := json.NewEncoder(buf).Encode(token); err != nil {
		return "", fmt.Errorf("encode order page token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(bytes.TrimSpace(buf.Bytes())), nil
}

func decodeOrderPageToken(encoded string) (orderPageToken, error) {
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return orderPageToken{}, fmt.Errorf("decode order page token: %w", err)
	}
	var token orderPageToken
	if err := json.Unmarshal(raw, &token); err != nil {
		return orderPageToken{}, fmt.Errorf("decode order page token: %w", err)
	}
	return token, nil
}

func wrapOrderError(op string, err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	return pfirestore.WrapError(op, err)
}
