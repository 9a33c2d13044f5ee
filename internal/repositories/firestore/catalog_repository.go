package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/eventgate/api/internal/domain"
	pfirestore "github.com/eventgate/api/internal/platform/firestore"
	"github.com/eventgate/api/internal/repositories"
)

const productsCollection = "products"

// CatalogRepository implements repositories.CatalogRepository backed by
// Firestore. It serves authoritative prices to the order validator and the
// advisory sold-count accounting for the fulfillment issuer.
type CatalogRepository struct {
	provider *pfirestore.Provider
	products *pfirestore.BaseRepository[productDocument]
}

// NewCatalogRepository constructs a Firestore-backed catalog repository.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	base := pfirestore.NewBaseRepository[productDocument](provider, productsCollection, nil, nil)
	return &CatalogRepository{provider: provider, products: base}, nil
}

// GetProduct fetches the current catalog entry for a product id.
func (r *CatalogRepository) GetProduct(ctx context.Context, productID string) (domain.CatalogProduct, error) {
	if r == nil || r.provider == nil {
		return domain.CatalogProduct{}, errors.New("catalog repository not initialised")
	}
	id := strings.TrimSpace(productID)
	if id == "" {
		return domain.CatalogProduct{}, errors.New("catalog get: product id is required")
	}

	doc, err := r.products.Get(ctx, id)
	if err != nil {
		return domain.CatalogProduct{}, wrapCatalogError("products.get", err)
	}
	return doc.Data.toDomain(id), nil
}

// IncrementSold transactionally bumps the product's sold count and stamps the
// last sale time, returning the new count.
func (r *CatalogRepository) IncrementSold(ctx context.Context, productID string, quantity int64, now time.Time) (int64, error) {
	if r == nil || r.provider == nil {
		return 0, errors.New("catalog repository not initialised")
	}
	id := strings.TrimSpace(productID)
	if id == "" {
		return 0, errors.New("catalog increment: product id is required")
	}
	if quantity <= 0 {
		return 0, fmt.Errorf("catalog increment: quantity must be > 0, got %d", quantity)
	}

	now = now.UTC()
	var newCount int64
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.products.DocumentRef(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return pfirestore.WrapError("products.incrementSold", err)
			}
			return err
		}
		var doc productDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode product %s: %w", id, err)
		}

		newCount = doc.SoldCount + quantity
		updates := map[string]any{
			"soldCount":  newCount,
			"lastSoldAt": now,
		}
		return tx.Set(ref, updates, firestore.MergeAll)
	})
	if err != nil {
		return 0, wrapCatalogError("products.incrementSold", err)
	}
	return newCount, nil
}

// Helper structures ---------------------------------------------------------

type productDocument struct {
	Name           string               `firestore:"name"`
	Price          float64              `firestore:"price"`
	Currency       string               `firestore:"currency,omitempty"`
	Category       string               `firestore:"category"`
	FeeEligible    bool                 `firestore:"transactionFeeEligible"`
	EventID        string               `firestore:"eventId,omitempty"`
	ValidFrom      time.Time            `firestore:"validFrom,omitempty"`
	ValidUntil     time.Time            `firestore:"validUntil,omitempty"`
	AdmissionNotes string               `firestore:"admissionNotes,omitempty"`
	SubProducts    []subProductDocument `firestore:"subProducts,omitempty"`
	SoldCount      int64                `firestore:"soldCount"`
	LastSoldAt     *time.Time           `firestore:"lastSoldAt,omitempty"`
}

func (d productDocument) toDomain(id string) domain.CatalogProduct {
	subs := make([]domain.SubProduct, len(d.SubProducts))
	for i, sub := range d.SubProducts {
		subs[i] = domain.SubProduct{
			ProductID: sub.ProductID,
			Name:      sub.Name,
			EventID:   sub.EventID,
		}
	}
	if len(subs) == 0 {
		subs = nil
	}
	return domain.CatalogProduct{
		ID:             id,
		Name:           d.Name,
		Price:          d.Price,
		Currency:       d.Currency,
		Category:       d.Category,
		FeeEligible:    d.FeeEligible,
		EventID:        d.EventID,
		ValidFrom:      d.ValidFrom,
		ValidUntil:     d.ValidUntil,
		AdmissionNotes: d.AdmissionNotes,
		SubProducts:    subs,
		SoldCount:      d.SoldCount,
		LastSoldAt:     d.LastSoldAt,
	}
}

func wrapCatalogError(op string, err error) error {
	if err == nil {
		return nil
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	return pfirestore.WrapError(op, err)
}
