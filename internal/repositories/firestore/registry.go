package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"

	pfirestore "github.com/eventgate/api/internal/platform/firestore"
	"github.com/eventgate/api/internal/repositories"
)

// Registry bundles all Firestore-backed repositories behind the
// repositories.Registry interface so wiring stays in one place.
type Registry struct {
	provider *pfirestore.Provider

	orders  *OrderRepository
	tickets *TicketRepository
	scans   *ScanRepository
	catalog *CatalogRepository
	health  repositories.HealthRepository
}

var _ repositories.Registry = (*Registry)(nil)

// NewRegistry constructs the full repository set on a shared provider.
func NewRegistry(provider *pfirestore.Provider, checks []repositories.DependencyCheck) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("repository registry requires firestore provider")
	}

	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	tickets, err := NewTicketRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	scans, err := NewScanRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}
	catalog, err := NewCatalogRepository(provider)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	if len(checks) == 0 {
		checks = []repositories.DependencyCheck{
			{
				Name: "firestore",
				Check: func(ctx context.Context) error {
					_, err := provider.Client(ctx)
					return err
				},
			},
		}
	}
	health, err := repositories.NewDependencyHealthRepository(checks)
	if err != nil {
		return nil, fmt.Errorf("registry: %w", err)
	}

	return &Registry{
		provider: provider,
		orders:   orders,
		tickets:  tickets,
		scans:    scans,
		catalog:  catalog,
		health:   health,
	}, nil
}

// Close releases the underlying Firestore client.
func (r *Registry) Close(ctx context.Context) error {
	if r == nil || r.provider == nil {
		return nil
	}
	return r.provider.Close(ctx)
}

// Orders returns the ledger repository.
func (r *Registry) Orders() repositories.OrderRepository { return r.orders }

// Tickets returns the fulfillment record repository.
func (r *Registry) Tickets() repositories.TicketRepository { return r.tickets }

// Scans returns the validation audit repository.
func (r *Registry) Scans() repositories.ScanRepository { return r.scans }

// Catalog returns the product catalog repository.
func (r *Registry) Catalog() repositories.CatalogRepository { return r.catalog }

// Health returns the dependency-probing health repository.
func (r *Registry) Health() repositories.HealthRepository { return r.health }

// RunInTx executes fn inside one Firestore transaction.
func (r *Registry) RunInTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if r == nil || r.provider == nil {
		return errors.New("repository registry not initialised")
	}
	if fn == nil {
		return errors.New("repository registry: transaction function is required")
	}
	return r.provider.RunTransaction(ctx, func(ctx context.Context, _ *firestore.Transaction) error {
		return fn(ctx)
	})
}
