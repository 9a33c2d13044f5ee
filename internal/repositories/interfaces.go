package repositories

import (
	"context"
	"time"

	domain "github.com/eventgate/api/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Orders() OrderRepository
	Tickets() TicketRepository
	Scans() ScanRepository
	Catalog() CatalogRepository
	Health() HealthRepository
	UnitOfWork
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// UnitOfWork allows grouping repository operations in a transactional boundary when supported.
type UnitOfWork interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// OrderMutator inspects the current ledger entry (nil when absent) and returns
// the document to persist. Returning an error aborts the transaction.
type OrderMutator func(existing *domain.Order) (domain.Order, error)

// OrderRepository persists ledger entries keyed by payment authorization id.
// Every write goes through Mutate so read-modify-write cycles are atomic and
// check-then-insert races cannot occur.
type OrderRepository interface {
	Mutate(ctx context.Context, orderID string, fn OrderMutator) (domain.Order, error)
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	ListByUser(ctx context.Context, userID string, pager domain.Pagination) (domain.CursorPage[domain.Order], error)
}

// TicketBatchRequest bundles all fulfillment records for one order into a
// single atomic write. Document ids are deterministic, so re-submitting the
// same batch converges: records that already exist are left untouched
// (including their validation secrets).
type TicketBatchRequest struct {
	OrderID      string
	Tickets      []domain.Ticket
	UserProducts []domain.UserProduct
	Now          time.Time
}

// TicketBatchResult reports how the batch resolved.
type TicketBatchResult struct {
	Created  int
	Existing int
}

// TicketMutator inspects the current ticket and returns the document to
// persist. Returning an error aborts without writing.
type TicketMutator func(current domain.Ticket) (domain.Ticket, error)

// TicketRepository persists fulfillment records keyed by ticket number.
type TicketRepository interface {
	IssueBatch(ctx context.Context, req TicketBatchRequest) (TicketBatchResult, error)
	FindByNumber(ctx context.Context, ticketNumber string) (domain.Ticket, error)
	Mutate(ctx context.Context, ticketNumber string, fn TicketMutator) (domain.Ticket, error)
	ListByOrder(ctx context.Context, orderID string) ([]domain.Ticket, error)
}

// ScanRepository stores the append-only validation audit trail.
type ScanRepository interface {
	Append(ctx context.Context, record domain.ScanRecord) (domain.ScanRecord, error)
	ListByTicket(ctx context.Context, ticketID string, pager domain.Pagination) (domain.CursorPage[domain.ScanRecord], error)
}

// CatalogRepository is the read side for authoritative prices and the counter
// side for advisory sales accounting.
type CatalogRepository interface {
	GetProduct(ctx context.Context, productID string) (domain.CatalogProduct, error)
	IncrementSold(ctx context.Context, productID string, quantity int64, now time.Time) (int64, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
