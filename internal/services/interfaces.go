package services

import (
	"context"

	domain "github.com/eventgate/api/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Pagination         = domain.Pagination
	SortOrder          = domain.SortOrder
	SystemHealthReport = domain.SystemHealthReport
)

// SystemService exposes operational utilities consumed by the health endpoints.
type SystemService interface {
	HealthReport(ctx context.Context) (SystemHealthReport, error)
}
