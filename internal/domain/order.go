package domain

import (
	"time"
)

// ProcessStatus tracks where an order sits in the payment reconciliation lifecycle.
type ProcessStatus string

const (
	// ProcessStatusPending indicates the payment needs further customer action.
	ProcessStatusPending ProcessStatus = "pending"
	// ProcessStatusProcessing indicates the authorization exists but no final provider event arrived yet.
	ProcessStatusProcessing ProcessStatus = "processing"
	// ProcessStatusCompleted indicates the payment succeeded and fulfillment ran.
	ProcessStatusCompleted ProcessStatus = "completed"
	// ProcessStatusFailed indicates the provider reported a payment failure.
	ProcessStatusFailed ProcessStatus = "failed"
	// ProcessStatusCancelled indicates an operator cancelled the order.
	ProcessStatusCancelled ProcessStatus = "cancelled"
	// ProcessStatusProcessingError captures orders whose webhook handling failed unexpectedly.
	ProcessStatusProcessingError ProcessStatus = "processing_error"
)

// IsTerminal reports whether no further provider-driven transition is expected.
func (s ProcessStatus) IsTerminal() bool {
	switch s {
	case ProcessStatusCompleted, ProcessStatusFailed, ProcessStatusCancelled:
		return true
	}
	return false
}

// LineItem is a server-validated order line. Unit prices come from the catalog,
// never from the client; the struct is immutable once attached to an order.
type LineItem struct {
	ProductID   string
	Name        string
	UnitPrice   float64
	Quantity    int
	FeeEligible bool
	Category    string
	EventID     string
	ValidFrom   time.Time
	ValidUntil  time.Time
	SubProducts []SubProduct
}

// SubProduct is one constituent of a bundle product. Each expands into its own
// fulfillment record when the parent line item is issued.
type SubProduct struct {
	ProductID string
	Name      string
	EventID   string
}

// Order is one ledger entry, keyed by the payment authorization id.
type Order struct {
	ID              string
	UserID          string
	ProcessStatus   ProcessStatus
	PaymentStatus   string
	Amount          int64
	Currency        string
	Items           []LineItem
	ItemCount       int
	Locale          string
	RequiresAction  bool
	NextActionType  string
	FailureReason   string
	ProcessingError string
	Metadata        map[string]string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	CompletedAt     *time.Time
	FailedAt        *time.Time
	PendingAt       *time.Time
}

// TotalQuantity sums the purchased unit count across the order's line items.
func (o Order) TotalQuantity() int {
	total := 0
	for _, item := range o.Items {
		total += item.Quantity
	}
	return total
}
