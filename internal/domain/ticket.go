package domain

import (
	"time"
)

// TicketStatus enumerates the two states of a fulfillment record.
type TicketStatus string

const (
	// TicketStatusActive marks a ticket that has not been scanned yet.
	TicketStatusActive TicketStatus = "active"
	// TicketStatusValidated marks a ticket after its one-shot validation.
	TicketStatusValidated TicketStatus = "validated"
)

// Ticket is a single redeemable fulfillment record, issued once per purchased
// unit. The ticket number doubles as the document key so reissuing an order
// converges to the same records instead of duplicating them.
type Ticket struct {
	TicketNumber     string
	UserProductID    string
	UserID           string
	OrderID          string
	ProductRef       string
	Name             string
	EventID          string
	Status           TicketStatus
	Valid            bool
	ValidationSecret string
	ValidFrom        time.Time
	ValidUntil       time.Time
	IssuedAt         time.Time
	ValidatedAt      *time.Time
	ValidatedBy      string
}

// InWindow reports whether the ticket may be redeemed at the given instant.
func (t Ticket) InWindow(now time.Time) bool {
	if !t.ValidFrom.IsZero() && now.Before(t.ValidFrom) {
		return false
	}
	if !t.ValidUntil.IsZero() && now.After(t.ValidUntil) {
		return false
	}
	return true
}

// ScannerInfo records best-effort provenance about the device that scanned a ticket.
type ScannerInfo struct {
	UserAgent string
	IP        string
}

// ScanRecord is one append-only audit entry written per successful validation.
type ScanRecord struct {
	ID               string
	TicketID         string
	UserID           string
	TicketName       string
	EventID          string
	ScannedAt        time.Time
	ScannedBy        string
	ScannerInfo      ScannerInfo
	ValidationStatus string
}

// UserProduct is the per-user purchase index entry written alongside tickets so
// a customer's holdings can be listed without scanning the tickets collection.
type UserProduct struct {
	ID         string
	UserID     string
	OrderID    string
	ProductRef string
	Name       string
	Category   string
	EventID    string
	Quantity   int
	IssuedAt   time.Time
}
