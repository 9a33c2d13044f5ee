package domain

import (
	"time"
)

// ProductCategory distinguishes redeemable tickets from other catalog items.
const (
	ProductCategoryTicket      = "ticket"
	ProductCategoryMerchandise = "merchandise"
)

// CatalogProduct is the authoritative catalog entry backing price validation
// and fulfillment metadata. Prices here are trusted over anything a client
// submits.
type CatalogProduct struct {
	ID             string
	Name           string
	Price          float64
	Currency       string
	Category       string
	FeeEligible    bool
	EventID        string
	ValidFrom      time.Time
	ValidUntil     time.Time
	AdmissionNotes string
	SubProducts    []SubProduct
	SoldCount      int64
	LastSoldAt     *time.Time
}

// IsTicket reports whether purchasing this product yields redeemable tickets.
func (p CatalogProduct) IsTicket() bool {
	return p.Category == ProductCategoryTicket
}
