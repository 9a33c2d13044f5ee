package domain

// PricingBreakdown captures every monetary component computed for an order so
// callers can log or surface the full derivation, not just the total.
// All major-unit values are unrounded; Total is the only rounded figure,
// expressed in minor currency units.
type PricingBreakdown struct {
	Currency          string
	Subtotal          float64
	SubtotalFeeZone   float64
	Tax               float64
	TaxShareOfFeeZone float64
	Fees              float64
	GrandTotal        float64
	Total             int64
	Items             []ItemPricingBreakdown
}

// ItemPricingBreakdown stores the per-line outputs of the pricing engine.
type ItemPricingBreakdown struct {
	ProductID   string
	Quantity    int
	UnitPrice   float64
	LineTotal   float64
	FeeEligible bool
}
