package services

import (
	"errors"
	"fmt"
	"math"

	domain "github.com/eventgate/api/internal/domain"
)

var (
	// ErrPricingInvalidInput signals bad pricing data such as missing product ids or non-positive quantities.
	ErrPricingInvalidInput = errors.New("pricing: invalid input")
)

// PricingEngine computes an order's monetary total from authoritative line
// items. It is pure: no I/O, no clock, same inputs always produce the same
// breakdown. Both the authorization path and claim verification rely on that.
type PricingEngine struct {
	taxRate        float64
	txFeeRate      float64
	flatTxFee      float64
	minorUnitScale int64
	currency       string
}

// PricingEngineDeps carries the monetary parameters for the engine.
type PricingEngineDeps struct {
	TaxRate            float64
	TransactionFeeRate float64
	FlatTransactionFee float64
	MinorUnitScale     int64
	Currency           string
}

// NewPricingEngine validates the parameters and returns a ready engine.
func NewPricingEngine(deps PricingEngineDeps) (*PricingEngine, error) {
	if deps.TaxRate < 0 {
		return nil, errors.New("pricing engine: tax rate must be >= 0")
	}
	if deps.TransactionFeeRate < 0 || deps.FlatTransactionFee < 0 {
		return nil, errors.New("pricing engine: transaction fees must be >= 0")
	}
	if deps.MinorUnitScale <= 0 {
		return nil, errors.New("pricing engine: minor unit scale must be > 0")
	}
	return &PricingEngine{
		taxRate:        deps.TaxRate,
		txFeeRate:      deps.TransactionFeeRate,
		flatTxFee:      deps.FlatTransactionFee,
		minorUnitScale: deps.MinorUnitScale,
		currency:       deps.Currency,
	}, nil
}

// Price derives the full monetary breakdown for the given line items.
//
// Tax applies to the whole subtotal. Processing fees apply only to the
// fee-eligible portion plus that portion's proportional share of the tax, and
// only when at least one fee-eligible item exists. Rounding happens exactly
// once, half-up, at the final minor-unit conversion.
func (e *PricingEngine) Price(items []domain.LineItem) (domain.PricingBreakdown, error) {
	if e == nil {
		return domain.PricingBreakdown{}, errors.New("pricing engine not initialised")
	}

	var subtotalAll float64
	var subtotalFeeZone float64
	itemBreakdowns := make([]domain.ItemPricingBreakdown, 0, len(items))

	for _, item := range items {
		if item.ProductID == "" {
			return domain.PricingBreakdown{}, fmt.Errorf("%w: line item without product id", ErrPricingInvalidInput)
		}
		if item.Quantity < 1 {
			return domain.PricingBreakdown{}, fmt.Errorf("%w: quantity for %s must be >= 1", ErrPricingInvalidInput, item.ProductID)
		}
		if item.UnitPrice < 0 {
			return domain.PricingBreakdown{}, fmt.Errorf("%w: negative unit price for %s", ErrPricingInvalidInput, item.ProductID)
		}

		lineTotal := item.UnitPrice * float64(item.Quantity)
		subtotalAll += lineTotal
		if item.FeeEligible {
			subtotalFeeZone += lineTotal
		}
		itemBreakdowns = append(itemBreakdowns, domain.ItemPricingBreakdown{
			ProductID:   item.ProductID,
			Quantity:    item.Quantity,
			UnitPrice:   item.UnitPrice,
			LineTotal:   lineTotal,
			FeeEligible: item.FeeEligible,
		})
	}

	tax := subtotalAll * e.taxRate

	var taxShare float64
	if subtotalAll > 0 {
		taxShare = (subtotalFeeZone / subtotalAll) * tax
	}

	var fees float64
	if subtotalFeeZone > 0 {
		fees = (subtotalFeeZone+taxShare)*e.txFeeRate + e.flatTxFee
	}

	grandTotal := subtotalAll + tax + fees

	return domain.PricingBreakdown{
		Currency:          e.currency,
		Subtotal:          subtotalAll,
		SubtotalFeeZone:   subtotalFeeZone,
		Tax:               tax,
		TaxShareOfFeeZone: taxShare,
		Fees:              fees,
		GrandTotal:        grandTotal,
		Total:             roundHalfUp(grandTotal * float64(e.minorUnitScale)),
		Items:             itemBreakdowns,
	}, nil
}

func roundHalfUp(v float64) int64 {
	return int64(math.Floor(v + 0.5))
}
