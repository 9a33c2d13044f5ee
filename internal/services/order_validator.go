package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/eventgate/api/internal/domain"
	"github.com/eventgate/api/internal/repositories"
)

var (
	// ErrEmptyCart is returned when a cart has no line items.
	ErrEmptyCart = errors.New("order validation: empty cart")
	// ErrInvalidItem is returned for malformed line items or unknown products.
	ErrInvalidItem = errors.New("order validation: invalid item")
	// ErrPriceMismatch is returned when a claimed unit price disagrees with the catalog.
	ErrPriceMismatch = errors.New("order validation: price mismatch")
	// ErrAmountMismatch is returned when the claimed total strays more than one minor unit from the recomputed total.
	ErrAmountMismatch = errors.New("order validation: amount mismatch")
	// ErrAmountTooLow is returned when the recomputed total is below the configured floor.
	ErrAmountTooLow = errors.New("order validation: amount too low")
	// ErrAmountTooHigh is returned when the recomputed total exceeds the configured ceiling.
	ErrAmountTooHigh = errors.New("order validation: amount too high")
	// ErrPriceLookupUnavailable signals that the catalog store could not be reached.
	ErrPriceLookupUnavailable = errors.New("order validation: price lookup unavailable")
)

// PriceAuthority resolves the authoritative catalog entry for a product id.
// Implementations sit at the storage boundary; the validator never trusts any
// price that did not come through here.
type PriceAuthority interface {
	LookupProduct(ctx context.Context, productID string) (domain.CatalogProduct, error)
}

// CartItemInput is one untrusted, client-submitted cart line. The unit price
// is advisory and only used to detect tampering.
type CartItemInput struct {
	ProductID        string
	ClaimedUnitPrice float64
	Quantity         int
}

// ValidateCartCommand bundles the untrusted cart with the client's claimed total.
type ValidateCartCommand struct {
	Items        []CartItemInput
	ClaimedTotal int64
	Currency     string
}

// ValidateCartResult carries the authoritative outcome. Amount, not the
// client's claim, is what gets authorized and persisted.
type ValidateCartResult struct {
	Items     []domain.LineItem
	Amount    int64
	Breakdown domain.PricingBreakdown
}

// OrderValidator re-derives an order's total from authoritative prices and
// rejects carts that are malformed, tampered with, or out of bounds.
type OrderValidator struct {
	prices        PriceAuthority
	engine        *PricingEngine
	minAmount     int64
	maxAmount     int64
	lookupTimeout time.Duration
	logger        func(context.Context, string, map[string]any)
}

// OrderValidatorDeps wires the validator's collaborators.
type OrderValidatorDeps struct {
	Prices        PriceAuthority
	Engine        *PricingEngine
	MinAmount     int64
	MaxAmount     int64
	LookupTimeout time.Duration
	Logger        func(context.Context, string, map[string]any)
}

// NewOrderValidator validates dependencies and returns a ready validator.
func NewOrderValidator(deps OrderValidatorDeps) (*OrderValidator, error) {
	if deps.Prices == nil {
		return nil, errors.New("order validator: price authority is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("order validator: pricing engine is required")
	}
	if deps.MinAmount < 0 || deps.MaxAmount <= deps.MinAmount {
		return nil, errors.New("order validator: amount bounds are invalid")
	}
	timeout := deps.LookupTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &OrderValidator{
		prices:        deps.Prices,
		engine:        deps.Engine,
		minAmount:     deps.MinAmount,
		maxAmount:     deps.MaxAmount,
		lookupTimeout: timeout,
		logger:        logger,
	}, nil
}

// priceTolerance absorbs decimal-to-float noise when comparing claimed unit
// prices against the catalog. Anything larger is treated as tampering.
const priceTolerance = 1e-6

// ValidateCart checks every line against the catalog, recomputes the total
// through the pricing engine, and accepts the claim only when it lands within
// one minor unit of the authoritative figure.
func (v *OrderValidator) ValidateCart(ctx context.Context, cmd ValidateCartCommand) (ValidateCartResult, error) {
	if v == nil {
		return ValidateCartResult{}, errors.New("order validator not initialised")
	}
	if len(cmd.Items) == 0 {
		return ValidateCartResult{}, ErrEmptyCart
	}

	lineItems := make([]domain.LineItem, 0, len(cmd.Items))
	for _, item := range cmd.Items {
		productID := strings.TrimSpace(item.ProductID)
		if productID == "" {
			return ValidateCartResult{}, fmt.Errorf("%w: missing product id", ErrInvalidItem)
		}
		if item.Quantity < 1 {
			return ValidateCartResult{}, fmt.Errorf("%w: quantity for %s must be >= 1", ErrInvalidItem, productID)
		}
		if item.ClaimedUnitPrice <= 0 {
			return ValidateCartResult{}, fmt.Errorf("%w: missing price for %s", ErrInvalidItem, productID)
		}

		product, err := v.lookupProduct(ctx, productID)
		if err != nil {
			return ValidateCartResult{}, err
		}

		diff := product.Price - item.ClaimedUnitPrice
		if diff > priceTolerance || diff < -priceTolerance {
			v.logger(ctx, "order.validate.price_mismatch", map[string]any{
				"productId":    productID,
				"claimedPrice": item.ClaimedUnitPrice,
				"catalogPrice": product.Price,
			})
			return ValidateCartResult{}, fmt.Errorf("%w: product %s", ErrPriceMismatch, productID)
		}

		lineItems = append(lineItems, domain.LineItem{
			ProductID:   product.ID,
			Name:        product.Name,
			UnitPrice:   product.Price,
			Quantity:    item.Quantity,
			FeeEligible: product.FeeEligible,
			Category:    product.Category,
			EventID:     product.EventID,
			ValidFrom:   product.ValidFrom,
			ValidUntil:  product.ValidUntil,
			SubProducts: product.SubProducts,
		})
	}

	breakdown, err := v.engine.Price(lineItems)
	if err != nil {
		if errors.Is(err, ErrPricingInvalidInput) {
			return ValidateCartResult{}, fmt.Errorf("%w: %v", ErrInvalidItem, err)
		}
		return ValidateCartResult{}, err
	}

	if breakdown.Total < v.minAmount {
		return ValidateCartResult{}, fmt.Errorf("%w: %d < %d", ErrAmountTooLow, breakdown.Total, v.minAmount)
	}
	if breakdown.Total > v.maxAmount {
		return ValidateCartResult{}, fmt.Errorf("%w: %d > %d", ErrAmountTooHigh, breakdown.Total, v.maxAmount)
	}

	delta := breakdown.Total - cmd.ClaimedTotal
	if delta > 1 || delta < -1 {
		v.logger(ctx, "order.validate.amount_mismatch", map[string]any{
			"claimedTotal":    cmd.ClaimedTotal,
			"recomputedTotal": breakdown.Total,
		})
		return ValidateCartResult{}, fmt.Errorf("%w: claimed %d, recomputed %d", ErrAmountMismatch, cmd.ClaimedTotal, breakdown.Total)
	}

	return ValidateCartResult{
		Items:     lineItems,
		Amount:    breakdown.Total,
		Breakdown: breakdown,
	}, nil
}

func (v *OrderValidator) lookupProduct(ctx context.Context, productID string) (domain.CatalogProduct, error) {
	lookupCtx, cancel := context.WithTimeout(ctx, v.lookupTimeout)
	defer cancel()

	product, err := v.prices.LookupProduct(lookupCtx, productID)
	if err == nil {
		return product, nil
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		if repoErr.IsNotFound() {
			return domain.CatalogProduct{}, fmt.Errorf("%w: unknown product %s", ErrInvalidItem, productID)
		}
		return domain.CatalogProduct{}, fmt.Errorf("%w: %v", ErrPriceLookupUnavailable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return domain.CatalogProduct{}, fmt.Errorf("%w: %v", ErrPriceLookupUnavailable, err)
	}
	return domain.CatalogProduct{}, err
}
