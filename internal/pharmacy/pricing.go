package pharmacy

import (
	"context"
	"fmt"

	"pharmacy-service/internal/models"

	"go.uber.org/zap"
)

// PricingMode selects how item prices contribute to the subtotal.
type PricingMode string

const (
	// PricingModeLineTotal treats item.price as the full line amount.
	PricingModeLineTotal PricingMode = "line_total"
	// PricingModeUnit treats item.price as a per-unit price multiplied by the
	// outstanding quantity.
	PricingModeUnit PricingMode = "unit"
)

// TaxPolicy selects how tax is derived from the subtotal.
type TaxPolicy string

const (
	// TaxPolicyInclusive means prices already include tax; no extra tax line.
	TaxPolicyInclusive TaxPolicy = "inclusive"
	// TaxPolicyExempt means no tax applies.
	TaxPolicyExempt TaxPolicy = "exempt"
	// TaxPolicyRate applies TaxRateBps basis points on top of the subtotal.
	TaxPolicyRate TaxPolicy = "rate"
)

// PricingConfig makes the price/tax interpretation explicit instead of
// hard-coding one reading of the stored item price.
type PricingConfig struct {
	Mode       PricingMode
	Tax        TaxPolicy
	TaxRateBps int64
}

// Subtotal computes the order subtotal from prescription items.
func (p PricingConfig) Subtotal(items []models.PrescriptionItem) int64 {
	var total int64
	for _, item := range items {
		if p.Mode == PricingModeUnit {
			total += item.Price * int64(item.Quantity)
		} else {
			total += item.Price
		}
	}
	return total
}

// TaxAmount computes the tax line for a subtotal.
func (p PricingConfig) TaxAmount(subtotal int64) int64 {
	if p.Tax == TaxPolicyRate {
		return subtotal * p.TaxRateBps / 10000
	}
	return 0
}

// RateStore reads authoritative shipping rates.
type RateStore interface {
	GetShippingRate(ctx context.Context, method string) (int64, error)
}

// RateCache is a best-effort cache in front of the rate table.
type RateCache interface {
	GetShippingRate(ctx context.Context, method string) (int64, bool, error)
	SetShippingRate(ctx context.Context, method string, amount int64) error
}

// ShippingRates resolves shipping amounts with a cache fast path and a
// database fallback. The cache is never authoritative.
type ShippingRates struct {
	store  RateStore
	cache  RateCache
	logger *zap.Logger
}

// NewShippingRates creates a shipping rate lookup. cache may be nil.
func NewShippingRates(store RateStore, cache RateCache, logger *zap.Logger) *ShippingRates {
	return &ShippingRates{store: store, cache: cache, logger: logger}
}

// Amount returns the shipping amount for a method.
func (sr *ShippingRates) Amount(ctx context.Context, method string) (int64, error) {
	if sr.cache != nil {
		amount, ok, err := sr.cache.GetShippingRate(ctx, method)
		if err != nil {
			sr.logger.Warn("Shipping rate cache read failed, falling back to DB",
				zap.String("method", method),
				zap.Error(err))
		} else if ok {
			return amount, nil
		}
	}

	amount, err := sr.store.GetShippingRate(ctx, method)
	if err != nil {
		return 0, fmt.Errorf("shipping rate lookup failed for %q: %w", method, err)
	}

	if sr.cache != nil {
		if err := sr.cache.SetShippingRate(ctx, method, amount); err != nil {
			sr.logger.Warn("Failed to cache shipping rate",
				zap.String("method", method),
				zap.Error(err))
		}
	}

	return amount, nil
}
