package risk

import (
	"fmt"
	"strings"

	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/shopspring/decimal"
)

var defaultIncrement = decimal.NewFromInt(1)

// Sizer bounds a candidate trade by the configured risk limits. Quantities
// are floored to the instrument's minimum tradable increment.
type Sizer struct {
	increments       map[string]decimal.Decimal
	defaultIncrement decimal.Decimal
}

func NewSizer(increments map[string]decimal.Decimal, fallback decimal.Decimal) *Sizer {
	normalized := make(map[string]decimal.Decimal, len(increments))
	for symbol, step := range increments {
		if !step.IsPositive() {
			continue
		}
		normalized[strings.ToUpper(symbol)] = step
	}
	if !fallback.IsPositive() {
		fallback = defaultIncrement
	}

	return &Sizer{
		increments:       normalized,
		defaultIncrement: fallback,
	}
}

func (s *Sizer) Increment(symbol string) decimal.Decimal {
	if step, ok := s.increments[strings.ToUpper(symbol)]; ok {
		return step
	}
	return s.defaultIncrement
}

// Size returns an error only for contract violations: non-positive price or
// invalid limits. Every other refusal is a rejected SizingResult.
func (s *Sizer) Size(equity decimal.Decimal, exposure entity.Exposure, symbol string, price decimal.Decimal, limits entity.RiskLimits) (entity.SizingResult, error) {
	if !price.IsPositive() {
		return entity.SizingResult{}, fmt.Errorf("%w: %s", entity.ErrInvalidPrice, price.String())
	}
	if err := limits.Validate(); err != nil {
		return entity.SizingResult{}, err
	}

	if !equity.IsPositive() {
		return rejected(fmt.Sprintf("account equity %s is not positive", equity.String())), nil
	}

	held := exposure.Holds(symbol)
	if !held && exposure.Symbols() >= limits.MaxPositions {
		return rejected(fmt.Sprintf("max positions reached: %d of %d symbols held", exposure.Symbols(), limits.MaxPositions)), nil
	}

	positionRiskCap := limits.MaxPositionRiskFraction.Mul(equity)
	positionPctCap := limits.MaxPositionPct.Mul(equity).Sub(exposure[symbol].Abs())
	portfolioHeadroom := limits.MaxPortfolioRiskFraction.Mul(equity).Sub(exposure.Total())

	allowed := decimal.Min(positionRiskCap, positionPctCap, portfolioHeadroom)
	if !allowed.IsPositive() {
		return rejected(capReason(allowed, positionRiskCap, positionPctCap, portfolioHeadroom)), nil
	}

	quantity := s.floor(symbol, allowed.Div(price))
	if !quantity.IsPositive() {
		return rejected(fmt.Sprintf("allowed notional %s buys less than one increment of %s at %s",
			allowed.StringFixed(2), s.Increment(symbol).String(), price.String())), nil
	}

	return entity.SizingResult{
		Quantity: quantity,
		Notional: quantity.Mul(price),
	}, nil
}

// SizeExit bounds a sell by current holdings. Short selling is never sized.
func (s *Sizer) SizeExit(symbol string, held, suggested decimal.Decimal) entity.SizingResult {
	if !held.IsPositive() {
		return rejected(fmt.Sprintf("no long position in %s to sell", symbol))
	}

	quantity := held
	if suggested.IsPositive() && suggested.LessThan(held) {
		quantity = suggested
	}

	quantity = s.floor(symbol, quantity)
	if !quantity.IsPositive() {
		return rejected(fmt.Sprintf("sell quantity for %s rounds to zero at increment %s", symbol, s.Increment(symbol).String()))
	}

	return entity.SizingResult{Quantity: quantity}
}

// Cap applies a strategy's suggested quantity as an upper bound.
func (s *Sizer) Cap(result entity.SizingResult, symbol string, suggested, price decimal.Decimal) entity.SizingResult {
	if result.Rejected || !suggested.IsPositive() || suggested.GreaterThanOrEqual(result.Quantity) {
		return result
	}

	quantity := s.floor(symbol, suggested)
	if !quantity.IsPositive() {
		return rejected(fmt.Sprintf("suggested quantity %s rounds to zero at increment %s", suggested.String(), s.Increment(symbol).String()))
	}

	result.Quantity = quantity
	result.Notional = quantity.Mul(price)
	return result
}

func (s *Sizer) floor(symbol string, quantity decimal.Decimal) decimal.Decimal {
	step := s.Increment(symbol)
	return quantity.Div(step).Floor().Mul(step)
}

func capReason(allowed, positionRiskCap, positionPctCap, portfolioHeadroom decimal.Decimal) string {
	switch {
	case allowed.Equal(portfolioHeadroom):
		return fmt.Sprintf("no portfolio risk headroom left: %s", portfolioHeadroom.StringFixed(2))
	case allowed.Equal(positionPctCap):
		return fmt.Sprintf("position already at max position pct: %s remaining", positionPctCap.StringFixed(2))
	default:
		return fmt.Sprintf("position risk cap is %s", positionRiskCap.StringFixed(2))
	}
}

func rejected(reason string) entity.SizingResult {
	return entity.SizingResult{
		Quantity: decimal.Zero,
		Notional: decimal.Zero,
		Rejected: true,
		Reason:   reason,
	}
}
