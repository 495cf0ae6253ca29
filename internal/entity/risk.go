package entity

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// RiskLimits are fractions of account equity (0.01 == 1%).
type RiskLimits struct {
	MaxPortfolioRiskFraction decimal.Decimal `json:"max_portfolio_risk_fraction"`
	MaxPositionRiskFraction  decimal.Decimal `json:"max_position_risk_fraction"`
	MaxPositionPct           decimal.Decimal `json:"max_position_pct"`
	MaxPositions             int             `json:"max_positions"`
}

func (l RiskLimits) Validate() error {
	one := decimal.NewFromInt(1)
	fractions := map[string]decimal.Decimal{
		"max_portfolio_risk_fraction": l.MaxPortfolioRiskFraction,
		"max_position_risk_fraction":  l.MaxPositionRiskFraction,
		"max_position_pct":            l.MaxPositionPct,
	}
	for name, value := range fractions {
		if !value.IsPositive() || value.GreaterThan(one) {
			return fmt.Errorf("%w: %s must be in (0, 1], got %s", ErrInvalidRiskLimits, name, value.String())
		}
	}
	if l.MaxPositions <= 0 {
		return fmt.Errorf("%w: max_positions must be positive, got %d", ErrInvalidRiskLimits, l.MaxPositions)
	}
	return nil
}

// Exposure is the current notional committed per symbol, including open orders.
type Exposure map[string]decimal.Decimal

func (e Exposure) Total() decimal.Decimal {
	total := decimal.Zero
	for _, notional := range e {
		total = total.Add(notional.Abs())
	}
	return total
}

func (e Exposure) Symbols() int {
	count := 0
	for _, notional := range e {
		if !notional.IsZero() {
			count++
		}
	}
	return count
}

func (e Exposure) Holds(symbol string) bool {
	notional, ok := e[symbol]
	return ok && !notional.IsZero()
}

type SizingResult struct {
	Quantity decimal.Decimal `json:"quantity"`
	Notional decimal.Decimal `json:"notional"`
	Rejected bool            `json:"rejected"`
	Reason   string          `json:"reason,omitempty"`
}
