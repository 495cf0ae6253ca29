package reconciler

import (
	"sort"
	"strings"
	"time"

	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/shopspring/decimal"
)

var (
	defaultQuantityTolerance = decimal.RequireFromString("0.001")
	defaultPriceTolerancePct = decimal.RequireFromString("0.5")
	hundred                  = decimal.NewFromInt(100)
)

func DefaultTolerance() entity.ReconciliationTolerance {
	return entity.ReconciliationTolerance{
		Quantity: defaultQuantityTolerance,
		PricePct: defaultPriceTolerancePct,
	}
}

// Reconcile compares local positions (expected) with gateway positions
// (actual). Every symbol in either set appears exactly once: in Matched, in
// Discrepancies, or in Absorbed when only a sub-tolerance quantity drift
// separates the two sides. A flat local position with no gateway position
// is matched.
func Reconcile(local []entity.Position, gateway []entity.BrokerPosition, tolerance entity.ReconciliationTolerance) entity.ReconciliationReport {
	if tolerance.Quantity.IsNegative() {
		tolerance.Quantity = decimal.Zero
	}

	localBySymbol := make(map[string]entity.Position, len(local))
	for _, p := range local {
		localBySymbol[normalize(p.Symbol)] = p
	}
	gatewayBySymbol := make(map[string]entity.BrokerPosition, len(gateway))
	for _, p := range gateway {
		symbol := normalize(p.Symbol)
		if existing, ok := gatewayBySymbol[symbol]; ok {
			p.Quantity = p.Quantity.Add(existing.Quantity)
		}
		gatewayBySymbol[symbol] = p
	}

	symbols := make([]string, 0, len(localBySymbol)+len(gatewayBySymbol))
	for symbol := range localBySymbol {
		symbols = append(symbols, symbol)
	}
	for symbol := range gatewayBySymbol {
		if _, ok := localBySymbol[symbol]; !ok {
			symbols = append(symbols, symbol)
		}
	}
	sort.Strings(symbols)

	report := entity.ReconciliationReport{
		Matched:       []string{},
		Discrepancies: []entity.Discrepancy{},
		Absorbed:      []entity.Drift{},
		ReconciledAt:  time.Now().UTC(),
	}

	for _, symbol := range symbols {
		localPos, hasLocal := localBySymbol[symbol]
		gatewayPos, hasGateway := gatewayBySymbol[symbol]

		switch {
		case !hasLocal:
			if gatewayPos.Quantity.Abs().LessThanOrEqual(tolerance.Quantity) {
				report.Matched = append(report.Matched, symbol)
				continue
			}
			report.Discrepancies = append(report.Discrepancies, entity.Discrepancy{
				Symbol:      symbol,
				Kind:        entity.DiscrepancyUntracked,
				Expected:    decimal.Zero,
				Actual:      gatewayPos.Quantity,
				ActualPrice: gatewayPos.AverageEntryPrice,
			})
		case !hasGateway:
			if localPos.Quantity.Abs().LessThanOrEqual(tolerance.Quantity) {
				report.Matched = append(report.Matched, symbol)
				continue
			}
			report.Discrepancies = append(report.Discrepancies, entity.Discrepancy{
				Symbol:        symbol,
				Kind:          entity.DiscrepancyMissingAtGateway,
				Expected:      localPos.Quantity,
				Actual:        decimal.Zero,
				ExpectedPrice: localPos.AverageEntryPrice,
			})
		default:
			compare(&report, symbol, localPos, gatewayPos, tolerance)
		}
	}

	return report
}

func compare(report *entity.ReconciliationReport, symbol string, local entity.Position, gateway entity.BrokerPosition, tolerance entity.ReconciliationTolerance) {
	diff := local.Quantity.Sub(gateway.Quantity).Abs()
	if diff.GreaterThan(tolerance.Quantity) {
		report.Discrepancies = append(report.Discrepancies, entity.Discrepancy{
			Symbol:        symbol,
			Kind:          entity.DiscrepancyQuantityMismatch,
			Expected:      local.Quantity,
			Actual:        gateway.Quantity,
			ExpectedPrice: local.AverageEntryPrice,
			ActualPrice:   gateway.AverageEntryPrice,
		})
		return
	}

	if tolerance.CheckPrice && !priceWithin(local.AverageEntryPrice, gateway.AverageEntryPrice, tolerance.PricePct) {
		report.Discrepancies = append(report.Discrepancies, entity.Discrepancy{
			Symbol:        symbol,
			Kind:          entity.DiscrepancyPriceMismatch,
			Expected:      local.Quantity,
			Actual:        gateway.Quantity,
			ExpectedPrice: local.AverageEntryPrice,
			ActualPrice:   gateway.AverageEntryPrice,
		})
		return
	}

	if diff.IsZero() {
		report.Matched = append(report.Matched, symbol)
		return
	}

	report.Absorbed = append(report.Absorbed, entity.Drift{
		Symbol:   symbol,
		Expected: local.Quantity,
		Actual:   gateway.Quantity,
	})
}

// priceWithin compares against the gateway price; pct is a percentage (0.5 == 0.5%).
func priceWithin(expected, actual, pct decimal.Decimal) bool {
	if !actual.IsPositive() || !expected.IsPositive() {
		return true
	}
	deviation := expected.Sub(actual).Abs().Div(actual).Mul(hundred)
	return deviation.LessThanOrEqual(pct)
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
