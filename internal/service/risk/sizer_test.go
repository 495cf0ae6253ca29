package risk

import (
	"testing"

	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func testLimits() entity.RiskLimits {
	return entity.RiskLimits{
		MaxPortfolioRiskFraction: d("0.5"),
		MaxPositionRiskFraction:  d("0.01"),
		MaxPositionPct:           d("0.1"),
		MaxPositions:             5,
	}
}

func TestSizer_PositionRiskBound(t *testing.T) {
	sizer := NewSizer(nil, d("1"))

	result, err := sizer.Size(d("100000"), entity.Exposure{}, "AAPL", d("50"), testLimits())
	require.NoError(t, err)

	assert.False(t, result.Rejected)
	assert.True(t, result.Quantity.LessThanOrEqual(d("20")), result.Quantity.String())
	assert.True(t, result.Quantity.Equal(d("20")))
	assert.True(t, result.Notional.Equal(d("1000")))
}

func TestSizer_FloorsToIncrement(t *testing.T) {
	sizer := NewSizer(map[string]decimal.Decimal{"btcusd": d("0.001")}, d("1"))

	result, err := sizer.Size(d("100000"), entity.Exposure{}, "BTCUSD", d("60123.45"), testLimits())
	require.NoError(t, err)
	assert.True(t, result.Quantity.Equal(d("0.016")), result.Quantity.String())

	result, err = sizer.Size(d("100000"), entity.Exposure{}, "AAPL", d("333"), testLimits())
	require.NoError(t, err)
	assert.True(t, result.Quantity.Equal(d("3")), result.Quantity.String())
}

func TestSizer_ContractViolations(t *testing.T) {
	sizer := NewSizer(nil, d("1"))

	_, err := sizer.Size(d("100000"), entity.Exposure{}, "AAPL", d("0"), testLimits())
	assert.ErrorIs(t, err, entity.ErrInvalidPrice)

	_, err = sizer.Size(d("100000"), entity.Exposure{}, "AAPL", d("-3"), testLimits())
	assert.ErrorIs(t, err, entity.ErrInvalidPrice)

	limits := testLimits()
	limits.MaxPositions = 0
	_, err = sizer.Size(d("100000"), entity.Exposure{}, "AAPL", d("10"), limits)
	assert.ErrorIs(t, err, entity.ErrInvalidRiskLimits)
}

func TestSizer_NeverReturnsNonPositiveUnrejected(t *testing.T) {
	sizer := NewSizer(nil, d("1"))

	tests := []struct {
		name     string
		equity   string
		exposure entity.Exposure
		price    string
	}{
		{name: "price above allowed notional", equity: "100000", price: "5000"},
		{name: "zero equity", equity: "0", price: "10"},
		{name: "negative equity", equity: "-10", price: "10"},
		{name: "portfolio full", equity: "100000", price: "10", exposure: entity.Exposure{"MSFT": d("50000")}},
		{name: "symbol at max pct", equity: "100000", price: "10", exposure: entity.Exposure{"AAPL": d("10000")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := sizer.Size(d(tt.equity), tt.exposure, "AAPL", d(tt.price), testLimits())
			require.NoError(t, err)
			assert.True(t, result.Rejected)
			assert.NotEmpty(t, result.Reason)
			assert.True(t, result.Quantity.IsZero())
		})
	}
}

func TestSizer_MaxPositions(t *testing.T) {
	sizer := NewSizer(nil, d("1"))
	limits := testLimits()
	limits.MaxPositions = 2
	exposure := entity.Exposure{"MSFT": d("1000"), "NVDA": d("1000")}

	result, err := sizer.Size(d("100000"), exposure, "AAPL", d("10"), limits)
	require.NoError(t, err)
	assert.True(t, result.Rejected)
	assert.Contains(t, result.Reason, "max positions")

	result, err = sizer.Size(d("100000"), exposure, "MSFT", d("10"), limits)
	require.NoError(t, err)
	assert.False(t, result.Rejected)
	assert.True(t, result.Quantity.Equal(d("100")))
}

func TestSizer_PortfolioHeadroomCaps(t *testing.T) {
	sizer := NewSizer(nil, d("1"))
	exposure := entity.Exposure{"MSFT": d("49500")}

	result, err := sizer.Size(d("100000"), exposure, "AAPL", d("10"), testLimits())
	require.NoError(t, err)

	assert.False(t, result.Rejected)
	assert.True(t, result.Quantity.Equal(d("50")), result.Quantity.String())
}

func TestSizer_SizeExit(t *testing.T) {
	sizer := NewSizer(map[string]decimal.Decimal{"ETHUSD": d("0.01")}, d("1"))

	assert.True(t, sizer.SizeExit("AAPL", d("0"), d("5")).Rejected)
	assert.True(t, sizer.SizeExit("AAPL", d("10"), d("0")).Quantity.Equal(d("10")))
	assert.True(t, sizer.SizeExit("AAPL", d("10"), d("4")).Quantity.Equal(d("4")))
	assert.True(t, sizer.SizeExit("AAPL", d("10"), d("40")).Quantity.Equal(d("10")))
	assert.True(t, sizer.SizeExit("ETHUSD", d("1.2345"), d("0")).Quantity.Equal(d("1.23")))
	assert.True(t, sizer.SizeExit("AAPL", d("0.5"), d("0")).Rejected)
}

func TestSizer_Cap(t *testing.T) {
	sizer := NewSizer(nil, d("1"))
	result := entity.SizingResult{Quantity: d("20"), Notional: d("1000")}

	capped := sizer.Cap(result, "AAPL", d("5"), d("50"))
	assert.True(t, capped.Quantity.Equal(d("5")))
	assert.True(t, capped.Notional.Equal(d("250")))

	assert.Equal(t, result, sizer.Cap(result, "AAPL", d("0"), d("50")))
	assert.Equal(t, result, sizer.Cap(result, "AAPL", d("30"), d("50")))
	assert.True(t, sizer.Cap(result, "AAPL", d("0.4"), d("50")).Rejected)
}
