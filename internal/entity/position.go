package entity

import (
	"context"
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
)

// Position is the system's belief about current holdings for a symbol.
type Position struct {
	Symbol            string          `db:"symbol" json:"symbol"`
	Quantity          decimal.Decimal `db:"quantity" json:"quantity"`
	AverageEntryPrice decimal.Decimal `db:"average_entry_price" json:"average_entry_price"`
	MarketPrice       decimal.Decimal `db:"market_price" json:"market_price"`
	UnrealizedPnl     decimal.Decimal `db:"unrealized_pnl" json:"unrealized_pnl"`
	RealizedPnl       decimal.Decimal `db:"realized_pnl" json:"realized_pnl"`
	LastReconciledAt  null.Time       `db:"last_reconciled_at" json:"last_reconciled_at"`
	UpdatedAt         time.Time       `db:"updated_at" json:"updated_at"`
}

func (p Position) TableName() string {
	return "positions"
}

func (p Position) Notional() decimal.Decimal {
	price := p.MarketPrice
	if !price.IsPositive() {
		price = p.AverageEntryPrice
	}
	return p.Quantity.Mul(price).Abs()
}

// Mark refreshes market price and unrealized pnl.
func (p *Position) Mark(price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	p.MarketPrice = price
	p.UnrealizedPnl = price.Sub(p.AverageEntryPrice).Mul(p.Quantity)
}

type PositionStore interface {
	Upsert(ctx context.Context, position Position) error
	Delete(ctx context.Context, symbol string) error
	GetAll(ctx context.Context) ([]Position, error)
}

type Fill struct {
	OrderID  string
	Symbol   string
	Side     OrderSide
	Quantity decimal.Decimal
	Price    decimal.Decimal
	At       time.Time
}
