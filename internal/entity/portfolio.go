package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type PortfolioStats struct {
	Equity           decimal.Decimal `json:"equity"`
	BuyingPower      decimal.Decimal `json:"buying_power"`
	TotalRealizedPnl decimal.Decimal `json:"total_realized_pnl"`
	UnrealizedPnl    decimal.Decimal `json:"unrealized_pnl"`
	TotalPnl         decimal.Decimal `json:"total_pnl"`
	ClosedTrades     int             `json:"closed_trades"`
	WinningTrades    int             `json:"winning_trades"`
	WinRate          decimal.Decimal `json:"win_rate"`
	OpenPositions    int             `json:"open_positions"`
	GeneratedAt      time.Time       `json:"generated_at"`
}

type TradeSummary struct {
	ClosedTrades     int     `db:"closed_trades"`
	WinningTrades    int     `db:"winning_trades"`
	TotalRealizedPnl float64 `db:"total_realized_pnl"`
}

type OrderDetail struct {
	Order  Order        `json:"order"`
	Events []OrderEvent `json:"events"`
}
