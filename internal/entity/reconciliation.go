package entity

import (
	"time"

	"github.com/shopspring/decimal"
)

type DiscrepancyKind string

const (
	DiscrepancyQuantityMismatch DiscrepancyKind = "quantity_mismatch"
	DiscrepancyPriceMismatch    DiscrepancyKind = "price_mismatch"
	DiscrepancyUntracked        DiscrepancyKind = "untracked"
	DiscrepancyMissingAtGateway DiscrepancyKind = "missing_at_gateway"
)

// Discrepancy compares local (expected) and gateway (actual) state for one symbol.
type Discrepancy struct {
	Symbol        string          `json:"symbol"`
	Kind          DiscrepancyKind `json:"kind"`
	Expected      decimal.Decimal `json:"expected"`
	Actual        decimal.Decimal `json:"actual"`
	ExpectedPrice decimal.Decimal `json:"expected_price"`
	ActualPrice   decimal.Decimal `json:"actual_price"`
}

// Drift is a sub-tolerance difference that may be absorbed silently.
type Drift struct {
	Symbol   string          `json:"symbol"`
	Expected decimal.Decimal `json:"expected"`
	Actual   decimal.Decimal `json:"actual"`
}

type ReconciliationReport struct {
	ID            string        `db:"id" json:"id"`
	Matched       []string      `json:"matched"`
	Discrepancies []Discrepancy `json:"discrepancies"`
	Absorbed      []Drift       `json:"absorbed"`
	ReconciledAt  time.Time     `json:"reconciled_at"`
}

func (r ReconciliationReport) HasDiscrepancies() bool {
	return len(r.Discrepancies) > 0
}

type ReconciliationTolerance struct {
	Quantity   decimal.Decimal
	PricePct   decimal.Decimal
	CheckPrice bool
}
