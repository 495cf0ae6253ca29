package entity

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Signal is a strategy's request to trade. SuggestedQuantity is an upper
// bound; zero lets the sizer decide.
type Signal struct {
	RequestID         string              `json:"request_id"`
	StrategyName      string              `json:"strategy_name"`
	Symbol            string              `json:"symbol"`
	Side              OrderSide           `json:"side"`
	SuggestedQuantity decimal.Decimal     `json:"suggested_quantity"`
	OrderType         OrderType           `json:"order_type,omitempty"`
	LimitPrice        decimal.NullDecimal `json:"limit_price"`
	StopPrice         decimal.NullDecimal `json:"stop_price"`
	EmittedAt         time.Time           `json:"emitted_at"`
}

func (s Signal) Validate() error {
	if strings.TrimSpace(s.StrategyName) == "" {
		return errors.New("strategy name is required")
	}
	if strings.TrimSpace(s.Symbol) == "" {
		return errors.New("symbol is required")
	}
	if s.Side != OrderSideBuy && s.Side != OrderSideSell {
		return errors.New("side must be BUY or SELL")
	}
	if s.SuggestedQuantity.IsNegative() {
		return errors.New("suggested quantity must not be negative")
	}
	return nil
}

type SignalEvent struct {
	RetryCount int    `json:"retry"`
	Data       Signal `json:"data"`
}

type OutcomeKind string

const (
	OutcomeSkipped         OutcomeKind = "skipped"
	OutcomeFilled          OutcomeKind = "filled"
	OutcomePartiallyFilled OutcomeKind = "partially_filled"
	OutcomeRejected        OutcomeKind = "rejected"
	OutcomeFailed          OutcomeKind = "failed"
	OutcomeCancelled       OutcomeKind = "cancelled"
	OutcomeTimedOut        OutcomeKind = "timed_out"
)

// OrderOutcome is the result of handling one signal. Every kind other than
// filled carries a human readable Reason.
type OrderOutcome struct {
	Kind    OutcomeKind        `json:"kind"`
	Reason  string             `json:"reason,omitempty"`
	OrderID string             `json:"order_id,omitempty"`
	Order   *Order             `json:"order,omitempty"`
	Verdict *ComplianceVerdict `json:"verdict,omitempty"`
	Sizing  *SizingResult      `json:"sizing,omitempty"`
}

func Skipped(reason string) OrderOutcome {
	return OrderOutcome{Kind: OutcomeSkipped, Reason: reason}
}
