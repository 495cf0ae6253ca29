package entity

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/shopspring/decimal"
)

type OrderType string
type OrderSide string
type OrderStatus string
type TimeInForce string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"

	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"

	TimeInForceDay TimeInForce = "DAY"
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"

	OrderStatusCreated         OrderStatus = "CREATED"
	OrderStatusSubmitted       OrderStatus = "SUBMITTED"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusRejected        OrderStatus = "REJECTED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusFailed          OrderStatus = "FAILED"
)

var NonTerminalOrderStatuses = []OrderStatus{
	OrderStatusCreated,
	OrderStatusSubmitted,
	OrderStatusPartiallyFilled,
}

func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled, OrderStatusFailed:
		return true
	default:
		return false
	}
}

func ParseOrderSide(raw string) (OrderSide, error) {
	switch OrderSide(strings.ToUpper(strings.TrimSpace(raw))) {
	case OrderSideBuy:
		return OrderSideBuy, nil
	case OrderSideSell:
		return OrderSideSell, nil
	default:
		return "", fmt.Errorf("unsupported order side: %s", raw)
	}
}

func ParseOrderType(raw string) (OrderType, error) {
	switch OrderType(strings.ToUpper(strings.TrimSpace(raw))) {
	case "":
		return OrderTypeMarket, nil
	case OrderTypeMarket:
		return OrderTypeMarket, nil
	case OrderTypeLimit:
		return OrderTypeLimit, nil
	case OrderTypeStop:
		return OrderTypeStop, nil
	case OrderTypeStopLimit:
		return OrderTypeStopLimit, nil
	default:
		return "", fmt.Errorf("unsupported order type: %s", raw)
	}
}

func ParseTimeInForce(raw string) (TimeInForce, error) {
	switch TimeInForce(strings.ToUpper(strings.TrimSpace(raw))) {
	case "":
		return TimeInForceDay, nil
	case TimeInForceDay:
		return TimeInForceDay, nil
	case TimeInForceGTC:
		return TimeInForceGTC, nil
	case TimeInForceIOC:
		return TimeInForceIOC, nil
	case TimeInForceFOK:
		return TimeInForceFOK, nil
	default:
		return "", fmt.Errorf("unsupported time in force: %s", raw)
	}
}

// Order is a single trade intent and its execution record. Once Status is
// terminal the record is frozen.
type Order struct {
	ID                string              `db:"id" json:"id"`
	BrokerOrderID     null.String         `db:"broker_order_id" json:"broker_order_id"`
	Symbol            string              `db:"symbol" json:"symbol"`
	Side              OrderSide           `db:"side" json:"side"`
	Type              OrderType           `db:"type" json:"type"`
	TimeInForce       TimeInForce         `db:"time_in_force" json:"time_in_force"`
	RequestedQuantity decimal.Decimal     `db:"requested_quantity" json:"requested_quantity"`
	LimitPrice        decimal.NullDecimal `db:"limit_price" json:"limit_price"`
	StopPrice         decimal.NullDecimal `db:"stop_price" json:"stop_price"`
	StrategyName      string              `db:"strategy_name" json:"strategy_name"`
	Status            OrderStatus         `db:"status" json:"status"`
	FilledQuantity    decimal.Decimal     `db:"filled_quantity" json:"filled_quantity"`
	AverageFillPrice  decimal.Decimal     `db:"average_fill_price" json:"average_fill_price"`
	Fees              decimal.Decimal     `db:"fees" json:"fees"`
	RetryCount        int                 `db:"retry_count" json:"retry_count"`
	Reason            null.String         `db:"reason" json:"reason"`
	CreatedAt         time.Time           `db:"created_at" json:"created_at"`
	LastUpdatedAt     time.Time           `db:"last_updated_at" json:"last_updated_at"`
	TerminalAt        null.Time           `db:"terminal_at" json:"terminal_at"`
}

func (o Order) TableName() string {
	return "orders"
}

func (o Order) IsTerminal() bool {
	return o.Status.IsTerminal()
}

// RemainingQuantity is the part of the order the broker may still fill.
func (o Order) RemainingQuantity() decimal.Decimal {
	remaining := o.RequestedQuantity.Sub(o.FilledQuantity)
	if remaining.IsNegative() {
		return decimal.Zero
	}
	return remaining
}

func (o Order) Validate() error {
	if strings.TrimSpace(o.ID) == "" {
		return errors.New("order id is required")
	}
	if strings.TrimSpace(o.Symbol) == "" {
		return errors.New("order symbol is required")
	}
	if o.Side != OrderSideBuy && o.Side != OrderSideSell {
		return fmt.Errorf("unsupported order side: %s", o.Side)
	}
	if !o.RequestedQuantity.IsPositive() {
		return fmt.Errorf("requested quantity must be positive: %s", o.RequestedQuantity.String())
	}

	needsLimit := o.Type == OrderTypeLimit || o.Type == OrderTypeStopLimit
	needsStop := o.Type == OrderTypeStop || o.Type == OrderTypeStopLimit

	switch o.Type {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
	default:
		return fmt.Errorf("unsupported order type: %s", o.Type)
	}

	if needsLimit && (!o.LimitPrice.Valid || !o.LimitPrice.Decimal.IsPositive()) {
		return fmt.Errorf("%s order requires a positive limit price", o.Type)
	}
	if needsStop && (!o.StopPrice.Valid || !o.StopPrice.Decimal.IsPositive()) {
		return fmt.Errorf("%s order requires a positive stop price", o.Type)
	}

	return nil
}

// ApplyBrokerStatus folds a broker status report into the order. It returns
// the filled quantity delta and whether anything changed. Filled quantity
// never decreases and terminal orders are never touched.
func (o *Order) ApplyBrokerStatus(report BrokerOrderStatus, now time.Time) (decimal.Decimal, bool, error) {
	if o.IsTerminal() {
		return decimal.Zero, false, ErrOrderTerminal
	}

	changed := false
	delta := decimal.Zero

	filled := report.FilledQuantity
	if filled.GreaterThan(o.RequestedQuantity) {
		filled = o.RequestedQuantity
	}

	if filled.GreaterThan(o.FilledQuantity) {
		delta = filled.Sub(o.FilledQuantity)
		o.FilledQuantity = filled
		if report.AverageFillPrice.IsPositive() {
			o.AverageFillPrice = report.AverageFillPrice
		}
		changed = true
	}

	if report.Fees.GreaterThan(o.Fees) {
		o.Fees = report.Fees
		changed = true
	}

	next := report.Status
	if next == OrderStatusFilled && o.FilledQuantity.LessThan(o.RequestedQuantity) {
		// a broker reporting FILLED without the full quantity is treated as partial
		next = OrderStatusPartiallyFilled
	}
	if next == OrderStatusSubmitted && o.FilledQuantity.IsPositive() {
		next = OrderStatusPartiallyFilled
	}
	if next == OrderStatusCreated || next == "" {
		next = o.Status
	}

	if next != o.Status {
		o.Status = next
		changed = true
	}

	if next.IsTerminal() {
		if o.Reason.ValueOrZero() == "" && report.Reason != "" {
			o.Reason = null.StringFrom(report.Reason)
		}
		o.TerminalAt = null.TimeFrom(now)
	}

	if changed {
		o.LastUpdatedAt = now
	}

	return delta, changed, nil
}

// Transition moves a non-terminal order to the given status.
func (o *Order) Transition(status OrderStatus, reason string, now time.Time) error {
	if o.IsTerminal() {
		return ErrOrderTerminal
	}

	o.Status = status
	o.LastUpdatedAt = now
	if reason != "" {
		o.Reason = null.StringFrom(reason)
	}
	if status.IsTerminal() {
		o.TerminalAt = null.TimeFrom(now)
	}

	return nil
}

type OrderEventKind string

const (
	OrderEventTransition OrderEventKind = "transition"
	OrderEventFill       OrderEventKind = "fill"
	OrderEventTimeout    OrderEventKind = "timeout"
	OrderEventRetry      OrderEventKind = "retry"
)

// OrderEvent is one append-only entry in an order's audit trail.
type OrderEvent struct {
	ID             string          `db:"id" json:"id"`
	OrderID        string          `db:"order_id" json:"order_id"`
	Symbol         string          `db:"symbol" json:"symbol"`
	Kind           OrderEventKind  `db:"kind" json:"kind"`
	FromStatus     OrderStatus     `db:"from_status" json:"from_status"`
	ToStatus       OrderStatus     `db:"to_status" json:"to_status"`
	FilledQuantity decimal.Decimal `db:"filled_quantity" json:"filled_quantity"`
	FillPrice      decimal.Decimal `db:"fill_price" json:"fill_price"`
	RetryCount     int             `db:"retry_count" json:"retry_count"`
	Reason         null.String     `db:"reason" json:"reason"`
	CreatedAt      time.Time       `db:"created_at" json:"created_at"`
}

func (e OrderEvent) TableName() string {
	return "order_events"
}

// OrderUpdate is what a monitor subscriber receives.
type OrderUpdate struct {
	OrderID          string          `json:"order_id"`
	Kind             OrderEventKind  `json:"kind"`
	Status           OrderStatus     `json:"status"`
	FilledQuantity   decimal.Decimal `json:"filled_quantity"`
	AverageFillPrice decimal.Decimal `json:"average_fill_price"`
	Reason           string          `json:"reason,omitempty"`
	At               time.Time       `json:"at"`
}

func (u OrderUpdate) IsTerminal() bool {
	return u.Status.IsTerminal()
}

// TradeRecord is the archived, immutable copy of a terminal order.
type TradeRecord struct {
	ID               string          `db:"id" json:"id"`
	OrderID          string          `db:"order_id" json:"order_id"`
	BrokerOrderID    null.String     `db:"broker_order_id" json:"broker_order_id"`
	Symbol           string          `db:"symbol" json:"symbol"`
	Side             OrderSide       `db:"side" json:"side"`
	StrategyName     string          `db:"strategy_name" json:"strategy_name"`
	Status           OrderStatus     `db:"status" json:"status"`
	Quantity         decimal.Decimal `db:"quantity" json:"quantity"`
	FilledQuantity   decimal.Decimal `db:"filled_quantity" json:"filled_quantity"`
	AverageFillPrice decimal.Decimal `db:"average_fill_price" json:"average_fill_price"`
	Fees             decimal.Decimal `db:"fees" json:"fees"`
	RealizedPnl      null.Float      `db:"realized_pnl" json:"realized_pnl"`
	RetryCount       int             `db:"retry_count" json:"retry_count"`
	Reason           null.String     `db:"reason" json:"reason"`
	OpenedAt         time.Time       `db:"opened_at" json:"opened_at"`
	ClosedAt         time.Time       `db:"closed_at" json:"closed_at"`
}

func (t TradeRecord) TableName() string {
	return "trade_histories"
}

func NewTradeRecord(order Order, realizedPnl null.Float) TradeRecord {
	closedAt := order.LastUpdatedAt
	if order.TerminalAt.Valid {
		closedAt = order.TerminalAt.Time
	}

	return TradeRecord{
		OrderID:          order.ID,
		BrokerOrderID:    order.BrokerOrderID,
		Symbol:           order.Symbol,
		Side:             order.Side,
		StrategyName:     order.StrategyName,
		Status:           order.Status,
		Quantity:         order.RequestedQuantity,
		FilledQuantity:   order.FilledQuantity,
		AverageFillPrice: order.AverageFillPrice,
		Fees:             order.Fees,
		RealizedPnl:      realizedPnl,
		RetryCount:       order.RetryCount,
		Reason:           order.Reason,
		OpenedAt:         order.CreatedAt,
		ClosedAt:         closedAt,
	}
}
