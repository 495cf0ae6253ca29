package entity

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// BrokerOrderSpec is what a gateway needs to place an order.
type BrokerOrderSpec struct {
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	TimeInForce   TimeInForce
	Quantity      decimal.Decimal
	LimitPrice    decimal.NullDecimal
	StopPrice     decimal.NullDecimal
}

func NewBrokerOrderSpec(order Order) BrokerOrderSpec {
	return BrokerOrderSpec{
		ClientOrderID: order.ID,
		Symbol:        order.Symbol,
		Side:          order.Side,
		Type:          order.Type,
		TimeInForce:   order.TimeInForce,
		Quantity:      order.RequestedQuantity,
		LimitPrice:    order.LimitPrice,
		StopPrice:     order.StopPrice,
	}
}

type BrokerOrderStatus struct {
	BrokerOrderID    string
	Status           OrderStatus
	FilledQuantity   decimal.Decimal
	AverageFillPrice decimal.Decimal
	Fees             decimal.Decimal
	Reason           string
}

type BrokerPosition struct {
	Symbol            string
	Quantity          decimal.Decimal
	AverageEntryPrice decimal.Decimal
}

type Account struct {
	Equity      decimal.Decimal
	BuyingPower decimal.Decimal
	Cash        decimal.Decimal
	UpdatedAt   time.Time
}

// BrokerGateway is the submit/cancel/query surface of a real or simulated
// broker. Transport failures must wrap ErrGatewayTransport; outright refusals
// must be returned as *GatewayRejectionError.
type BrokerGateway interface {
	SubmitOrder(ctx context.Context, spec BrokerOrderSpec) (string, error)
	GetOrderStatus(ctx context.Context, brokerOrderID string) (BrokerOrderStatus, error)
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)
	ListPositions(ctx context.Context) ([]BrokerPosition, error)
	GetAccount(ctx context.Context) (Account, error)
}

type Quote struct {
	Symbol    string
	Price     decimal.Decimal
	Timestamp time.Time
}

type PriceFeed interface {
	GetQuote(ctx context.Context, symbol string) (Quote, error)
}
