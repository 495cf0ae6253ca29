package broker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/shopspring/decimal"
)

const defaultFillSteps = 1

type PaperConfig struct {
	StartingCash    decimal.Decimal
	FillSteps       int
	Latency         time.Duration
	FeeRate         decimal.Decimal
	Quotes          map[string]decimal.Decimal
	RejectedSymbols []string
}

type paperOrder struct {
	id       string
	spec     entity.BrokerOrderSpec
	status   entity.OrderStatus
	filled   decimal.Decimal
	avgPrice decimal.Decimal
	fees     decimal.Decimal
	reason   string
}

// PaperGateway is a deterministic in-process broker. An accepted order
// fills over FillSteps status polls at the quote current at each poll.
type PaperGateway struct {
	mu        sync.Mutex
	cfg       PaperConfig
	cash      decimal.Decimal
	positions map[string]entity.BrokerPosition
	orders    map[string]*paperOrder
	quotes    map[string]decimal.Decimal
	rejected  map[string]struct{}
	failNext  int
	seq       int
	now       func() time.Time
}

func NewPaperGateway(cfg PaperConfig) *PaperGateway {
	if cfg.FillSteps <= 0 {
		cfg.FillSteps = defaultFillSteps
	}

	g := &PaperGateway{
		cfg:       cfg,
		cash:      cfg.StartingCash,
		positions: make(map[string]entity.BrokerPosition),
		orders:    make(map[string]*paperOrder),
		quotes:    make(map[string]decimal.Decimal),
		rejected:  make(map[string]struct{}),
		now:       time.Now,
	}
	for symbol, price := range cfg.Quotes {
		g.quotes[normalize(symbol)] = price
	}
	for _, symbol := range cfg.RejectedSymbols {
		g.rejected[normalize(symbol)] = struct{}{}
	}

	return g
}

// FailNextSubmits makes the next n SubmitOrder calls fail with a transport error.
func (g *PaperGateway) FailNextSubmits(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failNext = n
}

func (g *PaperGateway) SetQuote(symbol string, price decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quotes[normalize(symbol)] = price
}

// SetPosition overrides a holding, simulating activity outside this process.
func (g *PaperGateway) SetPosition(symbol string, quantity, averagePrice decimal.Decimal) {
	g.mu.Lock()
	defer g.mu.Unlock()

	symbol = normalize(symbol)
	if quantity.IsZero() {
		delete(g.positions, symbol)
		return
	}
	g.positions[symbol] = entity.BrokerPosition{Symbol: symbol, Quantity: quantity, AverageEntryPrice: averagePrice}
}

func (g *PaperGateway) SubmitOrder(ctx context.Context, spec entity.BrokerOrderSpec) (string, error) {
	if err := g.wait(ctx); err != nil {
		return "", entity.TransportError("submit order", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if g.failNext > 0 {
		g.failNext--
		return "", entity.TransportError("submit order", fmt.Errorf("simulated connection failure"))
	}

	symbol := normalize(spec.Symbol)
	if _, blocked := g.rejected[symbol]; blocked {
		return "", entity.NewGatewayRejection("asset_not_tradable", fmt.Sprintf("%s is not tradable", symbol))
	}
	if !spec.Quantity.IsPositive() {
		return "", entity.NewGatewayRejection("invalid_qty", "quantity must be positive")
	}

	price, ok := g.quotes[symbol]
	if !ok || !price.IsPositive() {
		return "", entity.NewGatewayRejection("no_quote", fmt.Sprintf("no market price for %s", symbol))
	}

	switch spec.Side {
	case entity.OrderSideBuy:
		required := spec.Quantity.Mul(g.executionPrice(spec, price))
		if required.GreaterThan(g.cash.Sub(g.reservedCash())) {
			return "", entity.NewGatewayRejection("insufficient_buying_power",
				fmt.Sprintf("insufficient buying power: need %s", required.StringFixed(2)))
		}
	case entity.OrderSideSell:
		held := g.positions[symbol].Quantity.Sub(g.reservedQuantity(symbol))
		if spec.Quantity.GreaterThan(held) {
			return "", entity.NewGatewayRejection("insufficient_qty",
				fmt.Sprintf("insufficient quantity: hold %s, selling %s", held.String(), spec.Quantity.String()))
		}
	default:
		return "", entity.NewGatewayRejection("invalid_side", fmt.Sprintf("unsupported side %s", spec.Side))
	}

	g.seq++
	id := fmt.Sprintf("paper-%06d", g.seq)
	spec.Symbol = symbol
	g.orders[id] = &paperOrder{
		id:     id,
		spec:   spec,
		status: entity.OrderStatusSubmitted,
	}

	return id, nil
}

func (g *PaperGateway) GetOrderStatus(ctx context.Context, brokerOrderID string) (entity.BrokerOrderStatus, error) {
	if err := g.wait(ctx); err != nil {
		return entity.BrokerOrderStatus{}, entity.TransportError("get order status", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[brokerOrderID]
	if !ok {
		return entity.BrokerOrderStatus{}, entity.NewGatewayRejection("not_found", fmt.Sprintf("order %s not found", brokerOrderID))
	}

	if !order.status.IsTerminal() {
		g.advance(order)
	}

	return order.report(), nil
}

func (g *PaperGateway) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	if err := g.wait(ctx); err != nil {
		return false, entity.TransportError("cancel order", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	order, ok := g.orders[brokerOrderID]
	if !ok {
		return false, entity.NewGatewayRejection("not_found", fmt.Sprintf("order %s not found", brokerOrderID))
	}
	if order.status.IsTerminal() {
		return false, nil
	}

	order.status = entity.OrderStatusCancelled
	order.reason = "cancel requested"
	return true, nil
}

func (g *PaperGateway) ListPositions(ctx context.Context) ([]entity.BrokerPosition, error) {
	if err := g.wait(ctx); err != nil {
		return nil, entity.TransportError("list positions", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	positions := make([]entity.BrokerPosition, 0, len(g.positions))
	for _, p := range g.positions {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Symbol < positions[j].Symbol
	})

	return positions, nil
}

func (g *PaperGateway) GetAccount(ctx context.Context) (entity.Account, error) {
	if err := g.wait(ctx); err != nil {
		return entity.Account{}, entity.TransportError("get account", err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	equity := g.cash
	for symbol, p := range g.positions {
		price, ok := g.quotes[symbol]
		if !ok {
			price = p.AverageEntryPrice
		}
		equity = equity.Add(p.Quantity.Mul(price))
	}

	return entity.Account{
		Equity:      equity,
		BuyingPower: g.cash.Sub(g.reservedCash()),
		Cash:        g.cash,
		UpdatedAt:   g.now().UTC(),
	}, nil
}

func (g *PaperGateway) GetQuote(ctx context.Context, symbol string) (entity.Quote, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	symbol = normalize(symbol)
	price, ok := g.quotes[symbol]
	if !ok {
		return entity.Quote{}, fmt.Errorf("%w: %s", entity.ErrQuoteUnavailable, symbol)
	}

	return entity.Quote{Symbol: symbol, Price: price, Timestamp: g.now().UTC()}, nil
}

// advance fills the next step of order if its price condition holds. Caller holds mu.
func (g *PaperGateway) advance(order *paperOrder) {
	quote, ok := g.quotes[order.spec.Symbol]
	if !ok || !triggered(order.spec, quote) {
		return
	}

	price := g.executionPrice(order.spec, quote)
	step := order.spec.Quantity.Div(decimal.NewFromInt(int64(g.cfg.FillSteps))).Round(8)
	remaining := order.spec.Quantity.Sub(order.filled)
	if step.GreaterThanOrEqual(remaining) || !step.IsPositive() {
		step = remaining
	}

	notional := step.Mul(price)
	fee := notional.Mul(g.cfg.FeeRate)

	if order.spec.Side == entity.OrderSideBuy && notional.Add(fee).GreaterThan(g.cash) {
		order.status = entity.OrderStatusCancelled
		order.reason = "insufficient cash at fill time"
		return
	}

	order.avgPrice = order.avgPrice.Mul(order.filled).Add(notional).Div(order.filled.Add(step))
	order.filled = order.filled.Add(step)
	order.fees = order.fees.Add(fee)
	g.book(order.spec.Symbol, order.spec.Side, step, price, fee)

	if order.filled.GreaterThanOrEqual(order.spec.Quantity) {
		order.status = entity.OrderStatusFilled
		return
	}
	order.status = entity.OrderStatusPartiallyFilled
}

func (g *PaperGateway) book(symbol string, side entity.OrderSide, quantity, price, fee decimal.Decimal) {
	p := g.positions[symbol]
	p.Symbol = symbol

	switch side {
	case entity.OrderSideBuy:
		total := p.Quantity.Add(quantity)
		p.AverageEntryPrice = p.Quantity.Mul(p.AverageEntryPrice).Add(quantity.Mul(price)).Div(total)
		p.Quantity = total
		g.cash = g.cash.Sub(quantity.Mul(price)).Sub(fee)
	case entity.OrderSideSell:
		p.Quantity = p.Quantity.Sub(quantity)
		g.cash = g.cash.Add(quantity.Mul(price)).Sub(fee)
	}

	if p.Quantity.IsZero() {
		delete(g.positions, symbol)
		return
	}
	g.positions[symbol] = p
}

func (g *PaperGateway) executionPrice(spec entity.BrokerOrderSpec, quote decimal.Decimal) decimal.Decimal {
	if spec.LimitPrice.Valid && (spec.Type == entity.OrderTypeLimit || spec.Type == entity.OrderTypeStopLimit) {
		return spec.LimitPrice.Decimal
	}
	return quote
}

func (g *PaperGateway) reservedCash() decimal.Decimal {
	reserved := decimal.Zero
	for _, order := range g.orders {
		if order.status.IsTerminal() || order.spec.Side != entity.OrderSideBuy {
			continue
		}
		price := order.spec.LimitPrice.Decimal
		if !order.spec.LimitPrice.Valid {
			price = g.quotes[order.spec.Symbol]
		}
		reserved = reserved.Add(order.spec.Quantity.Sub(order.filled).Mul(price))
	}
	return reserved
}

func (g *PaperGateway) reservedQuantity(symbol string) decimal.Decimal {
	reserved := decimal.Zero
	for _, order := range g.orders {
		if order.status.IsTerminal() || order.spec.Side != entity.OrderSideSell || order.spec.Symbol != symbol {
			continue
		}
		reserved = reserved.Add(order.spec.Quantity.Sub(order.filled))
	}
	return reserved
}

func (g *PaperGateway) wait(ctx context.Context) error {
	if g.cfg.Latency <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(g.cfg.Latency)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (o *paperOrder) report() entity.BrokerOrderStatus {
	return entity.BrokerOrderStatus{
		BrokerOrderID:    o.id,
		Status:           o.status,
		FilledQuantity:   o.filled,
		AverageFillPrice: o.avgPrice,
		Fees:             o.fees,
		Reason:           o.reason,
	}
}

// triggered reports whether a limit or stop condition allows a fill at quote.
func triggered(spec entity.BrokerOrderSpec, quote decimal.Decimal) bool {
	buy := spec.Side == entity.OrderSideBuy

	if spec.StopPrice.Valid && (spec.Type == entity.OrderTypeStop || spec.Type == entity.OrderTypeStopLimit) {
		if buy && quote.LessThan(spec.StopPrice.Decimal) {
			return false
		}
		if !buy && quote.GreaterThan(spec.StopPrice.Decimal) {
			return false
		}
	}

	if spec.LimitPrice.Valid && (spec.Type == entity.OrderTypeLimit || spec.Type == entity.OrderTypeStopLimit) {
		if buy && quote.GreaterThan(spec.LimitPrice.Decimal) {
			return false
		}
		if !buy && quote.LessThan(spec.LimitPrice.Decimal) {
			return false
		}
	}

	return true
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
