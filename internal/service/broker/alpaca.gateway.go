package broker

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/shopspring/decimal"
)

const (
	defaultAlpacaBaseURL = "https://paper-api.alpaca.markets"
	defaultAlpacaDataURL = "https://data.alpaca.markets"
	defaultAlpacaTimeout = 10 * time.Second
)

type AlpacaConfig struct {
	BaseURL   string
	DataURL   string
	APIKey    string
	APISecret string
	Timeout   time.Duration
}

type alpacaOrderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	StopPrice     string `json:"stop_price,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type alpacaOrder struct {
	ID             string              `json:"id"`
	ClientOrderID  string              `json:"client_order_id"`
	Status         string              `json:"status"`
	Qty            decimal.Decimal     `json:"qty"`
	FilledQty      decimal.Decimal     `json:"filled_qty"`
	FilledAvgPrice decimal.NullDecimal `json:"filled_avg_price"`
}

type alpacaPosition struct {
	Symbol        string          `json:"symbol"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	Side          string          `json:"side"`
}

type alpacaAccount struct {
	Equity      decimal.Decimal `json:"equity"`
	BuyingPower decimal.Decimal `json:"buying_power"`
	Cash        decimal.Decimal `json:"cash"`
}

type alpacaLatestTrade struct {
	Symbol string `json:"symbol"`
	Trade  struct {
		Price     decimal.Decimal `json:"p"`
		Timestamp time.Time       `json:"t"`
	} `json:"trade"`
}

type alpacaError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// AlpacaGateway talks to the Alpaca trading and market data REST APIs.
// Retries are left to the order lifecycle manager, so the client never retries.
type AlpacaGateway struct {
	trading *resty.Client
	data    *resty.Client
}

func NewAlpacaGateway(cfg AlpacaConfig) *AlpacaGateway {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultAlpacaBaseURL
	}
	if strings.TrimSpace(cfg.DataURL) == "" {
		cfg.DataURL = defaultAlpacaDataURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultAlpacaTimeout
	}

	newClient := func(baseURL string) *resty.Client {
		return resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(cfg.Timeout).
			SetRetryCount(0).
			SetHeader("Accept", "application/json").
			SetHeader("APCA-API-KEY-ID", cfg.APIKey).
			SetHeader("APCA-API-SECRET-KEY", cfg.APISecret)
	}

	return &AlpacaGateway{
		trading: newClient(cfg.BaseURL),
		data:    newClient(cfg.DataURL),
	}
}

func (g *AlpacaGateway) SubmitOrder(ctx context.Context, spec entity.BrokerOrderSpec) (string, error) {
	body := alpacaOrderRequest{
		Symbol:        strings.ToUpper(spec.Symbol),
		Qty:           spec.Quantity.String(),
		Side:          strings.ToLower(string(spec.Side)),
		Type:          strings.ToLower(string(spec.Type)),
		TimeInForce:   strings.ToLower(string(spec.TimeInForce)),
		ClientOrderID: spec.ClientOrderID,
	}
	if spec.LimitPrice.Valid {
		body.LimitPrice = spec.LimitPrice.Decimal.String()
	}
	if spec.StopPrice.Valid {
		body.StopPrice = spec.StopPrice.Decimal.String()
	}

	var order alpacaOrder
	if err := g.do(ctx, g.trading.R().SetBody(body), http.MethodPost, "/v2/orders", &order); err != nil {
		return "", err
	}
	if order.ID == "" {
		return "", entity.TransportError("submit order", fmt.Errorf("empty order id in response"))
	}

	return order.ID, nil
}

func (g *AlpacaGateway) GetOrderStatus(ctx context.Context, brokerOrderID string) (entity.BrokerOrderStatus, error) {
	var order alpacaOrder
	if err := g.do(ctx, g.trading.R(), http.MethodGet, "/v2/orders/"+brokerOrderID, &order); err != nil {
		return entity.BrokerOrderStatus{}, err
	}

	status, reason := mapAlpacaStatus(order.Status)

	return entity.BrokerOrderStatus{
		BrokerOrderID:    order.ID,
		Status:           status,
		FilledQuantity:   order.FilledQty,
		AverageFillPrice: order.FilledAvgPrice.Decimal,
		Reason:           reason,
	}, nil
}

// CancelOrder returns false without error when the order is no longer cancelable.
func (g *AlpacaGateway) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	err := g.do(ctx, g.trading.R(), http.MethodDelete, "/v2/orders/"+brokerOrderID, nil)
	if err == nil {
		return true, nil
	}

	if rejection, ok := entity.IsGatewayRejection(err); ok && rejection.Code == fmt.Sprint(http.StatusUnprocessableEntity) {
		return false, nil
	}

	return false, err
}

func (g *AlpacaGateway) ListPositions(ctx context.Context) ([]entity.BrokerPosition, error) {
	var raw []alpacaPosition
	if err := g.do(ctx, g.trading.R(), http.MethodGet, "/v2/positions", &raw); err != nil {
		return nil, err
	}

	positions := make([]entity.BrokerPosition, 0, len(raw))
	for _, p := range raw {
		qty := p.Qty
		if strings.EqualFold(p.Side, "short") && qty.IsPositive() {
			qty = qty.Neg()
		}
		positions = append(positions, entity.BrokerPosition{
			Symbol:            strings.ToUpper(p.Symbol),
			Quantity:          qty,
			AverageEntryPrice: p.AvgEntryPrice,
		})
	}

	return positions, nil
}

func (g *AlpacaGateway) GetAccount(ctx context.Context) (entity.Account, error) {
	var account alpacaAccount
	if err := g.do(ctx, g.trading.R(), http.MethodGet, "/v2/account", &account); err != nil {
		return entity.Account{}, err
	}

	return entity.Account{
		Equity:      account.Equity,
		BuyingPower: account.BuyingPower,
		Cash:        account.Cash,
		UpdatedAt:   time.Now().UTC(),
	}, nil
}

func (g *AlpacaGateway) GetQuote(ctx context.Context, symbol string) (entity.Quote, error) {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))

	var latest alpacaLatestTrade
	err := g.do(ctx, g.data.R(), http.MethodGet, "/v2/stocks/"+symbol+"/trades/latest", &latest)
	if err != nil {
		return entity.Quote{}, fmt.Errorf("%w: %s: %w", entity.ErrQuoteUnavailable, symbol, err)
	}
	if !latest.Trade.Price.IsPositive() {
		return entity.Quote{}, fmt.Errorf("%w: %s: no trade price", entity.ErrQuoteUnavailable, symbol)
	}

	return entity.Quote{
		Symbol:    symbol,
		Price:     latest.Trade.Price,
		Timestamp: latest.Trade.Timestamp,
	}, nil
}

// do classifies failures: network errors, 429 and 5xx are transport errors;
// any other non-2xx response is a rejection carrying the HTTP status as code.
func (g *AlpacaGateway) do(ctx context.Context, req *resty.Request, method, path string, out any) error {
	op := method + " " + path

	resp, err := req.SetContext(ctx).Execute(method, path)
	if err != nil {
		return entity.TransportError(op, err)
	}

	status := resp.StatusCode()
	if status == http.StatusTooManyRequests || status >= http.StatusInternalServerError {
		return entity.TransportError(op, fmt.Errorf("HTTP %d: %s", status, string(resp.Body())))
	}
	if status < 200 || status > 299 {
		var apiErr alpacaError
		message := strings.TrimSpace(string(resp.Body()))
		if json.Unmarshal(resp.Body(), &apiErr) == nil && apiErr.Message != "" {
			message = apiErr.Message
		}
		return entity.NewGatewayRejection(fmt.Sprint(status), message)
	}

	if out == nil || len(resp.Body()) == 0 {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return entity.TransportError(op, fmt.Errorf("decode response: %w", err))
	}

	return nil
}

func mapAlpacaStatus(status string) (entity.OrderStatus, string) {
	switch strings.ToLower(status) {
	case "partially_filled":
		return entity.OrderStatusPartiallyFilled, ""
	case "filled":
		return entity.OrderStatusFilled, ""
	case "canceled", "expired", "done_for_day":
		return entity.OrderStatusCancelled, "broker status " + status
	case "rejected":
		return entity.OrderStatusRejected, "rejected by broker"
	default:
		// new, accepted, pending_new, pending_cancel, replaced, held and similar
		return entity.OrderStatusSubmitted, ""
	}
}
