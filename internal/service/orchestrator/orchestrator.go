package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/krobus00/halal-trading-service/internal/service/lock"
	"github.com/krobus00/halal-trading-service/internal/service/orderlifecycle"
	"github.com/krobus00/halal-trading-service/internal/service/risk"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const defaultCallTimeout = 10 * time.Second

// signalNamespace derives stable order ids from signal request ids.
var signalNamespace = uuid.MustParse("6f0c2f7e-4f51-4b8e-9a0f-2d7c1b3c5a10")

type ComplianceGate interface {
	Evaluate(ctx context.Context, symbol string) entity.ComplianceVerdict
}

type OrderExecutor interface {
	Submit(ctx context.Context, order entity.Order) (orderlifecycle.OrderHandle, error)
	Monitor(ctx context.Context, handle orderlifecycle.OrderHandle) (<-chan entity.OrderUpdate, error)
	Cancel(ctx context.Context, handle orderlifecycle.OrderHandle) error
	Get(ctx context.Context, handle orderlifecycle.OrderHandle) (entity.Order, error)
	OpenOrders() []entity.Order
}

type PositionView interface {
	Get(symbol string) (entity.Position, bool)
	Exposure() entity.Exposure
}

type Config struct {
	Limits              entity.RiskLimits
	OrderType           entity.OrderType
	TimeInForce         entity.TimeInForce
	CallTimeout         time.Duration
	AutoCancelOnTimeout bool
	SentimentGate       bool
	MinSentiment        float64
}

type Option func(*Orchestrator)

func WithSentiment(source entity.SentimentSource) Option {
	return func(o *Orchestrator) {
		if source != nil {
			o.sentiment = source
		}
	}
}

func WithLocker(locker lock.SymbolLocker) Option {
	return func(o *Orchestrator) {
		if locker != nil {
			o.locker = locker
		}
	}
}

// Orchestrator composes the compliance gate, the risk sizer and the order
// lifecycle manager. It is the only path that creates orders.
type Orchestrator struct {
	compliance ComplianceGate
	sizer      *risk.Sizer
	executor   OrderExecutor
	positions  PositionView
	gateway    entity.BrokerGateway
	prices     entity.PriceFeed
	sentiment  entity.SentimentSource
	locker     lock.SymbolLocker
	cfg        Config
}

func New(compliance ComplianceGate, sizer *risk.Sizer, executor OrderExecutor, positions PositionView, gateway entity.BrokerGateway, prices entity.PriceFeed, cfg Config, opts ...Option) *Orchestrator {
	if cfg.OrderType == "" {
		cfg.OrderType = entity.OrderTypeMarket
	}
	if cfg.TimeInForce == "" {
		cfg.TimeInForce = entity.TimeInForceDay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}

	o := &Orchestrator{
		compliance: compliance,
		sizer:      sizer,
		executor:   executor,
		positions:  positions,
		gateway:    gateway,
		prices:     prices,
		sentiment:  entity.NoopSentimentSource{},
		locker:     lock.NewLocalSymbolLocker(),
		cfg:        cfg,
	}
	for _, opt := range opts {
		opt(o)
	}

	return o
}

// OnSignal screens, sizes, submits and follows one signal to its outcome.
// A non-nil error means the signal could not be handled because of an
// infrastructure failure and may be retried; the outcome still explains it.
func (o *Orchestrator) OnSignal(ctx context.Context, signal entity.Signal) (entity.OrderOutcome, error) {
	if err := signal.Validate(); err != nil {
		return entity.Skipped(err.Error()), fmt.Errorf("%w: %w", entity.ErrInvalidSignal, err)
	}

	signal.Symbol = strings.ToUpper(strings.TrimSpace(signal.Symbol))
	logger := logrus.WithFields(logrus.Fields{
		"requestID": signal.RequestID,
		"strategy":  signal.StrategyName,
		"symbol":    signal.Symbol,
		"side":      signal.Side,
	})

	orderID := uuid.NewString()
	if signal.RequestID != "" {
		orderID = uuid.NewSHA1(signalNamespace, []byte(signal.RequestID)).String()
		if _, err := o.executor.Get(ctx, orderlifecycle.OrderHandle{OrderID: orderID}); err == nil {
			logger.Warn("duplicate signal ignored")
			return entity.Skipped(fmt.Sprintf("duplicate signal %s", signal.RequestID)), nil
		}
	}

	verdict := o.compliance.Evaluate(ctx, signal.Symbol)
	if !verdict.IsApproved() {
		reason := fmt.Sprintf("compliance verdict %s: %s", verdict.Verdict, strings.Join(verdict.Reasons, "; "))
		logger.WithField("verdict", verdict.Verdict).Info("signal skipped by compliance gate")
		outcome := entity.Skipped(reason)
		outcome.Verdict = &verdict
		return outcome, nil
	}

	if reason, skip := o.sentimentGate(ctx, signal); skip {
		logger.Info(reason)
		outcome := entity.Skipped(reason)
		outcome.Verdict = &verdict
		return outcome, nil
	}

	unlock, err := o.locker.Lock(ctx, signal.Symbol)
	if err != nil {
		logger.WithError(err).Warn("failed to acquire symbol lock")
		return entity.Skipped(err.Error()), err
	}
	defer unlock()

	order, sizing, skipReason, err := o.prepare(ctx, signal, orderID)
	if err != nil {
		logger.WithError(err).Error("failed to prepare order")
		outcome := entity.Skipped(err.Error())
		outcome.Verdict = &verdict
		return outcome, err
	}
	if skipReason != "" {
		logger.WithError(fmt.Errorf("%w: %s", entity.ErrSizingRejected, skipReason)).Info("signal skipped by risk sizer")
		outcome := entity.Skipped(skipReason)
		outcome.Verdict = &verdict
		outcome.Sizing = &sizing
		return outcome, nil
	}

	handle, err := o.executor.Submit(ctx, order)
	unlock()

	if errors.Is(err, entity.ErrDuplicateOrder) {
		return entity.Skipped(fmt.Sprintf("duplicate signal %s", signal.RequestID)), nil
	}
	if err != nil && handle.OrderID == "" {
		outcome := entity.OrderOutcome{Kind: entity.OutcomeFailed, Reason: err.Error(), Verdict: &verdict, Sizing: &sizing}
		return outcome, nil
	}

	logger = logger.WithFields(logrus.Fields{
		"orderID":  handle.OrderID,
		"quantity": order.RequestedQuantity.String(),
	})

	var final entity.Order
	if err != nil {
		final, _ = o.executor.Get(ctx, handle)
	} else {
		final = o.await(ctx, handle, logger)
	}

	outcome := outcomeFor(final)
	outcome.Verdict = &verdict
	outcome.Sizing = &sizing
	if outcome.Kind == entity.OutcomeFailed && outcome.Reason == "" && err != nil {
		outcome.Reason = err.Error()
	}

	logger.WithFields(logrus.Fields{
		"outcome": outcome.Kind,
		"reason":  outcome.Reason,
	}).Info("signal handled")

	return outcome, nil
}

func (o *Orchestrator) sentimentGate(ctx context.Context, signal entity.Signal) (string, bool) {
	if !o.cfg.SentimentGate || signal.Side != entity.OrderSideBuy {
		return "", false
	}

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	defer cancel()

	score, ok, err := o.sentiment.GetSentiment(callCtx, signal.Symbol)
	if err != nil {
		logrus.WithError(err).WithField("symbol", signal.Symbol).Warn("sentiment unavailable, gate skipped")
		return "", false
	}
	if !ok || score.Score >= o.cfg.MinSentiment {
		return "", false
	}

	return fmt.Sprintf("sentiment %.2f below minimum %.2f", score.Score, o.cfg.MinSentiment), true
}

// prepare fetches price and account and sizes the order. It runs inside the
// symbol lock so exposure reflects every earlier order for the symbol.
func (o *Orchestrator) prepare(ctx context.Context, signal entity.Signal, orderID string) (entity.Order, entity.SizingResult, string, error) {
	var (
		quote   entity.Quote
		account entity.Account
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(gctx, o.cfg.CallTimeout)
		defer cancel()

		var err error
		quote, err = o.prices.GetQuote(callCtx, signal.Symbol)
		if err != nil {
			return fmt.Errorf("fetch price: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		callCtx, cancel := context.WithTimeout(gctx, o.cfg.CallTimeout)
		defer cancel()

		var err error
		account, err = o.gateway.GetAccount(callCtx)
		if err != nil {
			return fmt.Errorf("fetch account: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return entity.Order{}, entity.SizingResult{}, "", err
	}

	orderType := o.cfg.OrderType
	if signal.OrderType != "" {
		orderType = signal.OrderType
	}

	price := quote.Price
	if signal.LimitPrice.Valid && signal.LimitPrice.Decimal.IsPositive() {
		price = signal.LimitPrice.Decimal
	}
	if !price.IsPositive() {
		return entity.Order{}, entity.SizingResult{}, fmt.Sprintf("no valid price for %s", signal.Symbol), nil
	}

	var sizing entity.SizingResult
	switch signal.Side {
	case entity.OrderSideBuy:
		result, err := o.sizer.Size(account.Equity, o.exposure(signal.Symbol, price), signal.Symbol, price, o.cfg.Limits)
		if err != nil {
			return entity.Order{}, entity.SizingResult{}, "", err
		}
		sizing = o.sizer.Cap(result, signal.Symbol, signal.SuggestedQuantity, price)
	case entity.OrderSideSell:
		sizing = o.sizer.SizeExit(signal.Symbol, o.sellable(signal.Symbol), signal.SuggestedQuantity)
		sizing.Notional = sizing.Quantity.Mul(price)
	}

	if sizing.Rejected {
		return entity.Order{}, sizing, sizing.Reason, nil
	}

	order := entity.Order{
		ID:                orderID,
		Symbol:            signal.Symbol,
		Side:              signal.Side,
		Type:              orderType,
		TimeInForce:       o.cfg.TimeInForce,
		RequestedQuantity: sizing.Quantity,
		LimitPrice:        signal.LimitPrice,
		StopPrice:         signal.StopPrice,
		StrategyName:      signal.StrategyName,
	}

	return order, sizing, "", nil
}

// exposure is the book's notional plus the unfilled part of open buys.
func (o *Orchestrator) exposure(symbol string, price decimal.Decimal) entity.Exposure {
	exposure := o.positions.Exposure()

	for _, order := range o.executor.OpenOrders() {
		if order.Side != entity.OrderSideBuy {
			continue
		}

		ref := decimal.Zero
		switch {
		case order.LimitPrice.Valid:
			ref = order.LimitPrice.Decimal
		case order.AverageFillPrice.IsPositive():
			ref = order.AverageFillPrice
		case order.Symbol == symbol:
			ref = price
		default:
			if p, ok := o.positions.Get(order.Symbol); ok {
				ref = p.MarketPrice
			}
		}

		exposure[order.Symbol] = exposure[order.Symbol].Add(order.RemainingQuantity().Mul(ref))
	}

	return exposure
}

// sellable is the held quantity not already committed to open sells.
func (o *Orchestrator) sellable(symbol string) decimal.Decimal {
	p, ok := o.positions.Get(symbol)
	if !ok {
		return decimal.Zero
	}

	held := p.Quantity
	for _, order := range o.executor.OpenOrders() {
		if order.Side == entity.OrderSideSell && order.Symbol == symbol {
			held = held.Sub(order.RemainingQuantity())
		}
	}

	return held
}

// await follows the order until it is terminal. On the monitoring timeout
// the order is cancelled when configured, otherwise it is left running.
func (o *Orchestrator) await(ctx context.Context, handle orderlifecycle.OrderHandle, logger *logrus.Entry) entity.Order {
	updates, err := o.executor.Monitor(ctx, handle)
	if err != nil {
		logger.WithError(err).Warn("failed to monitor order")
		order, _ := o.executor.Get(ctx, handle)
		return order
	}

	var cancelErr error
	for update := range updates {
		if update.IsTerminal() {
			break
		}
		if update.Kind != entity.OrderEventTimeout {
			continue
		}

		if !o.cfg.AutoCancelOnTimeout {
			order, _ := o.executor.Get(ctx, handle)
			order.Reason.SetValid(fmt.Sprintf("%s: %s", entity.ErrTimeoutExceeded.Error(), update.Reason))
			return order
		}

		logger.Warn("order monitoring window exceeded, cancelling")
		if cancelErr = o.executor.Cancel(ctx, handle); cancelErr != nil {
			logger.WithError(cancelErr).Warn("timeout cancel not confirmed")
			break
		}
	}

	order, err := o.executor.Get(context.WithoutCancel(ctx), handle)
	if err != nil {
		logger.WithError(err).Warn("failed to load order")
	}
	if !order.IsTerminal() {
		reason := "stopped waiting for order"
		switch {
		case cancelErr != nil:
			reason = fmt.Sprintf("%s: cancel not confirmed: %v", entity.ErrTimeoutExceeded.Error(), cancelErr)
		case ctx.Err() != nil:
			reason = fmt.Sprintf("stopped waiting for order: %v", ctx.Err())
		}
		order.Reason.SetValid(reason)
	}

	return order
}

func outcomeFor(order entity.Order) entity.OrderOutcome {
	outcome := entity.OrderOutcome{
		OrderID: order.ID,
		Reason:  order.Reason.ValueOrZero(),
		Order:   &order,
	}

	switch order.Status {
	case entity.OrderStatusFilled:
		outcome.Kind = entity.OutcomeFilled
		outcome.Reason = ""
	case entity.OrderStatusCancelled:
		outcome.Kind = entity.OutcomeCancelled
		if order.FilledQuantity.IsPositive() {
			outcome.Kind = entity.OutcomePartiallyFilled
			outcome.Reason = fmt.Sprintf("filled %s of %s before cancel: %s",
				order.FilledQuantity.String(), order.RequestedQuantity.String(), order.Reason.ValueOrZero())
		}
	case entity.OrderStatusRejected:
		outcome.Kind = entity.OutcomeRejected
	case entity.OrderStatusFailed:
		outcome.Kind = entity.OutcomeFailed
	default:
		outcome.Kind = entity.OutcomeTimedOut
	}

	if outcome.Kind != entity.OutcomeFilled && outcome.Reason == "" {
		outcome.Reason = fmt.Sprintf("order ended %s", strings.ToLower(string(order.Status)))
	}

	return outcome
}
