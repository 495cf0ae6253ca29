package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/krobus00/halal-trading-service/internal/service/broker"
	"github.com/krobus00/halal-trading-service/internal/service/orderlifecycle"
	"github.com/krobus00/halal-trading-service/internal/service/position"
	"github.com/krobus00/halal-trading-service/internal/service/risk"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type gateFunc func(symbol string) entity.ComplianceVerdict

func (f gateFunc) Evaluate(_ context.Context, symbol string) entity.ComplianceVerdict {
	return f(symbol)
}

func approveAll(symbol string) entity.ComplianceVerdict {
	return entity.ComplianceVerdict{AssetID: symbol, Verdict: entity.VerdictApproved, Score: 90}
}

type memoryOrders struct {
	mu     sync.Mutex
	orders map[string]entity.Order
}

func (m *memoryOrders) Upsert(_ context.Context, order entity.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = order
	return nil
}

func (m *memoryOrders) AppendEvent(context.Context, entity.OrderEvent) error {
	return nil
}

func (m *memoryOrders) GetByID(_ context.Context, id string) (*entity.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	return &order, nil
}

type sentimentStub struct {
	score entity.SentimentScore
	ok    bool
}

func (s sentimentStub) GetSentiment(context.Context, string) (entity.SentimentScore, bool, error) {
	return s.score, s.ok, nil
}

type fixture struct {
	gateway      *broker.PaperGateway
	book         *position.Book
	manager      *orderlifecycle.Manager
	orchestrator *Orchestrator
}

type fixtureOptions struct {
	gate          ComplianceGate
	lifecycle     orderlifecycle.Config
	cfg           Config
	opts          []Option
	startingCash  string
	rejectSymbols []string
}

func newFixture(t *testing.T, o fixtureOptions) *fixture {
	t.Helper()

	if o.gate == nil {
		o.gate = gateFunc(approveAll)
	}
	if o.startingCash == "" {
		o.startingCash = "100000"
	}
	if o.lifecycle.PollInterval == 0 {
		o.lifecycle.PollInterval = 5 * time.Millisecond
	}
	if o.lifecycle.MonitorWindow == 0 {
		o.lifecycle.MonitorWindow = 2 * time.Second
	}
	if o.cfg.Limits.MaxPositions == 0 {
		o.cfg.Limits = entity.RiskLimits{
			MaxPortfolioRiskFraction: d("0.5"),
			MaxPositionRiskFraction:  d("0.01"),
			MaxPositionPct:           d("0.1"),
			MaxPositions:             5,
		}
	}

	gateway := broker.NewPaperGateway(broker.PaperConfig{
		StartingCash:    d(o.startingCash),
		FillSteps:       1,
		Quotes:          map[string]decimal.Decimal{"AAPL": d("50"), "BRK": d("2000000")},
		RejectedSymbols: o.rejectSymbols,
	})
	book := position.NewBook(nil)
	manager := orderlifecycle.NewManager(context.Background(), gateway, &memoryOrders{orders: map[string]entity.Order{}}, nil, book, o.lifecycle,
		orderlifecycle.WithSleep(func(ctx context.Context, _ time.Duration) error { return ctx.Err() }))

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = manager.Shutdown(ctx)
	})

	return &fixture{
		gateway:      gateway,
		book:         book,
		manager:      manager,
		orchestrator: New(o.gate, risk.NewSizer(nil, d("1")), manager, book, gateway, gateway, o.cfg, o.opts...),
	}
}

func buySignal(symbol string) entity.Signal {
	return entity.Signal{StrategyName: "momentum", Symbol: symbol, Side: entity.OrderSideBuy}
}

func TestOnSignal_FilledBuy(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	outcome, err := f.orchestrator.OnSignal(context.Background(), buySignal("aapl"))
	require.NoError(t, err)

	assert.Equal(t, entity.OutcomeFilled, outcome.Kind)
	assert.Empty(t, outcome.Reason)
	require.NotNil(t, outcome.Order)
	assert.True(t, outcome.Order.FilledQuantity.Equal(d("20")))
	require.NotNil(t, outcome.Sizing)
	assert.True(t, outcome.Sizing.Notional.Equal(d("1000")))

	held, ok := f.book.Get("AAPL")
	require.True(t, ok)
	assert.True(t, held.Quantity.Equal(d("20")))
}

func TestOnSignal_SuggestedQuantityIsAnUpperBound(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	signal := buySignal("AAPL")
	signal.SuggestedQuantity = d("7")
	outcome, err := f.orchestrator.OnSignal(context.Background(), signal)
	require.NoError(t, err)

	assert.Equal(t, entity.OutcomeFilled, outcome.Kind)
	assert.True(t, outcome.Order.FilledQuantity.Equal(d("7")))
}

func TestOnSignal_ComplianceGate(t *testing.T) {
	gate := gateFunc(func(symbol string) entity.ComplianceVerdict {
		return entity.ComplianceVerdict{
			AssetID: symbol,
			Verdict: entity.VerdictRejected,
			Reasons: []string{"interest income ratio 0.08 exceeds threshold 0.05"},
		}
	})
	f := newFixture(t, fixtureOptions{gate: gate})

	outcome, err := f.orchestrator.OnSignal(context.Background(), buySignal("AAPL"))
	require.NoError(t, err)

	assert.Equal(t, entity.OutcomeSkipped, outcome.Kind)
	assert.Contains(t, outcome.Reason, "interest income")
	require.NotNil(t, outcome.Verdict)
	assert.Empty(t, f.manager.OpenOrders())

	positions, err := f.gateway.ListPositions(context.Background())
	require.NoError(t, err)
	assert.Empty(t, positions)
}

func TestOnSignal_NeedsReviewIsNotApproved(t *testing.T) {
	gate := gateFunc(func(symbol string) entity.ComplianceVerdict {
		return entity.ComplianceVerdict{AssetID: symbol, Verdict: entity.VerdictNeedsReview, Reasons: []string{"insufficient data"}}
	})
	f := newFixture(t, fixtureOptions{gate: gate})

	outcome, err := f.orchestrator.OnSignal(context.Background(), buySignal("AAPL"))
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeSkipped, outcome.Kind)
	assert.Contains(t, outcome.Reason, "insufficient data")
}

func TestOnSignal_SizingRejected(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	outcome, err := f.orchestrator.OnSignal(context.Background(), buySignal("BRK"))
	require.NoError(t, err)

	assert.Equal(t, entity.OutcomeSkipped, outcome.Kind)
	assert.NotEmpty(t, outcome.Reason)
	require.NotNil(t, outcome.Sizing)
	assert.True(t, outcome.Sizing.Rejected)
}

func TestOnSignal_GatewayRejection(t *testing.T) {
	f := newFixture(t, fixtureOptions{rejectSymbols: []string{"AAPL"}})

	outcome, err := f.orchestrator.OnSignal(context.Background(), buySignal("AAPL"))
	require.NoError(t, err)

	assert.Equal(t, entity.OutcomeRejected, outcome.Kind)
	assert.Contains(t, outcome.Reason, "not tradable")
	assert.Zero(t, outcome.Order.RetryCount)
}

func TestOnSignal_TransportFailuresExhaustRetries(t *testing.T) {
	f := newFixture(t, fixtureOptions{lifecycle: orderlifecycle.Config{MaxRetries: 2}})
	f.gateway.FailNextSubmits(10)

	outcome, err := f.orchestrator.OnSignal(context.Background(), buySignal("AAPL"))
	require.NoError(t, err)

	assert.Equal(t, entity.OutcomeFailed, outcome.Kind)
	assert.Contains(t, outcome.Reason, "retry budget exhausted")
	assert.Equal(t, 2, outcome.Order.RetryCount)
}

func TestOnSignal_TransientTransportFailureRecovers(t *testing.T) {
	f := newFixture(t, fixtureOptions{lifecycle: orderlifecycle.Config{MaxRetries: 3}})
	f.gateway.FailNextSubmits(2)

	outcome, err := f.orchestrator.OnSignal(context.Background(), buySignal("AAPL"))
	require.NoError(t, err)

	assert.Equal(t, entity.OutcomeFilled, outcome.Kind)
	assert.Equal(t, 2, outcome.Order.RetryCount)
}

func limitBuy(symbol, limit string) entity.Signal {
	signal := buySignal(symbol)
	signal.OrderType = entity.OrderTypeLimit
	signal.LimitPrice = decimal.NewNullDecimal(d(limit))
	return signal
}

func TestOnSignal_TimeoutLeavesOrderRunning(t *testing.T) {
	f := newFixture(t, fixtureOptions{lifecycle: orderlifecycle.Config{MonitorWindow: 30 * time.Millisecond}})

	outcome, err := f.orchestrator.OnSignal(context.Background(), limitBuy("AAPL", "40"))
	require.NoError(t, err)

	assert.Equal(t, entity.OutcomeTimedOut, outcome.Kind)
	assert.Contains(t, outcome.Reason, entity.ErrTimeoutExceeded.Error())
	require.Len(t, f.manager.OpenOrders(), 1)
	assert.Equal(t, outcome.OrderID, f.manager.OpenOrders()[0].ID)
}

func TestOnSignal_TimeoutAutoCancels(t *testing.T) {
	f := newFixture(t, fixtureOptions{
		lifecycle: orderlifecycle.Config{MonitorWindow: 30 * time.Millisecond},
		cfg:       Config{AutoCancelOnTimeout: true},
	})

	outcome, err := f.orchestrator.OnSignal(context.Background(), limitBuy("AAPL", "40"))
	require.NoError(t, err)

	assert.Equal(t, entity.OutcomeCancelled, outcome.Kind)
	assert.NotEmpty(t, outcome.Reason)
	assert.Empty(t, f.manager.OpenOrders())
}

func TestOnSignal_SellBoundedByHoldings(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	sell := entity.Signal{StrategyName: "momentum", Symbol: "AAPL", Side: entity.OrderSideSell}
	outcome, err := f.orchestrator.OnSignal(ctx, sell)
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeSkipped, outcome.Kind)
	assert.Contains(t, outcome.Reason, "no long position")

	outcome, err = f.orchestrator.OnSignal(ctx, buySignal("AAPL"))
	require.NoError(t, err)
	require.Equal(t, entity.OutcomeFilled, outcome.Kind)

	sell.SuggestedQuantity = d("500")
	outcome, err = f.orchestrator.OnSignal(ctx, sell)
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeFilled, outcome.Kind)
	assert.True(t, outcome.Order.FilledQuantity.Equal(d("20")))

	held, ok := f.book.Get("AAPL")
	require.True(t, ok)
	assert.True(t, held.Quantity.IsZero())
}

func TestOnSignal_DuplicateRequestID(t *testing.T) {
	f := newFixture(t, fixtureOptions{})
	ctx := context.Background()

	signal := buySignal("AAPL")
	signal.RequestID = "req-1"

	first, err := f.orchestrator.OnSignal(ctx, signal)
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeFilled, first.Kind)

	second, err := f.orchestrator.OnSignal(ctx, signal)
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeSkipped, second.Kind)
	assert.Contains(t, second.Reason, "duplicate")
}

func TestOnSignal_SentimentGate(t *testing.T) {
	negative := sentimentStub{score: entity.SentimentScore{Score: -0.6}, ok: true}
	f := newFixture(t, fixtureOptions{
		cfg:  Config{SentimentGate: true, MinSentiment: -0.2},
		opts: []Option{WithSentiment(negative)},
	})

	outcome, err := f.orchestrator.OnSignal(context.Background(), buySignal("AAPL"))
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeSkipped, outcome.Kind)
	assert.Contains(t, outcome.Reason, "sentiment")

	absent := newFixture(t, fixtureOptions{
		cfg:  Config{SentimentGate: true, MinSentiment: -0.2},
		opts: []Option{WithSentiment(sentimentStub{})},
	})
	outcome, err = absent.orchestrator.OnSignal(context.Background(), buySignal("AAPL"))
	require.NoError(t, err)
	assert.Equal(t, entity.OutcomeFilled, outcome.Kind)
}

func TestOnSignal_InvalidSignal(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	outcome, err := f.orchestrator.OnSignal(context.Background(), entity.Signal{Symbol: "AAPL", Side: entity.OrderSideBuy})
	assert.ErrorIs(t, err, entity.ErrInvalidSignal)
	assert.Equal(t, entity.OutcomeSkipped, outcome.Kind)
}

func TestOnSignal_QuoteUnavailableIsRetryable(t *testing.T) {
	f := newFixture(t, fixtureOptions{})

	outcome, err := f.orchestrator.OnSignal(context.Background(), buySignal("MSFT"))
	assert.ErrorIs(t, err, entity.ErrQuoteUnavailable)
	assert.Equal(t, entity.OutcomeSkipped, outcome.Kind)
	assert.NotEmpty(t, outcome.Reason)
}

func TestOnSignal_SameSymbolIsSerialised(t *testing.T) {
	f := newFixture(t, fixtureOptions{
		cfg: Config{Limits: entity.RiskLimits{
			MaxPortfolioRiskFraction: d("0.5"),
			MaxPositionRiskFraction:  d("0.01"),
			MaxPositionPct:           d("0.01"),
			MaxPositions:             5,
		}},
	})

	var wg sync.WaitGroup
	outcomes := make([]entity.OrderOutcome, 2)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i], _ = f.orchestrator.OnSignal(context.Background(), buySignal("AAPL"))
		}(i)
	}
	wg.Wait()

	kinds := map[entity.OutcomeKind]int{}
	for _, outcome := range outcomes {
		kinds[outcome.Kind]++
	}
	assert.Equal(t, map[entity.OutcomeKind]int{entity.OutcomeFilled: 1, entity.OutcomeSkipped: 1}, kinds)

	held, ok := f.book.Get("AAPL")
	require.True(t, ok)
	assert.True(t, held.Quantity.Equal(d("20")))
}
