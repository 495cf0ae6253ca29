package orderlifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

type scriptedGateway struct {
	mu          sync.Mutex
	submitErrs  []error
	submitCalls int
	statuses    []entity.BrokerOrderStatus
	polls       int
	cancelOK    bool
	cancelErr   error
	cancelCalls int
	afterCancel *entity.BrokerOrderStatus
}

func (g *scriptedGateway) SubmitOrder(ctx context.Context, spec entity.BrokerOrderSpec) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.submitCalls++
	if len(g.submitErrs) > 0 {
		err := g.submitErrs[0]
		g.submitErrs = g.submitErrs[1:]
		if err != nil {
			return "", err
		}
	}
	return "broker-" + spec.ClientOrderID, nil
}

func (g *scriptedGateway) GetOrderStatus(ctx context.Context, brokerOrderID string) (entity.BrokerOrderStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancelCalls > 0 && g.afterCancel != nil {
		return *g.afterCancel, nil
	}
	if len(g.statuses) == 0 {
		return entity.BrokerOrderStatus{BrokerOrderID: brokerOrderID, Status: entity.OrderStatusSubmitted}, nil
	}

	idx := g.polls
	if idx >= len(g.statuses) {
		idx = len(g.statuses) - 1
	}
	g.polls++

	status := g.statuses[idx]
	status.BrokerOrderID = brokerOrderID
	return status, nil
}

func (g *scriptedGateway) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.cancelCalls++
	return g.cancelOK, g.cancelErr
}

func (g *scriptedGateway) ListPositions(ctx context.Context) ([]entity.BrokerPosition, error) {
	return nil, nil
}

func (g *scriptedGateway) GetAccount(ctx context.Context) (entity.Account, error) {
	return entity.Account{}, nil
}

func (g *scriptedGateway) calls() (submit, cancel int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.submitCalls, g.cancelCalls
}

type memoryOrderStore struct {
	mu     sync.Mutex
	orders map[string]entity.Order
	events []entity.OrderEvent
}

func newMemoryOrderStore() *memoryOrderStore {
	return &memoryOrderStore{orders: make(map[string]entity.Order)}
}

func (s *memoryOrderStore) Upsert(_ context.Context, order entity.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.orders[order.ID] = order
	return nil
}

func (s *memoryOrderStore) AppendEvent(_ context.Context, event entity.OrderEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *memoryOrderStore) GetByID(_ context.Context, id string) (*entity.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	order, ok := s.orders[id]
	if !ok {
		return nil, nil
	}
	return &order, nil
}

func (s *memoryOrderStore) eventKinds() []entity.OrderEventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]entity.OrderEventKind, 0, len(s.events))
	for _, e := range s.events {
		kinds = append(kinds, e.Kind)
	}
	return kinds
}

type memoryHistory struct {
	mu      sync.Mutex
	records []entity.TradeRecord
}

func (h *memoryHistory) Append(_ context.Context, record entity.TradeRecord) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.records = append(h.records, record)
	return nil
}

func (h *memoryHistory) len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.records)
}

type recordingPositions struct {
	mu    sync.Mutex
	fills []entity.Fill
}

func (p *recordingPositions) ApplyFill(_ context.Context, fill entity.Fill) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.fills = append(p.fills, fill)
	return decimal.Zero, nil
}

func (p *recordingPositions) total() decimal.Decimal {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := decimal.Zero
	for _, f := range p.fills {
		total = total.Add(f.Quantity)
	}
	return total
}

type fixture struct {
	gateway   *scriptedGateway
	store     *memoryOrderStore
	history   *memoryHistory
	positions *recordingPositions
	sleeps    []time.Duration
	manager   *Manager
}

func testConfig() Config {
	return Config{
		MaxRetries:    3,
		BackoffBase:   10 * time.Millisecond,
		BackoffMax:    time.Second,
		PollInterval:  2 * time.Millisecond,
		MonitorWindow: time.Second,
		CallTimeout:   100 * time.Millisecond,
	}
}

func newFixture(t *testing.T, gateway *scriptedGateway, cfg Config, opts ...Option) *fixture {
	t.Helper()

	f := &fixture{
		gateway:   gateway,
		store:     newMemoryOrderStore(),
		history:   &memoryHistory{},
		positions: &recordingPositions{},
	}

	opts = append(opts, WithSleep(func(ctx context.Context, d time.Duration) error {
		f.sleeps = append(f.sleeps, d)
		return ctx.Err()
	}))
	f.manager = NewManager(context.Background(), gateway, f.store, f.history, f.positions, cfg, opts...)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.manager.Shutdown(ctx)
	})

	return f
}

func newOrder(id string) entity.Order {
	return entity.Order{
		ID:                id,
		Symbol:            "aapl",
		Side:              entity.OrderSideBuy,
		Type:              entity.OrderTypeMarket,
		TimeInForce:       entity.TimeInForceDay,
		RequestedQuantity: d("10"),
		StrategyName:      "test",
	}
}

func collect(t *testing.T, updates <-chan entity.OrderUpdate) []entity.OrderUpdate {
	t.Helper()

	collected := make([]entity.OrderUpdate, 0)
	deadline := time.After(3 * time.Second)
	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return collected
			}
			collected = append(collected, update)
		case <-deadline:
			t.Fatalf("monitor channel not closed, got %+v", collected)
			return collected
		}
	}
}

func filled(qty, price string) entity.BrokerOrderStatus {
	status := entity.OrderStatusPartiallyFilled
	if qty == "10" {
		status = entity.OrderStatusFilled
	}
	return entity.BrokerOrderStatus{Status: status, FilledQuantity: d(qty), AverageFillPrice: d(price)}
}

func TestManager_RetriesTransportErrorsThenFills(t *testing.T) {
	transport := entity.TransportError("submit order", errors.New("connection reset"))
	gateway := &scriptedGateway{
		submitErrs: []error{transport, transport, nil},
		statuses:   []entity.BrokerOrderStatus{filled("10", "100")},
	}
	f := newFixture(t, gateway, testConfig())

	handle, err := f.manager.Submit(context.Background(), newOrder("order-c"))
	require.NoError(t, err)

	updates, err := f.manager.Monitor(context.Background(), handle)
	require.NoError(t, err)
	collected := collect(t, updates)
	require.NotEmpty(t, collected)
	assert.Equal(t, entity.OrderStatusFilled, collected[len(collected)-1].Status)

	order, err := f.manager.Get(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusFilled, order.Status)
	assert.Equal(t, 2, order.RetryCount)
	assert.True(t, order.FilledQuantity.Equal(d("10")))
	assert.True(t, order.TerminalAt.Valid)

	submits, _ := gateway.calls()
	assert.Equal(t, 3, submits)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, f.sleeps)
	assert.True(t, f.positions.total().Equal(d("10")))
	assert.Eventually(t, func() bool { return f.history.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestManager_RetryBudgetExhausted(t *testing.T) {
	transport := entity.TransportError("submit order", errors.New("timeout"))
	gateway := &scriptedGateway{submitErrs: []error{transport, transport, transport, transport, transport}}
	f := newFixture(t, gateway, testConfig())

	handle, err := f.manager.Submit(context.Background(), newOrder("order-x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, entity.ErrGatewayTransport)

	order, err := f.manager.Get(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusFailed, order.Status)
	assert.Equal(t, 3, order.RetryCount)
	assert.Contains(t, order.Reason.ValueOrZero(), "retry budget exhausted")

	submits, _ := gateway.calls()
	assert.Equal(t, 4, submits)
	assert.Equal(t, 1, f.history.len())
}

func TestManager_NoRetries(t *testing.T) {
	transport := entity.TransportError("submit order", errors.New("timeout"))
	gateway := &scriptedGateway{submitErrs: []error{transport, transport}}
	cfg := testConfig()
	cfg.MaxRetries = NoRetries
	f := newFixture(t, gateway, cfg)

	handle, err := f.manager.Submit(context.Background(), newOrder("order-once"))
	require.ErrorIs(t, err, entity.ErrGatewayTransport)

	order, err := f.manager.Get(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusFailed, order.Status)
	assert.Zero(t, order.RetryCount)

	submits, _ := gateway.calls()
	assert.Equal(t, 1, submits)
	assert.Empty(t, f.sleeps)
	assert.Equal(t, 0, f.manager.Config().MaxRetries)
	assert.Equal(t, defaultMaxRetries, Config{}.withDefaults().MaxRetries)
}

func TestManager_BackoffIsCapped(t *testing.T) {
	transport := entity.TransportError("submit order", errors.New("timeout"))
	gateway := &scriptedGateway{submitErrs: []error{transport, transport, transport, transport, transport, transport}}
	cfg := testConfig()
	cfg.MaxRetries = 5
	cfg.BackoffBase = time.Second
	cfg.BackoffMax = 3 * time.Second
	f := newFixture(t, gateway, cfg)

	_, err := f.manager.Submit(context.Background(), newOrder("order-cap"))
	require.Error(t, err)

	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second, 3 * time.Second}, f.sleeps)
}

func TestManager_RejectionIsNeverRetried(t *testing.T) {
	gateway := &scriptedGateway{submitErrs: []error{entity.NewGatewayRejection("40310000", "insufficient buying power")}}
	f := newFixture(t, gateway, testConfig())

	handle, err := f.manager.Submit(context.Background(), newOrder("order-r"))
	_, isRejection := entity.IsGatewayRejection(err)
	require.True(t, isRejection)

	order, err := f.manager.Get(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusRejected, order.Status)
	assert.Equal(t, "insufficient buying power", order.Reason.ValueOrZero())
	assert.Zero(t, order.RetryCount)

	submits, _ := gateway.calls()
	assert.Equal(t, 1, submits)
	assert.Empty(t, f.sleeps)

	updates, err := f.manager.Monitor(context.Background(), handle)
	require.NoError(t, err)
	collected := collect(t, updates)
	require.Len(t, collected, 1)
	assert.Equal(t, entity.OrderStatusRejected, collected[0].Status)
}

func TestManager_PartialFillsAreMonotonic(t *testing.T) {
	gateway := &scriptedGateway{
		statuses: []entity.BrokerOrderStatus{
			filled("3", "100"),
			filled("2", "100"),
			filled("6", "101"),
			filled("10", "102"),
		},
	}
	f := newFixture(t, gateway, testConfig())

	handle, err := f.manager.Submit(context.Background(), newOrder("order-p"))
	require.NoError(t, err)
	updates, err := f.manager.Monitor(context.Background(), handle)
	require.NoError(t, err)

	previous := decimal.Zero
	for _, update := range collect(t, updates) {
		assert.True(t, update.FilledQuantity.GreaterThanOrEqual(previous), "filled quantity decreased")
		previous = update.FilledQuantity
	}
	assert.True(t, previous.Equal(d("10")))

	assert.True(t, f.positions.total().Equal(d("10")))
	f.positions.mu.Lock()
	require.Len(t, f.positions.fills, 3)
	assert.True(t, f.positions.fills[0].Price.Equal(d("100")))
	assert.True(t, f.positions.fills[1].Price.Equal(d("102")), f.positions.fills[1].Price.String())
	assert.True(t, f.positions.fills[2].Price.Equal(d("103.5")), f.positions.fills[2].Price.String())
	f.positions.mu.Unlock()

	assert.Contains(t, f.store.eventKinds(), entity.OrderEventFill)
}

func TestManager_TerminalOrderIsFrozen(t *testing.T) {
	gateway := &scriptedGateway{statuses: []entity.BrokerOrderStatus{filled("10", "100")}}
	f := newFixture(t, gateway, testConfig())

	handle, err := f.manager.Submit(context.Background(), newOrder("order-f"))
	require.NoError(t, err)
	updates, err := f.manager.Monitor(context.Background(), handle)
	require.NoError(t, err)
	collect(t, updates)

	tracked, ok := f.manager.lookup(handle.OrderID)
	require.True(t, ok)
	assert.True(t, f.manager.applyReport(context.Background(), tracked, entity.BrokerOrderStatus{
		Status: entity.OrderStatusCancelled,
	}))

	require.NoError(t, f.manager.Cancel(context.Background(), handle))
	order, err := f.manager.Get(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusFilled, order.Status)

	_, cancels := gateway.calls()
	assert.Zero(t, cancels)
}

func TestManager_TimeoutThenCancel(t *testing.T) {
	gateway := &scriptedGateway{cancelOK: true}
	cfg := testConfig()
	cfg.MonitorWindow = 20 * time.Millisecond
	f := newFixture(t, gateway, cfg)

	handle, err := f.manager.Submit(context.Background(), newOrder("order-t"))
	require.NoError(t, err)
	updates, err := f.manager.Monitor(context.Background(), handle)
	require.NoError(t, err)

	timedOut := false
	deadline := time.After(2 * time.Second)
	for !timedOut {
		select {
		case update := <-updates:
			timedOut = update.Kind == entity.OrderEventTimeout
		case <-deadline:
			t.Fatal("timeout event not received")
		}
	}

	require.NoError(t, f.manager.Cancel(context.Background(), handle))
	collected := collect(t, updates)
	require.NotEmpty(t, collected)
	assert.Equal(t, entity.OrderStatusCancelled, collected[len(collected)-1].Status)

	assert.Contains(t, f.store.eventKinds(), entity.OrderEventTimeout)
	assert.Empty(t, f.manager.OpenOrders())
}

func TestManager_CancelDiscoversFill(t *testing.T) {
	fill := filled("10", "100")
	gateway := &scriptedGateway{
		cancelErr:   entity.NewGatewayRejection("42210000", "order is already filled"),
		afterCancel: &fill,
	}
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	f := newFixture(t, gateway, cfg)

	handle, err := f.manager.Submit(context.Background(), newOrder("order-race"))
	require.NoError(t, err)

	require.NoError(t, f.manager.Cancel(context.Background(), handle))

	order, err := f.manager.Get(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusFilled, order.Status)
	assert.True(t, f.positions.total().Equal(d("10")))
}

func TestManager_CancelNotConfirmed(t *testing.T) {
	gateway := &scriptedGateway{cancelErr: entity.TransportError("cancel order", errors.New("reset"))}
	cfg := testConfig()
	cfg.PollInterval = time.Hour
	f := newFixture(t, gateway, cfg)

	handle, err := f.manager.Submit(context.Background(), newOrder("order-nc"))
	require.NoError(t, err)

	err = f.manager.Cancel(context.Background(), handle)
	assert.ErrorIs(t, err, entity.ErrGatewayTransport)

	order, err := f.manager.Get(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusSubmitted, order.Status)
	assert.Len(t, f.manager.OpenOrders(), 1)
}

func TestManager_CancelledContextBeforeSubmission(t *testing.T) {
	gateway := &scriptedGateway{}
	f := newFixture(t, gateway, testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	handle, err := f.manager.Submit(ctx, newOrder("order-ctx"))
	assert.ErrorIs(t, err, context.Canceled)

	order, err := f.manager.Get(context.Background(), handle)
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusCancelled, order.Status)

	submits, _ := gateway.calls()
	assert.Zero(t, submits)
}

func TestManager_InvalidOrder(t *testing.T) {
	f := newFixture(t, &scriptedGateway{}, testConfig())

	order := newOrder("order-bad")
	order.Type = entity.OrderTypeLimit

	_, err := f.manager.Submit(context.Background(), order)
	assert.Error(t, err)
}

func TestManager_ResumeAndShutdown(t *testing.T) {
	gateway := &scriptedGateway{cancelOK: true}
	cfg := testConfig()
	cfg.PollInterval = 5 * time.Millisecond
	f := newFixture(t, gateway, cfg)

	open := newOrder("order-open")
	open.Symbol = "AAPL"
	open.Status = entity.OrderStatusSubmitted
	open.BrokerOrderID.SetValid("broker-order-open")

	orphan := newOrder("order-orphan")
	orphan.Symbol = "AAPL"
	orphan.Status = entity.OrderStatusCreated

	done := newOrder("order-done")
	done.Status = entity.OrderStatusFilled

	resumed := f.manager.Resume(context.Background(), []entity.Order{open, orphan, done})
	assert.Equal(t, 1, resumed)

	order, err := f.manager.Get(context.Background(), OrderHandle{OrderID: "order-orphan"})
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusFailed, order.Status)

	require.Len(t, f.manager.OpenOrders(), 1)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, f.manager.Shutdown(ctx))

	order, err = f.manager.Get(context.Background(), OrderHandle{OrderID: "order-open"})
	require.NoError(t, err)
	assert.Equal(t, entity.OrderStatusCancelled, order.Status)
	assert.Equal(t, "cancelled on shutdown", order.Reason.ValueOrZero())
}

func TestManager_TerminalHookRunsOnce(t *testing.T) {
	var calls atomic.Int32
	gateway := &scriptedGateway{statuses: []entity.BrokerOrderStatus{filled("10", "100")}}
	f := newFixture(t, gateway, testConfig(), WithTerminalHook(func(order entity.Order) {
		calls.Add(1)
	}))

	handle, err := f.manager.Submit(context.Background(), newOrder("order-hook"))
	require.NoError(t, err)
	updates, err := f.manager.Monitor(context.Background(), handle)
	require.NoError(t, err)
	collect(t, updates)

	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), calls.Load())
}
