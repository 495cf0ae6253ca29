package orderlifecycle

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/jpillora/backoff"
	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	defaultMaxRetries    = 3
	defaultBackoffBase   = 500 * time.Millisecond
	defaultBackoffMax    = 10 * time.Second
	defaultPollInterval  = 2 * time.Second
	defaultMonitorWindow = 2 * time.Minute
	defaultCallTimeout   = 10 * time.Second

	terminalRetention = 10 * time.Minute
)

// NoRetries disables submission retries; a zero MaxRetries means the default.
const NoRetries = -1

type Config struct {
	MaxRetries    int
	BackoffBase   time.Duration
	BackoffMax    time.Duration
	PollInterval  time.Duration
	MonitorWindow time.Duration
	CallTimeout   time.Duration
}

func (c Config) withDefaults() Config {
	switch {
	case c.MaxRetries == 0:
		c.MaxRetries = defaultMaxRetries
	case c.MaxRetries < 0:
		c.MaxRetries = 0
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = defaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = defaultBackoffMax
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	if c.PollInterval <= 0 {
		c.PollInterval = defaultPollInterval
	}
	if c.MonitorWindow <= 0 {
		c.MonitorWindow = defaultMonitorWindow
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = defaultCallTimeout
	}
	return c
}

type OrderStore interface {
	Upsert(ctx context.Context, order entity.Order) error
	AppendEvent(ctx context.Context, event entity.OrderEvent) error
	GetByID(ctx context.Context, id string) (*entity.Order, error)
}

type TradeHistoryStore interface {
	Append(ctx context.Context, record entity.TradeRecord) error
}

type PositionUpdater interface {
	ApplyFill(ctx context.Context, fill entity.Fill) (decimal.Decimal, error)
}

type EventPublisher interface {
	PublishOrderEvent(ctx context.Context, event entity.OrderEvent, order entity.Order) error
}

type OrderHandle struct {
	OrderID string `json:"order_id"`
	Symbol  string `json:"symbol"`
}

type Option func(*Manager)

func WithPublisher(publisher EventPublisher) Option {
	return func(m *Manager) {
		m.publisher = publisher
	}
}

// WithTerminalHook registers fn to run once per order after it turns terminal.
func WithTerminalHook(fn func(entity.Order)) Option {
	return func(m *Manager) {
		m.onTerminal = append(m.onTerminal, fn)
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithSleep replaces the retry backoff wait.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Manager) {
		m.sleep = sleep
	}
}

// Manager owns every order from submission to terminal state. Each
// submitted order is tracked by its own goroutine.
type Manager struct {
	gateway    entity.BrokerGateway
	store      OrderStore
	history    TradeHistoryStore
	positions  PositionUpdater
	publisher  EventPublisher
	onTerminal []func(entity.Order)
	cfg        Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.RWMutex
	orders map[string]*trackedOrder
}

func NewManager(ctx context.Context, gateway entity.BrokerGateway, store OrderStore, history TradeHistoryStore, positions PositionUpdater, cfg Config, opts ...Option) *Manager {
	baseCtx, cancel := context.WithCancel(ctx)

	m := &Manager{
		gateway:   gateway,
		store:     store,
		history:   history,
		positions: positions,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
		sleep:     sleepContext,
		ctx:       baseCtx,
		cancel:    cancel,
		orders:    make(map[string]*trackedOrder),
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

func (m *Manager) Config() Config {
	return m.cfg
}

// Submit persists the order, places it with the gateway and starts
// tracking it. Transport failures are retried with exponential backoff up
// to MaxRetries; a gateway rejection is terminal and never retried. The
// returned handle is valid even when err is not nil: the order exists in a
// terminal state and can be inspected with Get.
func (m *Manager) Submit(ctx context.Context, order entity.Order) (OrderHandle, error) {
	if strings.TrimSpace(order.ID) == "" {
		order.ID = uuid.NewString()
	}
	order.Symbol = strings.ToUpper(strings.TrimSpace(order.Symbol))
	if err := order.Validate(); err != nil {
		return OrderHandle{}, err
	}

	now := m.now().UTC()
	order.Status = entity.OrderStatusCreated
	order.FilledQuantity = decimal.Zero
	order.RetryCount = 0
	order.BrokerOrderID = null.String{}
	order.TerminalAt = null.Time{}
	order.CreatedAt = now
	order.LastUpdatedAt = now

	handle := OrderHandle{OrderID: order.ID, Symbol: order.Symbol}

	t := newTrackedOrder(order)
	m.mu.Lock()
	if _, exists := m.orders[order.ID]; exists {
		m.mu.Unlock()
		return OrderHandle{}, fmt.Errorf("%w: %s", entity.ErrDuplicateOrder, order.ID)
	}
	m.orders[order.ID] = t
	m.mu.Unlock()

	t.mu.Lock()
	m.commit(ctx, t, entity.Order{}, entity.OrderEventTransition, decimal.Zero, decimal.Zero)
	t.mu.Unlock()

	policy := &backoff.Backoff{
		Min:    m.cfg.BackoffBase,
		Max:    m.cfg.BackoffMax,
		Factor: 2,
		Jitter: false,
	}

	for attempt := 0; ; attempt++ {
		if err := ctx.Err(); err != nil {
			m.finishSubmission(ctx, t, entity.OrderStatusCancelled, fmt.Sprintf("submission cancelled: %v", err))
			return handle, err
		}
		if t.isTerminal() {
			return handle, entity.ErrOrderTerminal
		}

		brokerOrderID, err := m.submitOnce(ctx, t.snapshot())
		if err == nil {
			m.accept(ctx, t, brokerOrderID)
			return handle, nil
		}

		logger := logrus.WithFields(logrus.Fields{
			"orderID": order.ID,
			"symbol":  order.Symbol,
			"attempt": attempt + 1,
		}).WithError(err)

		if rejection, ok := entity.IsGatewayRejection(err); ok {
			logger.Warn("order rejected by gateway")
			m.finishSubmission(ctx, t, entity.OrderStatusRejected, rejection.Reason)
			return handle, err
		}

		if !isRetryable(ctx, err) {
			logger.Error("order submission failed")
			m.finishSubmission(ctx, t, entity.OrderStatusFailed, err.Error())
			return handle, err
		}

		if attempt >= m.cfg.MaxRetries {
			logger.Error("order submission retry budget exhausted")
			m.finishSubmission(ctx, t, entity.OrderStatusFailed,
				fmt.Sprintf("retry budget exhausted after %d retries: %v", m.cfg.MaxRetries, err))
			return handle, fmt.Errorf("retry budget exhausted after %d retries: %w", m.cfg.MaxRetries, err)
		}

		wait := policy.ForAttempt(float64(attempt))
		logger.WithField("backoff", wait.String()).Warn("order submission failed, retrying")
		m.recordRetry(ctx, t, err)

		if err := m.sleep(ctx, wait); err != nil {
			m.finishSubmission(ctx, t, entity.OrderStatusCancelled, fmt.Sprintf("submission cancelled: %v", err))
			return handle, err
		}
	}
}

func (m *Manager) submitOnce(ctx context.Context, order entity.Order) (string, error) {
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	return m.gateway.SubmitOrder(callCtx, entity.NewBrokerOrderSpec(order))
}

// isRetryable treats gateway transport failures and per-call timeouts as
// transient. A cancelled caller context is never retried.
func isRetryable(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return false
	}
	return errors.Is(err, entity.ErrGatewayTransport) || errors.Is(err, context.DeadlineExceeded)
}

func (m *Manager) accept(ctx context.Context, t *trackedOrder, brokerOrderID string) {
	t.mu.Lock()
	if t.order.IsTerminal() {
		// cancelled locally while the submit call was in flight
		t.mu.Unlock()
		m.cancelOrphan(brokerOrderID, t.order.ID)
		return
	}

	before := t.order
	t.order.BrokerOrderID = null.StringFrom(brokerOrderID)
	_ = t.order.Transition(entity.OrderStatusSubmitted, "", m.now().UTC())
	m.commit(ctx, t, before, entity.OrderEventTransition, decimal.Zero, decimal.Zero)
	t.mu.Unlock()

	m.startTracking(t)
}

func (m *Manager) cancelOrphan(brokerOrderID, orderID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(m.ctx), m.cfg.CallTimeout)
	defer cancel()

	if _, err := m.gateway.CancelOrder(ctx, brokerOrderID); err != nil {
		logrus.WithFields(logrus.Fields{
			"orderID":       orderID,
			"brokerOrderID": brokerOrderID,
		}).WithError(err).Error("failed to cancel broker order accepted after local cancellation")
	}
}

func (m *Manager) finishSubmission(ctx context.Context, t *trackedOrder, status entity.OrderStatus, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.order.IsTerminal() {
		return
	}

	before := t.order
	_ = t.order.Transition(status, reason, m.now().UTC())
	m.commit(ctx, t, before, entity.OrderEventTransition, decimal.Zero, decimal.Zero)
}

func (m *Manager) recordRetry(ctx context.Context, t *trackedOrder, cause error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	before := t.order
	t.order.RetryCount++
	t.order.LastUpdatedAt = m.now().UTC()
	t.order.Reason = null.StringFrom(cause.Error())
	m.commit(ctx, t, before, entity.OrderEventRetry, decimal.Zero, decimal.Zero)
}

func (m *Manager) startTracking(t *trackedOrder) {
	m.wg.Add(1)
	go m.track(t)
}

// Get returns the latest known state of the order.
func (m *Manager) Get(ctx context.Context, handle OrderHandle) (entity.Order, error) {
	if t, ok := m.lookup(handle.OrderID); ok {
		return t.snapshot(), nil
	}

	order, err := m.store.GetByID(ctx, handle.OrderID)
	if err != nil {
		return entity.Order{}, err
	}
	if order == nil {
		return entity.Order{}, fmt.Errorf("%w: %s", entity.ErrOrderNotFound, handle.OrderID)
	}

	return *order, nil
}

// OpenOrders returns every tracked non-terminal order, oldest first.
func (m *Manager) OpenOrders() []entity.Order {
	m.mu.RLock()
	tracked := make([]*trackedOrder, 0, len(m.orders))
	for _, t := range m.orders {
		tracked = append(tracked, t)
	}
	m.mu.RUnlock()

	orders := make([]entity.Order, 0, len(tracked))
	for _, t := range tracked {
		order := t.snapshot()
		if order.IsTerminal() {
			continue
		}
		orders = append(orders, order)
	}

	sort.Slice(orders, func(i, j int) bool {
		return orders[i].CreatedAt.Before(orders[j].CreatedAt)
	})

	return orders
}

// Resume restarts tracking for persisted non-terminal orders. An order that
// never got a broker order id cannot be queried and is marked failed.
func (m *Manager) Resume(ctx context.Context, orders []entity.Order) int {
	resumed := 0
	for _, order := range orders {
		if order.IsTerminal() {
			continue
		}

		t := newTrackedOrder(order)
		m.mu.Lock()
		if _, exists := m.orders[order.ID]; exists {
			m.mu.Unlock()
			continue
		}
		m.orders[order.ID] = t
		m.mu.Unlock()

		if !order.BrokerOrderID.Valid || order.BrokerOrderID.String == "" {
			m.finishSubmission(ctx, t, entity.OrderStatusFailed, "interrupted before the gateway confirmed submission")
			continue
		}

		logrus.WithFields(logrus.Fields{
			"orderID":       order.ID,
			"symbol":        order.Symbol,
			"status":        order.Status,
			"brokerOrderID": order.BrokerOrderID.String,
		}).Info("resuming order tracking")

		m.startTracking(t)
		resumed++
	}

	return resumed
}

// Shutdown stops every tracker. Trackers try to cancel and resolve their
// order at the gateway before exiting; unresolved orders stay non-terminal
// in the store for the next Resume.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("order trackers did not stop: %w", ctx.Err())
	}
}

func (m *Manager) lookup(orderID string) (*trackedOrder, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.orders[orderID]
	return t, ok
}

func (m *Manager) forget(orderID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.orders, orderID)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
