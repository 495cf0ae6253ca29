package orderlifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guregu/null/v6"
	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	subscriberBuffer = 16
	timeoutReason    = "monitoring window exceeded"
)

type subscriber struct {
	ch chan entity.OrderUpdate
}

// trackedOrder is mutated only with mu held. Subscriber channels are closed
// by whoever removes them from subs, so a send never races a close.
type trackedOrder struct {
	mu         sync.Mutex
	order      entity.Order
	realized   decimal.Decimal
	subs       map[string]*subscriber
	done       chan struct{}
	timedOut   bool
	lastUpdate entity.OrderUpdate
}

func newTrackedOrder(order entity.Order) *trackedOrder {
	t := &trackedOrder{
		order: order,
		subs:  make(map[string]*subscriber),
		done:  make(chan struct{}),
	}
	t.lastUpdate = updateFrom(order, entity.OrderEventTransition, "")
	if order.IsTerminal() {
		close(t.done)
	}
	return t
}

func (t *trackedOrder) snapshot() entity.Order {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order
}

func (t *trackedOrder) isTerminal() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.order.IsTerminal()
}

func (m *Manager) track(t *trackedOrder) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	window := time.NewTimer(m.cfg.MonitorWindow)
	defer window.Stop()

	for {
		select {
		case <-t.done:
			return
		case <-m.ctx.Done():
			m.resolveOnShutdown(t)
			return
		case <-window.C:
			m.emitTimeout(t)
		case <-ticker.C:
			if m.poll(m.ctx, t) {
				return
			}
		}
	}
}

// poll queries the gateway once and reports whether the order is terminal.
func (m *Manager) poll(ctx context.Context, t *trackedOrder) bool {
	order := t.snapshot()
	if order.IsTerminal() {
		return true
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	report, err := m.gateway.GetOrderStatus(callCtx, order.BrokerOrderID.String)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"orderID":       order.ID,
			"brokerOrderID": order.BrokerOrderID.String,
		}).WithError(err).Warn("failed to poll order status")
		return false
	}

	return m.applyReport(ctx, t, report)
}

func (m *Manager) applyReport(ctx context.Context, t *trackedOrder, report entity.BrokerOrderStatus) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.order.IsTerminal() {
		return true
	}

	before := t.order
	delta, changed, err := t.order.ApplyBrokerStatus(report, m.now().UTC())
	if err != nil || !changed {
		return t.order.IsTerminal()
	}

	kind := entity.OrderEventTransition
	if before.Status == t.order.Status && delta.IsPositive() {
		kind = entity.OrderEventFill
	}

	m.commit(ctx, t, before, kind, delta, incrementalPrice(before, t.order, delta))

	return t.order.IsTerminal()
}

// incrementalPrice recovers the price of the latest fill from the change in
// the cumulative average.
func incrementalPrice(before, after entity.Order, delta decimal.Decimal) decimal.Decimal {
	if !delta.IsPositive() {
		return decimal.Zero
	}

	price := after.AverageFillPrice.Mul(after.FilledQuantity).
		Sub(before.AverageFillPrice.Mul(before.FilledQuantity)).
		Div(delta)
	if !price.IsPositive() {
		return after.AverageFillPrice
	}
	return price
}

// commit persists, publishes and fans out the change from before to
// t.order. Caller holds t.mu.
func (m *Manager) commit(ctx context.Context, t *trackedOrder, before entity.Order, kind entity.OrderEventKind, delta, fillPrice decimal.Decimal) {
	order := t.order

	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.CallTimeout)
	defer cancel()

	logger := logrus.WithFields(logrus.Fields{
		"orderID":       order.ID,
		"symbol":        order.Symbol,
		"from":          before.Status,
		"status":        order.Status,
		"kind":          kind,
		"filled":        order.FilledQuantity.String(),
		"retry":         order.RetryCount,
		"brokerOrderID": order.BrokerOrderID.ValueOrZero(),
	})

	if delta.IsPositive() && m.positions != nil {
		realized, err := m.positions.ApplyFill(persistCtx, entity.Fill{
			OrderID:  order.ID,
			Symbol:   order.Symbol,
			Side:     order.Side,
			Quantity: delta,
			Price:    fillPrice,
			At:       order.LastUpdatedAt,
		})
		if err != nil {
			logger.WithError(err).Error("failed to apply fill to position")
		}
		t.realized = t.realized.Add(realized)
	}

	event := entity.OrderEvent{
		ID:             uuid.NewString(),
		OrderID:        order.ID,
		Symbol:         order.Symbol,
		Kind:           kind,
		FromStatus:     before.Status,
		ToStatus:       order.Status,
		FilledQuantity: order.FilledQuantity,
		FillPrice:      fillPrice,
		RetryCount:     order.RetryCount,
		Reason:         order.Reason,
		CreatedAt:      order.LastUpdatedAt,
	}
	if kind == entity.OrderEventTimeout {
		event.Reason = null.StringFrom(timeoutReason)
		event.CreatedAt = m.now().UTC()
	}

	if err := m.store.Upsert(persistCtx, order); err != nil {
		logger.WithError(err).Error("failed to persist order")
	}
	if err := m.store.AppendEvent(persistCtx, event); err != nil {
		logger.WithError(err).Error("failed to append order event")
	}
	if m.publisher != nil {
		if err := m.publisher.PublishOrderEvent(persistCtx, event, order); err != nil {
			logger.WithError(err).Warn("failed to publish order event")
		}
	}

	logger.Info("order updated")

	update := updateFrom(order, kind, event.Reason.ValueOrZero())
	t.lastUpdate = update
	m.notify(t, update)

	if order.IsTerminal() {
		m.terminate(persistCtx, t, logger)
	}
}

func (m *Manager) terminate(ctx context.Context, t *trackedOrder, logger *logrus.Entry) {
	order := t.order

	if m.history != nil {
		realized := null.Float{}
		if order.Side == entity.OrderSideSell && order.FilledQuantity.IsPositive() {
			realized = null.FloatFrom(t.realized.InexactFloat64())
		}
		if err := m.history.Append(ctx, entity.NewTradeRecord(order, realized)); err != nil {
			logger.WithError(err).Error("failed to archive trade record")
		}
	}

	for id, sub := range t.subs {
		close(sub.ch)
		delete(t.subs, id)
	}
	close(t.done)

	for _, fn := range m.onTerminal {
		go fn(order)
	}

	time.AfterFunc(terminalRetention, func() {
		m.forget(order.ID)
	})
}

// notify never blocks. The last two buffer slots are reserved for the
// timeout and terminal updates so neither is ever dropped.
func (m *Manager) notify(t *trackedOrder, update entity.OrderUpdate) {
	for _, sub := range t.subs {
		free := cap(sub.ch) - len(sub.ch)
		switch {
		case update.IsTerminal():
		case update.Kind == entity.OrderEventTimeout && free > 1:
		case free > 2:
		default:
			continue
		}
		sub.ch <- update
	}
}

func (m *Manager) emitTimeout(t *trackedOrder) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.order.IsTerminal() || t.timedOut {
		return
	}
	t.timedOut = true

	logrus.WithFields(logrus.Fields{
		"orderID": t.order.ID,
		"symbol":  t.order.Symbol,
		"status":  t.order.Status,
		"window":  m.cfg.MonitorWindow.String(),
	}).Warn("order unresolved past monitoring window")

	m.commit(m.ctx, t, t.order, entity.OrderEventTimeout, decimal.Zero, decimal.Zero)
}

// Monitor streams updates for the order until it is terminal. The channel
// first carries the latest known state and is closed after the terminal
// update, or when ctx is done.
func (m *Manager) Monitor(ctx context.Context, handle OrderHandle) (<-chan entity.OrderUpdate, error) {
	t, ok := m.lookup(handle.OrderID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", entity.ErrOrderNotFound, handle.OrderID)
	}

	ch := make(chan entity.OrderUpdate, subscriberBuffer)

	t.mu.Lock()
	ch <- t.lastUpdate
	if t.timedOut && t.lastUpdate.Kind != entity.OrderEventTimeout && !t.order.IsTerminal() {
		ch <- updateFrom(t.order, entity.OrderEventTimeout, timeoutReason)
	}
	if t.order.IsTerminal() {
		close(ch)
		t.mu.Unlock()
		return ch, nil
	}

	id := uuid.NewString()
	t.subs[id] = &subscriber{ch: ch}
	t.mu.Unlock()

	go func() {
		select {
		case <-t.done:
		case <-ctx.Done():
			t.mu.Lock()
			if sub, ok := t.subs[id]; ok {
				close(sub.ch)
				delete(t.subs, id)
			}
			t.mu.Unlock()
		}
	}()

	return ch, nil
}

// Cancel asks the gateway to cancel, then resolves the order against the
// gateway's view: it ends Cancelled, or whatever terminal state the
// gateway reports if the order filled or was rejected first.
func (m *Manager) Cancel(ctx context.Context, handle OrderHandle) error {
	t, ok := m.lookup(handle.OrderID)
	if !ok {
		return fmt.Errorf("%w: %s", entity.ErrOrderNotFound, handle.OrderID)
	}

	return m.cancelAndResolve(ctx, t, "cancelled by caller")
}

func (m *Manager) cancelAndResolve(ctx context.Context, t *trackedOrder, reason string) error {
	order := t.snapshot()
	if order.IsTerminal() {
		return nil
	}

	if !order.BrokerOrderID.Valid {
		// still inside Submit; the retry loop observes the terminal state
		m.finishSubmission(ctx, t, entity.OrderStatusCancelled, reason)
		return nil
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer cancel()

	accepted, cancelErr := m.gateway.CancelOrder(callCtx, order.BrokerOrderID.String)

	statusCtx, statusCancel := context.WithTimeout(ctx, m.cfg.CallTimeout)
	defer statusCancel()

	report, statusErr := m.gateway.GetOrderStatus(statusCtx, order.BrokerOrderID.String)
	if statusErr == nil {
		m.applyReport(ctx, t, report)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.order.IsTerminal() {
		return nil
	}

	if cancelErr == nil && accepted {
		before := t.order
		_ = t.order.Transition(entity.OrderStatusCancelled, reason, m.now().UTC())
		m.commit(ctx, t, before, entity.OrderEventTransition, decimal.Zero, decimal.Zero)
		return nil
	}

	if cancelErr != nil {
		return fmt.Errorf("cancel order %s: %w", t.order.ID, cancelErr)
	}
	if statusErr != nil {
		return fmt.Errorf("cancel order %s not confirmed: %w", t.order.ID, statusErr)
	}
	return fmt.Errorf("cancel order %s not accepted by gateway", t.order.ID)
}

func (m *Manager) resolveOnShutdown(t *trackedOrder) {
	ctx := context.WithoutCancel(m.ctx)

	err := m.cancelAndResolve(ctx, t, "cancelled on shutdown")
	if err != nil {
		order := t.snapshot()
		logrus.WithFields(logrus.Fields{
			"orderID": order.ID,
			"symbol":  order.Symbol,
			"status":  order.Status,
		}).WithError(err).Warn("order left open on shutdown, it will be resumed on restart")
	}
}

func updateFrom(order entity.Order, kind entity.OrderEventKind, reason string) entity.OrderUpdate {
	if reason == "" {
		reason = order.Reason.ValueOrZero()
	}

	return entity.OrderUpdate{
		OrderID:          order.ID,
		Kind:             kind,
		Status:           order.Status,
		FilledQuantity:   order.FilledQuantity,
		AverageFillPrice: order.AverageFillPrice,
		Reason:           reason,
		At:               order.LastUpdatedAt,
	}
}
