package position

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/guregu/null/v6"
	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/krobus00/halal-trading-service/internal/util"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Book is the in-memory table of positions. Fills and reconciliation
// corrections for the same symbol are serialized.
type Book struct {
	mu        sync.RWMutex
	positions map[string]entity.Position
	locks     *util.KeyedMutex
	store     entity.PositionStore
	now       func() time.Time
}

func NewBook(store entity.PositionStore) *Book {
	return &Book{
		positions: make(map[string]entity.Position),
		locks:     util.NewKeyedMutex(),
		store:     store,
		now:       time.Now,
	}
}

// Load replaces the book with the persisted positions.
func (b *Book) Load(ctx context.Context) error {
	if b.store == nil {
		return nil
	}

	positions, err := b.store.GetAll(ctx)
	if err != nil {
		return err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.positions = make(map[string]entity.Position, len(positions))
	for _, p := range positions {
		b.positions[normalize(p.Symbol)] = p
	}

	return nil
}

// ApplyFill folds an incremental fill into the position and returns the
// realized pnl produced by the fill (zero for buys).
func (b *Book) ApplyFill(ctx context.Context, fill entity.Fill) (decimal.Decimal, error) {
	symbol := normalize(fill.Symbol)
	if !fill.Quantity.IsPositive() {
		return decimal.Zero, nil
	}

	unlock := b.locks.Lock(symbol)
	defer unlock()

	current, _ := b.Get(symbol)
	current.Symbol = symbol
	realized := decimal.Zero

	switch fill.Side {
	case entity.OrderSideBuy:
		cost := current.Quantity.Mul(current.AverageEntryPrice).Add(fill.Quantity.Mul(fill.Price))
		current.Quantity = current.Quantity.Add(fill.Quantity)
		if current.Quantity.IsPositive() {
			current.AverageEntryPrice = cost.Div(current.Quantity)
		}
	case entity.OrderSideSell:
		realized = fill.Price.Sub(current.AverageEntryPrice).Mul(fill.Quantity)
		current.RealizedPnl = current.RealizedPnl.Add(realized)
		current.Quantity = current.Quantity.Sub(fill.Quantity)
	}

	current.UpdatedAt = b.at(fill.At)
	current.Mark(fill.Price)

	logrus.WithFields(logrus.Fields{
		"symbol":   symbol,
		"side":     fill.Side,
		"quantity": fill.Quantity.String(),
		"price":    fill.Price.String(),
		"position": current.Quantity.String(),
		"orderID":  fill.OrderID,
	}).Info("position updated from fill")

	return realized, b.save(ctx, current)
}

// Correct moves the quantity from expected to the gateway-reported value.
// It reports false and leaves the position alone when the book no longer
// holds expected, so a fill that landed after the audit snapshot survives.
func (b *Book) Correct(ctx context.Context, symbol string, expected, actual decimal.Decimal) (bool, error) {
	symbol = normalize(symbol)

	unlock := b.locks.Lock(symbol)
	defer unlock()

	current, ok := b.Get(symbol)
	if !ok || !current.Quantity.Equal(expected) {
		return false, nil
	}

	now := b.now().UTC()
	current.Quantity = actual
	current.LastReconciledAt = null.TimeFrom(now)
	current.UpdatedAt = now
	if current.MarketPrice.IsPositive() {
		current.Mark(current.MarketPrice)
	}

	return true, b.save(ctx, current)
}

// MarkReconciled stamps matched positions without touching quantities.
func (b *Book) MarkReconciled(ctx context.Context, symbols []string) error {
	now := b.now().UTC()
	for _, symbol := range symbols {
		symbol = normalize(symbol)
		unlock := b.locks.Lock(symbol)
		current, ok := b.Get(symbol)
		if !ok || current.Quantity.IsZero() {
			unlock()
			continue
		}
		current.LastReconciledAt = null.TimeFrom(now)
		err := b.save(ctx, current)
		unlock()
		if err != nil {
			return err
		}
	}
	return nil
}

// Remove drops a position the gateway confirmed is flat. A position that
// grew beyond tolerance since it was audited is kept and false is returned.
func (b *Book) Remove(ctx context.Context, symbol string, tolerance decimal.Decimal) (bool, error) {
	symbol = normalize(symbol)

	unlock := b.locks.Lock(symbol)
	defer unlock()

	current, ok := b.Get(symbol)
	if !ok {
		return false, nil
	}
	if current.Quantity.Abs().GreaterThan(tolerance) {
		return false, nil
	}

	b.mu.Lock()
	delete(b.positions, symbol)
	b.mu.Unlock()

	if b.store == nil {
		return true, nil
	}
	return true, b.store.Delete(ctx, symbol)
}

func (b *Book) Get(symbol string) (entity.Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	p, ok := b.positions[normalize(symbol)]
	return p, ok
}

// Snapshot returns every tracked position, flat ones included, ordered by symbol.
func (b *Book) Snapshot() []entity.Position {
	b.mu.RLock()
	defer b.mu.RUnlock()

	positions := make([]entity.Position, 0, len(b.positions))
	for _, p := range b.positions {
		positions = append(positions, p)
	}
	sort.Slice(positions, func(i, j int) bool {
		return positions[i].Symbol < positions[j].Symbol
	})

	return positions
}

// Exposure is the notional held per symbol.
func (b *Book) Exposure() entity.Exposure {
	b.mu.RLock()
	defer b.mu.RUnlock()

	exposure := make(entity.Exposure, len(b.positions))
	for symbol, p := range b.positions {
		if p.Quantity.IsZero() {
			continue
		}
		exposure[symbol] = p.Notional()
	}
	return exposure
}

func (b *Book) save(ctx context.Context, p entity.Position) error {
	b.mu.Lock()
	b.positions[p.Symbol] = p
	b.mu.Unlock()

	if b.store == nil {
		return nil
	}
	return b.store.Upsert(ctx, p)
}

func (b *Book) at(t time.Time) time.Time {
	if t.IsZero() {
		return b.now().UTC()
	}
	return t.UTC()
}

func normalize(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
