package reconciler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/krobus00/halal-trading-service/internal/service/position"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func d(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func local(symbol, qty, price string) entity.Position {
	return entity.Position{Symbol: symbol, Quantity: d(qty), AverageEntryPrice: d(price)}
}

func remote(symbol, qty, price string) entity.BrokerPosition {
	return entity.BrokerPosition{Symbol: symbol, Quantity: d(qty), AverageEntryPrice: d(price)}
}

func TestReconcile_SubToleranceDriftIsNotADiscrepancy(t *testing.T) {
	report := Reconcile(
		[]entity.Position{local("AAPL", "100", "10")},
		[]entity.BrokerPosition{remote("AAPL", "100.00001", "10")},
		entity.ReconciliationTolerance{Quantity: d("0.001")},
	)

	assert.Empty(t, report.Discrepancies)
	require.Len(t, report.Absorbed, 1)
	assert.True(t, report.Absorbed[0].Actual.Equal(d("100.00001")))
}

func TestReconcile_QuantityMismatch(t *testing.T) {
	report := Reconcile(
		[]entity.Position{local("AAPL", "100", "10")},
		[]entity.BrokerPosition{remote("AAPL", "90", "10")},
		entity.ReconciliationTolerance{Quantity: d("0.001")},
	)

	require.Len(t, report.Discrepancies, 1)
	discrepancy := report.Discrepancies[0]
	assert.Equal(t, entity.DiscrepancyQuantityMismatch, discrepancy.Kind)
	assert.True(t, discrepancy.Expected.Equal(d("100")))
	assert.True(t, discrepancy.Actual.Equal(d("90")))
	assert.Empty(t, report.Matched)
}

func TestReconcile_EverySymbolReportedOnce(t *testing.T) {
	report := Reconcile(
		[]entity.Position{
			local("AAPL", "10", "100"),
			local("MSFT", "5", "400"),
			local("NVDA", "3", "900"),
			local("FLAT", "0", "1"),
		},
		[]entity.BrokerPosition{
			remote("aapl", "10", "100"),
			remote("NVDA", "3.0000001", "900"),
			remote("TSLA", "7", "250"),
		},
		DefaultTolerance(),
	)

	seen := map[string]int{}
	for _, symbol := range report.Matched {
		seen[symbol]++
	}
	for _, drift := range report.Absorbed {
		seen[drift.Symbol]++
	}
	kinds := map[string]entity.DiscrepancyKind{}
	for _, discrepancy := range report.Discrepancies {
		seen[discrepancy.Symbol]++
		kinds[discrepancy.Symbol] = discrepancy.Kind
	}

	assert.Equal(t, map[string]int{"AAPL": 1, "MSFT": 1, "NVDA": 1, "TSLA": 1, "FLAT": 1}, seen)
	assert.Equal(t, entity.DiscrepancyMissingAtGateway, kinds["MSFT"])
	assert.Equal(t, entity.DiscrepancyUntracked, kinds["TSLA"])
	assert.Equal(t, []string{"AAPL", "FLAT"}, report.Matched)
}

func TestReconcile_PriceCheck(t *testing.T) {
	tolerance := DefaultTolerance()
	tolerance.CheckPrice = true

	report := Reconcile(
		[]entity.Position{local("AAPL", "10", "100"), local("MSFT", "10", "100")},
		[]entity.BrokerPosition{remote("AAPL", "10", "100.4"), remote("MSFT", "10", "102")},
		tolerance,
	)

	assert.Equal(t, []string{"AAPL"}, report.Matched)
	require.Len(t, report.Discrepancies, 1)
	assert.Equal(t, entity.DiscrepancyPriceMismatch, report.Discrepancies[0].Kind)
	assert.Equal(t, "MSFT", report.Discrepancies[0].Symbol)
}

type fakeGateway struct {
	entity.BrokerGateway
	positions []entity.BrokerPosition
	err       error
}

func (g *fakeGateway) ListPositions(ctx context.Context) ([]entity.BrokerPosition, error) {
	return g.positions, g.err
}

type memoryReports struct {
	mu      sync.Mutex
	reports []entity.ReconciliationReport
}

func (m *memoryReports) Create(_ context.Context, report entity.ReconciliationReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports = append(m.reports, report)
	return nil
}

func (m *memoryReports) PublishReport(_ context.Context, report entity.ReconciliationReport) error {
	return m.Create(context.Background(), report)
}

func (m *memoryReports) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.reports)
}

func seededBook(t *testing.T, fills ...entity.Fill) *position.Book {
	t.Helper()
	book := position.NewBook(nil)
	for _, fill := range fills {
		_, err := book.ApplyFill(context.Background(), fill)
		require.NoError(t, err)
	}
	return book
}

func buy(symbol, qty, price string) entity.Fill {
	return entity.Fill{Symbol: symbol, Side: entity.OrderSideBuy, Quantity: d(qty), Price: d(price)}
}

func sell(symbol, qty, price string) entity.Fill {
	return entity.Fill{Symbol: symbol, Side: entity.OrderSideSell, Quantity: d(qty), Price: d(price)}
}

func TestService_RunOnceAppliesPolicy(t *testing.T) {
	book := seededBook(t,
		buy("AAPL", "100", "10"),
		buy("MSFT", "100", "10"),
		buy("FLAT", "1", "10"), sell("FLAT", "1", "11"),
	)
	gateway := &fakeGateway{positions: []entity.BrokerPosition{
		remote("AAPL", "100.00001", "10"),
		remote("MSFT", "90", "10"),
	}}
	store := &memoryReports{}
	published := &memoryReports{}
	svc := NewService(gateway, book, store, published, Config{})

	report, err := svc.RunOnce(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, report.ID)

	aapl, ok := book.Get("AAPL")
	require.True(t, ok)
	assert.True(t, aapl.Quantity.Equal(d("100.00001")))
	assert.True(t, aapl.LastReconciledAt.Valid)

	msft, ok := book.Get("MSFT")
	require.True(t, ok)
	assert.True(t, msft.Quantity.Equal(d("100")), "discrepancies must not be auto-corrected")

	_, ok = book.Get("FLAT")
	assert.False(t, ok)

	assert.Equal(t, 1, store.count())
	assert.Equal(t, 1, published.count())
}

func TestService_CleanPassIsNotPublished(t *testing.T) {
	book := seededBook(t, buy("AAPL", "10", "10"))
	gateway := &fakeGateway{positions: []entity.BrokerPosition{remote("AAPL", "10", "10")}}
	store := &memoryReports{}
	published := &memoryReports{}

	report, err := NewService(gateway, book, store, published, Config{}).RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"AAPL"}, report.Matched)
	assert.Equal(t, 1, store.count())
	assert.Zero(t, published.count())
}

func TestService_GatewayError(t *testing.T) {
	gateway := &fakeGateway{err: errors.New("unreachable")}

	_, err := NewService(gateway, seededBook(t), nil, nil, Config{}).RunOnce(context.Background())
	assert.ErrorContains(t, err, "unreachable")
}

func TestService_TriggerRunsPass(t *testing.T) {
	gateway := &fakeGateway{}
	store := &memoryReports{}
	svc := NewService(gateway, seededBook(t), store, nil, Config{Interval: time.Hour})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go svc.Run(ctx)

	assert.Eventually(t, func() bool { return store.count() == 1 }, time.Second, 5*time.Millisecond)

	svc.TriggerOnFill(entity.Order{FilledQuantity: d("1")})
	assert.Eventually(t, func() bool { return store.count() == 2 }, time.Second, 5*time.Millisecond)

	svc.TriggerOnFill(entity.Order{})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 2, store.count())
}

// racingBook applies a fill right after the audit snapshot is taken.
type racingBook struct {
	*position.Book
	t    *testing.T
	fill entity.Fill
}

func (b *racingBook) Snapshot() []entity.Position {
	positions := b.Book.Snapshot()
	_, err := b.Book.ApplyFill(context.Background(), b.fill)
	require.NoError(b.t, err)
	return positions
}

func TestService_AbsorbKeepsFillAfterSnapshot(t *testing.T) {
	book := &racingBook{Book: seededBook(t, buy("AAPL", "100", "10")), t: t, fill: buy("AAPL", "50", "10")}
	gateway := &fakeGateway{positions: []entity.BrokerPosition{remote("AAPL", "100.00001", "10")}}

	report, err := NewService(gateway, book, nil, nil, Config{}).RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, report.Absorbed, 1)

	aapl, ok := book.Get("AAPL")
	require.True(t, ok)
	assert.True(t, aapl.Quantity.Equal(d("150")), "got %s", aapl.Quantity)
}

func TestService_RemoveKeepsFillAfterSnapshot(t *testing.T) {
	book := &racingBook{
		Book: seededBook(t, buy("MSFT", "10", "400"), sell("MSFT", "10", "410")),
		t:    t,
		fill: buy("MSFT", "20", "405"),
	}
	gateway := &fakeGateway{}

	report, err := NewService(gateway, book, nil, nil, Config{}).RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"MSFT"}, report.Matched)

	msft, ok := book.Get("MSFT")
	require.True(t, ok)
	assert.True(t, msft.Quantity.Equal(d("20")))
}
