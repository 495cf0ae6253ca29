package portfolio

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/krobus00/halal-trading-service/internal/repository"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const (
	defaultCallTimeout = 5 * time.Second
	markConcurrency    = 8
)

var ErrOrderNotFound = errors.New("order not found")

type OrderReader interface {
	List(ctx context.Context, filter repository.OrderFilter) ([]entity.Order, error)
	GetByID(ctx context.Context, id string) (*entity.Order, error)
	ListEvents(ctx context.Context, orderID string) ([]entity.OrderEvent, error)
}

type TradeReader interface {
	List(ctx context.Context, symbol string, limit, offset uint64) ([]entity.TradeRecord, error)
	Summary(ctx context.Context) (entity.TradeSummary, error)
}

type ReportReader interface {
	List(ctx context.Context, onlyDiscrepancies bool, limit uint64) ([]entity.ReconciliationReport, error)
}

type PositionSnapshotter interface {
	Snapshot() []entity.Position
}

type AccountReader interface {
	GetAccount(ctx context.Context) (entity.Account, error)
}

// QueryService projects stored orders, trades and the live position book
// for the dashboard. It never mutates state.
type QueryService struct {
	orders      OrderReader
	trades      TradeReader
	reports     ReportReader
	positions   PositionSnapshotter
	account     AccountReader
	prices      entity.PriceFeed
	callTimeout time.Duration
	now         func() time.Time
}

func NewQueryService(orders OrderReader, trades TradeReader, reports ReportReader, positions PositionSnapshotter, account AccountReader, prices entity.PriceFeed, callTimeout time.Duration) *QueryService {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}

	return &QueryService{
		orders:      orders,
		trades:      trades,
		reports:     reports,
		positions:   positions,
		account:     account,
		prices:      prices,
		callTimeout: callTimeout,
		now:         time.Now,
	}
}

func (s *QueryService) Orders(ctx context.Context, filter repository.OrderFilter) ([]entity.Order, error) {
	filter.Symbol = strings.ToUpper(strings.TrimSpace(filter.Symbol))
	filter.Status = strings.ToUpper(strings.TrimSpace(filter.Status))
	return s.orders.List(ctx, filter)
}

func (s *QueryService) Order(ctx context.Context, id string) (entity.OrderDetail, error) {
	order, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return entity.OrderDetail{}, err
	}
	if order == nil {
		return entity.OrderDetail{}, ErrOrderNotFound
	}

	events, err := s.orders.ListEvents(ctx, id)
	if err != nil {
		return entity.OrderDetail{}, err
	}

	return entity.OrderDetail{Order: *order, Events: events}, nil
}

func (s *QueryService) Trades(ctx context.Context, symbol string, limit, offset uint64) ([]entity.TradeRecord, error) {
	return s.trades.List(ctx, strings.ToUpper(strings.TrimSpace(symbol)), limit, offset)
}

func (s *QueryService) Reconciliations(ctx context.Context, onlyDiscrepancies bool, limit uint64) ([]entity.ReconciliationReport, error) {
	return s.reports.List(ctx, onlyDiscrepancies, limit)
}

// Positions returns open positions marked to the latest quote. A symbol
// without a quote keeps its last known market price.
func (s *QueryService) Positions(ctx context.Context) []entity.Position {
	snapshot := s.positions.Snapshot()

	open := make([]entity.Position, 0, len(snapshot))
	for _, position := range snapshot {
		if position.Quantity.IsZero() {
			continue
		}
		open = append(open, position)
	}

	if s.prices == nil || len(open) == 0 {
		return open
	}

	eg, egCtx := errgroup.WithContext(ctx)
	eg.SetLimit(markConcurrency)

	for i := range open {
		eg.Go(func() error {
			callCtx, cancel := context.WithTimeout(egCtx, s.callTimeout)
			defer cancel()

			quote, err := s.prices.GetQuote(callCtx, open[i].Symbol)
			if err != nil {
				logrus.WithField("symbol", open[i].Symbol).WithError(err).Debug("position marked at last known price")
				return nil
			}

			open[i].Mark(quote.Price)
			return nil
		})
	}
	_ = eg.Wait()

	sort.Slice(open, func(i, j int) bool { return open[i].Symbol < open[j].Symbol })

	return open
}

// Stats combines the gateway account with realized results from trade
// history and unrealized pnl of open positions.
func (s *QueryService) Stats(ctx context.Context) (entity.PortfolioStats, error) {
	var (
		account entity.Account
		summary entity.TradeSummary
	)

	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		callCtx, cancel := context.WithTimeout(egCtx, s.callTimeout)
		defer cancel()

		var err error
		account, err = s.account.GetAccount(callCtx)
		return err
	})
	eg.Go(func() error {
		var err error
		summary, err = s.trades.Summary(egCtx)
		return err
	})
	if err := eg.Wait(); err != nil {
		return entity.PortfolioStats{}, err
	}

	positions := s.Positions(ctx)

	unrealized := decimal.Zero
	for _, position := range positions {
		unrealized = unrealized.Add(position.UnrealizedPnl)
	}

	realized := decimal.NewFromFloat(summary.TotalRealizedPnl)

	stats := entity.PortfolioStats{
		Equity:           account.Equity,
		BuyingPower:      account.BuyingPower,
		TotalRealizedPnl: realized,
		UnrealizedPnl:    unrealized,
		TotalPnl:         realized.Add(unrealized),
		ClosedTrades:     summary.ClosedTrades,
		WinningTrades:    summary.WinningTrades,
		WinRate:          winRate(summary.WinningTrades, summary.ClosedTrades),
		OpenPositions:    len(positions),
		GeneratedAt:      s.now().UTC(),
	}

	return stats, nil
}

// winRate is a percentage rounded to two places; zero closed trades yields zero.
func winRate(winning, closed int) decimal.Decimal {
	if closed <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(winning)).
		Mul(decimal.NewFromInt(100)).
		Div(decimal.NewFromInt(int64(closed))).
		Round(2)
}
