package repository

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/halal-trading-service/internal/entity"
)

type TradeHistoryRepository struct {
	db *sqlx.DB
}

func NewTradeHistoryRepository(db *sqlx.DB) *TradeHistoryRepository {
	return &TradeHistoryRepository{db: db}
}

// Append archives a terminal order. A second record for the same order is ignored.
func (r *TradeHistoryRepository) Append(ctx context.Context, record entity.TradeRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}

	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(record.TableName()).
		Columns(
			"id",
			"order_id",
			"broker_order_id",
			"symbol",
			"side",
			"strategy_name",
			"status",
			"quantity",
			"filled_quantity",
			"average_fill_price",
			"fees",
			"realized_pnl",
			"retry_count",
			"reason",
			"opened_at",
			"closed_at",
		).
		Values(
			record.ID,
			record.OrderID,
			record.BrokerOrderID,
			record.Symbol,
			record.Side,
			record.StrategyName,
			record.Status,
			record.Quantity,
			record.FilledQuantity,
			record.AverageFillPrice,
			record.Fees,
			record.RealizedPnl,
			record.RetryCount,
			record.Reason,
			record.OpenedAt,
			record.ClosedAt,
		).
		Suffix("ON CONFLICT (order_id) DO NOTHING")

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *TradeHistoryRepository) List(ctx context.Context, symbol string, limit, offset uint64) ([]entity.TradeRecord, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From(entity.TradeRecord{}.TableName()).
		OrderBy("closed_at desc").
		Limit(pageSize(limit)).
		Offset(offset)

	if symbol != "" {
		queryBuilder = queryBuilder.Where(sq.Eq{"symbol": symbol})
	}

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	records := []entity.TradeRecord{}
	err = r.db.SelectContext(ctx, &records, query, args...)
	if err != nil {
		return nil, err
	}

	return records, nil
}

// Summary aggregates closing trades, the ones carrying a realized pnl.
func (r *TradeHistoryRepository) Summary(ctx context.Context) (entity.TradeSummary, error) {
	query, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select(
			"COUNT(*) AS closed_trades",
			"COUNT(*) FILTER (WHERE realized_pnl > 0) AS winning_trades",
			"COALESCE(SUM(realized_pnl), 0) AS total_realized_pnl",
		).
		From(entity.TradeRecord{}.TableName()).
		Where(sq.NotEq{"realized_pnl": nil}).
		ToSql()
	if err != nil {
		return entity.TradeSummary{}, err
	}

	var summary entity.TradeSummary
	err = r.db.GetContext(ctx, &summary, query, args...)
	if err != nil {
		return entity.TradeSummary{}, err
	}

	return summary, nil
}
