package repository

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/halal-trading-service/internal/entity"
)

type PositionRepository struct {
	db *sqlx.DB
}

func NewPositionRepository(db *sqlx.DB) *PositionRepository {
	return &PositionRepository{db: db}
}

func (r *PositionRepository) Upsert(ctx context.Context, position entity.Position) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(position.TableName()).
		Columns(
			"symbol",
			"quantity",
			"average_entry_price",
			"market_price",
			"unrealized_pnl",
			"realized_pnl",
			"last_reconciled_at",
			"updated_at",
		).
		Values(
			position.Symbol,
			position.Quantity,
			position.AverageEntryPrice,
			position.MarketPrice,
			position.UnrealizedPnl,
			position.RealizedPnl,
			position.LastReconciledAt,
			position.UpdatedAt,
		).
		Suffix(`ON CONFLICT (symbol) DO UPDATE SET
			quantity = EXCLUDED.quantity,
			average_entry_price = EXCLUDED.average_entry_price,
			market_price = EXCLUDED.market_price,
			unrealized_pnl = EXCLUDED.unrealized_pnl,
			realized_pnl = EXCLUDED.realized_pnl,
			last_reconciled_at = EXCLUDED.last_reconciled_at,
			updated_at = EXCLUDED.updated_at`)

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *PositionRepository) Delete(ctx context.Context, symbol string) error {
	query, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Delete(entity.Position{}.TableName()).
		Where(sq.Eq{"symbol": symbol}).
		ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *PositionRepository) GetAll(ctx context.Context) ([]entity.Position, error) {
	query, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From(entity.Position{}.TableName()).
		OrderBy("symbol asc").
		ToSql()
	if err != nil {
		return nil, err
	}

	positions := []entity.Position{}
	err = r.db.SelectContext(ctx, &positions, query, args...)
	if err != nil {
		return nil, err
	}

	return positions, nil
}
