package repository

import (
	"context"
	"database/sql"
	"errors"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/halal-trading-service/internal/entity"
)

var terminalOrderStatuses = []string{
	string(entity.OrderStatusFilled),
	string(entity.OrderStatusCancelled),
	string(entity.OrderStatusRejected),
	string(entity.OrderStatusFailed),
}

type OrderFilter struct {
	Symbol string
	Status string
	Limit  uint64
	Offset uint64
}

type OrderRepository struct {
	db *sqlx.DB
}

func NewOrderRepository(db *sqlx.DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Upsert writes the latest state of an order. Terminal rows are never
// overwritten.
func (r *OrderRepository) Upsert(ctx context.Context, order entity.Order) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(order.TableName()).
		Columns(
			"id",
			"broker_order_id",
			"symbol",
			"side",
			"type",
			"time_in_force",
			"requested_quantity",
			"limit_price",
			"stop_price",
			"strategy_name",
			"status",
			"filled_quantity",
			"average_fill_price",
			"fees",
			"retry_count",
			"reason",
			"created_at",
			"last_updated_at",
			"terminal_at",
		).
		Values(
			order.ID,
			order.BrokerOrderID,
			order.Symbol,
			order.Side,
			order.Type,
			order.TimeInForce,
			order.RequestedQuantity,
			order.LimitPrice,
			order.StopPrice,
			order.StrategyName,
			order.Status,
			order.FilledQuantity,
			order.AverageFillPrice,
			order.Fees,
			order.RetryCount,
			order.Reason,
			order.CreatedAt,
			order.LastUpdatedAt,
			order.TerminalAt,
		).
		Suffix(`ON CONFLICT (id) DO UPDATE SET
			broker_order_id = EXCLUDED.broker_order_id,
			status = EXCLUDED.status,
			filled_quantity = EXCLUDED.filled_quantity,
			average_fill_price = EXCLUDED.average_fill_price,
			fees = EXCLUDED.fees,
			retry_count = EXCLUDED.retry_count,
			reason = EXCLUDED.reason,
			last_updated_at = EXCLUDED.last_updated_at,
			terminal_at = EXCLUDED.terminal_at
		WHERE orders.terminal_at IS NULL`)

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *OrderRepository) AppendEvent(ctx context.Context, event entity.OrderEvent) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(event.TableName()).
		Columns(
			"id",
			"order_id",
			"symbol",
			"kind",
			"from_status",
			"to_status",
			"filled_quantity",
			"fill_price",
			"retry_count",
			"reason",
			"created_at",
		).
		Values(
			event.ID,
			event.OrderID,
			event.Symbol,
			event.Kind,
			event.FromStatus,
			event.ToStatus,
			event.FilledQuantity,
			event.FillPrice,
			event.RetryCount,
			event.Reason,
			event.CreatedAt,
		)

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

// GetByID returns nil without error when the order does not exist.
func (r *OrderRepository) GetByID(ctx context.Context, id string) (*entity.Order, error) {
	query, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From(entity.Order{}.TableName()).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var order entity.Order
	err = r.db.GetContext(ctx, &order, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &order, nil
}

func (r *OrderRepository) GetNonTerminal(ctx context.Context) ([]entity.Order, error) {
	query, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From(entity.Order{}.TableName()).
		Where(sq.NotEq{"status": terminalOrderStatuses}).
		OrderBy("created_at asc").
		ToSql()
	if err != nil {
		return nil, err
	}

	orders := []entity.Order{}
	err = r.db.SelectContext(ctx, &orders, query, args...)
	if err != nil {
		return nil, err
	}

	return orders, nil
}

func (r *OrderRepository) List(ctx context.Context, filter OrderFilter) ([]entity.Order, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From(entity.Order{}.TableName()).
		OrderBy("created_at desc").
		Limit(pageSize(filter.Limit)).
		Offset(filter.Offset)

	if filter.Symbol != "" {
		queryBuilder = queryBuilder.Where(sq.Eq{"symbol": filter.Symbol})
	}
	if filter.Status != "" {
		queryBuilder = queryBuilder.Where(sq.Eq{"status": filter.Status})
	}

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	orders := []entity.Order{}
	err = r.db.SelectContext(ctx, &orders, query, args...)
	if err != nil {
		return nil, err
	}

	return orders, nil
}

func (r *OrderRepository) ListEvents(ctx context.Context, orderID string) ([]entity.OrderEvent, error) {
	query, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From(entity.OrderEvent{}.TableName()).
		Where(sq.Eq{"order_id": orderID}).
		OrderBy("created_at asc").
		ToSql()
	if err != nil {
		return nil, err
	}

	events := []entity.OrderEvent{}
	err = r.db.SelectContext(ctx, &events, query, args...)
	if err != nil {
		return nil, err
	}

	return events, nil
}

func pageSize(limit uint64) uint64 {
	switch {
	case limit == 0:
		return 50
	case limit > 500:
		return 500
	default:
		return limit
	}
}
