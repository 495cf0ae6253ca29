package repository

import (
	"context"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/goccy/go-json"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/halal-trading-service/internal/entity"
)

const reconciliationReportTable = "reconciliation_reports"

type reconciliationReportRow struct {
	ID               string    `db:"id"`
	Matched          []byte    `db:"matched"`
	Discrepancies    []byte    `db:"discrepancies"`
	Absorbed         []byte    `db:"absorbed"`
	HasDiscrepancies bool      `db:"has_discrepancies"`
	ReconciledAt     time.Time `db:"reconciled_at"`
}

type ReconciliationReportRepository struct {
	db *sqlx.DB
}

func NewReconciliationReportRepository(db *sqlx.DB) *ReconciliationReportRepository {
	return &ReconciliationReportRepository{db: db}
}

func (r *ReconciliationReportRepository) Create(ctx context.Context, report entity.ReconciliationReport) error {
	matched, err := json.Marshal(nonNil(report.Matched))
	if err != nil {
		return err
	}
	discrepancies, err := json.Marshal(nonNil(report.Discrepancies))
	if err != nil {
		return err
	}
	absorbed, err := json.Marshal(nonNil(report.Absorbed))
	if err != nil {
		return err
	}

	query, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(reconciliationReportTable).
		Columns("id", "matched", "discrepancies", "absorbed", "has_discrepancies", "reconciled_at").
		Values(report.ID, string(matched), string(discrepancies), string(absorbed), report.HasDiscrepancies(), report.ReconciledAt).
		ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}

func (r *ReconciliationReportRepository) List(ctx context.Context, onlyDiscrepancies bool, limit uint64) ([]entity.ReconciliationReport, error) {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("id", "matched", "discrepancies", "absorbed", "has_discrepancies", "reconciled_at").
		From(reconciliationReportTable).
		OrderBy("reconciled_at desc").
		Limit(pageSize(limit))

	if onlyDiscrepancies {
		queryBuilder = queryBuilder.Where(sq.Eq{"has_discrepancies": true})
	}

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return nil, err
	}

	var rows []reconciliationReportRow
	err = r.db.SelectContext(ctx, &rows, query, args...)
	if err != nil {
		return nil, err
	}

	reports := make([]entity.ReconciliationReport, 0, len(rows))
	for _, row := range rows {
		report := entity.ReconciliationReport{ID: row.ID, ReconciledAt: row.ReconciledAt}
		if err := json.Unmarshal(row.Matched, &report.Matched); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(row.Discrepancies, &report.Discrepancies); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(row.Absorbed, &report.Absorbed); err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}

	return reports, nil
}

func nonNil[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}
