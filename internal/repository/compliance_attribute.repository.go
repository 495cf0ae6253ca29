package repository

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/lib/pq"
)

type complianceAttributeRow struct {
	entity.ComplianceAttributes
	BusinessActivities pq.StringArray `db:"business_activities"`
	TokenCategories    pq.StringArray `db:"token_categories"`
}

// ComplianceAttributeRepository serves operator maintained attributes. It
// is the first source consulted so manual overrides win over vendors.
type ComplianceAttributeRepository struct {
	db *sqlx.DB
}

func NewComplianceAttributeRepository(db *sqlx.DB) *ComplianceAttributeRepository {
	return &ComplianceAttributeRepository{db: db}
}

// FetchAttributes returns nil without error when the asset has no row.
func (r *ComplianceAttributeRepository) FetchAttributes(ctx context.Context, assetID string) (*entity.ComplianceAttributes, error) {
	query, args, err := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Select("*").
		From(entity.ComplianceAttributes{}.TableName()).
		Where(sq.Eq{"asset_id": strings.ToUpper(strings.TrimSpace(assetID))}).
		ToSql()
	if err != nil {
		return nil, err
	}

	var row complianceAttributeRow
	err = r.db.GetContext(ctx, &row, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	attrs := row.ComplianceAttributes
	attrs.BusinessActivities = []string(row.BusinessActivities)
	attrs.TokenCategories = []string(row.TokenCategories)

	return &attrs, nil
}

func (r *ComplianceAttributeRepository) Upsert(ctx context.Context, attrs entity.ComplianceAttributes) error {
	queryBuilder := sq.StatementBuilder.
		PlaceholderFormat(sq.Dollar).
		Insert(attrs.TableName()).
		Columns(
			"asset_id",
			"schema_version",
			"asset_class",
			"debt_ratio",
			"interest_income_ratio",
			"cash_ratio",
			"non_compliant_revenue_ratio",
			"business_activities",
			"whitelisted",
			"token_categories",
			"source",
			"fetched_at",
			"note",
		).
		Values(
			strings.ToUpper(strings.TrimSpace(attrs.AssetID)),
			attrs.SchemaVersion,
			attrs.AssetClass,
			attrs.DebtRatio,
			attrs.InterestIncomeRatio,
			attrs.CashRatio,
			attrs.NonCompliantRevenueRatio,
			pq.StringArray(attrs.BusinessActivities),
			attrs.Whitelisted,
			pq.StringArray(attrs.TokenCategories),
			attrs.Source,
			attrs.FetchedAt,
			attrs.Note,
		).
		Suffix(`ON CONFLICT (asset_id) DO UPDATE SET
			schema_version = EXCLUDED.schema_version,
			asset_class = EXCLUDED.asset_class,
			debt_ratio = EXCLUDED.debt_ratio,
			interest_income_ratio = EXCLUDED.interest_income_ratio,
			cash_ratio = EXCLUDED.cash_ratio,
			non_compliant_revenue_ratio = EXCLUDED.non_compliant_revenue_ratio,
			business_activities = EXCLUDED.business_activities,
			whitelisted = EXCLUDED.whitelisted,
			token_categories = EXCLUDED.token_categories,
			source = EXCLUDED.source,
			fetched_at = EXCLUDED.fetched_at,
			note = EXCLUDED.note`)

	query, args, err := queryBuilder.ToSql()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, query, args...)
	return err
}
