package entity

import (
	"context"
	"time"

	"github.com/guregu/null/v6"
)

type AssetClass string
type Verdict string

const (
	AssetClassEquity AssetClass = "equity"
	AssetClassToken  AssetClass = "token"

	VerdictApproved    Verdict = "approved"
	VerdictRejected    Verdict = "rejected"
	VerdictNeedsReview Verdict = "needs_review"
)

// ComplianceAttributesSchemaVersion is bumped whenever a field is added or
// its meaning changes.
const ComplianceAttributesSchemaVersion = 1

// ComplianceAttributes is the typed attribute bag a screener evaluates.
// Ratios are fractions (0.05 == 5%); an invalid null value means the source
// could not provide it.
//
// Equity fields: DebtRatio and InterestIncomeRatio are required,
// CashRatio and NonCompliantRevenueRatio are optional.
// Token fields: Whitelisted is required, TokenCategories is optional.
type ComplianceAttributes struct {
	AssetID                  string      `db:"asset_id" json:"asset_id"`
	SchemaVersion            int         `db:"schema_version" json:"schema_version"`
	AssetClass               AssetClass  `db:"asset_class" json:"asset_class"`
	DebtRatio                null.Float  `db:"debt_ratio" json:"debt_ratio"`
	InterestIncomeRatio      null.Float  `db:"interest_income_ratio" json:"interest_income_ratio"`
	CashRatio                null.Float  `db:"cash_ratio" json:"cash_ratio"`
	NonCompliantRevenueRatio null.Float  `db:"non_compliant_revenue_ratio" json:"non_compliant_revenue_ratio"`
	BusinessActivities       []string    `db:"-" json:"business_activities"`
	Whitelisted              null.Bool   `db:"whitelisted" json:"whitelisted"`
	TokenCategories          []string    `db:"-" json:"token_categories"`
	Source                   string      `db:"source" json:"source"`
	FetchedAt                time.Time   `db:"fetched_at" json:"fetched_at"`
	Note                     null.String `db:"note" json:"note"`
}

func (a ComplianceAttributes) TableName() string {
	return "compliance_attributes"
}

type ComplianceVerdict struct {
	AssetID     string    `json:"asset_id"`
	Verdict     Verdict   `json:"verdict"`
	Score       float64   `json:"score"`
	Reasons     []string  `json:"reasons"`
	RuleSet     string    `json:"rule_set"`
	EvaluatedAt time.Time `json:"evaluated_at"`
}

func (v ComplianceVerdict) IsApproved() bool {
	return v.Verdict == VerdictApproved
}

// ComplianceAttributeSource fetches attributes for an asset. A nil result
// with a nil error means the source has nothing for the asset.
type ComplianceAttributeSource interface {
	FetchAttributes(ctx context.Context, assetID string) (*ComplianceAttributes, error)
}

type SentimentScore struct {
	Symbol    string
	Score     float64 // bounded to [-1, 1]
	Samples   int
	UpdatedAt time.Time
}

// SentimentSource is best effort: ok=false means no data, not a failure.
type SentimentSource interface {
	GetSentiment(ctx context.Context, symbol string) (score SentimentScore, ok bool, err error)
}

type NoopSentimentSource struct{}

func (NoopSentimentSource) GetSentiment(ctx context.Context, symbol string) (SentimentScore, bool, error) {
	return SentimentScore{}, false, nil
}
