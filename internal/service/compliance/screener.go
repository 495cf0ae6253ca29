package compliance

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/guregu/null/v6"
	"github.com/krobus00/halal-trading-service/internal/entity"
)

const (
	defaultRuleSet                     = "aaoifi-v1"
	defaultPassScore                   = 60.0
	defaultMaxDebtRatio                = 0.33
	defaultMaxInterestIncomeRatio      = 0.05
	defaultMaxCashRatio                = 0.33
	defaultMaxNonCompliantRevenueRatio = 0.05
	reviewCategoryPenalty              = 25.0
	unlistedTokenScore                 = 50.0

	insufficientDataReason = "insufficient data"
)

var (
	defaultProhibitedActivities = []string{
		"alcohol", "gambling", "pork", "conventional_banking", "conventional_insurance",
		"tobacco", "adult_entertainment", "weapons",
	}
	defaultProhibitedTokenCategories = []string{"lending", "perpetual", "gambling", "margin"}
)

type Rules struct {
	RuleSet                     string
	PassScore                   float64
	MaxDebtRatio                float64
	MaxInterestIncomeRatio      float64
	MaxCashRatio                float64
	MaxNonCompliantRevenueRatio float64
	ProhibitedActivities        []string
	ProhibitedTokenCategories   []string
	ReviewTokenCategories       []string
	BlockedAssets               []string
	RequireTokenWhitelist       bool
}

func DefaultRules() Rules {
	return Rules{
		RuleSet:                     defaultRuleSet,
		PassScore:                   defaultPassScore,
		MaxDebtRatio:                defaultMaxDebtRatio,
		MaxInterestIncomeRatio:      defaultMaxInterestIncomeRatio,
		MaxCashRatio:                defaultMaxCashRatio,
		MaxNonCompliantRevenueRatio: defaultMaxNonCompliantRevenueRatio,
		ProhibitedActivities:        defaultProhibitedActivities,
		ProhibitedTokenCategories:   defaultProhibitedTokenCategories,
		RequireTokenWhitelist:       true,
	}
}

type hardPredicate struct {
	name  string
	check func(assetID string, attrs *entity.ComplianceAttributes) (string, bool)
}

type softCriterion struct {
	weight    float64
	value     null.Float
	threshold float64
}

// Screener maps an asset and its fetched attributes to a verdict. It holds
// no mutable state; the same input always yields the same verdict and score.
type Screener struct {
	rules      Rules
	blocked    map[string]struct{}
	prohibited map[string]struct{}
	tokenBans  map[string]struct{}
	tokenWatch map[string]struct{}
	predicates []hardPredicate
	now        func() time.Time
}

func NewScreener(rules Rules) *Screener {
	defaults := DefaultRules()
	if strings.TrimSpace(rules.RuleSet) == "" {
		rules.RuleSet = defaults.RuleSet
	}
	if rules.PassScore <= 0 || rules.PassScore > 100 {
		rules.PassScore = defaults.PassScore
	}
	if rules.MaxDebtRatio <= 0 {
		rules.MaxDebtRatio = defaults.MaxDebtRatio
	}
	if rules.MaxInterestIncomeRatio <= 0 {
		rules.MaxInterestIncomeRatio = defaults.MaxInterestIncomeRatio
	}
	if rules.MaxCashRatio <= 0 {
		rules.MaxCashRatio = defaults.MaxCashRatio
	}
	if rules.MaxNonCompliantRevenueRatio <= 0 {
		rules.MaxNonCompliantRevenueRatio = defaults.MaxNonCompliantRevenueRatio
	}
	if rules.ProhibitedActivities == nil {
		rules.ProhibitedActivities = defaults.ProhibitedActivities
	}
	if rules.ProhibitedTokenCategories == nil {
		rules.ProhibitedTokenCategories = defaults.ProhibitedTokenCategories
	}

	s := &Screener{
		rules:      rules,
		blocked:    toSet(rules.BlockedAssets),
		prohibited: toSet(rules.ProhibitedActivities),
		tokenBans:  toSet(rules.ProhibitedTokenCategories),
		tokenWatch: toSet(rules.ReviewTokenCategories),
		now:        time.Now,
	}
	s.predicates = s.hardPredicates()

	return s
}

func (s *Screener) RuleSet() string {
	return s.rules.RuleSet
}

// Evaluate never returns approved on missing data: nil attributes or a
// missing required field yields needs_review.
func (s *Screener) Evaluate(assetID string, attrs *entity.ComplianceAttributes) entity.ComplianceVerdict {
	verdict := entity.ComplianceVerdict{
		AssetID:     assetID,
		RuleSet:     s.rules.RuleSet,
		Reasons:     []string{},
		EvaluatedAt: s.now().UTC(),
	}

	if _, blocked := s.blocked[normalizeTag(assetID)]; blocked {
		verdict.Verdict = entity.VerdictRejected
		verdict.Reasons = append(verdict.Reasons, fmt.Sprintf("asset %s is on the blocked list", assetID))
		return verdict
	}

	if attrs == nil {
		verdict.Verdict = entity.VerdictNeedsReview
		verdict.Reasons = append(verdict.Reasons, insufficientDataReason+": no attributes available")
		return verdict
	}

	for _, predicate := range s.predicates {
		if reason, fired := predicate.check(assetID, attrs); fired {
			verdict.Reasons = append(verdict.Reasons, reason)
		}
	}
	if len(verdict.Reasons) > 0 {
		verdict.Verdict = entity.VerdictRejected
		return verdict
	}

	if missing := missingRequiredFields(attrs); len(missing) > 0 {
		verdict.Verdict = entity.VerdictNeedsReview
		verdict.Reasons = append(verdict.Reasons, fmt.Sprintf("%s: missing %s", insufficientDataReason, strings.Join(missing, ", ")))
		return verdict
	}

	score, notes := s.softScore(attrs)
	verdict.Score = score
	verdict.Reasons = append(verdict.Reasons, notes...)

	if score >= s.rules.PassScore {
		verdict.Verdict = entity.VerdictApproved
		return verdict
	}

	verdict.Verdict = entity.VerdictNeedsReview
	verdict.Reasons = append(verdict.Reasons, fmt.Sprintf("score %.2f below pass score %.2f", score, s.rules.PassScore))
	return verdict
}

func (s *Screener) hardPredicates() []hardPredicate {
	return []hardPredicate{
		{
			name: "prohibited_activity",
			check: func(_ string, attrs *entity.ComplianceAttributes) (string, bool) {
				hits := intersect(attrs.BusinessActivities, s.prohibited)
				if len(hits) == 0 {
					return "", false
				}
				return fmt.Sprintf("prohibited business activity: %s", strings.Join(hits, ", ")), true
			},
		},
		{
			name: "prohibited_token_category",
			check: func(_ string, attrs *entity.ComplianceAttributes) (string, bool) {
				if attrs.AssetClass != entity.AssetClassToken {
					return "", false
				}
				hits := intersect(attrs.TokenCategories, s.tokenBans)
				if len(hits) == 0 {
					return "", false
				}
				return fmt.Sprintf("prohibited token category: %s", strings.Join(hits, ", ")), true
			},
		},
		{
			name: "token_not_whitelisted",
			check: func(_ string, attrs *entity.ComplianceAttributes) (string, bool) {
				if attrs.AssetClass != entity.AssetClassToken || !s.rules.RequireTokenWhitelist {
					return "", false
				}
				if attrs.Whitelisted.Valid && !attrs.Whitelisted.Bool {
					return "token is not on the halal whitelist", true
				}
				return "", false
			},
		},
		{
			name:  "interest_income_ratio",
			check: ratioAbove("interest income ratio", func(a *entity.ComplianceAttributes) null.Float { return a.InterestIncomeRatio }, s.rules.MaxInterestIncomeRatio),
		},
		{
			name:  "debt_ratio",
			check: ratioAbove("debt ratio", func(a *entity.ComplianceAttributes) null.Float { return a.DebtRatio }, s.rules.MaxDebtRatio),
		},
		{
			name:  "non_compliant_revenue_ratio",
			check: ratioAbove("non-compliant revenue ratio", func(a *entity.ComplianceAttributes) null.Float { return a.NonCompliantRevenueRatio }, s.rules.MaxNonCompliantRevenueRatio),
		},
		{
			name:  "cash_ratio",
			check: ratioAbove("cash and interest-bearing securities ratio", func(a *entity.ComplianceAttributes) null.Float { return a.CashRatio }, s.rules.MaxCashRatio),
		},
	}
}

func ratioAbove(label string, field func(*entity.ComplianceAttributes) null.Float, threshold float64) func(string, *entity.ComplianceAttributes) (string, bool) {
	return func(_ string, attrs *entity.ComplianceAttributes) (string, bool) {
		value := field(attrs)
		if !value.Valid || value.Float64 <= threshold {
			return "", false
		}
		return fmt.Sprintf("%s %.4f exceeds threshold %.4f", label, value.Float64, threshold), true
	}
}

func missingRequiredFields(attrs *entity.ComplianceAttributes) []string {
	missing := make([]string, 0)

	switch attrs.AssetClass {
	case entity.AssetClassToken:
		if !attrs.Whitelisted.Valid {
			missing = append(missing, "whitelist membership")
		}
	case entity.AssetClassEquity:
		if !attrs.DebtRatio.Valid {
			missing = append(missing, "debt ratio")
		}
		if !attrs.InterestIncomeRatio.Valid {
			missing = append(missing, "interest income ratio")
		}
	default:
		missing = append(missing, "asset class")
	}

	return missing
}

func (s *Screener) softScore(attrs *entity.ComplianceAttributes) (float64, []string) {
	if attrs.AssetClass == entity.AssetClassToken {
		return s.tokenScore(attrs)
	}

	criteria := []softCriterion{
		{weight: 0.4, value: attrs.DebtRatio, threshold: s.rules.MaxDebtRatio},
		{weight: 0.3, value: attrs.InterestIncomeRatio, threshold: s.rules.MaxInterestIncomeRatio},
		{weight: 0.2, value: attrs.CashRatio, threshold: s.rules.MaxCashRatio},
		{weight: 0.1, value: attrs.NonCompliantRevenueRatio, threshold: s.rules.MaxNonCompliantRevenueRatio},
	}

	totalWeight := 0.0
	weighted := 0.0
	for _, criterion := range criteria {
		if !criterion.value.Valid {
			continue
		}
		headroom := 1 - criterion.value.Float64/criterion.threshold
		weighted += criterion.weight * clamp(headroom, 0, 1)
		totalWeight += criterion.weight
	}

	if totalWeight == 0 {
		return 0, nil
	}

	return round2(100 * weighted / totalWeight), nil
}

func (s *Screener) tokenScore(attrs *entity.ComplianceAttributes) (float64, []string) {
	score := 100.0
	notes := make([]string, 0)

	if !attrs.Whitelisted.Bool {
		score = unlistedTokenScore
		notes = append(notes, "token is not on the halal whitelist")
	}

	for _, category := range intersect(attrs.TokenCategories, s.tokenWatch) {
		score -= reviewCategoryPenalty
		notes = append(notes, fmt.Sprintf("token category %s requires review", category))
	}

	return round2(clamp(score, 0, 100)), notes
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		normalized := normalizeTag(v)
		if normalized == "" {
			continue
		}
		set[normalized] = struct{}{}
	}
	return set
}

// intersect keeps the order of values so reasons are deterministic.
func intersect(values []string, set map[string]struct{}) []string {
	hits := make([]string, 0)
	seen := make(map[string]struct{})
	for _, v := range values {
		normalized := normalizeTag(v)
		if _, ok := set[normalized]; !ok {
			continue
		}
		if _, dup := seen[normalized]; dup {
			continue
		}
		seen[normalized] = struct{}{}
		hits = append(hits, normalized)
	}
	return hits
}

func normalizeTag(v string) string {
	normalized := strings.ToLower(strings.TrimSpace(v))
	normalized = strings.ReplaceAll(normalized, " ", "_")
	normalized = strings.ReplaceAll(normalized, "-", "_")
	return normalized
}

func clamp(v, low, high float64) float64 {
	return math.Max(low, math.Min(high, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
