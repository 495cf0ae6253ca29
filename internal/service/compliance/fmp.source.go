package compliance

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/goccy/go-json"
	"github.com/guregu/null/v6"
	"github.com/krobus00/halal-trading-service/internal/constant"
	"github.com/krobus00/halal-trading-service/internal/entity"
)

const defaultFMPBaseURL = "https://financialmodelingprep.com/api/v3"

// industryActivities maps vendor industry labels to business activity tags.
var industryActivities = map[string][]string{
	"banks":                             {"conventional_banking"},
	"banks-diversified":                 {"conventional_banking"},
	"banks-regional":                    {"conventional_banking"},
	"credit services":                   {"conventional_banking"},
	"mortgage finance":                  {"conventional_banking"},
	"insurance-diversified":             {"conventional_insurance"},
	"insurance-life":                    {"conventional_insurance"},
	"insurance-property & casualty":     {"conventional_insurance"},
	"beverages-brewers":                 {"alcohol"},
	"beverages-wineries & distilleries": {"alcohol"},
	"gambling":                          {"gambling"},
	"resorts & casinos":                 {"gambling"},
	"tobacco":                           {"tobacco"},
	"aerospace & defense":               {"weapons"},
}

type fmpProfile struct {
	Symbol   string  `json:"symbol"`
	Industry string  `json:"industry"`
	Sector   string  `json:"sector"`
	MktCap   float64 `json:"mktCap"`
}

type fmpBalanceSheet struct {
	TotalDebt                   float64 `json:"totalDebt"`
	CashAndShortTermInvestments float64 `json:"cashAndShortTermInvestments"`
	NetReceivables              float64 `json:"netReceivables"`
}

type fmpIncomeStatement struct {
	Revenue        float64 `json:"revenue"`
	InterestIncome float64 `json:"interestIncome"`
}

// FMPSource derives equity attributes from Financial Modeling Prep statements.
// Debt and cash ratios are measured against market capitalisation.
type FMPSource struct {
	apiKey string
	http   *resty.Client
	now    func() time.Time
}

func NewFMPSource(baseURL, apiKey string, timeout time.Duration) *FMPSource {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = defaultFMPBaseURL
	}
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}

	return &FMPSource{
		apiKey: apiKey,
		http: resty.New().
			SetBaseURL(strings.TrimRight(baseURL, "/")).
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		now: time.Now,
	}
}

func (s *FMPSource) FetchAttributes(ctx context.Context, assetID string) (*entity.ComplianceAttributes, error) {
	var profiles []fmpProfile
	if err := s.get(ctx, "/profile/"+assetID, nil, &profiles); err != nil {
		return nil, err
	}
	if len(profiles) == 0 {
		return nil, nil
	}
	profile := profiles[0]

	var balances []fmpBalanceSheet
	if err := s.get(ctx, "/balance-sheet-statement/"+assetID, map[string]string{"limit": "1"}, &balances); err != nil {
		return nil, err
	}

	var incomes []fmpIncomeStatement
	if err := s.get(ctx, "/income-statement/"+assetID, map[string]string{"limit": "1"}, &incomes); err != nil {
		return nil, err
	}

	attrs := &entity.ComplianceAttributes{
		AssetID:            assetID,
		SchemaVersion:      entity.ComplianceAttributesSchemaVersion,
		AssetClass:         entity.AssetClassEquity,
		BusinessActivities: activitiesFor(profile.Industry),
		Source:             constant.ComplianceSourceFMP,
		FetchedAt:          s.now().UTC(),
	}

	if len(balances) > 0 && profile.MktCap > 0 {
		attrs.DebtRatio = null.FloatFrom(balances[0].TotalDebt / profile.MktCap)
		attrs.CashRatio = null.FloatFrom(balances[0].CashAndShortTermInvestments / profile.MktCap)
	}
	if len(incomes) > 0 && incomes[0].Revenue > 0 {
		attrs.InterestIncomeRatio = null.FloatFrom(incomes[0].InterestIncome / incomes[0].Revenue)
	}

	return attrs, nil
}

func (s *FMPSource) get(ctx context.Context, path string, params map[string]string, out any) error {
	req := s.http.R().
		SetContext(ctx).
		SetQueryParam("apikey", s.apiKey)
	if len(params) > 0 {
		req = req.SetQueryParams(params)
	}

	resp, err := req.Get(path)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", entity.ErrComplianceDataUnavailable, path, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("%w: %s: HTTP %d", entity.ErrComplianceDataUnavailable, path, resp.StatusCode())
	}

	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", entity.ErrComplianceDataUnavailable, path, err)
	}

	return nil
}

func activitiesFor(industry string) []string {
	key := strings.ToLower(strings.TrimSpace(industry))
	if activities, ok := industryActivities[key]; ok {
		return activities
	}
	if key == "" {
		return []string{}
	}
	return []string{normalizeTag(key)}
}

// ChainSource asks each source in order and returns the first non-nil result.
// A failing source is skipped; the last error is returned when none answer.
type ChainSource struct {
	sources []entity.ComplianceAttributeSource
}

func NewChainSource(sources ...entity.ComplianceAttributeSource) *ChainSource {
	return &ChainSource{sources: sources}
}

func (c *ChainSource) FetchAttributes(ctx context.Context, assetID string) (*entity.ComplianceAttributes, error) {
	var lastErr error
	for _, source := range c.sources {
		attrs, err := source.FetchAttributes(ctx, assetID)
		if err != nil {
			lastErr = err
			continue
		}
		if attrs != nil {
			return attrs, nil
		}
	}

	if lastErr != nil {
		return nil, lastErr
	}

	return nil, nil
}
