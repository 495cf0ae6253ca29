package compliance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/guregu/null/v6"
	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubSource struct {
	calls atomic.Int32
	attrs *entity.ComplianceAttributes
	err   error
	delay time.Duration
}

func (s *stubSource) FetchAttributes(ctx context.Context, assetID string) (*entity.ComplianceAttributes, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.attrs, s.err
}

func TestService_CachesVerdict(t *testing.T) {
	source := &stubSource{attrs: cleanEquity("MSFT")}
	svc := NewService(newTestScreener(), source, NewMemoryVerdictCache(), ServiceConfig{VerdictTTL: time.Hour})

	first := svc.Evaluate(context.Background(), "msft")
	second := svc.Evaluate(context.Background(), "MSFT")

	assert.Equal(t, entity.VerdictApproved, first.Verdict)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(1), source.calls.Load())

	require.NoError(t, svc.Invalidate(context.Background(), " msft "))
	svc.Evaluate(context.Background(), "MSFT")
	assert.Equal(t, int32(2), source.calls.Load())
}

func TestService_FetchFailureNeedsReviewAndIsNotCached(t *testing.T) {
	source := &stubSource{err: errors.New("vendor down")}
	svc := NewService(newTestScreener(), source, NewMemoryVerdictCache(), ServiceConfig{})

	verdict := svc.Evaluate(context.Background(), "AAPL")
	require.Equal(t, entity.VerdictNeedsReview, verdict.Verdict)
	require.Len(t, verdict.Reasons, 1)
	assert.Contains(t, verdict.Reasons[0], insufficientDataReason)
	assert.Contains(t, verdict.Reasons[0], "vendor down")

	svc.Evaluate(context.Background(), "AAPL")
	assert.Equal(t, int32(2), source.calls.Load())
}

func TestService_PartialAttributesAreNotCached(t *testing.T) {
	attrs := cleanEquity("AAPL")
	attrs.InterestIncomeRatio = null.Float{}
	source := &stubSource{attrs: attrs}
	svc := NewService(newTestScreener(), source, NewMemoryVerdictCache(), ServiceConfig{VerdictTTL: time.Hour})

	verdict := svc.Evaluate(context.Background(), "AAPL")
	require.Equal(t, entity.VerdictNeedsReview, verdict.Verdict)
	require.NotEmpty(t, verdict.Reasons)
	assert.Contains(t, verdict.Reasons[0], insufficientDataReason)

	svc.Evaluate(context.Background(), "AAPL")
	assert.Equal(t, int32(2), source.calls.Load())
}

func TestService_FetchTimeout(t *testing.T) {
	source := &stubSource{attrs: cleanEquity("SLOW"), delay: time.Second}
	svc := NewService(newTestScreener(), source, nil, ServiceConfig{FetchTimeout: 20 * time.Millisecond})

	verdict := svc.Evaluate(context.Background(), "SLOW")

	assert.Equal(t, entity.VerdictNeedsReview, verdict.Verdict)
}

func TestService_DeduplicatesConcurrentFetches(t *testing.T) {
	source := &stubSource{attrs: cleanEquity("NVDA"), delay: 50 * time.Millisecond}
	svc := NewService(newTestScreener(), source, NewMemoryVerdictCache(), ServiceConfig{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Equal(t, entity.VerdictApproved, svc.Evaluate(context.Background(), "NVDA").Verdict)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), source.calls.Load())
}

func TestMemoryVerdictCache_Expires(t *testing.T) {
	cache := NewMemoryVerdictCache()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache.now = func() time.Time { return now }

	require.NoError(t, cache.Set(context.Background(), entity.ComplianceVerdict{AssetID: "AAPL", Verdict: entity.VerdictApproved}, time.Minute))

	_, ok, err := cache.Get(context.Background(), "aapl")
	require.NoError(t, err)
	assert.True(t, ok)

	now = now.Add(time.Minute)
	_, ok, err = cache.Get(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChainSource(t *testing.T) {
	failing := &stubSource{err: errors.New("db down")}
	empty := &stubSource{}
	found := &stubSource{attrs: cleanEquity("AAPL")}

	attrs, err := NewChainSource(failing, empty, found).FetchAttributes(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Equal(t, "AAPL", attrs.AssetID)

	attrs, err = NewChainSource(empty).FetchAttributes(context.Background(), "AAPL")
	require.NoError(t, err)
	assert.Nil(t, attrs)

	_, err = NewChainSource(empty, failing).FetchAttributes(context.Background(), "AAPL")
	assert.EqualError(t, err, "db down")
}

func TestFMPSource_FetchAttributes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.URL.Query().Get("apikey"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/profile/BUD":
			_, _ = w.Write([]byte(`[{"symbol":"BUD","industry":"Beverages-Brewers","mktCap":1000}]`))
		case "/balance-sheet-statement/BUD":
			assert.Equal(t, "1", r.URL.Query().Get("limit"))
			_, _ = w.Write([]byte(`[{"totalDebt":200,"cashAndShortTermInvestments":50}]`))
		case "/income-statement/BUD":
			_, _ = w.Write([]byte(`[{"revenue":400,"interestIncome":4}]`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	source := NewFMPSource(server.URL, "secret", time.Second)
	attrs, err := source.FetchAttributes(context.Background(), "BUD")
	require.NoError(t, err)
	require.NotNil(t, attrs)

	assert.Equal(t, entity.AssetClassEquity, attrs.AssetClass)
	assert.Equal(t, null.FloatFrom(0.2), attrs.DebtRatio)
	assert.Equal(t, null.FloatFrom(0.05), attrs.CashRatio)
	assert.Equal(t, null.FloatFrom(0.01), attrs.InterestIncomeRatio)
	assert.Equal(t, []string{"alcohol"}, attrs.BusinessActivities)

	verdict := newTestScreener().Evaluate("BUD", attrs)
	assert.Equal(t, entity.VerdictRejected, verdict.Verdict)
}

func TestFMPSource_VendorErrorIsDataUnavailable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	_, err := NewFMPSource(server.URL, "secret", time.Second).FetchAttributes(context.Background(), "AAPL")
	assert.ErrorIs(t, err, entity.ErrComplianceDataUnavailable)
}
