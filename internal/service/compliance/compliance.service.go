package compliance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const (
	defaultFetchTimeout = 10 * time.Second
	defaultVerdictTTL   = 6 * time.Hour
)

type ServiceConfig struct {
	FetchTimeout time.Duration
	VerdictTTL   time.Duration
}

// Service resolves a symbol to a verdict: cache, then attribute source, then screener.
type Service struct {
	screener *Screener
	source   entity.ComplianceAttributeSource
	cache    VerdictCache
	cfg      ServiceConfig
	group    singleflight.Group
}

func NewService(screener *Screener, source entity.ComplianceAttributeSource, cache VerdictCache, cfg ServiceConfig) *Service {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.VerdictTTL <= 0 {
		cfg.VerdictTTL = defaultVerdictTTL
	}
	if cache == nil {
		cache = NewMemoryVerdictCache()
	}

	return &Service{
		screener: screener,
		source:   source,
		cache:    cache,
		cfg:      cfg,
	}
}

func (s *Service) Evaluate(ctx context.Context, symbol string) entity.ComplianceVerdict {
	assetID := strings.ToUpper(strings.TrimSpace(symbol))
	logger := logrus.WithField("symbol", assetID)

	cached, ok, err := s.cache.Get(ctx, assetID)
	if err != nil {
		logger.WithError(err).Warn("failed to read cached verdict")
	}
	if ok {
		return cached
	}

	result, err, _ := s.group.Do(assetID, func() (any, error) {
		fetchCtx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
		return s.source.FetchAttributes(fetchCtx, assetID)
	})
	if err != nil {
		logger.WithError(err).Warn("compliance attributes unavailable")
		return s.unavailable(assetID, err)
	}

	attrs, _ := result.(*entity.ComplianceAttributes)
	verdict := s.screener.Evaluate(assetID, attrs)

	// needs_review is not cached so the next signal refetches
	if verdict.Verdict != entity.VerdictNeedsReview {
		if err := s.cache.Set(ctx, verdict, s.cfg.VerdictTTL); err != nil {
			logger.WithError(err).Warn("failed to cache verdict")
		}
	}

	logger.WithFields(logrus.Fields{
		"verdict": verdict.Verdict,
		"score":   verdict.Score,
		"reasons": verdict.Reasons,
	}).Info("compliance verdict evaluated")

	return verdict
}

// Invalidate drops the cached verdict so the next evaluation refetches.
func (s *Service) Invalidate(ctx context.Context, symbol string) error {
	return s.cache.Delete(ctx, strings.ToUpper(strings.TrimSpace(symbol)))
}

func (s *Service) unavailable(assetID string, err error) entity.ComplianceVerdict {
	if !errors.Is(err, entity.ErrComplianceDataUnavailable) {
		err = fmt.Errorf("%w: %w", entity.ErrComplianceDataUnavailable, err)
	}
	reason := fmt.Sprintf("%s: %v", insufficientDataReason, err)

	return entity.ComplianceVerdict{
		AssetID:     assetID,
		Verdict:     entity.VerdictNeedsReview,
		Reasons:     []string{reason},
		RuleSet:     s.screener.RuleSet(),
		EvaluatedAt: s.screener.now().UTC(),
	}
}
