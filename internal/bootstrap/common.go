package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/krobus00/halal-trading-service/internal/config"
	"github.com/krobus00/halal-trading-service/internal/constant"
	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/krobus00/halal-trading-service/internal/repository"
	"github.com/krobus00/halal-trading-service/internal/service/broker"
	"github.com/krobus00/halal-trading-service/internal/service/compliance"
	"github.com/krobus00/halal-trading-service/internal/service/orchestrator"
	"github.com/krobus00/halal-trading-service/internal/service/orderlifecycle"
	"github.com/krobus00/halal-trading-service/internal/service/pricefeed"
	"github.com/krobus00/halal-trading-service/internal/service/reconciler"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const tradingDatabase = "trading"

type operation func(ctx context.Context) error

// gracefulShutdown waits for termination syscalls and doing clean up operations after received it.
func gracefulShutdown(ctx context.Context, timeout time.Duration, ops map[string]operation) <-chan struct{} {
	wait := make(chan struct{})
	go func() {
		s := make(chan os.Signal, 1)

		signal.Notify(s, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
		<-s

		logrus.Info("shutting down")

		// set timeout for the ops to be done to prevent system hang
		timeoutFunc := time.AfterFunc(timeout, func() {
			logrus.Error(fmt.Sprintf("timeout %d ms has been elapsed, force exit", timeout.Milliseconds()))
			os.Exit(0)
		})

		defer timeoutFunc.Stop()

		var wg sync.WaitGroup

		for key, op := range ops {
			wg.Add(1)
			go func() {
				defer wg.Done()

				logrus.Info(fmt.Sprintf("cleaning up: %s", key))
				if err := op(ctx); err != nil {
					logrus.Error(fmt.Sprintf("%s: clean up failed: %s", key, err.Error()))
					return
				}

				logrus.Info(fmt.Sprintf("%s was shutdown gracefully", key))
			}()
		}

		wg.Wait()

		close(wait)
	}()

	return wait
}

// newBrokerGateway selects the gateway named in config. Both gateways also
// serve quotes.
func newBrokerGateway(cfg config.BrokerConfig, secrets config.SecretConfig) (entity.BrokerGateway, entity.PriceFeed, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Name)) {
	case "", constant.BrokerPaper:
		gateway := broker.NewPaperGateway(broker.PaperConfig{
			StartingCash:    cfg.Paper.StartingCash,
			FillSteps:       cfg.Paper.FillSteps,
			Latency:         cfg.Paper.Latency,
			FeeRate:         cfg.Paper.FeeRate,
			Quotes:          cfg.Paper.Quotes,
			RejectedSymbols: cfg.Paper.RejectedSymbol,
		})
		return gateway, gateway, nil
	case constant.BrokerAlpaca:
		if secrets.AlpacaAPIKey == "" || secrets.AlpacaAPISecret == "" {
			return nil, nil, errors.New("alpaca broker requires ALPACA_API_KEY and ALPACA_API_SECRET")
		}
		gateway := broker.NewAlpacaGateway(broker.AlpacaConfig{
			BaseURL:   cfg.BaseURL,
			DataURL:   cfg.DataURL,
			APIKey:    secrets.AlpacaAPIKey,
			APISecret: secrets.AlpacaAPISecret,
			Timeout:   cfg.Timeout,
		})
		return gateway, gateway, nil
	default:
		return nil, nil, fmt.Errorf("unsupported broker: %s", cfg.Name)
	}
}

// newPriceFeed wraps the gateway quotes with a streaming cache when
// configured. The returned stream must be Run by the caller.
func newPriceFeed(cfg config.PriceFeedConfig, secrets config.SecretConfig, fallback entity.PriceFeed) (entity.PriceFeed, *pricefeed.StreamFeed, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", constant.PriceFeedBroker:
		return fallback, nil, nil
	case constant.PriceFeedStream:
		if strings.TrimSpace(cfg.StreamURL) == "" {
			return nil, nil, errors.New("price_feed.stream_url is required in stream mode")
		}
		stream := pricefeed.NewStreamFeed(pricefeed.StreamConfig{
			URL:        cfg.StreamURL,
			APIKey:     secrets.AlpacaAPIKey,
			APISecret:  secrets.AlpacaAPISecret,
			Symbols:    cfg.Symbols,
			StaleAfter: cfg.StaleAfter,
		}, fallback)
		return stream, stream, nil
	default:
		return nil, nil, fmt.Errorf("unsupported price feed mode: %s", cfg.Mode)
	}
}

func newComplianceService(cfg config.ComplianceConfig, secrets config.SecretConfig, db *sqlx.DB, redisClient *redis.Client) (*compliance.Service, *repository.ComplianceAttributeRepository, error) {
	attributeRepo := repository.NewComplianceAttributeRepository(db)

	sourceNames := cfg.Sources
	if len(sourceNames) == 0 {
		sourceNames = []string{constant.ComplianceSourceDatabase}
	}

	sources := make([]entity.ComplianceAttributeSource, 0, len(sourceNames))
	for _, name := range sourceNames {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case constant.ComplianceSourceDatabase:
			sources = append(sources, attributeRepo)
		case constant.ComplianceSourceFMP:
			if secrets.FMPAPIKey == "" {
				return nil, nil, errors.New("fmp compliance source requires FMP_API_KEY")
			}
			sources = append(sources, compliance.NewFMPSource(cfg.FMPBaseURL, secrets.FMPAPIKey, cfg.FetchTimeout))
		default:
			return nil, nil, fmt.Errorf("unsupported compliance source: %s", name)
		}
	}

	var cache compliance.VerdictCache = compliance.NewMemoryVerdictCache()
	if redisClient != nil {
		cache = compliance.NewRedisVerdictCache(redisClient)
	}

	screener := compliance.NewScreener(compliance.Rules{
		RuleSet:                     cfg.RuleSet,
		PassScore:                   cfg.PassScore,
		MaxDebtRatio:                cfg.MaxDebtRatio,
		MaxInterestIncomeRatio:      cfg.MaxInterestIncomeRatio,
		MaxCashRatio:                cfg.MaxCashRatio,
		MaxNonCompliantRevenueRatio: cfg.MaxNonCompliantRevenueRatio,
		ProhibitedActivities:        cfg.ProhibitedActivities,
		ProhibitedTokenCategories:   cfg.ProhibitedTokenCategories,
		ReviewTokenCategories:       cfg.ReviewTokenCategories,
		BlockedAssets:               cfg.BlockedAssets,
		RequireTokenWhitelist:       cfg.RequireTokenWhitelist,
	})

	service := compliance.NewService(screener, compliance.NewChainSource(sources...), cache, compliance.ServiceConfig{
		FetchTimeout: cfg.FetchTimeout,
		VerdictTTL:   cfg.VerdictTTL,
	})

	return service, attributeRepo, nil
}

func riskLimits(cfg config.RiskConfig) entity.RiskLimits {
	return entity.RiskLimits{
		MaxPortfolioRiskFraction: cfg.MaxPortfolioRiskFraction,
		MaxPositionRiskFraction:  cfg.MaxPositionRiskFraction,
		MaxPositionPct:           cfg.MaxPositionPct,
		MaxPositions:             cfg.MaxPositions,
	}
}

func orchestratorConfig(cfg config.OrchestratorConfig, limits entity.RiskLimits) (orchestrator.Config, error) {
	if err := limits.Validate(); err != nil {
		return orchestrator.Config{}, fmt.Errorf("invalid risk limits: %w", err)
	}

	orderType, err := entity.ParseOrderType(cfg.OrderType)
	if err != nil {
		return orchestrator.Config{}, err
	}

	timeInForce, err := entity.ParseTimeInForce(cfg.TimeInForce)
	if err != nil {
		return orchestrator.Config{}, err
	}

	return orchestrator.Config{
		Limits:              limits,
		OrderType:           orderType,
		TimeInForce:         timeInForce,
		CallTimeout:         cfg.CallTimeout,
		AutoCancelOnTimeout: cfg.AutoCancelOnTimeout,
		SentimentGate:       cfg.SentimentGate,
		MinSentiment:        cfg.MinSentiment.InexactFloat64(),
	}, nil
}

func lifecycleConfig(cfg config.OrderLifecycleConfig) orderlifecycle.Config {
	return orderlifecycle.Config{
		MaxRetries:    cfg.MaxRetries,
		BackoffBase:   cfg.BackoffBase,
		BackoffMax:    cfg.BackoffMax,
		PollInterval:  cfg.PollInterval,
		MonitorWindow: cfg.MonitorWindow,
		CallTimeout:   cfg.CallTimeout,
	}
}

func reconcilerConfig(cfg config.ReconcilerConfig) reconciler.Config {
	return reconciler.Config{
		Interval:    cfg.Interval,
		CallTimeout: cfg.CallTimeout,
		Tolerance: entity.ReconciliationTolerance{
			Quantity:   cfg.QuantityTolerance,
			PricePct:   cfg.PriceTolerancePct,
			CheckPrice: cfg.CheckPrice,
		},
	}
}
