package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/krobus00/halal-trading-service/internal/constant"
	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/krobus00/halal-trading-service/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

const (
	defaultInterval    = 5 * time.Minute
	defaultCallTimeout = 10 * time.Second
)

type PositionBook interface {
	Snapshot() []entity.Position
	Correct(ctx context.Context, symbol string, expected, actual decimal.Decimal) (bool, error)
	Remove(ctx context.Context, symbol string, tolerance decimal.Decimal) (bool, error)
	MarkReconciled(ctx context.Context, symbols []string) error
}

type ReportStore interface {
	Create(ctx context.Context, report entity.ReconciliationReport) error
}

type ReportPublisher interface {
	PublishReport(ctx context.Context, report entity.ReconciliationReport) error
}

type Config struct {
	Interval    time.Duration
	CallTimeout time.Duration
	Tolerance   entity.ReconciliationTolerance
}

// Service audits the position book against the gateway. Sub-tolerance
// drift is absorbed into the book; every other difference is raised and
// left for an operator.
type Service struct {
	gateway   entity.BrokerGateway
	book      PositionBook
	store     ReportStore
	publisher ReportPublisher
	cfg       Config
	trigger   chan struct{}
	runMu     sync.Mutex
}

func NewService(gateway entity.BrokerGateway, book PositionBook, store ReportStore, publisher ReportPublisher, cfg Config) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.Tolerance.Quantity.IsZero() && cfg.Tolerance.PricePct.IsZero() {
		checkPrice := cfg.Tolerance.CheckPrice
		cfg.Tolerance = DefaultTolerance()
		cfg.Tolerance.CheckPrice = checkPrice
	}

	return &Service{
		gateway:   gateway,
		book:      book,
		store:     store,
		publisher: publisher,
		cfg:       cfg,
		trigger:   make(chan struct{}, 1),
	}
}

// Trigger requests a pass. Requests arriving while one is pending coalesce.
func (s *Service) Trigger() {
	select {
	case s.trigger <- struct{}{}:
	default:
	}
}

// TriggerOnFill is a terminal hook for the order lifecycle manager.
func (s *Service) TriggerOnFill(order entity.Order) {
	if order.FilledQuantity.IsPositive() {
		s.Trigger()
	}
}

func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.runLogged(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runLogged(ctx)
		case <-s.trigger:
			s.runLogged(ctx)
		}
	}
}

func (s *Service) runLogged(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.RunOnce(ctx); err != nil {
		logrus.WithError(err).Error("position reconciliation failed")
	}
}

func (s *Service) RunOnce(ctx context.Context) (entity.ReconciliationReport, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	gatewayPositions, err := s.gateway.ListPositions(callCtx)
	if err != nil {
		return entity.ReconciliationReport{}, fmt.Errorf("list gateway positions: %w", err)
	}

	local := s.book.Snapshot()
	report := Reconcile(local, gatewayPositions, s.cfg.Tolerance)
	report.ID = uuid.NewString()

	var errs []error

	for _, drift := range report.Absorbed {
		logrus.WithFields(logrus.Fields{
			"symbol":   drift.Symbol,
			"expected": drift.Expected.String(),
			"actual":   drift.Actual.String(),
		}).Info("absorbing sub-tolerance position drift")
		corrected, err := s.book.Correct(ctx, drift.Symbol, drift.Expected, drift.Actual)
		if err != nil {
			errs = append(errs, fmt.Errorf("correct %s: %w", drift.Symbol, err))
			continue
		}
		if !corrected {
			logrus.WithField("symbol", drift.Symbol).Info("position changed during reconciliation, drift left for the next pass")
		}
	}

	tracked := make(map[string]entity.Position, len(local))
	for _, p := range local {
		tracked[normalize(p.Symbol)] = p
	}

	confirmed := make([]string, 0, len(report.Matched))
	for _, symbol := range report.Matched {
		p, ok := tracked[symbol]
		if !ok {
			continue
		}
		if p.Quantity.Abs().LessThanOrEqual(s.cfg.Tolerance.Quantity) {
			removed, err := s.book.Remove(ctx, symbol, s.cfg.Tolerance.Quantity)
			if err != nil {
				errs = append(errs, fmt.Errorf("remove %s: %w", symbol, err))
			}
			if !removed && err == nil {
				logrus.WithField("symbol", symbol).Info("position changed during reconciliation, kept for the next pass")
			}
			continue
		}
		confirmed = append(confirmed, symbol)
	}
	if err := s.book.MarkReconciled(ctx, confirmed); err != nil {
		errs = append(errs, fmt.Errorf("mark reconciled: %w", err))
	}

	logger := logrus.WithFields(logrus.Fields{
		"reportID":      report.ID,
		"matched":       len(report.Matched),
		"absorbed":      len(report.Absorbed),
		"discrepancies": len(report.Discrepancies),
	})

	if report.HasDiscrepancies() {
		for _, discrepancy := range report.Discrepancies {
			logrus.WithFields(logrus.Fields{
				"reportID":      report.ID,
				"symbol":        discrepancy.Symbol,
				"kind":          discrepancy.Kind,
				"expected":      discrepancy.Expected.String(),
				"actual":        discrepancy.Actual.String(),
				"expectedPrice": discrepancy.ExpectedPrice.String(),
				"actualPrice":   discrepancy.ActualPrice.String(),
			}).Warn("position discrepancy requires operator review")
		}
		if s.publisher != nil {
			if err := s.publisher.PublishReport(ctx, report); err != nil {
				logger.WithError(err).Warn("failed to publish reconciliation report")
			}
		}
	}

	if s.store != nil {
		if err := s.store.Create(ctx, report); err != nil {
			errs = append(errs, fmt.Errorf("persist report: %w", err))
		}
	}

	logger.Info("position reconciliation finished")

	return report, errors.Join(errs...)
}

// JetstreamPublisher publishes reports with discrepancies on the reconciliation stream.
type JetstreamPublisher struct {
	js nats.JetStreamContext
}

func NewJetstreamPublisher(js nats.JetStreamContext) *JetstreamPublisher {
	return &JetstreamPublisher{js: js}
}

func (p *JetstreamPublisher) JetstreamEventInit(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:      constant.ReconciliationStreamName,
		Subjects:  []string{constant.ReconciliationStreamSubjectAll},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    30 * 24 * time.Hour,
	}

	stream, err := p.js.StreamInfo(constant.ReconciliationStreamName, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		logrus.Error(err)
		return err
	}

	if stream == nil {
		logrus.Infof("creating stream: %s", constant.ReconciliationStreamName)
		_, err = p.js.AddStream(streamConfig, nats.Context(ctx))
		return err
	}

	logrus.Infof("updating stream: %s", constant.ReconciliationStreamName)
	_, err = p.js.UpdateStream(streamConfig, nats.Context(ctx))
	if err != nil {
		logrus.Error(err)
		return err
	}

	return nil
}

func (p *JetstreamPublisher) PublishReport(ctx context.Context, report entity.ReconciliationReport) error {
	return util.PublishEvent(p.js, constant.ReconciliationStreamSubjectReport, report)
}
