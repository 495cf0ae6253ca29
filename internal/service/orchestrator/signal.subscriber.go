package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/goccy/go-json"
	"github.com/krobus00/halal-trading-service/internal/constant"
	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/krobus00/halal-trading-service/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

var (
	ErrPublishSignalFailed = errors.New("failed to publish signal")
	ErrMalformedSignal     = errors.New("malformed signal event")
)

const defaultHandlerTimeout = 5 * time.Minute

type SignalHandler interface {
	OnSignal(ctx context.Context, signal entity.Signal) (entity.OrderOutcome, error)
}

// SignalStream owns the trading_signal stream: it publishes signals and
// feeds queued signals to the orchestrator.
type SignalStream struct {
	js         nats.JetStreamContext
	handler    SignalHandler
	maxRetries int
	timeout    time.Duration
}

func NewSignalStream(js nats.JetStreamContext, handler SignalHandler, maxRetries int, timeout time.Duration) *SignalStream {
	if timeout <= 0 {
		timeout = defaultHandlerTimeout
	}

	return &SignalStream{
		js:         js,
		handler:    handler,
		maxRetries: maxRetries,
		timeout:    timeout,
	}
}

func (s *SignalStream) JetstreamEventInit(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:      constant.TradingSignalStreamName,
		Subjects:  []string{constant.TradingSignalStreamSubjectAll},
		Retention: nats.WorkQueuePolicy,
		Storage:   nats.FileStorage,
		MaxAge:    24 * time.Hour,
	}

	stream, err := s.js.StreamInfo(constant.TradingSignalStreamName, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		logrus.Error(err)
		return err
	}

	if stream == nil {
		logrus.Infof("creating stream: %s", constant.TradingSignalStreamName)
		_, err = s.js.AddStream(streamConfig, nats.Context(ctx))
		return err
	}

	logrus.Infof("updating stream: %s", constant.TradingSignalStreamName)
	_, err = s.js.UpdateStream(streamConfig, nats.Context(ctx))
	if err != nil {
		logrus.Error(err)
		return err
	}

	return nil
}

func (s *SignalStream) JetstreamEventSubscribe(ctx context.Context) error {
	err := s.JetstreamEventInit(ctx)
	if err != nil {
		logrus.Error(err)
		return err
	}

	_, err = s.js.QueueSubscribe(
		constant.TradingSignalStreamSubjectSubmit,
		constant.TradingSignalQueueName,
		func(msg *nats.Msg) {
			err := util.ProcessWithTimeout(s.timeout, msg, s.handleSignalEvent)
			if err != nil {
				logrus.Errorf("error processing message: %v", err)
			}

			// retries are re-published by the handler
			err = msg.Ack()
			if err != nil {
				logrus.Errorf("failed to acknowledge message: %v", err)
				return
			}
		},
		nats.ManualAck(),
		nats.Durable(constant.TradingSignalQueueGroup),
	)
	if err != nil {
		logrus.Error(err)
		return err
	}

	return nil
}

func (s *SignalStream) PublishSignal(ctx context.Context, signal entity.Signal) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	event := entity.SignalEvent{
		RetryCount: 0,
		Data:       signal,
	}

	err := util.PublishEvent(s.js, constant.TradingSignalStreamSubjectSubmit, event)
	if err != nil {
		logrus.Error(err)
		return ErrPublishSignalFailed
	}

	return nil
}

func (s *SignalStream) handleSignalEvent(ctx context.Context, msg *nats.Msg) (err error) {
	logger := logrus.WithFields(logrus.Fields{
		"req": string(msg.Data),
	})

	var req *entity.SignalEvent
	err = json.Unmarshal(msg.Data, &req)
	if err != nil {
		logger.Error(err)
		return err
	}
	if req == nil {
		logger.Error(ErrMalformedSignal)
		return ErrMalformedSignal
	}

	defer func() {
		if err != nil {
			req.RetryCount++
			if req.RetryCount > s.maxRetries {
				logger.WithError(err).Error("signal dropped after retries")
				return
			}

			err := util.PublishEvent(s.js, constant.TradingSignalStreamSubjectSubmit, req)
			if err != nil {
				logger.Error(err)
				return
			}
		}
	}()

	outcome, err := s.handler.OnSignal(ctx, req.Data)
	if errors.Is(err, entity.ErrInvalidSignal) {
		logger.WithError(err).Warn("invalid signal dropped")
		return nil
	}
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"outcome": outcome.Kind,
		"orderID": outcome.OrderID,
		"reason":  outcome.Reason,
	}).Info("signal processed")

	return nil
}
