package orderlifecycle

import (
	"context"
	"errors"
	"time"

	"github.com/krobus00/halal-trading-service/internal/constant"
	"github.com/krobus00/halal-trading-service/internal/entity"
	"github.com/krobus00/halal-trading-service/internal/util"
	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

type OrderTransitionEvent struct {
	Event entity.OrderEvent `json:"event"`
	Order entity.Order      `json:"order"`
}

// JetstreamPublisher fans order transitions out on the order_lifecycle stream.
type JetstreamPublisher struct {
	js nats.JetStreamContext
}

func NewJetstreamPublisher(js nats.JetStreamContext) *JetstreamPublisher {
	return &JetstreamPublisher{js: js}
}

func (p *JetstreamPublisher) JetstreamEventInit(ctx context.Context) error {
	streamConfig := &nats.StreamConfig{
		Name:      constant.OrderLifecycleStreamName,
		Subjects:  []string{constant.OrderLifecycleStreamSubjectAll},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		MaxAge:    7 * 24 * time.Hour,
	}

	stream, err := p.js.StreamInfo(constant.OrderLifecycleStreamName, nats.Context(ctx))
	if err != nil && !errors.Is(err, nats.ErrStreamNotFound) {
		logrus.Error(err)
		return err
	}

	if stream == nil {
		logrus.Infof("creating stream: %s", constant.OrderLifecycleStreamName)
		_, err = p.js.AddStream(streamConfig, nats.Context(ctx))
		return err
	}

	logrus.Infof("updating stream: %s", constant.OrderLifecycleStreamName)
	_, err = p.js.UpdateStream(streamConfig, nats.Context(ctx))
	if err != nil {
		logrus.Error(err)
		return err
	}

	return nil
}

func (p *JetstreamPublisher) PublishOrderEvent(ctx context.Context, event entity.OrderEvent, order entity.Order) error {
	return util.PublishEvent(p.js, constant.OrderLifecycleStreamSubjectTransition, OrderTransitionEvent{
		Event: event,
		Order: order,
	})
}
