package util

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
)

var (
	ErrHandlerPanic   = errors.New("message handler panicked")
	ErrHandlerTimeout = errors.New("message handler timed out")
)

// ProcessWithTimeout runs callback with a deadline. A panic inside callback
// is returned as ErrHandlerPanic instead of crashing the subscriber.
func ProcessWithTimeout(timeout time.Duration, msg *nats.Msg, callback func(ctx context.Context, msg *nats.Msg) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w on %s: %v", ErrHandlerPanic, msg.Subject, r)
			}
		}()
		done <- callback(ctx, msg)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w after %s on %s: %s", ErrHandlerTimeout, timeout, msg.Subject, string(msg.Data))
	case err := <-done:
		return err
	}
}

// PublishEvent encodes data as JSON and publishes it on subject.
func PublishEvent(js nats.JetStreamContext, subject string, data any) error {
	if data == nil {
		return fmt.Errorf("publish %s: empty event", subject)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", subject, err)
	}

	if _, err := js.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}

	return nil
}
