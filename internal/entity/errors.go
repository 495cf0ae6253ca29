package entity

import (
	"errors"
	"fmt"
)

var (
	ErrComplianceDataUnavailable = errors.New("compliance data unavailable")
	ErrSizingRejected            = errors.New("sizing rejected")
	ErrGatewayTransport          = errors.New("gateway transport error")
	ErrTimeoutExceeded           = errors.New("order monitoring window exceeded")
	ErrOrderTerminal             = errors.New("order is in a terminal state")
	ErrOrderNotFound             = errors.New("order not found")
	ErrInvalidPrice              = errors.New("price must be greater than zero")
	ErrInvalidRiskLimits         = errors.New("invalid risk limits")
	ErrQuoteUnavailable          = errors.New("quote unavailable")
	ErrDuplicateOrder            = errors.New("duplicate order")
	ErrInvalidSignal             = errors.New("invalid signal")
)

// GatewayRejectionError is returned when the broker actively refuses an
// order. It is never retried.
type GatewayRejectionError struct {
	Code   string
	Reason string
}

func (e *GatewayRejectionError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("gateway rejected order: %s", e.Reason)
	}
	return fmt.Sprintf("gateway rejected order: %s (%s)", e.Reason, e.Code)
}

func NewGatewayRejection(code, reason string) error {
	return &GatewayRejectionError{Code: code, Reason: reason}
}

// TransportError wraps err so that errors.Is(err, ErrGatewayTransport) holds.
func TransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrGatewayTransport, err)
}

func IsGatewayRejection(err error) (*GatewayRejectionError, bool) {
	var rejection *GatewayRejectionError
	if errors.As(err, &rejection) {
		return rejection, true
	}
	return nil, false
}
