package iot

import (
	"errors"
	"fmt"
)

// The error taxonomy of the provisioning client. Errors returned or delivered by
// the client wrap one of these and can be tested with errors.Is.
var (
	ErrConfiguration = errors.New("configuration error")
	ErrProtocol      = errors.New("protocol error")
	ErrTimeout       = errors.New("timeout")
	ErrTransport     = errors.New("transport error")
	ErrCancelled     = errors.New("cancelled")
)

// ResponseError is a protocol error caused by a specific response of the provisioning
// service. It carries the raw response for diagnostics.
type ResponseError struct {
	StatusCode int
	RequestID  string
	Body       []byte
	Reason     string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s (status %d, rid %s)", ErrProtocol, e.Reason, e.StatusCode, e.RequestID)
}

// Unwrap makes errors.Is(err, ErrProtocol) hold for every ResponseError
func (e *ResponseError) Unwrap() error {
	return ErrProtocol
}
