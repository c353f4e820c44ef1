// Package delivery holds the bundle senders: a signed POST to a research
// agent, a FHIR transaction against a store and a Kafka record per bundle.
// Every Send is exactly one attempt; the runner retries.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/ehr/transfer/internal/platform/fhir"
)

// Reason classifies a failed delivery.
type Reason string

const (
	ReasonConnection Reason = "connection"
	ReasonRejected   Reason = "rejected"
	ReasonTimeout    Reason = "timeout"
)

// DeliveryError is a failed delivery attempt.
type DeliveryError struct {
	Reason     Reason
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.StatusCode != 0:
		return fmt.Sprintf("delivery %s: status %d: %s", e.Reason, e.StatusCode, e.Body)
	case e.Err != nil:
		return fmt.Sprintf("delivery %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("delivery %s", e.Reason)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Retryable reports connection failures, timeouts, 429 and 5xx rejections.
// A cancelled context is never retried.
func (e *DeliveryError) Retryable() bool {
	if errors.Is(e.Err, context.Canceled) {
		return false
	}
	switch e.Reason {
	case ReasonConnection, ReasonTimeout:
		return true
	case ReasonRejected:
		return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
	}
	return false
}

// transportError classifies an error from a request that got no response.
func transportError(err error) *DeliveryError {
	if errors.Is(err, context.DeadlineExceeded) || fhir.IsTimeout(err) {
		return &DeliveryError{Reason: ReasonTimeout, Err: err}
	}
	return &DeliveryError{Reason: ReasonConnection, Err: err}
}

// rejected builds the error for a non-2xx response.
func rejected(status int, body string) *DeliveryError {
	return &DeliveryError{
		Reason:     ReasonRejected,
		StatusCode: status,
		Body:       body,
		Err:        fmt.Errorf("unexpected status %d", status),
	}
}
