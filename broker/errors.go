package broker

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrClosed is returned when an operation is attempted on a closed client.
	ErrClosed = errors.New("broker client is closed")

	// ErrPoison marks a delivery that must not be redelivered. Handlers
	// wrap it to reject a message without requeue (e.g. a payload whose
	// content encoding cannot be decoded).
	ErrPoison = errors.New("poison message")
)

// ProvisioningError reports a topology declaration or binding the broker
// rejected, typically a type/argument mismatch against a pre-existing
// object with the same name. It is fatal to the bind and never retried:
// silently recreating with different arguments would corrupt topology
// expected by other instances.
type ProvisioningError struct {
	// Object is what was being declared: "exchange", "queue", or "binding"
	Object string

	// Name is the broker object name
	Name string

	// Err is the underlying broker error
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s %q: %v", e.Object, e.Name, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }

// ConnectionLostError reports that the underlying connection dropped
// while an operation was in flight. The client re-establishes pooled
// connections transparently; the failed operation itself is surfaced to
// the caller for retry, never retried silently.
type ConnectionLostError struct {
	Err error
}

func (e *ConnectionLostError) Error() string {
	return fmt.Sprintf("connection lost: %v", e.Err)
}

func (e *ConnectionLostError) Unwrap() error { return e.Err }

// ResourceExhaustedError reports that a pooled resource could not be
// checked out within the configured timeout. Callers may retry with
// backoff.
type ResourceExhaustedError struct {
	// Resource is the pool that was exhausted, e.g. "channel"
	Resource string

	// Timeout is the checkout timeout that elapsed
	Timeout time.Duration
}

func (e *ResourceExhaustedError) Error() string {
	return fmt.Sprintf("%s checkout timed out after %s", e.Resource, e.Timeout)
}
