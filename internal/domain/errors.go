package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration marks a record that is missing fields needed to act on it.
	ErrConfiguration = errors.New("configuration error")
	// ErrAuthorization marks a tenant that lacks the agent capability.
	ErrAuthorization = errors.New("authorization error")
	ErrNotFound      = errors.New("not found")
	// ErrTransport marks a channel delivery failure.
	ErrTransport  = errors.New("transport error")
	ErrValidation = errors.New("validation error")
)

func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %q", ErrNotFound, kind, id)
}

func Invalid(field, reason string) error {
	return fmt.Errorf("%w: %s: %s", ErrValidation, field, reason)
}

func Misconfigured(kind, id, reason string) error {
	return fmt.Errorf("%w: %s %q: %s", ErrConfiguration, kind, id, reason)
}

func Unauthorized(tenantID, agent string) error {
	return fmt.Errorf("%w: tenant %q lacks %q", ErrAuthorization, tenantID, agent)
}

// TransportFailure wraps a transport error so errors.Is(err, ErrTransport) holds
// while the underlying cause stays reachable through errors.Unwrap chains.
func TransportFailure(channel string, err error) error {
	if err == nil {
		return nil
	}
	return &transportError{channel: channel, err: err}
}

type transportError struct {
	channel string
	err     error
}

func (e *transportError) Error() string {
	return fmt.Sprintf("transport error: %s: %v", e.channel, e.err)
}

func (e *transportError) Unwrap() []error { return []error{ErrTransport, e.err} }
