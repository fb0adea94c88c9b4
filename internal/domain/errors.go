package domain

import (
	"errors"
	"fmt"
)

var (
	ErrAuthentication         = errors.New("authentication error")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrProtocol               = errors.New("protocol error")
	ErrForbiddenRole          = errors.New("role not allowed")
	ErrNotFound               = errors.New("not found")
)

// ConflictError reports a conditional write whose expected ts did not match.
type ConflictError struct {
	PK, SK   string
	Expected int64
	Actual   int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("concurrent modification of %s/%s: expected ts %d, stored ts %d",
		e.PK, e.SK, e.Expected, e.Actual)
}

func (e *ConflictError) Unwrap() error { return ErrConcurrentModification }

type ProbeErrorKind string

const (
	ProbeForbidden ProbeErrorKind = "forbidden"
	ProbeNotFound  ProbeErrorKind = "notFound"
	ProbeTransport ProbeErrorKind = "transportError"
)

// ProbeError classifies a failed liveness check.
type ProbeError struct {
	Kind ProbeErrorKind
	URL  string
	Err  error
}

func (e *ProbeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("probe %s: %s: %v", e.URL, e.Kind, e.Err)
	}
	return fmt.Sprintf("probe %s: %s", e.URL, e.Kind)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// ProbeKind extracts the classification of err, defaulting to transport.
func ProbeKind(err error) ProbeErrorKind {
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ProbeTransport
}
