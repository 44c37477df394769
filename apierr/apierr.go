// Package apierr defines the failure kinds surfaced by the prediction pipeline
// and their mapping onto HTTP status codes.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is a machine-readable failure category.
type Kind string

const (
	ArtifactNotFound     Kind = "ArtifactNotFound"
	ArtifactCorrupt      Kind = "ArtifactCorrupt"
	TelemetryUnavailable Kind = "TelemetryUnavailable"
	FeatureCountMismatch Kind = "FeatureCountMismatch"
	InferenceError       Kind = "InferenceError"
	Internal             Kind = "Internal"
)

// Error carries a Kind together with the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	default:
		return string(e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New wraps err with a kind and operation name.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds an Error whose cause is formatted from the arguments.
func Errorf(kind Kind, op string, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind onto the status returned to HTTP callers. Failures
// caused by the upstream telemetry source are reported as 502.
func HTTPStatus(kind Kind) int {
	switch kind {
	case TelemetryUnavailable, FeatureCountMismatch:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
