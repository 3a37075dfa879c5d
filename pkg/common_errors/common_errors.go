package common_errors

import (
	"errors"

	"golang.org/x/xerrors"
)

var (
	// registration-time errors; fatal to the definition call
	ErrStreamExists      = xerrors.New("stream with this name already registered")
	ErrUnknownStream     = xerrors.New("unknown stream")
	ErrCyclicDependency  = xerrors.New("query dependency graph contains a cycle")
	ErrSchemaImmutable   = xerrors.New("schema is immutable; drop and recreate the stream")
	ErrInvalidWindowSpec = xerrors.New("window size must be larger than zero")

	// per-event errors; recovered locally, never stall the pipeline
	ErrDecode           = xerrors.New("malformed event payload")
	ErrMissingTimestamp = xerrors.New("declared timestamp field absent from event")
	ErrSchemaMismatch   = xerrors.New("event does not match registered schema")
	ErrMissingKey       = xerrors.New("key expression yielded no value")

	ErrInvalidStateTransition = xerrors.New("invalid query state transition")
	ErrUnknownQuery           = xerrors.New("unknown query")
	ErrEngineClosed           = xerrors.New("engine already closed")
)

func IsRegistrationError(err error) bool {
	return errors.Is(err, ErrStreamExists) ||
		errors.Is(err, ErrUnknownStream) ||
		errors.Is(err, ErrCyclicDependency) ||
		errors.Is(err, ErrSchemaImmutable) ||
		errors.Is(err, ErrInvalidWindowSpec)
}

// IsEventError reports whether err is recoverable at event granularity:
// the event is counted and skipped while the query keeps running.
func IsEventError(err error) bool {
	return errors.Is(err, ErrDecode) ||
		errors.Is(err, ErrMissingTimestamp) ||
		errors.Is(err, ErrSchemaMismatch) ||
		errors.Is(err, ErrMissingKey)
}
