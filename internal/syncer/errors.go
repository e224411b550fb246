package syncer

import (
	"errors"
	"fmt"
)

var (
	// ErrFetch indicates that the remote collaborator failed to return a page.
	ErrFetch = errors.New("syncer: fetch failed")
	// ErrFetchExhaustionExceeded indicates that the remote kept returning pages past the configured ceiling.
	ErrFetchExhaustionExceeded = errors.New("syncer: fetch page ceiling exceeded")

	errMissingStore   = errors.New("local store dependency required")
	errMissingFetcher = errors.New("fetcher dependency required")
)

// ServiceError carries a dotted error code alongside the failure kind and its cause.
type ServiceError struct {
	code  string
	kind  error
	cause error
}

func (e *ServiceError) Error() string {
	switch {
	case e.kind == nil && e.cause == nil:
		return e.code
	case e.cause == nil:
		return fmt.Sprintf("%s: %v", e.code, e.kind)
	case e.kind == nil:
		return fmt.Sprintf("%s: %v", e.code, e.cause)
	default:
		return fmt.Sprintf("%s: %v: %v", e.code, e.kind, e.cause)
	}
}

func (e *ServiceError) Unwrap() []error {
	unwrapped := make([]error, 0, 2)
	if e.kind != nil {
		unwrapped = append(unwrapped, e.kind)
	}
	if e.cause != nil {
		unwrapped = append(unwrapped, e.cause)
	}
	return unwrapped
}

// Code returns the dotted error code, e.g. "syncer.sync.fetch_failed".
func (e *ServiceError) Code() string {
	return e.code
}

const (
	opEngineNew = "syncer.engine.new"
	opSync      = "syncer.sync"

	reasonMissingStore      = "missing_store"
	reasonMissingFetcher    = "missing_fetcher"
	reasonFetchFailed       = "fetch_failed"
	reasonFetchExhaustion   = "fetch_exhaustion_exceeded"
	reasonStoreUnavailable  = "store_unavailable"
	reasonCacheReadFailed   = "cache_read_failed"
	reasonWriteFailed       = "write_failed"
	reasonRunIDFailed       = "run_id_failed"
	reasonForeignSubmission = "foreign_submission"
)

func newServiceError(operation, reason string, kind, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, kind: kind, cause: cause}
}

// ErrorCode extracts the ServiceError code from err, or returns an empty string.
func ErrorCode(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.Code()
	}
	return ""
}
