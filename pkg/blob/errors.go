package blob

import "errors"

// StoreError carries a machine-readable code alongside the failure cause so
// callers can branch without string matching.
type StoreError struct {
	Code    string
	Message string
	Key     string
	Cause   error
}

func (e *StoreError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *StoreError) Unwrap() error {
	return e.Cause
}

// Error codes surfaced by blob store implementations.
const (
	ErrCodeNotFound  = "NOT_FOUND"
	ErrCodeShortRead = "SHORT_READ"
	ErrCodeUpstream  = "UPSTREAM"
)

// NewNotFoundError reports a missing object.
func NewNotFoundError(key string) *StoreError {
	return &StoreError{Code: ErrCodeNotFound, Message: "object not found", Key: key}
}

// NewShortReadError reports a range read that ran off the end of the object.
func NewShortReadError(key string, cause error) *StoreError {
	return &StoreError{Code: ErrCodeShortRead, Message: "range read truncated", Key: key, Cause: cause}
}

// NewUpstreamError wraps a backend failure.
func NewUpstreamError(key string, cause error) *StoreError {
	return &StoreError{Code: ErrCodeUpstream, Message: "blob store operation failed", Key: key, Cause: cause}
}

// IsNotFound reports whether err is a missing-object error.
func IsNotFound(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.Code == ErrCodeNotFound
}
