package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrNotYetPersisted marks a task whose parent record has not been written
// yet. Brokers must redeliver it rather than drop it.
var ErrNotYetPersisted = errors.New("parent not yet persisted")

// TransientFetchError wraps network, timeout, 429 and 5xx failures.
type TransientFetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *TransientFetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("transient fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("transient fetch %s: %v", e.URL, e.Err)
}

func (e *TransientFetchError) Unwrap() error { return e.Err }

// ParseError reports that a page did not have the expected structure.
type ParseError struct {
	URL  string
	What string
	Err  error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s at %s: %v", e.What, e.URL, e.Err)
	}
	return fmt.Sprintf("parse %s at %s", e.What, e.URL)
}

func (e *ParseError) Unwrap() error { return e.Err }

// FatalConfigError aborts a whole job, e.g. a target without a crawler.
type FatalConfigError struct {
	Reason string
}

func (e *FatalConfigError) Error() string {
	return "fatal config: " + e.Reason
}

// NewFatalConfig builds a FatalConfigError from a format string.
func NewFatalConfig(format string, args ...any) error {
	return &FatalConfigError{Reason: fmt.Sprintf(format, args...)}
}

// TransientStatus reports whether an HTTP status is worth retrying.
func TransientStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500
}

// IsTransient reports whether err is a retryable fetch failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var transient *TransientFetchError
	if errors.As(err, &transient) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

// IsRetryable reports whether a task failing with err should be redelivered.
func IsRetryable(err error) bool {
	return IsTransient(err) || errors.Is(err, ErrNotYetPersisted)
}

// IsFatal reports whether err must abort the whole job.
func IsFatal(err error) bool {
	var fatal *FatalConfigError
	return errors.As(err, &fatal)
}

// IsParse reports whether err is a structural parse failure.
func IsParse(err error) bool {
	var parseErr *ParseError
	return errors.As(err, &parseErr)
}

// IsCanceled reports whether err came from context cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// StatusError is a non-retryable HTTP failure such as 404 or 403.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
}

// IsStatus reports whether err is a StatusError with the given code.
func IsStatus(err error, code int) bool {
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == code
}
