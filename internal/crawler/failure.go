package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
)

// FailureKind is the closed set of outcomes a failed task execution maps to.
type FailureKind int

// Failure kinds.
const (
	FailureFatal FailureKind = iota
	FailureRetryable
	FailureStructural
)

// String implements fmt.Stringer.
func (k FailureKind) String() string {
	switch k {
	case FailureRetryable:
		return "retryable"
	case FailureStructural:
		return "structural"
	default:
		return "fatal"
	}
}

// ErrorCategory is the coarse origin of a fetch failure.
type ErrorCategory string

// Fetch error categories.
const (
	CategoryTimeout    ErrorCategory = "timeout"
	CategoryConnection ErrorCategory = "connection"
	CategoryHTTPStatus ErrorCategory = "http_status"
	CategoryMalformed  ErrorCategory = "malformed"
	CategoryStructural ErrorCategory = "structural"
	CategoryUnknown    ErrorCategory = "unknown"
)

var categoryKinds = map[ErrorCategory]FailureKind{
	CategoryTimeout:    FailureRetryable,
	CategoryConnection: FailureRetryable,
	CategoryMalformed:  FailureFatal,
	CategoryStructural: FailureStructural,
	CategoryUnknown:    FailureFatal,
}

var retryableStatus = map[int]bool{
	http.StatusTooManyRequests:     true,
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
}

// Classify maps an error category and HTTP status code to a FailureKind.
// The status code is only consulted for CategoryHTTPStatus.
func Classify(category ErrorCategory, statusCode int) FailureKind {
	if category == CategoryHTTPStatus {
		if retryableStatus[statusCode] {
			return FailureRetryable
		}
		return FailureFatal
	}
	if kind, ok := categoryKinds[category]; ok {
		return kind
	}
	return FailureFatal
}

// ClassifyError inspects err and returns its FailureKind.
func ClassifyError(err error) FailureKind {
	category, status := Categorize(err)
	return Classify(category, status)
}

// Categorize derives the error category (and status, when known) of err.
func Categorize(err error) (ErrorCategory, int) {
	if err == nil {
		return CategoryUnknown, 0
	}
	var structural *StructuralError
	if errors.As(err, &structural) {
		return CategoryStructural, 0
	}
	var fetchErr *FetchError
	if errors.As(err, &fetchErr) {
		return fetchErr.Category, fetchErr.StatusCode
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout, 0
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return CategoryTimeout, 0
		}
		return CategoryConnection, 0
	}
	return CategoryUnknown, 0
}

// FetchError is the typed error raised by Fetcher implementations.
type FetchError struct {
	Category   ErrorCategory
	StatusCode int
	URL        string
	Err        error
}

// Error implements error.
func (e *FetchError) Error() string {
	if e.Category == CategoryHTTPStatus {
		return fmt.Sprintf("fetch %s: http status %d", e.URL, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s: %v", e.URL, e.Category, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Category)
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// StructuralError reports required fields (or a link scope) that no longer match the page.
type StructuralError struct {
	URL    string
	Fields []string
}

// Error implements error.
func (e *StructuralError) Error() string {
	return fmt.Sprintf("structure mismatch on %s: %s", e.URL, strings.Join(e.Fields, ", "))
}
