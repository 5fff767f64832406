package crawler

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrorKind classifies per-URL failures and rejections.
type ErrorKind string

// Error kinds surfaced in results and summaries.
const (
	KindPolicyRejected   ErrorKind = "policy_rejected"
	KindRobotsDisallowed ErrorKind = "robots_disallowed"
	KindTimeout          ErrorKind = "timeout"
	KindConnection       ErrorKind = "connection_error"
	KindTooManyRedirects ErrorKind = "too_many_redirects"
	KindRenderTimeout    ErrorKind = "render_timeout"
	KindHTTP             ErrorKind = "http_error"
	KindUnavailable      ErrorKind = "engine_unavailable"
	KindDuplicate        ErrorKind = "duplicate"
	KindInvalidRequest   ErrorKind = "invalid_request"
)

var (
	// ErrInvalidRequest wraps every CrawlRequest validation failure.
	ErrInvalidRequest = errors.New("invalid crawl request")
	// ErrTooManyRedirects is returned by engines when the redirect bound is exceeded.
	ErrTooManyRedirects = errors.New("too many redirects")
	// ErrEngineUnavailable is returned when a request selects an engine that is not configured.
	ErrEngineUnavailable = errors.New("engine not configured")
)

// FetchError is the typed failure returned by engines.
type FetchError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

// Error implements error.
func (e *FetchError) Error() string {
	if e.Detail == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

// Unwrap exposes the underlying cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Retryable reports whether the failure earns a second attempt.
func (e *FetchError) Retryable() bool {
	return e.Kind == KindTimeout || e.Kind == KindConnection
}

// NewFetchError builds a FetchError of the given kind around err.
func NewFetchError(kind ErrorKind, err error) *FetchError {
	fe := &FetchError{Kind: kind, Err: err}
	if err != nil {
		fe.Detail = err.Error()
	}
	return fe
}

// ClassifyTransportError maps a transport-level failure onto a FetchError kind.
// Cancellation of the caller's context is returned unchanged.
func ClassifyTransportError(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe
	}
	if ctx != nil && errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(err, ErrTooManyRedirects) {
		return NewFetchError(KindTooManyRedirects, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewFetchError(KindTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewFetchError(KindTimeout, err)
	}
	return NewFetchError(KindConnection, err)
}

// IsRetryableStatus reports whether an HTTP status earns a backoff retry.
func IsRetryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status == http.StatusServiceUnavailable
}

// resultError converts any failure into the serializable result form.
func resultError(err error) *ResultError {
	if err == nil {
		return nil
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return &ResultError{Kind: fe.Kind, Detail: fe.Detail}
	}
	if errors.Is(err, ErrEngineUnavailable) {
		return &ResultError{Kind: KindUnavailable, Detail: err.Error()}
	}
	return &ResultError{Kind: KindConnection, Detail: err.Error()}
}
