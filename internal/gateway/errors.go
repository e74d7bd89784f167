// SPDX-License-Identifier: MIT

package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Class buckets provider failures for the retry loop. Only transient and
// rate_limited are retried.
type Class string

const (
	ClassTransient   Class = "transient"
	ClassPermanent   Class = "permanent"
	ClassRateLimited Class = "rate_limited"
	ClassAuth        Class = "auth"
)

var (
	// Sentinel errors for errors.Is checks at the boundary.
	ErrNotFound     = errors.New("provider: resource not found")
	ErrUnauthorized = errors.New("provider: authentication rejected")
	ErrRateLimited  = errors.New("provider: rate limited")
	ErrUnavailable  = errors.New("provider: host unreachable or transport failure")
	ErrUpstream     = errors.New("provider: internal error (5xx)")
	ErrBadResponse  = errors.New("provider: invalid response format or malformed data")
	ErrTimeout      = errors.New("provider: request timed out")
)

// ProviderError wraps the sentinel errors with call context.
type ProviderError struct {
	Sentinel   error
	Provider   string
	Operation  string
	StatusCode int
	Body       string
	RetryAfter time.Duration // from a 429 Retry-After header, zero otherwise
	Err        error         // nested lower-level error (e.g. net.Error)
}

func (e *ProviderError) Error() string {
	msg := fmt.Sprintf("%s: %s: %v", e.Provider, e.Operation, e.Sentinel)
	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
	}
	if e.Body != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Body)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ProviderError) Unwrap() error {
	return e.Sentinel
}

// StatusError builds a ProviderError from a non-2xx response. The caller
// has already read and truncated the body.
func StatusError(provider, operation string, res *http.Response, body string) *ProviderError {
	e := &ProviderError{
		Provider:   provider,
		Operation:  operation,
		StatusCode: res.StatusCode,
		Body:       body,
	}
	switch {
	case res.StatusCode == http.StatusTooManyRequests:
		e.Sentinel = ErrRateLimited
		e.RetryAfter = parseRetryAfter(res.Header.Get("Retry-After"))
	case res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden:
		e.Sentinel = ErrUnauthorized
	case res.StatusCode == http.StatusNotFound:
		e.Sentinel = ErrNotFound
	case res.StatusCode >= 500:
		e.Sentinel = ErrUpstream
	default:
		e.Sentinel = ErrBadResponse
	}
	return e
}

// TransportError wraps a failure that happened before any response arrived.
func TransportError(provider, operation string, err error) *ProviderError {
	sentinel := ErrUnavailable
	if isTimeout(err) {
		sentinel = ErrTimeout
	}
	return &ProviderError{
		Sentinel:  sentinel,
		Provider:  provider,
		Operation: operation,
		Err:       err,
	}
}

// DecodeError wraps a body that arrived but did not parse.
func DecodeError(provider, operation string, err error) *ProviderError {
	return &ProviderError{
		Sentinel:  ErrBadResponse,
		Provider:  provider,
		Operation: operation,
		Err:       err,
	}
}

// Classify maps an error onto the retry taxonomy. Context expiry and
// transport failures count as transient so the caller's own deadline, not
// the classification, decides when to stop.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return ClassRateLimited
	case errors.Is(err, ErrUnauthorized):
		return ClassAuth
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrUnavailable), errors.Is(err, ErrUpstream):
		return ClassTransient
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return ClassTransient
	case isTimeout(err):
		return ClassTransient
	default:
		return ClassPermanent
	}
}

// RetryAfterHint surfaces the server-requested delay from a rate limited
// call, when one was given.
func RetryAfterHint(err error) (time.Duration, bool) {
	var pe *ProviderError
	if errors.As(err, &pe) && pe.RetryAfter > 0 {
		return pe.RetryAfter, true
	}
	return 0, false
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
