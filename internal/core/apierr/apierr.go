// Package apierr classifies failures of calls against the back-office API.
package apierr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

type Class string

const (
	ClassNone           Class = ""
	ClassNetwork        Class = "network"
	ClassHTTP           Class = "http"
	ClassTimeout        Class = "timeout"
	ClassValidation     Class = "validation"
	ClassSessionExpired Class = "session_expired"
	ClassCanceled       Class = "canceled"
	ClassUnknown        Class = "unknown"
)

var (
	ErrNetwork        = errors.New("network error")
	ErrTimeout        = errors.New("request timed out")
	ErrSessionExpired = errors.New("session expired")
)

// NetworkError means no response reached us from the server.
type NetworkError struct {
	Method string
	Path   string
	Err    error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network error %s %s: %v", e.Method, e.Path, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

func (e *NetworkError) Is(target error) bool { return target == ErrNetwork }

// HTTPError is a non-2xx response.
type HTTPError struct {
	Method  string
	Path    string
	Status  int
	Message string
	Body    []byte
}

func (e *HTTPError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Status, e.Message)
	}
	return fmt.Sprintf("%s %s: status %d", e.Method, e.Path, e.Status)
}

type TimeoutError struct {
	Method  string
	Path    string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s %s: timed out after %s", e.Method, e.Path, e.Timeout)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimeout }

// ValidationError is an HTTP 422. Forms render it inline.
type ValidationError struct {
	HTTPError
	Fields map[string][]string
}

func (e *ValidationError) Error() string {
	if len(e.Fields) == 0 {
		return e.HTTPError.Error()
	}
	names := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		names = append(names, k)
	}
	sort.Strings(names)
	return fmt.Sprintf("%s (fields: %s)", e.HTTPError.Error(), strings.Join(names, ", "))
}

func (e *ValidationError) Unwrap() error { return &e.HTTPError }

type SessionExpiredError struct {
	Err error
}

func (e *SessionExpiredError) Error() string {
	if e.Err != nil {
		return "session expired: " + e.Err.Error()
	}
	return "session expired"
}

func (e *SessionExpiredError) Unwrap() error { return e.Err }

func (e *SessionExpiredError) Is(target error) bool { return target == ErrSessionExpired }

// StatusOf returns the HTTP status carried by err, or 0.
func StatusOf(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.Status
	}
	return 0
}

func Classify(err error) Class {
	if err == nil {
		return ClassNone
	}
	var (
		ve *ValidationError
		se *SessionExpiredError
		te *TimeoutError
		ne *NetworkError
		he *HTTPError
	)
	switch {
	case errors.As(err, &se):
		return ClassSessionExpired
	case errors.As(err, &ve):
		return ClassValidation
	case errors.As(err, &te):
		return ClassTimeout
	case errors.As(err, &ne):
		return ClassNetwork
	case errors.As(err, &he):
		return ClassHTTP
	case errors.Is(err, context.Canceled):
		return ClassCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTimeout
	default:
		return ClassUnknown
	}
}

// Retryable reports whether err is transient: network failures, timeouts
// and 5xx responses.
func Retryable(err error) bool {
	switch Classify(err) {
	case ClassNetwork, ClassTimeout:
		return !errors.Is(err, context.Canceled)
	case ClassHTTP:
		return StatusOf(err) >= 500
	default:
		return false
	}
}

func IsUnauthorized(err error) bool {
	return Classify(err) == ClassHTTP && StatusOf(err) == http.StatusUnauthorized
}

// Message returns a single human readable line for a terminal error.
func Message(err error) string {
	switch Classify(err) {
	case ClassNone:
		return ""
	case ClassNetwork:
		return "Unable to reach the server. Check your connection and try again."
	case ClassTimeout:
		return "The server took too long to respond. Please try again."
	case ClassSessionExpired:
		return "Your session has expired. Please sign in again."
	case ClassValidation:
		return "Some fields are invalid. Please review the form."
	case ClassCanceled:
		return "The request was canceled."
	case ClassHTTP:
		var he *HTTPError
		errors.As(err, &he)
		if he.Message != "" {
			return he.Message
		}
		switch {
		case he.Status == http.StatusForbidden:
			return "You do not have permission to perform this action."
		case he.Status == http.StatusNotFound:
			return "The requested resource was not found."
		case he.Status == http.StatusConflict:
			return "The resource was modified by someone else. Refresh and try again."
		case he.Status == http.StatusTooManyRequests:
			return "Too many requests. Please slow down."
		case he.Status >= 500:
			return "The server encountered an error. Please try again later."
		default:
			return fmt.Sprintf("Request failed with status %d.", he.Status)
		}
	default:
		return "An unexpected error occurred."
	}
}
