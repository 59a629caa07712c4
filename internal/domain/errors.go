package domain

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kalambet/scoutd/internal/pool"
)

// ErrorKind classifies platform failures by HTTP-style status. ErrDomain
// covers recoverable target conditions such as a locked thread or a blocked
// recipient; the error's Tag carries the platform's reason.
type ErrorKind string

const (
	ErrAuth        ErrorKind = "auth"
	ErrRateLimited ErrorKind = "rate_limited"
	ErrNotFound    ErrorKind = "not_found"
	ErrServer      ErrorKind = "server"
	ErrNetwork     ErrorKind = "network"
	ErrDomain      ErrorKind = "domain"
	ErrValidation  ErrorKind = "validation"
)

// Domain tags.
const (
	TagLocked   = "locked"
	TagBlocked  = "blocked"
	TagArchived = "archived"
	TagDeleted  = "deleted"
)

// PlatformError is a classified failure from the feed, dispatch or auth
// endpoints.
type PlatformError struct {
	Kind       ErrorKind
	Status     int
	RetryAfter time.Duration
	Tag        string
	Err        error
}

func (e *PlatformError) Error() string {
	msg := string(e.Kind)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.Status)
	}
	if e.Tag != "" {
		msg += " [" + e.Tag + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *PlatformError) Unwrap() error { return e.Err }

// ResourceClass maps the failure onto what it means for the account used.
func (e *PlatformError) ResourceClass() pool.ErrorClass {
	switch e.Kind {
	case ErrRateLimited:
		return pool.RateLimited
	case ErrAuth:
		return pool.InvalidCredential
	default:
		return pool.Transient
	}
}

// RetryHint returns the server-provided delay of a rate-limit response.
func (e *PlatformError) RetryHint() time.Duration { return e.RetryAfter }

// Retryable reports whether the failure may clear on its own.
func (e *PlatformError) Retryable() bool {
	switch e.Kind {
	case ErrRateLimited, ErrServer, ErrNetwork:
		return true
	}
	return false
}

// KindFromStatus classifies an HTTP status code.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return ErrAuth
	case status == http.StatusTooManyRequests:
		return ErrRateLimited
	case status == http.StatusNotFound:
		return ErrNotFound
	case status >= 500:
		return ErrServer
	case status >= 400:
		return ErrValidation
	default:
		return ErrServer
	}
}

// AsPlatformError unwraps err into a *PlatformError if it is one.
func AsPlatformError(err error) (*PlatformError, bool) {
	var pe *PlatformError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}
