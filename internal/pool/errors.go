package pool

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotAvailable is returned by AcquireNext when no resource of the
	// pool's kind is eligible.
	ErrNotAvailable = errors.New("no resource available")

	// ErrOnCooldown marks an AcquireSpecific failure that clears by waiting.
	ErrOnCooldown = errors.New("resource on cooldown")

	// ErrIneligible marks an AcquireSpecific failure that waiting will not fix
	// (unknown, deactivated, leased, or of another kind).
	ErrIneligible = errors.New("resource ineligible")

	// ErrNoResources is returned by EstimatedWait when the pool has no active
	// resources at all.
	ErrNoResources = errors.New("pool has no active resources")

	// ErrLeaseLost is returned by Release when the sweep reclaimed the lease
	// before the holder handed it back. The resource is left alone since it
	// may already belong to another holder.
	ErrLeaseLost = errors.New("lease no longer held")
)

// UnavailableError explains why AcquireSpecific refused a resource.
type UnavailableError struct {
	ID         string
	Reason     string
	RetryAfter time.Duration // set only for cooldowns
	cause      error
}

func (e *UnavailableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("resource %s unavailable: %s (retry after %s)", e.ID, e.Reason, e.RetryAfter)
	}
	return fmt.Sprintf("resource %s unavailable: %s", e.ID, e.Reason)
}

func (e *UnavailableError) Unwrap() error { return e.cause }

// ErrorClass is how a failed use of a resource affects the resource.
type ErrorClass int

const (
	// Transient failures release the lease and bump the error counter.
	Transient ErrorClass = iota
	// RateLimited failures hold the lease through a cooldown window.
	RateLimited
	// InvalidCredential failures deactivate the resource permanently.
	InvalidCredential
)

func (c ErrorClass) String() string {
	switch c {
	case RateLimited:
		return "rate_limited"
	case InvalidCredential:
		return "invalid_credential"
	default:
		return "transient"
	}
}

// Classified is implemented by collaborator errors that know their class.
type Classified interface {
	ResourceClass() ErrorClass
}

// retryHinted is implemented by errors carrying a server-provided retry hint.
type retryHinted interface {
	RetryHint() time.Duration
}

// Classify maps err onto an ErrorClass. Errors that do not implement
// Classified are treated as transient.
func Classify(err error) ErrorClass {
	var c Classified
	if errors.As(err, &c) {
		return c.ResourceClass()
	}
	return Transient
}

// RetryHint extracts the server-provided retry delay from err, if any.
func RetryHint(err error) time.Duration {
	var h retryHinted
	if errors.As(err, &h) {
		return h.RetryHint()
	}
	return 0
}
