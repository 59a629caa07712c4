package scan

import (
	"errors"
	"time"

	"github.com/kalambet/scoutd/internal/domain"
)

// ErrTooSoon is returned by Run when the profile's last completed cycle
// ended less than its interval ago. No state is touched.
var ErrTooSoon = errors.New("scan requested too soon")

// State is a step of the cycle state machine.
type State int

const (
	Idle State = iota
	Authenticating
	FetchingPage
	Filtering
	Dispatching
	Terminated
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Authenticating:
		return "authenticating"
	case FetchingPage:
		return "fetching_page"
	case Filtering:
		return "filtering"
	case Dispatching:
		return "dispatching"
	case Terminated:
		return "terminated"
	default:
		return "unknown"
	}
}

// Reason is why a cycle ended early, or why a candidate was skipped.
type Reason string

const (
	AuthFailure         Reason = "auth_failure"
	RateLimited         Reason = "rate_limited"
	TransientNetwork    Reason = "transient_network"
	DomainSkip          Reason = "domain_skip"
	NoResourceAvailable Reason = "no_resource_available"
	ValidationFailure   Reason = "validation_failure"
	Canceled            Reason = "canceled"
)

// Retryable reports whether running the cycle again later may succeed
// without operator action.
func (r Reason) Retryable() bool {
	switch r {
	case RateLimited, TransientNetwork, NoResourceAvailable, Canceled:
		return true
	}
	return false
}

// reasonFor maps a collaborator failure onto the cycle taxonomy.
func reasonFor(err error) Reason {
	pe, ok := domain.AsPlatformError(err)
	if !ok {
		return TransientNetwork
	}
	switch pe.Kind {
	case domain.ErrAuth:
		return AuthFailure
	case domain.ErrRateLimited:
		return RateLimited
	case domain.ErrValidation, domain.ErrNotFound:
		return ValidationFailure
	case domain.ErrDomain:
		return DomainSkip
	default:
		return TransientNetwork
	}
}

// Result reports one invocation of a profile's cycle. Processed and
// Dispatched count the whole cycle, including earlier resumed invocations.
type Result struct {
	ProfileID  string `json:"profile_id"`
	Processed  int    `json:"processed"`
	Dispatched int    `json:"dispatched"`

	IntervalReached bool `json:"interval_reached"`
	HasMorePosts    bool `json:"has_more_posts"`
	ShouldContinue  bool `json:"should_continue"`

	// Reason is empty when the cycle completed or hit its time box.
	Reason               Reason        `json:"reason,omitempty"`
	Detail               string        `json:"detail,omitempty"`
	Retryable            bool          `json:"retryable"`
	RetryAfter           time.Duration `json:"retry_after,omitempty"`
	EstimatedWaitMinutes int           `json:"estimated_wait_minutes,omitempty"`

	Elapsed time.Duration `json:"elapsed"`
}

// Outcome is a short label for logs and metrics.
func (r Result) Outcome() string {
	switch {
	case r.Reason != "":
		return string(r.Reason)
	case r.IntervalReached:
		return "interval_reached"
	default:
		return "completed"
	}
}
