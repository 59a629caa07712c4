package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned when an insert hits a uniqueness constraint.
var ErrDuplicate = errors.New("duplicate record")

// Resource is a leasable external credential row (platform account or API key).
type Resource struct {
	ID             string
	Kind           string
	Label          string
	CredentialJSON string
	CooldownUntil  *time.Time
	InUse          bool
	LeasedAt       *time.Time
	Active         bool
	ErrorCount     int
	LastUsedAt     *time.Time
	LastError      string
	CreatedAt      time.Time
}

// Eligible reports whether the resource can be leased at now.
func (r Resource) Eligible(now time.Time) bool {
	if !r.Active || r.InUse {
		return false
	}
	return r.CooldownUntil == nil || !r.CooldownUntil.After(now)
}

// ResourceFilter narrows ListResources. Zero values match everything.
type ResourceFilter struct {
	Kind       string
	ActiveOnly bool
}

type ProfileRow struct {
	ID        string
	DataJSON  string // JSON-encoded profile.Profile
	IsActive  bool
	UpdatedAt time.Time
}

// ScanState is the persisted position and counters of a profile's scan cycle.
type ScanState struct {
	ProfileID      string
	Cursor         string // empty means start from the newest item
	CycleStartedAt *time.Time
	LastScanAt     *time.Time
	Offset         int // items of the page at Cursor already handled
	Processed      int
	Dispatched     int
	UpdatedAt      time.Time
}

// Action outcomes.
const (
	OutcomePending    = "pending"
	OutcomeDispatched = "dispatched"
	OutcomeSkipped    = "skipped"
	OutcomeFailed     = "failed"
)

// ActionRecord is the idempotency key for one (profile, candidate) pair.
type ActionRecord struct {
	ID          string
	ProfileID   string
	CandidateID string
	ResourceID  string
	Outcome     string
	ActionRef   string // platform-side id of the created comment or message
	CreatedAt   time.Time
}

// ActionFilter narrows ListActions. Zero values match everything.
type ActionFilter struct {
	ProfileID string
	Outcome   string
	Since     time.Time
	Limit     int
	Offset    int
}

// ScanEvent is one candidate decision logged during a cycle.
type ScanEvent struct {
	ID          string
	ProfileID   string
	CandidateID string
	Stage       string // "prefilter", "score", "judge", "dedup", "dispatch"
	FinalScore  int
	ScoresJSON  string
	Reason      string
	CreatedAt   time.Time
}

// Job statuses. Completed jobs are deleted rather than kept.
const (
	JobPending = "pending"
	JobRunning = "running"
	JobFailed  = "failed"
)

// Job is a unit of background work. Pending jobs with the same Type and a
// non-empty Key are merged on enqueue.
type Job struct {
	ID          string
	Type        string
	Key         string
	PayloadJSON string
	Status      string
	Attempts    int
	MaxAttempts int
	RunAfter    time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastError   string
}
