// Package pool leases scarce external credentials (platform accounts, API
// keys) with per-resource cooldowns. One Pool serves one resource kind; the
// credential payload type is a parameter so accounts and API keys share the
// same leasing rules.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/kalambet/scoutd/internal/storage"
)

// ResourceStore defines the storage operations the Pool needs.
// Implemented by storage.Store.
type ResourceStore interface {
	GetResource(id string) (*storage.Resource, error)
	ListResources(f storage.ResourceFilter) ([]storage.Resource, error)
	ListEligibleResources(kind string, now time.Time) ([]storage.Resource, error)
	CompareAndLease(id, token string, now time.Time) (bool, error)
	ReleaseLease(id, token string) (bool, error)
	SetCooldown(id string, until, usedAt time.Time) error
	MarkRateLimited(id, token string, until time.Time, reason string) error
	Deactivate(id, reason string) error
	RecordTransientError(id, token, reason string) error
	ReleaseExpired(kind string, now time.Time, leaseTimeout time.Duration) (int, error)
}

// Policy holds the timing rules of one pool.
type Policy struct {
	// Cooldown is applied by MarkUsed after every use.
	Cooldown time.Duration
	// RateLimitCooldown is the minimum hold after a rate-limit response.
	RateLimitCooldown time.Duration
	// ReleaseGrace delays Release so an immediately following request does
	// not re-acquire the same resource.
	ReleaseGrace time.Duration
	// LeaseTimeout lets ReleaseExpired reclaim leases abandoned by a crashed
	// holder. Zero disables it.
	LeaseTimeout time.Duration
}

// maxSelectRounds bounds how often AcquireNext re-reads the eligible set
// after losing every compare-and-set of a round.
const maxSelectRounds = 3

// Lease is a resource held by one caller.
type Lease[C any] struct {
	ID         string
	Kind       string
	Label      string
	Credential C
	AcquiredAt time.Time

	// token identifies this lease in storage; a reclaimed and re-leased
	// resource carries a different one.
	token string

	mu      sync.Mutex
	settled bool
}

// settle marks the lease as handed back. It returns false if it already was.
func (l *Lease[C]) settle() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settled {
		return false
	}
	l.settled = true
	return true
}

// Status is a point-in-time summary of a pool.
type Status struct {
	Kind          string        `json:"kind"`
	Total         int           `json:"total"`
	Active        int           `json:"active"`
	Eligible      int           `json:"eligible"`
	InUse         int           `json:"in_use"`
	CoolingDown   int           `json:"cooling_down"`
	EstimatedWait time.Duration `json:"estimated_wait"`
}

// Option configures a Pool.
type Option func(*options)

type options struct {
	clock   clock.Clock
	logger  *slog.Logger
	rng     *rand.Rand
	observe func(kind, result string)
}

// WithClock replaces the wall clock (tests use a fake clock).
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithRand seeds the selection shuffle.
func WithRand(r *rand.Rand) Option {
	return func(o *options) { o.rng = r }
}

// WithAcquireObserver registers a callback invoked with the outcome of every
// AcquireNext call ("ok", "none", "error").
func WithAcquireObserver(fn func(kind, result string)) Option {
	return func(o *options) { o.observe = fn }
}

// Pool leases resources of a single kind. C is the decoded credential type.
type Pool[C any] struct {
	store   ResourceStore
	kind    string
	policy  Policy
	clock   clock.Clock
	logger  *slog.Logger
	observe func(kind, result string)

	rngMu sync.Mutex
	rng   *rand.Rand
}

// New creates a pool over the resources of kind.
func New[C any](store ResourceStore, kind string, policy Policy, opts ...Option) *Pool[C] {
	o := options{
		clock:  clock.RealClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &Pool[C]{
		store:   store,
		kind:    kind,
		policy:  policy,
		clock:   o.clock,
		logger:  o.logger.With("component", "pool", "kind", kind),
		observe: o.observe,
		rng:     o.rng,
	}
}

// Kind returns the resource kind this pool serves.
func (p *Pool[C]) Kind() string { return p.kind }

// AcquireNext leases a random eligible resource. Losing a compare-and-set
// moves on to the next candidate; a round where every candidate was lost
// re-reads the eligible set instead of reusing stale rows.
func (p *Pool[C]) AcquireNext(ctx context.Context) (*Lease[C], error) {
	for round := 0; round < maxSelectRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		now := p.clock.Now()
		eligible, err := p.store.ListEligibleResources(p.kind, now)
		if err != nil {
			p.record("error")
			return nil, fmt.Errorf("listing eligible resources: %w", err)
		}
		if len(eligible) == 0 {
			break
		}
		p.shuffle(eligible)

		for _, r := range eligible {
			token := uuid.NewString()
			ok, err := p.store.CompareAndLease(r.ID, token, now)
			if err != nil {
				p.record("error")
				return nil, err
			}
			if !ok {
				continue
			}
			lease, err := p.decode(r, token, now)
			if err != nil {
				p.logger.Warn("deactivating resource with malformed credential", "resource_id", r.ID, "error", err)
				if derr := p.store.Deactivate(r.ID, err.Error()); derr != nil {
					p.logger.Warn("deactivate failed", "resource_id", r.ID, "error", derr)
				}
				continue
			}
			p.record("ok")
			return lease, nil
		}
	}

	p.record("none")
	return nil, ErrNotAvailable
}

// AcquireSpecific leases the resource with the given id. Failures are
// *UnavailableError wrapping ErrOnCooldown or ErrIneligible.
func (p *Pool[C]) AcquireSpecific(ctx context.Context, id string) (*Lease[C], error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	r, err := p.store.GetResource(id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, &UnavailableError{ID: id, Reason: "not found", cause: ErrIneligible}
	}
	if err != nil {
		return nil, err
	}

	now := p.clock.Now()
	switch {
	case r.Kind != p.kind:
		return nil, &UnavailableError{ID: id, Reason: "kind " + r.Kind, cause: ErrIneligible}
	case !r.Active:
		return nil, &UnavailableError{ID: id, Reason: "deactivated", cause: ErrIneligible}
	case r.CooldownUntil != nil && r.CooldownUntil.After(now):
		return nil, &UnavailableError{ID: id, Reason: "on cooldown", RetryAfter: r.CooldownUntil.Sub(now), cause: ErrOnCooldown}
	case r.InUse:
		return nil, &UnavailableError{ID: id, Reason: "in use", cause: ErrIneligible}
	}

	token := uuid.NewString()
	ok, err := p.store.CompareAndLease(id, token, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, &UnavailableError{ID: id, Reason: "leased concurrently", cause: ErrIneligible}
	}

	lease, err := p.decode(*r, token, now)
	if err != nil {
		if _, rerr := p.store.ReleaseLease(id, token); rerr != nil {
			p.logger.Warn("release after decode failure", "resource_id", id, "error", rerr)
		}
		return nil, &UnavailableError{ID: id, Reason: err.Error(), cause: ErrIneligible}
	}
	return lease, nil
}

// Release hands the lease back after the grace delay. Releasing a lease that
// MarkError already settled is a no-op; one the sweep reclaimed during the
// grace delay returns ErrLeaseLost and leaves the resource untouched.
func (p *Pool[C]) Release(ctx context.Context, l *Lease[C]) error {
	if !l.settle() {
		return nil
	}
	if p.policy.ReleaseGrace > 0 {
		select {
		case <-p.clock.After(p.policy.ReleaseGrace):
		case <-ctx.Done():
			// Still release; a cancelled caller must not strand the lease.
		}
	}
	released, err := p.store.ReleaseLease(l.ID, l.token)
	if err != nil {
		return fmt.Errorf("releasing %s: %w", l.ID, err)
	}
	if !released {
		p.logger.Warn("lease reclaimed before release", "resource_id", l.ID, "held_for", p.clock.Since(l.AcquiredAt))
		return fmt.Errorf("releasing %s: %w", l.ID, ErrLeaseLost)
	}
	return nil
}

// MarkUsed starts the usage cooldown. It is called after every dispatch
// attempt, successful or not, since the attempt consumes the platform budget.
func (p *Pool[C]) MarkUsed(l *Lease[C]) error {
	now := p.clock.Now()
	if err := p.store.SetCooldown(l.ID, now.Add(p.policy.Cooldown), now); err != nil {
		return fmt.Errorf("marking %s used: %w", l.ID, err)
	}
	return nil
}

// MarkError applies the consequence of a failed use and settles the lease.
// A rate-limited resource stays leased until ReleaseExpired reclaims it after
// the cooldown; the other classes hand it back immediately.
func (p *Pool[C]) MarkError(l *Lease[C], cause error) (ErrorClass, error) {
	class := Classify(cause)
	if !l.settle() {
		return class, nil
	}

	reason := "unknown error"
	if cause != nil {
		reason = cause.Error()
	}
	log := p.logger.With("resource_id", l.ID, "class", class.String())

	var err error
	switch class {
	case RateLimited:
		wait := p.policy.RateLimitCooldown
		if hint := RetryHint(cause); hint > wait {
			wait = hint
		}
		log.Warn("resource rate limited", "wait", wait)
		err = p.store.MarkRateLimited(l.ID, l.token, p.clock.Now().Add(wait), reason)
	case InvalidCredential:
		log.Warn("deactivating resource", "error", reason)
		err = p.store.Deactivate(l.ID, reason)
	default:
		log.Debug("transient resource error", "error", reason)
		err = p.store.RecordTransientError(l.ID, l.token, reason)
	}
	if err != nil {
		return class, fmt.Errorf("marking %s %s: %w", l.ID, class, err)
	}
	return class, nil
}

// ReleaseExpired reclaims leases whose rate-limit hold has passed and
// leases older than the policy's LeaseTimeout. A lease that was only marked
// used stays with its holder.
func (p *Pool[C]) ReleaseExpired() (int, error) {
	n, err := p.store.ReleaseExpired(p.kind, p.clock.Now(), p.policy.LeaseTimeout)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		p.logger.Info("released expired leases", "count", n)
	}
	return n, nil
}

// EstimatedWait returns how long until some resource becomes eligible: zero
// if one already is, otherwise the smallest remaining cooldown. A resource
// held without a pending cooldown is assumed to come back after one usage
// cooldown, since its holder will mark it used.
func (p *Pool[C]) EstimatedWait() (time.Duration, error) {
	st, err := p.Status()
	if err != nil {
		return 0, err
	}
	if st.Active == 0 {
		return 0, ErrNoResources
	}
	return st.EstimatedWait, nil
}

// EstimatedWaitMinutes is EstimatedWait rounded up to whole minutes.
func (p *Pool[C]) EstimatedWaitMinutes() (int, error) {
	d, err := p.EstimatedWait()
	if err != nil {
		return 0, err
	}
	return int(math.Ceil(d.Minutes())), nil
}

// Status summarizes the pool at the current time.
func (p *Pool[C]) Status() (Status, error) {
	all, err := p.store.ListResources(storage.ResourceFilter{Kind: p.kind})
	if err != nil {
		return Status{}, fmt.Errorf("listing resources: %w", err)
	}

	now := p.clock.Now()
	st := Status{Kind: p.kind, Total: len(all)}
	var minWait time.Duration = -1
	for _, r := range all {
		if !r.Active {
			continue
		}
		st.Active++
		if r.InUse {
			st.InUse++
		}
		cooling := r.CooldownUntil != nil && r.CooldownUntil.After(now)
		if cooling {
			st.CoolingDown++
		}
		if r.Eligible(now) {
			st.Eligible++
			minWait = 0
			continue
		}

		var wait time.Duration
		if cooling {
			wait = r.CooldownUntil.Sub(now)
		} else {
			wait = p.policy.Cooldown
		}
		if minWait < 0 || wait < minWait {
			minWait = wait
		}
	}
	if minWait > 0 {
		st.EstimatedWait = minWait
	}
	return st, nil
}

func (p *Pool[C]) decode(r storage.Resource, token string, now time.Time) (*Lease[C], error) {
	var cred C
	if r.CredentialJSON != "" {
		if err := json.Unmarshal([]byte(r.CredentialJSON), &cred); err != nil {
			return nil, fmt.Errorf("decoding credential: %w", err)
		}
	}
	return &Lease[C]{
		ID:         r.ID,
		Kind:       r.Kind,
		Label:      r.Label,
		Credential: cred,
		AcquiredAt: now,
		token:      token,
	}, nil
}

func (p *Pool[C]) shuffle(rs []storage.Resource) {
	p.rngMu.Lock()
	defer p.rngMu.Unlock()
	p.rng.Shuffle(len(rs), func(i, j int) { rs[i], rs[j] = rs[j], rs[i] })
}

func (p *Pool[C]) record(result string) {
	if p.observe != nil {
		p.observe(p.kind, result)
	}
}
