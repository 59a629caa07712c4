// Package scan runs a profile's scan cycle: authenticate, page the feed,
// filter candidates, dispatch actions through the account pool, and stop on
// the profile's time box with the cursor persisted for the next invocation.
package scan

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/kalambet/scoutd/internal/cursor"
	"github.com/kalambet/scoutd/internal/dedup"
	"github.com/kalambet/scoutd/internal/domain"
	"github.com/kalambet/scoutd/internal/judge"
	"github.com/kalambet/scoutd/internal/pool"
	"github.com/kalambet/scoutd/internal/profile"
	"github.com/kalambet/scoutd/internal/ratewindow"
	"github.com/kalambet/scoutd/internal/relevance"
	"github.com/kalambet/scoutd/internal/storage"
)

// AccountPool is the subset of pool.Pool the cycle uses.
// Implemented by *pool.Pool[domain.Account].
type AccountPool interface {
	AcquireNext(ctx context.Context) (*pool.Lease[domain.Account], error)
	Release(ctx context.Context, l *pool.Lease[domain.Account]) error
	MarkUsed(l *pool.Lease[domain.Account]) error
	MarkError(l *pool.Lease[domain.Account], cause error) (pool.ErrorClass, error)
	EstimatedWaitMinutes() (int, error)
}

// Expander fills in link posts. Implemented by expand.Expander.
type Expander interface {
	Expand(ctx context.Context, c domain.Candidate) domain.Candidate
}

// EventStore records per-candidate decisions. Implemented by storage.Store.
type EventStore interface {
	SaveScanEvent(e storage.ScanEvent) error
}

// ArchiveHook offloads accumulated scan events. Implemented by archive.Hook.
type ArchiveHook interface {
	RequestArchive(ctx context.Context, profileID string, before time.Time) error
}

// Observer receives cycle statistics. Implemented by metrics.Recorder.
type Observer interface {
	CandidateProcessed(profileID string)
	DispatchOutcome(profileID, outcome string)
	CycleEnded(profileID, outcome string, elapsed time.Duration)
}

// Deps are the collaborators of a cycle. Judge, Expander, Events, Archive
// and Observer are optional.
type Deps struct {
	Platform domain.Platform
	Accounts AccountPool
	Window   *ratewindow.Window
	Scorer   *relevance.Scorer
	Guard    *dedup.Guard
	Cursor   *cursor.Tracker

	Judge    judge.Judge
	Expander Expander
	Events   EventStore
	Archive  ArchiveHook
	Observer Observer
}

// Config tunes a cycle.
type Config struct {
	PageSize int
	Retry    Backoff
	// RateLimitWait is the minimum wait after a 429 during authentication or
	// feed paging; a longer server hint wins.
	RateLimitWait time.Duration
	JudgeTimeout  time.Duration
	MinConfidence float64
	// DefaultBudget bounds cycles of profiles without an interval.
	DefaultBudget time.Duration
}

// DefaultConfig returns the settings used when the config file is silent.
func DefaultConfig() Config {
	return Config{
		PageSize:      25,
		Retry:         DefaultBackoff(),
		RateLimitWait: time.Minute,
		JudgeTimeout:  20 * time.Second,
		MinConfidence: 0.6,
		DefaultBudget: 10 * time.Minute,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

func WithClock(c clock.Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// WithSleep replaces the wait used between retries.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

func WithRand(r *rand.Rand) Option {
	return func(o *Orchestrator) { o.rng = r }
}

// Orchestrator runs cycles. One Orchestrator serves all profiles; a single
// profile must not be run concurrently with itself.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	clock  clock.Clock
	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error

	rngMu sync.Mutex
	rng   *rand.Rand

	// OnTransition, if set, observes every state change of every cycle.
	OnTransition func(profileID string, from, to State)
}

func New(deps Deps, cfg Config, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		deps:   deps,
		cfg:    cfg,
		clock:  clock.RealClock{},
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.rng == nil {
		o.rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if o.sleep == nil {
		o.sleep = o.clockSleep
	}
	if o.cfg.PageSize <= 0 {
		o.cfg.PageSize = DefaultConfig().PageSize
	}
	o.logger = o.logger.With("component", "scan")
	return o
}

func (o *Orchestrator) clockSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-o.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) jitter() float64 {
	o.rngMu.Lock()
	defer o.rngMu.Unlock()
	return o.rng.Float64()
}

// Run executes one invocation of p's cycle. Early terminations are reported
// in the Result; the error is non-nil only for ErrTooSoon, cancellation, and
// storage failures.
func (o *Orchestrator) Run(ctx context.Context, p profile.Profile) (Result, error) {
	st, err := o.deps.Cursor.Load(p.ID)
	if err != nil {
		return Result{}, err
	}
	now := o.clock.Now()
	interval := time.Duration(p.IntervalMinutes) * time.Minute
	if cursor.TooSoon(st, now, interval) {
		return Result{ProfileID: p.ID}, ErrTooSoon
	}

	resuming := st.Resuming()
	if err := o.deps.Cursor.Begin(&st, now); err != nil {
		return Result{}, err
	}
	budget := interval
	if budget <= 0 {
		budget = o.cfg.DefaultBudget
	}

	c := &cycle{
		o:        o,
		p:        p,
		st:       st,
		started:  now,
		budget:   budget,
		state:    Idle,
		sessions: make(map[string]domain.Session),
		log:      o.logger.With("profile_id", p.ID),
	}
	c.log.Info("cycle started", "resuming", resuming, "cursor", st.Cursor, "offset", st.Offset, "budget", budget)
	return c.run(ctx)
}

// cycle is the state of one invocation.
type cycle struct {
	o       *Orchestrator
	p       profile.Profile
	st      cursor.State
	started time.Time
	budget  time.Duration
	log     *slog.Logger

	state    State
	feed     domain.Session
	sessions map[string]domain.Session
	page     domain.Page
	next     int
	current  domain.Candidate
	score    relevance.Score
	// pending is set while current has been counted but no dispatch was
	// attempted for it yet.
	pending bool

	res Result
	err error
}

func (c *cycle) run(ctx context.Context) (Result, error) {
	c.transition(Authenticating)
	for c.state != Terminated {
		var next State
		switch c.state {
		case Authenticating:
			next = c.authenticate(ctx)
		case FetchingPage:
			next = c.fetchPage(ctx)
		case Filtering:
			next = c.filter(ctx)
		case Dispatching:
			next = c.dispatch(ctx)
		default:
			next = c.fail(errors.New("invalid state " + c.state.String()))
		}
		c.transition(next)
	}
	return c.res, c.err
}

func (c *cycle) transition(to State) {
	from := c.state
	c.state = to
	if from != to && c.o.OnTransition != nil {
		c.o.OnTransition(c.p.ID, from, to)
	}
}

func (c *cycle) elapsed() time.Duration { return c.o.clock.Since(c.started) }

func (c *cycle) overBudget() bool { return c.elapsed() > c.budget }

// authenticate leases an account only to open the feed session; the lease
// is handed back without a cooldown since reading spends no dispatch budget.
func (c *cycle) authenticate(ctx context.Context) State {
	lease, next, ok := c.acquire(ctx)
	if !ok {
		return next
	}
	sess, err := c.login(ctx, lease)
	if err != nil {
		return c.abandonLease(ctx, lease, err)
	}
	if err := c.o.deps.Accounts.Release(ctx, lease); err != nil {
		c.log.Warn("releasing feed account", "resource_id", lease.ID, "error", err)
	}
	c.feed = sess
	return FetchingPage
}

func (c *cycle) fetchPage(ctx context.Context) State {
	if c.overBudget() {
		return c.intervalReached(ctx)
	}
	page, err := retry(ctx, c, ratewindow.Default, func(ctx context.Context) (domain.Page, error) {
		return c.feed.FetchPage(ctx, c.p.Sources, c.st.Cursor, c.o.cfg.PageSize)
	})
	if err != nil {
		return c.endWithError(ctx, err)
	}
	c.log.Debug("page fetched", "cursor", c.st.Cursor, "items", len(page.Candidates), "after", page.After)
	c.page = page
	// Items a stopped invocation already handled on this page are neither
	// repeated nor counted again.
	c.next = min(c.st.Offset, len(page.Candidates))
	return Filtering
}

// filter takes the next candidate of the page through the local checks,
// the scorer and the judge. Only an accepted candidate moves to Dispatching.
func (c *cycle) filter(ctx context.Context) State {
	c.pending = false
	if c.next >= len(c.page.Candidates) {
		return c.pageDone(ctx)
	}
	if c.overBudget() {
		return c.intervalReached(ctx)
	}
	if err := ctx.Err(); err != nil {
		return c.canceled(ctx, err)
	}

	cand := c.page.Candidates[c.next]
	c.next++
	c.st.Offset = c.next
	c.st.Processed++
	if obs := c.o.deps.Observer; obs != nil {
		obs.CandidateProcessed(c.p.ID)
	}

	if !cand.Valid() {
		return Filtering
	}
	if cand.Locked && c.p.ActionKind() == domain.ActionComment {
		c.log.Debug("dropping locked thread", "candidate_id", cand.ID)
		return Filtering
	}
	if c.o.deps.Expander != nil {
		cand = c.o.deps.Expander.Expand(ctx, cand)
	}
	if !relevance.Prefilter(cand, c.p) {
		c.event("prefilter", cand, nil, "no keyword match")
		return Filtering
	}

	sc := c.o.deps.Scorer.Score(cand, c.p)
	if !sc.Accepted {
		c.event("score", cand, &sc, sc.Reason)
		return Filtering
	}

	if c.o.deps.Judge != nil {
		relevant, reason := c.judge(ctx, cand, sc)
		if !relevant {
			c.event("judge", cand, &sc, reason)
			return Filtering
		}
	}

	c.current = cand
	c.score = sc
	c.pending = true
	return Dispatching
}

// judge applies the timeout and the fail-closed rule: any error, timeout or
// low-confidence verdict rejects the candidate.
func (c *cycle) judge(ctx context.Context, cand domain.Candidate, sc relevance.Score) (bool, string) {
	jctx := ctx
	if c.o.cfg.JudgeTimeout > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(ctx, c.o.cfg.JudgeTimeout)
		defer cancel()
	}
	criteria := c.p.JudgeCriteria
	if criteria == "" {
		criteria = c.p.Description
	}
	v, err := c.o.deps.Judge.Judge(jctx, judge.Request{
		ProfileID: c.p.ID,
		Criteria:  criteria,
		Candidate: cand,
		Score:     float64(sc.Final),
	})
	if err != nil {
		c.log.Debug("judge failed, rejecting", "candidate_id", cand.ID, "error", err)
		return false, "judge unavailable: " + err.Error()
	}
	if !v.Relevant {
		return false, "judge: " + v.Reason
	}
	if v.Confidence < c.o.cfg.MinConfidence {
		return false, "judge confidence too low: " + v.Reason
	}
	return true, ""
}

func (c *cycle) dispatch(ctx context.Context) State {
	cand := c.current
	g := c.o.deps.Guard

	acted, err := g.HasActed(c.p.ID, cand.ID)
	if err != nil {
		return c.fail(err)
	}
	if acted {
		c.event("dedup", cand, &c.score, "already acted")
		return Filtering
	}

	text, err := c.p.Render(cand)
	if err != nil {
		c.event("dispatch", cand, &c.score, string(ValidationFailure)+": "+err.Error())
		return Filtering
	}
	action := c.action(cand, text)

	lease, next, ok := c.acquire(ctx)
	if !ok {
		return next
	}
	sess, err := c.session(ctx, lease)
	if err != nil {
		return c.abandonLease(ctx, lease, err)
	}

	res, err := g.Reserve(c.p.ID, cand.ID, lease.ID)
	if err != nil {
		c.release(ctx, lease)
		return c.fail(err)
	}
	if res == nil {
		c.release(ctx, lease)
		c.event("dedup", cand, &c.score, "reserved by another cycle")
		return Filtering
	}

	if err := c.o.deps.Window.Acquire(ctx, ratewindow.Dispatch); err != nil {
		if cerr := g.Cancel(res); cerr != nil {
			c.log.Warn("cancelling reservation", "candidate_id", cand.ID, "error", cerr)
		}
		c.release(ctx, lease)
		return c.canceled(ctx, err)
	}

	c.pending = false
	out, dispatchErr := sess.Dispatch(ctx, action)
	// The attempt consumes the platform budget whether or not it succeeded.
	if err := c.o.deps.Accounts.MarkUsed(lease); err != nil {
		c.log.Warn("marking account used", "resource_id", lease.ID, "error", err)
	}

	if dispatchErr == nil {
		if err := g.Finalize(res, storage.OutcomeDispatched, out.Ref); err != nil {
			c.release(ctx, lease)
			return c.fail(err)
		}
		c.release(ctx, lease)
		c.st.Dispatched++
		c.observeDispatch(storage.OutcomeDispatched)
		c.event("dispatch", cand, &c.score, "dispatched "+out.Ref)
		c.log.Info("dispatched", "candidate_id", cand.ID, "resource_id", lease.ID, "ref", out.Ref)
		return Filtering
	}

	reason := reasonFor(dispatchErr)
	if ctx.Err() != nil {
		reason = Canceled
	}
	log := c.log.With("candidate_id", cand.ID, "resource_id", lease.ID, "reason", reason)

	switch reason {
	case DomainSkip:
		// Locked or blocked targets are final for this candidate but say
		// nothing about the account.
		tag := ""
		if pe, ok := domain.AsPlatformError(dispatchErr); ok {
			tag = pe.Tag
		}
		c.settle(g, res, storage.OutcomeSkipped, tag)
		c.release(ctx, lease)
		c.observeDispatch(storage.OutcomeSkipped)
		c.event("dispatch", cand, &c.score, "skipped: "+tag)
		log.Info("dispatch skipped", "tag", tag)
		return Filtering

	case RateLimited, AuthFailure:
		c.markError(lease, dispatchErr)
		if err := g.Cancel(res); err != nil {
			log.Warn("cancelling reservation", "error", err)
		}
		c.observeDispatch(storage.OutcomeFailed)
		log.Warn("dispatch stopped the cycle", "error", dispatchErr)
		// The write did not land; the candidate is retried on resume.
		c.pending = true
		return c.endWithError(ctx, dispatchErr)

	case Canceled:
		// The write may have reached the platform; never retry it.
		c.settle(g, res, storage.OutcomeFailed, "")
		c.release(context.WithoutCancel(ctx), lease)
		return c.canceled(ctx, ctx.Err())

	default:
		// Validation and transient failures abandon the candidate. The
		// record stays so a write that did land is never repeated.
		c.settle(g, res, storage.OutcomeFailed, "")
		if reason == ValidationFailure {
			c.release(ctx, lease)
		} else {
			c.markError(lease, dispatchErr)
		}
		c.observeDispatch(storage.OutcomeFailed)
		c.event("dispatch", cand, &c.score, string(reason)+": "+dispatchErr.Error())
		log.Warn("dispatch failed", "error", dispatchErr)
		return Filtering
	}
}

func (c *cycle) action(cand domain.Candidate, text string) domain.Action {
	if c.p.ActionKind() == domain.ActionMessage {
		subject := c.p.MessageSubject
		if subject == "" {
			subject = "Re: " + cand.Title
		}
		if r := []rune(subject); len(r) > 100 {
			subject = string(r[:100])
		}
		return domain.Action{Kind: domain.ActionMessage, Recipient: cand.Author, Subject: subject, Text: text}
	}
	target := cand.FullID
	if target == "" {
		target = "t3_" + cand.ID
	}
	return domain.Action{Kind: domain.ActionComment, TargetID: target, Text: text}
}

// pageDone persists the page boundary and either fetches the next page or
// completes the cycle when the feed is exhausted.
func (c *cycle) pageDone(ctx context.Context) State {
	if c.page.After == "" {
		return c.complete(ctx)
	}
	if err := c.o.deps.Cursor.Advance(&c.st, c.page.After); err != nil {
		return c.fail(err)
	}
	return FetchingPage
}

func (c *cycle) complete(ctx context.Context) State {
	if err := c.o.deps.Cursor.Complete(&c.st, c.o.clock.Now()); err != nil {
		return c.fail(err)
	}
	c.res = c.result()
	c.res.ShouldContinue = c.p.IsActive && c.p.IntervalMinutes > 0
	c.finish(ctx)
	return Terminated
}

func (c *cycle) intervalReached(ctx context.Context) State {
	c.unwindPending()
	if err := c.o.deps.Cursor.Save(c.st); err != nil {
		return c.fail(err)
	}
	c.res = c.result()
	c.res.IntervalReached = true
	c.res.HasMorePosts = c.st.Cursor != ""
	c.res.ShouldContinue = c.p.IsActive
	c.finish(ctx)
	return Terminated
}

// endWithError terminates with the taxonomy reason of err, persisting
// progress first.
func (c *cycle) endWithError(ctx context.Context, err error) State {
	if ctx.Err() != nil {
		return c.canceled(ctx, ctx.Err())
	}
	c.unwindPending()
	if serr := c.o.deps.Cursor.Save(c.st); serr != nil {
		return c.fail(serr)
	}
	reason := reasonFor(err)
	c.res = c.result()
	c.res.Reason = reason
	c.res.Detail = err.Error()
	c.res.Retryable = reason.Retryable()
	c.res.HasMorePosts = c.st.Cursor != ""
	if reason == RateLimited {
		c.res.RetryAfter = pool.RetryHint(err)
	}
	c.finish(ctx)
	return Terminated
}

func (c *cycle) noResource(ctx context.Context) State {
	c.unwindPending()
	if err := c.o.deps.Cursor.Save(c.st); err != nil {
		return c.fail(err)
	}
	c.res = c.result()
	c.res.Reason = NoResourceAvailable
	c.res.HasMorePosts = c.st.Cursor != ""
	mins, err := c.o.deps.Accounts.EstimatedWaitMinutes()
	switch {
	case errors.Is(err, pool.ErrNoResources):
		c.res.Detail = "no active accounts"
	case err != nil:
		c.res.Detail = err.Error()
		c.res.Retryable = true
	default:
		c.res.Detail = "all accounts cooling down"
		c.res.Retryable = true
		c.res.EstimatedWaitMinutes = mins
		c.res.RetryAfter = time.Duration(mins) * time.Minute
	}
	c.finish(ctx)
	return Terminated
}

func (c *cycle) canceled(ctx context.Context, err error) State {
	c.unwindPending()
	if serr := c.o.deps.Cursor.Save(c.st); serr != nil {
		c.log.Warn("saving cursor after cancellation", "error", serr)
	}
	c.res = c.result()
	c.res.Reason = Canceled
	c.res.Detail = err.Error()
	c.res.Retryable = true
	c.res.HasMorePosts = c.st.Cursor != ""
	c.err = err
	c.finish(ctx)
	return Terminated
}

// unwindPending hands the current candidate back to the page when the
// cycle stops before dispatching it, so the next invocation takes it again
// without counting it twice.
func (c *cycle) unwindPending() {
	if !c.pending {
		return
	}
	c.pending = false
	c.next--
	c.st.Offset = c.next
	c.st.Processed--
}

func (c *cycle) fail(err error) State {
	c.log.Error("cycle failed", "error", err)
	c.res = c.result()
	c.err = err
	return Terminated
}

func (c *cycle) result() Result {
	return Result{
		ProfileID:  c.p.ID,
		Processed:  c.st.Processed,
		Dispatched: c.st.Dispatched,
		Elapsed:    c.elapsed(),
	}
}

// finish runs the termination side effects, none of which can change the
// result.
func (c *cycle) finish(ctx context.Context) {
	if h := c.o.deps.Archive; h != nil {
		actx := context.WithoutCancel(ctx)
		if err := h.RequestArchive(actx, c.p.ID, c.o.clock.Now()); err != nil {
			c.log.Warn("archive request failed", "error", err)
		}
	}
	if obs := c.o.deps.Observer; obs != nil {
		obs.CycleEnded(c.p.ID, c.res.Outcome(), c.res.Elapsed)
	}
	c.log.Info("cycle ended",
		"outcome", c.res.Outcome(),
		"processed", c.res.Processed,
		"dispatched", c.res.Dispatched,
		"has_more", c.res.HasMorePosts,
		"elapsed", c.res.Elapsed,
	)
}

// acquire leases an account. On failure it returns the terminal state.
func (c *cycle) acquire(ctx context.Context) (*pool.Lease[domain.Account], State, bool) {
	lease, err := c.o.deps.Accounts.AcquireNext(ctx)
	switch {
	case err == nil:
		return lease, 0, true
	case errors.Is(err, pool.ErrNotAvailable):
		return nil, c.noResource(ctx), false
	case ctx.Err() != nil:
		return nil, c.canceled(ctx, ctx.Err()), false
	default:
		return nil, c.fail(err), false
	}
}

// session returns the cached session of the leased account, logging in on
// first use within the cycle.
func (c *cycle) session(ctx context.Context, lease *pool.Lease[domain.Account]) (domain.Session, error) {
	if s, ok := c.sessions[lease.ID]; ok {
		return s, nil
	}
	return c.login(ctx, lease)
}

func (c *cycle) login(ctx context.Context, lease *pool.Lease[domain.Account]) (domain.Session, error) {
	sess, err := retry(ctx, c, ratewindow.Auth, func(ctx context.Context) (domain.Session, error) {
		return c.o.deps.Platform.Authenticate(ctx, lease.Credential)
	})
	if err != nil {
		return nil, err
	}
	c.sessions[lease.ID] = sess
	return sess, nil
}

// abandonLease settles a lease whose login failed and ends the cycle.
func (c *cycle) abandonLease(ctx context.Context, lease *pool.Lease[domain.Account], err error) State {
	if ctx.Err() != nil {
		c.release(context.WithoutCancel(ctx), lease)
		return c.canceled(ctx, ctx.Err())
	}
	c.markError(lease, err)
	c.log.Warn("authentication failed", "resource_id", lease.ID, "error", err)
	return c.endWithError(ctx, err)
}

func (c *cycle) release(ctx context.Context, lease *pool.Lease[domain.Account]) {
	if err := c.o.deps.Accounts.Release(ctx, lease); err != nil {
		c.log.Warn("releasing account", "resource_id", lease.ID, "error", err)
	}
}

func (c *cycle) markError(lease *pool.Lease[domain.Account], cause error) {
	delete(c.sessions, lease.ID)
	if _, err := c.o.deps.Accounts.MarkError(lease, cause); err != nil {
		c.log.Warn("recording account error", "resource_id", lease.ID, "error", err)
	}
}

func (c *cycle) settle(g *dedup.Guard, r *dedup.Reservation, outcome, ref string) {
	if err := g.Finalize(r, outcome, ref); err != nil {
		c.log.Warn("finalizing action record", "candidate_id", r.CandidateID, "error", err)
	}
}

func (c *cycle) observeDispatch(outcome string) {
	if obs := c.o.deps.Observer; obs != nil {
		obs.DispatchOutcome(c.p.ID, outcome)
	}
}

// retry runs op under the rate window category with the bounded backoff.
// Failures that waiting cannot fix return at once; a rate limit waits for
// the longer of the server hint and RateLimitWait instead of the schedule.
func retry[T any](ctx context.Context, c *cycle, category string, op func(context.Context) (T, error)) (T, error) {
	var zero T
	b := c.o.cfg.Retry
	var lastErr error
	for attempt := 0; attempt < b.attempts(); attempt++ {
		if err := c.o.deps.Window.Acquire(ctx, category); err != nil {
			return zero, err
		}
		v, err := op(ctx)
		if err == nil {
			return v, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return zero, err
		}
		pe, ok := domain.AsPlatformError(err)
		if ok && !pe.Retryable() {
			return zero, err
		}
		if attempt == b.attempts()-1 {
			break
		}

		wait := b.Delay(attempt, c.o.jitter)
		if ok && pe.Kind == domain.ErrRateLimited {
			wait = c.o.cfg.RateLimitWait
			if pe.RetryAfter > wait {
				wait = pe.RetryAfter
			}
		}
		c.log.Debug("retrying", "category", category, "attempt", attempt+1, "wait", wait, "error", err)
		if err := c.o.sleep(ctx, wait); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}
