// Package schedule triggers scan cycles: one cron entry per active profile,
// a periodic pool sweep, and on-demand runs from the management surface.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"github.com/kalambet/scoutd/internal/alert"
	"github.com/kalambet/scoutd/internal/profile"
	"github.com/kalambet/scoutd/internal/scan"
)

// ErrBusy is returned when the profile already has a cycle in flight.
var ErrBusy = errors.New("scan already running for profile")

// Scanner runs one cycle. Implemented by *scan.Orchestrator.
type Scanner interface {
	Run(ctx context.Context, p profile.Profile) (scan.Result, error)
}

// Profiles is implemented by *profile.Manager.
type Profiles interface {
	Get(id string) (profile.Profile, error)
	List(activeOnly bool) ([]profile.Profile, error)
}

// Sweeper reclaims expired leases. Implemented by *pool.Pool.
type Sweeper interface {
	ReleaseExpired() (int, error)
}

type Config struct {
	SweepInterval time.Duration
	// MaxConcurrent bounds RunAll; zero means no limit.
	MaxConcurrent int
}

// Outcome is the result of one profile in RunAll.
type Outcome struct {
	ProfileID string
	Result    scan.Result
	Err       error
}

type Runner struct {
	scanner  Scanner
	profiles Profiles
	notifier alert.Notifier
	sweepers []Sweeper
	cfg      Config
	logger   *slog.Logger

	mu      sync.Mutex
	running map[string]bool

	cronMu  sync.Mutex
	cron    *cron.Cron
	ctx     context.Context
	entries map[string]cron.EntryID
}

func New(scanner Scanner, profiles Profiles, notifier alert.Notifier, cfg Config, logger *slog.Logger, sweepers ...Sweeper) *Runner {
	if notifier == nil {
		notifier = alert.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "schedule")
	cl := cronLogger{logger}
	return &Runner{
		scanner:  scanner,
		profiles: profiles,
		notifier: notifier,
		sweepers: sweepers,
		cfg:      cfg,
		logger:   logger,
		running:  make(map[string]bool),
		cron:     cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		entries:  make(map[string]cron.EntryID),
	}
}

// Start registers the sweep and the profile entries and starts the cron
// loop. Cycles started by cron run under ctx.
func (r *Runner) Start(ctx context.Context) error {
	r.cronMu.Lock()
	r.ctx = ctx
	if r.cfg.SweepInterval > 0 && len(r.sweepers) > 0 {
		if _, err := r.cron.AddFunc(every(r.cfg.SweepInterval), func() { r.Sweep() }); err != nil {
			r.cronMu.Unlock()
			return fmt.Errorf("scheduling pool sweep: %w", err)
		}
	}
	r.cronMu.Unlock()

	if err := r.Reload(); err != nil {
		return err
	}
	r.cron.Start()
	r.logger.Info("scheduler started", "profiles", r.Scheduled())
	return nil
}

// Stop stops the cron loop and waits for running jobs.
func (r *Runner) Stop() {
	<-r.cron.Stop().Done()
}

// Reload replaces the profile entries with the current active profiles.
// Profiles without an interval are only run on demand.
func (r *Runner) Reload() error {
	profiles, err := r.profiles.List(true)
	if err != nil {
		return err
	}

	r.cronMu.Lock()
	defer r.cronMu.Unlock()
	for id, entry := range r.entries {
		r.cron.Remove(entry)
		delete(r.entries, id)
	}
	for _, p := range profiles {
		if p.IntervalMinutes <= 0 {
			continue
		}
		id := p.ID
		entry, err := r.cron.AddFunc(every(time.Duration(p.IntervalMinutes)*time.Minute), func() {
			r.scheduled(id)
		})
		if err != nil {
			return fmt.Errorf("scheduling profile %s: %w", id, err)
		}
		r.entries[id] = entry
	}
	return nil
}

// Scheduled returns how many profiles have a cron entry.
func (r *Runner) Scheduled() int {
	r.cronMu.Lock()
	defer r.cronMu.Unlock()
	return len(r.entries)
}

func (r *Runner) scheduled(id string) {
	r.cronMu.Lock()
	ctx := r.ctx
	r.cronMu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	_, err := r.RunProfile(ctx, id)
	switch {
	case err == nil:
	case errors.Is(err, ErrBusy), errors.Is(err, scan.ErrTooSoon):
		r.logger.Debug("scheduled scan skipped", "profile_id", id, "reason", err)
	default:
		r.logger.Error("scheduled scan failed", "profile_id", id, "error", err)
	}
}

// RunProfile runs one cycle of the profile unless one is already running.
func (r *Runner) RunProfile(ctx context.Context, id string) (scan.Result, error) {
	if !r.tryLock(id) {
		return scan.Result{ProfileID: id}, ErrBusy
	}
	defer r.unlock(id)

	p, err := r.profiles.Get(id)
	if err != nil {
		return scan.Result{ProfileID: id}, err
	}
	res, err := r.scanner.Run(ctx, p)
	if err == nil {
		r.alert(ctx, res)
	}
	return res, err
}

// RunAll runs every active profile concurrently. Failures are reported per
// profile; the returned error is non-nil only if the profiles cannot be
// listed.
func (r *Runner) RunAll(ctx context.Context) ([]Outcome, error) {
	profiles, err := r.profiles.List(true)
	if err != nil {
		return nil, err
	}

	out := make([]Outcome, len(profiles))
	g, gCtx := errgroup.WithContext(ctx)
	if r.cfg.MaxConcurrent > 0 {
		g.SetLimit(r.cfg.MaxConcurrent)
	}
	for i, p := range profiles {
		g.Go(func() error {
			res, err := r.RunProfile(gCtx, p.ID)
			out[i] = Outcome{ProfileID: p.ID, Result: res, Err: err}
			return nil
		})
	}
	g.Wait()
	return out, nil
}

// Sweep reclaims expired leases in every pool and returns the total.
func (r *Runner) Sweep() int {
	total := 0
	for _, s := range r.sweepers {
		n, err := s.ReleaseExpired()
		if err != nil {
			r.logger.Warn("pool sweep failed", "error", err)
			continue
		}
		total += n
	}
	return total
}

func (r *Runner) alert(ctx context.Context, res scan.Result) {
	switch res.Reason {
	case scan.AuthFailure, scan.NoResourceAvailable:
	default:
		return
	}
	err := r.notifier.Notify(ctx, alert.Alert{
		ProfileID:  res.ProfileID,
		Reason:     string(res.Reason),
		Detail:     res.Detail,
		RetryAfter: res.RetryAfter,
	})
	if err != nil {
		r.logger.Warn("alert failed", "profile_id", res.ProfileID, "error", err)
	}
}

func (r *Runner) tryLock(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running[id] {
		return false
	}
	r.running[id] = true
	return true
}

func (r *Runner) unlock(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.running, id)
}

func every(d time.Duration) string {
	return "@every " + d.String()
}

// cronLogger routes cron's logging to slog.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
