package archive

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"k8s.io/utils/clock"

	"github.com/kalambet/scoutd/internal/storage"
)

// staleAfter is how long a job may stay running before Run assumes its
// worker died and requeues it.
const staleAfter = 15 * time.Minute

// JobStore abstracts the job queue and event operations.
type JobStore interface {
	ClaimNextJob(types []string, now time.Time) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id, errMsg string, now time.Time) error
	RequeueStaleJobs(olderThan, now time.Time) (int, error)
	ListScanEvents(profileID string, before time.Time) ([]storage.ScanEvent, error)
	DeleteScanEvents(ids []string) (int, error)
}

// Worker processes archive_events jobs from the SQLite job queue.
type Worker struct {
	store  JobStore
	dir    string
	poll   time.Duration
	clock  clock.PassiveClock
	logger *slog.Logger
}

// NewWorker creates a Worker writing under dir.
// If pollInterval is <= 0, it defaults to 5s.
func NewWorker(store JobStore, dir string, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:  store,
		dir:    dir,
		poll:   pollInterval,
		clock:  clock.RealClock{},
		logger: logger.With("component", "archive"),
	}
}

// Run requeues jobs orphaned by a previous process, then polls for jobs
// until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	now := w.clock.Now()
	if n, err := w.store.RequeueStaleJobs(now.Add(-staleAfter), now); err != nil {
		w.logger.Warn("requeueing stale jobs", "error", err)
	} else if n > 0 {
		w.logger.Info("requeued stale jobs", "count", n)
	}

	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single archive job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobType}, w.clock.Now())
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error(), w.clock.Now()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// line is one archived event.
type line struct {
	ID          string          `json:"id"`
	ProfileID   string          `json:"profile_id"`
	CandidateID string          `json:"candidate_id"`
	Stage       string          `json:"stage"`
	FinalScore  int             `json:"final_score"`
	Scores      json.RawMessage `json:"scores"`
	Reason      string          `json:"reason,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var p payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if p.ProfileID == "" {
		return fmt.Errorf("payload has no profile_id")
	}

	events, err := w.store.ListScanEvents(p.ProfileID, p.Before)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path := w.Path(p.ProfileID, p.Before)
	if err := appendLines(path, events); err != nil {
		return err
	}

	ids := make([]string, len(events))
	for i, e := range events {
		ids[i] = e.ID
	}
	n, err := w.store.DeleteScanEvents(ids)
	if err != nil {
		return err
	}
	w.logger.Info("archived scan events", "profile_id", p.ProfileID, "count", n, "path", path)
	return nil
}

// Path is the file receiving a profile's events archived at the cutoff.
func (w *Worker) Path(profileID string, before time.Time) string {
	return filepath.Join(w.dir, safeName(profileID), before.UTC().Format("2006-01-02")+".ndjson")
}

func appendLines(path string, events []storage.ScanEvent) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating archive dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("opening archive file: %w", err)
	}

	bw := bufio.NewWriter(f)
	enc := json.NewEncoder(bw)
	for _, e := range events {
		scores := json.RawMessage(e.ScoresJSON)
		if !json.Valid(scores) {
			scores = json.RawMessage("{}")
		}
		if err := enc.Encode(line{
			ID:          e.ID,
			ProfileID:   e.ProfileID,
			CandidateID: e.CandidateID,
			Stage:       e.Stage,
			FinalScore:  e.FinalScore,
			Scores:      scores,
			Reason:      e.Reason,
			CreatedAt:   e.CreatedAt.UTC(),
		}); err != nil {
			f.Close()
			return fmt.Errorf("writing archive line: %w", err)
		}
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flushing archive file: %w", err)
	}
	return f.Close()
}

// safeName keeps a profile id usable as a single path element.
func safeName(id string) string {
	r := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	name := r.Replace(strings.TrimSpace(id))
	if name == "" {
		return "_"
	}
	return name
}
