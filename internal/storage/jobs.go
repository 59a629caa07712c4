package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const (
	defaultMaxAttempts = 3
	jobBackoffBase     = 30 * time.Second
	jobBackoffMax      = time.Hour
)

const jobColumns = "id, type, key, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at, last_error"

func txBuilder(tx *sql.Tx) sq.StatementBuilderType {
	return sq.StatementBuilder.PlaceholderFormat(sq.Question).RunWith(tx)
}

// EnqueueJob adds job as pending at now and reports whether a new row was
// created. A keyed job whose type and key match a pending job replaces that
// job's payload instead; its schedule and attempts are kept.
func (s *Store) EnqueueJob(job Job, now time.Time) (bool, error) {
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}

	tx, err := s.db.Begin()
	if err != nil {
		return false, fmt.Errorf("beginning enqueue: %w", err)
	}
	defer tx.Rollback()
	b := txBuilder(tx)

	if job.Key != "" {
		res, err := b.Update("jobs").
			Set("payload_json", job.PayloadJSON).
			Set("updated_at", toMillis(now)).
			Where(sq.Eq{"type": job.Type, "key": job.Key, "status": JobPending}).
			Exec()
		if err != nil {
			return false, fmt.Errorf("merging job %s/%s: %w", job.Type, job.Key, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, err
		}
		if n > 0 {
			return false, tx.Commit()
		}
	}

	_, err = b.Insert("jobs").
		Columns("id", "type", "key", "payload_json", "status", "attempts", "max_attempts", "run_after", "created_at", "updated_at").
		Values(job.ID, job.Type, job.Key, job.PayloadJSON, JobPending, 0, maxAttempts, toMillis(runAfter), toMillis(now), toMillis(now)).
		Exec()
	if err != nil {
		return false, fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	return true, tx.Commit()
}

// ClaimNextJob moves the oldest runnable job of one of types to running.
// It returns nil when nothing is runnable at now.
func (s *Store) ClaimNextJob(types []string, now time.Time) (*Job, error) {
	if len(types) == 0 {
		return nil, nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim: %w", err)
	}
	defer tx.Rollback()
	b := txBuilder(tx)

	j, err := scanJob(b.Select(jobColumns).From("jobs").
		Where(sq.Eq{"status": JobPending, "type": types}).
		Where(sq.LtOrEq{"run_after": toMillis(now)}).
		OrderBy("run_after ASC", "created_at ASC").
		Limit(1).
		QueryRow())
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	res, err := b.Update("jobs").
		Set("status", JobRunning).
		Set("updated_at", toMillis(now)).
		Where(sq.Eq{"id": j.ID, "status": JobPending}).
		Exec()
	if err != nil {
		return nil, fmt.Errorf("claiming job %s: %w", j.ID, err)
	}
	if n, err := res.RowsAffected(); err != nil || n != 1 {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobRunning
	j.UpdatedAt = fromMillis(toMillis(now))
	return &j, nil
}

// GetJob returns the job with id, or ErrNotFound.
func (s *Store) GetJob(id string) (Job, error) {
	return scanJob(s.builder().Select(jobColumns).From("jobs").Where(sq.Eq{"id": id}).QueryRow())
}

// CompleteJob deletes a running job.
func (s *Store) CompleteJob(id string) error {
	res, err := s.builder().Delete("jobs").Where(sq.Eq{"id": id, "status": JobRunning}).Exec()
	if err != nil {
		return fmt.Errorf("completing job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailJob records a failed attempt. The job is retried with exponential
// backoff until it reaches max_attempts, then it stays failed.
func (s *Store) FailJob(id, errMsg string, now time.Time) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail: %w", err)
	}
	defer tx.Rollback()
	b := txBuilder(tx)

	j, err := scanJob(b.Select(jobColumns).From("jobs").Where(sq.Eq{"id": id}).QueryRow())
	if err != nil {
		return err
	}

	attempts := j.Attempts + 1
	q := b.Update("jobs").
		Set("attempts", attempts).
		Set("last_error", errMsg).
		Set("updated_at", toMillis(now))
	if attempts >= j.MaxAttempts {
		q = q.Set("status", JobFailed)
	} else {
		q = q.Set("status", JobPending).Set("run_after", toMillis(now.Add(jobBackoff(attempts))))
	}
	if _, err := q.Where(sq.Eq{"id": id}).Exec(); err != nil {
		return fmt.Errorf("failing job %s: %w", id, err)
	}
	return tx.Commit()
}

// RequeueStaleJobs returns running jobs last touched before olderThan to
// pending. A job stays running only while a worker holds it, so these were
// left behind by a process that stopped mid-job.
func (s *Store) RequeueStaleJobs(olderThan, now time.Time) (int, error) {
	res, err := s.builder().Update("jobs").
		Set("status", JobPending).
		Set("updated_at", toMillis(now)).
		Where(sq.Eq{"status": JobRunning}).
		Where(sq.Lt{"updated_at": toMillis(olderThan)}).
		Exec()
	if err != nil {
		return 0, fmt.Errorf("requeueing stale jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func jobBackoff(attempts int) time.Duration {
	d := jobBackoffBase
	for i := 1; i < attempts && d < jobBackoffMax; i++ {
		d *= 2
	}
	return min(d, jobBackoffMax)
}

func scanJob(row sq.RowScanner) (Job, error) {
	var j Job
	var runAfter, createdAt, updatedAt int64
	err := row.Scan(&j.ID, &j.Type, &j.Key, &j.PayloadJSON, &j.Status, &j.Attempts, &j.MaxAttempts,
		&runAfter, &createdAt, &updatedAt, &j.LastError)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	j.RunAfter = fromMillis(runAfter)
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	return j, nil
}
