package storage

import (
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
)

const resourceColumns = "id, kind, label, credential_json, cooldown_until, in_use, leased_at, active, error_count, last_used_at, last_error, created_at"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanResource(row rowScanner) (Resource, error) {
	var r Resource
	var cooldown, leased, lastUsed sql.NullInt64
	var inUse, active int
	var created int64
	if err := row.Scan(&r.ID, &r.Kind, &r.Label, &r.CredentialJSON, &cooldown, &inUse, &leased,
		&active, &r.ErrorCount, &lastUsed, &r.LastError, &created); err != nil {
		return Resource{}, err
	}
	r.CooldownUntil = timePtr(cooldown)
	r.LeasedAt = timePtr(leased)
	r.LastUsedAt = timePtr(lastUsed)
	r.InUse = inUse != 0
	r.Active = active != 0
	r.CreatedAt = fromMillis(created)
	return r, nil
}

// AddResource inserts a new, active resource. Resources are provisioned
// externally and never deleted by the engine.
func (s *Store) AddResource(r Resource) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.CredentialJSON == "" {
		r.CredentialJSON = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO resources (id, kind, label, credential_json, cooldown_until, in_use, leased_at, active, error_count, last_used_at, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, 0, NULL, 1, 0, NULL, '', ?)`,
		r.ID, r.Kind, r.Label, r.CredentialJSON, nullMillis(r.CooldownUntil), toMillis(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("inserting resource %s: %w", r.ID, err)
	}
	return nil
}

func (s *Store) GetResource(id string) (*Resource, error) {
	row := s.db.QueryRow(`SELECT `+resourceColumns+` FROM resources WHERE id = ?`, id)
	r, err := scanResource(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// ListResources returns resources matching the filter ordered by creation time.
func (s *Store) ListResources(f ResourceFilter) ([]Resource, error) {
	q := s.builder().Select(resourceColumns).From("resources").OrderBy("created_at ASC", "id ASC")
	if f.Kind != "" {
		q = q.Where(sq.Eq{"kind": f.Kind})
	}
	if f.ActiveOnly {
		q = q.Where(sq.Eq{"active": 1})
	}

	rows, err := q.Query()
	if err != nil {
		return nil, fmt.Errorf("listing resources: %w", err)
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListEligibleResources returns active resources of kind that are neither
// leased nor cooling down at now.
func (s *Store) ListEligibleResources(kind string, now time.Time) ([]Resource, error) {
	rows, err := s.builder().
		Select(resourceColumns).
		From("resources").
		Where(sq.Eq{"kind": kind, "active": 1, "in_use": 0}).
		Where(sq.Or{sq.Eq{"cooldown_until": nil}, sq.LtOrEq{"cooldown_until": toMillis(now)}}).
		OrderBy("id ASC").
		Query()
	if err != nil {
		return nil, fmt.Errorf("listing eligible %s resources: %w", kind, err)
	}
	defer rows.Close()

	var out []Resource
	for rows.Next() {
		r, err := scanResource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CompareAndLease marks the resource as in use by token only if it is still
// eligible at now. It returns false when another caller won the lease or the
// resource became ineligible in between.
func (s *Store) CompareAndLease(id, token string, now time.Time) (bool, error) {
	ms := toMillis(now)
	res, err := s.db.Exec(`
		UPDATE resources SET in_use = 1, leased_at = ?, lease_token = ?, hold_until = NULL
		WHERE id = ? AND active = 1 AND in_use = 0
		  AND (cooldown_until IS NULL OR cooldown_until <= ?)`,
		ms, token, id, ms,
	)
	if err != nil {
		return false, fmt.Errorf("leasing resource %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLease clears the lease if token still holds it. It returns false
// when the lease was already reclaimed (and possibly handed to someone else),
// and ErrNotFound when the resource does not exist.
func (s *Store) ReleaseLease(id, token string) (bool, error) {
	res, err := s.db.Exec(`
		UPDATE resources SET in_use = 0, leased_at = NULL, lease_token = '', hold_until = NULL
		WHERE id = ? AND in_use = 1 AND lease_token = ?`,
		id, token)
	if err != nil {
		return false, fmt.Errorf("releasing resource %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n == 1 {
		return true, nil
	}
	if _, err := s.GetResource(id); err != nil {
		return false, err
	}
	return false, nil
}

// SetCooldown records a use: the resource stays ineligible until until.
func (s *Store) SetCooldown(id string, until, usedAt time.Time) error {
	return s.execOne(`UPDATE resources SET cooldown_until = ?, last_used_at = ? WHERE id = ?`,
		toMillis(until), toMillis(usedAt), id)
}

// MarkRateLimited extends the cooldown to at least until. While token still
// holds the lease it is kept until the sweep sees the hold expire, so no
// other caller picks the resource up before the external throttle lifts.
func (s *Store) MarkRateLimited(id, token string, until time.Time, reason string) error {
	ms := toMillis(until)
	return s.execOne(`
		UPDATE resources SET
			cooldown_until = MAX(COALESCE(cooldown_until, 0), ?),
			hold_until = CASE WHEN in_use = 1 AND lease_token = ? THEN ? ELSE hold_until END,
			last_error = ?
		WHERE id = ?`,
		ms, token, ms, reason, id)
}

// Deactivate takes the resource out of rotation permanently.
func (s *Store) Deactivate(id string, reason string) error {
	return s.execOne(`
		UPDATE resources SET active = 0, in_use = 0, leased_at = NULL, lease_token = '', hold_until = NULL,
			error_count = error_count + 1, last_error = ?
		WHERE id = ?`,
		reason, id)
}

// RecordTransientError bumps the error counter and releases the lease if
// token still holds it.
func (s *Store) RecordTransientError(id, token, reason string) error {
	return s.execOne(`
		UPDATE resources SET
			in_use = CASE WHEN lease_token = ? THEN 0 ELSE in_use END,
			leased_at = CASE WHEN lease_token = ? THEN NULL ELSE leased_at END,
			lease_token = CASE WHEN lease_token = ? THEN '' ELSE lease_token END,
			error_count = error_count + 1, last_error = ?
		WHERE id = ?`,
		token, token, token, reason, id)
}

// ReleaseExpired clears in_use on resources of kind whose rate-limit hold
// has passed, and on leases older than leaseTimeout (zero disables the stale
// lease check). Leases without a hold, including ones whose usage cooldown
// has run out, stay with their holder. It returns the number released.
func (s *Store) ReleaseExpired(kind string, now time.Time, leaseTimeout time.Duration) (int, error) {
	var staleBefore int64
	if leaseTimeout > 0 {
		staleBefore = toMillis(now.Add(-leaseTimeout))
	}
	res, err := s.db.Exec(`
		UPDATE resources SET in_use = 0, leased_at = NULL, lease_token = '', hold_until = NULL
		WHERE kind = ? AND in_use = 1 AND (
			(hold_until IS NOT NULL AND hold_until <= ?)
			OR (leased_at IS NOT NULL AND leased_at < ?)
		)`,
		kind, toMillis(now), staleBefore,
	)
	if err != nil {
		return 0, fmt.Errorf("releasing expired %s resources: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (s *Store) execOne(query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return err
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

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
