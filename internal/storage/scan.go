package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
)

// --- Profiles ---

func (s *Store) SaveProfile(p ProfileRow) error {
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO profiles (id, data_json, is_active, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET data_json = excluded.data_json, is_active = excluded.is_active, updated_at = excluded.updated_at`,
		p.ID, p.DataJSON, boolInt(p.IsActive), toMillis(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving profile %s: %w", p.ID, err)
	}
	return nil
}

func (s *Store) GetProfile(id string) (*ProfileRow, error) {
	var p ProfileRow
	var active int
	var updated int64
	err := s.db.QueryRow(`SELECT id, data_json, is_active, updated_at FROM profiles WHERE id = ?`, id).
		Scan(&p.ID, &p.DataJSON, &active, &updated)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	p.IsActive = active != 0
	p.UpdatedAt = fromMillis(updated)
	return &p, nil
}

func (s *Store) ListProfiles(activeOnly bool) ([]ProfileRow, error) {
	q := s.builder().Select("id, data_json, is_active, updated_at").From("profiles").OrderBy("id ASC")
	if activeOnly {
		q = q.Where(sq.Eq{"is_active": 1})
	}
	rows, err := q.Query()
	if err != nil {
		return nil, fmt.Errorf("listing profiles: %w", err)
	}
	defer rows.Close()

	var out []ProfileRow
	for rows.Next() {
		var p ProfileRow
		var active int
		var updated int64
		if err := rows.Scan(&p.ID, &p.DataJSON, &active, &updated); err != nil {
			return nil, err
		}
		p.IsActive = active != 0
		p.UpdatedAt = fromMillis(updated)
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) DeleteProfile(id string) error {
	return s.execOne(`DELETE FROM profiles WHERE id = ?`, id)
}

// --- Scan state ---

// GetScanState returns the persisted cycle state for a profile. A profile
// that has never been scanned yields a zero state, not ErrNotFound.
func (s *Store) GetScanState(profileID string) (ScanState, error) {
	st := ScanState{ProfileID: profileID}
	var cursor sql.NullString
	var started, last sql.NullInt64
	var updated int64
	err := s.db.QueryRow(`
		SELECT cursor, cycle_started_at, last_scan_at, page_offset, processed, dispatched, updated_at
		FROM scan_state WHERE profile_id = ?`, profileID).
		Scan(&cursor, &started, &last, &st.Offset, &st.Processed, &st.Dispatched, &updated)
	if err == sql.ErrNoRows {
		return st, nil
	}
	if err != nil {
		return ScanState{}, fmt.Errorf("loading scan state for %s: %w", profileID, err)
	}
	st.Cursor = cursor.String
	st.CycleStartedAt = timePtr(started)
	st.LastScanAt = timePtr(last)
	st.UpdatedAt = fromMillis(updated)
	return st, nil
}

// SaveScanState upserts the cycle state. An empty cursor is stored as NULL.
func (s *Store) SaveScanState(st ScanState) error {
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now().UTC()
	}
	var cursor sql.NullString
	if st.Cursor != "" {
		cursor = sql.NullString{String: st.Cursor, Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO scan_state (profile_id, cursor, cycle_started_at, last_scan_at, page_offset, processed, dispatched, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(profile_id) DO UPDATE SET
			cursor = excluded.cursor,
			cycle_started_at = excluded.cycle_started_at,
			last_scan_at = excluded.last_scan_at,
			page_offset = excluded.page_offset,
			processed = excluded.processed,
			dispatched = excluded.dispatched,
			updated_at = excluded.updated_at`,
		st.ProfileID, cursor, nullMillis(st.CycleStartedAt), nullMillis(st.LastScanAt),
		st.Offset, st.Processed, st.Dispatched, toMillis(st.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving scan state for %s: %w", st.ProfileID, err)
	}
	return nil
}

// --- Action records ---

// InsertActionRecord inserts the record unless the (profile, candidate) pair
// already exists, in which case it returns ErrDuplicate.
func (s *Store) InsertActionRecord(r ActionRecord) error {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	res, err := s.db.Exec(`
		INSERT INTO action_records (id, profile_id, candidate_id, resource_id, outcome, action_ref, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(profile_id, candidate_id) DO NOTHING`,
		r.ID, r.ProfileID, r.CandidateID, r.ResourceID, r.Outcome, r.ActionRef, toMillis(r.CreatedAt),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicate
		}
		return fmt.Errorf("inserting action record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

// HasActionRecord reports whether any record exists for the pair.
func (s *Store) HasActionRecord(profileID, candidateID string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM action_records WHERE profile_id = ? AND candidate_id = ?`,
		profileID, candidateID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking action record: %w", err)
	}
	return n > 0, nil
}

// FinalizeAction moves a pending record to its final outcome. Records that
// already left the pending state are not touched and ErrNotFound is returned.
func (s *Store) FinalizeAction(id, outcome, actionRef string) error {
	return s.execOne(`UPDATE action_records SET outcome = ?, action_ref = ? WHERE id = ? AND outcome = 'pending'`,
		outcome, actionRef, id)
}

// DeletePendingAction drops a reservation that never produced a platform
// side effect, so the candidate can be retried in a later cycle.
func (s *Store) DeletePendingAction(id string) error {
	return s.execOne(`DELETE FROM action_records WHERE id = ? AND outcome = 'pending'`, id)
}

func (s *Store) ListActions(f ActionFilter) ([]ActionRecord, error) {
	q := s.builder().
		Select("id, profile_id, candidate_id, resource_id, outcome, action_ref, created_at").
		From("action_records").
		OrderBy("created_at DESC", "id ASC")
	if f.ProfileID != "" {
		q = q.Where(sq.Eq{"profile_id": f.ProfileID})
	}
	if f.Outcome != "" {
		q = q.Where(sq.Eq{"outcome": f.Outcome})
	}
	if !f.Since.IsZero() {
		q = q.Where(sq.GtOrEq{"created_at": toMillis(f.Since)})
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q = q.Limit(uint64(limit))
	if f.Offset > 0 {
		q = q.Offset(uint64(f.Offset))
	}

	rows, err := q.Query()
	if err != nil {
		return nil, fmt.Errorf("listing actions: %w", err)
	}
	defer rows.Close()

	var out []ActionRecord
	for rows.Next() {
		var r ActionRecord
		var created int64
		if err := rows.Scan(&r.ID, &r.ProfileID, &r.CandidateID, &r.ResourceID, &r.Outcome, &r.ActionRef, &created); err != nil {
			return nil, err
		}
		r.CreatedAt = fromMillis(created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Scan events ---

func (s *Store) SaveScanEvent(e ScanEvent) error {
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.ScoresJSON == "" {
		e.ScoresJSON = "{}"
	}
	_, err := s.db.Exec(`
		INSERT INTO scan_events (id, profile_id, candidate_id, stage, final_score, scores_json, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ProfileID, e.CandidateID, e.Stage, e.FinalScore, e.ScoresJSON, e.Reason, toMillis(e.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("saving scan event: %w", err)
	}
	return nil
}

// ListScanEvents returns a profile's events created before the cutoff,
// oldest first. A zero cutoff returns everything.
func (s *Store) ListScanEvents(profileID string, before time.Time) ([]ScanEvent, error) {
	q := s.builder().
		Select("id, profile_id, candidate_id, stage, final_score, scores_json, reason, created_at").
		From("scan_events").
		Where(sq.Eq{"profile_id": profileID}).
		OrderBy("created_at ASC", "id ASC")
	if !before.IsZero() {
		q = q.Where(sq.Lt{"created_at": toMillis(before)})
	}

	rows, err := q.Query()
	if err != nil {
		return nil, fmt.Errorf("listing scan events: %w", err)
	}
	defer rows.Close()

	var out []ScanEvent
	for rows.Next() {
		var e ScanEvent
		var created int64
		if err := rows.Scan(&e.ID, &e.ProfileID, &e.CandidateID, &e.Stage, &e.FinalScore, &e.ScoresJSON, &e.Reason, &created); err != nil {
			return nil, err
		}
		e.CreatedAt = fromMillis(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// DeleteScanEvents removes the events with the given ids and returns how many
// rows were deleted.
func (s *Store) DeleteScanEvents(ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := s.builder().Delete("scan_events").Where(sq.Eq{"id": ids}).Exec()
	if err != nil {
		return 0, fmt.Errorf("deleting scan events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}
