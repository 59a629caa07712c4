// Package cursor persists a profile's position in the paged feed and the
// counters of the cycle in progress, so an interrupted cycle resumes where
// it stopped.
package cursor

import (
	"fmt"
	"time"

	"k8s.io/utils/clock"

	"github.com/kalambet/scoutd/internal/storage"
)

// Store defines the storage operations the Tracker needs.
// Implemented by storage.Store.
type Store interface {
	GetScanState(profileID string) (storage.ScanState, error)
	SaveScanState(st storage.ScanState) error
}

// State is a profile's cycle state. An empty Cursor means the next fetch
// starts at the newest item; Offset counts the items of that page a stopped
// invocation already handled.
type State struct {
	ProfileID      string
	Cursor         string
	Offset         int
	CycleStartedAt time.Time
	LastScanAt     time.Time
	Processed      int
	Dispatched     int
}

// Resuming reports whether a cycle was started and has not reached the end
// of the feed yet. The stop may have come on the first page, so the cursor
// alone does not tell.
func (s State) Resuming() bool {
	return !s.CycleStartedAt.IsZero() && s.CycleStartedAt.After(s.LastScanAt)
}

// Tracker loads and saves State.
type Tracker struct {
	store Store
	clock clock.PassiveClock
}

func NewTracker(store Store, clk clock.PassiveClock) *Tracker {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Tracker{store: store, clock: clk}
}

// Load returns the persisted state, or a zero state for a new profile.
func (t *Tracker) Load(profileID string) (State, error) {
	row, err := t.store.GetScanState(profileID)
	if err != nil {
		return State{}, err
	}
	st := State{
		ProfileID:  profileID,
		Cursor:     row.Cursor,
		Offset:     row.Offset,
		Processed:  row.Processed,
		Dispatched: row.Dispatched,
	}
	if row.CycleStartedAt != nil {
		st.CycleStartedAt = *row.CycleStartedAt
	}
	if row.LastScanAt != nil {
		st.LastScanAt = *row.LastScanAt
	}
	return st, nil
}

// TooSoon reports whether the last completed cycle started less than
// interval ago. Measuring from the start keeps a fixed cadence: a cycle that
// took part of its interval does not push the next one back by that much.
// A profile that never completed a cycle, or one whose cycle is still
// unfinished, is never too soon.
func TooSoon(st State, now time.Time, interval time.Duration) bool {
	if st.LastScanAt.IsZero() || interval <= 0 || st.Resuming() {
		return false
	}
	from := st.CycleStartedAt
	if from.IsZero() {
		from = st.LastScanAt
	}
	return now.Sub(from)+timerSlack < interval
}

// timerSlack absorbs a scheduler tick firing a little early relative to the
// moment the previous cycle recorded its start.
const timerSlack = time.Second

// Begin starts an invocation at now and persists it. A new cycle starts
// at the newest item with zeroed counters; a resumed one keeps its start
// time, position and counters.
func (t *Tracker) Begin(st *State, now time.Time) error {
	if !st.Resuming() {
		st.Cursor = ""
		st.Offset = 0
		st.Processed = 0
		st.Dispatched = 0
		st.CycleStartedAt = now
	}
	return t.Save(*st)
}

// Advance records the token of the next page to fetch.
func (t *Tracker) Advance(st *State, after string) error {
	st.Cursor = after
	st.Offset = 0
	return t.Save(*st)
}

// Complete marks the feed as exhausted at now.
func (t *Tracker) Complete(st *State, now time.Time) error {
	st.Cursor = ""
	st.Offset = 0
	st.LastScanAt = now
	return t.Save(*st)
}

// Save writes st as is.
func (t *Tracker) Save(st State) error {
	row := storage.ScanState{
		ProfileID:  st.ProfileID,
		Cursor:     st.Cursor,
		Offset:     st.Offset,
		Processed:  st.Processed,
		Dispatched: st.Dispatched,
		UpdatedAt:  t.clock.Now(),
	}
	if !st.CycleStartedAt.IsZero() {
		v := st.CycleStartedAt
		row.CycleStartedAt = &v
	}
	if !st.LastScanAt.IsZero() {
		v := st.LastScanAt
		row.LastScanAt = &v
	}
	if err := t.store.SaveScanState(row); err != nil {
		return fmt.Errorf("saving cursor for %s: %w", st.ProfileID, err)
	}
	return nil
}
