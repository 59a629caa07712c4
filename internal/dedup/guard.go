// Package dedup guarantees that a (profile, candidate) pair produces at most
// one action, across concurrent cycles and process restarts.
package dedup

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/kalambet/scoutd/internal/storage"
)

// Store defines the storage operations the Guard needs.
// Implemented by storage.Store.
type Store interface {
	HasActionRecord(profileID, candidateID string) (bool, error)
	InsertActionRecord(r storage.ActionRecord) error
	FinalizeAction(id, outcome, actionRef string) error
	DeletePendingAction(id string) error
}

// Guard checks and records action records. The uniqueness constraint on
// (profile_id, candidate_id) is the only source of truth; HasActed is an
// early exit, not a lock.
type Guard struct {
	store Store
	clock clock.PassiveClock
}

func New(store Store, clk clock.PassiveClock) *Guard {
	if clk == nil {
		clk = clock.RealClock{}
	}
	return &Guard{store: store, clock: clk}
}

// HasActed reports whether the pair already has a record in any state.
func (g *Guard) HasActed(profileID, candidateID string) (bool, error) {
	ok, err := g.store.HasActionRecord(profileID, candidateID)
	if err != nil {
		return false, fmt.Errorf("checking %s/%s: %w", profileID, candidateID, err)
	}
	return ok, nil
}

// Record inserts a final record for the pair. A duplicate is not an error:
// it returns false to signal that the pair was already acted on.
func (g *Guard) Record(profileID, candidateID, resourceID, outcome string) (bool, error) {
	err := g.store.InsertActionRecord(storage.ActionRecord{
		ID:          uuid.New().String(),
		ProfileID:   profileID,
		CandidateID: candidateID,
		ResourceID:  resourceID,
		Outcome:     outcome,
		CreatedAt:   g.clock.Now(),
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Reservation is a pending record claimed before a dispatch.
type Reservation struct {
	ID          string
	ProfileID   string
	CandidateID string
	ResourceID  string
}

// Reserve claims the pair before the platform call so two cycles cannot
// dispatch for the same candidate. It returns (nil, nil) when another cycle
// holds or finished the pair.
func (g *Guard) Reserve(profileID, candidateID, resourceID string) (*Reservation, error) {
	r := &Reservation{
		ID:          uuid.New().String(),
		ProfileID:   profileID,
		CandidateID: candidateID,
		ResourceID:  resourceID,
	}
	err := g.store.InsertActionRecord(storage.ActionRecord{
		ID:          r.ID,
		ProfileID:   profileID,
		CandidateID: candidateID,
		ResourceID:  resourceID,
		Outcome:     storage.OutcomePending,
		CreatedAt:   g.clock.Now(),
	})
	if errors.Is(err, storage.ErrDuplicate) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reserving %s/%s: %w", profileID, candidateID, err)
	}
	return r, nil
}

// Finalize settles a reservation with its outcome and the platform's
// reference for the created action.
func (g *Guard) Finalize(r *Reservation, outcome, actionRef string) error {
	if err := g.store.FinalizeAction(r.ID, outcome, actionRef); err != nil {
		return fmt.Errorf("finalizing %s: %w", r.ID, err)
	}
	return nil
}

// Cancel drops a reservation whose dispatch never reached the platform, so
// a later cycle may retry the candidate.
func (g *Guard) Cancel(r *Reservation) error {
	if err := g.store.DeletePendingAction(r.ID); err != nil {
		return fmt.Errorf("cancelling %s: %w", r.ID, err)
	}
	return nil
}
