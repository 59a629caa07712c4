package scan

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/kalambet/scoutd/internal/domain"
	"github.com/kalambet/scoutd/internal/relevance"
	"github.com/kalambet/scoutd/internal/storage"
)

// event logs a candidate decision. Failures are only logged.
func (c *cycle) event(stage string, cand domain.Candidate, sc *relevance.Score, reason string) {
	store := c.o.deps.Events
	if store == nil {
		return
	}
	e := storage.ScanEvent{
		ID:          uuid.New().String(),
		ProfileID:   c.p.ID,
		CandidateID: cand.ID,
		Stage:       stage,
		Reason:      reason,
		CreatedAt:   c.o.clock.Now(),
	}
	if sc != nil {
		e.FinalScore = sc.Final
		if b, err := json.Marshal(sc); err == nil {
			e.ScoresJSON = string(b)
		}
	}
	if err := store.SaveScanEvent(e); err != nil {
		c.log.Warn("saving scan event", "candidate_id", cand.ID, "stage", stage, "error", err)
	}
}
