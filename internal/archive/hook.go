// Package archive moves scan decision events out of the database. The scan
// cycle only enqueues a job through Hook; Worker drains the queue and writes
// the events to NDJSON files.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/scoutd/internal/storage"
)

// JobType is the job queue type handled by Worker.
const JobType = "archive_events"

// JobEnqueuer is implemented by storage.Store.
type JobEnqueuer interface {
	EnqueueJob(job storage.Job, now time.Time) (bool, error)
}

type payload struct {
	ProfileID string    `json:"profile_id"`
	Before    time.Time `json:"before"`
}

// Hook enqueues archive jobs. Events younger than the retention stay in the
// database so recent decisions remain queryable.
type Hook struct {
	store     JobEnqueuer
	retention time.Duration
}

func NewHook(store JobEnqueuer, retention time.Duration) *Hook {
	if retention < 0 {
		retention = 0
	}
	return &Hook{store: store, retention: retention}
}

// RequestArchive enqueues a job archiving the profile's events created
// before the cutoff minus the retention. A request for a profile whose job is
// still pending moves that job's cutoff instead of queueing another.
func (h *Hook) RequestArchive(ctx context.Context, profileID string, before time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(payload{ProfileID: profileID, Before: before.Add(-h.retention).UTC()})
	if err != nil {
		return fmt.Errorf("encoding archive payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.New().String(),
		Type:        JobType,
		Key:         profileID,
		PayloadJSON: string(data),
	}
	if _, err := h.store.EnqueueJob(job, before); err != nil {
		return fmt.Errorf("enqueueing archive job for %s: %w", profileID, err)
	}
	return nil
}
