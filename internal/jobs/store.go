package jobs

import (
	"context"
	"errors"
	"time"
)

// Store persists jobs durably. Implementations must be safe for concurrent
// use; SwapJob is the only write path for existing jobs and acts as a
// compare-and-set on Version.
type Store interface {
	// InsertJob creates the job, or replaces an existing terminal job with
	// the same id. Returns ErrDuplicateJob when a non-terminal job exists.
	InsertJob(ctx context.Context, job *Job) error
	// GetJob returns ErrNotFound for unknown ids.
	GetJob(ctx context.Context, id string) (*Job, error)
	// SwapJob writes job only if the stored version still equals version,
	// returning ErrVersionConflict otherwise. On success job.Version is bumped.
	SwapJob(ctx context.Context, job *Job, version int64) error
	// ClaimCandidates returns up to limit claimable jobs, oldest first.
	ClaimCandidates(ctx context.Context, now time.Time, limit int) ([]*Job, error)
	// ListJobs returns one page ordered by created_at descending plus the total count.
	ListJobs(ctx context.Context, opts ListOptions) ([]*Job, int, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)
	// ListTerminalBefore returns ids of terminal jobs last updated before cutoff.
	ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error)
	// ListExpiredLeases returns running jobs whose lease elapsed before now.
	ListExpiredLeases(ctx context.Context, now time.Time) ([]*Job, error)
	DeleteJob(ctx context.Context, id string) error
}

const maxSwapAttempts = 16

// mutateJob applies fn to the latest stored copy of the job and writes it
// back, retrying on concurrent modification. fn errors abort the update.
func mutateJob(ctx context.Context, store Store, now func() time.Time, id string, fn func(*Job) error) (*Job, error) {
	for range maxSwapAttempts {
		job, err := store.GetJob(ctx, id)
		if err != nil {
			return nil, err
		}
		version := job.Version
		if err := fn(job); err != nil {
			return nil, err
		}
		job.UpdatedAt = now()
		err = store.SwapJob(ctx, job, version)
		if err == nil {
			return job, nil
		}
		if !errors.Is(err, ErrVersionConflict) {
			return nil, err
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}
	return nil, ErrVersionConflict
}
