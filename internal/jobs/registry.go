package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/MimeLyc/ai-video-pipeline/pkg/log"
)

// Registry is the status view of jobs read by the API and written by workers.
type Registry struct {
	store Store
	now   func() time.Time
}

func NewRegistry(store Store) *Registry {
	return &Registry{store: store, now: time.Now}
}

// Update is a partial registry update. Nil fields are left untouched.
type Update struct {
	Status      *Status
	Progress    *int
	CurrentStep *string
	Error       *ErrorRecord
	VideoPath   *string
	Artifacts   []Artifact
	Warnings    []string

	// LeaseOwner, when set, rejects the update with ErrLeaseExpired unless
	// the caller still holds the job's lease.
	LeaseOwner string
}

// ProgressUpdate advances progress and the step label.
func ProgressUpdate(progress int, step string) Update {
	return Update{Progress: &progress, CurrentStep: &step}
}

// StatusUpdate changes only the status.
func StatusUpdate(status Status) Update {
	return Update{Status: &status}
}

func (r *Registry) Create(ctx context.Context, id string, input Input) (*Job, error) {
	if id == "" {
		return nil, NewError(KindValidation, "job id is required")
	}
	now := r.now()
	job := &Job{
		ID:          id,
		Input:       input,
		Status:      StatusPending,
		Progress:    0,
		CurrentStep: "queued",
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.InsertJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job %s: %w", id, err)
	}
	return job.Clone(), nil
}

func (r *Registry) Update(ctx context.Context, id string, u Update) (*Job, error) {
	return mutateJob(ctx, r.store, r.now, id, func(job *Job) error {
		return applyUpdate(job, u, r.now())
	})
}

func applyUpdate(job *Job, u Update, now time.Time) error {
	if u.LeaseOwner != "" && (job.LeaseOwner != u.LeaseOwner || job.Acked) {
		return fmt.Errorf("update job %s: %w", job.ID, ErrLeaseExpired)
	}

	next := job.Status
	if u.Status != nil {
		next = *u.Status
		if !next.Valid() {
			return NewError(KindValidation, "unknown status").WithContext("status", next)
		}
		if !canTransition(job.Status, next) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, next)
		}
	}

	if u.Progress != nil {
		p := *u.Progress
		if p < 0 || p > 100 {
			return NewError(KindValidation, "progress must be between 0 and 100").WithContext("progress", p)
		}
		if p < job.Progress && next != StatusFailed {
			return NewError(KindValidation, "progress must not decrease").
				WithContext("current", job.Progress).
				WithContext("requested", p)
		}
		job.Progress = p
	}

	if u.CurrentStep != nil {
		job.CurrentStep = *u.CurrentStep
	}
	if u.VideoPath != nil {
		job.VideoPath = *u.VideoPath
	}
	if u.Artifacts != nil {
		job.Artifacts = append([]Artifact(nil), u.Artifacts...)
	}
	job.Warnings = append(job.Warnings, u.Warnings...)

	if next != job.Status {
		job.Status = next
		if next.Terminal() {
			job.CompletedAt = now
		}
	}
	switch {
	case job.Status == StatusFailed && u.Error != nil:
		e := *u.Error
		job.Error = &e
	case job.Status != StatusFailed:
		job.Error = nil
	}
	return nil
}

func (r *Registry) Get(ctx context.Context, id string) (*Job, error) {
	return r.store.GetJob(ctx, id)
}

func (r *Registry) List(ctx context.Context, opts ListOptions) (*Page, error) {
	if opts.Status != "" && !opts.Status.Valid() {
		return nil, NewError(KindValidation, "unknown status filter").WithContext("status", opts.Status)
	}
	opts = opts.normalized()
	jobList, total, err := r.store.ListJobs(ctx, opts)
	if err != nil {
		return nil, err
	}
	items := make([]Snapshot, 0, len(jobList))
	for _, job := range jobList {
		items = append(items, job.Snapshot())
	}
	return &Page{
		Items:    items,
		Total:    total,
		Page:     opts.Page,
		PageSize: opts.PageSize,
	}, nil
}

// Cancel marks a pending or running job cancelled. A running job stops at
// the next stage boundary.
func (r *Registry) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := r.Update(ctx, id, Update{
		Status:      ptr(StatusCancelled),
		CurrentStep: ptr("cancelled"),
	})
	if err != nil {
		return nil, err
	}
	log.Info("Job %s cancelled", id)
	return job, nil
}

// AddWarning records a non-fatal problem on the job.
func (r *Registry) AddWarning(ctx context.Context, id string, warning string) error {
	_, err := r.Update(ctx, id, Update{Warnings: []string{warning}})
	return err
}

// DeleteTerminalBefore removes terminal jobs older than cutoff and returns their ids.
func (r *Registry) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	ids, err := r.store.ListTerminalBefore(ctx, cutoff)
	if err != nil {
		return nil, err
	}
	deleted := make([]string, 0, len(ids))
	for _, id := range ids {
		if err := r.store.DeleteJob(ctx, id); err != nil {
			log.Error("Failed to delete expired job %s: %v", id, err)
			continue
		}
		deleted = append(deleted, id)
	}
	return deleted, nil
}

func ptr[T any](v T) *T {
	return &v
}
