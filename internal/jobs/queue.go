package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/ai-video-pipeline/pkg/log"
)

const (
	defaultMaxRetries   = 3
	defaultPollInterval = time.Second
	claimBatchSize      = 8
)

// Queue hands jobs to workers with at-least-once delivery. A job is held by
// at most one worker at a time through a time-bounded lease.
type Queue struct {
	store        Store
	registry     *Registry
	maxRetries   int
	pollInterval time.Duration
	now          func() time.Time
	newID        func() string

	onReplace []ReplaceHook

	notify chan struct{}
}

// ReplaceHook runs before a terminal job is replaced by a new job with the
// same id. A hook error aborts the enqueue.
type ReplaceHook func(ctx context.Context, old *Job) error

type QueueOption func(*Queue)

// WithMaxRetries sets how many times a job may be requeued before it fails.
func WithMaxRetries(n int) QueueOption {
	return func(q *Queue) {
		if n >= 0 {
			q.maxRetries = n
		}
	}
}

func WithPollInterval(d time.Duration) QueueOption {
	return func(q *Queue) {
		if d > 0 {
			q.pollInterval = d
		}
	}
}

func WithClock(now func() time.Time) QueueOption {
	return func(q *Queue) {
		q.now = now
		q.registry.now = now
	}
}

func WithIDGenerator(newID func() string) QueueOption {
	return func(q *Queue) {
		q.newID = newID
	}
}

// WithReplaceHook registers a hook that clears state left by a finished job
// before its id is reused.
func WithReplaceHook(hook ReplaceHook) QueueOption {
	return func(q *Queue) {
		q.onReplace = append(q.onReplace, hook)
	}
}

func NewQueue(store Store, opts ...QueueOption) *Queue {
	q := &Queue{
		store:        store,
		registry:     NewRegistry(store),
		maxRetries:   defaultMaxRetries,
		pollInterval: defaultPollInterval,
		now:          time.Now,
		newID:        uuid.NewString,
		notify:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Registry returns the registry sharing this queue's store and clock.
func (q *Queue) Registry() *Registry {
	return q.registry
}

func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*Job, error) {
	input := req.Input
	input.Normalize()
	if err := input.Validate(); err != nil {
		return nil, err
	}

	id := req.ID
	if id == "" {
		id = q.newID()
	} else if !ValidID(id) {
		return nil, NewError(KindValidation, "id must be 1-128 letters, digits, '.', '_' or '-' and start with a letter or digit").
			WithContext("id", id)
	}

	if err := q.prepareReplace(ctx, id); err != nil {
		return nil, err
	}

	job, err := q.registry.Create(ctx, id, input)
	if err != nil {
		return nil, err
	}
	log.Info("Job %s enqueued", job.ID)
	q.signal()
	return job, nil
}

// prepareReplace runs the replace hooks when id belongs to a finished job.
func (q *Queue) prepareReplace(ctx context.Context, id string) error {
	if len(q.onReplace) == 0 {
		return nil
	}
	old, err := q.store.GetJob(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load job %s: %w", id, err)
	}
	if !old.Status.Terminal() {
		return fmt.Errorf("create job %s: %w", id, ErrDuplicateJob)
	}
	for _, hook := range q.onReplace {
		if err := hook(ctx, old); err != nil {
			return fmt.Errorf("replace job %s: %w", id, err)
		}
	}
	log.Info("Job %s finished as %s and is being replaced", id, old.Status)
	return nil
}

// DequeueLease blocks until a job is leased to workerID or ctx is done.
func (q *Queue) DequeueLease(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	for {
		job, err := q.TryDequeueLease(ctx, workerID, lease)
		if err != nil || job != nil {
			return job, err
		}

		timer := time.NewTimer(q.pollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// TryDequeueLease leases the oldest claimable job, or returns nil when none is available.
func (q *Queue) TryDequeueLease(ctx context.Context, workerID string, lease time.Duration) (*Job, error) {
	if workerID == "" {
		return nil, NewError(KindValidation, "worker id is required")
	}
	if lease <= 0 {
		return nil, NewError(KindValidation, "lease duration must be positive")
	}

	now := q.now()
	candidates, err := q.store.ClaimCandidates(ctx, now, claimBatchSize)
	if err != nil {
		return nil, fmt.Errorf("load claim candidates: %w", err)
	}

	for _, job := range candidates {
		if !job.Claimable(now) {
			continue
		}
		version := job.Version

		if job.Status == StatusRunning && q.recoverExpired(job, now) {
			job.UpdatedAt = now
			if err := q.store.SwapJob(ctx, job, version); err != nil && !errors.Is(err, ErrVersionConflict) {
				return nil, err
			}
			continue
		}

		job.LeaseOwner = workerID
		job.LeaseExpiresAt = now.Add(lease)
		if job.Status != StatusCancelled {
			job.Status = StatusRunning
			job.CurrentStep = "starting"
		}
		job.UpdatedAt = now

		err := q.store.SwapJob(ctx, job, version)
		if errors.Is(err, ErrVersionConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("lease job %s: %w", job.ID, err)
		}

		log.Debug("Job %s leased by %s until %s", job.ID, workerID, job.LeaseExpiresAt.Format(time.RFC3339))
		if len(candidates) > 1 {
			q.signal()
		}
		return job.Clone(), nil
	}
	return nil, nil
}

// recoverExpired returns a running job with an elapsed lease to pending and
// counts the lost attempt. It reports true when the job ran out of retries
// and was failed instead.
func (q *Queue) recoverExpired(job *Job, now time.Time) bool {
	log.Warn("Lease of job %s held by %s expired at %s", job.ID, job.LeaseOwner, job.LeaseExpiresAt.Format(time.RFC3339))
	job.Attempts++
	job.releaseLease()
	if job.Attempts > q.maxRetries {
		job.Status = StatusFailed
		job.Error = &ErrorRecord{Kind: KindLeaseExpired, Message: "worker lease expired too many times"}
		job.CurrentStep = "failed"
		job.CompletedAt = now
		job.Acked = true
		return true
	}
	job.restart("recovered after lease expiry")
	return false
}

// Acknowledge marks the job's queue entry done. Repeated calls are no-ops.
func (q *Queue) Acknowledge(ctx context.Context, id string) error {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.Acked {
		return nil
	}
	_, err = mutateJob(ctx, q.store, q.now, id, func(job *Job) error {
		job.Acked = true
		job.releaseLease()
		return nil
	})
	return err
}

// Requeue returns a running job to pending. Once the retry budget is spent
// the job fails permanently with cause recorded.
func (q *Queue) Requeue(ctx context.Context, id, workerID string, cause error) (*Job, error) {
	job, err := mutateJob(ctx, q.store, q.now, id, func(job *Job) error {
		if workerID != "" && job.LeaseOwner != workerID {
			return fmt.Errorf("requeue job %s: %w", id, ErrLeaseExpired)
		}
		if job.Status != StatusRunning {
			return fmt.Errorf("%w: requeue from %s", ErrInvalidTransition, job.Status)
		}

		job.Attempts++
		job.releaseLease()
		if job.Attempts > q.maxRetries {
			job.Status = StatusFailed
			job.Error = Record(cause)
			if job.Error == nil {
				job.Error = &ErrorRecord{Kind: KindInternal, Message: "retries exhausted"}
			}
			job.CurrentStep = "failed"
			job.CompletedAt = q.now()
			job.Acked = true
			return nil
		}
		job.restart(fmt.Sprintf("retry %d of %d scheduled", job.Attempts, q.maxRetries))
		return nil
	})
	if err != nil {
		return nil, err
	}

	if job.Status == StatusFailed {
		log.Error("Job %s failed after %d attempts: %v", id, job.Attempts, cause)
	} else {
		log.Warn("Job %s requeued (attempt %d): %v", id, job.Attempts, cause)
		q.signal()
	}
	return job.Clone(), nil
}

// ExtendLease renews a lease held by workerID. It fails with ErrLeaseExpired
// when the lease elapsed or now belongs to someone else.
func (q *Queue) ExtendLease(ctx context.Context, id, workerID string, lease time.Duration) (time.Time, error) {
	job, err := mutateJob(ctx, q.store, q.now, id, func(job *Job) error {
		now := q.now()
		if job.Acked || job.LeaseOwner != workerID || job.LeaseExpiresAt.Before(now) {
			return fmt.Errorf("extend lease on job %s: %w", id, ErrLeaseExpired)
		}
		if job.Status != StatusRunning && job.Status != StatusCancelled {
			return fmt.Errorf("extend lease on job %s in status %s: %w", id, job.Status, ErrLeaseExpired)
		}
		job.LeaseExpiresAt = now.Add(lease)
		return nil
	})
	if err != nil {
		return time.Time{}, err
	}
	return job.LeaseExpiresAt, nil
}

// ReapExpired recovers running jobs whose lease elapsed so they are picked
// up again without waiting for a claim scan. Returns the number recovered.
func (q *Queue) ReapExpired(ctx context.Context) (int, error) {
	now := q.now()
	expired, err := q.store.ListExpiredLeases(ctx, now)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, stale := range expired {
		_, err := mutateJob(ctx, q.store, q.now, stale.ID, func(job *Job) error {
			if job.Status != StatusRunning || job.Acked || job.LeaseExpiresAt.After(now) {
				return errNothingToReap
			}
			q.recoverExpired(job, now)
			return nil
		})
		if errors.Is(err, errNothingToReap) {
			continue
		}
		if err != nil {
			log.Error("Failed to reap job %s: %v", stale.ID, err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		q.signal()
	}
	return recovered, nil
}

var errNothingToReap = errors.New("nothing to reap")

// Stats returns job counts per status.
func (q *Queue) Stats(ctx context.Context) (map[Status]int, error) {
	return q.store.CountByStatus(ctx)
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
