package pipeline

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
	"github.com/MimeLyc/ai-video-pipeline/pkg/log"
)

// retry runs op up to attempts times with exponential backoff. Errors that
// are not retryable stop immediately; a retryable error that survives every
// attempt comes back marked exhausted so the job fails instead of requeueing.
func (r *Runner) retry(ctx context.Context, what string, attempts int, op func() error) error {
	attempts = max(attempts, 1)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.BackoffInitial
	b.MaxInterval = r.cfg.BackoffMax
	b.MaxElapsedTime = 0
	b.Reset()

	tries := 0
	err := backoff.RetryNotify(func() error {
		tries++
		err := op()
		switch {
		case err == nil:
			return nil
		case ctx.Err() != nil:
			return backoff.Permanent(ctx.Err())
		case !jobs.Retryable(err):
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, uint64(attempts-1)), ctx), func(err error, next time.Duration) {
		log.Warn("%s failed (attempt %d of %d), retrying in %s: %v", what, tries, attempts, next.Round(time.Millisecond), err)
	})

	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if jobs.Retryable(err) {
		log.Error("%s gave up after %d attempts: %v", what, tries, err)
		return jobs.MarkExhausted(err)
	}
	return err
}
