// Package worker runs leased jobs through the pipeline.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
	"github.com/MimeLyc/ai-video-pipeline/internal/pipeline"
	"github.com/MimeLyc/ai-video-pipeline/pkg/log"
)

type Runner interface {
	Run(ctx context.Context, job *jobs.Job, rep pipeline.Reporter) (*pipeline.Result, error)
}

type Config struct {
	Workers   int
	Lease     time.Duration
	Heartbeat time.Duration
	// IDPrefix names this process's workers; defaults to hostname plus a
	// random suffix.
	IDPrefix string
}

func DefaultConfig() Config {
	return Config{Workers: 2, Lease: 2 * time.Minute, Heartbeat: 30 * time.Second}
}

type Stats struct {
	Workers   int    `json:"workers"`
	Busy      int    `json:"busy"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Requeued  uint64 `json:"requeued"`
}

type Pool struct {
	queue    *jobs.Queue
	registry *jobs.Registry
	runner   Runner
	cfg      Config

	mu       sync.Mutex
	started  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once

	busy      atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64
	requeued  atomic.Uint64
}

func NewPool(queue *jobs.Queue, runner Runner, cfg Config) *Pool {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Lease <= 0 {
		cfg.Lease = def.Lease
	}
	if cfg.Heartbeat <= 0 || cfg.Heartbeat >= cfg.Lease {
		cfg.Heartbeat = cfg.Lease / 3
	}
	if cfg.IDPrefix == "" {
		host, _ := os.Hostname()
		if host == "" {
			host = "worker"
		}
		cfg.IDPrefix = host + "-" + uuid.NewString()[:8]
	}
	return &Pool{queue: queue, registry: queue.Registry(), runner: runner, cfg: cfg}
}

// Start spawns the worker loops. Calling it twice is a no-op.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return
	}
	p.started = true

	ctx, p.cancel = context.WithCancel(ctx)
	for i := range p.cfg.Workers {
		id := fmt.Sprintf("%s-%d", p.cfg.IDPrefix, i+1)
		p.wg.Add(1)
		go p.loop(ctx, id)
	}
	log.Info("Worker pool started with %d workers (lease %s, heartbeat %s)", p.cfg.Workers, p.cfg.Lease, p.cfg.Heartbeat)
}

// Stop cancels the loops and waits for in-flight jobs to hand back.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		cancel := p.cancel
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		p.wg.Wait()
		log.Info("Worker pool stopped")
	})
}

func (p *Pool) Stats() Stats {
	return Stats{
		Workers:   p.cfg.Workers,
		Busy:      int(p.busy.Load()),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Requeued:  p.requeued.Load(),
	}
}

func (p *Pool) loop(ctx context.Context, workerID string) {
	defer p.wg.Done()

	for {
		job, err := p.queue.DequeueLease(ctx, workerID, p.cfg.Lease)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("Worker %s failed to lease a job: %v", workerID, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		p.process(ctx, workerID, job)
	}
}

func (p *Pool) process(ctx context.Context, workerID string, job *jobs.Job) {
	logger := log.With("job_id", job.ID, "worker_id", workerID)

	if job.Status == jobs.StatusCancelled {
		logger.Info("Job %s was cancelled before it started", job.ID)
		p.ack(ctx, job.ID)
		return
	}

	p.busy.Add(1)
	defer p.busy.Add(-1)

	execCtx, cancel := context.WithCancel(ctx)
	var lost atomic.Bool
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		p.heartbeat(execCtx, job.ID, workerID, func() {
			lost.Store(true)
			cancel()
		})
	}()

	rep := &jobReporter{registry: p.registry, jobID: job.ID, workerID: workerID}
	var res *pipeline.Result
	start := time.Now()
	err := jobs.SafeExecute(func() error {
		var err error
		res, err = p.runner.Run(execCtx, job, rep)
		return err
	})
	cancel()
	<-hbDone

	// writes below must land even when the pool is shutting down
	finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer finishCancel()

	switch {
	case lost.Load() || errors.Is(err, jobs.ErrLeaseExpired):
		logger.Warn("Lost the lease on job %s; abandoning it", job.ID)

	case err == nil:
		p.complete(finishCtx, logger, job.ID, workerID, res, time.Since(start))

	case jobs.IsKind(err, jobs.KindCancelled):
		logger.Info("Job %s stopped after cancellation", job.ID)
		p.ack(finishCtx, job.ID)

	case ctx.Err() != nil:
		logger.Info("Shutting down; returning job %s to the queue", job.ID)
		p.requeue(finishCtx, logger, job.ID, workerID, err)

	case jobs.Retryable(err):
		p.requeue(finishCtx, logger, job.ID, workerID, err)

	default:
		p.fail(finishCtx, logger, job.ID, workerID, err)
	}
}

func (p *Pool) heartbeat(ctx context.Context, jobID, workerID string, onLost func()) {
	ticker := time.NewTicker(p.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_, err := p.queue.ExtendLease(ctx, jobID, workerID, p.cfg.Lease)
			switch {
			case err == nil:
			case errors.Is(err, jobs.ErrLeaseExpired):
				onLost()
				return
			case ctx.Err() != nil:
				return
			default:
				log.Warn("Heartbeat for job %s failed: %v", jobID, err)
			}
		}
	}
}

func (p *Pool) complete(ctx context.Context, logger *log.Logger, jobID, workerID string, res *pipeline.Result, took time.Duration) {
	progress := 100
	status := jobs.StatusCompleted
	step := "completed"
	update := jobs.Update{
		Status:      &status,
		Progress:    &progress,
		CurrentStep: &step,
		LeaseOwner:  workerID,
	}
	if res != nil {
		update.VideoPath = &res.VideoPath
		update.Artifacts = res.Artifacts
	}

	if _, err := p.registry.Update(ctx, jobID, update); err != nil {
		if errors.Is(err, jobs.ErrLeaseExpired) {
			logger.Warn("Job %s finished after its lease was lost; result discarded", jobID)
			return
		}
		if errors.Is(err, jobs.ErrInvalidTransition) {
			logger.Info("Job %s finished but was cancelled meanwhile", jobID)
			p.ack(ctx, jobID)
			return
		}
		logger.Error("Failed to record completion of job %s: %v", jobID, err)
		return
	}
	p.completed.Add(1)
	logger.Info("Job %s completed in %s", jobID, took.Round(time.Millisecond))
	p.ack(ctx, jobID)
}

func (p *Pool) requeue(ctx context.Context, logger *log.Logger, jobID, workerID string, cause error) {
	job, err := p.queue.Requeue(ctx, jobID, workerID, cause)
	if err != nil {
		if errors.Is(err, jobs.ErrInvalidTransition) {
			// cancelled while running
			p.ack(ctx, jobID)
			return
		}
		logger.Error("Failed to requeue job %s: %v", jobID, err)
		return
	}
	if job.Status == jobs.StatusFailed {
		p.failed.Add(1)
		return
	}
	p.requeued.Add(1)
}

func (p *Pool) fail(ctx context.Context, logger *log.Logger, jobID, workerID string, cause error) {
	logger.Error("Job %s failed: %v", jobID, cause)
	status := jobs.StatusFailed
	step := "failed"
	_, err := p.registry.Update(ctx, jobID, jobs.Update{
		Status:      &status,
		CurrentStep: &step,
		Error:       jobs.Record(cause),
		LeaseOwner:  workerID,
	})
	switch {
	case err == nil:
		p.failed.Add(1)
	case errors.Is(err, jobs.ErrLeaseExpired):
		return
	case errors.Is(err, jobs.ErrInvalidTransition):
	default:
		logger.Error("Failed to record failure of job %s: %v", jobID, err)
		return
	}
	p.ack(ctx, jobID)
}

func (p *Pool) ack(ctx context.Context, jobID string) {
	if err := p.queue.Acknowledge(ctx, jobID); err != nil {
		log.Error("Failed to acknowledge job %s: %v", jobID, err)
	}
}

// jobReporter writes stage progress to the registry under the worker's lease.
type jobReporter struct {
	registry *jobs.Registry
	jobID    string
	workerID string
}

func (r *jobReporter) Progress(ctx context.Context, pct int, step string) error {
	_, err := r.registry.Update(ctx, r.jobID, jobs.Update{
		Progress:    &pct,
		CurrentStep: &step,
		LeaseOwner:  r.workerID,
	})
	return err
}

func (r *jobReporter) Cancelled(ctx context.Context) bool {
	job, err := r.registry.Get(ctx, r.jobID)
	return err == nil && job.Status == jobs.StatusCancelled
}

func (r *jobReporter) Warn(ctx context.Context, msg string) {
	if err := r.registry.AddWarning(ctx, r.jobID, msg); err != nil {
		log.Warn("Failed to record warning on job %s: %v", r.jobID, err)
	}
}
