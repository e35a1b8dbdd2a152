package service

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/singleflight"

	"github.com/MimeLyc/ai-video-pipeline/internal/artifact"
	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
	"github.com/MimeLyc/ai-video-pipeline/pkg/icron"
	"github.com/MimeLyc/ai-video-pipeline/pkg/log"
)

type probeCacheCleaner interface {
	DeleteProbeCacheUnder(ctx context.Context, dir string) (int64, error)
}

// Maintenance runs the periodic housekeeping jobs: dropping finished jobs
// past their retention and recovering leases of crashed workers.
type Maintenance struct {
	queue     *jobs.Queue
	artifacts *artifact.Store
	probes    probeCacheCleaner
	maxAge    time.Duration

	retentionExpr string
	now           func() time.Time
	group         singleflight.Group
}

type CleanupResult struct {
	Deleted      []string `json:"deleted"`
	ProbeEntries int64    `json:"probe_entries"`
}

func NewMaintenance(queue *jobs.Queue, artifacts *artifact.Store, probes probeCacheCleaner, maxAge time.Duration) *Maintenance {
	return &Maintenance{
		queue:     queue,
		artifacts: artifacts,
		probes:    probes,
		maxAge:    maxAge,
		now:       time.Now,
	}
}

// Schedule registers the retention sweep and the lease reaper on c.
func (m *Maintenance) Schedule(ctx context.Context, c *cron.Cron, retentionExpr, reaperExpr string) error {
	log.Info("Scheduling retention sweep (%s) and lease reaper (%s)", retentionExpr, reaperExpr)

	if _, err := c.AddFunc(retentionExpr, func() {
		if _, err := m.Cleanup(ctx, m.maxAge); err != nil {
			log.Error("Retention sweep failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule retention sweep: %w", err)
	}
	if _, err := c.AddFunc(reaperExpr, func() {
		if _, err := m.Reap(ctx); err != nil {
			log.Error("Lease reaper failed: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("schedule lease reaper: %w", err)
	}
	m.retentionExpr = retentionExpr
	return nil
}

// NextCleanup returns when the retention sweep fires next, or zero when it
// is not scheduled.
func (m *Maintenance) NextCleanup() time.Time {
	if m.retentionExpr == "" {
		return time.Time{}
	}
	info, err := icron.GetTriggerInfo(m.retentionExpr, m.now())
	if err != nil {
		return time.Time{}
	}
	return info.Next
}

// Cleanup deletes terminal jobs last updated more than maxAge ago together
// with their artifacts. Concurrent calls share one sweep.
func (m *Maintenance) Cleanup(ctx context.Context, maxAge time.Duration) (*CleanupResult, error) {
	if maxAge <= 0 {
		return nil, jobs.NewError(jobs.KindValidation, "max age must be positive")
	}
	v, err, _ := m.group.Do("cleanup", func() (any, error) {
		cutoff := m.now().Add(-maxAge)
		ids, err := m.queue.Registry().DeleteTerminalBefore(ctx, cutoff)
		if err != nil {
			return nil, err
		}

		res := &CleanupResult{Deleted: ids}
		for _, id := range ids {
			n, err := purgeJobFiles(ctx, m.artifacts, m.probes, id)
			res.ProbeEntries += n
			if err != nil {
				log.Error("Failed to remove artifacts of job %s: %v", id, err)
			}
		}
		if len(ids) > 0 {
			log.Info("Retention sweep removed %d jobs older than %s", len(ids), cutoff.Format(time.RFC3339))
		}
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*CleanupResult), nil
}

// Reap returns running jobs with an elapsed lease to the queue.
func (m *Maintenance) Reap(ctx context.Context) (int, error) {
	v, err, _ := m.group.Do("reap", func() (any, error) {
		n, err := m.queue.ReapExpired(ctx)
		if n > 0 {
			log.Warn("Recovered %d jobs from expired leases", n)
		}
		return n, err
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// purgeJobFiles removes the artifact directory of a job and the cached probe
// results of files inside it. It returns the number of cache entries dropped.
func purgeJobFiles(ctx context.Context, artifacts *artifact.Store, probes probeCacheCleaner, id string) (int64, error) {
	dir, err := artifacts.JobDir(id)
	if err != nil {
		return 0, err
	}
	var dropped int64
	if probes != nil {
		dropped, err = probes.DeleteProbeCacheUnder(ctx, dir)
		if err != nil {
			log.Warn("Failed to drop probe cache for job %s: %v", id, err)
		}
	}
	return dropped, artifacts.RemoveJob(id)
}

// replaceHook clears the files of a finished job so a new job reusing its id
// starts from an empty directory instead of the old outputs.
func replaceHook(artifacts *artifact.Store, probes probeCacheCleaner) jobs.ReplaceHook {
	return func(ctx context.Context, old *jobs.Job) error {
		if _, err := purgeJobFiles(ctx, artifacts, probes, old.ID); err != nil {
			return jobs.WrapError(err, jobs.KindResource, "clear artifacts of replaced job")
		}
		return nil
	}
}
