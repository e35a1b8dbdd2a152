package jobs

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func newMemoryStore() *memoryStore {
	return &memoryStore{jobs: make(map[string]*Job)}
}

func (m *memoryStore) InsertJob(_ context.Context, job *Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.jobs[job.ID]; ok && !existing.Status.Terminal() {
		return ErrDuplicateJob
	}
	cp := job.Clone()
	cp.Version = 1
	job.Version = 1
	m.jobs[job.ID] = cp
	return nil
}

func (m *memoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return job.Clone(), nil
}

func (m *memoryStore) SwapJob(_ context.Context, job *Job, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	current, ok := m.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != version {
		return ErrVersionConflict
	}
	cp := job.Clone()
	cp.Version = version + 1
	job.Version = version + 1
	m.jobs[job.ID] = cp
	return nil
}

func (m *memoryStore) ClaimCandidates(_ context.Context, now time.Time, limit int) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make([]*Job, 0)
	for _, job := range m.jobs {
		if job.Claimable(now) {
			ret = append(ret, job.Clone())
		}
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].CreatedAt.Before(ret[j].CreatedAt) })
	if len(ret) > limit {
		ret = ret[:limit]
	}
	return ret, nil
}

func (m *memoryStore) ListJobs(_ context.Context, opts ListOptions) ([]*Job, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	all := make([]*Job, 0)
	for _, job := range m.jobs {
		if opts.Status != "" && job.Status != opts.Status {
			continue
		}
		all = append(all, job.Clone())
	}
	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })
	total := len(all)
	start := opts.Offset()
	if start > total {
		start = total
	}
	end := start + opts.PageSize
	if end > total {
		end = total
	}
	return all[start:end], total, nil
}

func (m *memoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ret := make(map[Status]int)
	for _, job := range m.jobs {
		ret[job.Status]++
	}
	return ret, nil
}

func (m *memoryStore) ListTerminalBefore(_ context.Context, cutoff time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, job := range m.jobs {
		if job.Status.Terminal() && job.UpdatedAt.Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memoryStore) ListExpiredLeases(_ context.Context, now time.Time) ([]*Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ret []*Job
	for _, job := range m.jobs {
		if job.Status == StatusRunning && !job.Acked && job.LeaseExpiresAt.Before(now) {
			ret = append(ret, job.Clone())
		}
	}
	return ret, nil
}

func (m *memoryStore) DeleteJob(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}
