package persistence

import "time"

// StageCheckpoint records that a pipeline stage finished for a job.
type StageCheckpoint struct {
	JobID     string
	Stage     string
	Progress  int
	Detail    string
	Duration  time.Duration
	UpdatedAt time.Time
}

// ProbeCacheEntry is a cached media duration, valid while the file's size
// and modification time are unchanged.
type ProbeCacheEntry struct {
	Path      string
	Size      int64
	ModTime   time.Time
	Duration  time.Duration
	UpdatedAt time.Time
}
