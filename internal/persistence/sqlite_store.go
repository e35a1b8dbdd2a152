package persistence

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// SQLiteStore is the durable jobs.Store. Times are stored as unix
// milliseconds; zero means unset.
type SQLiteStore struct {
	db *sql.DB
}

var _ jobs.Store = (*SQLiteStore)(nil)

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.init(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) init(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
		return fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "PRAGMA busy_timeout = 5000;"); err != nil {
		return fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
	);`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		version := migrationVersion(entry.Name())
		if version <= 0 {
			continue
		}
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version).Scan(&exists); err != nil {
			return fmt.Errorf("check migration %s: %w", entry.Name(), err)
		}
		if exists > 0 {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", entry.Name(), err)
		}
		if _, err := s.db.ExecContext(ctx, `INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// migrationVersion extracts the leading integer from a migration filename (e.g. "001_init.sql" → 1).
func migrationVersion(name string) int {
	for i, c := range name {
		if c < '0' || c > '9' {
			if i == 0 {
				return 0
			}
			n, _ := strconv.Atoi(name[:i])
			return n
		}
	}
	n, _ := strconv.Atoi(name)
	return n
}

const jobColumns = `id, status, progress, current_step, input_json, error_json, warnings_json, artifacts_json,
	video_path, attempts, lease_owner, lease_expires_at, acked, created_at, updated_at, completed_at, version`

const terminalStatuses = `('completed', 'failed', 'cancelled')`

// jobRow is the column encoding of a jobs.Job.
type jobRow struct {
	input, errJSON, warnings, artifacts string
	leaseExpiresAt, createdAt           int64
	updatedAt, completedAt              int64
}

func encodeJob(job *jobs.Job) (jobRow, error) {
	var row jobRow
	input, err := json.Marshal(job.Input)
	if err != nil {
		return row, fmt.Errorf("encode input: %w", err)
	}
	warnings, err := json.Marshal(nonNil(job.Warnings))
	if err != nil {
		return row, fmt.Errorf("encode warnings: %w", err)
	}
	artifacts, err := json.Marshal(nonNil(job.Artifacts))
	if err != nil {
		return row, fmt.Errorf("encode artifacts: %w", err)
	}
	if job.Error != nil {
		b, err := json.Marshal(job.Error)
		if err != nil {
			return row, fmt.Errorf("encode error: %w", err)
		}
		row.errJSON = string(b)
	}
	row.input = string(input)
	row.warnings = string(warnings)
	row.artifacts = string(artifacts)
	row.leaseExpiresAt = toMillis(job.LeaseExpiresAt)
	row.createdAt = toMillis(job.CreatedAt)
	row.updatedAt = toMillis(job.UpdatedAt)
	row.completedAt = toMillis(job.CompletedAt)
	return row, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(sc rowScanner) (*jobs.Job, error) {
	var job jobs.Job
	var status string
	var row jobRow
	var acked int
	if err := sc.Scan(
		&job.ID,
		&status,
		&job.Progress,
		&job.CurrentStep,
		&row.input,
		&row.errJSON,
		&row.warnings,
		&row.artifacts,
		&job.VideoPath,
		&job.Attempts,
		&job.LeaseOwner,
		&row.leaseExpiresAt,
		&acked,
		&row.createdAt,
		&row.updatedAt,
		&row.completedAt,
		&job.Version,
	); err != nil {
		return nil, err
	}
	job.Status = jobs.Status(status)
	job.Acked = acked == 1
	job.LeaseExpiresAt = fromMillis(row.leaseExpiresAt)
	job.CreatedAt = fromMillis(row.createdAt)
	job.UpdatedAt = fromMillis(row.updatedAt)
	job.CompletedAt = fromMillis(row.completedAt)

	if err := json.Unmarshal([]byte(row.input), &job.Input); err != nil {
		return nil, fmt.Errorf("decode input of job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(row.warnings), &job.Warnings); err != nil {
		return nil, fmt.Errorf("decode warnings of job %s: %w", job.ID, err)
	}
	if err := json.Unmarshal([]byte(row.artifacts), &job.Artifacts); err != nil {
		return nil, fmt.Errorf("decode artifacts of job %s: %w", job.ID, err)
	}
	if row.errJSON != "" {
		var rec jobs.ErrorRecord
		if err := json.Unmarshal([]byte(row.errJSON), &rec); err != nil {
			return nil, fmt.Errorf("decode error of job %s: %w", job.ID, err)
		}
		job.Error = &rec
	}
	if len(job.Warnings) == 0 {
		job.Warnings = nil
	}
	if len(job.Artifacts) == 0 {
		job.Artifacts = nil
	}
	return &job, nil
}

func (s *SQLiteStore) queryJobs(ctx context.Context, query string, args ...any) ([]*jobs.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]*jobs.Job, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		ret = append(ret, job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) InsertJob(ctx context.Context, job *jobs.Job) (err error) {
	if job == nil {
		return fmt.Errorf("job is nil")
	}
	row, err := encodeJob(job)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(
		ctx,
		`INSERT INTO jobs (`+jobColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			progress=excluded.progress,
			current_step=excluded.current_step,
			input_json=excluded.input_json,
			error_json=excluded.error_json,
			warnings_json=excluded.warnings_json,
			artifacts_json=excluded.artifacts_json,
			video_path=excluded.video_path,
			attempts=excluded.attempts,
			lease_owner=excluded.lease_owner,
			lease_expires_at=excluded.lease_expires_at,
			acked=excluded.acked,
			created_at=excluded.created_at,
			updated_at=excluded.updated_at,
			completed_at=excluded.completed_at,
			version=1
		WHERE jobs.status IN `+terminalStatuses,
		job.ID,
		string(job.Status),
		job.Progress,
		job.CurrentStep,
		row.input,
		row.errJSON,
		row.warnings,
		row.artifacts,
		job.VideoPath,
		job.Attempts,
		job.LeaseOwner,
		row.leaseExpiresAt,
		boolToInt(job.Acked),
		row.createdAt,
		row.updatedAt,
		row.completedAt,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		err = jobs.ErrDuplicateJob
		return err
	}
	// a replaced terminal job must not leak its old checkpoints
	if _, err = tx.ExecContext(ctx, `DELETE FROM job_stage_checkpoints WHERE job_id = ?`, job.ID); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return err
	}
	job.Version = 1
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id string) (*jobs.Job, error) {
	job, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, jobs.ErrNotFound
	}
	return job, err
}

func (s *SQLiteStore) SwapJob(ctx context.Context, job *jobs.Job, version int64) error {
	row, err := encodeJob(job)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET
			status = ?,
			progress = ?,
			current_step = ?,
			input_json = ?,
			error_json = ?,
			warnings_json = ?,
			artifacts_json = ?,
			video_path = ?,
			attempts = ?,
			lease_owner = ?,
			lease_expires_at = ?,
			acked = ?,
			updated_at = ?,
			completed_at = ?,
			version = version + 1
		 WHERE id = ? AND version = ?`,
		string(job.Status),
		job.Progress,
		job.CurrentStep,
		row.input,
		row.errJSON,
		row.warnings,
		row.artifacts,
		job.VideoPath,
		job.Attempts,
		job.LeaseOwner,
		row.leaseExpiresAt,
		boolToInt(job.Acked),
		row.updatedAt,
		row.completedAt,
		job.ID,
		version,
	)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE id = ?`, job.ID).Scan(&exists); err != nil {
			return err
		}
		if exists == 0 {
			return jobs.ErrNotFound
		}
		return jobs.ErrVersionConflict
	}
	job.Version = version + 1
	return nil
}

func (s *SQLiteStore) ClaimCandidates(ctx context.Context, now time.Time, limit int) ([]*jobs.Job, error) {
	return s.queryJobs(
		ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE acked = 0
		   AND status IN ('pending', 'running', 'cancelled')
		   AND lease_expires_at < ?
		 ORDER BY created_at ASC, id ASC
		 LIMIT ?`,
		toMillis(now),
		limit,
	)
}

func (s *SQLiteStore) ListJobs(ctx context.Context, opts jobs.ListOptions) ([]*jobs.Job, int, error) {
	where := ""
	args := make([]any, 0, 3)
	if opts.Status != "" {
		where = "WHERE status = ?"
		args = append(args, string(opts.Status))
	}

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = jobs.DefaultPageSize
	}
	args = append(args, pageSize, opts.Offset())
	items, err := s.queryJobs(
		ctx,
		`SELECT `+jobColumns+` FROM jobs `+where+`
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		args...,
	)
	if err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[jobs.Status]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make(map[jobs.Status]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		ret[jobs.Status(status)] = n
	}
	return ret, rows.Err()
}

func (s *SQLiteStore) ListTerminalBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id FROM jobs
		 WHERE status IN `+terminalStatuses+` AND updated_at < ?
		 ORDER BY id ASC`,
		toMillis(cutoff),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) ListExpiredLeases(ctx context.Context, now time.Time) ([]*jobs.Job, error) {
	return s.queryJobs(
		ctx,
		`SELECT `+jobColumns+`
		 FROM jobs
		 WHERE status = 'running' AND acked = 0 AND lease_expires_at < ?
		 ORDER BY created_at ASC`,
		toMillis(now),
	)
}

// DeleteJob removes the job together with its stage checkpoints.
func (s *SQLiteStore) DeleteJob(ctx context.Context, id string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM job_stage_checkpoints WHERE job_id = ?`, id); err != nil {
		return err
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStore) SaveStageCheckpoint(ctx context.Context, cp StageCheckpoint) error {
	updatedAt := cp.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO job_stage_checkpoints (job_id, stage, progress, detail, duration_ms, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(job_id, stage) DO UPDATE SET
			progress=excluded.progress,
			detail=excluded.detail,
			duration_ms=excluded.duration_ms,
			updated_at=excluded.updated_at`,
		cp.JobID,
		cp.Stage,
		cp.Progress,
		cp.Detail,
		cp.Duration.Milliseconds(),
		toMillis(updatedAt),
	)
	return err
}

func (s *SQLiteStore) LoadStageCheckpoints(ctx context.Context, jobID string) ([]StageCheckpoint, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT job_id, stage, progress, detail, duration_ms, updated_at
		 FROM job_stage_checkpoints
		 WHERE job_id = ?
		 ORDER BY progress ASC`,
		jobID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	ret := make([]StageCheckpoint, 0)
	for rows.Next() {
		var item StageCheckpoint
		var durationMS, updatedAt int64
		if err := rows.Scan(&item.JobID, &item.Stage, &item.Progress, &item.Detail, &durationMS, &updatedAt); err != nil {
			return nil, err
		}
		item.Duration = time.Duration(durationMS) * time.Millisecond
		item.UpdatedAt = fromMillis(updatedAt)
		ret = append(ret, item)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ret, nil
}

func (s *SQLiteStore) PutProbeCache(ctx context.Context, entry ProbeCacheEntry) error {
	updatedAt := entry.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO media_probe_cache (path, size, mod_time, duration_ms, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(path) DO UPDATE SET
			size=excluded.size,
			mod_time=excluded.mod_time,
			duration_ms=excluded.duration_ms,
			updated_at=excluded.updated_at`,
		entry.Path,
		entry.Size,
		toMillis(entry.ModTime),
		entry.Duration.Milliseconds(),
		toMillis(updatedAt),
	)
	return err
}

// GetProbeCache returns the cached duration only when size and modTime
// still match the file that was probed.
func (s *SQLiteStore) GetProbeCache(ctx context.Context, path string, size int64, modTime time.Time) (time.Duration, bool, error) {
	var durationMS int64
	err := s.db.QueryRowContext(
		ctx,
		`SELECT duration_ms FROM media_probe_cache WHERE path = ? AND size = ? AND mod_time = ?`,
		path,
		size,
		toMillis(modTime),
	).Scan(&durationMS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, err
	}
	return time.Duration(durationMS) * time.Millisecond, true, nil
}

// DeleteProbeCacheUnder drops cached probes for files below dir.
func (s *SQLiteStore) DeleteProbeCacheUnder(ctx context.Context, dir string) (int64, error) {
	prefix := strings.TrimSuffix(dir, string(filepath.Separator)) + string(filepath.Separator)
	res, err := s.db.ExecContext(ctx, `DELETE FROM media_probe_cache WHERE substr(path, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func boolToInt(v bool) int {
	if v {
		return 1
	}
	return 0
}
