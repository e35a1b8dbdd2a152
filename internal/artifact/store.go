package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
	"github.com/MimeLyc/ai-video-pipeline/pkg/file"
)

const (
	scriptFile    = "script.json"
	narrationFile = "narration.json"
	videoFile     = "video.mp4"
	imagesDir     = "images"
	audioDir      = "audio"
	subtitlesStem = "subtitles"
)

// Store lays out job outputs under root/{job_id}. Jobs never share a
// directory, so no locking is done here.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("artifact root is required")
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact root: %w", err)
	}
	return &Store{root: abs}, nil
}

func (s *Store) Root() string {
	return s.root
}

// JobDir returns the job's directory, rejecting ids that could escape root.
func (s *Store) JobDir(jobID string) (string, error) {
	if !jobs.ValidID(jobID) {
		return "", jobs.SecurityViolationError("job id is not a safe path segment").WithContext("job_id", jobID)
	}
	return filepath.Join(s.root, jobID), nil
}

func (s *Store) path(jobID string, parts ...string) (string, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return "", err
	}
	return filepath.Join(append([]string{dir}, parts...)...), nil
}

func (s *Store) ScriptPath(jobID string) (string, error) {
	return s.path(jobID, scriptFile)
}

// NarrationPath holds measured per-scene audio durations.
func (s *Store) NarrationPath(jobID string) (string, error) {
	return s.path(jobID, narrationFile)
}

func (s *Store) VideoPath(jobID string) (string, error) {
	return s.path(jobID, videoFile)
}

func (s *Store) SubtitlePath(jobID, ext string) (string, error) {
	return s.path(jobID, subtitlesStem+normalizeExt(ext))
}

// Scene files are numbered from 1 while scene indexes start at 0.
func sceneStem(index int) string {
	return "scene_" + strconv.Itoa(index+1)
}

func (s *Store) ImagePath(jobID string, index int, ext string) (string, error) {
	return s.path(jobID, imagesDir, sceneStem(index)+normalizeExt(ext))
}

func (s *Store) AudioPath(jobID string, index int, ext string) (string, error) {
	return s.path(jobID, audioDir, sceneStem(index)+normalizeExt(ext))
}

// FindImage returns the stored image for a scene whatever its extension.
func (s *Store) FindImage(jobID string, index int) (string, bool, error) {
	return s.findScene(jobID, imagesDir, index)
}

func (s *Store) FindAudio(jobID string, index int) (string, bool, error) {
	return s.findScene(jobID, audioDir, index)
}

func (s *Store) findScene(jobID, sub string, index int) (string, bool, error) {
	dir, err := s.path(jobID, sub)
	if err != nil {
		return "", false, err
	}
	matches, err := file.FindByStem(dir, sceneStem(index))
	if err != nil {
		return "", false, err
	}
	for _, m := range matches {
		if file.Exists(m) {
			return m, true, nil
		}
	}
	return "", false, nil
}

// Exists reports whether path holds a complete, non-empty artifact.
func (s *Store) Exists(path string) bool {
	return file.Exists(path)
}

func (s *Store) WriteFile(path string, data []byte) error {
	if err := s.within(path); err != nil {
		return err
	}
	return file.WriteAtomic(path, data)
}

func (s *Store) WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return s.WriteFile(path, data)
}

func (s *Store) ReadJSON(path string, v any) error {
	if err := s.within(path); err != nil {
		return err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", filepath.Base(path), err)
	}
	return nil
}

func (s *Store) within(path string) error {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") || filepath.IsAbs(rel) {
		return jobs.SecurityViolationError("path is outside the artifact root").WithContext("path", path)
	}
	return nil
}

// List returns every complete artifact of a job, ordered by kind then scene.
func (s *Store) List(jobID string) ([]jobs.Artifact, error) {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return nil, err
	}

	var ret []jobs.Artifact
	add := func(kind jobs.ArtifactKind, path string, scene *int) {
		if file.Exists(path) {
			ret = append(ret, jobs.Artifact{Kind: kind, JobID: jobID, SceneIndex: scene, Path: path})
		}
	}

	add(jobs.ArtifactScript, filepath.Join(dir, scriptFile), nil)
	for _, sub := range []struct {
		name string
		kind jobs.ArtifactKind
	}{{imagesDir, jobs.ArtifactImage}, {audioDir, jobs.ArtifactAudio}} {
		scenes, err := s.listScenes(filepath.Join(dir, sub.name))
		if err != nil {
			return nil, err
		}
		for _, sc := range scenes {
			idx := sc.index
			add(sub.kind, sc.path, &idx)
		}
	}
	subs, err := file.FindByStem(dir, subtitlesStem)
	if err != nil {
		return nil, err
	}
	for _, p := range subs {
		add(jobs.ArtifactSubtitle, p, nil)
	}
	add(jobs.ArtifactVideo, filepath.Join(dir, videoFile), nil)
	return ret, nil
}

type scenePath struct {
	index int
	path  string
}

func (s *Store) listScenes(dir string) ([]scenePath, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var ret []scenePath
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".tmp") {
			continue
		}
		stem := strings.TrimSuffix(name, filepath.Ext(name))
		n, err := strconv.Atoi(strings.TrimPrefix(stem, "scene_"))
		if err != nil || n < 1 || !strings.HasPrefix(stem, "scene_") {
			continue
		}
		ret = append(ret, scenePath{index: n - 1, path: filepath.Join(dir, name)})
	}
	sort.Slice(ret, func(i, j int) bool {
		if ret[i].index != ret[j].index {
			return ret[i].index < ret[j].index
		}
		return ret[i].path < ret[j].path
	})
	return ret, nil
}

// RemoveJob deletes the job directory. Missing directories are not an error.
func (s *Store) RemoveJob(jobID string) error {
	dir, err := s.JobDir(jobID)
	if err != nil {
		return err
	}
	return os.RemoveAll(dir)
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext == "" {
		return ""
	}
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}
