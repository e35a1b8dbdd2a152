package media

import (
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
)

var (
	safePathChars = regexp.MustCompile(`^[\w./-]+$`)
	shellMeta     = []string{";", "&", "|", "$", "`", ">", "<", "*", "?", "!", "'", "\"", "\\", "\n"}
)

// Guard vets every path before it reaches the muxer's argument list. Paths
// must be absolute, stay under one of the allowed roots and use a plain
// character set.
type Guard struct {
	roots []string
}

func NewGuard(roots ...string) (*Guard, error) {
	g := &Guard{}
	for _, r := range roots {
		if strings.TrimSpace(r) == "" {
			continue
		}
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, err
		}
		g.roots = append(g.roots, filepath.Clean(abs))
	}
	return g, nil
}

func (g *Guard) Check(path string) error {
	violation := func(reason string) error {
		return jobs.SecurityViolationError(reason).WithStage("video").WithContext("path", path)
	}

	if path == "" {
		return violation("empty path")
	}
	for _, r := range path {
		if unicode.IsControl(r) {
			return violation("path contains control characters")
		}
	}
	for _, m := range shellMeta {
		if strings.Contains(path, m) {
			return violation("path contains shell metacharacters")
		}
	}
	for _, seg := range strings.Split(filepath.ToSlash(path), "/") {
		if seg == ".." {
			return violation("path contains traversal")
		}
	}
	if !safePathChars.MatchString(filepath.ToSlash(path)) {
		return violation("path contains characters outside the allowed set")
	}
	if !filepath.IsAbs(path) {
		return violation("path must be absolute")
	}
	if len(g.roots) == 0 {
		return nil
	}
	clean := filepath.Clean(path)
	for _, root := range g.roots {
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return nil
		}
	}
	return violation("path is outside the artifact root")
}

// CheckRequest validates every path a mux request carries.
func (g *Guard) CheckRequest(req MuxRequest) error {
	paths := []string{req.Output}
	for _, s := range req.Scenes {
		paths = append(paths, s.Image, s.Audio)
	}
	if req.SubtitlePath != "" {
		paths = append(paths, req.SubtitlePath)
	}
	for _, p := range paths {
		if err := g.Check(p); err != nil {
			return err
		}
	}
	return nil
}
