package httpapi

import (
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"strings"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
)

type artifactsResponse struct {
	JobID     string          `json:"job_id"`
	Artifacts []jobs.Artifact `json:"artifacts"`
}

func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	jobID, action, ok := parseJobRoute(r.URL.Path)
	if !ok {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	switch action {
	case "":
		s.handleJobDetail(w, r, jobID)
	case "cancel":
		s.handleCancelJob(w, r, jobID)
	case "video":
		s.handleVideo(w, r, jobID, true)
	case "preview":
		s.handleVideo(w, r, jobID, false)
	case "artifacts":
		s.handleArtifacts(w, r, jobID)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func parseJobRoute(path string) (jobID string, action string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/api/jobs/")
	trimmed = strings.Trim(trimmed, "/")
	if trimmed == "" {
		return "", "", false
	}
	parts := strings.Split(trimmed, "/")
	if len(parts) > 2 {
		return "", "", false
	}
	rawID, err := url.PathUnescape(parts[0])
	if err != nil || strings.TrimSpace(rawID) == "" {
		return "", "", false
	}
	if len(parts) == 1 {
		return rawID, "", true
	}
	return rawID, parts[1], true
}

func (s *Server) handleJobDetail(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	job, err := s.registry.Get(r.Context(), jobID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	job, err := s.registry.Cancel(r.Context(), jobID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job.Snapshot())
}

// handleVideo serves the final video. Range requests are honoured so the
// preview can be scrubbed in a browser.
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request, jobID string, download bool) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	job, err := s.registry.Get(r.Context(), jobID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	if job.Status != jobs.StatusCompleted {
		writeError(w, http.StatusConflict, fmt.Sprintf("video is not ready: job is %s", job.Status))
		return
	}

	videoPath, err := s.artifacts.VideoPath(job.ID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	f, err := os.Open(videoPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			writeError(w, http.StatusNotFound, "video file is missing")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	disposition := "inline"
	if download {
		disposition = "attachment"
	}
	w.Header().Set("Content-Type", "video/mp4")
	w.Header().Set("Content-Disposition", fmt.Sprintf("%s; filename=%q", disposition, job.ID+".mp4"))
	http.ServeContent(w, r, job.ID+".mp4", info.ModTime(), f)
}

func (s *Server) handleArtifacts(w http.ResponseWriter, r *http.Request, jobID string) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if _, err := s.registry.Get(r.Context(), jobID); err != nil {
		writeJobError(w, err)
		return
	}
	list, err := s.artifacts.List(jobID)
	if err != nil {
		writeJobError(w, err)
		return
	}
	if list == nil {
		list = []jobs.Artifact{}
	}
	writeJSON(w, http.StatusOK, artifactsResponse{JobID: jobID, Artifacts: list})
}
