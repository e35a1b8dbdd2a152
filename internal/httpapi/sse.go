package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
)

// handleJobStream pushes job snapshots as server-sent events. With ?id= it
// follows a single job and closes once the job is terminal; otherwise it
// streams the first page of jobs, optionally filtered by ?status=.
func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	jobID := r.URL.Query().Get("id")
	status := jobs.Status(r.URL.Query().Get("status"))
	if jobID != "" {
		if _, err := s.registry.Get(r.Context(), jobID); err != nil {
			writeJobError(w, err)
			return
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// send reports whether the stream should continue.
	send := func() bool {
		var payload any
		done := false
		if jobID != "" {
			job, err := s.registry.Get(r.Context(), jobID)
			if err != nil {
				return false
			}
			payload = job.Snapshot()
			done = job.Status.Terminal()
		} else {
			page, err := s.registry.List(r.Context(), jobs.ListOptions{Status: status, Page: 1, PageSize: jobs.MaxPageSize})
			if err != nil {
				return false
			}
			payload = page.Items
		}

		data, err := json.Marshal(payload)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return false
		}
		flusher.Flush()
		return !done
	}

	if !send() {
		return
	}

	ticker := time.NewTicker(s.streamInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !send() {
				return
			}
		}
	}
}
