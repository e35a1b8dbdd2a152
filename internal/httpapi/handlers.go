package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"github.com/MimeLyc/ai-video-pipeline/internal/jobs"
	"github.com/MimeLyc/ai-video-pipeline/internal/worker"
)

type createJobRequest struct {
	ID string `json:"id,omitempty"`
	jobs.Input
}

type createJobResponse struct {
	ID     string      `json:"id"`
	Status jobs.Status `json:"status"`
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		q := r.URL.Query()
		page, err := s.registry.List(r.Context(), jobs.ListOptions{
			Status:   jobs.Status(strings.TrimSpace(q.Get("status"))),
			Page:     parsePositiveIntWithDefault(q.Get("page"), 1),
			PageSize: parsePositiveIntWithDefault(q.Get("page_size"), jobs.DefaultPageSize),
		})
		if err != nil {
			writeJobError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, page)
	case http.MethodPost:
		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid json body")
			return
		}
		job, err := s.queue.Enqueue(r.Context(), jobs.EnqueueRequest{ID: strings.TrimSpace(req.ID), Input: req.Input})
		if err != nil {
			writeJobError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, createJobResponse{ID: job.ID, Status: job.Status})
	default:
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handlePresets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, s.catalog.Summary())
}

type queueResponse struct {
	Counts  map[jobs.Status]int `json:"counts"`
	Total   int                 `json:"total"`
	Workers *worker.Stats       `json:"workers,omitempty"`
}

func (s *Server) queueStatus(r *http.Request) (queueResponse, error) {
	counts, err := s.queue.Stats(r.Context())
	if err != nil {
		return queueResponse{}, err
	}
	resp := queueResponse{Counts: counts, Total: lo.Sum(lo.Values(counts))}
	if s.poolStats != nil {
		stats := s.poolStats()
		resp.Workers = &stats
	}
	return resp, nil
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	resp, err := s.queueStatus(r)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

type healthResponse struct {
	Status      string            `json:"status"`
	Checks      map[string]string `json:"checks"`
	Queue       *queueResponse    `json:"queue,omitempty"`
	NextCleanup *time.Time        `json:"next_cleanup,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	resp := healthResponse{Status: "ok", Checks: make(map[string]string, len(s.checks)+1)}
	if q, err := s.queueStatus(r); err != nil {
		resp.Status = "degraded"
		resp.Checks["store"] = err.Error()
	} else {
		resp.Checks["store"] = "ok"
		resp.Queue = &q
	}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Checks[name] = err.Error()
			continue
		}
		resp.Checks[name] = "ok"
	}
	if s.nextCleanup != nil {
		if next := s.nextCleanup(); !next.IsZero() {
			resp.NextCleanup = &next
		}
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

func parsePositiveIntWithDefault(raw string, def int) int {
	if strings.TrimSpace(raw) == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

// writeJobError maps queue and registry errors onto status codes. Internal
// details of failed jobs never reach the client beyond kind and message.
func writeJobError(w http.ResponseWriter, err error) {
	var jobErr *jobs.Error
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, jobs.ErrDuplicateJob):
		writeError(w, http.StatusConflict, "job already exists")
	case errors.Is(err, jobs.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "job is already finished")
	case errors.As(err, &jobErr) && (jobErr.Kind == jobs.KindValidation || jobErr.Kind == jobs.KindSecurity):
		writeError(w, http.StatusBadRequest, jobErr.Message)
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}
