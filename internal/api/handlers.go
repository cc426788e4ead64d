package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kestrelsec/reconforge/internal/queue"
	"github.com/kestrelsec/reconforge/internal/recon"
)

const defaultWorkspace = "default"

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	if req.Module == "" {
		s.writeError(w, http.StatusBadRequest, "module is required")
		return
	}
	// Reject unknown modules at submission time rather than letting the job
	// fail later in the worker.
	if _, ok := s.registry.Resolve(req.Module); !ok {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown module %q", req.Module))
		return
	}

	target, err := recon.NormalizeTarget(req.Target)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	wsName := req.Workspace
	if wsName == "" {
		wsName = defaultWorkspace
	}
	ws, err := s.workspaces.Ensure(r.Context(), wsName)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("workspace: %v", err))
		return
	}
	outDir, err := s.workspaces.OutDir(ws.Name, target, req.Module)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("workspace: %v", err))
		return
	}

	var options json.RawMessage
	if len(req.Options) > 0 {
		options, err = json.Marshal(req.Options)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid options: %v", err))
			return
		}
	}

	jobID, err := s.queue.Enqueue(r.Context(), queue.EnqueueRequest{
		Workspace:   ws.Name,
		Module:      req.Module,
		Target:      target,
		OutDir:      outDir,
		Options:     options,
		MaxAttempts: s.config.MaxAttempts,
	})
	if err != nil {
		s.logger.Error("enqueue failed", "module", req.Module, "target", target, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to enqueue job")
		return
	}

	if s.metrics != nil {
		s.metrics.JobsEnqueued.WithLabelValues(req.Module).Inc()
	}
	s.events.JobEnqueued(jobID, req.Module, target)

	s.logger.Info("job submitted", "job_id", jobID, "module", req.Module, "target", target, "workspace", ws.Name)

	s.writeJSON(w, http.StatusAccepted, SubmitJobResponse{
		JobID:     jobID,
		Status:    string(queue.StatusQueued),
		Module:    req.Module,
		Target:    target,
		Workspace: ws.Name,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.queue.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, queue.ErrJobNotFound) {
			s.writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("job lookup failed", "job_id", jobID, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to look up job")
		return
	}

	s.writeJSON(w, http.StatusOK, jobToResponse(job))
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ws := r.URL.Query().Get("workspace")
	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	jobs, err := s.queue.List(r.Context(), ws, limit)
	if err != nil {
		s.logger.Error("job list failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	out := make([]JobResponse, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, jobToResponse(job))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	list, err := s.workspaces.List(r.Context())
	if err != nil {
		s.logger.Error("workspace list failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list workspaces")
		return
	}
	s.writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	descriptors := s.registry.All()
	out := make([]ModuleResponse, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, ModuleResponse{Name: d.Name, Version: d.Version})
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	depth, err := s.queue.Depth(r.Context())
	if err != nil {
		s.logger.Error("queue depth check failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "queue unavailable")
		return
	}

	s.writeJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		QueueDepth:    depth,
		ModulesLoaded: s.registry.Len(),
	})
}

// handleEvents streams job lifecycle events over SSE. Clients may resume
// with Last-Event-ID; buffered events after that ID are replayed first.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, http.StatusNotFound, "events disabled")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	var lastID int64
	if raw := r.Header.Get("Last-Event-ID"); raw != "" {
		if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
			lastID = n
		}
	}

	ch, cancel := s.events.Subscribe()
	defer cancel()

	for _, ev := range s.events.SnapshotSince(lastID) {
		writeSSE(w, ev.ID, ev.Type, ev.Data)
		lastID = ev.ID
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, open := <-ch:
			if !open {
				return
			}
			if ev.ID <= lastID {
				continue
			}
			writeSSE(w, ev.ID, ev.Type, ev.Data)
			lastID = ev.ID
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, id int64, eventType string, data []byte) {
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", id, eventType, data)
}

func jobToResponse(job *queue.Job) JobResponse {
	resp := JobResponse{
		JobID:       job.ID,
		Workspace:   job.Workspace,
		Module:      job.Module,
		Target:      job.Target,
		Status:      string(job.Status),
		Attempt:     job.Attempt,
		CreatedAt:   job.CreatedAt,
		StartedAt:   job.StartedAt,
		CompletedAt: job.CompletedAt,
		Result:      job.Result,
	}
	if job.LastError != nil {
		resp.Error = *job.LastError
	}
	return resp
}
