package api

import (
	"encoding/json"
	"time"
)

// SubmitJobRequest is the body of POST /jobs.
type SubmitJobRequest struct {
	Module    string         `json:"module"`
	Target    string         `json:"target"`
	Workspace string         `json:"workspace,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// SubmitJobResponse acknowledges an accepted job.
type SubmitJobResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	Module    string `json:"module"`
	Target    string `json:"target"`
	Workspace string `json:"workspace"`
}

// JobResponse is the API projection of a job record.
type JobResponse struct {
	JobID       string          `json:"job_id"`
	Workspace   string          `json:"workspace"`
	Module      string          `json:"module"`
	Target      string          `json:"target"`
	Status      string          `json:"status"`
	Attempt     int             `json:"attempt"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       string          `json:"error,omitempty"`
}

// ModuleResponse describes one registered module.
type ModuleResponse struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// HealthzResponse is the GET /healthz body.
type HealthzResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	QueueDepth    int    `json:"queue_depth"`
	ModulesLoaded int    `json:"modules_loaded"`
}

// ErrorResponse is the uniform error body.
type ErrorResponse struct {
	Error string `json:"error"`
}
