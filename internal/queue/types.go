package queue

import (
	"encoding/json"
	"errors"
	"time"
)

type Status string

const (
	StatusQueued   Status = "queued"
	StatusRunning  Status = "running"
	StatusFinished Status = "finished"
	StatusFailed   Status = "failed"
)

// Terminal reports whether a status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusFinished || s == StatusFailed
}

// Job is one requested module execution against a target, tracked through
// its lifecycle. A row is written at creation and updated at every state
// transition; it is the durable metadata record.
type Job struct {
	ID          string
	Workspace   string
	Module      string
	Target      string
	OutDir      string
	Options     json.RawMessage
	Status      Status
	Attempt     int
	MaxAttempts int
	CreatedAt   time.Time
	StartedAt   *time.Time
	CompletedAt *time.Time
	NextRetryAt *time.Time
	LastError   *string
	Result      json.RawMessage
}

// EnqueueRequest carries the fields of a job submission.
type EnqueueRequest struct {
	Workspace   string
	Module      string
	Target      string
	OutDir      string
	Options     json.RawMessage
	MaxAttempts int
}

var ErrJobNotFound = errors.New("job not found")
