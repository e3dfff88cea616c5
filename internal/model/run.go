package model

import (
	"time"
)

// RunStatus represents the lifecycle state of a visibility run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// runTransitions lists the allowed next states for each status.
var runTransitions = map[RunStatus][]RunStatus{
	RunStatusPending: {RunStatusRunning, RunStatusFailed},
	RunStatusRunning: {RunStatusCompleted, RunStatusFailed},
}

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further transitions are possible from s.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// Active reports whether a run in status s blocks a new run with the same
// fingerprint. Everything except failed counts.
func (s RunStatus) Active() bool {
	return s.Valid() && s != RunStatusFailed
}

// CanTransition reports whether a run may move from s to next.
func (s RunStatus) CanTransition(next RunStatus) bool {
	for _, allowed := range runTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Run is a single batch of prompts evaluated against a set of models and
// scored for a set of brands.
type Run struct {
	ID          string    `json:"id"`
	Status      RunStatus `json:"status"`
	Fingerprint string    `json:"fingerprint"`
	Notes       string    `json:"notes,omitempty"`
	Models      []string  `json:"models"`
	Error       string    `json:"error,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Task is one (prompt, model) unit of work. Brands are not part of the key:
// a prompt is answered once per model and then scored against every brand.
type Task struct {
	RunID  string `json:"run_id"`
	Prompt Prompt `json:"prompt"`
	Model  string `json:"model"`
}

// Key returns the identity of the task within its run.
func (t Task) Key() string {
	return t.Prompt.ID + "|" + t.Model
}

// CreateRunRequest is the input to run creation.
type CreateRunRequest struct {
	Brands  []string `json:"brands" yaml:"brands"`
	Prompts []string `json:"prompts" yaml:"prompts"`
	Models  []string `json:"models" yaml:"models"`
	Notes   string   `json:"notes,omitempty" yaml:"notes"`
}

// RunDetail is the full view of a run with its entities and responses.
type RunDetail struct {
	Run
	Brands    []Brand    `json:"brands"`
	Prompts   []Prompt   `json:"prompts"`
	Responses []Response `json:"responses"`
}
