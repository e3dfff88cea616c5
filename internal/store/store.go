// Package store persists runs, the brand and prompt catalog, responses with
// their mentions, and sealed provider credentials.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/normalize"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = eris.New("store: not found")

// RunFilter specifies criteria for listing runs.
type RunFilter struct {
	Status model.RunStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// DefaultListLimit caps ListRuns when no limit is given.
const DefaultListLimit = 100

// NewRun is the input of CreateRun. Brands and Prompts are already
// deduplicated by canonical key. Status is pending when empty; a run known to
// be unservable is inserted as failed with Error set.
type NewRun struct {
	Fingerprint string
	Notes       string
	Brands      []normalize.Entry
	Prompts     []normalize.Entry
	Models      []string
	Status      model.RunStatus
	Error       string
}

// Store defines the persistence contract of the run engine.
type Store interface {
	// CreateRun inserts a pending run together with its brand and prompt
	// associations. If a non-failed run with the same fingerprint already
	// exists, that run is returned with created=false and nothing is written.
	CreateRun(ctx context.Context, in NewRun) (run *model.Run, created bool, err error)
	// FindActiveRun returns the non-failed run with the given fingerprint or
	// ErrNotFound.
	FindActiveRun(ctx context.Context, fingerprint string) (*model.Run, error)
	GetRun(ctx context.Context, runID string) (*model.Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]model.Run, error)
	// CountRuns returns the number of runs in each status. Statuses without
	// runs are absent.
	CountRuns(ctx context.Context) (map[model.RunStatus]int, error)
	RunBrands(ctx context.Context, runID string) ([]model.Brand, error)
	// RunPrompts returns the run's prompts in request order.
	RunPrompts(ctx context.Context, runID string) ([]model.Prompt, error)
	// TransitionRun moves a run from one status to another only if it is
	// still in `from`. It reports whether this call made the change. reason
	// is stored as the run error when moving to failed.
	TransitionRun(ctx context.Context, runID string, from, to model.RunStatus, reason string) (bool, error)

	// SaveResponse stores a response and its mentions atomically. It
	// reports false, writing nothing, when the (run, prompt, model) slot is
	// already filled.
	SaveResponse(ctx context.Context, resp *model.Response) (bool, error)
	// ListResponses returns a run's responses with prompt text and mentions.
	ListResponses(ctx context.Context, runID string) ([]model.Response, error)

	PutAPIKey(ctx context.Context, key model.APIKey) error
	GetAPIKey(ctx context.Context, provider string) (*model.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]model.APIKey, error)

	Ping(ctx context.Context) error
	Migrate(ctx context.Context) error
	Close() error
}

func newID() string {
	return uuid.New().String()
}

func now() time.Time {
	return time.Now().UTC()
}

// newRunRecord builds the row CreateRun inserts.
func newRunRecord(in NewRun) (*model.Run, error) {
	run := &model.Run{
		ID:          newID(),
		Status:      model.RunStatusPending,
		Fingerprint: in.Fingerprint,
		Notes:       in.Notes,
		Models:      in.Models,
	}
	switch in.Status {
	case "", model.RunStatusPending:
	case model.RunStatusFailed:
		run.Status = model.RunStatusFailed
		run.Error = in.Error
	default:
		return nil, eris.Errorf("store: a run cannot start as %s", in.Status)
	}
	run.CreatedAt = now()
	run.UpdatedAt = run.CreatedAt
	return run, nil
}

func checkTransition(from, to model.RunStatus) error {
	if !from.CanTransition(to) {
		return eris.Errorf("store: illegal run transition %s -> %s", from, to)
	}
	return nil
}

// prepareResponse fills generated fields before insert.
func prepareResponse(resp *model.Response) {
	if resp.ID == "" {
		resp.ID = newID()
	}
	if resp.CreatedAt.IsZero() {
		resp.CreatedAt = now()
	}
	for i := range resp.Mentions {
		resp.Mentions[i].ResponseID = resp.ID
	}
}
