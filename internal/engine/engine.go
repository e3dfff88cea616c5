// Package engine orchestrates visibility runs: dedup of run requests,
// background fan-out of provider calls, and run finalization.
package engine

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/cost"
	"github.com/sells-group/visibility-engine/internal/identity"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/normalize"
	"github.com/sells-group/visibility-engine/internal/provider"
	"github.com/sells-group/visibility-engine/internal/secrets"
	"github.com/sells-group/visibility-engine/internal/store"
)

// ErrInvalidRequest is returned for run requests that cannot be planned.
var ErrInvalidRequest = eris.New("engine: invalid request")

// ErrUnknownProvider is returned when a credential names no known provider.
var ErrUnknownProvider = eris.New("engine: unknown provider")

// DefaultModels is used when a request names no models.
var DefaultModels = []string{"mock-model"}

// Router resolves and invokes models. *provider.Router implements it.
type Router interface {
	Invoker
	Validate(models []string) error
	ListModels() map[string][]string
	SetCredential(name, key string) error
	Known(name string) bool
}

// Engine is the entry point for run operations.
type Engine struct {
	store   store.Store
	router  Router
	limiter *Limiter
	sched   *Scheduler
	sealer  *secrets.Sealer

	wg sync.WaitGroup
}

// New creates an Engine. sealer may be nil, which disables the credential
// settings.
func New(st store.Store, router Router, limiter *Limiter, costs *cost.Calculator, sealer *secrets.Sealer) *Engine {
	return &Engine{
		store:   st,
		router:  router,
		limiter: limiter,
		sched:   NewScheduler(st, router, limiter, costs),
		sealer:  sealer,
	}
}

// Limiter returns the shared concurrency limiter.
func (e *Engine) Limiter() *Limiter { return e.limiter }

// CreateRun deduplicates the request, stores a new pending run when no
// active run matches, and starts it in the background. It returns the run
// and whether it was created by this call. When a model cannot be served the
// run is stored as failed and returned together with the config error.
func (e *Engine) CreateRun(ctx context.Context, req model.CreateRunRequest) (*model.Run, bool, error) {
	brands := normalize.Unique(req.Brands)
	prompts := normalize.Unique(req.Prompts)
	models := normalize.Unique(req.Models)
	if len(models) == 0 {
		models = normalize.Unique(DefaultModels)
	}
	if len(brands) == 0 {
		return nil, false, eris.Wrap(ErrInvalidRequest, "at least one brand is required")
	}
	if len(prompts) == 0 {
		return nil, false, eris.Wrap(ErrInvalidRequest, "at least one prompt is required")
	}

	fp := identity.Fingerprint(normalize.Values(brands), normalize.Values(prompts), normalize.Values(models))
	log := zap.L().With(zap.String("fingerprint", fp))

	existing, err := e.store.FindActiveRun(ctx, fp)
	switch {
	case err == nil:
		log.Info("run request matched existing run", zap.String("run_id", existing.ID), zap.String("status", string(existing.Status)))
		return existing, false, nil
	case !errors.Is(err, store.ErrNotFound):
		return nil, false, eris.Wrap(err, "engine: find active run")
	}

	// Unservable runs are inserted failed and never match as active.
	newRun := store.NewRun{
		Fingerprint: fp,
		Notes:       req.Notes,
		Brands:      brands,
		Prompts:     prompts,
		Models:      normalize.Values(models),
	}
	verr := e.router.Validate(newRun.Models)
	if verr != nil {
		newRun.Status = model.RunStatusFailed
		newRun.Error = verr.Error()
	}

	run, created, err := e.store.CreateRun(ctx, newRun)
	if err != nil {
		return nil, false, eris.Wrap(err, "engine: create run")
	}
	if !created {
		return run, false, nil
	}
	log = log.With(zap.String("run_id", run.ID))

	if verr != nil {
		log.Warn("run failed validation", zap.Error(verr))
		return run, true, verr
	}

	log.Info("run created",
		zap.Int("brands", len(brands)),
		zap.Int("prompts", len(prompts)),
		zap.Strings("models", run.Models),
	)
	e.start(ctx, run, nil)
	return run, true, nil
}

// start processes run in a background goroutine tracked by Wait. The work
// outlives ctx's cancellation.
func (e *Engine) start(ctx context.Context, run *model.Run, done map[string]bool) {
	bg := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.process(bg, run, done)
	}()
}

// process moves a run to running (if pending) and dispatches the tasks not
// in done.
func (e *Engine) process(ctx context.Context, run *model.Run, done map[string]bool) {
	log := zap.L().With(zap.String("run_id", run.ID))

	if run.Status == model.RunStatusPending {
		ok, err := e.store.TransitionRun(ctx, run.ID, model.RunStatusPending, model.RunStatusRunning, "")
		if err != nil {
			log.Error("start run", zap.Error(err))
			return
		}
		if !ok {
			log.Info("run already started")
			return
		}
		run.Status = model.RunStatusRunning
	}

	brands, err := e.store.RunBrands(ctx, run.ID)
	if err == nil {
		var prompts []model.Prompt
		if prompts, err = e.store.RunPrompts(ctx, run.ID); err == nil {
			e.sched.Dispatch(ctx, NewPlan(run, brands, prompts).Without(done))
			return
		}
	}

	log.Error("load run entities", zap.Error(err))
	if _, terr := e.store.TransitionRun(ctx, run.ID, model.RunStatusRunning, model.RunStatusFailed, err.Error()); terr != nil {
		log.Error("fail run", zap.Error(terr))
	}
}

// Wait blocks until every background run started by this engine returns.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Resume restarts runs left pending or running by a previous process.
// Tasks that already have a Response are skipped. Pending runs whose models
// can no longer be served are failed.
func (e *Engine) Resume(ctx context.Context) (int, error) {
	var resumed int
	for _, status := range []model.RunStatus{model.RunStatusPending, model.RunStatusRunning} {
		runs, err := e.listAll(ctx, status)
		if err != nil {
			return resumed, err
		}
		for i := range runs {
			run := runs[i]
			log := zap.L().With(zap.String("run_id", run.ID), zap.String("status", string(run.Status)))

			if run.Status == model.RunStatusPending {
				if verr := e.router.Validate(run.Models); verr != nil {
					if _, err := e.store.TransitionRun(ctx, run.ID, model.RunStatusPending, model.RunStatusFailed, verr.Error()); err != nil {
						return resumed, eris.Wrap(err, "engine: fail run")
					}
					log.Warn("pending run failed validation on resume", zap.Error(verr))
					continue
				}
			}

			responses, err := e.store.ListResponses(ctx, run.ID)
			if err != nil {
				return resumed, eris.Wrap(err, "engine: list responses")
			}
			done := make(map[string]bool, len(responses))
			for _, r := range responses {
				done[model.Task{Prompt: model.Prompt{ID: r.PromptID}, Model: r.Model}.Key()] = true
			}

			log.Info("resuming run", zap.Int("recorded_responses", len(responses)))
			e.start(ctx, &run, done)
			resumed++
		}
	}
	return resumed, nil
}

func (e *Engine) listAll(ctx context.Context, status model.RunStatus) ([]model.Run, error) {
	const page = 500
	var out []model.Run
	for offset := 0; ; offset += page {
		runs, err := e.store.ListRuns(ctx, store.RunFilter{Status: status, Limit: page, Offset: offset})
		if err != nil {
			return nil, eris.Wrapf(err, "engine: list %s runs", status)
		}
		out = append(out, runs...)
		if len(runs) < page {
			return out, nil
		}
	}
}

// GetRun returns a run with its brands, prompts and responses.
func (e *Engine) GetRun(ctx context.Context, runID string) (*model.RunDetail, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "engine: get run")
	}
	brands, err := e.store.RunBrands(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "engine: run brands")
	}
	prompts, err := e.store.RunPrompts(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "engine: run prompts")
	}
	responses, err := e.store.ListResponses(ctx, runID)
	if err != nil {
		return nil, eris.Wrap(err, "engine: list responses")
	}
	return &model.RunDetail{Run: *run, Brands: brands, Prompts: prompts, Responses: responses}, nil
}

// Summary aggregates a run's responses into visibility scores.
func (e *Engine) Summary(ctx context.Context, runID string) (*model.RunSummary, error) {
	detail, err := e.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return model.Summarize(detail), nil
}

// ListRuns lists runs newest first.
func (e *Engine) ListRuns(ctx context.Context, filter store.RunFilter) ([]model.Run, error) {
	runs, err := e.store.ListRuns(ctx, filter)
	if err != nil {
		return nil, eris.Wrap(err, "engine: list runs")
	}
	return runs, nil
}

// ListModels returns the models of every configured provider.
func (e *Engine) ListModels() map[string][]string {
	return e.router.ListModels()
}

// KeyInfo describes a stored provider credential without revealing it.
type KeyInfo struct {
	Provider  string    `json:"provider"`
	Hint      string    `json:"hint,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetAPIKey seals and stores a provider key and activates it immediately.
func (e *Engine) SetAPIKey(ctx context.Context, providerName, key string) error {
	if e.sealer == nil {
		return secrets.ErrNoKey
	}
	if !e.router.Known(providerName) {
		return eris.Wrapf(ErrUnknownProvider, "%q", providerName)
	}

	sealed, err := e.sealer.Seal(providerName, key)
	if err != nil {
		return err
	}
	if err := e.store.PutAPIKey(ctx, model.APIKey{Provider: providerName, SealedKey: sealed}); err != nil {
		return eris.Wrap(err, "engine: store api key")
	}
	if err := e.router.SetCredential(providerName, key); err != nil {
		return eris.Wrap(err, "engine: activate api key")
	}
	zap.L().Info("api key updated", zap.String("provider", providerName))
	return nil
}

// ListAPIKeyProviders lists the providers with a stored key.
func (e *Engine) ListAPIKeyProviders(ctx context.Context) ([]KeyInfo, error) {
	keys, err := e.store.ListAPIKeys(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "engine: list api keys")
	}
	out := make([]KeyInfo, 0, len(keys))
	for _, k := range keys {
		info := KeyInfo{Provider: k.Provider, UpdatedAt: k.UpdatedAt}
		if e.sealer != nil {
			if plain, err := e.sealer.Open(k.Provider, k.SealedKey); err == nil {
				info.Hint = secrets.Hint(plain)
			}
		}
		out = append(out, info)
	}
	return out, nil
}

// LoadStoredKeys activates stored keys, overriding configured ones. Keys
// that cannot be opened are skipped.
func (e *Engine) LoadStoredKeys(ctx context.Context) (int, error) {
	keys, err := e.store.ListAPIKeys(ctx)
	if err != nil {
		return 0, eris.Wrap(err, "engine: list api keys")
	}
	if len(keys) > 0 && e.sealer == nil {
		zap.L().Warn("stored api keys ignored: security.encryption_key not set", zap.Int("keys", len(keys)))
		return 0, nil
	}

	var loaded int
	for _, k := range keys {
		log := zap.L().With(zap.String("provider", k.Provider))
		plain, err := e.sealer.Open(k.Provider, k.SealedKey)
		if err != nil {
			log.Warn("stored api key could not be opened", zap.Error(err))
			continue
		}
		if err := e.router.SetCredential(k.Provider, plain); err != nil {
			log.Warn("stored api key rejected", zap.Error(err))
			continue
		}
		loaded++
	}
	return loaded, nil
}

var _ Router = (*provider.Router)(nil)
