package engine

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/visibility-engine/internal/cost"
	"github.com/sells-group/visibility-engine/internal/mention"
	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/provider"
	"github.com/sells-group/visibility-engine/internal/store"
)

// Invoker calls the model a task names.
type Invoker interface {
	Invoke(ctx context.Context, model, prompt string) (*provider.Completion, error)
}

// Plan is the work of one run.
type Plan struct {
	Run    *model.Run
	Brands []model.Brand
	Tasks  []model.Task
}

// NewPlan builds one task per (prompt, model) pair.
func NewPlan(run *model.Run, brands []model.Brand, prompts []model.Prompt) Plan {
	tasks := make([]model.Task, 0, len(prompts)*len(run.Models))
	for _, p := range prompts {
		for _, m := range run.Models {
			tasks = append(tasks, model.Task{RunID: run.ID, Prompt: p, Model: m})
		}
	}
	return Plan{Run: run, Brands: brands, Tasks: tasks}
}

// Without drops the tasks whose key is in done.
func (p Plan) Without(done map[string]bool) Plan {
	kept := make([]model.Task, 0, len(p.Tasks))
	for _, t := range p.Tasks {
		if !done[t.Key()] {
			kept = append(kept, t)
		}
	}
	p.Tasks = kept
	return p
}

// Scheduler executes the tasks of a plan under the shared Limiter.
type Scheduler struct {
	store   store.Store
	invoker Invoker
	limiter *Limiter
	costs   *cost.Calculator
}

// NewScheduler creates a Scheduler.
func NewScheduler(st store.Store, invoker Invoker, limiter *Limiter, costs *cost.Calculator) *Scheduler {
	return &Scheduler{store: st, invoker: invoker, limiter: limiter, costs: costs}
}

// Dispatch runs every task of plan and blocks until all are resolved. The
// run must already be running; it is moved to completed once, by whichever
// task finishes last. A task failure never stops its siblings.
func (s *Scheduler) Dispatch(ctx context.Context, plan Plan) {
	log := zap.L().With(zap.String("run_id", plan.Run.ID))
	log.Info("dispatching run", zap.Int("tasks", len(plan.Tasks)))

	if len(plan.Tasks) == 0 {
		s.finalize(ctx, plan.Run.ID, log)
		return
	}

	tracker := newRunTracker(len(plan.Tasks))

	// No errgroup.WithContext: one task must not cancel another.
	var g errgroup.Group
	for _, task := range plan.Tasks {
		g.Go(func() error {
			s.execute(ctx, task, plan.Brands, log)
			if tracker.done() {
				s.finalize(ctx, plan.Run.ID, log)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// execute performs one provider call and persists its Response.
func (s *Scheduler) execute(ctx context.Context, task model.Task, brands []model.Brand, log *zap.Logger) {
	log = log.With(zap.String("model", task.Model), zap.String("prompt_id", task.Prompt.ID))

	resp := model.Response{
		RunID:      task.RunID,
		PromptID:   task.Prompt.ID,
		PromptText: task.Prompt.Text,
		Model:      task.Model,
	}

	if err := s.limiter.Acquire(ctx); err != nil {
		resp.Error = err.Error()
		resp.ErrorKind = string(provider.KindCanceled)
		s.persist(ctx, &resp, log)
		return
	}
	start := time.Now()
	completion, err := s.invoker.Invoke(ctx, task.Model, task.Prompt.Text)
	resp.LatencyMs = float64(time.Since(start).Microseconds()) / 1000
	s.limiter.Release()

	if err != nil {
		pe := provider.Classify("", task.Model, err)
		resp.Provider = pe.Provider
		resp.Error = pe.Error()
		resp.ErrorKind = string(pe.Kind)
		log.Warn("task failed", zap.String("kind", resp.ErrorKind), zap.Error(err))
	} else {
		resp.Provider = completion.Provider
		resp.RawText = completion.Text
		resp.InputTokens = completion.InputTokens
		resp.OutputTokens = completion.OutputTokens
		resp.CostUSD = s.costs.Estimate(task.Model, completion.InputTokens, completion.OutputTokens)
		resp.Mentions = mention.ForResponse(resp, brands)
	}

	s.persist(ctx, &resp, log)
}

func (s *Scheduler) persist(ctx context.Context, resp *model.Response, log *zap.Logger) {
	saved, err := s.store.SaveResponse(ctx, resp)
	switch {
	case err != nil:
		log.Error("save response", zap.Error(err))
	case !saved:
		log.Debug("response already recorded")
	default:
		log.Debug("task complete",
			zap.Float64("latency_ms", resp.LatencyMs),
			zap.Bool("failed", resp.Failed()),
		)
	}
}

func (s *Scheduler) finalize(ctx context.Context, runID string, log *zap.Logger) {
	ok, err := s.store.TransitionRun(ctx, runID, model.RunStatusRunning, model.RunStatusCompleted, "")
	if err != nil {
		log.Error("finalize run", zap.Error(err))
		return
	}
	if ok {
		log.Info("run completed")
	}
}
