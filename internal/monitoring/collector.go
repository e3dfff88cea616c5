// Package monitoring collects run and concurrency metrics and evaluates them
// against alert thresholds.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/visibility-engine/internal/model"
)

// MetricsSnapshot holds a point-in-time view of engine health.
type MetricsSnapshot struct {
	RunsPending   int `json:"runs_pending"`
	RunsRunning   int `json:"runs_running"`
	RunsCompleted int `json:"runs_completed"`
	RunsFailed    int `json:"runs_failed"`
	RunsTotal     int `json:"runs_total"`
	// RunFailRate is failed / (completed + failed).
	RunFailRate float64 `json:"run_fail_rate"`

	SlotsTotal     int64 `json:"slots_total"`
	SlotsInFlight  int64 `json:"slots_in_flight"`
	SlotsHighWater int64 `json:"slots_high_water"`

	CollectedAt time.Time `json:"collected_at"`
}

// RunCounter abstracts the store method needed by the collector.
type RunCounter interface {
	CountRuns(ctx context.Context) (map[model.RunStatus]int, error)
}

// SlotGauge abstracts the engine limiter. *engine.Limiter implements it.
type SlotGauge interface {
	Size() int64
	InFlight() int64
	HighWater() int64
}

// Collector gathers metrics from the store and the shared limiter.
type Collector struct {
	runs  RunCounter
	slots SlotGauge
}

// NewCollector creates a new metrics collector. slots may be nil.
func NewCollector(runs RunCounter, slots SlotGauge) *Collector {
	return &Collector{runs: runs, slots: slots}
}

// Collect gathers a snapshot of engine metrics.
func (c *Collector) Collect(ctx context.Context) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{CollectedAt: time.Now().UTC()}

	counts, err := c.runs.CountRuns(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: count runs")
	}
	snap.RunsPending = counts[model.RunStatusPending]
	snap.RunsRunning = counts[model.RunStatusRunning]
	snap.RunsCompleted = counts[model.RunStatusCompleted]
	snap.RunsFailed = counts[model.RunStatusFailed]
	for _, n := range counts {
		snap.RunsTotal += n
	}
	if finished := snap.RunsCompleted + snap.RunsFailed; finished > 0 {
		snap.RunFailRate = float64(snap.RunsFailed) / float64(finished)
	}

	if c.slots != nil {
		snap.SlotsTotal = c.slots.Size()
		snap.SlotsInFlight = c.slots.InFlight()
		snap.SlotsHighWater = c.slots.HighWater()
	}

	return snap, nil
}
