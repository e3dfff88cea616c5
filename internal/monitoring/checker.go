package monitoring

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/config"
)

// Checker runs periodic metric collection and alert checks in the background.
type Checker struct {
	collector *Collector
	alerter   *Alerter
	cfg       config.MonitoringConfig
}

// NewChecker creates a background alert checker.
func NewChecker(collector *Collector, alerter *Alerter, cfg config.MonitoringConfig) *Checker {
	return &Checker{
		collector: collector,
		alerter:   alerter,
		cfg:       cfg,
	}
}

// Run starts the periodic check loop. It blocks until ctx is cancelled.
func (c *Checker) Run(ctx context.Context) {
	interval := time.Duration(c.cfg.CheckIntervalSecs) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}

	log := zap.L().With(zap.String("component", "monitoring.checker"))
	log.Info("starting health checker", zap.Duration("interval", interval))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("health checker stopped")
			return
		case <-ticker.C:
			c.check(ctx, log)
		}
	}
}

func (c *Checker) check(ctx context.Context, log *zap.Logger) int {
	snap, err := c.collector.Collect(ctx)
	if err != nil {
		log.Error("monitoring: failed to collect metrics", zap.Error(err))
		return 0
	}

	log.Info("monitoring: snapshot",
		zap.Int("runs_pending", snap.RunsPending),
		zap.Int("runs_running", snap.RunsRunning),
		zap.Int("runs_completed", snap.RunsCompleted),
		zap.Int("runs_failed", snap.RunsFailed),
		zap.Int64("slots_in_flight", snap.SlotsInFlight),
		zap.Int64("slots_high_water", snap.SlotsHighWater),
	)

	alerts := c.alerter.Evaluate(snap)
	if len(alerts) == 0 {
		log.Debug("monitoring: no alerts triggered")
		return 0
	}
	return c.alerter.Report(alerts)
}
