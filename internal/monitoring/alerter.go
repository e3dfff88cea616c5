package monitoring

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/visibility-engine/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertRunFailureRate AlertType = "run_failure_rate"
	AlertSlotsSaturated AlertType = "slots_saturated"
)

// minFinishedRuns is the sample size below which the failure rate is not
// evaluated.
const minFinishedRuns = 5

// Alert represents a single threshold breach.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds.
type Alerter struct {
	cfg config.MonitoringConfig
}

// NewAlerter creates a new Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{cfg: cfg}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.RunsCompleted + snap.RunsFailed
	if a.cfg.FailureRateThreshold > 0 && finished >= minFinishedRuns && snap.RunFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertRunFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Run failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished)",
				snap.RunFailRate*100, a.cfg.FailureRateThreshold*100, snap.RunsFailed, finished,
			),
			Details: map[string]any{
				"failure_rate": snap.RunFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.RunsFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if snap.SlotsTotal > 0 && snap.SlotsInFlight >= snap.SlotsTotal && snap.RunsRunning > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertSlotsSaturated,
			Severity: "low",
			Message: fmt.Sprintf(
				"All %d request slots in use with %d runs running",
				snap.SlotsTotal, snap.RunsRunning,
			),
			Details: map[string]any{
				"slots":   snap.SlotsTotal,
				"running": snap.RunsRunning,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// Report logs each alert and returns how many were logged.
func (a *Alerter) Report(alerts []Alert) int {
	for _, alert := range alerts {
		zap.L().Warn("monitoring: alert",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
			zap.String("message", alert.Message),
			zap.Any("details", alert.Details),
		)
	}
	return len(alerts)
}
