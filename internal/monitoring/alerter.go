package monitoring

import (
	"fmt"
	"time"

	"github.com/sells-group/metric-attribution/internal/config"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertTaskFailureRate AlertType = "task_failure_rate"
	AlertStalledTasks    AlertType = "stalled_tasks"
)

// minFinishedForRate is the sample size below which the fail rate is ignored.
const minFinishedForRate = 5

// Alert is a single threshold breach.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a Snapshot against the configured thresholds.
type Alerter struct {
	cfg config.MonitoringConfig
}

// NewAlerter creates an Alerter with the given monitoring config.
func NewAlerter(cfg config.MonitoringConfig) *Alerter {
	return &Alerter{cfg: cfg}
}

// Evaluate returns the alerts the snapshot triggers.
func (a *Alerter) Evaluate(snap *Snapshot) []Alert {
	var alerts []Alert
	now := snap.CollectedAt

	finished := snap.Success + snap.Failed
	if finished >= minFinishedForRate && snap.FailRate > a.cfg.FailRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertTaskFailureRate,
			Severity: "high",
			Message: fmt.Sprintf("task failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.FailRate*100, a.cfg.FailRateThreshold*100, snap.Failed, finished, snap.LookbackHours),
			Details: map[string]any{
				"failure_rate": snap.FailRate,
				"threshold":    a.cfg.FailRateThreshold,
				"failed":       snap.Failed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	// Pending tasks with an empty backlog were lost by a restarted process.
	if snap.Pending > 0 && snap.Running == 0 && snap.QueueDepth == 0 {
		alerts = append(alerts, Alert{
			Type:      AlertStalledTasks,
			Severity:  "medium",
			Message:   fmt.Sprintf("%d task(s) pending with no worker activity in last %dh", snap.Pending, snap.LookbackHours),
			Details:   map[string]any{"pending": snap.Pending},
			Timestamp: now,
		})
	}

	return alerts
}
