package monitoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicsignal/billcost/internal/config"
	"github.com/civicsignal/billcost/internal/model"
)

// AlertType identifies the kind of alert.
type AlertType string

const (
	AlertSourceBroken    AlertType = "source_broken"
	AlertTaskFailureRate AlertType = "task_failure_rate"
	AlertIngestBacklog   AlertType = "ingest_backlog"
)

// Alert represents a single alert to be sent.
type Alert struct {
	Type      AlertType      `json:"type"`
	Severity  string         `json:"severity"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Alerter evaluates a MetricsSnapshot against configured thresholds and
// sends alerts via webhook when thresholds are breached. It also delivers
// one-off alerts raised directly by the registry when a source breaks.
type Alerter struct {
	cfg    config.AlertConfig
	client *http.Client
}

// NewAlerter creates a new Alerter with the given alert config.
func NewAlerter(cfg config.AlertConfig) *Alerter {
	return &Alerter{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
	}
}

// SourceBroken builds the alert raised when consecutive failures flip a
// source to broken.
func SourceBroken(src model.Source, recent []model.SourceHealthRecord) Alert {
	outcomes := make([]string, 0, len(recent))
	for _, r := range recent {
		outcomes = append(outcomes, string(r.Outcome))
	}
	return Alert{
		Type:     AlertSourceBroken,
		Severity: "high",
		Message: fmt.Sprintf(
			"Source %s (%s) marked broken after %d consecutive failures",
			src.ID, src.URL, len(recent),
		),
		Details: map[string]any{
			"source_id":       src.ID,
			"jurisdiction_id": src.JurisdictionID,
			"url":             src.URL,
			"category":        src.Category,
			"recent_outcomes": outcomes,
		},
		Timestamp: time.Now().UTC(),
	}
}

// Evaluate checks the snapshot against thresholds and returns any alerts.
func (a *Alerter) Evaluate(snap *MetricsSnapshot) []Alert {
	var alerts []Alert
	now := time.Now().UTC()

	finished := snap.TasksCompleted + snap.TasksFailed
	if finished >= 5 && snap.TaskFailRate > a.cfg.FailureRateThreshold {
		alerts = append(alerts, Alert{
			Type:     AlertTaskFailureRate,
			Severity: "high",
			Message: fmt.Sprintf(
				"Task failure rate %.1f%% exceeds threshold %.1f%% (%d failed / %d finished in last %dh)",
				snap.TaskFailRate*100, a.cfg.FailureRateThreshold*100,
				snap.TasksFailed, finished, snap.LookbackHours,
			),
			Details: map[string]any{
				"failure_rate": snap.TaskFailRate,
				"threshold":    a.cfg.FailureRateThreshold,
				"failed":       snap.TasksFailed,
				"finished":     finished,
			},
			Timestamp: now,
		})
	}

	if snap.BrokenSources > 0 {
		alerts = append(alerts, Alert{
			Type:     AlertSourceBroken,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d source(s) currently marked broken and excluded from acquisition",
				snap.BrokenSources,
			),
			Details: map[string]any{
				"broken_sources": snap.BrokenSources,
			},
			Timestamp: now,
		})
	}

	if snap.UnprocessedDocs >= 100 {
		alerts = append(alerts, Alert{
			Type:     AlertIngestBacklog,
			Severity: "medium",
			Message: fmt.Sprintf(
				"%d raw document(s) are waiting for ingestion",
				snap.UnprocessedDocs,
			),
			Details: map[string]any{
				"unprocessed_docs": snap.UnprocessedDocs,
			},
			Timestamp: now,
		})
	}

	return alerts
}

// SendAlerts delivers alerts to the configured webhook URL.
// Returns the number of alerts successfully sent.
func (a *Alerter) SendAlerts(ctx context.Context, alerts []Alert) int {
	if a.cfg.WebhookURL == "" || len(alerts) == 0 {
		return 0
	}

	sent := 0
	for _, alert := range alerts {
		if err := a.sendWebhook(ctx, alert); err != nil {
			zap.L().Error("monitoring: failed to send alert",
				zap.String("type", string(alert.Type)),
				zap.Error(err),
			)
			continue
		}
		zap.L().Info("monitoring: alert sent",
			zap.String("type", string(alert.Type)),
			zap.String("severity", alert.Severity),
		)
		sent++
	}
	return sent
}

// sendWebhook posts a single alert to the webhook URL.
func (a *Alerter) sendWebhook(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return eris.Wrap(err, "monitoring: marshal alert")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.WebhookURL, bytes.NewReader(payload))
	if err != nil {
		return eris.Wrap(err, "monitoring: create webhook request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return eris.Wrap(err, "monitoring: webhook request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 400 {
		return eris.Errorf("monitoring: webhook returned status %d", resp.StatusCode)
	}
	return nil
}
