// Package registry manages the source catalog: health bookkeeping,
// automatic remediation of failing sources, and the per-jurisdiction
// acquisition plan.
package registry

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/monitoring"
	"github.com/civicsignal/billcost/internal/store"
)

// Notifier delivers alerts raised by the registry. *monitoring.Alerter
// satisfies it.
type Notifier interface {
	SendAlerts(ctx context.Context, alerts []monitoring.Alert) int
}

// Registry wraps the store with source health policy.
type Registry struct {
	store    store.Store
	notifier Notifier
	window   int
}

// New creates a Registry. window is the number of consecutive degraded
// outcomes that flips a source to broken.
func New(st store.Store, notifier Notifier, window int) *Registry {
	if window <= 0 {
		window = 3
	}
	return &Registry{store: st, notifier: notifier, window: window}
}

// RecordHealth appends a health observation and evaluates remediation.
// A source whose last `window` outcomes are all degraded is marked broken,
// excluded from future sweeps, and an alert is raised. Health history is
// append-only; remediation never rewrites past records. Returns whether
// the source was flipped to broken by this observation.
func (r *Registry) RecordHealth(ctx context.Context, src model.Source, rec model.SourceHealthRecord) (bool, error) {
	rec.SourceID = src.ID
	if err := r.store.AppendHealth(ctx, rec); err != nil {
		return false, eris.Wrap(err, "registry: record health")
	}

	if !rec.Outcome.Degraded() || src.Status != model.SourceActive {
		return false, nil
	}

	recent, err := r.store.RecentHealth(ctx, src.ID, r.window)
	if err != nil {
		return false, eris.Wrap(err, "registry: evaluate health")
	}
	if len(recent) < r.window {
		return false, nil
	}
	for _, h := range recent {
		if !h.Outcome.Degraded() {
			return false, nil
		}
	}

	if err := r.store.UpdateSourceStatus(ctx, src.ID, model.SourceBroken); err != nil {
		return false, eris.Wrap(err, "registry: mark source broken")
	}
	zap.L().Warn("registry: source marked broken",
		zap.String("source_id", src.ID),
		zap.String("url", src.URL),
		zap.Int("consecutive_failures", r.window),
	)

	if r.notifier != nil {
		r.notifier.SendAlerts(ctx, []monitoring.Alert{monitoring.SourceBroken(src, recent)})
	}
	return true, nil
}

// Reactivate returns a broken or review source to active rotation. This
// is the manual recovery path after an operator fixes or approves a
// source; health history is kept.
func (r *Registry) Reactivate(ctx context.Context, sourceID string) error {
	src, err := r.store.GetSource(ctx, sourceID)
	if err != nil {
		return eris.Wrap(err, "registry: reactivate")
	}
	if src.Status == model.SourceActive {
		return eris.Errorf("registry: source %s is already active", sourceID)
	}
	if err := r.store.UpdateSourceStatus(ctx, sourceID, model.SourceActive); err != nil {
		return eris.Wrap(err, "registry: reactivate")
	}
	// Synthetic success restarts the consecutive-failure window, so one
	// bad sweep against stale history cannot re-break the source.
	if err := r.store.AppendHealth(ctx, model.SourceHealthRecord{
		SourceID: sourceID,
		Outcome:  model.HealthSuccess,
	}); err != nil {
		return eris.Wrap(err, "registry: reactivate health record")
	}
	zap.L().Info("registry: source reactivated",
		zap.String("source_id", sourceID),
		zap.String("previous_status", string(src.Status)),
	)
	return nil
}
