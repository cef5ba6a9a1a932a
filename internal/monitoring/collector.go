package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/store"
)

// MetricsSnapshot holds a point-in-time view of system health.
type MetricsSnapshot struct {
	// Task metrics (within lookback window).
	TasksTotal     int     `json:"tasks_total"`
	TasksCompleted int     `json:"tasks_completed"`
	TasksFailed    int     `json:"tasks_failed"`
	TasksQueued    int     `json:"tasks_queued"`
	TasksRunning   int     `json:"tasks_running"`
	TaskFailRate   float64 `json:"task_fail_rate"`

	// Source metrics.
	ActiveSources int `json:"active_sources"`
	BrokenSources int `json:"broken_sources"`
	ReviewSources int `json:"review_sources"`

	// Ingestion backlog.
	UnprocessedDocs int `json:"unprocessed_docs"`

	// Metadata.
	LookbackHours int       `json:"lookback_hours"`
	CollectedAt   time.Time `json:"collected_at"`
}

// Collector gathers metrics from the store.
type Collector struct {
	store store.Store
}

// NewCollector creates a new metrics collector.
func NewCollector(st store.Store) *Collector {
	return &Collector{store: st}
}

// Collect gathers a snapshot of system metrics over the given lookback window.
func (c *Collector) Collect(ctx context.Context, lookbackHours int) (*MetricsSnapshot, error) {
	snap := &MetricsSnapshot{
		LookbackHours: lookbackHours,
		CollectedAt:   time.Now().UTC(),
	}

	cutoff := time.Now().UTC().Add(-time.Duration(lookbackHours) * time.Hour)

	tasks, err := c.store.ListTasks(ctx, store.TaskFilter{
		CreatedAfter: cutoff,
		Limit:        10000,
	})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list tasks")
	}

	snap.TasksTotal = len(tasks)
	for _, t := range tasks {
		switch t.Status {
		case model.TaskCompleted:
			snap.TasksCompleted++
		case model.TaskFailed:
			snap.TasksFailed++
		case model.TaskQueued:
			snap.TasksQueued++
		case model.TaskRunning:
			snap.TasksRunning++
		}
	}
	if finished := snap.TasksCompleted + snap.TasksFailed; finished > 0 {
		snap.TaskFailRate = float64(snap.TasksFailed) / float64(finished)
	}

	sources, err := c.store.ListSources(ctx, store.SourceFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list sources")
	}
	for _, s := range sources {
		switch s.Status {
		case model.SourceActive:
			snap.ActiveSources++
		case model.SourceBroken:
			snap.BrokenSources++
		case model.SourceReview:
			snap.ReviewSources++
		}
	}

	unprocessed, err := c.store.ListUnprocessed(ctx, 10000)
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: list unprocessed")
	}
	snap.UnprocessedDocs = len(unprocessed)

	return snap, nil
}
