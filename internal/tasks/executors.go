package tasks

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"

	"github.com/civicsignal/billcost/internal/acquire"
	"github.com/civicsignal/billcost/internal/analysis"
	"github.com/civicsignal/billcost/internal/ingest"
	"github.com/civicsignal/billcost/internal/store"
)

// AnalysisExecutor adapts the analysis pipeline to the worker pool.
// One executor serves research, generate and review; the task type
// selects the stage.
func AnalysisExecutor(p *analysis.Pipeline) Executor {
	return func(ctx context.Context, job Job) (*Result, error) {
		out, err := p.RunStage(ctx, job.Task, job.Request)
		if err != nil {
			return nil, err
		}
		return &Result{
			Output:     out.Result,
			ContextRef: out.ContextRef,
			ModelUsed:  out.ModelUsed,
			ImpactID:   out.ImpactID,
		}, nil
	}
}

// ScrapeExecutor runs an acquisition sweep for the task's jurisdiction
// and then drains the ingestion backlog so new documents become
// searchable before the task completes.
func ScrapeExecutor(st store.Store, runner *acquire.Runner, ing *ingest.Ingestor) Executor {
	return func(ctx context.Context, job Job) (*Result, error) {
		j, err := st.GetJurisdiction(ctx, job.Task.JurisdictionID)
		if err != nil {
			return nil, eris.Wrap(err, "tasks: load jurisdiction")
		}

		summary, err := runner.Run(ctx, *j)
		if err != nil {
			return nil, err
		}

		// A zero limit would drain the default backlog size, not nothing.
		var ingested int
		if summary.NewDocuments > 0 {
			ingested, err = ing.RunBacklog(ctx, summary.NewDocuments)
			if err != nil {
				return nil, eris.Wrap(err, "tasks: ingest after sweep")
			}
		}

		out, err := json.Marshal(struct {
			*acquire.Summary
			Ingested int `json:"ingested"`
		}{summary, ingested})
		if err != nil {
			return nil, eris.Wrap(err, "tasks: encode sweep summary")
		}
		return &Result{Output: out}, nil
	}
}
