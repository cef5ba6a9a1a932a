package acquire

import (
	"context"
	"errors"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/registry"
	"github.com/civicsignal/billcost/internal/store"
)

// Summary reports the outcome of one acquisition sweep for a
// jurisdiction.
type Summary struct {
	JurisdictionID string   `json:"jurisdiction_id"`
	SourcesTried   int      `json:"sources_tried"`
	ItemsFetched   int      `json:"items_fetched"`
	NewDocuments   int      `json:"new_documents"`
	Duplicates     int      `json:"duplicates"`
	FailedSources  []string `json:"failed_sources,omitempty"`
	UsedFallback   bool     `json:"used_fallback"`
	Merged         bool     `json:"merged"`
}

// Runner executes acquisition sweeps against a jurisdiction's sources.
type Runner struct {
	store         store.Store
	registry      *registry.Registry
	fetchers      map[model.AcquisitionMethod]Fetcher
	maxConcurrent int
}

// NewRunner creates a Runner. Fetchers are indexed by the acquisition
// method they serve.
func NewRunner(st store.Store, reg *registry.Registry, maxConcurrent int, fetchers ...Fetcher) *Runner {
	byMethod := make(map[model.AcquisitionMethod]Fetcher, len(fetchers))
	for _, f := range fetchers {
		byMethod[f.Method()] = f
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Runner{
		store:         st,
		registry:      reg,
		fetchers:      byMethod,
		maxConcurrent: maxConcurrent,
	}
}

// Run performs one sweep for the jurisdiction, honoring its source
// priority. Fallback sources run only when the primary group yields
// nothing; for both_merge jurisdictions both groups always run and
// results are merged with API values winning. Every attempt is recorded
// in source health regardless of outcome.
func (r *Runner) Run(ctx context.Context, j model.Jurisdiction) (*Summary, error) {
	sources, err := r.store.ListSources(ctx, store.SourceFilter{JurisdictionID: j.ID})
	if err != nil {
		return nil, eris.Wrap(err, "acquire: list sources")
	}

	plan := registry.Resolve(j, sources)
	if plan.Empty() {
		return nil, eris.Errorf("acquire: jurisdiction %s has no usable sources", j.ID)
	}

	summary := &Summary{JurisdictionID: j.ID, Merged: plan.Merge}

	primaryItems, primaryErrs := r.fetchGroup(ctx, plan.Primary, summary)

	var items []Item
	var allErrs []*SourceError
	allErrs = append(allErrs, primaryErrs...)

	switch {
	case plan.Merge:
		fallbackItems, fallbackErrs := r.fetchGroup(ctx, plan.Fallback, summary)
		allErrs = append(allErrs, fallbackErrs...)
		items = mergeItems(primaryItems, fallbackItems)
	case len(primaryItems) == 0 && len(plan.Fallback) > 0:
		summary.UsedFallback = true
		fallbackItems, fallbackErrs := r.fetchGroup(ctx, plan.Fallback, summary)
		allErrs = append(allErrs, fallbackErrs...)
		items = fallbackItems
	default:
		items = primaryItems
	}

	if len(items) == 0 && len(allErrs) > 0 && len(allErrs) == summary.SourcesTried {
		return summary, &AcquisitionError{JurisdictionID: j.ID, Errors: allErrs}
	}

	summary.ItemsFetched = len(items)
	for _, it := range items {
		sourceID := it.sourceID
		if sourceID == "" && len(plan.Primary) > 0 {
			sourceID = plan.Primary[0].ID
		}
		doc := model.RawDocument{
			SourceID:    sourceID,
			ContentType: it.ContentType,
			Payload:     it.Payload,
		}
		_, inserted, err := r.store.InsertRawDocument(ctx, doc)
		if err != nil {
			return summary, eris.Wrap(err, "acquire: store document")
		}
		if inserted {
			summary.NewDocuments++
		} else {
			summary.Duplicates++
		}
	}

	zap.L().Info("acquire: sweep complete",
		zap.String("jurisdiction_id", j.ID),
		zap.Int("sources_tried", summary.SourcesTried),
		zap.Int("items", summary.ItemsFetched),
		zap.Int("new", summary.NewDocuments),
		zap.Int("duplicates", summary.Duplicates),
		zap.Bool("used_fallback", summary.UsedFallback),
	)
	return summary, nil
}

// fetchGroup fetches all sources in one priority group concurrently,
// recording health per source.
func (r *Runner) fetchGroup(ctx context.Context, sources []model.Source, summary *Summary) ([]Item, []*SourceError) {
	var (
		mu    sync.Mutex
		items []Item
		errs  []*SourceError
	)

	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxConcurrent)

	for _, src := range sources {
		summary.SourcesTried++
		g.Go(func() error {
			f, ok := r.fetchers[src.Method]
			if !ok {
				mu.Lock()
				errs = append(errs, &SourceError{SourceID: src.ID, URL: src.URL,
					Err: eris.Errorf("acquire: no fetcher for method %s", src.Method)})
				mu.Unlock()
				return nil
			}

			result, err := f.Fetch(gCtx, src)
			rec := model.SourceHealthRecord{Outcome: model.HealthSuccess}
			if err != nil {
				rec.Outcome = model.HealthFailed
				if gCtx.Err() != nil || isTimeout(err) {
					rec.Outcome = model.HealthTimeout
				}
			} else {
				rec.LatencyMS = result.Latency.Milliseconds()
				rec.ItemsFound = len(result.Items)
			}

			if _, herr := r.registry.RecordHealth(gCtx, src, rec); herr != nil {
				zap.L().Error("acquire: record health failed",
					zap.String("source_id", src.ID), zap.Error(herr))
			}

			if err != nil {
				zap.L().Warn("acquire: source fetch failed",
					zap.String("source_id", src.ID),
					zap.String("url", src.URL),
					zap.Error(err))
				mu.Lock()
				errs = append(errs, &SourceError{SourceID: src.ID, URL: src.URL, Err: err})
				mu.Unlock()
				return nil
			}

			mu.Lock()
			for _, it := range result.Items {
				it.sourceID = src.ID
				items = append(items, it)
			}
			mu.Unlock()
			return nil
		})
	}

	_ = g.Wait()
	return items, errs
}

func isTimeout(err error) bool {
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
