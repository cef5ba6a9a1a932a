// Package discovery finds candidate document sources for a jurisdiction
// by running templated web searches and scoring the hits. Candidates go
// to a review queue; a human approves them before any acquisition runs.
package discovery

import (
	"context"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/civicsignal/billcost/internal/config"
	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/store"
	"github.com/civicsignal/billcost/pkg/search"
)

// RunResult summarizes one discovery sweep for a jurisdiction.
type RunResult struct {
	JurisdictionID string `json:"jurisdiction_id"`
	QueriesRun     int    `json:"queries_run"`
	HitsScored     int    `json:"hits_scored"`
	Proposed       int    `json:"proposed"`
	Duplicates     int    `json:"duplicates"`
}

// Engine runs discovery sweeps.
type Engine struct {
	store     store.Store
	search    search.Client
	templates []QueryTemplate
	limiter   *rate.Limiter
	minScore  float64
	maxCand   int
}

// NewEngine creates an Engine. Templates come from the configured
// template file.
func NewEngine(st store.Store, sc search.Client, cfg config.DiscoveryConfig) (*Engine, error) {
	templates, err := LoadTemplates(cfg.TemplateFile)
	if err != nil {
		return nil, err
	}
	minScore := cfg.MinScore
	if minScore <= 0 {
		minScore = 0.3
	}
	maxCand := cfg.MaxCandidates
	if maxCand <= 0 {
		maxCand = 20
	}
	return &Engine{
		store:     st,
		search:    sc,
		templates: templates,
		// Burst covers one sweep; back-to-back sweeps are throttled.
		limiter:  rate.NewLimiter(rate.Limit(1), len(templates)),
		minScore: minScore,
		maxCand:  maxCand,
	}, nil
}

// Run searches every template for the jurisdiction and proposes the
// best-scoring hits as source candidates.
func (e *Engine) Run(ctx context.Context, j model.Jurisdiction) (*RunResult, error) {
	log := zap.L().With(zap.String("jurisdiction_id", j.ID))
	result := &RunResult{JurisdictionID: j.ID}

	type scored struct {
		cand  model.SourceCandidate
		score float64
	}
	var hits []scored
	seen := map[string]bool{}

	for _, tmpl := range e.templates {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, eris.Wrap(err, "discovery: rate limit wait")
		}

		query := tmpl.Render(j)
		resp, err := e.search.Search(ctx, query)
		if err != nil {
			log.Warn("discovery: query failed", zap.String("query", query), zap.Error(err))
			continue
		}
		result.QueriesRun++

		for _, r := range resp.Results {
			if seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			result.HitsScored++

			s := Score(r, tmpl.Category)
			if s < e.minScore {
				continue
			}
			hits = append(hits, scored{
				cand: model.SourceCandidate{
					JurisdictionID: j.ID,
					URL:            r.URL,
					Category:       tmpl.Category,
					Query:          query,
					Score:          s,
					Status:         model.CandidateProposed,
				},
				score: s,
			})
		}
	}

	if result.QueriesRun == 0 {
		return nil, eris.Errorf("discovery: all queries failed for %s", j.ID)
	}

	sort.SliceStable(hits, func(i, k int) bool { return hits[i].score > hits[k].score })
	if len(hits) > e.maxCand {
		hits = hits[:e.maxCand]
	}

	for _, h := range hits {
		_, inserted, err := e.store.InsertCandidate(ctx, h.cand)
		if err != nil {
			return nil, eris.Wrap(err, "discovery: insert candidate")
		}
		if inserted {
			result.Proposed++
		} else {
			result.Duplicates++
		}
	}

	log.Info("discovery: sweep complete",
		zap.Int("queries_run", result.QueriesRun),
		zap.Int("proposed", result.Proposed),
		zap.Int("duplicates", result.Duplicates),
	)

	return result, nil
}
