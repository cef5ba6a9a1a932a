// Package analysis runs the three-stage impact pipeline for a bill:
// research gathers retrieval context, generation drafts a cost impact,
// review validates and persists it. Stages are gated: each runs only
// after the previous stage has completed for the same bill.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicsignal/billcost/internal/config"
	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/store"
	"github.com/civicsignal/billcost/pkg/llm"
)

// Request carries the inputs of one analysis run.
type Request struct {
	BillID         string `json:"bill_id"`
	JurisdictionID string `json:"jurisdiction_id"`
	BillText       string `json:"bill_text"`
	// ModelOverride moves the named model to the front of the fallback
	// chain for this run.
	ModelOverride string `json:"model_override,omitempty"`
	// SkipResearch lets a generate run proceed without a research stage.
	// A terminal skipped research row is recorded for the bill, and the
	// generation works from BillText alone. BillText is then required.
	SkipResearch bool `json:"skip_research,omitempty"`
}

// StageOutput is what a completed stage hands back for persistence.
// ImpactID is set only by an approving review, so the caller can roll
// the insert back if the task was cancelled while the stage ran.
type StageOutput struct {
	Result     json.RawMessage
	ContextRef string
	ModelUsed  string
	ImpactID   string
}

// Pipeline executes analysis stages.
type Pipeline struct {
	store     store.Store
	providers llm.Providers
	embedder  llm.Embedder
	cfg       config.AnalysisConfig
	retrieval config.RetrievalConfig
}

// NewPipeline creates a Pipeline.
func NewPipeline(st store.Store, providers llm.Providers, embedder llm.Embedder,
	cfg config.AnalysisConfig, retrieval config.RetrievalConfig) *Pipeline {
	return &Pipeline{
		store:     st,
		providers: providers,
		embedder:  embedder,
		cfg:       cfg,
		retrieval: retrieval,
	}
}

// RunStage executes the stage a task describes. The request is required
// for the research stage; later stages read their inputs from the
// previous stage's persisted result.
func (p *Pipeline) RunStage(ctx context.Context, task model.AnalysisTask, req Request) (*StageOutput, error) {
	if err := p.gate(ctx, task, req); err != nil {
		return nil, err
	}

	switch task.Type {
	case model.TaskResearch:
		return p.research(ctx, task, req)
	case model.TaskGenerate:
		return p.generate(ctx, task, req)
	case model.TaskReview:
		return p.review(ctx, task, req)
	default:
		return nil, eris.Errorf("analysis: task type %s is not an analysis stage", task.Type)
	}
}

// gate enforces stage ordering per bill. Research has no predecessor;
// generate needs a research run that completed or was explicitly
// skipped; review needs a completed generation run.
func (p *Pipeline) gate(ctx context.Context, task model.AnalysisTask, req Request) error {
	var prev model.TaskType
	switch task.Type {
	case model.TaskGenerate:
		prev = model.TaskResearch
	case model.TaskReview:
		prev = model.TaskGenerate
	default:
		return nil
	}

	latest, err := p.store.LatestTask(ctx, task.BillID, prev)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if task.Type == model.TaskGenerate && req.SkipResearch {
				return p.skipResearch(ctx, task)
			}
			return &StageGateError{BillID: task.BillID, Stage: task.Type, Missing: prev}
		}
		return eris.Wrap(err, "analysis: check stage gate")
	}
	switch latest.Status {
	case model.TaskCompleted:
		return nil
	case model.TaskSkipped:
		if task.Type == model.TaskGenerate {
			return nil
		}
	}
	return &StageGateError{BillID: task.BillID, Stage: task.Type, Missing: prev}
}

// skipResearch records a terminal research row so the bypass shows up
// in the task history and later generate runs pass the gate the same
// way.
func (p *Pipeline) skipResearch(ctx context.Context, task model.AnalysisTask) error {
	_, err := p.store.CreateSkippedTask(ctx, model.AnalysisTask{
		Type:           model.TaskResearch,
		BillID:         task.BillID,
		JurisdictionID: task.JurisdictionID,
	})
	if err != nil {
		return eris.Wrap(err, "analysis: record skipped research")
	}
	zap.L().Info("analysis: research skipped by request",
		zap.String("bill_id", task.BillID))
	return nil
}

// StageGateError reports a stage started out of order.
type StageGateError struct {
	BillID  string
	Stage   model.TaskType
	Missing model.TaskType
}

func (e *StageGateError) Error() string {
	return fmt.Sprintf("analysis: %s for bill %s requires a completed %s run", e.Stage, e.BillID, e.Missing)
}

// previousResult loads and decodes the latest completed result of a
// stage for the bill.
func previousResult[T any](ctx context.Context, st store.Store, billID string, stage model.TaskType) (*T, string, error) {
	latest, err := st.LatestTask(ctx, billID, stage)
	if err != nil {
		return nil, "", eris.Wrapf(err, "analysis: load %s result", stage)
	}
	var out T
	if err := json.Unmarshal(latest.Result, &out); err != nil {
		return nil, "", eris.Wrapf(err, "analysis: decode %s result", stage)
	}
	return &out, latest.ID, nil
}

// extractJSON pulls the first JSON object out of a model response,
// tolerating code fences and surrounding prose.
func extractJSON(text string) ([]byte, error) {
	text = strings.TrimSpace(text)
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(rest, "json")
		if end := strings.Index(rest, "```"); end >= 0 {
			text = rest[:end]
		} else {
			text = rest
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, eris.New("analysis: no JSON object in model response")
	}
	return []byte(text[start : end+1]), nil
}
