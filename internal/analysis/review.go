package analysis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicsignal/billcost/internal/model"
)

// ReviewedImpact is the review stage's persisted output. The reviewed
// ladder is always monotonic by the time it is stored.
type ReviewedImpact struct {
	Approved       bool         `json:"approved"`
	Notes          string       `json:"notes"`
	Confidence     float64      `json:"confidence"`
	Ladder         model.Ladder `json:"ladder"`
	LadderClamped  bool         `json:"ladder_clamped"`
	ImpactID       string       `json:"impact_id,omitempty"`
	GenerateTaskID string       `json:"generate_task_id"`
}

// review validates the draft impact with the review model, repairs any
// non-monotonic ladder by clamping, and persists the final Impact. A
// rejected draft completes the stage without writing an impact.
func (p *Pipeline) review(ctx context.Context, task model.AnalysisTask, req Request) (*StageOutput, error) {
	draft, generateTaskID, err := previousResult[DraftImpact](ctx, p.store, task.BillID, model.TaskGenerate)
	if err != nil {
		return nil, err
	}

	system, err := p.systemPrompt(ctx, model.PromptReview)
	if err != nil {
		return nil, err
	}

	draftJSON, err := json.Marshal(draft)
	if err != nil {
		return nil, eris.Wrap(err, "analysis: encode draft for review")
	}

	prompt := fmt.Sprintf(
		"Draft impact estimate:\n%s\n\n"+
			"Respond with a JSON object: approved (bool), notes, confidence (0-1), "+
			"ladder {p10, p25, p50, p75, p90} with your corrected percentile anchors.",
		draftJSON)

	resp, modelUsed, err := p.complete(ctx, model.UseReview, req.ModelOverride, system, prompt)
	if err != nil {
		return nil, err
	}

	raw, err := extractJSON(resp.Text)
	if err != nil {
		return nil, eris.Wrap(err, "analysis: review response")
	}

	var reviewed ReviewedImpact
	if err := json.Unmarshal(raw, &reviewed); err != nil {
		return nil, eris.Wrap(err, "analysis: decode review")
	}
	if reviewed.Confidence < 0 || reviewed.Confidence > 1 {
		return nil, eris.Errorf("analysis: review confidence %.2f out of range", reviewed.Confidence)
	}
	reviewed.GenerateTaskID = generateTaskID

	reviewed.Ladder, reviewed.LadderClamped = reviewed.Ladder.Clamp()
	if reviewed.LadderClamped {
		zap.L().Warn("analysis: review ladder clamped to restore monotonic order",
			zap.String("bill_id", task.BillID),
			zap.Float64("p10", reviewed.Ladder.P10),
			zap.Float64("p90", reviewed.Ladder.P90))
	}

	if reviewed.Approved {
		imp, err := p.store.InsertImpact(ctx, model.Impact{
			BillID:           task.BillID,
			Description:      draft.Description,
			RelevantClause:   draft.RelevantClause,
			Evidence:         draft.Evidence,
			ChainOfCausality: draft.ChainOfCausality,
			Confidence:       reviewed.Confidence,
			Ladder:           reviewed.Ladder,
			ModelUsed:        modelUsed,
		})
		if err != nil {
			return nil, eris.Wrap(err, "analysis: persist impact")
		}
		reviewed.ImpactID = imp.ID
	} else {
		zap.L().Info("analysis: draft impact rejected by review",
			zap.String("bill_id", task.BillID),
			zap.String("notes", reviewed.Notes))
	}

	result, err := json.Marshal(reviewed)
	if err != nil {
		return nil, eris.Wrap(err, "analysis: encode review")
	}

	return &StageOutput{
		Result:     result,
		ContextRef: generateTaskID,
		ModelUsed:  modelUsed,
		ImpactID:   reviewed.ImpactID,
	}, nil
}
