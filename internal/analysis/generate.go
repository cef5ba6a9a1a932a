package analysis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rotisserie/eris"

	"github.com/civicsignal/billcost/internal/model"
)

// DraftImpact is the generation stage's persisted output: a cost impact
// estimate awaiting review.
type DraftImpact struct {
	BillID           string       `json:"bill_id"`
	Description      string       `json:"description"`
	RelevantClause   string       `json:"relevant_clause"`
	Evidence         []string     `json:"evidence"`
	ChainOfCausality string       `json:"chain_of_causality"`
	Confidence       float64      `json:"confidence"`
	Ladder           model.Ladder `json:"ladder"`
	ResearchTaskID   string       `json:"research_task_id"`
}

// researchFindings loads the completed research output for the bill, or
// builds a minimal substitute from the request when the research stage
// was skipped. A skipped run has no summary, so the bill text must come
// with the request.
func (p *Pipeline) researchFindings(ctx context.Context, billID string, req Request) (*ResearchFindings, string, error) {
	latest, err := p.store.LatestTask(ctx, billID, model.TaskResearch)
	if err != nil {
		return nil, "", eris.Wrap(err, "analysis: load research result")
	}
	if latest.Status == model.TaskSkipped {
		if req.BillText == "" {
			return nil, "", eris.New("analysis: bill_text is required when research is skipped")
		}
		return &ResearchFindings{BillID: billID, BillText: req.BillText}, latest.ID, nil
	}
	var findings ResearchFindings
	if err := json.Unmarshal(latest.Result, &findings); err != nil {
		return nil, "", eris.Wrap(err, "analysis: decode research result")
	}
	return &findings, latest.ID, nil
}

// generate drafts a cost impact from the research findings. The model
// answers in JSON; a malformed answer fails the stage rather than
// persisting garbage.
func (p *Pipeline) generate(ctx context.Context, task model.AnalysisTask, req Request) (*StageOutput, error) {
	findings, researchTaskID, err := p.researchFindings(ctx, task.BillID, req)
	if err != nil {
		return nil, err
	}

	system, err := p.systemPrompt(ctx, model.PromptGenerate)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(
		"Bill text:\n%s\n\nResearch summary:\n%s\n\n"+
			"Respond with a JSON object: description, relevant_clause, evidence (array of strings), "+
			"chain_of_causality, confidence (0-1), ladder {p10, p25, p50, p75, p90} in annual USD per household.",
		findings.BillText, findings.Summary)

	resp, modelUsed, err := p.complete(ctx, model.UseGeneration, req.ModelOverride, system, prompt)
	if err != nil {
		return nil, err
	}

	raw, err := extractJSON(resp.Text)
	if err != nil {
		return nil, eris.Wrap(err, "analysis: generation response")
	}

	var draft DraftImpact
	if err := json.Unmarshal(raw, &draft); err != nil {
		return nil, eris.Wrap(err, "analysis: decode draft impact")
	}
	if draft.Description == "" {
		return nil, eris.New("analysis: draft impact missing description")
	}
	if draft.Confidence < 0 || draft.Confidence > 1 {
		return nil, eris.Errorf("analysis: draft confidence %.2f out of range", draft.Confidence)
	}

	draft.BillID = task.BillID
	draft.ResearchTaskID = researchTaskID

	result, err := json.Marshal(draft)
	if err != nil {
		return nil, eris.Wrap(err, "analysis: encode draft impact")
	}

	return &StageOutput{
		Result:     result,
		ContextRef: researchTaskID,
		ModelUsed:  modelUsed,
	}, nil
}
