package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pgvector/pgvector-go"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/civicsignal/billcost/internal/model"
	"github.com/civicsignal/billcost/internal/store"
)

// ResearchFindings is the persisted output of the research stage. It
// carries the bill text forward so later stages do not depend on the
// original request being resubmitted.
type ResearchFindings struct {
	BillID    string   `json:"bill_id"`
	BillText  string   `json:"bill_text"`
	Summary   string   `json:"summary"`
	ChunkIDs  []string `json:"chunk_ids"`
	Retrieval string   `json:"retrieval"` // "ok" or "empty"
}

// research embeds the bill text, retrieves related local context, and
// asks the research model to summarize what bears on cost of living.
// Zero retrieval matches is a valid outcome; an unreachable retrieval
// backend fails the stage so it can be retried.
func (p *Pipeline) research(ctx context.Context, task model.AnalysisTask, req Request) (*StageOutput, error) {
	if req.BillText == "" {
		return nil, eris.Errorf("analysis: research for bill %s requires bill text", task.BillID)
	}

	vecs, err := p.embedder.Embed(ctx, []string{req.BillText})
	if err != nil {
		return nil, eris.Wrap(err, "analysis: embed bill text")
	}

	chunks, err := p.store.SearchChunks(ctx, pgvector.NewVector(vecs[0]),
		model.RetrievalFilter{JurisdictionID: task.JurisdictionID},
		p.retrieval.TopK, p.retrieval.MinSimilarity)
	if err != nil {
		if errors.Is(err, store.ErrRetrievalUnavailable) {
			return nil, eris.Wrap(err, "analysis: retrieval backend down")
		}
		return nil, eris.Wrap(err, "analysis: search context")
	}

	findings := ResearchFindings{
		BillID:    task.BillID,
		BillText:  req.BillText,
		Retrieval: "ok",
	}

	var contextBlock strings.Builder
	if len(chunks) == 0 {
		findings.Retrieval = "empty"
		contextBlock.WriteString("(no related local documents found)")
		zap.L().Info("analysis: no retrieval context for bill",
			zap.String("bill_id", task.BillID))
	} else {
		for i, c := range chunks {
			findings.ChunkIDs = append(findings.ChunkIDs, c.ID)
			fmt.Fprintf(&contextBlock, "[%d] (similarity %.2f)\n%s\n\n", i+1, c.Similarity, c.Text)
		}
	}

	system, err := p.systemPrompt(ctx, model.PromptResearch)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf("Bill text:\n%s\n\nRelated local context:\n%s", req.BillText, contextBlock.String())
	resp, modelUsed, err := p.complete(ctx, model.UseResearch, req.ModelOverride, system, prompt)
	if err != nil {
		return nil, err
	}
	findings.Summary = strings.TrimSpace(resp.Text)

	result, err := json.Marshal(findings)
	if err != nil {
		return nil, eris.Wrap(err, "analysis: encode research findings")
	}

	return &StageOutput{
		Result:     result,
		ContextRef: strings.Join(findings.ChunkIDs, ","),
		ModelUsed:  modelUsed,
	}, nil
}
